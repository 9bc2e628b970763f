package multiworld

import (
	"bytes"
	"compress/zlib"
	"fmt"
	"io"

	"github.com/tidwall/gjson"
)

// Placement keys the shuffled item table: which item goes to whom when
// a given player checks a given location.
type Placement struct {
	LocationID int
	Finder     int
}

type PlacedItem struct {
	ItemID    int
	Recipient int
}

// Multidata is the decoded seed description uploaded at session
// creation. Player ids are 1-based slot positions.
type Multidata struct {
	PlayerNames []string              // index 0 is player 1
	RomNames    map[string]int        // rom name -> player id
	Placements  map[Placement]PlacedItem
}

// DecodeMultidata inflates and parses an uploaded multidata blob.
func DecodeMultidata(raw []byte) (*Multidata, []byte, error) {
	zr, err := zlib.NewReader(bytes.NewReader(raw))
	if err != nil {
		return nil, nil, fmt.Errorf("inflate multidata: %w", err)
	}
	defer zr.Close()
	inflated, err := io.ReadAll(zr)
	if err != nil {
		return nil, nil, fmt.Errorf("inflate multidata: %w", err)
	}

	md, err := ParseMultidata(inflated)
	if err != nil {
		return nil, nil, err
	}
	return md, inflated, nil
}

// ParseMultidata builds the lookup structures from inflated multidata
// JSON. Also used when re-hydrating a session from its stored mwdata.
func ParseMultidata(inflated []byte) (*Multidata, error) {
	if !gjson.ValidBytes(inflated) {
		return nil, fmt.Errorf("multidata is not valid JSON")
	}
	doc := gjson.ParseBytes(inflated)

	names := doc.Get("names.0")
	if !names.Exists() || !names.IsArray() {
		return nil, fmt.Errorf("multidata missing names[0]")
	}
	md := &Multidata{
		RomNames:   make(map[string]int),
		Placements: make(map[Placement]PlacedItem),
	}
	for _, n := range names.Array() {
		md.PlayerNames = append(md.PlayerNames, n.String())
	}

	roms := doc.Get("roms")
	if !roms.Exists() || !roms.IsArray() {
		return nil, fmt.Errorf("multidata missing roms")
	}
	for i, rom := range roms.Array() {
		entry := rom.Array()
		if len(entry) < 3 {
			return nil, fmt.Errorf("multidata roms[%d]: want 3 elements, got %d", i, len(entry))
		}
		md.RomNames[entry[2].String()] = i + 1
	}

	locations := doc.Get("locations")
	if !locations.Exists() || !locations.IsArray() {
		return nil, fmt.Errorf("multidata missing locations")
	}
	for i, loc := range locations.Array() {
		pair := loc.Array()
		if len(pair) != 2 {
			return nil, fmt.Errorf("multidata locations[%d]: want 2 pairs", i)
		}
		key, val := pair[0].Array(), pair[1].Array()
		if len(key) != 2 || len(val) != 2 {
			return nil, fmt.Errorf("multidata locations[%d]: malformed pair", i)
		}
		md.Placements[Placement{
			LocationID: int(key[0].Int()),
			Finder:     int(key[1].Int()),
		}] = PlacedItem{
			ItemID:    int(val[0].Int()),
			Recipient: int(val[1].Int()),
		}
	}
	return md, nil
}

// PlayerName returns the display name for a player id, or a numeric
// fallback for out-of-range ids.
func (md *Multidata) PlayerName(playerID int) string {
	if playerID >= 1 && playerID <= len(md.PlayerNames) {
		return md.PlayerNames[playerID-1]
	}
	return fmt.Sprintf("Player %d", playerID)
}

// PlayerCount reports the number of player slots in the seed.
func (md *Multidata) PlayerCount() int { return len(md.PlayerNames) }

// PlayerLocations returns every location id the given finder can check.
func (md *Multidata) PlayerLocations(finder int) []int {
	var locations []int
	for p := range md.Placements {
		if p.Finder == finder {
			locations = append(locations, p.LocationID)
		}
	}
	return locations
}
