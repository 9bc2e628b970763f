package data

import (
	"embed"
	"encoding/json"
	"fmt"
	"strconv"
)

//go:embed assets/*.json
var assets embed.FS

// Shop memory locations are offset into their own bank in the lookup
// tables; the differ sees only the in-region byte offset.
const shopBankOffset = 0x400000

// AdminSendLocation is the synthetic location id used by admin item pushes.
const AdminSendLocation = 0

// MaskedLocation is one registered check inside a room or screen word.
type MaskedLocation struct {
	Name string
	Mask uint16
}

// Tables holds the immutable location and item lookup indices. Built once
// at startup; all lookups are read-only and safe for concurrent use.
type Tables struct {
	byRoom     map[string]map[int][]MaskedLocation // base, pots, sprites, misc
	bonkPrizes map[int][]MaskedLocation            // by overworld screen
	maskTable  map[string][]MaskedLocation         // npcs, bosses: word at offset 0
	reversed   map[string]map[int]string           // overworld, shops: memLoc → name
	idToName   map[int]string
	nameToID   map[string]int
	itemNames  map[int]string
	itemIDs    map[string]int
}

// Load builds the tables from the embedded JSON assets.
func Load() (*Tables, error) {
	locInfo, err := assets.ReadFile("assets/location_info.json")
	if err != nil {
		return nil, fmt.Errorf("read location_info: %w", err)
	}
	lookup, err := assets.ReadFile("assets/lookup_id_to_name.json")
	if err != nil {
		return nil, fmt.Errorf("read lookup_id_to_name: %w", err)
	}
	items, err := assets.ReadFile("assets/item_table.json")
	if err != nil {
		return nil, fmt.Errorf("read item_table: %w", err)
	}
	return Parse(locInfo, lookup, items)
}

// Parse builds the tables from raw JSON documents. Split from Load so
// tests can feed reduced fixtures.
func Parse(locationInfo, lookupIDToName, itemTable []byte) (*Tables, error) {
	t := &Tables{
		byRoom:     make(map[string]map[int][]MaskedLocation),
		bonkPrizes: make(map[int][]MaskedLocation),
		maskTable:  make(map[string][]MaskedLocation),
		reversed:   make(map[string]map[int]string),
		idToName:   make(map[int]string),
		nameToID:   make(map[string]int),
		itemNames:  make(map[int]string),
		itemIDs:    make(map[string]int),
	}

	var rawInfo map[string]map[string]json.RawMessage
	if err := json.Unmarshal(locationInfo, &rawInfo); err != nil {
		return nil, fmt.Errorf("parse location_info: %w", err)
	}
	for kind, entries := range rawInfo {
		switch kind {
		case "base", "pots", "sprites", "misc":
			rooms := make(map[int][]MaskedLocation)
			for name, raw := range entries {
				room, mask, err := parsePair(raw)
				if err != nil {
					return nil, fmt.Errorf("location_info %s %q: %w", kind, name, err)
				}
				rooms[room] = append(rooms[room], MaskedLocation{Name: name, Mask: mask})
			}
			t.byRoom[kind] = rooms
		case "bonk_prizes":
			for name, raw := range entries {
				screen, mask, err := parsePair(raw)
				if err != nil {
					return nil, fmt.Errorf("location_info bonk_prizes %q: %w", name, err)
				}
				t.bonkPrizes[screen] = append(t.bonkPrizes[screen], MaskedLocation{Name: name, Mask: mask})
			}
		case "npcs", "bosses":
			for name, raw := range entries {
				var mask uint16
				if err := json.Unmarshal(raw, &mask); err != nil {
					return nil, fmt.Errorf("location_info %s %q: %w", kind, name, err)
				}
				t.maskTable[kind] = append(t.maskTable[kind], MaskedLocation{Name: name, Mask: mask})
			}
		case "overworld", "shops":
			rev := make(map[int]string)
			for name, raw := range entries {
				var memLoc int
				if err := json.Unmarshal(raw, &memLoc); err != nil {
					return nil, fmt.Errorf("location_info %s %q: %w", kind, name, err)
				}
				rev[memLoc] = name
			}
			t.reversed[kind] = rev
		default:
			return nil, fmt.Errorf("location_info: unknown kind %q", kind)
		}
	}

	var lookup map[string]string
	if err := json.Unmarshal(lookupIDToName, &lookup); err != nil {
		return nil, fmt.Errorf("parse lookup_id_to_name: %w", err)
	}
	lookup[strconv.Itoa(AdminSendLocation)] = "Admin Send"
	for idStr, name := range lookup {
		id, err := strconv.Atoi(idStr)
		if err != nil {
			return nil, fmt.Errorf("lookup_id_to_name %q: %w", idStr, err)
		}
		t.idToName[id] = name
		t.nameToID[name] = id
	}

	var rawItems map[string]string
	if err := json.Unmarshal(itemTable, &rawItems); err != nil {
		return nil, fmt.Errorf("parse item_table: %w", err)
	}
	for idStr, name := range rawItems {
		id, err := strconv.Atoi(idStr)
		if err != nil {
			return nil, fmt.Errorf("item_table %q: %w", idStr, err)
		}
		t.itemNames[id] = name
		t.itemIDs[name] = id
	}

	return t, nil
}

func parsePair(raw json.RawMessage) (int, uint16, error) {
	var pair [2]int
	if err := json.Unmarshal(raw, &pair); err != nil {
		return 0, 0, err
	}
	return pair[0], uint16(pair[1]), nil
}

// RoomLocations returns the registered checks for a room of a by-room kind.
func (t *Tables) RoomLocations(kind string, room int) []MaskedLocation {
	return t.byRoom[kind][room]
}

// BonkPrizes returns the bonk prize checks for an overworld screen.
func (t *Tables) BonkPrizes(screen int) []MaskedLocation {
	return t.bonkPrizes[screen]
}

// MaskLocations returns the flat mask table for npcs or bosses.
func (t *Tables) MaskLocations(kind string) []MaskedLocation {
	return t.maskTable[kind]
}

// OverworldName returns the location name for an overworld screen offset.
func (t *Tables) OverworldName(memLoc int) (string, bool) {
	name, ok := t.reversed["overworld"][memLoc]
	return name, ok
}

// ShopName returns the location name for a shop byte offset.
func (t *Tables) ShopName(memLoc int) (string, bool) {
	name, ok := t.reversed["shops"][shopBankOffset+memLoc]
	return name, ok
}

// LocationID resolves a location name to its id.
func (t *Tables) LocationID(name string) (int, bool) {
	id, ok := t.nameToID[name]
	return id, ok
}

// LocationName resolves a location id to its name.
func (t *Tables) LocationName(id int) (string, bool) {
	name, ok := t.idToName[id]
	return name, ok
}

// ItemName resolves an item id to its name.
func (t *Tables) ItemName(id int) (string, bool) {
	name, ok := t.itemNames[id]
	return name, ok
}

// ItemID resolves an item name back to its id.
func (t *Tables) ItemID(name string) (int, bool) {
	id, ok := t.itemIDs[name]
	return id, ok
}

// LocationCount reports the number of known location ids.
func (t *Tables) LocationCount() int { return len(t.idToName) }

// ItemCount reports the number of known item ids.
func (t *Tables) ItemCount() int { return len(t.itemNames) }
