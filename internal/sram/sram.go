// Package sram decodes location checks out of save-RAM snapshots.
//
// A snapshot is a map of named regions to raw bytes. The differ is
// edge-triggered: a check is only reported when its bit goes from unset
// to set between two snapshots, which makes replaying the same snapshot
// a no-op. Shop counters are the one exception (any non-zero value is a
// purchase).
package sram

import (
	"encoding/json"
	"fmt"

	"go.uber.org/zap"

	"github.com/webmulti/server/internal/data"
)

// Snapshot maps a region name to its bytes. On the wire and in the
// database the bytes travel as plain JSON integer arrays, not base64.
type Snapshot map[string][]byte

func (s Snapshot) MarshalJSON() ([]byte, error) {
	out := make(map[string][]int, len(s))
	for region, bytes := range s {
		ints := make([]int, len(bytes))
		for i, b := range bytes {
			ints[i] = int(b)
		}
		out[region] = ints
	}
	return json.Marshal(out)
}

func (s *Snapshot) UnmarshalJSON(b []byte) error {
	var raw map[string][]int
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	out := make(Snapshot, len(raw))
	for region, ints := range raw {
		bytes := make([]byte, len(ints))
		for i, v := range ints {
			if v < 0 || v > 0xFF {
				return fmt.Errorf("region %s byte %d out of range: %d", region, i, v)
			}
			bytes[i] = byte(v)
		}
		out[region] = bytes
	}
	*s = out
	return nil
}

// Zeroed returns a snapshot with the same regions and lengths as s but
// all bytes cleared. Used as the previous snapshot on first write.
func (s Snapshot) Zeroed() Snapshot {
	out := make(Snapshot, len(s))
	for region, bytes := range s {
		out[region] = make([]byte, len(bytes))
	}
	return out
}

// Diff is the byte-level difference between two snapshots:
// region → byte offset → new value.
type Diff map[string]map[int]byte

// Compute returns the byte-level difference between prev and cur. Bytes
// present only in cur count as changed against an implicit zero.
func Compute(prev, cur Snapshot) Diff {
	d := make(Diff)
	for region, curBytes := range cur {
		prevBytes := prev[region]
		var changed map[int]byte
		for i, b := range curBytes {
			var old byte
			if i < len(prevBytes) {
				old = prevBytes[i]
			}
			if b != old {
				if changed == nil {
					changed = make(map[int]byte)
				}
				changed[i] = b
			}
		}
		if changed != nil {
			d[region] = changed
		}
	}
	return d
}

// ChangedLocations decodes the diff into newly-checked location names.
// Lookup misses are logged and skipped; the decode never fails.
func ChangedLocations(d Diff, prev, cur Snapshot, tables *data.Tables, log *zap.Logger) []string {
	var locations []string
	seen := make(map[string]bool)
	emit := func(name string) {
		if !seen[name] {
			seen[name] = true
			locations = append(locations, name)
		}
	}

	for region, changed := range d {
		for memLoc := range changed {
			switch region {
			case "base", "pots", "sprites":
				// Room state is a 16-bit little-endian word at an even
				// offset. "base" rooms are indexed by word, the others
				// by byte offset rounded down to even.
				var roomID, wordOff int
				if region == "base" {
					roomID = memLoc / 2
					wordOff = roomID * 2
				} else {
					wordOff = memLoc &^ 1
					roomID = wordOff
				}
				checks := tables.RoomLocations(region, roomID)
				if len(checks) == 0 {
					continue
				}
				newWord, ok := wordAt(cur[region], wordOff)
				if !ok {
					log.Warn("sram: room word out of range",
						zap.String("region", region), zap.Int("offset", wordOff))
					continue
				}
				oldWord, _ := wordAt(prev[region], wordOff)
				for _, c := range checks {
					if risingEdge(oldWord, newWord, c.Mask) {
						emit(c.Name)
					}
				}

			case "overworld":
				newByte := byteAt(cur[region], memLoc)
				oldByte := byteAt(prev[region], memLoc)
				if risingEdge(uint16(oldByte), uint16(newByte), 0x40) {
					name, ok := tables.OverworldName(memLoc)
					if !ok {
						log.Warn("sram: unknown overworld screen", zap.Int("screen", memLoc))
						continue
					}
					emit(name)
					continue
				}
				for _, c := range tables.BonkPrizes(memLoc) {
					if risingEdge(uint16(oldByte), uint16(newByte), c.Mask) {
						emit(c.Name)
					}
				}

			case "npcs", "bosses":
				newWord, ok := wordAt(cur[region], 0)
				if !ok {
					log.Warn("sram: region too short for word", zap.String("region", region))
					continue
				}
				oldWord, _ := wordAt(prev[region], 0)
				for _, c := range tables.MaskLocations(region) {
					if risingEdge(oldWord, newWord, c.Mask) {
						emit(c.Name)
					}
				}

			case "misc":
				newByte := byteAt(cur[region], memLoc)
				oldByte := byteAt(prev[region], memLoc)
				for _, c := range tables.RoomLocations(region, memLoc) {
					if risingEdge(uint16(oldByte), uint16(newByte), c.Mask) {
						emit(c.Name)
					}
				}

			case "shops":
				// Purchase counters, level-triggered: any non-zero value
				// marks the slot as bought.
				if byteAt(cur[region], memLoc) == 0 {
					continue
				}
				name, ok := tables.ShopName(memLoc)
				if !ok {
					log.Warn("sram: unknown shop slot", zap.Int("offset", memLoc))
					continue
				}
				emit(name)
			}
		}
	}
	return locations
}

// FrameTime decodes the 24-bit little-endian frame counter from the
// total_time region. Returns false if the region is missing or short.
func FrameTime(s Snapshot) (int64, bool) {
	t, ok := s["total_time"]
	if !ok || len(t) < 3 {
		return 0, false
	}
	return int64(t[2])<<16 | int64(t[1])<<8 | int64(t[0]), true
}

// LastDelivered decodes the receive cursor from the multiinfo region:
// a big-endian 16-bit count of foreign items the game has applied.
func LastDelivered(s Snapshot) int {
	m, ok := s["multiinfo"]
	if !ok || len(m) < 2 {
		return 0
	}
	return int(m[0])<<8 | int(m[1])
}

func wordAt(b []byte, off int) (uint16, bool) {
	if off < 0 || off+1 >= len(b) {
		return 0, false
	}
	return uint16(b[off]) | uint16(b[off+1])<<8, true
}

func byteAt(b []byte, off int) byte {
	if off < 0 || off >= len(b) {
		return 0
	}
	return b[off]
}

// risingEdge reports whether mask covers a bit that is set in cur and
// was not set in prev.
func risingEdge(prev, cur, mask uint16) bool {
	return cur&mask != prev&mask && cur&mask != 0
}
