package sram

// In-dungeon identifiers, as the game stores them: room-pair indices,
// so every id is even.
var dungeonNames = map[int]string{
	0x00: "Sewers",
	0x02: "Hyrule Castle",
	0x04: "Eastern Palace",
	0x06: "Desert Palace",
	0x08: "Agahnims Tower",
	0x0A: "Swamp Palace",
	0x0C: "Palace of Darkness",
	0x0E: "Misery Mire",
	0x10: "Skull Woods",
	0x12: "Ice Palace",
	0x14: "Tower of Hera",
	0x16: "Thieves Town",
	0x18: "Turtle Rock",
	0x1A: "Ganons Tower",
}

// PlayerState is the live telemetry decoded from a snapshot for the
// session players endpoint.
type PlayerState struct {
	CollectionRate int
	GoalCompleted  bool
	Coords         [2]int
	World          string
	Health         float64
	MaxHealth      float64
}

// DecodePlayerState reads the progress and position fields out of a
// snapshot. Missing regions fall back to fresh-save defaults.
func DecodePlayerState(s Snapshot) PlayerState {
	state := PlayerState{
		World:     "EG1",
		Health:    3.0,
		MaxHealth: 3.0,
	}

	inv := s["inventory"]
	if len(inv) > 0x103 {
		state.CollectionRate = int(inv[0xE3]) | int(inv[0xE4])<<8
		state.GoalCompleted = inv[0x103] != 0
		state.Health = float64(inv[0x2D]) / 8
		state.MaxHealth = float64(inv[0x2C]) / 8
	}

	x, y := 0, 0
	if coords := s["coords"]; len(coords) >= 4 {
		x = int(coords[0]) | int(coords[1])<<8
		y = int(coords[2]) | int(coords[3])<<8
	}
	state.Coords = [2]int{x, y}

	gameMode := byteAt(s["game_mode"], 0)
	lwDw := byteAt(s["lw_dw"], 0)
	switch gameMode {
	case 0x07:
		// Underworld. Past the x midpoint the player is in the second
		// extended-grid quadrant rather than a registered dungeon.
		if x > 8192 {
			state.World = "EG2"
			state.Coords[0] = x - 8192
		} else if dungeon := s["dungeon_id"]; len(dungeon) > 0 {
			id := int(dungeon[0])
			if len(dungeon) > 1 {
				id |= int(dungeon[1]) << 8
			}
			if name, ok := dungeonNames[id]; ok {
				state.World = name
			}
		}
	case 0x09:
		if lwDw == 0x00 {
			state.World = "LW"
		} else {
			state.World = "DW"
		}
	}
	return state
}
