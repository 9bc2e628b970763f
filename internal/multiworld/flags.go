package multiworld

import jsoniter "github.com/json-iterator/go"

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Flags are the per-session feature toggles. Stored as JSONB on the
// session row and transmitted to clients after a successful join.
type Flags struct {
	Chat           bool `json:"chat"`
	PauseReceiving bool `json:"pauseReceiving"`
	MissingCmd     bool `json:"missingCmd"`
	Duping         bool `json:"duping"`
	Forfeit        bool `json:"forfeit"`
}

// DefaultFlags is what a fresh session starts with.
func DefaultFlags() Flags {
	return Flags{
		Chat:           true,
		PauseReceiving: true,
		MissingCmd:     true,
		Duping:         false,
		Forfeit:        true,
	}
}

// ParseFlags decodes the JSONB flag blob, falling back to defaults for
// an empty blob.
func ParseFlags(raw []byte) (Flags, error) {
	f := DefaultFlags()
	if len(raw) == 0 || string(raw) == "{}" {
		return f, nil
	}
	if err := json.Unmarshal(raw, &f); err != nil {
		return Flags{}, err
	}
	return f, nil
}

func (f Flags) Encode() []byte {
	raw, _ := json.Marshal(f)
	return raw
}
