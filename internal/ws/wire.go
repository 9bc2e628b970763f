package ws

import (
	jsoniter "github.com/json-iterator/go"

	"github.com/webmulti/server/internal/data"
	"github.com/webmulti/server/internal/persist"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Outbound message types.
const (
	MsgConnectionAccepted = "connection_accepted"
	MsgPlayerInfoRequest  = "player_info_request"
	MsgNonPlayerDetected  = "non_player_detected"
	MsgInitSuccess        = "init_success"
	MsgFlags              = "flags"
	MsgPong               = "pong"
	MsgNewItem            = "new_item"
	MsgNewItems           = "new_items"
)

// Inbound message types.
const (
	MsgPlayerInfo     = "player_info"
	MsgUserInfo       = "user_info"
	MsgPing           = "ping"
	MsgPauseReceiving = "pause_receiving"
	MsgResumeReceive  = "resume_receiving"
	MsgChat           = "chat"
	MsgControl        = "control"
	MsgUpdateMemory   = "update_memory"
)

// Envelope is the generic outbound frame.
type Envelope struct {
	Type string `json:"type"`
	Data any    `json:"data,omitempty"`
}

// EventPayload is one event on the wire, alone under type new_item or
// batched under new_items.
type EventPayload struct {
	ID         int64          `json:"id"`
	Timestamp  int64          `json:"timestamp"`
	EventType  string         `json:"event_type"`
	FromPlayer int            `json:"from_player"`
	ToPlayer   int            `json:"to_player"`
	ItemID     int            `json:"item_id"`
	Location   int            `json:"location"`
	EventData  map[string]any `json:"event_data"`
	// EventIdx is the recipient's receive index as a big-endian byte
	// pair; present iff the recipient is not the finder.
	EventIdx []int `json:"event_idx,omitempty"`
}

// inbound is the parsed client frame. Data stays raw until the handler
// knows what shape to expect.
type inbound struct {
	Type string              `json:"type"`
	Data jsoniter.RawMessage `json:"data"`
}

// PlayerIdentity is the payload of player_info.
type PlayerIdentity struct {
	PlayerID     int    `json:"player_id"`
	RomName      string `json:"rom_name"`
	UserID       int    `json:"user_id"`
	SessionToken string `json:"session_token"`
	APIKey       string `json:"api_key"`
}

// UserIdentity is the payload of user_info (spectators).
type UserIdentity struct {
	UserID       int    `json:"user_id"`
	SessionToken string `json:"session_token"`
	APIKey       string `json:"api_key"`
}

// controlPayload carries owner commands such as kick.
type controlPayload struct {
	Type     string `json:"type"`
	PlayerID int    `json:"player_id"`
}

// buildEventPayload converts a stored event to its wire form, resolving
// item and location names into event_data.
func buildEventPayload(ev *persist.EventRow, tables *data.Tables) EventPayload {
	payload := EventPayload{
		ID:         ev.ID,
		Timestamp:  ev.CreatedAt.Unix(),
		EventType:  ev.Type,
		FromPlayer: ev.FromPlayer,
		ToPlayer:   ev.ToPlayer,
		ItemID:     ev.ItemID,
		Location:   ev.Location,
		EventData:  map[string]any{},
	}
	if len(ev.EventData) > 0 {
		// Tolerate malformed stored blobs; the payload map stays empty.
		_ = json.Unmarshal(ev.EventData, &payload.EventData)
		if payload.EventData == nil {
			payload.EventData = map[string]any{}
		}
	}
	if ev.Type == persist.EventNewItem {
		if name, ok := tables.ItemName(ev.ItemID); ok {
			payload.EventData["item_name"] = name
		}
		if name, ok := tables.LocationName(ev.Location); ok {
			payload.EventData["location_name"] = name
		}
		if ev.ToPlayer != ev.FromPlayer && ev.ToPlayerIdx != nil {
			idx := *ev.ToPlayerIdx
			payload.EventIdx = []int{(idx >> 8) & 0xFF, idx & 0xFF}
		}
	}
	return payload
}
