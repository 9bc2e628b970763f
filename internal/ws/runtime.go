package ws

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/webmulti/server/internal/auth"
	"github.com/webmulti/server/internal/config"
	"github.com/webmulti/server/internal/data"
	"github.com/webmulti/server/internal/multiworld"
	"github.com/webmulti/server/internal/persist"
)

// EventStore is the slice of the persistence layer the runtime reads.
type EventStore interface {
	EventsFromPlayer(ctx context.Context, sessionID uuid.UUID, playerID int) ([]persist.EventRow, error)
	NewItemsFromPlayer(ctx context.Context, sessionID uuid.UUID, fromPlayer int) ([]int, error)
	ItemsForPlayerFromOthers(ctx context.Context, sessionID uuid.UUID, toPlayer, gtIdx int) ([]persist.EventRow, error)
	ConnectionEvents(ctx context.Context, sessionID uuid.UUID, playerID int) ([]persist.EventRow, error)
	EventsAtOrAfterFrameTime(ctx context.Context, sessionID uuid.UUID, fromPlayer int, frameTime int64) ([]persist.EventRow, error)
	ClearFrameTime(ctx context.Context, ids []int64) error
}

// SramStore persists per-player snapshots.
type SramStore interface {
	Rotate(ctx context.Context, sessionID uuid.UUID, playerID int, cur, zeroed []byte) ([]byte, error)
}

// SlotStore manages the player-slot-to-user links.
type SlotStore interface {
	SlotUser(ctx context.Context, sessionID uuid.UUID, playerID int) (*int, error)
	ClaimSlot(ctx context.Context, sessionID uuid.UUID, playerID, userID int) error
}

// Credentials resolves client identity material to users.
type Credentials interface {
	Resolve(ctx context.Context, userID int, token string) (*persist.UserRow, string, error)
	ResolveAPIKey(ctx context.Context, key string) (*persist.UserRow, error)
}

// Deps holds shared dependencies injected into every connection.
type Deps struct {
	Network  config.NetworkConfig
	Session  config.SessionConfig
	Registry *multiworld.Registry
	Router   *multiworld.Router
	Bus      *multiworld.Bus
	Events   EventStore
	Srams    SramStore
	Slots    SlotStore
	Auth     Credentials
	Tables   *data.Tables
	Log      *zap.Logger
}

// runtime is the per-connection state machine.
type runtime struct {
	deps *Deps
	conn Conn
	sess *multiworld.Session
	sub  *multiworld.Subscriber
	log  *zap.Logger

	playerID   int
	playerName string
	spectator  bool
	user       *persist.UserRow

	items    []EventPayload // queued new_item deliveries
	others   []Envelope     // queued non-item messages
	withheld []EventPayload // deliveries held while receiving is paused
	paused   bool

	skipUpdate    int
	checked       map[int]*int64 // location id -> frame time of its event
	lastDelivered int

	closing     bool
	closeCode   int
	closeReason string
}

// Handle runs one connection from accept to disconnect.
func (d *Deps) Handle(ctx context.Context, conn Conn, sessionID uuid.UUID) {
	log := d.Log.With(zap.String("session", sessionID.String()))

	sess, err := d.Registry.Lookup(ctx, sessionID)
	if err != nil {
		log.Error("session lookup failed", zap.Error(err))
		conn.Close(CloseUnknownSession, "Session not found")
		return
	}
	if sess == nil {
		conn.Close(CloseUnknownSession, "Session not found")
		return
	}

	rt := &runtime{
		deps:    d,
		conn:    conn,
		sess:    sess,
		log:     log,
		checked: make(map[int]*int64),
	}
	if !rt.handshake(ctx) {
		return
	}
	defer rt.sub.Close()
	rt.run(ctx)
}

// handshake walks INIT -> AWAIT_PASSWORD -> AWAIT_IDENTIFY -> AUTHZ ->
// JOINED. Returns false when the connection was closed along the way;
// the close frame has already been sent.
func (rt *runtime) handshake(ctx context.Context) bool {
	d := rt.deps

	if rt.sess.Password != nil {
		frame, err := rt.readFrame(ctx, d.Network.IdentifyTimeout)
		if err != nil {
			rt.conn.Close(CloseAuth, "Password not received")
			return false
		}
		if !rt.sess.CheckPassword(string(frame)) {
			rt.appendFailedJoin(ctx, "Invalid password")
			rt.conn.Close(CloseAuth, "Invalid password")
			return false
		}
	}

	if err := rt.conn.WriteJSON(Envelope{Type: MsgConnectionAccepted}); err != nil {
		return false
	}
	if err := rt.conn.WriteJSON(Envelope{Type: MsgPlayerInfoRequest}); err != nil {
		return false
	}

	identity, spectator, ok := rt.awaitIdentity(ctx)
	if !ok {
		return false
	}
	rt.spectator = spectator
	if rt.spectator {
		rt.playerID = multiworld.SpectatorPlayer
	}

	if !rt.spectator {
		if identity.PlayerID < 1 || identity.PlayerID > rt.sess.Data.PlayerCount() {
			rt.conn.Close(CloseMissingIdentity, "Invalid player id")
			return false
		}
		rt.playerID = identity.PlayerID
		rt.playerName = rt.sess.Data.PlayerName(rt.playerID)

		if _, known := rt.sess.Data.RomNames[identity.RomName]; !known {
			// Wrong or missing ROM: keep the connection as a spectator
			// so trackers on stale seeds still see the session.
			rt.log.Warn("rom name not in session, downgrading to spectator",
				zap.Int("player", rt.playerID))
			if err := rt.conn.WriteJSON(Envelope{Type: MsgNonPlayerDetected}); err != nil {
				return false
			}
			rt.spectator = true
			rt.playerID = multiworld.SpectatorPlayer
		}
	}

	if !rt.authorize(ctx, identity) {
		return false
	}

	if !rt.spectator {
		conn, err := d.Events.ConnectionEvents(ctx, rt.sess.ID, rt.playerID)
		if err != nil {
			rt.log.Error("connection events lookup failed", zap.Error(err))
			rt.conn.Close(CloseAuth, "Internal error")
			return false
		}
		if len(conn) > 0 && conn[0].Type == persist.EventPlayerJoin {
			rt.log.Warn("player already joined", zap.Int("player", rt.playerID))
			rt.conn.Close(CloseConflict, "Player already joined")
			return false
		}
	}

	if !rt.appendJoin(ctx) {
		return false
	}
	rt.sub = d.Bus.Subscribe(rt.sess.ID)

	if err := rt.conn.WriteJSON(Envelope{Type: MsgInitSuccess}); err != nil {
		return false
	}
	if err := rt.conn.WriteJSON(Envelope{Type: MsgFlags, Data: rt.sess.Flags()}); err != nil {
		return false
	}

	if !rt.spectator {
		rt.loadCheckedLocations(ctx)
	}

	rt.log = rt.log.With(zap.Int("player", rt.playerID))
	rt.log.Info("connection joined",
		zap.String("player_name", rt.playerName),
		zap.Bool("spectator", rt.spectator))
	return true
}

// awaitIdentity waits for a player_info or user_info frame within the
// identify window.
func (rt *runtime) awaitIdentity(ctx context.Context) (PlayerIdentity, bool, bool) {
	deadline := time.Now().Add(rt.deps.Network.IdentifyTimeout)
	for {
		if time.Now().After(deadline) {
			rt.conn.Close(CloseAuth, "Player info not received")
			return PlayerIdentity{}, false, false
		}
		frame, err := rt.conn.Read(rt.deps.Network.ReadPoll)
		if errors.Is(err, ErrReadTimeout) {
			continue
		}
		if err != nil {
			return PlayerIdentity{}, false, false
		}
		var msg inbound
		if err := json.Unmarshal(frame, &msg); err != nil {
			continue
		}
		switch msg.Type {
		case MsgPlayerInfo:
			var identity PlayerIdentity
			if err := json.Unmarshal(msg.Data, &identity); err != nil {
				rt.conn.Close(CloseMissingIdentity, "Malformed player info")
				return PlayerIdentity{}, false, false
			}
			return identity, false, true
		case MsgUserInfo:
			var spectator UserIdentity
			if err := json.Unmarshal(msg.Data, &spectator); err != nil {
				rt.conn.Close(CloseMissingIdentity, "Malformed user info")
				return PlayerIdentity{}, false, false
			}
			return PlayerIdentity{
				UserID:       spectator.UserID,
				SessionToken: spectator.SessionToken,
				APIKey:       spectator.APIKey,
			}, true, true
		default:
			// Not part of the handshake; ignore until the window closes.
		}
	}
}

// authorize resolves credentials and enforces the allow-list and slot
// ownership rules.
func (rt *runtime) authorize(ctx context.Context, identity PlayerIdentity) bool {
	d := rt.deps

	switch {
	case identity.APIKey != "":
		user, err := d.Auth.ResolveAPIKey(ctx, identity.APIKey)
		if err != nil && !errors.Is(err, auth.ErrInvalidAPIKey) {
			rt.log.Error("api key resolve failed", zap.Error(err))
		}
		rt.user = user
	case identity.UserID > 0 && identity.SessionToken != "":
		user, _, err := d.Auth.Resolve(ctx, identity.UserID, identity.SessionToken)
		if err != nil && !errors.Is(err, auth.ErrInvalidToken) {
			rt.log.Error("session token resolve failed", zap.Error(err))
		}
		rt.user = user
	}

	if !auth.Allowed(rt.sess, rt.user) {
		rt.appendFailedJoin(ctx, "Not authorized")
		rt.conn.Close(CloseAuth, "Not authorized")
		return false
	}

	if rt.spectator || rt.user == nil {
		return true
	}

	holder, err := d.Slots.SlotUser(ctx, rt.sess.ID, rt.playerID)
	if err != nil {
		rt.log.Error("slot lookup failed", zap.Error(err))
		rt.conn.Close(CloseAuth, "Internal error")
		return false
	}
	if holder != nil {
		if *holder != rt.user.ID {
			rt.conn.Close(CloseConflict, "Player slot claimed by another user")
			return false
		}
		return true
	}
	if err := d.Slots.ClaimSlot(ctx, rt.sess.ID, rt.playerID, rt.user.ID); err != nil {
		if errors.Is(err, persist.ErrSlotOwned) {
			rt.conn.Close(CloseConflict, "Player slot claimed by another user")
			return false
		}
		rt.log.Error("slot claim failed", zap.Error(err))
		rt.conn.Close(CloseAuth, "Internal error")
		return false
	}
	return true
}

func (rt *runtime) appendJoin(ctx context.Context) bool {
	var ev *persist.EventRow
	if rt.spectator {
		username := ""
		if rt.user != nil {
			username = rt.user.Username
		}
		ev = &persist.EventRow{
			SessionID:  rt.sess.ID,
			Type:       persist.EventUserJoinChat,
			FromPlayer: rt.playerID,
			ToPlayer:   multiworld.Broadcast,
			ItemID:     -1,
			Location:   -1,
			EventData:  mustMarshal(map[string]any{"username": username}),
		}
	} else {
		ev = &persist.EventRow{
			SessionID:  rt.sess.ID,
			Type:       persist.EventPlayerJoin,
			FromPlayer: rt.playerID,
			ToPlayer:   multiworld.Broadcast,
			ItemID:     -1,
			Location:   -1,
			EventData: mustMarshal(map[string]any{
				"player_id":   rt.playerID,
				"player_name": rt.playerName,
			}),
		}
	}
	if err := rt.deps.Router.Append(ctx, ev); err != nil {
		rt.log.Error("append join event failed", zap.Error(err))
		rt.conn.Close(CloseAuth, "Internal error")
		return false
	}
	return true
}

func (rt *runtime) appendFailedJoin(ctx context.Context, reason string) {
	ev := &persist.EventRow{
		SessionID:  rt.sess.ID,
		Type:       persist.EventFailedJoin,
		FromPlayer: multiworld.Broadcast,
		ToPlayer:   multiworld.Broadcast,
		ItemID:     -1,
		Location:   -1,
		EventData:  mustMarshal(map[string]any{"reason": reason}),
	}
	if err := rt.deps.Router.Append(ctx, ev); err != nil {
		rt.log.Error("append failed_join failed", zap.Error(err))
	}
}

// loadCheckedLocations rebuilds the per-connection check cache from the
// player's event history.
func (rt *runtime) loadCheckedLocations(ctx context.Context) {
	events, err := rt.deps.Events.EventsFromPlayer(ctx, rt.sess.ID, rt.playerID)
	if err != nil {
		rt.log.Error("load player events failed", zap.Error(err))
		return
	}
	for i := range events {
		if events[i].Type == persist.EventNewItem {
			rt.checked[events[i].Location] = events[i].FrameTime
		}
	}
}

// readFrame reads a single frame with an overall deadline, tolerating
// poll timeouts in between.
func (rt *runtime) readFrame(ctx context.Context, overall time.Duration) ([]byte, error) {
	deadline := time.Now().Add(overall)
	for {
		frame, err := rt.conn.Read(rt.deps.Network.ReadPoll)
		if errors.Is(err, ErrReadTimeout) {
			if time.Now().After(deadline) {
				return nil, err
			}
			continue
		}
		return frame, err
	}
}

func mustMarshal(v any) []byte {
	raw, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return raw
}
