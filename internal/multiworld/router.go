package multiworld

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/webmulti/server/internal/data"
	"github.com/webmulti/server/internal/persist"
)

// EventStore is the slice of the persistence layer the routing and
// forfeit logic consumes.
type EventStore interface {
	Append(ctx context.Context, ev *persist.EventRow) error
	MaxReceiveIndex(ctx context.Context, sessionID uuid.UUID, toPlayer int) (int, error)
	EventsFromPlayer(ctx context.Context, sessionID uuid.UUID, playerID int) ([]persist.EventRow, error)
}

// Router turns decoded location checks into persisted and published
// new_item events.
type Router struct {
	events EventStore
	bus    *Bus
	tables *data.Tables
	log    *zap.Logger
}

func NewRouter(events EventStore, bus *Bus, tables *data.Tables, log *zap.Logger) *Router {
	return &Router{events: events, bus: bus, tables: tables, log: log}
}

// RouteCheck resolves a newly-checked location against the session's
// placement table and appends the resulting new_item event. Returns the
// appended event, or nil when the location has no placement.
func (r *Router) RouteCheck(ctx context.Context, sess *Session, finder int, locationName string, frameTime int64) (*persist.EventRow, error) {
	locID, ok := r.tables.LocationID(locationName)
	if !ok {
		r.log.Warn("router: unknown location name",
			zap.String("location", locationName),
			zap.Int("player", finder))
		return nil, nil
	}
	placed, ok := sess.Data.Placements[Placement{LocationID: locID, Finder: finder}]
	if !ok {
		// Seed mismatch, or a region-map entry with no placement.
		r.log.Warn("router: location has no placement",
			zap.String("session", sess.ID.String()),
			zap.String("location", locationName),
			zap.Int("player", finder))
		return nil, nil
	}

	ev := &persist.EventRow{
		SessionID:  sess.ID,
		Type:       persist.EventNewItem,
		FromPlayer: finder,
		ToPlayer:   placed.Recipient,
		ItemID:     placed.ItemID,
		Location:   locID,
		FrameTime:  &frameTime,
		EventData:  r.itemEventData(placed.ItemID, locID, ""),
	}
	if err := r.AppendItem(ctx, ev); err != nil {
		return nil, err
	}
	return ev, nil
}

// AppendItem persists a new_item event, allocating the recipient's next
// receive index when the item crosses worlds, then publishes it.
// Concurrent allocators collide on the store's uniqueness constraint;
// the loser bumps the index and retries until it wins.
func (r *Router) AppendItem(ctx context.Context, ev *persist.EventRow) error {
	if ev.FromPlayer == ev.ToPlayer {
		ev.ToPlayerIdx = nil
		if err := r.events.Append(ctx, ev); err != nil {
			return fmt.Errorf("append self item: %w", err)
		}
		r.bus.Publish(*ev)
		return nil
	}

	max, err := r.events.MaxReceiveIndex(ctx, ev.SessionID, ev.ToPlayer)
	if err != nil {
		return fmt.Errorf("max receive index: %w", err)
	}
	idx := max + 1
	for attempt := 0; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		ev.ToPlayerIdx = &idx
		err := r.events.Append(ctx, ev)
		if err == nil {
			break
		}
		if !errors.Is(err, persist.ErrIndexTaken) {
			return fmt.Errorf("append item: %w", err)
		}
		// Heavy contention: re-read the high-water mark instead of
		// walking it one collision at a time.
		if attempt > 0 && attempt%16 == 0 {
			max, err = r.events.MaxReceiveIndex(ctx, ev.SessionID, ev.ToPlayer)
			if err != nil {
				return fmt.Errorf("max receive index: %w", err)
			}
			idx = max + 1
			continue
		}
		idx++
	}
	r.bus.Publish(*ev)
	return nil
}

// Append persists a non-item event and publishes it.
func (r *Router) Append(ctx context.Context, ev *persist.EventRow) error {
	if err := r.events.Append(ctx, ev); err != nil {
		return fmt.Errorf("append %s: %w", ev.Type, err)
	}
	r.bus.Publish(*ev)
	return nil
}

// AdminSend pushes an item to one or more players on behalf of the
// server operator. Items originate from player 0 and location 0.
func (r *Router) AdminSend(ctx context.Context, sess *Session, itemID int, toPlayers []int) error {
	for _, player := range toPlayers {
		ev := &persist.EventRow{
			SessionID:  sess.ID,
			Type:       persist.EventNewItem,
			FromPlayer: AdminPlayer,
			ToPlayer:   player,
			ItemID:     itemID,
			Location:   data.AdminSendLocation,
			EventData:  r.itemEventData(itemID, data.AdminSendLocation, "admin_send"),
		}
		if err := r.AppendItem(ctx, ev); err != nil {
			return err
		}
	}
	return nil
}

// ErrAlreadyForfeited rejects a second forfeit for the same player.
var ErrAlreadyForfeited = errors.New("player already forfeited")

// ForfeitResult summarizes what a forfeit released.
type ForfeitResult struct {
	FoundItemCount   int
	ForfeitItemCount int
	MarkerEventID    int64
}

// Forfeit releases every item the player had not yet found to its
// recipient, then appends the player_forfeit marker.
func (r *Router) Forfeit(ctx context.Context, sess *Session, playerID int) (*ForfeitResult, error) {
	prior, err := r.events.EventsFromPlayer(ctx, sess.ID, playerID)
	if err != nil {
		return nil, fmt.Errorf("forfeit: load player events: %w", err)
	}

	unsent := make(map[int]PlacedItem)
	for p, placed := range sess.Data.Placements {
		if p.Finder == playerID {
			unsent[p.LocationID] = placed
		}
	}

	result := &ForfeitResult{}
	for _, ev := range prior {
		if ev.Type == persist.EventPlayerForfeit {
			return nil, ErrAlreadyForfeited
		}
		if ev.Type != persist.EventNewItem {
			continue
		}
		if _, ok := unsent[ev.Location]; ok {
			delete(unsent, ev.Location)
			result.FoundItemCount++
		} else {
			r.log.Warn("forfeit: sent item outside player's placements",
				zap.String("session", sess.ID.String()),
				zap.Int("player", playerID),
				zap.Int("location", ev.Location))
		}
	}

	for locID, placed := range unsent {
		ev := &persist.EventRow{
			SessionID:  sess.ID,
			Type:       persist.EventNewItem,
			FromPlayer: playerID,
			ToPlayer:   placed.Recipient,
			ItemID:     placed.ItemID,
			Location:   locID,
			EventData:  r.itemEventData(placed.ItemID, locID, "forfeit"),
		}
		if err := r.AppendItem(ctx, ev); err != nil {
			return nil, fmt.Errorf("forfeit: release item: %w", err)
		}
		result.ForfeitItemCount++
	}

	marker := &persist.EventRow{
		SessionID:  sess.ID,
		Type:       persist.EventPlayerForfeit,
		FromPlayer: playerID,
		ToPlayer:   Broadcast,
		ItemID:     -1,
		Location:   -1,
		EventData:  mustJSON(map[string]any{"player_id": playerID}),
	}
	if err := r.Append(ctx, marker); err != nil {
		return nil, fmt.Errorf("forfeit: marker: %w", err)
	}
	result.MarkerEventID = marker.ID
	return result, nil
}

// SystemChat appends a server-originated chat line. private targets a
// single player; Broadcast addresses everyone.
func (r *Router) SystemChat(ctx context.Context, sess *Session, message, subtype string, private int) error {
	ev := &persist.EventRow{
		SessionID:  sess.ID,
		Type:       persist.EventChat,
		FromPlayer: AdminPlayer,
		ToPlayer:   private,
		ItemID:     -1,
		Location:   -1,
		EventData: mustJSON(map[string]any{
			"message": message,
			"type":    subtype,
			"private": private != Broadcast,
		}),
	}
	return r.Append(ctx, ev)
}

func (r *Router) itemEventData(itemID, locID int, reason string) []byte {
	payload := map[string]any{}
	if name, ok := r.tables.ItemName(itemID); ok {
		payload["item_name"] = name
	}
	if name, ok := r.tables.LocationName(locID); ok {
		payload["location_name"] = name
	}
	if reason != "" {
		payload["reason"] = reason
	}
	return mustJSON(payload)
}

func mustJSON(v any) []byte {
	raw, err := json.Marshal(v)
	if err != nil {
		panic(fmt.Sprintf("encode event data: %v", err))
	}
	return raw
}
