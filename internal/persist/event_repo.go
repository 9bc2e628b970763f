package persist

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// Event type names as stored in the events relation.
const (
	EventSessionCreate = "session_create"
	EventPlayerJoin    = "player_join"
	EventFailedJoin    = "failed_join"
	EventPlayerLeave   = "player_leave"
	EventChat          = "chat"
	EventCommand       = "command"
	EventNewItem       = "new_item"
	EventPlayerForfeit = "player_forfeit"
	EventPauseReceive  = "player_pause_receive"
	EventResumeReceive = "player_resume_receive"
	EventUserJoinChat  = "user_join_chat"
	EventPlayerKicked  = "player_kicked"
)

// ErrIndexTaken is returned by Append when the receive index for
// (session, to_player) is already allocated; the router bumps and retries.
var ErrIndexTaken = errors.New("receive index already allocated")

type EventRow struct {
	ID          int64
	SessionID   uuid.UUID
	Type        string
	FromPlayer  int
	ToPlayer    int
	ToPlayerIdx *int
	ItemID      int
	Location    int
	FrameTime   *int64
	EventData   []byte
	CreatedAt   time.Time
}

type EventRepo struct {
	db *DB
}

func NewEventRepo(db *DB) *EventRepo {
	return &EventRepo{db: db}
}

const eventColumns = `id, session_id, event_type, from_player, to_player,
	to_player_idx, item_id, location, frame_time, event_data, created_at`

func scanEvent(row pgx.Row) (*EventRow, error) {
	ev := &EventRow{}
	err := row.Scan(
		&ev.ID, &ev.SessionID, &ev.Type, &ev.FromPlayer, &ev.ToPlayer,
		&ev.ToPlayerIdx, &ev.ItemID, &ev.Location, &ev.FrameTime,
		&ev.EventData, &ev.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	return ev, nil
}

func collectEvents(rows pgx.Rows) ([]EventRow, error) {
	defer rows.Close()
	var result []EventRow
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *ev)
	}
	return result, rows.Err()
}

// Append inserts one event and returns its assigned id and timestamp.
// A duplicate (session, to_player, to_player_idx) insert maps to
// ErrIndexTaken.
func (r *EventRepo) Append(ctx context.Context, ev *EventRow) error {
	data := ev.EventData
	if len(data) == 0 {
		data = []byte("{}")
	}
	err := r.db.Pool.QueryRow(ctx,
		`INSERT INTO events (session_id, event_type, from_player, to_player,
		                     to_player_idx, item_id, location, frame_time, event_data)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		 RETURNING id, created_at`,
		ev.SessionID, ev.Type, ev.FromPlayer, ev.ToPlayer,
		ev.ToPlayerIdx, ev.ItemID, ev.Location, ev.FrameTime, data,
	).Scan(&ev.ID, &ev.CreatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return ErrIndexTaken
		}
		return err
	}
	return nil
}

// LastEventTime returns the timestamp of the most recent event in the
// session, or nil when the session has none.
func (r *EventRepo) LastEventTime(ctx context.Context, sessionID uuid.UUID) (*time.Time, error) {
	var ts time.Time
	err := r.db.Pool.QueryRow(ctx,
		`SELECT created_at FROM events WHERE session_id = $1
		 ORDER BY id DESC LIMIT 1`, sessionID,
	).Scan(&ts)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &ts, nil
}

// EventsForSession pages through a session's history in insertion order.
func (r *EventRepo) EventsForSession(ctx context.Context, sessionID uuid.UUID, skip, limit int) ([]EventRow, error) {
	rows, err := r.db.Pool.Query(ctx,
		`SELECT `+eventColumns+` FROM events
		 WHERE session_id = $1
		 ORDER BY id OFFSET $2 LIMIT $3`,
		sessionID, skip, limit,
	)
	if err != nil {
		return nil, err
	}
	return collectEvents(rows)
}

// EventsFromPlayer returns every event a player originated, oldest first.
func (r *EventRepo) EventsFromPlayer(ctx context.Context, sessionID uuid.UUID, playerID int) ([]EventRow, error) {
	rows, err := r.db.Pool.Query(ctx,
		`SELECT `+eventColumns+` FROM events
		 WHERE session_id = $1 AND from_player = $2
		 ORDER BY id`,
		sessionID, playerID,
	)
	if err != nil {
		return nil, err
	}
	return collectEvents(rows)
}

// EventsAtOrAfterFrameTime returns a player's new_item events whose
// frame counter is at or past the given value. Used to find checks that
// a save-state rewind has un-happened.
func (r *EventRepo) EventsAtOrAfterFrameTime(ctx context.Context, sessionID uuid.UUID, fromPlayer int, frameTime int64) ([]EventRow, error) {
	rows, err := r.db.Pool.Query(ctx,
		`SELECT `+eventColumns+` FROM events
		 WHERE session_id = $1 AND from_player = $2
		   AND event_type = $3 AND frame_time >= $4
		 ORDER BY id`,
		sessionID, fromPlayer, EventNewItem, frameTime,
	)
	if err != nil {
		return nil, err
	}
	return collectEvents(rows)
}

// ClearFrameTime nulls the frame counter on the given events, marking
// them invalidated for duping purposes.
func (r *EventRepo) ClearFrameTime(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := r.db.Pool.Exec(ctx,
		`UPDATE events SET frame_time = NULL WHERE id = ANY($1)`, ids,
	)
	return err
}

// ItemsForPlayerFromOthers returns foreign new_item deliveries for a
// recipient with receive index above gtIdx, ascending by index. This is
// the catch-up query.
func (r *EventRepo) ItemsForPlayerFromOthers(ctx context.Context, sessionID uuid.UUID, toPlayer, gtIdx int) ([]EventRow, error) {
	rows, err := r.db.Pool.Query(ctx,
		`SELECT `+eventColumns+` FROM events
		 WHERE session_id = $1 AND to_player = $2 AND from_player <> $2
		   AND event_type = $3 AND to_player_idx > $4
		 ORDER BY to_player_idx`,
		sessionID, toPlayer, EventNewItem, gtIdx,
	)
	if err != nil {
		return nil, err
	}
	return collectEvents(rows)
}

// ConnectionEvents returns a player's join/leave history, newest first.
func (r *EventRepo) ConnectionEvents(ctx context.Context, sessionID uuid.UUID, playerID int) ([]EventRow, error) {
	rows, err := r.db.Pool.Query(ctx,
		`SELECT `+eventColumns+` FROM events
		 WHERE session_id = $1 AND from_player = $2
		   AND event_type = ANY($3)
		 ORDER BY id DESC`,
		sessionID, playerID, []string{EventPlayerJoin, EventPlayerLeave},
	)
	if err != nil {
		return nil, err
	}
	return collectEvents(rows)
}

// MaxReceiveIndex returns the highest allocated to_player_idx for a
// recipient, or 0 when none exist.
func (r *EventRepo) MaxReceiveIndex(ctx context.Context, sessionID uuid.UUID, toPlayer int) (int, error) {
	var max int
	err := r.db.Pool.QueryRow(ctx,
		`SELECT COALESCE(MAX(to_player_idx), 0) FROM events
		 WHERE session_id = $1 AND to_player = $2`,
		sessionID, toPlayer,
	).Scan(&max)
	if err != nil {
		return 0, err
	}
	return max, nil
}

// NewItemsFromPlayer returns the location ids of every new_item event a
// player has originated. Used to rebuild the checked-location set on
// reconnect and to answer /missing.
func (r *EventRepo) NewItemsFromPlayer(ctx context.Context, sessionID uuid.UUID, fromPlayer int) ([]int, error) {
	rows, err := r.db.Pool.Query(ctx,
		`SELECT location FROM events
		 WHERE session_id = $1 AND from_player = $2 AND event_type = $3`,
		sessionID, fromPlayer, EventNewItem,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var locations []int
	for rows.Next() {
		var loc int
		if err := rows.Scan(&loc); err != nil {
			return nil, err
		}
		locations = append(locations, loc)
	}
	return locations, rows.Err()
}
