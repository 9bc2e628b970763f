package persist

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// Session lifecycle states.
const (
	StateActive    = "active"
	StateInactive  = "inactive"
	StateCompleted = "completed"
)

// ErrSlotOwned is returned when a player slot is already linked to a
// different user.
var ErrSlotOwned = errors.New("player slot linked to another user")

type SessionRow struct {
	ID           uuid.UUID
	GameID       int
	Password     *string
	Mwdata       []byte
	Flags        []byte
	Tournament   bool
	AllowedUsers []string
	State        string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

type SessionRepo struct {
	db *DB
}

func NewSessionRepo(db *DB) *SessionRepo {
	return &SessionRepo{db: db}
}

// EnsureGame returns the id for a game title, creating the row if needed.
func (r *SessionRepo) EnsureGame(ctx context.Context, title string) (int, error) {
	var id int
	err := r.db.Pool.QueryRow(ctx,
		`INSERT INTO games (title) VALUES ($1)
		 ON CONFLICT (title) DO UPDATE SET title = EXCLUDED.title
		 RETURNING id`, title,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("ensure game %q: %w", title, err)
	}
	return id, nil
}

// Create inserts a session together with its ordered owner list in one
// transaction. Owner position 0 is the creator.
func (r *SessionRepo) Create(ctx context.Context, row *SessionRow, ownerIDs []int) error {
	tx, err := r.db.Pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx,
		`INSERT INTO mwsessions (id, game_id, password, mwdata, flags,
		                         tournament, allowed_users, state)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		row.ID, row.GameID, row.Password, row.Mwdata, row.Flags,
		row.Tournament, row.AllowedUsers, row.State,
	)
	if err != nil {
		return fmt.Errorf("insert session: %w", err)
	}
	for pos, userID := range ownerIDs {
		_, err = tx.Exec(ctx,
			`INSERT INTO owned_sessions (session_id, user_id, position)
			 VALUES ($1, $2, $3)`,
			row.ID, userID, pos,
		)
		if err != nil {
			return fmt.Errorf("insert owner: %w", err)
		}
	}
	return tx.Commit(ctx)
}

func (r *SessionRepo) Get(ctx context.Context, id uuid.UUID) (*SessionRow, error) {
	row := &SessionRow{}
	err := r.db.Pool.QueryRow(ctx,
		`SELECT id, game_id, password, mwdata, flags, tournament,
		        allowed_users, state, created_at, updated_at
		 FROM mwsessions WHERE id = $1`, id,
	).Scan(
		&row.ID, &row.GameID, &row.Password, &row.Mwdata, &row.Flags,
		&row.Tournament, &row.AllowedUsers, &row.State,
		&row.CreatedAt, &row.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return row, nil
}

func (r *SessionRepo) SetState(ctx context.Context, id uuid.UUID, state string) error {
	_, err := r.db.Pool.Exec(ctx,
		`UPDATE mwsessions SET state = $2, updated_at = NOW() WHERE id = $1`,
		id, state,
	)
	return err
}

// Owners returns the session's owner user ids in creation order.
func (r *SessionRepo) Owners(ctx context.Context, id uuid.UUID) ([]int, error) {
	rows, err := r.db.Pool.Query(ctx,
		`SELECT user_id FROM owned_sessions
		 WHERE session_id = $1 ORDER BY position`, id,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var owners []int
	for rows.Next() {
		var userID int
		if err := rows.Scan(&userID); err != nil {
			return nil, err
		}
		owners = append(owners, userID)
	}
	return owners, rows.Err()
}

// SlotUser returns the user linked to a player slot, or nil when the
// slot is unclaimed.
func (r *SessionRepo) SlotUser(ctx context.Context, id uuid.UUID, playerID int) (*int, error) {
	var userID int
	err := r.db.Pool.QueryRow(ctx,
		`SELECT user_id FROM user_sessions
		 WHERE session_id = $1 AND player_id = $2`, id, playerID,
	).Scan(&userID)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &userID, nil
}

// ClaimSlot links a player slot to a user. A slot already linked to a
// different user yields ErrSlotOwned; re-claiming one's own slot is a
// no-op.
func (r *SessionRepo) ClaimSlot(ctx context.Context, id uuid.UUID, playerID, userID int) error {
	_, err := r.db.Pool.Exec(ctx,
		`INSERT INTO user_sessions (session_id, player_id, user_id)
		 VALUES ($1, $2, $3)
		 ON CONFLICT (session_id, player_id) DO NOTHING`,
		id, playerID, userID,
	)
	if err != nil {
		return err
	}
	holder, err := r.SlotUser(ctx, id, playerID)
	if err != nil {
		return err
	}
	if holder != nil && *holder != userID {
		return ErrSlotOwned
	}
	return nil
}
