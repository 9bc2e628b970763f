package persist

import (
	"context"

	"github.com/google/uuid"
)

type SramRepo struct {
	db *DB
}

func NewSramRepo(db *DB) *SramRepo {
	return &SramRepo{db: db}
}

// Rotate stores the snapshot for a player and returns the snapshot it
// displaced. The first write for a slot stores zeroed as the previous
// snapshot and returns it, so the very first diff reports everything
// the save already contains.
func (r *SramRepo) Rotate(ctx context.Context, sessionID uuid.UUID, playerID int, cur, zeroed []byte) ([]byte, error) {
	var prev []byte
	err := r.db.Pool.QueryRow(ctx,
		`INSERT INTO sramstores (session_id, player_id, sram, prev_sram)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (session_id, player_id) DO UPDATE
		     SET prev_sram = sramstores.sram,
		         sram = EXCLUDED.sram,
		         updated_at = NOW()
		 RETURNING prev_sram`,
		sessionID, playerID, cur, zeroed,
	).Scan(&prev)
	if err != nil {
		return nil, err
	}
	return prev, nil
}

// All returns the latest snapshot for every player in the session,
// keyed by player id. Used by the players endpoint for goal and
// collection reporting.
func (r *SramRepo) All(ctx context.Context, sessionID uuid.UUID) (map[int][]byte, error) {
	rows, err := r.db.Pool.Query(ctx,
		`SELECT player_id, sram FROM sramstores WHERE session_id = $1`,
		sessionID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	result := make(map[int][]byte)
	for rows.Next() {
		var playerID int
		var sram []byte
		if err := rows.Scan(&playerID, &sram); err != nil {
			return nil, err
		}
		result[playerID] = sram
	}
	return result, rows.Err()
}
