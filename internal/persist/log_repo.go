package persist

import (
	"context"

	"github.com/google/uuid"
)

// LogRepo is the sink for client-side log uploads.
type LogRepo struct {
	db *DB
}

func NewLogRepo(db *DB) *LogRepo {
	return &LogRepo{db: db}
}

func (r *LogRepo) Insert(ctx context.Context, sessionID uuid.UUID, playerID int, content string) error {
	_, err := r.db.Pool.Exec(ctx,
		`INSERT INTO logs (session_id, player_id, content) VALUES ($1, $2, $3)`,
		sessionID, playerID, content,
	)
	return err
}
