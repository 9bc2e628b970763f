package persist

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
)

type UserRow struct {
	ID            int
	Username      string
	DiscordID     *string
	DiscordName   *string
	SessionTokens []string
	IsSuperuser   bool
	CreatedAt     time.Time
}

type APIKeyRow struct {
	ID        int
	UserID    int
	KeyHash   string
	Label     string
	LastUsed  *time.Time
	CreatedAt time.Time
}

type UserRepo struct {
	db *DB
}

func NewUserRepo(db *DB) *UserRepo {
	return &UserRepo{db: db}
}

const userColumns = `id, username, discord_id, discord_name,
	session_tokens, is_superuser, created_at`

func (r *UserRepo) scanUser(row pgx.Row) (*UserRow, error) {
	u := &UserRow{}
	err := row.Scan(
		&u.ID, &u.Username, &u.DiscordID, &u.DiscordName,
		&u.SessionTokens, &u.IsSuperuser, &u.CreatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return u, nil
}

func (r *UserRepo) ByID(ctx context.Context, id int) (*UserRow, error) {
	return r.scanUser(r.db.Pool.QueryRow(ctx,
		`SELECT `+userColumns+` FROM users WHERE id = $1`, id))
}

// AddSessionToken appends a login token to the user's token list.
func (r *UserRepo) AddSessionToken(ctx context.Context, userID int, token string) error {
	_, err := r.db.Pool.Exec(ctx,
		`UPDATE users SET session_tokens = array_append(session_tokens, $2)
		 WHERE id = $1`, userID, token,
	)
	return err
}

// ReplaceSessionTokens overwrites the user's token list, used when
// expired tokens are pruned.
func (r *UserRepo) ReplaceSessionTokens(ctx context.Context, userID int, tokens []string) error {
	if tokens == nil {
		tokens = []string{}
	}
	_, err := r.db.Pool.Exec(ctx,
		`UPDATE users SET session_tokens = $2 WHERE id = $1`, userID, tokens,
	)
	return err
}

// APIKey loads one key row by id. Keys are presented by clients as
// "<id>.<secret>"; the caller verifies the secret against KeyHash.
func (r *UserRepo) APIKey(ctx context.Context, id int) (*APIKeyRow, error) {
	k := &APIKeyRow{}
	err := r.db.Pool.QueryRow(ctx,
		`SELECT id, user_id, key_hash, label, last_used, created_at
		 FROM api_keys WHERE id = $1`, id,
	).Scan(&k.ID, &k.UserID, &k.KeyHash, &k.Label, &k.LastUsed, &k.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return k, nil
}

func (r *UserRepo) TouchAPIKey(ctx context.Context, id int) error {
	_, err := r.db.Pool.Exec(ctx,
		`UPDATE api_keys SET last_used = NOW() WHERE id = $1`, id,
	)
	return err
}
