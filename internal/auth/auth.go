package auth

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"github.com/webmulti/server/internal/multiworld"
	"github.com/webmulti/server/internal/persist"
)

// ErrInvalidAPIKey covers malformed, unknown, or mismatched API keys.
var ErrInvalidAPIKey = errors.New("invalid api key")

// UserStore is the slice of the persistence layer authentication needs.
type UserStore interface {
	ByID(ctx context.Context, id int) (*persist.UserRow, error)
	AddSessionToken(ctx context.Context, userID int, token string) error
	ReplaceSessionTokens(ctx context.Context, userID int, tokens []string) error
	APIKey(ctx context.Context, id int) (*persist.APIKeyRow, error)
	TouchAPIKey(ctx context.Context, id int) error
}

// Authenticator resolves session tokens and API keys to users.
type Authenticator struct {
	users  UserStore
	codec  *TokenCodec
	expire time.Duration
	log    *zap.Logger
}

func NewAuthenticator(users UserStore, codec *TokenCodec, expireDays int, log *zap.Logger) *Authenticator {
	// Tokens older than the expiry window plus one day of grace are
	// rotated, not rejected, so long-lived clients survive the cutover.
	return &Authenticator{
		users:  users,
		codec:  codec,
		expire: time.Duration(expireDays+1) * 24 * time.Hour,
		log:    log,
	}
}

// Issue mints a session token for the user and records it.
func (a *Authenticator) Issue(ctx context.Context, userID int) (string, error) {
	secret, err := NewSecret()
	if err != nil {
		return "", err
	}
	token, err := a.codec.Seal(secret, time.Now().UTC())
	if err != nil {
		return "", err
	}
	if err := a.users.AddSessionToken(ctx, userID, token); err != nil {
		return "", fmt.Errorf("record session token: %w", err)
	}
	return token, nil
}

// Resolve validates a (userID, token) credential pair. The returned
// token is normally the presented one; a token past the expiry window
// is transparently rotated and the replacement returned.
func (a *Authenticator) Resolve(ctx context.Context, userID int, token string) (*persist.UserRow, string, error) {
	user, err := a.users.ByID(ctx, userID)
	if err != nil {
		return nil, "", fmt.Errorf("load user: %w", err)
	}
	if user == nil || len(user.SessionTokens) == 0 {
		return nil, "", ErrInvalidToken
	}

	secret, issued, err := a.codec.Open(token)
	if err != nil {
		return nil, "", err
	}

	// Match on the sealed secret, not the ciphertext: two seals of the
	// same secret differ by nonce.
	known := false
	for _, stored := range user.SessionTokens {
		storedSecret, _, err := a.codec.Open(stored)
		if err != nil {
			continue
		}
		if storedSecret == secret {
			known = true
			break
		}
	}
	if !known {
		return nil, "", ErrInvalidToken
	}

	if time.Since(issued) > a.expire {
		rotated, err := a.rotate(ctx, user, token)
		if err != nil {
			return nil, "", err
		}
		return user, rotated, nil
	}
	return user, token, nil
}

func (a *Authenticator) rotate(ctx context.Context, user *persist.UserRow, oldToken string) (string, error) {
	secret, err := NewSecret()
	if err != nil {
		return "", err
	}
	fresh, err := a.codec.Seal(secret, time.Now().UTC())
	if err != nil {
		return "", err
	}
	tokens := make([]string, 0, len(user.SessionTokens))
	for _, t := range user.SessionTokens {
		if t != oldToken {
			tokens = append(tokens, t)
		}
	}
	tokens = append(tokens, fresh)
	if err := a.users.ReplaceSessionTokens(ctx, user.ID, tokens); err != nil {
		return "", fmt.Errorf("rotate session token: %w", err)
	}
	a.log.Info("rotated expired session token", zap.Int("user_id", user.ID))
	return fresh, nil
}

// ResolveAPIKey validates an "<id>.<secret>" API key and returns its
// owner, touching the key's last-used timestamp.
func (a *Authenticator) ResolveAPIKey(ctx context.Context, key string) (*persist.UserRow, error) {
	idPart, secret, found := strings.Cut(key, ".")
	if !found {
		return nil, ErrInvalidAPIKey
	}
	id, err := strconv.Atoi(idPart)
	if err != nil {
		return nil, ErrInvalidAPIKey
	}
	row, err := a.users.APIKey(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("load api key: %w", err)
	}
	if row == nil {
		return nil, ErrInvalidAPIKey
	}
	if bcrypt.CompareHashAndPassword([]byte(row.KeyHash), []byte(secret)) != nil {
		return nil, ErrInvalidAPIKey
	}
	if err := a.users.TouchAPIKey(ctx, id); err != nil {
		a.log.Warn("touch api key", zap.Int("key_id", id), zap.Error(err))
	}
	return a.users.ByID(ctx, row.UserID)
}

// HashAPIKeySecret prepares a key secret for storage.
func HashAPIKeySecret(secret string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

// Allowed reports whether a user may join an allow-listed session.
// Sessions without an allow-list admit everyone; owners and superusers
// always pass.
func Allowed(sess *multiworld.Session, user *persist.UserRow) bool {
	if sess.AllowedUsers == nil {
		return true
	}
	if user == nil {
		return false
	}
	if user.IsSuperuser || sess.IsOwner(user.ID) {
		return true
	}
	if user.DiscordID == nil {
		return false
	}
	for _, allowed := range sess.AllowedUsers {
		if allowed == *user.DiscordID {
			return true
		}
	}
	return false
}
