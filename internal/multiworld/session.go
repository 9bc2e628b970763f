package multiworld

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/webmulti/server/internal/persist"
)

// Broadcast is the to_player value for messages addressed to everyone.
const Broadcast = -1

// AdminPlayer is the from_player value for server-originated items and
// system chat.
const AdminPlayer = 0

// SpectatorPlayer is the from_player value for connections watching a
// session without holding a world slot.
const SpectatorPlayer = -2

// Session is the in-memory working state for one multiworld. Immutable
// after load except for Flags and State, which are guarded by mu.
type Session struct {
	ID           uuid.UUID
	GameID       int
	Password     *string
	Data         *Multidata
	Tournament   bool
	Owners       []int
	AllowedUsers []string // nil means no allow-list
	CreatedAt    time.Time

	mu    sync.RWMutex
	flags Flags
	state string
}

func (s *Session) Flags() Flags {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.flags
}

func (s *Session) SetFlags(f Flags) {
	s.mu.Lock()
	s.flags = f
	s.mu.Unlock()
}

func (s *Session) State() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

func (s *Session) SetState(state string) {
	s.mu.Lock()
	s.state = state
	s.mu.Unlock()
}

// IsOwner reports whether the user id is in the session's owner list.
func (s *Session) IsOwner(userID int) bool {
	for _, id := range s.Owners {
		if id == userID {
			return true
		}
	}
	return false
}

// CheckPassword reports whether the supplied join password matches.
// Sessions without a password accept anything.
func (s *Session) CheckPassword(password string) bool {
	if s.Password == nil {
		return true
	}
	return *s.Password == password
}

// SessionStore is the slice of the persistence layer the registry needs.
type SessionStore interface {
	Get(ctx context.Context, id uuid.UUID) (*persist.SessionRow, error)
	Owners(ctx context.Context, id uuid.UUID) ([]int, error)
	SetState(ctx context.Context, id uuid.UUID, state string) error
}

// Registry caches hydrated sessions per process. Sessions are loaded
// lazily on first touch and live until shutdown.
type Registry struct {
	store SessionStore
	log   *zap.Logger

	mu       sync.Mutex
	sessions map[uuid.UUID]*Session
}

func NewRegistry(store SessionStore, log *zap.Logger) *Registry {
	return &Registry{
		store:    store,
		log:      log,
		sessions: make(map[uuid.UUID]*Session),
	}
}

// Lookup returns the session for an id, loading and hydrating it from
// the store on first access. A missing session returns (nil, nil).
func (r *Registry) Lookup(ctx context.Context, id uuid.UUID) (*Session, error) {
	r.mu.Lock()
	if sess, ok := r.sessions[id]; ok {
		r.mu.Unlock()
		return sess, nil
	}
	r.mu.Unlock()

	row, err := r.store.Get(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("load session: %w", err)
	}
	if row == nil {
		return nil, nil
	}
	owners, err := r.store.Owners(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("load owners: %w", err)
	}
	sess, err := hydrate(row, owners)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	// Another goroutine may have hydrated the same session meanwhile;
	// keep the first one so connections share state.
	if existing, ok := r.sessions[id]; ok {
		return existing, nil
	}
	r.sessions[id] = sess
	return sess, nil
}

// Cached returns the sessions currently hydrated in this process.
func (r *Registry) Cached() []*Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Session, 0, len(r.sessions))
	for _, sess := range r.sessions {
		out = append(out, sess)
	}
	return out
}

// Register inserts a freshly created session into the cache.
func (r *Registry) Register(sess *Session) {
	r.mu.Lock()
	r.sessions[sess.ID] = sess
	r.mu.Unlock()
}

// SetState updates the lifecycle state in memory and in the store.
func (r *Registry) SetState(ctx context.Context, sess *Session, state string) error {
	if err := r.store.SetState(ctx, sess.ID, state); err != nil {
		return fmt.Errorf("persist state: %w", err)
	}
	sess.SetState(state)
	return nil
}

func hydrate(row *persist.SessionRow, owners []int) (*Session, error) {
	md, err := ParseMultidata(row.Mwdata)
	if err != nil {
		return nil, fmt.Errorf("hydrate session %s: %w", row.ID, err)
	}
	flags, err := ParseFlags(row.Flags)
	if err != nil {
		return nil, fmt.Errorf("hydrate session %s flags: %w", row.ID, err)
	}
	return &Session{
		ID:           row.ID,
		GameID:       row.GameID,
		Password:     row.Password,
		Data:         md,
		Tournament:   row.Tournament,
		Owners:       owners,
		AllowedUsers: row.AllowedUsers,
		CreatedAt:    row.CreatedAt,
		flags:        flags,
		state:        row.State,
	}, nil
}

// NewSession builds the in-memory session for a fresh multidata upload.
func NewSession(row *persist.SessionRow, md *Multidata, owners []int, flags Flags) *Session {
	return &Session{
		ID:           row.ID,
		GameID:       row.GameID,
		Password:     row.Password,
		Data:         md,
		Tournament:   row.Tournament,
		Owners:       owners,
		AllowedUsers: row.AllowedUsers,
		CreatedAt:    row.CreatedAt,
		flags:        flags,
		state:        row.State,
	}
}
