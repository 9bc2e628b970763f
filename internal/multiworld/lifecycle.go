package multiworld

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/webmulti/server/internal/persist"
	"github.com/webmulti/server/internal/sram"
)

// ActivityStore reports when a session last saw an event.
type ActivityStore interface {
	LastEventTime(ctx context.Context, sessionID uuid.UUID) (*time.Time, error)
}

// SnapshotStore loads the stored save snapshots for goal checks.
type SnapshotStore interface {
	All(ctx context.Context, sessionID uuid.UUID) (map[int][]byte, error)
}

// Sweeper walks the hydrated sessions and advances their lifecycle
// state: active sessions with no events past the idle window become
// inactive, and sessions where every player's goal flag is set become
// completed.
type Sweeper struct {
	registry      *Registry
	activity      ActivityStore
	snapshots     SnapshotStore
	inactiveAfter time.Duration
	log           *zap.Logger
}

func NewSweeper(registry *Registry, activity ActivityStore, snapshots SnapshotStore,
	inactiveAfter time.Duration, log *zap.Logger) *Sweeper {
	return &Sweeper{
		registry:      registry,
		activity:      activity,
		snapshots:     snapshots,
		inactiveAfter: inactiveAfter,
		log:           log,
	}
}

// Run sweeps on the given interval until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Sweep(ctx)
		}
	}
}

// Sweep advances every cached active session once.
func (s *Sweeper) Sweep(ctx context.Context) {
	for _, sess := range s.registry.Cached() {
		if sess.State() != persist.StateActive {
			continue
		}
		if done, err := s.allGoalsComplete(ctx, sess); err != nil {
			s.log.Warn("sweep: goal check failed",
				zap.String("session", sess.ID.String()), zap.Error(err))
		} else if done {
			if err := s.registry.SetState(ctx, sess, persist.StateCompleted); err != nil {
				s.log.Error("sweep: mark completed failed",
					zap.String("session", sess.ID.String()), zap.Error(err))
				continue
			}
			s.log.Info("session completed", zap.String("session", sess.ID.String()))
			continue
		}

		last, err := s.activity.LastEventTime(ctx, sess.ID)
		if err != nil {
			s.log.Warn("sweep: activity check failed",
				zap.String("session", sess.ID.String()), zap.Error(err))
			continue
		}
		idleSince := sess.CreatedAt
		if last != nil {
			idleSince = *last
		}
		if time.Since(idleSince) < s.inactiveAfter {
			continue
		}
		if err := s.registry.SetState(ctx, sess, persist.StateInactive); err != nil {
			s.log.Error("sweep: mark inactive failed",
				zap.String("session", sess.ID.String()), zap.Error(err))
			continue
		}
		s.log.Info("session marked inactive",
			zap.String("session", sess.ID.String()),
			zap.Time("last_event", idleSince))
	}
}

// allGoalsComplete reports whether every player in the session has a
// stored snapshot with the goal flag set.
func (s *Sweeper) allGoalsComplete(ctx context.Context, sess *Session) (bool, error) {
	stored, err := s.snapshots.All(ctx, sess.ID)
	if err != nil {
		return false, err
	}
	if len(stored) < sess.Data.PlayerCount() {
		return false, nil
	}
	for playerID := 1; playerID <= sess.Data.PlayerCount(); playerID++ {
		raw, ok := stored[playerID]
		if !ok {
			return false, nil
		}
		var snap sram.Snapshot
		if err := json.Unmarshal(raw, &snap); err != nil {
			return false, err
		}
		if !sram.DecodePlayerState(snap).GoalCompleted {
			return false, nil
		}
	}
	return true, nil
}
