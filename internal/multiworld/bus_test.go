package multiworld

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/webmulti/server/internal/persist"
)

func TestBusFanOut(t *testing.T) {
	bus := NewBus(4, zap.NewNop())
	sessionID := uuid.New()
	other := uuid.New()

	a := bus.Subscribe(sessionID)
	b := bus.Subscribe(sessionID)
	c := bus.Subscribe(other)
	defer a.Close()
	defer b.Close()
	defer c.Close()

	bus.Publish(persist.EventRow{ID: 1, SessionID: sessionID, Type: persist.EventChat})

	assert.Equal(t, int64(1), (<-a.C).ID)
	assert.Equal(t, int64(1), (<-b.C).ID)
	select {
	case ev := <-c.C:
		t.Fatalf("subscriber of another session received event %d", ev.ID)
	default:
	}
}

func TestBusDropsStalledSubscriber(t *testing.T) {
	bus := NewBus(2, zap.NewNop())
	sessionID := uuid.New()
	sub := bus.Subscribe(sessionID)

	for i := 1; i <= 3; i++ {
		bus.Publish(persist.EventRow{ID: int64(i), SessionID: sessionID})
	}

	// Queue held the first two; the third overflowed and closed us.
	assert.Equal(t, 0, bus.Subscribers(sessionID))
	var got []int64
	for ev := range sub.C {
		got = append(got, ev.ID)
	}
	assert.Equal(t, []int64{1, 2}, got)
}

func TestSubscriberCloseIsIdempotent(t *testing.T) {
	bus := NewBus(4, zap.NewNop())
	sub := bus.Subscribe(uuid.New())
	sub.Close()
	sub.Close()
	_, open := <-sub.C
	require.False(t, open)
}

func TestPublishAfterLastSubscriberIsNoop(t *testing.T) {
	bus := NewBus(4, zap.NewNop())
	sessionID := uuid.New()
	sub := bus.Subscribe(sessionID)
	sub.Close()
	bus.Publish(persist.EventRow{ID: 1, SessionID: sessionID})
	assert.Equal(t, 0, bus.Subscribers(sessionID))
}
