package ws

import (
	"context"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/webmulti/server/internal/config"
	"github.com/webmulti/server/internal/data"
	"github.com/webmulti/server/internal/multiworld"
	"github.com/webmulti/server/internal/persist"
)

// fakeConn feeds a scripted sequence of inbound frames and records
// everything written. A nil frame in the script reads as a poll
// timeout; an exhausted script reads as a disconnect.
type fakeConn struct {
	mu     sync.Mutex
	frames [][]byte
	writes [][]byte

	closed      bool
	closeCode   int
	closeReason string
}

func scriptedConn(frames ...string) *fakeConn {
	c := &fakeConn{}
	for _, f := range frames {
		c.frames = append(c.frames, []byte(f))
	}
	return c
}

func (c *fakeConn) Read(timeout time.Duration) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.frames) == 0 {
		return nil, io.EOF
	}
	frame := c.frames[0]
	c.frames = c.frames[1:]
	if frame == nil {
		return nil, ErrReadTimeout
	}
	return frame, nil
}

func (c *fakeConn) WriteJSON(v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.writes = append(c.writes, raw)
	c.mu.Unlock()
	return nil
}

func (c *fakeConn) Close(code int, reason string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		c.closeCode = code
		c.closeReason = reason
	}
	return nil
}

// writtenTypes returns the type field of every recorded frame in order.
func (c *fakeConn) writtenTypes(t *testing.T) []string {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()
	var types []string
	for _, raw := range c.writes {
		var env struct {
			Type string `json:"type"`
		}
		require.NoError(t, json.Unmarshal(raw, &env))
		types = append(types, env.Type)
	}
	return types
}

func (c *fakeConn) writesOfType(t *testing.T, msgType string) []string {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []string
	for _, raw := range c.writes {
		var env struct {
			Type string `json:"type"`
		}
		require.NoError(t, json.Unmarshal(raw, &env))
		if env.Type == msgType {
			out = append(out, string(raw))
		}
	}
	return out
}

// fakeBackend is an in-memory stand-in for the persistence layer. It
// implements the event, sram, and slot store interfaces of both this
// package and the routing layer, enforcing the same receive-index
// uniqueness the database does.
type fakeBackend struct {
	mu     sync.Mutex
	events []persist.EventRow
	taken  map[string]bool
	nextID int64

	srams map[int][]byte
	slots map[int]int

	rotations int
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{
		taken: make(map[string]bool),
		srams: make(map[int][]byte),
		slots: make(map[int]int),
	}
}

func (f *fakeBackend) Append(ctx context.Context, ev *persist.EventRow) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if ev.ToPlayerIdx != nil {
		key := fmt.Sprintf("%s|%d|%d", ev.SessionID, ev.ToPlayer, *ev.ToPlayerIdx)
		if f.taken[key] {
			return persist.ErrIndexTaken
		}
		f.taken[key] = true
	}
	f.nextID++
	ev.ID = f.nextID
	ev.CreatedAt = time.Now()
	f.events = append(f.events, *ev)
	return nil
}

func (f *fakeBackend) MaxReceiveIndex(ctx context.Context, sessionID uuid.UUID, toPlayer int) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	max := 0
	for i := range f.events {
		ev := &f.events[i]
		if ev.SessionID == sessionID && ev.ToPlayer == toPlayer &&
			ev.ToPlayerIdx != nil && *ev.ToPlayerIdx > max {
			max = *ev.ToPlayerIdx
		}
	}
	return max, nil
}

func (f *fakeBackend) EventsFromPlayer(ctx context.Context, sessionID uuid.UUID, playerID int) ([]persist.EventRow, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []persist.EventRow
	for i := range f.events {
		if f.events[i].SessionID == sessionID && f.events[i].FromPlayer == playerID {
			out = append(out, f.events[i])
		}
	}
	return out, nil
}

func (f *fakeBackend) NewItemsFromPlayer(ctx context.Context, sessionID uuid.UUID, fromPlayer int) ([]int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []int
	for i := range f.events {
		if f.events[i].SessionID == sessionID &&
			f.events[i].FromPlayer == fromPlayer &&
			f.events[i].Type == persist.EventNewItem {
			out = append(out, f.events[i].Location)
		}
	}
	return out, nil
}

func (f *fakeBackend) ItemsForPlayerFromOthers(ctx context.Context, sessionID uuid.UUID, toPlayer, gtIdx int) ([]persist.EventRow, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []persist.EventRow
	for i := range f.events {
		ev := f.events[i]
		if ev.SessionID == sessionID && ev.Type == persist.EventNewItem &&
			ev.ToPlayer == toPlayer && ev.FromPlayer != ev.ToPlayer &&
			ev.ToPlayerIdx != nil && *ev.ToPlayerIdx > gtIdx {
			out = append(out, ev)
		}
	}
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && *out[j-1].ToPlayerIdx > *out[j].ToPlayerIdx; j-- {
			out[j-1], out[j] = out[j], out[j-1]
		}
	}
	return out, nil
}

func (f *fakeBackend) ConnectionEvents(ctx context.Context, sessionID uuid.UUID, playerID int) ([]persist.EventRow, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []persist.EventRow
	for i := len(f.events) - 1; i >= 0; i-- {
		ev := f.events[i]
		if ev.SessionID == sessionID && ev.FromPlayer == playerID &&
			(ev.Type == persist.EventPlayerJoin || ev.Type == persist.EventPlayerLeave) {
			out = append(out, ev)
		}
	}
	return out, nil
}

func (f *fakeBackend) EventsAtOrAfterFrameTime(ctx context.Context, sessionID uuid.UUID, fromPlayer int, frameTime int64) ([]persist.EventRow, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []persist.EventRow
	for i := range f.events {
		ev := f.events[i]
		if ev.SessionID == sessionID && ev.Type == persist.EventNewItem &&
			ev.FromPlayer == fromPlayer && ev.FrameTime != nil && *ev.FrameTime >= frameTime {
			out = append(out, ev)
		}
	}
	return out, nil
}

func (f *fakeBackend) ClearFrameTime(ctx context.Context, ids []int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	clear := make(map[int64]bool, len(ids))
	for _, id := range ids {
		clear[id] = true
	}
	for i := range f.events {
		if clear[f.events[i].ID] {
			f.events[i].FrameTime = nil
		}
	}
	return nil
}

func (f *fakeBackend) Rotate(ctx context.Context, sessionID uuid.UUID, playerID int, cur, zeroed []byte) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rotations++
	prev, ok := f.srams[playerID]
	f.srams[playerID] = cur
	if !ok {
		return zeroed, nil
	}
	return prev, nil
}

func (f *fakeBackend) SlotUser(ctx context.Context, sessionID uuid.UUID, playerID int) (*int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if user, ok := f.slots[playerID]; ok {
		return &user, nil
	}
	return nil, nil
}

func (f *fakeBackend) ClaimSlot(ctx context.Context, sessionID uuid.UUID, playerID, userID int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if holder, ok := f.slots[playerID]; ok && holder != userID {
		return persist.ErrSlotOwned
	}
	f.slots[playerID] = userID
	return nil
}

func (f *fakeBackend) eventsOfType(eventType string) []persist.EventRow {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []persist.EventRow
	for i := range f.events {
		if f.events[i].Type == eventType {
			out = append(out, f.events[i])
		}
	}
	return out
}

// fakeSessionStore backs the registry for cache misses; it holds no
// rows, so unknown ids hydrate to nothing.
type fakeSessionStore struct{}

func (fakeSessionStore) Get(ctx context.Context, id uuid.UUID) (*persist.SessionRow, error) {
	return nil, nil
}

func (fakeSessionStore) Owners(ctx context.Context, id uuid.UUID) ([]int, error) {
	return nil, nil
}

func (fakeSessionStore) SetState(ctx context.Context, id uuid.UUID, state string) error {
	return nil
}

// fakeCreds resolves every token of the form "token-<id>" and every
// api key of the form "<id>.secret" to the matching user.
type fakeCreds struct {
	users map[int]*persist.UserRow
}

func (f *fakeCreds) Resolve(ctx context.Context, userID int, token string) (*persist.UserRow, string, error) {
	user, ok := f.users[userID]
	if !ok || token != fmt.Sprintf("token-%d", userID) {
		return nil, "", nil
	}
	return user, token, nil
}

func (f *fakeCreds) ResolveAPIKey(ctx context.Context, key string) (*persist.UserRow, error) {
	for id, user := range f.users {
		if key == fmt.Sprintf("%d.secret", id) {
			return user, nil
		}
	}
	return nil, nil
}

func testTables(t *testing.T) *data.Tables {
	t.Helper()
	locationInfo := []byte(`{
		"base": {
			"Chest A": [1, 16],
			"Chest B": [1, 32]
		},
		"pots": {}, "sprites": {}, "misc": {},
		"npcs": {}, "bosses": {},
		"overworld": {}, "bonk_prizes": {}, "shops": {}
	}`)
	lookup := []byte(`{"10": "Chest A", "11": "Chest B", "30": "Chest C"}`)
	items := []byte(`{"31": "Moon Pearl", "32": "Hammer"}`)
	tables, err := data.Parse(locationInfo, lookup, items)
	require.NoError(t, err)
	return tables
}

// testHarness wires a full Deps bundle around the in-memory backend.
type testHarness struct {
	deps    *Deps
	sess    *multiworld.Session
	backend *fakeBackend
	bus     *multiworld.Bus
}

func newHarness(t *testing.T) *testHarness {
	t.Helper()
	log := zap.NewNop()
	tables := testTables(t)
	backend := newFakeBackend()
	bus := multiworld.NewBus(8, log)

	md := &multiworld.Multidata{
		PlayerNames: []string{"Alice", "Bob"},
		RomNames:    map[string]int{"ROM1": 1, "ROM2": 2},
		Placements: map[multiworld.Placement]multiworld.PlacedItem{
			{LocationID: 10, Finder: 1}: {ItemID: 31, Recipient: 2},
			{LocationID: 11, Finder: 1}: {ItemID: 32, Recipient: 1},
			{LocationID: 30, Finder: 1}: {ItemID: 31, Recipient: 2},
		},
	}
	sess := multiworld.NewSession(&persist.SessionRow{
		ID:    uuid.New(),
		State: persist.StateActive,
	}, md, []int{7}, multiworld.DefaultFlags())

	registry := multiworld.NewRegistry(fakeSessionStore{}, log)
	registry.Register(sess)

	creds := &fakeCreds{users: map[int]*persist.UserRow{
		7: {ID: 7, Username: "owner"},
		8: {ID: 8, Username: "guest"},
	}}

	deps := &Deps{
		Network: config.NetworkConfig{
			ReadPoll:        5 * time.Millisecond,
			IdentifyTimeout: 250 * time.Millisecond,
		},
		Session: config.SessionConfig{
			CountdownMax:       60,
			CountdownDefault:   5,
			ForfeitSkipUpdates: 3,
			ChatMessageLimit:   1000,
			KickLeaveDelay:     time.Millisecond,
		},
		Registry: registry,
		Router:   multiworld.NewRouter(backend, bus, tables, log),
		Bus:      bus,
		Events:   backend,
		Srams:    backend,
		Slots:    backend,
		Auth:     creds,
		Tables:   tables,
		Log:      log,
	}
	return &testHarness{deps: deps, sess: sess, backend: backend, bus: bus}
}

// newRuntime builds a joined player runtime directly, bypassing the
// handshake, for loop-level tests.
func (h *testHarness) newRuntime(t *testing.T, conn *fakeConn, playerID int) *runtime {
	t.Helper()
	return &runtime{
		deps:       h.deps,
		conn:       conn,
		sess:       h.sess,
		sub:        h.bus.Subscribe(h.sess.ID),
		log:        zap.NewNop(),
		playerID:   playerID,
		playerName: h.sess.Data.PlayerName(playerID),
		checked:    make(map[int]*int64),
	}
}

func playerInfoFrame(playerID int, rom string) string {
	return fmt.Sprintf(`{"type":"player_info","data":{"player_id":%d,"rom_name":"%s"}}`, playerID, rom)
}

func updateMemoryFrame(t *testing.T, regions map[string][]int) string {
	t.Helper()
	raw, err := json.Marshal(map[string]any{"type": "update_memory", "data": regions})
	require.NoError(t, err)
	return string(raw)
}
