package web

import (
	"bytes"
	"compress/zlib"
	"context"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/webmulti/server/internal/config"
	"github.com/webmulti/server/internal/data"
	"github.com/webmulti/server/internal/multiworld"
	"github.com/webmulti/server/internal/persist"
	"github.com/webmulti/server/internal/ws"
)

// fakeStore backs every store interface the server consumes.
type fakeStore struct {
	mu     sync.Mutex
	events []persist.EventRow
	taken  map[string]bool
	nextID int64

	games    map[string]int
	sessions map[uuid.UUID]*persist.SessionRow
	owners   map[uuid.UUID][]int
	slots    map[int]int
	srams    map[int][]byte
	logs     []string
	users    map[int]*persist.UserRow
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		taken:    make(map[string]bool),
		games:    make(map[string]int),
		sessions: make(map[uuid.UUID]*persist.SessionRow),
		owners:   make(map[uuid.UUID][]int),
		slots:    make(map[int]int),
		srams:    make(map[int][]byte),
		users:    make(map[int]*persist.UserRow),
	}
}

func (f *fakeStore) EnsureGame(ctx context.Context, title string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if id, ok := f.games[title]; ok {
		return id, nil
	}
	id := len(f.games) + 1
	f.games[title] = id
	return id, nil
}

func (f *fakeStore) Create(ctx context.Context, row *persist.SessionRow, ownerIDs []int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	row.CreatedAt = time.Now()
	f.sessions[row.ID] = row
	f.owners[row.ID] = ownerIDs
	return nil
}

func (f *fakeStore) SlotUser(ctx context.Context, id uuid.UUID, playerID int) (*int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if user, ok := f.slots[playerID]; ok {
		return &user, nil
	}
	return nil, nil
}

func (f *fakeStore) Append(ctx context.Context, ev *persist.EventRow) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if ev.ToPlayerIdx != nil {
		key := fmt.Sprintf("%d|%d", ev.ToPlayer, *ev.ToPlayerIdx)
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

func (f *fakeStore) MaxReceiveIndex(ctx context.Context, sessionID uuid.UUID, toPlayer int) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	max := 0
	for i := range f.events {
		ev := &f.events[i]
		if ev.ToPlayer == toPlayer && ev.ToPlayerIdx != nil && *ev.ToPlayerIdx > max {
			max = *ev.ToPlayerIdx
		}
	}
	return max, nil
}

func (f *fakeStore) EventsFromPlayer(ctx context.Context, sessionID uuid.UUID, playerID int) ([]persist.EventRow, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []persist.EventRow
	for i := range f.events {
		if f.events[i].FromPlayer == playerID {
			out = append(out, f.events[i])
		}
	}
	return out, nil
}

func (f *fakeStore) EventsForSession(ctx context.Context, sessionID uuid.UUID, skip, limit int) ([]persist.EventRow, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []persist.EventRow
	for i := range f.events {
		if f.events[i].SessionID == sessionID {
			out = append(out, f.events[i])
		}
	}
	if skip > len(out) {
		skip = len(out)
	}
	out = out[skip:]
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (f *fakeStore) ConnectionEvents(ctx context.Context, sessionID uuid.UUID, playerID int) ([]persist.EventRow, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []persist.EventRow
	for i := len(f.events) - 1; i >= 0; i-- {
		ev := f.events[i]
		if ev.FromPlayer == playerID &&
			(ev.Type == persist.EventPlayerJoin || ev.Type == persist.EventPlayerLeave) {
			out = append(out, ev)
		}
	}
	return out, nil
}

func (f *fakeStore) All(ctx context.Context, sessionID uuid.UUID) (map[int][]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[int][]byte, len(f.srams))
	for k, v := range f.srams {
		out[k] = v
	}
	return out, nil
}

func (f *fakeStore) Insert(ctx context.Context, sessionID uuid.UUID, playerID int, content string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.logs = append(f.logs, content)
	return nil
}

func (f *fakeStore) ByID(ctx context.Context, id int) (*persist.UserRow, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.users[id], nil
}

func (f *fakeStore) eventsOfType(eventType string) []persist.EventRow {
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

type nilCreds struct{}

func (nilCreds) Resolve(ctx context.Context, userID int, token string) (*persist.UserRow, string, error) {
	return nil, "", nil
}

func (nilCreds) ResolveAPIKey(ctx context.Context, key string) (*persist.UserRow, error) {
	return nil, nil
}

func webTables(t *testing.T) *data.Tables {
	t.Helper()
	locationInfo := []byte(`{
		"base": {"Chest A": [1, 16]},
		"pots": {}, "sprites": {}, "misc": {},
		"npcs": {}, "bosses": {},
		"overworld": {}, "bonk_prizes": {}, "shops": {}
	}`)
	lookup := []byte(`{"10": "Chest A", "20": "Chest B", "30": "Chest C"}`)
	items := []byte(`{"85": "Hammer", "102": "Bow"}`)
	tables, err := data.Parse(locationInfo, lookup, items)
	require.NoError(t, err)
	return tables
}

const testMultidata = `{
	"names": [["Alice", "Bob"]],
	"roms": [[1, 2, "ROMA"], [3, 4, "ROMB"]],
	"locations": [
		[[10, 1], [85, 2]],
		[[20, 2], [102, 1]],
		[[30, 1], [85, 1]]
	]
}`

func deflate(t *testing.T, payload string) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zlib.NewWriter(&buf)
	_, err := zw.Write([]byte(payload))
	require.NoError(t, err)
	require.NoError(t, zw.Close())
	return buf.Bytes()
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

func newTestServer(t *testing.T) (*Server, *fakeStore, *multiworld.Session) {
	t.Helper()
	log := zap.NewNop()
	tables := webTables(t)
	store := newFakeStore()
	bus := multiworld.NewBus(8, log)
	registry := multiworld.NewRegistry(fakeSessionStore{}, log)
	router := multiworld.NewRouter(store, bus, tables, log)

	md, err := multiworld.ParseMultidata([]byte(testMultidata))
	require.NoError(t, err)
	sess := multiworld.NewSession(&persist.SessionRow{
		ID:    uuid.New(),
		State: persist.StateActive,
	}, md, nil, multiworld.DefaultFlags())
	registry.Register(sess)

	cfg := config.Defaults().Network
	deps := &ws.Deps{
		Network:  cfg,
		Session:  config.Defaults().Session,
		Registry: registry,
		Router:   router,
		Bus:      bus,
		Auth:     nilCreds{},
		Tables:   tables,
		Log:      log,
	}
	srv := NewServer(cfg, deps, store, store, store, store, store, log)
	return srv, store, sess
}

func multidataRequest(t *testing.T, payload []byte, fields map[string]string) *http.Request {
	t.Helper()
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	part, err := mw.CreateFormFile("file", "multidata")
	require.NoError(t, err)
	_, err = part.Write(payload)
	require.NoError(t, err)
	for k, v := range fields {
		require.NoError(t, mw.WriteField(k, v))
	}
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, "/multidata", &body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return req
}

func TestCreateSession(t *testing.T) {
	srv, store, _ := newTestServer(t)
	rec := httptest.NewRecorder()
	req := multidataRequest(t, deflate(t, testMultidata),
		map[string]string{"game": "alttpr", "password": "hunter2"})

	srv.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var resp struct {
		MwSession string  `json:"mw_session"`
		Password  *string `json:"password"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	sessionID, err := uuid.Parse(resp.MwSession)
	require.NoError(t, err)
	require.NotNil(t, resp.Password)
	assert.Equal(t, "hunter2", *resp.Password)

	require.Contains(t, store.sessions, sessionID)
	creates := store.eventsOfType(persist.EventSessionCreate)
	require.Len(t, creates, 1)
	assert.Equal(t, -1, creates[0].FromPlayer)
	assert.Equal(t, -1, creates[0].ToPlayer)

	// The session is served from the registry straight away.
	sess, err := srv.registry.Lookup(context.Background(), sessionID)
	require.NoError(t, err)
	require.NotNil(t, sess)
	assert.Equal(t, 2, sess.Data.PlayerCount())
}

func TestCreateSessionRejectsGarbage(t *testing.T) {
	srv, _, _ := newTestServer(t)
	rec := httptest.NewRecorder()
	req := multidataRequest(t, []byte("not zlib"), map[string]string{"game": "alttpr"})

	srv.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "Invalid multidata")
}

func TestCreateSessionRequiresGame(t *testing.T) {
	srv, _, _ := newTestServer(t)
	rec := httptest.NewRecorder()
	req := multidataRequest(t, deflate(t, testMultidata), nil)

	srv.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSessionEventsResolvesNames(t *testing.T) {
	srv, store, sess := newTestServer(t)
	idx := 1
	ft := int64(100)
	require.NoError(t, store.Append(context.Background(), &persist.EventRow{
		SessionID: sess.ID, Type: persist.EventNewItem,
		FromPlayer: 1, ToPlayer: 2, ToPlayerIdx: &idx,
		ItemID: 85, Location: 10, FrameTime: &ft,
		EventData: []byte(`{}`),
	}))

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/session/"+sess.ID.String()+"/events", nil)
	srv.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"item_name":"Hammer"`)
	assert.Contains(t, rec.Body.String(), `"location_name":"Chest A"`)
	assert.Contains(t, rec.Body.String(), `"event_type":"new_item"`)
}

func TestSessionEventsUnknownSession(t *testing.T) {
	srv, _, _ := newTestServer(t)
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/session/"+uuid.NewString()+"/events", nil)
	srv.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestSessionPlayers(t *testing.T) {
	srv, store, sess := newTestServer(t)

	// Player 1 is connected with live telemetry; player 2 never joined.
	require.NoError(t, store.Append(context.Background(), &persist.EventRow{
		SessionID: sess.ID, Type: persist.EventPlayerJoin,
		FromPlayer: 1, ToPlayer: -1, ItemID: -1, Location: -1,
	}))
	inv := make([]int, 0x104)
	inv[0xE3] = 7
	inv[0x2C] = 0x30
	inv[0x2D] = 0x18
	snap, err := json.Marshal(map[string]any{
		"inventory": inv,
		"coords":    []int{0, 1, 0, 2},
		"game_mode": []int{0x09},
		"lw_dw":     []int{0x01},
	})
	require.NoError(t, err)
	store.srams[1] = snap
	store.slots[1] = 9
	store.users[9] = &persist.UserRow{ID: 9, Username: "alice"}

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/session/"+sess.ID.String()+"/players", nil)
	srv.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var players []PlayerInfo
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &players))
	require.Len(t, players, 2)

	alice := players[0]
	assert.Equal(t, 1, alice.PlayerNumber)
	assert.Equal(t, "Alice", alice.PlayerName)
	assert.True(t, alice.Connected)
	assert.Equal(t, 7, alice.CollectionRate)
	assert.Equal(t, 2, alice.TotalLocations) // locations 10 and 30
	assert.Equal(t, "DW", alice.World)
	assert.Equal(t, 3.0, alice.Health)
	assert.Equal(t, 6.0, alice.MaxHealth)
	require.NotNil(t, alice.UserName)
	assert.Equal(t, "alice", *alice.UserName)

	bob := players[1]
	assert.False(t, bob.Connected)
	assert.Equal(t, 1, bob.TotalLocations)
	assert.Equal(t, "EG1", bob.World)
	assert.Nil(t, bob.UserID)
}

func TestPlayerForfeit(t *testing.T) {
	srv, store, sess := newTestServer(t)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/session/"+sess.ID.String()+"/player_forfeit",
		bytes.NewReader([]byte(`{"player_id":1}`)))
	srv.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"forfeit_item_count":2`)
	assert.Contains(t, rec.Body.String(), `"found_item_count":0`)
	assert.Len(t, store.eventsOfType(persist.EventPlayerForfeit), 1)

	// A second forfeit for the same player conflicts.
	rec = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodPost, "/session/"+sess.ID.String()+"/player_forfeit",
		bytes.NewReader([]byte(`{"player_id":1}`)))
	srv.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Contains(t, rec.Body.String(), "Player already forfeited")
}

func TestPlayerForfeitDisabledByFlag(t *testing.T) {
	srv, _, sess := newTestServer(t)
	flags := sess.Flags()
	flags.Forfeit = false
	sess.SetFlags(flags)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/session/"+sess.ID.String()+"/player_forfeit",
		bytes.NewReader([]byte(`{"player_id":1}`)))
	srv.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestAdminSendSingle(t *testing.T) {
	srv, store, sess := newTestServer(t)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/session/"+sess.ID.String()+"/adminSend",
		bytes.NewReader([]byte(`{"event_type":"send_single","item_id":85,"to_players":2}`)))
	srv.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	items := store.eventsOfType(persist.EventNewItem)
	require.Len(t, items, 1)
	assert.Equal(t, 0, items[0].FromPlayer)
	assert.Equal(t, 2, items[0].ToPlayer)
	assert.Contains(t, string(items[0].EventData), "admin_send")
	require.NotNil(t, items[0].ToPlayerIdx)
	assert.Equal(t, 1, *items[0].ToPlayerIdx)
}

func TestAdminSendMultiPasswordChecked(t *testing.T) {
	srv, store, sess := newTestServer(t)
	password := "hunter2"
	sess.Password = &password

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/session/"+sess.ID.String()+"/adminSend",
		bytes.NewReader([]byte(`{"event_type":"send_multi","item_id":85,"to_players":[1,2],"password":"wrong"}`)))
	srv.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Empty(t, store.eventsOfType(persist.EventNewItem))

	rec = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodPost, "/session/"+sess.ID.String()+"/adminSend",
		bytes.NewReader([]byte(`{"event_type":"send_multi","item_id":85,"to_players":[1,2],"password":"hunter2"}`)))
	srv.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, store.eventsOfType(persist.EventNewItem), 2)
}

func TestSessionLog(t *testing.T) {
	srv, store, sess := newTestServer(t)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/session/"+sess.ID.String()+"/log",
		bytes.NewReader([]byte(`{"player_id":1,"message":"client crashed"}`)))
	srv.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, store.logs, 1)
	assert.Equal(t, "client crashed", store.logs[0])
}
