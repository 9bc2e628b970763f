package web

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/webmulti/server/internal/config"
	"github.com/webmulti/server/internal/data"
	"github.com/webmulti/server/internal/multiworld"
	"github.com/webmulti/server/internal/persist"
	"github.com/webmulti/server/internal/ws"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// SessionStore is the slice of the persistence layer the HTTP handlers
// write sessions through.
type SessionStore interface {
	EnsureGame(ctx context.Context, title string) (int, error)
	Create(ctx context.Context, row *persist.SessionRow, ownerIDs []int) error
	SlotUser(ctx context.Context, id uuid.UUID, playerID int) (*int, error)
}

// EventStore serves the session event listing and connection state.
type EventStore interface {
	Append(ctx context.Context, ev *persist.EventRow) error
	EventsForSession(ctx context.Context, sessionID uuid.UUID, skip, limit int) ([]persist.EventRow, error)
	ConnectionEvents(ctx context.Context, sessionID uuid.UUID, playerID int) ([]persist.EventRow, error)
}

// SramStore loads the stored snapshots for the players endpoint.
type SramStore interface {
	All(ctx context.Context, sessionID uuid.UUID) (map[int][]byte, error)
}

// LogStore receives client log lines.
type LogStore interface {
	Insert(ctx context.Context, sessionID uuid.UUID, playerID int, content string) error
}

// UserStore resolves slot holders for the players endpoint.
type UserStore interface {
	ByID(ctx context.Context, id int) (*persist.UserRow, error)
}

// Server is the HTTP and websocket front of the multiworld service.
type Server struct {
	cfg      config.NetworkConfig
	log      *zap.Logger
	registry *multiworld.Registry
	router   *multiworld.Router
	tables   *data.Tables
	wsDeps   *ws.Deps

	sessions SessionStore
	events   EventStore
	srams    SramStore
	logs     LogStore
	users    UserStore
	auth     ws.Credentials

	upgrader websocket.Upgrader
	httpSrv  *http.Server
}

func NewServer(cfg config.NetworkConfig, wsDeps *ws.Deps, sessions SessionStore,
	events EventStore, srams SramStore, logs LogStore, users UserStore, log *zap.Logger) *Server {
	s := &Server{
		cfg:      cfg,
		log:      log,
		registry: wsDeps.Registry,
		router:   wsDeps.Router,
		tables:   wsDeps.Tables,
		wsDeps:   wsDeps,
		sessions: sessions,
		events:   events,
		srams:    srams,
		logs:     logs,
		users:    users,
		auth:     wsDeps.Auth,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// The service fronts game clients and trackers, not browsers
			// with shared cookie state.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
	s.httpSrv = &http.Server{
		Addr:        cfg.BindAddress,
		Handler:     s.routes(),
		ReadTimeout: 30 * time.Second,
	}
	return s
}

func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /multidata", s.handleCreateSession)
	mux.HandleFunc("GET /session/{id}/events", s.handleSessionEvents)
	mux.HandleFunc("GET /session/{id}/players", s.handleSessionPlayers)
	mux.HandleFunc("POST /session/{id}/player_forfeit", s.handlePlayerForfeit)
	mux.HandleFunc("POST /session/{id}/adminSend", s.handleAdminSend)
	mux.HandleFunc("POST /session/{id}/log", s.handleLog)
	mux.HandleFunc("GET /ws/{id}", s.handleWebsocket)
	return mux
}

// Handler exposes the route table for tests.
func (s *Server) Handler() http.Handler { return s.httpSrv.Handler }

func (s *Server) ListenAndServe() error {
	s.log.Info("http server listening", zap.String("addr", s.cfg.BindAddress))
	return s.httpSrv.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpSrv.Shutdown(ctx)
}

func (s *Server) handleWebsocket(w http.ResponseWriter, r *http.Request) {
	sessionID, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		http.Error(w, "invalid session id", http.StatusBadRequest)
		return
	}
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	s.wsDeps.Handle(r.Context(), newWSConn(conn, s.cfg.WriteTimeout), sessionID)
}

// writeJSON is the single response serializer; handler errors render as
// {"error": ...} with the given status.
func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Warn("write response failed", zap.Error(err))
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, map[string]string{"error": msg})
}

// lookupSession parses the path id and loads the session, writing the
// 404 response itself when missing.
func (s *Server) lookupSession(w http.ResponseWriter, r *http.Request) *multiworld.Session {
	sessionID, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "Invalid session id")
		return nil
	}
	sess, err := s.registry.Lookup(r.Context(), sessionID)
	if err != nil {
		s.log.Error("session lookup failed", zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, "Session lookup failed")
		return nil
	}
	if sess == nil {
		s.writeError(w, http.StatusNotFound, "Session not found")
		return nil
	}
	return sess
}

// requestUser resolves the caller from an API key bearer token or the
// user id / session token header pair. Anonymous requests return nil.
func (s *Server) requestUser(r *http.Request) *persist.UserRow {
	if bearer := r.Header.Get("Authorization"); len(bearer) > 7 && bearer[:7] == "Bearer " {
		user, err := s.auth.ResolveAPIKey(r.Context(), bearer[7:])
		if err != nil {
			s.log.Warn("api key resolve failed", zap.Error(err))
			return nil
		}
		return user
	}
	userID := r.Header.Get("X-User-Id")
	token := r.Header.Get("X-Session-Token")
	if userID == "" || token == "" {
		return nil
	}
	id, err := strconv.Atoi(userID)
	if err != nil {
		return nil
	}
	user, _, err := s.auth.Resolve(r.Context(), id, token)
	if err != nil {
		s.log.Warn("session token resolve failed", zap.Error(err))
		return nil
	}
	return user
}
