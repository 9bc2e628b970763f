package web

import (
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/google/uuid"
	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/webmulti/server/internal/multiworld"
	"github.com/webmulti/server/internal/persist"
	"github.com/webmulti/server/internal/sram"
)

// handleCreateSession accepts a compressed multidata upload and opens a
// new session for it.
func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxUploadBytes)
	if err := r.ParseMultipartForm(s.cfg.MaxUploadBytes); err != nil {
		s.writeError(w, http.StatusRequestEntityTooLarge, "Too large")
		return
	}
	file, _, err := r.FormFile("file")
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "Missing multidata file")
		return
	}
	defer file.Close()
	compressed, err := io.ReadAll(file)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "Unreadable multidata file")
		return
	}

	game := r.FormValue("game")
	if game == "" {
		s.writeError(w, http.StatusBadRequest, "Missing game title")
		return
	}

	md, inflated, err := multiworld.DecodeMultidata(compressed)
	if err != nil {
		s.log.Warn("multidata decode failed", zap.Error(err))
		s.writeError(w, http.StatusBadRequest, "Invalid multidata")
		return
	}

	gameID, err := s.sessions.EnsureGame(r.Context(), game)
	if err != nil {
		s.log.Error("ensure game failed", zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, "Failed to create session")
		return
	}

	var password *string
	if p := r.FormValue("password"); p != "" {
		password = &p
	}
	flags := multiworld.DefaultFlags()
	if rawFlags := r.FormValue("flags"); rawFlags != "" {
		flags, err = multiworld.ParseFlags([]byte(rawFlags))
		if err != nil {
			s.writeError(w, http.StatusBadRequest, "Invalid flags")
			return
		}
	}

	var owners []int
	if user := s.requestUser(r); user != nil {
		owners = append(owners, user.ID)
	}

	row := &persist.SessionRow{
		ID:       uuid.New(),
		GameID:   gameID,
		Password: password,
		Mwdata:   inflated,
		Flags:    flags.Encode(),
		State:    persist.StateActive,
	}
	if err := s.sessions.Create(r.Context(), row, owners); err != nil {
		s.log.Error("create session failed", zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, "Failed to create session")
		return
	}

	create := &persist.EventRow{
		SessionID:  row.ID,
		Type:       persist.EventSessionCreate,
		FromPlayer: multiworld.Broadcast,
		ToPlayer:   multiworld.Broadcast,
		ItemID:     -1,
		Location:   -1,
		EventData:  mustJSON(map[string]any{"session_id": row.ID.String()}),
	}
	if err := s.events.Append(r.Context(), create); err != nil {
		s.log.Error("append session_create failed", zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, "Failed to create session")
		return
	}

	s.registry.Register(multiworld.NewSession(row, md, owners, flags))
	s.log.Info("session created",
		zap.String("session", row.ID.String()),
		zap.String("game", game),
		zap.Int("players", md.PlayerCount()))

	s.writeJSON(w, http.StatusOK, map[string]any{
		"mw_session": row.ID.String(),
		"password":   password,
	})
}

func (s *Server) handleSessionEvents(w http.ResponseWriter, r *http.Request) {
	sess := s.lookupSession(w, r)
	if sess == nil {
		return
	}
	skip := queryInt(r, "skip", 0)
	limit := queryInt(r, "limit", 10000)

	rows, err := s.events.EventsForSession(r.Context(), sess.ID, skip, limit)
	if err != nil {
		s.log.Error("load session events failed", zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, "Failed to load events")
		return
	}

	out := make([]map[string]any, 0, len(rows))
	for i := range rows {
		out = append(out, s.eventJSON(&rows[i]))
	}
	s.writeJSON(w, http.StatusOK, out)
}

// eventJSON renders a stored event with item and location names
// resolved and the timestamp as unix seconds.
func (s *Server) eventJSON(ev *persist.EventRow) map[string]any {
	eventData := map[string]any{}
	if len(ev.EventData) > 0 {
		_ = json.Unmarshal(ev.EventData, &eventData)
		if eventData == nil {
			eventData = map[string]any{}
		}
	}
	if ev.Type == persist.EventNewItem {
		if name, ok := s.tables.ItemName(ev.ItemID); ok {
			eventData["item_name"] = name
		}
		if name, ok := s.tables.LocationName(ev.Location); ok {
			eventData["location_name"] = name
		}
	}
	return map[string]any{
		"id":          ev.ID,
		"timestamp":   ev.CreatedAt.Unix(),
		"event_type":  ev.Type,
		"from_player": ev.FromPlayer,
		"to_player":   ev.ToPlayer,
		"item_id":     ev.ItemID,
		"location":    ev.Location,
		"event_data":  eventData,
	}
}

// PlayerInfo is one row of the session players listing.
type PlayerInfo struct {
	PlayerNumber   int     `json:"playerNumber"`
	PlayerName     string  `json:"playerName"`
	Connected      bool    `json:"connected"`
	CollectionRate int     `json:"collectionRate"`
	TotalLocations int     `json:"totalLocations"`
	GoalCompleted  bool    `json:"goalCompleted"`
	CurCoords      [2]int  `json:"curCoords"`
	World          string  `json:"world"`
	Health         float64 `json:"health"`
	MaxHealth      float64 `json:"maxHealth"`
	UserID         *int    `json:"userId"`
	UserName       *string `json:"userName"`
}

func (s *Server) handleSessionPlayers(w http.ResponseWriter, r *http.Request) {
	sess := s.lookupSession(w, r)
	if sess == nil {
		return
	}
	snapshots, err := s.srams.All(r.Context(), sess.ID)
	if err != nil {
		s.log.Error("load srams failed", zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, "Failed to load players")
		return
	}

	players := make([]PlayerInfo, 0, sess.Data.PlayerCount())
	for playerID := 1; playerID <= sess.Data.PlayerCount(); playerID++ {
		info := PlayerInfo{
			PlayerNumber:   playerID,
			PlayerName:     sess.Data.PlayerName(playerID),
			TotalLocations: len(sess.Data.PlayerLocations(playerID)),
			CurCoords:      [2]int{0, 0},
			World:          "EG1",
			Health:         3.0,
			MaxHealth:      3.0,
		}

		conn, err := s.events.ConnectionEvents(r.Context(), sess.ID, playerID)
		if err == nil && len(conn) > 0 && conn[0].Type == persist.EventPlayerJoin {
			info.Connected = true
		}

		if raw, ok := snapshots[playerID]; ok {
			var snap sram.Snapshot
			if err := json.Unmarshal(raw, &snap); err != nil {
				s.log.Warn("stored sram decode failed",
					zap.Int("player", playerID), zap.Error(err))
			} else {
				state := sram.DecodePlayerState(snap)
				info.CollectionRate = state.CollectionRate
				info.GoalCompleted = state.GoalCompleted
				info.CurCoords = state.Coords
				info.World = state.World
				info.Health = state.Health
				info.MaxHealth = state.MaxHealth
			}
		}

		if holder, err := s.sessions.SlotUser(r.Context(), sess.ID, playerID); err == nil && holder != nil {
			if user, err := s.users.ByID(r.Context(), *holder); err == nil && user != nil {
				info.UserID = &user.ID
				info.UserName = &user.Username
			}
		}
		players = append(players, info)
	}
	s.writeJSON(w, http.StatusOK, players)
}

func (s *Server) handlePlayerForfeit(w http.ResponseWriter, r *http.Request) {
	sess := s.lookupSession(w, r)
	if sess == nil {
		return
	}
	if !sess.Flags().Forfeit {
		s.writeError(w, http.StatusForbidden, "Forfeits are disabled in this session")
		return
	}
	var body struct {
		PlayerID int `json:"player_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		s.writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if body.PlayerID < 1 || body.PlayerID > sess.Data.PlayerCount() {
		s.writeError(w, http.StatusBadRequest, "Invalid player id")
		return
	}

	result, err := s.router.Forfeit(r.Context(), sess, body.PlayerID)
	if err != nil {
		if errors.Is(err, multiworld.ErrAlreadyForfeited) {
			s.writeError(w, http.StatusConflict, "Player already forfeited")
			return
		}
		s.log.Error("forfeit failed", zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, "Failed to create forfeit events")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"found_item_count":   result.FoundItemCount,
		"forfeit_item_count": result.ForfeitItemCount,
		"event_id":           result.MarkerEventID,
	})
}

func (s *Server) handleAdminSend(w http.ResponseWriter, r *http.Request) {
	sess := s.lookupSession(w, r)
	if sess == nil {
		return
	}
	var body struct {
		EventType string              `json:"event_type"`
		Password  string              `json:"password"`
		ItemID    int                 `json:"item_id"`
		ToPlayers jsoniter.RawMessage `json:"to_players"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		s.writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if sess.Password != nil && !sess.CheckPassword(body.Password) {
		s.writeError(w, http.StatusForbidden, "Invalid password")
		return
	}
	if _, ok := s.tables.ItemName(body.ItemID); !ok {
		s.writeError(w, http.StatusBadRequest, "Unknown item")
		return
	}

	// send_single carries a bare player id, send_multi a list.
	var targets []int
	switch body.EventType {
	case "send_single":
		var player int
		if err := json.Unmarshal(body.ToPlayers, &player); err != nil {
			s.writeError(w, http.StatusBadRequest, "send_single takes one player")
			return
		}
		targets = []int{player}
	case "send_multi":
		if err := json.Unmarshal(body.ToPlayers, &targets); err != nil || len(targets) == 0 {
			s.writeError(w, http.StatusBadRequest, "send_multi takes a player list")
			return
		}
	default:
		s.writeError(w, http.StatusBadRequest, "Unknown event type")
		return
	}
	for _, player := range targets {
		if player < 1 || player > sess.Data.PlayerCount() {
			s.writeError(w, http.StatusBadRequest, "Invalid player id")
			return
		}
	}

	if err := s.router.AdminSend(r.Context(), sess, body.ItemID, targets); err != nil {
		s.log.Error("admin send failed", zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, "Failed to send items")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"sent": len(targets)})
}

func (s *Server) handleLog(w http.ResponseWriter, r *http.Request) {
	sess := s.lookupSession(w, r)
	if sess == nil {
		return
	}
	var body struct {
		PlayerID int    `json:"player_id"`
		Message  string `json:"message"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		s.writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if err := s.logs.Insert(r.Context(), sess.ID, body.PlayerID, body.Message); err != nil {
		s.log.Error("log insert failed", zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, "Failed to log message")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "logged"})
}

func queryInt(r *http.Request, key string, def int) int {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return def
	}
	return n
}

func mustJSON(v any) []byte {
	raw, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return raw
}
