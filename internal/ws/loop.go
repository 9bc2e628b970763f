package ws

import (
	"context"
	"errors"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/webmulti/server/internal/multiworld"
	"github.com/webmulti/server/internal/persist"
	"github.com/webmulti/server/internal/sram"
)

// run is the cooperative loop: drain the bus, flush outbound, poll for
// one inbound frame, handle it, repeat.
func (rt *runtime) run(ctx context.Context) {
	for {
		if !rt.drainBus() {
			rt.flush(ctx)
			rt.conn.Close(rt.closeCode, rt.closeReason)
			rt.disconnect(ctx)
			return
		}
		rt.flush(ctx)

		frame, err := rt.conn.Read(rt.deps.Network.ReadPoll)
		if errors.Is(err, ErrReadTimeout) {
			continue
		}
		if err != nil {
			rt.disconnect(ctx)
			return
		}
		rt.handleMessage(ctx, frame)
	}
}

// drainBus applies the subscriber-side filter to every pending event.
// Returns false when the connection should close (kicked, or the bus
// dropped us for falling behind).
func (rt *runtime) drainBus() bool {
	for {
		select {
		case ev, ok := <-rt.sub.C:
			if !ok {
				// The bus closed us as a stalled subscriber. The client
				// reconnects and catch-up restores anything missed.
				rt.closing = true
				rt.closeCode = CloseKicked
				rt.closeReason = "Event stream lagged"
				return false
			}
			if !rt.applyEvent(&ev) {
				return false
			}
		default:
			return !rt.closing
		}
	}
}

// applyEvent is the per-subscriber filter. Returns false when the event
// closes this connection.
func (rt *runtime) applyEvent(ev *persist.EventRow) bool {
	switch ev.Type {
	case persist.EventPlayerForfeit:
		// Suppress the next few updates so the forfeit flood settles
		// before this player's own checks are re-processed.
		rt.skipUpdate = rt.deps.Session.ForfeitSkipUpdates
		return true

	case persist.EventNewItem:
		if ev.ToPlayer == rt.playerID && ev.FromPlayer == rt.playerID {
			// The client's own game state already covers self-finds.
			return true
		}
		payload := buildEventPayload(ev, rt.deps.Tables)
		if rt.paused && ev.ToPlayer == rt.playerID {
			rt.withheld = append(rt.withheld, payload)
			return true
		}
		rt.items = append(rt.items, payload)
		return true

	case persist.EventChat:
		payload := buildEventPayload(ev, rt.deps.Tables)
		if subtype, _ := payload.EventData["type"].(string); subtype == "countdown" {
			// Countdown pacing holds only if these skip the queue.
			if err := rt.conn.WriteJSON(Envelope{Type: ev.Type, Data: payload}); err != nil {
				rt.log.Warn("countdown send failed", zap.Error(err))
			}
			return true
		}
		if ev.ToPlayer != multiworld.Broadcast &&
			ev.ToPlayer != rt.playerID && ev.FromPlayer != rt.playerID {
			return true
		}
		rt.others = append(rt.others, Envelope{Type: ev.Type, Data: payload})
		return true

	case persist.EventPlayerKicked:
		payload := buildEventPayload(ev, rt.deps.Tables)
		rt.others = append(rt.others, Envelope{Type: ev.Type, Data: payload})
		if !rt.spectator && ev.ToPlayer == rt.playerID {
			rt.closing = true
			rt.closeCode = CloseKicked
			rt.closeReason = "Kicked from session"
		}
		return true

	default:
		payload := buildEventPayload(ev, rt.deps.Tables)
		rt.others = append(rt.others, Envelope{Type: ev.Type, Data: payload})
		return true
	}
}

// flush sends queued non-item messages individually and coalesces the
// queued item deliveries into a single new_items frame, verifying the
// receive-index contiguity first.
func (rt *runtime) flush(ctx context.Context) {
	if len(rt.items) == 0 && len(rt.others) == 0 {
		return
	}

	items := rt.items
	others := rt.others
	rt.items = nil
	rt.others = nil

	if len(items) > 0 {
		sort.Slice(items, func(i, j int) bool { return items[i].ID < items[j].ID })
		items = rt.verifyContiguity(ctx, items)
		items = dedupeByID(items)
	}

	for _, msg := range others {
		if err := rt.conn.WriteJSON(msg); err != nil {
			rt.log.Warn("event send failed", zap.Error(err))
			return
		}
	}
	if len(items) > 0 {
		if err := rt.conn.WriteJSON(Envelope{Type: MsgNewItems, Data: items}); err != nil {
			rt.log.Warn("new_items send failed", zap.Error(err))
		}
	}
}

// verifyContiguity checks that this connection's own deliveries in the
// batch form an unbroken index block continuing from the client's
// receive cursor. A gap means publishes were missed; those deliveries
// are discarded and the full catch-up set re-fetched from the store.
// Deliveries addressed to other players ride along either way.
func (rt *runtime) verifyContiguity(ctx context.Context, items []EventPayload) []EventPayload {
	lowest, highest, mine := 0, 0, 0
	for i := range items {
		if items[i].ToPlayer != rt.playerID {
			continue
		}
		idx := receiveIndex(&items[i])
		if idx == 0 {
			continue
		}
		if mine == 0 || idx < lowest {
			lowest = idx
		}
		if idx > highest {
			highest = idx
		}
		mine++
	}
	if mine == 0 {
		return items
	}
	if highest-lowest == mine-1 && lowest <= rt.lastDelivered+1 {
		return items
	}

	rt.log.Error("missing deliveries, re-fetching catch-up set",
		zap.Int("last_delivered", rt.lastDelivered),
		zap.Int("lowest", lowest),
		zap.Int("highest", highest),
		zap.Int("batch", mine))
	events, err := rt.deps.Events.ItemsForPlayerFromOthers(ctx, rt.sess.ID, rt.playerID, rt.lastDelivered)
	if err != nil {
		rt.log.Error("catch-up fetch failed", zap.Error(err))
		return items
	}
	merged := make([]EventPayload, 0, len(items)+len(events))
	for i := range items {
		if items[i].ToPlayer != rt.playerID {
			merged = append(merged, items[i])
		}
	}
	for i := range events {
		merged = append(merged, buildEventPayload(&events[i], rt.deps.Tables))
	}
	sort.Slice(merged, func(i, j int) bool { return merged[i].ID < merged[j].ID })
	return merged
}

func receiveIndex(p *EventPayload) int {
	if len(p.EventIdx) != 2 {
		return 0
	}
	return p.EventIdx[0]<<8 | p.EventIdx[1]
}

func dedupeByID(items []EventPayload) []EventPayload {
	seen := make(map[int64]bool, len(items))
	out := items[:0]
	for _, it := range items {
		if seen[it.ID] {
			continue
		}
		seen[it.ID] = true
		out = append(out, it)
	}
	return out
}

func (rt *runtime) handleMessage(ctx context.Context, frame []byte) {
	var msg inbound
	if err := json.Unmarshal(frame, &msg); err != nil {
		rt.log.Warn("malformed frame", zap.Error(err))
		return
	}

	switch msg.Type {
	case MsgPing:
		if err := rt.conn.WriteJSON(Envelope{Type: MsgPong}); err != nil {
			rt.log.Warn("pong send failed", zap.Error(err))
		}

	case MsgPauseReceiving:
		rt.handlePause(ctx, true)

	case MsgResumeReceive:
		rt.handlePause(ctx, false)

	case MsgChat:
		var text string
		if err := json.Unmarshal(msg.Data, &text); err != nil {
			rt.log.Warn("malformed chat payload", zap.Error(err))
			return
		}
		rt.handleChat(ctx, text)

	case MsgControl:
		var control controlPayload
		if err := json.Unmarshal(msg.Data, &control); err != nil {
			rt.log.Warn("malformed control payload", zap.Error(err))
			return
		}
		rt.handleControl(ctx, control)

	case MsgUpdateMemory:
		if rt.spectator {
			return
		}
		rt.handleUpdateMemory(ctx, msg.Data)

	default:
		rt.log.Warn("unknown message type", zap.String("type", msg.Type))
	}
}

func (rt *runtime) handlePause(ctx context.Context, pause bool) {
	if rt.spectator {
		return
	}
	eventType := persist.EventPauseReceive
	if !pause {
		eventType = persist.EventResumeReceive
	}
	ev := &persist.EventRow{
		SessionID:  rt.sess.ID,
		Type:       eventType,
		FromPlayer: rt.playerID,
		ToPlayer:   multiworld.Broadcast,
		ItemID:     -1,
		Location:   -1,
		EventData:  mustMarshal(map[string]any{"player_id": rt.playerID}),
	}
	if err := rt.deps.Router.Append(ctx, ev); err != nil {
		rt.log.Error("append pause event failed", zap.Error(err))
		return
	}
	if !rt.sess.Flags().PauseReceiving {
		return
	}
	rt.paused = pause
	if !pause && len(rt.withheld) > 0 {
		rt.items = append(rt.items, rt.withheld...)
		rt.withheld = nil
	}
}

func (rt *runtime) handleChat(ctx context.Context, text string) {
	text = multiworld.SanitizeChat(text, rt.deps.Session.ChatMessageLimit)
	if text == "" {
		return
	}
	isCommand := text[0] == '/'
	// Only the two real commands are exempt from the chat gate; an
	// unknown slash message is still just chat.
	knownCommand := text == "/missing" || text == "/countdown" ||
		strings.HasPrefix(text, "/countdown ")
	flags := rt.sess.Flags()

	if !flags.Chat && !knownCommand {
		if err := rt.deps.Router.SystemChat(ctx, rt.sess,
			"Chat is disabled in this session", "chat", rt.playerID); err != nil {
			rt.log.Error("system chat failed", zap.Error(err))
		}
		return
	}

	ev := &persist.EventRow{
		SessionID:  rt.sess.ID,
		Type:       persist.EventChat,
		FromPlayer: rt.playerID,
		ToPlayer:   multiworld.Broadcast,
		ItemID:     -1,
		Location:   -1,
		EventData:  mustMarshal(map[string]any{"message": text, "type": "chat"}),
	}
	if err := rt.deps.Router.Append(ctx, ev); err != nil {
		rt.log.Error("append chat failed", zap.Error(err))
		return
	}

	if isCommand {
		rt.handleCommand(ctx, text)
	}
}

func (rt *runtime) handleCommand(ctx context.Context, text string) {
	if seconds, ok := multiworld.ParseCountdown(text, rt.deps.Session.CountdownDefault); ok {
		rt.startCountdown(ctx, seconds)
		return
	}
	switch text {
	case "/missing":
		rt.handleMissing(ctx)
	default:
		if err := rt.conn.WriteJSON(Envelope{Type: MsgChat, Data: "Unknown command"}); err != nil {
			rt.log.Warn("chat send failed", zap.Error(err))
		}
	}
}

func (rt *runtime) startCountdown(ctx context.Context, seconds int) {
	if seconds > rt.deps.Session.CountdownMax {
		if err := rt.deps.Router.SystemChat(ctx, rt.sess,
			"Time too high, max is 60 seconds", "chat", rt.playerID); err != nil {
			rt.log.Error("system chat failed", zap.Error(err))
		}
		return
	}
	if seconds < 0 {
		if err := rt.deps.Router.SystemChat(ctx, rt.sess,
			"Invalid time value.", "chat", rt.playerID); err != nil {
			rt.log.Error("system chat failed", zap.Error(err))
		}
		return
	}
	// Detached: the count continues even if this connection drops.
	go func() {
		cdCtx, cancel := context.WithTimeout(context.Background(),
			time.Duration(seconds+5)*time.Second)
		defer cancel()
		if err := rt.deps.Router.Countdown(cdCtx, rt.sess, seconds); err != nil {
			rt.log.Error("countdown failed", zap.Error(err))
		}
	}()
}

func (rt *runtime) handleMissing(ctx context.Context) {
	if !rt.sess.Flags().MissingCmd {
		if err := rt.deps.Router.SystemChat(ctx, rt.sess,
			"The /missing command is disabled in this session", "chat", rt.playerID); err != nil {
			rt.log.Error("system chat failed", zap.Error(err))
		}
		return
	}
	found, err := rt.deps.Events.NewItemsFromPlayer(ctx, rt.sess.ID, rt.playerID)
	if err != nil {
		rt.log.Error("load found locations failed", zap.Error(err))
		return
	}
	remaining := make(map[int]bool)
	for _, loc := range rt.sess.Data.PlayerLocations(rt.playerID) {
		remaining[loc] = true
	}
	for _, loc := range found {
		delete(remaining, loc)
	}

	if err := rt.deps.Router.SystemChat(ctx, rt.sess,
		"Missing locations:", "chat", rt.playerID); err != nil {
		rt.log.Error("system chat failed", zap.Error(err))
		return
	}
	for loc := range remaining {
		name, ok := rt.deps.Tables.LocationName(loc)
		if !ok {
			continue
		}
		if err := rt.deps.Router.SystemChat(ctx, rt.sess,
			"    "+name, "chat", rt.playerID); err != nil {
			rt.log.Error("system chat failed", zap.Error(err))
			return
		}
	}
}

func (rt *runtime) handleControl(ctx context.Context, control controlPayload) {
	switch control.Type {
	case "kick":
		rt.handleKick(ctx, control.PlayerID)
	default:
		rt.log.Warn("unknown control command", zap.String("command", control.Type))
	}
}

func (rt *runtime) handleKick(ctx context.Context, victim int) {
	if rt.user == nil || (!rt.user.IsSuperuser && !rt.sess.IsOwner(rt.user.ID)) {
		rt.log.Warn("kick denied", zap.Int("victim", victim))
		return
	}
	ev := &persist.EventRow{
		SessionID:  rt.sess.ID,
		Type:       persist.EventPlayerKicked,
		FromPlayer: rt.playerID,
		ToPlayer:   victim,
		ItemID:     -1,
		Location:   -1,
		EventData:  mustMarshal(map[string]any{"player_id": victim}),
	}
	if err := rt.deps.Router.Append(ctx, ev); err != nil {
		rt.log.Error("append kick failed", zap.Error(err))
		return
	}

	// Give the victim a moment to close cleanly; if its join is still
	// the latest connection event afterwards, record the leave for it.
	deps, sess := rt.deps, rt.sess
	delay := rt.deps.Session.KickLeaveDelay
	go func() {
		time.Sleep(delay)
		bg, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		conn, err := deps.Events.ConnectionEvents(bg, sess.ID, victim)
		if err != nil {
			deps.Log.Error("kick sweep: connection events failed", zap.Error(err))
			return
		}
		if len(conn) == 0 || conn[0].Type != persist.EventPlayerJoin {
			return
		}
		leave := &persist.EventRow{
			SessionID:  sess.ID,
			Type:       persist.EventPlayerLeave,
			FromPlayer: victim,
			ToPlayer:   multiworld.Broadcast,
			ItemID:     -1,
			Location:   -1,
			EventData: mustMarshal(map[string]any{
				"player_id":   victim,
				"player_name": sess.Data.PlayerName(victim),
				"reason":      "kicked",
			}),
		}
		if err := deps.Router.Append(bg, leave); err != nil {
			deps.Log.Error("kick sweep: append leave failed", zap.Error(err))
		}
	}()
}

func (rt *runtime) handleUpdateMemory(ctx context.Context, raw []byte) {
	if rt.skipUpdate > 0 {
		rt.log.Debug("skipping update", zap.Int("remaining", rt.skipUpdate-1))
		rt.skipUpdate--
		return
	}

	var cur sram.Snapshot
	if err := json.Unmarshal(raw, &cur); err != nil {
		rt.log.Warn("malformed sram payload", zap.Error(err))
		return
	}

	curRaw, err := cur.MarshalJSON()
	if err != nil {
		rt.log.Error("encode sram failed", zap.Error(err))
		return
	}
	zeroed := cur.Zeroed()
	zeroedRaw, err := zeroed.MarshalJSON()
	if err != nil {
		rt.log.Error("encode sram failed", zap.Error(err))
		return
	}
	prevRaw, err := rt.deps.Srams.Rotate(ctx, rt.sess.ID, rt.playerID, curRaw, zeroedRaw)
	if err != nil {
		rt.log.Error("rotate sram failed", zap.Error(err))
		return
	}
	var prev sram.Snapshot
	if err := json.Unmarshal(prevRaw, &prev); err != nil {
		rt.log.Error("decode stored sram failed", zap.Error(err))
		return
	}

	frameTime, haveFrame := sram.FrameTime(cur)
	prevFrame, havePrev := sram.FrameTime(prev)

	var rechecks []string
	if haveFrame && havePrev && frameTime < prevFrame && rt.sess.Flags().Duping {
		rechecks = rt.invalidateAfterRewind(ctx, frameTime, cur, zeroed)
	}

	diff := sram.Compute(prev, cur)
	changed := sram.ChangedLocations(diff, prev, cur, rt.deps.Tables, rt.log)
	changed = append(changed, rechecks...)

	for _, name := range changed {
		locID, ok := rt.deps.Tables.LocationID(name)
		if !ok {
			continue
		}
		// A cached location only re-emits when duping is on and the
		// cached frame time is known to predate this one. Without
		// duping any cached entry blocks for good, voided or not.
		cached, have := rt.checked[locID]
		if have && (!rt.sess.Flags().Duping || cached == nil || *cached >= frameTime) {
			continue
		}
		ev, err := rt.deps.Router.RouteCheck(ctx, rt.sess, rt.playerID, name, frameTime)
		if err != nil {
			rt.log.Error("route check failed", zap.Error(err))
			continue
		}
		if ev != nil {
			ft := frameTime
			rt.checked[locID] = &ft
			rt.log.Info("new location checked",
				zap.String("location", name),
				zap.Int("location_id", locID))
		}
	}

	rt.catchUp(ctx, cur)
}

// invalidateAfterRewind handles a frame-time regression: the player
// reloaded an earlier save. Events recorded at or past the new frame
// time are voided, and any of their locations still set in the current
// snapshot re-emit with a fresh receive index.
func (rt *runtime) invalidateAfterRewind(ctx context.Context, frameTime int64, cur, zeroed sram.Snapshot) []string {
	rt.log.Debug("frame time went backwards, save scum or reset",
		zap.Int64("frame_time", frameTime))

	stale, err := rt.deps.Events.EventsAtOrAfterFrameTime(ctx, rt.sess.ID, rt.playerID, frameTime)
	if err != nil {
		rt.log.Error("load stale events failed", zap.Error(err))
		return nil
	}
	if len(stale) == 0 {
		return nil
	}
	ids := make([]int64, 0, len(stale))
	for i := range stale {
		ids = append(ids, stale[i].ID)
		delete(rt.checked, stale[i].Location)
	}
	if err := rt.deps.Events.ClearFrameTime(ctx, ids); err != nil {
		rt.log.Error("clear frame time failed", zap.Error(err))
	}

	// Diffing against a zeroed snapshot reveals everything set in the
	// current one; the intersection with the voided events is what the
	// reloaded save still has checked.
	stillSet := make(map[string]bool)
	for _, name := range sram.ChangedLocations(sram.Compute(zeroed, cur), zeroed, cur, rt.deps.Tables, rt.log) {
		stillSet[name] = true
	}
	var rechecks []string
	for i := range stale {
		name, ok := rt.deps.Tables.LocationName(stale[i].Location)
		if !ok {
			continue
		}
		if stillSet[name] {
			rechecks = append(rechecks, name)
		}
	}
	return rechecks
}

// catchUp compares the client's receive cursor against the store and
// queues every delivery past it.
func (rt *runtime) catchUp(ctx context.Context, cur sram.Snapshot) {
	rt.lastDelivered = sram.LastDelivered(cur)
	events, err := rt.deps.Events.ItemsForPlayerFromOthers(ctx, rt.sess.ID, rt.playerID, rt.lastDelivered)
	if err != nil {
		rt.log.Error("catch-up fetch failed", zap.Error(err))
		return
	}
	for i := range events {
		rt.log.Info("resending delivery",
			zap.Int64("event_id", events[i].ID),
			zap.Int("from", events[i].FromPlayer))
		rt.items = append(rt.items, buildEventPayload(&events[i], rt.deps.Tables))
	}
}

func (rt *runtime) disconnect(ctx context.Context) {
	if rt.spectator {
		return
	}
	ev := &persist.EventRow{
		SessionID:  rt.sess.ID,
		Type:       persist.EventPlayerLeave,
		FromPlayer: rt.playerID,
		ToPlayer:   multiworld.Broadcast,
		ItemID:     -1,
		Location:   -1,
		EventData: mustMarshal(map[string]any{
			"player_id":   rt.playerID,
			"player_name": rt.playerName,
		}),
	}
	if err := rt.deps.Router.Append(ctx, ev); err != nil {
		rt.log.Error("append leave failed", zap.Error(err))
	}
	rt.log.Info("connection left")
}
