// Package realtime carries offers, decisions, presence signals and lead
// broadcasts over one websocket connection per logged-in agent.
package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"lead_routing_backend/internal/routing/engine"
	"lead_routing_backend/platform/httpkit"
	"lead_routing_backend/platform/logger"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

var (
	ErrNotConnected = errors.New("agent not connected")
	ErrSlowConsumer = errors.New("agent send buffer full")
)

const (
	sendBuffer   = 64
	writeTimeout = 5 * time.Second
	readLimit    = 64 << 10
)

// Decider applies agent decisions. The engine implements it.
type Decider interface {
	Accept(ctx context.Context, leadID, agentID uuid.UUID) error
	Reject(ctx context.Context, leadID, agentID uuid.UUID) error
	PendingFor(agentID uuid.UUID) []engine.OfferNotice
}

// Presence receives connection lifecycle and liveness signals.
type Presence interface {
	OnConnect(ctx context.Context, agentID uuid.UUID)
	OnDisconnect(ctx context.Context, agentID uuid.UUID)
	OnHeartbeat(ctx context.Context, agentID uuid.UUID)
	MarkIdle(ctx context.Context, agentID uuid.UUID)
	MarkActive(ctx context.Context, agentID uuid.UUID)
}

type Options struct {
	SupervisorRoles []string
	OriginPatterns  []string
	AllowAnyOrigin  bool
}

// clientConn tracks a single websocket connection.
type clientConn struct {
	id         uint64
	agentID    uuid.UUID
	supervisor bool
	ws         *websocket.Conn
	sendCh     chan Frame
	done       chan struct{}
	closeOnce  sync.Once
}

func (cc *clientConn) close() {
	cc.closeOnce.Do(func() { close(cc.done) })
}

// enqueue never blocks.
func (cc *clientConn) enqueue(f Frame) bool {
	select {
	case <-cc.done:
		return false
	default:
	}
	select {
	case cc.sendCh <- f:
		return true
	default:
		return false
	}
}

type Hub struct {
	presence Presence
	log      *logger.Logger
	opts     Options

	decider atomic.Pointer[deciderBox]
	nextID  atomic.Uint64

	mu    sync.RWMutex
	conns map[uuid.UUID]map[uint64]*clientConn
}

type deciderBox struct{ Decider }

func NewHub(presence Presence, log *logger.Logger, opts Options) *Hub {
	return &Hub{
		presence: presence,
		log:      log,
		opts:     opts,
		conns:    make(map[uuid.UUID]map[uint64]*clientConn),
	}
}

// SetDecider wires the engine after construction; the engine itself needs
// the hub as its notifier.
func (h *Hub) SetDecider(d Decider) {
	h.decider.Store(&deciderBox{d})
}

// Handler upgrades an authenticated gin request.
func (h *Hub) Handler() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := httpkit.MustGetIdentity(c)
		if id == nil {
			return
		}
		h.Serve(c.Writer, c.Request, id)
	}
}

// Serve runs one connection until it closes.
func (h *Hub) Serve(w http.ResponseWriter, r *http.Request, id httpkit.Identity) {
	log := h.log.WithContext(r.Context())
	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns:     h.opts.OriginPatterns,
		InsecureSkipVerify: h.opts.AllowAnyOrigin,
	})
	if err != nil {
		log.Warn("websocket accept failed", "error", err)
		return
	}
	ws.SetReadLimit(readLimit)

	cc := &clientConn{
		id:         h.nextID.Add(1),
		agentID:    id.UserID(),
		supervisor: h.isSupervisor(id.Roles()),
		ws:         ws,
		sendCh:     make(chan Frame, sendBuffer),
		done:       make(chan struct{}),
	}

	ctx := context.WithoutCancel(r.Context())
	h.register(cc)
	log.Info("realtime client connected", "conn_id", cc.id, "agentId", cc.agentID, "supervisor", cc.supervisor)

	go h.writeLoop(cc)

	if ready, err := newFrame(EventSessionReady, sessionReady{AgentID: cc.agentID, Supervisor: cc.supervisor}); err == nil {
		cc.enqueue(ready)
	}
	// Replay precedes OnConnect so offers opened by the agent coming online
	// are not sent twice.
	h.replayPending(cc)
	h.presence.OnConnect(ctx, cc.agentID)

	h.readLoop(r.Context(), cc)

	cc.close()
	h.unregister(cc)
	ws.Close(websocket.StatusNormalClosure, "")
	h.presence.OnDisconnect(ctx, cc.agentID)
	log.Info("realtime client disconnected", "conn_id", cc.id, "agentId", cc.agentID)
}

func (h *Hub) isSupervisor(roles []string) bool {
	for _, role := range roles {
		if slices.Contains(h.opts.SupervisorRoles, role) {
			return true
		}
	}
	return false
}

func (h *Hub) register(cc *clientConn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	set, ok := h.conns[cc.agentID]
	if !ok {
		set = make(map[uint64]*clientConn)
		h.conns[cc.agentID] = set
	}
	set[cc.id] = cc
}

func (h *Hub) unregister(cc *clientConn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	set := h.conns[cc.agentID]
	delete(set, cc.id)
	if len(set) == 0 {
		delete(h.conns, cc.agentID)
	}
}

func (h *Hub) replayPending(cc *clientConn) {
	box := h.decider.Load()
	if box == nil {
		return
	}
	for _, notice := range box.PendingFor(cc.agentID) {
		if f, err := newFrame(EventLeadOffered, notice); err == nil {
			cc.enqueue(f)
		}
	}
}

func (h *Hub) readLoop(ctx context.Context, cc *clientConn) {
	for {
		select {
		case <-cc.done:
			return
		default:
		}

		var frame Frame
		if err := wsjson.Read(ctx, cc.ws, &frame); err != nil {
			return
		}
		h.dispatch(ctx, cc, frame)
	}
}

func (h *Hub) writeLoop(cc *clientConn) {
	for {
		select {
		case <-cc.done:
			return
		case frame := <-cc.sendCh:
			ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
			err := wsjson.Write(ctx, cc.ws, frame)
			cancel()
			if err != nil {
				cc.close()
				cc.ws.Close(websocket.StatusInternalError, "write failed")
				return
			}
		}
	}
}

func (h *Hub) dispatch(ctx context.Context, cc *clientConn, frame Frame) {
	switch frame.Event {
	case EventPresenceHeartbeat:
		h.presence.OnHeartbeat(ctx, cc.agentID)
	case EventPresenceActive:
		h.presence.MarkActive(ctx, cc.agentID)
	case EventPresenceIdle:
		h.presence.MarkIdle(ctx, cc.agentID)
	case EventLeadAccept, EventLeadReject:
		h.decide(ctx, cc, frame)
	default:
		if f, err := newFrame(EventError, map[string]string{"error": "unknown event", "event": frame.Event}); err == nil {
			cc.enqueue(f)
		}
	}
}

func (h *Hub) decide(ctx context.Context, cc *clientConn, frame Frame) {
	ack := Ack{Event: frame.Event}
	defer func() {
		if f, err := newFrame(EventAck, ack); err == nil {
			cc.enqueue(f)
		}
	}()

	var payload decisionPayload
	if err := json.Unmarshal(frame.Data, &payload); err != nil {
		ack.Status, ack.Error = AckError, "invalid payload"
		return
	}
	ack.LeadID = payload.LeadID
	leadID, err := uuid.Parse(payload.LeadID)
	if err != nil {
		ack.Status, ack.Error = AckError, "invalid leadId"
		return
	}
	box := h.decider.Load()
	if box == nil {
		ack.Status, ack.Error = AckError, "routing unavailable"
		return
	}

	if frame.Event == EventLeadAccept {
		err = box.Accept(ctx, leadID, cc.agentID)
	} else {
		err = box.Reject(ctx, leadID, cc.agentID)
	}

	switch {
	case err == nil:
		ack.Status = AckApplied
	case errors.Is(err, engine.ErrStaleDecision):
		ack.Status = AckIgnored
	case errors.Is(err, engine.ErrNotYourOffer):
		ack.Status = AckNotYourOffer
	default:
		ack.Status, ack.Error = AckError, err.Error()
	}
}

func (h *Hub) snapshot(filter func(*clientConn) bool) []*clientConn {
	h.mu.RLock()
	defer h.mu.RUnlock()
	var out []*clientConn
	for _, set := range h.conns {
		for _, cc := range set {
			if filter(cc) {
				out = append(out, cc)
			}
		}
	}
	return out
}

// NotifyOffer sends lead:offered to every connection of agentID.
func (h *Hub) NotifyOffer(_ context.Context, agentID uuid.UUID, notice engine.OfferNotice) error {
	targets := h.snapshot(func(cc *clientConn) bool { return cc.agentID == agentID })
	if len(targets) == 0 {
		return ErrNotConnected
	}
	frame, err := newFrame(EventLeadOffered, notice)
	if err != nil {
		return err
	}
	delivered := 0
	for _, cc := range targets {
		if cc.enqueue(frame) {
			delivered++
		}
	}
	if delivered == 0 {
		return ErrSlowConsumer
	}
	return nil
}

// BroadcastLeadChanged sends lead:changed to every supervisor connection.
func (h *Hub) BroadcastLeadChanged(_ context.Context, change engine.LeadChange) {
	frame, err := newFrame(EventLeadChanged, change)
	if err != nil {
		h.log.Error("encode lead change failed", "leadId", change.Lead.ID, "error", err)
		return
	}
	for _, cc := range h.snapshot(func(cc *clientConn) bool { return cc.supervisor }) {
		if !cc.enqueue(frame) {
			h.log.Warn("realtime: dropped lead change for slow client", "conn_id", cc.id)
		}
	}
}

// BroadcastAlert sends alert:received to every connection.
func (h *Hub) BroadcastAlert(_ context.Context, alert Alert) int {
	frame, err := newFrame(EventAlertReceived, alert)
	if err != nil {
		return 0
	}
	sent := 0
	for _, cc := range h.snapshot(func(*clientConn) bool { return true }) {
		if cc.enqueue(frame) {
			sent++
		}
	}
	return sent
}

// ConnectedAgents returns the number of agents with at least one connection.
func (h *Hub) ConnectedAgents() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns)
}

// Close drops every connection.
func (h *Hub) Close() {
	for _, cc := range h.snapshot(func(*clientConn) bool { return true }) {
		cc.close()
		cc.ws.Close(websocket.StatusGoingAway, "server shutting down")
	}
}

var _ engine.Notifier = (*Hub)(nil)
