// Package hub groups downstream websocket subscribers by room and fans
// decoded upstream messages out to them. Each room owns at most one
// upstream connector; rooms are created on first join and torn down when
// the last subscriber leaves or the reaper finds them idle.
package hub

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"

	"github.com/immurray/tkLiveWebSocket/internal/domain"
	"github.com/immurray/tkLiveWebSocket/internal/metrics"
	"github.com/immurray/tkLiveWebSocket/internal/platform/backoff"
	"github.com/immurray/tkLiveWebSocket/internal/platform/logging"
	"github.com/immurray/tkLiveWebSocket/internal/upstream"
)

const (
	maxStreamCycles   = 3
	maxFailureDetail  = 200
	lifecycleStopWait = 5 * time.Second
)

var errSendBufferFull = errors.New("send buffer full")

// Upstream is the slice of the connector the hub drives. Tests substitute
// fakes; production wires upstream.Connector through a ConnectorFactory.
type Upstream interface {
	Stream(ctx context.Context, uri string) error
	Open() bool
	Close()
}

// ConnectorFactory builds the upstream connector for one room. The
// deliver callback is how decoded messages reach the room's subscribers.
type ConnectorFactory func(roomID string, deliver upstream.DeliverFunc) Upstream

type room struct {
	id string

	mu          sync.Mutex
	subscribers map[*websocket.Conn]*clientWriter
	connector   Upstream
	cancel      context.CancelFunc
	done        chan struct{}
	lastActive  time.Time
}

// Hub is the room registry. The registry lock guards only the rooms map;
// each room carries its own lock, so activity in one room never blocks
// another. Lock order is always registry before room.
type Hub struct {
	newConnector ConnectorFactory
	clock        clockwork.Clock
	cycleDelay   func(domain.FailureClass, int) time.Duration

	mu    sync.RWMutex
	rooms map[string]*room
}

// New creates an empty hub.
func New(factory ConnectorFactory, clock clockwork.Clock) *Hub {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Hub{
		newConnector: factory,
		clock:        clock,
		cycleDelay:   backoff.Cycle,
		rooms:        make(map[string]*room),
	}
}

// Join adds a subscriber connection to a room, creating the room if it
// does not exist yet. The returned handle is the only way the caller may
// write to the connection.
func (h *Hub) Join(roomID string, conn *websocket.Conn) *Subscriber {
	cw := newClientWriter(conn, h.clock)

	h.mu.Lock()
	r, ok := h.rooms[roomID]
	if !ok {
		r = &room{
			id:          roomID,
			subscribers: make(map[*websocket.Conn]*clientWriter),
		}
		h.rooms[roomID] = r
		metrics.RoomsActive.Set(float64(len(h.rooms)))
		slog.Info("room created", "room_id", roomID)
	}
	r.mu.Lock()
	h.mu.Unlock()

	r.subscribers[conn] = cw
	r.lastActive = h.clock.Now()
	n := len(r.subscribers)
	r.mu.Unlock()

	metrics.Subscribers.Inc()
	slog.Info("subscriber joined", "room_id", roomID, "subscriber", cw.id, "subscribers", n)
	return &Subscriber{ID: cw.id, RoomID: roomID, cw: cw}
}

// Leave removes a subscriber from its room. When the last subscriber
// leaves, the room and its upstream connection are torn down.
func (h *Hub) Leave(roomID string, conn *websocket.Conn) {
	h.mu.RLock()
	r := h.rooms[roomID]
	h.mu.RUnlock()
	if r == nil {
		return
	}

	r.mu.Lock()
	cw, ok := r.subscribers[conn]
	if !ok {
		r.mu.Unlock()
		return
	}
	delete(r.subscribers, conn)
	remaining := len(r.subscribers)
	r.mu.Unlock()

	cw.stop()
	metrics.Subscribers.Dec()
	slog.Info("subscriber left", "room_id", roomID, "subscriber", cw.id, "remaining", remaining)

	if remaining == 0 {
		h.release(roomID, r)
	}
}

// release removes an emptied room from the registry unless a new
// subscriber slipped in since the emptiness was observed.
func (h *Hub) release(roomID string, r *room) {
	h.mu.Lock()
	if h.rooms[roomID] != r {
		h.mu.Unlock()
		return
	}
	r.mu.Lock()
	if len(r.subscribers) > 0 {
		r.mu.Unlock()
		h.mu.Unlock()
		return
	}
	delete(h.rooms, roomID)
	metrics.RoomsActive.Set(float64(len(h.rooms)))
	cancel, connector, done := r.detachLocked()
	r.mu.Unlock()
	h.mu.Unlock()

	h.teardown(roomID, cancel, connector, done)
	slog.Info("room released", "room_id", roomID)
}

// detachLocked strips the lifecycle handles from the room so exactly one
// caller tears them down. Callers must hold r.mu.
func (r *room) detachLocked() (context.CancelFunc, Upstream, chan struct{}) {
	cancel, connector, done := r.cancel, r.connector, r.done
	r.cancel, r.connector, r.done = nil, nil, nil
	return cancel, connector, done
}

// teardown closes the upstream connection, cancels the lifecycle task and
// waits a bounded time for it to stop. Never called under a lock.
func (h *Hub) teardown(roomID string, cancel context.CancelFunc, connector Upstream, done chan struct{}) {
	if connector != nil {
		connector.Close()
	}
	if cancel != nil {
		cancel()
	}
	if done != nil {
		select {
		case <-done:
		case <-time.After(lifecycleStopWait):
			slog.Warn("room lifecycle did not stop in time", "room_id", roomID)
		}
	}
}

// RoomActive reports whether the room has a live upstream connection.
func (h *Hub) RoomActive(roomID string) bool {
	h.mu.RLock()
	r := h.rooms[roomID]
	h.mu.RUnlock()
	if r == nil {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.connector != nil && r.connector.Open()
}

// SubscriberCount returns the number of subscribers in a room.
func (h *Hub) SubscriberCount(roomID string) int {
	h.mu.RLock()
	r := h.rooms[roomID]
	h.mu.RUnlock()
	if r == nil {
		return 0
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.subscribers)
}

// Activate starts the room's upstream lifecycle against uri. If the room
// already streams over a live connection this is a no-op; a stale
// connector is replaced transparently.
func (h *Hub) Activate(roomID, uri string) {
	h.mu.RLock()
	r := h.rooms[roomID]
	h.mu.RUnlock()
	if r == nil {
		slog.Warn("cannot activate unknown room", "room_id", roomID)
		return
	}

	r.mu.Lock()
	if r.connector != nil && r.connector.Open() {
		r.mu.Unlock()
		slog.Debug("room already streaming", "room_id", roomID)
		return
	}
	staleCancel, staleConnector, staleDone := r.detachLocked()

	ctx, cancel := context.WithCancel(context.Background())
	connector := h.newConnector(roomID, func(ctx context.Context, payload string) error {
		h.Broadcast(roomID, payload)
		return nil
	})
	done := make(chan struct{})
	r.connector, r.cancel, r.done = connector, cancel, done
	r.mu.Unlock()

	if staleConnector != nil {
		slog.Info("replacing stale upstream connection", "room_id", roomID,
			"error", domain.ErrUpstreamStale)
		go h.teardown(roomID, staleCancel, staleConnector, staleDone)
	}

	go h.runLifecycle(ctx, roomID, uri, connector, done)
}

// runLifecycle drives up to three connect-and-stream cycles. On
// exhaustion the subscribers receive a terminal error payload and the
// room stays up so they can decide whether to reconnect.
func (h *Hub) runLifecycle(ctx context.Context, roomID, uri string, connector Upstream, done chan struct{}) {
	defer close(done)
	ctx = logging.WithRoom(ctx, roomID)

	slog.InfoContext(ctx, "room lifecycle started")

	err := backoff.Retry(ctx, maxStreamCycles, func(err error, attempt int) time.Duration {
		class := domain.FailureClassOf(err)
		delay := h.cycleDelay(class, attempt)
		metrics.UpstreamReconnects.Inc()
		slog.WarnContext(ctx, "stream cycle failed, retrying",
			"cycle", attempt, "max_cycles", maxStreamCycles,
			"class", string(class), "delay", delay, "error", err)
		return delay
	}, func() error {
		return connector.Stream(ctx, uri)
	})

	if err != nil && ctx.Err() == nil {
		slog.ErrorContext(ctx, "room lifecycle exhausted its retry budget", "error", err)
		h.announceFailure(roomID, err)
	}

	// Detach only if we are still the room's current lifecycle; a
	// replacement may already be running. Never wait on our own done
	// channel here.
	h.mu.RLock()
	r := h.rooms[roomID]
	h.mu.RUnlock()
	if r != nil {
		r.mu.Lock()
		current := r.done == done
		if current {
			r.connector, r.cancel, r.done = nil, nil, nil
		}
		empty := len(r.subscribers) == 0
		r.mu.Unlock()

		// A room with no subscribers and no lifecycle has nothing left
		// to do; release it now instead of waiting for the reaper.
		if current && empty {
			h.release(roomID, r)
		}
	}

	slog.InfoContext(ctx, "room lifecycle finished")
}

// announceFailure tells every subscriber the upstream is gone for good
// this cycle. The payload mirrors what relayed messages look like so
// clients handle it on the same path.
func (h *Hub) announceFailure(roomID string, err error) {
	class := domain.FailureClassOf(err)
	detail := err.Error()
	if len(detail) > maxFailureDetail {
		detail = detail[:maxFailureDetail]
	}

	message := "Live stream connection failed"
	suggestion := "Please try again later"
	if class == domain.FailureNetwork {
		message = "Network connection to the live stream failed"
		suggestion = "Check the network or proxy settings and reconnect"
	}

	payload, err := json.Marshal(map[string]any{
		"error":      message,
		"detail":     detail,
		"suggestion": suggestion,
		"reconnect":  true,
	})
	if err != nil {
		slog.Error("failed to marshal failure payload", "room_id", roomID, "error", err)
		return
	}
	h.Broadcast(roomID, string(payload))
}

// Broadcast fans payload out to every subscriber in the room. An empty
// payload is a no-op. Slow and stale subscribers are pruned; their
// siblings are unaffected. A room emptied by pruning is left for the
// reaper.
func (h *Hub) Broadcast(roomID, payload string) {
	if payload == "" {
		return
	}
	h.mu.RLock()
	r := h.rooms[roomID]
	h.mu.RUnlock()
	if r == nil {
		return
	}

	r.mu.Lock()
	r.lastActive = h.clock.Now()
	targets := make(map[*websocket.Conn]*clientWriter, len(r.subscribers))
	for conn, cw := range r.subscribers {
		targets[conn] = cw
	}
	r.mu.Unlock()

	data := []byte(payload)
	var pruned []*websocket.Conn
	for conn, cw := range targets {
		err := cw.send(data)
		if err == nil {
			metrics.BroadcastDeliveries.WithLabelValues("ok").Inc()
			continue
		}
		metrics.BroadcastDeliveries.WithLabelValues("failed").Inc()

		var df *domain.DeliveryFailure
		if errors.As(err, &df) && df.Stale {
			slog.Debug("dropping stale subscriber", "room_id", roomID, "subscriber", df.Subscriber)
		} else {
			slog.Warn("dropping slow subscriber", "room_id", roomID, "error", err)
		}
		pruned = append(pruned, conn)
	}

	if len(pruned) == 0 {
		return
	}
	r.mu.Lock()
	for _, conn := range pruned {
		if cw, ok := r.subscribers[conn]; ok {
			cw.stop()
			delete(r.subscribers, conn)
			metrics.Subscribers.Dec()
		}
	}
	r.mu.Unlock()
}

// ReapIdle removes every room that has no subscribers and has seen no
// activity since cutoff. Returns the number of rooms reaped.
func (h *Hub) ReapIdle(cutoff time.Time) int {
	type victim struct {
		id        string
		cancel    context.CancelFunc
		connector Upstream
		done      chan struct{}
	}

	h.mu.Lock()
	var victims []victim
	for id, r := range h.rooms {
		r.mu.Lock()
		if len(r.subscribers) > 0 || r.lastActive.After(cutoff) {
			r.mu.Unlock()
			continue
		}
		delete(h.rooms, id)
		cancel, connector, done := r.detachLocked()
		r.mu.Unlock()
		victims = append(victims, victim{id: id, cancel: cancel, connector: connector, done: done})
	}
	metrics.RoomsActive.Set(float64(len(h.rooms)))
	h.mu.Unlock()

	for _, v := range victims {
		h.teardown(v.id, v.cancel, v.connector, v.done)
		metrics.RoomsReaped.Inc()
		slog.Info("idle room reaped", "room_id", v.id)
	}
	return len(victims)
}

// TeardownAll force-closes every room. Used on shutdown.
func (h *Hub) TeardownAll() {
	h.mu.Lock()
	rooms := h.rooms
	h.rooms = make(map[string]*room)
	h.mu.Unlock()
	metrics.RoomsActive.Set(0)

	for id, r := range rooms {
		r.mu.Lock()
		for conn, cw := range r.subscribers {
			cw.stop()
			delete(r.subscribers, conn)
			metrics.Subscribers.Dec()
		}
		cancel, connector, done := r.detachLocked()
		r.mu.Unlock()

		h.teardown(id, cancel, connector, done)
		slog.Info("room torn down", "room_id", id)
	}
}
