package hub

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"

	"github.com/immurray/tkLiveWebSocket/internal/domain"
)

const (
	sendBufferSize = 16
	writeTimeout   = 5 * time.Second
	pingInterval   = 30 * time.Second
)

// clientWriter owns all writes to one subscriber connection. Everything
// the subscriber receives goes through its send channel, so concurrent
// broadcasts and handler replies never race on the socket.
type clientWriter struct {
	id     uuid.UUID
	conn   *websocket.Conn
	sendCh chan []byte
	done   chan struct{}
	dead   chan struct{}
	clock  clockwork.Clock

	stopOnce sync.Once
}

func newClientWriter(conn *websocket.Conn, clock clockwork.Clock) *clientWriter {
	cw := &clientWriter{
		id:     uuid.New(),
		conn:   conn,
		sendCh: make(chan []byte, sendBufferSize),
		done:   make(chan struct{}),
		dead:   make(chan struct{}),
		clock:  clock,
	}
	go cw.run()
	return cw
}

func (cw *clientWriter) run() {
	pings := cw.clock.NewTicker(pingInterval)
	defer pings.Stop()
	defer close(cw.dead)
	defer cw.conn.Close()

	for {
		select {
		case msg := <-cw.sendCh:
			cw.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := cw.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				slog.Debug("subscriber write failed", "subscriber", cw.id, "error", err)
				return
			}

		case <-pings.Chan():
			cw.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := cw.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case <-cw.done:
			cw.drain()
			deadline := time.Now().Add(writeTimeout)
			_ = cw.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
			return
		}
	}
}

// drain writes whatever is still queued when the pump stops. A stop that
// races a just-queued payload (an error object, the closing reply) must
// not lose it: the subscriber has to see its final frames before the
// close frame.
func (cw *clientWriter) drain() {
	for {
		select {
		case msg := <-cw.sendCh:
			cw.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := cw.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		default:
			return
		}
	}
}

// send queues data without blocking. A full buffer means the subscriber
// is too slow to keep up; a dead pump means the socket already failed.
func (cw *clientWriter) send(data []byte) error {
	select {
	case <-cw.dead:
		return &domain.DeliveryFailure{Subscriber: cw.id.String(), Stale: true}
	default:
	}

	select {
	case cw.sendCh <- data:
		return nil
	default:
		return &domain.DeliveryFailure{Subscriber: cw.id.String(), Cause: errSendBufferFull}
	}
}

func (cw *clientWriter) stop() {
	cw.stopOnce.Do(func() { close(cw.done) })
}

// Subscriber is the handle a websocket handler uses to push messages to
// its own client through the room's writer pump.
type Subscriber struct {
	ID     uuid.UUID
	RoomID string

	cw *clientWriter
}

// Send queues raw bytes for delivery to this subscriber.
func (s *Subscriber) Send(data []byte) error {
	return s.cw.send(data)
}

// SendJSON marshals v and queues it for delivery.
func (s *Subscriber) SendJSON(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal subscriber payload: %w", err)
	}
	return s.cw.send(data)
}
