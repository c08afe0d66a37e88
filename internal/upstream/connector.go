// Package upstream owns the outbound websocket connection to the live
// source for one room: connect-with-retry, the receive loop, frame
// decoding and ack replies. One connector serves exactly one room and is
// never shared.
package upstream

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"

	"github.com/immurray/tkLiveWebSocket/internal/dispatch"
	"github.com/immurray/tkLiveWebSocket/internal/domain"
	"github.com/immurray/tkLiveWebSocket/internal/metrics"
	"github.com/immurray/tkLiveWebSocket/internal/platform/backoff"
	"github.com/immurray/tkLiveWebSocket/internal/protocol"
)

const (
	maxConnectAttempts     = 5
	maxConsecutiveTimeouts = 3

	defaultReceiveTimeout    = 20 * time.Second
	defaultHeartbeatInterval = 10 * time.Second
	forceCloseTimeout        = 2 * time.Second
	writeTimeout             = 5 * time.Second
)

// State is the connector's connection state.
type State int32

const (
	Disconnected State = iota
	Connecting
	Connected
	Closing
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Closing:
		return "closing"
	default:
		return "unknown"
	}
}

// TerminalReason is how a receive loop ended.
type TerminalReason string

const (
	ReasonClosed TerminalReason = "closed"
	ReasonError  TerminalReason = "error"
)

// DeliverFunc hands one decoded message to the owner for broadcast.
type DeliverFunc func(ctx context.Context, payload string) error

// Config configures a Connector.
type Config struct {
	Headers           http.Header
	Cookie            string
	Proxy             *url.URL
	ReceiveTimeout    time.Duration
	HeartbeatInterval time.Duration
	Dispatcher        *dispatch.Dispatcher
	Deliver           DeliverFunc
	Clock             clockwork.Clock
}

// Connector is the upstream websocket client for one room.
type Connector struct {
	headers           http.Header
	cookie            string
	proxy             *url.URL
	receiveTimeout    time.Duration
	heartbeatInterval time.Duration
	dispatcher        *dispatch.Dispatcher
	deliver           DeliverFunc
	clock             clockwork.Clock
	dialBackoff       func(domain.FailureClass, int) time.Duration

	mu    sync.Mutex
	state State
	conn  *websocket.Conn

	writeMu sync.Mutex
}

// New creates a disconnected connector.
func New(cfg Config) *Connector {
	if cfg.ReceiveTimeout <= 0 {
		cfg.ReceiveTimeout = defaultReceiveTimeout
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = defaultHeartbeatInterval
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.Dispatcher == nil {
		cfg.Dispatcher = dispatch.New(nil)
	}
	return &Connector{
		headers:           cfg.Headers,
		cookie:            cfg.Cookie,
		proxy:             cfg.Proxy,
		receiveTimeout:    cfg.ReceiveTimeout,
		heartbeatInterval: cfg.HeartbeatInterval,
		dispatcher:        cfg.Dispatcher,
		deliver:           cfg.Deliver,
		clock:             cfg.Clock,
		dialBackoff:       backoff.Connect,
		state:             Disconnected,
	}
}

// State returns the current connection state.
func (c *Connector) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Open reports whether the underlying socket is connected and usable.
func (c *Connector) Open() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state == Connected && c.conn != nil
}

func (c *Connector) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

func (c *Connector) snapshot() (*websocket.Conn, State) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn, c.state
}

// connectTimeout grows with each attempt to give slow links a chance.
func connectTimeout(attempt int) time.Duration {
	return time.Duration(30+10*(attempt-1)) * time.Second
}

// Connect dials uri with up to five attempts, backing off between
// failures according to the failure class. On exhaustion it returns a
// ConnectionFailure carrying the class of the last error.
func (c *Connector) Connect(ctx context.Context, uri string) error {
	c.setState(Connecting)

	attempt := 0
	err := backoff.Retry(ctx, maxConnectAttempts, func(err error, n int) time.Duration {
		class := Classify(err)
		delay := c.dialBackoff(class, n)
		slog.Warn("websocket connect failed, retrying",
			"attempt", n, "max_attempts", maxConnectAttempts,
			"class", string(class), "delay", delay, "error", err)
		return delay
	}, func() error {
		attempt++
		conn, err := c.dial(ctx, uri, connectTimeout(attempt))
		if err != nil {
			return err
		}
		c.mu.Lock()
		c.conn = conn
		c.state = Connected
		c.mu.Unlock()
		return nil
	})
	if err != nil {
		c.setState(Disconnected)
		if errors.Is(err, context.Canceled) {
			return fmt.Errorf("connect cancelled: %w", err)
		}
		class := Classify(err)
		slog.Error("websocket connect failed permanently",
			"attempts", attempt, "class", string(class), "error", err)
		return &domain.ConnectionFailure{Class: class, Detail: err.Error(), Cause: err}
	}

	slog.Info("websocket connected", "attempts", attempt)
	return nil
}

func (c *Connector) dial(ctx context.Context, uri string, timeout time.Duration) (*websocket.Conn, error) {
	dialer := websocket.Dialer{HandshakeTimeout: timeout}
	if c.proxy != nil {
		dialer.Proxy = http.ProxyURL(c.proxy)
	}

	header := make(http.Header, len(c.headers)+1)
	for k, vs := range c.headers {
		header[k] = vs
	}
	if c.cookie != "" {
		header.Set("Cookie", c.cookie)
	}

	dialCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	conn, resp, err := dialer.DialContext(dialCtx, uri, header)
	if err != nil {
		if resp != nil && resp.StatusCode != http.StatusSwitchingProtocols {
			return nil, fmt.Errorf("handshake rejected with status %d: %w", resp.StatusCode, err)
		}
		return nil, err
	}
	return conn, nil
}

type inbound struct {
	data []byte
	err  error
}

// ReceiveLoop reads frames until the connection terminates. Three
// consecutive receive timeouts, a close frame or cancellation end the
// loop with "closed"; any other receive error ends it with "error". The
// socket is force-closed and the state is Disconnected on every exit
// path.
func (c *Connector) ReceiveLoop(ctx context.Context) TerminalReason {
	conn, _ := c.snapshot()
	if conn == nil {
		slog.Error("receive loop started without a connection")
		c.setState(Disconnected)
		return ReasonClosed
	}

	slog.Info("receive loop started", "receive_timeout", c.receiveTimeout)

	done := make(chan struct{})
	defer close(done)

	msgCh := make(chan inbound)
	go func() {
		for {
			_, data, err := conn.ReadMessage()
			select {
			case msgCh <- inbound{data: data, err: err}:
			case <-done:
				return
			}
			if err != nil {
				return
			}
		}
	}()

	heartbeats := c.clock.NewTicker(c.heartbeatInterval)
	defer heartbeats.Stop()

	timer := c.clock.NewTimer(c.receiveTimeout)
	defer timer.Stop()

	timeouts := 0
	for {
		select {
		case <-ctx.Done():
			slog.Info("receive loop cancelled")
			c.Close()
			return ReasonClosed

		case <-heartbeats.Chan():
			c.SendHeartbeat()

		case in := <-msgCh:
			if in.err != nil {
				return c.finish(in.err)
			}
			timeouts = 0
			c.onFrame(ctx, in.data)
			timer.Reset(c.receiveTimeout)

		case <-timer.Chan():
			timeouts++
			slog.Warn("receive timeout", "consecutive", timeouts, "max", maxConsecutiveTimeouts)
			if timeouts >= maxConsecutiveTimeouts {
				slog.Warn("closing connection after repeated receive timeouts")
				c.Close()
				return ReasonClosed
			}
			timer.Reset(c.receiveTimeout)
		}
	}
}

// finish maps a terminal receive error to the loop's exit reason. The
// distinction between close reasons is diagnostic only.
func (c *Connector) finish(err error) TerminalReason {
	defer c.Close()

	var closeErr *websocket.CloseError
	if errors.As(err, &closeErr) {
		switch closeErr.Code {
		case websocket.CloseNormalClosure, websocket.CloseGoingAway:
			slog.Info("upstream closed the connection", "code", closeErr.Code)
		case websocket.CloseInternalServerErr:
			slog.Warn("upstream closed with internal error", "reason", closeErr.Text)
		case websocket.ClosePolicyViolation:
			slog.Warn("upstream closed after ping timeout", "reason", closeErr.Text)
		default:
			slog.Warn("upstream closed abnormally", "code", closeErr.Code, "reason", closeErr.Text)
		}
		return ReasonClosed
	}

	slog.Error("receive failed", "error", err)
	return ReasonError
}

// Stream runs one full connect-and-stream cycle against uri. It returns
// an error only when the connect budget is exhausted; a receive loop
// that terminates, cleanly or not, ends the cycle without error.
func (c *Connector) Stream(ctx context.Context, uri string) error {
	if err := c.Connect(ctx, uri); err != nil {
		return err
	}
	reason := c.ReceiveLoop(ctx)
	slog.Info("stream cycle finished", "reason", string(reason))
	return nil
}

// onFrame decodes one push frame and fans its messages out through the
// deliver callback. Malformed frames are dropped. All deliveries for one
// frame run concurrently, but the next frame is not processed until every
// one of them has finished.
func (c *Connector) onFrame(ctx context.Context, data []byte) {
	frame, err := protocol.DecodePushFrame(data)
	if err != nil {
		metrics.FramesTotal.WithLabelValues("malformed").Inc()
		slog.Warn("dropping malformed push frame", "error", err)
		return
	}

	payload := protocol.DecompressPayload(frame.Payload)
	resp, err := protocol.DecodeResponse(payload)
	if err != nil {
		metrics.FramesTotal.WithLabelValues("malformed").Inc()
		slog.Warn("dropping frame with malformed payload", "logid", frame.LogID, "error", err)
		return
	}

	if resp.NeedAck {
		c.SendAck(frame.LogID, resp.InternalExt)
	}

	outputs := make([]string, 0, len(resp.Messages))
	for _, msg := range resp.Messages {
		if out, ok := c.dispatcher.Dispatch(msg.Method, msg.Payload); ok {
			outputs = append(outputs, out)
		}
	}
	metrics.FramesTotal.WithLabelValues("ok").Inc()

	if len(outputs) == 0 || c.deliver == nil {
		return
	}

	var wg sync.WaitGroup
	for _, out := range outputs {
		wg.Add(1)
		go func(payload string) {
			defer wg.Done()
			if err := c.deliver(ctx, payload); err != nil {
				slog.Error("broadcast delivery failed", "error", err)
			}
		}(out)
	}
	wg.Wait()
}

// SendAck acknowledges a received push frame. A warning no-op unless
// connected; send failures are logged, never fatal.
func (c *Connector) SendAck(logID uint64, internalExt string) {
	conn, state := c.snapshot()
	if state != Connected || conn == nil {
		slog.Warn("cannot send ack: websocket not connected")
		return
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := conn.WriteMessage(websocket.BinaryMessage, protocol.EncodeAck(logID, internalExt)); err != nil {
		slog.Error("failed to send ack", "logid", logID, "error", err)
		return
	}
	slog.Debug("ack sent", "logid", logID)
}

// SendHeartbeat sends the "hb" frame as a protocol-level ping. A warning
// no-op unless connected.
func (c *Connector) SendHeartbeat() {
	conn, state := c.snapshot()
	if state != Connected || conn == nil {
		slog.Warn("cannot send heartbeat: websocket not connected")
		return
	}

	deadline := time.Now().Add(writeTimeout)
	if err := conn.WriteControl(websocket.PingMessage, protocol.EncodeHeartbeat(), deadline); err != nil {
		slog.Error("failed to send heartbeat", "error", err)
		return
	}
	slog.Debug("heartbeat sent")
}

// Close force-closes the socket with a bounded close handshake. Safe to
// call repeatedly; the state always ends Disconnected even when the
// close itself fails.
func (c *Connector) Close() {
	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	c.state = Closing
	c.mu.Unlock()

	if conn != nil {
		deadline := time.Now().Add(forceCloseTimeout)
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
		_ = conn.Close()
		slog.Debug("websocket connection released")
	}

	c.setState(Disconnected)
}
