package upstream

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync/atomic"
	"syscall"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/encoding/protowire"

	"github.com/immurray/tkLiveWebSocket/internal/domain"
	"github.com/immurray/tkLiveWebSocket/internal/protocol"
)

var testUpgrader = websocket.Upgrader{}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func appendVarintField(b []byte, num protowire.Number, v uint64) []byte {
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

func appendStringField(b []byte, num protowire.Number, s string) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, s)
}

func appendBytesField(b []byte, num protowire.Number, v []byte) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, v)
}

// buildChatFrame assembles a push frame holding one chat message with
// needAck set.
func buildChatFrame(logID uint64, internalExt, content string) []byte {
	var chat []byte
	chat = appendStringField(chat, 3, content)

	var msg []byte
	msg = appendStringField(msg, 1, "WebcastChatMessage")
	msg = appendBytesField(msg, 2, chat)

	var resp []byte
	resp = appendBytesField(resp, 1, msg)
	resp = appendStringField(resp, 5, internalExt)
	resp = appendVarintField(resp, 9, 1)

	var frame []byte
	frame = appendVarintField(frame, 2, logID)
	frame = appendStringField(frame, 7, "msg")
	frame = appendBytesField(frame, 8, resp)
	return frame
}

func TestStreamAcksAndDelivers(t *testing.T) {
	ackCh := make(chan *protocol.PushFrame, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := testUpgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		defer conn.Close()

		err = conn.WriteMessage(websocket.BinaryMessage, buildChatFrame(42, "ext-token", "hello"))
		require.NoError(t, err)

		_, data, err := conn.ReadMessage()
		require.NoError(t, err)
		ack, err := protocol.DecodePushFrame(data)
		require.NoError(t, err)
		ackCh <- ack

		deadline := time.Now().Add(time.Second)
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
	}))
	defer srv.Close()

	delivered := make(chan string, 4)
	c := New(Config{
		Deliver: func(ctx context.Context, payload string) error {
			delivered <- payload
			return nil
		},
	})

	require.NoError(t, c.Stream(context.Background(), wsURL(srv)))
	assert.Equal(t, Disconnected, c.State())

	select {
	case ack := <-ackCh:
		assert.Equal(t, uint64(42), ack.LogID)
		assert.Equal(t, "ext-token", ack.PayloadType)
	case <-time.After(2 * time.Second):
		t.Fatal("no ack received by upstream")
	}

	select {
	case payload := <-delivered:
		assert.Contains(t, payload, `"content":"hello"`)
	default:
		t.Fatal("chat message was not delivered")
	}
}

func TestStreamSurvivesMalformedFrames(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := testUpgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		defer conn.Close()

		require.NoError(t, conn.WriteMessage(websocket.BinaryMessage, []byte{0xff, 0xff, 0xff}))
		require.NoError(t, conn.WriteMessage(websocket.BinaryMessage, buildChatFrame(7, "", "still here")))

		deadline := time.Now().Add(time.Second)
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
	}))
	defer srv.Close()

	delivered := make(chan string, 4)
	c := New(Config{
		Deliver: func(ctx context.Context, payload string) error {
			delivered <- payload
			return nil
		},
	})

	require.NoError(t, c.Stream(context.Background(), wsURL(srv)))

	select {
	case payload := <-delivered:
		assert.Contains(t, payload, "still here")
	default:
		t.Fatal("frame after the malformed one was not delivered")
	}
}

func TestReceiveLoopClosesAfterRepeatedTimeouts(t *testing.T) {
	connected := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := testUpgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		defer conn.Close()
		close(connected)

		// Send nothing. Pings from the client are answered by the
		// default handler inside ReadMessage.
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	fc := clockwork.NewFakeClock()
	c := New(Config{Clock: fc, ReceiveTimeout: 20 * time.Second})

	result := make(chan error, 1)
	go func() { result <- c.Stream(context.Background(), wsURL(srv)) }()

	select {
	case <-connected:
	case <-time.After(2 * time.Second):
		t.Fatal("upstream never connected")
	}

	// Heartbeat ticker plus receive timer makes two clock waiters. Each
	// advance fires one receive timeout; the third closes the socket.
	for i := 0; i < maxConsecutiveTimeouts; i++ {
		fc.BlockUntil(2)
		fc.Advance(20 * time.Second)
	}

	select {
	case err := <-result:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("receive loop did not terminate after repeated timeouts")
	}
	assert.Equal(t, Disconnected, c.State())
}

func TestConnectExhaustsAttemptsOnBadStatus(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	c := New(Config{})
	c.dialBackoff = func(domain.FailureClass, int) time.Duration { return 0 }

	err := c.Connect(context.Background(), wsURL(srv))
	require.Error(t, err)

	var cf *domain.ConnectionFailure
	require.ErrorAs(t, err, &cf)
	assert.Equal(t, domain.FailureBadStatus, cf.Class)
	assert.Equal(t, int32(maxConnectAttempts), hits.Load())
	assert.Equal(t, Disconnected, c.State())
}

func TestConnectHonoursCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	c := New(Config{})
	c.dialBackoff = func(domain.FailureClass, int) time.Duration { return 0 }

	err := c.Connect(ctx, "ws://127.0.0.1:0/ws")
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, Disconnected, c.State())
}

func TestConnectSendsCookieHeader(t *testing.T) {
	gotCookie := make(chan string, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotCookie <- r.Header.Get("Cookie")
		conn, err := testUpgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		conn.Close()
	}))
	defer srv.Close()

	c := New(Config{
		Cookie:  "sessionid=abc123",
		Headers: http.Header{"User-Agent": []string{"relay-test"}},
	})
	require.NoError(t, c.Connect(context.Background(), wsURL(srv)))
	c.Close()

	assert.Equal(t, "sessionid=abc123", <-gotCookie)
}

func TestSendAckWhenDisconnected(t *testing.T) {
	c := New(Config{})
	// Must not panic or change state.
	c.SendAck(1, "ext")
	c.SendHeartbeat()
	assert.Equal(t, Disconnected, c.State())
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want domain.FailureClass
	}{
		{"nil", nil, domain.FailureUnknown},
		{"deadline exceeded", context.DeadlineExceeded, domain.FailureTimeout},
		{"io deadline", os.ErrDeadlineExceeded, domain.FailureTimeout},
		{"bad handshake", fmt.Errorf("dial: %w", websocket.ErrBadHandshake), domain.FailureBadStatus},
		{"connection refused", &net.OpError{Op: "dial", Err: syscall.ECONNREFUSED}, domain.FailureNetwork},
		{"connection reset", fmt.Errorf("read: %w", syscall.ECONNRESET), domain.FailureNetwork},
		{"dns failure", &net.DNSError{Err: "no such host", Name: "example.invalid"}, domain.FailureNetwork},
		{"plain error", errors.New("boom"), domain.FailureUnknown},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Classify(tt.err))
		})
	}
}

func TestConnectTimeoutGrowsPerAttempt(t *testing.T) {
	assert.Equal(t, 30*time.Second, connectTimeout(1))
	assert.Equal(t, 40*time.Second, connectTimeout(2))
	assert.Equal(t, 70*time.Second, connectTimeout(5))
}
