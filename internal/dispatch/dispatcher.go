// Package dispatch maps upstream sub-message method names to decoders that
// produce the JSON text broadcast to subscribers. Resolution order: the
// per-room override table, then the built-in table, then "no output".
package dispatch

import (
	"encoding/json"
	"log/slog"

	"github.com/immurray/tkLiveWebSocket/internal/metrics"
	"github.com/immurray/tkLiveWebSocket/internal/protocol"
)

// Handler decodes one sub-message payload into the JSON string to
// broadcast. An empty string means nothing to broadcast. A non-nil error
// marks an unexpected internal failure; decode problems are reported in
// the returned JSON instead (the contract fails closed).
type Handler func(payload []byte) (string, error)

// Dispatcher resolves method names to handlers. Overrides are installed at
// construction time and are not mutated afterwards, so Dispatch is safe
// for concurrent use.
type Dispatcher struct {
	overrides map[string]Handler
	builtins  map[string]Handler
}

// New creates a dispatcher with the built-in webcast decoders and the
// given override table. Overrides win over built-ins; pass nil for none.
func New(overrides map[string]Handler) *Dispatcher {
	return &Dispatcher{
		overrides: overrides,
		builtins: map[string]Handler{
			"WebcastGiftMessage":            decodeGiftMessage,
			"WebcastChatMessage":            decodeChatMessage,
			"WebcastMemberMessage":          decodeMemberMessage,
			"WebcastSocialMessage":          decodeSocialMessage,
			"WebcastLinkMicFanTicketMethod": decodeLinkMicFanTicket,
		},
	}
}

// Dispatch resolves and runs the handler for method. ok reports whether a
// handler produced output; unknown methods and handler failures return
// ("", false) without ever panicking out of the dispatcher.
func (d *Dispatcher) Dispatch(method string, payload []byte) (out string, ok bool) {
	if method == "" || len(payload) == 0 {
		slog.Warn("skipping message with empty method or payload", "method", method)
		return "", false
	}

	defer func() {
		if r := recover(); r != nil {
			slog.Error("message handler panicked", "method", method, "panic", r)
			out, ok = "", false
		}
	}()

	handler, found := d.overrides[method]
	if !found {
		handler, found = d.builtins[method]
	}
	if !found {
		slog.Debug("unhandled message method", "method", method)
		return "", false
	}

	result, err := handler(payload)
	if err != nil {
		slog.Error("message handler failed", "method", method, "error", err)
		return "", false
	}
	if result == "" {
		return "", false
	}

	metrics.MessagesDecoded.WithLabelValues(method).Inc()
	return result, true
}

const emptyMessageJSON = `{"error": "Empty message data"}`

func parseFailureJSON(err error) string {
	data, merr := json.Marshal(map[string]string{
		"error":   "Failed to parse message",
		"details": err.Error(),
	})
	if merr != nil {
		return `{"error": "Failed to parse message"}`
	}
	return string(data)
}

func nickname(u *protocol.User) string {
	if u == nil || u.Nickname == "" {
		return "N/A"
	}
	return u.Nickname
}

func decodeGiftMessage(payload []byte) (string, error) {
	if len(payload) == 0 {
		return emptyMessageJSON, nil
	}
	msg, err := protocol.DecodeGiftMessage(payload)
	if err != nil {
		slog.Error("failed to parse gift message", "error", err)
		return parseFailureJSON(err), nil
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return "", err
	}

	describe, diamonds := "N/A", uint64(0)
	if msg.Gift != nil {
		describe = msg.Gift.Describe
		diamonds = msg.Gift.DiamondCount
	}
	slog.Info("gift message", "user", nickname(msg.User), "gift", describe, "diamonds", diamonds)
	return string(data), nil
}

func decodeChatMessage(payload []byte) (string, error) {
	if len(payload) == 0 {
		return emptyMessageJSON, nil
	}
	msg, err := protocol.DecodeChatMessage(payload)
	if err != nil {
		slog.Error("failed to parse chat message", "error", err)
		return parseFailureJSON(err), nil
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return "", err
	}

	slog.Info("chat message", "user", nickname(msg.User), "content", msg.Content)
	return string(data), nil
}

func decodeMemberMessage(payload []byte) (string, error) {
	if len(payload) == 0 {
		return emptyMessageJSON, nil
	}
	msg, err := protocol.DecodeMemberMessage(payload)
	if err != nil {
		slog.Error("failed to parse member message", "error", err)
		return parseFailureJSON(err), nil
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return "", err
	}

	slog.Info("member joined", "user", nickname(msg.User), "member_count", msg.MemberCount)
	return string(data), nil
}

func decodeSocialMessage(payload []byte) (string, error) {
	if len(payload) == 0 {
		return emptyMessageJSON, nil
	}
	msg, err := protocol.DecodeSocialMessage(payload)
	if err != nil {
		slog.Error("failed to parse social message", "error", err)
		return parseFailureJSON(err), nil
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return "", err
	}

	slog.Info("viewer followed host", "user", nickname(msg.User))
	return string(data), nil
}

func decodeLinkMicFanTicket(payload []byte) (string, error) {
	if len(payload) == 0 {
		return emptyMessageJSON, nil
	}
	msg, err := protocol.DecodeLinkMicFanTicketMethod(payload)
	if err != nil {
		slog.Error("failed to parse fan ticket message", "error", err)
		return parseFailureJSON(err), nil
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return "", err
	}

	slog.Info("fan ticket update", "fan_ticket", msg.FanTicket)
	return string(data), nil
}
