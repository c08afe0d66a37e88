package domain

import "context"

// DecodedMessage is the output of dispatching one upstream sub-message.
// It lives only for the duration of the broadcast call.
type DecodedMessage struct {
	Method string
	JSON   string
}

// LiveStatusClient is the control-plane client consulted during room
// bring-up, before the upstream connector starts.
type LiveStatusClient interface {
	// CheckLiveAlive reports whether the room is currently broadcasting.
	CheckLiveAlive(ctx context.Context, roomID string) (bool, error)

	// StreamURL resolves the websocket endpoint (including session
	// parameters) for the room's live push stream.
	StreamURL(ctx context.Context, roomID string) (string, error)
}
