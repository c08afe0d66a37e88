package logging

import (
	"context"
	"fmt"
	"log/slog"
)

type roomKey struct{}

// WithRoom returns a new context carrying the given room ID.
func WithRoom(ctx context.Context, roomID string) context.Context {
	return context.WithValue(ctx, roomKey{}, roomID)
}

// RoomID extracts the room ID from ctx, returning ("", false) if not present.
func RoomID(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(roomKey{}).(string)
	return id, ok && id != ""
}

// RoomHandler wraps an existing slog.Handler to automatically inject a
// "room_id" attribute when the context carries one.
type RoomHandler struct {
	inner slog.Handler
}

// NewRoomHandler creates a room-aware handler wrapping the given handler.
func NewRoomHandler(inner slog.Handler) *RoomHandler {
	return &RoomHandler{inner: inner}
}

func (h *RoomHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.inner.Enabled(ctx, level)
}

func (h *RoomHandler) Handle(ctx context.Context, r slog.Record) error {
	if id, ok := RoomID(ctx); ok {
		r.AddAttrs(slog.String("room_id", id))
	}
	if err := h.inner.Handle(ctx, r); err != nil {
		return fmt.Errorf("room handler: %w", err)
	}
	return nil
}

func (h *RoomHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &RoomHandler{inner: h.inner.WithAttrs(attrs)}
}

func (h *RoomHandler) WithGroup(name string) slog.Handler {
	return &RoomHandler{inner: h.inner.WithGroup(name)}
}
