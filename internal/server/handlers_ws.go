package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"

	"github.com/immurray/tkLiveWebSocket/internal/hub"
	"github.com/immurray/tkLiveWebSocket/internal/platform/logging"
)

const bringUpSteps = 4

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // subscribers connect from arbitrary origins
	},
}

type statusPayload struct {
	Status     string `json:"status"`
	Message    string `json:"message"`
	Step       int    `json:"step"`
	TotalSteps int    `json:"total_steps"`
}

type errorPayload struct {
	Error  string `json:"error"`
	Detail string `json:"detail"`
}

type clientRequest struct {
	Action string `json:"action"`
	Type   string `json:"type"`
}

// handleRoomSocket upgrades the connection, joins the subscriber to its
// room and, for the first subscriber, brings the upstream connection up.
// All writes to the subscriber flow through the hub's writer pump.
func (s *Server) handleRoomSocket(c echo.Context) error {
	roomID := c.Param("room_id")
	if roomID == "" {
		return c.String(http.StatusBadRequest, "room_id is required")
	}

	conn, err := upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		slog.Error("websocket upgrade failed", "room_id", roomID, "error", err)
		return nil
	}

	ctx := logging.WithRoom(c.Request().Context(), roomID)
	sub := s.hub.Join(roomID, conn)
	defer s.hub.Leave(roomID, conn)

	if s.hub.RoomActive(roomID) {
		// The room already streams; late joiners skip the bring-up.
		_ = sub.SendJSON(statusPayload{
			Status:     "connected",
			Message:    "Connected! Waiting for live chat messages...",
			Step:       bringUpSteps,
			TotalSteps: bringUpSteps,
		})
	} else if err := s.bringUp(ctx, roomID, sub); err != nil {
		slog.WarnContext(ctx, "room bring-up failed", "error", err)
		return nil
	}

	s.readLoop(ctx, sub, conn)
	return nil
}

// bringUp walks the subscriber through the connection sequence and starts
// the room's upstream lifecycle. On failure the subscriber has already
// received an error payload when this returns.
func (s *Server) bringUp(ctx context.Context, roomID string, sub *hub.Subscriber) error {
	step := func(n int, status, message string) {
		_ = sub.SendJSON(statusPayload{
			Status:     status,
			Message:    message,
			Step:       n,
			TotalSteps: bringUpSteps,
		})
	}

	step(1, "connecting", "Connecting to the live room...")
	step(2, "creating_crawler", "Preparing the live stream client...")
	step(3, "getting_token", "Fetching access parameters...")
	step(4, "checking_live", "Checking the live status...")

	alive, err := s.live.CheckLiveAlive(ctx, roomID)
	if err != nil {
		_ = sub.SendJSON(errorPayload{
			Error:  "Could not check the live status",
			Detail: "Confirm the room ID is correct and the host is streaming",
		})
		return fmt.Errorf("check live alive: %w", err)
	}
	if !alive {
		_ = sub.SendJSON(errorPayload{
			Error:  "The room is not currently live",
			Detail: "Confirm the room ID is correct and the host is streaming",
		})
		return fmt.Errorf("room %s is not live", roomID)
	}

	uri, err := s.live.StreamURL(ctx, roomID)
	if err != nil {
		_ = sub.SendJSON(errorPayload{
			Error:  "Could not build the live stream address",
			Detail: "Please try again later",
		})
		return fmt.Errorf("stream url: %w", err)
	}

	step(4, "connected", "Connected! Waiting for live chat messages...")
	s.hub.Activate(roomID, uri)
	return nil
}

// readLoop consumes control messages from the subscriber until the
// connection drops or the client asks to close.
func (s *Server) readLoop(ctx context.Context, sub *hub.Subscriber, conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				slog.DebugContext(ctx, "subscriber connection dropped", "subscriber", sub.ID, "error", err)
			}
			return
		}

		var req clientRequest
		if err := json.Unmarshal(data, &req); err != nil {
			slog.DebugContext(ctx, "ignoring non-JSON client message", "subscriber", sub.ID)
			continue
		}

		switch {
		case req.Action == "close" || req.Type == "close":
			_ = sub.SendJSON(map[string]string{
				"status":  "closing",
				"message": "Closing the connection...",
			})
			return
		case req.Type == "ping":
			_ = sub.SendJSON(map[string]any{
				"type":      "pong",
				"timestamp": time.Now().UnixMilli(),
			})
		default:
			slog.DebugContext(ctx, "ignoring unknown client message", "subscriber", sub.ID)
		}
	}
}
