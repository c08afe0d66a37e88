// Package tikhub is the control-plane client for the TikHub REST API. It
// answers the questions the relay needs before opening a webcast
// connection: is the room live, and which session parameters to carry.
package tikhub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/sony/gobreaker"
	"golang.org/x/sync/singleflight"

	"github.com/immurray/tkLiveWebSocket/internal/domain"
)

const (
	checkLiveAlivePath = "/api/v1/tiktok/web/fetch_check_live_alive"
	liveIMFetchPath    = "/api/v1/tiktok/web/fetch_live_im_fetch"
	generateTTWIDPath  = "/api/v1/tiktok/web/generate_ttwid"

	defaultTimeout   = 60 * time.Second
	wrssMaxAttempts  = 5
	defaultWRSSDelay = time.Second
)

var _ domain.LiveStatusClient = (*Client)(nil)

// Client calls the TikHub API. All requests share a circuit breaker, and
// identical in-flight requests are collapsed so a burst of subscribers
// joining the same room costs one upstream call.
type Client struct {
	baseURL  string
	apiKey   string
	httpc    *http.Client
	breaker  *gobreaker.CircuitBreaker
	group    singleflight.Group
	wrssWait time.Duration
}

// New creates a client against baseURL authenticating with apiKey.
func New(baseURL, apiKey string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:     "tikhub",
		Interval: time.Minute,
		Timeout:  30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			slog.Warn("tikhub circuit state changed", "from", from.String(), "to", to.String())
		},
	})
	return &Client{
		baseURL:  baseURL,
		apiKey:   apiKey,
		httpc:    &http.Client{Timeout: timeout},
		breaker:  breaker,
		wrssWait: defaultWRSSDelay,
	}
}

type apiResponse struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

func (c *Client) get(ctx context.Context, endpoint string, params url.Values) (json.RawMessage, error) {
	key := endpoint + "?" + params.Encode()
	v, err, _ := c.group.Do(key, func() (any, error) {
		return c.breaker.Execute(func() (any, error) {
			return c.doGet(ctx, endpoint, params)
		})
	})
	if err != nil {
		return nil, err
	}
	return v.(json.RawMessage), nil
}

func (c *Client) doGet(ctx context.Context, endpoint string, params url.Values) (json.RawMessage, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.URL.RawQuery = params.Encode()
	req.Header.Set("Authorization", c.apiKey)

	resp, err := c.httpc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("GET %s: %w", endpoint, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("GET %s: unexpected status %d", endpoint, resp.StatusCode)
	}

	var api apiResponse
	if err := json.Unmarshal(body, &api); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	if api.Code != http.StatusOK {
		return nil, fmt.Errorf("tikhub error (code %d): %s", api.Code, api.Message)
	}
	return api.Data, nil
}

// CheckLiveAlive reports whether the room is currently streaming.
func (c *Client) CheckLiveAlive(ctx context.Context, roomID string) (bool, error) {
	if roomID == "" {
		return false, errors.New("room id is empty")
	}

	data, err := c.get(ctx, checkLiveAlivePath, url.Values{"room_id": {roomID}})
	if err != nil {
		return false, fmt.Errorf("check live alive: %w", err)
	}

	var status struct {
		LiveRoomStatus struct {
			Data []struct {
				Alive bool `json:"alive"`
			} `json:"data"`
		} `json:"live_room_status"`
	}
	if err := json.Unmarshal(data, &status); err != nil {
		return false, fmt.Errorf("decode live status: %w", err)
	}

	rooms := status.LiveRoomStatus.Data
	return len(rooms) > 0 && rooms[0].Alive, nil
}

// FetchWRSS fetches the room's wrss routing token. The API sometimes
// returns an empty token right after a stream starts, so the call retries
// a few times before giving up.
func (c *Client) FetchWRSS(ctx context.Context, roomID string) (string, error) {
	if roomID == "" {
		return "", errors.New("room id is empty")
	}

	for attempt := 1; attempt <= wrssMaxAttempts; attempt++ {
		data, err := c.get(ctx, liveIMFetchPath, url.Values{"room_id": {roomID}})
		if err != nil {
			return "", fmt.Errorf("fetch live im: %w", err)
		}

		var payload struct {
			RouteParams struct {
				WRSS string `json:"wrss"`
			} `json:"routeParams"`
		}
		if err := json.Unmarshal(data, &payload); err != nil {
			return "", fmt.Errorf("decode live im: %w", err)
		}
		if payload.RouteParams.WRSS != "" {
			return payload.RouteParams.WRSS, nil
		}

		slog.Warn("wrss missing from live im response, retrying",
			"room_id", roomID, "attempt", attempt, "max_attempts", wrssMaxAttempts)
		if attempt == wrssMaxAttempts {
			break
		}
		select {
		case <-time.After(c.wrssWait):
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	return "", fmt.Errorf("wrss still empty after %d attempts", wrssMaxAttempts)
}

// GenerateTTWID asks TikHub for a fresh ttwid cookie value.
func (c *Client) GenerateTTWID(ctx context.Context, userAgent string) (string, error) {
	data, err := c.get(ctx, generateTTWIDPath, url.Values{"user_agent": {userAgent}})
	if err != nil {
		return "", fmt.Errorf("generate ttwid: %w", err)
	}

	var payload struct {
		TTWID string `json:"ttwid"`
	}
	if err := json.Unmarshal(data, &payload); err != nil {
		return "", fmt.Errorf("decode ttwid: %w", err)
	}
	if payload.TTWID == "" {
		return "", errors.New("ttwid missing from response")
	}
	return payload.TTWID, nil
}

// StreamURL builds the webcast websocket URL for a room. The wrss token
// is best effort: the endpoint accepts connections without it, so a
// failed lookup degrades to the bare URL instead of failing the room.
func (c *Client) StreamURL(ctx context.Context, roomID string) (string, error) {
	if roomID == "" {
		return "", errors.New("room id is empty")
	}

	uri := BuildWebcastURL(roomID)
	wrss, err := c.FetchWRSS(ctx, roomID)
	if err != nil {
		slog.Warn("continuing without wrss", "room_id", roomID, "error", err)
		return uri, nil
	}
	return uri + "&wrss=" + url.QueryEscape(wrss), nil
}
