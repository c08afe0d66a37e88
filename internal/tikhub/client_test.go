package tikhub

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(handler http.HandlerFunc) (*Client, *httptest.Server) {
	srv := httptest.NewServer(handler)
	c := New(srv.URL, "test-key", 0)
	c.wrssWait = 0
	return c, srv
}

func TestCheckLiveAlive(t *testing.T) {
	tests := []struct {
		name  string
		body  string
		alive bool
	}{
		{
			name:  "alive",
			body:  `{"code":200,"data":{"live_room_status":{"data":[{"alive":true}]}}}`,
			alive: true,
		},
		{
			name:  "offline",
			body:  `{"code":200,"data":{"live_room_status":{"data":[{"alive":false}]}}}`,
			alive: false,
		},
		{
			name:  "no rooms",
			body:  `{"code":200,"data":{"live_room_status":{"data":[]}}}`,
			alive: false,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, srv := newTestClient(func(w http.ResponseWriter, r *http.Request) {
				assert.Equal(t, "test-key", r.Header.Get("Authorization"))
				assert.Equal(t, checkLiveAlivePath, r.URL.Path)
				assert.Equal(t, "7001", r.URL.Query().Get("room_id"))
				fmt.Fprint(w, tt.body)
			})
			defer srv.Close()

			alive, err := c.CheckLiveAlive(context.Background(), "7001")
			require.NoError(t, err)
			assert.Equal(t, tt.alive, alive)
		})
	}
}

func TestCheckLiveAliveAPIError(t *testing.T) {
	c, srv := newTestClient(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"code":403,"message":"invalid api key"}`)
	})
	defer srv.Close()

	_, err := c.CheckLiveAlive(context.Background(), "7001")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid api key")
}

func TestCheckLiveAliveEmptyRoomID(t *testing.T) {
	c := New("http://unused.test", "key", 0)
	_, err := c.CheckLiveAlive(context.Background(), "")
	require.Error(t, err)
}

func TestCircuitBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	var hits atomic.Int32
	c, srv := newTestClient(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	})
	defer srv.Close()

	for i := 0; i < 5; i++ {
		_, err := c.CheckLiveAlive(context.Background(), "7001")
		require.Error(t, err)
	}
	assert.Equal(t, int32(5), hits.Load())

	_, err := c.CheckLiveAlive(context.Background(), "7001")
	require.Error(t, err)
	assert.ErrorIs(t, err, gobreaker.ErrOpenState)
	assert.Equal(t, int32(5), hits.Load(), "open circuit must not hit the API")
}

func TestFetchWRSSRetriesOnEmptyToken(t *testing.T) {
	var hits atomic.Int32
	c, srv := newTestClient(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) < 3 {
			fmt.Fprint(w, `{"code":200,"data":{"routeParams":{"wrss":""}}}`)
			return
		}
		fmt.Fprint(w, `{"code":200,"data":{"routeParams":{"wrss":"token-123"}}}`)
	})
	defer srv.Close()

	wrss, err := c.FetchWRSS(context.Background(), "7001")
	require.NoError(t, err)
	assert.Equal(t, "token-123", wrss)
	assert.Equal(t, int32(3), hits.Load())
}

func TestFetchWRSSGivesUpEventually(t *testing.T) {
	var hits atomic.Int32
	c, srv := newTestClient(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		fmt.Fprint(w, `{"code":200,"data":{"routeParams":{"wrss":""}}}`)
	})
	defer srv.Close()

	_, err := c.FetchWRSS(context.Background(), "7001")
	require.Error(t, err)
	assert.Equal(t, int32(wrssMaxAttempts), hits.Load())
}

func TestStreamURLCarriesWebcastParams(t *testing.T) {
	c, srv := newTestClient(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"code":200,"data":{"routeParams":{"wrss":"token-abc"}}}`)
	})
	defer srv.Close()

	uri, err := c.StreamURL(context.Background(), "7001")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(uri, WebcastEndpoint))
	assert.Contains(t, uri, "room_id=7001")
	assert.Contains(t, uri, "compress=gzip")
	assert.Contains(t, uri, "resp_content_type=protobuf")
	assert.Contains(t, uri, "wrss=token-abc")
}

func TestStreamURLDegradesWithoutWRSS(t *testing.T) {
	c, srv := newTestClient(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	})
	defer srv.Close()

	uri, err := c.StreamURL(context.Background(), "7001")
	require.NoError(t, err)
	assert.Contains(t, uri, "room_id=7001")
	assert.NotContains(t, uri, "wrss=")
}

func TestGenerateTTWID(t *testing.T) {
	c, srv := newTestClient(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, generateTTWIDPath, r.URL.Path)
		fmt.Fprint(w, `{"code":200,"data":{"ttwid":"ttwid-value"}}`)
	})
	defer srv.Close()

	ttwid, err := c.GenerateTTWID(context.Background(), "relay-test")
	require.NoError(t, err)
	assert.Equal(t, "ttwid-value", ttwid)
}

func TestBuildWebcastURLOrdering(t *testing.T) {
	uri := BuildWebcastURL("42")
	// The endpoint is order sensitive; version_code leads and room_id
	// sits between client_enter and identity.
	assert.Contains(t, uri, "?version_code=270000&device_platform=web")
	assert.Contains(t, uri, "client_enter=1&room_id=42&identity=audience")
}
