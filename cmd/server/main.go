package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/immurray/tkLiveWebSocket/internal/dispatch"
	"github.com/immurray/tkLiveWebSocket/internal/hub"
	"github.com/immurray/tkLiveWebSocket/internal/platform/config"
	"github.com/immurray/tkLiveWebSocket/internal/platform/logging"
	"github.com/immurray/tkLiveWebSocket/internal/server"
	"github.com/immurray/tkLiveWebSocket/internal/tikhub"
	"github.com/immurray/tkLiveWebSocket/internal/upstream"
)

const userAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/143.0.0.0 Safari/537.36 Edg/143.0.0.0"

func setupConfig() *config.Config {
	cfg, err := config.Load()
	if err != nil {
		// Use log before slog is initialized
		log.Fatalf("Failed to load config: %v", err)
	}
	return cfg
}

// webcastHeaders mimics the headers the TikTok web client sends when
// opening the webcast websocket.
func webcastHeaders() http.Header {
	h := http.Header{}
	h.Set("User-Agent", userAgent)
	h.Set("Origin", "https://www.tiktok.com")
	h.Set("Cache-Control", "no-cache")
	h.Set("Accept-Language", "zh-CN,zh;q=0.9,en;q=0.8,en-GB;q=0.7,en-US;q=0.6")
	h.Set("Pragma", "no-cache")
	return h
}

// resolveCookies prefers configured cookies and falls back to a freshly
// generated ttwid. The webcast endpoint usually accepts bare connections,
// so failure here is not fatal.
func resolveCookies(ctx context.Context, cfg *config.Config, client *tikhub.Client) string {
	if cfg.WssCookies != "" {
		return cfg.WssCookies
	}
	ttwid, err := client.GenerateTTWID(ctx, userAgent)
	if err != nil {
		slog.Warn("Could not generate ttwid, connecting without cookies", "error", err)
		return ""
	}
	return "ttwid=" + ttwid
}

func runGracefulShutdown(srv *server.Server, h *hub.Hub, stopReaper context.CancelFunc) <-chan struct{} {
	done := make(chan struct{})
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-sigChan
		slog.Info("Shutdown signal received, cleaning up...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Error("Server shutdown error", "error", err)
		}

		stopReaper()
		h.TeardownAll()

		close(done)
	}()

	return done
}

func main() {
	clock := clockwork.NewRealClock()

	cfg := setupConfig()

	logging.Init(cfg.LogLevel, cfg.LogFormat)
	slog.Info("Application starting", "env", cfg.AppEnv, "port", cfg.Port)

	live := tikhub.New(cfg.TikHubBaseURL, cfg.TikHubAPIKey, 0)

	var proxyURL *url.URL
	if cfg.WsProxyURL != "" {
		var err error
		proxyURL, err = url.Parse(cfg.WsProxyURL)
		if err != nil {
			slog.Error("Invalid websocket proxy URL", "error", err)
			os.Exit(1)
		}
		slog.Info("Using websocket proxy", "proxy", proxyURL.Host)
	}

	startupCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	cookie := resolveCookies(startupCtx, cfg, live)
	cancel()

	headers := webcastHeaders()
	dispatcher := dispatch.New(nil)

	factory := func(roomID string, deliver upstream.DeliverFunc) hub.Upstream {
		return upstream.New(upstream.Config{
			Headers:        headers,
			Cookie:         cookie,
			Proxy:          proxyURL,
			ReceiveTimeout: cfg.ReceiveTimeout,
			Dispatcher:     dispatcher,
			Deliver:        deliver,
			Clock:          clock,
		})
	}
	h := hub.New(factory, clock)

	reaperCtx, stopReaper := context.WithCancel(context.Background())
	reaper := hub.NewReaper(h, cfg.ReaperInterval, cfg.IdleRoomTimeout, clock)
	go reaper.Run(reaperCtx)

	srv := server.NewServer(cfg, h, live)
	done := runGracefulShutdown(srv, h, stopReaper)

	if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		slog.Error("Server error", "error", err)
		os.Exit(1)
	}

	<-done
}
