// Package ops serves the operator HTTP surface: health, Prometheus metrics
// and a WebSocket feed of server events.
package ops

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/sheerbytes/backhaul/internal/events"
	"github.com/sheerbytes/backhaul/pkg/protocol"
)

// DefaultMaxWatchers bounds concurrent /events subscribers.
const DefaultMaxWatchers = 64

const (
	writeTimeout = 10 * time.Second
	idleTimeout  = 2 * time.Minute
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Health is the /health response body.
type Health struct {
	OK        bool `json:"ok"`
	Pairings  int  `json:"pairings"`
	Uploads   int  `json:"uploads"`
	Downloads int  `json:"downloads"`
}

// Options wires the handler to the running server.
type Options struct {
	Health      func() Health
	Metrics     http.Handler
	Hub         *events.Hub
	MaxWatchers int
	Logger      *slog.Logger
}

// NewHandler builds the ops mux.
func NewHandler(opts Options) http.Handler {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "ops")
	limit := opts.MaxWatchers
	if limit <= 0 {
		limit = DefaultMaxWatchers
	}
	watchers := newConnLimiter(limit)

	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		h := Health{OK: true}
		if opts.Health != nil {
			h = opts.Health()
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(h)
	})
	if opts.Metrics != nil {
		mux.Handle("/metrics", opts.Metrics)
	}
	if opts.Hub != nil {
		mux.HandleFunc("/events", func(w http.ResponseWriter, r *http.Request) {
			if !watchers.Acquire() {
				sendError(w, http.StatusTooManyRequests, "watcher limit reached")
				return
			}
			defer watchers.Release()
			handleEvents(w, r, opts.Hub, logger)
		})
	}
	return mux
}

// handleEvents streams hub events to one WebSocket client until it goes away.
// ?type= may be repeated to filter by event type.
func handleEvents(w http.ResponseWriter, r *http.Request, hub *events.Hub, logger *slog.Logger) {
	types := r.URL.Query()["type"]
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Error("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	var writeMu sync.Mutex
	conn.SetReadDeadline(time.Now().Add(idleTimeout))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(idleTimeout))
		return nil
	})
	conn.SetPingHandler(func(appData string) error {
		conn.SetReadDeadline(time.Now().Add(idleTimeout))
		writeMu.Lock()
		err := conn.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(writeTimeout))
		writeMu.Unlock()
		return err
	})

	// Hijacked connections outlive http.Server.Shutdown; Serve's context
	// reaches them through the request context.
	stop := context.AfterFunc(r.Context(), func() {
		writeMu.Lock()
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
			time.Now().Add(time.Second))
		writeMu.Unlock()
		_ = conn.Close()
	})
	defer stop()

	sub := events.Subscriber{ID: protocol.NewID(), Types: types}
	remove := hub.Add(sub, func(env protocol.Envelope) error {
		writeMu.Lock()
		defer writeMu.Unlock()
		conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		return conn.WriteJSON(env)
	})
	defer remove()
	logger.Debug("watcher connected", "subscriber", sub.ID, "remote", r.RemoteAddr)

	// The feed is one-way; reading only services control frames and notices
	// when the client leaves.
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			logger.Debug("watcher disconnected", "subscriber", sub.ID, "err", err)
			return
		}
	}
}

func sendError(w http.ResponseWriter, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}

type connLimiter struct {
	mu    sync.Mutex
	limit int
	inUse int
}

func newConnLimiter(limit int) *connLimiter {
	return &connLimiter{limit: limit}
}

func (l *connLimiter) Acquire() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.limit > 0 && l.inUse >= l.limit {
		return false
	}
	l.inUse++
	return true
}

func (l *connLimiter) Release() {
	l.mu.Lock()
	if l.inUse > 0 {
		l.inUse--
	}
	l.mu.Unlock()
}

// Listen opens the ops listener so bind errors surface before serving.
func Listen(addr string) (net.Listener, error) {
	return net.Listen("tcp", addr)
}

// Serve runs h on ln until ctx is cancelled, then shuts down gracefully.
func Serve(ctx context.Context, ln net.Listener, h http.Handler, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}
	srv := &http.Server{
		Handler:           h,
		ReadHeaderTimeout: 5 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ln)
	}()
	logger.Info("ops listening", "addr", ln.Addr().String())

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := srv.Shutdown(shutdownCtx)
	<-errCh
	return err
}
