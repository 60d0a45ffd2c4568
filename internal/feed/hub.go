// Package feed streams broadcaster events to WebSocket clients and serves a
// full-state resync endpoint.
package feed

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/aristath/swarm/internal/events"
)

const (
	defaultPingInterval = 30 * time.Second
	defaultWriteTimeout = 10 * time.Second
)

// Source is the subscription side of events.Broadcaster.
type Source interface {
	Subscribe(bufSize int, types ...events.Type) <-chan events.Event
	Unsubscribe(ch <-chan events.Event)
}

// Config configures a Hub.
type Config struct {
	Source           Source
	State            StateFunc     // Optional; /state answers 404 without it
	SubscriberBuffer int           // Per-client event buffer; broadcaster default if <= 0
	PingInterval     time.Duration // Keepalive ping period
	WriteTimeout     time.Duration
	Logger           *slog.Logger
}

// Hub serves the /ws event stream, /state and /health. Each client gets its
// own broadcaster subscription, so a slow client only loses its own oldest
// events.
type Hub struct {
	source       Source
	state        StateFunc
	bufSize      int
	pingInterval time.Duration
	writeTimeout time.Duration
	logger       *slog.Logger
	upgrader     websocket.Upgrader

	clients atomic.Int64
	mu      sync.Mutex
	closed  bool
	done    chan struct{}
	wg      sync.WaitGroup
}

// NewHub creates a Hub.
func NewHub(cfg Config) *Hub {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = defaultPingInterval
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = defaultWriteTimeout
	}
	return &Hub{
		source:       cfg.Source,
		state:        cfg.State,
		bufSize:      cfg.SubscriberBuffer,
		pingInterval: cfg.PingInterval,
		writeTimeout: cfg.WriteTimeout,
		logger:       cfg.Logger,
		upgrader: websocket.Upgrader{
			// Local dashboards connect from arbitrary origins.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		done: make(chan struct{}),
	}
}

// Handler returns the HTTP routes.
func (h *Hub) Handler() http.Handler {
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"ok": true, "clients": h.Clients()})
	})
	r.GET("/state", func(c *gin.Context) {
		if h.state == nil {
			c.JSON(http.StatusNotFound, gin.H{"error": "state not available"})
			return
		}
		c.JSON(http.StatusOK, h.state())
	})
	r.GET("/ws", h.serveWS)

	return r
}

// Clients returns the number of connected WebSocket clients.
func (h *Hub) Clients() int {
	return int(h.clients.Load())
}

// Close disconnects every client and waits for their handlers to return.
func (h *Hub) Close() {
	h.mu.Lock()
	if !h.closed {
		h.closed = true
		close(h.done)
	}
	h.mu.Unlock()
	h.wg.Wait()
}

// Serve listens on addr until ctx is cancelled, then shuts the server down
// and disconnects clients.
func (h *Hub) Serve(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           h.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		h.logger.Info("event feed listening", "address", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	// Hijacked WebSocket connections are not tracked by Shutdown.
	h.Close()

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	return nil
}

func (h *Hub) serveWS(c *gin.Context) {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "feed closed"})
		return
	}
	h.wg.Add(1)
	h.mu.Unlock()
	defer h.wg.Done()

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// Upgrade has already written the HTTP error.
		h.logger.Debug("websocket upgrade failed", "remote_addr", c.Request.RemoteAddr, "error", err)
		return
	}

	ch := h.source.Subscribe(h.bufSize)
	defer h.source.Unsubscribe(ch)

	h.clients.Add(1)
	defer h.clients.Add(-1)

	h.logger.Debug("feed client connected", "remote_addr", c.Request.RemoteAddr)
	h.stream(conn, ch)
	h.logger.Debug("feed client disconnected", "remote_addr", c.Request.RemoteAddr)
}

// stream writes events to conn until the subscription ends, the client goes
// away or the hub closes.
func (h *Hub) stream(conn *websocket.Conn, ch <-chan events.Event) {
	defer conn.Close()

	readerDone := make(chan struct{})
	go h.readLoop(conn, readerDone)

	ticker := time.NewTicker(h.pingInterval)
	defer ticker.Stop()

	for {
		select {
		case e, ok := <-ch:
			if !ok {
				h.writeClose(conn, websocket.CloseGoingAway, "event stream closed")
				return
			}
			conn.SetWriteDeadline(time.Now().Add(h.writeTimeout))
			if err := conn.WriteJSON(e); err != nil {
				h.logger.Debug("feed write failed", "error", err)
				return
			}
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(h.writeTimeout)); err != nil {
				return
			}
		case <-readerDone:
			return
		case <-h.done:
			h.writeClose(conn, websocket.CloseGoingAway, "server shutting down")
			return
		}
	}
}

// readLoop consumes client frames so pongs and close frames are processed.
// A client that misses two ping periods is considered gone.
func (h *Hub) readLoop(conn *websocket.Conn, done chan<- struct{}) {
	defer close(done)

	deadline := 2 * h.pingInterval
	conn.SetReadLimit(4096)
	conn.SetReadDeadline(time.Now().Add(deadline))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(deadline))
	})

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *Hub) writeClose(conn *websocket.Conn, code int, text string) {
	msg := websocket.FormatCloseMessage(code, text)
	conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(h.writeTimeout))
}
