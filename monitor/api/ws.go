package api

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const maxWSConnections = 100

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// The API is CORS-open; the feed carries only the public stripped view.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// StatusHub pushes the public item view to connected dashboard clients.
// Single broadcaster pattern: one ticker, one writer loop, no per-client
// tickers.
type StatusHub struct {
	srv *Server
	log *zap.Logger

	mu         sync.Mutex
	clients    map[*websocket.Conn]struct{}
	register   chan *websocket.Conn
	unregister chan *websocket.Conn
	notify     chan struct{}
}

func NewStatusHub(srv *Server, log *zap.Logger) *StatusHub {
	return &StatusHub{
		srv:        srv,
		log:        log,
		clients:    make(map[*websocket.Conn]struct{}),
		register:   make(chan *websocket.Conn),
		unregister: make(chan *websocket.Conn),
		notify:     make(chan struct{}, 1),
	}
}

// Notify forces a broadcast outside the regular tick, e.g. right after a
// user mutation.
func (h *StatusHub) Notify() {
	select {
	case h.notify <- struct{}{}:
	default:
	}
}

// Run drives registrations and periodic broadcasts until ctx is cancelled.
func (h *StatusHub) Run(ctx context.Context) {
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			h.shutdown()
			return
		case conn := <-h.register:
			h.mu.Lock()
			if len(h.clients) >= maxWSConnections {
				h.mu.Unlock()
				conn.Close()
				h.log.Warn("websocket rejected, connection cap reached")
				continue
			}
			h.clients[conn] = struct{}{}
			total := len(h.clients)
			h.mu.Unlock()
			h.log.Debug("websocket client registered", zap.Int("total", total))
		case conn := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[conn]; ok {
				delete(h.clients, conn)
				conn.Close()
			}
			h.mu.Unlock()
		case <-ticker.C:
			h.broadcast()
		case <-h.notify:
			h.broadcast()
		}
	}
}

func (h *StatusHub) broadcast() {
	payload := map[string]any{
		"items": h.srv.store.PublicItems(h.srv.specs()),
	}

	h.mu.Lock()
	conns := make([]*websocket.Conn, 0, len(h.clients))
	for c := range h.clients {
		conns = append(conns, c)
	}
	h.mu.Unlock()

	for _, c := range conns {
		c.SetWriteDeadline(time.Now().Add(5 * time.Second))
		if err := c.WriteJSON(payload); err != nil {
			select {
			case h.unregister <- c:
			default:
				h.mu.Lock()
				delete(h.clients, c)
				h.mu.Unlock()
				c.Close()
			}
		}
	}
}

func (h *StatusHub) shutdown() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		c.Close()
	}
	h.clients = make(map[*websocket.Conn]struct{})
}

// handleWS upgrades the connection and parks a reader that only watches for
// close frames.
func (h *StatusHub) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Debug("websocket upgrade failed", zap.Error(err))
		return
	}
	h.register <- conn

	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				h.unregister <- conn
				return
			}
		}
	}()
}
