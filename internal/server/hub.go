package server

import (
	"context"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/park285/cheese-uci/internal/chess/uci"
	"github.com/park285/cheese-uci/pkg/enginedto"
)

const (
	ProgressPath = "/ws/progress"

	clientBuffer = 64
	writeWait    = 5 * time.Second
)

// ProgressHub fans search progress out to websocket subscribers. Slow
// subscribers lose frames rather than holding up the engine reader.
type ProgressHub struct {
	log      *zap.Logger
	upgrader websocket.Upgrader
	router   *mux.Router
	srv      *http.Server
	seq      atomic.Uint64

	mu      sync.Mutex
	clients map[*hubClient]struct{}
	closed  bool
}

type hubClient struct {
	conn *websocket.Conn
	send chan enginedto.ProgressFrame
	once sync.Once
	done chan struct{}
}

func (c *hubClient) close() {
	c.once.Do(func() { close(c.done) })
}

func NewProgressHub(logger *zap.Logger) *ProgressHub {
	if logger == nil {
		logger = zap.NewNop()
	}
	h := &ProgressHub{
		log:     logger,
		clients: make(map[*hubClient]struct{}),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
	h.router = mux.NewRouter()
	h.router.HandleFunc(ProgressPath, h.serveWS).Methods(http.MethodGet)
	h.srv = &http.Server{Handler: h.router, ReadHeaderTimeout: 10 * time.Second}
	return h
}

func (h *ProgressHub) Handler() http.Handler { return h.router }

func (h *ProgressHub) Serve(ln net.Listener) error { return h.srv.Serve(ln) }

func (h *ProgressHub) ListenAndServe(addr string) error {
	h.srv.Addr = addr
	return h.srv.ListenAndServe()
}

// Shutdown disconnects subscribers and stops the listener.
func (h *ProgressHub) Shutdown(ctx context.Context) error {
	h.Close()
	return h.srv.Shutdown(ctx)
}

// PublishProgress matches uci.ProgressCallback.
func (h *ProgressHub) PublishProgress(p uci.SearchProgress) {
	h.Publish(enginedto.ProgressFrame{At: time.Now(), Progress: p})
}

func (h *ProgressHub) Publish(frame enginedto.ProgressFrame) {
	frame.Seq = h.seq.Add(1)
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		select {
		case c.send <- frame:
		default:
			h.log.Debug("progress_dropped", zap.Uint64("seq", frame.Seq))
		}
	}
}

func (h *ProgressHub) Clients() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Close disconnects every subscriber; later upgrades are refused.
func (h *ProgressHub) Close() {
	h.mu.Lock()
	h.closed = true
	clients := make([]*hubClient, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.Unlock()
	for _, c := range clients {
		c.close()
	}
}

func (h *ProgressHub) serveWS(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	closed := h.closed
	h.mu.Unlock()
	if closed {
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Debug("ws_upgrade_failed", zap.Error(err))
		return
	}
	c := &hubClient{
		conn: conn,
		send: make(chan enginedto.ProgressFrame, clientBuffer),
		done: make(chan struct{}),
	}
	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()
	h.log.Info("ws_subscribed", zap.String("remote", r.RemoteAddr))

	go h.readLoop(c)
	h.writeLoop(c)

	h.mu.Lock()
	delete(h.clients, c)
	h.mu.Unlock()
	_ = conn.Close()
	h.log.Info("ws_unsubscribed", zap.String("remote", r.RemoteAddr))
}

// readLoop only watches for the peer going away; subscribers send nothing.
func (h *ProgressHub) readLoop(c *hubClient) {
	defer c.close()
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *ProgressHub) writeLoop(c *hubClient) {
	for {
		select {
		case <-c.done:
			_ = c.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye"),
				time.Now().Add(writeWait))
			return
		case frame := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteJSON(frame); err != nil {
				c.close()
				return
			}
		}
	}
}
