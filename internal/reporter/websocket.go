package reporter

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	gverrors "github.com/five82/gvlauncher/internal/errors"
	"github.com/five82/gvlauncher/internal/logging"
)

const (
	wsWriteTimeout = 5 * time.Second
	wsSendBuffer   = 256
)

// WebSocketReporter streams the JSON events to websocket clients
// connected on /ws.
type WebSocketReporter struct {
	*JSONReporter

	upgrader  websocket.Upgrader
	server    *http.Server
	ln        net.Listener
	serveDone chan struct{}

	mu      sync.Mutex
	clients map[*wsClient]struct{}
	closed  bool
	wg      sync.WaitGroup
}

type wsClient struct {
	conn *websocket.Conn
	send chan []byte
}

// NewWebSocketReporter listens on addr and starts serving.
func NewWebSocketReporter(addr string) (*WebSocketReporter, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, gverrors.NewIOError("could not listen on "+addr, err)
	}

	r := &WebSocketReporter{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		ln:        ln,
		serveDone: make(chan struct{}),
		clients:   make(map[*wsClient]struct{}),
	}
	r.JSONReporter = NewJSONReporterWithWriter(broadcastWriter{r})

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", r.handle)
	r.server = &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		defer close(r.serveDone)
		if err := r.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logging.Error("live results server stopped", zap.Error(err))
		}
	}()
	logging.Info("serving live results", zap.String("addr", ln.Addr().String()))
	return r, nil
}

// Addr returns the listening address.
func (r *WebSocketReporter) Addr() string { return r.ln.Addr().String() }

// Clients returns the number of connected clients.
func (r *WebSocketReporter) Clients() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.clients)
}

func (r *WebSocketReporter) handle(w http.ResponseWriter, req *http.Request) {
	conn, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		logging.Debug("websocket upgrade failed", zap.Error(err))
		return
	}
	c := &wsClient{conn: conn, send: make(chan []byte, wsSendBuffer)}
	if !r.register(c) {
		_ = conn.Close()
		return
	}
	logging.Debug("live results client connected", zap.String("remote", req.RemoteAddr))

	go func() {
		defer r.wg.Done()
		c.writeLoop()
	}()

	defer r.wg.Done()
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}
	r.unregister(c)
	_ = conn.Close()
}

func (r *WebSocketReporter) register(c *wsClient) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return false
	}
	r.clients[c] = struct{}{}
	// reader and writer
	r.wg.Add(2)
	return true
}

func (r *WebSocketReporter) unregister(c *wsClient) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.clients[c]; ok {
		delete(r.clients, c)
		close(c.send)
	}
}

func (c *wsClient) writeLoop() {
	failed := false
	for msg := range c.send {
		if failed {
			continue
		}
		_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
		if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			failed = true
			_ = c.conn.Close()
		}
	}
}

// broadcast queues msg for every client; slow clients miss messages.
func (r *WebSocketReporter) broadcast(msg []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for c := range r.clients {
		select {
		case c.send <- msg:
		default:
		}
	}
}

// Close disconnects the clients and stops the server.
func (r *WebSocketReporter) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	for c := range r.clients {
		delete(r.clients, c)
		close(c.send)
		_ = c.conn.Close()
	}
	r.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	err := r.server.Shutdown(ctx)
	<-r.serveDone
	r.wg.Wait()
	return err
}

type broadcastWriter struct {
	r *WebSocketReporter
}

func (w broadcastWriter) Write(p []byte) (int, error) {
	msg := make([]byte, len(p))
	copy(msg, p)
	w.r.broadcast(msg)
	return len(p), nil
}
