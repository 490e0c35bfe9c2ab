package protocol

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"

	"go.uber.org/zap"

	gverrors "github.com/five82/gvlauncher/internal/errors"
	"github.com/five82/gvlauncher/internal/issues"
	"github.com/five82/gvlauncher/internal/logging"
)

// Target receives the updates of one running test.
type Target interface {
	SetPosition(position, duration int64, speed float64)
	AddAction(action map[string]any)
	ActionDone(executionDuration any)
	AddReport(report issues.Report)
	Skip()
}

// Registry resolves test uuids to their targets.
type Registry struct {
	mu      sync.RWMutex
	targets map[string]Target
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{targets: make(map[string]Target)}
}

// Add registers target under uuid.
func (r *Registry) Add(uuid string, target Target) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.targets[uuid] = target
}

// Remove unregisters uuid.
func (r *Registry) Remove(uuid string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.targets, uuid)
}

// Lookup returns the target registered under uuid.
func (r *Registry) Lookup(uuid string) (Target, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.targets[uuid]
	return t, ok
}

// Server accepts status connections from test processes.
type Server struct {
	ln       net.Listener
	registry *Registry
	wake     func()

	wg     sync.WaitGroup
	mu     sync.Mutex
	conns  map[net.Conn]struct{}
	closed bool
}

// Listen starts a server on addr ("localhost:0" for an ephemeral port).
// wake is called after each handled message.
func Listen(addr string, registry *Registry, wake func()) (*Server, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, gverrors.NewProtocolError("failed to listen on "+addr, err)
	}
	s := &Server{
		ln:       ln,
		registry: registry,
		wake:     wake,
		conns:    make(map[net.Conn]struct{}),
	}
	s.wg.Add(1)
	go s.acceptLoop()
	logging.Debug("status server listening", zap.String("addr", ln.Addr().String()))
	return s, nil
}

// Addr returns the listening address.
func (s *Server) Addr() net.Addr { return s.ln.Addr() }

// URL returns the value of GST_VALIDATE_SERVER for test processes.
func (s *Server) URL() string {
	port := s.ln.Addr().(*net.TCPAddr).Port
	return fmt.Sprintf("tcp://localhost:%d", port)
}

// Shutdown closes the listener and every connection, then waits for the
// connection handlers to return.
func (s *Server) Shutdown() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	err := s.ln.Close()
	for c := range s.conns {
		_ = c.Close()
	}
	s.mu.Unlock()

	s.wg.Wait()
	return err
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			if !errors.Is(err, net.ErrClosed) {
				logging.Warn("status server accept failed", zap.Error(err))
			}
			return
		}

		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			_ = conn.Close()
			return
		}
		s.conns[conn] = struct{}{}
		s.wg.Add(1)
		s.mu.Unlock()

		go func() {
			defer s.wg.Done()
			defer s.forget(conn)
			s.handle(conn)
		}()
	}
}

func (s *Server) forget(conn net.Conn) {
	s.mu.Lock()
	delete(s.conns, conn)
	s.mu.Unlock()
	_ = conn.Close()
}

func (s *Server) handle(conn net.Conn) {
	r := bufio.NewReader(conn)
	var target Target
	classname := "unknown"

	for {
		payload, err := ReadMessage(r)
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				logging.Debug("status connection closed", zap.String("test", classname), zap.Error(err))
			}
			return
		}
		if len(payload) == 0 {
			return
		}

		msg, err := Decode([]byte(strings.ToValidUTF8(string(payload), "")))
		if err != nil {
			logging.Error("could not decode message", zap.String("test", classname),
				zap.ByteString("message", payload), zap.Error(err))
			continue
		}

		if target == nil {
			uuid := msg.UUID()
			if uuid == "" {
				return
			}
			t, ok := s.registry.Lookup(uuid)
			if !ok {
				logging.Error("could not find test for uuid", zap.String("uuid", uuid))
				return
			}
			target = t
			classname = uuid
		}

		dispatch(target, msg)
		if s.wake != nil {
			s.wake()
		}
	}
}

func dispatch(target Target, msg Message) {
	switch msg.Type() {
	case TypePosition:
		target.SetPosition(msg.Int("position"), msg.Int("duration"), msg.Float("speed"))
	case TypeBuffering:
		target.SetPosition(msg.Int("position"), 100, 0)
	case TypeAction:
		target.AddAction(map[string]any(msg))
	case TypeActionDone:
		target.ActionDone(msg["execution-duration"])
	case TypeReport:
		target.AddReport(issues.Report(msg))
	case TypeSkipTest:
		target.Skip()
	}
}
