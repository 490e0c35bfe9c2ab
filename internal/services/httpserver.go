// Package services runs the helper processes and servers some tests need:
// the media HTTP server, a virtual frame buffer and the backtrace
// generator.
package services

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	gverrors "github.com/five82/gvlauncher/internal/errors"
	"github.com/five82/gvlauncher/internal/logging"
)

// ReadyTimeout bounds the readiness probe of started services.
var ReadyTimeout = 15 * time.Second

// HTTPServer serves the media directories to tests streaming over HTTP,
// HLS or DASH.
type HTTPServer struct {
	port  int
	roots []string

	ln  net.Listener
	srv *http.Server
	eg  *errgroup.Group
}

// NewHTTPServer creates a server for roots on 127.0.0.1:port. Port 0 picks
// a free port.
func NewHTTPServer(port int, roots []string) *HTTPServer {
	return &HTTPServer{port: port, roots: roots}
}

// Start listens and waits until the server answers.
func (s *HTTPServer) Start(ctx context.Context) error {
	if s.srv != nil {
		return nil
	}
	ln, err := net.Listen("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(s.port)))
	if err != nil {
		return gverrors.NewIOError(fmt.Sprintf("failed to start HTTP server on port %d", s.port), err)
	}
	s.ln = ln
	s.srv = &http.Server{
		Handler:           s,
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.eg = new(errgroup.Group)
	s.eg.Go(func() error {
		if err := s.srv.Serve(ln); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	logging.Info("starting HTTP media server", zap.String("addr", s.Addr()), zap.Strings("roots", s.roots))
	if err := waitHTTPReady(ctx, s.URL()); err != nil {
		_ = s.Stop(context.Background())
		return err
	}
	return nil
}

// ServeHTTP serves the request from the first root holding the file.
func (s *HTTPServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	clean := path.Clean("/" + r.URL.Path)
	for _, root := range s.roots {
		if _, err := os.Stat(filepath.Join(root, filepath.FromSlash(clean))); err == nil {
			http.FileServer(http.Dir(root)).ServeHTTP(w, r)
			return
		}
	}
	if clean == "/" {
		w.WriteHeader(http.StatusOK)
		return
	}
	http.NotFound(w, r)
}

// Addr returns host:port, empty before Start.
func (s *HTTPServer) Addr() string {
	if s.ln == nil {
		return ""
	}
	return s.ln.Addr().String()
}

// URL returns the base URL of the server.
func (s *HTTPServer) URL() string {
	return "http://" + s.Addr() + "/"
}

// Stop shuts the server down and waits for it to exit.
func (s *HTTPServer) Stop(ctx context.Context) error {
	if s.srv == nil {
		return nil
	}
	logging.Debug("stopping HTTP media server", zap.String("addr", s.Addr()))
	err := s.srv.Shutdown(ctx)
	if werr := s.eg.Wait(); err == nil {
		err = werr
	}
	s.srv = nil
	return err
}

func waitHTTPReady(ctx context.Context, url string) error {
	client := &http.Client{Timeout: time.Second, Transport: &http.Transport{DisableKeepAlives: true}}
	deadline := time.Now().Add(ReadyTimeout)
	for {
		req, err := http.NewRequestWithContext(ctx, http.MethodHead, url, nil)
		if err != nil {
			return err
		}
		resp, err := client.Do(req)
		if err == nil {
			resp.Body.Close()
			return nil
		}
		if time.Now().After(deadline) {
			return gverrors.NewIOError("HTTP server did not become ready at "+url, err)
		}
		select {
		case <-ctx.Done():
			return gverrors.NewCancelledError()
		case <-time.After(100 * time.Millisecond):
		}
	}
}
