// Package server hosts the TCP protocol engine: the listener and
// per-connection pumps, the operation dispatcher, and the background
// session reaper. One Server owns one sandbox root and one pair of
// session tables; lifetime equals the process.
package server

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/zulfikawr/ferry/internal/config"
	"github.com/zulfikawr/ferry/internal/fileops"
	"github.com/zulfikawr/ferry/internal/logging"
	"github.com/zulfikawr/ferry/internal/sandbox"
	"github.com/zulfikawr/ferry/internal/session"
)

// Server is the TCP file-transfer test server.
type Server struct {
	Host string
	Port int

	sb         *sandbox.Sandbox
	ops        *fileops.Ops
	uploads    *session.UploadManager
	downloads  *session.DownloadManager
	dispatcher *Dispatcher
	limiters   *rateLimiters

	listener       net.Listener
	shutdownCtx    context.Context
	shutdownCancel context.CancelFunc
	wg             sync.WaitGroup
}

// New builds a server from configuration. The sandbox root is created if
// missing.
func New(cfg *config.Config) (*Server, error) {
	sb, err := sandbox.New(cfg.Root)
	if err != nil {
		return nil, err
	}

	ops := fileops.New(sb)
	uploads := session.NewUploadManager(sb)
	downloads := session.NewDownloadManager(sb)

	return &Server{
		Host:       cfg.Host,
		Port:       cfg.Port,
		sb:         sb,
		ops:        ops,
		uploads:    uploads,
		downloads:  downloads,
		dispatcher: NewDispatcher(ops, uploads, downloads, sb.Root()),
		limiters:   newRateLimiters(cfg.RateLimitMbps),
	}, nil
}

// Ops exposes the file operations layer (used by the fixture seeder).
func (s *Server) Ops() *fileops.Ops {
	return s.ops
}

// Addr returns the bound listener address, nil before Start.
func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Start binds the listener and launches the accept loop and the idle
// session reaper. It returns once the listener is bound.
func (s *Server) Start() error {
	lc := net.ListenConfig{}
	ctx, cancel := context.WithCancel(context.Background())

	ln, err := lc.Listen(ctx, "tcp", fmt.Sprintf("%s:%d", s.Host, s.Port))
	if err != nil {
		cancel()
		return fmt.Errorf("bind %s:%d: %w", s.Host, s.Port, err)
	}
	s.listener = ln
	s.shutdownCtx = ctx
	s.shutdownCancel = cancel

	logging.Info("Server listening",
		zap.String("addr", ln.Addr().String()),
		zap.String("root", s.sb.Root()))

	s.wg.Add(1)
	go s.acceptLoop()

	// Idle-session reaper: removes sessions whose owner stopped talking
	// without dropping the connection
	go func() {
		ticker := time.NewTicker(SessionReapInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				reaped := s.uploads.ReapIdle(IdleSessionThreshold)
				reaped += s.downloads.ReapIdle(IdleSessionThreshold)
				if reaped > 0 {
					logging.Info("Reaped idle sessions", zap.Int("count", reaped))
				}
				s.limiters.cleanup()
			case <-s.shutdownCtx.Done():
				return
			}
		}
	}()

	return nil
}

// acceptLoop accepts until the listener closes; each connection gets its
// own goroutine.
func (s *Server) acceptLoop() {
	defer s.wg.Done()
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.shutdownCtx.Done():
				return
			default:
			}
			logging.Warn("Accept failed", zap.Error(err))
			continue
		}
		s.wg.Add(1)
		go s.handleConn(conn)
	}
}

// Shutdown closes the listener and waits briefly for connections to drain.
func (s *Server) Shutdown() error {
	if s.shutdownCancel != nil {
		s.shutdownCancel()
	}
	if s.listener != nil {
		_ = s.listener.Close()
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(ShutdownTimeout):
		logging.Warn("Shutdown timed out waiting for connections")
	}

	// Connections that never drained still get their sessions closed when
	// their pumps exit; this covers anything already gone
	logging.Info("Server stopped")
	return nil
}
