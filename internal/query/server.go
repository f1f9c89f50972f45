package query

import (
	"context"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"google.golang.org/grpc"
	"google.golang.org/grpc/status"
)

// ServerConfig places the query socket.
type ServerConfig struct {
	SocketPath string
	// SocketMode is applied to the socket file. Zero means owner-only, so
	// read-only tooling in another group needs an explicit mode.
	SocketMode os.FileMode
}

// Server serves SnapshotService on a Unix domain socket.
type Server struct {
	cfg        ServerConfig
	grpcServer *grpc.Server
	listener   net.Listener
	log        *logrus.Entry

	calls  atomic.Int64
	failed atomic.Int64
}

// NewServer binds a SnapshotService to cfg.SocketPath. A stale socket from a
// previous run is replaced.
func NewServer(cfg ServerConfig, source SnapshotSource, logger *logrus.Logger) (*Server, error) {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	if cfg.SocketMode == 0 {
		cfg.SocketMode = 0o600
	}
	if err := os.MkdirAll(filepath.Dir(cfg.SocketPath), 0o755); err != nil {
		return nil, fmt.Errorf("create socket directory: %w", err)
	}
	if err := os.Remove(cfg.SocketPath); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("remove stale socket: %w", err)
	}

	lis, err := net.Listen("unix", cfg.SocketPath)
	if err != nil {
		return nil, fmt.Errorf("listen on unix socket %s: %w", cfg.SocketPath, err)
	}
	if err := os.Chmod(cfg.SocketPath, cfg.SocketMode); err != nil {
		lis.Close()
		return nil, fmt.Errorf("chmod socket: %w", err)
	}

	s := &Server{
		cfg:      cfg,
		listener: lis,
		log:      logger.WithFields(logrus.Fields{"component": "query", "socket": cfg.SocketPath}),
	}
	s.grpcServer = grpc.NewServer(grpc.UnaryInterceptor(s.logCalls))
	RegisterSnapshotServer(s.grpcServer, NewHandler(source))
	return s, nil
}

// Serve blocks until the server is stopped.
func (s *Server) Serve() error {
	s.log.WithField("mode", fmt.Sprintf("%#o", s.cfg.SocketMode)).Info("query service listening")
	return s.grpcServer.Serve(s.listener)
}

// GracefulStop drains in-flight RPCs and removes the socket file.
func (s *Server) GracefulStop() {
	s.grpcServer.GracefulStop()
	os.Remove(s.cfg.SocketPath)
	s.log.WithFields(logrus.Fields{
		"calls":  s.calls.Load(),
		"failed": s.failed.Load(),
	}).Info("query service stopped")
}

// Calls returns the number of RPCs served and how many returned an error.
func (s *Server) Calls() (total, failed int64) {
	return s.calls.Load(), s.failed.Load()
}

func (s *Server) logCalls(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
	start := time.Now()
	resp, err := handler(ctx, req)
	s.calls.Add(1)

	entry := s.log.WithFields(logrus.Fields{
		"method":   info.FullMethod,
		"code":     status.Code(err).String(),
		"duration": time.Since(start),
	})
	if err != nil {
		s.failed.Add(1)
		entry.WithError(err).Warn("query failed")
	} else {
		entry.Debug("query served")
	}
	return resp, err
}
