// Package server accepts TCP connections and runs an HTTP/2 connection
// (prior knowledge, cleartext) on each of them.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/armon/go-metrics"
	"github.com/hashicorp/go-uuid"
	"golang.org/x/sync/errgroup"

	"example.com/h2mux/internal/config"
	"example.com/h2mux/internal/http2"
	"example.com/h2mux/internal/logger"
	"example.com/h2mux/internal/util"
)

// ErrServerClosed is returned by Serve and ListenAndServe after Shutdown.
var ErrServerClosed = errors.New("server: closed")

const defaultShutdownTimeout = 10 * time.Second

// Server manages the listener and the live connections.
type Server struct {
	cfg   *config.Config
	log   *logger.Logger
	opts  http2.Options
	grace time.Duration

	mu       sync.Mutex
	listener net.Listener
	conns    map[*http2.Connection]string
	cancel   context.CancelFunc
	closing  bool
	ready    chan struct{}
	connWG   sync.WaitGroup
}

// NewServer creates a server. router and files may be nil; requests then
// fall through to 404.
func NewServer(cfg *config.Config, lg *logger.Logger, router http2.Router, files http2.FileResponder) (*Server, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}
	if lg == nil {
		return nil, fmt.Errorf("logger cannot be nil")
	}
	if cfg.Server == nil || cfg.Server.Address == nil || *cfg.Server.Address == "" {
		return nil, fmt.Errorf("server listen address (server.address) is not configured")
	}

	opts := ConnectionOptions(cfg)
	if router != nil {
		opts.Router = router
	}
	if files != nil {
		opts.Files = files
	}
	return &Server{
		cfg:   cfg,
		log:   lg,
		opts:  opts,
		grace: config.Duration(cfg.Server.GracefulShutdownTimeout, defaultShutdownTimeout),
		conns: make(map[*http2.Connection]string),
		ready: make(chan struct{}),
	}, nil
}

// ConnectionOptions translates the http2 and server sections of cfg into
// per-connection options. Unset values keep the http2 package defaults.
func ConnectionOptions(cfg *config.Config) http2.Options {
	var opts http2.Options
	if h := cfg.HTTP2; h != nil {
		if h.HeaderTableSize != nil {
			opts.HeaderTableSize = *h.HeaderTableSize
		}
		if h.MaxHeaderListSize != nil {
			opts.MaxHeaderListSize = *h.MaxHeaderListSize
		}
		if h.MaxFrameSize != nil {
			opts.MaxFrameSize = *h.MaxFrameSize
		}
		if h.MaxConcurrentStreams != nil {
			opts.MaxConcurrentStreams = *h.MaxConcurrentStreams
		}
		opts.GoAwayFlushTimeout = config.Duration(h.GoAwayFlushTimeout, http2.DefaultGoAwayFlushTimeout)
	}
	if s := cfg.Server; s != nil && s.IndexFile != nil {
		opts.IndexFile = *s.IndexFile
	}
	return opts
}

// ListenAndServe listens on the configured address, or on a socket inherited
// through LISTEN_FDS, and serves until ctx is canceled or Shutdown is called.
func (s *Server) ListenAndServe(ctx context.Context) error {
	l, err := util.Listen(*s.cfg.Server.Address)
	if err != nil {
		return err
	}
	return s.Serve(ctx, l)
}

// Serve accepts connections on l. It takes ownership of l. A canceled ctx
// is an orderly stop and returns nil.
func (s *Server) Serve(ctx context.Context, l net.Listener) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	s.mu.Lock()
	if s.closing {
		s.mu.Unlock()
		l.Close()
		return ErrServerClosed
	}
	if s.listener != nil {
		s.mu.Unlock()
		l.Close()
		return fmt.Errorf("server: already serving on %s", s.listener.Addr())
	}
	s.listener = l
	s.cancel = cancel
	close(s.ready)
	s.mu.Unlock()

	s.log.Info("Server listening", logger.LogFields{"address": l.Addr().String()})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		<-gctx.Done()
		return l.Close()
	})
	g.Go(func() error {
		defer s.drain()
		for {
			nc, err := l.Accept()
			if err != nil {
				if gctx.Err() != nil {
					return nil
				}
				var ne net.Error
				if errors.As(err, &ne) && ne.Timeout() {
					s.log.Warn("Accept timed out, retrying", logger.LogFields{"error": err.Error()})
					continue
				}
				// live connections must hear GOAWAY before drain waits on them
				cancel()
				return fmt.Errorf("accepting connection: %w", err)
			}
			s.serveConn(gctx, nc)
		}
	})

	err := g.Wait()
	if errors.Is(err, net.ErrClosed) {
		err = nil
	}
	s.mu.Lock()
	closing := s.closing
	s.mu.Unlock()
	if err == nil && closing {
		return ErrServerClosed
	}
	return err
}

func (s *Server) serveConn(ctx context.Context, nc net.Conn) {
	id, err := uuid.GenerateUUID()
	if err != nil {
		s.log.Warn("Generating connection id failed", logger.LogFields{"error": err.Error()})
		id = nc.RemoteAddr().String()
	}
	opts := s.opts
	opts.Logger = s.log.With(logger.LogFields{"conn_id": id})
	conn := http2.NewConnection(nc, opts)

	s.mu.Lock()
	s.conns[conn] = id
	s.connWG.Add(1)
	s.mu.Unlock()
	metrics.IncrCounter([]string{"h2mux", "server", "accepted"}, 1)
	opts.Logger.Debug("Connection accepted", logger.LogFields{"remote_addr": nc.RemoteAddr().String()})

	go func() {
		defer s.connWG.Done()
		err := conn.Serve(ctx)
		s.mu.Lock()
		delete(s.conns, conn)
		s.mu.Unlock()
		if err != nil {
			opts.Logger.Info("Connection ended with error", logger.LogFields{"error": err.Error()})
			return
		}
		opts.Logger.Debug("Connection closed")
	}()
}

// drain waits for live connections to finish their GOAWAY exchange, closing
// whatever is left once the grace period expires.
func (s *Server) drain() {
	done := make(chan struct{})
	go func() {
		s.connWG.Wait()
		close(done)
	}()
	timer := time.NewTimer(s.grace)
	defer timer.Stop()
	select {
	case <-done:
		return
	case <-timer.C:
	}

	s.mu.Lock()
	left := make([]*http2.Connection, 0, len(s.conns))
	for c := range s.conns {
		left = append(left, c)
	}
	s.mu.Unlock()
	s.log.Warn("Graceful shutdown timed out, closing connections", logger.LogFields{
		"timeout":     s.grace.String(),
		"connections": len(left),
	})
	for _, c := range left {
		c.Close()
	}
	<-done
}

// Addr returns the listening address. It blocks until Serve has started.
func (s *Server) Addr() net.Addr {
	<-s.ready
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.listener.Addr()
}

// ActiveConnections reports how many connections are being served.
func (s *Server) ActiveConnections() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

// Shutdown stops accepting and asks every connection to go away. Serve
// returns once they are gone.
func (s *Server) Shutdown() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closing {
		return
	}
	s.closing = true
	if s.cancel != nil {
		s.cancel()
	}
}
