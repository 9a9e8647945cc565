// Package server hands connections to the session engine: one session on
// stdin/stdout, or one session per accepted TCP connection under a fixed
// worker pool.
package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/example/aquestalk-proxy/internal/session"
)

// RunStdio runs exactly one session on the process's own streams, without a
// byte budget. It returns when the peer closes stdin or a fatal fault was
// answered.
func RunStdio(ctx context.Context, engine *session.Engine, stdin io.Reader, stdout io.Writer) (session.Stats, error) {
	return engine.Serve(ctx, session.Conn{
		Transport: "stdio",
		Reader:    stdin,
		Writer:    stdout,
	})
}

// ---------------------------------------------------------------------------
// Functional options
// ---------------------------------------------------------------------------

type options struct {
	threads         int
	readTimeout     time.Duration
	limit           int64
	shutdownTimeout time.Duration
	logger          *slog.Logger
}

func defaultOptions() options {
	return options{
		threads:         1,
		shutdownTimeout: 30 * time.Second,
		logger:          slog.Default(),
	}
}

// Option configures a Server.
type Option func(*options)

// WithThreads sets the number of sessions served concurrently.
func WithThreads(n int) Option {
	return func(o *options) { o.threads = n }
}

// WithReadTimeout bounds each blocking read on a connection. 0 disables it.
func WithReadTimeout(d time.Duration) Option {
	return func(o *options) { o.readTimeout = d }
}

// WithLimit sets the per-connection byte budget. 0 disables it.
func WithLimit(n int64) Option {
	return func(o *options) { o.limit = n }
}

// WithShutdownTimeout sets how long running sessions may drain after the
// context is cancelled before their connections are closed.
func WithShutdownTimeout(d time.Duration) Option {
	return func(o *options) { o.shutdownTimeout = d }
}

// WithLogger sets the slog.Logger used for connection logging.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// ---------------------------------------------------------------------------
// Server
// ---------------------------------------------------------------------------

// Server accepts TCP connections on one or more addresses and serves each
// as an independent session.
type Server struct {
	engine *session.Engine
	listen []string
	opts   options
	log    *slog.Logger

	ready chan struct{}

	mu        sync.Mutex
	listeners []net.Listener
	active    map[net.Conn]struct{}
}

// New returns a Server for the given listen addresses.
func New(engine *session.Engine, listen []string, optFns ...Option) *Server {
	opts := defaultOptions()
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.threads < 1 {
		opts.threads = 1
	}

	return &Server{
		engine: engine,
		listen: append([]string(nil), listen...),
		opts:   opts,
		log:    opts.logger,
		ready:  make(chan struct{}),
		active: make(map[net.Conn]struct{}),
	}
}

// Ready is closed once every address is bound.
func (s *Server) Ready() <-chan struct{} {
	return s.ready
}

// Addrs returns the bound addresses. It is empty before Ready is closed.
func (s *Server) Addrs() []net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()

	addrs := make([]net.Addr, len(s.listeners))
	for i, ln := range s.listeners {
		addrs[i] = ln.Addr()
	}
	return addrs
}

// Start binds every address and serves until ctx is cancelled. A bind
// failure is returned immediately. On cancellation the listeners close and
// running sessions get the shutdown timeout to finish.
func (s *Server) Start(ctx context.Context) error {
	if len(s.listen) == 0 {
		return errors.New("no listen address configured")
	}

	var lc net.ListenConfig
	listeners := make([]net.Listener, 0, len(s.listen))
	for _, addr := range s.listen {
		ln, err := lc.Listen(ctx, "tcp", addr)
		if err != nil {
			for _, l := range listeners {
				_ = l.Close()
			}
			return fmt.Errorf("listen %s: %w", addr, err)
		}
		s.log.Info("listening", slog.String("addr", ln.Addr().String()))
		listeners = append(listeners, ln)
	}

	s.mu.Lock()
	s.listeners = listeners
	s.mu.Unlock()
	close(s.ready)

	conns := make(chan net.Conn)
	var workers sync.WaitGroup
	for range s.opts.threads {
		workers.Add(1)
		go func() {
			defer workers.Done()
			for c := range conns {
				s.handle(ctx, c)
			}
		}()
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, ln := range listeners {
		g.Go(func() error {
			return s.acceptLoop(gctx, ln, conns)
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		for _, ln := range listeners {
			_ = ln.Close()
		}
		return nil
	})

	err := g.Wait()
	close(conns)
	s.drain(&workers)
	return err
}

func (s *Server) acceptLoop(ctx context.Context, ln net.Listener, conns chan<- net.Conn) error {
	var backoff time.Duration
	for {
		c, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			backoff = nextBackoff(backoff)
			s.log.Warn("accept failed",
				slog.String("addr", ln.Addr().String()),
				slog.String("error", err.Error()),
				slog.Duration("retry_in", backoff),
			)
			select {
			case <-time.After(backoff):
				continue
			case <-ctx.Done():
				return nil
			}
		}
		backoff = 0

		select {
		case conns <- c:
		case <-ctx.Done():
			_ = c.Close()
			return nil
		}
	}
}

func nextBackoff(d time.Duration) time.Duration {
	if d == 0 {
		return 5 * time.Millisecond
	}
	if d *= 2; d > time.Second {
		d = time.Second
	}
	return d
}

// drain waits for workers and force-closes connections still open when the
// shutdown timeout expires.
func (s *Server) drain(workers *sync.WaitGroup) {
	done := make(chan struct{})
	go func() {
		workers.Wait()
		close(done)
	}()

	select {
	case <-done:
		return
	case <-time.After(s.opts.shutdownTimeout):
	}

	s.mu.Lock()
	n := len(s.active)
	for c := range s.active {
		_ = c.Close()
	}
	s.mu.Unlock()
	s.log.Warn("shutdown timeout; closed running sessions", slog.Int("sessions", n))
	<-done
}

func (s *Server) track(c net.Conn, on bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if on {
		s.active[c] = struct{}{}
	} else {
		delete(s.active, c)
	}
}

func (s *Server) handle(ctx context.Context, c net.Conn) {
	s.track(c, true)
	defer func() {
		s.track(c, false)
		_ = c.Close()
	}()

	id := uuid.NewString()
	log := s.log.With(
		slog.String("session", id),
		slog.String("remote", c.RemoteAddr().String()),
	)

	var r io.Reader = c
	if s.opts.readTimeout > 0 {
		if err := c.SetReadDeadline(time.Now().Add(s.opts.readTimeout)); err != nil {
			log.Warn("connection setup failed", slog.String("error", err.Error()))
			return
		}
		r = &deadlineReader{conn: c, timeout: s.opts.readTimeout}
	}

	start := time.Now()
	stats, err := s.engine.Serve(ctx, session.Conn{
		ID:        id,
		Transport: "tcp",
		Reader:    r,
		Writer:    c,
		Limit:     s.opts.limit,
	})
	if err != nil {
		log.Warn("session ended with write failure", slog.String("error", err.Error()))
	}

	if cw, ok := c.(interface{ CloseWrite() error }); ok {
		if err := cw.CloseWrite(); err != nil {
			log.Debug("half-close failed", slog.String("error", err.Error()))
		}
	}
	// The session is over and nothing read here reaches it. Input is only
	// left unread after a willClose response or a cancelled session.
	if inputMayBePending(ctx, stats, err) {
		lingerRead(c)
	}

	log.Info("connection closed",
		slog.Int("requests", stats.Requests),
		slog.Int("failures", stats.Failures),
		slog.Bool("fatal", stats.Closed),
		slog.Int64("duration_ms", time.Since(start).Milliseconds()),
	)
}

// inputMayBePending reports whether a finished session can have left peer
// bytes unread. A session that read to EOF cannot; one whose writes failed
// has no response left to protect.
func inputMayBePending(ctx context.Context, stats session.Stats, err error) bool {
	return err == nil && (stats.Closed || ctx.Err() != nil)
}

// lingerTimeout bounds how long unread input is drained before close.
const lingerTimeout = 250 * time.Millisecond

// lingerRead discards input the session left unread. Closing a socket with
// unread data resets the connection, which can destroy the final response
// before the peer reads it.
func lingerRead(c net.Conn) {
	if err := c.SetReadDeadline(time.Now().Add(lingerTimeout)); err != nil {
		return
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(c, 64<<10))
}

// deadlineReader pushes the read deadline forward before every read, so
// the timeout bounds each wait for the peer rather than the whole session.
type deadlineReader struct {
	conn    net.Conn
	timeout time.Duration
}

func (d *deadlineReader) Read(p []byte) (int, error) {
	if err := d.conn.SetReadDeadline(time.Now().Add(d.timeout)); err != nil {
		return 0, err
	}
	return d.conn.Read(p)
}
