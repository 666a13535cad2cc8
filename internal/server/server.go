package server

import (
	"context"
	"errors"
	"net"
	"strconv"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/matst80/echod/internal/echo"
	"github.com/matst80/echod/internal/obs"
	"github.com/matst80/echod/internal/ratelimit"
)

// Options configures a Server.
type Options struct {
	BindAddress    string
	Port           int
	TCP            bool
	UDP            bool
	MaxConnections int
	// IdleTimeout closes TCP clients that send nothing for this long. 0 disables.
	IdleTimeout time.Duration

	// Optional per-source filters; nil or zero-rate limiters admit everything.
	ConnLimiter     *ratelimit.Limiter
	DatagramLimiter *ratelimit.Limiter

	// Publisher receives a stats snapshot every PublishInterval when set.
	Publisher       Publisher
	PublishInterval time.Duration
}

// Server runs the TCP admission controller, the TCP echo workers and the UDP
// echo loop over a shared State.
type Server struct {
	opts    Options
	state   *State
	slots   *semaphore.Weighted
	workers sync.WaitGroup

	// spawn starts a worker; replaced in tests to simulate spawn failure.
	spawn func(fn func()) error
}

// New validates opts and creates the server state. No socket is opened yet.
func New(opts Options) (*Server, error) {
	if opts.Port < 0 || opts.Port > 65535 {
		return nil, echo.Wrap(echo.KindBadParam, "new server", errors.New("port out of range"))
	}
	st, err := NewState(opts.TCP, opts.UDP, opts.MaxConnections)
	if err != nil {
		return nil, err
	}
	s := &Server{
		opts:  opts,
		state: st,
		slots: semaphore.NewWeighted(int64(opts.MaxConnections)),
	}
	s.spawn = s.goWorker
	return s, nil
}

// State exposes the shared state for metrics and tests.
func (s *Server) State() *State { return s.state }

func (s *Server) address() string {
	return net.JoinHostPort(s.opts.BindAddress, strconv.Itoa(s.opts.Port))
}

// Start opens the sockets of every enabled protocol, closing stale ones first.
// A failure is fatal for startup: sockets opened so far are closed again.
func (s *Server) Start(ctx context.Context) error {
	for _, proto := range []echo.Protocol{echo.TCP, echo.UDP} {
		if (proto == echo.TCP && !s.opts.TCP) || (proto == echo.UDP && !s.opts.UDP) {
			obs.Info("server.protocol.disabled", obs.Fields{"proto": proto.String()})
			continue
		}
		_ = s.state.CloseSocket(proto)
		if _, err := s.state.OpenSocket(ctx, proto, s.address()); err != nil {
			_ = s.state.CloseSocket(echo.TCP)
			_ = s.state.CloseSocket(echo.UDP)
			return err
		}
	}
	return nil
}

// Addr returns the bound address of proto's socket, or nil.
func (s *Server) Addr(proto echo.Protocol) net.Addr {
	switch proto {
	case echo.TCP:
		if ln := s.state.TCPListener(); ln != nil {
			return ln.Addr()
		}
	case echo.UDP:
		if pc := s.state.UDPConn(); pc != nil {
			return pc.LocalAddr()
		}
	}
	return nil
}

// Serve runs the service loops until ctx is cancelled or one of them fails
// fatally, then closes every socket and waits for all workers to exit.
func (s *Server) Serve(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	if s.opts.TCP {
		g.Go(func() error { return s.serveTCP(gctx) })
	}
	if s.opts.UDP {
		g.Go(func() error { return s.serveUDP(gctx) })
	}
	if s.opts.Publisher != nil {
		g.Go(func() error { return s.runPublisher(gctx) })
	}
	if s.opts.ConnLimiter.Enabled() || s.opts.DatagramLimiter.Enabled() {
		g.Go(func() error { s.runLimiterCleanup(gctx); return nil })
	}
	g.Go(func() error {
		<-gctx.Done()
		s.state.shutdown()
		return nil
	})

	s.state.setReady(true)
	obs.Info("server.ready", obs.Fields{"tcp": s.opts.TCP, "udp": s.opts.UDP, "max_connections": s.opts.MaxConnections})

	err := g.Wait()
	s.workers.Wait()
	obs.Info("server.stopped", obs.Fields{"active": s.state.Active()})
	return err
}

// Run is Start followed by Serve.
func (s *Server) Run(ctx context.Context) error {
	if err := s.Start(ctx); err != nil {
		return err
	}
	return s.Serve(ctx)
}

func (s *Server) goWorker(fn func()) error {
	if s.state.isClosing() {
		return errors.New("server is shutting down")
	}
	s.workers.Add(1)
	go func() {
		defer s.workers.Done()
		fn()
	}()
	return nil
}

func (s *Server) runLimiterCleanup(ctx context.Context) {
	t := time.NewTicker(time.Minute)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			n := s.opts.ConnLimiter.CleanupIdle(5*time.Minute) + s.opts.DatagramLimiter.CleanupIdle(5*time.Minute)
			if n > 0 {
				obs.Debug("ratelimit.cleanup", obs.Fields{"removed": n})
			}
		}
	}
}

func sourceIP(addr net.Addr) string {
	if addr == nil {
		return ""
	}
	host, _, err := net.SplitHostPort(addr.String())
	if err != nil {
		return addr.String()
	}
	return host
}
