package server

import (
	"context"
	"errors"
	"io"
	"net"
	"time"

	"github.com/matst80/echod/internal/echo"
	"github.com/matst80/echod/internal/obs"
)

// serveTCP is the admission controller. A slot of the connection pool is
// taken before Accept is called, so once MaxConnections workers are active
// no further connection is accepted and the kernel backlog absorbs the rest.
func (s *Server) serveTCP(ctx context.Context) error {
	ln := s.state.TCPListener()
	if ln == nil {
		return echo.Wrap(echo.KindListen, "tcp accept loop", errors.New("listener is not open"))
	}
	obs.Info("tcp.listening", obs.Fields{"addr": ln.Addr().String(), "max_connections": s.state.MaxConnections()})

	var backoff time.Duration
	for {
		if err := s.slots.Acquire(ctx, 1); err != nil {
			return nil
		}
		c, err := ln.Accept()
		if err != nil {
			s.slots.Release(1)
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			// e.g. EMFILE: back off like net/http instead of spinning
			if backoff == 0 {
				backoff = 5 * time.Millisecond
			} else if backoff *= 2; backoff > time.Second {
				backoff = time.Second
			}
			obs.Error("tcp.accept", obs.Fields{"err": err.Error(), "retry_in": backoff.String()})
			obs.ErrorsTotal.WithLabelValues("accept").Inc()
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(backoff):
			}
			continue
		}
		backoff = 0

		remote := c.RemoteAddr()
		if !s.opts.ConnLimiter.Allow(sourceIP(remote)) {
			s.refuse(c, "rate_limited")
			continue
		}
		if !s.state.increment(c) {
			s.refuse(c, "ceiling")
			continue
		}
		obs.AcceptedTotal.Inc()
		obs.Info("tcp.accept", obs.Fields{"remote": remote.String(), "active": s.state.Active()})

		if err := s.spawn(func() { s.handleConn(ctx, c) }); err != nil {
			s.state.decrement(c)
			_ = c.Close()
			s.slots.Release(1)
			obs.Error("tcp.spawn", obs.Fields{"remote": remote.String(), "err": err.Error()})
			obs.ErrorsTotal.WithLabelValues("spawn").Inc()
			return echo.Wrap(echo.KindSpawn, "spawn tcp worker", err)
		}
	}
}

func (s *Server) refuse(c net.Conn, reason string) {
	_ = c.Close()
	s.slots.Release(1)
	s.state.reject()
	obs.RejectedTotal.WithLabelValues("tcp", reason).Inc()
	obs.Debug("tcp.refuse", obs.Fields{"remote": c.RemoteAddr().String(), "reason": reason})
}

// handleConn is the per-connection echo worker. It echoes every chunk it
// reads until the peer closes, an error occurs or the server shuts down, and
// releases its slot exactly once on the way out.
func (s *Server) handleConn(ctx context.Context, c net.Conn) {
	start := time.Now()
	remote := c.RemoteAddr().String()
	var echoed int64
	defer func() {
		_ = c.Close()
		active := s.state.decrement(c)
		s.slots.Release(1)
		obs.ConnectionDurationSeconds.Observe(time.Since(start).Seconds())
		obs.Info("tcp.close", obs.Fields{"remote": remote, "bytes": echoed, "active": active})
	}()

	buf := make([]byte, echo.BufferSize)
	for {
		if s.opts.IdleTimeout > 0 {
			_ = c.SetReadDeadline(time.Now().Add(s.opts.IdleTimeout))
		}
		n, err := c.Read(buf)
		if n > 0 {
			if werr := writeFull(c, buf[:n]); werr != nil {
				if ctx.Err() == nil {
					obs.Error("tcp.write", obs.Fields{"remote": remote, "err": werr.Error()})
					obs.ErrorsTotal.WithLabelValues("tcp_write").Inc()
				}
				return
			}
			echoed += int64(n)
			s.state.addEchoed(echo.TCP, n)
			obs.Debug("tcp.echo", obs.Fields{"remote": remote, "bytes": n})
		}
		if err == nil {
			continue
		}
		switch {
		case errors.Is(err, io.EOF):
			// orderly shutdown by the peer
		case ctx.Err() != nil || errors.Is(err, net.ErrClosed):
		case isTimeout(err):
			obs.Info("tcp.idle", obs.Fields{"remote": remote, "idle": s.opts.IdleTimeout.String()})
		default:
			obs.Error("tcp.read", obs.Fields{"remote": remote, "err": err.Error()})
			obs.ErrorsTotal.WithLabelValues("tcp_read").Inc()
		}
		return
	}
}

// writeFull writes all of p, retrying after short writes.
func writeFull(w io.Writer, p []byte) error {
	for len(p) > 0 {
		n, err := w.Write(p)
		if err != nil {
			return err
		}
		if n == 0 {
			return io.ErrShortWrite
		}
		p = p[n:]
	}
	return nil
}

func isTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
