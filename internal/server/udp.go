package server

import (
	"context"
	"errors"
	"net"

	"github.com/matst80/echod/internal/echo"
	"github.com/matst80/echod/internal/obs"
)

// serveUDP echoes every datagram back to its source. It keeps no per-peer
// state; the only filter is the optional per-source rate limiter.
func (s *Server) serveUDP(ctx context.Context) error {
	pc := s.state.UDPConn()
	if pc == nil {
		return echo.Wrap(echo.KindClientSocket, "udp echo loop", errors.New("socket is not open"))
	}
	obs.Info("udp.listening", obs.Fields{"addr": pc.LocalAddr().String()})

	buf := make([]byte, echo.BufferSize)
	for {
		n, addr, err := pc.ReadFrom(buf)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			if isTimeout(err) {
				continue
			}
			obs.Error("udp.read", obs.Fields{"err": err.Error()})
			obs.ErrorsTotal.WithLabelValues("udp_read").Inc()
			return echo.Wrap(echo.KindReceive, "udp read", err)
		}
		if !s.opts.DatagramLimiter.Allow(sourceIP(addr)) {
			s.state.reject()
			obs.RejectedTotal.WithLabelValues("udp", "rate_limited").Inc()
			continue
		}
		// zero-length datagrams are echoed as zero-length datagrams
		if _, err := pc.WriteTo(buf[:n], addr); err != nil {
			obs.Error("udp.write", obs.Fields{"remote": addr.String(), "err": err.Error()})
			obs.ErrorsTotal.WithLabelValues("udp_write").Inc()
			continue
		}
		s.state.addEchoed(echo.UDP, n)
		obs.DatagramsTotal.Inc()
		obs.Debug("udp.echo", obs.Fields{"remote": addr.String(), "bytes": n})
	}
}
