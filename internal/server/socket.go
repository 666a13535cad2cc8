package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"

	"github.com/matst80/echod/internal/echo"
	"github.com/matst80/echod/internal/obs"
)

// OpenSocket binds the socket for proto on address unless one is already
// open, in which case the existing address is returned together with an
// echo.KindAlreadyBound error. Sockets get SO_REUSEADDR so the TCP and UDP
// services can share a port number. On failure nothing is registered and the
// error is classified as open, flags, bind or listen.
func (s *State) OpenSocket(ctx context.Context, proto echo.Protocol, address string) (net.Addr, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch proto {
	case echo.TCP:
		if !s.tcpEnabled {
			return nil, echo.Wrap(echo.KindBadParam, "open tcp socket", errors.New("tcp disabled"))
		}
		if s.tcpListener != nil {
			return s.tcpListener.Addr(), echo.Wrap(echo.KindAlreadyBound, "open tcp socket", fmt.Errorf("listening on %s", s.tcpListener.Addr()))
		}
	case echo.UDP:
		if !s.udpEnabled {
			return nil, echo.Wrap(echo.KindBadParam, "open udp socket", errors.New("udp disabled"))
		}
		if s.udpConn != nil {
			return s.udpConn.LocalAddr(), echo.Wrap(echo.KindAlreadyBound, "open udp socket", fmt.Errorf("bound to %s", s.udpConn.LocalAddr()))
		}
	default:
		return nil, echo.Wrap(echo.KindBadParam, "open socket", fmt.Errorf("unsupported protocol %v", proto))
	}

	lc := net.ListenConfig{Control: reuseAddrControl}
	if proto == echo.TCP {
		ln, err := lc.Listen(ctx, proto.Network(), address)
		if err != nil {
			obs.Error("socket.tcp", obs.Fields{"addr": address, "err": err.Error()})
			return nil, classifySetupError(proto, err)
		}
		s.tcpListener = ln
		obs.Info("socket.tcp.bound", obs.Fields{"addr": ln.Addr().String()})
		return ln.Addr(), nil
	}
	pc, err := lc.ListenPacket(ctx, proto.Network(), address)
	if err != nil {
		obs.Error("socket.udp", obs.Fields{"addr": address, "err": err.Error()})
		return nil, classifySetupError(proto, err)
	}
	s.udpConn = pc
	obs.Info("socket.udp.bound", obs.Fields{"addr": pc.LocalAddr().String()})
	return pc.LocalAddr(), nil
}

// CloseSocket closes and unregisters proto's socket. Closing an already
// closed socket is a no-op.
func (s *State) CloseSocket(proto echo.Protocol) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var err error
	switch proto {
	case echo.TCP:
		if s.tcpListener != nil {
			err = s.tcpListener.Close()
			s.tcpListener = nil
		}
	case echo.UDP:
		if s.udpConn != nil {
			err = s.udpConn.Close()
			s.udpConn = nil
		}
	default:
		return echo.Wrap(echo.KindBadParam, "close socket", fmt.Errorf("unsupported protocol %v", proto))
	}
	return err
}

// classifySetupError maps the failing syscall of a listen attempt to a kind.
func classifySetupError(proto echo.Protocol, err error) error {
	op := "open " + proto.String() + " socket"
	var se *os.SyscallError
	if errors.As(err, &se) {
		switch se.Syscall {
		case "socket":
			return echo.Wrap(echo.KindOpenSocket, op, err)
		case "setsockopt", "fcntl":
			return echo.Wrap(echo.KindSockFlags, op, err)
		case "bind":
			return echo.Wrap(echo.KindBind, op, err)
		case "listen":
			return echo.Wrap(echo.KindListen, op, err)
		}
	}
	// address resolution and other pre-bind failures
	return echo.Wrap(echo.KindBind, op, err)
}
