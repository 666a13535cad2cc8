// Package client implements the echo round trip: send one message over TCP
// or UDP, wait for the echo with a timeout, validate it and time it.
package client

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"syscall"
	"time"

	"github.com/matst80/echod/internal/echo"
	"github.com/matst80/echod/internal/obs"
)

// Options describe one round trip.
type Options struct {
	Host    string
	Port    int
	Proto   echo.Protocol
	Message []byte // up to 256 bytes; may be empty over UDP
	Timeout time.Duration // receive timeout, armed when the read starts
}

// Validate checks the options before any socket is opened.
func (o Options) Validate() error {
	switch {
	case o.Host == "":
		return echo.Wrap(echo.KindBadParam, "session", errors.New("missing host"))
	case o.Port <= 0 || o.Port > 65535:
		return echo.Wrap(echo.KindBadParam, "session", fmt.Errorf("invalid port %d", o.Port))
	case !o.Proto.Valid():
		return echo.Wrap(echo.KindBadParam, "session", fmt.Errorf("invalid protocol %v", o.Proto))
	case len(o.Message) > echo.MaxMessageSize:
		return echo.Wrap(echo.KindBadParam, "session", fmt.Errorf("message must be at most %d bytes, got %d", echo.MaxMessageSize, len(o.Message)))
	case len(o.Message) == 0 && o.Proto != echo.UDP:
		// an empty datagram is a message, an empty TCP write is not
		return echo.Wrap(echo.KindBadParam, "session", errors.New("empty message is only valid over udp"))
	case o.Timeout <= 0:
		return echo.Wrap(echo.KindBadParam, "session", fmt.Errorf("timeout must be positive, got %s", o.Timeout))
	}
	return nil
}

// Outcome is how a round trip ended.
type Outcome int

const (
	OutcomePending  Outcome = iota
	OutcomeSuccess          // echo matched
	OutcomeTimeout          // no echo within the timeout
	OutcomeEmpty            // zero bytes came back for a non-empty message
	OutcomeOverflow         // more bytes came back than were sent
	OutcomeMismatch         // content or length differs
	OutcomeFailed           // connect, send or receive error
)

func (o Outcome) String() string {
	switch o {
	case OutcomePending:
		return "pending"
	case OutcomeSuccess:
		return "success"
	case OutcomeTimeout:
		return "timeout"
	case OutcomeEmpty:
		return "empty"
	case OutcomeOverflow:
		return "overflow"
	case OutcomeMismatch:
		return "mismatch"
	case OutcomeFailed:
		return "failed"
	}
	return "outcome(" + strconv.Itoa(int(o)) + ")"
}

// TimeoutResult is the result string of a timed out round trip.
const TimeoutResult = "Echo request timed out."

// Session is a single send/receive cycle. It is not safe for concurrent use
// and must not be reused after Receive.
type Session struct {
	opts   Options
	target string

	conn  net.Conn       // tcp
	pconn net.PacketConn // udp
	raddr *net.UDPAddr

	sent     []byte
	received []byte
	sentLen  int
	recvLen  int

	elapsedMs float64
	outcome   Outcome
	result    string

	dialer net.Dialer
}

// NewSession validates opts and prepares a session. The message is copied.
func NewSession(opts Options) (*Session, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	msg := make([]byte, len(opts.Message))
	copy(msg, opts.Message)
	return &Session{
		opts:   opts,
		target: net.JoinHostPort(opts.Host, strconv.Itoa(opts.Port)),
		sent:   msg,
	}, nil
}

// Send opens the socket and sends the message once. TCP connects first and
// classifies connect failures; UDP sends one datagram without connecting.
// On error the socket is closed and the attempt abandoned.
func (s *Session) Send(ctx context.Context) error {
	if s.outcome != OutcomePending || s.sent == nil {
		return echo.Wrap(echo.KindBadParam, "send", errors.New("session already used"))
	}
	switch s.opts.Proto {
	case echo.TCP:
		c, err := s.dialer.DialContext(ctx, s.opts.Proto.Network(), s.target)
		if err != nil {
			cerr := classifyDialError(err)
			s.fail("Failed to connect echo tcp server!")
			obs.Error("client.connect", obs.Fields{"target": s.target, "err": err.Error(), "kind": echo.KindOf(cerr).String()})
			return cerr
		}
		s.conn = c
		if err := writeAll(c, s.sent); err != nil {
			s.fail("Failed to send to echo tcp server!")
			obs.Error("client.send", obs.Fields{"target": s.target, "proto": "tcp", "err": err.Error()})
			s.close()
			return echo.Wrap(echo.KindSend, "send tcp", err)
		}
	case echo.UDP:
		raddr, err := net.ResolveUDPAddr(s.opts.Proto.Network(), s.target)
		if err != nil {
			s.fail("Failed to resolve echo udp server!")
			obs.Error("client.resolve", obs.Fields{"target": s.target, "err": err.Error()})
			return echo.Wrap(echo.KindConnect, "resolve udp", err)
		}
		var lc net.ListenConfig
		pc, err := lc.ListenPacket(ctx, s.opts.Proto.Network(), ":0")
		if err != nil {
			s.fail("Failed to open udp socket!")
			obs.Error("client.socket", obs.Fields{"err": err.Error()})
			return echo.Wrap(echo.KindOpenSocket, "open udp socket", err)
		}
		s.pconn, s.raddr = pc, raddr
		if _, err := pc.WriteTo(s.sent, raddr); err != nil {
			s.fail("Failed to connect echo udp server!")
			obs.Error("client.send", obs.Fields{"target": s.target, "proto": "udp", "err": err.Error(), "cause": echo.KindOf(classifyDialError(err)).String()})
			s.close()
			return echo.Wrap(echo.KindSend, "send udp", err)
		}
	}
	s.sentLen = len(s.sent)
	obs.Debug("client.sent", obs.Fields{"target": s.target, "proto": s.opts.Proto.String(), "bytes": s.sentLen})
	return nil
}

// Receive waits for the echo and validates it. The timeout is armed when the
// read starts, not when Send returned. A timeout is a normal outcome and
// returns nil; only socket failures return an error. The socket is closed and
// the buffers cleared on every path.
func (s *Session) Receive() error {
	if s.conn == nil && s.pconn == nil {
		return echo.Wrap(echo.KindClientSocket, "receive", errors.New("no open socket; call Send first"))
	}
	defer s.close()

	buf := make([]byte, echo.BufferSize)
	start := time.Now()
	deadline := start.Add(s.opts.Timeout)
	var (
		n   int
		err error
	)
	if s.conn != nil {
		err = s.conn.SetReadDeadline(deadline)
	} else {
		err = s.pconn.SetReadDeadline(deadline)
	}
	if err != nil {
		s.fail("Failed to arm receive timeout!")
		return echo.Wrap(echo.KindSockFlags, "set receive timeout", err)
	}
	if s.conn != nil {
		n, err = s.readStream(buf)
	} else {
		n, err = s.readDatagram(buf)
	}
	end := time.Now()

	if err != nil && !errors.Is(err, io.EOF) && !(n > 0 && isTimeout(err)) {
		if isTimeout(err) {
			s.outcome = OutcomeTimeout
			s.result = TimeoutResult
			obs.Info("client.timeout", obs.Fields{"target": s.target, "timeout": s.opts.Timeout.String()})
			return nil
		}
		s.fail("Failed to receive echo!")
		obs.Error("client.receive", obs.Fields{"target": s.target, "err": err.Error()})
		return echo.Wrap(echo.KindReceive, "receive", err)
	}

	s.recvLen = n
	if n == 0 && (len(s.sent) > 0 || s.pconn == nil) {
		s.outcome = OutcomeEmpty
		s.result = fmt.Sprintf("No data received for message '%s'; nothing to validate.", s.sent)
		obs.Info("client.empty", obs.Fields{"target": s.target})
		return nil
	}
	if n > len(s.sent) {
		s.outcome = OutcomeOverflow
		s.result = fmt.Sprintf("Something went wrong! Received more data than expected. Sent '%s' with size %d but received '%s' with size %d.",
			s.sent, len(s.sent), buf[:n], n)
		obs.Error("client.overflow", obs.Fields{"target": s.target, "sent": len(s.sent), "received": n})
		return nil
	}

	s.received = append([]byte(nil), buf[:n]...)
	s.elapsedMs = ElapsedMillis(start, end)
	if !bytes.Equal(s.received, s.sent) {
		s.outcome = OutcomeMismatch
		s.result = fmt.Sprintf("Error: sent message '%s' with size %d, received message '%s' with size %d",
			s.sent, len(s.sent), s.received, len(s.received))
		obs.Error("client.mismatch", obs.Fields{"target": s.target, "sent": len(s.sent), "received": n})
		return nil
	}
	s.outcome = OutcomeSuccess
	s.result = fmt.Sprintf("Message '%s' was received for %.17gms", s.received, s.elapsedMs)
	obs.Info("client.echo", obs.Fields{"target": s.target, "proto": s.opts.Proto.String(), "bytes": n, "rtt_ms": s.elapsedMs})
	return nil
}

// readStream reads until the echo is at least as long as the message, the
// peer closes or the deadline passes. Each read may fill the whole buffer, so
// trailing bytes that arrive with the last segment are still seen.
func (s *Session) readStream(buf []byte) (int, error) {
	total := 0
	for {
		n, err := s.conn.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
		if total >= len(s.sent) || total == len(buf) {
			return total, nil
		}
	}
}

// readDatagram returns the first datagram from the server address. Datagrams
// from anyone else are dropped while the deadline allows.
func (s *Session) readDatagram(buf []byte) (int, error) {
	for {
		n, from, err := s.pconn.ReadFrom(buf)
		if err != nil {
			return 0, err
		}
		if sameUDPAddr(from, s.raddr) {
			return n, nil
		}
		obs.Debug("client.stray", obs.Fields{"from": from.String(), "bytes": n})
	}
}

func sameUDPAddr(a net.Addr, b *net.UDPAddr) bool {
	ua, ok := a.(*net.UDPAddr)
	return ok && b != nil && ua.Port == b.Port && ua.IP.Equal(b.IP)
}

func isTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

// Result returns the human-readable outcome of the last operation.
func (s *Session) Result() string { return s.result }

// Outcome returns how the round trip ended.
func (s *Session) Outcome() Outcome { return s.outcome }

// ElapsedMillis returns the measured round trip; zero unless the echo arrived.
func (s *Session) ElapsedMillis() float64 { return s.elapsedMs }

// SentLen and ReceivedLen report the byte counts of the last cycle.
func (s *Session) SentLen() int     { return s.sentLen }
func (s *Session) ReceivedLen() int { return s.recvLen }

func (s *Session) fail(result string) {
	s.outcome = OutcomeFailed
	s.result = result
}

// close releases the socket and clears the message buffers.
func (s *Session) close() {
	if s.conn != nil {
		_ = s.conn.Close()
		s.conn = nil
	}
	if s.pconn != nil {
		_ = s.pconn.Close()
		s.pconn = nil
	}
	s.sent = nil
	s.received = nil
}

// ElapsedMillis is the wall-clock delta between start and end in
// milliseconds with microsecond resolution. When end's microsecond part is
// smaller than start's, one second is borrowed.
func ElapsedMillis(start, end time.Time) float64 {
	sec := end.Unix() - start.Unix()
	usec := int64(end.Nanosecond()/1000) - int64(start.Nanosecond()/1000)
	if usec < 0 {
		sec--
		usec += 1_000_000
	}
	return float64(sec)*1000 + float64(usec)/1000
}

// Run performs one complete round trip with a fresh session.
func Run(ctx context.Context, opts Options) (*Session, error) {
	s, err := NewSession(opts)
	if err != nil {
		return nil, err
	}
	if err := s.Send(ctx); err != nil {
		return s, err
	}
	return s, s.Receive()
}

func classifyDialError(err error) error {
	switch {
	case errors.Is(err, syscall.ENETUNREACH):
		return echo.Wrap(echo.KindNetUnreachable, "connect", err)
	case errors.Is(err, syscall.EHOSTUNREACH):
		return echo.Wrap(echo.KindNoRoute, "connect", err)
	}
	return echo.Wrap(echo.KindConnect, "connect", err)
}

func writeAll(w io.Writer, p []byte) error {
	for len(p) > 0 {
		n, err := w.Write(p)
		if err != nil {
			return err
		}
		p = p[n:]
	}
	return nil
}
