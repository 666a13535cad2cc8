package server

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/matst80/echod/internal/echo"
	"github.com/matst80/echod/internal/obs"
)

// State is the process-wide server state: the listening sockets, the enabled
// protocols and the active TCP client counter. Every field is guarded by mu.
type State struct {
	mu          sync.Mutex
	tcpListener net.Listener
	udpConn     net.PacketConn
	tcpEnabled  bool
	udpEnabled  bool
	maxConns    int
	active      int
	conns       map[net.Conn]struct{} // connections holding an active slot
	ready       bool
	closing     bool

	accepted  int64
	rejected  int64
	datagrams int64
	tcpBytes  int64
	udpBytes  int64
}

// NewState creates the state for a server with at most maxConns concurrent
// TCP clients.
func NewState(tcpEnabled, udpEnabled bool, maxConns int) (*State, error) {
	if maxConns <= 0 {
		return nil, echo.Wrap(echo.KindBadParam, "new state", fmt.Errorf("max connections must be positive, got %d", maxConns))
	}
	if !tcpEnabled && !udpEnabled {
		return nil, echo.Wrap(echo.KindBadParam, "new state", errors.New("no protocol enabled"))
	}
	return &State{
		tcpEnabled: tcpEnabled,
		udpEnabled: udpEnabled,
		maxConns:   maxConns,
		conns:      make(map[net.Conn]struct{}),
	}, nil
}

// increment registers c as an active client. It refuses when the ceiling is
// reached or the state is closing.
func (s *State) increment(c net.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closing || s.active >= s.maxConns {
		return false
	}
	if _, dup := s.conns[c]; dup {
		return false
	}
	s.conns[c] = struct{}{}
	s.active++
	s.accepted++
	obs.ActiveClients.Set(float64(s.active))
	return true
}

// decrement releases c's slot. Only the first call for a given connection has
// an effect, so the counter drops exactly once per admitted client.
func (s *State) decrement(c net.Conn) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.conns[c]; ok {
		delete(s.conns, c)
		s.active--
		obs.ActiveClients.Set(float64(s.active))
	}
	return s.active
}

// Active returns the number of active TCP clients.
func (s *State) Active() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

func (s *State) MaxConnections() int { return s.maxConns }

// TCPListener returns the listening socket or nil when closed.
func (s *State) TCPListener() net.Listener {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tcpListener
}

// UDPConn returns the datagram socket or nil when closed.
func (s *State) UDPConn() net.PacketConn {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.udpConn
}

func (s *State) setReady(v bool) {
	s.mu.Lock()
	s.ready = v
	s.mu.Unlock()
}

func (s *State) isClosing() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closing
}

// IsReady reports whether the server is serving and not shutting down.
func (s *State) IsReady() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ready && !s.closing
}

func (s *State) reject() {
	s.mu.Lock()
	s.rejected++
	s.mu.Unlock()
}

func (s *State) addEchoed(proto echo.Protocol, n int) {
	s.mu.Lock()
	switch proto {
	case echo.TCP:
		s.tcpBytes += int64(n)
	case echo.UDP:
		s.datagrams++
		s.udpBytes += int64(n)
	}
	s.mu.Unlock()
	obs.EchoedBytesTotal.WithLabelValues(proto.String()).Add(float64(n))
}

// shutdown marks the state closing and closes the sockets plus every active
// connection so blocked goroutines return. Slots are released by the workers.
func (s *State) shutdown() {
	s.mu.Lock()
	s.closing = true
	s.ready = false
	ln, pc := s.tcpListener, s.udpConn
	s.tcpListener, s.udpConn = nil, nil
	conns := make([]net.Conn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	if ln != nil {
		_ = ln.Close()
	}
	if pc != nil {
		_ = pc.Close()
	}
	for _, c := range conns {
		_ = c.Close()
	}
}

// Stats is a point-in-time view of the server for dashboards and the API.
type Stats struct {
	Active         int    `json:"active"`
	MaxConnections int    `json:"max_connections"`
	Accepted       int64  `json:"accepted"`
	Rejected       int64  `json:"rejected"`
	Datagrams      int64  `json:"datagrams"`
	TCPBytes       int64  `json:"tcp_bytes"`
	UDPBytes       int64  `json:"udp_bytes"`
	TCPEnabled     bool   `json:"tcp_enabled"`
	UDPEnabled     bool   `json:"udp_enabled"`
	Ready          bool   `json:"ready"`
	Now            string `json:"now"`
}

// Snapshot returns the current stats.
func (s *State) Snapshot() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Stats{
		Active:         s.active,
		MaxConnections: s.maxConns,
		Accepted:       s.accepted,
		Rejected:       s.rejected,
		Datagrams:      s.datagrams,
		TCPBytes:       s.tcpBytes,
		UDPBytes:       s.udpBytes,
		TCPEnabled:     s.tcpEnabled,
		UDPEnabled:     s.udpEnabled,
		Ready:          s.ready && !s.closing,
		Now:            time.Now().UTC().Format(time.RFC3339),
	}
}
