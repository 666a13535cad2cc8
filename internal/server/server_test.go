package server

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	dto "github.com/prometheus/client_model/go"

	"github.com/matst80/echod/internal/echo"
	"github.com/matst80/echod/internal/obs"
	"github.com/matst80/echod/internal/ratelimit"
)

func testOptions(maxConns int) Options {
	return Options{
		BindAddress:    "127.0.0.1",
		Port:           0,
		TCP:            true,
		UDP:            false,
		MaxConnections: maxConns,
	}
}

// startServer starts s in the background and returns a stop func that
// cancels it and returns the Serve error.
func startServer(t *testing.T, s *Server) func() error {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	if err := s.Start(ctx); err != nil {
		cancel()
		t.Fatalf("Start: %v", err)
	}
	errCh := make(chan error, 1)
	go func() { errCh <- s.Serve(ctx) }()
	var once sync.Once
	var serveErr error
	stop := func() error {
		once.Do(func() {
			cancel()
			select {
			case serveErr = <-errCh:
			case <-time.After(5 * time.Second):
				serveErr = errors.New("server did not stop")
			}
		})
		return serveErr
	}
	t.Cleanup(func() { _ = stop() })
	return stop
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func roundTrip(t *testing.T, c net.Conn, msg []byte) []byte {
	t.Helper()
	if _, err := c.Write(msg); err != nil {
		t.Fatalf("write: %v", err)
	}
	_ = c.SetReadDeadline(time.Now().Add(2 * time.Second))
	got := make([]byte, len(msg))
	if _, err := io.ReadFull(c, got); err != nil {
		t.Fatalf("read echo: %v", err)
	}
	return got
}

func TestTCPEcho(t *testing.T) {
	s, err := New(testOptions(5))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	startServer(t, s)

	c, err := net.Dial("tcp", s.Addr(echo.TCP).String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer c.Close()

	messages := [][]byte{
		[]byte("ping"),
		bytes.Repeat([]byte{0x00, 0xff}, 128),
		bytes.Repeat([]byte("x"), echo.BufferSize),
		bytes.Repeat([]byte("large"), 1000),
	}
	for _, msg := range messages {
		if got := roundTrip(t, c, msg); !bytes.Equal(got, msg) {
			t.Fatalf("echo mismatch for %d bytes", len(msg))
		}
	}
}

func TestActiveCountReturnsToZero(t *testing.T) {
	s, err := New(testOptions(5))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	startServer(t, s)

	c, err := net.Dial("tcp", s.Addr(echo.TCP).String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	roundTrip(t, c, []byte("ping"))
	if got := s.State().Active(); got != 1 {
		t.Errorf("Active() = %d while connected, want 1", got)
	}
	_ = c.Close()
	waitFor(t, "active count to drop to 0", func() bool { return s.State().Active() == 0 })

	var m dto.Metric
	if err := obs.ActiveClients.Write(&m); err != nil {
		t.Fatalf("read gauge: %v", err)
	}
	if v := m.GetGauge().GetValue(); v != 0 {
		t.Errorf("active clients gauge = %v, want 0", v)
	}
}

func TestAdmissionCeiling(t *testing.T) {
	const max = 2
	s, err := New(testOptions(max))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	startServer(t, s)
	addr := s.Addr(echo.TCP).String()

	var conns []net.Conn
	for i := 0; i < max; i++ {
		c, err := net.Dial("tcp", addr)
		if err != nil {
			t.Fatalf("dial %d: %v", i, err)
		}
		defer c.Close()
		roundTrip(t, c, []byte("hold"))
		conns = append(conns, c)
	}

	// Over the ceiling: the kernel completes the handshake but nobody accepts.
	extra, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("dial extra: %v", err)
	}
	defer extra.Close()
	if _, err := extra.Write([]byte("wait")); err != nil {
		t.Fatalf("write extra: %v", err)
	}
	_ = extra.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
	buf := make([]byte, 4)
	if _, err := extra.Read(buf); err == nil {
		t.Fatal("connection over the ceiling was served")
	} else if ne, ok := err.(net.Error); !ok || !ne.Timeout() {
		t.Fatalf("expected read timeout, got %v", err)
	}
	if got := s.State().Active(); got != max {
		t.Fatalf("Active() = %d, want %d", got, max)
	}

	// Free a slot; the waiting connection is admitted and its bytes echoed.
	_ = conns[0].Close()
	_ = extra.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, err := io.ReadFull(extra, buf); err != nil {
		t.Fatalf("read after slot freed: %v", err)
	}
	if string(buf) != "wait" {
		t.Fatalf("echo = %q, want %q", buf, "wait")
	}
	if got := s.State().Active(); got > max {
		t.Fatalf("Active() = %d exceeds ceiling %d", got, max)
	}
}

func TestAdmissionCeilingUnderLoad(t *testing.T) {
	const max = 3
	s, err := New(testOptions(max))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	startServer(t, s)
	addr := s.Addr(echo.TCP).String()

	stopSampling := make(chan struct{})
	var peak int
	var sampler sync.WaitGroup
	sampler.Add(1)
	go func() {
		defer sampler.Done()
		for {
			select {
			case <-stopSampling:
				return
			default:
			}
			if a := s.State().Active(); a > peak {
				peak = a
			}
			time.Sleep(time.Millisecond)
		}
	}()

	var wg sync.WaitGroup
	for i := 0; i < 12; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			c, err := net.Dial("tcp", addr)
			if err != nil {
				t.Errorf("dial %d: %v", i, err)
				return
			}
			defer c.Close()
			_ = c.SetDeadline(time.Now().Add(5 * time.Second))
			msg := []byte("client")
			if _, err := c.Write(msg); err != nil {
				t.Errorf("write %d: %v", i, err)
				return
			}
			got := make([]byte, len(msg))
			if _, err := io.ReadFull(c, got); err != nil {
				t.Errorf("read %d: %v", i, err)
				return
			}
			time.Sleep(20 * time.Millisecond)
		}(i)
	}
	wg.Wait()
	close(stopSampling)
	sampler.Wait()

	if peak > max {
		t.Fatalf("observed %d active clients, ceiling is %d", peak, max)
	}
	waitFor(t, "all workers to finish", func() bool { return s.State().Active() == 0 })
}

func TestSpawnFailureIsFatal(t *testing.T) {
	s, err := New(testOptions(2))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	s.spawn = func(func()) error { return errors.New("no worker available") }

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := s.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	addr := s.Addr(echo.TCP).String()
	errCh := make(chan error, 1)
	go func() { errCh <- s.Serve(ctx) }()

	c, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer c.Close()

	select {
	case err := <-errCh:
		if !errors.Is(err, echo.ErrSpawn) {
			t.Fatalf("Serve error = %v, want spawn failure", err)
		}
		if echo.ExitCode(err) != int(echo.KindSpawn) {
			t.Errorf("exit code = %d", echo.ExitCode(err))
		}
	case <-time.After(3 * time.Second):
		t.Fatal("Serve did not stop after spawn failure")
	}
	if got := s.State().Active(); got != 0 {
		t.Errorf("Active() = %d after compensation, want 0", got)
	}
	// the accepted socket must have been closed, not leaked
	_ = c.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, err := c.Read(make([]byte, 1)); err == nil {
		t.Error("expected accepted socket to be closed")
	}
}

func TestServeWithoutListener(t *testing.T) {
	s, err := New(testOptions(1))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	err = s.Serve(context.Background())
	if !errors.Is(err, echo.ErrListen) {
		t.Fatalf("Serve error = %v, want listen error", err)
	}
}

func TestShutdownClosesClients(t *testing.T) {
	s, err := New(testOptions(3))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	stop := startServer(t, s)

	c, err := net.Dial("tcp", s.Addr(echo.TCP).String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer c.Close()
	roundTrip(t, c, []byte("bye"))

	if err := stop(); err != nil {
		t.Fatalf("Serve returned %v on shutdown", err)
	}
	_ = c.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, err := c.Read(make([]byte, 1)); err == nil {
		t.Error("expected client connection to be closed on shutdown")
	}
	if got := s.State().Active(); got != 0 {
		t.Errorf("Active() = %d after shutdown, want 0", got)
	}
}

func TestIdleTimeout(t *testing.T) {
	opts := testOptions(1)
	opts.IdleTimeout = 50 * time.Millisecond
	s, err := New(opts)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	startServer(t, s)

	c, err := net.Dial("tcp", s.Addr(echo.TCP).String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer c.Close()
	roundTrip(t, c, []byte("x"))
	waitFor(t, "idle client to be dropped", func() bool { return s.State().Active() == 0 })
}

func TestConnectionRateLimit(t *testing.T) {
	opts := testOptions(5)
	opts.ConnLimiter = ratelimit.NewLimiter(1, 1)
	s, err := New(opts)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	startServer(t, s)
	addr := s.Addr(echo.TCP).String()

	first, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer first.Close()
	roundTrip(t, first, []byte("ok"))

	second, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer second.Close()
	_ = second.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, err := second.Read(make([]byte, 1)); err == nil {
		t.Fatal("expected rate limited connection to be closed")
	}
	if st := s.State().Snapshot(); st.Rejected != 1 {
		t.Errorf("Rejected = %d, want 1", st.Rejected)
	}
}

func TestUDPEcho(t *testing.T) {
	opts := testOptions(1)
	opts.TCP = false
	opts.UDP = true
	s, err := New(opts)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	startServer(t, s)

	c, err := net.Dial("udp", s.Addr(echo.UDP).String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer c.Close()

	tests := []struct {
		name string
		msg  []byte
	}{
		{"ping", []byte("ping")},
		{"max message", bytes.Repeat([]byte("m"), echo.MaxMessageSize)},
		{"binary", []byte{0, 1, 2, 0, 255}},
		{"empty", []byte{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := c.Write(tt.msg); err != nil {
				t.Fatalf("write: %v", err)
			}
			_ = c.SetReadDeadline(time.Now().Add(2 * time.Second))
			buf := make([]byte, echo.BufferSize)
			n, err := c.Read(buf)
			if err != nil {
				t.Fatalf("read: %v", err)
			}
			if !bytes.Equal(buf[:n], tt.msg) {
				t.Fatalf("echo = %q (%d bytes), want %q (%d bytes)", buf[:n], n, tt.msg, len(tt.msg))
			}
		})
	}
	waitFor(t, "datagram stats", func() bool { return s.State().Snapshot().Datagrams == int64(len(tests)) })
}

func TestTCPAndUDPSharePort(t *testing.T) {
	probe, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("probe listen: %v", err)
	}
	port := probe.Addr().(*net.TCPAddr).Port
	_ = probe.Close()

	opts := testOptions(2)
	opts.UDP = true
	opts.Port = port
	s, err := New(opts)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	startServer(t, s)

	if s.Addr(echo.UDP).(*net.UDPAddr).Port != port || s.Addr(echo.TCP).(*net.TCPAddr).Port != port {
		t.Fatalf("sockets not on the same port: tcp=%v udp=%v", s.Addr(echo.TCP), s.Addr(echo.UDP))
	}
	for _, network := range []string{"tcp", "udp"} {
		c, err := net.Dial(network, s.Addr(echo.TCP).String())
		if err != nil {
			t.Fatalf("dial %s: %v", network, err)
		}
		if got := roundTrip(t, c, []byte(network)); string(got) != network {
			t.Errorf("%s echo = %q", network, got)
		}
		_ = c.Close()
	}
}

type recordingPublisher struct {
	mu     sync.Mutex
	stats  []Stats
	closed bool
}

func (p *recordingPublisher) Publish(_ context.Context, st Stats) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stats = append(p.stats, st)
	return nil
}

func (p *recordingPublisher) Close() error {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	return nil
}

func (p *recordingPublisher) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.stats)
}

func TestPublisherReceivesSnapshots(t *testing.T) {
	pub := &recordingPublisher{}
	opts := testOptions(4)
	opts.Publisher = pub
	opts.PublishInterval = 10 * time.Millisecond
	s, err := New(opts)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	stop := startServer(t, s)

	waitFor(t, "several snapshots", func() bool { return pub.count() >= 3 })
	if err := stop(); err != nil {
		t.Fatalf("stop: %v", err)
	}
	pub.mu.Lock()
	defer pub.mu.Unlock()
	for _, st := range pub.stats {
		if st.MaxConnections != 4 || !st.TCPEnabled || st.UDPEnabled {
			t.Fatalf("unexpected snapshot %+v", st)
		}
	}
}

func TestStatsFields(t *testing.T) {
	f := statsFields(Stats{Active: 2, MaxConnections: 5, Accepted: 9, Ready: true, Now: "2026-10-15T00:00:00Z"})
	if f["active"] != 2 || f["max_connections"] != 5 || f["accepted"] != int64(9) {
		t.Errorf("unexpected fields %v", f)
	}
	if f["ready"] != "true" || !strings.HasPrefix(f["updated"].(string), "2026-10-15") {
		t.Errorf("unexpected fields %v", f)
	}
}

func TestNewRejectsBadOptions(t *testing.T) {
	tests := []struct {
		name string
		opts Options
	}{
		{"zero max", Options{TCP: true, MaxConnections: 0}},
		{"no protocol", Options{MaxConnections: 1}},
		{"bad port", Options{TCP: true, MaxConnections: 1, Port: 70000}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := New(tt.opts); echo.KindOf(err) != echo.KindBadParam {
				t.Errorf("New error = %v, want bad parameter", err)
			}
		})
	}
}
