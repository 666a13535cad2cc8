// Package echo holds the protocol constants and error taxonomy shared by the
// echo server and the round-trip client.
package echo

import (
	"fmt"
	"strconv"
	"strings"
)

const (
	// DefaultPort is the well-known echo port. Binding it needs privileges;
	// any port >= 1024 works unprivileged.
	DefaultPort = 7
	// BufferSize bounds a single read on either side of the wire.
	BufferSize = 1024
	// MaxMessageSize is the longest message the client will send.
	MaxMessageSize = 256
	// DefaultMaxConnections matches the TCP backlog the listener was sized for.
	DefaultMaxConnections = 100
)

// Protocol selects the transport. Values are the IP protocol numbers so the
// numeric selector accepted on the command line maps directly.
type Protocol int

const (
	TCP Protocol = 6
	UDP Protocol = 17
)

func (p Protocol) String() string {
	switch p {
	case TCP:
		return "tcp"
	case UDP:
		return "udp"
	}
	return "proto(" + strconv.Itoa(int(p)) + ")"
}

// Network returns the name used by the net package.
func (p Protocol) Network() string { return p.String() }

// Valid reports whether p is TCP or UDP.
func (p Protocol) Valid() bool { return p == TCP || p == UDP }

// ParseProtocol accepts "6", "17", "tcp" or "udp" in any case.
func ParseProtocol(s string) (Protocol, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "6", "tcp":
		return TCP, nil
	case "17", "udp":
		return UDP, nil
	}
	return 0, &Error{Kind: KindBadParam, Op: "parse protocol", Err: fmt.Errorf("unknown protocol %q", s)}
}
