package echo

import (
	"errors"
	"fmt"
)

// Kind classifies a failure. The numeric values double as process exit codes.
type Kind int

const (
	KindNone           Kind = 0
	KindFail           Kind = 1
	KindBadParam       Kind = 2
	KindListen         Kind = 5
	KindClientSocket   Kind = 6
	KindSpawn          Kind = 7
	KindReceive        Kind = 8
	KindOpenSocket     Kind = 9
	KindConnect        Kind = 10
	KindSend           Kind = 11
	KindNetUnreachable Kind = 12
	KindSockFlags      Kind = 13
	KindBind           Kind = 14
	KindNoRoute        Kind = 16
	KindAlreadyBound   Kind = 17
)

var kindText = map[Kind]string{
	KindNone:           "ok",
	KindFail:           "general failure",
	KindAlreadyBound:   "socket already bound",
	KindBadParam:       "bad parameter",
	KindListen:         "listen error",
	KindClientSocket:   "client socket error",
	KindSpawn:          "worker spawn failed",
	KindReceive:        "receive error",
	KindOpenSocket:     "open socket error",
	KindConnect:        "connect error",
	KindSend:           "send failed",
	KindNetUnreachable: "network unreachable",
	KindSockFlags:      "set socket flags error",
	KindBind:           "bind error",
	KindNoRoute:        "no route to host",
}

func (k Kind) String() string {
	if s, ok := kindText[k]; ok {
		return s
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Error is a classified failure of a socket operation.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return e.Op + ": " + e.Kind.String()
	}
	return e.Op + ": " + e.Kind.String() + ": " + e.Err.Error()
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches another *Error of the same kind, so sentinels like ErrSpawn work
// with errors.Is.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Op == "" && t.Err == nil && t.Kind == e.Kind
}

// Wrap classifies err. A nil err stays nil.
func Wrap(kind Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

var (
	ErrAlreadyBound = &Error{Kind: KindAlreadyBound}
	ErrBadParam     = &Error{Kind: KindBadParam}
	ErrListen       = &Error{Kind: KindListen}
	ErrSpawn        = &Error{Kind: KindSpawn}
	ErrConnect      = &Error{Kind: KindConnect}
)

// KindOf returns the kind of the first *Error in err's chain, KindNone for nil
// and KindFail for unclassified errors.
func KindOf(err error) Kind {
	if err == nil {
		return KindNone
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindFail
}

// ExitCode maps err to a process exit status.
func ExitCode(err error) int { return int(KindOf(err)) }
