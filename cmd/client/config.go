package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/matst80/echod/internal/client"
	"github.com/matst80/echod/internal/echo"
)

// Config holds client runtime configuration.
type Config struct {
	Options   client.Options
	Count     int // round trips; more than one switches to probe mode
	Rate      int // probe attempts per second, 0 = back to back
	Debug     bool
	LogFormat string
}

// parseConfig accepts either the positional form
//
//	echo-client <ip> <proto 6|17> <message> <timeout-us>
//
// or flags. Flags given alongside the positional form still apply to the
// remaining settings (port, count, rate, logging).
func parseConfig(args []string, stderr io.Writer) (Config, error) {
	var (
		cfg       Config
		host      string
		proto     string
		msg       string
		timeoutUS int64
	)
	fs := flag.NewFlagSet("echo-client", flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.Usage = func() {
		fmt.Fprintln(fs.Output(), "usage: echo-client [flags] [<ip> <proto 6|17> <message> <timeout-us>]")
		fs.PrintDefaults()
	}
	fs.StringVar(&host, "host", "127.0.0.1", "echo server address")
	fs.IntVar(&cfg.Options.Port, "port", echo.DefaultPort, "echo server port")
	fs.StringVar(&proto, "proto", "tcp", "protocol: tcp, udp, 6 or 17")
	fs.StringVar(&msg, "msg", "", "message to send (up to 256 bytes; empty only over udp)")
	fs.Int64Var(&timeoutUS, "timeout-us", 1000000, "receive timeout in microseconds")
	fs.IntVar(&cfg.Count, "count", 1, "number of round trips")
	fs.IntVar(&cfg.Rate, "rate", 0, "round trips per second when count > 1 (0 = unpaced)")
	fs.BoolVar(&cfg.Debug, "debug", false, "enable debug logs")
	fs.StringVar(&cfg.LogFormat, "log-format", "text", "log format: text or json")
	if err := fs.Parse(args); err != nil {
		return cfg, err
	}

	switch fs.NArg() {
	case 0:
	case 4:
		host, proto, msg = fs.Arg(0), fs.Arg(1), fs.Arg(2)
		n, err := strconv.ParseInt(fs.Arg(3), 10, 64)
		if err != nil {
			return cfg, echo.Wrap(echo.KindBadParam, "parse timeout", err)
		}
		timeoutUS = n
	default:
		fs.Usage()
		return cfg, echo.Wrap(echo.KindBadParam, "parse arguments", fmt.Errorf("expected 0 or 4 arguments, got %d", fs.NArg()))
	}

	p, err := echo.ParseProtocol(proto)
	if err != nil {
		return cfg, err
	}
	if cfg.Count <= 0 {
		return cfg, echo.Wrap(echo.KindBadParam, "parse arguments", errors.New("count must be positive"))
	}
	if cfg.Rate < 0 {
		return cfg, echo.Wrap(echo.KindBadParam, "parse arguments", errors.New("rate must not be negative"))
	}
	cfg.Options.Host = host
	cfg.Options.Proto = p
	cfg.Options.Message = []byte(msg)
	cfg.Options.Timeout = time.Duration(timeoutUS) * time.Microsecond
	return cfg, cfg.Options.Validate()
}
