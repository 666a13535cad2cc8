package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/matst80/echod/internal/client"
	"github.com/matst80/echod/internal/echo"
	"github.com/matst80/echod/internal/obs"
)

// Exit codes outside the error kind range. Kinds use 1, 2 and 5-17.
const (
	exitTimeout     = 3
	exitInvalidEcho = 4 // mismatch or overflow
	exitInterrupted = 130
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	cfg, err := parseConfig(args, stderr)
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		obs.Error("client.config", obs.Fields{"err": err.Error()})
		if echo.KindOf(err) == echo.KindFail {
			return int(echo.KindBadParam)
		}
		return echo.ExitCode(err)
	}
	obs.Setup(stderr, cfg.LogFormat)
	obs.EnableDebug(cfg.Debug)

	if cfg.Count > 1 {
		return runProbe(ctx, cfg, stdout)
	}

	s, err := client.Run(ctx, cfg.Options)
	if s != nil && s.Result() != "" {
		fmt.Fprintln(stdout, s.Result())
	}
	if err != nil {
		if ctx.Err() != nil {
			return exitInterrupted
		}
		return echo.ExitCode(err)
	}
	return exitCode(s.Outcome())
}

func runProbe(ctx context.Context, cfg Config, stdout io.Writer) int {
	sum, err := client.Probe(ctx, cfg.Options, cfg.Count, cfg.Rate)
	fmt.Fprintf(stdout, "%d sent, %d echoed, %d timed out, %d invalid, %d failed\n",
		sum.Sent, sum.Succeeded, sum.Timeouts, sum.Mismatches+sum.Overflows+sum.Empty, sum.Failed)
	if sum.Succeeded > 0 {
		fmt.Fprintf(stdout, "rtt min/mean/p50/p99/max = %.3f/%.3f/%.3f/%.3f/%.3f ms\n",
			sum.MinMs, sum.MeanMs, sum.P50Ms, sum.P99Ms, sum.MaxMs)
	}
	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return exitInterrupted
	case err != nil:
		return echo.ExitCode(err)
	case sum.Lost() == 0:
		return 0
	case sum.Timeouts == sum.Lost():
		return exitTimeout
	}
	return exitInvalidEcho
}

func exitCode(o client.Outcome) int {
	switch o {
	case client.OutcomeTimeout:
		return exitTimeout
	case client.OutcomeMismatch, client.OutcomeOverflow:
		return exitInvalidEcho
	}
	return 0
}
