package client

import (
	"context"
	"errors"

	gometrics "github.com/rcrowley/go-metrics"
	"go.uber.org/ratelimit"

	"github.com/matst80/echod/internal/echo"
	"github.com/matst80/echod/internal/obs"
)

// Summary aggregates a series of round trips. Latencies are milliseconds
// and cover successful echoes only.
type Summary struct {
	Sent       int
	Succeeded  int
	Timeouts   int
	Empty      int
	Overflows  int
	Mismatches int
	Failed     int

	MinMs  float64
	MeanMs float64
	MaxMs  float64
	P50Ms  float64
	P99Ms  float64
}

// Lost is the number of attempts that did not produce a matching echo.
func (s Summary) Lost() int { return s.Sent - s.Succeeded }

// Probe runs count independent round trips paced at rate per second
// (0 means unpaced). Each attempt uses a fresh session. Per-attempt failures
// are counted, not returned; the error is non-nil only for invalid options or
// a cancelled context.
func Probe(ctx context.Context, opts Options, count, rate int) (Summary, error) {
	var sum Summary
	if err := opts.Validate(); err != nil {
		return sum, err
	}
	if count <= 0 {
		return sum, echo.Wrap(echo.KindBadParam, "probe", errors.New("count must be positive"))
	}

	rl := ratelimit.NewUnlimited()
	if rate > 0 {
		rl = ratelimit.New(rate)
	}
	hist := gometrics.NewHistogram(gometrics.NewUniformSample(4096))

	for i := 0; i < count; i++ {
		rl.Take()
		if err := ctx.Err(); err != nil {
			summarize(&sum, hist)
			return sum, err
		}
		sum.Sent++
		s, err := Run(ctx, opts)
		if err != nil {
			sum.Failed++
			obs.Debug("probe.attempt", obs.Fields{"seq": i, "err": err.Error()})
			continue
		}
		switch s.Outcome() {
		case OutcomeSuccess:
			sum.Succeeded++
			hist.Update(int64(s.ElapsedMillis() * 1000))
		case OutcomeTimeout:
			sum.Timeouts++
		case OutcomeEmpty:
			sum.Empty++
		case OutcomeOverflow:
			sum.Overflows++
		case OutcomeMismatch:
			sum.Mismatches++
		default:
			sum.Failed++
		}
	}
	summarize(&sum, hist)
	obs.Info("probe.done", obs.Fields{
		"sent":      sum.Sent,
		"succeeded": sum.Succeeded,
		"lost":      sum.Lost(),
		"p50_ms":    sum.P50Ms,
		"p99_ms":    sum.P99Ms,
	})
	return sum, nil
}

// summarize copies latency stats out of the histogram, which holds
// microseconds.
func summarize(sum *Summary, h gometrics.Histogram) {
	snap := h.Snapshot()
	if snap.Count() == 0 {
		return
	}
	sum.MinMs = float64(snap.Min()) / 1000
	sum.MaxMs = float64(snap.Max()) / 1000
	sum.MeanMs = snap.Mean() / 1000
	sum.P50Ms = snap.Percentile(0.5) / 1000
	sum.P99Ms = snap.Percentile(0.99) / 1000
}
