package adapter

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/oamwatch/oamwatch/monitor/observability"
	"github.com/oamwatch/oamwatch/monitor/store"
)

// Pool drives a ProbeFunc across a bounded worker pool, retrying transient
// failures per code. Probe errors degrade to query_failed results; they never
// surface to the scheduler as batch errors.
type Pool struct {
	probe ProbeFunc
	opts  Options
	log   *zap.Logger
}

// NewPool builds a pool driver around probe.
func NewPool(probe ProbeFunc, opts Options, log *zap.Logger) *Pool {
	if opts.Workers <= 0 {
		opts.Workers = 1
	}
	if opts.Retries < 0 {
		opts.Retries = 0
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	return &Pool{probe: probe, opts: opts, log: log}
}

// QueryBatch runs every code through the probe. On cancellation no new codes
// are started; in-flight probes drain naturally and unstarted codes report no
// result at all.
func (p *Pool) QueryBatch(ctx context.Context, codes []string, onResult ResultFunc) error {
	g := new(errgroup.Group)
	g.SetLimit(p.opts.Workers)

	for _, code := range codes {
		if ctx.Err() != nil {
			break
		}
		code := code
		g.Go(func() error {
			if ctx.Err() != nil {
				return nil
			}
			onResult(p.queryOne(ctx, code))
			return nil
		})
	}
	return g.Wait()
}

func (p *Pool) queryOne(ctx context.Context, code string) Result {
	start := time.Now()
	var lastErr error

	for attempt := 1; attempt <= p.opts.Retries+1; attempt++ {
		attemptCtx, cancel := context.WithTimeout(ctx, p.opts.Timeout)
		status, detail, err := p.probe(attemptCtx, code)
		cancel()

		if err == nil {
			observability.CheckResults.WithLabelValues(string(status)).Inc()
			return Result{
				Code:     code,
				Status:   status,
				Detail:   detail,
				Attempts: attempt,
				Elapsed:  time.Since(start),
			}
		}
		lastErr = err
		p.log.Warn("probe attempt failed",
			zap.String("code", code),
			zap.Int("attempt", attempt),
			zap.Error(err))

		if ctx.Err() != nil || errors.Is(err, context.Canceled) {
			break
		}
	}

	observability.CheckResults.WithLabelValues(string(store.StatusQueryFailed)).Inc()
	return Result{
		Code:     code,
		Status:   store.StatusQueryFailed,
		Detail:   fmt.Sprintf("probe failed: %v", lastErr),
		Err:      lastErr,
		Attempts: p.opts.Retries + 1,
		Elapsed:  time.Since(start),
	}
}
