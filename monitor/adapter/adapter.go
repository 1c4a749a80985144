// Package adapter defines the contract between the scheduler and the
// external probe that observes a code's status upstream, plus a worker-pool
// driver that turns a per-code probe function into the batch interface.
package adapter

import (
	"context"
	"time"

	"github.com/oamwatch/oamwatch/monitor/store"
)

// Result is one per-code outcome reported back to the scheduler.
type Result struct {
	Code     string
	Status   store.Status
	Detail   string
	Err      error
	Attempts int
	Elapsed  time.Duration
}

// ResultFunc receives results as they arrive. It must tolerate being called
// concurrently from multiple workers, and is invoked exactly once per code
// unless the batch is cancelled first.
type ResultFunc func(Result)

// Querier submits one batch of codes and streams per-code results. QueryBatch
// returns when every code has either produced a result or been cancelled.
type Querier interface {
	QueryBatch(ctx context.Context, codes []string, onResult ResultFunc) error
}

// ProbeFunc checks one code upstream. It returns the observed status and an
// optional human-readable detail. A non-nil error marks the attempt failed.
type ProbeFunc func(ctx context.Context, code string) (store.Status, string, error)

// Options tune the pool driver.
type Options struct {
	Workers int
	Retries int
	// Timeout is the per-attempt watchdog. Zero means DefaultTimeout.
	Timeout time.Duration
}

// DefaultTimeout bounds a single probe attempt.
const DefaultTimeout = 90 * time.Second
