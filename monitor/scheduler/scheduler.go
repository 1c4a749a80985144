// Package scheduler owns the in-memory task queue and the polling loop: it
// decides what to check and when, submits batches to the query adapter,
// ingests results, applies retry backoff, and reacts to config reloads.
package scheduler

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/oamwatch/oamwatch/monitor/adapter"
	"github.com/oamwatch/oamwatch/monitor/config"
	"github.com/oamwatch/oamwatch/monitor/notify"
	"github.com/oamwatch/oamwatch/monitor/observability"
	"github.com/oamwatch/oamwatch/monitor/store"
)

const (
	// DefaultMaxConcurrent caps the look-ahead extras pulled into a batch.
	DefaultMaxConcurrent = 3
	// DefaultBatchWindow is the look-ahead horizon for batching near-due tasks.
	DefaultBatchWindow = 30 * time.Second
	// failureRetryCap is the number of short-backoff retries before a failing
	// code falls back to its normal frequency.
	failureRetryCap = 3
	minSleep        = time.Second
	idleSleep       = time.Minute
)

// NotificationSink receives notification decisions. Implemented by
// notify.Queue.
type NotificationSink interface {
	Enqueue(n notify.Notification) error
}

// Control is the narrow capability handed to the HTTP layer so it can wake
// the loop without holding the whole scheduler.
type Control interface {
	Wake()
	ScheduleImmediate(code string)
	Forget(code string)
}

// Scheduler is the core polling engine.
type Scheduler struct {
	store    *store.Manager
	querier  adapter.Querier
	notifier NotificationSink
	log      *zap.Logger

	queue  *TaskQueue
	wakeCh chan struct{}

	mu      sync.Mutex // guards cfg, retries
	cfg     *config.Config
	retries map[string]int

	now func() time.Time

	maxConcurrent int
	batchWindow   time.Duration
}

// New builds a Scheduler. Call Rebuild before Run to seed the queue.
func New(st *store.Manager, querier adapter.Querier, notifier NotificationSink, cfg *config.Config, log *zap.Logger) *Scheduler {
	return &Scheduler{
		store:         st,
		querier:       querier,
		notifier:      notifier,
		log:           log,
		queue:         NewTaskQueue(),
		wakeCh:        make(chan struct{}, 1),
		cfg:           cfg,
		retries:       make(map[string]int),
		now:           time.Now,
		maxConcurrent: DefaultMaxConcurrent,
		batchWindow:   DefaultBatchWindow,
	}
}

// Wake nudges the loop out of its sleep.
func (s *Scheduler) Wake() {
	select {
	case s.wakeCh <- struct{}{}:
	default:
	}
}

// ScheduleImmediate queues an existing non-terminal code for the next batch
// at immediate priority and wakes the loop.
func (s *Scheduler) ScheduleImmediate(code string) {
	item, _, ok := s.store.GetItem(code)
	if !ok || item.Status.Terminal() {
		return
	}
	s.queue.Push(code, PriorityImmediate, s.now())
	s.Wake()
}

// Forget drops a code from the queue, e.g. after a user deletes it.
func (s *Scheduler) Forget(code string) {
	s.queue.Remove(code)
	s.mu.Lock()
	delete(s.retries, code)
	s.mu.Unlock()
}

// Rebuild seeds the queue from the merged view: declared specs without an
// item become fresh pending items at immediate priority; existing
// non-terminal items keep their schedule; terminal items are filtered out.
func (s *Scheduler) Rebuild() {
	s.mu.Lock()
	cfg := s.cfg
	s.mu.Unlock()

	now := s.now()
	for _, e := range s.store.Merged(cfg.Specs) {
		if e.Item == nil {
			// A declared code may already be user-owned. The user record wins;
			// seeding the admin store too would put the code in both stores.
			if _, origin, ok := s.store.GetItem(e.Spec.Code); ok && origin == store.OriginUser {
				s.log.Warn("declared code already user-owned, keeping user record",
					zap.String("code", e.Spec.Code))
				continue
			}
			item := s.newItem(cfg, e.Spec, now)
			if err := s.store.UpdateItem(e.Origin, e.Spec.Code, item); err != nil {
				s.log.Error("seed item failed", zap.String("code", e.Spec.Code), zap.Error(err))
			}
			s.queue.Push(e.Spec.Code, PriorityImmediate, now)
			continue
		}
		if e.Item.Status.Terminal() {
			continue
		}
		next := now
		if e.Item.NextCheck != nil {
			next = *e.Item.NextCheck
		}
		s.queue.Push(e.Item.Code, PriorityNormal, next)
	}
	s.updateDepthMetric()
}

func (s *Scheduler) newItem(cfg *config.Config, sp config.CodeSpec, now time.Time) *store.CodeItem {
	next := now
	return &store.CodeItem{
		Code:            sp.Code,
		Status:          store.StatusPending,
		NextCheck:       &next,
		FreqMinutes:     cfg.EffectiveFreq(sp),
		FirstCheck:      true,
		Channel:         sp.Channel,
		Target:          sp.Target,
		Note:            sp.Note,
		UsesDefaultFreq: sp.FreqMinutes == nil,
	}
}

// Run is the central loop. It sleeps on the wake channel bounded by the head
// task's due time, collects a batch, and runs it to completion before the
// next sleep. Errors never terminate the loop.
func (s *Scheduler) Run(ctx context.Context) error {
	s.log.Info("scheduler started", zap.Int("queued", s.queue.Len()))
	for {
		sleep := s.sleepFor()
		timer := time.NewTimer(sleep)
		select {
		case <-ctx.Done():
			timer.Stop()
			s.log.Info("scheduler stopped")
			return nil
		case <-s.wakeCh:
			timer.Stop()
		case <-timer.C:
		}

		start := s.now()
		s.runBatch(ctx)
		observability.SchedulerLoopDuration.Observe(time.Since(start).Seconds())
		s.updateDepthMetric()
	}
}

func (s *Scheduler) sleepFor() time.Duration {
	head := s.queue.Peek()
	if head == nil {
		return idleSleep
	}
	until := time.Until(head.NextCheck)
	if until < minSleep {
		return minSleep
	}
	return until
}

// runBatch pops the due tasks and submits them as one group so the adapter
// can reuse a single upstream session. Results are ingested as they arrive.
func (s *Scheduler) runBatch(ctx context.Context) {
	now := s.now()
	batch := s.queue.PopDue(now, s.batchWindow, s.maxConcurrent)
	if len(batch) == 0 {
		return
	}

	codes := make([]string, len(batch))
	for i, t := range batch {
		codes[i] = t.Code
	}
	s.log.Info("running batch", zap.Strings("codes", codes))

	defer func() {
		if r := recover(); r != nil {
			// The loop must survive anything the adapter throws at it; the
			// affected codes are rescheduled on their normal frequency.
			s.log.Error("batch panicked", zap.Any("panic", r))
			s.requeueUncompleted(codes)
		}
	}()

	if err := s.querier.QueryBatch(ctx, codes, s.ingest); err != nil {
		s.log.Error("batch failed", zap.Error(err))
	}
	// Codes cancelled before producing a result stay unchanged but must not
	// fall out of the schedule.
	s.requeueUncompleted(codes)
}

// requeueUncompleted restores queue entries for codes that produced no
// result (adapter cancellation): state unchanged, normal cadence.
func (s *Scheduler) requeueUncompleted(codes []string) {
	for _, code := range codes {
		if s.queue.Has(code) {
			continue
		}
		item, _, ok := s.store.GetItem(code)
		if !ok || item.Status.Terminal() {
			continue
		}
		if item.NextCheck != nil && item.NextCheck.After(s.now()) {
			// A persisted future next-check means the write raced with the
			// queue update. Honour the stored schedule.
			s.queue.Push(code, PriorityNormal, *item.NextCheck)
			continue
		}
		s.queue.Push(code, PriorityNormal, s.nextByFreq(item))
	}
}

func (s *Scheduler) nextByFreq(item *store.CodeItem) time.Time {
	s.mu.Lock()
	def := s.cfg.DefaultFreqMinutes
	s.mu.Unlock()
	freq := item.FreqMinutes
	if freq <= 0 {
		freq = def
	}
	return s.now().Add(time.Duration(freq) * time.Minute)
}

// ingest applies one adapter result. It runs on the adapter's worker
// goroutines and must be safe for concurrent calls.
func (s *Scheduler) ingest(res adapter.Result) {
	s.mu.Lock()
	defer s.mu.Unlock()

	item, origin, ok := s.store.GetItem(res.Code)
	if !ok {
		// Removed by a reload while in flight; drop the result.
		s.log.Debug("result for unknown code dropped", zap.String("code", res.Code))
		return
	}
	now := s.now()

	if res.Status.Failure() {
		s.ingestFailure(item, origin, res, now)
		return
	}
	delete(s.retries, res.Code)

	old := item.Status
	wasFirst := item.FirstCheck
	changed := old != res.Status

	item.Status = res.Status
	checked := now
	item.LastChecked = &checked
	if changed || item.LastChanged == nil {
		item.LastChanged = &checked
	}
	item.FirstCheck = false

	if res.Status.Terminal() {
		item.NextCheck = nil
		s.queue.Remove(res.Code)
	} else {
		next := now.Add(time.Duration(s.effectiveFreq(item)) * time.Minute)
		item.NextCheck = &next
		s.queue.Push(res.Code, PriorityNormal, next)
	}

	if err := s.store.UpdateItem(origin, res.Code, item); err != nil {
		s.log.Error("persist result failed", zap.String("code", res.Code), zap.Error(err))
	}
	if changed && !wasFirst {
		observability.StatusChanges.Inc()
	}

	if kind, notifyIt := notify.Decide(old, res.Status, wasFirst); notifyIt {
		if item.Channel == store.ChannelEmail && item.Target != "" {
			n := notify.Notification{
				Kind:      kind,
				Code:      item.Code,
				OldStatus: old,
				NewStatus: res.Status,
				Target:    item.Target,
				Note:      item.Note,
			}
			if err := s.notifier.Enqueue(n); err != nil {
				s.log.Warn("notification not enqueued", zap.String("code", item.Code), zap.Error(err))
			}
		}
	}

	s.log.Info("check ingested",
		zap.String("code", res.Code),
		zap.String("status", string(res.Status)),
		zap.Bool("changed", changed),
		zap.Int("attempts", res.Attempts),
		zap.Duration("elapsed", res.Elapsed))
}

// ingestFailure keeps the prior status and applies the 1/2/4 minute backoff;
// after three consecutive failures the code resumes its normal frequency.
// Failures never notify.
func (s *Scheduler) ingestFailure(item *store.CodeItem, origin store.Origin, res adapter.Result, now time.Time) {
	if item.Status.Terminal() {
		return
	}
	s.retries[res.Code]++
	r := s.retries[res.Code]

	// Past the cap the code stays at its normal cadence until a success
	// resets the counter; re-entering the short backoff would over-poll a
	// permanently failing upstream.
	var next time.Time
	if r <= failureRetryCap {
		next = now.Add(time.Duration(1<<(r-1)) * time.Minute)
	} else {
		next = now.Add(time.Duration(s.effectiveFreq(item)) * time.Minute)
	}
	item.NextCheck = &next
	s.queue.Push(res.Code, PriorityNormal, next)

	if err := s.store.UpdateItem(origin, res.Code, item); err != nil {
		s.log.Error("persist retry schedule failed", zap.String("code", res.Code), zap.Error(err))
	}
	s.log.Warn("check failed",
		zap.String("code", res.Code),
		zap.Int("consecutive_failures", r),
		zap.Time("next_check", next),
		zap.Error(res.Err))
}

func (s *Scheduler) effectiveFreq(item *store.CodeItem) int {
	if !item.UsesDefaultFreq && item.FreqMinutes > 0 {
		return item.FreqMinutes
	}
	return s.cfg.DefaultFreqMinutes
}

func (s *Scheduler) updateDepthMetric() {
	normal, immediate := s.queue.CountByPriority()
	observability.QueueDepth.WithLabelValues("0").Set(float64(normal))
	observability.QueueDepth.WithLabelValues("1").Set(float64(immediate))
}

// RunOnce executes a single batch over every non-terminal code immediately,
// regardless of schedule. Used by the --once CLI mode.
func (s *Scheduler) RunOnce(ctx context.Context) error {
	s.mu.Lock()
	cfg := s.cfg
	s.mu.Unlock()

	now := s.now()
	var codes []string
	for _, e := range s.store.Merged(cfg.Specs) {
		if e.Item == nil {
			item := s.newItem(cfg, e.Spec, now)
			if err := s.store.UpdateItem(e.Origin, e.Spec.Code, item); err != nil {
				s.log.Error("seed item failed", zap.String("code", e.Spec.Code), zap.Error(err))
			}
			codes = append(codes, e.Spec.Code)
			continue
		}
		if !e.Item.Status.Terminal() {
			codes = append(codes, e.Item.Code)
		}
	}
	if len(codes) == 0 {
		return nil
	}
	s.log.Info("single run", zap.Int("codes", len(codes)))
	return s.querier.QueryBatch(ctx, codes, s.ingest)
}
