package notify

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/oamwatch/oamwatch/monitor/observability"
)

var ErrQueueFull = errors.New("notify: queue full")

const (
	queueCapacity = 256
	drainGrace    = 3 * time.Second
	rateWindow    = time.Minute
)

// Queue is the rate-capped delivery path for status notifications. A single
// worker drains a bounded FIFO under a sliding-window cap of perMinute
// messages. Security-sensitive mail bypasses the queue via SendImmediate but
// shares the same transport.
type Queue struct {
	sender          Sender
	log             *zap.Logger
	ch              chan Notification
	perMinute       int
	firstCheckDelay time.Duration

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error

	// sent holds the delivery timestamps inside the sliding window.
	sent []time.Time
}

// NewQueue builds the queued path. perMinute caps deliveries over a sliding
// one-minute window; firstCheckDelay postpones first-record mail.
func NewQueue(sender Sender, perMinute int, firstCheckDelay time.Duration, log *zap.Logger) *Queue {
	if perMinute <= 0 {
		perMinute = 10
	}
	return &Queue{
		sender:          sender,
		log:             log,
		ch:              make(chan Notification, queueCapacity),
		perMinute:       perMinute,
		firstCheckDelay: firstCheckDelay,
		now:             time.Now,
		sleep:           sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}

// Enqueue adds a status notification to the queued path. First-record mail
// gets its delivery grace applied here. A full queue drops the message.
func (q *Queue) Enqueue(n Notification) error {
	if n.CorrelationID == "" {
		n.CorrelationID = uuid.NewString()
	}
	if n.Kind == KindFirstRecord && q.firstCheckDelay > 0 && n.NotBefore.IsZero() {
		n.NotBefore = q.now().Add(q.firstCheckDelay)
	}
	select {
	case q.ch <- n:
		return nil
	default:
		observability.NotificationsDropped.WithLabelValues("queue_full").Inc()
		q.log.Warn("notification dropped, queue full",
			zap.String("code", n.Code),
			zap.String("kind", string(n.Kind)))
		return ErrQueueFull
	}
}

// SendImmediate bypasses the rate queue for verification and management
// mail. It still shares the pooled transport.
func (q *Queue) SendImmediate(ctx context.Context, n Notification) error {
	if n.CorrelationID == "" {
		n.CorrelationID = uuid.NewString()
	}
	msg, err := Render(n)
	if err != nil {
		return err
	}
	if err := q.sender.Send(ctx, msg); err != nil {
		observability.NotificationsDropped.WithLabelValues("transport").Inc()
		return err
	}
	observability.NotificationsSent.WithLabelValues(string(n.Kind)).Inc()
	return nil
}

// Run drains the queue until ctx is cancelled, then keeps delivering already
// queued messages for a short grace before dropping the rest. Messages whose
// NotBefore lies in the future are held aside so they never block mail queued
// behind them.
func (q *Queue) Run(ctx context.Context) error {
	var held []Notification
	for {
		held = q.deliverDue(ctx, held)

		var (
			timer  *time.Timer
			timerC <-chan time.Time
		)
		if next, ok := earliestNotBefore(held); ok {
			timer = time.NewTimer(next.Sub(q.now()))
			timerC = timer.C
		}

		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			q.drain(held)
			return nil
		case n := <-q.ch:
			if timer != nil {
				timer.Stop()
			}
			if n.NotBefore.After(q.now()) {
				held = append(held, n)
			} else {
				q.deliver(ctx, n)
			}
		case <-timerC:
		}
	}
}

// deliverDue sends every held message whose NotBefore has passed and returns
// the rest.
func (q *Queue) deliverDue(ctx context.Context, held []Notification) []Notification {
	now := q.now()
	rest := held[:0]
	for _, n := range held {
		if n.NotBefore.After(now) {
			rest = append(rest, n)
			continue
		}
		q.deliver(ctx, n)
	}
	return rest
}

func earliestNotBefore(held []Notification) (time.Time, bool) {
	if len(held) == 0 {
		return time.Time{}, false
	}
	earliest := held[0].NotBefore
	for _, n := range held[1:] {
		if n.NotBefore.Before(earliest) {
			earliest = n.NotBefore
		}
	}
	return earliest, true
}

func (q *Queue) deliver(ctx context.Context, n Notification) {
	if wait := q.reserve(q.now()); wait > 0 {
		if err := q.sleep(ctx, wait); err != nil {
			observability.NotificationsDropped.WithLabelValues("cancelled").Inc()
			return
		}
		q.reserve(q.now())
	}

	msg, err := Render(n)
	if err != nil {
		q.log.Error("notification render failed", zap.String("code", n.Code), zap.Error(err))
		observability.NotificationsDropped.WithLabelValues("render").Inc()
		return
	}
	// At-most-once: a transport failure is logged but not re-queued beyond
	// the transport's own retry.
	if err := q.sender.Send(ctx, msg); err != nil {
		observability.NotificationsDropped.WithLabelValues("transport").Inc()
		return
	}
	q.recordSend(q.now())
	observability.NotificationsSent.WithLabelValues(string(n.Kind)).Inc()
}

// reserve prunes the sliding window and returns how long the caller must
// wait before the next delivery fits under the cap.
func (q *Queue) reserve(now time.Time) time.Duration {
	cutoff := now.Add(-rateWindow)
	kept := q.sent[:0]
	for _, t := range q.sent {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	q.sent = kept
	if len(q.sent) < q.perMinute {
		return 0
	}
	return q.sent[0].Add(rateWindow).Sub(now)
}

func (q *Queue) recordSend(t time.Time) {
	q.sent = append(q.sent, t)
}

func (q *Queue) drain(held []Notification) {
	deadline := time.Now().Add(drainGrace)
	// Held first-record mail goes out early rather than being lost.
	for _, n := range held {
		ctx, cancel := context.WithDeadline(context.Background(), deadline)
		q.deliver(ctx, n)
		cancel()
		if time.Now().After(deadline) {
			q.dropRemaining()
			return
		}
	}
	for {
		select {
		case n := <-q.ch:
			ctx, cancel := context.WithDeadline(context.Background(), deadline)
			q.deliver(ctx, n)
			cancel()
			if time.Now().After(deadline) {
				q.dropRemaining()
				return
			}
		default:
			return
		}
	}
}

func (q *Queue) dropRemaining() {
	for {
		select {
		case n := <-q.ch:
			observability.NotificationsDropped.WithLabelValues("shutdown").Inc()
			q.log.Warn("notification dropped at shutdown", zap.String("code", n.Code))
		default:
			return
		}
	}
}
