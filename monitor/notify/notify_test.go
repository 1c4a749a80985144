package notify

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/oamwatch/oamwatch/monitor/store"
)

type captureSender struct {
	mu   sync.Mutex
	sent []Message
	err  error
}

func (c *captureSender) Send(_ context.Context, msg Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return c.err
	}
	c.sent = append(c.sent, msg)
	return nil
}

func (c *captureSender) all() []Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Message(nil), c.sent...)
}

func TestDecideTable(t *testing.T) {
	cases := []struct {
		name       string
		old, new   store.Status
		firstCheck bool
		wantKind   Kind
		wantNotify bool
	}{
		{"failure never notifies", store.StatusProceedings, store.StatusQueryFailed, false, "", false},
		{"failure on first check", store.StatusPending, store.StatusQueryFailed, true, "", false},
		{"first check not found silent", store.StatusPending, store.StatusNotFound, true, "", false},
		{"first check proceedings", store.StatusPending, store.StatusProceedings, true, KindFirstRecord, true},
		{"first check granted", store.StatusPending, store.StatusGranted, true, KindFirstRecord, true},
		{"change notifies", store.StatusNotFound, store.StatusProceedings, false, KindStatusChange, true},
		{"terminal change notifies", store.StatusProceedings, store.StatusGranted, false, KindStatusChange, true},
		{"unchanged silent", store.StatusProceedings, store.StatusProceedings, false, "", false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			kind, notify := Decide(tc.old, tc.new, tc.firstCheck)
			assert.Equal(t, tc.wantNotify, notify)
			assert.Equal(t, tc.wantKind, kind)
		})
	}
}

func TestReserveSlidingWindow(t *testing.T) {
	q := NewQueue(&captureSender{}, 3, 0, zap.NewNop())
	base := time.Date(2026, 8, 24, 10, 0, 0, 0, time.UTC)

	// Three sends in quick succession fit under the cap.
	for i := 0; i < 3; i++ {
		now := base.Add(time.Duration(i*10) * time.Second)
		assert.Zero(t, q.reserve(now))
		q.recordSend(now)
	}

	// The fourth must wait until the oldest send leaves the window, not
	// until some refill interval elapses.
	wait := q.reserve(base.Add(25 * time.Second))
	assert.Equal(t, 35*time.Second, wait)

	// Once the oldest timestamp ages out the slot opens.
	assert.Zero(t, q.reserve(base.Add(61*time.Second)))
}

func TestDeliverAppliesRateCap(t *testing.T) {
	sender := &captureSender{}
	q := NewQueue(sender, 2, 0, zap.NewNop())

	clock := time.Date(2026, 8, 24, 10, 0, 0, 0, time.UTC)
	var slept []time.Duration
	q.now = func() time.Time { return clock }
	q.sleep = func(_ context.Context, d time.Duration) error {
		slept = append(slept, d)
		clock = clock.Add(d)
		return nil
	}

	n := Notification{Kind: KindStatusChange, Code: "PEKI202508190001",
		OldStatus: store.StatusNotFound, NewStatus: store.StatusProceedings,
		Target: "a@example.com"}
	ctx := context.Background()

	q.deliver(ctx, n)
	q.deliver(ctx, n)
	require.Empty(t, slept)

	q.deliver(ctx, n)
	require.Len(t, slept, 1)
	assert.Equal(t, time.Minute, slept[0])
	assert.Len(t, sender.all(), 3)
}

func TestEnqueueFirstCheckDelay(t *testing.T) {
	q := NewQueue(&captureSender{}, 10, 30*time.Second, zap.NewNop())
	base := time.Date(2026, 8, 24, 10, 0, 0, 0, time.UTC)
	q.now = func() time.Time { return base }

	require.NoError(t, q.Enqueue(Notification{Kind: KindFirstRecord, Code: "X", Target: "a@example.com"}))
	got := <-q.ch
	assert.Equal(t, base.Add(30*time.Second), got.NotBefore)
	assert.NotEmpty(t, got.CorrelationID)

	require.NoError(t, q.Enqueue(Notification{Kind: KindStatusChange, Code: "X", Target: "a@example.com"}))
	got = <-q.ch
	assert.True(t, got.NotBefore.IsZero(), "only first-record mail is delayed")
}

func TestEnqueueFullQueueDrops(t *testing.T) {
	q := NewQueue(&captureSender{}, 10, 0, zap.NewNop())
	for i := 0; i < queueCapacity; i++ {
		require.NoError(t, q.Enqueue(Notification{Kind: KindStatusChange, Code: "X", Target: "a@example.com"}))
	}
	assert.ErrorIs(t, q.Enqueue(Notification{Kind: KindStatusChange, Code: "X", Target: "a@example.com"}), ErrQueueFull)
}

func TestSendImmediateBypassesQueue(t *testing.T) {
	sender := &captureSender{}
	q := NewQueue(sender, 1, 0, zap.NewNop())

	err := q.SendImmediate(context.Background(), Notification{
		Kind: KindVerificationLink, Code: "PEKI202508190001",
		Target: "a@example.com", VerifyURL: "http://localhost:8000/api/verify-add/tok",
	})
	require.NoError(t, err)

	sent := sender.all()
	require.Len(t, sent, 1)
	assert.Contains(t, sent[0].Subject, "Confirm")
	assert.Contains(t, sent[0].Text, "http://localhost:8000/api/verify-add/tok")
	assert.Empty(t, q.sent, "immediate mail stays outside the rate window")
}

func TestRenderVariants(t *testing.T) {
	msg, err := Render(Notification{
		Kind: KindFirstRecord, Code: "PEKI202508190001",
		NewStatus: store.StatusProceedings, Target: "a@example.com", Note: "spouse",
	})
	require.NoError(t, err)
	assert.Equal(t, "a@example.com", msg.To)
	assert.Contains(t, msg.Subject, "first record")
	assert.Contains(t, msg.Text, "Proceedings")
	assert.Contains(t, msg.Text, "spouse")
	assert.Contains(t, msg.HTML, "<b>PEKI202508190001</b>")

	msg, err = Render(Notification{
		Kind: KindStatusChange, Code: "PEKI202508190001",
		OldStatus: store.StatusNotFound, NewStatus: store.StatusGranted, Target: "a@example.com",
	})
	require.NoError(t, err)
	assert.Contains(t, msg.Text, "from Not found to Granted")

	msg, err = Render(Notification{Kind: KindManagementCode, ManageCode: "123456", Target: "a@example.com"})
	require.NoError(t, err)
	assert.Contains(t, msg.Text, "123456")

	_, err = Render(Notification{Kind: Kind("bogus")})
	assert.Error(t, err)
}

func TestDelayedMailDoesNotBlockQueue(t *testing.T) {
	sender := &captureSender{}
	q := NewQueue(sender, 10, 500*time.Millisecond, zap.NewNop())

	// The delayed first-record message is queued ahead of an immediately due
	// status change; the status change must still go out first.
	require.NoError(t, q.Enqueue(Notification{Kind: KindFirstRecord, Code: "AAAA111111111111",
		NewStatus: store.StatusProceedings, Target: "a@example.com"}))
	require.NoError(t, q.Enqueue(Notification{Kind: KindStatusChange, Code: "BBBB222222222222",
		OldStatus: store.StatusNotFound, NewStatus: store.StatusProceedings, Target: "b@example.com"}))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = q.Run(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool { return len(sender.all()) == 2 }, 2*time.Second, 10*time.Millisecond)
	cancel()
	<-done

	msgs := sender.all()
	assert.Contains(t, msgs[0].Subject, "BBBB222222222222")
	assert.Contains(t, msgs[1].Subject, "first record")
}

func TestRunDrainsQueuedMail(t *testing.T) {
	sender := &captureSender{}
	q := NewQueue(sender, 10, 0, zap.NewNop())
	require.NoError(t, q.Enqueue(Notification{Kind: KindStatusChange, Code: "X",
		OldStatus: store.StatusNotFound, NewStatus: store.StatusProceedings, Target: "a@example.com"}))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.NoError(t, q.Run(ctx))

	assert.Len(t, sender.all(), 1)
}
