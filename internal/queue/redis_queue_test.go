package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/LeventeLantos/messaging-pipeline/internal/apperr"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 2, 2, 18, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestQueue(t *testing.T, cfg Config) (*RedisQueue, *fakeClock, *miniredis.Miniredis) {
	t.Helper()

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	clock := newFakeClock()
	q := NewRedisQueue(rdb, cfg).WithClock(clock.Now)
	return q, clock, mr
}

type payload struct {
	MessageID string `json:"messageId"`
}

func TestRetryPolicy_Backoff(t *testing.T) {
	t.Parallel()

	out := DefaultPolicy(OutboundMessages)
	if out.MaxAttempts != 3 {
		t.Fatalf("expected outbound max attempts 3, got %d", out.MaxAttempts)
	}
	for n, want := range map[int]time.Duration{1: 2 * time.Second, 2: 4 * time.Second, 3: 8 * time.Second} {
		if got := out.Backoff(n); got != want {
			t.Fatalf("outbound Backoff(%d)=%v, want %v", n, got, want)
		}
	}

	wh := DefaultPolicy(WebhookDeliveries)
	if wh.MaxAttempts != 5 || wh.Backoff(1) != 5*time.Second || wh.Backoff(2) != 10*time.Second {
		t.Fatalf("unexpected webhook policy %+v", wh)
	}

	capped := RetryPolicy{MaxAttempts: 10, InitialBackoff: time.Second, Factor: 2, MaxBackoff: 3 * time.Second}
	if got := capped.Backoff(5); got != 3*time.Second {
		t.Fatalf("expected capped backoff 3s, got %v", got)
	}
}

func TestEnqueue_ProcessDue_Success(t *testing.T) {
	t.Parallel()

	q, _, _ := newTestQueue(t, Config{})
	ctx := context.Background()

	var got payload
	var calls atomic.Int64
	if err := q.Process(OutboundMessages, func(ctx context.Context, job Job) error {
		calls.Add(1)
		if job.Attempt != 1 {
			t.Errorf("expected attempt 1, got %d", job.Attempt)
		}
		return job.Decode(&got)
	}, nil); err != nil {
		t.Fatalf("Process() error: %v", err)
	}

	job, err := q.Enqueue(ctx, OutboundMessages, "m1", payload{MessageID: "m1"})
	if err != nil {
		t.Fatalf("Enqueue() error: %v", err)
	}
	if job.Policy.MaxAttempts != 3 {
		t.Fatalf("expected default outbound policy, got %+v", job.Policy)
	}

	n, err := q.ProcessDue(ctx, OutboundMessages)
	if err != nil {
		t.Fatalf("ProcessDue() error: %v", err)
	}
	if n != 1 || calls.Load() != 1 {
		t.Fatalf("expected one job processed, n=%d calls=%d", n, calls.Load())
	}
	if got.MessageID != "m1" {
		t.Fatalf("expected decoded payload, got %+v", got)
	}

	st, err := q.Stats(ctx, OutboundMessages)
	if err != nil {
		t.Fatalf("Stats() error: %v", err)
	}
	if st != (Stats{}) {
		t.Fatalf("expected empty queue after ack, got %+v", st)
	}
}

func TestProcess_RejectsSecondHandler(t *testing.T) {
	t.Parallel()

	q, _, _ := newTestQueue(t, Config{})
	noop := func(context.Context, Job) error { return nil }

	if err := q.Process(WebhookDeliveries, noop, nil); err != nil {
		t.Fatalf("first Process() error: %v", err)
	}
	if err := q.Process(WebhookDeliveries, noop, nil); err == nil {
		t.Fatalf("expected error registering a second handler")
	}
	if err := q.Process(OutboundMessages, nil, nil); err == nil {
		t.Fatalf("expected error for nil handler")
	}
}

func TestFailure_RetriesWithBackoffThenExhaustsOnce(t *testing.T) {
	t.Parallel()

	q, clock, _ := newTestQueue(t, Config{})
	ctx := context.Background()

	var (
		mu        sync.Mutex
		attempts  []int
		exhausted []Job
	)
	if err := q.Process(OutboundMessages,
		func(ctx context.Context, job Job) error {
			mu.Lock()
			attempts = append(attempts, job.Attempt)
			mu.Unlock()
			return errors.New("channel unavailable")
		},
		func(ctx context.Context, job Job, cause error) error {
			mu.Lock()
			exhausted = append(exhausted, job)
			mu.Unlock()
			return nil
		},
	); err != nil {
		t.Fatalf("Process() error: %v", err)
	}

	if _, err := q.Enqueue(ctx, OutboundMessages, "m1", payload{MessageID: "m1"}); err != nil {
		t.Fatalf("Enqueue() error: %v", err)
	}

	mustProcess(t, q, OutboundMessages, 1)

	// Not due until the 2s backoff elapses.
	mustProcess(t, q, OutboundMessages, 0)
	st, _ := q.Stats(ctx, OutboundMessages)
	if st.Delayed != 1 || st.Ready != 0 {
		t.Fatalf("expected one delayed job, got %+v", st)
	}

	clock.Advance(1999 * time.Millisecond)
	mustProcess(t, q, OutboundMessages, 0)
	clock.Advance(time.Millisecond)
	mustProcess(t, q, OutboundMessages, 1)

	clock.Advance(4 * time.Second)
	mustProcess(t, q, OutboundMessages, 1)

	clock.Advance(time.Hour)
	mustProcess(t, q, OutboundMessages, 0)

	mu.Lock()
	defer mu.Unlock()

	if fmt.Sprint(attempts) != "[1 2 3]" {
		t.Fatalf("expected attempts [1 2 3], got %v", attempts)
	}
	if len(exhausted) != 1 {
		t.Fatalf("expected exhausted exactly once, got %d", len(exhausted))
	}
	if exhausted[0].LastError != "channel unavailable" || exhausted[0].Attempt != 3 {
		t.Fatalf("unexpected exhausted job %+v", exhausted[0])
	}

	st, _ = q.Stats(ctx, OutboundMessages)
	if st.Dead != 1 || st.Ready != 0 || st.Delayed != 0 || st.InFlight != 0 {
		t.Fatalf("expected job in dead list only, got %+v", st)
	}

	dead, err := q.DeadJobs(ctx, OutboundMessages, 10)
	if err != nil {
		t.Fatalf("DeadJobs() error: %v", err)
	}
	if len(dead) != 1 || dead[0].Key != "m1" {
		t.Fatalf("unexpected dead jobs %+v", dead)
	}
}

func TestPermanentFailure_SkipsRetries(t *testing.T) {
	t.Parallel()

	q, _, _ := newTestQueue(t, Config{})
	ctx := context.Background()

	var calls, exhausted atomic.Int64
	_ = q.Process(WebhookDeliveries,
		func(ctx context.Context, job Job) error {
			calls.Add(1)
			return fmt.Errorf("%w: subscription gone", apperr.ErrTerminalDelivery)
		},
		func(ctx context.Context, job Job, cause error) error {
			exhausted.Add(1)
			return nil
		},
	)

	if _, err := q.Enqueue(ctx, WebhookDeliveries, "w1", map[string]string{"a": "b"}); err != nil {
		t.Fatalf("Enqueue() error: %v", err)
	}
	mustProcess(t, q, WebhookDeliveries, 1)

	if calls.Load() != 1 || exhausted.Load() != 1 {
		t.Fatalf("expected 1 call and 1 exhausted, got calls=%d exhausted=%d", calls.Load(), exhausted.Load())
	}
}

func TestExhaustedHookFailure_KeepsJobUntilHookSucceeds(t *testing.T) {
	t.Parallel()

	q, clock, _ := newTestQueue(t, Config{})
	ctx := context.Background()

	var calls, hooks atomic.Int64
	var causes []string
	_ = q.Process(OutboundMessages,
		func(ctx context.Context, job Job) error {
			calls.Add(1)
			return fmt.Errorf("%w: rejected", apperr.ErrTerminalDelivery)
		},
		func(ctx context.Context, job Job, cause error) error {
			causes = append(causes, cause.Error())
			if hooks.Add(1) == 1 {
				return errors.New("store unavailable")
			}
			return nil
		},
	)

	if _, err := q.Enqueue(ctx, OutboundMessages, "m1", payload{MessageID: "m1"}); err != nil {
		t.Fatalf("Enqueue() error: %v", err)
	}
	mustProcess(t, q, OutboundMessages, 1)

	st, _ := q.Stats(ctx, OutboundMessages)
	if st.Dead != 0 || st.Delayed != 1 {
		t.Fatalf("expected job kept for another hook run, got %+v", st)
	}

	clock.Advance(2 * time.Second)
	mustProcess(t, q, OutboundMessages, 1)

	if calls.Load() != 1 {
		t.Fatalf("expected the handler to run once, got %d", calls.Load())
	}
	if hooks.Load() != 2 {
		t.Fatalf("expected the hook to run twice, got %d", hooks.Load())
	}
	if causes[1] != causes[0] {
		t.Fatalf("expected the same cause on the second run, got %v", causes)
	}

	st, _ = q.Stats(ctx, OutboundMessages)
	if st.Dead != 1 || st.Ready != 0 || st.Delayed != 0 || st.InFlight != 0 {
		t.Fatalf("expected job in dead list only, got %+v", st)
	}
	dead, _ := q.DeadJobs(ctx, OutboundMessages, 1)
	if len(dead) != 1 || !dead[0].Exhausted || dead[0].HookFailures != 1 {
		t.Fatalf("unexpected dead job %+v", dead)
	}
}

func TestExhaustedHook_RunsAfterLeaseRecovery(t *testing.T) {
	t.Parallel()

	q, clock, _ := newTestQueue(t, Config{Lease: 30 * time.Second})
	ctx := context.Background()

	var calls, hooks atomic.Int64
	_ = q.Process(OutboundMessages,
		func(ctx context.Context, job Job) error {
			calls.Add(1)
			return nil
		},
		func(ctx context.Context, job Job, cause error) error {
			hooks.Add(1)
			if cause.Error() != "channel unavailable" {
				t.Errorf("unexpected cause %v", cause)
			}
			return nil
		},
	)

	if _, err := q.Enqueue(ctx, OutboundMessages, "m1", payload{}); err != nil {
		t.Fatalf("Enqueue() error: %v", err)
	}

	// A worker marks the job exhausted and crashes before its hook runs.
	claimed, err := q.claim(ctx, OutboundMessages, 1)
	if err != nil || len(claimed) != 1 {
		t.Fatalf("claim() = %v, %v", claimed, err)
	}
	job := claimed[0].job
	job.Attempt = 3
	job.LastError = "channel unavailable"
	job.Exhausted = true
	if !q.finish(ctx, markScript, OutboundMessages, job, claimed[0].token) {
		t.Fatalf("expected mark to succeed")
	}

	clock.Advance(31 * time.Second)
	if n, err := q.RecoverExpired(ctx); err != nil || n != 1 {
		t.Fatalf("RecoverExpired() = %d, %v", n, err)
	}
	mustProcess(t, q, OutboundMessages, 1)

	if calls.Load() != 0 || hooks.Load() != 1 {
		t.Fatalf("expected only the hook to run, got calls=%d hooks=%d", calls.Load(), hooks.Load())
	}
	st, _ := q.Stats(ctx, OutboundMessages)
	if st.Dead != 1 || st.InFlight != 0 {
		t.Fatalf("expected job in dead list, got %+v", st)
	}
}

func TestClaim_BuriesUndecodableJob(t *testing.T) {
	t.Parallel()

	q, clock, mr := newTestQueue(t, Config{Lease: 30 * time.Second})
	ctx := context.Background()

	var calls atomic.Int64
	_ = q.Process(OutboundMessages, func(ctx context.Context, job Job) error {
		calls.Add(1)
		return nil
	}, nil)

	mr.HSet(q.key(OutboundMessages, "jobs"), "bad", "{not json")
	if _, err := mr.ZAdd(q.key(OutboundMessages, "ready"), 0, "bad"); err != nil {
		t.Fatalf("ZAdd() error: %v", err)
	}

	mustProcess(t, q, OutboundMessages, 0)

	clock.Advance(time.Minute)
	if n, _ := q.RecoverExpired(ctx); n != 0 {
		t.Fatalf("expected nothing left in flight, recovered %d", n)
	}
	mustProcess(t, q, OutboundMessages, 0)

	st, _ := q.Stats(ctx, OutboundMessages)
	if st.Dead != 1 || st.Ready != 0 || st.InFlight != 0 {
		t.Fatalf("expected undecodable job in dead list, got %+v", st)
	}
	if calls.Load() != 0 {
		t.Fatalf("handler must not see undecodable jobs")
	}
}

func TestHandlerPanic_CountsAsFailedAttempt(t *testing.T) {
	t.Parallel()

	q, _, _ := newTestQueue(t, Config{})
	ctx := context.Background()

	_ = q.Process(OutboundMessages, func(ctx context.Context, job Job) error {
		panic("boom")
	}, nil)

	if _, err := q.Enqueue(ctx, OutboundMessages, "m1", payload{}); err != nil {
		t.Fatalf("Enqueue() error: %v", err)
	}
	mustProcess(t, q, OutboundMessages, 1)

	st, _ := q.Stats(ctx, OutboundMessages)
	if st.Delayed != 1 {
		t.Fatalf("expected panicking job to be rescheduled, got %+v", st)
	}
}

func TestRecoverExpired_ReturnsJobWithoutConsumingAttempt(t *testing.T) {
	t.Parallel()

	q, clock, _ := newTestQueue(t, Config{Lease: 30 * time.Second})
	ctx := context.Background()

	var seen []int
	_ = q.Process(OutboundMessages, func(ctx context.Context, job Job) error {
		seen = append(seen, job.Attempt)
		return nil
	}, nil)

	if _, err := q.Enqueue(ctx, OutboundMessages, "m1", payload{}); err != nil {
		t.Fatalf("Enqueue() error: %v", err)
	}

	// Simulate a worker that claimed the job and crashed.
	claimed, err := q.claim(ctx, OutboundMessages, 1)
	if err != nil || len(claimed) != 1 {
		t.Fatalf("claim() = %v, %v", claimed, err)
	}

	if n, _ := q.RecoverExpired(ctx); n != 0 {
		t.Fatalf("expected nothing to recover before lease expiry, got %d", n)
	}
	mustProcess(t, q, OutboundMessages, 0)

	clock.Advance(31 * time.Second)
	n, err := q.RecoverExpired(ctx)
	if err != nil {
		t.Fatalf("RecoverExpired() error: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 recovered job, got %d", n)
	}

	// The crashed worker's lease is gone; its completion must be rejected.
	if q.finish(ctx, ackScript, OutboundMessages, claimed[0].job, claimed[0].token) {
		t.Fatalf("expected stale ack to be rejected")
	}

	mustProcess(t, q, OutboundMessages, 1)
	if len(seen) != 1 || seen[0] != 1 {
		t.Fatalf("expected recovered job to run as attempt 1, got %v", seen)
	}
}

func TestConcurrentWorkers_NeverShareAJob(t *testing.T) {
	t.Parallel()

	q, _, _ := newTestQueue(t, Config{Workers: 8})
	ctx := context.Background()

	var (
		mu     sync.Mutex
		counts = map[string]int{}
	)
	_ = q.Process(OutboundMessages, func(ctx context.Context, job Job) error {
		mu.Lock()
		counts[job.ID]++
		mu.Unlock()
		time.Sleep(time.Millisecond)
		return nil
	}, nil)

	const total = 60
	for i := 0; i < total; i++ {
		if _, err := q.Enqueue(ctx, OutboundMessages, fmt.Sprintf("m%d", i), payload{}); err != nil {
			t.Fatalf("Enqueue() error: %v", err)
		}
	}

	var wg sync.WaitGroup
	var processed atomic.Int64
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			n, err := q.ProcessDue(ctx, OutboundMessages)
			if err != nil {
				t.Errorf("ProcessDue() error: %v", err)
			}
			processed.Add(int64(n))
		}()
	}
	wg.Wait()

	if processed.Load() != total {
		t.Fatalf("expected %d processed, got %d", total, processed.Load())
	}
	mu.Lock()
	defer mu.Unlock()
	for id, c := range counts {
		if c != 1 {
			t.Fatalf("job %s handled %d times", id, c)
		}
	}
}

func TestRun_DrainsQueueUntilCancelled(t *testing.T) {
	t.Parallel()

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()

	q := NewRedisQueue(rdb, Config{Workers: 2, PollInterval: 5 * time.Millisecond})

	done := make(chan string, 3)
	_ = q.Process(OutboundMessages, func(ctx context.Context, job Job) error {
		done <- job.Key
		return nil
	}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	runErr := make(chan error, 1)
	go func() { runErr <- q.Run(ctx) }()

	for _, k := range []string{"a", "b", "c"} {
		if _, err := q.Enqueue(context.Background(), OutboundMessages, k, payload{}); err != nil {
			t.Fatalf("Enqueue() error: %v", err)
		}
	}

	seen := map[string]bool{}
	for len(seen) < 3 {
		select {
		case k := <-done:
			seen[k] = true
		case <-time.After(2 * time.Second):
			t.Fatalf("timeout waiting for jobs, seen=%v", seen)
		}
	}

	cancel()
	select {
	case err := <-runErr:
		if err != nil {
			t.Fatalf("Run() error: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("Run() did not return after cancel")
	}
}

func TestRun_RequiresHandlers(t *testing.T) {
	t.Parallel()

	q, _, _ := newTestQueue(t, Config{})
	if err := q.Run(context.Background()); err == nil {
		t.Fatalf("expected error without handlers")
	}
}

func mustProcess(t *testing.T, q *RedisQueue, name Name, want int) {
	t.Helper()

	n, err := q.ProcessDue(context.Background(), name)
	if err != nil {
		t.Fatalf("ProcessDue() error: %v", err)
	}
	if n != want {
		t.Fatalf("expected %d jobs processed, got %d", want, n)
	}
}
