package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/LeventeLantos/messaging-pipeline/internal/metrics"
	"github.com/LeventeLantos/messaging-pipeline/internal/scheduler"
)

type Config struct {
	Prefix        string
	Workers       int
	PollInterval  time.Duration
	Lease         time.Duration
	SweepInterval time.Duration
	DeadLimit     int64
}

func (c Config) withDefaults() Config {
	if c.Prefix == "" {
		c.Prefix = "dq"
	}
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 500 * time.Millisecond
	}
	if c.Lease <= 0 {
		c.Lease = time.Minute
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = 15 * time.Second
	}
	if c.DeadLimit <= 0 {
		c.DeadLimit = 200
	}
	return c
}

type registration struct {
	handle    HandleFunc
	exhausted ExhaustedFunc
}

// RedisQueue keeps each logical queue in four keys: a hash of job bodies, a
// ready sorted set scored by run time, an in-flight sorted set scored by lease
// deadline (with a lease-token hash fencing completion) and a capped dead list.
type RedisQueue struct {
	rdb *redis.Client
	cfg Config
	now func() time.Time
	log *slog.Logger

	mu       sync.RWMutex
	handlers map[Name]registration
}

var _ Service = (*RedisQueue)(nil)

func NewRedisQueue(rdb *redis.Client, cfg Config) *RedisQueue {
	return &RedisQueue{
		rdb:      rdb,
		cfg:      cfg.withDefaults(),
		now:      func() time.Time { return time.Now().UTC() },
		log:      slog.Default().With("component", "queue"),
		handlers: make(map[Name]registration),
	}
}

// WithClock replaces the time source; used by tests to make backoff elapse.
func (q *RedisQueue) WithClock(now func() time.Time) *RedisQueue {
	q.now = now
	return q
}

func (q *RedisQueue) key(name Name, part string) string {
	return fmt.Sprintf("%s:%s:%s", q.cfg.Prefix, name, part)
}

func (q *RedisQueue) Enqueue(ctx context.Context, name Name, key string, payload any, opts ...EnqueueOption) (Job, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return Job{}, fmt.Errorf("marshal payload: %w", err)
	}

	now := q.now()
	job := Job{
		ID:        uuid.NewString(),
		Queue:     name,
		Key:       key,
		Payload:   body,
		Policy:    DefaultPolicy(name),
		RunAt:     now,
		CreatedAt: now,
		UpdatedAt: now,
	}
	for _, opt := range opts {
		opt(&job)
	}
	if err := job.Policy.validate(); err != nil {
		return Job{}, fmt.Errorf("job policy: %w", err)
	}

	data, err := json.Marshal(job)
	if err != nil {
		return Job{}, fmt.Errorf("marshal job: %w", err)
	}

	_, err = q.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, q.key(name, "jobs"), job.ID, data)
		pipe.ZAdd(ctx, q.key(name, "ready"), redis.Z{Score: float64(job.RunAt.UnixMilli()), Member: job.ID})
		return nil
	})
	if err != nil {
		return Job{}, fmt.Errorf("enqueue job on %s: %w", name, err)
	}

	q.log.Debug("job enqueued", "queue", name, "job_id", job.ID, "key", key)
	return job, nil
}

// Process registers the single handler of a queue.
func (q *RedisQueue) Process(name Name, handle HandleFunc, exhausted ExhaustedFunc) error {
	if handle == nil {
		return errors.New("handler must not be nil")
	}
	q.mu.Lock()
	defer q.mu.Unlock()

	if _, ok := q.handlers[name]; ok {
		return fmt.Errorf("queue %s already has a handler", name)
	}
	q.handlers[name] = registration{handle: handle, exhausted: exhausted}
	return nil
}

func (q *RedisQueue) registration(name Name) (registration, bool) {
	q.mu.RLock()
	defer q.mu.RUnlock()
	r, ok := q.handlers[name]
	return r, ok
}

func (q *RedisQueue) names() []Name {
	q.mu.RLock()
	defer q.mu.RUnlock()
	out := make([]Name, 0, len(q.handlers))
	for n := range q.handlers {
		out = append(out, n)
	}
	return out
}

// Run polls every registered queue until ctx is cancelled, then waits for
// in-flight attempts to finish.
func (q *RedisQueue) Run(ctx context.Context) error {
	names := q.names()
	if len(names) == 0 {
		return errors.New("no queue handlers registered")
	}

	sweeper, err := scheduler.New("queue-lease-sweeper", q.cfg.SweepInterval, func(ctx context.Context) {
		if _, err := q.RecoverExpired(ctx); err != nil && ctx.Err() == nil {
			q.log.Error("lease recovery failed", "error", err)
		}
	})
	if err != nil {
		return err
	}
	sweeper.Start(ctx)
	defer sweeper.Stop()

	g, gctx := errgroup.WithContext(ctx)
	for _, name := range names {
		name := name
		g.Go(func() error {
			q.poll(gctx, name)
			return nil
		})
	}
	return g.Wait()
}

func (q *RedisQueue) poll(ctx context.Context, name Name) {
	log := q.log.With("queue", name)
	log.Info("queue workers started", "workers", q.cfg.Workers)

	slots := make(chan struct{}, q.cfg.Workers)
	var wg sync.WaitGroup
	defer func() {
		wg.Wait()
		log.Info("queue workers stopped")
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case slots <- struct{}{}:
		}

		claimed, err := q.claim(ctx, name, 1)
		if err != nil || len(claimed) == 0 {
			<-slots
			if err != nil && ctx.Err() == nil {
				log.Error("claim failed", "error", err)
			}
			select {
			case <-ctx.Done():
				return
			case <-time.After(q.cfg.PollInterval):
			}
			continue
		}

		wg.Add(1)
		go func(c claimedJob) {
			defer wg.Done()
			defer func() { <-slots }()
			// An attempt is not cancelled by shutdown; it is bounded by the lease.
			q.execute(context.WithoutCancel(ctx), name, c)
		}(claimed[0])
	}
}

// ProcessDue claims every job of name that is due now and runs them in
// parallel, returning once all attempts have finished.
func (q *RedisQueue) ProcessDue(ctx context.Context, name Name) (int, error) {
	claimed, err := q.claim(ctx, name, 1000)
	if err != nil {
		return 0, err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(q.cfg.Workers)
	for _, c := range claimed {
		c := c
		g.Go(func() error {
			q.execute(gctx, name, c)
			return nil
		})
	}
	return len(claimed), g.Wait()
}

type claimedJob struct {
	job   Job
	token string
}

func (q *RedisQueue) claim(ctx context.Context, name Name, limit int) ([]claimedJob, error) {
	now := q.now()
	token := uuid.NewString()

	res, err := claimScript.Run(ctx, q.rdb,
		[]string{q.key(name, "ready"), q.key(name, "inflight"), q.key(name, "leases"), q.key(name, "jobs")},
		now.UnixMilli(), now.Add(q.cfg.Lease).UnixMilli(), token, limit,
	).StringSlice()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("claim from %s: %w", name, err)
	}

	out := make([]claimedJob, 0, len(res)/2)
	for i := 0; i+1 < len(res); i += 2 {
		id, raw := res[i], res[i+1]
		var job Job
		if err := json.Unmarshal([]byte(raw), &job); err != nil {
			q.log.Error("burying undecodable job", "queue", name, "job_id", id, "error", err)
			q.bury(ctx, name, id, token, raw)
			continue
		}
		out = append(out, claimedJob{job: job, token: token})
	}
	return out, nil
}

func (q *RedisQueue) bury(ctx context.Context, name Name, id, token, data string) bool {
	n, err := buryScript.Run(ctx, q.rdb,
		[]string{q.key(name, "inflight"), q.key(name, "leases"), q.key(name, "jobs"), q.key(name, "dead")},
		id, token, data, q.cfg.DeadLimit,
	).Int()
	if err != nil {
		q.log.Error("bury job", "queue", name, "job_id", id, "error", err)
		return false
	}
	return n == 1
}

func (q *RedisQueue) execute(ctx context.Context, name Name, c claimedJob) {
	reg, ok := q.registration(name)
	if !ok {
		q.log.Error("no handler registered", "queue", name, "job_id", c.job.ID)
		return
	}

	job := c.job
	if job.Exhausted {
		q.settle(ctx, name, reg, job, c.token, errors.New(job.LastError))
		return
	}

	job.Attempt++
	log := q.log.With("queue", name, "job_id", job.ID, "key", job.Key, "attempt", job.Attempt)

	attemptCtx, cancel := context.WithTimeout(ctx, q.cfg.Lease)
	defer cancel()

	err := safeHandle(attemptCtx, reg.handle, job)
	if err == nil {
		if q.finish(ctx, ackScript, name, job, c.token) {
			metrics.JobsProcessed.WithLabelValues(string(name)).Inc()
			log.Debug("job completed")
		}
		return
	}

	job.LastError = err.Error()
	job.UpdatedAt = q.now()

	if job.Final() || permanent(err) {
		job.Exhausted = true
		script := markScript
		if reg.exhausted == nil {
			script = buryScript
		}
		if !q.finish(ctx, script, name, job, c.token) {
			return
		}
		metrics.JobsExhausted.WithLabelValues(string(name)).Inc()
		log.Info("job exhausted", "error", err, "max_attempts", job.Policy.MaxAttempts)
		if reg.exhausted != nil {
			q.settle(ctx, name, reg, job, c.token, err)
		}
		return
	}

	job.RunAt = q.now().Add(job.Policy.Backoff(job.Attempt))
	if q.finish(ctx, retryScript, name, job, c.token) {
		metrics.JobsRetried.WithLabelValues(string(name)).Inc()
		log.Warn("job attempt failed, rescheduled", "error", err, "run_at", job.RunAt)
	}
}

// maxHookBackoff caps the delay between runs of a failing exhausted hook.
const maxHookBackoff = 5 * time.Minute

// settle runs the exhausted hook of a job that has already been marked
// exhausted. The job moves to the dead list once the hook succeeds, or fails
// permanently; otherwise it is rescheduled and the hook runs again later.
func (q *RedisQueue) settle(ctx context.Context, name Name, reg registration, job Job, token string, cause error) {
	log := q.log.With("queue", name, "job_id", job.ID, "key", job.Key)

	err := q.raiseExhausted(ctx, reg.exhausted, job, cause)
	if err == nil || permanent(err) {
		if err != nil {
			log.Error("exhausted hook failed permanently", "error", err)
		}
		q.finish(ctx, buryScript, name, job, token)
		return
	}

	job.HookFailures++
	job.UpdatedAt = q.now()
	delay := job.Policy.Backoff(job.HookFailures)
	if delay > maxHookBackoff {
		delay = maxHookBackoff
	}
	job.RunAt = q.now().Add(delay)
	if q.finish(ctx, retryScript, name, job, token) {
		log.Warn("exhausted hook failed, rescheduled", "error", err, "hook_failures", job.HookFailures, "run_at", job.RunAt)
	}
}

// finish applies a completion script. It returns false when the lease was
// lost, in which case the outcome of this attempt is discarded.
func (q *RedisQueue) finish(ctx context.Context, script *redis.Script, name Name, job Job, token string) bool {
	var (
		keys []string
		args []any
	)
	switch script {
	case ackScript:
		keys = []string{q.key(name, "inflight"), q.key(name, "leases"), q.key(name, "jobs")}
		args = []any{job.ID, token}
	case retryScript:
		data, err := json.Marshal(job)
		if err != nil {
			q.log.Error("marshal job", "job_id", job.ID, "error", err)
			return false
		}
		keys = []string{q.key(name, "inflight"), q.key(name, "leases"), q.key(name, "jobs"), q.key(name, "ready")}
		args = []any{job.ID, token, data, job.RunAt.UnixMilli()}
	case markScript:
		data, err := json.Marshal(job)
		if err != nil {
			q.log.Error("marshal job", "job_id", job.ID, "error", err)
			return false
		}
		keys = []string{q.key(name, "leases"), q.key(name, "jobs")}
		args = []any{job.ID, token, data}
	case buryScript:
		data, err := json.Marshal(job)
		if err != nil {
			q.log.Error("marshal job", "job_id", job.ID, "error", err)
			return false
		}
		keys = []string{q.key(name, "inflight"), q.key(name, "leases"), q.key(name, "jobs"), q.key(name, "dead")}
		args = []any{job.ID, token, data, q.cfg.DeadLimit}
	default:
		return false
	}

	n, err := script.Run(ctx, q.rdb, keys, args...).Int()
	if err != nil {
		q.log.Error("finish job", "queue", name, "job_id", job.ID, "error", err)
		return false
	}
	if n == 0 {
		q.log.Warn("lease lost, attempt outcome discarded", "queue", name, "job_id", job.ID)
		return false
	}
	return true
}

// RecoverExpired returns in-flight jobs whose lease has expired to the ready
// set. The interrupted attempt is not counted.
func (q *RedisQueue) RecoverExpired(ctx context.Context) (int, error) {
	total := 0
	for _, name := range q.names() {
		n, err := recoverScript.Run(ctx, q.rdb,
			[]string{q.key(name, "inflight"), q.key(name, "leases"), q.key(name, "ready")},
			q.now().UnixMilli(),
		).Int()
		if err != nil {
			return total, fmt.Errorf("recover %s: %w", name, err)
		}
		if n > 0 {
			metrics.JobsRecovered.WithLabelValues(string(name)).Add(float64(n))
			q.log.Warn("recovered expired jobs", "queue", name, "count", n)
		}
		total += n
	}
	return total, nil
}

func (q *RedisQueue) Stats(ctx context.Context, name Name) (Stats, error) {
	now := strconv.FormatInt(q.now().UnixMilli(), 10)

	pipe := q.rdb.Pipeline()
	ready := pipe.ZCount(ctx, q.key(name, "ready"), "-inf", now)
	total := pipe.ZCard(ctx, q.key(name, "ready"))
	inflight := pipe.ZCard(ctx, q.key(name, "inflight"))
	dead := pipe.LLen(ctx, q.key(name, "dead"))
	if _, err := pipe.Exec(ctx); err != nil {
		return Stats{}, fmt.Errorf("stats for %s: %w", name, err)
	}

	return Stats{
		Ready:    ready.Val(),
		Delayed:  total.Val() - ready.Val(),
		InFlight: inflight.Val(),
		Dead:     dead.Val(),
	}, nil
}

// DeadJobs returns up to limit of the most recently exhausted jobs.
func (q *RedisQueue) DeadJobs(ctx context.Context, name Name, limit int64) ([]Job, error) {
	raw, err := q.rdb.LRange(ctx, q.key(name, "dead"), 0, limit-1).Result()
	if err != nil {
		return nil, fmt.Errorf("dead jobs for %s: %w", name, err)
	}
	out := make([]Job, 0, len(raw))
	for _, r := range raw {
		var j Job
		if err := json.Unmarshal([]byte(r), &j); err != nil {
			continue
		}
		out = append(out, j)
	}
	return out, nil
}

func (q *RedisQueue) raiseExhausted(ctx context.Context, fn ExhaustedFunc, job Job, cause error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("exhausted hook panic: %v", r)
		}
	}()
	return fn(ctx, job, cause)
}

func safeHandle(ctx context.Context, fn HandleFunc, job Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return fn(ctx, job)
}
