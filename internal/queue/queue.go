package queue

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	types "github.com/taskmill/taskmill-backend/internal/domain/process"
	"github.com/taskmill/taskmill-backend/internal/pkg/dbctx"
	pkgerr "github.com/taskmill/taskmill-backend/internal/pkg/errors"
	"github.com/taskmill/taskmill-backend/internal/pkg/logger"
)

// Store is the slice of the scheduled-task repo the queue runtime needs.
// Narrowed to an interface so unit tests can drive the loop with an
// in-memory implementation.
type Store interface {
	Schedule(dbc dbctx.Context, taskName, taskInstance string, payload []byte, executionTime time.Time) error
	Due(dbc dbctx.Context, now time.Time, lease time.Duration, limit int) ([]*types.ScheduledTask, error)
	Claim(dbc dbctx.Context, taskName, taskInstance string, expectedVersion int64, workerID string, now time.Time) (bool, error)
	Heartbeat(dbc dbctx.Context, taskName, taskInstance, workerID string, now time.Time) error
	CompleteDelete(dbc dbctx.Context, taskName, taskInstance string, version int64) (bool, error)
	MarkFailed(dbc dbctx.Context, taskName, taskInstance string, version int64, nextExecution time.Time, now time.Time) error
	Quarantine(dbc dbctx.Context, taskName, taskInstance string, version int64, now time.Time) error
}

type Config struct {
	Workers           int           // worker pool size, default 10
	PollInterval      time.Duration // poller tick, default 5s
	Lease             time.Duration // lease window L, default 5m
	HeartbeatInterval time.Duration // H, default 30s; keep H < L/3
	BackoffBase       time.Duration // first redelivery delay, default 30s
	BackoffMax        time.Duration // redelivery cap, default 10m
	Batch             int           // candidates per poll, default 2*Workers
	DrainGrace        time.Duration // Stop() wait for in-flight handlers
}

func (c *Config) applyDefaults() {
	if c.Workers <= 0 {
		c.Workers = 10
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 5 * time.Second
	}
	if c.Lease <= 0 {
		c.Lease = 5 * time.Minute
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 30 * time.Second
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = 30 * time.Second
	}
	if c.BackoffMax <= 0 {
		c.BackoffMax = 10 * time.Minute
	}
	if c.Batch <= 0 {
		c.Batch = c.Workers * 2
	}
	if c.DrainGrace <= 0 {
		c.DrainGrace = 30 * time.Second
	}
}

// Queue is the cluster-safe dispatcher over scheduled_tasks. One poller
// claims due items with a version CAS and feeds a pool of workers; a
// heartbeat ticker keeps each claimed item's lease alive until its handler
// returns.
type Queue struct {
	log      *logger.Logger
	store    Store
	cfg      Config
	reg      *registry
	workerID string

	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	workCh  chan *types.ScheduledTask
	started bool
}

func New(store Store, baseLog *logger.Logger, cfg Config) *Queue {
	cfg.applyDefaults()
	host, _ := os.Hostname()
	if host == "" {
		host = "node"
	}
	return &Queue{
		log:      baseLog.With("component", "WorkQueue"),
		store:    store,
		cfg:      cfg,
		reg:      newRegistry(),
		workerID: fmt.Sprintf("%s-%s", host, uuid.NewString()[:8]),
	}
}

// WorkerID identifies this node in picked_by. Opaque to everything else.
func (q *Queue) WorkerID() string { return q.workerID }

// Register binds a handler to a task name. Must be called before Start.
func (q *Queue) Register(taskName string, h Handler) error {
	return q.reg.register(taskName, h)
}

// Schedule enqueues (or re-arms) a work item. Pass dbc.Tx to make the
// enqueue atomic with state writes in the same transaction.
func (q *Queue) Schedule(dbc dbctx.Context, taskName, taskInstance string, payload []byte, executionTime time.Time) error {
	if _, ok := q.reg.get(taskName); !ok {
		// Not fatal: a peer node may own this handler. Worth a trace though.
		q.log.Debug("scheduling item with no local handler", "task_name", taskName)
	}
	return q.store.Schedule(dbc, taskName, taskInstance, payload, executionTime)
}

func (q *Queue) Start(ctx context.Context) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.started {
		return
	}
	q.started = true

	runCtx, cancel := context.WithCancel(ctx)
	q.cancel = cancel
	q.done = make(chan struct{})
	q.workCh = make(chan *types.ScheduledTask)

	var wg sync.WaitGroup
	for i := 0; i < q.cfg.Workers; i++ {
		wg.Add(1)
		go func(workerNum int) {
			defer wg.Done()
			for item := range q.workCh {
				q.runItem(runCtx, item)
			}
		}(i + 1)
	}

	go func() {
		q.pollLoop(runCtx)
		close(q.workCh)
		wg.Wait()
		close(q.done)
	}()

	q.log.Info("work queue started",
		"worker_id", q.workerID,
		"workers", q.cfg.Workers,
		"poll_interval", q.cfg.PollInterval,
		"lease", q.cfg.Lease,
	)
}

// Stop halts the poller and waits for in-flight handlers up to DrainGrace.
// Items still running past the grace keep their picked flag; a peer reclaims
// them after the lease expires.
func (q *Queue) Stop() {
	q.mu.Lock()
	if !q.started {
		q.mu.Unlock()
		return
	}
	cancel, done := q.cancel, q.done
	q.started = false
	q.mu.Unlock()

	cancel()
	select {
	case <-done:
	case <-time.After(q.cfg.DrainGrace):
		q.log.Warn("work queue stop timed out; abandoning in-flight leases")
	}
}

func (q *Queue) pollLoop(ctx context.Context) {
	ticker := time.NewTicker(q.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			q.pollOnce(ctx)
		}
	}
}

func (q *Queue) pollOnce(ctx context.Context) {
	now := time.Now()
	dbc := dbctx.Context{Ctx: ctx}
	candidates, err := q.store.Due(dbc, now, q.cfg.Lease, q.cfg.Batch)
	if err != nil {
		q.log.Warn("due query failed", "error", err)
		return
	}
	for _, item := range candidates {
		claimed, err := q.store.Claim(dbc, item.TaskName, item.TaskInstance, item.Version, q.workerID, now)
		if err != nil {
			q.log.Warn("claim failed", "task_name", item.TaskName, "task_instance", item.TaskInstance, "error", err)
			continue
		}
		if !claimed {
			// Lost the race to a peer. Move on.
			continue
		}
		item.Version++
		item.Picked = true
		item.PickedBy = q.workerID
		if !q.handOff(ctx, item) {
			return
		}
	}
}

// handOff feeds a claimed item to the pool, heartbeating while every worker
// is busy so the lease cannot lapse before the handler starts.
func (q *Queue) handOff(ctx context.Context, item *types.ScheduledTask) bool {
	ticker := time.NewTicker(q.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case q.workCh <- item:
			return true
		case <-ticker.C:
			dbc := dbctx.Context{Ctx: ctx}
			if err := q.store.Heartbeat(dbc, item.TaskName, item.TaskInstance, q.workerID, time.Now()); err != nil {
				q.log.Warn("heartbeat failed while awaiting a worker",
					"task_name", item.TaskName,
					"task_instance", item.TaskInstance,
					"error", err,
				)
			}
		case <-ctx.Done():
			return false
		}
	}
}

func (q *Queue) runItem(ctx context.Context, item *types.ScheduledTask) {
	log := q.log.With(
		"task_name", item.TaskName,
		"task_instance", item.TaskInstance,
		"version", item.Version,
	)

	h, ok := q.reg.get(item.TaskName)
	if !ok {
		log.Warn("no handler registered; releasing with backoff")
		q.failItem(ctx, item)
		return
	}

	hbCtx, stopHB := context.WithCancel(ctx)
	go q.heartbeatLoop(hbCtx, item)

	err := q.invoke(ctx, h, item)
	stopHB()

	dbc := dbctx.Context{Ctx: context.WithoutCancel(ctx)}
	switch {
	case err == nil:
		deleted, derr := q.store.CompleteDelete(dbc, item.TaskName, item.TaskInstance, item.Version)
		if derr != nil {
			log.Warn("delete after success failed", "error", derr)
			return
		}
		if !deleted {
			// Version moved on (re-scheduled or reclaimed). Benign.
			log.Debug("item re-armed during execution; delete skipped")
		}
	case pkgerr.IsSerialization(err):
		log.Error("undecodable payload; quarantining item", "error", err)
		if qerr := q.store.Quarantine(dbc, item.TaskName, item.TaskInstance, item.Version, time.Now()); qerr != nil {
			log.Warn("quarantine failed", "error", qerr)
		}
	default:
		log.Warn("handler failed; rescheduling with backoff", "error", err, "consecutive_failures", item.ConsecutiveFailures+1)
		q.failItem(ctx, item)
	}
}

// invoke runs the handler with panic containment. Exceptions never escape a
// worker.
func (q *Queue) invoke(ctx context.Context, h Handler, item *types.ScheduledTask) (err error) {
	defer func() {
		if r := recover(); r != nil {
			q.log.Error("handler panic",
				"task_name", item.TaskName,
				"task_instance", item.TaskInstance,
				"panic", r,
			)
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return h(ctx, []byte(item.TaskData))
}

func (q *Queue) failItem(ctx context.Context, item *types.ScheduledTask) {
	dbc := dbctx.Context{Ctx: context.WithoutCancel(ctx)}
	now := time.Now()
	delay := computeBackoff(q.cfg.BackoffBase, q.cfg.BackoffMax, item.ConsecutiveFailures+1)
	if err := q.store.MarkFailed(dbc, item.TaskName, item.TaskInstance, item.Version, now.Add(delay), now); err != nil {
		q.log.Warn("mark failed errored; lease will expire naturally",
			"task_name", item.TaskName,
			"task_instance", item.TaskInstance,
			"error", err,
		)
	}
}

func (q *Queue) heartbeatLoop(ctx context.Context, item *types.ScheduledTask) {
	ticker := time.NewTicker(q.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			dbc := dbctx.Context{Ctx: ctx}
			if err := q.store.Heartbeat(dbc, item.TaskName, item.TaskInstance, q.workerID, time.Now()); err != nil {
				q.log.Warn("heartbeat failed",
					"task_name", item.TaskName,
					"task_instance", item.TaskInstance,
					"error", err,
				)
			}
		}
	}
}
