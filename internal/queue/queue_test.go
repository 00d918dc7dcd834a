package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"gorm.io/datatypes"

	types "github.com/taskmill/taskmill-backend/internal/domain/process"
	"github.com/taskmill/taskmill-backend/internal/pkg/dbctx"
	pkgerr "github.com/taskmill/taskmill-backend/internal/pkg/errors"
	"github.com/taskmill/taskmill-backend/internal/pkg/logger"
)

// memStore is an in-memory Store with the same claim/version semantics as
// the Postgres repo. Good enough to drive the queue runtime in unit tests.
type memStore struct {
	mu    sync.Mutex
	items map[string]*types.ScheduledTask
}

func newMemStore() *memStore {
	return &memStore{items: make(map[string]*types.ScheduledTask)}
}

func key(name, instance string) string { return name + "|" + instance }

func (s *memStore) Schedule(_ dbctx.Context, taskName, taskInstance string, payload []byte, executionTime time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := key(taskName, taskInstance)
	if existing, ok := s.items[k]; ok {
		existing.TaskData = datatypes.JSON(payload)
		existing.ExecutionTime = executionTime
		existing.Picked = false
		existing.PickedBy = ""
		existing.Version++
		return nil
	}
	s.items[k] = &types.ScheduledTask{
		TaskName:      taskName,
		TaskInstance:  taskInstance,
		TaskData:      datatypes.JSON(payload),
		ExecutionTime: executionTime,
	}
	return nil
}

func (s *memStore) Due(_ dbctx.Context, now time.Time, lease time.Duration, limit int) ([]*types.ScheduledTask, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cutoff := now.Add(-lease)
	var out []*types.ScheduledTask
	for _, it := range s.items {
		if len(out) >= limit {
			break
		}
		if it.ExecutionTime.After(now) || it.ConsecutiveFailures >= QuarantineSentinel {
			continue
		}
		if !it.Picked || it.LastHeartbeat == nil || it.LastHeartbeat.Before(cutoff) {
			cp := *it
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (s *memStore) Claim(_ dbctx.Context, taskName, taskInstance string, expectedVersion int64, workerID string, now time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	it, ok := s.items[key(taskName, taskInstance)]
	if !ok || it.Version != expectedVersion {
		return false, nil
	}
	hb := now
	it.Picked = true
	it.PickedBy = workerID
	it.LastHeartbeat = &hb
	it.Version++
	return true, nil
}

func (s *memStore) Heartbeat(_ dbctx.Context, taskName, taskInstance, workerID string, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	it, ok := s.items[key(taskName, taskInstance)]
	if ok && it.Picked && it.PickedBy == workerID {
		hb := now
		it.LastHeartbeat = &hb
	}
	return nil
}

func (s *memStore) CompleteDelete(_ dbctx.Context, taskName, taskInstance string, version int64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	it, ok := s.items[key(taskName, taskInstance)]
	if !ok || it.Version != version {
		return false, nil
	}
	delete(s.items, key(taskName, taskInstance))
	return true, nil
}

func (s *memStore) MarkFailed(_ dbctx.Context, taskName, taskInstance string, version int64, nextExecution time.Time, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	it, ok := s.items[key(taskName, taskInstance)]
	if !ok || it.Version != version {
		return nil
	}
	fail := now
	it.Picked = false
	it.PickedBy = ""
	it.LastFailure = &fail
	it.ConsecutiveFailures++
	it.ExecutionTime = nextExecution
	it.Version++
	return nil
}

func (s *memStore) Quarantine(_ dbctx.Context, taskName, taskInstance string, version int64, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	it, ok := s.items[key(taskName, taskInstance)]
	if !ok || it.Version != version {
		return nil
	}
	it.Picked = false
	it.PickedBy = ""
	it.ConsecutiveFailures = QuarantineSentinel
	it.Version++
	return nil
}

func (s *memStore) get(taskName, taskInstance string) (types.ScheduledTask, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	it, ok := s.items[key(taskName, taskInstance)]
	if !ok {
		return types.ScheduledTask{}, false
	}
	return *it, true
}

func (s *memStore) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.items)
}

// QuarantineSentinel mirrors the repo's dead-letter marker.
const QuarantineSentinel = 1 << 30

func newTestQueue(store Store) *Queue {
	return New(store, logger.Nop(), Config{
		Workers:      2,
		PollInterval: 10 * time.Millisecond,
		Lease:        time.Minute,
		BackoffBase:  50 * time.Millisecond,
		DrainGrace:   2 * time.Second,
	})
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met within %v", timeout)
}

func TestQueueDispatchAndDelete(t *testing.T) {
	store := newMemStore()
	q := newTestQueue(store)

	var mu sync.Mutex
	var got []string
	if err := q.Register("work", func(_ context.Context, payload []byte) error {
		mu.Lock()
		got = append(got, string(payload))
		mu.Unlock()
		return nil
	}); err != nil {
		t.Fatalf("Register: %v", err)
	}

	dbc := dbctx.Context{Ctx: context.Background()}
	if err := q.Schedule(dbc, "work", "i-1", []byte("p1"), time.Now()); err != nil {
		t.Fatalf("Schedule: %v", err)
	}

	q.Start(context.Background())
	defer q.Stop()

	waitFor(t, 2*time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 1
	})
	waitFor(t, 2*time.Second, func() bool { return store.count() == 0 })

	mu.Lock()
	defer mu.Unlock()
	if got[0] != "p1" {
		t.Fatalf("payload = %q", got[0])
	}
}

func TestQueueRetriesFailedHandler(t *testing.T) {
	store := newMemStore()
	q := newTestQueue(store)

	var mu sync.Mutex
	calls := 0
	_ = q.Register("flaky", func(context.Context, []byte) error {
		mu.Lock()
		defer mu.Unlock()
		calls++
		if calls < 3 {
			return errors.New("transient")
		}
		return nil
	})

	dbc := dbctx.Context{Ctx: context.Background()}
	_ = q.Schedule(dbc, "flaky", "i-1", []byte("x"), time.Now())

	q.Start(context.Background())
	defer q.Stop()

	waitFor(t, 5*time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return calls >= 3
	})
	waitFor(t, 2*time.Second, func() bool { return store.count() == 0 })
}

func TestQueueQuarantinesSerializationErrors(t *testing.T) {
	store := newMemStore()
	q := newTestQueue(store)

	var mu sync.Mutex
	calls := 0
	_ = q.Register("broken", func(context.Context, []byte) error {
		mu.Lock()
		calls++
		mu.Unlock()
		return fmt.Errorf("bad payload: %w", pkgerr.ErrSerialization)
	})

	dbc := dbctx.Context{Ctx: context.Background()}
	_ = q.Schedule(dbc, "broken", "i-1", []byte("junk"), time.Now())

	q.Start(context.Background())
	defer q.Stop()

	waitFor(t, 2*time.Second, func() bool {
		it, ok := store.get("broken", "i-1")
		return ok && it.ConsecutiveFailures >= QuarantineSentinel
	})

	// Quarantined items must never be redelivered.
	time.Sleep(100 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	if calls != 1 {
		t.Fatalf("quarantined item ran %d times", calls)
	}
}

func TestQueueRescheduleDuringRunSurvivesDelete(t *testing.T) {
	store := newMemStore()
	q := newTestQueue(store)

	var once sync.Once
	rearmed := make(chan struct{})
	_ = q.Register("rearm", func(ctx context.Context, _ []byte) error {
		once.Do(func() {
			// Handler re-arms its own instance; the version bump must make
			// the queue's post-success delete a no-op.
			_ = q.Schedule(dbctx.Context{Ctx: ctx}, "rearm", "i-1", []byte("again"), time.Now().Add(time.Hour))
			close(rearmed)
		})
		return nil
	})

	dbc := dbctx.Context{Ctx: context.Background()}
	_ = q.Schedule(dbc, "rearm", "i-1", []byte("first"), time.Now())

	q.Start(context.Background())
	defer q.Stop()

	<-rearmed
	time.Sleep(100 * time.Millisecond)

	it, ok := store.get("rearm", "i-1")
	if !ok {
		t.Fatalf("re-armed item was deleted")
	}
	if string(it.TaskData) != "again" {
		t.Fatalf("payload = %q, want the re-armed one", it.TaskData)
	}
}

func TestQueueRegisterRejectsDuplicates(t *testing.T) {
	q := newTestQueue(newMemStore())
	h := func(context.Context, []byte) error { return nil }
	if err := q.Register("dup", h); err != nil {
		t.Fatalf("first register: %v", err)
	}
	if err := q.Register("dup", h); err == nil {
		t.Fatalf("expected duplicate registration error")
	}
	if err := q.Register("", h); err == nil {
		t.Fatalf("expected empty-name error")
	}
	if err := q.Register("nilh", nil); err == nil {
		t.Fatalf("expected nil-handler error")
	}
}

func TestClaimedItemHeartbeatsWhileWorkersBusy(t *testing.T) {
	store := newMemStore()
	q := New(store, logger.Nop(), Config{
		Workers:           1,
		PollInterval:      10 * time.Millisecond,
		HeartbeatInterval: 20 * time.Millisecond,
		Lease:             time.Minute,
		BackoffBase:       50 * time.Millisecond,
		DrainGrace:        2 * time.Second,
	})

	release := make(chan struct{})
	var mu sync.Mutex
	running := ""
	_ = q.Register("busywork", func(_ context.Context, payload []byte) error {
		mu.Lock()
		running = string(payload)
		mu.Unlock()
		<-release
		return nil
	})

	dbc := dbctx.Context{Ctx: context.Background()}
	_ = q.Schedule(dbc, "busywork", "i-1", []byte("i-1"), time.Now())
	_ = q.Schedule(dbc, "busywork", "i-2", []byte("i-2"), time.Now())

	q.Start(context.Background())
	defer q.Stop()
	defer close(release)

	// One item occupies the single worker; the other is claimed but waiting.
	waitFor(t, 2*time.Second, func() bool {
		a, okA := store.get("busywork", "i-1")
		b, okB := store.get("busywork", "i-2")
		mu.Lock()
		defer mu.Unlock()
		return okA && okB && a.Picked && b.Picked && running != ""
	})
	mu.Lock()
	waiting := "i-2"
	if running == "i-2" {
		waiting = "i-1"
	}
	mu.Unlock()

	// The waiting item's lease must keep extending even though no worker has
	// started its handler yet.
	before, _ := store.get("busywork", waiting)
	waitFor(t, 2*time.Second, func() bool {
		it, ok := store.get("busywork", waiting)
		return ok && it.LastHeartbeat != nil && before.LastHeartbeat != nil &&
			it.LastHeartbeat.After(*before.LastHeartbeat)
	})
}

func TestQueueHandlerPanicIsContained(t *testing.T) {
	store := newMemStore()
	q := newTestQueue(store)

	var mu sync.Mutex
	calls := 0
	_ = q.Register("panicky", func(context.Context, []byte) error {
		mu.Lock()
		calls++
		mu.Unlock()
		panic("boom")
	})

	dbc := dbctx.Context{Ctx: context.Background()}
	_ = q.Schedule(dbc, "panicky", "i-1", []byte("x"), time.Now())

	q.Start(context.Background())
	defer q.Stop()

	// Panic is treated like a handler error: the item backs off and retries.
	waitFor(t, 5*time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return calls >= 2
	})
}
