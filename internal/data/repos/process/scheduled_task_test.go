package process

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/taskmill/taskmill-backend/internal/data/repos/testutil"
	types "github.com/taskmill/taskmill-backend/internal/domain/process"
	"github.com/taskmill/taskmill-backend/internal/pkg/dbctx"
)

// findDue filters a due batch for one instance; other packages may share the
// database, so count assertions go through this.
func findDue(items []*types.ScheduledTask, taskName, instance string) *types.ScheduledTask {
	for _, it := range items {
		if it.TaskName == taskName && it.TaskInstance == instance {
			return it
		}
	}
	return nil
}

func newScheduledHarness(t *testing.T) (ScheduledTaskRepo, dbctx.Context) {
	t.Helper()
	db := testutil.DB(t)
	tx := testutil.Tx(t, db)
	return NewScheduledTaskRepo(tx, testutil.Logger(t)), dbctx.Context{Ctx: context.Background(), Tx: tx}
}

func TestScheduleThenClaim(t *testing.T) {
	repo, dbc := newScheduledHarness(t)
	instance := uuid.NewString()
	now := time.Now().UTC()

	if err := repo.Schedule(dbc, "cli-task", instance, []byte(`{"v":1}`), now); err != nil {
		t.Fatalf("Schedule: %v", err)
	}

	batch, err := repo.Due(dbc, now.Add(time.Second), 5*time.Minute, 50)
	if err != nil {
		t.Fatalf("Due: %v", err)
	}
	item := findDue(batch, "cli-task", instance)
	if item == nil {
		t.Fatalf("scheduled item not due")
	}

	ok, err := repo.Claim(dbc, item.TaskName, item.TaskInstance, item.Version, "worker-a", now)
	if err != nil || !ok {
		t.Fatalf("Claim: ok=%v err=%v", ok, err)
	}

	// Second claim with the stale version must lose.
	ok, err = repo.Claim(dbc, item.TaskName, item.TaskInstance, item.Version, "worker-b", now)
	if err != nil {
		t.Fatalf("stale Claim: %v", err)
	}
	if ok {
		t.Fatalf("two workers claimed the same version")
	}
}

func TestClaimedItemNotDueUntilLeaseExpires(t *testing.T) {
	repo, dbc := newScheduledHarness(t)
	instance := uuid.NewString()
	now := time.Now().UTC()
	lease := 5 * time.Minute

	_ = repo.Schedule(dbc, "cli-task", instance, []byte(`{}`), now)
	batch, _ := repo.Due(dbc, now, lease, 50)
	item := findDue(batch, "cli-task", instance)
	_, _ = repo.Claim(dbc, "cli-task", instance, item.Version, "worker-a", now)

	// Fresh heartbeat keeps the item invisible.
	batch, err := repo.Due(dbc, now.Add(time.Minute), lease, 50)
	if err != nil {
		t.Fatalf("Due: %v", err)
	}
	if findDue(batch, "cli-task", instance) != nil {
		t.Fatalf("claimed item reappeared before lease expiry")
	}

	// Past the lease window a peer can see it again.
	batch, err = repo.Due(dbc, now.Add(lease+time.Minute), lease, 50)
	if err != nil {
		t.Fatalf("Due after lease: %v", err)
	}
	if findDue(batch, "cli-task", instance) == nil {
		t.Fatalf("expired lease not reclaimed")
	}
}

func TestCompleteDeleteVersionGuard(t *testing.T) {
	repo, dbc := newScheduledHarness(t)
	instance := uuid.NewString()
	now := time.Now().UTC()

	_ = repo.Schedule(dbc, "cli-task", instance, []byte(`{}`), now)
	batch, _ := repo.Due(dbc, now, time.Minute, 50)
	item := findDue(batch, "cli-task", instance)
	_, _ = repo.Claim(dbc, "cli-task", instance, item.Version, "worker-a", now)
	owned := item.Version + 1

	// Re-arm while the worker still runs: bumps the version again.
	if err := repo.Schedule(dbc, "cli-task", instance, []byte(`{"n":2}`), now.Add(time.Hour)); err != nil {
		t.Fatalf("re-Schedule: %v", err)
	}

	deleted, err := repo.CompleteDelete(dbc, "cli-task", instance, owned)
	if err != nil {
		t.Fatalf("CompleteDelete: %v", err)
	}
	if deleted {
		t.Fatalf("stale version deleted a re-armed item")
	}

	got, err := repo.Get(dbc, "cli-task", instance)
	if err != nil || got == nil {
		t.Fatalf("re-armed item missing: %v", err)
	}
	if got.Picked {
		t.Fatalf("re-armed item still picked")
	}
}

func TestMarkFailedBacksOffAndReleases(t *testing.T) {
	repo, dbc := newScheduledHarness(t)
	instance := uuid.NewString()
	now := time.Now().UTC()

	_ = repo.Schedule(dbc, "cli-task", instance, []byte(`{}`), now)
	batch, _ := repo.Due(dbc, now, time.Minute, 50)
	item := findDue(batch, "cli-task", instance)
	_, _ = repo.Claim(dbc, "cli-task", instance, item.Version, "worker-a", now)
	owned := item.Version + 1

	next := now.Add(time.Minute)
	if err := repo.MarkFailed(dbc, "cli-task", instance, owned, next, now); err != nil {
		t.Fatalf("MarkFailed: %v", err)
	}

	got, err := repo.Get(dbc, "cli-task", instance)
	if err != nil || got == nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Picked || got.PickedBy != "" {
		t.Fatalf("failed item still leased: %+v", got)
	}
	if got.ConsecutiveFailures != 1 {
		t.Fatalf("consecutive_failures = %d", got.ConsecutiveFailures)
	}
	if !got.ExecutionTime.After(now) {
		t.Fatalf("execution_time not pushed out: %v", got.ExecutionTime)
	}
}

func TestQuarantineRemovesFromDue(t *testing.T) {
	repo, dbc := newScheduledHarness(t)
	instance := uuid.NewString()
	now := time.Now().UTC()

	_ = repo.Schedule(dbc, "cli-task", instance, []byte(`junk`), now)
	batch, _ := repo.Due(dbc, now, time.Minute, 50)
	item := findDue(batch, "cli-task", instance)
	_, _ = repo.Claim(dbc, "cli-task", instance, item.Version, "worker-a", now)

	if err := repo.Quarantine(dbc, "cli-task", instance, item.Version+1, now); err != nil {
		t.Fatalf("Quarantine: %v", err)
	}

	batch, err := repo.Due(dbc, now.Add(time.Hour), time.Minute, 50)
	if err != nil {
		t.Fatalf("Due: %v", err)
	}
	if findDue(batch, "cli-task", instance) != nil {
		t.Fatalf("quarantined item still due")
	}

	got, _ := repo.Get(dbc, "cli-task", instance)
	if got == nil || got.ConsecutiveFailures < QuarantineFailures {
		t.Fatalf("quarantine sentinel missing: %+v", got)
	}
}

func TestExistsForRecord(t *testing.T) {
	repo, dbc := newScheduledHarness(t)
	recordID := uuid.NewString()
	now := time.Now().UTC()

	payload, _ := json.Marshal(map[string]any{
		"v":    1,
		"kind": "process",
		"data": map[string]any{"process_record_id": recordID},
	})
	_ = repo.Schedule(dbc, "process-step", uuid.NewString(), payload, now)

	ok, err := repo.ExistsForRecord(dbc, recordID)
	if err != nil {
		t.Fatalf("ExistsForRecord: %v", err)
	}
	if !ok {
		t.Fatalf("payload with record id not found")
	}

	ok, err = repo.ExistsForRecord(dbc, uuid.NewString())
	if err != nil {
		t.Fatalf("ExistsForRecord (miss): %v", err)
	}
	if ok {
		t.Fatalf("unexpected match for unrelated record")
	}
}

func TestDeleteByInstancePrefix(t *testing.T) {
	repo, dbc := newScheduledHarness(t)
	processID := uuid.NewString()
	now := time.Now().UTC()

	_ = repo.Schedule(dbc, "cli-task", processID+"-task-0", []byte(`{}`), now)
	_ = repo.Schedule(dbc, "cli-task", processID+"-task-1", []byte(`{}`), now)
	_ = repo.Schedule(dbc, "cli-task", uuid.NewString()+"-task-0", []byte(`{}`), now)

	n, err := repo.DeleteByInstancePrefix(dbc, processID)
	if err != nil {
		t.Fatalf("DeleteByInstancePrefix: %v", err)
	}
	if n != 2 {
		t.Fatalf("deleted %d rows, want 2", n)
	}
}
