package main

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"

	repos "github.com/taskmill/taskmill-backend/internal/data/repos/process"
	"github.com/taskmill/taskmill-backend/internal/data/repos/testutil"
	types "github.com/taskmill/taskmill-backend/internal/domain/process"
	"github.com/taskmill/taskmill-backend/internal/pkg/dbctx"
	pkgerr "github.com/taskmill/taskmill-backend/internal/pkg/errors"
)

func newPurgeHarness(t *testing.T) (repos.RecordRepo, repos.TaskRepo, repos.ScheduledTaskRepo, dbctx.Context) {
	t.Helper()
	db := testutil.DB(t)
	tx := testutil.Tx(t, db)
	log := testutil.Logger(t)
	return repos.NewRecordRepo(tx, log),
		repos.NewTaskRepo(tx, log),
		repos.NewScheduledTaskRepo(tx, log),
		dbctx.Context{Ctx: context.Background(), Tx: tx}
}

func TestPurgeRecordRemovesAllThreeTables(t *testing.T) {
	records, tasks, workload, dbc := newPurgeHarness(t)

	rec := &types.ProcessRecord{
		ID:            uuid.NewString(),
		Type:          "etl",
		CurrentStatus: types.StatusFailed,
	}
	if err := records.Create(dbc, rec); err != nil {
		t.Fatalf("Create: %v", err)
	}

	runID := uuid.NewString()
	rows := []*types.TaskRow{
		{ID: types.TaskID(runID, 0), ProcessRecordID: rec.ID, TaskIndex: 0, TaskName: "A", Command: "echo one", Status: types.TaskCompleted},
		{ID: types.TaskID(runID, 1), ProcessRecordID: rec.ID, TaskIndex: 1, TaskName: "B", Command: "exit 1", Status: types.TaskFailed},
	}
	if err := tasks.UpsertAll(dbc, rows); err != nil {
		t.Fatalf("UpsertAll: %v", err)
	}

	// One leftover step item and one quarantined task item for the run.
	now := time.Now().UTC()
	if err := workload.Schedule(dbc, types.WorkProcessStep, runID, []byte(`{}`), now); err != nil {
		t.Fatalf("Schedule step: %v", err)
	}
	if err := workload.Schedule(dbc, types.WorkCliTask, types.TaskID(runID, 1), []byte(`junk`), now); err != nil {
		t.Fatalf("Schedule task: %v", err)
	}
	if err := workload.Quarantine(dbc, types.WorkCliTask, types.TaskID(runID, 1), 0, now); err != nil {
		t.Fatalf("Quarantine: %v", err)
	}

	ok, err := purgeRecord(dbc, records, tasks, workload, rec.ID)
	if err != nil {
		t.Fatalf("purgeRecord: %v", err)
	}
	if !ok {
		t.Fatalf("terminal record not purged")
	}

	if _, err := records.GetByID(dbc, rec.ID); !pkgerr.IsNotFound(err) {
		t.Fatalf("record still present: %v", err)
	}
	left, err := tasks.ListByRecord(dbc, rec.ID)
	if err != nil || len(left) != 0 {
		t.Fatalf("task rows remain: n=%d err=%v", len(left), err)
	}
	for _, probe := range [][2]string{
		{types.WorkProcessStep, runID},
		{types.WorkCliTask, types.TaskID(runID, 1)},
	} {
		item, err := workload.Get(dbc, probe[0], probe[1])
		if err != nil {
			t.Fatalf("Get %s/%s: %v", probe[0], probe[1], err)
		}
		if item != nil {
			t.Fatalf("queue item %s/%s survived the purge", probe[0], probe[1])
		}
	}
}

func TestPurgeRecordLeavesRunningRecordAlone(t *testing.T) {
	records, tasks, workload, dbc := newPurgeHarness(t)

	rec := &types.ProcessRecord{
		ID:            uuid.NewString(),
		Type:          "etl",
		CurrentStatus: types.StatusInProgress,
	}
	if err := records.Create(dbc, rec); err != nil {
		t.Fatalf("Create: %v", err)
	}
	runID := uuid.NewString()
	if err := tasks.Upsert(dbc, &types.TaskRow{
		ID: types.TaskID(runID, 0), ProcessRecordID: rec.ID, TaskName: "A", Command: "sleep 1", Status: types.TaskRunning,
	}); err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	if err := workload.Schedule(dbc, types.WorkCliTask, types.TaskID(runID, 0), []byte(`{}`), time.Now().UTC()); err != nil {
		t.Fatalf("Schedule: %v", err)
	}

	ok, err := purgeRecord(dbc, records, tasks, workload, rec.ID)
	if err != nil {
		t.Fatalf("purgeRecord: %v", err)
	}
	if ok {
		t.Fatalf("running record was purged")
	}

	if _, err := records.GetByID(dbc, rec.ID); err != nil {
		t.Fatalf("record gone: %v", err)
	}
	item, err := workload.Get(dbc, types.WorkCliTask, types.TaskID(runID, 0))
	if err != nil || item == nil {
		t.Fatalf("live queue item deleted: item=%v err=%v", item, err)
	}
}
