package orchestrator

import (
	"context"
	"strings"
	"time"

	types "github.com/taskmill/taskmill-backend/internal/domain/process"
	"github.com/taskmill/taskmill-backend/internal/pkg/dbctx"
)

// reconcileLoop re-arms runs that are IN_PROGRESS in the record store but
// have no work item left in the queue. The window is tiny (a crash between
// a queue delete and the next enqueue commit) but without the sweep such a
// run would hang forever.
func (o *Orchestrator) reconcileLoop(ctx context.Context) {
	defer close(o.stopped)
	ticker := time.NewTicker(o.cfg.ReconcileInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := o.reconcileOnce(ctx); err != nil {
				o.log.Error("reconcile sweep failed", "error", err)
			}
		}
	}
}

func (o *Orchestrator) reconcileOnce(ctx context.Context) error {
	dbc := dbctx.Context{Ctx: ctx}
	running, err := o.records.FindByStatus(dbc, types.StatusInProgress)
	if err != nil {
		return err
	}
	for _, rec := range running {
		pending, err := o.workload.ExistsForRecord(dbc, rec.ID)
		if err != nil {
			return err
		}
		if pending {
			continue
		}
		// Young records may be mid-commit on a peer; give them a grace
		// period before declaring them stranded.
		if time.Since(rec.UpdatedAt) < o.cfg.ReconcileInterval {
			continue
		}
		if err := o.resumeRecord(ctx, rec); err != nil {
			o.log.Error("failed to resume stranded run", "record_id", rec.ID, "error", err)
		}
	}
	return nil
}

// resumeRecord rebuilds run state from the record's task rows and enqueues a
// process step at the stored cursor. Completed work is never re-run; the
// step handler re-dispatches the task the crash interrupted.
func (o *Orchestrator) resumeRecord(ctx context.Context, rec *types.ProcessRecord) error {
	dbc := dbctx.Context{Ctx: ctx}
	rows, err := o.tasks.ListByRecord(dbc, rec.ID)
	if err != nil {
		return err
	}
	if len(rows) == 0 {
		o.log.Warn("stranded record has no task rows; leaving as is", "record_id", rec.ID)
		return nil
	}

	processID := runIDFromRow(rows[0])
	pd := &types.ProcessData{
		ProcessID:        processID,
		ProcessRecordID:  rec.ID,
		TypeName:         rec.Type,
		InputData:        rec.InputData,
		TotalTasks:       rec.TotalTasks,
		CurrentTaskIndex: rec.CurrentTaskIndex,
		Status:           rec.CurrentStatus,
		ProcessContext:   map[string]string{},
		CreatedAt:        rec.CreatedAt,
		UpdatedAt:        time.Now().UTC(),
	}
	for _, row := range rows {
		t := taskFromRow(processID, row)
		if t.Status == types.TaskRunning {
			// The attempt died with the crashed node; run it again.
			t.Status = types.TaskPending
		}
		pd.Tasks = append(pd.Tasks, t)
		if t.Status == types.TaskCompleted {
			o.accumulateContext(pd, &t)
		}
	}

	payload, err := types.EncodeProcessPayload(pd)
	if err != nil {
		return err
	}
	if err := o.queue.Schedule(dbc, types.WorkProcessStep, processID, payload, time.Now().UTC()); err != nil {
		return err
	}
	o.cachePut(pd)
	o.log.Warn("resumed stranded run",
		"record_id", rec.ID,
		"process_id", processID,
		"task_index", pd.CurrentTaskIndex,
	)
	return nil
}

// runIDFromRow strips the "-task-<n>" suffix off a task row id.
func runIDFromRow(row *types.TaskRow) string {
	if i := strings.LastIndex(row.ID, "-task-"); i > 0 {
		return row.ID[:i]
	}
	return row.ID
}
