package orchestrator

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"gorm.io/gorm"

	"github.com/taskmill/taskmill-backend/internal/cliexec"
	types "github.com/taskmill/taskmill-backend/internal/domain/process"
	"github.com/taskmill/taskmill-backend/internal/pkg/dbctx"
	pkgerr "github.com/taskmill/taskmill-backend/internal/pkg/errors"
	"github.com/taskmill/taskmill-backend/internal/realtime"
	"github.com/taskmill/taskmill-backend/internal/template"
)

// handleProcessStep dispatches the run's current task as a cli-task work
// item. It never waits on the task itself; sequencing comes from the
// cli-task handler enqueuing the next step after it commits.
func (o *Orchestrator) handleProcessStep(ctx context.Context, payload []byte) error {
	pd, err := types.DecodeProcessPayload(payload)
	if err != nil {
		return err
	}
	dbc := dbctx.Context{Ctx: ctx}
	log := o.log.With("process_id", pd.ProcessID, "record_id", pd.ProcessRecordID)

	rec, err := o.records.GetByID(dbc, pd.ProcessRecordID)
	if pkgerr.IsNotFound(err) {
		log.Warn("record vanished; dropping process step")
		o.cacheEvict(pd.ProcessID)
		return nil
	}
	if err != nil {
		return err
	}
	if types.IsTerminal(rec.CurrentStatus) {
		log.Info("record is terminal; dropping process step", "status", rec.CurrentStatus)
		o.cacheEvict(pd.ProcessID)
		return nil
	}

	if pd.CurrentTaskIndex >= pd.TotalTasks {
		// Redelivery after the final advance already committed.
		return o.finalizeCompleted(ctx, pd)
	}

	now := time.Now().UTC()
	if pd.CurrentTaskIndex == 0 && rec.CurrentStatus != types.StatusInProgress {
		ok, err := o.records.UpdateStatusUnlessTerminal(dbc, rec.ID, map[string]interface{}{
			"current_status": types.StatusInProgress,
			"started_when":   now,
		})
		if err != nil {
			return err
		}
		if !ok {
			log.Info("record reached terminal state before start; dropping")
			return nil
		}
		o.notify.Publish(ctx, realtime.Event{
			Kind:      realtime.EventProcessStarted,
			RecordID:  rec.ID,
			ProcessID: pd.ProcessID,
		})
	}

	task := pd.CurrentTask()
	if task == nil {
		// Task list shorter than the cursor says. Retrying cannot help; let
		// the queue dead-letter the payload.
		return fmt.Errorf("payload cursor %d outside its %d tasks: %w", pd.CurrentTaskIndex, len(pd.Tasks), pkgerr.ErrSerialization)
	}
	if task.Status == types.TaskCompleted {
		// Crash landed between the task's completion and the cursor advance.
		pd.CurrentTaskIndex++
		return o.advanceOrComplete(ctx, pd)
	}

	task.Status = types.TaskRunning
	task.StartedAt = &now

	err = o.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		txc := dbctx.Context{Ctx: ctx, Tx: tx}
		if err := o.tasks.Upsert(txc, task.Row()); err != nil {
			return err
		}
		if err := o.records.UpdateFields(txc, rec.ID, map[string]interface{}{
			"current_task_index": pd.CurrentTaskIndex,
		}); err != nil {
			return err
		}
		taskPayload, err := types.EncodeTaskPayload(task)
		if err != nil {
			return err
		}
		return o.queue.Schedule(txc, types.WorkCliTask, task.TaskID, taskPayload, now)
	})
	if err != nil {
		return err
	}

	o.cachePut(pd)
	log.Debug("task dispatched", "task", task.Name, "task_index", task.TaskIndex)
	return nil
}

// handleCliTask runs one task attempt, records the outcome and either
// advances the run, schedules a retry, or fails the record.
func (o *Orchestrator) handleCliTask(ctx context.Context, payload []byte) error {
	td, err := types.DecodeTaskPayload(payload)
	if err != nil {
		return err
	}
	dbc := dbctx.Context{Ctx: ctx}
	log := o.log.With(
		"process_id", td.ProcessID,
		"record_id", td.ProcessRecordID,
		"task", td.Name,
		"task_index", td.TaskIndex,
	)

	pd, err := o.resolveProcess(ctx, td)
	if err != nil {
		if pkgerr.IsNotFound(err) {
			log.Warn("record vanished; dropping cli task")
			return nil
		}
		return err
	}
	if td.TaskIndex < 0 || td.TaskIndex >= len(pd.Tasks) {
		return fmt.Errorf("task index %d outside the run's %d tasks: %w", td.TaskIndex, len(pd.Tasks), pkgerr.ErrSerialization)
	}

	rec, err := o.records.GetByID(dbc, td.ProcessRecordID)
	if err != nil {
		return err
	}
	if types.IsTerminal(rec.CurrentStatus) {
		log.Info("record is terminal; skipping task advance", "status", rec.CurrentStatus)
		o.cacheEvict(td.ProcessID)
		return nil
	}

	// Idempotency: a reclaimed lease can redeliver a task that already ran.
	if row, err := o.tasks.GetByID(dbc, td.TaskID); err == nil && row.Status == types.TaskCompleted {
		log.Info("task already completed; advancing without re-run")
		applyRowToTask(td, row)
		pd.Tasks[td.TaskIndex] = *td
		o.accumulateContext(pd, td)
		if pd.CurrentTaskIndex <= td.TaskIndex {
			pd.CurrentTaskIndex = td.TaskIndex + 1
		}
		return o.advanceOrComplete(ctx, pd)
	} else if err != nil && !pkgerr.IsNotFound(err) {
		return err
	}

	input := template.ParseInputData(pd.InputData)
	expanded := template.Expand(td.Command, input, o.cfg.TemplateConfig, pd.ProcessContext)

	log.Info("executing task", "attempt", td.RetryCount+1, "max_retries", td.MaxRetries)
	result := o.runner.Run(ctx, cliexec.Spec{
		Command:          expanded,
		WorkingDirectory: td.WorkingDirectory,
		Timeout:          time.Duration(td.TimeoutMinutes) * time.Minute,
	})

	if result.Success {
		return o.completeTask(ctx, pd, td, result)
	}
	return o.failTask(ctx, pd, td, result)
}

func (o *Orchestrator) completeTask(ctx context.Context, pd *types.ProcessData, td *types.TaskData, result cliexec.ExecutionResult) error {
	now := time.Now().UTC()
	exit := result.ExitCode
	td.Status = types.TaskCompleted
	td.ExitCode = &exit
	td.Output = result.Output
	td.ErrorMessage = ""
	td.CompletedAt = &now

	pd.Tasks[td.TaskIndex] = *td
	o.accumulateContext(pd, td)
	pd.CurrentTaskIndex = td.TaskIndex + 1
	pd.UpdatedAt = now

	if err := o.advanceOrComplete(ctx, pd); err != nil {
		return err
	}
	o.notify.Publish(ctx, realtime.Event{
		Kind:      realtime.EventTaskCompleted,
		RecordID:  td.ProcessRecordID,
		ProcessID: td.ProcessID,
		TaskName:  td.Name,
		TaskIndex: td.TaskIndex,
	})
	return nil
}

// advanceOrComplete persists the advanced cursor and, in the same
// transaction, either enqueues the next process step or marks the record
// COMPLETED. One commit; a crash on either side leaves a consistent pair.
func (o *Orchestrator) advanceOrComplete(ctx context.Context, pd *types.ProcessData) error {
	now := time.Now().UTC()
	done := pd.CurrentTaskIndex >= pd.TotalTasks

	advanced := false
	err := o.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		txc := dbctx.Context{Ctx: ctx, Tx: tx}
		if td := lastFinishedTask(pd); td != nil {
			if err := o.tasks.Upsert(txc, td.Row()); err != nil {
				return err
			}
		}
		updates := map[string]interface{}{
			"current_task_index": pd.CurrentTaskIndex,
		}
		if done {
			updates["current_status"] = types.StatusCompleted
			updates["completed_when"] = now
		}
		// A stop or failure committed meanwhile makes the guard reject the
		// write; the finished task row stays, the run does not advance.
		ok, err := o.records.UpdateStatusUnlessTerminal(txc, pd.ProcessRecordID, updates)
		if err != nil {
			return err
		}
		advanced = ok
		if !ok || done {
			return nil
		}
		payload, err := types.EncodeProcessPayload(pd)
		if err != nil {
			return err
		}
		return o.queue.Schedule(txc, types.WorkProcessStep, pd.ProcessID, payload, now)
	})
	if err != nil {
		return err
	}

	if !advanced {
		o.log.Info("record turned terminal mid-task; advance skipped",
			"record_id", pd.ProcessRecordID, "process_id", pd.ProcessID)
		o.cacheEvict(pd.ProcessID)
		return nil
	}
	if done {
		o.cacheEvict(pd.ProcessID)
		o.notify.Publish(ctx, realtime.Event{
			Kind:      realtime.EventProcessCompleted,
			RecordID:  pd.ProcessRecordID,
			ProcessID: pd.ProcessID,
		})
		o.log.Info("process completed", "record_id", pd.ProcessRecordID, "process_id", pd.ProcessID)
	} else {
		o.cachePut(pd)
	}
	return nil
}

func (o *Orchestrator) failTask(ctx context.Context, pd *types.ProcessData, td *types.TaskData, result cliexec.ExecutionResult) error {
	now := time.Now().UTC()
	td.Output = result.Output
	td.ErrorMessage = result.ErrorMessage
	if result.ExitCode > 0 {
		exit := result.ExitCode
		td.ExitCode = &exit
	}

	if td.RetryCount < td.MaxRetries {
		td.RetryCount++
		td.Status = types.TaskPending
		pd.Tasks[td.TaskIndex] = *td
		pd.UpdatedAt = now

		err := o.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			txc := dbctx.Context{Ctx: ctx, Tx: tx}
			if err := o.tasks.Upsert(txc, td.Row()); err != nil {
				return err
			}
			payload, err := types.EncodeTaskPayload(td)
			if err != nil {
				return err
			}
			return o.queue.Schedule(txc, types.WorkCliTask, td.TaskID, payload, now.Add(o.cfg.RetryBackoff))
		})
		if err != nil {
			return err
		}

		o.cachePut(pd)
		o.notify.Publish(ctx, realtime.Event{
			Kind:      realtime.EventTaskRetried,
			RecordID:  td.ProcessRecordID,
			ProcessID: td.ProcessID,
			TaskName:  td.Name,
			TaskIndex: td.TaskIndex,
			Message:   result.ErrorMessage,
		})
		o.log.Warn("task failed; retry scheduled",
			"record_id", td.ProcessRecordID,
			"task", td.Name,
			"retry_count", td.RetryCount,
			"max_retries", td.MaxRetries,
			"backoff", o.cfg.RetryBackoff,
		)
		return nil
	}

	// Retries exhausted.
	td.Status = types.TaskFailed
	pd.Tasks[td.TaskIndex] = *td
	lastError := fmt.Sprintf("%s: %s", td.Name, result.ErrorMessage)

	err := o.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		txc := dbctx.Context{Ctx: ctx, Tx: tx}
		if err := o.tasks.Upsert(txc, td.Row()); err != nil {
			return err
		}
		_, err := o.records.UpdateStatusUnlessTerminal(txc, td.ProcessRecordID, map[string]interface{}{
			"current_status":     types.StatusFailed,
			"failed_when":        now,
			"last_error_message": lastError,
		})
		return err
	})
	if err != nil {
		return err
	}

	o.cacheEvict(td.ProcessID)
	o.notify.Publish(ctx, realtime.Event{
		Kind:      realtime.EventProcessFailed,
		RecordID:  td.ProcessRecordID,
		ProcessID: td.ProcessID,
		TaskName:  td.Name,
		TaskIndex: td.TaskIndex,
		Message:   lastError,
	})
	o.log.Warn("process failed",
		"record_id", td.ProcessRecordID,
		"task", td.Name,
		"retry_count", td.RetryCount,
		"error", result.ErrorMessage,
	)
	return nil
}

func (o *Orchestrator) finalizeCompleted(ctx context.Context, pd *types.ProcessData) error {
	now := time.Now().UTC()
	_, err := o.records.UpdateStatusUnlessTerminal(dbctx.Context{Ctx: ctx}, pd.ProcessRecordID, map[string]interface{}{
		"current_status":     types.StatusCompleted,
		"current_task_index": pd.CurrentTaskIndex,
		"completed_when":     now,
	})
	if err != nil {
		return err
	}
	o.cacheEvict(pd.ProcessID)
	return nil
}

// resolveProcess returns the run state for a task payload, preferring the
// in-memory cache and rebuilding from the store when this node never saw the
// run (peer crash, lease reclaim).
func (o *Orchestrator) resolveProcess(ctx context.Context, td *types.TaskData) (*types.ProcessData, error) {
	if pd, ok := o.cacheGet(td.ProcessID); ok {
		return pd, nil
	}
	dbc := dbctx.Context{Ctx: ctx}
	rec, err := o.records.GetByID(dbc, td.ProcessRecordID)
	if err != nil {
		return nil, err
	}
	rows, err := o.tasks.ListByRecord(dbc, rec.ID)
	if err != nil {
		return nil, err
	}

	pd := &types.ProcessData{
		ProcessID:        td.ProcessID,
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
	prefix := td.ProcessID + "-task-"
	for _, row := range rows {
		if !strings.HasPrefix(row.ID, prefix) {
			// Row from an earlier run of the same record.
			continue
		}
		t := taskFromRow(td.ProcessID, row)
		pd.Tasks = append(pd.Tasks, t)
		if t.Status == types.TaskCompleted {
			o.accumulateContext(pd, &t)
		}
	}
	if len(pd.Tasks) != pd.TotalTasks {
		return nil, pkgerr.NotFoundf("run %s has %d of %d task rows", td.ProcessID, len(pd.Tasks), pd.TotalTasks)
	}
	o.cachePut(pd)
	o.log.Info("rebuilt run state from store", "process_id", td.ProcessID, "record_id", rec.ID)
	return pd, nil
}

// accumulateContext records a completed task's outputs for template
// expansion in later tasks of the same run.
func (o *Orchestrator) accumulateContext(pd *types.ProcessData, td *types.TaskData) {
	if pd.ProcessContext == nil {
		pd.ProcessContext = map[string]string{}
	}
	exit := 0
	if td.ExitCode != nil {
		exit = *td.ExitCode
	}
	pd.ProcessContext[types.CtxExitCodeKey(td.Name)] = strconv.Itoa(exit)
	pd.ProcessContext[types.CtxOutputKey(td.Name)] = strings.TrimRight(td.Output, "\n")
	pd.ProcessContext[types.CtxLastCompletedTask] = td.Name
}

func lastFinishedTask(pd *types.ProcessData) *types.TaskData {
	idx := pd.CurrentTaskIndex - 1
	if idx < 0 || idx >= len(pd.Tasks) {
		return nil
	}
	return &pd.Tasks[idx]
}

func applyRowToTask(td *types.TaskData, row *types.TaskRow) {
	td.Status = row.Status
	td.RetryCount = row.RetryCount
	td.StartedAt = row.StartedAt
	td.CompletedAt = row.CompletedAt
	td.ExitCode = row.ExitCode
	td.Output = row.Output
	td.ErrorMessage = row.ErrorMessage
}

func taskFromRow(processID string, row *types.TaskRow) types.TaskData {
	return types.TaskData{
		TaskID:           row.ID,
		ProcessID:        processID,
		ProcessRecordID:  row.ProcessRecordID,
		TaskIndex:        row.TaskIndex,
		Name:             row.TaskName,
		Command:          row.Command,
		WorkingDirectory: row.WorkingDirectory,
		TimeoutMinutes:   row.TimeoutMinutes,
		MaxRetries:       row.MaxRetries,
		RetryCount:       row.RetryCount,
		Status:           row.Status,
		StartedAt:        row.StartedAt,
		CompletedAt:      row.CompletedAt,
		ExitCode:         row.ExitCode,
		Output:           row.Output,
		ErrorMessage:     row.ErrorMessage,
	}
}
