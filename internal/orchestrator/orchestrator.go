// Package orchestrator owns the process lifecycle: it materializes runs from
// process types, drives the per-process state machine through the durable
// work queue, and records every outcome in the state store.
package orchestrator

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/taskmill/taskmill-backend/internal/cliexec"
	repos "github.com/taskmill/taskmill-backend/internal/data/repos/process"
	types "github.com/taskmill/taskmill-backend/internal/domain/process"
	"github.com/taskmill/taskmill-backend/internal/pkg/dbctx"
	pkgerr "github.com/taskmill/taskmill-backend/internal/pkg/errors"
	"github.com/taskmill/taskmill-backend/internal/pkg/logger"
	"github.com/taskmill/taskmill-backend/internal/proctype"
	"github.com/taskmill/taskmill-backend/internal/queue"
	"github.com/taskmill/taskmill-backend/internal/realtime"
)

// WorkScheduler is the slice of the queue the orchestrator needs.
type WorkScheduler interface {
	Register(taskName string, h queue.Handler) error
	Schedule(dbc dbctx.Context, taskName, taskInstance string, payload []byte, executionTime time.Time) error
}

type Config struct {
	// RetryBackoff is the delay before re-running a failed task attempt.
	RetryBackoff time.Duration
	// ReconcileInterval is how often the sweep looks for stranded runs.
	ReconcileInterval time.Duration
	// TemplateConfig is the operator-supplied substitution map, consulted
	// after well-known input fields and before accumulated context.
	TemplateConfig map[string]string
}

func (c *Config) applyDefaults() {
	if c.RetryBackoff <= 0 {
		c.RetryBackoff = 30 * time.Second
	}
	if c.ReconcileInterval <= 0 {
		c.ReconcileInterval = 60 * time.Second
	}
}

type Orchestrator struct {
	log      *logger.Logger
	db       *gorm.DB
	records  repos.RecordRepo
	tasks    repos.TaskRepo
	workload repos.ScheduledTaskRepo
	queue    WorkScheduler
	registry *proctype.Registry
	runner   cliexec.Runner
	notify   realtime.ProcessNotifier
	cfg      Config

	// cache holds live ProcessData keyed by process_id. Pure optimization:
	// every handler can rebuild the same state from payload + store.
	cacheMu sync.RWMutex
	cache   map[string]*types.ProcessData

	stopMu  sync.Mutex
	cancel  context.CancelFunc
	stopped chan struct{}
}

func New(
	db *gorm.DB,
	baseLog *logger.Logger,
	records repos.RecordRepo,
	tasks repos.TaskRepo,
	workload repos.ScheduledTaskRepo,
	q WorkScheduler,
	registry *proctype.Registry,
	runner cliexec.Runner,
	notify realtime.ProcessNotifier,
	cfg Config,
) *Orchestrator {
	cfg.applyDefaults()
	if notify == nil {
		notify = realtime.NewNopNotifier()
	}
	return &Orchestrator{
		log:      baseLog.With("component", "Orchestrator"),
		db:       db,
		records:  records,
		tasks:    tasks,
		workload: workload,
		queue:    q,
		registry: registry,
		runner:   runner,
		notify:   notify,
		cfg:      cfg,
		cache:    make(map[string]*types.ProcessData),
	}
}

// Start registers the two queue handlers and launches the reconciliation
// sweep. The queue's own lifecycle belongs to the caller so several
// consumers can share one pool.
func (o *Orchestrator) Start(ctx context.Context) error {
	if err := o.queue.Register(types.WorkProcessStep, o.handleProcessStep); err != nil {
		return err
	}
	if err := o.queue.Register(types.WorkCliTask, o.handleCliTask); err != nil {
		return err
	}

	o.stopMu.Lock()
	sweepCtx, cancel := context.WithCancel(ctx)
	o.cancel = cancel
	o.stopped = make(chan struct{})
	o.stopMu.Unlock()

	go o.reconcileLoop(sweepCtx)
	o.log.Info("orchestrator started", "reconcile_interval", o.cfg.ReconcileInterval)
	return nil
}

func (o *Orchestrator) Stop() {
	o.stopMu.Lock()
	cancel, stopped := o.cancel, o.stopped
	o.cancel = nil
	o.stopMu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-stopped
}

// StartProcess creates a fresh record for the type and launches its first
// run. Returns the run's process id.
func (o *Orchestrator) StartProcess(ctx context.Context, typeName, inputData string) (string, error) {
	return o.StartProcessWithID(ctx, uuid.NewString(), typeName, inputData, "api")
}

// StartProcessWithID is the caller-supplied-id overload.
func (o *Orchestrator) StartProcessWithID(ctx context.Context, recordID, typeName, inputData, triggeredBy string) (string, error) {
	if !o.registry.Validate(typeName) {
		return "", pkgerr.NotFoundf("process type %s", typeName)
	}
	rec := &types.ProcessRecord{
		ID:            recordID,
		Type:          typeName,
		InputData:     inputData,
		CurrentStatus: types.StatusPending,
		TriggeredBy:   triggeredBy,
	}
	if err := o.records.Create(dbctx.Context{Ctx: ctx}, rec); err != nil {
		return "", err
	}
	return o.StartProcessForRecord(ctx, recordID, triggeredBy)
}

// StartProcessForRecord launches a run for an existing record. Starting an
// IN_PROGRESS record (or one that already has queued work) is a validation
// error; starting from a terminal state is a restart.
func (o *Orchestrator) StartProcessForRecord(ctx context.Context, recordID, triggeredBy string) (string, error) {
	dbc := dbctx.Context{Ctx: ctx}
	rec, err := o.records.GetByID(dbc, recordID)
	if err != nil {
		return "", err
	}
	if rec.CurrentStatus == types.StatusInProgress {
		return "", pkgerr.Validationf("process record %s is already running", recordID)
	}
	if pending, err := o.workload.ExistsForRecord(dbc, recordID); err != nil {
		return "", err
	} else if pending {
		return "", pkgerr.Validationf("process record %s already has queued work", recordID)
	}
	pt, err := o.registry.Get(rec.Type)
	if err != nil {
		return "", err
	}

	processID := uuid.NewString()
	pd := materializeRun(processID, rec, pt)

	now := time.Now().UTC()
	err = o.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		txc := dbctx.Context{Ctx: ctx, Tx: tx}
		// Drop rows from any previous run of this record before seeding the
		// new ones.
		if _, err := o.tasks.DeleteByRecord(txc, rec.ID); err != nil {
			return err
		}
		rows := make([]*types.TaskRow, 0, len(pd.Tasks))
		for i := range pd.Tasks {
			rows = append(rows, pd.Tasks[i].Row())
		}
		if err := o.tasks.UpsertAll(txc, rows); err != nil {
			return err
		}
		updates := map[string]interface{}{
			"current_status":     types.StatusPending,
			"current_task_index": 0,
			"total_tasks":        pd.TotalTasks,
			"started_when":       nil,
			"completed_when":     nil,
			"failed_when":        nil,
			"stopped_when":       nil,
			"last_error_message": "",
			"updated_at":         now,
		}
		if triggeredBy != "" {
			updates["triggered_by"] = triggeredBy
		}
		if err := o.records.UpdateFields(txc, rec.ID, updates); err != nil {
			return err
		}
		payload, err := types.EncodeProcessPayload(pd)
		if err != nil {
			return err
		}
		return o.queue.Schedule(txc, types.WorkProcessStep, processID, payload, now)
	})
	if err != nil {
		return "", err
	}

	o.cachePut(pd)
	o.log.Info("process run enqueued",
		"record_id", rec.ID,
		"process_id", processID,
		"type", rec.Type,
		"total_tasks", pd.TotalTasks,
	)
	return processID, nil
}

// RestartProcess re-runs a record that reached a terminal state.
func (o *Orchestrator) RestartProcess(ctx context.Context, recordID string) (string, error) {
	rec, err := o.records.GetByID(dbctx.Context{Ctx: ctx}, recordID)
	if err != nil {
		return "", err
	}
	if !types.IsTerminal(rec.CurrentStatus) {
		return "", pkgerr.Validationf("process record %s is not restartable from %s", recordID, rec.CurrentStatus)
	}
	return o.StartProcessForRecord(ctx, recordID, "restart")
}

// StopProcess marks the record STOPPED. An in-flight child process is not
// killed; its completion handler observes the terminal status and skips the
// advance step.
func (o *Orchestrator) StopProcess(ctx context.Context, recordID string) error {
	dbc := dbctx.Context{Ctx: ctx}
	rec, err := o.records.GetByID(dbc, recordID)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	ok, err := o.records.UpdateStatusUnlessTerminal(dbc, recordID, map[string]interface{}{
		"current_status": types.StatusStopped,
		"stopped_when":   now,
	})
	if err != nil {
		return err
	}
	if !ok {
		return pkgerr.Validationf("process record %s is already in a terminal state", recordID)
	}
	o.evictByRecord(recordID)
	o.notify.Publish(ctx, realtime.Event{
		Kind:     realtime.EventProcessStopped,
		RecordID: recordID,
		Message:  "stopped by operator",
	})
	o.log.Info("process stopped", "record_id", recordID, "previous_status", rec.CurrentStatus)
	return nil
}

// GetProcessTasks returns the current task snapshot for a record. Never
// waits on in-flight work.
func (o *Orchestrator) GetProcessTasks(ctx context.Context, recordID string) ([]*types.TaskRow, error) {
	dbc := dbctx.Context{Ctx: ctx}
	if _, err := o.records.GetByID(dbc, recordID); err != nil {
		return nil, err
	}
	return o.tasks.ListByRecord(dbc, recordID)
}

// materializeRun captures the type's task list into a fresh ProcessData.
// Later registry edits never affect this run.
func materializeRun(processID string, rec *types.ProcessRecord, pt proctype.ProcessType) *types.ProcessData {
	now := time.Now().UTC()
	pd := &types.ProcessData{
		ProcessID:        processID,
		ProcessRecordID:  rec.ID,
		TypeName:         pt.Name,
		InputData:        rec.InputData,
		TotalTasks:       len(pt.Tasks),
		CurrentTaskIndex: 0,
		Status:           types.StatusPending,
		ProcessContext:   map[string]string{},
		Tasks:            make([]types.TaskData, len(pt.Tasks)),
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	for i, def := range pt.Tasks {
		pd.Tasks[i] = types.TaskData{
			TaskID:           types.TaskID(processID, i),
			ProcessID:        processID,
			ProcessRecordID:  rec.ID,
			TaskIndex:        i,
			Name:             def.Name,
			Command:          def.Command,
			WorkingDirectory: def.WorkingDirectory,
			TimeoutMinutes:   def.TimeoutMinutes,
			MaxRetries:       def.MaxRetries,
			Status:           types.TaskPending,
		}
	}
	return pd
}

// -------------------- cache --------------------

func (o *Orchestrator) cachePut(pd *types.ProcessData) {
	o.cacheMu.Lock()
	defer o.cacheMu.Unlock()
	o.cache[pd.ProcessID] = pd
}

func (o *Orchestrator) cacheGet(processID string) (*types.ProcessData, bool) {
	o.cacheMu.RLock()
	defer o.cacheMu.RUnlock()
	pd, ok := o.cache[processID]
	return pd, ok
}

func (o *Orchestrator) cacheEvict(processID string) {
	o.cacheMu.Lock()
	defer o.cacheMu.Unlock()
	delete(o.cache, processID)
}

func (o *Orchestrator) evictByRecord(recordID string) {
	o.cacheMu.Lock()
	defer o.cacheMu.Unlock()
	for id, pd := range o.cache {
		if pd.ProcessRecordID == recordID {
			delete(o.cache, id)
		}
	}
}
