package process

import (
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	types "github.com/taskmill/taskmill-backend/internal/domain/process"
	"github.com/taskmill/taskmill-backend/internal/pkg/dbctx"
	"github.com/taskmill/taskmill-backend/internal/pkg/logger"
)

// QuarantineFailures is the consecutive_failures sentinel that marks a
// dead-lettered item. Quarantined rows never match the due query again.
const QuarantineFailures = 1 << 30

// ScheduledTaskRepo is the durable queue table. Claiming is a version-bump
// CAS: exactly one contender observes RowsAffected == 1, and every later
// write by that worker is guarded by the version it claimed.
type ScheduledTaskRepo interface {
	// Schedule upserts a work item. Re-scheduling an existing key resets the
	// lease and bumps the version so the previous holder's guarded delete
	// becomes a no-op.
	Schedule(dbc dbctx.Context, taskName, taskInstance string, payload []byte, executionTime time.Time) error
	// Due returns items eligible for pickup: due now and either unclaimed or
	// holding an expired lease.
	Due(dbc dbctx.Context, now time.Time, lease time.Duration, limit int) ([]*types.ScheduledTask, error)
	// Claim attempts the atomic pickup. On success the caller owns the item at
	// version expectedVersion+1.
	Claim(dbc dbctx.Context, taskName, taskInstance string, expectedVersion int64, workerID string, now time.Time) (bool, error)
	// Heartbeat extends the lease while the handler runs.
	Heartbeat(dbc dbctx.Context, taskName, taskInstance, workerID string, now time.Time) error
	// CompleteDelete removes the row after a successful handler return. A
	// version mismatch (item was re-scheduled or reclaimed) is benign and
	// reported as false.
	CompleteDelete(dbc dbctx.Context, taskName, taskInstance string, version int64) (bool, error)
	// MarkFailed releases the lease, records the failure and pushes the item
	// into the future.
	MarkFailed(dbc dbctx.Context, taskName, taskInstance string, version int64, nextExecution time.Time, now time.Time) error
	// Quarantine dead-letters an item whose payload cannot be decoded.
	Quarantine(dbc dbctx.Context, taskName, taskInstance string, version int64, now time.Time) error
	Get(dbc dbctx.Context, taskName, taskInstance string) (*types.ScheduledTask, error)
	// ExistsForRecord reports whether any work item belongs to the given
	// process record (payloads carry the record id).
	ExistsForRecord(dbc dbctx.Context, recordID string) (bool, error)
	DeleteByInstancePrefix(dbc dbctx.Context, prefix string) (int64, error)
}

type scheduledTaskRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewScheduledTaskRepo(db *gorm.DB, baseLog *logger.Logger) ScheduledTaskRepo {
	return &scheduledTaskRepo{
		db:  db,
		log: baseLog.With("repo", "ScheduledTaskRepo"),
	}
}

func (r *scheduledTaskRepo) Schedule(dbc dbctx.Context, taskName, taskInstance string, payload []byte, executionTime time.Time) error {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	item := &types.ScheduledTask{
		TaskName:      taskName,
		TaskInstance:  taskInstance,
		TaskData:      datatypes.JSON(payload),
		ExecutionTime: executionTime.UTC(),
		Picked:        false,
	}
	return transaction.WithContext(dbc.Ctx).
		Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "task_name"}, {Name: "task_instance"}},
			DoUpdates: clause.Assignments(map[string]interface{}{
				"task_data":      datatypes.JSON(payload),
				"execution_time": executionTime.UTC(),
				"picked":         false,
				"picked_by":      "",
				"version":        gorm.Expr("scheduled_tasks.version + 1"),
			}),
		}).
		Create(item).Error
}

func (r *scheduledTaskRepo) Due(dbc dbctx.Context, now time.Time, lease time.Duration, limit int) ([]*types.ScheduledTask, error) {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	if limit <= 0 {
		limit = 20
	}
	leaseCutoff := now.Add(-lease)
	var out []*types.ScheduledTask
	err := transaction.WithContext(dbc.Ctx).
		Where(`
      execution_time <= ?
      AND consecutive_failures < ?
      AND (
        picked = false
        OR last_heartbeat IS NULL
        OR last_heartbeat < ?
      )
    `, now, QuarantineFailures, leaseCutoff).
		Order("execution_time ASC").
		Limit(limit).
		Find(&out).Error
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (r *scheduledTaskRepo) Claim(dbc dbctx.Context, taskName, taskInstance string, expectedVersion int64, workerID string, now time.Time) (bool, error) {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	res := transaction.WithContext(dbc.Ctx).
		Model(&types.ScheduledTask{}).
		Where("task_name = ? AND task_instance = ? AND version = ?", taskName, taskInstance, expectedVersion).
		Updates(map[string]interface{}{
			"picked":         true,
			"picked_by":      workerID,
			"last_heartbeat": now.UTC(),
			"version":        gorm.Expr("version + 1"),
		})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *scheduledTaskRepo) Heartbeat(dbc dbctx.Context, taskName, taskInstance, workerID string, now time.Time) error {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	return transaction.WithContext(dbc.Ctx).
		Model(&types.ScheduledTask{}).
		Where("task_name = ? AND task_instance = ? AND picked = true AND picked_by = ?", taskName, taskInstance, workerID).
		Update("last_heartbeat", now.UTC()).Error
}

func (r *scheduledTaskRepo) CompleteDelete(dbc dbctx.Context, taskName, taskInstance string, version int64) (bool, error) {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	res := transaction.WithContext(dbc.Ctx).
		Where("task_name = ? AND task_instance = ? AND version = ?", taskName, taskInstance, version).
		Delete(&types.ScheduledTask{})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *scheduledTaskRepo) MarkFailed(dbc dbctx.Context, taskName, taskInstance string, version int64, nextExecution time.Time, now time.Time) error {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	return transaction.WithContext(dbc.Ctx).
		Model(&types.ScheduledTask{}).
		Where("task_name = ? AND task_instance = ? AND version = ?", taskName, taskInstance, version).
		Updates(map[string]interface{}{
			"picked":               false,
			"picked_by":            "",
			"last_failure":         now.UTC(),
			"consecutive_failures": gorm.Expr("consecutive_failures + 1"),
			"execution_time":       nextExecution.UTC(),
			"version":              gorm.Expr("version + 1"),
		}).Error
}

func (r *scheduledTaskRepo) Quarantine(dbc dbctx.Context, taskName, taskInstance string, version int64, now time.Time) error {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	return transaction.WithContext(dbc.Ctx).
		Model(&types.ScheduledTask{}).
		Where("task_name = ? AND task_instance = ? AND version = ?", taskName, taskInstance, version).
		Updates(map[string]interface{}{
			"picked":               false,
			"picked_by":            "",
			"last_failure":         now.UTC(),
			"consecutive_failures": QuarantineFailures,
			"version":              gorm.Expr("version + 1"),
		}).Error
}

func (r *scheduledTaskRepo) Get(dbc dbctx.Context, taskName, taskInstance string) (*types.ScheduledTask, error) {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	var item types.ScheduledTask
	err := transaction.WithContext(dbc.Ctx).
		Where("task_name = ? AND task_instance = ?", taskName, taskInstance).
		Limit(1).
		Find(&item).Error
	if err != nil {
		return nil, err
	}
	if item.TaskName == "" {
		return nil, nil
	}
	return &item, nil
}

func (r *scheduledTaskRepo) ExistsForRecord(dbc dbctx.Context, recordID string) (bool, error) {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	if recordID == "" {
		return false, nil
	}
	var count int64
	err := transaction.WithContext(dbc.Ctx).
		Model(&types.ScheduledTask{}).
		Where("task_data -> 'data' ->> 'process_record_id' = ?", recordID).
		Count(&count).Error
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

func (r *scheduledTaskRepo) DeleteByInstancePrefix(dbc dbctx.Context, prefix string) (int64, error) {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	if prefix == "" {
		return 0, nil
	}
	res := transaction.WithContext(dbc.Ctx).
		Where("task_instance LIKE ?", prefix+"%").
		Delete(&types.ScheduledTask{})
	return res.RowsAffected, res.Error
}
