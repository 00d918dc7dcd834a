package process

import (
	"errors"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	types "github.com/taskmill/taskmill-backend/internal/domain/process"
	"github.com/taskmill/taskmill-backend/internal/pkg/dbctx"
	pkgerr "github.com/taskmill/taskmill-backend/internal/pkg/errors"
	"github.com/taskmill/taskmill-backend/internal/pkg/logger"
)

// TaskRepo persists per-attempt task rows. Every state change rewrites the
// whole row keyed by task id, which keeps handlers idempotent.
type TaskRepo interface {
	Upsert(dbc dbctx.Context, row *types.TaskRow) error
	UpsertAll(dbc dbctx.Context, rows []*types.TaskRow) error
	GetByID(dbc dbctx.Context, id string) (*types.TaskRow, error)
	ListByRecord(dbc dbctx.Context, recordID string) ([]*types.TaskRow, error)
	DeleteByRecord(dbc dbctx.Context, recordID string) (int64, error)
}

type taskRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewTaskRepo(db *gorm.DB, baseLog *logger.Logger) TaskRepo {
	return &taskRepo{
		db:  db,
		log: baseLog.With("repo", "TaskRepo"),
	}
}

func (r *taskRepo) Upsert(dbc dbctx.Context, row *types.TaskRow) error {
	if row == nil {
		return nil
	}
	return r.UpsertAll(dbc, []*types.TaskRow{row})
}

func (r *taskRepo) UpsertAll(dbc dbctx.Context, rows []*types.TaskRow) error {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	if len(rows) == 0 {
		return nil
	}
	for _, row := range rows {
		if row.ID == "" {
			return pkgerr.Validationf("task row requires an id")
		}
	}
	return transaction.WithContext(dbc.Ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "id"}},
			UpdateAll: true,
		}).
		Create(&rows).Error
}

func (r *taskRepo) GetByID(dbc dbctx.Context, id string) (*types.TaskRow, error) {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	if id == "" {
		return nil, pkgerr.Validationf("empty task id")
	}
	var row types.TaskRow
	err := transaction.WithContext(dbc.Ctx).
		Where("id = ?", id).
		First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, pkgerr.NotFoundf("task %s", id)
	}
	if err != nil {
		return nil, err
	}
	return &row, nil
}

func (r *taskRepo) ListByRecord(dbc dbctx.Context, recordID string) ([]*types.TaskRow, error) {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	var out []*types.TaskRow
	if recordID == "" {
		return out, nil
	}
	err := transaction.WithContext(dbc.Ctx).
		Where("process_record_id = ?", recordID).
		Order("task_index ASC").
		Find(&out).Error
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (r *taskRepo) DeleteByRecord(dbc dbctx.Context, recordID string) (int64, error) {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	if recordID == "" {
		return 0, nil
	}
	res := transaction.WithContext(dbc.Ctx).
		Where("process_record_id = ?", recordID).
		Delete(&types.TaskRow{})
	return res.RowsAffected, res.Error
}
