package process

import (
	"errors"
	"time"

	"gorm.io/gorm"

	types "github.com/taskmill/taskmill-backend/internal/domain/process"
	"github.com/taskmill/taskmill-backend/internal/pkg/dbctx"
	pkgerr "github.com/taskmill/taskmill-backend/internal/pkg/errors"
	"github.com/taskmill/taskmill-backend/internal/pkg/logger"
)

// RecordRepo is CRUD plus guarded status transitions over process_record.
// All timestamps are passed in explicitly; the engine owns ordering.
type RecordRepo interface {
	Create(dbc dbctx.Context, rec *types.ProcessRecord) error
	GetByID(dbc dbctx.Context, id string) (*types.ProcessRecord, error)
	FindByStatus(dbc dbctx.Context, status string) ([]*types.ProcessRecord, error)
	ListScheduled(dbc dbctx.Context) ([]*types.ProcessRecord, error)
	UpdateFields(dbc dbctx.Context, id string, updates map[string]interface{}) error
	// UpdateStatusUnlessTerminal applies updates only while the record is in a
	// non-terminal state. Returns false when the guard rejected the write.
	UpdateStatusUnlessTerminal(dbc dbctx.Context, id string, updates map[string]interface{}) (bool, error)
	// DeleteUnlessRunning removes the record unless it is IN_PROGRESS.
	DeleteUnlessRunning(dbc dbctx.Context, id string) (bool, error)
}

type recordRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewRecordRepo(db *gorm.DB, baseLog *logger.Logger) RecordRepo {
	return &recordRepo{
		db:  db,
		log: baseLog.With("repo", "RecordRepo"),
	}
}

func (r *recordRepo) Create(dbc dbctx.Context, rec *types.ProcessRecord) error {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	if rec == nil || rec.ID == "" {
		return pkgerr.Validationf("process record requires an id")
	}
	now := time.Now().UTC()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = now
	}
	if rec.CurrentStatus == "" {
		rec.CurrentStatus = types.StatusPending
	}
	return transaction.WithContext(dbc.Ctx).Create(rec).Error
}

func (r *recordRepo) GetByID(dbc dbctx.Context, id string) (*types.ProcessRecord, error) {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	if id == "" {
		return nil, pkgerr.Validationf("empty record id")
	}
	var rec types.ProcessRecord
	err := transaction.WithContext(dbc.Ctx).
		Where("id = ?", id).
		First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, pkgerr.NotFoundf("process record %s", id)
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

func (r *recordRepo) FindByStatus(dbc dbctx.Context, status string) ([]*types.ProcessRecord, error) {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	var out []*types.ProcessRecord
	q := transaction.WithContext(dbc.Ctx).Order("created_at ASC")
	if status != "" {
		q = q.Where("current_status = ?", status)
	}
	if err := q.Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

func (r *recordRepo) ListScheduled(dbc dbctx.Context) ([]*types.ProcessRecord, error) {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	var out []*types.ProcessRecord
	err := transaction.WithContext(dbc.Ctx).
		Where("schedule IS NOT NULL AND schedule <> ''").
		Order("created_at ASC").
		Find(&out).Error
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (r *recordRepo) UpdateFields(dbc dbctx.Context, id string, updates map[string]interface{}) error {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	if id == "" {
		return nil
	}
	if updates == nil {
		updates = map[string]interface{}{}
	}
	if _, ok := updates["updated_at"]; !ok {
		updates["updated_at"] = time.Now().UTC()
	}
	return transaction.WithContext(dbc.Ctx).
		Model(&types.ProcessRecord{}).
		Where("id = ?", id).
		Updates(updates).Error
}

func (r *recordRepo) UpdateStatusUnlessTerminal(dbc dbctx.Context, id string, updates map[string]interface{}) (bool, error) {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	if id == "" {
		return false, nil
	}
	if updates == nil {
		updates = map[string]interface{}{}
	}
	if _, ok := updates["updated_at"]; !ok {
		updates["updated_at"] = time.Now().UTC()
	}
	res := transaction.WithContext(dbc.Ctx).
		Model(&types.ProcessRecord{}).
		Where("id = ? AND current_status NOT IN ?", id, types.TerminalStatuses).
		Updates(updates)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *recordRepo) DeleteUnlessRunning(dbc dbctx.Context, id string) (bool, error) {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	if id == "" {
		return false, nil
	}
	res := transaction.WithContext(dbc.Ctx).
		Where("id = ? AND current_status <> ?", id, types.StatusInProgress).
		Delete(&types.ProcessRecord{})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}
