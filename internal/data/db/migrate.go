package db

import (
	"gorm.io/gorm"

	"github.com/taskmill/taskmill-backend/internal/domain/process"
)

func AutoMigrateAll(db *gorm.DB) error {
	return db.AutoMigrate(
		&process.ProcessRecord{},
		&process.TaskRow{},
		&process.ScheduledTask{},
	)
}
