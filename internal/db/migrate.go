package db

import (
	"fmt"

	"go_rex/internal/model"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// Models lists every table owned by the service
func Models() []interface{} {
	return []interface{}{
		&model.ExecutionPlan{},
		&model.PlanAction{},
		&model.PullTaskState{},
	}
}

// Migrate runs database migrations for all models
func Migrate(db *gorm.DB, logger *logrus.Entry) error {
	logger.Info("Starting database migration...")

	models := Models()
	if err := db.AutoMigrate(models...); err != nil {
		return fmt.Errorf("failed to migrate database: %w", err)
	}

	logger.WithField("tables", len(models)).Info("Database migration completed")
	return nil
}
