package plan

import (
	"context"
	"errors"
	"fmt"

	"go_rex/internal/model"

	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// GormStore keeps plans and actions in the database
type GormStore struct {
	db *gorm.DB
}

// NewGormStore creates a database backed store
func NewGormStore(db *gorm.DB) *GormStore {
	return &GormStore{db: db}
}

// LoadPlan returns the plan with id
func (s *GormStore) LoadPlan(ctx context.Context, id string) (*Plan, error) {
	var row model.ExecutionPlan
	if err := s.db.WithContext(ctx).Where("uuid = ?", id).First(&row).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to load execution plan %s: %w", id, err)
	}
	return &Plan{ID: row.UUID, Label: row.Label, CreatedAt: row.CreatedAt}, nil
}

// LoadAction returns an action of plan
func (s *GormStore) LoadAction(ctx context.Context, plan *Plan, actionID int) (*Action, error) {
	if plan == nil {
		return nil, ErrNotFound
	}

	var row model.PlanAction
	err := s.db.WithContext(ctx).
		Where("execution_plan_uuid = ? AND action_id = ?", plan.ID, actionID).
		First(&row).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to load action %d of plan %s: %w", actionID, plan.ID, err)
	}

	return &Action{
		ExecutionPlanID: row.ExecutionPlanUUID,
		ActionID:        row.ActionID,
		RunStepID:       row.RunStepID,
		Payload:         []byte(row.Payload),
	}, nil
}

// SaveAction upserts the plan and the action in one transaction
func (s *GormStore) SaveAction(ctx context.Context, action Action) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		plan := model.ExecutionPlan{UUID: action.ExecutionPlanID}
		if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&plan).Error; err != nil {
			return fmt.Errorf("failed to save execution plan: %w", err)
		}

		row := model.PlanAction{
			ExecutionPlanUUID: action.ExecutionPlanID,
			ActionID:          action.ActionID,
			RunStepID:         action.RunStepID,
			Payload:           datatypes.JSON(action.Payload),
		}
		err := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "execution_plan_uuid"}, {Name: "action_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"run_step_id", "payload", "updated_at"}),
		}).Create(&row).Error
		if err != nil {
			return fmt.Errorf("failed to save action: %w", err)
		}
		return nil
	})
}
