package pulltask

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go_rex/internal/event"
	"go_rex/internal/model"

	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// GormStateStore persists task states in the pull_task_states table
type GormStateStore struct {
	db *gorm.DB
}

// NewGormStateStore creates a database backed state store
func NewGormStateStore(db *gorm.DB) *GormStateStore {
	return &GormStateStore{db: db}
}

func (s *GormStateStore) Save(ctx context.Context, state State) error {
	row, err := toRow(state)
	if err != nil {
		return err
	}
	if err := s.db.WithContext(ctx).Save(&row).Error; err != nil {
		return fmt.Errorf("failed to save state of task %s: %w", state.TaskID, err)
	}
	return nil
}

func (s *GormStateStore) Load(ctx context.Context, taskID string) (State, error) {
	var row model.PullTaskState
	if err := s.db.WithContext(ctx).Where("task_id = ?", taskID).First(&row).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return State{}, ErrStateNotFound
		}
		return State{}, fmt.Errorf("failed to load state of task %s: %w", taskID, err)
	}
	return fromRow(row)
}

func (s *GormStateStore) Delete(ctx context.Context, taskID string) error {
	if err := s.db.WithContext(ctx).Where("task_id = ?", taskID).Delete(&model.PullTaskState{}).Error; err != nil {
		return fmt.Errorf("failed to delete state of task %s: %w", taskID, err)
	}
	return nil
}

func (s *GormStateStore) ListByPhase(ctx context.Context, phase Phase, cutoff time.Time) ([]State, error) {
	var rows []model.PullTaskState
	err := s.db.WithContext(ctx).
		Where("phase = ? AND updated_at < ?", string(phase), cutoff).
		Order("updated_at ASC").
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list %s tasks: %w", phase, err)
	}

	states := make([]State, 0, len(rows))
	for _, row := range rows {
		state, err := fromRow(row)
		if err != nil {
			return nil, err
		}
		states = append(states, state)
	}
	return states, nil
}

func toRow(state State) (model.PullTaskState, error) {
	output := state.Output
	if output == nil {
		output = []event.Chunk{}
	}
	raw, err := json.Marshal(output)
	if err != nil {
		return model.PullTaskState{}, fmt.Errorf("failed to encode output of task %s: %w", state.TaskID, err)
	}
	return model.PullTaskState{
		TaskID:            state.TaskID,
		ExecutionPlanUUID: state.ExecutionPlanID,
		StepID:            state.StepID,
		ActionID:          state.ActionID,
		Host:              state.Host,
		Variant:           string(state.Variant),
		Phase:             string(state.Phase),
		Output:            datatypes.JSON(raw),
		ExitStatus:        state.ExitStatus,
		CreatedAt:         state.CreatedAt,
		UpdatedAt:         state.UpdatedAt,
	}, nil
}

func fromRow(row model.PullTaskState) (State, error) {
	var output []event.Chunk
	if len(row.Output) > 0 {
		if err := json.Unmarshal(row.Output, &output); err != nil {
			return State{}, fmt.Errorf("failed to decode output of task %s: %w", row.TaskID, err)
		}
	}
	return State{
		TaskID:          row.TaskID,
		ExecutionPlanID: row.ExecutionPlanUUID,
		StepID:          row.StepID,
		ActionID:        row.ActionID,
		Host:            row.Host,
		Variant:         Variant(row.Variant),
		Phase:           Phase(row.Phase),
		Output:          output,
		ExitStatus:      row.ExitStatus,
		CreatedAt:       row.CreatedAt,
		UpdatedAt:       row.UpdatedAt,
	}, nil
}
