package model

import (
	"time"

	"gorm.io/datatypes"
)

// ExecutionPlan is the workflow plan a pull task belongs to
type ExecutionPlan struct {
	UUID      string    `gorm:"column:uuid;primaryKey;type:varchar(64)" json:"uuid"`
	Label     string    `gorm:"type:varchar(255)" json:"label"`
	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

// TableName specifies the table name for ExecutionPlan
func (ExecutionPlan) TableName() string {
	return "execution_plans"
}

// PlanAction is one action of an execution plan with the payload handed to agents
type PlanAction struct {
	BaseModel
	ExecutionPlanUUID string         `gorm:"column:execution_plan_uuid;type:varchar(64);not null;uniqueIndex:idx_plan_action" json:"execution_plan_uuid"`
	ActionID          int            `gorm:"not null;uniqueIndex:idx_plan_action" json:"action_id"`
	RunStepID         string         `gorm:"type:varchar(64);not null" json:"run_step_id"`
	Payload           datatypes.JSON `gorm:"type:json" json:"payload"`
}

// TableName specifies the table name for PlanAction
func (PlanAction) TableName() string {
	return "plan_actions"
}
