package model

import (
	"time"

	"gorm.io/datatypes"
)

// PullTaskState is the persisted state of a suspended pull task
type PullTaskState struct {
	TaskID            string         `gorm:"column:task_id;primaryKey;type:varchar(64)" json:"taskId"`
	ExecutionPlanUUID string         `gorm:"column:execution_plan_uuid;type:varchar(64);not null;index" json:"executionPlanUuid"`
	StepID            string         `gorm:"type:varchar(64);not null" json:"stepId"`
	ActionID          int            `gorm:"not null" json:"actionId"`
	Host              string         `gorm:"type:varchar(255);not null;index" json:"host"`
	Variant           string         `gorm:"type:varchar(32);not null" json:"variant"`
	Phase             string         `gorm:"type:varchar(32);not null;index" json:"phase"`
	Output            datatypes.JSON `gorm:"type:json" json:"output"`
	ExitStatus        *int           `json:"exitStatus,omitempty"`
	CreatedAt         time.Time      `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt         time.Time      `gorm:"autoUpdateTime" json:"updated_at"`
}

// TableName specifies the table name for PullTaskState
func (PullTaskState) TableName() string {
	return "pull_task_states"
}
