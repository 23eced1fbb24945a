package domain

import "time"

// CallOutcomeRecord is the persisted history row of one finished call
type CallOutcomeRecord struct {
	ID              string    `json:"id" gorm:"column:id;primaryKey"`
	CallID          string    `json:"call_id" gorm:"column:call_id;uniqueIndex"`
	ToNumber        string    `json:"to_number" gorm:"column:to_number"`
	Status          string    `json:"status" gorm:"column:status"`
	FinalState      string    `json:"final_state" gorm:"column:final_state"`
	AnsweredBy      *string   `json:"answered_by" gorm:"column:answered_by"`
	DurationSeconds int       `json:"duration_seconds" gorm:"column:duration_seconds"`
	Bridged         bool      `json:"bridged" gorm:"column:bridged"`
	FailureReason   string    `json:"failure_reason" gorm:"column:failure_reason"`
	Delivered       bool      `json:"delivered" gorm:"column:delivered"`
	PromptConfig    JSONB     `json:"prompt_config" gorm:"column:prompt_config;type:jsonb"`
	StartedAt       time.Time `json:"started_at" gorm:"column:started_at"`
	EndedAt         time.Time `json:"ended_at" gorm:"column:ended_at"`
	CreatedAt       time.Time `json:"created_at" gorm:"column:created_at"`
}

func (CallOutcomeRecord) TableName() string {
	return "call_outcomes"
}
