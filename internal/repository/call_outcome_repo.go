package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/oarthurfc/AI-outgoing-call/internal/domain"
	"gorm.io/gorm"
)

// CallOutcomeRepository persists the history of finished calls
type CallOutcomeRepository struct {
	db *gorm.DB
}

// NewCallOutcomeRepository creates a new call outcome repository
func NewCallOutcomeRepository(db *gorm.DB) *CallOutcomeRepository {
	return &CallOutcomeRepository{db: db}
}

// newOutcomeRecord maps a finished session onto its history row
func newOutcomeRecord(s domain.CallSession, outcome domain.CallOutcome, delivered bool, endedAt time.Time) *domain.CallOutcomeRecord {
	var prompt domain.JSONB
	if raw, err := json.Marshal(s.PromptConfig); err == nil {
		_ = json.Unmarshal(raw, &prompt)
	}

	return &domain.CallOutcomeRecord{
		ID:              uuid.New().String(),
		CallID:          outcome.CallID,
		ToNumber:        s.To,
		Status:          outcome.Status,
		FinalState:      string(outcome.Outcome),
		AnsweredBy:      outcome.AnsweredBy,
		DurationSeconds: outcome.DurationSeconds,
		Bridged:         outcome.Bridged,
		FailureReason:   s.FailureReason,
		Delivered:       delivered,
		PromptConfig:    prompt,
		StartedAt:       s.CreatedAt,
		EndedAt:         endedAt,
		CreatedAt:       endedAt,
	}
}

// RecordOutcome inserts the history row for a finished call
func (r *CallOutcomeRepository) RecordOutcome(ctx context.Context, s domain.CallSession, outcome domain.CallOutcome, delivered bool) error {
	record := newOutcomeRecord(s, outcome, delivered, time.Now())
	if err := r.db.WithContext(ctx).Create(record).Error; err != nil {
		return fmt.Errorf("failed to create call outcome: %w", err)
	}
	return nil
}

// GetByCallID retrieves the history row of a call
func (r *CallOutcomeRepository) GetByCallID(ctx context.Context, callID string) (*domain.CallOutcomeRecord, error) {
	var record domain.CallOutcomeRecord
	if err := r.db.WithContext(ctx).Where("call_id = ?", callID).First(&record).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("call outcome %s: %w", callID, domain.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get call outcome: %w", err)
	}
	return &record, nil
}

// Name identifies the recorder in logs
func (r *CallOutcomeRepository) Name() string {
	return "postgres"
}
