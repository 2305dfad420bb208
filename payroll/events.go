package payroll

import (
	"encoding/json"
	"time"

	"github.com/warp/payroll-engine/generic"
)

// Run lifecycle event types, published through the outbox.
const (
	EventRunCompleted = "payroll.run.completed"
	EventRunFailed    = "payroll.run.failed"
	EventRunDeleted   = "payroll.run.deleted"

	AggregateRun = "payroll_run"

	DefaultEventTopic = "payroll.runs"
)

type RunEvent struct {
	RunID           generic.RunID          `json:"run_id"`
	Month           string                 `json:"month"`
	InstitutionID   *generic.InstitutionID `json:"institution_id,omitempty"`
	Status          generic.RunStatus      `json:"status"`
	TotalEmployees  int                    `json:"total_employees"`
	TotalGross      generic.Amount         `json:"total_gross"`
	TotalDeductions generic.Amount         `json:"total_deductions"`
	TotalNet        generic.Amount         `json:"total_net"`
	Error           string                 `json:"error,omitempty"`
	OccurredAt      time.Time              `json:"occurred_at"`
}

func newRunEvent(eventType, topic string, run generic.PayrollRun, at time.Time) (generic.OutboxEvent, error) {
	payload, err := json.Marshal(RunEvent{
		RunID:           run.ID,
		Month:           run.Month.String(),
		InstitutionID:   run.InstitutionID,
		Status:          run.Status,
		TotalEmployees:  run.TotalEmployees,
		TotalGross:      run.TotalGross,
		TotalDeductions: run.TotalDeductions,
		TotalNet:        run.TotalNet,
		Error:           run.Error,
		OccurredAt:      at,
	})
	if err != nil {
		return generic.OutboxEvent{}, err
	}
	return generic.OutboxEvent{
		ID:            generic.NewID(),
		AggregateType: AggregateRun,
		AggregateID:   string(run.ID),
		EventType:     eventType,
		Topic:         topic,
		Payload:       payload,
		Status:        generic.OutboxPending,
		CreatedAt:     at,
	}, nil
}
