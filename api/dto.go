/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. These types decouple
  the internal domain model from the external API contract, allowing:
  - Field renaming without breaking clients
  - API-specific validation
  - Version evolution

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients

VALIDATION:
  Validation is done in handlers, not in DTOs. DTOs are pure data carriers.

SEE ALSO:
  - handlers.go: Uses these types
*/
package api

import (
	"time"

	"github.com/caddycharles/caddy-ndis/audit"
	"github.com/caddycharles/caddy-ndis/budget"
	"github.com/caddycharles/caddy-ndis/leave"
	"github.com/caddycharles/caddy-ndis/scheduler"
)

// =============================================================================
// LEAVE
// =============================================================================

// BalanceDTO represents a leave balance in API responses.
type BalanceDTO struct {
	ID              string `json:"id"`
	StaffID         string `json:"staffId"`
	LeaveType       string `json:"leaveType"`
	EmploymentType  string `json:"employmentType"`
	FTE             string `json:"fte"`
	AccrualMethod   string `json:"accrualMethod"`
	AccrualRate     string `json:"accrualRate"`
	Unit            string `json:"unit"`
	Accrued         string `json:"accrued"`
	Taken           string `json:"taken"`
	Pending         string `json:"pending"`
	Available       string `json:"available"`
	NextAccrualDate string `json:"nextAccrualDate"`
	Active          bool   `json:"active"`
}

func toBalanceDTO(b leave.Balance) BalanceDTO {
	return BalanceDTO{
		ID:              string(b.ID),
		StaffID:         string(b.StaffID),
		LeaveType:       string(b.LeaveType),
		EmploymentType:  string(b.EmploymentType),
		FTE:             b.FTE.String(),
		AccrualMethod:   string(b.AccrualMethod),
		AccrualRate:     b.AccrualRate.Value.String(),
		Unit:            string(b.AccrualRate.Unit),
		Accrued:         b.Accrued.Value.String(),
		Taken:           b.Taken.Value.String(),
		Pending:         b.Pending.Value.String(),
		Available:       b.Available.Value.String(),
		NextAccrualDate: b.NextAccrualDate.String(),
		Active:          b.Active,
	}
}

// TransactionDTO represents a leave ledger line.
type TransactionDTO struct {
	ID              string             `json:"id"`
	BalanceID       string             `json:"balanceId"`
	Type            string             `json:"type"`
	Amount          string             `json:"amount"`
	Unit            string             `json:"unit"`
	PreviousBalance string             `json:"previousBalance"`
	NewBalance      string             `json:"newBalance"`
	EffectiveDate   string             `json:"effectiveDate"`
	PeriodKey       string             `json:"periodKey,omitempty"`
	Calculation     *leave.Calculation `json:"calculation,omitempty"`
	ProcessedBy     string             `json:"processedBy"`
	CreatedAt       time.Time          `json:"createdAt"`
}

func toTransactionDTO(tx leave.Transaction) TransactionDTO {
	return TransactionDTO{
		ID:              string(tx.ID),
		BalanceID:       string(tx.BalanceID),
		Type:            string(tx.Type),
		Amount:          tx.Amount.Value.String(),
		Unit:            string(tx.Amount.Unit),
		PreviousBalance: tx.PreviousBalance.Value.String(),
		NewBalance:      tx.NewBalance.Value.String(),
		EffectiveDate:   tx.EffectiveDate.String(),
		PeriodKey:       tx.PeriodKey,
		Calculation:     tx.Calculation,
		ProcessedBy:     tx.ProcessedBy,
		CreatedAt:       tx.CreatedAt,
	}
}

// =============================================================================
// BUDGETS
// =============================================================================

// BudgetDTO represents a budget ledger in API responses.
// Money fields are in cents.
type BudgetDTO struct {
	ID              string     `json:"id"`
	PlanID          string     `json:"planId"`
	ParticipantID   string     `json:"participantId"`
	SupportCategory string     `json:"supportCategory"`
	Allocated       int64      `json:"allocated"`
	Spent           int64      `json:"spent"`
	Committed       int64      `json:"committed"`
	Available       int64      `json:"available"`
	Utilization     string     `json:"utilization"`
	AlertThreshold  string     `json:"alertThreshold"`
	HasAlert        bool       `json:"hasAlert"`
	AlertMessage    string     `json:"alertMessage,omitempty"`
	StartDate       string     `json:"startDate"`
	EndDate         string     `json:"endDate"`
	LastCalculated  *time.Time `json:"lastCalculated,omitempty"`
}

func toBudgetDTO(b budget.Ledger) BudgetDTO {
	dto := BudgetDTO{
		ID:              string(b.ID),
		PlanID:          string(b.PlanID),
		ParticipantID:   string(b.ParticipantID),
		SupportCategory: string(b.SupportCategory),
		Allocated:       int64(b.Allocated),
		Spent:           int64(b.Spent),
		Committed:       int64(b.Committed),
		Available:       int64(b.Available),
		Utilization:     b.Utilization.String(),
		AlertThreshold:  b.EffectiveThreshold().String(),
		HasAlert:        b.HasAlert,
		AlertMessage:    b.AlertMessage,
		StartDate:       b.StartDate.String(),
		EndDate:         b.EndDate.String(),
	}
	if !b.LastCalculated.IsZero() {
		t := b.LastCalculated
		dto.LastCalculated = &t
	}
	return dto
}

// =============================================================================
// AUDIT
// =============================================================================

// AuditRecordDTO represents one audit trail entry.
type AuditRecordDTO struct {
	ID                string         `json:"id"`
	OrgID             string         `json:"orgId"`
	ActorID           string         `json:"actorId,omitempty"`
	Source            string         `json:"source"`
	Action            string         `json:"action"`
	EntityType        string         `json:"entityType"`
	EntityID          string         `json:"entityId"`
	Before            map[string]any `json:"before,omitempty"`
	After             map[string]any `json:"after,omitempty"`
	RetentionRequired bool           `json:"retentionRequired"`
	RetentionUntil    string         `json:"retentionUntil,omitempty"`
	Timestamp         time.Time      `json:"timestamp"`
}

func toAuditRecordDTO(rec audit.Record) AuditRecordDTO {
	dto := AuditRecordDTO{
		ID:                rec.ID,
		OrgID:             string(rec.OrgID),
		ActorID:           rec.ActorID,
		Source:            rec.Source,
		Action:            string(rec.Action),
		EntityType:        rec.EntityType,
		EntityID:          rec.EntityID,
		Before:            rec.Before,
		After:             rec.After,
		RetentionRequired: rec.RetentionRequired,
		Timestamp:         rec.Timestamp,
	}
	if rec.RetentionUntil != nil {
		dto.RetentionUntil = rec.RetentionUntil.String()
	}
	return dto
}

// =============================================================================
// JOBS
// =============================================================================

// JobRunDTO represents one scheduled job invocation.
type JobRunDTO struct {
	ID             string     `json:"id"`
	JobName        string     `json:"jobName"`
	StartedAt      time.Time  `json:"startedAt"`
	FinishedAt     *time.Time `json:"finishedAt,omitempty"`
	Outcome        string     `json:"outcome,omitempty"`
	ItemsProcessed int        `json:"itemsProcessed"`
	DurationMs     int64      `json:"durationMs"`
	Error          string     `json:"error,omitempty"`
}

func toJobRunDTO(run scheduler.JobRun) JobRunDTO {
	return JobRunDTO{
		ID:             run.ID,
		JobName:        run.JobName,
		StartedAt:      run.StartedAt,
		FinishedAt:     run.FinishedAt,
		Outcome:        string(run.Outcome),
		ItemsProcessed: run.ItemsProcessed,
		DurationMs:     run.Duration().Milliseconds(),
		Error:          run.Error,
	}
}

// JobDTO describes a registered job and its cadence.
type JobDTO struct {
	Name     string `json:"name"`
	Schedule string `json:"schedule"`
}

// ErrorResponse is the JSON error envelope.
type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}
