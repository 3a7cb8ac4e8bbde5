/*
Package audit provides the append-only audit trail.

PURPOSE:
  Every engine write lands a Record here with before/after snapshots.
  Records are immutable; nothing updates or deletes them before their
  retention date elapses. Compliance tooling reads them back by entity
  or by organization and time range.

CRITICAL INVARIANTS:
  1. APPEND-ONLY: no Update, no Delete before retentionUntil. EVER.
  2. Compliance-tagged actions carry a 7-year retention date.
  3. The retention job is the ONLY deleter, and only of records whose
     retentionUntil has elapsed.

SEE ALSO:
  - retention.go: the monthly processDataRetention engine
*/
package audit

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/caddycharles/caddy-ndis/ledger"
)

// =============================================================================
// RECORD - One immutable audit entry
// =============================================================================

type Action string

const (
	ActionCreate       Action = "create"
	ActionUpdate       Action = "update"
	ActionDelete       Action = "delete"
	ActionStatusChange Action = "status_change"
	ActionPurge        Action = "purge"
)

// SourceSystem marks records written by the scheduled engines rather
// than a user request.
const SourceSystem = "system"

type Record struct {
	ID         string
	OrgID      ledger.OrgID
	ActorID    string // empty for system actions
	Source     string // "system", "api"
	Action     Action
	EntityType string
	EntityID   string
	Before     map[string]any
	After      map[string]any

	// Compliance
	RetentionRequired bool
	RetentionUntil    *ledger.Date

	Timestamp time.Time
}

// Filter selects records for the read-only query surface.
type Filter struct {
	OrgID      *ledger.OrgID
	EntityType string
	EntityID   string
	From       *time.Time
	To         *time.Time
	Limit      int
}

// Store persists audit records. Append-only; PurgeExpired is the single
// sanctioned deletion path.
type Store interface {
	AppendAudit(ctx context.Context, rec Record) error
	QueryAudit(ctx context.Context, f Filter) ([]Record, error)

	// PurgeExpiredAudit deletes records whose retention date has elapsed.
	// Returns the number of records removed.
	PurgeExpiredAudit(ctx context.Context, asOf ledger.Date) (int, error)
}

// =============================================================================
// RECORDER - Write-side helper used by every engine
// =============================================================================

// RetentionYears is the compliance retention period for tagged actions.
const RetentionYears = 7

type Recorder struct {
	Store Store
	Clock func() time.Time
}

func NewRecorder(store Store) *Recorder {
	return &Recorder{Store: store, Clock: time.Now}
}

// Record appends one audit entry, stamping ID, timestamp, and the
// retention date for compliance-tagged actions.
func (r *Recorder) Record(ctx context.Context, rec Record) error {
	now := time.Now().UTC()
	if r.Clock != nil {
		now = r.Clock().UTC()
	}
	rec.ID = uuid.NewString()
	rec.Timestamp = now
	if rec.Source == "" {
		rec.Source = SourceSystem
	}
	if rec.RetentionRequired && rec.RetentionUntil == nil {
		until := ledger.DateOf(now).AddYears(RetentionYears)
		rec.RetentionUntil = &until
	}
	return r.Store.AppendAudit(ctx, rec)
}
