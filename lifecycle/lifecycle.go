/*
Package lifecycle implements the date-driven state machine runner.

PURPOSE:
  Plans, documents, announcements, availability patterns, leave
  requests, and incidents all share one property: their status is
  derived from comparing stored dates to the current time. This package
  runs them all through a single engine parameterized by per-kind
  transition tables, so the engine stays closed to entity-specific
  logic.

GUARANTEES:
  - Monotonic: a sweep only moves an entity forward along its table's
    status order; it never reverts a manually forced status.
  - Race-free: every step is applied as "from -> to" with the store
    checking the subject is still in "from"; a concurrent mover wins
    and the sweep skips.
  - No applicable transition is a no-op, not an error.

SEE ALSO:
  - tables.go: the per-kind transition tables
*/
package lifecycle

import (
	"context"
	"errors"
	"fmt"

	"github.com/caddycharles/caddy-ndis/audit"
	"github.com/caddycharles/caddy-ndis/ledger"
)

// =============================================================================
// SUBJECTS
// =============================================================================

type Kind string

const (
	KindPlan         Kind = "plan"
	KindDocument     Kind = "document"
	KindAnnouncement Kind = "announcement"
	KindAvailability Kind = "availability_pattern"
	KindLeaveRequest Kind = "leave_request"
	KindIncident     Kind = "incident"
)

type Status string

// Dates is the capability surface the engine reads. Each kind maps its
// own columns onto these three slots; the engine never sees concrete
// entity types.
type Dates struct {
	Start *ledger.Date // startDate / publishDate / effectiveFrom
	End   *ledger.Date // endDate / expiryDate / effectiveTo
	Due   *ledger.Date // corrective action or reporting deadline
}

type Subject struct {
	ID     string
	OrgID  ledger.OrgID
	Status Status
	Dates  Dates
}

// =============================================================================
// TRANSITION TABLES
// =============================================================================

type Condition func(d Dates, asOf ledger.Date) bool

type Transition struct {
	From Status
	To   Status
	When Condition
}

// Table is one kind's transition set plus its forward status order.
type Table struct {
	Kind        Kind
	rank        map[Status]int
	transitions []Transition
}

// NewTable builds a table, panicking on a transition that moves
// backward against the status order: that is a programming error in the
// table definition, not a runtime condition.
func NewTable(kind Kind, order []Status, transitions ...Transition) Table {
	rank := make(map[Status]int, len(order))
	for i, s := range order {
		rank[s] = i
	}
	for _, tr := range transitions {
		from, okFrom := rank[tr.From]
		to, okTo := rank[tr.To]
		if !okFrom || !okTo || to <= from {
			panic(fmt.Sprintf("lifecycle: table %s: transition %s -> %s is not forward", kind, tr.From, tr.To))
		}
	}
	return Table{Kind: kind, rank: rank, transitions: transitions}
}

// Next returns the first applicable transition out of the current
// status, or false when the subject rests.
func (t Table) Next(s Subject, asOf ledger.Date) (Transition, bool) {
	for _, tr := range t.transitions {
		if tr.From == s.Status && tr.When(s.Dates, asOf) {
			return tr, true
		}
	}
	return Transition{}, false
}

// =============================================================================
// STORE
// =============================================================================

type Store interface {
	// ListSubjects returns the kind's subjects that are candidates for
	// transition (the store may pre-filter terminal statuses).
	ListSubjects(ctx context.Context, kind Kind) ([]Subject, error)

	// SetStatus applies "from -> to" only if the subject is still in
	// "from"; otherwise it returns ledger.ErrConcurrentModification.
	SetStatus(ctx context.Context, kind Kind, id string, from, to Status) error
}

// =============================================================================
// SWEEP ENGINE
// =============================================================================

type Engine struct {
	Store  Store
	Tables map[Kind]Table
	Audit  *audit.Recorder
}

func NewEngine(store Store, recorder *audit.Recorder) *Engine {
	return &Engine{Store: store, Tables: DefaultTables(), Audit: recorder}
}

type SubjectError struct {
	ID  string
	Err error
}

func (e SubjectError) Error() string { return fmt.Sprintf("subject %s: %v", e.ID, e.Err) }

type SweepResult struct {
	Transitioned int
	Errors       []SubjectError
}

// Sweep advances every candidate subject of one kind as of the given
// date. A subject may take several forward steps in one sweep (a draft
// plan whose dates already elapsed goes draft -> active -> expired),
// but never a backward one.
func (e *Engine) Sweep(ctx context.Context, kind Kind, asOf ledger.Date) (SweepResult, error) {
	var result SweepResult

	table, ok := e.Tables[kind]
	if !ok {
		return result, fmt.Errorf("%w: no transition table for kind %q", ledger.ErrConfiguration, kind)
	}

	subjects, err := e.Store.ListSubjects(ctx, kind)
	if err != nil {
		return result, fmt.Errorf("listing %s subjects: %w", kind, err)
	}

	for _, subject := range subjects {
		moved, err := e.advance(ctx, table, subject, asOf)
		if err != nil {
			result.Errors = append(result.Errors, SubjectError{ID: subject.ID, Err: err})
			continue
		}
		if moved {
			result.Transitioned++
		}
	}

	return result, nil
}

// advance walks one subject forward to its fixpoint. Bounded by the
// table size; ranks strictly increase so it cannot loop.
func (e *Engine) advance(ctx context.Context, table Table, subject Subject, asOf ledger.Date) (bool, error) {
	moved := false
	for range table.transitions {
		tr, ok := table.Next(subject, asOf)
		if !ok {
			break
		}
		err := e.Store.SetStatus(ctx, table.Kind, subject.ID, tr.From, tr.To)
		if errors.Is(err, ledger.ErrConcurrentModification) {
			// Someone else moved it (manual force or another job).
			// Their write stands; this sweep leaves the subject alone.
			return moved, nil
		}
		if err != nil {
			return moved, err
		}
		e.auditTransition(ctx, table.Kind, subject, tr)
		subject.Status = tr.To
		moved = true
	}
	return moved, nil
}

func (e *Engine) auditTransition(ctx context.Context, kind Kind, subject Subject, tr Transition) {
	if e.Audit == nil {
		return
	}
	_ = e.Audit.Record(ctx, audit.Record{
		OrgID:             subject.OrgID,
		Action:            audit.ActionStatusChange,
		EntityType:        string(kind),
		EntityID:          subject.ID,
		Before:            map[string]any{"status": string(tr.From)},
		After:             map[string]any{"status": string(tr.To)},
		RetentionRequired: true,
	})
}
