package audit

import (
	"context"
	"fmt"

	"github.com/caddycharles/caddy-ndis/ledger"
)

// =============================================================================
// RETENTION ENGINE - monthly processDataRetention job
// =============================================================================

// Archiver moves time-expired compliance documents and announcements
// to their archived status. Implemented by the persistence layer.
type Archiver interface {
	// ArchiveExpiredDocuments archives active documents whose
	// retention date has elapsed. Returns the ids archived.
	ArchiveExpiredDocuments(ctx context.Context, asOf ledger.Date) ([]string, error)

	// ArchiveExpiredAnnouncements archives announcements that have sat
	// in expired status past their visibility window.
	ArchiveExpiredAnnouncements(ctx context.Context, asOf ledger.Date) ([]string, error)
}

// RetentionEngine purges aged audit records and archives expired
// compliance material. Audit records are only ever deleted here, and
// only once their retentionUntil has elapsed.
type RetentionEngine struct {
	Audit    Store
	Archiver Archiver
	Recorder *Recorder
}

type RetentionResult struct {
	AuditPurged           int
	DocumentsArchived     int
	AnnouncementsArchived int
}

func (r RetentionResult) Total() int {
	return r.AuditPurged + r.DocumentsArchived + r.AnnouncementsArchived
}

// Run executes one retention pass. Each phase is independent: a failure
// archiving documents does not prevent the audit purge.
func (e *RetentionEngine) Run(ctx context.Context, asOf ledger.Date) (RetentionResult, error) {
	var result RetentionResult
	var firstErr error

	purged, err := e.Audit.PurgeExpiredAudit(ctx, asOf)
	if err != nil {
		firstErr = fmt.Errorf("audit purge: %w", err)
	}
	result.AuditPurged = purged

	if e.Archiver != nil {
		docs, err := e.Archiver.ArchiveExpiredDocuments(ctx, asOf)
		if err != nil && firstErr == nil {
			firstErr = fmt.Errorf("document archive: %w", err)
		}
		result.DocumentsArchived = len(docs)
		for _, id := range docs {
			e.audit(ctx, "document", id)
		}

		anns, err := e.Archiver.ArchiveExpiredAnnouncements(ctx, asOf)
		if err != nil && firstErr == nil {
			firstErr = fmt.Errorf("announcement archive: %w", err)
		}
		result.AnnouncementsArchived = len(anns)
		for _, id := range anns {
			e.audit(ctx, "announcement", id)
		}
	}

	return result, firstErr
}

func (e *RetentionEngine) audit(ctx context.Context, entityType, id string) {
	if e.Recorder == nil {
		return
	}
	// Best effort: an audit failure must not fail the retention pass.
	_ = e.Recorder.Record(ctx, Record{
		Action:     ActionStatusChange,
		EntityType: entityType,
		EntityID:   id,
		After:      map[string]any{"status": "archived"},
	})
}
