// Package postgres provides a durable archive for finished workflow
// instances, written at the retention boundary by the instance manager.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/clearbrook-ai/conductor"
)

// ErrNotArchived indicates no archived record exists for a workflow ID.
var ErrNotArchived = errors.New("workflow not archived")

// Confirm the interface is implemented correctly.
var _ conductor.Archiver = (*Archive)(nil)

const schema = `
CREATE TABLE IF NOT EXISTS workflow_archive (
	workflow_id   TEXT PRIMARY KEY,
	workflow_type TEXT NOT NULL,
	status        TEXT NOT NULL,
	degraded      BOOLEAN NOT NULL,
	confidence    DOUBLE PRECISION NOT NULL,
	report        JSONB NOT NULL,
	started_at    TIMESTAMPTZ,
	ended_at      TIMESTAMPTZ,
	archived_at   TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS workflow_archive_stages (
	workflow_id TEXT NOT NULL REFERENCES workflow_archive (workflow_id) ON DELETE CASCADE,
	stage_id    TEXT NOT NULL,
	status      TEXT NOT NULL,
	attempts    INTEGER NOT NULL,
	degraded    BOOLEAN NOT NULL,
	confidence  DOUBLE PRECISION NOT NULL,
	PRIMARY KEY (workflow_id, stage_id)
);
`

// Archive is a PostgreSQL implementation of conductor.Archiver.
type Archive struct {
	db *sql.DB
}

// NewArchive creates a new Archive on an open database handle.
func NewArchive(db *sql.DB) *Archive {
	return &Archive{db: db}
}

// EnsureSchema creates the archive tables if they do not exist.
func (a *Archive) EnsureSchema(ctx context.Context) error {
	_, err := a.db.ExecContext(ctx, schema)
	return err
}

// ArchiveInstance persists one finished instance: the report row plus one
// row per stage. Re-archiving the same workflow ID replaces the prior rows.
func (a *Archive) ArchiveInstance(ctx context.Context, report *conductor.FinalReport, snapshot *conductor.InstanceSnapshot) error {
	reportJSON, err := json.Marshal(report)
	if err != nil {
		return fmt.Errorf("failed to marshal report: %w", err)
	}

	tx, err := a.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO workflow_archive
			(workflow_id, workflow_type, status, degraded, confidence, report, started_at, ended_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (workflow_id) DO UPDATE SET
			status = EXCLUDED.status,
			degraded = EXCLUDED.degraded,
			confidence = EXCLUDED.confidence,
			report = EXCLUDED.report,
			ended_at = EXCLUDED.ended_at,
			archived_at = now()`,
		report.WorkflowID, report.WorkflowType, string(report.Status),
		report.Summary.Degraded, report.Confidence, reportJSON,
		nullTime(report.StartedAt), nullTime(report.EndedAt))
	if err != nil {
		return err
	}

	_, err = tx.ExecContext(ctx,
		`DELETE FROM workflow_archive_stages WHERE workflow_id = $1`, report.WorkflowID)
	if err != nil {
		return err
	}
	for stageID, detail := range report.Details {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO workflow_archive_stages
				(workflow_id, stage_id, status, attempts, degraded, confidence)
			VALUES ($1, $2, $3, $4, $5, $6)`,
			report.WorkflowID, stageID, string(detail.Status),
			detail.Attempts, detail.Degraded, detail.Confidence)
		if err != nil {
			return err
		}
	}

	return tx.Commit()
}

// LoadReport retrieves an archived final report by workflow ID.
func (a *Archive) LoadReport(ctx context.Context, workflowID string) (*conductor.FinalReport, error) {
	var reportJSON []byte
	err := a.db.QueryRowContext(ctx,
		`SELECT report FROM workflow_archive WHERE workflow_id = $1`, workflowID).Scan(&reportJSON)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotArchived
	}
	if err != nil {
		return nil, err
	}
	var report conductor.FinalReport
	if err := json.Unmarshal(reportJSON, &report); err != nil {
		return nil, fmt.Errorf("failed to unmarshal archived report: %w", err)
	}
	return &report, nil
}

// Prune deletes archive rows older than the cutoff and returns how many
// workflows were removed.
func (a *Archive) Prune(ctx context.Context, cutoff time.Time) (int64, error) {
	result, err := a.db.ExecContext(ctx,
		`DELETE FROM workflow_archive WHERE archived_at < $1`, cutoff)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

func nullTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t
}
