package hipaa

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// MigrationAuditLog is the DDL for the durable audit table. It is safe to run
// repeatedly.
const MigrationAuditLog = `
CREATE TABLE IF NOT EXISTS hipaa_audit_log (
    id            TEXT PRIMARY KEY,
    recorded_at   TIMESTAMPTZ NOT NULL,
    event_type    TEXT NOT NULL,
    user_id       TEXT NOT NULL,
    patient_id    TEXT,
    action        TEXT NOT NULL,
    outcome       TEXT NOT NULL,
    resource_type TEXT,
    resource_id   TEXT,
    ip_address    TEXT,
    user_agent    TEXT,
    session_id    TEXT,
    details       JSONB
);

CREATE INDEX IF NOT EXISTS idx_hipaa_audit_log_user ON hipaa_audit_log (user_id, recorded_at DESC);
CREATE INDEX IF NOT EXISTS idx_hipaa_audit_log_recorded ON hipaa_audit_log (recorded_at);
`

// pgExecer is the subset of *pgxpool.Pool the sink needs, so tests can run
// without a database.
type pgExecer interface {
	Exec(ctx context.Context, sql string, args ...any) (int64, error)
}

// pgxPoolExecer adapts *pgxpool.Pool to pgExecer.
type pgxPoolExecer struct {
	pool *pgxpool.Pool
}

func (w *pgxPoolExecer) Exec(ctx context.Context, sql string, args ...any) (int64, error) {
	tag, err := w.pool.Exec(ctx, sql, args...)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// PGSink writes audit entries to the hipaa_audit_log table.
type PGSink struct {
	db pgExecer
}

// NewPGSink creates a sink backed by a connection pool.
func NewPGSink(pool *pgxpool.Pool) *PGSink {
	return &PGSink{db: &pgxPoolExecer{pool: pool}}
}

func newPGSinkWithConn(db pgExecer) *PGSink {
	return &PGSink{db: db}
}

func (s *PGSink) Name() string { return "postgres" }

// Migrate creates the audit table if needed.
func (s *PGSink) Migrate(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, MigrationAuditLog); err != nil {
		return fmt.Errorf("migrate hipaa_audit_log: %w", err)
	}
	return nil
}

// Deliver inserts one entry. Re-delivering the same id is a no-op.
func (s *PGSink) Deliver(ctx context.Context, e AuditEntry) error {
	var details []byte
	if e.Details != nil {
		b, err := json.Marshal(e.Details)
		if err != nil {
			return fmt.Errorf("marshal audit details: %w", err)
		}
		details = b
	}

	const query = `INSERT INTO hipaa_audit_log (
	id, recorded_at, event_type, user_id, patient_id, action, outcome,
	resource_type, resource_id, ip_address, user_agent, session_id, details
) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)
ON CONFLICT (id) DO NOTHING`

	_, err := s.db.Exec(ctx, query,
		e.ID, e.Timestamp, string(e.EventType), e.UserID, nullable(e.PatientID), e.Action, string(e.Outcome),
		nullable(e.ResourceType), nullable(e.ResourceID), nullable(e.IPAddress), nullable(e.UserAgent),
		nullable(e.SessionID), details,
	)
	if err != nil {
		return fmt.Errorf("insert audit entry %s: %w", e.ID, err)
	}
	return nil
}

// Purge deletes entries recorded before cutoff and returns how many were
// removed.
func (s *PGSink) Purge(ctx context.Context, cutoff time.Time) (int64, error) {
	n, err := s.db.Exec(ctx, `DELETE FROM hipaa_audit_log WHERE recorded_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("purge hipaa_audit_log: %w", err)
	}
	return n, nil
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
