package pg

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"bankist.org/internal/audit"
)

// Store keeps the audit trail in Postgres.
type Store struct {
	db *sql.DB
}

var _ audit.Store = (*Store)(nil)

// AuditRecord is a stored audit entry with its insertion sequence.
type AuditRecord struct {
	Sequence uint64 `json:"sequence"`
	audit.Entry
}

func Open(dsn string) (*Store, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	// Small pool: one writer per bank operation at most.
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(30 * time.Minute)
	db.SetConnMaxIdleTime(5 * time.Minute)
	return &Store{db: db}, nil
}

// New wraps an existing handle.
func New(db *sql.DB) *Store { return &Store{db: db} }

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) DB() *sql.DB { return s.db }

// Check pings the database; it backs the readiness probe.
func (s *Store) Check(ctx context.Context) error { return s.db.PingContext(ctx) }

func (s *Store) AppendAudit(ctx context.Context, e audit.Entry) error {
	fields := e.Fields
	if fields == nil {
		fields = map[string]any{}
	}
	payload, err := json.Marshal(fields)
	if err != nil {
		return fmt.Errorf("marshal audit fields: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		insert into audit_events(id, event, username, outcome, request_id, fields, at)
		values ($1, $2, nullif($3,''), $4, nullif($5,''), $6, $7)
	`, e.ID, e.Event, e.Username, e.Outcome, e.RequestID, payload, e.At.UTC())
	if err != nil {
		return fmt.Errorf("insert audit event: %w", err)
	}
	return nil
}

// ListAudit pages through the trail in insertion order. A non-empty username
// restricts the page to that account.
func (s *Store) ListAudit(ctx context.Context, username string, limit int, afterSeq uint64) ([]AuditRecord, uint64, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		select seq, id, event, coalesce(username,''), outcome, coalesce(request_id,''), fields, at
		from audit_events
		where seq > $1 and ($2 = '' or username = $2)
		order by seq asc
		limit $3
	`, afterSeq, username, limit)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var res []AuditRecord
	var last uint64
	for rows.Next() {
		var rec AuditRecord
		var raw []byte
		if err := rows.Scan(&rec.Sequence, &rec.ID, &rec.Event, &rec.Username, &rec.Outcome, &rec.RequestID, &raw, &rec.At); err != nil {
			return nil, 0, err
		}
		if len(raw) > 0 {
			if err := json.Unmarshal(raw, &rec.Fields); err != nil {
				return nil, 0, fmt.Errorf("decode audit fields: %w", err)
			}
		}
		res = append(res, rec)
		last = rec.Sequence
	}
	if err := rows.Err(); err != nil {
		return nil, 0, err
	}
	return res, last, nil
}
