// Package audit persists the gate's compliance record. The interface is
// write-once by construction: there is no update or delete path.
package audit

import (
	"context"
	"fmt"
	"time"

	"obragate/pkg/models"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

type execDB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

type queryDB interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// Insert appends one entry. It accepts any pgx executor so the override
// authority can append inside its own transaction.
func Insert(ctx context.Context, db execDB, entry models.AuditEntry) (models.AuditEntry, error) {
	if entry.ID == "" {
		entry.ID = uuid.New().String()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	_, err := db.Exec(ctx, `
		INSERT INTO gate_audit
		(id, project_id, phase, actor, reason, outcome, rule_id, rule_description, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
	`, entry.ID, entry.ProjectID, entry.Phase, entry.Actor, entry.Reason, entry.Outcome, entry.RuleID, entry.RuleDescription, entry.CreatedAt)
	if err != nil {
		return models.AuditEntry{}, fmt.Errorf("append audit entry: %w", err)
	}
	return entry, nil
}

// Writer appends entries outside any caller transaction.
type Writer struct {
	DB execDB
}

func (w *Writer) Append(ctx context.Context, entry models.AuditEntry) (models.AuditEntry, error) {
	return Insert(ctx, w.DB, entry)
}

// Reader pages through a phase's trail in commit order.
type Reader struct {
	DB       queryDB
	PageSize int
}

// Trail returns a restartable forward iterator over the audit entries for
// one (project, phase), ordered by created_at then id.
func (r *Reader) Trail(projectID string, phase int) *Iterator {
	size := r.PageSize
	if size <= 0 {
		size = 100
	}
	return &Iterator{db: r.DB, projectID: projectID, phase: phase, pageSize: size}
}

type Iterator struct {
	db        queryDB
	projectID string
	phase     int
	pageSize  int

	buf      []models.AuditEntry
	pos      int
	afterAt  time.Time
	afterID  string
	started  bool
	finished bool
}

// Next returns the next entry in order. The second result is false when the
// trail is exhausted.
func (it *Iterator) Next(ctx context.Context) (models.AuditEntry, bool, error) {
	if it.pos >= len(it.buf) {
		if it.finished {
			return models.AuditEntry{}, false, nil
		}
		if err := it.fetch(ctx); err != nil {
			return models.AuditEntry{}, false, err
		}
		if len(it.buf) == 0 {
			return models.AuditEntry{}, false, nil
		}
	}
	entry := it.buf[it.pos]
	it.pos++
	return entry, true, nil
}

func (it *Iterator) fetch(ctx context.Context) error {
	var (
		rows pgx.Rows
		err  error
	)
	if !it.started {
		rows, err = it.db.Query(ctx, `
			SELECT id, project_id, phase, actor, reason, outcome, rule_id, rule_description, created_at
			FROM gate_audit
			WHERE project_id=$1 AND phase=$2
			ORDER BY created_at ASC, id ASC
			LIMIT $3
		`, it.projectID, it.phase, it.pageSize)
	} else {
		rows, err = it.db.Query(ctx, `
			SELECT id, project_id, phase, actor, reason, outcome, rule_id, rule_description, created_at
			FROM gate_audit
			WHERE project_id=$1 AND phase=$2 AND (created_at, id) > ($3, $4)
			ORDER BY created_at ASC, id ASC
			LIMIT $5
		`, it.projectID, it.phase, it.afterAt, it.afterID, it.pageSize)
	}
	if err != nil {
		return fmt.Errorf("audit trail query: %w", err)
	}
	defer rows.Close()
	it.started = true
	it.buf = it.buf[:0]
	it.pos = 0
	for rows.Next() {
		var e models.AuditEntry
		if err := rows.Scan(&e.ID, &e.ProjectID, &e.Phase, &e.Actor, &e.Reason, &e.Outcome, &e.RuleID, &e.RuleDescription, &e.CreatedAt); err != nil {
			return fmt.Errorf("audit trail scan: %w", err)
		}
		it.buf = append(it.buf, e)
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("audit trail rows: %w", err)
	}
	if n := len(it.buf); n > 0 {
		it.afterAt = it.buf[n-1].CreatedAt
		it.afterID = it.buf[n-1].ID
	}
	if len(it.buf) < it.pageSize {
		it.finished = true
	}
	return nil
}

// Collect drains an iterator. Intended for handlers and tests; large trails
// should page with Next directly.
func Collect(ctx context.Context, it *Iterator) ([]models.AuditEntry, error) {
	out := make([]models.AuditEntry, 0)
	for {
		entry, ok, err := it.Next(ctx)
		if err != nil {
			return nil, err
		}
		if !ok {
			return out, nil
		}
		out = append(out, entry)
	}
}
