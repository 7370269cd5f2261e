//go:build integration

package gate

import (
	"context"
	"errors"
	"log"
	"sync"
	"testing"
	"time"

	"obragate/pkg/audit"
	"obragate/pkg/facts"
	"obragate/pkg/models"
	"obragate/pkg/rules"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

const integrationSchema = `
CREATE TABLE project_phases (
	project_id TEXT NOT NULL,
	number INTEGER NOT NULL,
	name TEXT NOT NULL DEFAULT '',
	planned_cents BIGINT NOT NULL DEFAULT 0,
	status TEXT NOT NULL DEFAULT 'pending',
	PRIMARY KEY (project_id, number)
);
CREATE TABLE gate_rules (
	id TEXT PRIMARY KEY,
	project_id TEXT NOT NULL,
	phase INTEGER NOT NULL,
	kind TEXT NOT NULL,
	params JSONB,
	description TEXT NOT NULL DEFAULT '',
	priority INTEGER NOT NULL DEFAULT 0,
	overridable BOOLEAN NOT NULL DEFAULT false
);
CREATE TABLE gate_states (
	project_id TEXT NOT NULL,
	phase INTEGER NOT NULL,
	overridden BOOLEAN NOT NULL DEFAULT false,
	overridden_at TIMESTAMPTZ,
	overridden_by TEXT,
	override_reason TEXT,
	PRIMARY KEY (project_id, phase)
);
CREATE TABLE gate_audit (
	id TEXT PRIMARY KEY,
	project_id TEXT NOT NULL,
	phase INTEGER NOT NULL,
	actor TEXT NOT NULL,
	reason TEXT NOT NULL,
	outcome TEXT NOT NULL,
	rule_id TEXT NOT NULL DEFAULT '',
	rule_description TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
`

// TestOverrideAgainstRealPostgres exercises the row-lock serialization the
// unit fakes can only approximate.
// Run with: go test -tags=integration -timeout 180s -run TestOverrideAgainstRealPostgres ./pkg/gate/...
func TestOverrideAgainstRealPostgres(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}

	ctx := context.Background()

	pgContainer, err := postgres.Run(ctx,
		"postgres:16-alpine",
		postgres.WithDatabase("gatedb"),
		postgres.WithUsername("gate"),
		postgres.WithPassword("gate"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second),
		),
	)
	if err != nil {
		t.Fatalf("failed to start postgres container: %v", err)
	}
	defer func() {
		if err := pgContainer.Terminate(ctx); err != nil {
			log.Printf("failed to terminate postgres container: %v", err)
		}
	}()

	connStr, err := pgContainer.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		t.Fatalf("failed to get connection string: %v", err)
	}
	pool, err := pgxpool.New(ctx, connStr)
	if err != nil {
		t.Fatalf("failed to connect: %v", err)
	}
	defer pool.Close()

	if _, err := pool.Exec(ctx, integrationSchema); err != nil {
		t.Fatalf("apply schema: %v", err)
	}
	if _, err := pool.Exec(ctx, `INSERT INTO project_phases(project_id, number, name, status) VALUES ('J1', 3, 'Estructura', 'pending')`); err != nil {
		t.Fatalf("insert phase: %v", err)
	}
	if _, err := pool.Exec(ctx, `
		INSERT INTO gate_rules(id, project_id, phase, kind, params, description, priority, overridable)
		VALUES ('r1', 'J1', 3, $1, '{"phase":"2"}', 'previous phase must be fully executed', 1, true)
	`, rules.KindPriorPhaseComplete); err != nil {
		t.Fatalf("insert rule: %v", err)
	}

	provider := facts.NewStatic()
	provider.Set("J1", 3, models.FactSnapshot{"phase.2.percent_complete": "75"})

	evaluator := &Evaluator{Store: &PGStore{DB: pool}, Facts: provider}
	authority := &Authority{DB: pool, Facts: provider}

	eval, err := evaluator.CheckPhase(ctx, "J1", 3)
	if err != nil || !eval.Blocked {
		t.Fatalf("phase must start blocked, got %+v err=%v", eval, err)
	}

	const attempts = 6
	errs := make([]error, attempts)
	var wg sync.WaitGroup
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = authority.Override(ctx, models.OverrideRequest{
				ProjectID:    "J1",
				Phase:        3,
				Actor:        "A1",
				Reason:       "Client authorized start with pending balance",
				Confirmation: DefaultConfirmPhrase,
			}, []string{"siteadmin"})
		}(i)
	}
	wg.Wait()

	wins := 0
	for _, err := range errs {
		if err == nil {
			wins++
		} else if !errors.Is(err, ErrAlreadyOverridden) {
			t.Fatalf("unexpected race error: %v", err)
		}
	}
	if wins != 1 {
		t.Fatalf("expected exactly one winning override, got %d", wins)
	}

	// Override is sticky no matter how facts change.
	provider.Set("J1", 3, models.FactSnapshot{"phase.2.percent_complete": "0"})
	eval, err = evaluator.CheckPhase(ctx, "J1", 3)
	if err != nil || eval.Blocked {
		t.Fatalf("overridden phase must stay unblocked, got %+v err=%v", eval, err)
	}

	reader := &audit.Reader{DB: pool}
	entries, err := audit.Collect(ctx, reader.Trail("J1", 3))
	if err != nil {
		t.Fatalf("audit trail: %v", err)
	}
	approved := 0
	for _, e := range entries {
		if e.Outcome == models.OutcomeApproved {
			approved++
		}
	}
	if approved != 1 {
		t.Fatalf("expected exactly one approved entry, got %d in %d total", approved, len(entries))
	}
	if len(entries) != attempts {
		t.Fatalf("every attempt must be audited, got %d entries", len(entries))
	}

	// Append-only superset: a later read returns at least what an earlier
	// read returned, in the same order.
	again, err := audit.Collect(ctx, reader.Trail("J1", 3))
	if err != nil {
		t.Fatalf("audit trail second read: %v", err)
	}
	if len(again) < len(entries) {
		t.Fatalf("trail shrank: %d -> %d", len(entries), len(again))
	}
	for i := range entries {
		if again[i].ID != entries[i].ID {
			t.Fatalf("trail order changed at %d", i)
		}
	}
}
