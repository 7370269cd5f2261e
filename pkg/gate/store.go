package gate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"obragate/pkg/models"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// DB is the read surface the evaluator needs.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// TxDB adds the transaction boundary the override authority requires.
type TxDB interface {
	DB
	Begin(ctx context.Context) (pgx.Tx, error)
}

// Store abstracts the gate's reads so the evaluator stays testable without
// a database.
type Store interface {
	Phase(ctx context.Context, projectID string, phase int) (models.Phase, error)
	Phases(ctx context.Context, projectID string) ([]models.Phase, error)
	Rules(ctx context.Context, projectID string, phase int) ([]models.Rule, error)
	State(ctx context.Context, projectID string, phase int) (models.GateState, error)
}

// PGStore reads phases, rules and gate state from postgres. All methods are
// plain reads; gate_states rows are only materialized inside the override
// transaction, which keeps CheckPhase free of side effects.
type PGStore struct {
	DB DB
}

func (s *PGStore) Phase(ctx context.Context, projectID string, phase int) (models.Phase, error) {
	var p models.Phase
	row := s.DB.QueryRow(ctx, `
		SELECT project_id, number, name, planned_cents, status
		FROM project_phases
		WHERE project_id=$1 AND number=$2
	`, projectID, phase)
	if err := row.Scan(&p.ProjectID, &p.Number, &p.Name, &p.PlannedCents, &p.Status); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Phase{}, ErrNotFound
		}
		return models.Phase{}, storagef("load phase", err)
	}
	return p, nil
}

func (s *PGStore) Phases(ctx context.Context, projectID string) ([]models.Phase, error) {
	rows, err := s.DB.Query(ctx, `
		SELECT project_id, number, name, planned_cents, status
		FROM project_phases
		WHERE project_id=$1
		ORDER BY number ASC
	`, projectID)
	if err != nil {
		return nil, storagef("list phases", err)
	}
	defer rows.Close()
	phases := make([]models.Phase, 0)
	for rows.Next() {
		var p models.Phase
		if err := rows.Scan(&p.ProjectID, &p.Number, &p.Name, &p.PlannedCents, &p.Status); err != nil {
			return nil, storagef("scan phase", err)
		}
		phases = append(phases, p)
	}
	if err := rows.Err(); err != nil {
		return nil, storagef("iterate phases", err)
	}
	return phases, nil
}

func (s *PGStore) Rules(ctx context.Context, projectID string, phase int) ([]models.Rule, error) {
	return selectRules(ctx, s.DB, projectID, phase)
}

func (s *PGStore) State(ctx context.Context, projectID string, phase int) (models.GateState, error) {
	st := models.GateState{ProjectID: projectID, Phase: phase}
	row := s.DB.QueryRow(ctx, `
		SELECT overridden, overridden_at, COALESCE(overridden_by,''), COALESCE(override_reason,'')
		FROM gate_states
		WHERE project_id=$1 AND phase=$2
	`, projectID, phase)
	if err := row.Scan(&st.Overridden, &st.OverriddenAt, &st.OverriddenBy, &st.OverrideReason); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			// Lazy default: a phase never touched by an override is unlocked=false.
			return st, nil
		}
		return models.GateState{}, storagef("load gate state", err)
	}
	return st, nil
}

type queryDB interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// selectRules is shared between the evaluator's store and the override
// transaction so both sides evaluate the same rule set.
func selectRules(ctx context.Context, db queryDB, projectID string, phase int) ([]models.Rule, error) {
	rows, err := db.Query(ctx, `
		SELECT id, project_id, phase, kind, params, description, priority, overridable
		FROM gate_rules
		WHERE project_id=$1 AND phase=$2
		ORDER BY priority ASC, id ASC
	`, projectID, phase)
	if err != nil {
		return nil, storagef("load rules", err)
	}
	defer rows.Close()
	out := make([]models.Rule, 0)
	for rows.Next() {
		var (
			r      models.Rule
			params []byte
		)
		if err := rows.Scan(&r.ID, &r.ProjectID, &r.Phase, &r.Kind, &params, &r.Description, &r.Priority, &r.Overridable); err != nil {
			return nil, storagef("scan rule", err)
		}
		if len(params) > 0 {
			if err := json.Unmarshal(params, &r.Params); err != nil {
				return nil, storagef("decode rule params", fmt.Errorf("rule %s: %w", r.ID, err))
			}
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, storagef("iterate rules", err)
	}
	return out, nil
}
