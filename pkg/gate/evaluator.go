// Package gate decides whether a construction phase may start and carries
// the audited forced-override path for authorized actors.
package gate

import (
	"context"

	"obragate/pkg/facts"
	"obragate/pkg/models"
	"obragate/pkg/rules"
)

// Evaluator answers "can phase P of project J start?". It never writes:
// repeated and concurrent calls are safe without coordination, and a reader
// racing an override can only observe a harmless stale "blocked".
type Evaluator struct {
	Store Store
	Facts facts.Provider
}

// CheckPhase produces the gate verdict for one phase.
//
// Business conditions never surface as errors; only infrastructure failures
// (store or fact provider unreachable) do, and callers must treat those as
// blocked.
func (e *Evaluator) CheckPhase(ctx context.Context, projectID string, phase int) (models.GateEvaluation, error) {
	eval := models.GateEvaluation{ProjectID: projectID, Phase: phase}

	p, err := e.Store.Phase(ctx, projectID, phase)
	if err != nil {
		return models.GateEvaluation{}, err
	}
	// Started or finished phases are never re-evaluated against rules.
	if p.Status != models.PhasePending {
		return eval, nil
	}

	state, err := e.Store.State(ctx, projectID, phase)
	if err != nil {
		return models.GateEvaluation{}, err
	}
	// An override is sticky for this phase start.
	if state.Overridden {
		return eval, nil
	}

	ruleSet, err := e.Store.Rules(ctx, projectID, phase)
	if err != nil {
		return models.GateEvaluation{}, err
	}
	if len(ruleSet) == 0 {
		return eval, nil
	}

	snapshot, err := e.Facts.Snapshot(ctx, projectID, phase)
	if err != nil {
		return models.GateEvaluation{}, err
	}

	blocked, failing := rules.Evaluate(ruleSet, snapshot)
	eval.Blocked = blocked
	if blocked {
		eval.FailingRule = failing
		eval.Reason = rules.Reason(failing)
		eval.Overridable = failing.Overridable
	}
	return eval, nil
}

// BlockedPhase is one row of the blocked-phases listing.
type BlockedPhase struct {
	Phase  int    `json:"phase"`
	Reason string `json:"reason"`
}

// ListBlocked reports every pending phase of a project that cannot start.
// A phase whose facts are unavailable is listed as blocked (fail closed)
// rather than failing the whole listing.
func (e *Evaluator) ListBlocked(ctx context.Context, projectID string) ([]BlockedPhase, error) {
	phases, err := e.Store.Phases(ctx, projectID)
	if err != nil {
		return nil, err
	}
	blocked := make([]BlockedPhase, 0)
	for _, p := range phases {
		if p.Status != models.PhasePending {
			continue
		}
		eval, err := e.CheckPhase(ctx, projectID, p.Number)
		if err != nil {
			blocked = append(blocked, BlockedPhase{Phase: p.Number, Reason: "facts unavailable, gate fails closed"})
			continue
		}
		if eval.Blocked {
			blocked = append(blocked, BlockedPhase{Phase: p.Number, Reason: eval.Reason})
		}
	}
	return blocked, nil
}
