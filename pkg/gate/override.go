package gate

import (
	"context"
	"crypto/subtle"
	"errors"
	"log"
	"strings"
	"time"

	"obragate/pkg/audit"
	"obragate/pkg/facts"
	"obragate/pkg/models"
	"obragate/pkg/rules"
	"obragate/pkg/stream"

	"github.com/jackc/pgx/v5"
)

// DefaultConfirmPhrase is the literal an operator must type to override.
// The exact-phrase check, not a checkbox, is what makes an override an
// unmistakably deliberate act.
const DefaultConfirmPhrase = "DESBLOQUEAR"

var nowFn = func() time.Time { return time.Now().UTC() }

// Authority validates and commits forced overrides. The state flip and its
// approving audit entry share one transaction: neither is ever visible
// without the other.
type Authority struct {
	DB            TxDB
	Facts         facts.Provider
	ConfirmPhrase string
	// Roles whose bearers may override. Empty means the default siteadmin.
	OverrideRoles []string
	// Hub, when set, receives an event per decided attempt.
	Hub *stream.Hub
}

func (a *Authority) confirmPhrase() string {
	if a.ConfirmPhrase == "" {
		return DefaultConfirmPhrase
	}
	return a.ConfirmPhrase
}

func (a *Authority) overrideRoles() []string {
	if len(a.OverrideRoles) == 0 {
		return []string{"siteadmin"}
	}
	return a.OverrideRoles
}

func hasAnyRole(roles []string, required []string) bool {
	set := map[string]struct{}{}
	for _, r := range roles {
		set[strings.ToLower(strings.TrimSpace(r))] = struct{}{}
	}
	for _, want := range required {
		if _, ok := set[strings.ToLower(strings.TrimSpace(want))]; ok {
			return true
		}
	}
	return false
}

// Override runs the full §authorization → validation → re-check → atomic
// commit sequence. Exactly one audit entry records the attempt whatever the
// outcome; only unknown phases leave no trace (there is nothing to key the
// entry to).
func (a *Authority) Override(ctx context.Context, req models.OverrideRequest, actorRoles []string) (models.AuditEntry, error) {
	// Unauthorized attempts are a security signal worth recording.
	if !hasAnyRole(actorRoles, a.overrideRoles()) {
		entry := a.rejectDirect(ctx, req, nil)
		return entry, ErrUnauthorized
	}

	if err := req.ValidateShape(); err != nil {
		entry := a.rejectDirect(ctx, req, nil)
		return entry, ErrValidationFailed
	}
	if subtle.ConstantTimeCompare([]byte(req.Confirmation), []byte(a.confirmPhrase())) != 1 {
		entry := a.rejectDirect(ctx, req, nil)
		return entry, ErrValidationFailed
	}

	tx, err := a.DB.Begin(ctx)
	if err != nil {
		return models.AuditEntry{}, storagef("begin override tx", err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback(ctx)
		}
	}()

	// Materialize the lazy state row, then lock it. Every concurrent
	// override for this phase serializes here.
	if _, err := tx.Exec(ctx, `
		INSERT INTO gate_states(project_id, phase, overridden)
		VALUES ($1,$2,false)
		ON CONFLICT (project_id, phase) DO NOTHING
	`, req.ProjectID, req.Phase); err != nil {
		return models.AuditEntry{}, storagef("materialize gate state", err)
	}
	var overridden bool
	if err := tx.QueryRow(ctx, `
		SELECT overridden FROM gate_states
		WHERE project_id=$1 AND phase=$2
		FOR UPDATE
	`, req.ProjectID, req.Phase).Scan(&overridden); err != nil {
		return models.AuditEntry{}, storagef("lock gate state", err)
	}
	if overridden {
		return a.rejectInTx(ctx, tx, req, nil, ErrAlreadyOverridden)
	}

	var status string
	if err := tx.QueryRow(ctx, `
		SELECT status FROM project_phases
		WHERE project_id=$1 AND number=$2
	`, req.ProjectID, req.Phase).Scan(&status); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.AuditEntry{}, ErrNotFound
		}
		return models.AuditEntry{}, storagef("load phase status", err)
	}
	if status != models.PhasePending {
		return a.rejectInTx(ctx, tx, req, nil, ErrStale)
	}

	// Re-evaluate at the instant of override: a stale GateEvaluation held
	// by the caller proves nothing.
	ruleSet, err := selectRules(ctx, tx, req.ProjectID, req.Phase)
	if err != nil {
		return models.AuditEntry{}, err
	}
	snapshot, err := a.Facts.Snapshot(ctx, req.ProjectID, req.Phase)
	if err != nil {
		return models.AuditEntry{}, storagef("fact snapshot", err)
	}
	blocked, failing := rules.Evaluate(ruleSet, snapshot)
	if !blocked {
		return a.rejectInTx(ctx, tx, req, nil, ErrStale)
	}
	if !failing.Overridable {
		return a.rejectInTx(ctx, tx, req, failing, ErrUnauthorized)
	}

	now := nowFn()
	cmd, err := tx.Exec(ctx, `
		UPDATE gate_states
		SET overridden=true, overridden_at=$3, overridden_by=$4, override_reason=$5
		WHERE project_id=$1 AND phase=$2 AND overridden=false
	`, req.ProjectID, req.Phase, now, req.Actor, req.Reason)
	if err != nil {
		return models.AuditEntry{}, storagef("flip gate state", err)
	}
	if cmd.RowsAffected() == 0 {
		// Unreachable while the row lock is held, kept as a belt against
		// a future locking regression.
		return a.rejectInTx(ctx, tx, req, failing, ErrAlreadyOverridden)
	}

	entry, err := audit.Insert(ctx, tx, models.AuditEntry{
		ProjectID:       req.ProjectID,
		Phase:           req.Phase,
		Actor:           req.Actor,
		Reason:          req.Reason,
		Outcome:         models.OutcomeApproved,
		RuleID:          failing.ID,
		RuleDescription: failing.Description,
		CreatedAt:       now,
	})
	if err != nil {
		return models.AuditEntry{}, storagef("append approval entry", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return models.AuditEntry{}, storagef("commit override", err)
	}
	committed = true
	a.publish(stream.TypeOverrideApproved, entry)
	return entry, nil
}

// rejectInTx records the rejected attempt and commits it, discarding any
// uncommitted state work. The rejection sentinel is returned unchanged.
func (a *Authority) rejectInTx(ctx context.Context, tx pgx.Tx, req models.OverrideRequest, failing *models.Rule, cause error) (models.AuditEntry, error) {
	entry := rejectedEntry(req, failing)
	entry, insertErr := audit.Insert(ctx, tx, entry)
	if insertErr != nil {
		_ = tx.Rollback(ctx)
		log.Printf("gate: rejected-attempt audit write failed: %v", insertErr)
		return models.AuditEntry{}, cause
	}
	if err := tx.Commit(ctx); err != nil {
		log.Printf("gate: rejected-attempt audit commit failed: %v", err)
		return models.AuditEntry{}, cause
	}
	a.publish(stream.TypeOverrideRejected, entry)
	return entry, cause
}

// rejectDirect records attempts rejected before any transaction exists
// (unauthorized actor, malformed request).
func (a *Authority) rejectDirect(ctx context.Context, req models.OverrideRequest, failing *models.Rule) models.AuditEntry {
	entry, err := audit.Insert(ctx, a.DB, rejectedEntry(req, failing))
	if err != nil {
		log.Printf("gate: rejected-attempt audit write failed: %v", err)
		return models.AuditEntry{}
	}
	a.publish(stream.TypeOverrideRejected, entry)
	return entry
}

func rejectedEntry(req models.OverrideRequest, failing *models.Rule) models.AuditEntry {
	entry := models.AuditEntry{
		ProjectID: req.ProjectID,
		Phase:     req.Phase,
		Actor:     req.Actor,
		Reason:    req.Reason,
		Outcome:   models.OutcomeRejected,
		CreatedAt: nowFn(),
	}
	if failing != nil {
		entry.RuleID = failing.ID
		entry.RuleDescription = failing.Description
	}
	return entry
}

func (a *Authority) publish(eventType string, entry models.AuditEntry) {
	if a.Hub == nil {
		return
	}
	a.Hub.Publish(stream.NewEvent(eventType, entry))
}
