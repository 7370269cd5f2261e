package models

import (
	"errors"
	"strconv"
	"strings"
	"time"
)

// Phase lifecycle statuses. The gate only ever blocks a pending phase;
// anything past pending is owned by the project aggregate.
const (
	PhasePending    = "pending"
	PhaseInProgress = "in_progress"
	PhaseCompleted  = "completed"
)

// Override audit outcomes.
const (
	OutcomeApproved = "approved"
	OutcomeRejected = "rejected"
)

type Phase struct {
	ProjectID    string `json:"project_id"`
	Number       int    `json:"number"`
	Name         string `json:"name"`
	PlannedCents int64  `json:"planned_cents"`
	Status       string `json:"status"`
}

// Rule is a single named precondition attached to a (project, phase) pair.
// Rules are immutable once created; a policy change inserts a new rule.
type Rule struct {
	ID          string            `json:"id"`
	ProjectID   string            `json:"project_id"`
	Phase       int               `json:"phase"`
	Kind        string            `json:"kind"`
	Params      map[string]string `json:"params,omitempty"`
	Description string            `json:"description"`
	Priority    int               `json:"priority"`
	Overridable bool              `json:"overridable"`
}

// Param returns a rule parameter or a default when absent.
func (r Rule) Param(name, def string) string {
	if v, ok := r.Params[name]; ok && strings.TrimSpace(v) != "" {
		return strings.TrimSpace(v)
	}
	return def
}

// FactSnapshot is the point-in-time view of external facts a rule set is
// evaluated against. All values are strings; typed accessors fail closed.
type FactSnapshot map[string]string

func (s FactSnapshot) Bool(name string) bool {
	v, ok := s[name]
	return ok && strings.EqualFold(strings.TrimSpace(v), "true")
}

func (s FactSnapshot) Number(name string) (float64, bool) {
	v, ok := s[name]
	if !ok {
		return 0, false
	}
	n, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
	if err != nil {
		return 0, false
	}
	return n, true
}

func (s FactSnapshot) Time(name string) (time.Time, bool) {
	v, ok := s[name]
	if !ok {
		return time.Time{}, false
	}
	t, err := time.Parse(time.RFC3339, strings.TrimSpace(v))
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

// GateEvaluation is derived, never stored.
type GateEvaluation struct {
	ProjectID   string `json:"project_id"`
	Phase       int    `json:"phase"`
	Blocked     bool   `json:"blocked"`
	FailingRule *Rule  `json:"failing_rule,omitempty"`
	Reason      string `json:"reason,omitempty"`
	Overridable bool   `json:"overridable"`
}

// GateState is the only persisted mutable entity in the subsystem.
// Overridden transitions false->true exactly once per phase start.
type GateState struct {
	ProjectID      string     `json:"project_id"`
	Phase          int        `json:"phase"`
	Overridden     bool       `json:"overridden"`
	OverriddenAt   *time.Time `json:"overridden_at,omitempty"`
	OverriddenBy   string     `json:"overridden_by,omitempty"`
	OverrideReason string     `json:"override_reason,omitempty"`
}

// OverrideRequest is the ephemeral input to an override attempt. It is never
// persisted; it either yields an approved audit entry plus a state flip, or a
// rejected audit entry.
type OverrideRequest struct {
	ProjectID    string `json:"project_id"`
	Phase        int    `json:"phase"`
	Actor        string `json:"actor"`
	Reason       string `json:"reason"`
	Confirmation string `json:"confirmation"`
}

// MinOverrideReasonLen guards against throwaway justification text.
const MinOverrideReasonLen = 10

var (
	ErrReasonTooShort  = errors.New("override reason too short")
	ErrActorRequired   = errors.New("override actor required")
	ErrProjectRequired = errors.New("project id required")
	ErrPhaseInvalid    = errors.New("phase number must be positive")
)

// ValidateShape checks everything except the confirmation phrase, which is
// compared in constant time by the override authority.
func (r OverrideRequest) ValidateShape() error {
	if strings.TrimSpace(r.ProjectID) == "" {
		return ErrProjectRequired
	}
	if r.Phase <= 0 {
		return ErrPhaseInvalid
	}
	if strings.TrimSpace(r.Actor) == "" {
		return ErrActorRequired
	}
	if len(strings.TrimSpace(r.Reason)) < MinOverrideReasonLen {
		return ErrReasonTooShort
	}
	return nil
}

// AuditEntry is append-only. RuleID/RuleDescription snapshot the failing rule
// at override time, since rules may be superseded later.
type AuditEntry struct {
	ID              string    `json:"id"`
	ProjectID       string    `json:"project_id"`
	Phase           int       `json:"phase"`
	Actor           string    `json:"actor"`
	Reason          string    `json:"reason"`
	Outcome         string    `json:"outcome"`
	RuleID          string    `json:"rule_id,omitempty"`
	RuleDescription string    `json:"rule_description,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
}
