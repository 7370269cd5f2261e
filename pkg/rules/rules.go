// Package rules evaluates gate preconditions. Evaluation is pure: no I/O,
// no clock reads. Anything a predicate needs, including the current time,
// arrives through the FactSnapshot.
package rules

import (
	"fmt"
	"sort"
	"strconv"
	"sync"

	"obragate/pkg/models"
)

// Built-in predicate kinds.
const (
	KindPriorPhaseComplete = "priorPhaseComplete"
	KindInvoiceSettled     = "invoiceSettled"
	KindDocumentPresent    = "documentPresent"
	KindClientApproval     = "clientApproval"
	KindBudgetWithinLimit  = "budgetWithinLimit"
	KindDeadlineNotPassed  = "deadlineNotPassed"
)

// Predicate reports whether a rule is satisfied by the given facts.
// Predicates must fail closed: missing or malformed facts mean unsatisfied.
type Predicate func(rule models.Rule, facts models.FactSnapshot) bool

var (
	registryMu sync.RWMutex
	registry   = map[string]Predicate{
		KindPriorPhaseComplete: priorPhaseComplete,
		KindInvoiceSettled:     invoiceSettled,
		KindDocumentPresent:    documentPresent,
		KindClientApproval:     clientApproval,
		KindBudgetWithinLimit:  budgetWithinLimit,
		KindDeadlineNotPassed:  deadlineNotPassed,
	}
)

// Register adds a predicate kind. Built-in kinds cannot be replaced.
func Register(kind string, p Predicate) error {
	if kind == "" || p == nil {
		return fmt.Errorf("rules: kind and predicate required")
	}
	registryMu.Lock()
	defer registryMu.Unlock()
	if _, exists := registry[kind]; exists {
		return fmt.Errorf("rules: kind %q already registered", kind)
	}
	registry[kind] = p
	return nil
}

func lookup(kind string) (Predicate, bool) {
	registryMu.RLock()
	defer registryMu.RUnlock()
	p, ok := registry[kind]
	return p, ok
}

// Evaluate combines rules with logical AND and returns the first failing
// rule in deterministic order (priority ascending, then id ascending).
// A rule whose kind is unknown counts as failing.
func Evaluate(ruleSet []models.Rule, facts models.FactSnapshot) (bool, *models.Rule) {
	ordered := make([]models.Rule, len(ruleSet))
	copy(ordered, ruleSet)
	sort.SliceStable(ordered, func(i, j int) bool {
		if ordered[i].Priority != ordered[j].Priority {
			return ordered[i].Priority < ordered[j].Priority
		}
		return ordered[i].ID < ordered[j].ID
	})
	for i := range ordered {
		p, ok := lookup(ordered[i].Kind)
		if !ok || !p(ordered[i], facts) {
			failing := ordered[i]
			return true, &failing
		}
	}
	return false, nil
}

// Reason renders a stable human-readable reason for a failing rule.
func Reason(rule *models.Rule) string {
	if rule == nil {
		return ""
	}
	if rule.Description != "" {
		return rule.Description
	}
	return fmt.Sprintf("precondition %s (%s) not satisfied", rule.ID, rule.Kind)
}

func priorPhaseComplete(rule models.Rule, facts models.FactSnapshot) bool {
	prior := rule.Param("phase", "")
	if prior == "" {
		if rule.Phase > 1 {
			prior = strconv.Itoa(rule.Phase - 1)
		} else {
			return false
		}
	}
	min, err := strconv.ParseFloat(rule.Param("min_percent", "100"), 64)
	if err != nil {
		return false
	}
	got, ok := facts.Number("phase." + prior + ".percent_complete")
	return ok && got >= min
}

func invoiceSettled(rule models.Rule, facts models.FactSnapshot) bool {
	invoice := rule.Param("invoice", "retention")
	return facts.Bool("invoice." + invoice + ".settled")
}

func documentPresent(rule models.Rule, facts models.FactSnapshot) bool {
	doc := rule.Param("document", "")
	if doc == "" {
		return false
	}
	return facts.Bool("document." + doc + ".present")
}

func clientApproval(rule models.Rule, facts models.FactSnapshot) bool {
	scope := rule.Param("scope", "phase_start")
	return facts.Bool("approval." + scope + ".granted")
}

func budgetWithinLimit(rule models.Rule, facts models.FactSnapshot) bool {
	max, err := strconv.ParseFloat(rule.Param("max_percent", "100"), 64)
	if err != nil {
		return false
	}
	got, ok := facts.Number("budget.committed_percent")
	return ok && got <= max
}

func deadlineNotPassed(rule models.Rule, facts models.FactSnapshot) bool {
	deadline, okD := facts.Time("deadline." + rule.Param("deadline", "phase_start") + ".at")
	now, okN := facts.Time("clock.now")
	return okD && okN && now.Before(deadline)
}
