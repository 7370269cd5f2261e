// Package factbus listens for fact-change notifications from upstream
// subsystems (invoicing, document management, site reporting) and evicts
// the matching cached fact snapshots so the next gate evaluation sees
// fresh values.
package factbus

import (
	"context"
	"encoding/json"
	"log"
	"time"

	"obragate/pkg/facts"
	"obragate/pkg/store"
)

// Message is one raw bus payload.
type Message struct {
	Value []byte
}

// Consumer abstracts the message source so the run loop can be tested
// without a broker.
type Consumer interface {
	ReadMessage(ctx context.Context) (Message, error)
	Close() error
}

// FactChange is the payload upstream systems publish when a fact that
// may affect a gate changes. Phase 0 means "all phases of the project".
type FactChange struct {
	ProjectID string `json:"project_id"`
	Phase     int    `json:"phase"`
	Fact      string `json:"fact,omitempty"`
}

// Runner drains a consumer and invalidates cached snapshots.
type Runner struct {
	Bus       Consumer
	Cache     store.Cache
	MaxPhases int // upper bound for project-wide invalidation, default 50

	readErrDelay time.Duration
}

// Run blocks until ctx is cancelled. Read errors are logged and retried;
// malformed payloads are dropped.
func (r *Runner) Run(ctx context.Context) {
	delay := r.readErrDelay
	if delay <= 0 {
		delay = 500 * time.Millisecond
	}
	for {
		msg, err := r.Bus.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Printf("fact bus read error: %v", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(delay):
			}
			continue
		}
		var change FactChange
		if err := json.Unmarshal(msg.Value, &change); err != nil {
			log.Printf("fact bus decode error: %v", err)
			continue
		}
		if change.ProjectID == "" {
			log.Printf("fact bus event missing project_id, dropped")
			continue
		}
		r.invalidate(ctx, change)
	}
}

func (r *Runner) invalidate(ctx context.Context, change FactChange) {
	if r.Cache == nil {
		return
	}
	if change.Phase > 0 {
		if err := r.Cache.Del(ctx, facts.CacheKey(change.ProjectID, change.Phase)); err != nil {
			log.Printf("fact bus cache evict %s/%d: %v", change.ProjectID, change.Phase, err)
		}
		return
	}
	// Project-wide change: evict every phase key. Phase numbers are small
	// positive integers, so a bounded sweep covers them all.
	max := r.MaxPhases
	if max <= 0 {
		max = 50
	}
	for phase := 1; phase <= max; phase++ {
		if err := r.Cache.Del(ctx, facts.CacheKey(change.ProjectID, phase)); err != nil {
			log.Printf("fact bus cache evict %s/%d: %v", change.ProjectID, phase, err)
		}
	}
}
