// Package facts supplies the external "is-satisfied" signals a gate rule
// set is evaluated against. The gate never computes these values itself.
package facts

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"obragate/pkg/httpx"
	"obragate/pkg/models"
	"obragate/pkg/store"

	"github.com/redis/go-redis/v9"
)

// Provider returns the current fact snapshot for one (project, phase).
type Provider interface {
	Snapshot(ctx context.Context, projectID string, phase int) (models.FactSnapshot, error)
}

// CacheKey names the cached snapshot for one phase. The fact bus deletes
// this key when an upstream subsystem reports a fact change.
func CacheKey(projectID string, phase int) string {
	return "facts:" + projectID + ":" + strconv.Itoa(phase)
}

// HTTPProvider pulls snapshots from the financial/document backend and
// caches them briefly. Cache failures degrade to a direct fetch; fetch
// failures propagate so the gate can fail closed.
type HTTPProvider struct {
	BaseURL    string
	Client     *http.Client
	Cache      store.Cache
	TTL        time.Duration
	Retries    int
	RetryDelay time.Duration
}

func (p *HTTPProvider) Snapshot(ctx context.Context, projectID string, phase int) (models.FactSnapshot, error) {
	key := CacheKey(projectID, phase)
	if p.Cache != nil {
		if raw, err := p.Cache.Get(ctx, key); err == nil {
			var snap models.FactSnapshot
			if err := json.Unmarshal([]byte(raw), &snap); err == nil {
				return snap, nil
			}
			// Unreadable cache entries are dropped, not trusted.
			_ = p.Cache.Del(ctx, key)
		} else if !errors.Is(err, redis.Nil) {
			// Cache backend down: fall through to the source of truth.
		}
	}

	url := fmt.Sprintf("%s/v1/projects/%s/phases/%d/facts", p.BaseURL, projectID, phase)
	status, body, err := httpx.RequestJSON(ctx, p.Client, http.MethodGet, url, nil, nil, p.Retries, p.retryDelay())
	if err != nil {
		return nil, fmt.Errorf("fact provider unreachable: %w", err)
	}
	switch {
	case status == http.StatusOK:
	case status == http.StatusNotFound:
		// No facts recorded yet: an empty snapshot makes every rule fail closed.
		return models.FactSnapshot{}, nil
	default:
		return nil, fmt.Errorf("fact provider returned status %d", status)
	}

	var snap models.FactSnapshot
	if err := json.Unmarshal(body, &snap); err != nil {
		return nil, fmt.Errorf("decode fact snapshot: %w", err)
	}
	if p.Cache != nil {
		ttl := p.TTL
		if ttl <= 0 {
			ttl = 15 * time.Second
		}
		if raw, err := json.Marshal(snap); err == nil {
			_ = p.Cache.Set(ctx, key, string(raw), ttl)
		}
	}
	return snap, nil
}

func (p *HTTPProvider) retryDelay() time.Duration {
	if p.RetryDelay <= 0 {
		return 200 * time.Millisecond
	}
	return p.RetryDelay
}

// Static serves snapshots from memory. Used by tests and the mock-facts
// service.
type Static struct {
	mu    sync.RWMutex
	snaps map[string]models.FactSnapshot
	err   error
}

func NewStatic() *Static {
	return &Static{snaps: map[string]models.FactSnapshot{}}
}

func (s *Static) Set(projectID string, phase int, snap models.FactSnapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	copied := models.FactSnapshot{}
	for k, v := range snap {
		copied[k] = v
	}
	s.snaps[CacheKey(projectID, phase)] = copied
}

// Fail makes every Snapshot call return err until reset with Fail(nil).
func (s *Static) Fail(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.err = err
}

func (s *Static) Snapshot(ctx context.Context, projectID string, phase int) (models.FactSnapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.err != nil {
		return nil, s.err
	}
	snap, ok := s.snaps[CacheKey(projectID, phase)]
	if !ok {
		return models.FactSnapshot{}, nil
	}
	copied := models.FactSnapshot{}
	for k, v := range snap {
		copied[k] = v
	}
	return copied, nil
}
