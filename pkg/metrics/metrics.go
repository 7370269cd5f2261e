// Package metrics keeps in-process counters for gate activity and exposes
// them as JSON and Prometheus text.
package metrics

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"
)

type Registry struct {
	mu         sync.RWMutex
	endpoint   map[string]*EndpointStat
	evaluation map[string]int64 // "blocked" / "unblocked"
	ruleBlock  map[string]int64 // rule id -> times it was the failing rule
	override   map[string]int64 // audit outcome -> count
	gauges     map[string]float64
	Histograms *HistogramRegistry
}

type EndpointStat struct {
	Count          int64   `json:"count"`
	ErrorCount     int64   `json:"error_count"`
	TotalMillis    int64   `json:"total_millis"`
	MaxMillis      int64   `json:"max_millis"`
	AverageMillis  float64 `json:"average_millis"`
	LastStatusCode int     `json:"last_status_code"`
}

type Snapshot struct {
	GeneratedAt string                  `json:"generated_at"`
	Endpoints   map[string]EndpointStat `json:"endpoints"`
	Evaluations map[string]int64        `json:"evaluations"`
	RuleBlocks  map[string]int64        `json:"rule_blocks"`
	Overrides   map[string]int64        `json:"overrides"`
	Gauges      map[string]float64      `json:"gauges"`
	Histograms  []HistogramSnapshot     `json:"histograms,omitempty"`
}

func NewRegistry() *Registry {
	return &Registry{
		endpoint:   map[string]*EndpointStat{},
		evaluation: map[string]int64{},
		ruleBlock:  map[string]int64{},
		override:   map[string]int64{},
		gauges:     map[string]float64{},
		Histograms: NewHistogramRegistry(),
	}
}

func (r *Registry) Observe(path string, status int, d time.Duration) {
	millis := d.Milliseconds()
	r.mu.Lock()
	defer r.mu.Unlock()
	stat, ok := r.endpoint[path]
	if !ok {
		stat = &EndpointStat{}
		r.endpoint[path] = stat
	}
	stat.Count++
	if status >= 400 {
		stat.ErrorCount++
	}
	stat.TotalMillis += millis
	if millis > stat.MaxMillis {
		stat.MaxMillis = millis
	}
	stat.LastStatusCode = status
	stat.AverageMillis = float64(stat.TotalMillis) / float64(stat.Count)
}

func (r *Registry) ObserveLatency(endpoint string, d time.Duration) {
	r.Histograms.ObserveDuration(endpoint, d)
}

// IncEvaluation records one gate evaluation result. ruleID is the failing
// rule when blocked, empty otherwise.
func (r *Registry) IncEvaluation(blocked bool, ruleID string) {
	outcome := "unblocked"
	if blocked {
		outcome = "blocked"
	}
	r.mu.Lock()
	r.evaluation[outcome]++
	if blocked && ruleID != "" {
		r.ruleBlock[ruleID]++
	}
	r.mu.Unlock()
}

// IncOverride records the outcome of an override attempt, keyed by audit
// outcome ("approved", "rejected").
func (r *Registry) IncOverride(outcome string) {
	outcome = strings.TrimSpace(strings.ToLower(outcome))
	if outcome == "" {
		return
	}
	r.mu.Lock()
	r.override[outcome]++
	r.mu.Unlock()
}

func (r *Registry) SetGauge(name string, value float64) {
	if name == "" {
		return
	}
	r.mu.Lock()
	r.gauges[name] = value
	r.mu.Unlock()
}

func (r *Registry) Snapshot() Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := Snapshot{
		GeneratedAt: time.Now().UTC().Format(time.RFC3339),
		Endpoints:   make(map[string]EndpointStat, len(r.endpoint)),
		Evaluations: make(map[string]int64, len(r.evaluation)),
		RuleBlocks:  make(map[string]int64, len(r.ruleBlock)),
		Overrides:   make(map[string]int64, len(r.override)),
		Gauges:      make(map[string]float64, len(r.gauges)),
	}
	for k, v := range r.endpoint {
		out.Endpoints[k] = *v
	}
	for k, v := range r.evaluation {
		out.Evaluations[k] = v
	}
	for k, v := range r.ruleBlock {
		out.RuleBlocks[k] = v
	}
	for k, v := range r.override {
		out.Overrides[k] = v
	}
	for k, v := range r.gauges {
		out.Gauges[k] = v
	}
	out.Histograms = r.Histograms.Snapshots()
	return out
}

func (r *Registry) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		snap := r.Snapshot()
		w.Header().Set("Content-Type", "application/json")
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		_ = enc.Encode(snap)
	}
}

func (r *Registry) PrometheusHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		snap := r.Snapshot()
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		b := &strings.Builder{}
		b.WriteString("# HELP obragate_endpoint_count total requests by endpoint\n")
		b.WriteString("# TYPE obragate_endpoint_count counter\n")
		for _, ep := range SortedKeys(snap.Endpoints) {
			fmt.Fprintf(b, "obragate_endpoint_count{endpoint=%q} %d\n", ep, snap.Endpoints[ep].Count)
		}
		b.WriteString("# HELP obragate_endpoint_error_count total endpoint errors\n")
		b.WriteString("# TYPE obragate_endpoint_error_count counter\n")
		for _, ep := range SortedKeys(snap.Endpoints) {
			fmt.Fprintf(b, "obragate_endpoint_error_count{endpoint=%q} %d\n", ep, snap.Endpoints[ep].ErrorCount)
		}
		b.WriteString("# HELP obragate_endpoint_avg_millis endpoint average latency in milliseconds\n")
		b.WriteString("# TYPE obragate_endpoint_avg_millis gauge\n")
		for _, ep := range SortedKeys(snap.Endpoints) {
			fmt.Fprintf(b, "obragate_endpoint_avg_millis{endpoint=%q} %.3f\n", ep, snap.Endpoints[ep].AverageMillis)
		}
		b.WriteString("# HELP obragate_evaluation_total gate evaluations by result\n")
		b.WriteString("# TYPE obragate_evaluation_total counter\n")
		for _, result := range SortedKeys(snap.Evaluations) {
			fmt.Fprintf(b, "obragate_evaluation_total{result=%q} %d\n", result, snap.Evaluations[result])
		}
		b.WriteString("# HELP obragate_rule_block_total times a rule was the blocking precondition\n")
		b.WriteString("# TYPE obragate_rule_block_total counter\n")
		for _, rule := range SortedKeys(snap.RuleBlocks) {
			fmt.Fprintf(b, "obragate_rule_block_total{rule=%q} %d\n", rule, snap.RuleBlocks[rule])
		}
		b.WriteString("# HELP obragate_override_total override attempts by outcome\n")
		b.WriteString("# TYPE obragate_override_total counter\n")
		for _, outcome := range SortedKeys(snap.Overrides) {
			fmt.Fprintf(b, "obragate_override_total{outcome=%q} %d\n", outcome, snap.Overrides[outcome])
		}
		b.WriteString("# HELP obragate_gauge operational gauge metrics\n")
		b.WriteString("# TYPE obragate_gauge gauge\n")
		for _, name := range SortedKeys(snap.Gauges) {
			fmt.Fprintf(b, "obragate_gauge{name=%q} %.3f\n", name, snap.Gauges[name])
		}
		for _, h := range snap.Histograms {
			b.WriteString("# HELP obragate_latency_seconds latency histogram\n")
			b.WriteString("# TYPE obragate_latency_seconds histogram\n")
			for _, bucket := range h.Buckets {
				fmt.Fprintf(b, "obragate_latency_seconds_bucket{endpoint=%q,le=\"%.3f\"} %d\n", h.Name, bucket.Le, bucket.Count)
			}
			fmt.Fprintf(b, "obragate_latency_seconds_bucket{endpoint=%q,le=\"+Inf\"} %d\n", h.Name, h.Count)
			fmt.Fprintf(b, "obragate_latency_seconds_sum{endpoint=%q} %.6f\n", h.Name, h.Sum)
			fmt.Fprintf(b, "obragate_latency_seconds_count{endpoint=%q} %d\n", h.Name, h.Count)
			fmt.Fprintf(b, "obragate_latency_p95_seconds{endpoint=%q} %.6f\n", h.Name, h.P95)
		}
		_, _ = w.Write([]byte(b.String()))
	}
}

// Middleware records status and latency for every request routed through it.
func (r *Registry) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, req)
		elapsed := time.Since(start)
		path := req.Method + " " + req.URL.Path
		r.Observe(path, rec.status, elapsed)
		r.ObserveLatency(path, elapsed)
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

func SortedKeys[M ~map[string]V, V any](m M) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
