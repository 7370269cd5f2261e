// Command mock-facts is a development stand-in for the financial/document
// backend the gate pulls fact snapshots from. Facts are held in memory and
// seeded over HTTP, so a local gate can be driven end to end without the
// real backend.
package main

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"os"
	"strconv"
	"sync"
	"time"

	"obragate/pkg/facts"
	"obragate/pkg/httpx"
	"obragate/pkg/models"
	"obragate/pkg/telemetry"

	"github.com/go-chi/chi/v5"
)

type factStore struct {
	mu    sync.Mutex
	snaps map[string]models.FactSnapshot
}

func newFactStore() *factStore {
	return &factStore{snaps: map[string]models.FactSnapshot{}}
}

// Testable variables for main()
var (
	logFatalf       = log.Fatalf
	initTelemetryFn = telemetry.Init
	listenFn        = func(server *http.Server) error { return server.ListenAndServe() }
)

func main() {
	if err := runMockFacts(initTelemetryFn, listenFn); err != nil {
		logFatalf("server error: %v", err)
	}
}

func snapshotKey(r *http.Request) (string, bool) {
	projectID := chi.URLParam(r, "projectID")
	phase, err := strconv.Atoi(chi.URLParam(r, "phase"))
	if projectID == "" || err != nil || phase <= 0 {
		return "", false
	}
	return facts.CacheKey(projectID, phase), true
}

func (s *factStore) get(w http.ResponseWriter, r *http.Request) {
	key, ok := snapshotKey(r)
	if !ok {
		httpx.Error(w, 400, "bad project or phase")
		return
	}
	s.mu.Lock()
	snap, found := s.snaps[key]
	s.mu.Unlock()
	if !found {
		httpx.Error(w, 404, "no facts recorded")
		return
	}
	httpx.WriteJSON(w, 200, snap)
}

func (s *factStore) put(w http.ResponseWriter, r *http.Request) {
	key, ok := snapshotKey(r)
	if !ok {
		httpx.Error(w, 400, "bad project or phase")
		return
	}
	var snap models.FactSnapshot
	if err := json.NewDecoder(r.Body).Decode(&snap); err != nil {
		httpx.Error(w, 400, "invalid snapshot body")
		return
	}
	s.mu.Lock()
	s.snaps[key] = snap
	s.mu.Unlock()
	httpx.WriteJSON(w, 200, map[string]interface{}{"status": "ok", "facts": len(snap)})
}

func (s *factStore) delete(w http.ResponseWriter, r *http.Request) {
	key, ok := snapshotKey(r)
	if !ok {
		httpx.Error(w, 400, "bad project or phase")
		return
	}
	s.mu.Lock()
	delete(s.snaps, key)
	s.mu.Unlock()
	httpx.WriteJSON(w, 200, map[string]string{"status": "ok"})
}

func env(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func envInt(k string, def int) int {
	if v := os.Getenv(k); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func envDurationSec(k string, def int) time.Duration {
	return time.Second * time.Duration(envInt(k, def))
}

func runMockFacts(
	initTelemetry func(context.Context, string) (func(context.Context) error, error),
	listen func(*http.Server) error,
) error {
	if initTelemetry == nil {
		initTelemetry = telemetry.Init
	}
	if listen == nil {
		listen = func(server *http.Server) error { return server.ListenAndServe() }
	}

	shutdown, err := initTelemetry(context.Background(), "mock-facts")
	if err != nil {
		return err
	}
	defer func() { _ = shutdown(context.Background()) }()

	store := newFactStore()
	r := chi.NewRouter()
	r.Use(telemetry.HTTPMiddleware("mock-facts"))
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		httpx.WriteJSON(w, 200, map[string]string{"status": "ok", "service": "mock-facts"})
	})
	r.Get("/v1/projects/{projectID}/phases/{phase}/facts", store.get)
	r.Put("/v1/projects/{projectID}/phases/{phase}/facts", store.put)
	r.Delete("/v1/projects/{projectID}/phases/{phase}/facts", store.delete)

	addr := env("ADDR", ":8091")
	log.Printf("mock-facts listening on %s", addr)
	server := &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: envDurationSec("HTTP_READ_HEADER_TIMEOUT_SEC", 5),
		ReadTimeout:       envDurationSec("HTTP_READ_TIMEOUT_SEC", 15),
		WriteTimeout:      envDurationSec("HTTP_WRITE_TIMEOUT_SEC", 30),
		IdleTimeout:       envDurationSec("HTTP_IDLE_TIMEOUT_SEC", 120),
	}
	return listen(server)
}
