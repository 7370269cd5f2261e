package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"obragate/pkg/audit"
	"obragate/pkg/auth"
	"obragate/pkg/facts"
	"obragate/pkg/gate"
	"obragate/pkg/metrics"
	"obragate/pkg/models"
	"obragate/pkg/stream"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

type fakeStore struct {
	phases map[int]models.Phase
	rules  map[int][]models.Rule
	states map[int]models.GateState
	err    error
}

func (f *fakeStore) Phase(ctx context.Context, projectID string, phase int) (models.Phase, error) {
	if f.err != nil {
		return models.Phase{}, f.err
	}
	p, ok := f.phases[phase]
	if !ok {
		return models.Phase{}, gate.ErrNotFound
	}
	return p, nil
}

func (f *fakeStore) Phases(ctx context.Context, projectID string) ([]models.Phase, error) {
	if f.err != nil {
		return nil, f.err
	}
	out := make([]models.Phase, 0, len(f.phases))
	for n := 1; n <= len(f.phases); n++ {
		if p, ok := f.phases[n]; ok {
			out = append(out, p)
		}
	}
	return out, nil
}

func (f *fakeStore) Rules(ctx context.Context, projectID string, phase int) ([]models.Rule, error) {
	return f.rules[phase], nil
}

func (f *fakeStore) State(ctx context.Context, projectID string, phase int) (models.GateState, error) {
	return f.states[phase], nil
}

type fakeDB struct {
	queryPages [][][]any
	queryCalls int
	queryErr   error
	execErr    error
	beginErr   error
}

func (f *fakeDB) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	return pgconn.NewCommandTag("INSERT 0 1"), f.execErr
}

func (f *fakeDB) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	if f.queryErr != nil {
		return nil, f.queryErr
	}
	var page [][]any
	if f.queryCalls < len(f.queryPages) {
		page = f.queryPages[f.queryCalls]
	}
	f.queryCalls++
	return &fakeRows{rows: page}, nil
}

func (f *fakeDB) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	return fakeRow{err: pgx.ErrNoRows}
}

func (f *fakeDB) Begin(ctx context.Context) (pgx.Tx, error) {
	if f.beginErr != nil {
		return nil, f.beginErr
	}
	return nil, errors.New("transactions not supported by fake")
}

type fakeRow struct{ err error }

func (r fakeRow) Scan(dest ...any) error { return r.err }

type fakeRows struct {
	rows [][]any
	idx  int
}

func (r *fakeRows) Close()                                       {}
func (r *fakeRows) Err() error                                   { return nil }
func (r *fakeRows) CommandTag() pgconn.CommandTag                { return pgconn.NewCommandTag("SELECT 1") }
func (r *fakeRows) FieldDescriptions() []pgconn.FieldDescription { return nil }
func (r *fakeRows) RawValues() [][]byte                          { return nil }
func (r *fakeRows) Conn() *pgx.Conn                              { return nil }

func (r *fakeRows) Next() bool {
	if r.idx >= len(r.rows) {
		return false
	}
	r.idx++
	return true
}

func (r *fakeRows) Scan(dest ...any) error {
	current := r.rows[r.idx-1]
	if len(dest) != len(current) {
		return errors.New("scan arity mismatch")
	}
	for i := range dest {
		switch d := dest[i].(type) {
		case *string:
			*d = current[i].(string)
		case *int:
			*d = current[i].(int)
		case *time.Time:
			*d = current[i].(time.Time)
		default:
			return errors.New("unsupported scan destination")
		}
	}
	return nil
}

func (r *fakeRows) Values() ([]any, error) { return nil, nil }

func blockingStore() *fakeStore {
	return &fakeStore{
		phases: map[int]models.Phase{
			1: {ProjectID: "J1", Number: 1, Status: models.PhaseCompleted},
			2: {ProjectID: "J1", Number: 2, Status: models.PhasePending},
		},
		rules: map[int][]models.Rule{
			2: {{
				ID: "r1", ProjectID: "J1", Phase: 2, Kind: "priorPhaseComplete",
				Params: map[string]string{"phase": "1"}, Description: "previous phase must be fully executed",
				Priority: 1, Overridable: true,
			}},
		},
		states: map[int]models.GateState{},
	}
}

func newTestServer(db *fakeDB, st *fakeStore, provider facts.Provider) *Server {
	if provider == nil {
		provider = facts.NewStatic()
	}
	hub := stream.NewHub()
	return &Server{
		DB:        db,
		AuthMode:  "off",
		Evaluator: &gate.Evaluator{Store: st, Facts: provider},
		Authority: &gate.Authority{DB: db, Facts: provider, Hub: hub},
		Audit:     &audit.Reader{DB: db},
		Events:    hub,
		Metrics:   metrics.NewRegistry(),
	}
}

func newRouter(s *Server) *chi.Mux {
	r := chi.NewRouter()
	r.Get("/v1/projects/{projectID}/phases/{phase}/gate", s.getGate)
	r.Get("/v1/projects/{projectID}/gate/blocked", s.listBlocked)
	r.Get("/v1/projects/{projectID}/phases/{phase}/gate/audit", s.getAuditTrail)
	r.Get("/v1/projects/{projectID}/gate/events", s.streamEvents)
	r.Post("/v1/projects/{projectID}/phases/{phase}/gate/override", s.postOverride)
	return r
}

func doJSON(t *testing.T, router http.Handler, method, target, body string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	var reader *strings.Reader
	if body == "" {
		reader = strings.NewReader("")
	} else {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, target, reader)
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	out := map[string]any{}
	if rr.Body.Len() > 0 {
		_ = json.Unmarshal(rr.Body.Bytes(), &out)
	}
	return rr, out
}

func TestGetGateBlocked(t *testing.T) {
	provider := facts.NewStatic()
	provider.Set("J1", 2, models.FactSnapshot{"phase.1.percent_complete": "60"})
	s := newTestServer(&fakeDB{}, blockingStore(), provider)

	rr, body := doJSON(t, newRouter(s), http.MethodGet, "/v1/projects/J1/phases/2/gate", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("status %d: %s", rr.Code, rr.Body.String())
	}
	if body["blocked"] != true {
		t.Fatalf("expected blocked gate, got %v", body)
	}
	if body["overridable"] != true {
		t.Fatalf("expected overridable, got %v", body)
	}
	snap := s.Metrics.Snapshot()
	if snap.Evaluations["blocked"] != 1 || snap.RuleBlocks["r1"] != 1 {
		t.Fatalf("evaluation metrics not recorded: %v %v", snap.Evaluations, snap.RuleBlocks)
	}
}

func TestGetGateUnblocked(t *testing.T) {
	provider := facts.NewStatic()
	provider.Set("J1", 2, models.FactSnapshot{"phase.1.percent_complete": "100"})
	s := newTestServer(&fakeDB{}, blockingStore(), provider)

	rr, body := doJSON(t, newRouter(s), http.MethodGet, "/v1/projects/J1/phases/2/gate", "")
	if rr.Code != http.StatusOK || body["blocked"] != false {
		t.Fatalf("status %d body %v", rr.Code, body)
	}
}

func TestGetGateBadPhase(t *testing.T) {
	s := newTestServer(&fakeDB{}, blockingStore(), nil)
	rr, _ := doJSON(t, newRouter(s), http.MethodGet, "/v1/projects/J1/phases/zero/gate", "")
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("status %d", rr.Code)
	}
}

func TestGetGateUnknownPhase(t *testing.T) {
	s := newTestServer(&fakeDB{}, blockingStore(), nil)
	rr, _ := doJSON(t, newRouter(s), http.MethodGet, "/v1/projects/J1/phases/9/gate", "")
	if rr.Code != http.StatusNotFound {
		t.Fatalf("status %d", rr.Code)
	}
}

func TestGetGateStorageFailureFailsClosed(t *testing.T) {
	st := blockingStore()
	st.err = gate.ErrStorage
	s := newTestServer(&fakeDB{}, st, nil)
	rr, body := doJSON(t, newRouter(s), http.MethodGet, "/v1/projects/J1/phases/2/gate", "")
	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("status %d", rr.Code)
	}
	if msg, _ := body["error"].(string); !strings.Contains(msg, "blocked") {
		t.Fatalf("error should state the phase stays blocked: %v", body)
	}
}

func TestListBlocked(t *testing.T) {
	provider := facts.NewStatic()
	provider.Set("J1", 2, models.FactSnapshot{"phase.1.percent_complete": "10"})
	s := newTestServer(&fakeDB{}, blockingStore(), provider)

	rr, body := doJSON(t, newRouter(s), http.MethodGet, "/v1/projects/J1/gate/blocked", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("status %d", rr.Code)
	}
	blocked, _ := body["blocked"].([]any)
	if len(blocked) != 1 {
		t.Fatalf("expected one blocked phase, got %v", body)
	}
}

func TestAuditTrailEndpoint(t *testing.T) {
	now := time.Now().UTC().Truncate(time.Second)
	db := &fakeDB{queryPages: [][][]any{{
		{"a1", "J1", 3, "A1", "Client authorized start", models.OutcomeRejected, "r1", "prior phase", now},
		{"a2", "J1", 3, "A1", "Client authorized start", models.OutcomeApproved, "r1", "prior phase", now.Add(time.Second)},
	}}}
	s := newTestServer(db, blockingStore(), nil)

	rr, body := doJSON(t, newRouter(s), http.MethodGet, "/v1/projects/J1/phases/3/gate/audit", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("status %d: %s", rr.Code, rr.Body.String())
	}
	items, _ := body["items"].([]any)
	if len(items) != 2 {
		t.Fatalf("expected 2 entries, got %v", body)
	}
	first, _ := items[0].(map[string]any)
	if first["id"] != "a1" {
		t.Fatalf("expected oldest entry first, got %v", first)
	}
}

func TestAuditTrailQueryFailure(t *testing.T) {
	db := &fakeDB{queryErr: errors.New("db down")}
	s := newTestServer(db, blockingStore(), nil)
	rr, _ := doJSON(t, newRouter(s), http.MethodGet, "/v1/projects/J1/phases/3/gate/audit", "")
	if rr.Code != http.StatusInternalServerError {
		t.Fatalf("status %d", rr.Code)
	}
}

func TestOverrideInvalidJSON(t *testing.T) {
	s := newTestServer(&fakeDB{}, blockingStore(), nil)
	rr, _ := doJSON(t, newRouter(s), http.MethodPost, "/v1/projects/J1/phases/2/gate/override", "{not json")
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("status %d", rr.Code)
	}
}

func TestOverrideAuthOffRequiresActor(t *testing.T) {
	s := newTestServer(&fakeDB{}, blockingStore(), nil)
	rr, _ := doJSON(t, newRouter(s), http.MethodPost, "/v1/projects/J1/phases/2/gate/override",
		`{"reason":"Client authorized start with pending balance","confirmation":"DESBLOQUEAR"}`)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("status %d", rr.Code)
	}
}

func TestOverrideValidationRejectionCarriesAuditEntry(t *testing.T) {
	s := newTestServer(&fakeDB{}, blockingStore(), nil)
	rr, body := doJSON(t, newRouter(s), http.MethodPost, "/v1/projects/J1/phases/2/gate/override",
		`{"actor":"A1","reason":"Client authorized start with pending balance","confirmation":"wrong"}`)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("status %d: %s", rr.Code, rr.Body.String())
	}
	entry, _ := body["audit_entry"].(map[string]any)
	if entry["outcome"] != models.OutcomeRejected {
		t.Fatalf("rejected attempt must carry its audit entry, got %v", body)
	}
	snap := s.Metrics.Snapshot()
	if snap.Overrides[models.OutcomeRejected] != 1 {
		t.Fatalf("override metric not recorded: %v", snap.Overrides)
	}
}

func TestOverrideStorageFailure(t *testing.T) {
	db := &fakeDB{beginErr: errors.New("db down")}
	s := newTestServer(db, blockingStore(), nil)
	rr, _ := doJSON(t, newRouter(s), http.MethodPost, "/v1/projects/J1/phases/2/gate/override",
		`{"actor":"A1","reason":"Client authorized start with pending balance","confirmation":"DESBLOQUEAR"}`)
	if rr.Code != http.StatusInternalServerError {
		t.Fatalf("status %d", rr.Code)
	}
}

func TestOverrideActorMustMatchPrincipal(t *testing.T) {
	s := newTestServer(&fakeDB{}, blockingStore(), nil)
	s.AuthMode = "hs256"

	router := chi.NewRouter()
	router.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := auth.WithPrincipal(r.Context(), auth.Principal{Subject: "A1", Roles: []string{"siteadmin"}})
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	})
	router.Post("/v1/projects/{projectID}/phases/{phase}/gate/override", s.postOverride)

	rr, _ := doJSON(t, router, http.MethodPost, "/v1/projects/J1/phases/2/gate/override",
		`{"actor":"someone-else","reason":"Client authorized start with pending balance","confirmation":"DESBLOQUEAR"}`)
	if rr.Code != http.StatusForbidden {
		t.Fatalf("status %d", rr.Code)
	}
}

func TestOverrideUnauthenticated(t *testing.T) {
	s := newTestServer(&fakeDB{}, blockingStore(), nil)
	s.AuthMode = "hs256"
	rr, _ := doJSON(t, newRouter(s), http.MethodPost, "/v1/projects/J1/phases/2/gate/override",
		`{"reason":"Client authorized start with pending balance","confirmation":"DESBLOQUEAR"}`)
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("status %d", rr.Code)
	}
}

func TestWithRoles(t *testing.T) {
	s := newTestServer(&fakeDB{}, blockingStore(), nil)
	s.AuthMode = "hs256"
	handler := s.withRoles(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}, "siteadmin")

	// No principal.
	rr := httptest.NewRecorder()
	handler(rr, httptest.NewRequest(http.MethodGet, "/", nil))
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("no principal: status %d", rr.Code)
	}

	// Wrong role.
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req = req.WithContext(auth.WithPrincipal(req.Context(), auth.Principal{Subject: "A1", Roles: []string{"viewer"}}))
	rr = httptest.NewRecorder()
	handler(rr, req)
	if rr.Code != http.StatusForbidden {
		t.Fatalf("wrong role: status %d", rr.Code)
	}

	// Matching role.
	req = httptest.NewRequest(http.MethodGet, "/", nil)
	req = req.WithContext(auth.WithPrincipal(req.Context(), auth.Principal{Subject: "A1", Roles: []string{"siteadmin"}}))
	rr = httptest.NewRecorder()
	handler(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("matching role: status %d", rr.Code)
	}

	// Auth off bypasses the check.
	s.AuthMode = "off"
	rr = httptest.NewRecorder()
	handler(rr, httptest.NewRequest(http.MethodGet, "/", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("auth off: status %d", rr.Code)
	}
}

func TestStreamEventsDeliversOverrides(t *testing.T) {
	s := newTestServer(&fakeDB{}, blockingStore(), nil)
	srv := httptest.NewServer(newRouter(s))
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/v1/projects/J1/gate/events"
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "done")

	var ready stream.Event
	if err := wsjson.Read(ctx, conn, &ready); err != nil {
		t.Fatalf("read ready: %v", err)
	}
	if ready.Type != "ready" {
		t.Fatalf("expected ready event, got %q", ready.Type)
	}

	s.Events.Publish(stream.NewEvent(stream.TypeOverrideApproved, map[string]string{"project_id": "J1"}))

	var evt stream.Event
	if err := wsjson.Read(ctx, conn, &evt); err != nil {
		t.Fatalf("read event: %v", err)
	}
	if evt.Type != stream.TypeOverrideApproved {
		t.Fatalf("unexpected event type %q", evt.Type)
	}
}

func TestStreamEventsWithoutHub(t *testing.T) {
	s := newTestServer(&fakeDB{}, blockingStore(), nil)
	s.Events = nil
	rr, _ := doJSON(t, newRouter(s), http.MethodGet, "/v1/projects/J1/gate/events", "")
	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("status %d", rr.Code)
	}
}
