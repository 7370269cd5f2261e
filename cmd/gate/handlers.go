package main

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"obragate/pkg/audit"
	"obragate/pkg/auth"
	"obragate/pkg/gate"
	"obragate/pkg/httpx"
	"obragate/pkg/models"
	"obragate/pkg/stream"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/go-chi/chi/v5"
)

func phaseParam(r *http.Request) (int, bool) {
	n, err := strconv.Atoi(chi.URLParam(r, "phase"))
	if err != nil || n <= 0 {
		return 0, false
	}
	return n, true
}

func (s *Server) getGate(w http.ResponseWriter, r *http.Request) {
	projectID := chi.URLParam(r, "projectID")
	phase, ok := phaseParam(r)
	if !ok {
		httpx.Error(w, 400, "phase must be a positive integer")
		return
	}
	eval, err := s.Evaluator.CheckPhase(r.Context(), projectID, phase)
	if err != nil {
		s.gateError(w, "check phase", err)
		return
	}
	ruleID := ""
	if eval.FailingRule != nil {
		ruleID = eval.FailingRule.ID
	}
	s.Metrics.IncEvaluation(eval.Blocked, ruleID)
	httpx.WriteJSON(w, 200, eval)
}

func (s *Server) listBlocked(w http.ResponseWriter, r *http.Request) {
	projectID := chi.URLParam(r, "projectID")
	blocked, err := s.Evaluator.ListBlocked(r.Context(), projectID)
	if err != nil {
		s.gateError(w, "list blocked", err)
		return
	}
	httpx.WriteJSON(w, 200, map[string]interface{}{"project_id": projectID, "blocked": blocked})
}

func (s *Server) postOverride(w http.ResponseWriter, r *http.Request) {
	projectID := chi.URLParam(r, "projectID")
	phase, ok := phaseParam(r)
	if !ok {
		httpx.Error(w, 400, "phase must be a positive integer")
		return
	}
	var body struct {
		Actor        string `json:"actor"`
		Reason       string `json:"reason"`
		Confirmation string `json:"confirmation"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		httpx.Error(w, 400, "invalid json")
		return
	}

	var roles []string
	if strings.EqualFold(s.AuthMode, "off") {
		// Local development: trust the request body and grant the
		// override role directly.
		roles = s.Authority.OverrideRoles
		if len(roles) == 0 {
			roles = []string{"siteadmin"}
		}
		if body.Actor == "" {
			httpx.Error(w, 400, "actor required")
			return
		}
	} else {
		principal, ok := auth.PrincipalFromContext(r.Context())
		if !ok || strings.TrimSpace(principal.Subject) == "" {
			httpx.Error(w, 401, "unauthenticated")
			return
		}
		if body.Actor != "" && !strings.EqualFold(body.Actor, principal.Subject) {
			httpx.Error(w, 403, "actor must match principal")
			return
		}
		body.Actor = principal.Subject
		roles = principal.Roles
	}

	entry, err := s.Authority.Override(r.Context(), models.OverrideRequest{
		ProjectID:    projectID,
		Phase:        phase,
		Actor:        body.Actor,
		Reason:       body.Reason,
		Confirmation: body.Confirmation,
	}, roles)
	if err != nil {
		s.Metrics.IncOverride(models.OutcomeRejected)
		s.overrideError(w, entry, err)
		return
	}
	s.Metrics.IncOverride(models.OutcomeApproved)
	httpx.WriteJSON(w, 201, entry)
}

// overrideError maps authority failures to HTTP statuses. Rejected attempts
// carry their audit entry so the caller can reference it.
func (s *Server) overrideError(w http.ResponseWriter, entry models.AuditEntry, err error) {
	status := 500
	msg := "internal error"
	switch {
	case errors.Is(err, gate.ErrUnauthorized):
		status, msg = 403, "actor not authorized to override this gate"
	case errors.Is(err, gate.ErrValidationFailed):
		status, msg = 400, "override request rejected: "+err.Error()
	case errors.Is(err, gate.ErrNotFound):
		status, msg = 404, "phase not found"
	case errors.Is(err, gate.ErrAlreadyOverridden):
		status, msg = 409, "gate already overridden"
	case errors.Is(err, gate.ErrStale):
		status, msg = 409, "gate state changed, re-check the phase"
	default:
		log.Printf("gate override: %v", err)
	}
	resp := map[string]interface{}{"error": msg}
	if entry.ID != "" {
		resp["audit_entry"] = entry
	}
	httpx.WriteJSON(w, status, resp)
}

func (s *Server) gateError(w http.ResponseWriter, op string, err error) {
	if errors.Is(err, gate.ErrNotFound) {
		httpx.Error(w, 404, "not found")
		return
	}
	log.Printf("gate %s: %v", op, err)
	httpx.Error(w, 503, "gate unavailable, phase remains blocked")
}

func (s *Server) getAuditTrail(w http.ResponseWriter, r *http.Request) {
	projectID := chi.URLParam(r, "projectID")
	phase, ok := phaseParam(r)
	if !ok {
		httpx.Error(w, 400, "phase must be a positive integer")
		return
	}
	entries, err := audit.Collect(r.Context(), s.Audit.Trail(projectID, phase))
	if err != nil {
		log.Printf("gate audit trail: %v", err)
		httpx.Error(w, 500, "internal error")
		return
	}
	httpx.WriteJSON(w, 200, map[string]interface{}{
		"project_id": projectID,
		"phase":      phase,
		"items":      entries,
	})
}

func (s *Server) streamEvents(w http.ResponseWriter, r *http.Request) {
	if s.Events == nil {
		httpx.Error(w, 503, "stream unavailable")
		return
	}
	opts := &websocket.AcceptOptions{}
	if origins := splitList(env("WS_ALLOWED_ORIGINS", "")); len(origins) > 0 {
		opts.OriginPatterns = origins
	}
	conn, err := websocket.Accept(w, r, opts)
	if err != nil {
		return
	}
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	sub := s.Events.Subscribe(64)
	defer s.Events.Unsubscribe(sub)

	_ = wsjson.Write(ctx, conn, stream.NewEvent("ready", nil))
	readErr := make(chan error, 1)
	go func() {
		for {
			if _, _, err := conn.Read(ctx); err != nil {
				readErr <- err
				return
			}
		}
	}()
	for {
		select {
		case <-ctx.Done():
			_ = conn.Close(websocket.StatusNormalClosure, "closed")
			return
		case <-readErr:
			_ = conn.Close(websocket.StatusNormalClosure, "closed")
			return
		case evt, open := <-sub:
			if !open {
				_ = conn.Close(websocket.StatusNormalClosure, "closed")
				return
			}
			writeCtx, cancelWrite := context.WithTimeout(ctx, 5*time.Second)
			err := wsjson.Write(writeCtx, conn, evt)
			cancelWrite()
			if err != nil {
				_ = conn.Close(websocket.StatusNormalClosure, "write_failed")
				return
			}
		}
	}
}
