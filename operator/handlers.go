package operator

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/quailyquaily/airlock/guard"
	"github.com/quailyquaily/airlock/skills"
)

type ResolveRequest struct {
	Approved bool `json:"approved"`
}

// GateRequest is the wire form of guard.GateRequest; Timeout is a Go
// duration string such as "30s".
type GateRequest struct {
	CommandID  string         `json:"command_id,omitempty"`
	SessionID  string         `json:"session_id,omitempty"`
	ToolName   string         `json:"tool_name"`
	MethodName string         `json:"method_name"`
	Params     map[string]any `json:"params,omitempty"`
	Headless   bool           `json:"headless,omitempty"`
	Timeout    string         `json:"timeout,omitempty"`
}

type ClassifyResult struct {
	ToolName     string             `json:"tool_name"`
	MethodName   string             `json:"method_name"`
	AirlockLevel guard.AirlockLevel `json:"airlock_level"`
	Known        bool               `json:"known"`
}

type ResolveResult struct {
	CommandID string               `json:"command_id"`
	Status    guard.ApprovalStatus `json:"status"`
	Actor     string               `json:"actor"`
}

func (s *Server) handleListPending(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.deps.Airlock.Queue().ListPending())
}

func (s *Server) handleGetPending(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	req, ok, err := s.deps.Airlock.Queue().Get(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	if !ok {
		writeError(w, fmt.Errorf("%w: approval %q", guard.ErrNotFound, id))
		return
	}
	writeJSON(w, http.StatusOK, req)
}

func (s *Server) handleResolve(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var body ResolveRequest
	if err := decodeBody(w, r, &body); err != nil {
		writeError(w, err)
		return
	}
	c := capabilityFrom(r.Context())
	if err := s.deps.Airlock.Queue().Resolve(r.Context(), id, body.Approved, c.Actor()); err != nil {
		writeError(w, err)
		return
	}
	status := guard.ApprovalDenied
	if body.Approved {
		status = guard.ApprovalApproved
	}
	writeJSON(w, http.StatusOK, ResolveResult{CommandID: id, Status: status, Actor: c.Actor()})
}

func (s *Server) handleGetPolicy(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.deps.Airlock.Policy().Snapshot())
}

func (s *Server) handleUpdateToolPolicy(w http.ResponseWriter, r *http.Request) {
	var draft guard.ToolPolicyDraft
	if err := decodeBody(w, r, &draft); err != nil {
		writeError(w, err)
		return
	}
	if draft.BaseHash == "" {
		draft.BaseHash = strings.Trim(r.Header.Get("If-Match"), `"`)
	}
	st, err := s.deps.Airlock.Policy().UpdateToolPolicy(r.Context(), draft, capabilityFrom(r.Context()))
	if err != nil {
		writeError(w, err)
		return
	}
	w.Header().Set("ETag", `"`+st.Hash+`"`)
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleUpdatePermissions(w http.ResponseWriter, r *http.Request) {
	var draft guard.AdminPermissions
	if err := decodeBody(w, r, &draft); err != nil {
		writeError(w, err)
		return
	}
	if _, err := s.deps.Airlock.Policy().UpdatePermissions(r.Context(), draft, capabilityFrom(r.Context())); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.deps.Airlock.Policy().Snapshot().Permissions)
}

func (s *Server) handleListAudit(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			writeError(w, fmt.Errorf("%w: invalid limit %q", errBadRequest, v))
			return
		}
		limit = n
	}
	events, err := s.deps.Airlock.Policy().ListAudit(r.Context(), limit)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, events)
}

func (s *Server) handleClassify(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	res := ClassifyResult{ToolName: q.Get("tool"), MethodName: q.Get("method")}
	if res.ToolName == "" || res.MethodName == "" {
		writeError(w, fmt.Errorf("%w: tool and method are required", errBadRequest))
		return
	}
	lvl, err := s.deps.Airlock.Classifier().ClassifyFailClosed(res.ToolName, res.MethodName)
	res.AirlockLevel = lvl
	res.Known = err == nil
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleSkills(w http.ResponseWriter, r *http.Request) {
	if s.deps.Registry == nil {
		writeJSON(w, http.StatusOK, []skills.Manifest{})
		return
	}
	writeJSON(w, http.StatusOK, s.deps.Registry.Manifests())
}

// handleGate blocks until the invocation is decided. Closing the request
// abandons the wait; the approval stays pending.
func (s *Server) handleGate(w http.ResponseWriter, r *http.Request) {
	var body GateRequest
	if err := decodeBody(w, r, &body); err != nil {
		writeError(w, err)
		return
	}
	var timeout time.Duration
	if body.Timeout != "" {
		d, err := time.ParseDuration(body.Timeout)
		if err != nil || d < 0 {
			writeError(w, fmt.Errorf("%w: invalid timeout %q", errBadRequest, body.Timeout))
			return
		}
		timeout = d
	}
	res, err := s.deps.Airlock.Gate(r.Context(), guard.GateRequest{
		CommandID:  body.CommandID,
		SessionID:  body.SessionID,
		ToolName:   body.ToolName,
		MethodName: body.MethodName,
		Params:     body.Params,
		Headless:   body.Headless,
		Timeout:    timeout,
	})
	if err != nil {
		if r.Context().Err() != nil {
			return
		}
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}
