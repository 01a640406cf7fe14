package gateway

import (
	"net/http"
	"strings"

	"github.com/cordum/davlock/core/infra/locks"
	"github.com/cordum/davlock/core/lockmgr"
)

const lockTokenHeader = "Lock-Token"

type lockRequest struct {
	Resource       string `json:"resource"`
	Owner          string `json:"owner"`
	Mode           string `json:"mode"`
	Deep           bool   `json:"deep"`
	TimeoutSeconds int64  `json:"timeout_seconds"`
	Token          string `json:"token"`
}

type authorizeRequest struct {
	Resource string   `json:"resource"`
	Tokens   []string `json:"tokens"`
}

func (s *Server) handleGetLocks(w http.ResponseWriter, r *http.Request) {
	resource := strings.TrimSpace(r.URL.Query().Get("resource"))
	if resource == "" {
		http.Error(w, "resource required", http.StatusBadRequest)
		return
	}
	mgr := s.gw.Locks()
	var (
		held []locks.Lock
		err  error
	)
	if parseBool(r.URL.Query().Get("inherited")) {
		held, err = mgr.InheritedLocks(r.Context(), resource)
	} else {
		held, err = mgr.ActiveLocks(r.Context(), resource)
	}
	if err != nil {
		writeError(w, err)
		return
	}
	if held == nil {
		held = []locks.Lock{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"resource": resource, "locks": held})
}

func (s *Server) handleAcquireLock(w http.ResponseWriter, r *http.Request) {
	var req lockRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	shared, ok := parseLockMode(req.Mode)
	if !ok {
		http.Error(w, "mode must be shared or exclusive", http.StatusBadRequest)
		return
	}
	owner := strings.TrimSpace(req.Owner)
	if owner == "" {
		if auth := authFromRequest(r); auth != nil {
			owner = auth.PrincipalID
		}
	}
	lock, err := s.gw.Locks().Grant(r.Context(), lockmgr.GrantRequest{
		Resource:       req.Resource,
		Shared:         shared,
		Deep:           req.Deep,
		TimeoutSeconds: req.TimeoutSeconds,
		Owner:          owner,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	w.Header().Set(lockTokenHeader, "<"+lock.Token+">")
	writeJSON(w, http.StatusOK, lock)
}

func (s *Server) handleReleaseLock(w http.ResponseWriter, r *http.Request) {
	var req lockRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	token := firstToken(req.Token, r)
	if token == "" {
		http.Error(w, "token required", http.StatusBadRequest)
		return
	}
	if err := s.gw.Locks().Release(r.Context(), req.Resource, token); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"resource": req.Resource, "released": true})
}

func (s *Server) handleRenewLock(w http.ResponseWriter, r *http.Request) {
	var req lockRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	token := firstToken(req.Token, r)
	if token == "" {
		http.Error(w, "token required", http.StatusBadRequest)
		return
	}
	lock, err := s.gw.Locks().Refresh(r.Context(), req.Resource, token, req.TimeoutSeconds)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, lock)
}

func (s *Server) handleAuthorize(w http.ResponseWriter, r *http.Request) {
	var req authorizeRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	ok, err := s.gw.Locks().IsAuthorized(r.Context(), req.Resource, requestTokens(req.Tokens, r))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"resource": req.Resource, "authorized": ok})
}

// requestTokens merges body tokens with those in Lock-Token headers.
// Header values may be comma separated and wrapped in angle brackets.
func requestTokens(body []string, r *http.Request) []string {
	out := make([]string, 0, len(body))
	for _, t := range body {
		if t = strings.TrimSpace(t); t != "" {
			out = append(out, t)
		}
	}
	for _, value := range r.Header.Values(lockTokenHeader) {
		for _, part := range strings.Split(value, ",") {
			part = strings.Trim(strings.TrimSpace(part), "<>")
			if part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}

func firstToken(body string, r *http.Request) string {
	tokens := requestTokens([]string{body}, r)
	if len(tokens) == 0 {
		return ""
	}
	return tokens[0]
}

func parseLockMode(raw string) (shared bool, ok bool) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "", locks.ModeExclusive:
		return false, true
	case locks.ModeShared:
		return true, true
	default:
		return false, false
	}
}

func parseBool(raw string) bool {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "1", "true", "yes", "y", "on":
		return true
	default:
		return false
	}
}
