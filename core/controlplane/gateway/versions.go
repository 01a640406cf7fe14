package gateway

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/cordum/davlock/core/version"
)

type bumpRequest struct {
	Resource string   `json:"resource"`
	Tokens   []string `json:"tokens"`
}

type versionResponse struct {
	Resource string `json:"resource"`
	Version  int64  `json:"version"`
	ETag     string `json:"etag,omitempty"`
}

func (s *Server) handleGetVersion(w http.ResponseWriter, r *http.Request) {
	resource := strings.TrimSpace(r.URL.Query().Get("resource"))
	if resource == "" {
		http.Error(w, "resource required", http.StatusBadRequest)
		return
	}
	stamp := s.gw.Stamp()
	n, err := stamp.Current(r.Context(), resource)
	if err != nil {
		writeError(w, err)
		return
	}
	resp := versionResponse{Resource: resource, Version: n}
	if raw := strings.TrimSpace(r.URL.Query().Get("modified")); raw != "" {
		modified, err := time.Parse(time.RFC3339Nano, raw)
		if err != nil {
			http.Error(w, "modified must be RFC3339", http.StatusBadRequest)
			return
		}
		resp.ETag = `"` + version.FormatETag(modified, n) + `"`
		w.Header().Set("ETag", resp.ETag)
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleBumpVersion records an out-of-band change to resource. The caller
// must hold a token for any lock in force on it.
func (s *Server) handleBumpVersion(w http.ResponseWriter, r *http.Request) {
	var req bumpRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if err := s.gw.Write(r.Context(), req.Resource, requestTokens(req.Tokens, r), func(context.Context) error {
		return nil
	}); err != nil {
		writeError(w, err)
		return
	}
	n, err := s.gw.Stamp().Current(r.Context(), req.Resource)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, versionResponse{Resource: req.Resource, Version: n})
}
