package api

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"strings"

	"github.com/umbrix/backend/internal/faults"
	"github.com/umbrix/backend/internal/multitenancy"
)

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// writeError funnels every failure through the shared taxonomy so the wire
// shape never varies by handler.
func writeError(w http.ResponseWriter, err error) {
	faults.WriteHTTP(w, err)
}

// auditDenied records a not-found on an id-bearing route. The store answers
// identically for "missing" and "someone else's", so the trail captures the
// attempt without asserting which it was.
func (s *Server) auditDenied(ctx context.Context, r *http.Request, resourceType, resourceID string) {
	if s.deps.Trail == nil {
		return
	}
	org, _ := multitenancy.GetOrganizationID(ctx)
	actor := multitenancy.GetActorID(ctx)
	if _, err := s.deps.Trail.RecordCrossTenantAccess(ctx, org, actor, clientIP(r), resourceType, resourceID, "unknown"); err != nil {
		s.slog.Warn("audit append failed", "error", err)
	}
}

func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		if i := strings.IndexByte(fwd, ','); i > 0 {
			return strings.TrimSpace(fwd[:i])
		}
		return strings.TrimSpace(fwd)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
