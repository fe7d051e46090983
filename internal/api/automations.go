package api

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/gorilla/mux"

	"github.com/umbrix/backend/internal/core"
	"github.com/umbrix/backend/internal/faults"
	"github.com/umbrix/backend/internal/multitenancy"
	"github.com/umbrix/backend/internal/repo"
)

const (
	defaultPageSize = 50
	maxPageSize     = 200
)

// handleListAutomations lists the tenant's discovered automations. Platform,
// risk level and free-text search narrow the result; limit/offset paginate it.
func (s *Server) handleListAutomations(w http.ResponseWriter, r *http.Request) {
	org, err := multitenancy.GetOrganizationID(r.Context())
	if err != nil {
		writeError(w, faults.Unauthorized(""))
		return
	}
	q := r.URL.Query()

	filter := repo.AutomationFilter{
		ConnectionID: q.Get("connectionId"),
		Type:         core.AutomationType(q.Get("type")),
		OnlyActive:   q.Get("includeInactive") != "true",
	}
	autos, err := s.deps.Store.ListAutomations(r.Context(), org, filter)
	if err != nil {
		writeError(w, err)
		return
	}

	if pf := q.Get("platform"); pf != "" {
		autos, err = s.narrowToPlatform(r, org, autos, core.Platform(pf))
		if err != nil {
			writeError(w, err)
			return
		}
	}

	var level core.RiskLevel
	if lv := q.Get("riskLevel"); lv != "" {
		level = core.RiskLevel(lv)
	}
	risks := make(map[string]*core.RiskAssessment, len(autos))
	kept := autos[:0]
	for _, auto := range autos {
		assessment, aerr := s.deps.Store.LatestAssessment(r.Context(), org, auto.ID)
		if aerr == nil && assessment != nil {
			risks[auto.ID] = assessment
		}
		if level != "" {
			if assessment == nil || assessment.OverallRisk != level {
				continue
			}
		}
		kept = append(kept, auto)
	}
	autos = kept

	if search := strings.ToLower(strings.TrimSpace(q.Get("search"))); search != "" {
		matched := autos[:0]
		for _, auto := range autos {
			if strings.Contains(strings.ToLower(auto.Name), search) ||
				strings.Contains(strings.ToLower(auto.Description), search) {
				matched = append(matched, auto)
			}
		}
		autos = matched
	}

	total := len(autos)
	offset := intParam(q.Get("offset"), 0)
	limit := intParam(q.Get("limit"), defaultPageSize)
	if limit > maxPageSize {
		limit = maxPageSize
	}
	if offset >= len(autos) {
		autos = nil
	} else {
		autos = autos[offset:]
	}
	if len(autos) > limit {
		autos = autos[:limit]
	}

	items := make([]map[string]interface{}, 0, len(autos))
	for _, auto := range autos {
		item := map[string]interface{}{"automation": auto}
		if assessment, ok := risks[auto.ID]; ok {
			item["riskAssessment"] = assessment
		}
		items = append(items, item)
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"automations": items,
		"total":       total,
		"limit":       limit,
		"offset":      offset,
	})
}

// narrowToPlatform keeps automations whose connection is on the platform.
// The automation row does not carry a platform column.
func (s *Server) narrowToPlatform(r *http.Request, org string, autos []*core.DiscoveredAutomation, pf core.Platform) ([]*core.DiscoveredAutomation, error) {
	conns, err := s.deps.Store.ListConnections(r.Context(), org)
	if err != nil {
		return nil, err
	}
	onPlatform := make(map[string]bool, len(conns))
	for _, conn := range conns {
		if conn.Platform == pf {
			onPlatform[conn.ID] = true
		}
	}
	kept := autos[:0]
	for _, auto := range autos {
		if onPlatform[auto.ConnectionID] {
			kept = append(kept, auto)
		}
	}
	return kept, nil
}

// handleGetAutomation returns one automation with its detection metadata and
// latest risk assessment. Cross-tenant ids answer exactly like missing ones.
func (s *Server) handleGetAutomation(w http.ResponseWriter, r *http.Request) {
	org, err := multitenancy.GetOrganizationID(r.Context())
	if err != nil {
		writeError(w, faults.Unauthorized(""))
		return
	}
	autoID := mux.Vars(r)["id"]

	auto, err := s.deps.Store.GetAutomation(r.Context(), org, autoID)
	if err != nil {
		s.auditDenied(r.Context(), r, "automation", autoID)
		writeError(w, err)
		return
	}

	body := map[string]interface{}{"automation": auto}
	if assessment, aerr := s.deps.Store.LatestAssessment(r.Context(), org, autoID); aerr == nil && assessment != nil {
		body["riskAssessment"] = assessment
	}
	writeJSON(w, http.StatusOK, body)
}

func intParam(raw string, fallback int) int {
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return fallback
	}
	return n
}
