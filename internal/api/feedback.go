package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/umbrix/backend/internal/faults"
	"github.com/umbrix/backend/internal/feedback"
	"github.com/umbrix/backend/internal/multitenancy"
)

// trainingBatchCap bounds one export so a batch stays a single upload.
const trainingBatchCap = 100

// handleCreateFeedback records an analyst verdict on a detection. The caller
// identity fills userId when the body leaves it out.
func (s *Server) handleCreateFeedback(w http.ResponseWriter, r *http.Request) {
	org, err := multitenancy.GetOrganizationID(r.Context())
	if err != nil {
		writeError(w, faults.Unauthorized(""))
		return
	}

	var req feedback.CaptureRequest
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if derr := json.NewDecoder(r.Body).Decode(&req); derr != nil {
		writeError(w, faults.Validation([]faults.FieldError{
			{Field: "body", Message: "request body is not valid JSON"},
		}))
		return
	}
	if req.UserID == "" {
		req.UserID = multitenancy.GetActorID(r.Context())
	}
	if err := validateStruct(&req); err != nil {
		writeError(w, err)
		return
	}

	fb, err := s.deps.Feedback.Capture(r.Context(), org, req)
	if err != nil {
		if fe, ok := faults.As(err); ok && fe.StatusCode == http.StatusNotFound {
			s.auditDenied(r.Context(), r, "automation", req.AutomationID)
		}
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]interface{}{"feedback": fb})
}

func (s *Server) handleGetFeedback(w http.ResponseWriter, r *http.Request) {
	org, err := multitenancy.GetOrganizationID(r.Context())
	if err != nil {
		writeError(w, faults.Unauthorized(""))
		return
	}
	fbID := mux.Vars(r)["id"]

	fb, err := s.deps.Feedback.Get(r.Context(), org, fbID)
	if err != nil {
		s.auditDenied(r.Context(), r, "feedback", fbID)
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"feedback": fb})
}

// handleTrainingBatch exports the tenant's labeled examples for the RL loop.
// Batch size is capped; callers page with the since parameter.
func (s *Server) handleTrainingBatch(w http.ResponseWriter, r *http.Request) {
	org, err := multitenancy.GetOrganizationID(r.Context())
	if err != nil {
		writeError(w, faults.Unauthorized(""))
		return
	}
	q := r.URL.Query()

	var since time.Time
	if raw := q.Get("since"); raw != "" {
		since, err = time.Parse(time.RFC3339, raw)
		if err != nil {
			writeError(w, faults.Validation([]faults.FieldError{
				{Field: "since", Message: "must be an RFC 3339 timestamp"},
			}))
			return
		}
	}
	limit := intParam(q.Get("limit"), trainingBatchCap)
	if limit > trainingBatchCap {
		limit = trainingBatchCap
	}

	batch, err := s.deps.Feedback.TrainingBatch(r.Context(), org, since, limit)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"feedback":    batch,
		"count":       len(batch),
		"generatedAt": time.Now().UTC().Format(time.RFC3339),
	})
}
