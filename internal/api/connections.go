package api

import (
	"context"
	"net/http"
	"net/url"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/umbrix/backend/internal/core"
	"github.com/umbrix/backend/internal/events"
	"github.com/umbrix/backend/internal/faults"
	"github.com/umbrix/backend/internal/jobs"
	"github.com/umbrix/backend/internal/multitenancy"
)

type createConnectionRequest struct {
	Platform     string `json:"platform" validate:"required"`
	DisplayName  string `json:"displayName,omitempty" validate:"max=120"`
	RedirectURI  string `json:"redirectUri,omitempty" validate:"omitempty,url"`
	APIKey       string `json:"apiKey,omitempty" validate:"max=512"`
	CadenceHours int    `json:"cadenceHours,omitempty" validate:"gte=0,lte=168"`
}

// handleCreateConnection starts a platform link. OAuth platforms get back an
// authorization URL plus one-time state and a pending connection row; API-key
// platforms (ChatGPT, Claude admin keys) connect in one round trip.
func (s *Server) handleCreateConnection(w http.ResponseWriter, r *http.Request) {
	org, err := multitenancy.GetOrganizationID(r.Context())
	if err != nil {
		writeError(w, faults.Unauthorized(""))
		return
	}

	var req createConnectionRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, err)
		return
	}
	pf := core.Platform(req.Platform)
	if !core.ValidPlatform(pf) {
		writeError(w, faults.Validation([]faults.FieldError{
			{Field: "platform", Message: "unknown platform"},
		}))
		return
	}

	if s.deps.Flows.Supports(pf) {
		s.beginOAuthConnection(w, r, org, pf, req)
		return
	}
	s.connectWithAPIKey(w, r, org, pf, req)
}

func (s *Server) beginOAuthConnection(w http.ResponseWriter, r *http.Request, org string, pf core.Platform, req createConnectionRequest) {
	conn := &core.PlatformConnection{
		ID:             uuid.NewString(),
		OrganizationID: org,
		Platform:       pf,
		DisplayName:    displayNameOr(req.DisplayName, pf),
		Status:         core.ConnectionPending,
		SyncConfig:     core.SyncConfiguration{CadenceHours: req.CadenceHours},
	}
	if err := s.deps.Store.CreateConnection(r.Context(), conn); err != nil {
		writeError(w, err)
		return
	}

	issued, err := s.deps.States.IssueState(org, string(pf), req.RedirectURI)
	if err != nil {
		writeError(w, err)
		return
	}
	consentURL, err := s.deps.Flows.ConsentURL(pf, issued.State)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, map[string]interface{}{
		"connection":       conn,
		"authorizationUrl": consentURL,
		"state":            issued.State,
		"expiresAt":        issued.ExpiresAt,
	})
}

func (s *Server) connectWithAPIKey(w http.ResponseWriter, r *http.Request, org string, pf core.Platform, req createConnectionRequest) {
	if req.APIKey == "" {
		writeError(w, faults.Validation([]faults.FieldError{
			{Field: "apiKey", Message: "this platform connects with an API key"},
		}))
		return
	}
	connector, err := s.deps.Registry.Get(pf)
	if err != nil {
		writeError(w, err)
		return
	}

	conn := &core.PlatformConnection{
		ID:             uuid.NewString(),
		OrganizationID: org,
		Platform:       pf,
		DisplayName:    displayNameOr(req.DisplayName, pf),
		Status:         core.ConnectionActive,
		Capabilities:   connector.Capabilities(),
		SyncConfig:     core.SyncConfiguration{CadenceHours: req.CadenceHours},
	}
	cred := &core.Credential{
		ConnectionID:   conn.ID,
		OrganizationID: org,
		Platform:       pf,
		AccessToken:    req.APIKey,
		TokenType:      "api_key",
		IssuedAt:       time.Now().UTC(),
	}

	result, err := connector.ValidateCredentials(r.Context(), cred)
	if err != nil {
		writeError(w, err)
		return
	}
	if !result.Valid {
		fe := faults.PermanentAuth(string(pf), nil)
		if len(result.MissingPermissions) > 0 {
			fe = fe.WithDetail("missingPermissions", result.MissingPermissions)
		}
		writeError(w, fe)
		return
	}

	if err := s.deps.Store.CreateConnection(r.Context(), conn); err != nil {
		writeError(w, err)
		return
	}
	if err := s.deps.Vault.Store(r.Context(), cred); err != nil {
		// Roll the row back; a connection without a credential can never
		// discover anything.
		_ = s.deps.Store.DeleteConnection(r.Context(), org, conn.ID)
		writeError(w, err)
		return
	}
	s.afterConnect(r.Context(), conn)

	writeJSON(w, http.StatusCreated, map[string]interface{}{"connection": conn})
}

// handleConnectionCallback completes the OAuth handshake. The browser
// redirect carries no bearer token; the one-time state is the credential.
func (s *Server) handleConnectionCallback(w http.ResponseWriter, r *http.Request) {
	connID := mux.Vars(r)["id"]
	q := r.URL.Query()

	claims, err := s.deps.States.ConsumeState(r.Context(), q.Get("state"))
	if err != nil {
		writeError(w, faults.Unauthorized("invalid or expired authorization state"))
		return
	}
	org := claims.OrganizationID

	conn, err := s.deps.Store.GetConnection(r.Context(), org, connID)
	if err != nil {
		s.auditDenied(r.Context(), r, "connection", connID)
		writeError(w, err)
		return
	}
	if string(conn.Platform) != claims.Platform {
		writeError(w, faults.Unauthorized("authorization state does not match this connection"))
		return
	}

	if denial := q.Get("error"); denial != "" {
		conn.Status = core.ConnectionError
		conn.LastErrorMessage = "authorization denied: " + denial
		_ = s.deps.Store.UpdateConnection(r.Context(), org, conn)
		writeError(w, faults.PermanentAuth(claims.Platform, nil).
			WithDetail("providerError", denial))
		return
	}
	code := q.Get("code")
	if code == "" {
		writeError(w, faults.Validation([]faults.FieldError{
			{Field: "code", Message: "authorization code is missing"},
		}))
		return
	}

	cred, err := s.deps.Flows.Exchange(r.Context(), conn.Platform, org, code)
	if err != nil {
		conn.Status = core.ConnectionError
		if fe, ok := faults.As(err); ok {
			conn.LastErrorMessage = fe.Message
		} else {
			conn.LastErrorMessage = "token exchange failed"
		}
		_ = s.deps.Store.UpdateConnection(r.Context(), org, conn)
		writeError(w, err)
		return
	}
	cred.ConnectionID = conn.ID

	if err := s.deps.Vault.Store(r.Context(), cred); err != nil {
		writeError(w, err)
		return
	}

	if connector, cerr := s.deps.Registry.Get(conn.Platform); cerr == nil {
		conn.Capabilities = connector.Capabilities()
	}
	conn.Status = core.ConnectionActive
	conn.LastErrorMessage = ""
	if err := s.deps.Store.UpdateConnection(r.Context(), org, conn); err != nil {
		writeError(w, err)
		return
	}
	s.afterConnect(r.Context(), conn)

	if claims.RedirectURI != "" {
		v := url.Values{"connectionId": {conn.ID}, "status": {"connected"}}
		http.Redirect(w, r, claims.RedirectURI+"?"+v.Encode(), http.StatusFound)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"connection": conn})
}

// afterConnect runs the shared post-link steps: periodic discovery schedule,
// audit trail, connection event, first discovery run.
func (s *Server) afterConnect(ctx context.Context, conn *core.PlatformConnection) {
	cadence := time.Duration(conn.SyncConfig.CadenceHours) * time.Hour
	if s.deps.Scheduler != nil {
		if err := s.deps.Scheduler.RegisterPeriodicDiscovery(conn.OrganizationID, conn.ID, cadence); err != nil {
			s.slog.Warn("periodic discovery registration failed", "connection", conn.ID, "error", err)
		}
	}
	if s.deps.Trail != nil {
		actor := multitenancy.GetActorID(ctx)
		_, _ = s.deps.Trail.RecordConnectionLifecycle(ctx, conn.OrganizationID, actor, conn.ID, string(conn.Platform), false)
	}
	if s.deps.Bus != nil {
		_ = s.deps.Bus.Publish(ctx, events.NewConnectionUpdate(conn.OrganizationID, conn.ID, conn.Platform, conn.Status, ""))
	}
	if s.deps.Broker != nil {
		if _, err := s.enqueueDiscovery(ctx, conn, "api"); err != nil {
			s.slog.Warn("initial discovery enqueue failed", "connection", conn.ID, "error", err)
		}
	}
}

func (s *Server) handleListConnections(w http.ResponseWriter, r *http.Request) {
	org, err := multitenancy.GetOrganizationID(r.Context())
	if err != nil {
		writeError(w, faults.Unauthorized(""))
		return
	}
	conns, err := s.deps.Store.ListConnections(r.Context(), org)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"connections": conns,
		"count":       len(conns),
	})
}

func (s *Server) handleGetConnection(w http.ResponseWriter, r *http.Request) {
	org, err := multitenancy.GetOrganizationID(r.Context())
	if err != nil {
		writeError(w, faults.Unauthorized(""))
		return
	}
	connID := mux.Vars(r)["id"]
	conn, err := s.deps.Store.GetConnection(r.Context(), org, connID)
	if err != nil {
		s.auditDenied(r.Context(), r, "connection", connID)
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"connection": conn})
}

// handleDeleteConnection disconnects with a full cascade: credential erasure,
// schedule removal, in-flight job cancellation and automation soft-delete.
func (s *Server) handleDeleteConnection(w http.ResponseWriter, r *http.Request) {
	org, err := multitenancy.GetOrganizationID(r.Context())
	if err != nil {
		writeError(w, faults.Unauthorized(""))
		return
	}
	connID := mux.Vars(r)["id"]

	conn, err := s.deps.Store.GetConnection(r.Context(), org, connID)
	if err != nil {
		s.auditDenied(r.Context(), r, "connection", connID)
		writeError(w, err)
		return
	}

	if s.deps.Scheduler != nil {
		s.deps.Scheduler.UnregisterConnection(connID)
	}
	if s.deps.Broker != nil {
		if err := s.deps.Broker.CancelConnection(r.Context(), org, connID); err != nil {
			s.slog.Warn("job cancellation failed", "connection", connID, "error", err)
		}
	}
	if err := s.deps.Vault.Revoke(r.Context(), org, connID); err != nil {
		s.slog.Warn("credential revoke failed", "connection", connID, "error", err)
	}
	inactive, err := s.deps.Store.MarkConnectionAutomationsInactive(r.Context(), org, connID)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := s.deps.Store.DeleteConnection(r.Context(), org, connID); err != nil {
		writeError(w, err)
		return
	}

	if s.deps.Trail != nil {
		actor := multitenancy.GetActorID(r.Context())
		_, _ = s.deps.Trail.RecordConnectionLifecycle(r.Context(), org, actor, connID, string(conn.Platform), true)
	}
	if s.deps.Bus != nil {
		_ = s.deps.Bus.Publish(r.Context(), events.NewConnectionUpdate(org, connID, conn.Platform, core.ConnectionInactive, ""))
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"disconnected":        true,
		"automationsRetained": inactive,
	})
}

// handleDiscover enqueues an on-demand discovery run.
func (s *Server) handleDiscover(w http.ResponseWriter, r *http.Request) {
	org, err := multitenancy.GetOrganizationID(r.Context())
	if err != nil {
		writeError(w, faults.Unauthorized(""))
		return
	}
	connID := mux.Vars(r)["id"]

	conn, err := s.deps.Store.GetConnection(r.Context(), org, connID)
	if err != nil {
		s.auditDenied(r.Context(), r, "connection", connID)
		writeError(w, err)
		return
	}
	switch conn.Status {
	case core.ConnectionActive, core.ConnectionError:
		// An errored connection may retry; expired ones need reauth first.
	case core.ConnectionExpired:
		writeError(w, faults.ExpiredCredentials(string(conn.Platform)))
		return
	default:
		writeError(w, faults.Conflict("connection is not ready for discovery"))
		return
	}

	jobID, err := s.enqueueDiscovery(r.Context(), conn, "api")
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]interface{}{
		"jobId":  jobID,
		"status": "queued",
	})
}

func (s *Server) enqueueDiscovery(ctx context.Context, conn *core.PlatformConnection, trigger string) (string, error) {
	// A cancel flag from a prior disconnect must not abort the new run.
	if err := s.deps.Broker.ClearCancel(ctx, conn.ID); err != nil {
		return "", err
	}
	job := &jobs.Job{
		Queue:    jobs.QueueDiscovery,
		ID:       uuid.NewString(),
		Priority: 5,
		Payload: jobs.Payload{
			OrganizationID: conn.OrganizationID,
			ConnectionID:   conn.ID,
			TriggeredBy:    trigger,
		},
	}
	if err := s.deps.Broker.Enqueue(ctx, job); err != nil {
		return "", err
	}
	return job.ID, nil
}

func displayNameOr(name string, pf core.Platform) string {
	if name != "" {
		return name
	}
	return string(pf) + " workspace"
}
