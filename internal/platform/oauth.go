package platform

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"

	"github.com/umbrix/backend/internal/config"
	"github.com/umbrix/backend/internal/core"
	"github.com/umbrix/backend/internal/faults"
)

// Per-platform OAuth endpoints. Slack must use the v2 endpoints for granular
// bot scopes; Microsoft uses the common tenant so any directory can consent.
var (
	slackEndpoint = oauth2.Endpoint{
		AuthURL:  "https://slack.com/oauth/v2/authorize",
		TokenURL: "https://slack.com/api/oauth.v2.access",
	}
	microsoftEndpoint = oauth2.Endpoint{
		AuthURL:  "https://login.microsoftonline.com/common/oauth2/v2.0/authorize",
		TokenURL: "https://login.microsoftonline.com/common/oauth2/v2.0/token",
	}
	jiraEndpoint = oauth2.Endpoint{
		AuthURL:  "https://auth.atlassian.com/authorize",
		TokenURL: "https://auth.atlassian.com/oauth/token",
	}
)

// defaultScopes lists what each OAuth platform must grant for discovery to
// reach its audit surface. Key-credential platforms (ChatGPT, Claude) have no
// entry; Gemini rides on Google Workspace OAuth with the reports scope only.
var defaultScopes = map[core.Platform][]string{
	core.PlatformSlack: {"auditlogs:read", "team:read", "users:read"},
	core.PlatformGoogle: {
		"https://www.googleapis.com/auth/admin.directory.user.readonly",
		"https://www.googleapis.com/auth/admin.directory.user.security",
		"https://www.googleapis.com/auth/admin.reports.audit.readonly",
	},
	core.PlatformMicrosoft: {
		"offline_access",
		"https://graph.microsoft.com/Directory.Read.All",
		"https://graph.microsoft.com/Application.Read.All",
		"https://graph.microsoft.com/AuditLog.Read.All",
	},
	core.PlatformJira: {
		"offline_access",
		"read:jira-work",
		"read:audit-log:jira",
	},
	core.PlatformGemini: {
		"https://www.googleapis.com/auth/admin.reports.audit.readonly",
	},
}

// Flows builds authorization URLs, exchanges callback codes and refreshes
// OAuth credentials. One instance serves all OAuth platforms.
type Flows struct {
	cfg         *config.Config
	stateSecret []byte
	stateTTL    time.Duration

	// Endpoints is keyed by platform and overridable in tests.
	Endpoints map[core.Platform]oauth2.Endpoint

	// HTTPClient, when set, replaces the default client for token calls.
	HTTPClient *http.Client
}

// NewFlows wires the OAuth flow helper from configuration.
func NewFlows(cfg *config.Config) *Flows {
	return &Flows{
		cfg:         cfg,
		stateSecret: []byte(cfg.Server.StateSecret),
		stateTTL:    time.Duration(cfg.OAuth.StateTTLSeconds) * time.Second,
		Endpoints: map[core.Platform]oauth2.Endpoint{
			core.PlatformSlack:     slackEndpoint,
			core.PlatformGoogle:    google.Endpoint,
			core.PlatformMicrosoft: microsoftEndpoint,
			core.PlatformJira:      jiraEndpoint,
			core.PlatformGemini:    google.Endpoint,
		},
	}
}

// Supports reports whether the platform connects through an OAuth grant.
func (f *Flows) Supports(platform core.Platform) bool {
	_, ok := f.Endpoints[platform]
	return ok
}

// oauthConfig assembles the x/oauth2 config for one platform.
func (f *Flows) oauthConfig(platform core.Platform) (*oauth2.Config, error) {
	ep, ok := f.Endpoints[platform]
	if !ok {
		return nil, faults.Invariant(fmt.Sprintf("platform %q does not use an OAuth grant", platform))
	}
	app, err := f.cfg.OAuthFor(string(platform))
	if err != nil {
		return nil, faults.Invariant(err.Error())
	}
	return &oauth2.Config{
		ClientID:     app.ClientID,
		ClientSecret: app.ClientSecret,
		RedirectURL:  app.RedirectURL,
		Endpoint:     ep,
		Scopes:       defaultScopes[platform],
	}, nil
}

// AuthorizationURL returns the consent URL plus the signed state the callback
// must return. Offline-capable platforms request a refresh token explicitly.
func (f *Flows) AuthorizationURL(platform core.Platform, organizationID string) (string, string, error) {
	oc, err := f.oauthConfig(platform)
	if err != nil {
		return "", "", err
	}
	state, err := f.signState(platform, organizationID)
	if err != nil {
		return "", "", err
	}
	return oc.AuthCodeURL(state, consentOpts(platform)...), state, nil
}

// ConsentURL builds the authorization URL around an externally issued state,
// for callers that manage state lifecycle themselves (one-time use, redirect
// binding). The state is opaque to the platform either way.
func (f *Flows) ConsentURL(platform core.Platform, state string) (string, error) {
	oc, err := f.oauthConfig(platform)
	if err != nil {
		return "", err
	}
	return oc.AuthCodeURL(state, consentOpts(platform)...), nil
}

// consentOpts sets per-platform consent parameters. Offline-capable platforms
// request a refresh token explicitly.
func consentOpts(platform core.Platform) []oauth2.AuthCodeOption {
	switch platform {
	case core.PlatformGoogle, core.PlatformGemini:
		return []oauth2.AuthCodeOption{
			oauth2.SetAuthURLParam("access_type", "offline"),
			oauth2.SetAuthURLParam("prompt", "consent"),
		}
	case core.PlatformJira:
		return []oauth2.AuthCodeOption{
			oauth2.SetAuthURLParam("audience", "api.atlassian.com"),
			oauth2.SetAuthURLParam("prompt", "consent"),
		}
	}
	return nil
}

// Exchange trades the callback code for a credential skeleton. The connector's
// Authenticate call fills in workspace identity afterwards.
func (f *Flows) Exchange(ctx context.Context, platform core.Platform, organizationID, code string) (*core.Credential, error) {
	oc, err := f.oauthConfig(platform)
	if err != nil {
		return nil, err
	}

	tok, err := oc.Exchange(f.httpContext(ctx), code)
	if err != nil {
		return nil, classifyTokenError(platform, err)
	}

	cred := &core.Credential{
		OrganizationID: organizationID,
		Platform:       platform,
		TokenType:      tok.TokenType,
		Scopes:         scopesFromToken(tok, oc.Scopes),
		IssuedAt:       time.Now().UTC(),
		ExpiresAt:      tok.Expiry,
		PlatformData:   core.PlatformData{},
	}
	applyToken(cred, tok)
	return cred, nil
}

// RefreshToken exchanges the stored refresh token for a fresh access token.
// Identity fields and platform data carry over from the old credential.
func (f *Flows) RefreshToken(ctx context.Context, cred *core.Credential) (*core.Credential, error) {
	if !cred.Refreshable() {
		return nil, faults.ExpiredCredentials(string(cred.Platform)).
			WithDetail("reason", "no refresh grant available")
	}
	oc, err := f.oauthConfig(cred.Platform)
	if err != nil {
		return nil, err
	}

	src := oc.TokenSource(f.httpContext(ctx), &oauth2.Token{RefreshToken: cred.RefreshToken})
	tok, err := src.Token()
	if err != nil {
		return nil, classifyTokenError(cred.Platform, err)
	}

	next := *cred
	next.TokenType = tok.TokenType
	next.IssuedAt = time.Now().UTC()
	next.ExpiresAt = tok.Expiry
	applyToken(&next, tok)
	if next.RefreshToken == "" {
		// Providers that rotate refresh tokens return a new one; providers
		// that do not expect us to keep using the old one.
		next.RefreshToken = cred.RefreshToken
	}
	return &next, nil
}

func (f *Flows) httpContext(ctx context.Context) context.Context {
	if f.HTTPClient != nil {
		return context.WithValue(ctx, oauth2.HTTPClient, f.HTTPClient)
	}
	return ctx
}

func applyToken(cred *core.Credential, tok *oauth2.Token) {
	cred.AccessToken = tok.AccessToken
	cred.RefreshToken = tok.RefreshToken
	if cred.TokenType == "" {
		cred.TokenType = "Bearer"
	}
}

// scopesFromToken prefers the granted scope list the provider echoes back.
func scopesFromToken(tok *oauth2.Token, requested []string) []string {
	raw, _ := tok.Extra("scope").(string)
	if raw == "" {
		return requested
	}
	sep := " "
	if strings.Contains(raw, ",") {
		sep = ","
	}
	parts := strings.Split(raw, sep)
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// classifyTokenError maps token-endpoint failures onto the fault taxonomy.
// invalid_grant means the refresh token was revoked or consumed; that is
// permanent and must not be retried against the provider.
func classifyTokenError(platform core.Platform, err error) error {
	p := string(platform)
	var re *oauth2.RetrieveError
	if ok := asRetrieveError(err, &re); ok {
		switch {
		case re.Response != nil && re.Response.StatusCode == http.StatusTooManyRequests:
			return faults.RateLimited(p, parseRetryAfter(re.Response.Header, time.Now()))
		case re.ErrorCode == "invalid_grant" || re.ErrorCode == "invalid_client":
			return faults.PermanentAuth(p, err)
		case re.Response != nil && re.Response.StatusCode >= 500:
			return faults.TransientPlatform(p, err)
		default:
			return faults.PermanentAuth(p, err)
		}
	}
	return faults.TransientPlatform(p, err)
}

func asRetrieveError(err error, target **oauth2.RetrieveError) bool {
	for err != nil {
		if re, ok := err.(*oauth2.RetrieveError); ok {
			*target = re
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}

// ============================================================================
// SIGNED STATE
// ============================================================================

type statePayload struct {
	Platform       string `json:"p"`
	OrganizationID string `json:"o"`
	Nonce          string `json:"n"`
	IssuedAt       int64  `json:"t"`
}

// signState mints a tamper-evident state token binding the callback to the
// tenant and platform that initiated it.
func (f *Flows) signState(platform core.Platform, organizationID string) (string, error) {
	nonce := make([]byte, 16)
	if _, err := rand.Read(nonce); err != nil {
		return "", faults.Internal(err)
	}
	payload, err := json.Marshal(statePayload{
		Platform:       string(platform),
		OrganizationID: organizationID,
		Nonce:          hex.EncodeToString(nonce),
		IssuedAt:       time.Now().Unix(),
	})
	if err != nil {
		return "", faults.Internal(err)
	}
	body := base64.RawURLEncoding.EncodeToString(payload)
	return body + "." + f.stateMAC(body), nil
}

// VerifyState checks signature and freshness and returns the bound platform
// and tenant. Every failure mode reads the same to the caller.
func (f *Flows) VerifyState(state string) (core.Platform, string, error) {
	invalid := faults.Unauthorized("OAuth state is invalid or expired")

	body, mac, ok := strings.Cut(state, ".")
	if !ok || !hmac.Equal([]byte(mac), []byte(f.stateMAC(body))) {
		return "", "", invalid
	}
	raw, err := base64.RawURLEncoding.DecodeString(body)
	if err != nil {
		return "", "", invalid
	}
	var payload statePayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return "", "", invalid
	}
	if time.Since(time.Unix(payload.IssuedAt, 0)) > f.stateTTL {
		return "", "", invalid
	}
	return core.Platform(payload.Platform), payload.OrganizationID, nil
}

func (f *Flows) stateMAC(body string) string {
	h := hmac.New(sha256.New, f.stateSecret)
	h.Write([]byte(body))
	return base64.RawURLEncoding.EncodeToString(h.Sum(nil))
}
