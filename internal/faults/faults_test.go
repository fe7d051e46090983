package faults

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNotFound_ParameterizesCodeAndMessage(t *testing.T) {
	err := NotFound("feedback")

	assert.Equal(t, "FEEDBACK_NOT_FOUND", err.Code)
	assert.Equal(t, "Feedback not found", err.Title)
	assert.Equal(t, 404, err.StatusCode)
	assert.Contains(t, err.Message, "does not exist or you do not have access to it")
}

func TestNotFound_MultiWordResource(t *testing.T) {
	err := NotFound("discovery run")
	assert.Equal(t, "DISCOVERY_RUN_NOT_FOUND", err.Code)
	assert.Equal(t, "Discovery run not found", err.Title)
}

func TestRateLimited_CarriesResetDelay(t *testing.T) {
	resetAt := time.Now().Add(120 * time.Second)
	err := RateLimited("slack", resetAt)

	require.True(t, err.Retryable())
	delay, ok := RetryDelay(err)
	require.True(t, ok)
	assert.InDelta(t, 120, delay.Seconds(), 2.0)
	assert.Equal(t, 429, err.StatusCode)
}

func TestRateLimited_PastResetClampsToZero(t *testing.T) {
	err := RateLimited("google", time.Now().Add(-time.Minute))
	assert.Equal(t, time.Duration(0), err.RetryAfter())
}

func TestWrapping_PreservesCauseChain(t *testing.T) {
	inner := errors.New("connection reset by peer")
	err := TransientPlatform("microsoft", inner)

	assert.True(t, errors.Is(err, inner))

	wrapped := fmt.Errorf("discover page 3: %w", err)
	fe, ok := As(wrapped)
	require.True(t, ok)
	assert.Equal(t, "PLATFORM_UNAVAILABLE", fe.Code)
	assert.True(t, IsRetryable(wrapped))
}

func TestIsRetryable(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want bool
	}{
		{"transient platform", TransientPlatform("jira", nil), true},
		{"rate limited", RateLimited("slack", time.Now().Add(time.Minute)), true},
		{"internal", Internal(errors.New("db down")), true},
		{"validation", Validation(nil), false},
		{"expired credentials", ExpiredCredentials("slack"), false},
		{"permanent auth", PermanentAuth("google", nil), false},
		{"integrity", Integrity("conn-1"), false},
		{"invariant", Invariant("cursor went backwards"), false},
		{"untyped", errors.New("dial tcp: timeout"), true},
		{"nil", nil, false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, IsRetryable(tc.err))
		})
	}
}

func TestValidation_FieldErrors(t *testing.T) {
	err := Validation([]FieldError{
		{Field: "platform", Message: "must be one of slack, google, microsoft, jira, chatgpt, claude, gemini"},
	})
	assert.Equal(t, 400, err.StatusCode)
	require.Len(t, err.FieldErrors, 1)
	assert.Equal(t, "platform", err.FieldErrors[0].Field)
	assert.False(t, IsRetryable(err))
}

func TestMissingPermissions_IsWarningNotFailure(t *testing.T) {
	err := MissingPermissions("google", []string{"admin.reports.audit.readonly"})
	assert.Equal(t, SeverityWarning, err.Severity)
	assert.Equal(t, "MISSING_PERMISSIONS", err.Code)
	assert.Contains(t, err.Details["missingPermissions"], "admin.reports.audit.readonly")
}

func TestDetailsAndSuggestionsChain(t *testing.T) {
	err := Internal(errors.New("boom")).
		WithDetail("queue", "discovery").
		WithSuggestion("check broker connectivity")

	assert.Equal(t, "discovery", err.Details["queue"])
	assert.Equal(t, []string{"check broker connectivity"}, err.Suggestions)
	assert.Equal(t, SeverityCritical, err.Severity)
}
