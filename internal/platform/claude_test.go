package platform

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/umbrix/backend/internal/core"
	"github.com/umbrix/backend/internal/faults"
)

func claudeTestCred() *core.Credential {
	return &core.Credential{
		ConnectionID:   "conn-claude",
		OrganizationID: "org-1",
		Platform:       core.PlatformClaude,
		AccessToken:    "sk-ant-admin-test",
		PlatformData: core.PlatformData{
			Kind:   core.PlatformClaude,
			Claude: &core.ClaudeConnectionData{OrganizationUUID: "org-uuid-1"},
		},
	}
}

const claudeExportBundle = `{"id":"al_1","action":"api_key.created","actor":{"id":"user_1","email_address":"admin@example.com"},"target":{"id":"key_1","type":"api_key","name":"prod-key"},"ip_address":"198.51.100.7","user_agent":"Chrome","created_at":"2026-08-01T12:00:00Z"}
{"id":"al_2","action":"workspace_member.added","actor":{"id":"user_1","email_address":"admin@example.com"},"target":{"id":"user_9","type":"user","name":"dev"},"created_at":"2026-08-02T09:30:00Z"}
{"id":"al_3","action":"api_key.deleted","actor":{"id":"user_2","email_address":"sec@example.com"},"target":{"id":"key_0","type":"api_key","name":"old-key"},"created_at":"2026-08-03T15:45:00Z"}
`

// newClaudeTestServer walks one export through pending, processing and
// completed across successive polls.
func newClaudeTestServer(t *testing.T, polls *atomic.Int32) *httptest.Server {
	var srv *httptest.Server
	srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "sk-ant-admin-test", r.Header.Get("x-api-key"))

		switch {
		case r.Method == http.MethodPost && strings.HasSuffix(r.URL.Path, "/audit_logs/export"):
			require.Contains(t, r.URL.Path, "org-uuid-1")
			var body map[string]string
			require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
			assert.NotEmpty(t, body["start_time"])
			assert.NotEmpty(t, body["end_time"])
			w.Header().Set("Content-Type", "application/json")
			w.Write([]byte(`{"id": "exp_1", "status": "pending"}`))

		case r.Method == http.MethodGet && strings.Contains(r.URL.Path, "/audit_logs/export/exp_1"):
			n := polls.Add(1)
			w.Header().Set("Content-Type", "application/json")
			switch {
			case n == 1:
				w.Write([]byte(`{"id": "exp_1", "status": "pending"}`))
			case n == 2:
				w.Write([]byte(`{"id": "exp_1", "status": "processing"}`))
			default:
				fmt.Fprintf(w, `{"id": "exp_1", "status": "completed", "download_url": %q}`, srv.URL+"/download/exp_1")
			}

		case r.URL.Path == "/download/exp_1":
			// Pre-signed URL: no auth headers expected here.
			w.Write([]byte(claudeExportBundle))

		default:
			t.Errorf("unexpected claude API call %s %s", r.Method, r.URL.Path)
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	return srv
}

func newClaudeTestConnector(srv *httptest.Server) *ClaudeConnector {
	conn := NewClaudeConnector(NewCaller(srv.Client(), nil))
	conn.BaseURL = srv.URL
	conn.PollBudget = time.Second
	conn.PollInterval = time.Millisecond
	return conn
}

func TestClaudeExportRangeCapRejectedBeforeNetwork(t *testing.T) {
	hits := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
	}))
	defer srv.Close()
	conn := newClaudeTestConnector(srv)

	end := time.Now().UTC()
	_, err := conn.RequestExport(context.Background(), claudeTestCred(), core.ExportRange{
		Start: end.Add(-200 * 24 * time.Hour),
		End:   end,
	})
	require.Error(t, err)
	fe, ok := faults.As(err)
	require.True(t, ok)
	assert.Equal(t, "VALIDATION_FAILED", fe.Code)
	require.Len(t, fe.FieldErrors, 1)
	assert.Contains(t, fe.FieldErrors[0].Message, "180-day")
	assert.Equal(t, 0, hits, "range violations must never reach the platform")

	// Exactly the cap is allowed.
	assert.NoError(t, validateExportRange(core.ExportRange{
		Start: end.Add(-180 * 24 * time.Hour),
		End:   end,
	}))
	// Inverted ranges are rejected too.
	require.Error(t, validateExportRange(core.ExportRange{Start: end, End: end.Add(-time.Hour)}))
}

func TestClaudeExportLifecycle(t *testing.T) {
	var polls atomic.Int32
	srv := newClaudeTestServer(t, &polls)
	defer srv.Close()
	conn := newClaudeTestConnector(srv)
	cred := claudeTestCred()
	ctx := context.Background()

	end := time.Now().UTC()
	handle, err := conn.RequestExport(ctx, cred, core.ExportRange{Start: end.Add(-10 * 24 * time.Hour), End: end})
	require.NoError(t, err)
	assert.Equal(t, "exp_1", handle.ExportID)
	assert.Equal(t, core.ExportPending, handle.Status)

	handle, err = conn.PollExport(ctx, cred, handle)
	require.NoError(t, err)
	assert.Equal(t, core.ExportPending, handle.Status)

	handle, err = conn.PollExport(ctx, cred, handle)
	require.NoError(t, err)
	assert.Equal(t, core.ExportProcessing, handle.Status)

	handle, err = conn.PollExport(ctx, cred, handle)
	require.NoError(t, err)
	assert.Equal(t, core.ExportCompleted, handle.Status)
	require.NotEmpty(t, handle.DownloadURL)

	stream, err := conn.DownloadExport(ctx, cred, handle)
	require.NoError(t, err)
	defer stream.Close()
	bundle, err := io.ReadAll(stream)
	require.NoError(t, err)
	assert.Equal(t, claudeExportBundle, string(bundle))
}

func TestClaudeGetAuditLogsHidesExportMachinery(t *testing.T) {
	var polls atomic.Int32
	srv := newClaudeTestServer(t, &polls)
	defer srv.Close()
	conn := newClaudeTestConnector(srv)
	cred := claudeTestCred()

	page, err := conn.GetAuditLogs(context.Background(), cred, core.AuditQuery{
		Since: time.Now().Add(-10 * 24 * time.Hour),
		Limit: 2,
	})
	require.NoError(t, err)
	require.Len(t, page.Events, 2)
	assert.Equal(t, "al_1", page.Events[0].ID)
	assert.Equal(t, "api_key.created", page.Events[0].Action)
	assert.Equal(t, "admin@example.com", page.Events[0].ActorEmail)
	assert.Equal(t, "al_2", page.Events[1].ID)
	assert.Equal(t, "exp_1:2", page.NextCursor)
	// pending, processing, then completed.
	assert.Equal(t, int32(3), polls.Load())

	// The cursor resumes the finished export at the line offset.
	page, err = conn.GetAuditLogs(context.Background(), cred, core.AuditQuery{
		Cursor: page.NextCursor,
		Limit:  2,
	})
	require.NoError(t, err)
	require.Len(t, page.Events, 1)
	assert.Equal(t, "al_3", page.Events[0].ID)
	assert.Empty(t, page.NextCursor)
}

func TestClaudeResumeCursorCountsMalformedLines(t *testing.T) {
	// A line the platform emits malformed is skipped but still consumed;
	// the resume cursor must move past it or the next page re-delivers
	// events the caller already received.
	const bundle = `{"id":"al_1","action":"api_key.created","actor":{"id":"user_1"},"target":{"id":"key_1","type":"api_key"},"created_at":"2026-08-01T12:00:00Z"}
{"id":"al_x","action":truncated by the export writer
{"id":"al_2","action":"workspace_member.added","actor":{"id":"user_1"},"target":{"id":"user_9","type":"user"},"created_at":"2026-08-02T09:30:00Z"}
{"id":"al_3","action":"api_key.deleted","actor":{"id":"user_2"},"target":{"id":"key_0","type":"api_key"},"created_at":"2026-08-03T15:45:00Z"}
`
	var srv *httptest.Server
	srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch {
		case r.Method == http.MethodPost && strings.HasSuffix(r.URL.Path, "/audit_logs/export"):
			w.Write([]byte(`{"id": "exp_1", "status": "pending"}`))
		case r.Method == http.MethodGet && strings.Contains(r.URL.Path, "/audit_logs/export/exp_1"):
			fmt.Fprintf(w, `{"id": "exp_1", "status": "completed", "download_url": %q}`, srv.URL+"/download/exp_1")
		case r.URL.Path == "/download/exp_1":
			w.Write([]byte(bundle))
		default:
			t.Errorf("unexpected claude API call %s %s", r.Method, r.URL.Path)
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()
	conn := newClaudeTestConnector(srv)
	cred := claudeTestCred()

	page, err := conn.GetAuditLogs(context.Background(), cred, core.AuditQuery{
		Since: time.Now().Add(-10 * 24 * time.Hour),
		Limit: 2,
	})
	require.NoError(t, err)
	require.Len(t, page.Events, 2)
	assert.Equal(t, "al_1", page.Events[0].ID)
	assert.Equal(t, "al_2", page.Events[1].ID)
	// Three lines consumed for two events: the malformed one counts.
	assert.Equal(t, "exp_1:3", page.NextCursor)

	page, err = conn.GetAuditLogs(context.Background(), cred, core.AuditQuery{
		Cursor: page.NextCursor,
		Limit:  2,
	})
	require.NoError(t, err)
	require.Len(t, page.Events, 1)
	assert.Equal(t, "al_3", page.Events[0].ID)
	assert.Empty(t, page.NextCursor)
}

func TestClaudePollBudgetOverrunIsRetryable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if r.Method == http.MethodPost {
			w.Write([]byte(`{"id": "exp_slow", "status": "pending"}`))
			return
		}
		w.Write([]byte(`{"id": "exp_slow", "status": "processing"}`))
	}))
	defer srv.Close()

	conn := newClaudeTestConnector(srv)
	conn.PollBudget = 10 * time.Millisecond

	_, err := conn.GetAuditLogs(context.Background(), claudeTestCred(), core.AuditQuery{
		Since: time.Now().Add(-time.Hour),
	})
	require.Error(t, err)
	fe, ok := faults.As(err)
	require.True(t, ok)
	assert.Equal(t, "PLATFORM_UNAVAILABLE", fe.Code)
	assert.True(t, fe.Retryable())
}

func TestClaudeDiscoverAPIKeys(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.True(t, strings.HasSuffix(r.URL.Path, "/organizations/api_keys"))
		w.Header().Set("Content-Type", "application/json")
		if r.URL.Query().Get("after_id") == "key_2" {
			w.Write([]byte(`{"data": [], "has_more": false, "last_id": ""}`))
			return
		}
		w.Write([]byte(`{
			"data": [
				{"id": "key_1", "name": "ci-pipeline", "workspace_id": "wrkspc_1", "status": "active", "partial_key_hint": "sk-ant-...Xy2", "created_at": "2026-07-01T08:00:00Z", "created_by": {"id": "user_1", "type": "user"}},
				{"id": "key_2", "name": "support-bot", "workspace_id": "wrkspc_2", "status": "active", "partial_key_hint": "sk-ant-...Qq9", "created_at": "2026-07-15T10:00:00Z", "created_by": {"id": "user_2", "type": "user"}}
			],
			"has_more": true,
			"last_id": "key_2"
		}`))
	}))
	defer srv.Close()
	conn := newClaudeTestConnector(srv)

	page, err := conn.DiscoverAutomations(context.Background(), claudeTestCred(), "")
	require.NoError(t, err)
	require.Len(t, page.Items, 2)
	assert.Equal(t, "key_1", page.Items[0].ExternalID)
	assert.Equal(t, "ci-pipeline", page.Items[0].Name)
	assert.Equal(t, core.AutomationIntegration, page.Items[0].Kind)
	assert.Equal(t, "api_keys", page.Items[0].Source)
	assert.Equal(t, "wrkspc_1", page.Items[0].PlatformMetadata["workspaceId"])
	assert.Equal(t, "key_2", page.NextCursor)

	page, err = conn.DiscoverAutomations(context.Background(), claudeTestCred(), "key_2")
	require.NoError(t, err)
	assert.Empty(t, page.Items)
	assert.Empty(t, page.NextCursor)
}

type bundleSink struct {
	keys    []string
	bodies  []string
	failure error
}

func (b *bundleSink) Archive(_ context.Context, orgID, connID, exportID string, body io.Reader) error {
	if b.failure != nil {
		return b.failure
	}
	data, _ := io.ReadAll(body)
	b.keys = append(b.keys, orgID+"/"+connID+"/"+exportID)
	b.bodies = append(b.bodies, string(data))
	return nil
}

func TestClaudeArchivesBundleOnFirstPage(t *testing.T) {
	var polls atomic.Int32
	srv := newClaudeTestServer(t, &polls)
	defer srv.Close()
	conn := newClaudeTestConnector(srv)
	sink := &bundleSink{}
	conn.Archiver = sink

	page, err := conn.GetAuditLogs(context.Background(), claudeTestCred(), core.AuditQuery{
		Since: time.Now().Add(-10 * 24 * time.Hour),
		Limit: 2,
	})
	require.NoError(t, err)
	require.Len(t, sink.keys, 1)
	assert.Equal(t, "org-1/conn-claude/exp_1", sink.keys[0])
	assert.Equal(t, claudeExportBundle, sink.bodies[0])

	// Later pages re-download but never re-archive.
	_, err = conn.GetAuditLogs(context.Background(), claudeTestCred(), core.AuditQuery{
		Cursor: page.NextCursor,
		Limit:  2,
	})
	require.NoError(t, err)
	assert.Len(t, sink.keys, 1)
}

func TestClaudeArchiveFailureIsWarnOnly(t *testing.T) {
	var polls atomic.Int32
	srv := newClaudeTestServer(t, &polls)
	defer srv.Close()
	conn := newClaudeTestConnector(srv)
	conn.Archiver = &bundleSink{failure: fmt.Errorf("bucket offline")}

	page, err := conn.GetAuditLogs(context.Background(), claudeTestCred(), core.AuditQuery{
		Since: time.Now().Add(-10 * 24 * time.Hour),
		Limit: 2,
	})
	require.NoError(t, err)
	assert.Len(t, page.Events, 2)
}

func TestParseClaudeCursor(t *testing.T) {
	id, offset, err := parseClaudeCursor("exp_1:42")
	require.NoError(t, err)
	assert.Equal(t, "exp_1", id)
	assert.Equal(t, 42, offset)

	_, _, err = parseClaudeCursor("garbage")
	require.Error(t, err)
	_, _, err = parseClaudeCursor("exp_1:notanumber")
	require.Error(t, err)
	_, _, err = parseClaudeCursor(":-1")
	require.Error(t, err)
}
