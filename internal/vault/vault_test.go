package vault

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/umbrix/backend/internal/audit"
	"github.com/umbrix/backend/internal/core"
	"github.com/umbrix/backend/internal/crypto"
	"github.com/umbrix/backend/internal/faults"
)

const testMasterKey = "0123456789abcdef0123456789abcdef"

func newTestVault(t *testing.T) (*Vault, *MemoryStore, *audit.Trail) {
	t.Helper()
	cipher, err := crypto.NewCipher(testMasterKey)
	require.NoError(t, err)

	store := NewMemoryStore()
	trail := audit.NewTrail(audit.TrailConfig{Store: audit.NewInMemoryStore()})

	v, err := New(Config{Cipher: cipher, Backing: store, Trail: trail})
	require.NoError(t, err)
	return v, store, trail
}

func testCredential(expiresAt time.Time) *core.Credential {
	return &core.Credential{
		ConnectionID:   "conn-1",
		OrganizationID: "org-1",
		Platform:       core.PlatformGoogle,
		AccessToken:    "ya29.secret-access-token",
		RefreshToken:   "1//refresh-token",
		TokenType:      "Bearer",
		Scopes:         []string{"https://www.googleapis.com/auth/admin.directory.user.security"},
		IssuedAt:       time.Now().Add(-time.Hour),
		ExpiresAt:      expiresAt,
		PlatformData: core.PlatformData{
			Kind:   core.PlatformGoogle,
			Google: &core.GoogleConnectionData{CustomerID: "C0123", Domain: "example.com"},
		},
	}
}

func TestStoreRetrieveRoundTrip(t *testing.T) {
	v, store, _ := newTestVault(t)
	ctx := context.Background()

	expiry := time.Now().Add(2 * time.Hour)
	require.NoError(t, v.Store(ctx, testCredential(expiry)))

	got, err := v.Retrieve(ctx, "org-1", "conn-1")
	require.NoError(t, err)
	assert.Equal(t, "ya29.secret-access-token", got.AccessToken)
	assert.Equal(t, "1//refresh-token", got.RefreshToken)
	assert.Equal(t, core.PlatformGoogle, got.Platform)
	require.NotNil(t, got.PlatformData.Google)
	assert.Equal(t, "C0123", got.PlatformData.Google.CustomerID)
	// Expiry survives with millisecond precision.
	assert.Equal(t, expiry.UnixMilli(), got.ExpiresAt.UnixMilli())

	// The at-rest record never contains the token.
	rec, err := store.Load(ctx, "org-1", "conn-1")
	require.NoError(t, err)
	assert.NotContains(t, string(rec.Ciphertext), "ya29.secret-access-token")
	raw, err := json.Marshal(rec)
	require.NoError(t, err)
	assert.NotContains(t, string(raw), "ya29.secret-access-token")
}

func TestRetrieveUnknownConnection(t *testing.T) {
	v, _, _ := newTestVault(t)

	_, err := v.Retrieve(context.Background(), "org-1", "conn-missing")
	require.Error(t, err)
	f, ok := faults.As(err)
	require.True(t, ok)
	assert.Equal(t, "CREDENTIAL_NOT_FOUND", f.Code)
}

func TestTamperedCiphertextQuarantines(t *testing.T) {
	v, store, trail := newTestVault(t)
	ctx := context.Background()

	require.NoError(t, v.Store(ctx, testCredential(time.Now().Add(time.Hour))))

	// Flip a ciphertext byte behind the vault's back.
	rec := store.records[recordKey("org-1", "conn-1")]
	rec.Ciphertext[len(rec.Ciphertext)-1] ^= 0xFF

	_, err := v.Retrieve(ctx, "org-1", "conn-1")
	require.Error(t, err)
	f, ok := faults.As(err)
	require.True(t, ok)
	assert.Equal(t, "CREDENTIAL_INTEGRITY_FAILURE", f.Code)

	// The record is now quarantined; later reads fail without touching the
	// ciphertext again.
	_, err = v.Retrieve(ctx, "org-1", "conn-1")
	require.Error(t, err)
	f, ok = faults.As(err)
	require.True(t, ok)
	assert.Equal(t, "CREDENTIAL_INTEGRITY_FAILURE", f.Code)

	// Both security events made the trail.
	history, err := trail.GetResourceHistory(ctx, "org-1", "conn-1")
	require.NoError(t, err)
	var sawIntegrity, sawQuarantine bool
	for _, ev := range history {
		switch ev.Type {
		case audit.EventIntegrityFailure:
			sawIntegrity = true
		case audit.EventCredentialQuarantine:
			sawQuarantine = true
		}
	}
	assert.True(t, sawIntegrity)
	assert.True(t, sawQuarantine)
}

func TestSwappedRecordDetected(t *testing.T) {
	v, store, _ := newTestVault(t)
	ctx := context.Background()

	credA := testCredential(time.Now().Add(time.Hour))
	require.NoError(t, v.Store(ctx, credA))

	credB := testCredential(time.Now().Add(time.Hour))
	credB.ConnectionID = "conn-2"
	credB.AccessToken = "other-token"
	require.NoError(t, v.Store(ctx, credB))

	// Graft conn-2's ciphertext and hash onto conn-1's record. The hash
	// binds to the connection id, so the graft must not verify.
	recB := store.records[recordKey("org-1", "conn-2")]
	recA := store.records[recordKey("org-1", "conn-1")]
	recA.Ciphertext = recB.Ciphertext
	recA.IntegrityHash = recB.IntegrityHash

	_, err := v.Retrieve(ctx, "org-1", "conn-1")
	require.Error(t, err)
	f, ok := faults.As(err)
	require.True(t, ok)
	assert.Equal(t, "CREDENTIAL_INTEGRITY_FAILURE", f.Code)
}

func TestValidateAndRefreshSkipsFreshCredential(t *testing.T) {
	v, _, _ := newTestVault(t)
	ctx := context.Background()

	var calls int32
	v.RegisterRefresher(core.PlatformGoogle, func(ctx context.Context, cred *core.Credential) (*core.Credential, error) {
		atomic.AddInt32(&calls, 1)
		return cred, nil
	})

	require.NoError(t, v.Store(ctx, testCredential(time.Now().Add(2*time.Hour))))

	got, err := v.ValidateAndRefresh(ctx, "org-1", "conn-1")
	require.NoError(t, err)
	assert.Equal(t, "ya29.secret-access-token", got.AccessToken)
	assert.Zero(t, atomic.LoadInt32(&calls))
}

func TestValidateAndRefreshSingleFlight(t *testing.T) {
	v, _, _ := newTestVault(t)
	ctx := context.Background()

	var calls int32
	v.RegisterRefresher(core.PlatformGoogle, func(ctx context.Context, cred *core.Credential) (*core.Credential, error) {
		atomic.AddInt32(&calls, 1)
		time.Sleep(20 * time.Millisecond)
		fresh := *cred
		fresh.AccessToken = "ya29.refreshed-token"
		fresh.ExpiresAt = time.Now().Add(time.Hour)
		return &fresh, nil
	})

	// Expires inside the refresh buffer.
	require.NoError(t, v.Store(ctx, testCredential(time.Now().Add(time.Minute))))

	var wg sync.WaitGroup
	results := make([]*core.Credential, 8)
	errs := make([]error, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = v.ValidateAndRefresh(ctx, "org-1", "conn-1")
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
	for i := range results {
		require.NoError(t, errs[i])
		assert.Equal(t, "ya29.refreshed-token", results[i].AccessToken)
	}
}

func TestRefreshKeepsOldRefreshToken(t *testing.T) {
	v, _, _ := newTestVault(t)
	ctx := context.Background()

	v.RegisterRefresher(core.PlatformGoogle, func(ctx context.Context, cred *core.Credential) (*core.Credential, error) {
		// Google-style response: new access token, refresh token omitted.
		return &core.Credential{
			AccessToken: "ya29.renewed",
			TokenType:   "Bearer",
			ExpiresAt:   time.Now().Add(time.Hour),
		}, nil
	})

	require.NoError(t, v.Store(ctx, testCredential(time.Now().Add(time.Minute))))

	got, err := v.ValidateAndRefresh(ctx, "org-1", "conn-1")
	require.NoError(t, err)
	assert.Equal(t, "ya29.renewed", got.AccessToken)
	assert.Equal(t, "1//refresh-token", got.RefreshToken)
	require.NotNil(t, got.PlatformData.Google)
}

func TestExpiredSlackTokenIsPermanent(t *testing.T) {
	v, _, _ := newTestVault(t)
	ctx := context.Background()

	cred := &core.Credential{
		ConnectionID:   "conn-slack",
		OrganizationID: "org-1",
		Platform:       core.PlatformSlack,
		AccessToken:    "xoxb-expired",
		ExpiresAt:      time.Now().Add(-time.Minute),
		PlatformData: core.PlatformData{
			Kind:  core.PlatformSlack,
			Slack: &core.SlackConnectionData{TeamID: "T012"},
		},
	}
	require.NoError(t, v.Store(ctx, cred))

	_, err := v.ValidateAndRefresh(ctx, "org-1", "conn-slack")
	require.Error(t, err)
	f, ok := faults.As(err)
	require.True(t, ok)
	assert.Equal(t, "CREDENTIALS_EXPIRED", f.Code)
	assert.Equal(t, 401, f.StatusCode)
}

func TestRevoke(t *testing.T) {
	v, _, _ := newTestVault(t)
	ctx := context.Background()

	require.NoError(t, v.Store(ctx, testCredential(time.Now().Add(time.Hour))))
	require.NoError(t, v.Revoke(ctx, "org-1", "conn-1"))

	_, err := v.Retrieve(ctx, "org-1", "conn-1")
	require.Error(t, err)

	// Revoking twice reports the same absence.
	err = v.Revoke(ctx, "org-1", "conn-1")
	require.Error(t, err)
	f, ok := faults.As(err)
	require.True(t, ok)
	assert.Equal(t, "CREDENTIAL_NOT_FOUND", f.Code)
}

func TestCheckExpiration(t *testing.T) {
	v, _, _ := newTestVault(t)
	ctx := context.Background()

	soon := testCredential(time.Now().Add(2 * time.Hour))
	require.NoError(t, v.Store(ctx, soon))

	later := testCredential(time.Now().Add(12 * time.Hour))
	later.ConnectionID = "conn-later"
	require.NoError(t, v.Store(ctx, later))

	far := testCredential(time.Now().Add(30 * 24 * time.Hour))
	far.ConnectionID = "conn-far"
	require.NoError(t, v.Store(ctx, far))

	forever := testCredential(time.Time{})
	forever.ConnectionID = "conn-forever"
	require.NoError(t, v.Store(ctx, forever))

	notices, err := v.CheckExpiration(ctx)
	require.NoError(t, err)
	require.Len(t, notices, 2)
	assert.Equal(t, "conn-1", notices[0].ConnectionID)
	assert.Equal(t, "conn-later", notices[1].ConnectionID)
	assert.Greater(t, notices[0].ExpiresIn, time.Duration(0))
}

func TestGetUsageStats(t *testing.T) {
	v, store, _ := newTestVault(t)
	ctx := context.Background()

	require.NoError(t, v.Store(ctx, testCredential(time.Now().Add(time.Hour))))

	slack := testCredential(time.Time{})
	slack.ConnectionID = "conn-slack"
	slack.Platform = core.PlatformSlack
	require.NoError(t, v.Store(ctx, slack))

	require.NoError(t, store.SetStatus(ctx, "org-1", "conn-slack", StatusQuarantined, "test"))

	// Another org's record stays invisible.
	other := testCredential(time.Now().Add(time.Hour))
	other.OrganizationID = "org-2"
	other.ConnectionID = "conn-other"
	require.NoError(t, v.Store(ctx, other))

	stats, err := v.GetUsageStats(ctx, "org-1")
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Total)
	assert.Equal(t, 1, stats.Active)
	assert.Equal(t, 1, stats.Quarantined)
	assert.Equal(t, 1, stats.ExpiringSoon)
	assert.Equal(t, 1, stats.NonExpiring)
	assert.Equal(t, 1, stats.ByPlatform[core.PlatformGoogle])
	assert.Equal(t, 1, stats.ByPlatform[core.PlatformSlack])
}

func TestCoerceExpiry(t *testing.T) {
	ref := time.Date(2026, 3, 15, 10, 30, 0, 0, time.UTC)

	cases := []struct {
		name  string
		in    interface{}
		want  time.Time
		isErr bool
	}{
		{"nil", nil, time.Time{}, false},
		{"time value", ref, ref, false},
		{"epoch seconds", float64(ref.Unix()), ref, false},
		{"epoch millis", float64(ref.UnixMilli()), ref, false},
		{"epoch millis int", ref.UnixMilli(), ref, false},
		{"iso8601", ref.Format(time.RFC3339), ref, false},
		{"iso8601 nano", ref.Format(time.RFC3339Nano), ref, false},
		{"numeric string seconds", "1773916200", time.Unix(1773916200, 0), false},
		{"empty string", "", time.Time{}, false},
		{"garbage string", "next Tuesday", time.Time{}, true},
		{"bool", true, time.Time{}, true},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := CoerceExpiry(tc.in)
			if tc.isErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.want.UnixMilli(), got.UnixMilli())
		})
	}
}

func BenchmarkStoreRetrieve(b *testing.B) {
	cipher, _ := crypto.NewCipher(testMasterKey)
	v, _ := New(Config{Cipher: cipher, Backing: NewMemoryStore()})
	ctx := context.Background()
	_ = v.Store(ctx, testCredential(time.Now().Add(time.Hour)))

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := v.Retrieve(ctx, "org-1", "conn-1"); err != nil {
			b.Fatal(err)
		}
	}
}
