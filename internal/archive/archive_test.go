package archive

import (
	"context"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryStore_RoundTrip(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	body := `{"id":"evt-1","action":"message.create"}` + "\n"
	require.NoError(t, s.Archive(ctx, "org-1", "conn-1", "exp-1", strings.NewReader(body)))

	rc, err := s.Open(ctx, "org-1", "conn-1", "exp-1")
	require.NoError(t, err)
	defer rc.Close()
	got, err := io.ReadAll(rc)
	require.NoError(t, err)
	assert.Equal(t, body, string(got))
}

func TestMemoryStore_MissingBundleIsNotFound(t *testing.T) {
	s := NewMemoryStore()
	_, err := s.Open(context.Background(), "org-1", "conn-1", "nope")
	require.Error(t, err)
}

func TestMemoryStore_ListIsScopedToConnection(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	require.NoError(t, s.Archive(ctx, "org-1", "conn-1", "exp-1", strings.NewReader("a")))
	require.NoError(t, s.Archive(ctx, "org-1", "conn-1", "exp-2", strings.NewReader("bb")))
	require.NoError(t, s.Archive(ctx, "org-1", "conn-2", "exp-3", strings.NewReader("c")))
	require.NoError(t, s.Archive(ctx, "org-2", "conn-1", "exp-1", strings.NewReader("d")))

	entries, err := s.List(ctx, "org-1", "conn-1")
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "org-1/conn-1/exp-1", entries[0].Key)
	assert.Equal(t, "exp-2", entries[1].ExportID)
	assert.Equal(t, int64(2), entries[1].Size)
}
