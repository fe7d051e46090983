// Package archive retains raw export bundles in object storage, keyed
// org/connection/exportId, so a bundle can be audited or reprocessed after
// the run that fetched it. Archiving is best-effort: discovery never fails
// because the archive does.
package archive

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sort"
	"sync"
	"time"

	"github.com/umbrix/backend/internal/faults"
)

// Entry describes one stored bundle.
type Entry struct {
	Key        string    `json:"key"`
	ExportID   string    `json:"exportId"`
	Size       int64     `json:"size"`
	ArchivedAt time.Time `json:"archivedAt"`
}

// Store is the archive surface. Keys never cross tenants: every method is
// scoped by organization id and lists only under that prefix.
type Store interface {
	Archive(ctx context.Context, organizationID, connectionID, exportID string, body io.Reader) error
	Open(ctx context.Context, organizationID, connectionID, exportID string) (io.ReadCloser, error)
	List(ctx context.Context, organizationID, connectionID string) ([]Entry, error)
}

func objectKey(organizationID, connectionID, exportID string) string {
	return fmt.Sprintf("%s/%s/%s", organizationID, connectionID, exportID)
}

// MemoryStore keeps bundles in process memory. Dev and test backing.
type MemoryStore struct {
	mu      sync.RWMutex
	objects map[string][]byte
	stamps  map[string]time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		objects: make(map[string][]byte),
		stamps:  make(map[string]time.Time),
	}
}

func (m *MemoryStore) Archive(_ context.Context, organizationID, connectionID, exportID string, body io.Reader) error {
	data, err := io.ReadAll(body)
	if err != nil {
		return err
	}
	key := objectKey(organizationID, connectionID, exportID)
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[key] = data
	m.stamps[key] = time.Now().UTC()
	return nil
}

func (m *MemoryStore) Open(_ context.Context, organizationID, connectionID, exportID string) (io.ReadCloser, error) {
	key := objectKey(organizationID, connectionID, exportID)
	m.mu.RLock()
	data, ok := m.objects[key]
	m.mu.RUnlock()
	if !ok {
		return nil, faults.NotFound("export bundle")
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (m *MemoryStore) List(_ context.Context, organizationID, connectionID string) ([]Entry, error) {
	prefix := organizationID + "/" + connectionID + "/"
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []Entry
	for key, data := range m.objects {
		if len(key) > len(prefix) && key[:len(prefix)] == prefix {
			out = append(out, Entry{
				Key:        key,
				ExportID:   key[len(prefix):],
				Size:       int64(len(data)),
				ArchivedAt: m.stamps[key],
			})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}
