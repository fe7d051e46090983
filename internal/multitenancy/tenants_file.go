package multitenancy

import (
	"context"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v2"

	"github.com/umbrix/backend/internal/core"
)

// TenantsFile is the on-disk tenant registry used when no external identity
// provider backs the organization store. Secrets never appear in the file;
// api_keys carry the bcrypt hash of the secret half only.
type TenantsFile struct {
	Organizations []TenantEntry `yaml:"organizations"`
}

type TenantEntry struct {
	ID      string           `yaml:"id"`
	Name    string           `yaml:"name"`
	Plan    string           `yaml:"plan"`
	Status  string           `yaml:"status"`
	APIKeys []TenantKeyEntry `yaml:"api_keys"`
}

type TenantKeyEntry struct {
	KeyID      string   `yaml:"key_id"`
	Name       string   `yaml:"name"`
	SecretHash string   `yaml:"secret_hash"`
	Scopes     []string `yaml:"scopes"`
}

// LoadTenantsFile populates an in-memory organization store from a YAML
// registry. Entries with no status default to active.
func LoadTenantsFile(path string) (*InMemoryOrganizationStore, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read tenants file: %w", err)
	}
	var file TenantsFile
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return nil, fmt.Errorf("parse tenants file: %w", err)
	}

	store := NewInMemoryOrganizationStore()
	for _, entry := range file.Organizations {
		if entry.ID == "" {
			return nil, fmt.Errorf("tenants file: organization without an id")
		}
		status := core.OrgStatus(strings.ToUpper(entry.Status))
		if status == "" {
			status = core.OrgActive
		}
		store.PutOrganization(&core.Organization{
			ID:     entry.ID,
			Name:   entry.Name,
			Plan:   entry.Plan,
			Status: status,
		})
		for _, key := range entry.APIKeys {
			if key.KeyID == "" || key.SecretHash == "" {
				return nil, fmt.Errorf("tenants file: organization %s has an api key without key_id or secret_hash", entry.ID)
			}
			if err := store.CreateAPIKey(context.Background(), &core.APIKey{
				KeyID:          key.KeyID,
				OrganizationID: entry.ID,
				Name:           key.Name,
				SecretHash:     key.SecretHash,
				Scopes:         key.Scopes,
				Active:         true,
			}); err != nil {
				return nil, err
			}
		}
	}
	return store, nil
}
