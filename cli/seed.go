package main

import (
	"context"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/signagehq/voicerelay/internal/store"
	"github.com/signagehq/voicerelay/internal/tenant"
)

// Fixture is a YAML file of tenants to load into the sqlite store.
type Fixture struct {
	Tenants []TenantFixture `yaml:"tenants"`
}

// TenantFixture is one tenant record plus its screens.
type TenantFixture struct {
	ID      string           `yaml:"id"`
	Profile map[string]any   `yaml:"profile"`
	Screens []map[string]any `yaml:"screens"`
}

// LoadFixture reads and validates a fixture file.
func LoadFixture(path string) (*Fixture, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read fixture: %w", err)
	}

	var f Fixture
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse fixture: %w", err)
	}
	for i, t := range f.Tenants {
		if t.ID == "" {
			return nil, fmt.Errorf("tenant %d: id is required", i)
		}
	}
	return &f, nil
}

// Seed writes every tenant and screen of f into s. Screens without an id get
// one derived from the tenant id and position.
func Seed(ctx context.Context, s *store.SQLiteStore, f *Fixture) (tenants, screens int, err error) {
	for _, t := range f.Tenants {
		profile := tenant.Document(t.Profile)
		if profile == nil {
			profile = tenant.Document{}
		}
		if err := s.PutTenant(ctx, t.ID, profile); err != nil {
			return tenants, screens, fmt.Errorf("tenant %s: %w", t.ID, err)
		}
		tenants++

		for pos, screen := range t.Screens {
			id, _ := screen["id"].(string)
			if id == "" {
				id = fmt.Sprintf("%s-screen-%d", t.ID, pos+1)
			}
			if err := s.PutScreen(ctx, t.ID, id, pos, tenant.Document(screen)); err != nil {
				return tenants, screens, fmt.Errorf("tenant %s screen %s: %w", t.ID, id, err)
			}
			screens++
		}
	}
	return tenants, screens, nil
}
