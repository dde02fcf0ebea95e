package store

import (
	"context"
	"fmt"
	"sort"

	"github.com/supabase-community/supabase-go"

	"github.com/signagehq/voicerelay/internal/tenant"
)

// supabaseRow is a row of the organizations or screens table, whose jsonb
// "doc" column holds the document.
type supabaseRow struct {
	ID       string          `json:"id"`
	OrgID    string          `json:"org_id,omitempty"`
	Position int             `json:"position,omitempty"`
	Doc      tenant.Document `json:"doc"`
}

// SupabaseStore reads tenant documents through the Supabase REST API.
type SupabaseStore struct {
	client *supabase.Client
}

// NewSupabaseStore creates a new Supabase-backed store.
func NewSupabaseStore(url, apiKey string) (*SupabaseStore, error) {
	if url == "" {
		return nil, fmt.Errorf("supabase URL is required")
	}
	if apiKey == "" {
		return nil, fmt.Errorf("supabase API key is required")
	}

	client, err := supabase.NewClient(url, apiKey, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create supabase client: %w", err)
	}
	return &SupabaseStore{client: client}, nil
}

// GetTenant implements tenant.Store. postgrest-go requests take no context,
// so ctx is only checked before the request is sent.
func (s *SupabaseStore) GetTenant(ctx context.Context, tenantID string) (tenant.Document, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var rows []supabaseRow
	_, err := s.client.From("organizations").
		Select("id,doc", "", false).
		Eq("id", tenantID).
		ExecuteTo(&rows)
	if err != nil {
		return nil, fmt.Errorf("failed to get organization: %w", err)
	}
	if len(rows) == 0 || rows[0].Doc == nil {
		return nil, tenant.ErrNotFound
	}
	return rows[0].Doc, nil
}

// ListContent implements tenant.Store. Like GetTenant it can only observe
// cancellation before the request.
func (s *SupabaseStore) ListContent(ctx context.Context, tenantID string) ([]tenant.Document, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var rows []supabaseRow
	_, err := s.client.From("screens").
		Select("id,org_id,position,doc", "", false).
		Eq("org_id", tenantID).
		ExecuteTo(&rows)
	if err != nil {
		return nil, fmt.Errorf("failed to get screens: %w", err)
	}
	return screensFromRows(rows), nil
}

// Close implements io.Closer. The REST client holds no connections.
func (s *SupabaseStore) Close() error {
	return nil
}

func screensFromRows(rows []supabaseRow) []tenant.Document {
	sort.SliceStable(rows, func(i, j int) bool {
		return rows[i].Position < rows[j].Position
	})
	screens := make([]tenant.Document, 0, len(rows))
	for _, r := range rows {
		if r.Doc == nil {
			continue
		}
		if _, ok := r.Doc["id"]; !ok {
			r.Doc["id"] = r.ID
		}
		screens = append(screens, r.Doc)
	}
	return screens
}
