package store

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/signagehq/voicerelay/internal/config"
	"github.com/signagehq/voicerelay/internal/tenant"
)

func TestOpenSelectsBackend(t *testing.T) {
	ctx := context.Background()

	s, err := Open(ctx, &config.Config{TenantStore: "sqlite", SQLiteDSN: ":memory:"})
	require.NoError(t, err)
	assert.IsType(t, &SQLiteStore{}, s)
	require.NoError(t, s.Close())

	_, err = Open(ctx, &config.Config{TenantStore: "supabase"})
	assert.Error(t, err)

	_, err = Open(ctx, &config.Config{TenantStore: "mongo"})
	assert.Error(t, err)

	_, err = Open(ctx, &config.Config{TenantStore: "firestore"})
	assert.Error(t, err)
}

func TestScreensFromRows(t *testing.T) {
	rows := []supabaseRow{
		{ID: "b", Position: 2, Doc: tenant.Document{"name": "Disken"}},
		{ID: "x", Position: 0},
		{ID: "a", Position: 1, Doc: tenant.Document{"name": "Entrén"}},
	}

	screens := screensFromRows(rows)
	require.Len(t, screens, 2)
	assert.Equal(t, "Entrén", screens[0]["name"])
	assert.Equal(t, "a", screens[0]["id"])
	assert.Equal(t, "Disken", screens[1]["name"])
}

func TestSupabaseStoreHonorsCancelledContext(t *testing.T) {
	s, err := NewSupabaseStore("http://127.0.0.1:1", "anon-key")
	require.NoError(t, err)
	defer s.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err = s.GetTenant(ctx, "org-1")
	assert.ErrorIs(t, err, context.Canceled)

	_, err = s.ListContent(ctx, "org-1")
	assert.ErrorIs(t, err, context.Canceled)
}
