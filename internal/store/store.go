// Package store provides the tenant document store backends.
package store

import (
	"context"
	"fmt"
	"io"

	"github.com/signagehq/voicerelay/internal/config"
	"github.com/signagehq/voicerelay/internal/tenant"
)

// Store is a closable tenant.Store.
type Store interface {
	tenant.Store
	io.Closer
}

var (
	_ Store = (*SQLiteStore)(nil)
	_ Store = (*MongoStore)(nil)
	_ Store = (*SupabaseStore)(nil)
)

// Open creates the backend selected by cfg.TenantStore.
func Open(ctx context.Context, cfg *config.Config) (Store, error) {
	switch cfg.TenantStore {
	case "sqlite", "":
		return NewSQLiteStore(cfg.SQLiteDSN)
	case "mongo":
		return NewMongoStore(ctx, cfg.MongoURI, cfg.MongoDatabase)
	case "supabase":
		return NewSupabaseStore(cfg.SupabaseURL, cfg.SupabaseKey)
	default:
		return nil, fmt.Errorf("unsupported tenant store: %s", cfg.TenantStore)
	}
}
