package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	_ "github.com/mattn/go-sqlite3"

	"github.com/signagehq/voicerelay/internal/tenant"
)

// SQLiteStore keeps tenant documents as JSON in SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (and migrates) a SQLite store.
func NewSQLiteStore(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// One connection keeps ":memory:" databases coherent.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	store := &SQLiteStore{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

// migrate runs database migrations.
func (s *SQLiteStore) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS tenants (
			tenant_id TEXT PRIMARY KEY,
			doc TEXT NOT NULL,
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS tenant_screens (
			screen_id TEXT PRIMARY KEY,
			tenant_id TEXT NOT NULL,
			position INTEGER NOT NULL DEFAULT 0,
			doc TEXT NOT NULL,
			FOREIGN KEY (tenant_id) REFERENCES tenants(tenant_id) ON DELETE CASCADE
		)`,
		`CREATE INDEX IF NOT EXISTS idx_screens_tenant ON tenant_screens(tenant_id, position)`,
	}

	for _, m := range migrations {
		if _, err := s.db.Exec(m); err != nil {
			return fmt.Errorf("migration failed: %w\n%s", err, m)
		}
	}

	return nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// PutTenant inserts or replaces a tenant record.
func (s *SQLiteStore) PutTenant(ctx context.Context, tenantID string, doc tenant.Document) error {
	data, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("failed to encode tenant: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO tenants (tenant_id, doc) VALUES (?, ?)
		 ON CONFLICT(tenant_id) DO UPDATE SET doc = excluded.doc, updated_at = CURRENT_TIMESTAMP`,
		tenantID, string(data))
	return err
}

// PutScreen inserts or replaces one screen (with its posts) of a tenant. A
// nil doc is stored as an empty screen.
func (s *SQLiteStore) PutScreen(ctx context.Context, tenantID, screenID string, position int, doc tenant.Document) error {
	if doc == nil {
		doc = tenant.Document{}
	}
	data, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("failed to encode screen: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO tenant_screens (screen_id, tenant_id, position, doc) VALUES (?, ?, ?, ?)
		 ON CONFLICT(screen_id) DO UPDATE SET tenant_id = excluded.tenant_id, position = excluded.position, doc = excluded.doc`,
		screenID, tenantID, position, string(data))
	return err
}

// GetTenant implements tenant.Store.
func (s *SQLiteStore) GetTenant(ctx context.Context, tenantID string) (tenant.Document, error) {
	var raw string
	err := s.db.QueryRowContext(ctx,
		`SELECT doc FROM tenants WHERE tenant_id = ?`, tenantID).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, tenant.ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	var doc tenant.Document
	if err := json.Unmarshal([]byte(raw), &doc); err != nil {
		return nil, fmt.Errorf("failed to decode tenant %s: %w", tenantID, err)
	}
	if doc == nil {
		return nil, tenant.ErrNotFound
	}
	return doc, nil
}

// ListContent implements tenant.Store.
func (s *SQLiteStore) ListContent(ctx context.Context, tenantID string) ([]tenant.Document, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT screen_id, doc FROM tenant_screens WHERE tenant_id = ? ORDER BY position, screen_id`, tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var screens []tenant.Document
	for rows.Next() {
		var id, raw string
		if err := rows.Scan(&id, &raw); err != nil {
			return nil, err
		}
		var doc tenant.Document
		if err := json.Unmarshal([]byte(raw), &doc); err != nil {
			return nil, fmt.Errorf("failed to decode screen %s: %w", id, err)
		}
		if doc == nil {
			// stored as JSON null
			continue
		}
		if _, ok := doc["id"]; !ok {
			doc["id"] = id
		}
		screens = append(screens, doc)
	}
	return screens, rows.Err()
}
