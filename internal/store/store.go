// © 2025 Ilya Mateyko. All rights reserved.
// Use of this source code is governed by the ISC
// license that can be found in the LICENSE.md file.

// Package store implements a key-value store with in-memory, JSON file,
// SQLite and PostgreSQL backends.
package store

import (
	"context"
	"strings"
	"time"
)

// Store is a generic interface for a key-value store.
type Store interface {
	// Get retrieves a value for a given key.
	// It must return (nil, nil) if the key is not found.
	Get(ctx context.Context, key string) ([]byte, error)
	// Set stores a value for a given key.
	Set(ctx context.Context, key string, value []byte) error
	// Close closes the store and releases any resources.
	Close() error
}

// Open opens a store identified by the DSN. The following forms are
// understood:
//
//   - "mem": in-memory store
//   - "postgres://..." (or "postgresql://..."): PostgreSQL database
//   - a path ending in ".json": JSON file store
//   - everything else: SQLite database path
//
// If ttl is zero or negative, entries never expire.
func Open(ctx context.Context, dsn string, ttl time.Duration) (Store, error) {
	switch {
	case dsn == "mem":
		return NewMemStore(ctx, ttl), nil
	case strings.HasPrefix(dsn, "postgres://"), strings.HasPrefix(dsn, "postgresql://"):
		return NewPostgresStore(ctx, dsn, ttl)
	case strings.HasSuffix(dsn, ".json"):
		return NewJSONFile(ctx, dsn, ttl)
	}
	return NewSQLiteStore(ctx, dsn, ttl)
}
