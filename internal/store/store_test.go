// © 2025 Ilya Mateyko. All rights reserved.
// Use of this source code is governed by the ISC
// license that can be found in the LICENSE.md file.

package store

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"go.astrophena.name/hexbot/internal/testutil"
)

func TestMemStore(t *testing.T) {
	s := NewMemStore(t.Context(), 0)
	testStore(t, s)
}

func TestMemStoreTTL(t *testing.T) {
	s := NewMemStore(t.Context(), 50*time.Millisecond)

	ctx := context.Background()
	if err := s.Set(ctx, "key", []byte("value")); err != nil {
		t.Fatal(err)
	}
	time.Sleep(100 * time.Millisecond)

	v, err := s.Get(ctx, "key")
	if err != nil {
		t.Fatal(err)
	}
	if v != nil {
		t.Errorf("got %q, want expired entry", v)
	}
}

func TestJSONFile(t *testing.T) {
	s, err := NewJSONFile(t.Context(), filepath.Join(t.TempDir(), "store.json"), 0)
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()
	testStore(t, s)
}

func TestJSONFilePersists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "store.json")
	ctx := context.Background()

	s, err := NewJSONFile(t.Context(), path, 0)
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Set(ctx, "key", []byte("value")); err != nil {
		t.Fatal(err)
	}
	if err := s.Close(); err != nil {
		t.Fatal(err)
	}

	s, err = NewJSONFile(t.Context(), path, 0)
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	v, err := s.Get(ctx, "key")
	if err != nil {
		t.Fatal(err)
	}
	testutil.AssertEqual(t, string(v), "value")
}

func TestSQLiteStore(t *testing.T) {
	s, err := NewSQLiteStore(t.Context(), filepath.Join(t.TempDir(), "store.db"), 0)
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()
	testStore(t, s)
}

func TestPostgresStore(t *testing.T) {
	databaseURL := os.Getenv("DATABASE_URL")
	if databaseURL == "" {
		t.Skip("DATABASE_URL is not set")
	}

	ctx := context.Background()
	s, err := NewPostgresStore(ctx, databaseURL, 0)
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	// Clean up the table before running the test.
	if _, err := s.pool.Exec(ctx, "DELETE FROM kv"); err != nil {
		t.Fatal(err)
	}

	testStore(t, s)
}

func TestOpen(t *testing.T) {
	ctx := t.Context()
	dir := t.TempDir()

	cases := map[string]struct {
		dsn  string
		want any
	}{
		"mem":    {dsn: "mem", want: &MemStore{}},
		"json":   {dsn: filepath.Join(dir, "state.json"), want: &JSONFile{}},
		"sqlite": {dsn: filepath.Join(dir, "state.db"), want: &SQLiteStore{}},
	}

	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			s, err := Open(ctx, tc.dsn, 0)
			if err != nil {
				t.Fatal(err)
			}
			defer s.Close()
			testutil.AssertEqual(t, fmt.Sprintf("%T", s), fmt.Sprintf("%T", tc.want))
		})
	}
}

func testStore(t *testing.T, s Store) {
	ctx := context.Background()

	// Test Set and Get.
	if err := s.Set(ctx, "key1", []byte("value1")); err != nil {
		t.Fatal(err)
	}
	if err := s.Set(ctx, "key2", []byte("value2")); err != nil {
		t.Fatal(err)
	}

	v, err := s.Get(ctx, "key1")
	if err != nil {
		t.Fatal(err)
	}
	testutil.AssertEqual(t, string(v), "value1")

	// Test overwriting a key.
	if err := s.Set(ctx, "key2", []byte("value3")); err != nil {
		t.Fatal(err)
	}
	v, err = s.Get(ctx, "key2")
	if err != nil {
		t.Fatal(err)
	}
	testutil.AssertEqual(t, string(v), "value3")

	// Test Get non-existent key.
	v, err = s.Get(ctx, "key3")
	if err != nil {
		t.Fatal(err)
	}
	if v != nil {
		t.Errorf("got %q, want nil", v)
	}
}
