// Copyright 2026 The Signalpost Authors
// SPDX-License-Identifier: Apache-2.0

package store

import (
	"bytes"
	"context"
	"path/filepath"
	"reflect"
	"testing"
)

// contractTest runs the Store contract against any implementation.
func contractTest(t *testing.T, open func(t *testing.T) Store) {
	ctx := context.Background()

	t.Run("PutGetDelete", func(t *testing.T) {
		s := open(t)
		defer s.Close()

		if err := s.Put(ctx, "state/identity", []byte("user-1")); err != nil {
			t.Fatalf("Put: %v", err)
		}
		value, found, err := s.Get(ctx, "state/identity")
		if err != nil || !found {
			t.Fatalf("Get: value=%q found=%v err=%v", value, found, err)
		}
		if !bytes.Equal(value, []byte("user-1")) {
			t.Fatalf("value = %q", value)
		}

		if err := s.Delete(ctx, "state/identity"); err != nil {
			t.Fatalf("Delete: %v", err)
		}
		_, found, err = s.Get(ctx, "state/identity")
		if err != nil || found {
			t.Fatalf("Get after delete: found=%v err=%v", found, err)
		}

		// Absent-key delete is a no-op, not an error.
		if err := s.Delete(ctx, "state/identity"); err != nil {
			t.Fatalf("Delete absent: %v", err)
		}
	})

	t.Run("CreationOrderNotLexical", func(t *testing.T) {
		s := open(t)
		defer s.Close()

		// Keys chosen so lexical order differs from creation order.
		created := []string{"event/zz", "event/aa", "event/mm"}
		for _, key := range created {
			if err := s.Put(ctx, key, []byte("x")); err != nil {
				t.Fatalf("Put(%s): %v", key, err)
			}
		}
		keys, err := s.ListKeys(ctx, "event/")
		if err != nil {
			t.Fatalf("ListKeys: %v", err)
		}
		if !reflect.DeepEqual(keys, created) {
			t.Fatalf("ListKeys = %v, want creation order %v", keys, created)
		}
	})

	t.Run("OverwriteKeepsPosition", func(t *testing.T) {
		s := open(t)
		defer s.Close()

		for _, key := range []string{"event/a", "event/b", "event/c"} {
			if err := s.Put(ctx, key, []byte("v1")); err != nil {
				t.Fatalf("Put(%s): %v", key, err)
			}
		}
		if err := s.Put(ctx, "event/a", []byte("v2")); err != nil {
			t.Fatalf("overwrite: %v", err)
		}
		keys, err := s.ListKeys(ctx, "event/")
		if err != nil {
			t.Fatalf("ListKeys: %v", err)
		}
		want := []string{"event/a", "event/b", "event/c"}
		if !reflect.DeepEqual(keys, want) {
			t.Fatalf("ListKeys after overwrite = %v, want %v", keys, want)
		}
		value, _, err := s.Get(ctx, "event/a")
		if err != nil || !bytes.Equal(value, []byte("v2")) {
			t.Fatalf("overwritten value = %q err=%v", value, err)
		}
	})

	t.Run("ClearIsPrefixScoped", func(t *testing.T) {
		s := open(t)
		defer s.Close()

		puts := map[string]string{
			"event/1":        "e",
			"event/2":        "e",
			"state/identity": "s",
		}
		for key, value := range puts {
			if err := s.Put(ctx, key, []byte(value)); err != nil {
				t.Fatalf("Put(%s): %v", key, err)
			}
		}
		if err := s.Clear(ctx, "event/"); err != nil {
			t.Fatalf("Clear: %v", err)
		}
		keys, err := s.ListKeys(ctx, "event/")
		if err != nil || len(keys) != 0 {
			t.Fatalf("events after clear: %v err=%v", keys, err)
		}
		_, found, err := s.Get(ctx, "state/identity")
		if err != nil || !found {
			t.Fatalf("state cleared by event prefix: found=%v err=%v", found, err)
		}
	})
}

func TestMemoryStoreContract(t *testing.T) {
	contractTest(t, func(t *testing.T) Store { return NewMemory() })
}

func TestSQLiteStoreContract(t *testing.T) {
	contractTest(t, func(t *testing.T) Store {
		s, err := OpenSQLite(SQLiteConfig{Path: filepath.Join(t.TempDir(), "sdk.db")})
		if err != nil {
			t.Fatalf("OpenSQLite: %v", err)
		}
		return s
	})
}

func TestSQLiteSurvivesReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "sdk.db")

	s, err := OpenSQLite(SQLiteConfig{Path: path})
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	created := []string{"event/c", "event/a", "event/b"}
	for _, key := range created {
		if err := s.Put(ctx, key, []byte(key)); err != nil {
			t.Fatalf("Put(%s): %v", key, err)
		}
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	reopened, err := OpenSQLite(SQLiteConfig{Path: path})
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()

	keys, err := reopened.ListKeys(ctx, "event/")
	if err != nil {
		t.Fatalf("ListKeys: %v", err)
	}
	if !reflect.DeepEqual(keys, created) {
		t.Fatalf("order after reopen = %v, want %v", keys, created)
	}
}
