package columnar

import (
	"path/filepath"
	"testing"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(t.TempDir())
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestTableNameEncodesDeletionSuffix(t *testing.T) {
	live := TableName("Pod", "uid-1", "metadata", false)
	deleted := TableName("Pod", "uid-1", "metadata", true)

	if live != "Pod-uid-1-metadata" {
		t.Fatalf("got %q", live)
	}
	if deleted != "Pod-uid-1-metadata-___deleted" {
		t.Fatalf("got %q", deleted)
	}
}

func TestAppendThenReadTableRoundTrips(t *testing.T) {
	s := newTestStore(t)
	table := TableName("Pod", "uid-1", "metadata", false)

	if err := s.Append("db", "tenant-a", table, Row{"name": "pod-1"}); err != nil {
		t.Fatalf("append failed: %v", err)
	}
	if err := s.Append("db", "tenant-a", table, Row{"name": "pod-2"}); err != nil {
		t.Fatalf("append failed: %v", err)
	}

	rows, err := s.ReadTable("db", "tenant-a", table)
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("expected 2 rows in write order, got %d", len(rows))
	}
	if rows[0]["name"] != "pod-1" || rows[1]["name"] != "pod-2" {
		t.Fatalf("rows out of order: %+v", rows)
	}
}

func TestReadTableOnMissingTableReturnsNil(t *testing.T) {
	s := newTestStore(t)
	rows, err := s.ReadTable("db", "tenant-a", "absent-table")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rows != nil {
		t.Fatalf("expected nil rows for a table never written, got %v", rows)
	}
}

func TestListTablesFindsDeletionMarkedTableByPrefix(t *testing.T) {
	s := newTestStore(t)
	live := TableName("Pod", "uid-1", "metadata", false)
	deleted := TableName("Pod", "uid-1", "metadata", true)

	if err := s.Append("db", "tenant-a", live, Row{"x": 1}); err != nil {
		t.Fatalf("append failed: %v", err)
	}
	if err := s.Append("db", "tenant-a", deleted, Row{"x": 1}); err != nil {
		t.Fatalf("append failed: %v", err)
	}

	names, err := s.ListTables("db", "tenant-a", live)
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(names) != 2 {
		t.Fatalf("expected both the live and deletion-marked table to match the prefix, got %v", names)
	}
}

func TestAppendSeparatesTenantDatabases(t *testing.T) {
	s := newTestStore(t)
	table := TableName("Pod", "uid-1", "metadata", false)

	if err := s.Append("db", "tenant-a", table, Row{"x": 1}); err != nil {
		t.Fatalf("append failed: %v", err)
	}
	if err := s.Append("db", "tenant-b", table, Row{"x": 2}); err != nil {
		t.Fatalf("append failed: %v", err)
	}

	rowsA, _ := s.ReadTable("db", "tenant-a", table)
	rowsB, _ := s.ReadTable("db", "tenant-b", table)
	if len(rowsA) != 1 || len(rowsB) != 1 {
		t.Fatalf("expected tenant databases to stay isolated, got %d/%d rows", len(rowsA), len(rowsB))
	}
}

func TestNewCreatesBaseDir(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "nested", "columnar")
	s, err := New(dir)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	defer s.Close()
}
