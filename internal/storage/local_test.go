package storage

import (
	"context"
	"os"
	"path/filepath"
	"testing"
)

func writeTemp(t *testing.T, name string, content []byte) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(p, content, 0644); err != nil {
		t.Fatalf("failed to write test file: %v", err)
	}
	return p
}

func TestLocalArchive_PutGet(t *testing.T) {
	archive, err := NewLocalArchive(t.TempDir())
	if err != nil {
		t.Fatalf("failed to create local archive: %v", err)
	}
	ctx := context.Background()

	content := []byte("snapshot body")
	src := writeTemp(t, "snap", content)
	key := SnapshotKey("n1", "snap_0000000000000010_x.snap")

	if err := archive.Put(ctx, src, key); err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	exists, err := archive.Exists(ctx, key)
	if err != nil {
		t.Fatalf("Exists failed: %v", err)
	}
	if !exists {
		t.Error("expected object to exist")
	}

	dst := filepath.Join(t.TempDir(), "nested", "out")
	if err := archive.Get(ctx, key, dst); err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	got, err := os.ReadFile(dst)
	if err != nil {
		t.Fatalf("failed to read downloaded file: %v", err)
	}
	if string(got) != string(content) {
		t.Errorf("content mismatch: got %q, want %q", got, content)
	}

	if err := archive.Delete(ctx, key); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	exists, _ = archive.Exists(ctx, key)
	if exists {
		t.Error("expected object to be deleted")
	}
	if err := archive.Delete(ctx, key); err != nil {
		t.Errorf("second Delete should be a no-op, got %v", err)
	}
}

func TestLocalArchive_GetMissing(t *testing.T) {
	archive, _ := NewLocalArchive(t.TempDir())
	err := archive.Get(context.Background(), "nope", filepath.Join(t.TempDir(), "x"))
	if err != ErrObjectNotFound {
		t.Errorf("expected ErrObjectNotFound, got %v", err)
	}
}

func TestLocalArchive_List(t *testing.T) {
	archive, _ := NewLocalArchive(t.TempDir())
	ctx := context.Background()
	src := writeTemp(t, "f", []byte("x"))

	keys := []string{
		SegmentKey("n1", "main", "seg_0000000000000002.log"),
		SegmentKey("n1", "main", "seg_0000000000000001.log"),
		SnapshotKey("n1", "a.snap"),
	}
	for _, k := range keys {
		if err := archive.Put(ctx, src, k); err != nil {
			t.Fatalf("Put %s: %v", k, err)
		}
	}

	got, err := archive.List(ctx, "n1/segments")
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	want := []string{
		"n1/segments/main/seg_0000000000000001.log",
		"n1/segments/main/seg_0000000000000002.log",
	}
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("key %d: got %s, want %s", i, got[i], want[i])
		}
	}

	empty, err := archive.List(ctx, "missing")
	if err != nil || len(empty) != 0 {
		t.Errorf("expected empty list for missing prefix, got %v, %v", empty, err)
	}
}

func TestLocalArchive_ContextCancelled(t *testing.T) {
	archive, _ := NewLocalArchive(t.TempDir())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := archive.Put(ctx, "x", "y"); err == nil {
		t.Error("expected error from cancelled context")
	}
}

func TestBaseName(t *testing.T) {
	if got := BaseName("a/b/c.snap"); got != "c.snap" {
		t.Errorf("got %s", got)
	}
	if got := BaseName("c.snap"); got != "c.snap" {
		t.Errorf("got %s", got)
	}
}
