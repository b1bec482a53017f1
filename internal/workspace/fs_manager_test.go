package workspace

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func newManager(t *testing.T) (*fsManager, string) {
	t.Helper()
	baseDir := filepath.Join(t.TempDir(), "stacks")
	mgr, err := NewFSManager(baseDir)
	if err != nil {
		t.Fatalf("NewFSManager() error = %v", err)
	}
	return mgr.(*fsManager), baseDir
}

func TestFSManagerCreateAndOpen(t *testing.T) {
	mgr, baseDir := newManager(t)

	st, err := mgr.Create(context.Background(), "dev123")
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	wantPath := filepath.Join(baseDir, "dev123")
	if st.Dir != wantPath || st.Serial != "dev123" {
		t.Fatalf("Create() = %+v, want dir %q", st, wantPath)
	}

	info, err := os.Stat(st.Dir)
	if err != nil {
		t.Fatalf("Stat(stack) error = %v", err)
	}
	if !info.IsDir() {
		t.Fatalf("stack path is not a directory")
	}

	opened, err := mgr.Open(context.Background(), "dev123")
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	if opened != st {
		t.Fatalf("Open() = %+v, want %+v", opened, st)
	}

	if _, err := mgr.Create(context.Background(), "dev123"); err == nil {
		t.Fatal("Create() on existing stack should fail")
	}
}

func TestFSManagerOpenMissing(t *testing.T) {
	mgr, _ := newManager(t)
	if _, err := mgr.Open(context.Background(), "nope"); err == nil {
		t.Fatal("Open() on missing stack should fail")
	}
}

func TestFSManagerWriteFileModes(t *testing.T) {
	mgr, _ := newManager(t)
	ctx := context.Background()

	st, err := mgr.Create(ctx, "dev1")
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	script, err := mgr.WriteFile(ctx, st, "app.sh", []byte("#!/bin/sh\n"), 0o755)
	if err != nil {
		t.Fatalf("WriteFile(app.sh) error = %v", err)
	}
	info, err := os.Stat(script)
	if err != nil {
		t.Fatal(err)
	}
	if info.Mode().Perm() != 0o755 {
		t.Fatalf("app.sh mode = %v, want 0755", info.Mode().Perm())
	}

	if _, err := mgr.WriteFile(ctx, st, "../escape", []byte("x"), 0o644); err == nil {
		t.Fatal("WriteFile() with a path should fail")
	}
	if _, err := mgr.WriteFile(ctx, Stack{Serial: "x", Dir: t.TempDir()}, "f", []byte("x"), 0o644); err == nil {
		t.Fatal("WriteFile() outside the base should fail")
	}
}

func TestFSManagerPurge(t *testing.T) {
	mgr, baseDir := newManager(t)
	ctx := context.Background()

	report, err := mgr.Purge(ctx)
	if err != nil {
		t.Fatalf("Purge() on missing base error = %v", err)
	}
	if report.DeletedDirs != 0 {
		t.Fatalf("Purge() report = %+v, want empty", report)
	}
	if _, err := os.Stat(baseDir); err != nil {
		t.Fatalf("Purge() should create the base: %v", err)
	}

	for _, serial := range []string{"A", "B"} {
		if _, err := mgr.Create(ctx, serial); err != nil {
			t.Fatalf("Create(%s) error = %v", serial, err)
		}
	}
	if err := os.WriteFile(filepath.Join(baseDir, "stray.txt"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}

	report, err = mgr.Purge(ctx)
	if err != nil {
		t.Fatalf("Purge() error = %v", err)
	}
	if report.DeletedDirs != 2 || report.DeletedFiles != 1 {
		t.Fatalf("Purge() report = %+v, want 2 dirs 1 file", report)
	}

	entries, err := os.ReadDir(baseDir)
	if err != nil {
		t.Fatalf("base removed by Purge(): %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("base has %d entries after Purge()", len(entries))
	}
}

func TestFSManagerCleanupOlderThan(t *testing.T) {
	mgr, baseDir := newManager(t)
	ctx := context.Background()

	oldStack, err := mgr.Create(ctx, "old")
	if err != nil {
		t.Fatalf("Create(old) error = %v", err)
	}
	if _, err := mgr.Create(ctx, "new"); err != nil {
		t.Fatalf("Create(new) error = %v", err)
	}

	now := time.Now()
	mgr.now = func() time.Time { return now }
	past := now.Add(-2 * time.Hour)
	if err := os.Chtimes(oldStack.Dir, past, past); err != nil {
		t.Fatalf("Chtimes() error = %v", err)
	}

	report, err := mgr.Cleanup(ctx, time.Hour)
	if err != nil {
		t.Fatalf("Cleanup() error = %v", err)
	}
	if report.DeletedDirs != 1 {
		t.Fatalf("Cleanup() deleted = %d, want 1", report.DeletedDirs)
	}
	if _, err := os.Stat(filepath.Join(baseDir, "old")); !os.IsNotExist(err) {
		t.Fatalf("old stack still exists")
	}
	if _, err := os.Stat(filepath.Join(baseDir, "new")); err != nil {
		t.Fatalf("new stack removed: %v", err)
	}

	if _, err := mgr.Cleanup(ctx, 0); err == nil {
		t.Fatal("Cleanup(0) should fail")
	}
}

func TestFSManagerRejectsUnsafeSerials(t *testing.T) {
	mgr, _ := newManager(t)

	for _, serial := range []string{"", " ", ".", "..", "a/b", `a\b`, " dev"} {
		if _, err := mgr.Create(context.Background(), serial); err == nil {
			t.Fatalf("Create(%q) should fail", serial)
		}
	}
}

func TestFSManagerCancelledContext(t *testing.T) {
	mgr, _ := newManager(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := mgr.Create(ctx, "dev"); err == nil {
		t.Fatal("Create() with cancelled context should fail")
	}
	if _, err := mgr.Purge(ctx); err == nil {
		t.Fatal("Purge() with cancelled context should fail")
	}
}

func TestNewFSManagerEmptyBase(t *testing.T) {
	if _, err := NewFSManager("  "); err == nil {
		t.Fatal("NewFSManager(blank) should fail")
	}
}
