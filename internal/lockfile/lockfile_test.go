package lockfile

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestLockAcquireAndRelease(t *testing.T) {
	dir := t.TempDir()

	lock, err := AcquireLock(dir)
	if err != nil {
		t.Fatalf("AcquireLock: %v", err)
	}

	lockPath := filepath.Join(dir, LockFileName)
	content, err := os.ReadFile(lockPath)
	if err != nil {
		t.Fatalf("read lock file: %v", err)
	}
	if want := fmt.Sprintf("pid=%d\n", os.Getpid()); string(content) != want {
		t.Errorf("lock content = %q, want %q", content, want)
	}

	if err := lock.Release(); err != nil {
		t.Errorf("Release: %v", err)
	}
	if _, err := os.Stat(lockPath); !os.IsNotExist(err) {
		t.Errorf("lock file still present after release")
	}
	// Second release must be a no-op.
	if err := lock.Release(); err != nil {
		t.Errorf("second Release: %v", err)
	}
}

func TestLockConflict(t *testing.T) {
	dir := t.TempDir()

	lock1, err := AcquireLock(dir)
	if err != nil {
		t.Fatalf("first AcquireLock: %v", err)
	}
	defer lock1.Release()

	lock2, err := AcquireLock(dir)
	if err == nil {
		lock2.Release()
		t.Fatal("second acquisition should have failed")
	}
	var lockErr *LockError
	if !errors.As(err, &lockErr) {
		t.Fatalf("error type = %T, want *LockError", err)
	}
	if !strings.Contains(err.Error(), dir) {
		t.Errorf("error %q should name the lock path", err)
	}
}

func TestLockReacquisitionAfterRelease(t *testing.T) {
	dir := t.TempDir()

	lock1, err := AcquireLock(dir)
	if err != nil {
		t.Fatalf("AcquireLock: %v", err)
	}
	lock1.Release()

	lock2, err := AcquireLock(dir)
	if err != nil {
		t.Fatalf("reacquire after release: %v", err)
	}
	lock2.Release()
}

func TestAcquireCreatesStateDir(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "nested", "state")

	lock, err := AcquireLock(dir)
	if err != nil {
		t.Fatalf("AcquireLock: %v", err)
	}
	defer lock.Release()

	if _, err := os.Stat(dir); err != nil {
		t.Errorf("state dir not created: %v", err)
	}
}

func TestExtractPID(t *testing.T) {
	tests := []struct {
		content string
		want    int
	}{
		{"pid=12345\n", 12345},
		{"pid=67890\nother=info", 67890},
		{"other=info", 0},
		{"", 0},
		{"pid=abc", 0},
	}
	for _, tt := range tests {
		if got := extractPID(tt.content); got != tt.want {
			t.Errorf("extractPID(%q) = %d, want %d", tt.content, got, tt.want)
		}
	}
}

func TestIsProcessRunning(t *testing.T) {
	if !isProcessRunning(os.Getpid()) {
		t.Error("own process should be running")
	}
}
