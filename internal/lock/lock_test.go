package lock

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestAcquireAndRelease(t *testing.T) {
	tmpDir := t.TempDir()

	l, err := Acquire(tmpDir, "alice")
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}
	if l.Path() != filepath.Join(tmpDir, "LOCK") {
		t.Errorf("Path() = %q", l.Path())
	}

	data, err := os.ReadFile(filepath.Join(tmpDir, "LOCK"))
	if err != nil {
		t.Fatalf("read lock file: %v", err)
	}
	if !strings.Contains(string(data), "user=alice") || !strings.Contains(string(data), "pid=") {
		t.Errorf("lock file = %q", data)
	}

	if err := l.Release(); err != nil {
		t.Errorf("Release() error = %v", err)
	}
	if _, err := os.Stat(filepath.Join(tmpDir, "LOCK")); !os.IsNotExist(err) {
		t.Error("lock file left behind")
	}
}

func TestDoubleAcquireFails(t *testing.T) {
	tmpDir := t.TempDir()

	l1, err := Acquire(tmpDir, "alice")
	if err != nil {
		t.Fatalf("first Acquire() error = %v", err)
	}
	defer func() { _ = l1.Release() }()

	_, err = Acquire(tmpDir, "alice")
	if err == nil {
		t.Fatal("second Acquire() should fail")
	}

	var lockErr *LockHeldError
	if !errors.As(err, &lockErr) {
		t.Fatalf("expected LockHeldError, got %T: %v", err, err)
	}
	if lockErr.PID != os.Getpid() || lockErr.Owner != "alice" {
		t.Errorf("lockErr = %+v", lockErr)
	}
}

func TestReacquireAfterRelease(t *testing.T) {
	tmpDir := t.TempDir()
	l1, err := Acquire(tmpDir, "alice")
	if err != nil {
		t.Fatal(err)
	}
	_ = l1.Release()

	l2, err := Acquire(tmpDir, "alice")
	if err != nil {
		t.Fatalf("Acquire() after release error = %v", err)
	}
	_ = l2.Release()
}

func TestReleaseNil(t *testing.T) {
	var l *Lock
	if err := l.Release(); err != nil {
		t.Errorf("nil Release() error = %v", err)
	}
}

func TestReleaseIdempotent(t *testing.T) {
	tmpDir := t.TempDir()

	l, err := Acquire(tmpDir, "bob")
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}

	if err := l.Release(); err != nil {
		t.Errorf("first Release() error = %v", err)
	}
	if err := l.Release(); err != nil {
		t.Errorf("second Release() error = %v", err)
	}
}
