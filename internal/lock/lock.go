package lock

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"
)

// LockHeldError is returned when another process holds the replica lock.
type LockHeldError struct {
	PID   int
	Owner string
	Path  string
}

func (e *LockHeldError) Error() string {
	return fmt.Sprintf("replica of %q locked by PID %d (%s)", e.Owner, e.PID, e.Path)
}

// Lock represents an acquired replica lock file.
type Lock struct {
	file *os.File
	path string
}

// Acquire attempts to acquire an exclusive lock on dir on behalf of owner.
// Returns LockHeldError if another process already holds it.
func Acquire(dir, owner string) (*Lock, error) {
	lockPath := filepath.Join(dir, "LOCK")

	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("create replica dir: %w", err)
	}

	f, err := os.OpenFile(lockPath, os.O_CREATE|os.O_RDWR, 0600)
	if err != nil {
		return nil, fmt.Errorf("open lock file: %w", err)
	}

	err = syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB)
	if err != nil {
		data, _ := os.ReadFile(lockPath)
		pid, holder := parse(string(data))
		_ = f.Close()
		if holder == "" {
			holder = owner
		}
		return nil, &LockHeldError{PID: pid, Owner: holder, Path: lockPath}
	}

	if err := f.Truncate(0); err != nil {
		_ = f.Close()
		return nil, err
	}
	if _, err := f.Seek(0, 0); err != nil {
		_ = f.Close()
		return nil, err
	}
	content := fmt.Sprintf("pid=%d\nuser=%s\ntime=%s\n", os.Getpid(), owner, time.Now().UTC().Format(time.RFC3339))
	if _, err := f.WriteString(content); err != nil {
		_ = f.Close()
		return nil, err
	}

	return &Lock{file: f, path: lockPath}, nil
}

// Path returns the lock file path.
func (l *Lock) Path() string {
	if l == nil {
		return ""
	}
	return l.path
}

// Release releases the lock. Safe to call on nil receiver.
func (l *Lock) Release() error {
	if l == nil || l.file == nil {
		return nil
	}
	_ = os.Remove(l.path)
	err := l.file.Close()
	l.file = nil
	return err
}

func parse(content string) (pid int, owner string) {
	for _, line := range strings.Split(content, "\n") {
		if after, ok := strings.CutPrefix(line, "pid="); ok {
			pid, _ = strconv.Atoi(after)
		}
		if after, ok := strings.CutPrefix(line, "user="); ok {
			owner = after
		}
	}
	return pid, owner
}
