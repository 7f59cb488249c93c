package lockfile

import (
	"encoding/json"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"
)

func TestAcquireRelease(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json.lock")

	lock, err := Acquire(path, time.Second)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("lock file missing after acquire: %v", err)
	}

	if err := lock.Release(); err != nil {
		t.Fatalf("release: %v", err)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Error("lock file still present after release")
	}
	if err := lock.Release(); err != nil {
		t.Errorf("second release: %v", err)
	}

	// Reacquire after release.
	lock2, err := Acquire(path, time.Second)
	if err != nil {
		t.Fatalf("reacquire: %v", err)
	}
	lock2.Release()
}

func TestHeldByLiveOwner(t *testing.T) {
	if runtime.GOOS != "linux" {
		t.Skip("start-time validation is linux-only")
	}
	path := filepath.Join(t.TempDir(), "state.json.lock")

	start, ok := readProcStartTime(os.Getpid())
	if !ok {
		t.Skip("cannot read own start time")
	}
	p := payload{
		PID:       os.Getpid(),
		CreatedAt: time.Now().UTC().Format(time.RFC3339),
		StartTime: start,
	}
	data, _ := json.Marshal(p)
	if err := os.WriteFile(path, data, 0o600); err != nil {
		t.Fatal(err)
	}

	if _, err := Acquire(path, 100*time.Millisecond); err == nil {
		t.Fatal("acquired a lock held by a live process")
	}
}

func TestReclaimsDeadOwner(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json.lock")

	p := payload{
		// PID beyond the default pid_max; if it does exist, Signal 0 from
		// an unprivileged test fails anyway.
		PID:       1 << 22,
		CreatedAt: time.Now().UTC().Format(time.RFC3339),
	}
	data, _ := json.Marshal(p)
	if err := os.WriteFile(path, data, 0o600); err != nil {
		t.Fatal(err)
	}

	lock, err := Acquire(path, time.Second)
	if err != nil {
		t.Fatalf("acquire over dead owner: %v", err)
	}
	lock.Release()
}

func TestReclaimsStaleGarbage(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json.lock")

	if err := os.WriteFile(path, []byte("not json"), 0o600); err != nil {
		t.Fatal(err)
	}
	old := time.Now().Add(-time.Hour)
	if err := os.Chtimes(path, old, old); err != nil {
		t.Fatal(err)
	}

	lock, err := Acquire(path, time.Second)
	if err != nil {
		t.Fatalf("acquire over stale garbage: %v", err)
	}
	lock.Release()
}

func TestFreshGarbageNotReclaimed(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json.lock")

	if err := os.WriteFile(path, []byte("not json"), 0o600); err != nil {
		t.Fatal(err)
	}

	if _, err := Acquire(path, 100*time.Millisecond); err == nil {
		t.Fatal("acquired over a fresh unreadable lock")
	}
}

func TestReadProcStartTimeSelf(t *testing.T) {
	if runtime.GOOS != "linux" {
		t.Skip("/proc is linux-only")
	}
	start, ok := readProcStartTime(os.Getpid())
	if !ok {
		t.Fatal("readProcStartTime failed for own pid")
	}
	if start <= 0 {
		t.Errorf("start time = %d, want > 0", start)
	}
}
