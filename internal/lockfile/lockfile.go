// Package lockfile guards state files shared between agent processes with a
// sibling lock file. The lock records its owner's PID (and, on Linux, the
// process start time) so locks left behind by dead processes are reclaimed
// instead of wedging every later writer.
package lockfile

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"runtime"
	"strconv"
	"strings"
	"syscall"
	"time"
)

// State-file writes are short, so acquisition polls briefly and gives up
// fast rather than queueing behind a wedged process.
const (
	DefaultTimeout = 5 * time.Second

	pollInterval = 25 * time.Millisecond
	staleAfter   = 30 * time.Second
)

// payload identifies the lock owner so locks from dead processes can be
// reclaimed.
type payload struct {
	PID       int    `json:"pid"`
	CreatedAt string `json:"createdAt"`
	StartTime int64  `json:"startTime,omitempty"` // Linux process start time
}

// Lock is a held lock file.
type Lock struct {
	path string
}

// Release removes the lock file. Releasing twice is a no-op.
func (l *Lock) Release() error {
	if l == nil || l.path == "" {
		return nil
	}
	path := l.path
	l.path = ""
	return os.Remove(path)
}

// Acquire creates path with O_EXCL, retrying until timeout. Locks whose
// recorded owner is dead, or that have outlived the stale window without an
// identifiable owner, are reclaimed.
func Acquire(path string, timeout time.Duration) (*Lock, error) {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	deadline := time.Now().Add(timeout)
	for {
		file, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
		if err == nil {
			p := payload{
				PID:       os.Getpid(),
				CreatedAt: time.Now().UTC().Format(time.RFC3339),
			}
			if runtime.GOOS == "linux" {
				if start, ok := readProcStartTime(os.Getpid()); ok {
					p.StartTime = start
				}
			}
			data, werr := json.Marshal(p)
			if werr == nil {
				_, werr = file.Write(data)
			}
			file.Close()
			if werr != nil {
				os.Remove(path)
				return nil, fmt.Errorf("write lock file %s: %w", path, werr)
			}
			return &Lock{path: path}, nil
		}
		if !os.IsExist(err) {
			return nil, fmt.Errorf("acquire lock %s: %w", path, err)
		}

		if reclaimable(path) {
			os.Remove(path)
			continue
		}
		if time.Now().After(deadline) {
			return nil, fmt.Errorf("file locked by another process: %s", path)
		}
		time.Sleep(pollInterval)
	}
}

// reclaimable reports whether an existing lock file can be safely removed.
func reclaimable(path string) bool {
	p, err := readPayload(path)
	if err != nil {
		// Unreadable payloads fall back to the mtime check.
		return olderThan(path, staleAfter)
	}
	switch ownerStatusOf(p) {
	case ownerDead:
		return true
	case ownerAlive:
		return false
	default:
		if created, err := time.Parse(time.RFC3339, p.CreatedAt); err == nil {
			return time.Since(created) > staleAfter
		}
		return olderThan(path, staleAfter)
	}
}

type ownerStatus int

const (
	ownerUnknown ownerStatus = iota
	ownerAlive
	ownerDead
)

func ownerStatusOf(p *payload) ownerStatus {
	if p.PID <= 0 || !isProcessAlive(p.PID) {
		return ownerDead
	}
	// On Linux the recorded start time distinguishes the owner from a
	// process that reused its PID.
	if runtime.GOOS == "linux" && p.StartTime > 0 {
		start, ok := readProcStartTime(p.PID)
		if !ok {
			return ownerUnknown
		}
		if start != p.StartTime {
			return ownerDead
		}
		return ownerAlive
	}
	return ownerAlive
}

// isProcessAlive probes with signal 0, which checks existence without
// sending a signal.
func isProcessAlive(pid int) bool {
	process, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return process.Signal(syscall.Signal(0)) == nil
}

// readProcStartTime parses the start-time field of /proc/<pid>/stat,
// scanning from the last ')' so command names containing spaces survive.
func readProcStartTime(pid int) (int64, bool) {
	data, err := os.ReadFile(fmt.Sprintf("/proc/%d/stat", pid))
	if err != nil {
		return 0, false
	}
	content := string(data)
	closeParen := strings.LastIndex(content, ")")
	if closeParen < 0 {
		return 0, false
	}
	fields := strings.Fields(content[closeParen+1:])
	if len(fields) < 20 {
		return 0, false
	}
	start, err := strconv.ParseInt(fields[19], 10, 64)
	if err != nil {
		return 0, false
	}
	return start, true
}

func readPayload(path string) (*payload, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var p payload
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, err
	}
	if p.PID == 0 {
		return nil, errors.New("invalid lock payload")
	}
	return &p, nil
}

func olderThan(path string, age time.Duration) bool {
	info, err := os.Stat(path)
	if err != nil {
		return true
	}
	return time.Since(info.ModTime()) > age
}
