// Package lifecycle owns the daemon's process-global artifacts: the
// singleton advisory lock, the PID file, and their symmetric
// acquisition/release around the process lifetime.
package lifecycle

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"syscall"

	"github.com/gofrs/flock"

	"github.com/cmakafui/codelatch/internal/codelatcherr"
)

// Lock represents the held singleton lock and PID file for this
// process. Release undoes both.
type Lock struct {
	fileLock *flock.Flock
	pidPath  string
}

// Acquire opens lockPath with a non-blocking exclusive advisory lock
// and writes the current PID to pidPath. Failure to acquire the lock
// means another daemon instance is already running.
func Acquire(lockPath, pidPath string) (*Lock, error) {
	if err := os.MkdirAll(filepath.Dir(lockPath), 0o755); err != nil {
		return nil, codelatcherr.Wrap(codelatcherr.DaemonLifecycle, "create lock directory", err)
	}

	fl := flock.New(lockPath)
	locked, err := fl.TryLock()
	if err != nil {
		return nil, codelatcherr.Wrap(codelatcherr.DaemonLifecycle, "acquire lock", err)
	}
	if !locked {
		return nil, codelatcherr.Wrap(codelatcherr.DaemonLifecycle, "acquire lock", fmt.Errorf("daemon already running"))
	}

	if err := os.MkdirAll(filepath.Dir(pidPath), 0o755); err != nil {
		fl.Unlock()
		return nil, codelatcherr.Wrap(codelatcherr.DaemonLifecycle, "create pid directory", err)
	}
	if err := os.WriteFile(pidPath, []byte(strconv.Itoa(os.Getpid())), 0o644); err != nil {
		fl.Unlock()
		return nil, codelatcherr.Wrap(codelatcherr.DaemonLifecycle, "write pid file", err)
	}

	return &Lock{fileLock: fl, pidPath: pidPath}, nil
}

// Release removes the PID file and releases the lock. Symmetric with
// Acquire, safe to call once at shutdown.
func (l *Lock) Release() error {
	os.Remove(l.pidPath)
	return l.fileLock.Unlock()
}

// ReadPID reads the PID recorded at pidPath. Returns 0, false if the
// file does not exist or is unparsable.
func ReadPID(pidPath string) (int, bool) {
	data, err := os.ReadFile(pidPath)
	if err != nil {
		return 0, false
	}
	pid, err := strconv.Atoi(string(data))
	if err != nil {
		return 0, false
	}
	return pid, true
}

// ProcessAlive reports whether a process with the given PID exists.
func ProcessAlive(pid int) bool {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return proc.Signal(syscall.Signal(0)) == nil
}
