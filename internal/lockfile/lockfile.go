// Package lockfile persists the rendezvous fact {port} that lets
// independently started processes find the session server. The record is a
// UTF-8 file containing exactly the decimal port number. There is no
// distributed locking; correctness relies on probing a recorded port before
// trusting it.
package lockfile

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/codefionn/chatrelay/internal/logger"
)

// DefaultPreferredPorts is the short candidate list tried in order before
// falling back to an OS-assigned ephemeral port.
var DefaultPreferredPorts = []int{8765, 8766, 8767, 8768, 8769}

// ErrNoRecord indicates the lock record is absent or unreadable.
var ErrNoRecord = errors.New("no lock record")

const probeTimeout = 500 * time.Millisecond

// Lock coordinates port choice and the on-disk lock record.
type Lock struct {
	path      string
	preferred []int
	log       *logger.Logger
}

// New creates a coordinator for the lock record at path.
func New(path string, preferred []int) *Lock {
	if len(preferred) == 0 {
		preferred = DefaultPreferredPorts
	}
	return &Lock{
		path:      path,
		preferred: preferred,
		log:       logger.Global().WithPrefix("lock"),
	}
}

// Path returns the lock record path.
func (l *Lock) Path() string {
	return l.path
}

// Read returns the port recorded in the lock file. Any read or parse failure
// maps to ErrNoRecord; a corrupt record is as good as an absent one.
func (l *Lock) Read() (int, error) {
	data, err := os.ReadFile(l.path)
	if err != nil {
		return 0, ErrNoRecord
	}
	port, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || port <= 0 || port > 65535 {
		l.log.Warn("corrupt lock record at %s, treating as absent", l.path)
		return 0, ErrNoRecord
	}
	return port, nil
}

// bindable reports whether port can currently be bound on loopback. A
// successful probe binds and immediately releases.
func bindable(port int) bool {
	ln, err := net.Listen("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(port)))
	if err != nil {
		return false
	}
	ln.Close()
	return true
}

// Choose picks a listening port. An existing lock record is inspected first:
// if its port is still occupied another live instance owns it and the new
// instance must pick a different port; if the port is free the record is
// stale and removed. Returns 0 when every preferred port is occupied,
// meaning the caller should bind an ephemeral port instead.
func (l *Lock) Choose() int {
	skip := -1
	if recorded, err := l.Read(); err == nil {
		if bindable(recorded) {
			l.log.Info("stale lock record naming free port %d, removing", recorded)
			if err := os.Remove(l.path); err != nil && !os.IsNotExist(err) {
				l.log.Warn("failed to remove stale lock record: %v", err)
			}
		} else {
			l.log.Info("live instance detected on port %d, picking a different port", recorded)
			skip = recorded
		}
	}

	for _, port := range l.preferred {
		if port == skip {
			continue
		}
		if bindable(port) {
			return port
		}
	}

	l.log.Info("all preferred ports occupied, falling back to ephemeral port")
	return 0
}

// Publish overwrites the lock record with port. Callers must only publish a
// port whose bind has actually succeeded. The write goes through a temp file
// and rename so readers never observe a partial record. Filesystem failures
// are returned but are non-fatal by contract; callers log and continue.
func (l *Lock) Publish(port int) error {
	dir := filepath.Dir(l.path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create lock directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".lock-*")
	if err != nil {
		return fmt.Errorf("failed to create temp lock record: %w", err)
	}
	tmpPath := tmp.Name()

	if _, err := tmp.WriteString(strconv.Itoa(port)); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("failed to write lock record: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to close lock record: %w", err)
	}

	if err := os.Rename(tmpPath, l.path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to publish lock record: %w", err)
	}

	l.log.Info("published lock record %s -> %d", l.path, port)
	return nil
}

// Release deletes the lock record. Idempotent: a missing record is not an
// error.
func (l *Lock) Release() error {
	if err := os.Remove(l.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove lock record: %w", err)
	}
	return nil
}

// Discover returns the candidate ports a client should try, recorded port
// first, then the preferred list with duplicates removed.
func (l *Lock) Discover() []int {
	candidates := make([]int, 0, len(l.preferred)+1)
	seen := make(map[int]bool)

	if port, err := l.Read(); err == nil {
		candidates = append(candidates, port)
		seen[port] = true
	}
	for _, port := range l.preferred {
		if !seen[port] {
			candidates = append(candidates, port)
			seen[port] = true
		}
	}
	return candidates
}

// Reachable reports whether something is accepting connections on port.
func Reachable(port int) bool {
	conn, err := net.DialTimeout("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(port)), probeTimeout)
	if err != nil {
		return false
	}
	conn.Close()
	return true
}
