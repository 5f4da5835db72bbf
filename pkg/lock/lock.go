// Package lock implements cross-run resource locking: one lock file per
// held run, resource-name conflict detection, and stale-lock reaping.
// Grounded on internal/lifecycle's PIDFileManager — atomic O_EXCL create,
// restrictive permissions, unsafe-directory check — adapted from a
// single-PID-per-process lock into a per-run, per-resource-set lock.
package lock

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/google/uuid"

	catalysterrors "github.com/tombee/catalyst/pkg/errors"
)

// DefaultStaleAge is how old an unrefreshed lock file must be before it
// is eligible for reaping, absent a shorter ttlHint.
const DefaultStaleAge = 24 * time.Hour

// RunLock is the on-disk record for a run's held resources.
type RunLock struct {
	RunID     string    `json:"runId"`
	HolderID  string    `json:"holderId"`
	Resources []string  `json:"resources"`
	CreatedAt time.Time `json:"createdAt"`
	TTLHint   *time.Duration `json:"ttlHint,omitempty"`
}

// Manager grants and releases RunLocks in a directory, one JSON file per
// held run, and reaps locks that have outlived their staleness window.
type Manager struct {
	mu          sync.Mutex
	dir         string
	globMatch   bool
}

// Option configures a Manager.
type Option func(*Manager)

// WithGlobMatching enables doublestar glob/prefix matching of resource
// names during conflict detection instead of the default exact-string
// equality. This is an opt-in tightening, never the default, per the
// spec's resolution of the lock-conflict Open Question.
func WithGlobMatching() Option {
	return func(m *Manager) { m.globMatch = true }
}

// NewManager creates a Manager rooted at dir, creating it if necessary
// with the same unsafe-directory posture as the teacher's pidfile
// manager (restrictive 0700 permissions, no world-writable parent).
func NewManager(dir string, opts ...Option) (*Manager, error) {
	if err := verifyDirectorySafety(filepath.Dir(dir)); err != nil {
		return nil, catalysterrors.Wrap(catalysterrors.CodeResourceLocked, err, "unsafe lock directory location")
	}
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, catalysterrors.Wrap(catalysterrors.CodeResourceLocked, err, "failed to create lock directory")
	}
	m := &Manager{dir: dir}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

func (m *Manager) path(runID string) string {
	return filepath.Join(m.dir, fmt.Sprintf("%s.lock", runID))
}

// Acquire attempts to take a lock on resources for runID. It first reaps
// any stale locks, then checks every existing lock for a resource-name
// conflict before creating its own lock file atomically. Returns a
// CatalystError with code ResourceLocked if any resource is already
// held by a live lock for a different run.
func (m *Manager) Acquire(runID string, resources []string, ttlHint *time.Duration) (*RunLock, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.reapStaleLocked(); err != nil {
		return nil, err
	}

	held, err := m.listLocked()
	if err != nil {
		return nil, err
	}

	for _, other := range held {
		if other.RunID == runID {
			continue
		}
		if conflict := m.conflictingResource(resources, other.Resources); conflict != "" {
			return nil, catalysterrors.Newf(catalysterrors.CodeResourceLocked,
				"resource %q is held by run %s", conflict, other.RunID).
				WithMetadata("resource", conflict).
				WithMetadata("heldBy", other.RunID)
		}
	}

	rl := &RunLock{
		RunID:     runID,
		HolderID:  uuid.NewString(),
		Resources: resources,
		CreatedAt: time.Now().UTC(),
		TTLHint:   ttlHint,
	}

	data, err := json.MarshalIndent(rl, "", "  ")
	if err != nil {
		return nil, catalysterrors.Wrap(catalysterrors.CodeResourceLocked, err, "failed to marshal run lock")
	}

	f, err := os.OpenFile(m.path(runID), os.O_RDWR|os.O_CREATE|os.O_EXCL, 0600)
	if err != nil {
		if os.IsExist(err) {
			return nil, catalysterrors.Newf(catalysterrors.CodeResourceLocked, "lock file already exists for run %s", runID)
		}
		return nil, catalysterrors.Wrap(catalysterrors.CodeResourceLocked, err, "failed to create lock file")
	}
	defer f.Close()

	if _, err := f.Write(data); err != nil {
		os.Remove(m.path(runID))
		return nil, catalysterrors.Wrap(catalysterrors.CodeResourceLocked, err, "failed to write lock file")
	}

	return rl, nil
}

// Release removes runID's lock file, if present. Releasing an
// already-released or never-held lock is not an error.
func (m *Manager) Release(runID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := os.Remove(m.path(runID)); err != nil && !os.IsNotExist(err) {
		return catalysterrors.Wrap(catalysterrors.CodeResourceLocked, err, "failed to remove lock file")
	}
	return nil
}

// conflictingResource returns the first resource in want that conflicts
// with an existing held resource, or "" if there is no conflict.
func (m *Manager) conflictingResource(want, held []string) string {
	for _, w := range want {
		for _, h := range held {
			if w == h {
				return w
			}
			if m.globMatch {
				if ok, _ := doublestar.Match(h, w); ok {
					return w
				}
				if ok, _ := doublestar.Match(w, h); ok {
					return w
				}
				if strings.HasPrefix(w, h) || strings.HasPrefix(h, w) {
					return w
				}
			}
		}
	}
	return ""
}

func (m *Manager) listLocked() ([]*RunLock, error) {
	entries, err := os.ReadDir(m.dir)
	if err != nil {
		return nil, catalysterrors.Wrap(catalysterrors.CodeResourceLocked, err, "failed to list lock directory")
	}

	var locks []*RunLock
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".lock") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(m.dir, e.Name()))
		if err != nil {
			continue
		}
		var rl RunLock
		if err := json.Unmarshal(data, &rl); err != nil {
			continue
		}
		locks = append(locks, &rl)
	}
	return locks, nil
}

// reapStaleLocked removes lock files whose age exceeds their ttlHint (if
// set) or DefaultStaleAge otherwise, computed from the lock's recorded
// CreatedAt in UTC to avoid local-timezone drift across reaping runs.
func (m *Manager) reapStaleLocked() error {
	locks, err := m.listLocked()
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	for _, rl := range locks {
		threshold := DefaultStaleAge
		if rl.TTLHint != nil {
			threshold = *rl.TTLHint
		}
		if now.Sub(rl.CreatedAt.UTC()) > threshold {
			os.Remove(m.path(rl.RunID))
		}
	}
	return nil
}

func verifyDirectorySafety(dir string) error {
	info, err := os.Stat(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to stat directory: %w", err)
	}
	if info.Mode()&0002 != 0 {
		return fmt.Errorf("%s is world-writable", dir)
	}
	return nil
}
