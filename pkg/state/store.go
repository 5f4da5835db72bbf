// Package state implements crash-safe persistence for playbook run state:
// write-then-rename atomicity, a live directory for in-progress and
// failed runs, and a date-sharded archive directory for completed runs.
// Grounded on the checkpoint.Manager pattern, generalized from a flat
// per-run JSON file to the live/archive split §4.3 requires.
package state

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	catalysterrors "github.com/tombee/catalyst/pkg/errors"
)

// Status is the run status recorded in a PlaybookState.
type Status string

const (
	StatusRunning   Status = "running"
	StatusPaused    Status = "paused"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// EarlyReturn records the `return` action's early-exit payload on the
// persisted state of a run that ended through `return`. Resume does not
// read it.
type EarlyReturn struct {
	Code    string                 `json:"code,omitempty"`
	Message string                 `json:"message,omitempty"`
	Outputs map[string]interface{} `json:"outputs,omitempty"`
}

// PlaybookState is the on-disk shape of a run's persisted state.
type PlaybookState struct {
	RunID               string                 `json:"runId"`
	PlaybookID          string                 `json:"playbookId"`
	Actor               string                 `json:"actor"`
	Status              Status                 `json:"status"`
	Inputs              map[string]interface{} `json:"inputs"`
	Vars                map[string]interface{} `json:"vars"`
	Outputs             map[string]interface{} `json:"outputs,omitempty"`
	CompletedSteps      []string               `json:"completedSteps"`
	CurrentStep         string                 `json:"currentStep,omitempty"`
	ApprovedCheckpoints []string               `json:"approvedCheckpoints,omitempty"`
	EarlyReturn         *EarlyReturn           `json:"earlyReturn,omitempty"`
	Error               string                 `json:"error,omitempty"`
	CreatedAt           time.Time              `json:"createdAt"`
	UpdatedAt           time.Time              `json:"updatedAt"`
}

// Store persists PlaybookState to a live directory (run-{runId}.json)
// and archives completed runs under history/{YYYY}/{MM}/{DD}/.
type Store struct {
	mu   sync.Mutex
	root string
}

// NewStore creates a Store rooted at root, creating the live and
// archive directories if they do not exist.
func NewStore(root string) (*Store, error) {
	if err := os.MkdirAll(root, 0700); err != nil {
		return nil, catalysterrors.Wrap(catalysterrors.CodeStateSaveFailed, err, "failed to create state root directory")
	}
	if err := os.MkdirAll(filepath.Join(root, "history"), 0700); err != nil {
		return nil, catalysterrors.Wrap(catalysterrors.CodeStateSaveFailed, err, "failed to create state archive directory")
	}
	return &Store{root: root}, nil
}

func (s *Store) livePath(runID string) string {
	return filepath.Join(s.root, fmt.Sprintf("run-%s.json", runID))
}

func (s *Store) archivePath(runID string, at time.Time) string {
	at = at.UTC()
	return filepath.Join(s.root, "history",
		fmt.Sprintf("%04d", at.Year()),
		fmt.Sprintf("%02d", at.Month()),
		fmt.Sprintf("%02d", at.Day()),
		fmt.Sprintf("run-%s.json", runID))
}

// Save writes st to the live directory, or, when st.Status is completed,
// into the dated archive tree (removing any live copy). Writes go to a
// temp file in the same directory first, then an atomic rename, so a crash mid-write
// never leaves a corrupt live state file behind.
func (s *Store) Save(st *PlaybookState) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	st.UpdatedAt = time.Now().UTC()

	switch st.Status {
	case StatusCompleted:
		return s.archiveLocked(st)
	default:
		return s.writeAtomic(s.livePath(st.RunID), st)
	}
}

// archiveLocked writes the state into the dated archive tree and
// removes any live copy, so completed runs are never present in the
// live directory (status=completed implies archived and absent-from-live).
func (s *Store) archiveLocked(st *PlaybookState) error {
	path := s.archivePath(st.RunID, st.UpdatedAt)
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return catalysterrors.Wrap(catalysterrors.CodeStateArchiveFailed, err, "failed to create archive directory")
	}
	if err := s.writeAtomic(path, st); err != nil {
		return catalysterrors.Wrap(catalysterrors.CodeStateArchiveFailed, err, "failed to write archived state")
	}
	if err := os.Remove(s.livePath(st.RunID)); err != nil && !os.IsNotExist(err) {
		return catalysterrors.Wrap(catalysterrors.CodeStateArchiveFailed, err, "failed to remove live state after archiving")
	}
	return nil
}

func (s *Store) writeAtomic(path string, st *PlaybookState) error {
	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return catalysterrors.Wrap(catalysterrors.CodeStateSaveFailed, err, "failed to marshal state")
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return catalysterrors.Wrap(catalysterrors.CodeStateSaveFailed, err, "failed to write temp state file")
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return catalysterrors.Wrap(catalysterrors.CodeStateSaveFailed, err, "failed to rename state file into place")
	}
	return nil
}

// Load reads a run's state from the live directory. It does not search
// the archive; callers resuming a run expect a live (running/suspended/
// failed) state, and a completed run has nothing left to resume.
func (s *Store) Load(runID string) (*PlaybookState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.livePath(runID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, catalysterrors.Newf(catalysterrors.CodeStateLoadFailed, "no live state for run %s", runID)
		}
		return nil, catalysterrors.Wrap(catalysterrors.CodeStateLoadFailed, err, "failed to read state file")
	}

	var st PlaybookState
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, catalysterrors.Wrap(catalysterrors.CodeStateCorrupted, err, "failed to unmarshal state file")
	}
	return &st, nil
}

// liveRunID extracts the run id from a live-directory filename, or
// reports false if the entry is not a live run state file.
func liveRunID(name string) (string, bool) {
	if len(name) > len("run-")+len(".json") && name[:4] == "run-" && name[len(name)-5:] == ".json" {
		return name[4 : len(name)-5], true
	}
	return "", false
}

// ListLive returns the run IDs with state currently in the live
// directory (running, paused, or failed runs).
func (s *Store) ListLive() ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := os.ReadDir(s.root)
	if err != nil {
		return nil, catalysterrors.Wrap(catalysterrors.CodeStateLoadFailed, err, "failed to list live state directory")
	}

	var runIDs []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if runID, ok := liveRunID(e.Name()); ok {
			runIDs = append(runIDs, runID)
		}
	}
	return runIDs, nil
}

// ListStale returns the ids of live runs whose state file has not been
// touched in more than olderThanDays, comparing mtime in UTC against
// the wall clock to avoid local-timezone drift across reaping runs.
func (s *Store) ListStale(olderThanDays int) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := os.ReadDir(s.root)
	if err != nil {
		return nil, catalysterrors.Wrap(catalysterrors.CodeStateLoadFailed, err, "failed to list live state directory")
	}

	threshold := time.Now().UTC().Add(-time.Duration(olderThanDays) * 24 * time.Hour)

	var stale []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		runID, ok := liveRunID(e.Name())
		if !ok {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		if info.ModTime().UTC().Before(threshold) {
			stale = append(stale, runID)
		}
	}
	return stale, nil
}

// Delete removes a run's live state. Kept for callers that genuinely
// want to discard state without archiving; abandon uses ArchiveRun
// instead, per spec §4.7 ("archive the run regardless of its status").
func (s *Store) Delete(runID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.Remove(s.livePath(runID)); err != nil && !os.IsNotExist(err) {
		return catalysterrors.Wrap(catalysterrors.CodeStateSaveFailed, err, "failed to delete live state")
	}
	return nil
}

// ArchiveRun moves a run's live state into the archive tree regardless
// of its recorded status, for `abandon` and `cleanupStaleRuns`, both of
// which archive runs that never reached `status=completed` on their
// own. A run with no live state is a no-op, matching abandon's
// idempotence law (a second abandon of the same run must not error).
func (s *Store) ArchiveRun(runID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.livePath(runID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return catalysterrors.Wrap(catalysterrors.CodeStateLoadFailed, err, "failed to read state file")
	}

	var st PlaybookState
	if err := json.Unmarshal(data, &st); err != nil {
		return catalysterrors.Wrap(catalysterrors.CodeStateCorrupted, err, "failed to unmarshal state file")
	}

	st.UpdatedAt = time.Now().UTC()
	return s.archiveLocked(&st)
}
