package runstate

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/iambrandonn/evalgen/internal/checksum"
	"github.com/iambrandonn/evalgen/internal/fsutil"
)

// Status represents the overall state of a run
type Status string

const (
	StatusRunning     Status = "running"
	StatusCompleted   Status = "completed"
	StatusInterrupted Status = "interrupted"
	StatusFailed      Status = "failed"
)

// ErrNoState is returned by Load when no run has been recorded yet
var ErrNoState = errors.New("no run state")

// Counters are the per-outcome totals accumulated across resumes
type Counters struct {
	Processed  int `json:"processed"`
	Completed  int `json:"completed"`
	Recovered  int `json:"recovered"`
	Stalled    int `json:"stalled"`
	Silent     int `json:"silent"`
	Unexpected int `json:"unexpected"`
	Lost       int `json:"lost"`
	Reissued   int `json:"reissued"`
	GoResends  int `json:"go_resends"`
	Restarts   int `json:"restarts"`
}

// Add returns the element-wise sum
func (c Counters) Add(o Counters) Counters {
	return Counters{
		Processed:  c.Processed + o.Processed,
		Completed:  c.Completed + o.Completed,
		Recovered:  c.Recovered + o.Recovered,
		Stalled:    c.Stalled + o.Stalled,
		Silent:     c.Silent + o.Silent,
		Unexpected: c.Unexpected + o.Unexpected,
		Lost:       c.Lost + o.Lost,
		Reissued:   c.Reissued + o.Reissued,
		GoResends:  c.GoResends + o.GoResends,
		Restarts:   c.Restarts + o.Restarts,
	}
}

// RunState is the persisted checkpoint of a generation run
type RunState struct {
	RunID         string     `json:"run_id"`
	Status        Status     `json:"status"`
	InputPath     string     `json:"input_path"`
	InputChecksum string     `json:"input_checksum"`
	Depth         int        `json:"depth"`
	Total         int        `json:"total"`
	NextIndex     int        `json:"next_index"`
	Counters      Counters   `json:"counters"`
	StartedAt     time.Time  `json:"started_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
	CompletedAt   *time.Time `json:"completed_at,omitempty"`
	// Resumes counts how many times this run was continued.
	Resumes int `json:"resumes,omitempty"`
}

// NewRunState creates a running state at index 0
func NewRunState(runID, inputPath, inputChecksum string, depth, total int) *RunState {
	now := time.Now().UTC()
	return &RunState{
		RunID:         runID,
		Status:        StatusRunning,
		InputPath:     inputPath,
		InputChecksum: inputChecksum,
		Depth:         depth,
		Total:         total,
		StartedAt:     now,
		UpdatedAt:     now,
	}
}

// SaveRunState writes run state to disk atomically
func SaveRunState(state *RunState, path string) error {
	return fsutil.AtomicWriteJSON(path, state)
}

// LoadRunState reads run state from disk. A missing file wraps ErrNoState.
func LoadRunState(path string) (*RunState, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w at %s", ErrNoState, path)
		}
		return nil, fmt.Errorf("failed to read run state: %w", err)
	}

	var state RunState
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("failed to unmarshal run state: %w", err)
	}

	return &state, nil
}

// GetRunStatePath returns the standard path for run state
func GetRunStatePath(stateDir string) string {
	return filepath.Join(stateDir, "run.json")
}

// ResumeIndex returns where a new run over the given positions should
// start. It fails when the positions no longer match the recorded
// fingerprint or the run already finished.
func (s *RunState) ResumeIndex(positions []string, depth int) (int, error) {
	if s.Status == StatusCompleted {
		return 0, fmt.Errorf("run %s already completed", s.RunID)
	}
	if err := checksum.VerifyLines(positions, s.InputChecksum); err != nil {
		return 0, fmt.Errorf("input changed since run %s (was %s): %w", s.RunID, s.InputPath, err)
	}
	if s.Depth != depth {
		return 0, fmt.Errorf("run %s used depth %d, not %d", s.RunID, s.Depth, depth)
	}
	if s.NextIndex < 0 || s.NextIndex > s.Total {
		return 0, fmt.Errorf("run %s has invalid next index %d", s.RunID, s.NextIndex)
	}
	return s.NextIndex, nil
}

// Resume marks the state as running again
func (s *RunState) Resume() {
	s.Status = StatusRunning
	s.CompletedAt = nil
	s.Resumes++
	s.touch()
}

// Checkpoint records progress; counters are the totals for the whole run
func (s *RunState) Checkpoint(nextIndex int, counters Counters) {
	s.NextIndex = nextIndex
	s.Counters = counters
	s.touch()
}

// MarkCompleted marks the run as completed
func (s *RunState) MarkCompleted() {
	s.finish(StatusCompleted)
}

// MarkInterrupted marks the run as stopped by the user
func (s *RunState) MarkInterrupted() {
	s.finish(StatusInterrupted)
}

// MarkFailed marks the run as failed
func (s *RunState) MarkFailed() {
	s.finish(StatusFailed)
}

// Remaining returns how many positions are left
func (s *RunState) Remaining() int {
	return max(s.Total-s.NextIndex, 0)
}

func (s *RunState) finish(status Status) {
	s.Status = status
	s.touch()
	now := s.UpdatedAt
	s.CompletedAt = &now
}

func (s *RunState) touch() {
	s.UpdatedAt = time.Now().UTC()
}
