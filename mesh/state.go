package mesh

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Run phases
const (
	PhaseIdle    = "idle"
	PhaseRigid   = "rigid"
	PhaseRunning = "running"
	PhaseDone    = "done"
	PhaseFailed  = "failed"
)

// RunStatus is a snapshot of a registration run for HTTP endpoints
type RunStatus struct {
	Phase        string    `json:"phase"`
	Source       string    `json:"source,omitempty"`
	Target       string    `json:"target,omitempty"`
	StartedAt    time.Time `json:"startedAt,omitempty"`
	FinishedAt   time.Time `json:"finishedAt,omitempty"`
	Progress     *Progress `json:"progress,omitempty"` // Latest inner iteration
	Solves       int       `json:"solves"`
	Accepted     int       `json:"accepted"`
	Vertices     int       `json:"vertices"`
	MeanDistance float64   `json:"meanDistance"`
	Warnings     []string  `json:"warnings,omitempty"`
	Error        string    `json:"error,omitempty"`
}

// RunTracker records the state of the current registration run. It is safe
// for concurrent use by the registration goroutine and HTTP handlers.
type RunTracker struct {
	mu        sync.RWMutex
	status    RunStatus
	result    *Result
	source    *Mesh
	target    *Mesh
	cachePath string // status JSON is written here on Finish/Fail; empty disables persistence
}

// NewRunTracker creates an idle tracker
func NewRunTracker() *RunTracker {
	return &RunTracker{status: RunStatus{Phase: PhaseIdle}}
}

// NewRunTrackerWithCache creates a tracker that persists its final status to
// cachePath. A status cached by an earlier run is loaded on creation.
func NewRunTrackerWithCache(cachePath string) *RunTracker {
	rt := NewRunTracker()
	rt.cachePath = cachePath
	if cachePath != "" {
		if st, err := LoadRunStatus(cachePath); err == nil {
			rt.status = *st
		}
	}
	return rt
}

// Start marks the beginning of a run over the given inputs
func (rt *RunTracker) Start(sourceName, targetName string, source, target *Mesh) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	rt.status = RunStatus{
		Phase:     PhaseRunning,
		Source:    sourceName,
		Target:    targetName,
		StartedAt: time.Now(),
		Vertices:  len(source.Vertices),
	}
	rt.result = nil
	rt.source = source
	rt.target = target
}

// SetPhase changes the phase of a run in progress
func (rt *RunTracker) SetPhase(phase string) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	rt.status.Phase = phase
}

// SetSource replaces the source mesh shown in previews (after rigid alignment)
func (rt *RunTracker) SetSource(source *Mesh) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	rt.source = source
}

// Update records an inner-iteration progress report
func (rt *RunTracker) Update(pr Progress) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	p := pr
	rt.status.Progress = &p
	rt.status.Solves++
	rt.status.Accepted = pr.Accepted
	rt.status.MeanDistance = pr.MeanDistance
}

// Finish stores the result of a successful run
func (rt *RunTracker) Finish(res *Result) {
	rt.mu.Lock()
	rt.result = res
	rt.status.Phase = PhaseDone
	rt.status.FinishedAt = time.Now()
	rt.status.Solves = res.Solves
	rt.status.Accepted = res.Accepted()
	rt.status.MeanDistance = res.MeanDistance()
	rt.status.Warnings = rt.status.Warnings[:0]
	for _, w := range res.Warnings {
		rt.status.Warnings = append(rt.status.Warnings, w.Error())
	}
	snapshot := rt.status
	rt.mu.Unlock()

	rt.persist(snapshot)
}

// Fail records a failed run. Any previous result is discarded.
func (rt *RunTracker) Fail(err error) {
	rt.mu.Lock()
	rt.result = nil
	rt.status.Phase = PhaseFailed
	rt.status.FinishedAt = time.Now()
	rt.status.Error = err.Error()
	snapshot := rt.status
	rt.mu.Unlock()

	rt.persist(snapshot)
}

// Snapshot returns a copy of the current status
func (rt *RunTracker) Snapshot() RunStatus {
	rt.mu.RLock()
	defer rt.mu.RUnlock()
	st := rt.status
	if st.Progress != nil {
		p := *st.Progress
		st.Progress = &p
	}
	st.Warnings = append([]string(nil), st.Warnings...)
	return st
}

// Result returns the finished result, or nil while none is available
func (rt *RunTracker) Result() *Result {
	rt.mu.RLock()
	defer rt.mu.RUnlock()
	return rt.result
}

// Meshes returns the source and target of the current run
func (rt *RunTracker) Meshes() (source, target *Mesh) {
	rt.mu.RLock()
	defer rt.mu.RUnlock()
	return rt.source, rt.target
}

func (rt *RunTracker) persist(st RunStatus) {
	if rt.cachePath == "" {
		return
	}
	if err := SaveRunStatus(&st, rt.cachePath); err != nil {
		log.Printf("warning: failed to save run status cache: %v", err)
	}
}

// SaveRunStatus writes a RunStatus to disk as JSON
func SaveRunStatus(st *RunStatus, path string) error {
	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal run status: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create cache directory: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write run status cache: %w", err)
	}
	return nil
}

// LoadRunStatus reads a RunStatus from a JSON file on disk
func LoadRunStatus(path string) (*RunStatus, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read run status cache: %w", err)
	}
	var st RunStatus
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, fmt.Errorf("unmarshal run status cache: %w", err)
	}
	return &st, nil
}
