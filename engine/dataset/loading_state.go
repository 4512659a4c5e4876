package dataset

import (
	"fmt"
	"sync"
	"time"
)

// State is the phase of a dataset load.
type State int

const (
	StateStarting State = iota
	StateLoadSlice
	StateFinished
	StateError
)

func (s State) String() string {
	switch s {
	case StateStarting:
		return "starting"
	case StateLoadSlice:
		return "load_slice"
	case StateFinished:
		return "finished"
	case StateError:
		return "error"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Snapshot is a consistent copy of a LoadingState.
type Snapshot struct {
	State          State
	CurrentSubstep int
	SubstepCount   int
	Err            error
	LoadingTime    time.Duration
}

// Terminal reports whether the load stopped, successfully or not.
func (s Snapshot) Terminal() bool {
	return s.State == StateFinished || s.State == StateError
}

// Progress returns CurrentSubstep / SubstepCount, or 1 for an empty finished load.
func (s Snapshot) Progress() float64 {
	if s.SubstepCount == 0 {
		if s.State == StateFinished {
			return 1
		}
		return 0
	}
	return float64(s.CurrentSubstep) / float64(s.SubstepCount)
}

// LoadingState is the progress of one dataset load. The loader goroutine writes it; any goroutine may
// read it through Snapshot.
type LoadingState struct {
	mu       sync.RWMutex
	state    State
	current  int
	count    int
	err      error
	started  time.Time
	finished time.Time
}

func newLoadingState(substeps int) *LoadingState {
	return &LoadingState{
		state:   StateStarting,
		count:   substeps,
		started: time.Now(),
	}
}

// Snapshot reads the whole state under the read lock.
//
// Returns:
//   - Snapshot: the current state, progress, error and elapsed loading time
func (s *LoadingState) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()

	snap := Snapshot{
		State:          s.state,
		CurrentSubstep: s.current,
		SubstepCount:   s.count,
		Err:            s.err,
	}
	if s.finished.IsZero() {
		snap.LoadingTime = time.Since(s.started)
	} else {
		snap.LoadingTime = s.finished.Sub(s.started)
	}
	return snap
}

func (s *LoadingState) beginSlices() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateStarting {
		s.state = StateLoadSlice
	}
}

// advance moves the progress counter forward; it never moves backwards.
func (s *LoadingState) advance(substep int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if substep > s.current {
		s.current = min(substep, s.count)
	}
}

func (s *LoadingState) finish() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateError || s.state == StateFinished {
		return
	}
	s.state = StateFinished
	s.finished = time.Now()
}

// fail records the first failure. A finished load stays finished.
func (s *LoadingState) fail(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateError || s.state == StateFinished {
		return
	}
	s.state = StateError
	s.err = err
	s.finished = time.Now()
}
