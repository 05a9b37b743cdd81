package state

import (
	"os"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/cuemby/rotor/pkg/atomicfile"
	"github.com/cuemby/rotor/pkg/metrics"
	"github.com/cuemby/rotor/pkg/types"
)

// document is the on-disk shape of the state file
type document struct {
	Jobs     map[string]jobState     `yaml:"jobs"`
	Triggers map[string]triggerState `yaml:"triggers,omitempty"`
}

type jobState struct {
	LastFiredAt         int64 `yaml:"last_fired_at"` // Epoch seconds, 0 = never
	Cursor              int   `yaml:"cursor"`
	ConsecutiveFailures int   `yaml:"consecutive_failures"`
}

type triggerState struct {
	LastFiredPeriod string `yaml:"last_fired_period"`
}

// Store persists per-job rotation state and trigger-firing markers.
// The engine is the only writer. Reads are served from an in-memory
// cache; every mutation goes through the store and is written out with
// the temp+fsync+rename discipline before the mutator returns.
type Store struct {
	path string

	mu  sync.Mutex
	doc document
}

// Open loads the state file. An absent file is empty state; an
// unreadable or corrupt file is a state fault.
func Open(path string) (*Store, error) {
	s := &Store{
		path: path,
		doc: document{
			Jobs:     make(map[string]jobState),
			Triggers: make(map[string]triggerState),
		},
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return s, nil
		}
		return nil, types.Faultf(types.FaultState, "read state %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, &s.doc); err != nil {
		return nil, types.Faultf(types.FaultState, "parse state %s: %w", path, err)
	}
	if s.doc.Jobs == nil {
		s.doc.Jobs = make(map[string]jobState)
	}
	if s.doc.Triggers == nil {
		s.doc.Triggers = make(map[string]triggerState)
	}
	return s, nil
}

// Path returns the state file path
func (s *Store) Path() string {
	return s.path
}

// JobState returns the rotation state for a job. Missing state is
// "never fired": zero LastFiredAt, cursor 0, no failures.
func (s *Store) JobState(jobID string) types.RotationState {
	s.mu.Lock()
	defer s.mu.Unlock()

	js, ok := s.doc.Jobs[jobID]
	if !ok {
		return types.RotationState{}
	}
	st := types.RotationState{
		Cursor:              js.Cursor,
		ConsecutiveFailures: js.ConsecutiveFailures,
	}
	if js.LastFiredAt > 0 {
		st.LastFiredAt = time.Unix(js.LastFiredAt, 0).UTC()
	}
	return st
}

// RecordFiring persists a successful rotation: advances LastFiredAt,
// applies the new cursor, and resets the failure streak. LastFiredAt is
// monotonically non-decreasing; an older timestamp is rejected.
func (s *Store) RecordFiring(jobID string, firedAt time.Time, cursor int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	prev := s.doc.Jobs[jobID]
	if prev.LastFiredAt > firedAt.Unix() {
		return types.Faultf(types.FaultState, "job %s: firing at %d before recorded %d", jobID, firedAt.Unix(), prev.LastFiredAt)
	}

	s.doc.Jobs[jobID] = jobState{
		LastFiredAt:         firedAt.Unix(),
		Cursor:              cursor,
		ConsecutiveFailures: 0,
	}
	return s.persistLocked()
}

// RecordFailure increments the job's consecutive-failure counter and
// returns the new streak length. LastFiredAt and cursor are untouched.
func (s *Store) RecordFailure(jobID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	js := s.doc.Jobs[jobID]
	js.ConsecutiveFailures++
	s.doc.Jobs[jobID] = js
	if err := s.persistLocked(); err != nil {
		return 0, err
	}
	return js.ConsecutiveFailures, nil
}

// LastFiredPeriod returns the period identifier that most recently
// fired for a trigger, empty if it never fired.
func (s *Store) LastFiredPeriod(triggerID string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.doc.Triggers[triggerID].LastFiredPeriod
}

// RecordTriggerFiring marks the period as fired for the trigger
func (s *Store) RecordTriggerFiring(triggerID, period string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.doc.Triggers[triggerID] = triggerState{LastFiredPeriod: period}
	return s.persistLocked()
}

// Prune drops state for jobs and triggers no longer configured
func (s *Store) Prune(jobIDs, triggerIDs map[string]bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	changed := false
	for id := range s.doc.Jobs {
		if !jobIDs[id] {
			delete(s.doc.Jobs, id)
			changed = true
		}
	}
	for id := range s.doc.Triggers {
		if !triggerIDs[id] {
			delete(s.doc.Triggers, id)
			changed = true
		}
	}
	if !changed {
		return nil
	}
	return s.persistLocked()
}

func (s *Store) persistLocked() error {
	data, err := yaml.Marshal(&s.doc)
	if err != nil {
		return types.Faultf(types.FaultState, "serialize state: %w", err)
	}
	if err := atomicfile.WriteFile(s.path, data, 0600); err != nil {
		return types.Faultf(types.FaultState, "write state %s: %w", s.path, err)
	}
	metrics.StateWrites.Inc()
	return nil
}
