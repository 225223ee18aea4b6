// Copyright 2026 The Citus Membership Manager Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package membership

import "sync"

// orderedSet is a set that preserves insertion order on iteration. The
// spec permits any stable order for SQL dispatch across a set's members;
// insertion order is the simplest one and makes scenario tests
// deterministic.
type orderedSet struct {
	order []PodName
	index map[PodName]int
}

func newOrderedSet() orderedSet {
	return orderedSet{index: make(map[PodName]int)}
}

func (s *orderedSet) add(name PodName) {
	if _, ok := s.index[name]; ok {
		return
	}
	s.index[name] = len(s.order)
	s.order = append(s.order, name)
}

func (s *orderedSet) remove(name PodName) {
	i, ok := s.index[name]
	if !ok {
		return
	}
	s.order = append(s.order[:i], s.order[i+1:]...)
	delete(s.index, name)
	for j := i; j < len(s.order); j++ {
		s.index[s.order[j]] = j
	}
}

func (s *orderedSet) has(name PodName) bool {
	_, ok := s.index[name]
	return ok
}

func (s *orderedSet) len() int { return len(s.order) }

func (s *orderedSet) snapshot() []PodName {
	out := make([]PodName, len(s.order))
	copy(out, s.order)
	return out
}

// State is the single mutable object shared across the controller: the
// live masters and workers sets plus the one-shot initial-provisioning
// flag. All mutation goes through its methods, which are safe for
// concurrent use; the reconciler is expected to be its only writer, but
// readers (e.g. the HTTP query handler) may call Snapshot from any
// goroutine.
type State struct {
	mu sync.Mutex

	masters orderedSet
	workers orderedSet

	initiallyProvisioned bool
}

// NewState returns an empty membership state.
func NewState() *State {
	return &State{
		masters: newOrderedSet(),
		workers: newOrderedSet(),
	}
}

// AddMaster adds name to the masters set. A no-op if already present.
func (s *State) AddMaster(name PodName) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.masters.add(name)
}

// RemoveMaster removes name from the masters set. A no-op if absent,
// which is expected when a Deleted event arrives for a pod the
// controller never observed Added (e.g. across a controller restart).
func (s *State) RemoveMaster(name PodName) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.masters.remove(name)
}

// AddWorker adds name to the workers set. A no-op if already present.
func (s *State) AddWorker(name PodName) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.workers.add(name)
}

// RemoveWorker removes name from the workers set. A no-op if absent.
func (s *State) RemoveWorker(name PodName) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.workers.remove(name)
}

// HasWorker reports whether name is currently a known worker.
func (s *State) HasWorker(name PodName) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.workers.has(name)
}

// WorkerCount returns the number of currently known workers.
func (s *State) WorkerCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.workers.len()
}

// Snapshot returns the current masters and workers, each in the order
// they were added. Safe to call concurrently with any mutator.
func (s *State) Snapshot() (masters, workers []PodName) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.masters.snapshot(), s.workers.snapshot()
}

// TryMarkInitiallyProvisioned flips the one-shot initial-provisioning
// flag from false to true and returns true on the transition it
// performs. It returns false on every subsequent call, including
// concurrent ones racing for the same transition: the mutex on State
// ensures exactly one caller observes the flip.
func (s *State) TryMarkInitiallyProvisioned() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.initiallyProvisioned {
		return false
	}
	s.initiallyProvisioned = true
	return true
}

// InitiallyProvisioned reports the current value of the one-shot flag.
func (s *State) InitiallyProvisioned() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.initiallyProvisioned
}
