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

import (
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestState_AddRemoveWorker(t *testing.T) {
	s := NewState()
	s.AddWorker("w0")
	s.AddWorker("w1")

	if got, want := s.WorkerCount(), 2; got != want {
		t.Fatalf("WorkerCount() = %d, want %d", got, want)
	}

	s.RemoveWorker("w0")
	if s.HasWorker("w0") {
		t.Fatalf("HasWorker(w0) = true after remove")
	}
	if got, want := s.WorkerCount(), 1; got != want {
		t.Fatalf("WorkerCount() = %d, want %d", got, want)
	}
}

func TestState_RemoveAbsentIsNoop(t *testing.T) {
	s := NewState()
	s.RemoveWorker("ghost")
	s.RemoveMaster("ghost")
	if s.WorkerCount() != 0 {
		t.Fatalf("expected empty state after removing absent pods")
	}
}

func TestState_SnapshotPreservesInsertionOrder(t *testing.T) {
	s := NewState()
	s.AddWorker("w0")
	s.AddWorker("w1")
	s.AddWorker("w2")

	_, workers := s.Snapshot()
	want := []PodName{"w0", "w1", "w2"}
	if diff := cmp.Diff(want, workers); diff != "" {
		t.Fatalf("Snapshot() workers mismatch (-want +got):\n%s", diff)
	}

	s.RemoveWorker("w1")
	s.AddWorker("w3")
	_, workers = s.Snapshot()
	want = []PodName{"w0", "w2", "w3"}
	if diff := cmp.Diff(want, workers); diff != "" {
		t.Fatalf("Snapshot() after remove+add mismatch (-want +got):\n%s", diff)
	}
}

func TestState_TryMarkInitiallyProvisionedOnce(t *testing.T) {
	s := NewState()
	if !s.TryMarkInitiallyProvisioned() {
		t.Fatalf("first TryMarkInitiallyProvisioned() = false, want true")
	}
	if s.TryMarkInitiallyProvisioned() {
		t.Fatalf("second TryMarkInitiallyProvisioned() = true, want false")
	}
	if !s.InitiallyProvisioned() {
		t.Fatalf("InitiallyProvisioned() = false after flip")
	}
}

func TestState_ConcurrentInitialProvisionFlipsOnce(t *testing.T) {
	s := NewState()
	const goroutines = 32
	results := make(chan bool, goroutines)
	for i := 0; i < goroutines; i++ {
		go func() { results <- s.TryMarkInitiallyProvisioned() }()
	}
	trueCount := 0
	for i := 0; i < goroutines; i++ {
		if <-results {
			trueCount++
		}
	}
	if trueCount != 1 {
		t.Fatalf("expected exactly one winner, got %d", trueCount)
	}
}
