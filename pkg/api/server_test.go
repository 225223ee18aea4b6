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

package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/bakdata/citus-membership-manager/pkg/membership"
)

func TestHandler_Registered_EmptyStateReturnsEmptyArraysNotNull(t *testing.T) {
	state := membership.NewState()
	srv := httptest.NewServer(NewHandler(state))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/registered")
	if err != nil {
		t.Fatalf("GET /registered: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "application/json" {
		t.Fatalf("Content-Type = %q, want application/json", ct)
	}

	var body map[string]json.RawMessage
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decoding body: %v", err)
	}
	if string(body["workers"]) != "[]" {
		t.Fatalf(`workers = %s, want []`, body["workers"])
	}
	if string(body["masters"]) != "[]" {
		t.Fatalf(`masters = %s, want []`, body["masters"])
	}
}

func TestHandler_Registered_ReflectsCurrentSnapshot(t *testing.T) {
	state := membership.NewState()
	state.AddMaster("m0")
	state.AddWorker("w0")
	state.AddWorker("w1")

	srv := httptest.NewServer(NewHandler(state))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/registered")
	if err != nil {
		t.Fatalf("GET /registered: %v", err)
	}
	defer resp.Body.Close()

	var body registeredResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decoding body: %v", err)
	}
	if len(body.Masters) != 1 || body.Masters[0] != "m0" {
		t.Fatalf("masters = %v, want [m0]", body.Masters)
	}
	if len(body.Workers) != 2 {
		t.Fatalf("workers = %v, want 2 entries", body.Workers)
	}
}
