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

// Package api serves the controller's single membership-query endpoint.
package api

import (
	"encoding/json"
	"net/http"

	"github.com/bakdata/citus-membership-manager/pkg/membership"
)

// registeredResponse is the wire shape for GET /registered.
type registeredResponse struct {
	Workers []membership.PodName `json:"workers"`
	Masters []membership.PodName `json:"masters"`
}

// NewHandler returns an http.Handler serving GET /registered from a
// consistent snapshot of state. No authentication; bind address is the
// caller's concern.
func NewHandler(state *membership.State) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/registered", func(w http.ResponseWriter, r *http.Request) {
		masters, workers := state.Snapshot()
		if masters == nil {
			masters = []membership.PodName{}
		}
		if workers == nil {
			workers = []membership.PodName{}
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(registeredResponse{Workers: workers, Masters: masters})
	})
	return mux
}
