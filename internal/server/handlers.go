// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package server

import (
	"encoding/json"
	"net/http"

	"github.com/deepmemory/deepmemory/internal/store"
)

// HTTPServer exposes operational endpoints next to the MCP transport
type HTTPServer struct {
	mcpServer *MCPServer
}

// NewHTTPServer creates the HTTP side of the server
func NewHTTPServer(mcpServer *MCPServer) *HTTPServer {
	return &HTTPServer{mcpServer: mcpServer}
}

// RegisterRoutes registers all HTTP routes
func (h *HTTPServer) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/healthz", h.HandleHealth)
	mux.HandleFunc("/status", h.HandleStatus)
}

// HandleHealth reports liveness and database reachability
func (h *HTTPServer) HandleHealth(w http.ResponseWriter, r *http.Request) {
	if err := store.Ping(h.mcpServer.db); err != nil {
		http.Error(w, "database unreachable: "+err.Error(), http.StatusServiceUnavailable)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

// statusResponse summarizes what the memory store currently holds
type statusResponse struct {
	Conversations       int64 `json:"conversations"`
	Utterances          int64 `json:"utterances"`
	IndexedUtterances   int64 `json:"indexed_utterances"`
	Entities            int64 `json:"entities"`
	Summaries           int64 `json:"summaries"`
	UnresolvedConflicts int64 `json:"unresolved_conflicts"`
}

// HandleStatus reports store-level counters
func (h *HTTPServer) HandleStatus(w http.ResponseWriter, r *http.Request) {
	db := h.mcpServer.db
	var status statusResponse

	counts := []struct {
		model any
		dest  *int64
		where []any
	}{
		{&store.Conversation{}, &status.Conversations, nil},
		{&store.Utterance{}, &status.Utterances, nil},
		{&store.Utterance{}, &status.IndexedUtterances, []any{"indexed = ?", true}},
		{&store.Entity{}, &status.Entities, nil},
		{&store.Summary{}, &status.Summaries, nil},
		{&store.Conflict{}, &status.UnresolvedConflicts, []any{"resolved = ?", false}},
	}
	for _, c := range counts {
		query := db.Model(c.model)
		if c.where != nil {
			query = query.Where(c.where[0], c.where[1:]...)
		}
		if err := query.Count(c.dest).Error; err != nil {
			http.Error(w, "failed to read status: "+err.Error(), http.StatusInternalServerError)
			return
		}
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(&status)
}
