package main

import (
	"encoding/json"
	"log"
	"net/http"

	"github.com/golovatskygroup/mcp-router/internal/engine"
)

type routeRequest struct {
	Text      string `json:"text"`
	SessionID string `json:"sessionId,omitempty"`
}

type confirmRequest struct {
	RequestID string `json:"requestId"`
}

// newAPI exposes the engine's upstream contract over HTTP.
func newAPI(eng *engine.Engine) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /route", func(w http.ResponseWriter, r *http.Request) {
		var req routeRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Text == "" {
			http.Error(w, "body must be JSON with a non-empty text field", http.StatusBadRequest)
			return
		}
		resp, err := eng.RouteAndExecute(r.Context(), req.Text, req.SessionID)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, resp)
	})

	mux.HandleFunc("POST /confirm", func(w http.ResponseWriter, r *http.Request) {
		var req confirmRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.RequestID == "" {
			http.Error(w, "body must be JSON with a requestId field", http.StatusBadRequest)
			return
		}
		resp, err := eng.Confirm(r.Context(), req.RequestID)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, resp)
	})

	mux.HandleFunc("GET /capabilities", func(w http.ResponseWriter, r *http.Request) {
		query := r.URL.Query().Get("q")
		results, err := eng.SearchCapabilities(r.Context(), query, 20)
		if err != nil {
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}
		writeJSON(w, results)
	})

	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	return mux
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("api: failed to encode response: %v", err)
	}
}
