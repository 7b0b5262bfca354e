package main

import (
	"encoding/json"
	"net/http"

	"github.com/rs/zerolog/log"

	"github.com/tilerack/tilerack/go/internal/models"
)

type createSessionRequest struct {
	Players []models.Player `json:"players"`
}

// registerSessionRoutes exposes the session lifecycle and status reads
// over plain JSON. Game moves travel elsewhere; these routes only cover
// continuity concerns.
func registerSessionRoutes(mux *http.ServeMux, services *Services) {
	orch := services.Orchestrator

	mux.HandleFunc("POST /api/sessions", func(w http.ResponseWriter, r *http.Request) {
		var req createSessionRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "invalid request body", http.StatusBadRequest)
			return
		}
		sess, err := orch.CreateSession(r.Context(), req.Players)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		writeJSON(w, http.StatusCreated, sess)
	})

	mux.HandleFunc("GET /api/sessions/{id}", func(w http.ResponseWriter, r *http.Request) {
		sess, ok := orch.SessionSnapshot(r.PathValue("id"))
		if !ok {
			http.Error(w, "session not found", http.StatusNotFound)
			return
		}
		writeJSON(w, http.StatusOK, sess)
	})

	mux.HandleFunc("GET /api/sessions/{id}/players", func(w http.ResponseWriter, r *http.Request) {
		players, ok := orch.GetSessionPlayersStatus(r.PathValue("id"))
		if !ok {
			http.Error(w, "session not found", http.StatusNotFound)
			return
		}
		writeJSON(w, http.StatusOK, players)
	})

	mux.HandleFunc("GET /api/sessions/{id}/players/{playerID}", func(w http.ResponseWriter, r *http.Request) {
		conn, ok := orch.GetPlayerStatus(r.PathValue("id"), r.PathValue("playerID"))
		if !ok {
			http.Error(w, "player not found", http.StatusNotFound)
			return
		}
		writeJSON(w, http.StatusOK, conn)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("failed to encode response")
	}
}
