package httpapi

import (
	"encoding/json"
	"net/http"
)

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// modelCatalogEntry is one row of the static /models response.
type modelCatalogEntry struct {
	ID       string `json:"id"`
	Provider string `json:"provider"`
	Kind     string `json:"kind"` // "chat" | "embedding"
}

func (s *Server) handleModels(w http.ResponseWriter, r *http.Request) {
	entries := make([]modelCatalogEntry, 0)
	for _, provider := range s.app.LLMs.Providers() {
		entries = append(entries, modelCatalogEntry{ID: provider + ":*", Provider: provider, Kind: "chat"})
	}
	entries = append(entries, modelCatalogEntry{
		ID: s.app.Config.LLM.DefaultModel, Kind: "chat",
	}, modelCatalogEntry{
		ID: s.app.Config.LLM.PlannerModel, Kind: "chat",
	})
	writeJSON(w, http.StatusOK, map[string]any{"data": entries})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
