package httpapi

import (
	"encoding/json"
	"net/http"

	"github.com/percolation-labs/rem/internal/remerr"
)

type sessionRow struct {
	ID                 string `json:"id"`
	Name               string `json:"name"`
	UserID             *string `json:"user_id,omitempty"`
	LastProcessedIndex int64  `json:"last_processed_index"`
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	rc := contextFromHeaders(r)

	rows, err := s.app.Store.RawQuery(r.Context(),
		`SELECT id, name, user_id, last_processed_index FROM sessions WHERE tenant_id = $1 ORDER BY updated_at DESC`,
		rc.TenantID)
	if err != nil {
		writeError(w, &remerr.QueryExecutionError{Query: "list sessions", Err: err})
		return
	}
	defer rows.Close()

	out := make([]sessionRow, 0)
	for rows.Next() {
		var row sessionRow
		if err := rows.Scan(&row.ID, &row.Name, &row.UserID, &row.LastProcessedIndex); err != nil {
			writeError(w, &remerr.QueryExecutionError{Query: "list sessions", Err: err})
			return
		}
		out = append(out, row)
	}
	writeJSON(w, http.StatusOK, map[string]any{"data": out})
}

type createSessionRequest struct {
	Name   string `json:"name"`
	UserID string `json:"user_id"`
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	rc := contextFromHeaders(r)

	var body createSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, &remerr.ValidationError{Message: "malformed JSON body: " + err.Error()})
		return
	}
	if body.Name == "" {
		writeError(w, &remerr.ValidationError{Field: "name", Message: "required"})
		return
	}

	var userID any
	if body.UserID != "" {
		userID = body.UserID
	}

	rows, err := s.app.Store.RawQuery(r.Context(),
		`INSERT INTO sessions (name, tenant_id, user_id) VALUES ($1, $2, $3)
		 ON CONFLICT (tenant_id, name) DO UPDATE SET updated_at = now()
		 RETURNING id, name, user_id, last_processed_index`,
		body.Name, rc.TenantID, userID)
	if err != nil {
		writeError(w, &remerr.QueryExecutionError{Query: "create session", Err: err})
		return
	}
	defer rows.Close()

	var row sessionRow
	if rows.Next() {
		if err := rows.Scan(&row.ID, &row.Name, &row.UserID, &row.LastProcessedIndex); err != nil {
			writeError(w, &remerr.QueryExecutionError{Query: "create session", Err: err})
			return
		}
	}
	writeJSON(w, http.StatusCreated, row)
}

type updateSessionRequest struct {
	LastProcessedIndex *int64 `json:"last_processed_index"`
}

func (s *Server) handleUpdateSession(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if id == "" {
		writeError(w, &remerr.ValidationError{Field: "id", Message: "required"})
		return
	}

	var body updateSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, &remerr.ValidationError{Message: "malformed JSON body: " + err.Error()})
		return
	}
	if body.LastProcessedIndex == nil {
		writeError(w, &remerr.ValidationError{Field: "last_processed_index", Message: "required"})
		return
	}

	rows, err := s.app.Store.RawQuery(r.Context(),
		`UPDATE sessions SET last_processed_index = $1, updated_at = now() WHERE id = $2`,
		*body.LastProcessedIndex, id)
	if err != nil {
		writeError(w, &remerr.QueryExecutionError{Query: "update session", Err: err})
		return
	}
	rows.Close()

	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
