package httpapi

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/percolation-labs/rem/internal/remerr"
)

// wireRow is storage.Row's JSON shape: the row id and timestamps, with
// the table-specific columns nested under "columns".
type wireRow struct {
	ID        string         `json:"id"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
	Columns   map[string]any `json:"columns"`
}

func (s *Server) handleListMessages(w http.ResponseWriter, r *http.Request) {
	sessionID := r.URL.Query().Get("session_id")
	if sessionID == "" {
		writeError(w, &remerr.ValidationError{Field: "session_id", Message: "required"})
		return
	}
	rc := contextFromHeaders(r)

	var after time.Time
	if rawAfter := r.URL.Query().Get("after"); rawAfter != "" {
		parsed, err := time.Parse(time.RFC3339, rawAfter)
		if err != nil {
			writeError(w, &remerr.ValidationError{Field: "after", Message: "must be RFC3339"})
			return
		}
		after = parsed
	}

	rows, err := s.app.Store.SessionMessages(r.Context(), rc.TenantID, sessionID, after)
	if err != nil {
		writeError(w, err)
		return
	}

	userFilter := r.URL.Query().Get("user_id")
	out := make([]wireRow, 0, len(rows))
	for _, row := range rows {
		if userFilter != "" {
			if uid, _ := row.Columns["user_id"].(string); uid != userFilter {
				continue
			}
		}
		out = append(out, wireRow{ID: row.ID, CreatedAt: row.CreatedAt, UpdatedAt: row.UpdatedAt, Columns: row.Columns})
	}
	writeJSON(w, http.StatusOK, map[string]any{"data": out})
}

type messageFeedbackRequest struct {
	MessageID string  `json:"message_id"`
	Rating    *int    `json:"rating"`
	Label     string  `json:"label"`
}

func (s *Server) handleMessageFeedback(w http.ResponseWriter, r *http.Request) {
	var body messageFeedbackRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, &remerr.ValidationError{Message: "malformed JSON body: " + err.Error()})
		return
	}
	if body.MessageID == "" {
		writeError(w, &remerr.ValidationError{Field: "message_id", Message: "required"})
		return
	}

	feedback := map[string]any{}
	if body.Rating != nil {
		feedback["rating"] = *body.Rating
	}
	if body.Label != "" {
		feedback["label"] = body.Label
	}
	payload, err := json.Marshal(feedback)
	if err != nil {
		writeError(w, err)
		return
	}

	rows, err := s.app.Store.RawQuery(r.Context(),
		`UPDATE messages SET metadata = metadata || $1::jsonb WHERE id = $2`,
		string(payload), body.MessageID)
	if err != nil {
		writeError(w, &remerr.QueryExecutionError{Query: "messages feedback update", Err: err})
		return
	}
	rows.Close()

	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
