package httpapi

import (
	"encoding/json"
	"net/http"

	"github.com/percolation-labs/rem/internal/orchestrator"
	"github.com/percolation-labs/rem/internal/remerr"
)

// chatCompletionRequest is the OpenAI-compatible request body spec §6
// names, extended with the REM-specific agent schema selector.
type chatCompletionRequest struct {
	Model      string `json:"model"`
	Messages   []struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	} `json:"messages"`
	Stream       bool   `json:"stream"`
	AgentSchema  string `json:"agent_schema"`
	SessionID    string `json:"session_id"`
}

// chatCompletionResponse is the non-streaming response body: a single
// JSON object compatible with the standard chat-completion object.
type chatCompletionResponse struct {
	ID      string `json:"id"`
	Object  string `json:"object"`
	Model   string `json:"model"`
	Choices []chatChoice `json:"choices"`
}

type chatChoice struct {
	Index        int    `json:"index"`
	FinishReason string `json:"finish_reason"`
	Message      struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	} `json:"message"`
}

func (s *Server) handleChatCompletions(w http.ResponseWriter, r *http.Request) {
	rc := contextFromHeaders(r)

	var body chatCompletionRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, &remerr.ValidationError{Message: "malformed JSON body: " + err.Error()})
		return
	}
	if len(body.Messages) == 0 {
		writeError(w, &remerr.ValidationError{Message: "messages must contain at least one entry"})
		return
	}

	model := body.Model
	if model == "" {
		model = rc.ModelName
	}
	if model == "" {
		model = s.app.Config.LLM.DefaultModel
	}
	schema := body.AgentSchema
	if schema == "" {
		schema = rc.AgentSchema
	}
	sessionID := body.SessionID
	if sessionID == "" {
		sessionID = rc.SessionID
	}

	req := orchestratorRequestFrom(rc, schema, model, sessionID, body.Messages[len(body.Messages)-1].Content)

	if body.Stream {
		s.streamChat(w, r, req)
		return
	}
	s.blockingChat(w, r, req, model)
}

func orchestratorRequestFrom(rc requestContext, schema, model, sessionID, userMessage string) orchestrator.Request {
	return orchestrator.Request{
		Caller:          rc.caller(),
		SchemaName:      schema,
		ProviderModelID: model,
		SessionID:       sessionID,
		UserMessage:     userMessage,
	}
}

func (s *Server) streamChat(w http.ResponseWriter, r *http.Request, req orchestrator.Request) {
	sse, err := orchestrator.NewSSEWriter(w)
	if err != nil {
		writeError(w, err)
		return
	}
	_, runErr := s.app.Run.Run(r.Context(), req, func(ev orchestrator.Event) {
		sse.Write(ev)
	})
	if runErr != nil {
		sse.Write(orchestrator.Event{Kind: orchestrator.KindError, ErrorMessage: runErr.Error()})
		sse.Write(orchestrator.Event{Kind: orchestrator.KindDone, FinishReason: "error"})
	}
}

func (s *Server) blockingChat(w http.ResponseWriter, r *http.Request, req orchestrator.Request, model string) {
	content, err := s.app.Run.Run(r.Context(), req, func(orchestrator.Event) {})
	if err != nil {
		writeError(w, err)
		return
	}
	resp := chatCompletionResponse{ID: "chatcmpl-" + req.SessionID, Object: "chat.completion", Model: model}
	resp.Choices = []chatChoice{{Index: 0, FinishReason: "stop"}}
	resp.Choices[0].Message.Role = "assistant"
	resp.Choices[0].Message.Content = content
	writeJSON(w, http.StatusOK, resp)
}

func writeError(w http.ResponseWriter, err error) {
	writeJSON(w, remerr.StatusFor(err), map[string]any{
		"error": map[string]any{
			"code":    string(remerr.CodeOf(err)),
			"message": err.Error(),
		},
	})
}
