package orchestrator

import (
	"encoding/json"
	"fmt"
	"net/http"
)

// wireEvent is Event's JSON wire shape: one object with an "event" field
// naming the kind and the kind's own payload fields. It is REM's own event
// shape, not the chat-completion chunk (choices/delta) layout.
type wireEvent struct {
	Event string `json:"event"`

	Content string `json:"content,omitempty"`
	Agent   string `json:"agent,omitempty"`

	ToolName   string `json:"tool_name,omitempty"`
	ToolCallID string `json:"tool_call_id,omitempty"`
	ToolStatus string `json:"tool_status,omitempty"`
	ToolArgs   string `json:"tool_arguments,omitempty"`
	ToolResult string `json:"tool_result,omitempty"`

	Reasoning string `json:"reasoning,omitempty"`

	Confidence      *float64 `json:"confidence,omitempty"`
	Risk            string   `json:"risk,omitempty"`
	RespondingAgent string   `json:"responding_agent,omitempty"`

	ActionDescription string `json:"action_description,omitempty"`

	ErrorCode    string `json:"code,omitempty"`
	ErrorMessage string `json:"message,omitempty"`
	Recoverable  bool   `json:"recoverable,omitempty"`

	FinishReason string `json:"finish_reason,omitempty"`
}

func toWire(ev Event) wireEvent {
	w := wireEvent{
		Event: string(ev.Kind), Content: ev.Content, Agent: ev.AgentName,
		ToolName: ev.ToolName, ToolCallID: ev.ToolCallID, ToolStatus: ev.ToolStatus,
		ToolArgs: ev.ToolArgs, ToolResult: ev.ToolResult, Reasoning: ev.Reasoning,
		Risk: ev.Risk, RespondingAgent: ev.RespondingAgent, ActionDescription: ev.ActionDescription,
		ErrorCode: ev.ErrorCode, ErrorMessage: ev.ErrorMessage, Recoverable: ev.Recoverable,
		FinishReason: ev.FinishReason,
	}
	if ev.Kind == KindMetadata {
		w.Confidence = &ev.Confidence
	}
	return w
}

// SSEWriter relays Events to an http.ResponseWriter as Server-Sent Events,
// flushing after every event so the client sees each chunk as it arrives.
// The terminal "done" event is followed by the literal "data: [DONE]"
// line spec §6 names as the stream terminator.
type SSEWriter struct {
	w       http.ResponseWriter
	flusher http.Flusher
}

// NewSSEWriter wraps w, setting the headers an SSE response requires. It
// returns an error if w does not support flushing (spec assumes it always
// will under net/http, but CLI harnesses or test recorders may not).
func NewSSEWriter(w http.ResponseWriter) (*SSEWriter, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, fmt.Errorf("orchestrator: response writer does not support streaming")
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	return &SSEWriter{w: w, flusher: flusher}, nil
}

// Write emits one event and flushes immediately.
func (s *SSEWriter) Write(ev Event) error {
	payload, err := json.Marshal(toWire(ev))
	if err != nil {
		return fmt.Errorf("orchestrator: marshaling event: %w", err)
	}
	if _, err := fmt.Fprintf(s.w, "data: %s\n\n", payload); err != nil {
		return err
	}
	s.flusher.Flush()
	if ev.Kind == KindDone {
		if _, err := fmt.Fprint(s.w, "data: [DONE]\n\n"); err != nil {
			return err
		}
		s.flusher.Flush()
	}
	return nil
}
