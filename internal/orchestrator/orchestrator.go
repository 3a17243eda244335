// Package orchestrator bridges an Agent's internal event stream to a
// client-facing SSE/chunked channel (spec §4.9): it relays the seven wire
// event kinds, merges a spawned child agent's events into the outer
// stream tagged with its name, enforces the content-suppression
// invariant, and persists the completed turn to the session store.
package orchestrator

import (
	"context"
	"fmt"
	"time"

	"github.com/percolation-labs/rem/internal/agentfactory"
	"github.com/percolation-labs/rem/internal/assembler"
	"github.com/percolation-labs/rem/internal/llm"
	"github.com/percolation-labs/rem/internal/session"
)

// Kind is one of the seven SSE event kinds spec §4.9 defines.
type Kind string

const (
	KindContent       Kind = "content"
	KindToolCall      Kind = "tool_call"
	KindReasoning     Kind = "reasoning"
	KindMetadata      Kind = "metadata"
	KindActionRequest Kind = "action_request"
	KindError         Kind = "error"
	KindDone          Kind = "done"
)

// toolCallResultTruncateLength bounds how much of a tool's result is
// relayed in a tool_call event — spec §4.9 calls for a "truncated result".
const toolCallResultTruncateLength = 500

// Event is one relayed SSE event. Only the fields meaningful to Kind are
// populated; the rest are zero.
type Event struct {
	Kind Kind

	// AgentName is empty for the outer agent, set to the child's schema
	// name when an event was relayed from the sink queue.
	AgentName string

	Content string // content

	ToolName   string // tool_call
	ToolCallID string
	ToolStatus string // "started" | "completed"
	ToolArgs   string
	ToolResult string

	Reasoning string // reasoning

	Confidence float64 // metadata
	Risk       string
	RespondingAgent string

	ActionDescription string // action_request

	ErrorCode     string // error
	ErrorMessage  string
	Recoverable   bool

	FinishReason string // done
}

// Sink is the bounded, single-consumer queue a tool invocation that spawns
// a child agent pushes its events into (spec §5: "the event sink for
// child-agent events is a bounded queue owned by the request"). Push
// blocks once full — backpressure, not drop-oldest, since losing a
// child's content would violate the suppression invariant's bookkeeping.
type Sink struct {
	ch chan Event
}

// NewSink returns a Sink with the given buffer capacity.
func NewSink(capacity int) *Sink {
	return &Sink{ch: make(chan Event, capacity)}
}

// Push enqueues ev, blocking if the sink is full.
func (s *Sink) Push(ctx context.Context, ev Event) {
	select {
	case s.ch <- ev:
	case <-ctx.Done():
	}
}

// drain removes every event currently queued without blocking, preserving
// order — called at the orchestrator's one safe point, after the outer
// agent's Run has returned.
func (s *Sink) drain() []Event {
	var out []Event
	for {
		select {
		case ev := <-s.ch:
			out = append(out, ev)
		default:
			return out
		}
	}
}

type sinkKey struct{}

// WithSink attaches a Sink to ctx so a tool that spawns a child agent can
// retrieve it with SinkFromContext and push the child's relayed events.
func WithSink(ctx context.Context, sink *Sink) context.Context {
	return context.WithValue(ctx, sinkKey{}, sink)
}

// SinkFromContext retrieves the Sink attached by WithSink, if any.
func SinkFromContext(ctx context.Context) (*Sink, bool) {
	sink, ok := ctx.Value(sinkKey{}).(*Sink)
	return sink, ok
}

// Orchestrator drives one agent turn end to end: assemble the prompt,
// build and run the agent, relay events (merging any child-agent sink
// traffic), and persist the turn.
type Orchestrator struct {
	factory   *agentfactory.Factory
	assembler *assembler.Assembler
	sessions  *session.Store
}

// New returns an Orchestrator wired to the given factory, assembler, and
// session store (the last two should share the same tenant scope).
func New(factory *agentfactory.Factory, asm *assembler.Assembler, sessions *session.Store) *Orchestrator {
	return &Orchestrator{factory: factory, assembler: asm, sessions: sessions}
}

// Request is one chat turn's inputs.
type Request struct {
	Caller          agentfactory.CallerContext
	SchemaName      string
	ProviderModelID string
	SessionID       string
	UserMessage     string
}

// Run assembles the prompt, builds and runs the agent, and relays events
// to emit in wire order: the child-agent sink is drained first (it can
// only contain events produced during the run just finished), then the
// outer agent's own events, with the outer agent's content suppressed for
// the remainder of the turn once any child content has been relayed. On
// success, it persists the new user turn and the assistant's final output
// to the session store with compression enabled.
func (o *Orchestrator) Run(ctx context.Context, req Request, emit func(Event)) (string, error) {
	userMsg := llm.Message{Role: "user", Content: &req.UserMessage}
	messages, err := o.assembler.Assemble(ctx, req.SessionID, nullableUser(req.Caller.UserID), []llm.Message{userMsg})
	if err != nil {
		return "", fmt.Errorf("orchestrator: assembling prompt: %w", err)
	}

	agent, err := o.factory.Build(ctx, req.SchemaName, req.ProviderModelID, req.Caller)
	if err != nil {
		return "", fmt.Errorf("orchestrator: building agent %q: %w", req.SchemaName, err)
	}

	sink := NewSink(64)
	runCtx := WithSink(ctx, sink)

	content, rawEvents, runErr := agent.Run(runCtx, messages)

	suppressed := false
	for _, childEv := range sink.drain() {
		emit(childEv)
		if childEv.Kind == KindContent {
			suppressed = true
		}
	}
	for _, ev := range translateAgentEvents(rawEvents) {
		if ev.Kind == KindContent && suppressed {
			continue
		}
		emit(ev)
	}

	if runErr != nil {
		emit(Event{Kind: KindError, ErrorMessage: runErr.Error(), Recoverable: false})
		return "", fmt.Errorf("orchestrator: running agent %q: %w", req.SchemaName, runErr)
	}

	if err := o.persistTurn(ctx, req, content); err != nil {
		return content, fmt.Errorf("orchestrator: persisting turn: %w", err)
	}
	return content, nil
}

func (o *Orchestrator) persistTurn(ctx context.Context, req Request, assistantContent string) error {
	if req.SessionID == "" {
		return nil
	}
	existing, err := o.sessions.LoadTurns(ctx, req.SessionID, false)
	if err != nil {
		return err
	}
	userID := nullableUser(req.Caller.UserID)
	now := time.Now().UTC()

	next := len(existing)
	if err := o.sessions.AppendTurn(ctx, userID, req.SessionID, next, session.Turn{
		Role: "user", Content: req.UserMessage, Timestamp: now,
	}); err != nil {
		return err
	}
	return o.sessions.AppendTurn(ctx, userID, req.SessionID, next+1, session.Turn{
		Role: "assistant", Content: assistantContent, Timestamp: now,
	})
}

// translateAgentEvents maps agentfactory's simplified event vocabulary
// onto the seven wire kinds spec §4.9 names. agentfactory has no
// reasoning/metadata/action_request events of its own yet — those are
// only ever produced by a child agent's own Run via the sink — so this
// translation only ever emits content, tool_call, error, and done.
func translateAgentEvents(events []agentfactory.Event) []Event {
	out := make([]Event, 0, len(events))
	for _, ev := range events {
		switch ev.Type {
		case agentfactory.EventContent:
			out = append(out, Event{Kind: KindContent, Content: ev.Content})
		case agentfactory.EventToolStart:
			out = append(out, Event{Kind: KindToolCall, ToolName: ev.ToolName, ToolArgs: ev.ToolArgs, ToolStatus: "started"})
		case agentfactory.EventToolDone:
			out = append(out, Event{Kind: KindToolCall, ToolName: ev.ToolName, ToolResult: truncate(ev.ToolResult, toolCallResultTruncateLength), ToolStatus: "completed"})
		case agentfactory.EventToolError:
			out = append(out, Event{Kind: KindError, ErrorMessage: ev.ToolError.Error(), Recoverable: true})
		case agentfactory.EventDone:
			out = append(out, Event{Kind: KindDone, FinishReason: "stop"})
		}
	}
	return out
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

func nullableUser(userID string) *string {
	if userID == "" {
		return nil
	}
	return &userID
}
