package agentfactory

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/jsonschema-go/jsonschema"

	"github.com/percolation-labs/rem/internal/llm"
)

// EventType classifies one step of an Agent's run, mirroring the shape
// haivivi-giztoy's agent.AgentEvent uses to let a streaming caller relay
// progress without waiting for the whole run to finish.
type EventType int

const (
	EventContent EventType = iota
	EventToolStart
	EventToolDone
	EventToolError
	EventDone
)

func (t EventType) String() string {
	switch t {
	case EventContent:
		return "content"
	case EventToolStart:
		return "tool_start"
	case EventToolDone:
		return "tool_done"
	case EventToolError:
		return "tool_error"
	case EventDone:
		return "done"
	default:
		return "unknown"
	}
}

// Event is one step the Streaming Orchestrator relays to its caller.
type Event struct {
	Type       EventType
	Content    string
	ToolName   string
	ToolArgs   string
	ToolResult string
	ToolError  error
}

// Agent is a thin wrapper delegating completion to the underlying
// ChatProvider while enforcing the schema's iteration cap and tool
// bindings — spec §4.8's "thin wrapper that delegates run/iter... while
// enforcing the iteration cap".
type Agent struct {
	provider      llm.ChatProvider
	model         string
	systemPrompt  string
	outputSchema  *jsonschema.Schema
	tools         []llm.ToolDefinition
	invokers      map[string]func(ctx context.Context, argsJSON string) (string, error)
	temperature   *float64
	maxIterations int
	caller        CallerContext
}

// OutputSchema returns the agent's (already compatibility-passed) output
// contract, for callers that want to validate or advertise it.
func (a *Agent) OutputSchema() *jsonschema.Schema { return a.outputSchema }

// Run drives the tool-calling loop to completion: each round asks the
// provider for a completion, and if it returns tool calls, invokes them
// and feeds the results back for another round, until the provider
// returns plain content or the schema's max_iterations is exhausted.
// Events are accumulated and returned alongside the final content so
// both a batch caller and a streaming relay (internal/orchestrator) can
// consume the same Run.
func (a *Agent) Run(ctx context.Context, messages []llm.Message) (string, []Event, error) {
	var events []Event
	history := append([]llm.Message(nil), messages...)

	for iteration := 0; iteration < a.maxIterations; iteration++ {
		resp, err := a.provider.Complete(ctx, llm.Request{
			Model:        a.model,
			SystemPrompt: a.systemPrompt,
			Messages:     history,
			Tools:        a.tools,
			Temperature:  a.temperature,
		})
		if err != nil {
			return "", events, fmt.Errorf("agentfactory: completion round %d: %w", iteration, err)
		}

		if len(resp.ToolCalls) == 0 {
			content := ""
			if resp.Content != nil {
				content = *resp.Content
			}
			events = append(events, Event{Type: EventContent, Content: content})
			events = append(events, Event{Type: EventDone})
			return content, events, nil
		}

		history = append(history, llm.Message{Role: "assistant", ToolCalls: resp.ToolCalls})
		for _, call := range resp.ToolCalls {
			events = append(events, Event{Type: EventToolStart, ToolName: call.Function.Name, ToolArgs: call.Function.Arguments})

			result, err := a.invokeTool(ctx, call)
			if err != nil {
				events = append(events, Event{Type: EventToolError, ToolName: call.Function.Name, ToolError: err})
				result = fmt.Sprintf(`{"error":%q}`, err.Error())
			} else {
				events = append(events, Event{Type: EventToolDone, ToolName: call.Function.Name, ToolResult: result})
			}

			history = append(history, llm.Message{Role: "tool", Content: &result, ToolCallID: call.ID})
		}
	}

	return "", events, fmt.Errorf("agentfactory: exceeded max_iterations (%d)", a.maxIterations)
}

func (a *Agent) invokeTool(ctx context.Context, call llm.ToolCall) (string, error) {
	invoke, ok := a.invokers[call.Function.Name]
	if !ok {
		return "", fmt.Errorf("agentfactory: tool %q is not bound to this agent", call.Function.Name)
	}
	return invoke(ctx, call.Function.Arguments)
}

// ValidateOutput decodes content against the agent's output schema,
// rejecting any field not declared in the schema's properties whenever an
// output schema is set, whatever its additionalProperties setting.
func (a *Agent) ValidateOutput(content string) (map[string]any, error) {
	var out map[string]any
	if err := json.Unmarshal([]byte(content), &out); err != nil {
		return nil, fmt.Errorf("agentfactory: output does not parse as JSON: %w", err)
	}
	if a.outputSchema == nil {
		return out, nil
	}
	for key := range out {
		if _, declared := a.outputSchema.Properties[key]; !declared {
			return nil, fmt.Errorf("agentfactory: output field %q is not declared in the schema", key)
		}
	}
	return out, nil
}
