// Package planner implements the Query Planner Agent: it converts a
// natural-language question into a REM dialect query string, a confidence
// score, and (for low-confidence answers) a short explanation. It never
// executes the query itself and never decides whether confidence is "high
// enough" — that threshold is a caller concern (internal/remquery or
// whatever tool invoked the agent decides what to do with a 0.4).
package planner

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/kaptinlin/jsonrepair"

	"github.com/percolation-labs/rem/internal/llm"
	"github.com/percolation-labs/rem/internal/remerr"
)

// Output is the agent's structured answer, mirroring the three-field shape
// the original Python agent settled on for small-model compatibility.
type Output struct {
	Query      string  `json:"query" validate:"required"`
	Confidence float64 `json:"confidence" validate:"gte=0,lte=1"`
	Reasoning  string  `json:"reasoning"`
}

const lowConfidenceThreshold = 0.7

// systemPrompt is the few-shot instruction block the planner sends as the
// chat system message. Kept close to the original agent's worked examples
// so the model's query-mode selection matches the documented heuristics.
const systemPrompt = `You are a REM Query Agent that converts natural language to REM query strings.

REM Query Syntax:

1. LOOKUP <entity-key> - O(1) entity lookup by natural key
   Example: "Show me Sarah Chen" -> LOOKUP sarah-chen

2. FUZZY <text> [threshold=0.3] [limit=10] - Trigram text similarity
   Example: "Find people named Sara" -> FUZZY Sara threshold=0.3 limit=10

3. SEARCH <query> table=<name> [field=content] [limit=10] - Semantic vector search
   Example: "Documents about databases" -> SEARCH database table=resources limit=10

4. SQL table=<name> where=<clause> [limit=100] - Direct table query
   Example: "Meetings in Q4" -> SQL table=moments where="moment_type='meeting' AND created_at>='2024-10-01'" limit=100

5. TRAVERSE <entity-key> [depth=1] [rel_type=<type>] - Graph traversal
   Example: "What does Sarah manage?" -> TRAVERSE sarah-chen depth=1 rel_type=manages

Query selection:
- Entity by name -> LOOKUP (fastest)
- Partial/typo -> FUZZY
- Concept/topic -> SEARCH
- Time/filter -> SQL
- Relationships -> TRAVERSE

Confidence: 1.0 = exact, 0.9 = clear, 0.7-0.8 = good, below 0.7 = explain in reasoning.
Only fill reasoning if confidence is below 0.7; otherwise leave it empty.

Respond with ONLY a JSON object of the shape:
{"query": "<REM query string>", "confidence": <0-1 number>, "reasoning": "<string, often empty>"}
No prose outside the JSON object.`

// Agent asks a ChatProvider to translate natural-language questions into
// REM dialect query strings.
type Agent struct {
	provider string // "<provider>:<model-id>" as passed to llm.Registry.Resolve
	llms     *llm.Registry
	validate *validator.Validate
}

// New builds an Agent bound to a specific provider:model-id identifier,
// e.g. "openai:gpt-4o-mini".
func New(llms *llm.Registry, providerModelID string) *Agent {
	return &Agent{provider: providerModelID, llms: llms, validate: validator.New()}
}

// Ask converts natural-language text into a structured REM query.
func (a *Agent) Ask(ctx context.Context, naturalQuery string) (Output, error) {
	provider, model, err := a.llms.Resolve(a.provider)
	if err != nil {
		return Output{}, err
	}

	resp, err := provider.Complete(ctx, llm.Request{
		Model:        model,
		SystemPrompt: systemPrompt,
		Messages: []llm.Message{
			{Role: "user", Content: &naturalQuery},
		},
	})
	if err != nil {
		return Output{}, err
	}
	if resp.Content == nil {
		return Output{}, &remerr.ProviderError{Provider: a.provider, Err: llm.ErrNoChoices}
	}

	out, err := a.decode(*resp.Content)
	if err != nil {
		return Output{}, err
	}
	if err := a.validate.Struct(out); err != nil {
		return Output{}, fmt.Errorf("planner: invalid agent output: %w", err)
	}
	return out, nil
}

// decode unmarshals the model's JSON reply, falling back to jsonrepair when
// the raw text isn't valid JSON. Small/local models routinely emit
// near-miss JSON (trailing commas, unquoted keys, stray markdown fences);
// repair only kicks in once the strict parse actually fails.
func (a *Agent) decode(raw string) (Output, error) {
	raw = stripCodeFence(raw)
	var out Output
	if err := json.Unmarshal([]byte(raw), &out); err == nil {
		return out, nil
	}
	repaired, err := jsonrepair.JSONRepair(raw)
	if err != nil {
		return Output{}, fmt.Errorf("planner: repairing agent JSON: %w", err)
	}
	if err := json.Unmarshal([]byte(repaired), &out); err != nil {
		return Output{}, fmt.Errorf("planner: decoding agent JSON: %w", err)
	}
	return out, nil
}

func stripCodeFence(s string) string {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(s, "```")
	return strings.TrimSpace(s)
}
