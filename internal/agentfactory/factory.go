package agentfactory

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/jsonschema-go/jsonschema"

	"github.com/percolation-labs/rem/internal/llm"
)

// CallerContext carries the request-scoped identifiers a built Agent's
// tools are bound to: every tool invocation gets user_id/tenant_id/
// session_id injected automatically, never trusted from model output.
type CallerContext struct {
	TenantID  string
	UserID    string
	SessionID string
}

// ToolProvider resolves a tool reference named in a schema's extension
// block to a callable bound to a CallerContext. internal/toolregistry is
// the production implementation; tests supply a stub.
type ToolProvider interface {
	Resolve(ctx context.Context, name string, caller CallerContext) (BoundTool, error)
}

// BoundTool is one tool ready to hand to the provider and invoke, with
// contextual identifiers already closed over.
type BoundTool struct {
	Definition llm.ToolDefinition
	Invoke     func(ctx context.Context, argsJSON string) (string, error)
}

// Factory builds Agents from named schemas. Stateless beyond its three
// dependencies, safe for concurrent use.
type Factory struct {
	schemas *Cache
	tools   ToolProvider
	llms    *llm.Registry
}

// New returns a Factory over a schema cache, tool provider, and chat
// provider registry.
func New(schemas *Cache, tools ToolProvider, llms *llm.Registry) *Factory {
	return &Factory{schemas: schemas, tools: tools, llms: llms}
}

// Build realizes spec §4.8's five steps: load the schema, extract prompt
// and output contract, apply the target provider's compatibility pass,
// resolve and bind each declared tool, and instantiate the Agent with
// resolved temperature/max_iterations.
func (f *Factory) Build(ctx context.Context, schemaName, providerModelID string, caller CallerContext) (*Agent, error) {
	// Step 1: load from the storage-backed, load-once-per-name cache.
	def, err := f.schemas.Load(ctx, schemaName)
	if err != nil {
		return nil, fmt.Errorf("agentfactory: building agent for schema %q: %w", schemaName, err)
	}

	// Step 2/3 are implicit in def (already parsed) except the provider
	// compatibility pass, applied here once the target provider is known.
	provider, model, err := f.llms.Resolve(providerModelID)
	if err != nil {
		return nil, fmt.Errorf("agentfactory: resolving provider %q: %w", providerModelID, err)
	}
	providerName, _, _ := splitProvider(providerModelID)
	// The compatibility pass mutates its argument, so it runs on a copy
	// and the cached definition stays unchanged.
	var outputSchema *jsonschema.Schema
	if def.OutputSchema != nil {
		raw, err := json.Marshal(def.OutputSchema)
		if err != nil {
			return nil, fmt.Errorf("agentfactory: copying output schema for %q: %w", schemaName, err)
		}
		outputSchema = &jsonschema.Schema{}
		if err := json.Unmarshal(raw, outputSchema); err != nil {
			return nil, fmt.Errorf("agentfactory: copying output schema for %q: %w", schemaName, err)
		}
	}
	outputSchema = compatibilityPass(providerName, outputSchema)

	// Step 4: resolve and bind each declared tool against the registry,
	// injecting caller into every invocation.
	tools := make([]llm.ToolDefinition, 0, len(def.Tools))
	invokers := make(map[string]func(ctx context.Context, argsJSON string) (string, error), len(def.Tools))
	for _, name := range def.Tools {
		bound, err := f.tools.Resolve(ctx, name, caller)
		if err != nil {
			return nil, fmt.Errorf("agentfactory: resolving tool %q for schema %q: %w", name, schemaName, err)
		}
		tools = append(tools, bound.Definition)
		invokers[bound.Definition.Name] = bound.Invoke
	}

	// Step 5: instantiate with resolved temperature/max_iterations.
	return &Agent{
		provider:      provider,
		model:         model,
		systemPrompt:  def.Description,
		outputSchema:  outputSchema,
		tools:         tools,
		invokers:      invokers,
		temperature:   def.Temperature,
		maxIterations: def.MaxIterations,
		caller:        caller,
	}, nil
}

// splitProvider mirrors llm.Registry.Resolve's "<provider>:<model-id>"
// split, used here only to pick a compatibility pass — not to dispatch.
func splitProvider(modelID string) (provider, model string, ok bool) {
	for i := 0; i < len(modelID); i++ {
		if modelID[i] == ':' {
			return modelID[:i], modelID[i+1:], true
		}
	}
	return "", modelID, false
}
