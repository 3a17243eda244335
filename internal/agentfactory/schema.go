// Package agentfactory builds a typed, tool-bearing Agent from a named
// schema, a resolved model identifier, and a caller context, per spec
// §4.8's five-step contract.
package agentfactory

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/google/jsonschema-go/jsonschema"

	"github.com/percolation-labs/rem/internal/storage"
)

// Definition is a schema decoded into the pieces the factory needs: the
// system prompt (the schema's description), the output contract (its
// properties/required, as a real *jsonschema.Schema so step 3's
// provider-compatibility passes can mutate it structurally), and its
// extension block naming tools and runtime overrides.
type Definition struct {
	Name          string
	Description   string
	OutputSchema  *jsonschema.Schema
	Tools         []string
	Temperature   *float64
	MaxIterations int
}

// rawSchema is the on-disk/DB shape of models.Schema.Spec: standard JSON
// Schema keywords plus REM's x- extensions for agent-specific knobs not
// part of the JSON Schema vocabulary.
type rawSchema struct {
	Description string         `json:"description"`
	Properties  map[string]any `json:"properties"`
	Required    []string       `json:"required"`

	XTools         []string `json:"x-tools"`
	XTemperature   *float64 `json:"x-temperature"`
	XMaxIterations int      `json:"x-max-iterations"`
}

const defaultMaxIterations = 10

func parseDefinition(name string, spec map[string]any) (Definition, error) {
	raw, err := json.Marshal(spec)
	if err != nil {
		return Definition{}, fmt.Errorf("agentfactory: marshaling schema %q spec: %w", name, err)
	}
	var parsed rawSchema
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return Definition{}, fmt.Errorf("agentfactory: decoding schema %q spec: %w", name, err)
	}

	outputDoc, err := json.Marshal(map[string]any{
		"type":       "object",
		"properties": parsed.Properties,
		"required":   parsed.Required,
	})
	if err != nil {
		return Definition{}, fmt.Errorf("agentfactory: building output schema for %q: %w", name, err)
	}
	var outputSchema jsonschema.Schema
	if err := json.Unmarshal(outputDoc, &outputSchema); err != nil {
		return Definition{}, fmt.Errorf("agentfactory: parsing output schema for %q: %w", name, err)
	}

	maxIter := parsed.XMaxIterations
	if maxIter <= 0 {
		maxIter = defaultMaxIterations
	}

	return Definition{
		Name:          name,
		Description:   parsed.Description,
		OutputSchema:  &outputSchema,
		Tools:         parsed.XTools,
		Temperature:   parsed.XTemperature,
		MaxIterations: maxIter,
	}, nil
}

// Cache loads schema definitions by name from the schemas table through
// storage.Store (no schema files on disk are read) and keeps them in an
// immutable, load-once-per-name cache — step 1 of the agent factory
// contract. A schema is never re-read once resolved,
// matching "immutable, loaded once per name" in spec §4.8; callers that
// need a schema refreshed must restart the process or evict explicitly.
type Cache struct {
	store storage.Store

	mu      sync.RWMutex
	entries map[string]Definition
}

// NewCache returns a Cache backed by store.
func NewCache(store storage.Store) *Cache {
	return &Cache{store: store, entries: make(map[string]Definition)}
}

// Load returns the Definition for name, decoding and caching it on first
// use. Subsequent calls for the same name never touch storage again.
func (c *Cache) Load(ctx context.Context, name string) (Definition, error) {
	c.mu.RLock()
	def, ok := c.entries[name]
	c.mu.RUnlock()
	if ok {
		return def, nil
	}

	row, err := c.store.GetByNaturalKey(ctx, "schemas", "name", name)
	if err != nil {
		return Definition{}, fmt.Errorf("agentfactory: loading schema %q: %w", name, err)
	}
	spec, _ := row.Columns["spec"].(map[string]any)
	def, err = parseDefinition(name, spec)
	if err != nil {
		return Definition{}, err
	}

	c.mu.Lock()
	c.entries[name] = def
	c.mu.Unlock()
	return def, nil
}

// Evict removes name from the cache, forcing the next Load to re-read
// storage. Exists for test setup and operator-triggered schema reloads;
// ordinary request handling never calls it.
func (c *Cache) Evict(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, name)
}
