// Package remquery dispatches a parsed dialect.Query to the storage layer
// along REM's five modes — LOOKUP, FUZZY, SEARCH, SQL, TRAVERSE — through
// one entry point, Engine.Execute. It owns the allow-listing, field
// validation, and embedding generation each mode's contract requires;
// storage.Store just runs what it's told.
package remquery

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"strings"

	"github.com/percolation-labs/rem/internal/embed"
	"github.com/percolation-labs/rem/internal/models"
	"github.com/percolation-labs/rem/internal/remerr"
	"github.com/percolation-labs/rem/internal/remquery/dialect"
	"github.com/percolation-labs/rem/internal/storage"
)

// sqlAllowList is the fixed set of tables SQL mode may query, matching
// queries.py's build_sql_query allowed_tables exactly. schemas is excluded:
// it is an internal entity kind, not one agents filter by predicate.
var sqlAllowList = map[string]bool{
	"resources": true,
	"moments":   true,
	"messages":  true,
	"users":     true,
	"files":     true,
}

// maxTraverseDepth clamps a caller-supplied max_depth so a runaway TRAVERSE
// request can't walk the whole graph.
const maxTraverseDepth = 5

const (
	defaultLimit         = 10
	defaultThreshold     = 0.7
	defaultMinSimilarity = 0.7
)

// Engine is the query dispatch surface handed to the tool registry and the
// HTTP query endpoint. It is stateless beyond its three dependencies, safe
// for concurrent use.
type Engine struct {
	store    storage.Store
	registry *models.Registry
	embeds   *embed.Registry
}

// New builds an Engine over a storage backend, the entity registry it
// validates table/field names against, and the embedder registry SEARCH
// resolves a provider through.
func New(store storage.Store, registry *models.Registry, embeds *embed.Registry) *Engine {
	return &Engine{store: store, registry: registry, embeds: embeds}
}

// Result is the typed outcome of Execute; exactly one field group is
// populated depending on the query's Mode.
type Result struct {
	Mode dialect.Mode

	// LOOKUP, FUZZY
	Keys       []storage.KeyEntry
	ScoredKeys []storage.ScoredKeyEntry

	// SEARCH
	Rows []storage.ScoredRow

	// SQL
	RawRows []map[string]any

	// TRAVERSE, depth 0
	EdgePlan []EdgeTypeSummary

	// TRAVERSE, depth >= 1
	Traversal []TraversalRow
}

// EdgeTypeSummary is one line of a TRAVERSE depth-0 plan: how many outgoing
// edges of a given rel_type the start node carries.
type EdgeTypeSummary struct {
	RelType string
	Count   int
}

// TraversalRow is one visited node in a TRAVERSE depth>=1 expansion.
type TraversalRow struct {
	Depth      int
	Key        string
	EntityKind string
	RelType    string
	Path       []string
	Tombstoned bool
	Summary    string
}

// Execute parses nothing — the caller already has a dialect.Query, whether
// from the textual parser or built programmatically by a tool — and runs
// it against the engine's storage backend, scoped to tenantID and the
// optional userID.
func (e *Engine) Execute(ctx context.Context, tenantID string, userID *string, q dialect.Query) (Result, error) {
	switch q.Mode {
	case dialect.ModeLookup:
		return e.lookup(ctx, tenantID, userID, q.Params)
	case dialect.ModeFuzzy:
		return e.fuzzy(ctx, tenantID, userID, q.Params)
	case dialect.ModeSearch:
		return e.search(ctx, tenantID, q.Params)
	case dialect.ModeSQL:
		return e.sql(ctx, tenantID, q.Params)
	case dialect.ModeTraverse:
		return e.traverse(ctx, tenantID, userID, q.Params)
	default:
		return Result{}, &remerr.ValidationError{Field: "mode", Message: fmt.Sprintf("unsupported query mode %q", q.Mode)}
	}
}

func (e *Engine) lookup(ctx context.Context, tenantID string, userID *string, params map[string]any) (Result, error) {
	keys, err := paramKeys(params)
	if err != nil {
		return Result{}, err
	}
	entries, err := e.store.LookupKeys(ctx, tenantID, keys, userID)
	if err != nil {
		return Result{}, err
	}
	return Result{Mode: dialect.ModeLookup, Keys: entries}, nil
}

func (e *Engine) fuzzy(ctx context.Context, tenantID string, userID *string, params map[string]any) (Result, error) {
	queryText, ok := params["query_text"].(string)
	if !ok || queryText == "" {
		return Result{}, &remerr.ValidationError{Field: "query_text", Message: "required for FUZZY"}
	}
	threshold := floatParam(params, "threshold", defaultThreshold)
	limit := intParam(params, "limit", defaultLimit)

	scored, err := e.store.FuzzyKeys(ctx, tenantID, queryText, threshold, limit, userID)
	if err != nil {
		return Result{}, err
	}
	return Result{Mode: dialect.ModeFuzzy, ScoredKeys: scored}, nil
}

func (e *Engine) search(ctx context.Context, tenantID string, params map[string]any) (Result, error) {
	queryText, ok := params["query_text"].(string)
	if !ok || queryText == "" {
		return Result{}, &remerr.ValidationError{Field: "query_text", Message: "required for SEARCH"}
	}
	table, ok := params["table_name"].(string)
	if !ok || table == "" {
		return Result{}, &remerr.ValidationError{Field: "table", Message: "required for SEARCH"}
	}
	desc, ok := e.registry.Get(table)
	if !ok {
		return Result{}, &remerr.ValidationError{Field: "table", Message: fmt.Sprintf("unknown table %q", table)}
	}

	field, ok := params["field_name"].(string)
	if !ok || field == "" {
		field, ok = desc.DefaultContentField()
		if !ok {
			return Result{}, &remerr.ContentFieldNotFoundError{Table: table}
		}
	}
	fd, ok := desc.Field(field)
	if !ok || !fd.Embeddable {
		return Result{}, &remerr.EmbeddingFieldNotFoundError{Table: table, Field: field}
	}

	provider, _ := params["provider"].(string)
	if provider == "" {
		provider = "openai"
	}
	// Resolve only dispatches on the provider segment before ":"; the
	// model-id segment is the provider's own concern at write time, not
	// the query engine's, so an empty one is fine here.
	embedder, err := e.embeds.Resolve(provider + ":")
	if err != nil {
		return Result{}, &remerr.ProviderError{Provider: provider, Err: err}
	}

	vectors, err := embedder.EmbedBatch(ctx, []string{queryText})
	if err != nil {
		return Result{}, err
	}
	if len(vectors) == 0 {
		return Result{}, &remerr.ProviderError{Provider: provider, Err: fmt.Errorf("embedder returned no vector")}
	}

	minSimilarity := floatParam(params, "min_similarity", defaultMinSimilarity)
	limit := intParam(params, "limit", defaultLimit)

	rows, err := e.store.Search(ctx, table, field, vectors[0], limit)
	if err != nil {
		return Result{}, err
	}

	filtered := rows[:0]
	for _, r := range rows {
		if r.Score >= minSimilarity {
			filtered = append(filtered, r)
		}
	}
	return Result{Mode: dialect.ModeSearch, Rows: filtered}, nil
}

func (e *Engine) sql(ctx context.Context, tenantID string, params map[string]any) (Result, error) {
	table, ok := params["table_name"].(string)
	if !ok || table == "" {
		return Result{}, &remerr.ValidationError{Field: "table", Message: "required for SQL"}
	}
	if !sqlAllowList[table] {
		return Result{}, &remerr.ValidationError{Field: "table", Message: fmt.Sprintf("table %q is not in the SQL allow-list", table)}
	}
	where, _ := params["where_clause"].(string)
	if strings.TrimSpace(where) == "" {
		where = "1=1"
	}
	limit := intParam(params, "limit", defaultLimit)

	query := fmt.Sprintf("SELECT * FROM %s WHERE tenant_id = $1 AND deleted_at IS NULL AND (%s) LIMIT %d", table, where, limit)
	rows, err := e.store.RawQuery(ctx, query, tenantID)
	if err != nil {
		return Result{}, &remerr.QueryExecutionError{Query: query, Err: err}
	}
	defer rows.Close()

	out, err := scanGeneric(rows)
	if err != nil {
		return Result{}, &remerr.QueryExecutionError{Query: query, Err: err}
	}
	return Result{Mode: dialect.ModeSQL, RawRows: out}, nil
}

func (e *Engine) traverse(ctx context.Context, tenantID string, userID *string, params map[string]any) (Result, error) {
	startKey, ok := params["key"].(string)
	if !ok || startKey == "" {
		return Result{}, &remerr.ValidationError{Field: "key", Message: "required for TRAVERSE"}
	}
	edgeTypes := wildcardFilter(paramStringSlice(params, "edge_types"))
	maxDepth := intParam(params, "max_depth", 1)
	if maxDepth > maxTraverseDepth {
		maxDepth = maxTraverseDepth
	}
	if maxDepth < 0 {
		maxDepth = 0
	}

	start, err := e.resolveOne(ctx, tenantID, startKey, userID)
	if err != nil {
		return Result{}, err
	}
	startDesc, ok := e.registry.ByKind(start.EntityKind)
	if !ok {
		return Result{}, &remerr.ValidationError{Field: "key", Message: fmt.Sprintf("no table registered for entity kind %q", start.EntityKind)}
	}

	if maxDepth == 0 {
		edges, err := e.store.Neighbors(ctx, startDesc.TableName, start.EntityID, edgeTypes)
		if err != nil {
			return Result{}, err
		}
		return Result{Mode: dialect.ModeTraverse, EdgePlan: summarizeEdges(edges)}, nil
	}

	return e.bfs(ctx, tenantID, userID, start, startDesc, edgeTypes, maxDepth)
}

type frontierNode struct {
	key        string
	entityKind string
	entityID   string
	table      string
	path       []string
}

func (e *Engine) bfs(ctx context.Context, tenantID string, userID *string, start storage.KeyEntry, startDesc models.EntityDescriptor, edgeTypes []string, maxDepth int) (Result, error) {
	visited := map[string]bool{visitKey(start.EntityKind, start.EntityKey): true}
	frontier := []frontierNode{{
		key: start.EntityKey, entityKind: start.EntityKind, entityID: start.EntityID,
		table: startDesc.TableName, path: []string{start.EntityKey},
	}}

	var rows []TraversalRow
	for depth := 1; depth <= maxDepth && len(frontier) > 0; depth++ {
		type candidate struct {
			edge storage.Edge
			from frontierNode
		}
		var candidates []candidate
		for _, node := range frontier {
			edges, err := e.store.Neighbors(ctx, node.table, node.entityID, edgeTypes)
			if err != nil {
				return Result{}, err
			}
			for _, edge := range edges {
				candidates = append(candidates, candidate{edge: edge, from: node})
			}
		}
		sort.SliceStable(candidates, func(i, j int) bool {
			if candidates[i].edge.Weight != candidates[j].edge.Weight {
				return candidates[i].edge.Weight > candidates[j].edge.Weight
			}
			return candidates[i].edge.RelType < candidates[j].edge.RelType
		})

		var next []frontierNode
		for _, c := range candidates {
			dstKind, _ := c.edge.Properties["dst_entity_type"].(string)

			entries, err := e.store.LookupKeys(ctx, tenantID, []string{c.edge.Dst}, userID)
			if err != nil {
				return Result{}, err
			}
			if len(entries) == 0 {
				// Absent from kv_store: either never existed, or — the far
				// more likely case since the edge was written against a
				// real entity — tombstoned since. Report once, don't
				// expand past it.
				rows = append(rows, TraversalRow{
					Depth: depth, Key: c.edge.Dst, EntityKind: dstKind,
					RelType: c.edge.RelType, Path: append(append([]string{}, c.from.path...), c.edge.Dst),
					Tombstoned: true,
				})
				continue
			}
			target := entries[0]
			vk := visitKey(target.EntityKind, target.EntityKey)
			if visited[vk] {
				continue
			}
			visited[vk] = true

			path := append(append([]string{}, c.from.path...), target.EntityKey)
			rows = append(rows, TraversalRow{
				Depth: depth, Key: target.EntityKey, EntityKind: target.EntityKind,
				RelType: c.edge.RelType, Path: path, Summary: target.ContentSummary,
			})

			targetDesc, ok := e.registry.ByKind(target.EntityKind)
			if !ok {
				continue
			}
			next = append(next, frontierNode{
				key: target.EntityKey, entityKind: target.EntityKind, entityID: target.EntityID,
				table: targetDesc.TableName, path: path,
			})
		}
		frontier = next
	}

	return Result{Mode: dialect.ModeTraverse, Traversal: rows}, nil
}

func (e *Engine) resolveOne(ctx context.Context, tenantID, key string, userID *string) (storage.KeyEntry, error) {
	entries, err := e.store.LookupKeys(ctx, tenantID, []string{key}, userID)
	if err != nil {
		return storage.KeyEntry{}, err
	}
	if len(entries) == 0 {
		return storage.KeyEntry{}, &remerr.NotFoundError{Kind: "entity", Key: key}
	}
	return entries[0], nil
}

func summarizeEdges(edges []storage.Edge) []EdgeTypeSummary {
	counts := make(map[string]int)
	var order []string
	for _, e := range edges {
		if counts[e.RelType] == 0 {
			order = append(order, e.RelType)
		}
		counts[e.RelType]++
	}
	sort.Strings(order)
	out := make([]EdgeTypeSummary, 0, len(order))
	for _, rt := range order {
		out = append(out, EdgeTypeSummary{RelType: rt, Count: counts[rt]})
	}
	return out
}

func visitKey(entityKind, key string) string { return entityKind + "|" + key }

func wildcardFilter(edgeTypes []string) []string {
	if len(edgeTypes) == 0 {
		return nil
	}
	if len(edgeTypes) == 1 && edgeTypes[0] == "*" {
		return nil
	}
	return edgeTypes
}

func paramKeys(params map[string]any) ([]string, error) {
	switch v := params["key"].(type) {
	case string:
		if v == "" {
			return nil, &remerr.ValidationError{Field: "key", Message: "required for LOOKUP"}
		}
		return []string{v}, nil
	case []string:
		return v, nil
	default:
		return nil, &remerr.ValidationError{Field: "key", Message: "required for LOOKUP"}
	}
}

func paramStringSlice(params map[string]any, name string) []string {
	switch v := params[name].(type) {
	case []string:
		return v
	case string:
		if v == "" {
			return nil
		}
		return []string{v}
	default:
		return nil
	}
}

func floatParam(params map[string]any, name string, def float64) float64 {
	switch v := params[name].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	default:
		return def
	}
}

func intParam(params map[string]any, name string, def int) int {
	switch v := params[name].(type) {
	case int:
		return v
	case float64:
		return int(v)
	default:
		return def
	}
}

// scanGeneric reads every row of an already-executed query into a
// column-name-keyed map, since SQL mode's result shape depends on whichever
// table it queried rather than a fixed struct.
func scanGeneric(rows *sql.Rows) ([]map[string]any, error) {
	cols, err := rows.Columns()
	if err != nil {
		return nil, err
	}
	var out []map[string]any
	for rows.Next() {
		values := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, err
		}
		row := make(map[string]any, len(cols))
		for i, c := range cols {
			row[c] = values[i]
		}
		out = append(out, row)
	}
	return out, rows.Err()
}
