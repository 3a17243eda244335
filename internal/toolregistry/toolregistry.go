// Package toolregistry registers REM's operations as agent-callable tools:
// query, ask, create_resource, create_moment, update_graph_edges, and file
// upload/download (spec §4.11). Tools are registered once at process start
// from a static manifest and are read-only thereafter — the registration
// loop below panics on a duplicate name rather than silently overwriting
// it, since that would only ever be a startup bug.
package toolregistry

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"time"

	"github.com/percolation-labs/rem/internal/agentfactory"
	"github.com/percolation-labs/rem/internal/llm"
	"github.com/percolation-labs/rem/internal/models"
	"github.com/percolation-labs/rem/internal/planner"
	"github.com/percolation-labs/rem/internal/remerr"
	"github.com/percolation-labs/rem/internal/remquery"
	"github.com/percolation-labs/rem/internal/remquery/dialect"
	"github.com/percolation-labs/rem/internal/storage"
)

// FileStore is the minimal upload/download surface the file tools need.
// Declared here, not in internal/filestore, so toolregistry never imports
// it back — internal/filestore implements this interface, mirroring how
// agentfactory.ToolProvider is declared beside its consumer rather than its
// producer.
type FileStore interface {
	Put(ctx context.Context, name, mimeType string, data []byte) (uri string, err error)
	Get(ctx context.Context, uri string) ([]byte, error)
}

// invoke is one tool's implementation: caller identity plus raw JSON
// arguments in, raw JSON result out.
type invoke func(ctx context.Context, caller agentfactory.CallerContext, argsJSON string) (string, error)

type entry struct {
	definition llm.ToolDefinition
	invoke     invoke
}

// Registry is the process-wide tool manifest. Safe for concurrent reads
// after New returns; nothing mutates it afterward.
type Registry struct {
	tools map[string]entry
}

// Deps bundles every dependency a tool implementation needs. Files may be
// nil; the upload/download tools then fail closed with a validation error
// instead of panicking, so a deployment that hasn't wired object storage
// yet can still run every other tool.
type Deps struct {
	Store        storage.Store
	Query        *remquery.Engine
	Entities     *models.Registry
	LLMs         *llm.Registry
	PlannerModel string
	Files        FileStore
}

// New builds the static manifest named in spec §4.11. Registration is
// idempotent in the sense that calling New twice produces two independent,
// equally-valid registries — "idempotent" here describes one registry's
// fixed content, not repeat-New semantics.
func New(deps Deps) *Registry {
	r := &Registry{tools: make(map[string]entry)}
	r.register("query", llm.ToolDefinition{
		Name:        "query",
		Description: "Run a REM dialect query (LOOKUP, FUZZY, SEARCH, SQL, or TRAVERSE) and return its results.",
		Parameters:  json.RawMessage(`{"type":"object","properties":{"query":{"type":"string"}},"required":["query"]}`),
	}, queryTool(deps))
	r.register("ask", llm.ToolDefinition{
		Name:        "ask",
		Description: "Ask a natural-language question; a planner agent translates it to a REM query and executes it.",
		Parameters:  json.RawMessage(`{"type":"object","properties":{"question":{"type":"string"}},"required":["question"]}`),
	}, askTool(deps))
	r.register("create_resource", llm.ToolDefinition{
		Name:        "create_resource",
		Description: "Persist a document or captured-message chunk as a Resource entity.",
		Parameters: json.RawMessage(`{"type":"object","properties":{
			"uri":{"type":"string"},"ordinal":{"type":"integer"},"content":{"type":"string"},
			"category":{"type":"string"},"related_entities":{"type":"array","items":{"type":"string"}}
		},"required":["uri","content"]}`),
	}, createResourceTool(deps))
	r.register("create_moment", llm.ToolDefinition{
		Name:        "create_moment",
		Description: "Persist a hand-authored Moment directly, bypassing the moment builder's extraction pipeline.",
		Parameters: json.RawMessage(`{"type":"object","properties":{
			"name":{"type":"string"},"summary":{"type":"string"},"content":{"type":"string"},
			"starts_timestamp":{"type":"string"},"ends_timestamp":{"type":"string"},
			"topic_tags":{"type":"array","items":{"type":"string"}},
			"emotion_tags":{"type":"array","items":{"type":"string"}}
		},"required":["name","summary"]}`),
	}, createMomentTool(deps))
	r.register("update_graph_edges", llm.ToolDefinition{
		Name:        "update_graph_edges",
		Description: "Append outbound graph edges to an existing entity row.",
		Parameters: json.RawMessage(`{"type":"object","properties":{
			"table":{"type":"string"},"id":{"type":"string"},
			"edges":{"type":"array","items":{"type":"object","properties":{
				"dst":{"type":"string"},"rel_type":{"type":"string"},"weight":{"type":"number"}
			},"required":["dst","rel_type"]}}
		},"required":["table","id","edges"]}`),
	}, updateGraphEdgesTool(deps))
	r.register("upload_file", llm.ToolDefinition{
		Name:        "upload_file",
		Description: "Upload a base64-encoded file and register it as a File entity.",
		Parameters: json.RawMessage(`{"type":"object","properties":{
			"name":{"type":"string"},"mime_type":{"type":"string"},"content_base64":{"type":"string"}
		},"required":["name","mime_type","content_base64"]}`),
	}, uploadFileTool(deps))
	r.register("download_file", llm.ToolDefinition{
		Name:        "download_file",
		Description: "Fetch a previously uploaded file's content as base64 by its uri.",
		Parameters:  json.RawMessage(`{"type":"object","properties":{"uri":{"type":"string"}},"required":["uri"]}`),
	}, downloadFileTool(deps))
	return r
}

// Definitions returns every registered tool's definition, for a discovery
// surface (e.g. the /mcp endpoint's tool listing) — order is unspecified.
func (r *Registry) Definitions() []llm.ToolDefinition {
	defs := make([]llm.ToolDefinition, 0, len(r.tools))
	for _, e := range r.tools {
		defs = append(defs, e.definition)
	}
	return defs
}

func (r *Registry) register(name string, def llm.ToolDefinition, fn invoke) {
	if _, exists := r.tools[name]; exists {
		panic(fmt.Sprintf("toolregistry: tool %q registered twice", name))
	}
	r.tools[name] = entry{definition: def, invoke: fn}
}

// Resolve implements agentfactory.ToolProvider: it binds one tool's
// CallerContext into an invocation closure so the agent factory's tool-
// calling loop never threads tenant/user/session through model output.
func (r *Registry) Resolve(ctx context.Context, name string, caller agentfactory.CallerContext) (agentfactory.BoundTool, error) {
	e, ok := r.tools[name]
	if !ok {
		return agentfactory.BoundTool{}, fmt.Errorf("toolregistry: no tool registered as %q", name)
	}
	return agentfactory.BoundTool{
		Definition: e.definition,
		Invoke: func(ctx context.Context, argsJSON string) (string, error) {
			return e.invoke(ctx, caller, argsJSON)
		},
	}, nil
}

func nullableUser(userID string) *string {
	if userID == "" {
		return nil
	}
	return &userID
}

func queryTool(deps Deps) invoke {
	return func(ctx context.Context, caller agentfactory.CallerContext, argsJSON string) (string, error) {
		var args struct {
			Query string `json:"query"`
		}
		if err := json.Unmarshal([]byte(argsJSON), &args); err != nil {
			return "", fmt.Errorf("toolregistry: query tool: %w", err)
		}
		q, err := dialect.Parse(args.Query)
		if err != nil {
			return "", fmt.Errorf("toolregistry: query tool: %w", err)
		}
		result, err := deps.Query.Execute(ctx, caller.TenantID, nullableUser(caller.UserID), q)
		if err != nil {
			return "", err
		}
		return marshalResult(result)
	}
}

func askTool(deps Deps) invoke {
	return func(ctx context.Context, caller agentfactory.CallerContext, argsJSON string) (string, error) {
		var args struct {
			Question string `json:"question"`
		}
		if err := json.Unmarshal([]byte(argsJSON), &args); err != nil {
			return "", fmt.Errorf("toolregistry: ask tool: %w", err)
		}
		agent := planner.New(deps.LLMs, deps.PlannerModel)
		plan, err := agent.Ask(ctx, args.Question)
		if err != nil {
			return "", fmt.Errorf("toolregistry: ask tool planning: %w", err)
		}
		q, err := dialect.Parse(plan.Query)
		if err != nil {
			return "", fmt.Errorf("toolregistry: ask tool produced unparseable query %q: %w", plan.Query, err)
		}
		result, err := deps.Query.Execute(ctx, caller.TenantID, nullableUser(caller.UserID), q)
		if err != nil {
			return "", fmt.Errorf("toolregistry: ask tool executing %q: %w", plan.Query, err)
		}
		resultJSON, err := marshalResult(result)
		if err != nil {
			return "", err
		}
		var resultDoc any
		if err := json.Unmarshal([]byte(resultJSON), &resultDoc); err != nil {
			return "", err
		}
		out, err := json.Marshal(map[string]any{
			"query":      plan.Query,
			"confidence": plan.Confidence,
			"reasoning":  plan.Reasoning,
			"result":     resultDoc,
		})
		return string(out), err
	}
}

func marshalResult(result remquery.Result) (string, error) {
	out, err := json.Marshal(result)
	if err != nil {
		return "", fmt.Errorf("toolregistry: marshaling query result: %w", err)
	}
	return string(out), nil
}

func createResourceTool(deps Deps) invoke {
	return func(ctx context.Context, caller agentfactory.CallerContext, argsJSON string) (string, error) {
		var args struct {
			URI             string   `json:"uri"`
			Ordinal         int      `json:"ordinal"`
			Content         string   `json:"content"`
			Category        string   `json:"category"`
			RelatedEntities []string `json:"related_entities"`
		}
		if err := json.Unmarshal([]byte(argsJSON), &args); err != nil {
			return "", fmt.Errorf("toolregistry: create_resource tool: %w", err)
		}
		if args.URI == "" || args.Content == "" {
			return "", &remerr.ValidationError{Field: "uri/content", Message: "create_resource requires both uri and content"}
		}
		id, _, err := deps.Store.Upsert(ctx, "resources", "uri", map[string]any{
			"tenant_id":        caller.TenantID,
			"user_id":          nullableUser(caller.UserID),
			"uri":              args.URI,
			"ordinal":          args.Ordinal,
			"content":          args.Content,
			"timestamp":        time.Now().UTC(),
			"category":         args.Category,
			"related_entities": args.RelatedEntities,
		})
		if err != nil {
			return "", err
		}
		return fmt.Sprintf(`{"id":%q,"uri":%q}`, id, args.URI), nil
	}
}

func createMomentTool(deps Deps) invoke {
	return func(ctx context.Context, caller agentfactory.CallerContext, argsJSON string) (string, error) {
		var args struct {
			Name            string    `json:"name"`
			Summary         string    `json:"summary"`
			Content         string    `json:"content"`
			StartsTimestamp time.Time `json:"starts_timestamp"`
			EndsTimestamp   time.Time `json:"ends_timestamp"`
			TopicTags       []string  `json:"topic_tags"`
			EmotionTags     []string  `json:"emotion_tags"`
		}
		if err := json.Unmarshal([]byte(argsJSON), &args); err != nil {
			return "", fmt.Errorf("toolregistry: create_moment tool: %w", err)
		}
		if args.Name == "" {
			return "", &remerr.ValidationError{Field: "name", Message: "create_moment requires a name"}
		}
		now := time.Now().UTC()
		if args.StartsTimestamp.IsZero() {
			args.StartsTimestamp = now
		}
		if args.EndsTimestamp.IsZero() {
			args.EndsTimestamp = now
		}
		id, _, err := deps.Store.Upsert(ctx, "moments", "name", map[string]any{
			"tenant_id":    caller.TenantID,
			"user_id":      nullableUser(caller.UserID),
			"name":         args.Name,
			"summary":      args.Summary,
			"starts_ts":    args.StartsTimestamp,
			"ends_ts":      args.EndsTimestamp,
			"topic_tags":   args.TopicTags,
			"emotion_tags": args.EmotionTags,
			"tags":         args.TopicTags,
			"metadata":     map[string]any{"content": args.Content},
		})
		if err != nil {
			return "", err
		}
		return fmt.Sprintf(`{"id":%q,"name":%q}`, id, args.Name), nil
	}
}

func updateGraphEdgesTool(deps Deps) invoke {
	return func(ctx context.Context, caller agentfactory.CallerContext, argsJSON string) (string, error) {
		var args struct {
			Table string `json:"table"`
			ID    string `json:"id"`
			Edges []struct {
				Dst        string         `json:"dst"`
				RelType    string         `json:"rel_type"`
				Weight     float64        `json:"weight"`
				Properties map[string]any `json:"properties"`
			} `json:"edges"`
		}
		if err := json.Unmarshal([]byte(argsJSON), &args); err != nil {
			return "", fmt.Errorf("toolregistry: update_graph_edges tool: %w", err)
		}
		descriptor, ok := deps.Entities.Get(args.Table)
		if !ok {
			return "", &remerr.ValidationError{Field: "table", Message: fmt.Sprintf("unknown table %q", args.Table)}
		}

		row, err := deps.Store.GetByID(ctx, args.Table, args.ID)
		if err != nil {
			return "", err
		}

		existing, _ := row.Columns["graph_edges"].([]models.InlineEdge)
		now := time.Now().UTC()
		for _, e := range args.Edges {
			existing = append(existing, models.InlineEdge{
				Dst:        e.Dst,
				RelType:    e.RelType,
				Weight:     e.Weight,
				Properties: e.Properties,
				CreatedAt:  now,
			})
		}
		row.Columns["graph_edges"] = existing

		if _, _, err := deps.Store.Upsert(ctx, args.Table, descriptor.EntityKeyField, row.Columns); err != nil {
			return "", err
		}
		return fmt.Sprintf(`{"id":%q,"edges_added":%d}`, args.ID, len(args.Edges)), nil
	}
}

func uploadFileTool(deps Deps) invoke {
	return func(ctx context.Context, caller agentfactory.CallerContext, argsJSON string) (string, error) {
		if deps.Files == nil {
			return "", &remerr.ValidationError{Field: "files", Message: "no file store configured"}
		}
		var args struct {
			Name          string `json:"name"`
			MimeType      string `json:"mime_type"`
			ContentBase64 string `json:"content_base64"`
		}
		if err := json.Unmarshal([]byte(argsJSON), &args); err != nil {
			return "", fmt.Errorf("toolregistry: upload_file tool: %w", err)
		}
		data, err := base64.StdEncoding.DecodeString(args.ContentBase64)
		if err != nil {
			return "", &remerr.ValidationError{Field: "content_base64", Message: "not valid base64"}
		}
		uri, err := deps.Files.Put(ctx, args.Name, args.MimeType, data)
		if err != nil {
			return "", err
		}
		id, _, err := deps.Store.Upsert(ctx, "files", "uri", map[string]any{
			"tenant_id":         caller.TenantID,
			"user_id":           nullableUser(caller.UserID),
			"uri":               uri,
			"name":              args.Name,
			"mime_type":         args.MimeType,
			"size_bytes":        int64(len(data)),
			"processing_status": string(models.FileStatusCompleted),
		})
		if err != nil {
			return "", err
		}
		return fmt.Sprintf(`{"id":%q,"uri":%q,"size_bytes":%d}`, id, uri, len(data)), nil
	}
}

func downloadFileTool(deps Deps) invoke {
	return func(ctx context.Context, caller agentfactory.CallerContext, argsJSON string) (string, error) {
		if deps.Files == nil {
			return "", &remerr.ValidationError{Field: "files", Message: "no file store configured"}
		}
		var args struct {
			URI string `json:"uri"`
		}
		if err := json.Unmarshal([]byte(argsJSON), &args); err != nil {
			return "", fmt.Errorf("toolregistry: download_file tool: %w", err)
		}
		data, err := deps.Files.Get(ctx, args.URI)
		if err != nil {
			return "", err
		}
		out, err := json.Marshal(map[string]any{
			"uri":             args.URI,
			"content_base64":  base64.StdEncoding.EncodeToString(data),
			"size_bytes":      len(data),
		})
		return string(out), err
	}
}
