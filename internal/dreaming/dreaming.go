// Package dreaming is REM's background synthesis worker: the part of the
// system that never runs on the request path. Where internal/moments
// compresses one session's message stream on demand, dreaming sweeps a
// whole tenant on a schedule (a Kubernetes CronJob in production) and
// performs three independent, composable passes:
//
//   - User model: refresh a user's summary/interests from their recent
//     resources and link the resources that drove the update.
//   - Resource affinity: link semantically related resources to each
//     other, so TRAVERSE can walk from one document to its neighbors
//     without a fresh SEARCH every time.
//   - Ontology extraction: run tenant-defined agent schemas over recently
//     touched files, giving a file both the standard searchable chunks
//     and a structured record from a domain-specific lens.
//
// All three passes are lossy and resumable: a partial failure leaves
// whatever edges/summaries/records were already written in place, and the
// next run simply picks a fresh "recent" window (or, for ontology
// extraction, skips what a prior run already produced) rather than
// tracking a watermark.
package dreaming

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/percolation-labs/rem/internal/agentfactory"
	"github.com/percolation-labs/rem/internal/embed"
	"github.com/percolation-labs/rem/internal/llm"
	"github.com/percolation-labs/rem/internal/storage"
)

// AffinityPolicy tunes the resource-affinity pass.
type AffinityPolicy struct {
	Lookback            time.Duration
	Limit               int // max resources considered per run
	TopK                int // max edges added per resource
	SimilarityThreshold float64
}

// DefaultAffinityPolicy mirrors the original worker's "semantic mode"
// defaults: a one-week lookback, modest batch size, high-precision edges.
func DefaultAffinityPolicy() AffinityPolicy {
	return AffinityPolicy{
		Lookback:            7 * 24 * time.Hour,
		Limit:               100,
		TopK:                5,
		SimilarityThreshold: 0.75,
	}
}

// UserModelPolicy tunes the user-model pass.
type UserModelPolicy struct {
	Lookback time.Duration
	Limit    int // max users refreshed per run
	PerUser  int // max resources read per user
}

// DefaultUserModelPolicy mirrors the original worker's daily-cron defaults.
func DefaultUserModelPolicy() UserModelPolicy {
	return UserModelPolicy{Lookback: 24 * time.Hour, Limit: 50, PerUser: 20}
}

// AffinityResult is the outcome of one RunAffinity call.
type AffinityResult struct {
	ResourcesProcessed int
	EdgesCreated       int
	Error              error
}

// UserModelResult is the outcome of one RunUserModel call.
type UserModelResult struct {
	UsersProcessed int
	UsersUpdated   int
	Error          error
}

// Worker drives all three dreaming passes for one tenant. Construction
// mirrors internal/moments.Builder: a store, a provider registry, and an
// explicit model identifier rather than a config struct threaded through.
type Worker struct {
	store      storage.Store
	llms       *llm.Registry
	embeds     *embed.Registry
	factory    *agentfactory.Factory // nil unless RunOntologyExtraction is used
	chatModel  string                // "<provider>:<model-id>" for user-model synthesis
	embedModel string                // "<provider>:<model-id>" for affinity similarity
}

// New builds a Worker. factory may be nil for callers that only run
// RunAffinity/RunUserModel, since those passes never build an agent.
func New(store storage.Store, llms *llm.Registry, embeds *embed.Registry, factory *agentfactory.Factory, chatModel, embedModel string) *Worker {
	return &Worker{store: store, llms: llms, embeds: embeds, factory: factory, chatModel: chatModel, embedModel: embedModel}
}

// RunAffinity re-embeds each recent resource's content and links it to its
// nearest neighbors above the similarity threshold. Unlike internal/
// remquery's SEARCH, which answers one query at a time, this walks every
// resource in the window and writes the edges back onto the source row.
func (w *Worker) RunAffinity(ctx context.Context, tenantID string, policy AffinityPolicy) AffinityResult {
	embedder, err := w.embeds.Resolve(w.embedModel)
	if err != nil {
		return AffinityResult{Error: fmt.Errorf("dreaming: resolving embedder: %w", err)}
	}

	since := time.Time{}
	if policy.Lookback > 0 {
		since = time.Now().UTC().Add(-policy.Lookback)
	}
	resources, err := w.store.RecentResources(ctx, tenantID, nil, since, policy.Limit)
	if err != nil {
		return AffinityResult{Error: fmt.Errorf("dreaming: loading recent resources: %w", err)}
	}

	var processed, edgesCreated int
	for _, r := range resources {
		content, _ := r.Columns["content"].(string)
		if strings.TrimSpace(content) == "" {
			continue
		}
		processed++

		vectors, err := embedder.EmbedBatch(ctx, []string{content})
		if err != nil {
			return AffinityResult{ResourcesProcessed: processed, EdgesCreated: edgesCreated, Error: fmt.Errorf("dreaming: embedding resource %s: %w", r.ID, err)}
		}
		if len(vectors) == 0 {
			continue
		}

		matches, err := w.store.Search(ctx, "resources", "content", vectors[0], policy.TopK+1)
		if err != nil {
			return AffinityResult{ResourcesProcessed: processed, EdgesCreated: edgesCreated, Error: fmt.Errorf("dreaming: searching neighbors for %s: %w", r.ID, err)}
		}

		added := 0
		for _, m := range matches {
			if m.ID == r.ID || m.Score < policy.SimilarityThreshold {
				continue
			}
			if added >= policy.TopK {
				break
			}
			uri, _ := m.Columns["uri"].(string)
			if uri == "" {
				continue
			}
			edge := storage.Edge{Dst: uri, RelType: "semantically_related", Weight: m.Score, CreatedAt: time.Now().UTC()}
			if err := w.store.AddEdge(ctx, "resources", r.ID, edge); err != nil {
				return AffinityResult{ResourcesProcessed: processed, EdgesCreated: edgesCreated, Error: fmt.Errorf("dreaming: adding affinity edge: %w", err)}
			}
			added++
			edgesCreated++
		}
	}

	return AffinityResult{ResourcesProcessed: processed, EdgesCreated: edgesCreated}
}

// userModelOutput is the synthesis agent's structured reply.
type userModelOutput struct {
	Summary         string   `json:"summary"`
	Interests       []string `json:"interests"`
	KeyResourceURIs []string `json:"key_resource_uris"`
}

// RunUserModel refreshes each active user's summary/interests from their
// recent resources and links the resources that drove the update, the
// same "read recent activity, ask an LLM to synthesize, write back plus
// edges" shape as internal/moments' extraction step.
func (w *Worker) RunUserModel(ctx context.Context, tenantID string, policy UserModelPolicy) UserModelResult {
	provider, model, err := w.llms.Resolve(w.chatModel)
	if err != nil {
		return UserModelResult{Error: fmt.Errorf("dreaming: resolving chat provider: %w", err)}
	}

	users, err := w.store.ActiveUsers(ctx, tenantID, policy.Limit)
	if err != nil {
		return UserModelResult{Error: fmt.Errorf("dreaming: loading active users: %w", err)}
	}

	since := time.Now().UTC().Add(-policy.Lookback)
	var processed, updated int
	for _, u := range users {
		processed++
		email, _ := u.Columns["email"].(string)
		if email == "" {
			continue
		}

		resources, err := w.store.RecentResources(ctx, tenantID, &email, since, policy.PerUser)
		if err != nil {
			return UserModelResult{UsersProcessed: processed, UsersUpdated: updated, Error: fmt.Errorf("dreaming: loading resources for user %s: %w", email, err)}
		}
		if len(resources) == 0 {
			continue
		}

		out, err := w.synthesize(ctx, provider, model, u, resources)
		if err != nil {
			return UserModelResult{UsersProcessed: processed, UsersUpdated: updated, Error: fmt.Errorf("dreaming: synthesizing user model for %s: %w", email, err)}
		}
		if out.Summary == "" {
			continue
		}

		u.Columns["summary"] = out.Summary
		if len(out.Interests) > 0 {
			u.Columns["interests"] = out.Interests
		}
		if _, _, err := w.store.Upsert(ctx, "users", "email", u.Columns); err != nil {
			return UserModelResult{UsersProcessed: processed, UsersUpdated: updated, Error: fmt.Errorf("dreaming: saving user model for %s: %w", email, err)}
		}

		for _, uri := range out.KeyResourceURIs {
			edge := storage.Edge{Dst: uri, RelType: "user_interest", Weight: 1, CreatedAt: time.Now().UTC()}
			if err := w.store.AddEdge(ctx, "users", u.ID, edge); err != nil {
				return UserModelResult{UsersProcessed: processed, UsersUpdated: updated + 1, Error: fmt.Errorf("dreaming: linking key resource for %s: %w", email, err)}
			}
		}
		updated++
	}

	return UserModelResult{UsersProcessed: processed, UsersUpdated: updated}
}

// OntologyPolicy tunes the ontology-extraction pass.
type OntologyPolicy struct {
	Lookback time.Duration
	Limit    int // max files considered per run
}

// DefaultOntologyPolicy mirrors the other passes' daily-cron cadence.
func DefaultOntologyPolicy() OntologyPolicy {
	return OntologyPolicy{Lookback: 24 * time.Hour, Limit: 50}
}

// OntologyResult is the outcome of one RunOntologyExtraction call.
type OntologyResult struct {
	FilesProcessed      int
	OntologiesExtracted int
	Error               error
}

// RunOntologyExtraction matches each recently-touched file against the
// tenant's OntologyConfig rules and, for every match without an existing
// Ontology record, runs the configured agent schema over the file's
// reassembled resource chunks. This is the tenant-knowledge-extension path
// alongside the standard chunk/embed pipeline: the same file gets both a
// set of searchable Resources and, here, a structured record per matching
// lens. Extraction is idempotent on (file uri, agent schema) so a rerun
// only fills in what a previous partial run left undone.
func (w *Worker) RunOntologyExtraction(ctx context.Context, tenantID string, policy OntologyPolicy) OntologyResult {
	if w.factory == nil {
		return OntologyResult{Error: fmt.Errorf("dreaming: ontology extraction requires a non-nil agent factory")}
	}

	configs, err := w.store.OntologyConfigs(ctx, tenantID)
	if err != nil {
		return OntologyResult{Error: fmt.Errorf("dreaming: loading ontology configs: %w", err)}
	}
	if len(configs) == 0 {
		return OntologyResult{}
	}

	since := time.Now().UTC().Add(-policy.Lookback)
	files, err := w.store.RecentFiles(ctx, tenantID, since, policy.Limit)
	if err != nil {
		return OntologyResult{Error: fmt.Errorf("dreaming: loading recent files: %w", err)}
	}

	var processed, extracted int
	for _, file := range files {
		processed++
		uri, _ := file.Columns["uri"].(string)
		if uri == "" {
			continue
		}
		mimeType, _ := file.Columns["mime_type"].(string)
		tags := stringSlice(file.Columns["tags"])

		for _, cfg := range configs {
			if !fileMatchesConfig(mimeType, uri, tags, cfg) {
				continue
			}
			schemaID, _ := cfg.Columns["agent_schema_id"].(string)
			agentModel, _ := cfg.Columns["agent_model"].(string)
			name := uri + "::" + schemaID

			if _, err := w.store.GetByNaturalKey(ctx, "ontologies", "name", name); err == nil {
				continue // already extracted by a previous sweep
			}

			chunks, err := w.store.ResourcesByURI(ctx, tenantID, uri)
			if err != nil {
				return OntologyResult{FilesProcessed: processed, OntologiesExtracted: extracted, Error: fmt.Errorf("dreaming: loading chunks for %s: %w", uri, err)}
			}
			content := joinChunks(chunks)
			if content == "" {
				continue
			}

			agent, err := w.factory.Build(ctx, schemaID, agentModel, agentfactory.CallerContext{TenantID: tenantID})
			if err != nil {
				return OntologyResult{FilesProcessed: processed, OntologiesExtracted: extracted, Error: fmt.Errorf("dreaming: building extraction agent %q: %w", schemaID, err)}
			}
			reply, _, err := agent.Run(ctx, []llm.Message{{Role: "user", Content: &content}})
			if err != nil {
				return OntologyResult{FilesProcessed: processed, OntologiesExtracted: extracted, Error: fmt.Errorf("dreaming: running extraction agent %q on %s: %w", schemaID, uri, err)}
			}
			data, err := agent.ValidateOutput(reply)
			if err != nil {
				return OntologyResult{FilesProcessed: processed, OntologiesExtracted: extracted, Error: fmt.Errorf("dreaming: validating extraction output for %s: %w", uri, err)}
			}

			providerName, modelName := splitProviderModel(agentModel)
			if _, _, err := w.store.Upsert(ctx, "ontologies", "name", map[string]any{
				"name": name, "tenant_id": tenantID, "file_id": file.ID,
				"agent_schema_id": schemaID, "provider_name": providerName, "model_name": modelName,
				"extracted_data": data, "embedding_text": truncate(content, 2000),
			}); err != nil {
				return OntologyResult{FilesProcessed: processed, OntologiesExtracted: extracted, Error: fmt.Errorf("dreaming: saving ontology for %s: %w", uri, err)}
			}
			extracted++
		}
	}

	return OntologyResult{FilesProcessed: processed, OntologiesExtracted: extracted}
}

// fileMatchesConfig applies OntologyConfig's "any rule triggers a match"
// semantics: a mime-type regex, a uri regex, or a required-tags subset.
func fileMatchesConfig(mimeType, uri string, tags []string, cfg storage.Row) bool {
	if pattern, _ := cfg.Columns["mime_type_pattern"].(string); pattern != "" && mimeType != "" {
		if re, err := regexp.Compile(pattern); err == nil && re.MatchString(mimeType) {
			return true
		}
	}
	if pattern, _ := cfg.Columns["uri_pattern"].(string); pattern != "" && uri != "" {
		if re, err := regexp.Compile(pattern); err == nil && re.MatchString(uri) {
			return true
		}
	}
	if required := stringSlice(cfg.Columns["tag_filter"]); len(required) > 0 {
		have := make(map[string]bool, len(tags))
		for _, t := range tags {
			have[t] = true
		}
		all := true
		for _, t := range required {
			if !have[t] {
				all = false
				break
			}
		}
		if all {
			return true
		}
	}
	return false
}

func stringSlice(v any) []string {
	switch s := v.(type) {
	case []string:
		return s
	case []any:
		out := make([]string, 0, len(s))
		for _, e := range s {
			if str, ok := e.(string); ok {
				out = append(out, str)
			}
		}
		return out
	default:
		return nil
	}
}

func joinChunks(chunks []storage.Row) string {
	var b strings.Builder
	for _, c := range chunks {
		content, _ := c.Columns["content"].(string)
		if content == "" {
			continue
		}
		if b.Len() > 0 {
			b.WriteString("\n\n")
		}
		b.WriteString(content)
	}
	return b.String()
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

// splitProviderModel mirrors llm.Registry.Resolve's "<provider>:<model-id>"
// convention, used here only to label the Ontology row produced.
func splitProviderModel(id string) (provider, model string) {
	for i := 0; i < len(id); i++ {
		if id[i] == ':' {
			return id[:i], id[i+1:]
		}
	}
	return "", id
}

func (w *Worker) synthesize(ctx context.Context, provider llm.ChatProvider, model string, user storage.Row, resources []storage.Row) (userModelOutput, error) {
	prompt := userModelPrompt(user, resources)
	resp, err := provider.Complete(ctx, llm.Request{
		Model:        model,
		SystemPrompt: userModelSystemPrompt,
		Messages:     []llm.Message{{Role: "user", Content: &prompt}},
	})
	if err != nil {
		return userModelOutput{}, err
	}
	if resp.Content == nil {
		return userModelOutput{}, nil
	}
	var out userModelOutput
	if err := json.Unmarshal([]byte(*resp.Content), &out); err != nil {
		return userModelOutput{}, fmt.Errorf("decoding user-model agent output: %w", err)
	}
	return out, nil
}

const userModelSystemPrompt = `You maintain a rolling profile of a user from their recent activity.
Respond with ONLY a JSON object: {"summary": "<updated one-paragraph summary>",
"interests": ["<tag>", ...], "key_resource_uris": ["<uri of up to 5 resources that most influenced this update>"]}`

func userModelPrompt(user storage.Row, resources []storage.Row) string {
	var b strings.Builder
	if existing, _ := user.Columns["summary"].(string); existing != "" {
		fmt.Fprintf(&b, "Existing summary: %s\n\n", existing)
	}
	fmt.Fprintf(&b, "Recent resources (%d):\n", len(resources))
	for _, r := range resources {
		uri, _ := r.Columns["uri"].(string)
		content, _ := r.Columns["content"].(string)
		if len(content) > 500 {
			content = content[:500]
		}
		fmt.Fprintf(&b, "- %s: %s\n", uri, content)
	}
	b.WriteString("\nUpdate the summary per the instructions above.")
	return b.String()
}
