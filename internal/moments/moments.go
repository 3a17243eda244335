// Package moments implements the Moment Builder: incremental, lag-aware
// compression of a session's message stream into durable narrative
// moments. A run is triggered on demand or by a scheduler, never inline
// on the request path.
package moments

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/itchyny/gojq"

	"github.com/percolation-labs/rem/internal/llm"
	"github.com/percolation-labs/rem/internal/storage"
)

// Policy tunes the lag mechanism and pipeline behavior, mirroring
// settings.moment_builder from the original implementation.
type Policy struct {
	LagMessages          int     // minimum trailing messages left uncompressed
	LagPercentage        float64 // fraction of N left uncompressed, if larger
	MinimumBatch         int     // below lag+MinimumBatch unprocessed messages, the run is a no-op
	RecentMomentCount    int     // size of the "last-N moments" recency bag
	InsertPartitionEvent bool
}

// DefaultPolicy matches the original implementation's defaults.
func DefaultPolicy() Policy {
	return Policy{
		LagMessages:          10,
		LagPercentage:        0.2,
		MinimumBatch:         5,
		RecentMomentCount:    5,
		InsertPartitionEvent: true,
	}
}

// Result is the structured outcome of one builder run, per spec §4.6's
// failure semantics: agent errors fail the run, but any moments already
// persisted in that run remain (they are content-addressed and will not
// duplicate on retry).
type Result struct {
	Success                bool
	MomentsCreated         int
	PartitionEventInserted bool
	Error                  error
}

// Output is the moment-extraction agent's structured reply.
type Output struct {
	Moments           []MomentCandidate `json:"moments"`
	UserSummaryUpdate string            `json:"user_summary_update"`
}

// MomentCandidate is one moment the agent proposed, prior to persistence.
type MomentCandidate struct {
	Name            string    `json:"name"`
	Summary         string    `json:"summary"`
	Content         string    `json:"content"`
	TopicTags       []string  `json:"topic_tags"`
	EmotionTags     []string  `json:"emotion_tags"`
	StartsTimestamp time.Time `json:"starts_timestamp"`
	EndsTimestamp   time.Time `json:"ends_timestamp"`
}

// Builder drives one session's moment-extraction pipeline.
type Builder struct {
	store    storage.Store
	llms     *llm.Registry
	provider string // "<provider>:<model-id>" for the extraction agent
	policy   Policy
}

// New builds a Builder bound to a chat provider identifier and a policy.
func New(store storage.Store, llms *llm.Registry, providerModelID string, policy Policy) *Builder {
	return &Builder{store: store, llms: llms, provider: providerModelID, policy: policy}
}

// Run executes the seven-step pipeline for one session. force bypasses the
// lag/minimum-batch threshold check, compressing whatever is unprocessed.
func (b *Builder) Run(ctx context.Context, tenantID, userID, sessionID string, force bool) Result {
	messages, partitionTS, err := b.loadUnprocessedMessages(ctx, tenantID, sessionID, force)
	if err != nil {
		return Result{Error: fmt.Errorf("moments: loading unprocessed messages: %w", err)}
	}
	if len(messages) == 0 {
		return Result{Success: true}
	}

	previousMomentKeys, err := b.recentMomentKeys(ctx, tenantID, sessionID, 3)
	if err != nil {
		return Result{Error: fmt.Errorf("moments: loading previous moment keys: %w", err)}
	}

	out, err := b.callExtractionAgent(ctx, messages)
	if err != nil {
		return Result{Error: fmt.Errorf("moments: extraction agent: %w", err)}
	}
	if len(out.Moments) == 0 {
		return Result{Success: true}
	}

	momentKeys, err := b.saveMoments(ctx, tenantID, userID, sessionID, out.Moments, previousMomentKeys)
	if err != nil {
		return Result{Success: false, MomentsCreated: len(momentKeys), Error: fmt.Errorf("moments: saving moments: %w", err)}
	}

	lastN, err := b.recentMomentKeys(ctx, tenantID, "", b.policy.RecentMomentCount)
	if err != nil {
		return Result{Success: false, MomentsCreated: len(momentKeys), Error: fmt.Errorf("moments: loading recent moment keys: %w", err)}
	}
	recap, err := b.recentMomentsSummary(ctx, tenantID)
	if err != nil {
		return Result{Success: false, MomentsCreated: len(momentKeys), Error: fmt.Errorf("moments: building recap: %w", err)}
	}

	var partitionInserted bool
	if b.policy.InsertPartitionEvent {
		if err := b.insertPartitionEvent(ctx, tenantID, userID, sessionID, momentKeys, lastN, recap, len(messages), partitionTS); err != nil {
			return Result{Success: false, MomentsCreated: len(momentKeys), Error: fmt.Errorf("moments: inserting partition event: %w", err)}
		}
		partitionInserted = true
	}

	if _, err := b.store.AdvanceSessionIndex(ctx, tenantID, nullableUser(userID), sessionID, len(messages)); err != nil {
		return Result{Success: false, MomentsCreated: len(momentKeys), PartitionEventInserted: partitionInserted, Error: fmt.Errorf("moments: advancing session index: %w", err)}
	}

	if out.UserSummaryUpdate != "" {
		if err := b.applyUserSummaryUpdate(ctx, tenantID, userID, out.UserSummaryUpdate); err != nil {
			return Result{Success: false, MomentsCreated: len(momentKeys), PartitionEventInserted: partitionInserted, Error: fmt.Errorf("moments: applying user summary: %w", err)}
		}
	}

	return Result{Success: true, MomentsCreated: len(momentKeys), PartitionEventInserted: partitionInserted}
}

// loadUnprocessedMessages fetches messages written since the last
// partition marker and applies the lag mechanism: lag =
// max(LagMessages, floor(N * LagPercentage)); only the first N-lag
// messages (all N when force is set) are returned for compression, keeping the trailing lag visible
// to the agent on future turns.
func (b *Builder) loadUnprocessedMessages(ctx context.Context, tenantID, sessionID string, force bool) ([]storage.Row, *time.Time, error) {
	_, since, err := b.store.LatestPartitionMarker(ctx, tenantID, sessionID)
	if err != nil {
		return nil, nil, err
	}

	all, err := b.store.SessionMessages(ctx, tenantID, sessionID, since)
	if err != nil {
		return nil, nil, err
	}
	all = excludePartitionMarkers(all)

	total := len(all)
	if total == 0 {
		return nil, nil, nil
	}

	lag := b.policy.LagMessages
	if byPercent := int(float64(total) * b.policy.LagPercentage); byPercent > lag {
		lag = byPercent
	}

	if force {
		lag = 0
	} else if total < lag+b.policy.MinimumBatch {
		return nil, nil, nil
	}
	if lag >= total {
		return nil, nil, nil
	}

	compress := all[:total-lag]
	partitionTS := compress[len(compress)-1].CreatedAt
	return compress, &partitionTS, nil
}

// excludePartitionMarkers filters out partition-marker tool messages,
// which SessionMessages includes (they are ordinary messages) but which
// must never themselves be compressed into a moment.
func excludePartitionMarkers(rows []storage.Row) []storage.Row {
	out := rows[:0]
	for _, r := range rows {
		if r.Columns["message_type"] == "tool" {
			if meta, ok := r.Columns["metadata"].(map[string]any); ok && meta["tool_name"] == "session_partition" {
				continue
			}
		}
		out = append(out, r)
	}
	return out
}

func (b *Builder) recentMomentKeys(ctx context.Context, tenantID, sessionID string, limit int) ([]string, error) {
	var scope *string
	if sessionID != "" {
		scope = &sessionID
	}
	rows, err := b.store.RecentMoments(ctx, tenantID, scope, limit)
	if err != nil {
		return nil, err
	}
	keys := make([]string, 0, len(rows))
	for _, r := range rows {
		if name, ok := r.Columns["name"].(string); ok && name != "" {
			keys = append(keys, name)
		}
	}
	return keys, nil
}

func (b *Builder) recentMomentsSummary(ctx context.Context, tenantID string) (string, error) {
	rows, err := b.store.RecentMoments(ctx, tenantID, nil, 5)
	if err != nil {
		return "", err
	}
	if len(rows) == 0 {
		return "No previous moments recorded.", nil
	}

	parts := make([]string, 0, len(rows))
	for i := len(rows) - 1; i >= 0; i-- {
		r := rows[i]
		starts, _ := r.Columns["starts_ts"].(time.Time)
		summary, _ := r.Columns["summary"].(string)
		topicTags := stringSlice(r.Columns["topic_tags"])

		topics := "general discussion"
		if len(topicTags) > 0 {
			n := len(topicTags)
			if n > 3 {
				n = 3
			}
			topics = strings.Join(topicTags[:n], ", ")
		}
		if len(summary) > 100 {
			summary = summary[:100]
		} else if summary == "" {
			summary = "conversation segment"
		}
		parts = append(parts, fmt.Sprintf("%s: %s (%s)", starts.Format("Jan 2"), summary, topics))
	}
	return "Recent journey: " + strings.Join(parts, "; "), nil
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

func (b *Builder) insertPartitionEvent(ctx context.Context, tenantID, userID, sessionID string, momentKeys, lastNMomentKeys []string, recap string, messagesCompressed int, partitionTS *time.Time) error {
	ts := time.Now().UTC()
	if partitionTS != nil {
		ts = *partitionTS
	}
	content := map[string]any{
		"partition_type":         "moment_compression",
		"created_at":             ts.Format(time.RFC3339),
		"moment_keys":            momentKeys,
		"last_n_moment_keys":     lastNMomentKeys,
		"recent_moments_summary": recap,
		"messages_compressed":    messagesCompressed,
		"summary": fmt.Sprintf("Compressed %d messages into %d moments. Use REM LOOKUP on the moment keys for full context.",
			messagesCompressed, len(momentKeys)),
		"recovery_hint": "This is a memory checkpoint. Conversation history before this point has been " +
			"summarized into moments. To recover detailed context, LOOKUP the moment_keys above; " +
			"chain backwards through previous_moment_keys for deeper history.",
	}
	metadata := map[string]any{"tool_name": "session_partition", "tool_result": content}

	contentJSON, err := json.Marshal(content)
	if err != nil {
		return err
	}
	_, err = b.store.AppendMessage(ctx, tenantID, nullableUser(userID), sessionID, "tool", string(contentJSON), metadata, ts)
	return err
}

func (b *Builder) applyUserSummaryUpdate(ctx context.Context, tenantID, userID, delta string) error {
	if userID == "" {
		return nil
	}
	existing, err := b.store.GetByNaturalKey(ctx, "users", "email", userID)
	if err != nil {
		return err
	}
	existing.Columns["summary"] = delta
	_, _, err = b.store.Upsert(ctx, "users", "email", existing.Columns)
	return err
}

func (b *Builder) saveMoments(ctx context.Context, tenantID, userID, sessionID string, candidates []MomentCandidate, previousMomentKeys []string) ([]string, error) {
	var momentKeys []string
	chain := previousMomentKeys
	for _, c := range candidates {
		columns := map[string]any{
			"tenant_id":            tenantID,
			"user_id":              nullableUser(userID),
			"name":                 c.Name,
			"summary":              c.Summary,
			"starts_ts":            c.StartsTimestamp,
			"ends_ts":              c.EndsTimestamp,
			"topic_tags":           c.TopicTags,
			"emotion_tags":         c.EmotionTags,
			"previous_moment_keys": chain,
			"source_session_id":    sessionID,
			"metadata":             map[string]any{"content": c.Content},
			"tags":                 c.TopicTags,
		}
		if _, _, err := b.store.Upsert(ctx, "moments", "name", columns); err != nil {
			return momentKeys, err
		}
		momentKeys = append(momentKeys, c.Name)
		chain = []string{c.Name}
	}
	return momentKeys, nil
}

// callExtractionAgent formats the transcript and asks the configured chat
// provider to propose moment candidates plus a user-summary delta.
func (b *Builder) callExtractionAgent(ctx context.Context, messages []storage.Row) (Output, error) {
	provider, model, err := b.llms.Resolve(b.provider)
	if err != nil {
		return Output{}, err
	}
	transcript := formatTranscript(messages)
	prompt := extractionPrompt(transcript)
	resp, err := provider.Complete(ctx, llm.Request{
		Model:        model,
		SystemPrompt: extractionSystemPrompt,
		Messages:     []llm.Message{{Role: "user", Content: &prompt}},
	})
	if err != nil {
		return Output{}, err
	}
	if resp.Content == nil {
		return Output{}, nil
	}
	var out Output
	if err := json.Unmarshal([]byte(*resp.Content), &out); err != nil {
		return Output{}, fmt.Errorf("decoding extraction agent output: %w", err)
	}
	return out, nil
}

// formatTranscript renders messages as a readable transcript, projecting
// tool-call metadata through a gojq filter rather than dumping the raw
// JSONB blob — the same readability goal as the original's
// _format_messages_for_agent, expressed with a query instead of ad hoc
// dict indexing.
func formatTranscript(messages []storage.Row) string {
	query, err := gojq.Parse(`.tool_name // empty`)
	if err != nil {
		panic(err) // static query, never fails
	}

	var b strings.Builder
	for _, m := range messages {
		ts := m.CreatedAt.Format(time.RFC3339)
		metadata, _ := m.Columns["metadata"].(map[string]any)
		messageType, _ := m.Columns["message_type"].(string)
		content, _ := m.Columns["content"].(string)

		toolName := runToolNameFilter(query, metadata)
		switch {
		case toolName != "":
			fmt.Fprintf(&b, "[%s] TOOL (%s): %s\n", ts, toolName, content)
		default:
			fmt.Fprintf(&b, "[%s] %s: %s\n", ts, strings.ToUpper(messageType), content)
		}
	}
	return b.String()
}

func runToolNameFilter(query *gojq.Query, metadata map[string]any) string {
	if metadata == nil {
		return ""
	}
	iter := query.Run(metadata)
	v, ok := iter.Next()
	if !ok {
		return ""
	}
	if _, ok := v.(error); ok {
		return ""
	}
	name, _ := v.(string)
	return name
}

const extractionSystemPrompt = `You analyze conversation transcripts and extract discrete moments.

A moment is a holistic narrative summary of a conversation segment. Create
1 moment, or 2-3 only if the session has clearly distinct major phases.
Respond with ONLY a JSON object: {"moments": [{"name", "summary", "content",
"topic_tags", "emotion_tags", "starts_timestamp", "ends_timestamp"}, ...],
"user_summary_update": "<string, often empty>"}`

func extractionPrompt(transcript string) string {
	return "Conversation messages:\n\n" + transcript + "\n\nCreate moments per the instructions above."
}

func nullableUser(userID string) *string {
	if userID == "" {
		return nil
	}
	return &userID
}
