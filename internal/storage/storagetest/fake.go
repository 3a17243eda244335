// Package storagetest provides an in-memory storage.Store for unit tests
// that need realistic query semantics without a live Postgres. Its
// trigram and cosine scoring are brute-force, adapted from the in-memory
// vector index the agent-memory package tests against.
package storagetest

import (
	"context"
	"database/sql"
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/percolation-labs/rem/internal/remerr"
	"github.com/percolation-labs/rem/internal/storage"
)

type tableData struct {
	rows    map[string]storage.Row  // by id
	byKey   map[string]string       // keyField value -> id
	keyCol  string
	vectors map[string]map[string][]float32 // id -> field -> vector
}

type sessionRecord struct {
	tenantID, userID, sessionID string
	lastProcessedIndex          int64
}

// Fake is an in-process storage.Store. Safe for concurrent use.
type Fake struct {
	mu       sync.RWMutex
	tables   map[string]*tableData
	sink     storage.EmbedSink
	kinds    map[string]string           // table -> entity_kind, defaults to table
	kvStore  map[string]storage.KeyEntry // "tenant|entity_key" -> entry
	sessions map[string]*sessionRecord   // "tenant|session_id" -> record
}

// New returns an empty Fake.
func New() *Fake {
	return &Fake{
		tables:   make(map[string]*tableData),
		kinds:    make(map[string]string),
		kvStore:  make(map[string]storage.KeyEntry),
		sessions: make(map[string]*sessionRecord),
	}
}

// SetEntityKind records the entity_kind a table's rows surface as in
// kv_store, mirroring the per-table trigger schemagen generates. Tables
// with no explicit kind fall back to their table name.
func (f *Fake) SetEntityKind(table, kind string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.kinds[table] = kind
}

// SetEmbedSink matches Postgres's wiring surface so tests can assert on
// enqueued embed tasks.
func (f *Fake) SetEmbedSink(sink storage.EmbedSink) { f.sink = sink }

// SeedVector installs a pre-computed embedding for a row/field pair,
// standing in for what the embedding worker would have written.
func (f *Fake) SeedVector(table, id, field string, vector []float32) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t := f.table(table, "id")
	if t.vectors[id] == nil {
		t.vectors[id] = make(map[string][]float32)
	}
	t.vectors[id][field] = vector
}

func (f *Fake) table(name, keyCol string) *tableData {
	t, ok := f.tables[name]
	if !ok {
		t = &tableData{
			rows:    make(map[string]storage.Row),
			byKey:   make(map[string]string),
			keyCol:  keyCol,
			vectors: make(map[string]map[string][]float32),
		}
		f.tables[name] = t
	}
	return t
}

func (f *Fake) Upsert(ctx context.Context, table, keyField string, columns map[string]any) (string, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t := f.table(table, keyField)

	keyVal := fmt.Sprintf("%v", columns[keyField])
	now := time.Now()

	if id, ok := t.byKey[keyVal]; ok {
		row := t.rows[id]
		for k, v := range columns {
			row.Columns[k] = v
		}
		row.UpdatedAt = now
		t.rows[id] = row
		f.syncKV(table, keyVal, id, row.Columns, now)
		return id, false, nil
	}

	id := uuid.NewString()
	cp := make(map[string]any, len(columns))
	for k, v := range columns {
		cp[k] = v
	}
	cp["id"] = id
	t.rows[id] = storage.Row{ID: id, Columns: cp, CreatedAt: now, UpdatedAt: now}
	t.byKey[keyVal] = id
	f.syncKV(table, keyVal, id, cp, now)

	if f.sink != nil {
		if content, ok := columns["content"].(string); ok && content != "" {
			f.sink.Enqueue(storage.EmbedTask{Table: table, RowID: id, Field: "content", Content: content})
		}
	}
	return id, true, nil
}

// syncKV mirrors the kv_store trigger schemagen generates: every upsert
// keeps the shared key index in step with its owning table.
func (f *Fake) syncKV(table, entityKey, id string, columns map[string]any, now time.Time) {
	kind := f.kinds[table]
	if kind == "" {
		kind = table
	}
	tenantID, _ := columns["tenant_id"].(string)
	var userID *string
	if u, ok := columns["user_id"].(string); ok && u != "" {
		userID = &u
	}
	summary, _ := columns["content"].(string)
	meta, _ := columns["metadata"].(map[string]any)

	f.kvStore[kvKey(tenantID, entityKey)] = storage.KeyEntry{
		EntityKey:      entityKey,
		EntityKind:     kind,
		EntityID:       id,
		UserID:         userID,
		ContentSummary: summary,
		Metadata:       meta,
		UpdatedAt:      now,
	}
}

func kvKey(tenantID, entityKey string) string {
	return tenantID + "|" + entityKey
}

func (f *Fake) GetByID(ctx context.Context, table, id string) (storage.Row, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	t, ok := f.tables[table]
	if !ok {
		return storage.Row{}, &remerr.NotFoundError{Kind: table, Key: id}
	}
	row, ok := t.rows[id]
	if !ok || row.Columns["deleted_at"] != nil {
		return storage.Row{}, &remerr.NotFoundError{Kind: table, Key: id}
	}
	return row, nil
}

func (f *Fake) GetByNaturalKey(ctx context.Context, table, keyField, key string) (storage.Row, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	t, ok := f.tables[table]
	if !ok {
		return storage.Row{}, &remerr.NotFoundError{Kind: table, Key: key}
	}
	id, ok := t.byKey[key]
	if !ok {
		return storage.Row{}, &remerr.NotFoundError{Kind: table, Key: key}
	}
	row := t.rows[id]
	if row.Columns["deleted_at"] != nil {
		return storage.Row{}, &remerr.NotFoundError{Kind: table, Key: key}
	}
	return row, nil
}

func (f *Fake) SoftDelete(ctx context.Context, table, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.tables[table]
	if !ok {
		return &remerr.NotFoundError{Kind: table, Key: id}
	}
	row, ok := t.rows[id]
	if !ok {
		return &remerr.NotFoundError{Kind: table, Key: id}
	}
	row.Columns["deleted_at"] = time.Now()
	t.rows[id] = row
	for k, entry := range f.kvStore {
		if entry.EntityID == id {
			delete(f.kvStore, k)
		}
	}
	return nil
}

func (f *Fake) Fuzzy(ctx context.Context, table, field, term string, limit int) ([]storage.ScoredRow, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	t, ok := f.tables[table]
	if !ok {
		return nil, nil
	}
	term = strings.ToLower(term)
	var out []storage.ScoredRow
	for _, row := range t.rows {
		if row.Columns["deleted_at"] != nil {
			continue
		}
		content, _ := row.Columns[field].(string)
		score := trigramSimilarity(term, strings.ToLower(content))
		if score > 0 {
			out = append(out, storage.ScoredRow{Row: row, Score: score})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (f *Fake) Search(ctx context.Context, table, field string, queryVector []float32, limit int) ([]storage.ScoredRow, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	t, ok := f.tables[table]
	if !ok {
		return nil, nil
	}
	var out []storage.ScoredRow
	for id, row := range t.rows {
		if row.Columns["deleted_at"] != nil {
			continue
		}
		vec, ok := t.vectors[id][field]
		if !ok {
			continue
		}
		out = append(out, storage.ScoredRow{Row: row, Score: cosineSimilarity(queryVector, vec)})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (f *Fake) RawQuery(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return nil, fmt.Errorf("storagetest: RawQuery is not supported by the in-memory fake")
}

func (f *Fake) AppendMessage(ctx context.Context, tenantID string, userID *string, sessionID, messageType, content string, metadata map[string]any, createdAt time.Time) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t := f.table("messages", "id")
	id := uuid.NewString()
	columns := map[string]any{
		"id":           id,
		"tenant_id":    tenantID,
		"session_id":   sessionID,
		"message_type": messageType,
		"content":      content,
		"metadata":     metadata,
	}
	if userID != nil {
		columns["user_id"] = *userID
	}
	t.rows[id] = storage.Row{ID: id, Columns: columns, CreatedAt: createdAt, UpdatedAt: createdAt}
	t.byKey[id] = id
	return id, nil
}

func (f *Fake) SessionMessages(ctx context.Context, tenantID, sessionID string, after time.Time) ([]storage.Row, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	t, ok := f.tables["messages"]
	if !ok {
		return nil, nil
	}
	var out []storage.Row
	for _, row := range t.rows {
		if row.Columns["deleted_at"] != nil {
			continue
		}
		if row.Columns["tenant_id"] != tenantID || row.Columns["session_id"] != sessionID {
			continue
		}
		if !row.CreatedAt.After(after) {
			continue
		}
		out = append(out, row)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (f *Fake) LatestPartitionMarker(ctx context.Context, tenantID, sessionID string) (bool, time.Time, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	t, ok := f.tables["messages"]
	if !ok {
		return false, time.Time{}, nil
	}
	var found bool
	var latest time.Time
	for _, row := range t.rows {
		if row.Columns["deleted_at"] != nil {
			continue
		}
		if row.Columns["tenant_id"] != tenantID || row.Columns["session_id"] != sessionID {
			continue
		}
		if row.Columns["message_type"] != "tool" {
			continue
		}
		meta, _ := row.Columns["metadata"].(map[string]any)
		if meta == nil || meta["tool_name"] != "session_partition" {
			continue
		}
		if !found || row.CreatedAt.After(latest) {
			found = true
			latest = row.CreatedAt
		}
	}
	return found, latest, nil
}

func (f *Fake) FindMessageByEntityKey(ctx context.Context, tenantID, entityKey string) (storage.Row, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	t, ok := f.tables["messages"]
	if !ok {
		return storage.Row{}, &remerr.NotFoundError{Kind: "messages", Key: entityKey}
	}
	for _, row := range t.rows {
		if row.Columns["deleted_at"] != nil || row.Columns["tenant_id"] != tenantID {
			continue
		}
		meta, _ := row.Columns["metadata"].(map[string]any)
		if meta != nil && meta["entity_key"] == entityKey {
			return row, nil
		}
	}
	return storage.Row{}, &remerr.NotFoundError{Kind: "messages", Key: entityKey}
}

func (f *Fake) RecentMoments(ctx context.Context, tenantID string, sessionID *string, limit int) ([]storage.Row, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	t, ok := f.tables["moments"]
	if !ok {
		return nil, nil
	}
	var out []storage.Row
	for _, row := range t.rows {
		if row.Columns["deleted_at"] != nil {
			continue
		}
		if row.Columns["tenant_id"] != tenantID {
			continue
		}
		if sessionID != nil && row.Columns["source_session_id"] != *sessionID {
			continue
		}
		out = append(out, row)
	}
	sort.Slice(out, func(i, j int) bool {
		si, _ := out[i].Columns["starts_ts"].(time.Time)
		sj, _ := out[j].Columns["starts_ts"].(time.Time)
		return si.After(sj)
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (f *Fake) AddEdge(ctx context.Context, table, id string, edge storage.Edge) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.tables[table]
	if !ok {
		return &remerr.NotFoundError{Kind: table, Key: id}
	}
	row, ok := t.rows[id]
	if !ok {
		return &remerr.NotFoundError{Kind: table, Key: id}
	}
	edges, _ := row.Columns["graph_edges"].([]storage.Edge)
	row.Columns["graph_edges"] = append(edges, edge)
	row.UpdatedAt = time.Now()
	t.rows[id] = row
	return nil
}

func (f *Fake) RecentResources(ctx context.Context, tenantID string, userID *string, since time.Time, limit int) ([]storage.Row, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	t, ok := f.tables["resources"]
	if !ok {
		return nil, nil
	}
	var out []storage.Row
	for _, row := range t.rows {
		if row.Columns["deleted_at"] != nil || row.Columns["tenant_id"] != tenantID {
			continue
		}
		if userID != nil && row.Columns["user_id"] != *userID {
			continue
		}
		if ts, ok := row.Columns["timestamp"].(time.Time); ok && !since.IsZero() && ts.Before(since) {
			continue
		}
		out = append(out, row)
	}
	sort.Slice(out, func(i, j int) bool {
		ti, _ := out[i].Columns["timestamp"].(time.Time)
		tj, _ := out[j].Columns["timestamp"].(time.Time)
		return ti.After(tj)
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (f *Fake) ActiveUsers(ctx context.Context, tenantID string, limit int) ([]storage.Row, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	t, ok := f.tables["users"]
	if !ok {
		return nil, nil
	}
	var out []storage.Row
	for _, row := range t.rows {
		if row.Columns["deleted_at"] != nil || row.Columns["tenant_id"] != tenantID {
			continue
		}
		out = append(out, row)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.After(out[j].UpdatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (f *Fake) RecentFiles(ctx context.Context, tenantID string, since time.Time, limit int) ([]storage.Row, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	t, ok := f.tables["files"]
	if !ok {
		return nil, nil
	}
	var out []storage.Row
	for _, row := range t.rows {
		if row.Columns["deleted_at"] != nil || row.Columns["tenant_id"] != tenantID {
			continue
		}
		if !since.IsZero() && row.UpdatedAt.Before(since) {
			continue
		}
		out = append(out, row)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.After(out[j].UpdatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (f *Fake) OntologyConfigs(ctx context.Context, tenantID string) ([]storage.Row, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	t, ok := f.tables["ontology_configs"]
	if !ok {
		return nil, nil
	}
	var out []storage.Row
	for _, row := range t.rows {
		if row.Columns["deleted_at"] != nil || row.Columns["tenant_id"] != tenantID {
			continue
		}
		enabled, _ := row.Columns["enabled"].(bool)
		if !enabled {
			continue
		}
		out = append(out, row)
	}
	sort.Slice(out, func(i, j int) bool {
		pi, _ := out[i].Columns["priority"].(int)
		pj, _ := out[j].Columns["priority"].(int)
		return pi > pj
	})
	return out, nil
}

func (f *Fake) ResourcesByURI(ctx context.Context, tenantID, uri string) ([]storage.Row, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	t, ok := f.tables["resources"]
	if !ok {
		return nil, nil
	}
	var out []storage.Row
	for _, row := range t.rows {
		if row.Columns["deleted_at"] != nil || row.Columns["tenant_id"] != tenantID {
			continue
		}
		if row.Columns["uri"] != uri {
			continue
		}
		out = append(out, row)
	}
	sort.Slice(out, func(i, j int) bool {
		oi, _ := out[i].Columns["ordinal"].(int)
		oj, _ := out[j].Columns["ordinal"].(int)
		return oi < oj
	})
	return out, nil
}

func (f *Fake) AdvanceSessionIndex(ctx context.Context, tenantID string, userID *string, sessionID string, delta int) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := tenantID + "|" + sessionID
	rec, ok := f.sessions[key]
	if !ok {
		rec = &sessionRecord{tenantID: tenantID, sessionID: sessionID}
		if userID != nil {
			rec.userID = *userID
		}
		f.sessions[key] = rec
	}
	rec.lastProcessedIndex += int64(delta)
	return rec.lastProcessedIndex, nil
}

func (f *Fake) Neighbors(ctx context.Context, table, id string, relTypes []string) ([]storage.Edge, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	t, ok := f.tables[table]
	if !ok {
		return nil, &remerr.NotFoundError{Kind: table, Key: id}
	}
	row, ok := t.rows[id]
	if !ok {
		return nil, &remerr.NotFoundError{Kind: table, Key: id}
	}
	edges, _ := row.Columns["graph_edges"].([]storage.Edge)
	if len(relTypes) == 0 {
		return edges, nil
	}
	allow := make(map[string]bool, len(relTypes))
	for _, rt := range relTypes {
		allow[rt] = true
	}
	var out []storage.Edge
	for _, e := range edges {
		if allow[e.RelType] {
			out = append(out, e)
		}
	}
	return out, nil
}

func (f *Fake) LookupKeys(ctx context.Context, tenantID string, keys []string, userID *string) ([]storage.KeyEntry, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	out := make([]storage.KeyEntry, 0, len(keys))
	for _, k := range keys {
		entry, ok := f.kvStore[kvKey(tenantID, k)]
		if !ok {
			continue
		}
		if userID != nil && (entry.UserID == nil || *entry.UserID != *userID) {
			continue
		}
		out = append(out, entry)
	}
	return out, nil
}

func (f *Fake) FuzzyKeys(ctx context.Context, tenantID, queryText string, threshold float64, limit int, userID *string) ([]storage.ScoredKeyEntry, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	queryText = strings.ToLower(queryText)
	var out []storage.ScoredKeyEntry
	prefix := tenantID + "|"
	for k, entry := range f.kvStore {
		if !strings.HasPrefix(k, prefix) {
			continue
		}
		if userID != nil && (entry.UserID == nil || *entry.UserID != *userID) {
			continue
		}
		score := trigramSimilarity(queryText, strings.ToLower(entry.EntityKey))
		if score >= threshold {
			out = append(out, storage.ScoredKeyEntry{KeyEntry: entry, Score: score})
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].UpdatedAt.After(out[j].UpdatedAt)
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (f *Fake) UpsertEmbedding(ctx context.Context, table, rowID, field, provider, model string, vector []float32) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	t := f.table(table, "id")
	if t.vectors[rowID] == nil {
		t.vectors[rowID] = make(map[string][]float32)
	}
	t.vectors[rowID][field] = vector
	return nil
}

func (f *Fake) WithTx(ctx context.Context, fn func(ctx context.Context, tx storage.Store) error) error {
	// The fake has no rollback story: callers only exercise the happy
	// path against it, and tests that need abort semantics use Postgres
	// directly against a test database.
	return fn(ctx, f)
}

func (f *Fake) Close() error { return nil }

func cosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		ai, bi := float64(a[i]), float64(b[i])
		dot += ai * bi
		normA += ai * ai
		normB += bi * bi
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	sim := dot / (math.Sqrt(normA) * math.Sqrt(normB))
	if sim > 1 {
		sim = 1
	}
	if sim < -1 {
		sim = -1
	}
	return sim
}

// trigramSimilarity is a small stand-in for pg_trgm's similarity(): the
// fraction of query trigrams also present in the candidate text.
func trigramSimilarity(a, b string) float64 {
	ta := trigrams(a)
	if len(ta) == 0 {
		return 0
	}
	tb := trigrams(b)
	set := make(map[string]bool, len(tb))
	for _, g := range tb {
		set[g] = true
	}
	var hits int
	for _, g := range ta {
		if set[g] {
			hits++
		}
	}
	return float64(hits) / float64(len(ta))
}

func trigrams(s string) []string {
	padded := "  " + s + "  "
	if len(padded) < 3 {
		return nil
	}
	out := make([]string, 0, len(padded)-2)
	for i := 0; i+3 <= len(padded); i++ {
		out = append(out, padded[i:i+3])
	}
	return out
}

var _ storage.Store = (*Fake)(nil)
