// Package storage is REM's data-access layer: a pooled Postgres connection
// extended with vector similarity (pgvector) and trigram (pg_trgm) indexing.
// It does not implement a query language or a graph engine of its own —
// internal/remquery compiles the five REM query modes down to the methods
// here, and storage's only job is running them against Postgres reliably.
package storage

import (
	"context"
	"database/sql"
	"time"
)

// Row is a single persisted entity, keyed generically so the same Store can
// serve every entity kind without one Go type per table.
type Row struct {
	ID        string
	Columns   map[string]any
	CreatedAt time.Time
	UpdatedAt time.Time
}

// EmbedTask is what Store hands to the embedding worker after a commit that
// touched an embeddable field. Enqueued out-of-band: the caller's write has
// already succeeded by the time this runs.
type EmbedTask struct {
	Table   string
	RowID   string
	Field   string
	Content string
}

// EmbedSink receives embed tasks produced by successful writes. Bounded and
// non-blocking is the embedding worker's job (internal/embedworker), not
// Store's — Store only needs somewhere to hand the task off.
type EmbedSink interface {
	Enqueue(EmbedTask)
}

// Store is the contract internal/remquery, internal/moments and
// internal/session depend on. The production implementation is Postgres
// (postgres.go); storagetest provides an in-memory fake for unit tests that
// don't need a real database.
type Store interface {
	// Upsert inserts a row or updates it on natural-key conflict, returning
	// the assigned (or existing) envelope id. columns must include every
	// column the table's schema declares except id, created_at, updated_at.
	Upsert(ctx context.Context, table, keyField string, columns map[string]any) (id string, created bool, err error)

	// GetByID fetches one row by envelope id. Returns ErrNotFound-wrapping
	// error (via remerr.NotFoundError) if absent or soft-deleted.
	GetByID(ctx context.Context, table, id string) (Row, error)

	// GetByNaturalKey fetches one row by its table's natural-key column.
	// The LOOKUP query mode does not use it; LOOKUP goes through LookupKeys.
	GetByNaturalKey(ctx context.Context, table, keyField, key string) (Row, error)

	// SoftDelete sets deleted_at, making the row invisible to every query
	// mode without removing it from storage.
	SoftDelete(ctx context.Context, table, id string) error

	// Fuzzy ranks rows in table by trigram similarity of field to term,
	// most similar first, bounded by limit.
	Fuzzy(ctx context.Context, table, field, term string, limit int) ([]ScoredRow, error)

	// Search ranks rows in table by cosine similarity of the embedding
	// column backing field to queryVector, bounded by limit.
	Search(ctx context.Context, table, field string, queryVector []float32, limit int) ([]ScoredRow, error)

	// RawQuery runs a pre-validated, allow-listed SQL statement (built by
	// internal/remquery, never by a caller directly) and returns raw rows
	// for the caller to scan against its own column list.
	RawQuery(ctx context.Context, query string, args ...any) (*sql.Rows, error)

	// Neighbors returns the outbound inline edges stored on the row at
	// (table, id), optionally filtered to a set of rel types.
	Neighbors(ctx context.Context, table, id string, relTypes []string) ([]Edge, error)

	// LookupKeys resolves natural keys against the shared kv_store index,
	// REM's O(1) LOOKUP backing. Unknown keys are simply absent from the
	// result, never an error. Order follows the input keys.
	LookupKeys(ctx context.Context, tenantID string, keys []string, userID *string) ([]KeyEntry, error)

	// FuzzyKeys ranks kv_store entries by trigram similarity of
	// entity_key to queryText, highest first, filtered to score >=
	// threshold.
	FuzzyKeys(ctx context.Context, tenantID, queryText string, threshold float64, limit int, userID *string) ([]ScoredKeyEntry, error)

	// AppendMessage inserts one message row with an explicit created_at,
	// letting the moment builder backdate a partition marker to the
	// timestamp of the last message it compressed rather than "now".
	AppendMessage(ctx context.Context, tenantID string, userID *string, sessionID, messageType, content string, metadata map[string]any, createdAt time.Time) (id string, err error)

	// SessionMessages returns a session's non-deleted messages created
	// strictly after the given time, oldest first. A zero Time returns
	// every message.
	SessionMessages(ctx context.Context, tenantID, sessionID string, after time.Time) ([]Row, error)

	// LatestPartitionMarker returns the timestamp of the most recent
	// session_partition tool message in a session, if any.
	LatestPartitionMarker(ctx context.Context, tenantID, sessionID string) (found bool, at time.Time, err error)

	// FindMessageByEntityKey resolves a compressed turn's REM LOOKUP
	// hint (session-{id}-msg-{index}) back to its message row. This is
	// a metadata-field match, not a natural-key lookup, since a
	// message's own natural key is its envelope id.
	FindMessageByEntityKey(ctx context.Context, tenantID, entityKey string) (Row, error)

	// RecentMoments returns a tenant's moments ordered by starts_ts
	// descending, optionally scoped to one source session, bounded by
	// limit.
	RecentMoments(ctx context.Context, tenantID string, sessionID *string, limit int) ([]Row, error)

	// AdvanceSessionIndex increments a session's last_processed_index by
	// delta, creating the session row on first use, and returns the new
	// value.
	AdvanceSessionIndex(ctx context.Context, tenantID, userID *string, sessionID string, delta int) (newIndex int64, err error)

	// UpsertEmbedding writes one field's vector into embeddings_<table>,
	// keyed on (row id, field, provider). Called by the embedding worker
	// once it has a vector in hand, never by write-path code directly.
	UpsertEmbedding(ctx context.Context, table, rowID, field, provider, model string, vector []float32) error

	// AddEdge appends one inline edge to the row's graph_edges column
	// without a full read-modify-write Upsert, for background processes
	// (internal/dreaming) that only ever add edges, never rewrite a row's
	// other fields.
	AddEdge(ctx context.Context, table, id string, edge Edge) error

	// RecentResources returns a tenant's resources ordered by timestamp
	// descending, created since the given time, optionally scoped to one
	// user, bounded by limit. A zero time returns resources regardless of
	// age.
	RecentResources(ctx context.Context, tenantID string, userID *string, since time.Time, limit int) ([]Row, error)

	// ActiveUsers returns a tenant's users ordered by updated_at
	// descending, bounded by limit — the dreaming worker's user-model
	// update candidate set.
	ActiveUsers(ctx context.Context, tenantID string, limit int) ([]Row, error)

	// RecentFiles returns a tenant's files ordered by updated_at
	// descending, updated since the given time, bounded by limit — the
	// dreaming worker's ontology-extraction candidate set. A zero time
	// returns files regardless of age.
	RecentFiles(ctx context.Context, tenantID string, since time.Time, limit int) ([]Row, error)

	// OntologyConfigs returns a tenant's enabled extraction rules ordered
	// by priority descending, the order a file should be matched against
	// them in.
	OntologyConfigs(ctx context.Context, tenantID string) ([]Row, error)

	// ResourcesByURI returns every chunk of one file's resources, ordered
	// by ordinal ascending, for reassembling a file's full text.
	ResourcesByURI(ctx context.Context, tenantID, uri string) ([]Row, error)

	// WithTx runs fn inside a transaction, committing on nil return and
	// rolling back otherwise.
	WithTx(ctx context.Context, fn func(ctx context.Context, tx Store) error) error

	// Close releases pooled connections.
	Close() error
}

// ScoredRow pairs a fetched row with the similarity score that ranked it.
type ScoredRow struct {
	Row
	Score float64
}

// Edge mirrors models.InlineEdge but decoupled from the models package so
// storage has no import-cycle dependency on it.
type Edge struct {
	Dst        string
	RelType    string
	Weight     float64
	Properties map[string]any
	CreatedAt  time.Time
}

// KeyEntry is one kv_store row: a natural key resolved to its owning
// entity, independent of which table it lives in.
type KeyEntry struct {
	EntityKey      string
	EntityKind     string
	EntityID       string
	UserID         *string
	ContentSummary string
	Metadata       map[string]any
	UpdatedAt      time.Time
}

// ScoredKeyEntry pairs a KeyEntry with the trigram similarity score that
// ranked it.
type ScoredKeyEntry struct {
	KeyEntry
	Score float64
}
