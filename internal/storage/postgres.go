package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/dgraph-io/ristretto/v2"
	"github.com/lib/pq"

	"github.com/percolation-labs/rem/internal/remerr"
)

// Config bounds the connection pool. The prepared-statement cache's bounds
// are fixed in Open and are not configurable.
type Config struct {
	DSN             string
	MinConns        int // translated to SetMaxIdleConns
	MaxConns        int // translated to SetMaxOpenConns
	ConnMaxLifetime time.Duration
	Logger          *slog.Logger
}

func (c Config) withDefaults() Config {
	if c.MinConns == 0 {
		c.MinConns = 2
	}
	if c.MaxConns == 0 {
		c.MaxConns = 16
	}
	if c.ConnMaxLifetime == 0 {
		c.ConnMaxLifetime = 30 * time.Minute
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return c
}

// Postgres is the production Store, backed by database/sql over lib/pq with
// pgvector and pg_trgm extensions assumed installed (internal/schemagen
// provisions them).
type Postgres struct {
	db     *sql.DB
	cfg    Config
	log    *slog.Logger
	stmts  *ristretto.Cache[string, *sql.Stmt]
	sink   EmbedSink
	tx     *sql.Tx // set only on the Store returned inside WithTx
	fields *fieldIndex
}

// fieldIndex tells Postgres which columns are embeddable per table, so a
// write to one can enqueue an embed task without a second round trip to
// the schema. Populated by RegisterEmbeddable during startup wiring.
type fieldIndex struct {
	byTable map[string]map[string]bool
}

func newFieldIndex() *fieldIndex {
	return &fieldIndex{byTable: make(map[string]map[string]bool)}
}

func (f *fieldIndex) mark(table, field string) {
	if f.byTable[table] == nil {
		f.byTable[table] = make(map[string]bool)
	}
	f.byTable[table][field] = true
}

func (f *fieldIndex) embeddable(table, field string) bool {
	return f.byTable[table] != nil && f.byTable[table][field]
}

// Open connects to Postgres, retrying transient failures with exponential
// backoff — a fresh deploy commonly wins the race against its own database
// container starting up.
func Open(ctx context.Context, cfg Config) (*Postgres, error) {
	cfg = cfg.withDefaults()

	cache, err := ristretto.NewCache(&ristretto.Config[string, *sql.Stmt]{
		NumCounters: 1000,
		MaxCost:     100,
		BufferItems: 64,
	})
	if err != nil {
		return nil, fmt.Errorf("storage: build statement cache: %w", err)
	}

	var db *sql.DB
	open := func() error {
		var openErr error
		db, openErr = sql.Open("postgres", cfg.DSN)
		if openErr != nil {
			return openErr
		}
		return db.PingContext(ctx)
	}

	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 5), ctx)
	if err := backoff.Retry(open, policy); err != nil {
		return nil, fmt.Errorf("storage: connect: %w", err)
	}

	db.SetMaxOpenConns(cfg.MaxConns)
	db.SetMaxIdleConns(cfg.MinConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	return &Postgres{
		db:     db,
		cfg:    cfg,
		log:    cfg.Logger.With("component", "storage"),
		stmts:  cache,
		fields: newFieldIndex(),
	}, nil
}

// RegisterEmbeddable tells Postgres that table.field is backed by an
// embeddings_<table> sibling table, so upserts against it enqueue an embed
// task. Called once per registry entry during startup wiring.
func (p *Postgres) RegisterEmbeddable(table, field string) {
	p.fields.mark(table, field)
}

// SetEmbedSink wires the embedding worker's enqueue function. Until set,
// embeddable-field writes are silently not embedded — acceptable during
// tests, a wiring bug in production.
func (p *Postgres) SetEmbedSink(sink EmbedSink) { p.sink = sink }

func (p *Postgres) execer() interface {
	ExecContext(context.Context, string, ...any) (sql.Result, error)
	QueryContext(context.Context, string, ...any) (*sql.Rows, error)
	QueryRowContext(context.Context, string, ...any) *sql.Row
} {
	if p.tx != nil {
		return p.tx
	}
	return p.db
}

// Upsert builds `INSERT ... ON CONFLICT (key) DO UPDATE SET col = excluded.col`
// the same shape the teacher uses for every entity kind, generalized to an
// arbitrary column map since REM's tables are schema-generated rather than
// one Go struct per table.
func (p *Postgres) Upsert(ctx context.Context, table, keyField string, columns map[string]any) (string, bool, error) {
	cols := make([]string, 0, len(columns))
	for c := range columns {
		cols = append(cols, c)
	}
	sort.Strings(cols) // deterministic placeholder order, easier to debug

	placeholders := make([]string, len(cols))
	args := make([]any, len(cols))
	updateSet := make([]string, 0, len(cols))
	for i, c := range cols {
		placeholders[i] = fmt.Sprintf("$%d", i+1)
		args[i] = encodeValue(columns[c])
		if c != keyField {
			updateSet = append(updateSet, fmt.Sprintf("%s = excluded.%s", c, c))
		}
	}
	updateSet = append(updateSet, "updated_at = now()")

	query := fmt.Sprintf(
		`INSERT INTO %s (%s) VALUES (%s)
		 ON CONFLICT (%s) DO UPDATE SET %s
		 RETURNING id, (xmax = 0) AS created`,
		table, strings.Join(cols, ", "), strings.Join(placeholders, ", "),
		keyField, strings.Join(updateSet, ", "),
	)

	var id string
	var created bool
	err := p.execer().QueryRowContext(ctx, query, args...).Scan(&id, &created)
	if err != nil {
		return "", false, &remerr.QueryExecutionError{Query: query, Err: err}
	}

	if field, ok := columns["__content_field__"].(string); ok {
		p.maybeEnqueueEmbed(table, id, field, columns)
	} else {
		p.enqueueAllEmbeddable(table, id, columns)
	}

	return id, created, nil
}

func (p *Postgres) enqueueAllEmbeddable(table, id string, columns map[string]any) {
	if p.sink == nil {
		return
	}
	for field := range p.fields.byTable[table] {
		if content, ok := columns[field].(string); ok && content != "" {
			p.sink.Enqueue(EmbedTask{Table: table, RowID: id, Field: field, Content: content})
		}
	}
}

func (p *Postgres) maybeEnqueueEmbed(table, id, field string, columns map[string]any) {
	if p.sink == nil || !p.fields.embeddable(table, field) {
		return
	}
	if content, ok := columns[field].(string); ok && content != "" {
		p.sink.Enqueue(EmbedTask{Table: table, RowID: id, Field: field, Content: content})
	}
}

// encodeValue JSON-encodes maps bound for jsonb columns and wraps string
// slices bound for text[] columns so the driver receives a type lib/pq knows
// how to send. Other values, including other slice types, pass through
// unchanged.
func encodeValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		b, _ := json.Marshal(val)
		return string(b)
	case []string:
		return pq.Array(val)
	case nil:
		return nil
	default:
		return val
	}
}

func (p *Postgres) GetByID(ctx context.Context, table, id string) (Row, error) {
	return p.getBy(ctx, table, "id", id)
}

func (p *Postgres) GetByNaturalKey(ctx context.Context, table, keyField, key string) (Row, error) {
	return p.getBy(ctx, table, keyField, key)
}

func (p *Postgres) getBy(ctx context.Context, table, field, value string) (Row, error) {
	query := fmt.Sprintf(
		`SELECT id, created_at, updated_at, row_to_json(t) AS doc
		 FROM %s t WHERE %s = $1 AND deleted_at IS NULL`,
		table, field,
	)
	var id string
	var createdAt, updatedAt time.Time
	var doc []byte
	err := p.execer().QueryRowContext(ctx, query, value).Scan(&id, &createdAt, &updatedAt, &doc)
	if err == sql.ErrNoRows {
		return Row{}, &remerr.NotFoundError{Kind: table, Key: value}
	}
	if err != nil {
		return Row{}, &remerr.QueryExecutionError{Query: query, Err: err}
	}
	var columns map[string]any
	if err := json.Unmarshal(doc, &columns); err != nil {
		return Row{}, fmt.Errorf("storage: decode row: %w", err)
	}
	return Row{ID: id, Columns: columns, CreatedAt: createdAt, UpdatedAt: updatedAt}, nil
}

func (p *Postgres) SoftDelete(ctx context.Context, table, id string) error {
	query := fmt.Sprintf(`UPDATE %s SET deleted_at = now() WHERE id = $1 AND deleted_at IS NULL`, table)
	res, err := p.execer().ExecContext(ctx, query, id)
	if err != nil {
		return &remerr.QueryExecutionError{Query: query, Err: err}
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return &remerr.NotFoundError{Kind: table, Key: id}
	}
	return nil
}

// Fuzzy orders by pg_trgm similarity, the same operator the original
// implementation's SQL layer uses for its ranked text match.
func (p *Postgres) Fuzzy(ctx context.Context, table, field, term string, limit int) ([]ScoredRow, error) {
	query := fmt.Sprintf(
		`SELECT id, created_at, updated_at, row_to_json(t) AS doc, similarity(%s, $1) AS score
		 FROM %s t WHERE deleted_at IS NULL AND %s %% $1
		 ORDER BY score DESC LIMIT $2`,
		field, table, field,
	)
	return p.scoredQuery(ctx, query, term, limit)
}

// Search orders by cosine distance against the field's pgvector sibling
// column, maintained by the embedding worker rather than by Store itself.
func (p *Postgres) Search(ctx context.Context, table, field string, queryVector []float32, limit int) ([]ScoredRow, error) {
	if !p.fields.embeddable(table, field) {
		return nil, &remerr.EmbeddingFieldNotFoundError{Table: table, Field: field}
	}
	vecLiteral := vectorLiteral(queryVector)
	query := fmt.Sprintf(
		`SELECT t.id, t.created_at, t.updated_at, row_to_json(t) AS doc,
		        1 - (e.embedding <=> $1) AS score
		 FROM %s t JOIN embeddings_%s e ON e.row_id = t.id AND e.field = $2
		 WHERE t.deleted_at IS NULL
		 ORDER BY e.embedding <=> $1 LIMIT $3`,
		table, table,
	)
	return p.scoredQuery(ctx, query, vecLiteral, field, limit)
}

func (p *Postgres) scoredQuery(ctx context.Context, query string, args ...any) ([]ScoredRow, error) {
	rows, err := p.execer().QueryContext(ctx, query, args...)
	if err != nil {
		return nil, &remerr.QueryExecutionError{Query: query, Err: err}
	}
	defer rows.Close()

	var out []ScoredRow
	for rows.Next() {
		var id string
		var createdAt, updatedAt time.Time
		var doc []byte
		var score float64
		if err := rows.Scan(&id, &createdAt, &updatedAt, &doc, &score); err != nil {
			return nil, fmt.Errorf("storage: scan scored row: %w", err)
		}
		var columns map[string]any
		if err := json.Unmarshal(doc, &columns); err != nil {
			return nil, fmt.Errorf("storage: decode scored row: %w", err)
		}
		out = append(out, ScoredRow{
			Row:   Row{ID: id, Columns: columns, CreatedAt: createdAt, UpdatedAt: updatedAt},
			Score: score,
		})
	}
	return out, rows.Err()
}

func vectorLiteral(v []float32) string {
	parts := make([]string, len(v))
	for i, f := range v {
		parts[i] = fmt.Sprintf("%g", f)
	}
	return "[" + strings.Join(parts, ",") + "]"
}

// RawQuery runs a statement internal/remquery has already validated against
// its table allow-list. Store never allow-lists anything itself.
func (p *Postgres) RawQuery(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	rows, err := p.execer().QueryContext(ctx, query, args...)
	if err != nil {
		return nil, &remerr.QueryExecutionError{Query: query, Err: err}
	}
	return rows, nil
}

func (p *Postgres) Neighbors(ctx context.Context, table, id string, relTypes []string) ([]Edge, error) {
	query := fmt.Sprintf(`SELECT graph_edges FROM %s WHERE id = $1 AND deleted_at IS NULL`, table)
	var raw []byte
	err := p.execer().QueryRowContext(ctx, query, id).Scan(&raw)
	if err == sql.ErrNoRows {
		return nil, &remerr.NotFoundError{Kind: table, Key: id}
	}
	if err != nil {
		return nil, &remerr.QueryExecutionError{Query: query, Err: err}
	}
	var edges []Edge
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &edges); err != nil {
			return nil, fmt.Errorf("storage: decode graph_edges: %w", err)
		}
	}
	if len(relTypes) == 0 {
		return edges, nil
	}
	allow := make(map[string]bool, len(relTypes))
	for _, rt := range relTypes {
		allow[rt] = true
	}
	filtered := edges[:0]
	for _, e := range edges {
		if allow[e.RelType] {
			filtered = append(filtered, e)
		}
	}
	return filtered, nil
}

// LookupKeys resolves each key against kv_store in a single round trip,
// preserving input order; unknown keys are simply missing from the result.
func (p *Postgres) LookupKeys(ctx context.Context, tenantID string, keys []string, userID *string) ([]KeyEntry, error) {
	if len(keys) == 0 {
		return nil, nil
	}
	query := `SELECT entity_key, entity_kind, entity_id, user_id, content_summary, metadata, updated_at
	          FROM kv_store WHERE tenant_id = $1 AND entity_key = ANY($2)`
	rows, err := p.execer().QueryContext(ctx, query, tenantID, pq.Array(keys))
	if err != nil {
		return nil, &remerr.QueryExecutionError{Query: query, Err: err}
	}
	defer rows.Close()

	byKey := make(map[string]KeyEntry, len(keys))
	for rows.Next() {
		entry, err := scanKeyEntry(rows)
		if err != nil {
			return nil, err
		}
		byKey[entry.EntityKey] = entry
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	out := make([]KeyEntry, 0, len(keys))
	for _, k := range keys {
		if entry, ok := byKey[k]; ok {
			out = append(out, entry)
		}
	}
	return out, nil
}

// FuzzyKeys ranks kv_store rows by pg_trgm similarity of entity_key to
// queryText, delegating the similarity scan to the store rather than an
// application-side loop.
func (p *Postgres) FuzzyKeys(ctx context.Context, tenantID, queryText string, threshold float64, limit int, userID *string) ([]ScoredKeyEntry, error) {
	query := `SELECT entity_key, entity_kind, entity_id, user_id, content_summary, metadata, updated_at,
	                 similarity(entity_key, $2) AS score
	          FROM kv_store
	          WHERE tenant_id = $1 AND similarity(entity_key, $2) >= $3
	          ORDER BY score DESC, updated_at DESC LIMIT $4`
	rows, err := p.execer().QueryContext(ctx, query, tenantID, queryText, threshold, limit)
	if err != nil {
		return nil, &remerr.QueryExecutionError{Query: query, Err: err}
	}
	defer rows.Close()

	var out []ScoredKeyEntry
	for rows.Next() {
		entry, score, err := scanScoredKeyEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, ScoredKeyEntry{KeyEntry: entry, Score: score})
	}
	return out, rows.Err()
}

func scanKeyEntry(rows *sql.Rows) (KeyEntry, error) {
	var e KeyEntry
	var userID sql.NullString
	var metaRaw []byte
	if err := rows.Scan(&e.EntityKey, &e.EntityKind, &e.EntityID, &userID, &e.ContentSummary, &metaRaw, &e.UpdatedAt); err != nil {
		return KeyEntry{}, fmt.Errorf("storage: scan kv_store row: %w", err)
	}
	if userID.Valid {
		e.UserID = &userID.String
	}
	if len(metaRaw) > 0 {
		if err := json.Unmarshal(metaRaw, &e.Metadata); err != nil {
			return KeyEntry{}, fmt.Errorf("storage: decode kv_store metadata: %w", err)
		}
	}
	return e, nil
}

func scanScoredKeyEntry(rows *sql.Rows) (KeyEntry, float64, error) {
	var e KeyEntry
	var userID sql.NullString
	var metaRaw []byte
	var score float64
	if err := rows.Scan(&e.EntityKey, &e.EntityKind, &e.EntityID, &userID, &e.ContentSummary, &metaRaw, &e.UpdatedAt, &score); err != nil {
		return KeyEntry{}, 0, fmt.Errorf("storage: scan kv_store row: %w", err)
	}
	if userID.Valid {
		e.UserID = &userID.String
	}
	if len(metaRaw) > 0 {
		if err := json.Unmarshal(metaRaw, &e.Metadata); err != nil {
			return KeyEntry{}, 0, fmt.Errorf("storage: decode kv_store metadata: %w", err)
		}
	}
	return e, score, nil
}

// AppendMessage inserts one message row with a caller-supplied created_at,
// bypassing Upsert since a message's natural key is its own not-yet-minted
// id — there is nothing to conflict against.
func (p *Postgres) AppendMessage(ctx context.Context, tenantID string, userID *string, sessionID, messageType, content string, metadata map[string]any, createdAt time.Time) (string, error) {
	metaJSON, err := json.Marshal(metadata)
	if err != nil {
		return "", fmt.Errorf("storage: encode message metadata: %w", err)
	}
	query := `INSERT INTO messages (id, tenant_id, user_id, session_id, message_type, content, metadata, created_at, updated_at)
	          VALUES (gen_random_uuid(), $1, $2, $3, $4, $5, $6, $7, now())
	          RETURNING id`
	var id string
	err = p.execer().QueryRowContext(ctx, query, tenantID, userID, sessionID, messageType, content, metaJSON, createdAt).Scan(&id)
	if err != nil {
		return "", &remerr.QueryExecutionError{Query: query, Err: err}
	}
	return id, nil
}

// SessionMessages returns a session's messages created after the given
// time, oldest first; a zero Time returns the whole history.
func (p *Postgres) SessionMessages(ctx context.Context, tenantID, sessionID string, after time.Time) ([]Row, error) {
	query := `SELECT id, created_at, updated_at, row_to_json(t) AS doc
	          FROM messages t
	          WHERE tenant_id = $1 AND session_id = $2 AND deleted_at IS NULL AND created_at > $3
	          ORDER BY created_at ASC`
	rows, err := p.execer().QueryContext(ctx, query, tenantID, sessionID, after)
	if err != nil {
		return nil, &remerr.QueryExecutionError{Query: query, Err: err}
	}
	defer rows.Close()
	return scanRows(rows)
}

// LatestPartitionMarker returns the timestamp of the most recent
// session_partition tool message in a session, if any.
func (p *Postgres) LatestPartitionMarker(ctx context.Context, tenantID, sessionID string) (bool, time.Time, error) {
	query := `SELECT created_at FROM messages
	          WHERE tenant_id = $1 AND session_id = $2 AND deleted_at IS NULL
	            AND message_type = 'tool' AND metadata->>'tool_name' = 'session_partition'
	          ORDER BY created_at DESC LIMIT 1`
	var at time.Time
	err := p.execer().QueryRowContext(ctx, query, tenantID, sessionID).Scan(&at)
	if err == sql.ErrNoRows {
		return false, time.Time{}, nil
	}
	if err != nil {
		return false, time.Time{}, &remerr.QueryExecutionError{Query: query, Err: err}
	}
	return true, at, nil
}

// FindMessageByEntityKey resolves a compressed turn's lookup hint to its
// message row by matching the metadata->>'entity_key' field set at
// append time.
func (p *Postgres) FindMessageByEntityKey(ctx context.Context, tenantID, entityKey string) (Row, error) {
	query := `SELECT id, created_at, updated_at, row_to_json(t) AS doc
	          FROM messages t
	          WHERE tenant_id = $1 AND deleted_at IS NULL AND metadata->>'entity_key' = $2
	          LIMIT 1`
	var id string
	var createdAt, updatedAt time.Time
	var doc []byte
	err := p.execer().QueryRowContext(ctx, query, tenantID, entityKey).Scan(&id, &createdAt, &updatedAt, &doc)
	if err == sql.ErrNoRows {
		return Row{}, &remerr.NotFoundError{Kind: "messages", Key: entityKey}
	}
	if err != nil {
		return Row{}, &remerr.QueryExecutionError{Query: query, Err: err}
	}
	var columns map[string]any
	if err := json.Unmarshal(doc, &columns); err != nil {
		return Row{}, fmt.Errorf("storage: unmarshal message row: %w", err)
	}
	return Row{ID: id, Columns: columns, CreatedAt: createdAt, UpdatedAt: updatedAt}, nil
}

// RecentMoments returns a tenant's moments newest-first, optionally
// restricted to one source session.
func (p *Postgres) RecentMoments(ctx context.Context, tenantID string, sessionID *string, limit int) ([]Row, error) {
	query := `SELECT id, created_at, updated_at, row_to_json(t) AS doc
	          FROM moments t
	          WHERE tenant_id = $1 AND deleted_at IS NULL
	            AND ($2::text IS NULL OR source_session_id = $2)
	          ORDER BY starts_ts DESC LIMIT $3`
	rows, err := p.execer().QueryContext(ctx, query, tenantID, sessionID, limit)
	if err != nil {
		return nil, &remerr.QueryExecutionError{Query: query, Err: err}
	}
	defer rows.Close()
	return scanRows(rows)
}

// AdvanceSessionIndex increments a session's last_processed_index,
// creating the session row on first use.
func (p *Postgres) AdvanceSessionIndex(ctx context.Context, tenantID string, userID *string, sessionID string, delta int) (int64, error) {
	query := `INSERT INTO sessions (id, name, tenant_id, user_id, last_processed_index, created_at, updated_at)
	          VALUES (gen_random_uuid(), $1, $2, $3, $4, now(), now())
	          ON CONFLICT (tenant_id, name) DO UPDATE SET
	              last_processed_index = sessions.last_processed_index + excluded.last_processed_index,
	              updated_at = now()
	          RETURNING last_processed_index`
	var newIndex int64
	err := p.execer().QueryRowContext(ctx, query, sessionID, tenantID, userID, delta).Scan(&newIndex)
	if err != nil {
		return 0, &remerr.QueryExecutionError{Query: query, Err: err}
	}
	return newIndex, nil
}

func scanRows(rows *sql.Rows) ([]Row, error) {
	var out []Row
	for rows.Next() {
		var id string
		var createdAt, updatedAt time.Time
		var doc []byte
		if err := rows.Scan(&id, &createdAt, &updatedAt, &doc); err != nil {
			return nil, fmt.Errorf("storage: scan row: %w", err)
		}
		var columns map[string]any
		if err := json.Unmarshal(doc, &columns); err != nil {
			return nil, fmt.Errorf("storage: decode row: %w", err)
		}
		out = append(out, Row{ID: id, Columns: columns, CreatedAt: createdAt, UpdatedAt: updatedAt})
	}
	return out, rows.Err()
}

// UpsertEmbedding writes the given vector into embeddings_<table>, the
// schema-generated sibling table every embeddable field gets (internal/
// schemagen), matching the original worker's upsert keyed on
// (entity_id, field_name, provider).
func (p *Postgres) UpsertEmbedding(ctx context.Context, table, rowID, field, provider, model string, vector []float32) error {
	query := fmt.Sprintf(
		`INSERT INTO embeddings_%s (id, entity_id, field_name, provider, model, embedding, created_at, updated_at)
		 VALUES (gen_random_uuid(), $1, $2, $3, $4, $5, now(), now())
		 ON CONFLICT (entity_id, field_name, provider) DO UPDATE SET
		   model = excluded.model, embedding = excluded.embedding, updated_at = now()`,
		table,
	)
	_, err := p.execer().ExecContext(ctx, query, rowID, field, provider, model, vectorLiteral(vector))
	if err != nil {
		return &remerr.QueryExecutionError{Query: query, Err: err}
	}
	return nil
}

// AddEdge appends one edge to the row's graph_edges array via a JSONB
// concatenation, avoiding a read-modify-write race against any concurrent
// writer of the row's other columns.
func (p *Postgres) AddEdge(ctx context.Context, table, id string, edge Edge) error {
	payload, err := json.Marshal([]Edge{edge})
	if err != nil {
		return fmt.Errorf("storage: encode edge: %w", err)
	}
	query := fmt.Sprintf(
		`UPDATE %s SET graph_edges = coalesce(graph_edges, '[]'::jsonb) || $1::jsonb, updated_at = now()
		 WHERE id = $2 AND deleted_at IS NULL`,
		table,
	)
	res, err := p.execer().ExecContext(ctx, query, payload, id)
	if err != nil {
		return &remerr.QueryExecutionError{Query: query, Err: err}
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return &remerr.NotFoundError{Kind: table, Key: id}
	}
	return nil
}

// RecentResources returns a tenant's resources newest-first, optionally
// scoped to one user, mirroring RecentMoments.
func (p *Postgres) RecentResources(ctx context.Context, tenantID string, userID *string, since time.Time, limit int) ([]Row, error) {
	query := `SELECT id, created_at, updated_at, row_to_json(t) AS doc
	          FROM resources t
	          WHERE tenant_id = $1 AND deleted_at IS NULL
	            AND ($2::timestamptz IS NULL OR "timestamp" >= $2)
	            AND ($3::text IS NULL OR user_id = $3)
	          ORDER BY "timestamp" DESC LIMIT $4`
	var sincePtr *time.Time
	if !since.IsZero() {
		sincePtr = &since
	}
	rows, err := p.execer().QueryContext(ctx, query, tenantID, sincePtr, userID, limit)
	if err != nil {
		return nil, &remerr.QueryExecutionError{Query: query, Err: err}
	}
	defer rows.Close()
	return scanRows(rows)
}

// ActiveUsers returns a tenant's users most-recently-updated first, the
// dreaming worker's candidate set for a user-model refresh pass.
func (p *Postgres) ActiveUsers(ctx context.Context, tenantID string, limit int) ([]Row, error) {
	query := `SELECT id, created_at, updated_at, row_to_json(t) AS doc
	          FROM users t
	          WHERE tenant_id = $1 AND deleted_at IS NULL
	          ORDER BY updated_at DESC LIMIT $2`
	rows, err := p.execer().QueryContext(ctx, query, tenantID, limit)
	if err != nil {
		return nil, &remerr.QueryExecutionError{Query: query, Err: err}
	}
	defer rows.Close()
	return scanRows(rows)
}

// RecentFiles returns a tenant's files most-recently-updated first, the
// dreaming worker's ontology-extraction candidate set.
func (p *Postgres) RecentFiles(ctx context.Context, tenantID string, since time.Time, limit int) ([]Row, error) {
	query := `SELECT id, created_at, updated_at, row_to_json(t) AS doc
	          FROM files t
	          WHERE tenant_id = $1 AND deleted_at IS NULL
	            AND ($2::timestamptz IS NULL OR updated_at >= $2)
	          ORDER BY updated_at DESC LIMIT $3`
	var sincePtr *time.Time
	if !since.IsZero() {
		sincePtr = &since
	}
	rows, err := p.execer().QueryContext(ctx, query, tenantID, sincePtr, limit)
	if err != nil {
		return nil, &remerr.QueryExecutionError{Query: query, Err: err}
	}
	defer rows.Close()
	return scanRows(rows)
}

// OntologyConfigs returns a tenant's enabled extraction rules, highest
// priority first.
func (p *Postgres) OntologyConfigs(ctx context.Context, tenantID string) ([]Row, error) {
	query := `SELECT id, created_at, updated_at, row_to_json(t) AS doc
	          FROM ontology_configs t
	          WHERE tenant_id = $1 AND deleted_at IS NULL AND enabled
	          ORDER BY priority DESC`
	rows, err := p.execer().QueryContext(ctx, query, tenantID)
	if err != nil {
		return nil, &remerr.QueryExecutionError{Query: query, Err: err}
	}
	defer rows.Close()
	return scanRows(rows)
}

// ResourcesByURI returns one file's chunks in chunk order, for reassembling
// the text an ontology extractor runs against.
func (p *Postgres) ResourcesByURI(ctx context.Context, tenantID, uri string) ([]Row, error) {
	query := `SELECT id, created_at, updated_at, row_to_json(t) AS doc
	          FROM resources t
	          WHERE tenant_id = $1 AND uri = $2 AND deleted_at IS NULL
	          ORDER BY ordinal ASC`
	rows, err := p.execer().QueryContext(ctx, query, tenantID, uri)
	if err != nil {
		return nil, &remerr.QueryExecutionError{Query: query, Err: err}
	}
	defer rows.Close()
	return scanRows(rows)
}

func (p *Postgres) WithTx(ctx context.Context, fn func(ctx context.Context, tx Store) error) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("storage: begin tx: %w", err)
	}
	scoped := &Postgres{db: p.db, cfg: p.cfg, log: p.log, stmts: p.stmts, sink: p.sink, fields: p.fields, tx: tx}
	if err := fn(ctx, scoped); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			p.log.Error("rollback failed", "error", rbErr, "cause", err)
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("storage: commit tx: %w", err)
	}
	return nil
}

func (p *Postgres) Close() error {
	p.stmts.Close()
	return p.db.Close()
}

var _ Store = (*Postgres)(nil)
