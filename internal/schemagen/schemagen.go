// Package schemagen turns an entity registry into the Postgres DDL that
// backs it: one primary table per entity kind, a sibling embeddings_<table>
// table per embeddable field, and the foreground indexes needed for LOOKUP
// and FUZZY. HNSW vector indexes are generated separately so they can be
// built CONCURRENTLY after an initial data load rather than blocking it.
package schemagen

import (
	"fmt"
	"sort"
	"strings"

	"github.com/percolation-labs/rem/internal/models"
)

// coreColumns are the envelope fields every generated table carries.
var coreColumns = []string{
	"id            uuid PRIMARY KEY DEFAULT gen_random_uuid()",
	"tenant_id     text NOT NULL",
	"user_id       text",
	"created_at    timestamptz NOT NULL DEFAULT now()",
	"updated_at    timestamptz NOT NULL DEFAULT now()",
	"deleted_at    timestamptz",
	"metadata      jsonb NOT NULL DEFAULT '{}'::jsonb",
	"tags          text[] NOT NULL DEFAULT '{}'",
	"graph_edges   jsonb NOT NULL DEFAULT '[]'::jsonb",
}

// Baseline returns the one-time bootstrap migration: extensions, the
// kv_store table LOOKUP and FUZZY are served from, and the migrations
// ledger. Generate's per-table DDL assumes this has already run.
func Baseline() string {
	return `CREATE EXTENSION IF NOT EXISTS vector;
CREATE EXTENSION IF NOT EXISTS pg_trgm;
CREATE EXTENSION IF NOT EXISTS pgcrypto;

CREATE TABLE IF NOT EXISTS rem_migrations (
    name        text PRIMARY KEY,
    type        text NOT NULL,
    version     text NOT NULL,
    applied_at  timestamptz NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS kv_store (
    table_name      text NOT NULL,
    entity_kind     text NOT NULL,
    entity_key      text NOT NULL,
    entity_id       uuid NOT NULL,
    tenant_id       text NOT NULL,
    user_id         text,
    content_summary text NOT NULL DEFAULT '',
    metadata        jsonb NOT NULL DEFAULT '{}'::jsonb,
    updated_at      timestamptz NOT NULL DEFAULT now(),
    PRIMARY KEY (table_name, entity_key)
);

CREATE INDEX IF NOT EXISTS idx_kv_store_tenant ON kv_store (tenant_id);
CREATE INDEX IF NOT EXISTS idx_kv_store_key_trgm ON kv_store USING gin (entity_key gin_trgm_ops);

CREATE TABLE IF NOT EXISTS sessions (
    id                       uuid PRIMARY KEY DEFAULT gen_random_uuid(),
    name                     text NOT NULL,
    tenant_id                text NOT NULL,
    user_id                  text,
    last_processed_index     bigint NOT NULL DEFAULT 0,
    created_at               timestamptz NOT NULL DEFAULT now(),
    updated_at               timestamptz NOT NULL DEFAULT now()
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_sessions_name ON sessions (tenant_id, name);

INSERT INTO rem_migrations (name, type, version)
VALUES ('001_install.sql', 'baseline', '1.0.0')
ON CONFLICT (name) DO UPDATE SET applied_at = now();
`
}

// Generate returns the full install_models.sql equivalent for every
// descriptor in reg, in deterministic (registration) order so diffing two
// generated schemas is meaningful.
func Generate(reg *models.Registry) string {
	var b strings.Builder
	b.WriteString("-- REM entity schema\n")
	b.WriteString("-- Generated by internal/schemagen. Do not edit by hand.\n\n")
	b.WriteString(prerequisitesCheck)
	b.WriteString("\n")

	for _, d := range reg.All() {
		b.WriteString(fmt.Sprintf("-- %s\n", strings.ToUpper(d.TableName)))
		b.WriteString(tableDDL(d))
		b.WriteString("\n")
		if embeddings := embeddingsTableDDL(d); embeddings != "" {
			b.WriteString(embeddings)
			b.WriteString("\n")
		}
		b.WriteString(kvStoreTriggerDDL(d))
		b.WriteString("\n")
	}

	b.WriteString(migrationRecordDDL)
	return b.String()
}

const prerequisitesCheck = `DO $$
BEGIN
    IF NOT EXISTS (SELECT 1 FROM pg_tables WHERE tablename = 'kv_store') THEN
        RAISE EXCEPTION 'kv_store table not found, run the base migration first';
    END IF;
    IF NOT EXISTS (SELECT 1 FROM pg_extension WHERE extname = 'vector') THEN
        RAISE EXCEPTION 'pgvector extension not installed';
    END IF;
    IF NOT EXISTS (SELECT 1 FROM pg_extension WHERE extname = 'pg_trgm') THEN
        RAISE EXCEPTION 'pg_trgm extension not installed';
    END IF;
END $$;
`

const migrationRecordDDL = `INSERT INTO rem_migrations (name, type, version)
VALUES ('install_models.sql', 'models', '1.0.0')
ON CONFLICT (name) DO UPDATE SET applied_at = now();
`

func tableDDL(d models.EntityDescriptor) string {
	cols := make([]string, 0, len(coreColumns)+len(d.Fields))
	cols = append(cols, coreColumns...)
	for _, f := range d.Fields {
		cols = append(cols, fmt.Sprintf("%-13s %s", f.Name, columnType(f)))
	}

	var b strings.Builder
	fmt.Fprintf(&b, "CREATE TABLE IF NOT EXISTS %s (\n", d.TableName)
	for i, c := range cols {
		b.WriteString("    ")
		b.WriteString(c)
		if i < len(cols)-1 {
			b.WriteString(",")
		}
		b.WriteString("\n")
	}
	b.WriteString(");\n")

	fmt.Fprintf(&b, "CREATE UNIQUE INDEX IF NOT EXISTS idx_%s_%s ON %s (tenant_id, %s) WHERE deleted_at IS NULL;\n",
		d.TableName, d.EntityKeyField, d.TableName, d.EntityKeyField)
	fmt.Fprintf(&b, "CREATE INDEX IF NOT EXISTS idx_%s_tenant ON %s (tenant_id) WHERE deleted_at IS NULL;\n",
		d.TableName, d.TableName)
	fmt.Fprintf(&b, "CREATE INDEX IF NOT EXISTS idx_%s_graph_edges ON %s USING gin (graph_edges);\n",
		d.TableName, d.TableName)

	for _, f := range d.EmbeddableFields() {
		fmt.Fprintf(&b, "CREATE INDEX IF NOT EXISTS idx_%s_%s_trgm ON %s USING gin (%s gin_trgm_ops);\n",
			d.TableName, f.Name, d.TableName, f.Name)
	}
	return b.String()
}

// columnType assigns a Postgres type by field name convention, matching
// the core entity kinds' known shapes; a descriptor registered for a
// caller-defined entity kind falls back to text for anything not in this
// small table of conventions.
func columnType(f models.FieldDescriptor) string {
	switch f.Name {
	case "timestamp", "starts_ts", "ends_ts":
		return "timestamptz NOT NULL"
	case "ordinal", "size_bytes", "priority":
		return "bigint NOT NULL DEFAULT 0"
	case "spec", "extracted_data":
		return "jsonb NOT NULL DEFAULT '{}'::jsonb"
	case "present_persons", "emotion_tags", "topic_tags", "previous_moment_keys",
		"interests", "anonymous_ids", "related_entities", "tag_filter":
		return "text[] NOT NULL DEFAULT '{}'"
	case "enabled":
		return "boolean NOT NULL DEFAULT true"
	case "confidence_score":
		return "double precision"
	default:
		return "text NOT NULL DEFAULT ''"
	}
}

func embeddingsTableDDL(d models.EntityDescriptor) string {
	fields := d.EmbeddableFields()
	if len(fields) == 0 {
		return ""
	}
	table := "embeddings_" + d.TableName
	var b strings.Builder
	fmt.Fprintf(&b, "CREATE TABLE IF NOT EXISTS %s (\n", table)
	b.WriteString("    id          uuid PRIMARY KEY DEFAULT gen_random_uuid(),\n")
	fmt.Fprintf(&b, "    entity_id   uuid NOT NULL REFERENCES %s(id) ON DELETE CASCADE,\n", d.TableName)
	b.WriteString("    field_name  text NOT NULL,\n")
	b.WriteString("    provider    text NOT NULL,\n")
	b.WriteString("    model       text NOT NULL,\n")
	b.WriteString("    embedding   vector NOT NULL,\n")
	b.WriteString("    created_at  timestamptz NOT NULL DEFAULT now(),\n")
	b.WriteString("    updated_at  timestamptz NOT NULL DEFAULT now(),\n")
	fmt.Fprintf(&b, "    UNIQUE (entity_id, field_name, provider)\n")
	b.WriteString(");\n")
	return b.String()
}

// kvStoreTriggerDDL generates the trigger that keeps kv_store — the
// LOOKUP mode's index — synchronized with the entity table without the
// application needing to write to both.
func kvStoreTriggerDDL(d models.EntityDescriptor) string {
	fn := "sync_kv_" + d.TableName
	trig := "trg_kv_" + d.TableName
	return fmt.Sprintf(`CREATE OR REPLACE FUNCTION %s() RETURNS trigger AS $$
BEGIN
    IF TG_OP = 'DELETE' OR NEW.deleted_at IS NOT NULL THEN
        DELETE FROM kv_store WHERE table_name = '%s' AND entity_key = OLD.%s;
        RETURN OLD;
    END IF;
    INSERT INTO kv_store (table_name, entity_kind, entity_key, entity_id, tenant_id, user_id, updated_at)
    VALUES ('%s', '%s', NEW.%s, NEW.id, NEW.tenant_id, NEW.user_id, now())
    ON CONFLICT (table_name, entity_key) DO UPDATE SET
        entity_id = excluded.entity_id, user_id = excluded.user_id, updated_at = excluded.updated_at;
    RETURN NEW;
END;
$$ LANGUAGE plpgsql;

DROP TRIGGER IF EXISTS %s ON %s;
CREATE TRIGGER %s
AFTER INSERT OR UPDATE OR DELETE ON %s
FOR EACH ROW EXECUTE FUNCTION %s();
`, fn, d.TableName, d.EntityKeyField, d.TableName, d.Kind, d.EntityKeyField, trig, d.TableName, trig, d.TableName, fn)
}

// BackgroundIndexes returns the HNSW vector index DDL for every embeddable
// field across reg, meant to run with CREATE INDEX CONCURRENTLY after an
// initial bulk load rather than as part of Generate's foreground DDL.
func BackgroundIndexes(reg *models.Registry) string {
	var b strings.Builder
	b.WriteString("-- Background vector indexes. Run after initial data load.\n\n")
	for _, d := range reg.All() {
		if len(d.EmbeddableFields()) == 0 {
			continue
		}
		table := "embeddings_" + d.TableName
		fmt.Fprintf(&b, "CREATE INDEX CONCURRENTLY IF NOT EXISTS idx_%s_hnsw ON %s USING hnsw (embedding vector_cosine_ops);\n\n", table, table)
	}
	return b.String()
}

// Diff compares the descriptors in reg against a set of already-known
// table names (typically read from information_schema by the caller) and
// reports which tables Generate would create that do not exist yet.
func Diff(reg *models.Registry, existingTables map[string]bool) []string {
	var missing []string
	for _, d := range reg.All() {
		if !existingTables[d.TableName] {
			missing = append(missing, d.TableName)
		}
	}
	sort.Strings(missing)
	return missing
}
