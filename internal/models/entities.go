package models

import (
	"strconv"
	"time"
)

// Resource is chunked document or captured-message content, identified by
// the natural key (uri, ordinal). Resources are read-mostly once embedded.
type Resource struct {
	Envelope
	URI             string         `db:"uri"`
	Ordinal         int            `db:"ordinal"`
	Content         string         `db:"content"`
	Timestamp       time.Time      `db:"timestamp"`
	Category        string         `db:"category"`
	RelatedEntities []string       `db:"related_entities"`
}

// NaturalKey returns the resource's natural key, distinct from Envelope.ID.
func (r Resource) NaturalKey() string { return resourceKey(r.URI, r.Ordinal) }

func resourceKey(uri string, ordinal int) string {
	if ordinal == 0 {
		return uri
	}
	return uri + "#" + strconv.Itoa(ordinal)
}

// Message is one turn of a conversation, totally ordered within a session
// by CreatedAt and scoped to (tenant_id, user_id, session_id).
type Message struct {
	Envelope
	Content     string `db:"content"`
	MessageType string `db:"message_type"` // role: system | user | assistant | tool
	SessionID   string `db:"session_id"`
}

// NaturalKey for a Message is its envelope id: messages have no separate
// human-readable key, matching spec §3's "Message | id".
func (m Message) NaturalKey() string { return m.ID }

// Moment is a compressed narrative covering a contiguous slice of a
// session, produced exclusively by the moment builder. Moments form a DAG
// via PreviousMomentKeys.
type Moment struct {
	Envelope
	Name               string    `db:"name"`
	Summary            string    `db:"summary"`
	StartsTS           time.Time `db:"starts_ts"`
	EndsTS             time.Time `db:"ends_ts"`
	PresentPersons     []string  `db:"present_persons"`
	EmotionTags        []string  `db:"emotion_tags"`
	TopicTags          []string  `db:"topic_tags"`
	PreviousMomentKeys []string  `db:"previous_moment_keys"`
	SourceSessionID    string    `db:"source_session_id"`
}

func (m Moment) NaturalKey() string { return m.Name }

// User is an account identity, keyed by email.
type User struct {
	Envelope
	Email        string   `db:"email"`
	Name         string   `db:"name"`
	Tier         string   `db:"tier"`
	Summary      string   `db:"summary"`
	Interests    []string `db:"interests"`
	AnonymousIDs []string `db:"anonymous_ids"`
}

func (u User) NaturalKey() string { return u.Email }

// FileStatus is the File entity's processing state machine.
type FileStatus string

const (
	FileStatusPending    FileStatus = "pending"
	FileStatusProcessing FileStatus = "processing"
	FileStatusCompleted  FileStatus = "completed"
	FileStatusFailed     FileStatus = "failed"
)

// File points at an uploaded binary stored via the filestore adapter.
type File struct {
	Envelope
	URI              string     `db:"uri"`
	Name             string     `db:"name"`
	MimeType         string     `db:"mime_type"`
	SizeBytes        int64      `db:"size_bytes"`
	ProcessingStatus FileStatus `db:"processing_status"`
}

func (f File) NaturalKey() string { return f.URI }

// Schema is an agent definition: a structured output/tool contract plus
// free-form documentation, loaded by the agent factory.
type Schema struct {
	Envelope
	Name    string         `db:"name"`
	Spec    map[string]any `db:"spec"`
	Content string         `db:"content"`
}

func (s Schema) NaturalKey() string { return s.Name }

// OntologyConfig declares a tenant-defined structured-extraction rule: which
// files a dreaming sweep should hand to which agent schema. A file matches a
// config if its MimeType matches MimeTypePattern, its URI matches
// URIPattern, or it carries every tag in TagFilter — any one rule is enough.
type OntologyConfig struct {
	Envelope
	Name            string   `db:"name"`
	MimeTypePattern string   `db:"mime_type_pattern"`
	URIPattern      string   `db:"uri_pattern"`
	TagFilter       []string `db:"tag_filter"`
	AgentSchemaID   string   `db:"agent_schema_id"`
	AgentModel      string   `db:"agent_model"` // "<provider>:<model-id>"
	Enabled         bool     `db:"enabled"`
	Priority        int      `db:"priority"`
}

func (c OntologyConfig) NaturalKey() string { return c.Name }

// Ontology is domain-specific structured knowledge extracted from a File by
// the agent schema an OntologyConfig matched it to: the "same document, a
// second lens" record that sits alongside the file's ordinary chunked
// Resources rather than replacing them.
type Ontology struct {
	Envelope
	Name            string         `db:"name"`
	FileID          string         `db:"file_id"`
	AgentSchemaID   string         `db:"agent_schema_id"`
	ProviderName    string         `db:"provider_name"`
	ModelName       string         `db:"model_name"`
	ExtractedData   map[string]any `db:"extracted_data"`
	ConfidenceScore *float64       `db:"confidence_score"`
	EmbeddingText   string         `db:"embedding_text"`
}

func (o Ontology) NaturalKey() string { return o.Name }
