package models

import "sync"

// FieldDescriptor carries per-field metadata the schema generator and the
// query engine both need: whether a field is embeddable (maintained in the
// sibling embeddings_<table> table) and whether it is the table's default
// content field for SEARCH calls that omit field=.
type FieldDescriptor struct {
	Name           string
	Embeddable     bool
	ContentDefault bool
}

// EntityDescriptor describes one entity kind for the schema generator and
// the query engine: its table name, natural-key column, and field list.
type EntityDescriptor struct {
	Kind           string
	TableName      string
	EntityKeyField string
	Fields         []FieldDescriptor
}

// EmbeddableFields returns the subset of Fields marked Embeddable.
func (d EntityDescriptor) EmbeddableFields() []FieldDescriptor {
	var out []FieldDescriptor
	for _, f := range d.Fields {
		if f.Embeddable {
			out = append(out, f)
		}
	}
	return out
}

// DefaultContentField returns the field marked ContentDefault, or ("", false)
// if none is declared.
func (d EntityDescriptor) DefaultContentField() (string, bool) {
	for _, f := range d.Fields {
		if f.ContentDefault {
			return f.Name, true
		}
	}
	return "", false
}

// Field looks up a field by name.
func (d EntityDescriptor) Field(name string) (FieldDescriptor, bool) {
	for _, f := range d.Fields {
		if f.Name == name {
			return f, true
		}
	}
	return FieldDescriptor{}, false
}

// Registry is the process-wide set of entity descriptors populated once at
// startup into an explicit service container (spec §9: no ambient globals).
// It is safe for concurrent use.
type Registry struct {
	mu    sync.RWMutex
	byKey map[string]EntityDescriptor
	order []string
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{byKey: make(map[string]EntityDescriptor)}
}

// Register adds or replaces an entity descriptor. Registration before
// startup completes is expected; once the container is built the registry
// is treated as read-only by convention.
func (r *Registry) Register(d EntityDescriptor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.byKey[d.TableName]; !exists {
		r.order = append(r.order, d.TableName)
	}
	r.byKey[d.TableName] = d
}

// Get returns the descriptor for a table name.
func (r *Registry) Get(tableName string) (EntityDescriptor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.byKey[tableName]
	return d, ok
}

// ByKind looks up a descriptor by its Kind (e.g. "Resource"), the reverse
// of Get's table-name lookup. Used by the query engine to map a kv_store
// entity_kind back onto the table that owns it.
func (r *Registry) ByKind(kind string) (EntityDescriptor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, name := range r.order {
		if d := r.byKey[name]; d.Kind == kind {
			return d, true
		}
	}
	return EntityDescriptor{}, false
}

// All returns descriptors in deterministic registration order, so that
// schema generation and diffing are reproducible across runs.
func (r *Registry) All() []EntityDescriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]EntityDescriptor, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.byKey[name])
	}
	return out
}

// CoreRegistry returns a Registry pre-populated with REM's built-in entity
// kinds (Resource, Message, Moment, User, File, Schema, OntologyConfig,
// Ontology).
func CoreRegistry() *Registry {
	r := NewRegistry()
	r.Register(EntityDescriptor{
		Kind: "Resource", TableName: "resources", EntityKeyField: "uri",
		Fields: []FieldDescriptor{
			{Name: "content", Embeddable: true, ContentDefault: true},
			{Name: "category"},
			{Name: "timestamp"},
		},
	})
	r.Register(EntityDescriptor{
		Kind: "Message", TableName: "messages", EntityKeyField: "id",
		Fields: []FieldDescriptor{
			{Name: "content", Embeddable: true, ContentDefault: true},
			{Name: "message_type"},
			{Name: "session_id"},
		},
	})
	r.Register(EntityDescriptor{
		Kind: "Moment", TableName: "moments", EntityKeyField: "name",
		Fields: []FieldDescriptor{
			{Name: "summary", Embeddable: true, ContentDefault: true},
			{Name: "starts_ts"},
			{Name: "ends_ts"},
		},
	})
	r.Register(EntityDescriptor{
		Kind: "User", TableName: "users", EntityKeyField: "email",
		Fields: []FieldDescriptor{
			{Name: "summary", Embeddable: true, ContentDefault: true},
			{Name: "name"},
			{Name: "tier"},
		},
	})
	r.Register(EntityDescriptor{
		Kind: "File", TableName: "files", EntityKeyField: "uri",
		Fields: []FieldDescriptor{
			{Name: "name", ContentDefault: true},
			{Name: "mime_type"},
			{Name: "processing_status"},
		},
	})
	r.Register(EntityDescriptor{
		Kind: "Schema", TableName: "schemas", EntityKeyField: "name",
		Fields: []FieldDescriptor{
			{Name: "content", Embeddable: true, ContentDefault: true},
			{Name: "spec"},
		},
	})
	r.Register(EntityDescriptor{
		Kind: "OntologyConfig", TableName: "ontology_configs", EntityKeyField: "name",
		Fields: []FieldDescriptor{
			{Name: "mime_type_pattern"},
			{Name: "uri_pattern"},
			{Name: "tag_filter"},
			{Name: "agent_schema_id"},
			{Name: "agent_model"},
			{Name: "enabled"},
			{Name: "priority"},
		},
	})
	r.Register(EntityDescriptor{
		Kind: "Ontology", TableName: "ontologies", EntityKeyField: "name",
		Fields: []FieldDescriptor{
			{Name: "embedding_text", Embeddable: true, ContentDefault: true},
			{Name: "file_id"},
			{Name: "agent_schema_id"},
			{Name: "provider_name"},
			{Name: "model_name"},
			{Name: "extracted_data"},
			{Name: "confidence_score"},
		},
	})
	return r
}
