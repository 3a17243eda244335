// Package models defines REM's entity kinds and their shared envelope.
package models

import "time"

// Envelope holds the fields every entity kind carries regardless of kind.
//
// id is assigned on first persist; tenant_id scopes every query; user_id
// is nil for shared/anonymous data. deleted_at marks a soft delete — rows
// with it set are invisible to every query mode.
type Envelope struct {
	ID        string         `db:"id"`
	TenantID  string         `db:"tenant_id"`
	UserID    *string        `db:"user_id"`
	CreatedAt time.Time      `db:"created_at"`
	UpdatedAt time.Time      `db:"updated_at"`
	DeletedAt *time.Time     `db:"deleted_at"`
	Metadata  map[string]any `db:"metadata"`
	Tags      []string       `db:"tags"`
	Edges     []InlineEdge   `db:"graph_edges"`
}

// InlineEdge is a directed, weighted, typed reference from the containing
// entity to a destination identified by a natural key, not an internal id.
// Colocating edges with the source row avoids a join on the hot forward-
// traversal path; reverse traversal is served by a functional index on
// (dst, rel_type).
type InlineEdge struct {
	Dst        string         `json:"dst"`
	RelType    string         `json:"rel_type"`
	Weight     float64        `json:"weight"`
	Properties map[string]any `json:"properties,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
}

// IsDangling reports whether the edge's destination has not been resolved
// against any known entity yet. Dangling edges are permitted by design.
func (e InlineEdge) IsDangling(resolved bool) bool {
	return !resolved
}
