// Package model defines the core memory-hub data types.
package model

import "time"

// Memory represents a stored memory record. Content is opaque to the hub;
// the provenance fields are stamped by the writer and never rewritten.
type Memory struct {
	ID             string           `json:"id"`
	NS             string           `json:"ns"`
	Key            string           `json:"key"`
	Content        string           `json:"content"`
	Kind           string           `json:"kind"`
	Tags           []string         `json:"tags,omitempty"`
	Version        int              `json:"version"`
	Supersedes     string           `json:"supersedes,omitempty"`
	CreatedAt      time.Time        `json:"created_at"`
	DeletedAt      *time.Time       `json:"deleted_at,omitempty"`
	Priority       string           `json:"priority"`
	Importance     int              `json:"importance"`
	AccessCount    int              `json:"access_count"`
	LastAccessedAt *time.Time       `json:"last_accessed_at,omitempty"`
	Meta           string           `json:"meta,omitempty"`
	CreatedBy      string           `json:"created_by"`
	SourceProtocol Protocol         `json:"source_protocol"`
	TrustScore     float64          `json:"trust_score"`
	Provenance     []ProvenanceStep `json:"provenance_chain,omitempty"`
}

// ProvenanceStep records one derivation: the record was produced from
// SourceID by Operation.
type ProvenanceStep struct {
	Operation string    `json:"op"`
	SourceID  string    `json:"source_id"`
	Agent     string    `json:"agent"`
	At        time.Time `json:"at"`
}

// ValidKinds are the allowed memory kinds.
var ValidKinds = map[string]bool{
	"semantic":   true,
	"episodic":   true,
	"procedural": true,
}

// ValidPriorities maps the allowed priority levels to their default
// importance on the 0-10 scale.
var ValidPriorities = map[string]int{
	"low":      2,
	"normal":   5,
	"high":     7,
	"critical": 9,
}

// ImportanceFor returns the importance for a record. An explicit value wins;
// otherwise it is derived from the priority.
func ImportanceFor(priority string, explicit *int) int {
	if explicit != nil {
		return ClampImportance(*explicit)
	}
	if v, ok := ValidPriorities[priority]; ok {
		return v
	}
	return ValidPriorities["normal"]
}

// ClampImportance bounds v to [0,10].
func ClampImportance(v int) int {
	switch {
	case v < 0:
		return 0
	case v > 10:
		return 10
	}
	return v
}
