// Package store owns the embedded SQLite store: the single writer lane,
// the read-only handle pool, provenance stamping and memory record
// operations.
package store

import (
	"context"

	"github.com/rcliao/memory-hub/internal/model"
)

// PutParams holds parameters for storing a memory.
type PutParams struct {
	NS         string
	Key        string
	Content    string
	Kind       string
	Tags       []string
	Priority   string
	Importance *int
	Meta       string
}

// GetParams holds parameters for retrieving a memory.
type GetParams struct {
	NS      string
	Key     string
	History bool
	Version int // 0 means latest
}

// ListParams holds parameters for listing memories.
type ListParams struct {
	NS       string
	Kind     string
	Tags     []string
	Limit    int
	KeysOnly bool
}

// RmParams holds parameters for deleting a memory.
type RmParams struct {
	NS          string
	Key         string
	AllVersions bool
	Hard        bool
}

// DeriveParams holds parameters for creating a memory from another one.
type DeriveParams struct {
	SourceNS  string
	SourceKey string
	NS        string
	Key       string
	Content   string
	Operation string // e.g. "summarization"
	Kind      string
	Tags      []string
	Priority  string
}

// Store defines the memory storage interface. Mutating calls take the
// caller's Origin from ctx (see WithOrigin) and return only after the
// write and its event are committed.
type Store interface {
	// Put stores or updates a memory. Returns the created memory.
	Put(ctx context.Context, p PutParams) (*model.Memory, error)

	// Get retrieves a memory by namespace and key without recording a recall.
	// Returns a slice (single element normally, multiple with History=true).
	Get(ctx context.Context, p GetParams) ([]model.Memory, error)

	// Recall retrieves the latest version, bumps its access count and
	// records a recall by the calling agent.
	Recall(ctx context.Context, ns, key string) (*model.Memory, error)

	// List lists memories matching the given filters.
	List(ctx context.Context, p ListParams) ([]model.Memory, error)

	// Rm soft-deletes (or hard-deletes) a memory.
	Rm(ctx context.Context, p RmParams) error

	// Derive creates a memory from an existing one, extending its
	// provenance chain.
	Derive(ctx context.Context, p DeriveParams) (*model.Memory, error)

	// Close closes the store.
	Close() error
}

type originKey struct{}

// WithOrigin attaches the calling agent's context to ctx.
func WithOrigin(ctx context.Context, o model.Origin) context.Context {
	return context.WithValue(ctx, originKey{}, o)
}

// OriginFrom returns the Origin attached to ctx, if any.
func OriginFrom(ctx context.Context) model.Origin {
	o, _ := ctx.Value(originKey{}).(model.Origin)
	return o
}

// SystemAgent is the origin used for the hub's own bookkeeping writes.
const SystemAgent = "memory-hub"

// SystemContext marks ctx as a hub-internal write.
func SystemContext(ctx context.Context) context.Context {
	return WithOrigin(ctx, model.Origin{AgentID: SystemAgent, Protocol: model.ProtocolProgrammatic})
}
