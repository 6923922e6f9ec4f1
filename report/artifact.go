package report

import (
	"context"
	"time"
)

// Artifact describes a rendered report file.
type Artifact struct {
	Location    string
	RecordCount int
	Duration    time.Duration
}

// Renderer produces an artifact for a request. Implementations live outside
// this module; the cache only records where the result ended up.
type Renderer interface {
	Render(ctx context.Context, owner Owner, req Request) (Artifact, error)
}

// RendererFunc adapts a function to Renderer.
type RendererFunc func(ctx context.Context, owner Owner, req Request) (Artifact, error)

func (f RendererFunc) Render(ctx context.Context, owner Owner, req Request) (Artifact, error) {
	return f(ctx, owner, req)
}

// ArtifactStore answers questions about artifacts by location.
type ArtifactStore interface {
	// Exists reports whether an artifact is present at location.
	Exists(ctx context.Context, location string) (bool, error)
	// Size returns the artifact size in bytes.
	Size(ctx context.Context, location string) (int64, error)
	// Remove deletes the artifact. Removing a missing artifact is not an error.
	Remove(ctx context.Context, location string) error
}

// Deliverer hands a finished scheduled report to its recipients.
type Deliverer interface {
	Deliver(ctx context.Context, owner Owner, location string, output map[string]string) error
}
