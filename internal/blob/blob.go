// Package blob is the object-store gateway: typed put/get of JSON records
// and audio artifacts under the canonical key layout. No other package talks
// to the object store — every key in the system is built by the functions in
// keys.go, so the layout lives in exactly one place.
//
// Two implementations exist: [S3] for production (any S3-compatible store)
// and [Memory] for tests and the orchestrator scenario suite.
package blob

import (
	"context"
	"errors"
)

// ErrNotFound is returned when a requested object does not exist.
var ErrNotFound = errors.New("blob: not found")

// Store is the gateway contract. Keys are bucket-relative paths from
// keys.go; they double as the URIs recorded on tasks and stage outputs.
type Store interface {
	// PutJSON marshals v and writes it at key.
	PutJSON(ctx context.Context, key string, v any) error

	// GetJSON reads key and unmarshals into v. Returns [ErrNotFound] when
	// the object does not exist.
	GetJSON(ctx context.Context, key string, v any) error

	// PutFile uploads a local file to key.
	PutFile(ctx context.Context, key, localPath string) error

	// GetFile downloads key to a local path, creating parent directories.
	GetFile(ctx context.Context, key, localPath string) error

	// Exists probes for an object without fetching it. The sweeper's
	// recovery decisions ride on this.
	Exists(ctx context.Context, key string) (bool, error)

	// Ping verifies the store is reachable. Used by readiness checks.
	Ping(ctx context.Context) error
}
