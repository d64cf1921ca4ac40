// Package health defines the readiness-check contract polled by the gRPC
// health surface: any dependency that can go unavailable (catalogue store,
// cache) implements ReadinessCheck so the health server can report it.
package health

import "context"

// ReadinessCheck is implemented by anything whose health should gate the
// process's overall serving status.
type ReadinessCheck interface {
	IsReady(ctx context.Context) error
	Name() string
}
