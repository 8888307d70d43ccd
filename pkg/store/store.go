package store

import (
	"context"

	"github.com/rnowrang/ai-lab-platform-sub000/pkg/model"
)

// EnvironmentStore persists the allocation ledger. Implementations must make
// Save and Delete durable before returning: a crash immediately after either
// call must not lose the write, and a crash during either call must never
// leave a torn record.
type EnvironmentStore interface {
	LoadAll(ctx context.Context) ([]model.Environment, error)
	Save(ctx context.Context, env *model.Environment) error
	Delete(ctx context.Context, id string) error
	Close() error
}
