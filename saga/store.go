package saga

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// InstanceStore persists saga instances.
//
// Update must enforce optimistic concurrency on Instance.Version, returning
// ErrInstanceStale when the stored version differs; the store bumps the
// version on success. The postgres subpackage provides the durable
// implementation; MemoryStore backs tests and single-process setups.
type InstanceStore interface {
	Create(ctx context.Context, instance *Instance) error
	Get(ctx context.Context, id uuid.UUID) (*Instance, error)
	Update(ctx context.Context, instance *Instance) error
	// ListExpired returns non-terminal instances whose step deadline passed
	// before the given time, up to limit, oldest deadline first.
	ListExpired(ctx context.Context, before time.Time, limit int) ([]*Instance, error)
}
