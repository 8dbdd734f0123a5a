package ports

import (
	"context"

	"mediconnect/internal/core/domain"
)

// MediaAcquirer obtains the local camera/microphone track set. Acquisition
// may block on a user permission grant, so it takes a context rather than a
// hard timeout. Implementations fall back through lower quality profiles
// before failing.
type MediaAcquirer interface {
	Acquire(ctx context.Context) (*domain.MediaEndpoint, error)
}
