package endpoint

import (
	"context"
	"time"

	"github.com/ndtelles/Atticus/errors"
)

// Lifecycle is anything that can be started and stopped like an Endpoint.
type Lifecycle interface {
	Start(ctx context.Context) error
	Stop(timeout time.Duration) error
}

// Run starts l, calls fn, and always stops l afterwards, also when fn
// returns an error or panics. A non-nil error from fn and from Stop are joined.
func Run(ctx context.Context, l Lifecycle, fn func(ctx context.Context) error) (err error) {
	if err := l.Start(ctx); err != nil {
		// Start may have left a worker tearing down; wait for it.
		if stopErr := l.Stop(0); stopErr != nil && !errors.Is(stopErr, errors.ErrAlreadyStopped) {
			return errors.Join(err, stopErr)
		}
		return err
	}

	defer func() {
		if stopErr := l.Stop(0); stopErr != nil && !errors.Is(stopErr, errors.ErrAlreadyStopped) {
			err = errors.Join(err, stopErr)
		}
	}()

	return fn(ctx)
}
