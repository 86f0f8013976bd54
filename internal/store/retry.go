package store

import (
	"context"
	"time"

	storeerrors "github.com/arkilian/memlog/internal/errors"
)

const (
	retryAttempts = 3
	retryBase     = 10 * time.Millisecond
)

// retry runs op up to retryAttempts times with exponential backoff while
// it fails with a transient IO error.
func retry(ctx context.Context, op func() error) error {
	var err error
	for attempt := 0; attempt < retryAttempts; attempt++ {
		if err = op(); err == nil || !storeerrors.IsTransient(err) {
			return err
		}
		if attempt < retryAttempts-1 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(retryBase << attempt):
			}
		}
	}
	return err
}
