package shm

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
)

// UniqueOptions configures CreateUnique.
type UniqueOptions struct {
	Prefix     string
	Mode       Mode
	Size       int64
	MaxRetries uint64
	// InitialInterval is the first backoff delay after a collision.
	InitialInterval time.Duration
	// NameFunc generates candidate names; defaults to Prefix plus a random UUID.
	NameFunc func() string
}

// CreateUnique creates a named region under a freshly generated name,
// picking a new name and retrying while creation reports NameCollision.
// Any other failure is returned immediately. It returns the name used.
func CreateUnique(ctx context.Context, r *Region, opts UniqueOptions) (string, error) {
	names := opts.NameFunc
	if names == nil {
		names = func() string { return opts.Prefix + uuid.NewString() }
	}
	eb := backoff.NewExponentialBackOff()
	if opts.InitialInterval > 0 {
		eb.InitialInterval = opts.InitialInterval
	}
	var policy backoff.BackOff = eb
	if opts.MaxRetries > 0 {
		policy = backoff.WithMaxRetries(policy, opts.MaxRetries)
	}

	return backoff.RetryWithData(func() (string, error) {
		name := names()
		err := r.Create(ctx, name, opts.Mode, false, opts.Size)
		switch {
		case err == nil:
			return name, nil
		case errors.Is(err, ErrNameCollision):
			return "", err
		}
		return "", backoff.Permanent(err)
	}, backoff.WithContext(policy, ctx))
}
