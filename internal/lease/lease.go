// Package lease provides per-run leases so that only one process drives a
// given run at a time.
package lease

import (
	"context"
	"errors"
	"time"
)

// ErrLost is returned when a lease expired or was taken by another holder.
var ErrLost = errors.New("lease lost")

// Locker hands out leases on keys.
type Locker interface {
	// Acquire tries to take key for ttl. ok is false when someone else
	// holds it.
	Acquire(ctx context.Context, key string, ttl time.Duration) (l Lease, ok bool, err error)
}

// Lease is a held key.
type Lease interface {
	Key() string
	// Renew extends the lease by its ttl, or returns ErrLost.
	Renew(ctx context.Context) error
	// Release gives the key up. Releasing a lost lease is not an error.
	Release(ctx context.Context) error
}

// KeepAlive renews l every interval until ctx is done. It calls onLost once
// if a renewal fails, then stops.
func KeepAlive(ctx context.Context, l Lease, interval time.Duration, onLost func(error)) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if err := l.Renew(ctx); err != nil {
				if ctx.Err() != nil {
					return
				}
				onLost(err)
				return
			}
		}
	}
}

// Noop grants every lease. It is used when no Redis is configured.
type Noop struct{}

func (Noop) Acquire(_ context.Context, key string, _ time.Duration) (Lease, bool, error) {
	return noopLease(key), true, nil
}

type noopLease string

func (l noopLease) Key() string { return string(l) }

func (noopLease) Renew(context.Context) error { return nil }

func (noopLease) Release(context.Context) error { return nil }
