// distributed_locker.go
package locking

import (
	"context"
	"errors"
)

// ErrLocked is returned by AcquireLock when another instance holds a live lease
var ErrLocked = errors.New("lock is held by another instance")

// DistributedLocker guards a named resource so only one process works on it at a time.
type DistributedLocker interface {
	// AcquireLock takes the lock and returns its lease ID, or ErrLocked if another holder has it.
	AcquireLock(ctx context.Context) (string, error)

	// ReleaseLock releases the lock associated with the provided lease ID.
	ReleaseLock(ctx context.Context, leaseID string) error

	// RenewLock extends the current lease.
	RenewLock(ctx context.Context) error

	// StartLockRenewal renews the lease in the background until ctx is cancelled.
	StartLockRenewal(ctx context.Context)
}

// NoopLocker is used when no lock provider is configured
type NoopLocker struct{}

func (NoopLocker) AcquireLock(ctx context.Context) (string, error)       { return "", nil }
func (NoopLocker) ReleaseLock(ctx context.Context, leaseID string) error { return nil }
func (NoopLocker) RenewLock(ctx context.Context) error                   { return nil }
func (NoopLocker) StartLockRenewal(ctx context.Context)                  {}
