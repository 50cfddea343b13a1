package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sync/semaphore"
)

// ErrLockTimeout is returned when the commit lock could not be taken in time.
var ErrLockTimeout = errors.New("store: commit lock timeout")

// CommitLock serializes changeset commits. Writers hold it for the duration of a commit and the
// pruner holds it briefly while capturing the live roots and while finishing a sweep batch.
type CommitLock struct {
	sem *semaphore.Weighted
}

func newCommitLock() *CommitLock {
	return &CommitLock{sem: semaphore.NewWeighted(1)}
}

// Acquire takes the lock, giving up after timeout. A non-positive timeout waits until the
// context is done.
func (l *CommitLock) Acquire(ctx context.Context, timeout time.Duration) error {
	if timeout <= 0 {
		return l.sem.Acquire(ctx, 1)
	}

	tctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	err := l.sem.Acquire(tctx, 1)
	if err != nil && ctx.Err() == nil {
		return fmt.Errorf("%w after %s", ErrLockTimeout, timeout)
	}
	return err
}

// TryAcquire takes the lock only if it is free.
func (l *CommitLock) TryAcquire() bool {
	return l.sem.TryAcquire(1)
}

func (l *CommitLock) Release() {
	l.sem.Release(1)
}
