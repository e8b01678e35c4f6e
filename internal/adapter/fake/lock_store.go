package fake

import (
	"context"
	"sync"
	"time"

	"stagehand/internal/adapter/fake/fault"
	"stagehand/internal/lock"
)

var _ lock.Store = (*LockStore)(nil)

const (
	FaultLockAcquire = "lock.acquire"
	FaultLockGet     = "lock.get"
)

// LockStore is an in-memory lock.Store.
type LockStore struct {
	CallRecorder
	mu     sync.Mutex
	held   *lock.Lock
	faults *fault.Injector
	Now    func() time.Time
}

func NewLockStore() *LockStore {
	return &LockStore{faults: fault.NewInjector(), Now: time.Now}
}

func (s *LockStore) FailAlways(point string, err error) { s.faults.FailAlways(point, err) }

// Acquire fails on a cancelled ctx, as the SQLite store does.
func (s *LockStore) Acquire(ctx context.Context, msg string) error {
	s.record("Acquire", msg)
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := s.faults.Eval(FaultLockAcquire, msg); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.held == nil {
		s.held = &lock.Lock{Message: msg, AcquiredAt: s.Now()}
	}
	return nil
}

func (s *LockStore) Get(context.Context) (lock.Lock, bool, error) {
	s.record("Get")
	if err := s.faults.Eval(FaultLockGet); err != nil {
		return lock.Lock{}, false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.held == nil {
		return lock.Lock{}, false, nil
	}
	return *s.held, true, nil
}

func (s *LockStore) Release(context.Context) error {
	s.record("Release")
	s.mu.Lock()
	s.held = nil
	s.mu.Unlock()
	return nil
}
