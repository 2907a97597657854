package vault

import "sync/atomic"

// entryLock is a non-blocking reentrancy guard shared by the vault and its
// strategy. Entry points run serially; a nested entry from inside an external
// call fails instead of waiting.
type entryLock struct {
	entered atomic.Bool
}

func (l *entryLock) enter() (func(), error) {
	if !l.entered.CompareAndSwap(false, true) {
		return nil, ErrReentrantCall
	}
	return func() { l.entered.Store(false) }, nil
}
