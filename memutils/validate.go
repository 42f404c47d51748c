package memutils

import "sync"

// Validatable is implemented by allocators that can check their own bookkeeping for
// internal consistency
type Validatable interface {
	Validate() error
}

// LockedValidate calls Validate on validatable while holding locker
func LockedValidate(locker sync.Locker, validatable Validatable) error {
	locker.Lock()
	defer locker.Unlock()

	return validatable.Validate()
}
