package warehouse

import (
	"errors"
	"fmt"

	"github.com/juju/fslock"
)

const lockFileName = "warehouse.lock"

// dirLock makes sure only one process writes to a warehouse directory
type dirLock struct {
	path string
	lck  *fslock.Lock
}

func lockDir(path string) (*dirLock, error) {
	lck := fslock.New(path)
	if err := lck.TryLock(); err != nil {
		if errors.Is(err, fslock.ErrLocked) {
			return nil, fmt.Errorf("%w: '%s'", ErrLocked, path)
		}
		return nil, fmt.Errorf("locking '%s': %w", path, err)
	}
	return &dirLock{path: path, lck: lck}, nil
}

// Unlock is a no-op on nil receiver
func (l *dirLock) Unlock() error {
	if l == nil {
		return nil
	}
	return l.lck.Unlock()
}
