package json

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/projecteru2/cradle/lock"
	"github.com/projecteru2/cradle/storage"
	"github.com/projecteru2/cradle/utils"
)

// compile-time interface check.
var _ storage.Store[struct{}] = (*Store[struct{}])(nil)

// Store provides flock-protected read/modify/write access to a JSON file.
// T is the top-level structure stored in the file (must have exported fields
// with json tags). If *T implements storage.Initer, Init() is called
// automatically after loading.
type Store[T any] struct {
	filePath string
	locker   lock.Locker
}

// New creates a Store over the given data file, guarded by locker.
func New[T any](filePath string, locker lock.Locker) *Store[T] {
	return &Store[T]{filePath: filePath, locker: locker}
}

// With loads the JSON file under lock and passes the deserialized data to fn.
// If the file does not exist, fn receives a zero-value T.
// The lock is held for the duration of fn.
func (s *Store[T]) With(ctx context.Context, fn func(*T) error) error {
	return lock.WithLock(ctx, s.locker, func() error {
		return s.Read(fn)
	})
}

// Update performs a read-modify-write on the JSON file under lock.
// If fn returns nil the data is atomically written back.
func (s *Store[T]) Update(ctx context.Context, fn func(*T) error) error {
	return lock.WithLock(ctx, s.locker, func() error {
		return s.Read(func(data *T) error {
			if err := fn(data); err != nil {
				return err
			}
			return utils.AtomicWriteJSON(s.filePath, data)
		})
	})
}

// Read deserializes the data file and passes it to fn without locking.
// The caller must already hold the lock via TryLock.
func (s *Store[T]) Read(fn func(*T) error) error {
	var data T
	raw, err := os.ReadFile(s.filePath) //nolint:gosec // internal metadata
	if err != nil {
		if os.IsNotExist(err) {
			initData(&data)
			return fn(&data)
		}
		return fmt.Errorf("read %s: %w", s.filePath, err)
	}
	if err := json.Unmarshal(raw, &data); err != nil {
		return fmt.Errorf("parse %s: %w", s.filePath, err)
	}
	initData(&data)
	return fn(&data)
}

// TryLock attempts a non-blocking lock acquisition.
func (s *Store[T]) TryLock(ctx context.Context) (bool, error) {
	return s.locker.TryLock(ctx)
}

// Unlock releases a lock acquired by TryLock.
func (s *Store[T]) Unlock(ctx context.Context) error {
	return s.locker.Unlock(ctx)
}

func initData[T any](data *T) {
	if initer, ok := any(data).(storage.Initer); ok {
		initer.Init()
	}
}
