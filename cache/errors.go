package cache

import (
	"errors"
	"fmt"
	"net"

	"github.com/redis/go-redis/v9"
)

// ErrUnavailable is returned when the index has no backend connection.
var ErrUnavailable = errors.New("Cache backend unavailable")

// Kind classifies storage failures.
type Kind int

const (
	// KindOperation is a failed read or write on a reachable backend.
	KindOperation Kind = iota
	// KindUnavailable means the backend could not be reached at all.
	KindUnavailable
	// KindMalformed is a record that exists but cannot be parsed.
	KindMalformed
)

func (k Kind) String() string {
	switch k {
	case KindUnavailable:
		return "backend unavailable"
	case KindMalformed:
		return "malformed record"
	default:
		return "backend operation failed"
	}
}

// StorageError is the only error type returned by FlagIndex methods.
type StorageError struct {
	// Operation that failed, e.g. "get" or "clear".
	Op   string
	Key  string
	Kind Kind
	Err  error
}

func (e *StorageError) Error() string {
	if e.Key == "" {
		return fmt.Sprintf("cache %s: %s: %v", e.Op, e.Kind, e.Err)
	}
	return fmt.Sprintf("cache %s %s: %s: %v", e.Op, e.Key, e.Kind, e.Err)
}

func (e *StorageError) Unwrap() error {
	return e.Err
}

// IsUnavailable reports whether err means the backend cannot be reached.
func IsUnavailable(err error) bool {
	var se *StorageError
	if errors.As(err, &se) {
		return se.Kind == KindUnavailable
	}
	return errors.Is(err, ErrUnavailable)
}

func newStorageError(op, key string, err error) *StorageError {
	return &StorageError{
		Op:   op,
		Key:  key,
		Kind: kindOf(err),
		Err:  err,
	}
}

func kindOf(err error) Kind {
	if errors.Is(err, ErrUnavailable) || errors.Is(err, redis.ErrClosed) {
		return KindUnavailable
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return KindUnavailable
	}
	var malformed *malformedError
	if errors.As(err, &malformed) {
		return KindMalformed
	}
	return KindOperation
}

type malformedError struct {
	err error
}

func (e *malformedError) Error() string {
	return e.err.Error()
}

func (e *malformedError) Unwrap() error {
	return e.err
}
