// Package tracked provides reference-counted handles around closeable
// resources such as segment readers.
package tracked

import (
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	"github.com/CVDpl/go-soplog/internal/common"
)

// Reference counts holders of a resource and closes it exactly once, when the
// last holder releases it.
//
// A new Reference starts with a count of one, held by its owner. Every other
// holder must call Increment before use and Decrement exactly once afterwards.
// The owner retires the resource by dropping its own reference.
type Reference[T io.Closer] struct {
	value T
	count atomic.Int64

	once     sync.Once
	released atomic.Bool
	closeErr error
}

// New wraps value with an owner reference.
func New[T io.Closer](value T) *Reference[T] {
	r := &Reference[T]{value: value}
	r.count.Store(1)
	return r
}

// Increment adds a holder. It returns false if the resource was already
// released, in which case the caller must not use it.
func (r *Reference[T]) Increment() bool {
	for {
		c := r.count.Load()
		if c <= 0 {
			return false
		}
		if r.count.CompareAndSwap(c, c+1) {
			return true
		}
	}
}

// Decrement drops a holder and closes the resource when the count reaches
// zero. A Decrement without a matching holder returns ErrRefUnderflow and
// leaves the count untouched.
func (r *Reference[T]) Decrement() error {
	for {
		c := r.count.Load()
		if c <= 0 {
			return fmt.Errorf("%w: count=%d", common.ErrRefUnderflow, c)
		}
		if !r.count.CompareAndSwap(c, c-1) {
			continue
		}
		if c == 1 {
			r.release()
			return r.closeErr
		}
		return nil
	}
}

func (r *Reference[T]) release() {
	r.once.Do(func() {
		r.closeErr = r.value.Close()
		r.released.Store(true)
	})
}

// Get returns the resource, or ErrAlreadyReleased once it has been closed.
func (r *Reference[T]) Get() (T, error) {
	if r.released.Load() || r.count.Load() <= 0 {
		var zero T
		return zero, common.ErrAlreadyReleased
	}
	return r.value, nil
}

// MustGet returns the resource and panics if it was released.
func (r *Reference[T]) MustGet() T {
	v, err := r.Get()
	if err != nil {
		panic(err)
	}
	return v
}

// RefCount returns the current number of holders.
func (r *Reference[T]) RefCount() int64 { return r.count.Load() }

// IsReleased reports whether the resource has been closed.
func (r *Reference[T]) IsReleased() bool { return r.released.Load() }

// CloseErr returns the error produced when the resource was closed.
func (r *Reference[T]) CloseErr() error {
	if !r.released.Load() {
		return nil
	}
	return r.closeErr
}
