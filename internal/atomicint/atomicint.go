// Package atomicint provides an int64 that is safe for concurrent use.
package atomicint

import (
	"fmt"
	"sync/atomic"
)

// Int64 must not be copied after first use.
type Int64 struct {
	v int64
}

func (v *Int64) Load() int64 {
	return atomic.LoadInt64(&v.v)
}

func (v *Int64) Store(i int64) {
	atomic.StoreInt64(&v.v, i)
}

func (v *Int64) String() string {
	return fmt.Sprint(v.Load())
}

// Add adds delta and returns the new value.
func (v *Int64) Add(delta int64) int64 {
	return atomic.AddInt64(&v.v, delta)
}

// CAS reports whether v was old and is now new.
func (v *Int64) CAS(old, new int64) (swapped bool) {
	return atomic.CompareAndSwapInt64(&v.v, old, new)
}
