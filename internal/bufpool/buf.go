// Package bufpool pools the buffers that hold undecoded frames and
// partially reassembled messages.
package bufpool

import (
	"bytes"
	"sync"
)

// maxPooled keeps one oversized message from pinning memory in the pool.
const maxPooled = 1 << 16

var pool sync.Pool

// Get returns a buffer from the pool or creates a new one if
// the pool is empty.
func Get() *bytes.Buffer {
	b, ok := pool.Get().(*bytes.Buffer)
	if !ok {
		b = &bytes.Buffer{}
	}
	return b
}

// Put returns a buffer into the pool.
func Put(b *bytes.Buffer) {
	if b.Cap() > maxPooled {
		return
	}
	b.Reset()
	pool.Put(b)
}
