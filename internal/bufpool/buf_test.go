package bufpool

import (
	"strconv"
	"testing"

	"github.com/coder/wsevent/internal/test/assert"
)

func TestPool(t *testing.T) {
	t.Parallel()

	b := Get()
	b.WriteString("hello")
	Put(b)

	b = Get()
	assert.Equal(t, "len", 0, b.Len())
	Put(b)
}

func BenchmarkPool(b *testing.B) {
	sizes := []int{
		16,
		128,
		4096,
		16384,
	}
	for _, size := range sizes {
		p := make([]byte, size)
		b.Run(strconv.Itoa(size), func(b *testing.B) {
			b.ReportAllocs()
			for i := 0; i < b.N; i++ {
				buf := Get()
				buf.Write(p)
				Put(buf)
			}
		})
	}
}
