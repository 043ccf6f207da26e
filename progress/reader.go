package progress

import (
	"io"
	"sync/atomic"
)

// ReadCounter counts the bytes flowing through a reader. Safe to poll from
// another goroutine while the read is in flight.
type ReadCounter struct {
	r     io.Reader
	count uint64
}

func NewReadCounter(r io.Reader) *ReadCounter {
	return &ReadCounter{r: r}
}

func (c *ReadCounter) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	if n > 0 {
		atomic.AddUint64(&c.count, uint64(n))
	}
	return n, err
}

func (c *ReadCounter) Count() uint64 {
	return atomic.LoadUint64(&c.count)
}
