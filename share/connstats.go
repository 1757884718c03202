package swshare

import (
	"fmt"
	"sync/atomic"
)

// ConnStats keeps track of both currently open and total connection counts
// for an entity, plus the bytes it has moved in each direction.
type ConnStats struct {
	count    int32
	open     int32
	bytesOut int64
	bytesIn  int64
}

// New adds one to the total connection count and returns the new total,
// usable as a connection serial number.
func (c *ConnStats) New() int32 {
	return atomic.AddInt32(&c.count, 1)
}

// Open adds one to the current open connection count
func (c *ConnStats) Open() {
	atomic.AddInt32(&c.open, 1)
}

// Close subtracts one from the current open connection count
func (c *ConnStats) Close() {
	atomic.AddInt32(&c.open, -1)
}

// AddBytes accumulates byte totals for traffic that has passed through
// the owning entity.
func (c *ConnStats) AddBytes(out int64, in int64) {
	atomic.AddInt64(&c.bytesOut, out)
	atomic.AddInt64(&c.bytesIn, in)
}

// Bytes returns the accumulated (out, in) byte totals.
func (c *ConnStats) Bytes() (int64, int64) {
	return atomic.LoadInt64(&c.bytesOut), atomic.LoadInt64(&c.bytesIn)
}

func (c *ConnStats) String() string {
	return fmt.Sprintf("[%d/%d]", atomic.LoadInt32(&c.open), atomic.LoadInt32(&c.count))
}
