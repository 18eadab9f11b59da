package transport

import (
	"sync"
	"time"
)

// clock maps hub timestamps onto the local clock. The offset is the
// smallest observed local-receive minus hub-send difference, i.e. the
// estimate with the least network delay in it.
type clock struct {
	mu     sync.Mutex
	offset time.Duration
	known  bool
}

func (c *clock) observe(hubMillis int64, local time.Time) {
	d := local.Sub(time.UnixMilli(hubMillis))
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.known || d < c.offset {
		c.offset, c.known = d, true
	}
}

func (c *clock) local(hubMillis int64) time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return time.UnixMilli(hubMillis).Add(c.offset)
}
