package tg

import (
	"sync"
	"time"
)

// sendLimiter keeps the last accepted send per destination. A request below
// its minimum interval is dropped, not queued.
type sendLimiter struct {
	mu   sync.Mutex
	last map[int64]time.Time
	now  func() time.Time
}

func newSendLimiter() *sendLimiter {
	return &sendLimiter{
		last: map[int64]time.Time{},
		now:  time.Now,
	}
}

func (l *sendLimiter) Allow(destID int64, minInterval time.Duration) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	if last, ok := l.last[destID]; ok && now.Sub(last) < minInterval {
		return false
	}
	l.last[destID] = now
	return true
}
