package deal

import (
	"hash/fnv"
	"time"
)

// pairLocks serializes deal operations per (group, client). The key space is
// sharded across a fixed set of stripes; acquisition is bounded so a stuck
// holder degrades into busy results instead of a pile-up.
type pairLocks struct {
	stripes []chan struct{}
	timeout time.Duration
}

func newPairLocks(n int, timeout time.Duration) *pairLocks {
	if n <= 0 {
		n = 64
	}
	if timeout <= 0 {
		timeout = 100 * time.Millisecond
	}
	stripes := make([]chan struct{}, n)
	for i := range stripes {
		stripes[i] = make(chan struct{}, 1)
	}
	return &pairLocks{stripes: stripes, timeout: timeout}
}

// acquire takes the stripe for (groupID, clientID), waiting at most the
// configured bound. Returns a release func and whether the lock was taken.
func (p *pairLocks) acquire(groupID, clientID string) (func(), bool) {
	stripe := p.stripes[p.index(groupID, clientID)]

	timer := time.NewTimer(p.timeout)
	defer timer.Stop()

	select {
	case stripe <- struct{}{}:
		return func() { <-stripe }, true
	case <-timer.C:
		return nil, false
	}
}

func (p *pairLocks) index(groupID, clientID string) int {
	h := fnv.New32a()
	h.Write([]byte(groupID))
	h.Write([]byte{0})
	h.Write([]byte(clientID))
	return int(h.Sum32() % uint32(len(p.stripes)))
}
