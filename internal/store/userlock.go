package store

import (
	"hash/fnv"
	"sync"
)

const userLockStripes = 64

// userLocks serialises registry mutations per user so that the
// "remove old, insert new" sequence for one user never interleaves.
type userLocks struct {
	stripes [userLockStripes]sync.Mutex
}

func (l *userLocks) lock(userID string) func() {
	h := fnv.New32a()
	_, _ = h.Write([]byte(userID))
	m := &l.stripes[h.Sum32()%userLockStripes]
	m.Lock()
	return m.Unlock
}
