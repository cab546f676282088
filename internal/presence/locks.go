package presence

import (
	"hash/fnv"
	"sync"
)

// keyedMutex serializes read-modify-write cycles per scope so two joins to
// the same workspace never race on the shared record. Different scopes hash
// to different shards and proceed in parallel.
type keyedMutex struct {
	shards [32]sync.Mutex
}

func (k *keyedMutex) lock(key string) func() {
	h := fnv.New32a()
	h.Write([]byte(key))
	m := &k.shards[h.Sum32()%uint32(len(k.shards))]
	m.Lock()
	return m.Unlock
}
