package transfer

import (
	"sync"

	"github.com/sheerbytes/peerdrop/internal/bufpool"
)

var chunkPools sync.Map // map[int]*bufpool.Pool

// chunkPoolFor returns the shared read-buffer pool for a chunk size.
func chunkPoolFor(chunkSize int) *bufpool.Pool {
	if pool, ok := chunkPools.Load(chunkSize); ok {
		return pool.(*bufpool.Pool)
	}
	pool := bufpool.New(chunkSize)
	actual, _ := chunkPools.LoadOrStore(chunkSize, pool)
	return actual.(*bufpool.Pool)
}
