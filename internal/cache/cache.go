package cache

import (
	"sync"
	"sync/atomic"

	"github.com/outofoffice3/tap-handlers/internal/shared"
)

// Cache memoizes policy compliance results for the duration of one invocation.
type Cache interface {
	Set(key CacheKey, value shared.ComplianceResult)
	Get(key CacheKey) (shared.ComplianceResult, bool)
	// number of entries stored
	Len() int
}

type memoryCache struct {
	store sync.Map
	size  int64
}

// CacheKey identifies a policy document, e.g. PK = account id and
// SK = policy arn + version.
type CacheKey struct {
	PK string
	SK string
}

func (ck CacheKey) String() string {
	return ck.PK + "||" + ck.SK
}

func NewCache() Cache {
	return &memoryCache{}
}

func (c *memoryCache) Set(key CacheKey, value shared.ComplianceResult) {
	if _, loaded := c.store.Swap(key.String(), value); !loaded {
		atomic.AddInt64(&c.size, 1)
	}
}

func (c *memoryCache) Get(key CacheKey) (shared.ComplianceResult, bool) {
	result, exists := c.store.Load(key.String())
	if !exists {
		return shared.ComplianceResult{}, false
	}
	return result.(shared.ComplianceResult), true
}

func (c *memoryCache) Len() int {
	return int(atomic.LoadInt64(&c.size))
}
