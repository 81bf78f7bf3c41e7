package warehouse

import (
	lru "github.com/hashicorp/golang-lru/v2"
)

// partitionCache keeps decoded content of recently read partitions.
// Every write to a partition must invalidate it.
// A nil *partitionCache is a valid, disabled cache.
type partitionCache struct {
	c *lru.Cache[string, []Record]
}

func newPartitionCache(size int) (*partitionCache, error) {
	if size <= 0 {
		return nil, nil
	}
	c, err := lru.New[string, []Record](size)
	if err != nil {
		return nil, err
	}
	return &partitionCache{c: c}, nil
}

// returned slice must not be modified
func (pc *partitionCache) get(partition string) ([]Record, bool) {
	if pc == nil {
		return nil, false
	}
	return pc.c.Get(partition)
}

func (pc *partitionCache) put(partition string, recs []Record) {
	if pc == nil {
		return
	}
	pc.c.Add(partition, recs)
}

func (pc *partitionCache) invalidate(partitions ...string) {
	if pc == nil {
		return
	}
	for _, p := range partitions {
		pc.c.Remove(p)
	}
}

func (pc *partitionCache) purge() {
	if pc == nil {
		return
	}
	pc.c.Purge()
}
