package block_cache

import (
	"fmt"

	lru "github.com/hashicorp/golang-lru/v2"

	"strata/internal/block"
	"strata/internal/common"
)

// DefaultCapacity is the number of parsed blocks kept by default.
const DefaultCapacity = 1024

type cacheKey struct {
	fileNo  common.FileNo
	blockNo common.BlockNo
}

// BlockCache is a shared LRU of parsed data blocks across all open SSTables.
// It is safe for concurrent use.
type BlockCache struct {
	lru *lru.Cache[cacheKey, block.Block]
}

// New returns a cache holding up to capacity blocks.
func New(capacity int) (*BlockCache, error) {
	c, err := lru.New[cacheKey, block.Block](capacity)
	if err != nil {
		return nil, fmt.Errorf("block cache: %w", err)
	}
	return &BlockCache{lru: c}, nil
}

// Get retrieves a block from the cache. Returns (block, true) if found, (nil, false) if not.
func (c *BlockCache) Get(fileNo common.FileNo, blockNo common.BlockNo) (block.Block, bool) {
	if c == nil {
		return nil, false
	}
	return c.lru.Get(cacheKey{fileNo, blockNo})
}

// Put stores a block in the cache.
func (c *BlockCache) Put(fileNo common.FileNo, blockNo common.BlockNo, b block.Block) {
	if c == nil {
		return
	}
	c.lru.Add(cacheKey{fileNo, blockNo}, b)
}

// EvictFile drops every cached block of fileNo.
func (c *BlockCache) EvictFile(fileNo common.FileNo) {
	if c == nil {
		return
	}
	for _, k := range c.lru.Keys() {
		if k.fileNo == fileNo {
			c.lru.Remove(k)
		}
	}
}

func (c *BlockCache) Len() int {
	if c == nil {
		return 0
	}
	return c.lru.Len()
}
