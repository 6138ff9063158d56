package cache

import (
	"cairndb/lsm/block"
	"cairndb/lsm/lru_cache"
	"cairndb/utils/config"
)

// BlockKey locates a decoded block within the LSM: the owning SST and the
// block's position inside it.
type BlockKey struct {
	SstID    uint64
	BlockIdx int
}

// BlockCache keeps decoded SST blocks on an LRU basis so point lookups and
// compactions do not re-read and re-verify hot blocks.
type BlockCache struct {
	cache *lru_cache.LRUCache[BlockKey, *block.Block]
}

// NewBlockCache creates a block cache with the configured capacity.
func NewBlockCache() *BlockCache {
	return &BlockCache{
		cache: lru_cache.NewLRUCache[BlockKey, *block.Block](config.GetConfig().BlockCache.Capacity),
	}
}

// Get returns the cached block or nil.
func (bc *BlockCache) Get(sstID uint64, blockIdx int) *block.Block {
	blk, err := bc.cache.Get(BlockKey{SstID: sstID, BlockIdx: blockIdx})
	if err != nil {
		return nil
	}
	return blk
}

// Put inserts a decoded block.
func (bc *BlockCache) Put(sstID uint64, blockIdx int, blk *block.Block) {
	bc.cache.Put(BlockKey{SstID: sstID, BlockIdx: blockIdx}, blk)
}

// Size returns the number of cached blocks.
func (bc *BlockCache) Size() uint32 {
	return bc.cache.Size()
}
