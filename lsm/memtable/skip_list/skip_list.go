package skip_list

import (
	"math/rand"

	"cairndb/lsm/bloom_filter"
	"cairndb/model"
	"cairndb/model/column"
	"cairndb/utils/config"
)

// KMaxHeight bounds the probabilistic tower height, loaded from config in init()
var KMaxHeight int

func init() {
	KMaxHeight = config.GetConfig().SkipList.MaxHeight
}

// Node is one skip-list node: the key bytes, the Rid payload and a tower of
// forward pointers whose height was sampled geometrically.
type Node struct {
	key       []byte
	value     model.Rid
	nextNodes []*Node // i-th Node is at the i-th level
}

// NewNode creates a new node for the Skip List.
func NewNode(key []byte, value model.Rid, height int) *Node {
	return &Node{
		key:       key,
		value:     value,
		nextNodes: make([]*Node, height),
	}
}

// Key returns the node's key bytes.
func (n *Node) Key() []byte { return n.key }

// Value returns the node's Rid.
func (n *Node) Value() model.Rid { return n.value }

// SkipList is the mutable sorted map backing a memtable. Keys are fixed-size
// column-encoded byte strings compared column-wise; a put over an existing
// key overwrites its value, which is also how tombstones shadow older writes.
// For every level the chain is sorted ascending by key. A bloom filter guards
// negative lookups.
type SkipList struct {
	maxHeight     int
	currentHeight int
	head          *Node
	cols          []column.ColMeta
	bloomFilter   *bloom_filter.BloomFilter
	rnd           *rand.Rand
	sizeBytes     int
}

// NewSkipList creates an empty skip list over the given column descriptors.
func NewSkipList(cols []column.ColMeta, seed int64) *SkipList {
	cfg := config.GetConfig()
	return &SkipList{
		maxHeight:     KMaxHeight,
		currentHeight: 1,
		head:          NewNode(nil, model.InvalidRid(), KMaxHeight), // head sorts before every real key
		cols:          cols,
		bloomFilter:   bloom_filter.NewBloomFilter(cfg.BloomFilter.ExpectedItems, cfg.BloomFilter.FalsePositiveRate),
		rnd:           rand.New(rand.NewSource(seed)),
	}
}

func (s *SkipList) compare(a, b []byte) int {
	return column.Compare(a, b, s.cols)
}

// randomHeight samples a tower height from a geometric distribution capped at
// the maximum height.
func (s *SkipList) randomHeight() int {
	height := 1
	for height < s.maxHeight && s.rnd.Intn(2) == 1 {
		height++
	}
	return height
}

// findGreaterOrEqual descends the towers to the first node with key >= key,
// recording the last node visited per level in prev when it is non-nil.
func (s *SkipList) findGreaterOrEqual(key []byte, prev []*Node) *Node {
	current := s.head
	level := s.currentHeight - 1
	for {
		next := current.nextNodes[level]
		if next != nil && s.compare(next.key, key) < 0 {
			current = next
			continue
		}
		if prev != nil {
			prev[level] = current
		}
		if level == 0 {
			return next
		}
		level--
	}
}

// Put inserts or overwrites the value stored under key. A tombstone is a put
// of the invalid Rid.
func (s *SkipList) Put(key []byte, value model.Rid) {
	prev := make([]*Node, s.maxHeight)
	node := s.findGreaterOrEqual(key, prev)

	if node != nil && s.compare(node.key, key) == 0 {
		node.value = value
		return
	}

	height := s.randomHeight()
	if height > s.currentHeight {
		for i := s.currentHeight; i < height; i++ {
			prev[i] = s.head
		}
		s.currentHeight = height
	}

	keyCopy := append([]byte(nil), key...)
	newNode := NewNode(keyCopy, value, height)
	for i := 0; i < height; i++ {
		newNode.nextNodes[i] = prev[i].nextNodes[i]
		prev[i].nextNodes[i] = newNode
	}

	s.bloomFilter.Add(key)
	s.sizeBytes += len(key) + model.RidSize
}

// Get looks up the value stored under key. Tombstones are returned as-is;
// the caller decides what an invalid Rid means.
func (s *SkipList) Get(key []byte) (model.Rid, bool) {
	if !s.bloomFilter.MayContain(key) {
		return model.InvalidRid(), false
	}
	node := s.findGreaterOrEqual(key, nil)
	if node != nil && s.compare(node.key, key) == 0 {
		return node.value, true
	}
	return model.InvalidRid(), false
}

// Remove writes a tombstone for key.
func (s *SkipList) Remove(key []byte) {
	s.Put(key, model.InvalidRid())
}

// SizeBytes returns the accumulated entry footprint.
func (s *SkipList) SizeBytes() int { return s.sizeBytes }

// BloomFilter exposes the filter for SST construction.
func (s *SkipList) BloomFilter() *bloom_filter.BloomFilter { return s.bloomFilter }

// Begin returns an iterator over the whole list.
func (s *SkipList) Begin() *Iterator {
	return &Iterator{list: s, current: s.head.nextNodes[0]}
}

// Find positions an iterator at the first key >= key (or > key when the
// bound is open).
func (s *SkipList) Find(key []byte, isClosed bool) *Iterator {
	node := s.findGreaterOrEqual(key, nil)
	if !isClosed && node != nil && s.compare(node.key, key) == 0 {
		node = node.nextNodes[0]
	}
	return &Iterator{list: s, current: node}
}

// FindRange positions an iterator over [lower, upper] with per-bound
// open/closed flags.
func (s *SkipList) FindRange(lower []byte, isLowerClosed bool, upper []byte, isUpperClosed bool) *Iterator {
	it := s.Find(lower, isLowerClosed)
	it.rightKey = append([]byte(nil), upper...)
	it.rightClosed = isUpperClosed
	return it
}

// Iterator walks the bottom level of the list in key order, optionally
// bounded above by rightKey.
type Iterator struct {
	list        *SkipList
	current     *Node
	rightKey    []byte
	rightClosed bool
}

// Next advances to the following node.
func (it *Iterator) Next() {
	if it.current != nil {
		it.current = it.current.nextNodes[0]
	}
}

// IsEnd reports whether the iterator ran off the list or past its bound.
func (it *Iterator) IsEnd() bool {
	if it.current == nil {
		return true
	}
	if it.rightKey == nil {
		return false
	}
	cmp := it.list.compare(it.current.key, it.rightKey)
	if it.rightClosed {
		return cmp > 0
	}
	return cmp >= 0
}

// Key returns the current key.
func (it *Iterator) Key() []byte { return it.current.key }

// Value returns the current Rid.
func (it *Iterator) Value() model.Rid { return it.current.value }
