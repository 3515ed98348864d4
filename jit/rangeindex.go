package jit

import "golang.org/x/exp/slices"

// blockRangeMap is the coarse range index: bucket-aligned physical address
// to the set of blocks touching that bucket. Bucket keys are kept in a
// sorted slice so invalidation can walk an address range in order.
type blockRangeMap struct {
	buckets map[uint32]map[*Block]struct{}
	keys    []uint32

	// walks counts ordered range walks, for the O(1)-short-circuit
	// assertion in tests and the CLI stats dump.
	walks uint64
}

func newBlockRangeMap() blockRangeMap {
	return blockRangeMap{
		buckets: make(map[uint32]map[*Block]struct{}),
	}
}

func rangeMapKey(physicalAddress uint32) uint32 {
	return physicalAddress &^ (BlockRangeMapElements - 1)
}

// insertBlock adds b to every bucket its physical span intersects.
func (m *blockRangeMap) insertBlock(b *Block) {
	end := rangeMapKey(b.physicalEnd())
	for addr := rangeMapKey(b.PhysicalAddress); addr <= end; addr += BlockRangeMapElements {
		m.insert(addr, b)
	}
}

func (m *blockRangeMap) insert(key uint32, b *Block) {
	set, ok := m.buckets[key]
	if !ok {
		set = make(map[*Block]struct{})
		m.buckets[key] = set
		if i, found := slices.BinarySearch(m.keys, key); !found {
			m.keys = slices.Insert(m.keys, i, key)
		}
	}
	set[b] = struct{}{}
}

// removeFromOtherBuckets drops b from every bucket it occupies except
// keep. Buckets emptied here are deliberately left behind; the walk in
// invalidate erases the ones it visits, the rest get reused or cleared.
func (m *blockRangeMap) removeFromOtherBuckets(b *Block, keep uint32) {
	end := rangeMapKey(b.physicalEnd())
	for addr := rangeMapKey(b.PhysicalAddress); addr <= end; addr += BlockRangeMapElements {
		if addr == keep {
			continue
		}
		if set, ok := m.buckets[addr]; ok {
			delete(set, b)
		}
	}
}

// eraseBlock drops b from every bucket, leaving emptied buckets in place.
// Clear does not use it; it resets the whole map through clear.
func (m *blockRangeMap) eraseBlock(b *Block) {
	m.removeFromOtherBuckets(b, ^uint32(0))
}

// eraseEntry removes an entire bucket.
func (m *blockRangeMap) eraseEntry(key uint32) {
	delete(m.buckets, key)
	if i, found := slices.BinarySearch(m.keys, key); found {
		m.keys = slices.Delete(m.keys, i, i+1)
	}
}

// walk visits every bucket with start <= key < end in ascending order.
// The visitor may mutate the visited bucket's set and may ask for the
// bucket's erasure by returning true. Buckets other than the visited one
// must not be erased by the visitor.
func (m *blockRangeMap) walk(start, end uint32, visit func(key uint32, set map[*Block]struct{}) (erase bool)) {
	m.walks++
	from, _ := slices.BinarySearch(m.keys, start)
	// Snapshot the in-range keys: the visitor may erase the visited
	// bucket, and removeFromOtherBuckets never touches keys.
	var inRange []uint32
	for _, key := range m.keys[from:] {
		if key >= end {
			break
		}
		inRange = append(inRange, key)
	}
	for _, key := range inRange {
		set, ok := m.buckets[key]
		if !ok {
			continue
		}
		if visit(key, set) {
			m.eraseEntry(key)
		}
	}
}

func (m *blockRangeMap) clear() {
	m.buckets = make(map[uint32]map[*Block]struct{})
	m.keys = m.keys[:0]
}
