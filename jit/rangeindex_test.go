package jit

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRangeMapOrderedWalk(t *testing.T) {
	m := newBlockRangeMap()
	blocks := map[uint32]*Block{}
	for _, pa := range []uint32{0x300, 0x100, 0x500} {
		b := &Block{PhysicalAddress: pa, OriginalSize: 4}
		blocks[pa] = b
		m.insertBlock(b)
	}

	var visited []uint32
	m.walk(0x0, 0x600, func(key uint32, set map[*Block]struct{}) bool {
		visited = append(visited, key)
		return false
	})
	assert.Equal(t, []uint32{0x100, 0x300, 0x500}, visited, "walk must be in ascending key order")

	visited = nil
	m.walk(0x200, 0x500, func(key uint32, set map[*Block]struct{}) bool {
		visited = append(visited, key)
		return false
	})
	assert.Equal(t, []uint32{0x300}, visited, "walk bounds are [start, end)")
}

func TestRangeMapEraseDuringWalk(t *testing.T) {
	m := newBlockRangeMap()
	// spans buckets 0x100 and 0x200
	b := &Block{PhysicalAddress: 0x1F0, OriginalSize: 8}
	m.insertBlock(b)
	require.Len(t, m.keys, 2)

	m.walk(0x100, 0x300, func(key uint32, set map[*Block]struct{}) bool {
		if _, ok := set[b]; ok {
			m.removeFromOtherBuckets(b, key)
			delete(set, b)
		}
		return len(set) == 0
	})

	// Both buckets lie inside the walk: the one holding b was erased when
	// visited, and the one b was purged from was erased too once the walk
	// reached it empty.
	total := 0
	for _, set := range m.buckets {
		total += len(set)
	}
	assert.Zero(t, total)
}

func TestRangeMapBucketSpan(t *testing.T) {
	m := newBlockRangeMap()
	// last byte 0xFF: exactly one bucket
	edge := &Block{PhysicalAddress: 0xF0, OriginalSize: 4}
	m.insertBlock(edge)
	assert.Equal(t, []uint32{0x0}, m.keys)

	m.eraseBlock(edge)
	// one more instruction of span crosses
	crosser := &Block{PhysicalAddress: 0xF0, OriginalSize: 5}
	m.insertBlock(crosser)
	_, ok := m.buckets[0x100][crosser]
	assert.True(t, ok)
}

func TestValidBlockBitSet(t *testing.T) {
	s := newValidBlockBitSet(0x10000)

	s.Set(0x80)
	assert.True(t, s.Test(0x80))
	assert.False(t, s.Test(0x81))

	s.Clear(0x80)
	assert.False(t, s.Test(0x80))

	s.Set(31)
	s.Set(32)
	s.ClearAll()
	assert.False(t, s.Test(31))
	assert.False(t, s.Test(32))
}

func TestLinkGraphRemoveBlock(t *testing.T) {
	g := newLinkGraph()
	a := &Block{EffectiveAddress: 0x1000, LinkData: []LinkData{{ExitAddress: 0x3000}}}
	b := &Block{EffectiveAddress: 0x2000, LinkData: []LinkData{{ExitAddress: 0x3000}}}
	g.add(0x3000, a)
	g.add(0x3000, b)
	require.Len(t, g.blocksLinkingTo(0x3000), 2)

	g.removeBlock(a)
	list := g.blocksLinkingTo(0x3000)
	require.Len(t, list, 1)
	assert.Same(t, b, list[0])

	g.removeBlock(b)
	assert.Empty(t, g.blocksLinkingTo(0x3000))
}
