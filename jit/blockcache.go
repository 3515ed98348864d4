package jit

import (
	"fmt"

	"github.com/colorfulnotion/gekko/log"
	"github.com/colorfulnotion/gekko/ppc"
	"github.com/colorfulnotion/gekko/timing"
)

// BlockCache maintains four indices over the set of compiled blocks — the
// authoritative registry, the direct-mapped fast map, the coarse range
// index and the reverse link graph — plus the valid bitmap gating 32-byte
// invalidations. Single-owner: every mutating operation runs on the CPU
// thread, no internal locking.
type BlockCache struct {
	cfg        Config
	cpu        *ppc.State
	translator ppc.Translator
	recompiler Recompiler
	scheduler  *timing.Scheduler
	profiler   Profiler

	blockMap     map[uint32][]*Block // physical address -> blocks (registry)
	fastBlockMap []*Block
	fastMapMask  uint32
	validBlocks  validBlockBitSet
	rangeMap     blockRangeMap
	links        linkGraph

	clearEvent *timing.EventType

	stats Stats
}

// Stats are cache-lifetime counters; Clear does not reset them.
type Stats struct {
	Dispatches    uint64
	FastMapMisses uint64
	JitCalls      uint64
	Invalidations uint64
	RangeWalks    uint64
	BlocksFreed   uint64
}

func NewBlockCache(cfg Config, cpu *ppc.State, translator ppc.Translator, recompiler Recompiler, scheduler *timing.Scheduler, profiler Profiler) *BlockCache {
	if cfg.FastBlockMapSize == 0 || cfg.FastBlockMapSize&(cfg.FastBlockMapSize-1) != 0 {
		panic("fast block map size must be a power of two")
	}
	if profiler == nil {
		profiler = NopProfiler{}
	}
	return &BlockCache{
		cfg:          cfg,
		cpu:          cpu,
		translator:   translator,
		recompiler:   recompiler,
		scheduler:    scheduler,
		profiler:     profiler,
		blockMap:     make(map[uint32][]*Block),
		fastBlockMap: make([]*Block, cfg.FastBlockMapSize),
		fastMapMask:  cfg.FastBlockMapSize - 1,
		validBlocks:  newValidBlockBitSet(cfg.ValidBlockSpace),
		rangeMap:     newBlockRangeMap(),
		links:        newLinkGraph(),
	}
}

// SetRecompiler installs the recompiler collaborator after construction,
// for the back-reference cycle between the cache and the emitter.
func (c *BlockCache) SetRecompiler(r Recompiler) {
	c.recompiler = r
}

// Init registers the deferred clear event, brings up the profiler, and
// starts from an empty cache.
func (c *BlockCache) Init() {
	c.clearEvent = c.scheduler.RegisterEvent("clearJitCache", func(userdata uint64, cyclesLate int64) {
		c.Clear()
	})
	c.profiler.Init()
	c.Clear()
}

func (c *BlockCache) Shutdown() {
	c.profiler.Shutdown()
}

func (c *BlockCache) Reset() {
	c.Shutdown()
	c.Init()
}

// Clear tears down every block and empties all five structures, plus the
// recompiler's address hints. Called when the host code buffer fills and
// around state load.
func (c *BlockCache) Clear() {
	n := 0
	for _, blocks := range c.blockMap {
		n += len(blocks)
	}
	log.Debug(log.JitMonitoring, "clearing block cache", "blocks", n)

	clearHints(c.recompiler.FifoWriteAddresses())
	clearHints(c.recompiler.PairedQuantizeAddresses())
	for _, blocks := range c.blockMap {
		for _, b := range blocks {
			c.DestroyBlock(b)
		}
	}
	c.blockMap = make(map[uint32][]*Block)
	c.links.clear()
	c.rangeMap.clear()
	c.validBlocks.ClearAll()
	for i := range c.fastBlockMap {
		c.fastBlockMap[i] = nil
	}
}

func clearHints(set map[uint32]struct{}) {
	for k := range set {
		delete(set, k)
	}
}

// ScheduleClearCacheThreadSafe enqueues a zero-delay clear on the CPU
// thread. The only operation non-CPU threads may call.
func (c *BlockCache) ScheduleClearCacheThreadSafe() {
	c.scheduler.ScheduleEvent(0, c.clearEvent, 0, timing.FromNonCPU)
}

// RunOnBlocks visits every live block read-only.
func (c *BlockCache) RunOnBlocks(f func(b *Block)) {
	for _, blocks := range c.blockMap {
		for _, b := range blocks {
			f(b)
		}
	}
}

// GetFastBlockMap exposes the fast map backing for the generated dispatch
// prologue's inline fast path.
func (c *BlockCache) GetFastBlockMap() []*Block {
	return c.fastBlockMap
}

// GetBlockBitSet exposes the valid-bitmap backing memory for debug tooling.
func (c *BlockCache) GetBlockBitSet() []uint32 {
	return c.validBlocks.words
}

// GetStats returns a snapshot of the lifetime counters.
func (c *BlockCache) GetStats() Stats {
	s := c.stats
	s.RangeWalks = c.rangeMap.walks
	return s
}

func (c *BlockCache) fastLookupIndexForAddress(address uint32) uint32 {
	return (address >> 2) & c.fastMapMask
}

// AllocateBlock registers an empty block for em_address keyed on its
// current physical translation and returns it for the recompiler to
// populate. The caller must have checked that the address translates.
func (c *BlockCache) AllocateBlock(emAddress uint32) *Block {
	translated := c.translator.TranslateInstructionAddress(emAddress)
	b := &Block{
		EffectiveAddress:  emAddress,
		PhysicalAddress:   translated.Address,
		MsrBits:           c.cpu.MSR & MSRMask,
		fastBlockMapIndex: noFastBlockMapIndex,
	}
	c.blockMap[b.PhysicalAddress] = append(c.blockMap[b.PhysicalAddress], b)
	return b
}

// FinalizeBlock publishes a populated block: installs it in the fast map,
// marks its valid-bitmap chunks, files it in the range index, optionally
// links it both ways, and registers it with the profiler. codePtr is the
// start of the emitted host code.
func (c *BlockCache) FinalizeBlock(block *Block, blockLink bool, codePtr uintptr) {
	index := c.fastLookupIndexForAddress(block.EffectiveAddress)
	c.fastBlockMap[index] = block
	block.fastBlockMapIndex = int(index)

	blockStart := block.PhysicalAddress
	blockEnd := block.physicalEnd()

	for addr := blockStart / ValidBlockGranularity; addr <= blockEnd/ValidBlockGranularity; addr++ {
		c.validBlocks.Set(addr)
	}

	c.rangeMap.insertBlock(block)

	if blockLink {
		for i := range block.LinkData {
			c.links.add(block.LinkData[i].ExitAddress, block)
		}
		c.LinkBlock(block)
	}

	log.Trace(log.JitMonitoring, "block finalized", "ea", fmt.Sprintf("%08x", block.EffectiveAddress), "host", fmt.Sprintf("%x", codePtr), "insns", block.OriginalSize)
	c.profiler.Register(block.CheckedEntry, block.CodeSize, fmt.Sprintf("JIT_PPC_%08x", block.PhysicalAddress))
}

// GetBlockFromStartAddress returns the unique block starting at addr under
// msr, translating addr when instruction translation is enabled. Nil when
// no such block exists or the address does not translate.
func (c *BlockCache) GetBlockFromStartAddress(addr, msr uint32) *Block {
	translatedAddr := addr
	if ppc.MSRIR(msr) {
		translated := c.translator.TranslateInstructionAddress(addr)
		if !translated.Valid {
			return nil
		}
		translatedAddr = translated.Address
	}

	for _, b := range c.blockMap[translatedAddr] {
		if b.EffectiveAddress == addr && b.MsrBits == msr&MSRMask {
			return b
		}
	}
	return nil
}

// Dispatch is the hot path: find the block for the current PC/MSR and
// return its normal entry. At most one miss round trip: the fallback
// either installs an existing block or compiles a new one.
func (c *BlockCache) Dispatch() uintptr {
	c.stats.Dispatches++
	block := c.fastBlockMap[c.fastLookupIndexForAddress(c.cpu.PC)]

	for block == nil || block.EffectiveAddress != c.cpu.PC || block.MsrBits != c.cpu.MSR&MSRMask {
		c.stats.FastMapMisses++
		c.MoveBlockIntoFastCache(c.cpu.PC, c.cpu.MSR&MSRMask)
		block = c.fastBlockMap[c.fastLookupIndexForAddress(c.cpu.PC)]
	}

	return block.NormalEntry
}

// MoveBlockIntoFastCache installs the block for addr/msr into its fast map
// slot, compiling it first if it does not exist.
func (c *BlockCache) MoveBlockIntoFastCache(addr, msr uint32) {
	block := c.GetBlockFromStartAddress(addr, msr)
	if block == nil {
		c.stats.JitCalls++
		c.recompiler.Jit(addr)
		return
	}

	// Drop the stale fast map slot, if it is still ours.
	if block.fastBlockMapIndex != noFastBlockMapIndex && c.fastBlockMap[block.fastBlockMapIndex] == block {
		c.fastBlockMap[block.fastBlockMapIndex] = nil
	}

	index := c.fastLookupIndexForAddress(addr)
	c.fastBlockMap[index] = block
	block.fastBlockMapIndex = int(index)

	c.LinkBlock(block)
}

// InvalidateICache removes every block whose guest code intersects
// [address, address+length). forced means the caller knows no bytes
// changed (a coherence flush), so the recompiler's address hints are kept.
func (c *BlockCache) InvalidateICache(address, length uint32, forced bool) {
	translated := c.translator.TranslateInstructionAddress(address)
	if !translated.Valid {
		return
	}
	pAddr := translated.Address
	c.stats.Invalidations++

	// The common case is a single dcbi/icbi sized flush; the bitmap
	// answers it without walking the range index.
	if length == ValidBlockGranularity {
		chunk := pAddr / ValidBlockGranularity
		if !c.validBlocks.Test(chunk) {
			return
		}
		c.validBlocks.Clear(chunk)
	}

	c.destroyBlocksInRange(pAddr, length)

	// If the code was actually modified, clear the relevant entries from
	// the hint sets, so we don't end up with FIFO checks in places they
	// shouldn't be — that can clobber flags between instructions.
	if !forced {
		fifo := c.recompiler.FifoWriteAddresses()
		paired := c.recompiler.PairedQuantizeAddresses()
		for i := address; i < address+length; i += 4 {
			delete(fifo, i)
			delete(paired, i)
		}
	}
}

func (c *BlockCache) destroyBlocksInRange(pAddr, length uint32) {
	start := pAddr &^ (BlockRangeMapElements - 1)
	c.rangeMap.walk(start, pAddr+length, func(key uint32, set map[*Block]struct{}) bool {
		for b := range set {
			if !b.Overlap(pAddr, length) {
				continue
			}
			// Remove the block's other bucket entries first; the
			// visited bucket stays with the walk.
			c.rangeMap.removeFromOtherBuckets(b, key)
			c.DestroyBlock(b)
			c.eraseFromRegistry(b)
			delete(set, b)
		}
		return len(set) == 0
	})
}

func (c *BlockCache) eraseFromRegistry(b *Block) {
	list := c.blockMap[b.PhysicalAddress]
	kept := list[:0]
	for _, e := range list {
		if e != b {
			kept = append(kept, e)
		}
	}
	if len(kept) == 0 {
		delete(c.blockMap, b.PhysicalAddress)
	} else {
		c.blockMap[b.PhysicalAddress] = kept
	}
}

// DestroyBlock unpublishes a block: clears its fast map slot, reverts
// every inbound link, erases its link graph pairs, and lets the trap hook
// poison its entries.
func (c *BlockCache) DestroyBlock(block *Block) {
	c.stats.BlocksFreed++
	if block.fastBlockMapIndex != noFastBlockMapIndex && c.fastBlockMap[block.fastBlockMapIndex] == block {
		c.fastBlockMap[block.fastBlockMapIndex] = nil
	}

	c.UnlinkBlock(block)
	c.links.removeBlock(block)

	// Raise a signal if we are going to call this block again.
	if c.cfg.WriteDestroyBlock != nil {
		c.cfg.WriteDestroyBlock(block)
	}
}

// LinkBlockExits patches every unresolved exit of block whose destination
// now exists.
func (c *BlockCache) LinkBlockExits(block *Block) {
	for i := range block.LinkData {
		e := &block.LinkData[i]
		if e.LinkStatus {
			continue
		}
		destinationBlock := c.GetBlockFromStartAddress(e.ExitAddress, block.MsrBits)
		if destinationBlock != nil {
			c.recompiler.WriteLinkBlock(e, destinationBlock)
			e.LinkStatus = true
		}
	}
}

// LinkBlock resolves block's own exits, then the exits of every block that
// targets block's start, so inbound jumps newly resolvable by block get
// patched in.
func (c *BlockCache) LinkBlock(block *Block) {
	c.LinkBlockExits(block)
	for _, b2 := range c.links.blocksLinkingTo(block.EffectiveAddress) {
		if block.MsrBits == b2.MsrBits {
			c.LinkBlockExits(b2)
		}
	}
}

// UnlinkBlock reverts every inbound patched jump to the generic dispatcher
// thunk. The link graph entries stay: they describe the source blocks'
// exits, which still exist.
func (c *BlockCache) UnlinkBlock(block *Block) {
	for _, sourceBlock := range c.links.blocksLinkingTo(block.EffectiveAddress) {
		if sourceBlock.MsrBits != block.MsrBits {
			continue
		}
		for i := range sourceBlock.LinkData {
			e := &sourceBlock.LinkData[i]
			if e.ExitAddress == block.EffectiveAddress {
				c.recompiler.WriteLinkBlock(e, nil)
				e.LinkStatus = false
			}
		}
	}
}
