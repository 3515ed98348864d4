package emitter

import (
	"fmt"

	"github.com/colorfulnotion/gekko/jit"
	"github.com/colorfulnotion/gekko/log"
)

// BlockSource describes guest control flow to the emitter: how many
// instructions the block starting at addr covers and the static exits it
// ends with. Tests and the CLI plug synthetic programs in here; a full
// emulator plugs in its decoder.
type BlockSource interface {
	Describe(addr uint32) (instructions uint32, exits []uint32)
}

// BlockSourceFunc adapts a function to BlockSource.
type BlockSourceFunc func(addr uint32) (uint32, []uint32)

func (f BlockSourceFunc) Describe(addr uint32) (uint32, []uint32) { return f(addr) }

// Emitter implements the cache's Recompiler interface against a CodeBuffer.
// One instance per cache; the two hold back-references to each other.
type Emitter struct {
	cache  *jit.BlockCache
	buf    *CodeBuffer
	source BlockSource

	thunk uintptr // generic dispatcher thunk all unlinked exits target

	fifoWriteAddresses      map[uint32]struct{}
	pairedQuantizeAddresses map[uint32]struct{}
}

func NewEmitter(buf *CodeBuffer, source BlockSource) *Emitter {
	e := &Emitter{
		buf:                     buf,
		source:                  source,
		fifoWriteAddresses:      make(map[uint32]struct{}),
		pairedQuantizeAddresses: make(map[uint32]struct{}),
	}
	e.emitThunk()
	return e
}

// SetCache installs the owning cache; must be called before Jit.
func (e *Emitter) SetCache(c *jit.BlockCache) {
	e.cache = c
}

// emitThunk writes the generic dispatcher thunk at the buffer head: spill
// into the dispatcher and never return here. Every unlinked exit jump
// lands on it.
func (e *Emitter) emitThunk() {
	off := e.buf.Len()
	e.buf.EmitMovImm64(0) // dispatcher entry filled in by the runtime
	e.buf.EmitRet()
	e.thunk = e.buf.Addr(off)
}

// Thunk returns the dispatcher thunk address.
func (e *Emitter) Thunk() uintptr { return e.thunk }

// Jit compiles and publishes a block for addr: allocate, emit the checked
// and normal entries, one patchable exit jump per static exit, finalize
// with linking on. Clears the whole cache first when the buffer is full,
// the same full-buffer policy the cache documents.
func (e *Emitter) Jit(addr uint32) {
	instructions, exits := e.source.Describe(addr)

	// Worst case bytes for this block: entry stubs + one jmp per exit.
	need := 16 + int(instructions) + 5*len(exits)
	if e.buf.Len()+need > e.buf.Cap() {
		log.Debug(log.EmitterMonitoring, "code buffer full, clearing cache", "used", e.buf.Len())
		e.cache.Clear()
		e.buf.Reset()
		e.emitThunk()
	}

	b := e.cache.AllocateBlock(addr)
	b.OriginalSize = instructions

	checkedOff := e.buf.Len()
	// Checked entry: exception poll placeholder, then fall through.
	e.buf.EmitNop()
	e.buf.EmitNop()
	normalOff := e.buf.Len()
	for i := uint32(0); i < instructions; i++ {
		e.buf.EmitNop() // translated guest instruction body
	}
	for _, exit := range exits {
		site := e.buf.EmitJmpRel32(e.thunk)
		b.LinkData = append(b.LinkData, jit.LinkData{ExitAddress: exit, PatchOffset: site})
	}

	b.CheckedEntry = e.buf.Addr(checkedOff)
	b.NormalEntry = e.buf.Addr(normalOff)
	b.CodeSize = uint32(e.buf.Len() - checkedOff)

	e.cache.FinalizeBlock(b, true, b.CheckedEntry)
	log.Trace(log.EmitterMonitoring, "jitted block", "ea", fmt.Sprintf("%08x", addr), "bytes", b.CodeSize)
}

// WriteLinkBlock patches the exit jump at e's site to dest's checked
// entry, or back to the thunk when dest is nil.
func (e *Emitter) WriteLinkBlock(link *jit.LinkData, dest *jit.Block) {
	target := e.thunk
	if dest != nil {
		target = dest.CheckedEntry
	}
	if err := e.buf.PatchJmpTarget(link.PatchOffset, target); err != nil {
		log.Error(log.EmitterMonitoring, "bad link patch site", "site", link.PatchOffset, "err", err)
	}
}

// WriteDestroyBlock overwrites a destroyed block's entries with traps so
// stale entry pointers fault loudly. Wire it as the cache's destroy hook.
func (e *Emitter) WriteDestroyBlock(b *jit.Block) {
	for _, entry := range []uintptr{b.CheckedEntry, b.NormalEntry} {
		off := int(entry - e.buf.Addr(0))
		if off >= 0 && off < e.buf.Len() {
			e.buf.Bytes()[off] = 0xCC
		}
	}
}

func (e *Emitter) FifoWriteAddresses() map[uint32]struct{} { return e.fifoWriteAddresses }

func (e *Emitter) PairedQuantizeAddresses() map[uint32]struct{} { return e.pairedQuantizeAddresses }
