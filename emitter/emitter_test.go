package emitter

import (
	"testing"

	"github.com/colorfulnotion/gekko/jit"
	"github.com/colorfulnotion/gekko/ppc"
	"github.com/colorfulnotion/gekko/timing"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// straightLine is a BlockSource where every block is four instructions
// falling through to the next block.
func straightLine(addr uint32) (uint32, []uint32) {
	return 4, []uint32{addr + 16}
}

func newTestRig(t *testing.T, source BlockSource) (*jit.BlockCache, *Emitter, *ppc.State) {
	t.Helper()
	cpu := &ppc.State{MSR: 0x30}
	buf := NewCodeBuffer(64 * 1024)
	em := NewEmitter(buf, source)
	cfg := jit.Config{
		FastBlockMapSize:  0x1000,
		ValidBlockSpace:   0x1000000,
		WriteDestroyBlock: em.WriteDestroyBlock,
	}
	cache := jit.NewBlockCache(cfg, cpu, ppc.IdentityTranslator{Mask: 0x0FFFFFFF}, em, timing.NewScheduler(), jit.NopProfiler{})
	em.SetCache(cache)
	cache.Init()
	return cache, em, cpu
}

func TestJitPublishesBlock(t *testing.T) {
	cache, em, cpu := newTestRig(t, BlockSourceFunc(straightLine))

	cpu.PC = 0x80001000
	entry := cache.Dispatch()
	b := cache.GetBlockFromStartAddress(0x80001000, 0x30)
	require.NotNil(t, b)
	assert.Equal(t, b.NormalEntry, entry)
	assert.Equal(t, uint32(4), b.OriginalSize)
	require.Len(t, b.LinkData, 1)
	assert.Equal(t, uint32(0x80001010), b.LinkData[0].ExitAddress)

	// Unlinked exit targets the dispatcher thunk.
	assert.Equal(t, em.Thunk(), em.buf.JmpTarget(b.LinkData[0].PatchOffset))
}

func TestLinkPatchesExitJump(t *testing.T) {
	cache, em, cpu := newTestRig(t, BlockSourceFunc(straightLine))

	cpu.PC = 0x80001000
	cache.Dispatch()
	a := cache.GetBlockFromStartAddress(0x80001000, 0x30)
	require.NotNil(t, a)
	require.False(t, a.LinkData[0].LinkStatus)

	cpu.PC = 0x80001010
	cache.Dispatch()
	b := cache.GetBlockFromStartAddress(0x80001010, 0x30)
	require.NotNil(t, b)

	assert.True(t, a.LinkData[0].LinkStatus)
	assert.Equal(t, b.CheckedEntry, em.buf.JmpTarget(a.LinkData[0].PatchOffset))

	// Destroying b reverts the patch to the thunk.
	cache.InvalidateICache(0x80001010, 32, true)
	assert.False(t, a.LinkData[0].LinkStatus)
	assert.Equal(t, em.Thunk(), em.buf.JmpTarget(a.LinkData[0].PatchOffset))
}

func TestWriteDestroyBlockTrapsEntries(t *testing.T) {
	cache, em, cpu := newTestRig(t, BlockSourceFunc(straightLine))

	cpu.PC = 0x80001000
	cache.Dispatch()
	b := cache.GetBlockFromStartAddress(0x80001000, 0x30)
	require.NotNil(t, b)
	checkedOff := int(b.CheckedEntry - em.buf.Addr(0))

	cache.InvalidateICache(0x80001000, 32, false)
	assert.Equal(t, byte(0xCC), em.buf.Bytes()[checkedOff])
}

func TestBufferFullTriggersClear(t *testing.T) {
	cpu := &ppc.State{MSR: 0x30}
	buf := NewCodeBuffer(128)
	em := NewEmitter(buf, BlockSourceFunc(straightLine))
	cache := jit.NewBlockCache(jit.Config{FastBlockMapSize: 0x1000, ValidBlockSpace: 0x1000000}, cpu, ppc.IdentityTranslator{Mask: 0x0FFFFFFF}, em, timing.NewScheduler(), jit.NopProfiler{})
	em.SetCache(cache)
	cache.Init()

	for pc := uint32(0x80001000); pc < 0x80001100; pc += 16 {
		cpu.PC = pc
		cache.Dispatch()
	}
	// The buffer wrapped at least once; whatever survives is consistent
	// and the most recent block is live.
	assert.NotNil(t, cache.GetBlockFromStartAddress(0x800010F0, 0x30))
	assert.LessOrEqual(t, buf.Len(), buf.Cap())
}

func TestDisassembleShowsPatchedJump(t *testing.T) {
	buf := NewCodeBuffer(128)
	buf.EmitNop()
	site := buf.EmitJmpRel32(buf.Addr(0))
	require.NoError(t, buf.PatchJmpTarget(site, buf.Addr(0)))

	out := Disassemble(buf.Bytes())
	assert.Contains(t, out, "NOP")
	assert.Contains(t, out, "JMP")
}

func TestJmpTargetRoundTrip(t *testing.T) {
	buf := NewCodeBuffer(128)
	site := buf.EmitJmpRel32(0)
	want := buf.Addr(100)
	require.NoError(t, buf.PatchJmpTarget(site, want))
	assert.Equal(t, want, buf.JmpTarget(site))

	// Backward target exercises negative displacements.
	require.NoError(t, buf.PatchJmpTarget(site, buf.Addr(0)))
	assert.Equal(t, buf.Addr(0), buf.JmpTarget(site))
}
