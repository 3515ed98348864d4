// Package emitter is the reference recompiler collaborator for the block
// cache: a fixed host code buffer, the handful of x86-64 forms the cache
// needs patched (entry stubs, rel32 exit jumps, the dispatcher thunk,
// destroy traps), and a disassembler for debug dumps. Real guest decoding
// is out of scope; a BlockSource describes guest control flow.
package emitter

import (
	"encoding/binary"
	"fmt"
	"unsafe"
)

// CodeBuffer is an append-only host code region with a stable base
// address. It is allocated at full capacity up front so emitted code and
// recorded patch sites never move.
type CodeBuffer struct {
	code []byte
	base uintptr
}

func NewCodeBuffer(capacity int) *CodeBuffer {
	buf := make([]byte, capacity)
	return &CodeBuffer{
		code: buf[:0],
		base: uintptr(unsafe.Pointer(&buf[0])),
	}
}

// Len is the current write offset.
func (c *CodeBuffer) Len() int { return len(c.code) }

// Cap is the total capacity in bytes.
func (c *CodeBuffer) Cap() int { return cap(c.code) }

// Addr converts a buffer offset to a host address.
func (c *CodeBuffer) Addr(offset int) uintptr {
	return c.base + uintptr(offset)
}

// Bytes returns the emitted code so far.
func (c *CodeBuffer) Bytes() []byte { return c.code }

// Reset discards all emitted code. Recorded offsets become dangling; the
// cache clears alongside.
func (c *CodeBuffer) Reset() { c.code = c.code[:0] }

func (c *CodeBuffer) emit(b ...byte) int {
	off := len(c.code)
	c.code = append(c.code, b...)
	return off
}

// EmitNop emits a one-byte nop.
func (c *CodeBuffer) EmitNop() int {
	return c.emit(0x90)
}

// EmitTrap emits int3.
func (c *CodeBuffer) EmitTrap() int {
	return c.emit(0xCC)
}

// EmitRet emits ret.
func (c *CodeBuffer) EmitRet() int {
	return c.emit(0xC3)
}

// EmitMovImm64 emits mov rax, imm64.
func (c *CodeBuffer) EmitMovImm64(imm uint64) int {
	off := c.emit(0x48, 0xB8)
	immBytes := make([]byte, 8)
	binary.LittleEndian.PutUint64(immBytes, imm)
	c.emit(immBytes...)
	return off
}

// EmitJmpRel32 emits jmp rel32 aimed at target and returns the offset of
// the 4-byte displacement, the patch site the cache records per exit.
func (c *CodeBuffer) EmitJmpRel32(target uintptr) int {
	c.emit(0xE9)
	site := c.emit(0, 0, 0, 0)
	c.patchRel32(site, target)
	return site
}

// PatchJmpTarget rewrites the rel32 displacement at site to reach target.
func (c *CodeBuffer) PatchJmpTarget(site int, target uintptr) error {
	if site < 0 || site+4 > len(c.code) {
		return fmt.Errorf("patch site %d out of range (have %d bytes)", site, len(c.code))
	}
	c.patchRel32(site, target)
	return nil
}

// JmpTarget reads back the destination currently encoded at site.
func (c *CodeBuffer) JmpTarget(site int) uintptr {
	rel := int32(binary.LittleEndian.Uint32(c.code[site:]))
	return c.Addr(site+4) + uintptr(int64(rel))
}

func (c *CodeBuffer) patchRel32(site int, target uintptr) {
	rel := int64(target) - int64(c.Addr(site+4))
	binary.LittleEndian.PutUint32(c.code[site:], uint32(int32(rel)))
}
