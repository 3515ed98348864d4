package ppc

import (
	"github.com/ethereum/go-ethereum/common/lru"
)

// Translation is the result of an instruction-address lookup through the
// guest MMU. Address is meaningful only when Valid is true.
type Translation struct {
	Address uint32
	Valid   bool
}

// Translator resolves a guest effective instruction address to a physical
// address. Pure lookup: no side effects, no faults raised here; an unmapped
// address comes back with Valid=false and the caller decides whether that
// is benign.
type Translator interface {
	TranslateInstructionAddress(effectiveAddress uint32) Translation
}

// IdentityTranslator maps effective addresses straight to physical ones,
// optionally masking off high bits. This is the real-mode translator and
// the one unit tests use.
type IdentityTranslator struct {
	Mask uint32
}

func (t IdentityTranslator) TranslateInstructionAddress(effectiveAddress uint32) Translation {
	mask := t.Mask
	if mask == 0 {
		mask = 0xFFFFFFFF
	}
	return Translation{Address: effectiveAddress & mask, Valid: true}
}

const (
	// PageSize is the guest MMU page granularity.
	PageSize = 4096
	pageMask = PageSize - 1

	// tlbEntries bounds the translation lookaside cache in front of the
	// page table.
	tlbEntries = 256
)

// PageTranslator resolves addresses through a page table with an LRU TLB in
// front. Pages are added and removed by whoever models the guest MMU
// (tests, the CLI's synthetic workload).
type PageTranslator struct {
	pages map[uint32]uint32 // effective page -> physical page
	tlb   lru.BasicLRU[uint32, uint32]
}

func NewPageTranslator() *PageTranslator {
	return &PageTranslator{
		pages: make(map[uint32]uint32),
		tlb:   lru.NewBasicLRU[uint32, uint32](tlbEntries),
	}
}

// AddPage maps the page containing effectiveAddress to the page containing
// physicalAddress.
func (t *PageTranslator) AddPage(effectiveAddress, physicalAddress uint32) {
	t.pages[effectiveAddress&^uint32(pageMask)] = physicalAddress &^ uint32(pageMask)
}

// RemovePage unmaps the page containing effectiveAddress and drops any TLB
// line covering it.
func (t *PageTranslator) RemovePage(effectiveAddress uint32) {
	page := effectiveAddress &^ uint32(pageMask)
	delete(t.pages, page)
	t.tlb.Remove(page)
}

func (t *PageTranslator) TranslateInstructionAddress(effectiveAddress uint32) Translation {
	page := effectiveAddress &^ uint32(pageMask)
	if phys, ok := t.tlb.Get(page); ok {
		return Translation{Address: phys | (effectiveAddress & pageMask), Valid: true}
	}
	phys, ok := t.pages[page]
	if !ok {
		return Translation{}
	}
	t.tlb.Add(page, phys)
	return Translation{Address: phys | (effectiveAddress & pageMask), Valid: true}
}
