package mmu

import "github.com/tinyrange/rvemu/internal/isa"

const tlbSize = 256

type tlbEntry struct {
	gen  uint32
	priv isa.Privilege
	vpn  uint64
	ppn  uint64
}

// tlb caches completed translations. It keeps one direct-mapped array per
// access type so a read-only mapping never satisfies a store lookup.
type tlb struct {
	entries [3][tlbSize]tlbEntry
	// gen is bumped on every flush. Entries from older generations are stale.
	gen uint32

	// ptPages holds the physical page numbers read during walks since the
	// last flush. A store to any of them flushes the cache.
	ptPages map[uint64]struct{}

	hits    uint64
	misses  uint64
	flushes uint64
}

func newTLB() *tlb {
	return &tlb{gen: 1, ptPages: make(map[uint64]struct{})}
}

func (t *tlb) lookup(vpn uint64, priv isa.Privilege, access Access) (uint64, bool) {
	e := &t.entries[access][vpn&(tlbSize-1)]
	if e.gen == t.gen && e.vpn == vpn && e.priv == priv {
		t.hits++
		return e.ppn, true
	}
	t.misses++
	return 0, false
}

func (t *tlb) insert(vpn uint64, priv isa.Privilege, access Access, ppn uint64) {
	t.entries[access][vpn&(tlbSize-1)] = tlbEntry{gen: t.gen, priv: priv, vpn: vpn, ppn: ppn}
}

func (t *tlb) notePageTable(paddr uint64) {
	t.ptPages[paddr>>PageShift] = struct{}{}
}

func (t *tlb) isPageTable(paddr uint64) bool {
	if len(t.ptPages) == 0 {
		return false
	}
	_, ok := t.ptPages[paddr>>PageShift]
	return ok
}

func (t *tlb) flush() {
	t.gen++
	if t.gen == 0 {
		t.entries = [3][tlbSize]tlbEntry{}
		t.gen = 1
	}
	clear(t.ptPages)
	t.flushes++
}

// CacheStats reports translation cache activity.
type CacheStats struct {
	Hits    uint64
	Misses  uint64
	Flushes uint64
}
