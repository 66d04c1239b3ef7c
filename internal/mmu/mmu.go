// Package mmu implements physical memory dispatch and RISC-V virtual address
// translation (Sv32, Sv39, Sv48) with an optional translation cache.
package mmu

import (
	"fmt"

	"github.com/tinyrange/rvemu/internal/isa"
)

const (
	PageSize  = 4096
	PageShift = 12
)

// Page table entry flags.
const (
	PteV uint64 = 1 << 0
	PteR uint64 = 1 << 1
	PteW uint64 = 1 << 2
	PteX uint64 = 1 << 3
	PteU uint64 = 1 << 4
	PteG uint64 = 1 << 5
	PteA uint64 = 1 << 6
	PteD uint64 = 1 << 7
)

// Access is the kind of memory access being translated.
type Access uint8

const (
	AccessFetch Access = iota
	AccessLoad
	AccessStore
)

func (a Access) String() string {
	switch a {
	case AccessFetch:
		return "fetch"
	case AccessLoad:
		return "load"
	default:
		return "store"
	}
}

// FaultKind classifies a failed access.
type FaultKind uint8

const (
	FaultPage FaultKind = iota
	FaultAccess
	FaultMisaligned
)

// Fault describes a failed translation or physical access. Addr is the
// virtual address the guest used.
type Fault struct {
	Kind   FaultKind
	Access Access
	Addr   uint64
	Err    error
}

func (f *Fault) Error() string {
	kind := [...]string{"page fault", "access fault", "misaligned"}[f.Kind]
	if f.Err != nil {
		return fmt.Sprintf("%s %s at %#x: %v", f.Access, kind, f.Addr, f.Err)
	}
	return fmt.Sprintf("%s %s at %#x", f.Access, kind, f.Addr)
}

func (f *Fault) Unwrap() error { return f.Err }

var faultCauses = [3][3]uint64{
	FaultPage:       {isa.CauseInsnPageFault, isa.CauseLoadPageFault, isa.CauseStorePageFault},
	FaultAccess:     {isa.CauseInsnAccess, isa.CauseLoadAccess, isa.CauseStoreAccess},
	FaultMisaligned: {isa.CauseInsnMisaligned, isa.CauseLoadMisaligned, isa.CauseStoreMisaligned},
}

// Cause returns the synchronous exception code for the fault.
func (f *Fault) Cause() uint64 {
	return faultCauses[f.Kind][f.Access]
}

// Mode is the active address translation scheme.
type Mode uint8

const (
	ModeBare Mode = iota
	ModeSv32
	ModeSv39
	ModeSv48
)

func (m Mode) String() string {
	return [...]string{"bare", "sv32", "sv39", "sv48"}[m]
}

type pageFormat struct {
	levels  int
	pteSize int
	vpnBits uint
	vaBits  uint
	ppnMask uint64
}

var pageFormats = [...]pageFormat{
	ModeSv32: {levels: 2, pteSize: 4, vpnBits: 10, vaBits: 32, ppnMask: 1<<22 - 1},
	ModeSv39: {levels: 3, pteSize: 8, vpnBits: 9, vaBits: 39, ppnMask: 1<<44 - 1},
	ModeSv48: {levels: 4, pteSize: 8, vpnBits: 9, vaBits: 48, ppnMask: 1<<44 - 1},
}

// MMU translates guest virtual addresses and performs the resulting
// physical accesses. The CPU keeps it informed of the privilege level,
// mstatus and satp through the Set* methods.
type MMU struct {
	bus  *Bus
	xlen isa.XLEN

	priv    isa.Privilege
	mstatus uint64
	satp    uint64
	mode    Mode
	root    uint64

	cache        *tlb
	cacheEnabled bool
}

func New(bus *Bus, xlen isa.XLEN) *MMU {
	return &MMU{
		bus:   bus,
		xlen:  xlen,
		priv:  isa.PrivMachine,
		cache: newTLB(),
	}
}

func (m *MMU) Bus() *Bus { return m.bus }

func (m *MMU) XLEN() isa.XLEN { return m.xlen }

// SetXLEN switches the address width. Translation is reset to bare.
func (m *MMU) SetXLEN(xlen isa.XLEN) {
	m.xlen = xlen
	m.satp, m.mode, m.root = 0, ModeBare, 0
	m.cache.flush()
}

// SetPrivilege records the current hart privilege level.
func (m *MMU) SetPrivilege(p isa.Privilege) {
	if p != m.priv {
		m.priv = p
		m.cache.flush()
	}
}

func (m *MMU) Privilege() isa.Privilege { return m.priv }

// SetStatus records mstatus. Changes to fields that affect translation
// flush the cache.
func (m *MMU) SetStatus(mstatus uint64) {
	if (mstatus^m.mstatus)&isa.MstatusTranslationBits != 0 {
		m.cache.flush()
	}
	m.mstatus = mstatus
}

// SetSATP installs a new satp value and flushes the translation cache. It
// returns false, leaving the previous value in place, when the requested
// mode is not supported for the current XLEN.
func (m *MMU) SetSATP(satp uint64) bool {
	var mode Mode
	var root uint64
	if m.xlen == isa.XLEN32 {
		satp &= 0xffffffff
		if satp>>31 == 1 {
			mode = ModeSv32
		}
		root = (satp & (1<<22 - 1)) << PageShift
	} else {
		switch satp >> 60 {
		case 0:
			mode = ModeBare
		case 8:
			mode = ModeSv39
		case 9:
			mode = ModeSv48
		default:
			return false
		}
		root = (satp & (1<<44 - 1)) << PageShift
	}
	m.satp, m.mode, m.root = satp, mode, root
	m.cache.flush()
	return true
}

func (m *MMU) SATP() uint64 { return m.satp }

func (m *MMU) Mode() Mode { return m.mode }

// FlushCache drops all cached translations (sfence.vma).
func (m *MMU) FlushCache() { m.cache.flush() }

// EnableCache turns the translation cache on or off.
func (m *MMU) EnableCache(on bool) {
	m.cacheEnabled = on
	m.cache.flush()
}

func (m *MMU) CacheEnabled() bool { return m.cacheEnabled }

func (m *MMU) CacheStats() CacheStats {
	return CacheStats{Hits: m.cache.hits, Misses: m.cache.misses, Flushes: m.cache.flushes}
}

// Tick advances the mapped devices by one step.
func (m *MMU) Tick() { m.bus.Tick() }

func (m *MMU) effectivePrivilege(access Access) isa.Privilege {
	if access != AccessFetch && m.mstatus&isa.MstatusMPRV != 0 {
		return isa.Privilege((m.mstatus & isa.MstatusMPP) >> isa.MstatusMPPShift)
	}
	return m.priv
}

// Translate maps a virtual address to a physical address.
func (m *MMU) Translate(vaddr uint64, access Access) (uint64, error) {
	if m.xlen == isa.XLEN32 {
		vaddr &= 0xffffffff
	}
	priv := m.effectivePrivilege(access)
	if m.mode == ModeBare || priv == isa.PrivMachine {
		return vaddr, nil
	}

	vpn := vaddr >> PageShift
	if m.cacheEnabled {
		if ppn, ok := m.cache.lookup(vpn, priv, access); ok {
			return ppn<<PageShift | vaddr&(PageSize-1), nil
		}
	}

	paddr, err := m.walk(vaddr, priv, access)
	if err != nil {
		return 0, err
	}
	if m.cacheEnabled {
		m.cache.insert(vpn, priv, access, paddr>>PageShift)
	}
	return paddr, nil
}

func (m *MMU) walk(vaddr uint64, priv isa.Privilege, access Access) (uint64, error) {
	f := pageFormats[m.mode]
	pageFault := &Fault{Kind: FaultPage, Access: access, Addr: vaddr}

	if m.mode != ModeSv32 {
		shift := 64 - f.vaBits
		if uint64(int64(vaddr<<shift)>>shift) != vaddr {
			return 0, pageFault
		}
	}

	table := m.root
	for level := f.levels - 1; level >= 0; level-- {
		shift := PageShift + uint(level)*f.vpnBits
		idx := (vaddr >> shift) & (1<<f.vpnBits - 1)
		pteAddr := table + idx*uint64(f.pteSize)

		pte, err := m.bus.Read(pteAddr, f.pteSize)
		if err != nil {
			return 0, &Fault{Kind: FaultAccess, Access: access, Addr: vaddr, Err: err}
		}
		if m.cacheEnabled {
			m.cache.notePageTable(pteAddr)
		}

		if pte&PteV == 0 || (pte&PteR == 0 && pte&PteW != 0) {
			return 0, pageFault
		}
		ppn := (pte >> 10) & f.ppnMask
		if pte&(PteR|PteX) == 0 {
			table = ppn << PageShift
			continue
		}

		if !m.permitted(pte, priv, access) {
			return 0, pageFault
		}
		if ppn&(1<<(uint(level)*f.vpnBits)-1) != 0 {
			// Misaligned superpage.
			return 0, pageFault
		}

		updated := pte | PteA
		if access == AccessStore {
			updated |= PteD
		}
		if updated != pte {
			if err := m.bus.Write(pteAddr, f.pteSize, updated); err != nil {
				return 0, &Fault{Kind: FaultAccess, Access: access, Addr: vaddr, Err: err}
			}
		}

		offset := uint64(1)<<shift - 1
		return (ppn<<PageShift)&^offset | vaddr&offset, nil
	}
	return 0, pageFault
}

func (m *MMU) permitted(pte uint64, priv isa.Privilege, access Access) bool {
	user := pte&PteU != 0
	switch priv {
	case isa.PrivUser:
		if !user {
			return false
		}
	case isa.PrivSupervisor:
		if user && (access == AccessFetch || m.mstatus&isa.MstatusSUM == 0) {
			return false
		}
	}

	switch access {
	case AccessFetch:
		return pte&PteX != 0
	case AccessLoad:
		return pte&PteR != 0 || (m.mstatus&isa.MstatusMXR != 0 && pte&PteX != 0)
	default:
		return pte&PteW != 0
	}
}
