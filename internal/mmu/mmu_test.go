package mmu

import (
	"errors"
	"fmt"
	"testing"

	"github.com/tinyrange/rvemu/internal/isa"
)

const testRAMBase = 0x80000000

func newTestMMU(xlen isa.XLEN) *MMU {
	return New(NewBus(testRAMBase, 1<<20), xlen)
}

func writePTE(t *testing.T, m *MMU, addr, ppn, flags uint64, size int) {
	t.Helper()
	if err := m.Bus().Write(addr, size, ppn<<10|flags); err != nil {
		t.Fatalf("write pte at %#x: %v", addr, err)
	}
}

// setupSv39 maps va 0x1000 -> pa 0x80010000 (R|W) and va 0x2000 -> pa
// 0x80011000 (R only) through a three level table rooted at 0x80001000.
func setupSv39(t *testing.T, m *MMU) {
	t.Helper()
	writePTE(t, m, 0x80001000, 0x80002, PteV, 8)
	writePTE(t, m, 0x80002000, 0x80003, PteV, 8)
	writePTE(t, m, 0x80003000+1*8, 0x80010, PteV|PteR|PteW, 8)
	writePTE(t, m, 0x80003000+2*8, 0x80011, PteV|PteR, 8)
	if !m.SetSATP(8<<60 | 0x80001) {
		t.Fatal("sv39 satp rejected")
	}
	m.SetPrivilege(isa.PrivSupervisor)
}

func TestRAMRoundTrip(t *testing.T) {
	m := newTestMMU(isa.XLEN64)
	values := map[int]uint64{1: 0xab, 2: 0xbeef, 4: 0xdeadbeef, 8: 0x0123456789abcdef}
	for size, want := range values {
		for _, addr := range []uint64{testRAMBase + 0x100, testRAMBase + 0x203} {
			if err := m.Store(addr, size, want); err != nil {
				t.Fatalf("store%d at %#x: %v", size*8, addr, err)
			}
			got, err := m.Load(addr, size)
			if err != nil {
				t.Fatalf("load%d at %#x: %v", size*8, addr, err)
			}
			if got != want {
				t.Errorf("load%d at %#x = %#x, want %#x", size*8, addr, got, want)
			}
		}
	}
}

func TestBusRejectsOverlap(t *testing.T) {
	bus := NewBus(testRAMBase, 0x1000)
	if err := bus.Map(RegionROM, "rom", 0x1000, NewROM(make([]byte, 0x100))); err != nil {
		t.Fatalf("map rom: %v", err)
	}
	err := bus.Map(RegionOther, "clash", 0x1080, NewMemory(0x100))
	if !errors.Is(err, ErrOverlap) {
		t.Fatalf("expected ErrOverlap, got %v", err)
	}
	if r := bus.Lookup(0x10ff); r == nil || r.Kind != RegionROM {
		t.Fatalf("lookup 0x10ff = %v, want rom region", r)
	}
	if r := bus.Lookup(0x1100); r != nil {
		t.Fatalf("lookup past rom end = %v, want nil", r)
	}
}

func TestUnmappedAccessFault(t *testing.T) {
	m := newTestMMU(isa.XLEN64)
	_, err := m.Load(0x4000, 4)
	var fault *Fault
	if !errors.As(err, &fault) {
		t.Fatalf("expected *Fault, got %v", err)
	}
	if fault.Kind != FaultAccess || fault.Cause() != isa.CauseLoadAccess || fault.Addr != 0x4000 {
		t.Fatalf("unexpected fault %+v", fault)
	}
	if !errors.Is(err, ErrUnmapped) {
		t.Fatalf("fault does not wrap ErrUnmapped: %v", err)
	}
}

func TestROMIsReadOnly(t *testing.T) {
	m := newTestMMU(isa.XLEN64)
	if err := m.Bus().Map(RegionROM, "dtb", 0x1000, NewROM([]byte{1, 2, 3, 4})); err != nil {
		t.Fatal(err)
	}
	v, err := m.Load(0x1000, 4)
	if err != nil || v != 0x04030201 {
		t.Fatalf("load rom = %#x, %v", v, err)
	}
	err = m.Store(0x1000, 1, 0xff)
	var fault *Fault
	if !errors.As(err, &fault) || fault.Cause() != isa.CauseStoreAccess {
		t.Fatalf("expected store access fault, got %v", err)
	}
}

func TestSv39Translate(t *testing.T) {
	for _, cached := range []bool{false, true} {
		m := newTestMMU(isa.XLEN64)
		m.EnableCache(cached)
		setupSv39(t, m)

		for i := 0; i < 2; i++ {
			pa, err := m.Translate(0x1234, AccessLoad)
			if err != nil {
				t.Fatalf("cached=%v translate: %v", cached, err)
			}
			if pa != 0x80010234 {
				t.Fatalf("cached=%v translate = %#x, want 0x80010234", cached, pa)
			}
		}

		pte, _ := m.Bus().Read(0x80003008, 8)
		if pte&PteA == 0 || pte&PteD != 0 {
			t.Fatalf("cached=%v after load pte = %#x, want A set and D clear", cached, pte)
		}
		if err := m.Store(0x1000, 8, 42); err != nil {
			t.Fatalf("store: %v", err)
		}
		pte, _ = m.Bus().Read(0x80003008, 8)
		if pte&PteD == 0 {
			t.Fatalf("cached=%v after store pte = %#x, want D set", cached, pte)
		}
	}
}

func TestStoreToReadOnlyPage(t *testing.T) {
	m := newTestMMU(isa.XLEN64)
	setupSv39(t, m)

	if err := m.Bus().Write(0x80011010, 8, 0x1111); err != nil {
		t.Fatal(err)
	}
	err := m.Store(0x2010, 8, 0x2222)
	var fault *Fault
	if !errors.As(err, &fault) {
		t.Fatalf("expected fault, got %v", err)
	}
	if fault.Cause() != isa.CauseStorePageFault || fault.Addr != 0x2010 {
		t.Fatalf("unexpected fault %+v", fault)
	}
	v, _ := m.Bus().Read(0x80011010, 8)
	if v != 0x1111 {
		t.Fatalf("memory changed to %#x", v)
	}
}

func TestMisalignedStoreAcrossPagesIsAtomic(t *testing.T) {
	m := newTestMMU(isa.XLEN64)
	setupSv39(t, m)

	// 0x1ffc..0x2003 spans the writable page and the read-only one.
	err := m.Store(0x1ffc, 8, ^uint64(0))
	var fault *Fault
	if !errors.As(err, &fault) || fault.Kind != FaultPage {
		t.Fatalf("expected page fault, got %v", err)
	}
	v, _ := m.Bus().Read(0x80010ff8, 8)
	if v != 0 {
		t.Fatalf("first page modified: %#x", v)
	}
}

func TestCacheEquivalence(t *testing.T) {
	addrs := []uint64{0x1000, 0x1ff8, 0x2000, 0x3000, 0x1008, 0x2ff0}
	accesses := []Access{AccessLoad, AccessStore, AccessFetch}

	run := func(cached bool) []string {
		m := newTestMMU(isa.XLEN64)
		m.EnableCache(cached)
		setupSv39(t, m)
		var out []string
		for round := 0; round < 2; round++ {
			for _, a := range addrs {
				for _, acc := range accesses {
					pa, err := m.Translate(a, acc)
					if err != nil {
						out = append(out, err.Error())
						continue
					}
					out = append(out, fmt.Sprintf("%#x", pa))
				}
			}
		}
		return out
	}

	plain, cached := run(false), run(true)
	if len(plain) != len(cached) {
		t.Fatalf("result count differs: %d vs %d", len(plain), len(cached))
	}
	for i := range plain {
		if plain[i] != cached[i] {
			t.Errorf("result %d differs: uncached %q cached %q", i, plain[i], cached[i])
		}
	}
}

func TestSATPWriteInvalidatesCache(t *testing.T) {
	m := newTestMMU(isa.XLEN64)
	m.EnableCache(true)
	setupSv39(t, m)

	if pa, err := m.Translate(0x1000, AccessLoad); err != nil || pa != 0x80010000 {
		t.Fatalf("first translate = %#x, %v", pa, err)
	}

	// A second table at 0x80004000 maps va 0x1000 to a different page.
	writePTE(t, m, 0x80004000, 0x80005, PteV, 8)
	writePTE(t, m, 0x80005000, 0x80006, PteV, 8)
	writePTE(t, m, 0x80006000+8, 0x80020, PteV|PteR, 8)
	if !m.SetSATP(8<<60 | 0x80004) {
		t.Fatal("satp rejected")
	}

	pa, err := m.Translate(0x1000, AccessLoad)
	if err != nil || pa != 0x80020000 {
		t.Fatalf("translate after satp write = %#x, %v, want 0x80020000", pa, err)
	}
}

func TestPageTableStoreInvalidatesCache(t *testing.T) {
	m := newTestMMU(isa.XLEN64)
	m.EnableCache(true)
	setupSv39(t, m)

	if _, err := m.Translate(0x1000, AccessLoad); err != nil {
		t.Fatal(err)
	}

	before := m.CacheStats().Flushes
	if err := m.WritePhysical(0x80003008, 8, 0x80030<<10|PteV|PteR|PteA); err != nil {
		t.Fatal(err)
	}
	if got := m.CacheStats().Flushes; got != before+1 {
		t.Fatalf("flushes = %d, want %d", got, before+1)
	}

	pa, err := m.Translate(0x1000, AccessLoad)
	if err != nil || pa != 0x80030000 {
		t.Fatalf("translate after pte store = %#x, %v", pa, err)
	}

	// Stores elsewhere leave the cache alone.
	before = m.CacheStats().Flushes
	if err := m.WritePhysical(0x80050000, 8, 1); err != nil {
		t.Fatal(err)
	}
	if m.CacheStats().Flushes != before {
		t.Fatal("store to ordinary page flushed the cache")
	}
}

func TestSv32Megapage(t *testing.T) {
	m := newTestMMU(isa.XLEN32)
	// Root at 0x80001000, entry 1 (va 0x00400000) is a 4MiB leaf at 0x80000000.
	writePTE(t, m, 0x80001000+4, 0x80000, PteV|PteR|PteX, 4)
	// Entry 2 is a leaf with a misaligned ppn.
	writePTE(t, m, 0x80001000+8, 0x80001, PteV|PteR, 4)
	if !m.SetSATP(1<<31 | 0x80001) {
		t.Fatal("sv32 satp rejected")
	}
	m.SetPrivilege(isa.PrivSupervisor)

	pa, err := m.Translate(0x00412345, AccessFetch)
	if err != nil || pa != 0x80012345 {
		t.Fatalf("translate = %#x, %v", pa, err)
	}
	_, err = m.Translate(0x00800000, AccessLoad)
	var fault *Fault
	if !errors.As(err, &fault) || fault.Kind != FaultPage {
		t.Fatalf("expected page fault for misaligned superpage, got %v", err)
	}
}

func TestSupervisorUserPageNeedsSUM(t *testing.T) {
	m := newTestMMU(isa.XLEN64)
	setupSv39(t, m)
	writePTE(t, m, 0x80003000+3*8, 0x80012, PteV|PteR|PteU, 8)

	if _, err := m.Translate(0x3000, AccessLoad); err == nil {
		t.Fatal("supervisor load of user page without SUM succeeded")
	}
	m.SetStatus(isa.MstatusSUM)
	if _, err := m.Translate(0x3000, AccessLoad); err != nil {
		t.Fatalf("supervisor load with SUM: %v", err)
	}
	if _, err := m.Translate(0x3000, AccessFetch); err == nil {
		t.Fatal("supervisor fetch from user page succeeded")
	}
}

func TestNonCanonicalAddress(t *testing.T) {
	m := newTestMMU(isa.XLEN64)
	setupSv39(t, m)
	_, err := m.Translate(0x0000_0080_0000_1000, AccessLoad)
	var fault *Fault
	if !errors.As(err, &fault) || fault.Kind != FaultPage {
		t.Fatalf("expected page fault, got %v", err)
	}
}

func TestUnsupportedSATPModeIgnored(t *testing.T) {
	m := newTestMMU(isa.XLEN64)
	if m.SetSATP(10 << 60) {
		t.Fatal("sv57 accepted")
	}
	if m.Mode() != ModeBare || m.SATP() != 0 {
		t.Fatalf("satp changed to %#x", m.SATP())
	}
}
