package mmu

// Fetch16 reads the instruction half-word at vaddr.
func (m *MMU) Fetch16(vaddr uint64) (uint16, error) {
	paddr, err := m.Translate(vaddr, AccessFetch)
	if err != nil {
		return 0, err
	}
	v, err := m.bus.Read(paddr, 2)
	if err != nil {
		return 0, &Fault{Kind: FaultAccess, Access: AccessFetch, Addr: vaddr, Err: err}
	}
	return uint16(v), nil
}

// Load reads size bytes at vaddr. Misaligned loads are split into byte
// accesses.
func (m *MMU) Load(vaddr uint64, size int) (uint64, error) {
	if vaddr&uint64(size-1) != 0 {
		var v uint64
		for i := 0; i < size; i++ {
			b, err := m.Load(vaddr+uint64(i), 1)
			if err != nil {
				return 0, err
			}
			v |= b << (8 * i)
		}
		return v, nil
	}

	paddr, err := m.Translate(vaddr, AccessLoad)
	if err != nil {
		return 0, err
	}
	v, err := m.bus.Read(paddr, size)
	if err != nil {
		return 0, &Fault{Kind: FaultAccess, Access: AccessLoad, Addr: vaddr, Err: err}
	}
	return v, nil
}

// Store writes the low size bytes of value at vaddr. Every page touched by a
// misaligned store is translated before any byte is written, so a fault
// leaves memory unchanged.
func (m *MMU) Store(vaddr uint64, size int, value uint64) error {
	if vaddr&uint64(size-1) == 0 {
		paddr, err := m.Translate(vaddr, AccessStore)
		if err != nil {
			return err
		}
		return m.storePhysical(paddr, vaddr, size, value)
	}

	var paddrs [8]uint64
	for i := 0; i < size; i++ {
		paddr, err := m.Translate(vaddr+uint64(i), AccessStore)
		if err != nil {
			return err
		}
		paddrs[i] = paddr
	}
	for i := 0; i < size; i++ {
		if err := m.storePhysical(paddrs[i], vaddr+uint64(i), 1, value>>(8*i)); err != nil {
			return err
		}
	}
	return nil
}

// AtomicUpdate performs an aligned read-modify-write at vaddr and returns
// the previous value. Faults are reported as store faults.
func (m *MMU) AtomicUpdate(vaddr uint64, size int, update func(old uint64) uint64) (uint64, error) {
	if vaddr&uint64(size-1) != 0 {
		return 0, &Fault{Kind: FaultMisaligned, Access: AccessStore, Addr: vaddr}
	}
	paddr, err := m.Translate(vaddr, AccessStore)
	if err != nil {
		return 0, err
	}
	old, err := m.bus.Read(paddr, size)
	if err != nil {
		return 0, &Fault{Kind: FaultAccess, Access: AccessStore, Addr: vaddr, Err: err}
	}
	if err := m.storePhysical(paddr, vaddr, size, update(old)); err != nil {
		return 0, err
	}
	return old, nil
}

func (m *MMU) storePhysical(paddr, vaddr uint64, size int, value uint64) error {
	if err := m.bus.Write(paddr, size, value); err != nil {
		return &Fault{Kind: FaultAccess, Access: AccessStore, Addr: vaddr, Err: err}
	}
	if m.cacheEnabled && m.cache.isPageTable(paddr) {
		m.cache.flush()
	}
	return nil
}

// ReadPhysical reads size bytes at a physical address without translation.
func (m *MMU) ReadPhysical(paddr uint64, size int) (uint64, error) {
	return m.bus.Read(paddr, size)
}

// WritePhysical writes size bytes at a physical address without
// translation. Writes into page-table pages still flush the cache.
func (m *MMU) WritePhysical(paddr uint64, size int, value uint64) error {
	if err := m.bus.Write(paddr, size, value); err != nil {
		return err
	}
	if m.cacheEnabled && m.cache.isPageTable(paddr) {
		m.cache.flush()
	}
	return nil
}

// ReadPhysicalBytes fills buf from physical memory at paddr.
func (m *MMU) ReadPhysicalBytes(paddr uint64, buf []byte) error {
	return m.bus.ReadBytes(paddr, buf)
}

// WritePhysicalBytes copies data to physical memory at paddr.
func (m *MMU) WritePhysicalBytes(paddr uint64, data []byte) error {
	if err := m.bus.WriteBytes(paddr, data); err != nil {
		return err
	}
	if m.cacheEnabled && len(data) > 0 {
		for page := paddr >> PageShift; page <= (paddr+uint64(len(data))-1)>>PageShift; page++ {
			if m.cache.isPageTable(page << PageShift) {
				m.cache.flush()
				break
			}
		}
	}
	return nil
}
