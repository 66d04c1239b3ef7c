package isa

const decodeCacheSize = 4096

type decodeCacheEntry struct {
	valid bool
	xlen  XLEN
	word  uint32
	inst  Instruction
}

// DecodeCache is a direct-mapped cache of successful decodes keyed by the raw
// encoding and XLEN.
type DecodeCache struct {
	entries [decodeCacheSize]decodeCacheEntry

	Hits   uint64
	Misses uint64
}

// Decode behaves exactly like the package level Decode.
func (c *DecodeCache) Decode(word uint32, xlen XLEN) (Instruction, error) {
	if IsCompressed(word) {
		word &= 0xffff
	}
	e := &c.entries[(word^word>>12)&(decodeCacheSize-1)]
	if e.valid && e.word == word && e.xlen == xlen {
		c.Hits++
		return e.inst, nil
	}
	c.Misses++

	in, err := Decode(word, xlen)
	if err != nil {
		return in, err
	}
	*e = decodeCacheEntry{valid: true, xlen: xlen, word: word, inst: in}
	return in, nil
}

// Reset drops every cached entry.
func (c *DecodeCache) Reset() {
	c.entries = [decodeCacheSize]decodeCacheEntry{}
	c.Hits, c.Misses = 0, 0
}
