package isa_test

import (
	"errors"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/tinyrange/rvemu/internal/isa"
)

var _ = Describe("Decoder", func() {
	decode := func(word uint32, xlen isa.XLEN) isa.Instruction {
		in, err := isa.Decode(word, xlen)
		Expect(err).NotTo(HaveOccurred())
		return in
	}

	expectIllegal := func(word uint32, xlen isa.XLEN) {
		_, err := isa.Decode(word, xlen)
		var illegal *isa.IllegalError
		Expect(errors.As(err, &illegal)).To(BeTrue())
	}

	Describe("Base integer", func() {
		// addi x1, x0, 5
		It("should decode ADDI", func() {
			in := decode(0x00500093, isa.XLEN64)
			Expect(in.Op).To(Equal(isa.OpADDI))
			Expect(in.Rd).To(Equal(uint8(1)))
			Expect(in.Rs1).To(Equal(uint8(0)))
			Expect(in.Imm).To(Equal(int64(5)))
			Expect(in.Len).To(Equal(uint8(4)))
		})

		// add x3, x1, x2 / sub x3, x1, x2
		It("should decode ADD and SUB", func() {
			Expect(decode(0x002081b3, isa.XLEN32).Op).To(Equal(isa.OpADD))
			in := decode(0x402081b3, isa.XLEN32)
			Expect(in.Op).To(Equal(isa.OpSUB))
			Expect(in.Rd).To(Equal(uint8(3)))
			Expect(in.Rs1).To(Equal(uint8(1)))
			Expect(in.Rs2).To(Equal(uint8(2)))
		})

		// lui x5, 0x12345
		It("should decode LUI with a shifted immediate", func() {
			in := decode(0x123452b7, isa.XLEN64)
			Expect(in.Op).To(Equal(isa.OpLUI))
			Expect(in.Imm).To(Equal(int64(0x12345000)))
		})

		// jal x1, 8 / beq x1, x2, -4
		It("should decode jump and branch offsets", func() {
			in := decode(0x008000ef, isa.XLEN64)
			Expect(in.Op).To(Equal(isa.OpJAL))
			Expect(in.Imm).To(Equal(int64(8)))

			in = decode(0xfe208ee3, isa.XLEN64)
			Expect(in.Op).To(Equal(isa.OpBEQ))
			Expect(in.Imm).To(Equal(int64(-4)))
		})

		// lw x5, 8(x2) / sw x5, 8(x2)
		It("should decode loads and stores", func() {
			in := decode(0x00812283, isa.XLEN32)
			Expect(in.Op).To(Equal(isa.OpLW))
			Expect(in.Imm).To(Equal(int64(8)))

			in = decode(0x00512423, isa.XLEN32)
			Expect(in.Op).To(Equal(isa.OpSW))
			Expect(in.Rs2).To(Equal(uint8(5)))
			Expect(in.Imm).To(Equal(int64(8)))
		})
	})

	Describe("XLEN specific encodings", func() {
		// ld x5, 8(x2)
		It("should reject LD under RV32", func() {
			Expect(decode(0x00813283, isa.XLEN64).Op).To(Equal(isa.OpLD))
			expectIllegal(0x00813283, isa.XLEN32)
		})

		// addiw x1, x1, 1
		It("should reject OP-IMM-32 under RV32", func() {
			Expect(decode(0x0010809b, isa.XLEN64).Op).To(Equal(isa.OpADDIW))
			expectIllegal(0x0010809b, isa.XLEN32)
		})

		// srai x1, x1, 33
		It("should only accept a 6-bit shift amount under RV64", func() {
			in := decode(0x4210d093, isa.XLEN64)
			Expect(in.Op).To(Equal(isa.OpSRAI))
			Expect(in.Imm).To(Equal(int64(33)))
			expectIllegal(0x4210d093, isa.XLEN32)
		})
	})

	Describe("System and extensions", func() {
		It("should decode privileged instructions", func() {
			Expect(decode(0x00000073, isa.XLEN64).Op).To(Equal(isa.OpECALL))
			Expect(decode(0x00100073, isa.XLEN64).Op).To(Equal(isa.OpEBREAK))
			Expect(decode(0x30200073, isa.XLEN64).Op).To(Equal(isa.OpMRET))
			Expect(decode(0x10200073, isa.XLEN64).Op).To(Equal(isa.OpSRET))
			Expect(decode(0x10500073, isa.XLEN64).Op).To(Equal(isa.OpWFI))
			Expect(decode(0x12000073, isa.XLEN64).Op).To(Equal(isa.OpSFENCEVMA))
		})

		// csrrw x1, mstatus, x2 / csrrsi x0, mstatus, 8
		It("should decode CSR accesses", func() {
			in := decode(0x300110f3, isa.XLEN64)
			Expect(in.Op).To(Equal(isa.OpCSRRW))
			Expect(in.CSR).To(Equal(uint16(0x300)))
			Expect(in.Rs1).To(Equal(uint8(2)))

			in = decode(0x30046073, isa.XLEN64)
			Expect(in.Op).To(Equal(isa.OpCSRRSI))
			Expect(in.Imm).To(Equal(int64(8)))
		})

		// lr.w x5, (x6) / amoadd.w x5, x7, (x6)
		It("should decode atomics", func() {
			Expect(decode(0x1003252f, isa.XLEN32).Op).To(Equal(isa.OpLRW))
			in := decode(0x007322af, isa.XLEN32)
			Expect(in.Op).To(Equal(isa.OpAMOADDW))
			Expect(in.Rs2).To(Equal(uint8(7)))
		})

		// fadd.d f1, f2, f3, dyn
		It("should decode floating point arithmetic", func() {
			in := decode(0x023170d3, isa.XLEN64)
			Expect(in.Op).To(Equal(isa.OpFADDD))
			Expect(in.RM).To(Equal(uint8(7)))
			Expect(in.Op.IsFloat()).To(BeTrue())
			Expect(in.Op.String()).To(Equal("fadd.d"))
		})

		It("should reject an unknown major opcode", func() {
			expectIllegal(0x0000007f, isa.XLEN64)
			expectIllegal(0xffffffff, isa.XLEN64)
		})
	})

	Describe("Compressed", func() {
		// c.li a0, 3
		It("should expand C.LI to ADDI", func() {
			in := decode(0x450d, isa.XLEN32)
			Expect(in.Op).To(Equal(isa.OpADDI))
			Expect(in.Rd).To(Equal(uint8(10)))
			Expect(in.Rs1).To(Equal(uint8(0)))
			Expect(in.Imm).To(Equal(int64(3)))
			Expect(in.Len).To(Equal(uint8(2)))
		})

		// c.jr ra
		It("should expand C.JR to JALR", func() {
			in := decode(0x8082, isa.XLEN32)
			Expect(in.Op).To(Equal(isa.OpJALR))
			Expect(in.Rd).To(Equal(uint8(0)))
			Expect(in.Rs1).To(Equal(uint8(1)))
			Expect(in.Imm).To(BeZero())
		})

		It("should ignore the upper half of the word", func() {
			Expect(decode(0xdead450d, isa.XLEN32)).To(Equal(decode(0x450d, isa.XLEN32)))
		})

		// c.addi sp, -16
		It("should sign extend C.ADDI", func() {
			in := decode(0x1141, isa.XLEN64)
			Expect(in.Op).To(Equal(isa.OpADDI))
			Expect(in.Rd).To(Equal(uint8(2)))
			Expect(in.Imm).To(Equal(int64(-16)))
		})

		It("should pick C.JAL under RV32 and C.ADDIW under RV64", func() {
			in := decode(0x2085, isa.XLEN32)
			Expect(in.Op).To(Equal(isa.OpJAL))
			Expect(in.Rd).To(Equal(uint8(1)))
			Expect(in.Imm).To(Equal(int64(96)))

			in = decode(0x2085, isa.XLEN64)
			Expect(in.Op).To(Equal(isa.OpADDIW))
			Expect(in.Rd).To(Equal(uint8(1)))
			Expect(in.Imm).To(Equal(int64(1)))
		})

		It("should decode C.EBREAK and C.MV", func() {
			Expect(decode(0x9002, isa.XLEN64).Op).To(Equal(isa.OpEBREAK))
			in := decode(0x852e, isa.XLEN64)
			Expect(in.Op).To(Equal(isa.OpADD))
			Expect(in.Rd).To(Equal(uint8(10)))
			Expect(in.Rs1).To(Equal(uint8(0)))
			Expect(in.Rs2).To(Equal(uint8(11)))
		})

		It("should treat the all-zero half word as illegal", func() {
			expectIllegal(0x0000, isa.XLEN64)
		})
	})

	Describe("DecodeCache", func() {
		It("should return the same result as Decode and count hits", func() {
			var cache isa.DecodeCache
			first, err := cache.Decode(0x00500093, isa.XLEN64)
			Expect(err).NotTo(HaveOccurred())
			second, err := cache.Decode(0x00500093, isa.XLEN64)
			Expect(err).NotTo(HaveOccurred())

			Expect(second).To(Equal(first))
			Expect(second).To(Equal(decode(0x00500093, isa.XLEN64)))
			Expect(cache.Hits).To(Equal(uint64(1)))
			Expect(cache.Misses).To(Equal(uint64(1)))
		})

		It("should key entries by XLEN", func() {
			var cache isa.DecodeCache
			_, err := cache.Decode(0x00813283, isa.XLEN64)
			Expect(err).NotTo(HaveOccurred())
			_, err = cache.Decode(0x00813283, isa.XLEN32)
			Expect(err).To(HaveOccurred())
		})
	})
})
