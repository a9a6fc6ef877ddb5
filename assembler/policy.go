package assembler

import (
	"fmt"

	"github.com/Binject/peasm/pe"
)

// DefaultRVABitsToMatchFilePos is the number of low-order bits of a section
// RVA that must equal its file offset on non-Windows targets. 16 covers page
// sizes up to 64K.
const DefaultRVABitsToMatchFilePos = 16

// placement is a section position under construction.
type placement struct {
	location pe.Location
	// zero bytes prepended to the section contents
	padding uint32
	// raw size is rounded up to a multiple of this, when nonzero
	rawAlignment uint32
}

// A policy moves the location proposed by pe.Builder to where the section
// has to go. prev is the last section placed, or nil.
type policy interface {
	place(p placement, prev *Placement) placement
	String() string
}

// nativePolicy keeps the proposal. Windows and the generic serializer agree
// on layout.
type nativePolicy struct{}

func (nativePolicy) place(p placement, prev *Placement) placement { return p }
func (nativePolicy) String() string                               { return "native" }

// lowBitPolicy makes the low bits of the RVA equal those of the file offset,
// and leaves one granule of unused address space after the previous section
// for the skew introduced when the image is embedded in a bundle.
type lowBitPolicy struct {
	bits uint
}

func (l lowBitPolicy) place(p placement, prev *Placement) placement {
	granule := uint32(1) << l.bits
	rva := p.location.RVA
	if prev != nil {
		rva = max(rva, prev.RVA+prev.RawSize) + granule
	}
	rva = pe.AlignUp(rva, granule)
	rva += (p.location.PointerToRawData - rva) & (granule - 1)
	p.location.RVA = rva
	return p
}

func (l lowBitPolicy) String() string { return fmt.Sprintf("low%d", l.bits) }

// customPolicy aligns RVA, file offset and raw size of every section to the
// same value.
type customPolicy struct {
	alignment uint32
}

func (c customPolicy) place(p placement, prev *Placement) placement {
	rva := p.location.RVA
	if prev != nil {
		rva = max(rva, prev.RVA+prev.RawSize)
	}
	ptr := pe.AlignUp(p.location.PointerToRawData, c.alignment)
	p.padding += ptr - p.location.PointerToRawData
	p.location = pe.Location{RVA: pe.AlignUp(rva, c.alignment), PointerToRawData: ptr}
	p.rawAlignment = c.alignment
	return p
}

func (c customPolicy) String() string { return fmt.Sprintf("custom%#x", c.alignment) }

type chainPolicy []policy

func (c chainPolicy) place(p placement, prev *Placement) placement {
	for _, pol := range c {
		p = pol.place(p, prev)
	}
	return p
}

func (c chainPolicy) String() string {
	s := ""
	for i, pol := range c {
		if i > 0 {
			s += "+"
		}
		s += pol.String()
	}
	return s
}

// newPolicy picks the placement rules for a target once. A custom alignment
// that is a multiple of the low-bit granule already satisfies the low-bit
// rule; a smaller one is followed by the low-bit rule. Images laid out with
// such a large alignment do not get the extra granule gap between sections
// that the low-bit rule inserts.
func newPolicy(target pe.Target, customAlignment uint32, bits uint) policy {
	var lowBit policy
	if !target.IsWindows() {
		lowBit = lowBitPolicy{bits: bits}
	}
	switch {
	case customAlignment != 0 && lowBit != nil && customAlignment%(1<<bits) != 0:
		return chainPolicy{customPolicy{customAlignment}, lowBit}
	case customAlignment != 0:
		return customPolicy{customAlignment}
	case lowBit != nil:
		return lowBit
	}
	return nativePolicy{}
}
