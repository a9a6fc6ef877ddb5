package assembler

import (
	"testing"

	"github.com/Binject/peasm/pe"
)

func TestNewPolicy(t *testing.T) {
	for _, tt := range []struct {
		target pe.Target
		custom uint32
		want   string
	}{
		{windowsX64, 0, "native"},
		{windowsX64, 0x10000, "custom0x10000"},
		{linuxX64, 0, "low16"},
		{linuxX64, 0x10000, "custom0x10000"},
		{linuxX64, 0x200000, "custom0x200000"},
		{linuxX64, 0x1000, "custom0x1000+low16"},
		{pe.Target{Arch: pe.ArchARM, OS: pe.OSFreeBSD}, 0, "low16"},
	} {
		if got := newPolicy(tt.target, tt.custom, 16).String(); got != tt.want {
			t.Errorf("newPolicy(%v, %#x) = %s, want %s", tt.target, tt.custom, got, tt.want)
		}
	}
}

func TestLowBitPolicy(t *testing.T) {
	pol := lowBitPolicy{bits: 12}

	first := pol.place(placement{location: pe.Location{RVA: 0x200, PointerToRawData: 0x200}}, nil)
	if first.location.RVA != 0x1200 {
		t.Fatalf("first rva = %#x, want 0x1200", first.location.RVA)
	}

	prev := &Placement{RVA: 0x1200, RawSize: 0x1e00}
	next := pol.place(placement{location: pe.Location{RVA: 0x2000, PointerToRawData: 0x2000}}, prev)
	// end of previous section 0x3000, plus a 0x1000 gap
	if next.location.RVA != 0x4000 || next.location.PointerToRawData != 0x2000 {
		t.Fatalf("next = %+v", next.location)
	}
	if next.padding != 0 || next.rawAlignment != 0 {
		t.Fatalf("low bit policy padded: %+v", next)
	}
}

func TestCustomPolicy(t *testing.T) {
	pol := customPolicy{alignment: 0x2000}
	p := pol.place(placement{location: pe.Location{RVA: 0x1000, PointerToRawData: 0x400}}, &Placement{RVA: 0x2000, RawSize: 0x2000})
	want := placement{
		location:     pe.Location{RVA: 0x4000, PointerToRawData: 0x2000},
		padding:      0x1c00,
		rawAlignment: 0x2000,
	}
	if p != want {
		t.Fatalf("place = %+v, want %+v", p, want)
	}
}
