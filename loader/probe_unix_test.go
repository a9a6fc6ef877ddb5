//go:build unix

package loader

import (
	"errors"
	"testing"

	"github.com/Binject/peasm/assembler"
	"github.com/Binject/peasm/pe"
)

func TestProbe(t *testing.T) {
	path := buildImage(t, pe.Target{Arch: pe.ArchX64, OS: pe.OSLinux}, assembler.Options{})
	f := openImage(t, path)

	results, err := Probe(path, f.Image)
	if err != nil {
		t.Fatalf("probe: %v", err)
	}
	if len(results) != 3 {
		t.Fatalf("probed %d sections, want 3", len(results))
	}
	for _, r := range results {
		if !r.Mapped {
			t.Errorf("%s not mapped: %v", r.Section, r.Err)
		}
	}
}

func TestProbeMisaligned(t *testing.T) {
	path := buildImage(t, pe.Target{Arch: pe.ArchX64, OS: pe.OSLinux}, assembler.Options{})
	f := openImage(t, path)

	img := *f.Image
	img.Sections = append([]pe.SectionHeader32(nil), f.Sections...)
	img.Sections[1].VirtualAddress += 0x10

	results, err := Probe(path, &img)
	if !errors.Is(err, ErrMisaligned) {
		t.Fatalf("probe = %v, want ErrMisaligned", err)
	}
	if results[1].Mapped || !results[0].Mapped {
		t.Fatalf("results = %+v", results)
	}
}
