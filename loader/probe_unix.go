//go:build unix

package loader

import (
	"errors"
	"fmt"
	"os"

	"github.com/Binject/peasm/pe"
	"golang.org/x/sys/unix"
)

// ProbeResult is the outcome of mapping one section.
type ProbeResult struct {
	Section string
	// Offset is the page aligned file offset that was mapped.
	Offset int64
	Length int
	Mapped bool
	Err    error
}

// Probe maps every section of the image at path on its own, at the page
// holding its first byte, as the runtime does before it falls back to
// copying the image into anonymous memory. A section whose RVA and file
// offset disagree within a page cannot be mapped in place.
func Probe(path string, img *pe.Image) ([]ProbeResult, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	pageSize := uint32(unix.Getpagesize())
	var results []ProbeResult
	var errs []error
	for i := range img.Sections {
		sh := &img.Sections[i]
		if sh.SizeOfRawData == 0 {
			continue
		}
		r := ProbeResult{
			Section: sh.NameString(),
			Offset:  int64(pe.AlignDown(sh.PointerToRawData, pageSize)),
		}
		r.Length = int(sh.PointerToRawData - uint32(r.Offset) + sh.SizeOfRawData)

		if sh.VirtualAddress&(pageSize-1) != sh.PointerToRawData&(pageSize-1) {
			r.Err = fmt.Errorf("%w: %s rva %#x and file offset %#x differ within a %#x byte page",
				ErrMisaligned, r.Section, sh.VirtualAddress, sh.PointerToRawData, pageSize)
		} else {
			mem, err := unix.Mmap(int(f.Fd()), r.Offset, r.Length, unix.PROT_READ, unix.MAP_PRIVATE)
			if err != nil {
				r.Err = fmt.Errorf("mmap %s: %w", r.Section, err)
			} else {
				r.Mapped = true
				if err := unix.Munmap(mem); err != nil {
					r.Err = fmt.Errorf("munmap %s: %w", r.Section, err)
				}
			}
		}
		if r.Err != nil {
			errs = append(errs, r.Err)
		}
		results = append(results, r)
	}
	return results, errors.Join(errs...)
}
