package loader

import (
	"errors"
	"fmt"

	"github.com/Binject/peasm/pe"
)

// Options tunes Verify.
type Options struct {
	// RVABitsToMatchFilePos is the number of low bits of RVA and file
	// offset that must agree on non-Windows targets. Zero means 16.
	RVABitsToMatchFilePos int
	// CustomSectionAlignment, when nonzero, requires RVA, file offset and
	// size of every section to be multiples of it.
	CustomSectionAlignment uint32
}

func rawSize(sh *pe.SectionHeader32) uint32 {
	return max(sh.VirtualSize, sh.SizeOfRawData)
}

// Verify checks the placement of the sections of img. data is the whole
// file; when nil, checks needing section contents are skipped. All findings
// are returned joined.
func Verify(img *pe.Image, data []byte, opts Options) error {
	target, ok := pe.SplitMachine(img.FileHeader.Machine)
	if !ok {
		return fmt.Errorf("%w: machine %#x", pe.ErrUnsupportedMachine, img.FileHeader.Machine)
	}
	bits := opts.RVABitsToMatchFilePos
	if bits == 0 {
		bits = 16
	}
	granule := uint32(1) << bits

	var errs []error
	if int(img.FileHeader.NumberOfSections) != len(img.Sections) || len(img.Sections) == 0 {
		errs = append(errs, fmt.Errorf("%w: %d sections", pe.ErrInvalidImage, img.FileHeader.NumberOfSections))
		return errors.Join(errs...)
	}

	for i := range img.Sections {
		sh := &img.Sections[i]
		name := sh.NameString()

		if i > 0 {
			prev := &img.Sections[i-1]
			if sh.VirtualAddress < prev.VirtualAddress+rawSize(prev) {
				errs = append(errs, fmt.Errorf("%w: %s at rva %#x starts before the end of %s at %#x",
					ErrOverlap, name, sh.VirtualAddress, prev.NameString(), prev.VirtualAddress+rawSize(prev)))
			}
			if sh.SizeOfRawData != 0 && sh.PointerToRawData < prev.PointerToRawData+prev.SizeOfRawData {
				errs = append(errs, fmt.Errorf("%w: %s at file offset %#x starts before the end of %s",
					ErrOverlap, name, sh.PointerToRawData, prev.NameString()))
			}
		}
		if !target.IsWindows() && sh.VirtualAddress&(granule-1) != sh.PointerToRawData&(granule-1) {
			errs = append(errs, fmt.Errorf("%w: %s rva %#x and file offset %#x differ in the low %d bits",
				ErrMisaligned, name, sh.VirtualAddress, sh.PointerToRawData, bits))
		}
		if a := opts.CustomSectionAlignment; a != 0 {
			if sh.VirtualAddress%a != 0 || sh.PointerToRawData%a != 0 || sh.SizeOfRawData%a != 0 {
				errs = append(errs, fmt.Errorf("%w: %s rva %#x file %#x size %#x not multiples of %#x",
					ErrMisaligned, name, sh.VirtualAddress, sh.PointerToRawData, sh.SizeOfRawData, a))
			}
		}
		if data != nil && uint64(sh.PointerToRawData)+uint64(sh.SizeOfRawData) > uint64(len(data)) {
			errs = append(errs, fmt.Errorf("%w: %s ends at %#x, file is %#x bytes",
				ErrTruncated, name, uint64(sh.PointerToRawData)+uint64(sh.SizeOfRawData), len(data)))
		}
	}

	last := &img.Sections[len(img.Sections)-1]
	if want := pe.AlignUp(last.VirtualAddress+last.VirtualSize, img.SectionAlignment()); img.SizeOfImage() != want {
		errs = append(errs, fmt.Errorf("%w: %#x, sections end at %#x", ErrSizeOfImage, img.SizeOfImage(), want))
	}

	if data != nil && len(errs) == 0 {
		if err := verifyRelocations(img, data); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// sectionAt returns the section containing rva.
func sectionAt(img *pe.Image, rva uint32) *pe.SectionHeader32 {
	for i := range img.Sections {
		sh := &img.Sections[i]
		if rva >= sh.VirtualAddress && rva < sh.VirtualAddress+rawSize(sh) {
			return sh
		}
	}
	return nil
}

// verifyRelocations checks that every base relocation lands inside a
// section.
func verifyRelocations(img *pe.Image, data []byte) error {
	dir := img.Directories[pe.IMAGE_DIRECTORY_ENTRY_BASERELOC]
	if dir.Size == 0 {
		return nil
	}
	sh := sectionAt(img, dir.VirtualAddress)
	if sh == nil {
		return fmt.Errorf("%w: directory at rva %#x is outside every section", ErrRelocation, dir.VirtualAddress)
	}
	start := sh.PointerToRawData + (dir.VirtualAddress - sh.VirtualAddress)
	if uint64(start)+uint64(dir.Size) > uint64(len(data)) {
		return fmt.Errorf("%w: directory past end of file", ErrRelocation)
	}
	entries, err := pe.ParseBaseRelocations(data[start : start+dir.Size])
	if err != nil {
		return fmt.Errorf("%w: %v", ErrRelocation, err)
	}

	var errs []error
	for _, e := range entries {
		for _, item := range e.BlockItems {
			rva := e.VirtualAddress + uint32(item.Offset)
			if sectionAt(img, rva) == nil {
				errs = append(errs, fmt.Errorf("%w: fixup at rva %#x is outside every section", ErrRelocation, rva))
			}
		}
	}
	return errors.Join(errs...)
}
