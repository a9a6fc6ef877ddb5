package pe

import (
	"encoding/binary"
	"fmt"
	"io"
)

// Patch overwrites one little endian header field of an already written
// image.
type Patch struct {
	Field  string
	Offset int64
	Size   int // 2 or 4
	Value  uint32
}

func (p Patch) String() string {
	return fmt.Sprintf("%s@%#x=%#x", p.Field, p.Offset, p.Value)
}

// SectionPatches rewrites the placement of the index-th section header. The
// size fields are only rewritten when withSizes is set; otherwise the values
// written by Builder stay.
func SectionPatches(pointerSize int, index int, rva, pointerToRawData, rawSize uint32, withSizes bool) []Patch {
	base := SectionHeaderOffset(pointerSize, index)
	var patches []Patch
	if withSizes {
		patches = append(patches,
			Patch{Field: "VirtualSize", Offset: base + sectionHeaderVirtualSize, Size: 4, Value: rawSize},
			Patch{Field: "SizeOfRawData", Offset: base + sectionHeaderSizeOfRawData, Size: 4, Value: rawSize})
	}
	return append(patches,
		Patch{Field: "VirtualAddress", Offset: base + sectionHeaderVirtualAddress, Size: 4, Value: rva},
		Patch{Field: "PointerToRawData", Offset: base + sectionHeaderPointerToRawData, Size: 4, Value: pointerToRawData})
}

func SizeOfImagePatch(sizeOfImage uint32) Patch {
	return Patch{Field: "SizeOfImage", Offset: OffsetOfSizeOfImage, Size: 4, Value: sizeOfImage}
}

func SectionAlignmentPatch(alignment uint32) Patch {
	return Patch{Field: "SectionAlignment", Offset: OffsetOfSectionAlignment, Size: 4, Value: alignment}
}

// MachineOSOverridePatch combines the machine written by Builder with the OS
// tag. Builder cannot be handed the combined value up front since it picks
// PE32 or PE32+ from the machine.
func MachineOSOverridePatch(machine, override uint16) Patch {
	return Patch{Field: "Machine", Offset: OffsetOfMachine, Size: 2, Value: uint32(machine ^ override)}
}

func TimeDateStampPatch(stamp uint32) Patch {
	return Patch{Field: "TimeDateStamp", Offset: OffsetOfTimeDateStamp, Size: 4, Value: stamp}
}

// ApplyPatches writes the patches in order and leaves w positioned at its
// end. The first failing write aborts the pass; the image is then corrupt.
func ApplyPatches(w io.WriteSeeker, patches []Patch) error {
	var buf [4]byte
	for _, p := range patches {
		switch p.Size {
		case 2:
			binary.LittleEndian.PutUint16(buf[:], uint16(p.Value))
		case 4:
			binary.LittleEndian.PutUint32(buf[:], p.Value)
		default:
			return fmt.Errorf("pe: patch %s: bad field size %d", p.Field, p.Size)
		}
		if _, err := w.Seek(p.Offset, io.SeekStart); err != nil {
			return fmt.Errorf("pe: patch %s: %w", p.Field, err)
		}
		if _, err := w.Write(buf[:p.Size]); err != nil {
			return fmt.Errorf("pe: patch %s: %w", p.Field, err)
		}
	}
	_, err := w.Seek(0, io.SeekEnd)
	return err
}
