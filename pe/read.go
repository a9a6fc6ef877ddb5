package pe

import (
	"fmt"
	"io"

	"github.com/lunixbochs/struc"
)

// Image is the header view of a PE file: enough to check placement without
// decoding section contents.
type Image struct {
	DosHeader  DosHeader
	FileHeader FileHeader

	// Exactly one of the optional headers is set.
	OptionalHeader32 *OptionalHeader32
	OptionalHeader64 *OptionalHeader64

	Directories Directories
	Sections    []SectionHeader32
}

func (img *Image) Is64Bit() bool {
	return img.OptionalHeader64 != nil
}

func (img *Image) SectionAlignment() uint32 {
	if img.OptionalHeader64 != nil {
		return img.OptionalHeader64.SectionAlignment
	}
	return img.OptionalHeader32.SectionAlignment
}

func (img *Image) FileAlignment() uint32 {
	if img.OptionalHeader64 != nil {
		return img.OptionalHeader64.FileAlignment
	}
	return img.OptionalHeader32.FileAlignment
}

func (img *Image) SizeOfImage() uint32 {
	if img.OptionalHeader64 != nil {
		return img.OptionalHeader64.SizeOfImage
	}
	return img.OptionalHeader32.SizeOfImage
}

func (img *Image) ImageBase() uint64 {
	if img.OptionalHeader64 != nil {
		return img.OptionalHeader64.ImageBase
	}
	return uint64(img.OptionalHeader32.ImageBase)
}

// Section returns the header of the named section, or nil.
func (img *Image) Section(name string) *SectionHeader32 {
	for i := range img.Sections {
		if img.Sections[i].NameString() == name {
			return &img.Sections[i]
		}
	}
	return nil
}

// ReadImage parses the headers of the image in r.
func ReadImage(r io.ReaderAt) (*Image, error) {
	img := &Image{}

	sr := io.NewSectionReader(r, 0, 1<<62)
	if err := struc.UnpackWithOptions(sr, &img.DosHeader, structOptions); err != nil {
		return nil, fmt.Errorf("pe: read dos header: %w", err)
	}
	if img.DosHeader.Magic != IMAGE_DOS_SIGNATURE {
		return nil, fmt.Errorf("%w: missing MZ signature", ErrInvalidImage)
	}

	var sig [PESignatureSize]byte
	if _, err := r.ReadAt(sig[:], int64(img.DosHeader.Lfanew)); err != nil {
		return nil, fmt.Errorf("pe: read signature: %w", err)
	}
	if sig != peSignature {
		return nil, fmt.Errorf("%w: missing PE signature", ErrInvalidImage)
	}

	sr = io.NewSectionReader(r, int64(img.DosHeader.Lfanew)+PESignatureSize, 1<<62)
	if err := struc.UnpackWithOptions(sr, &img.FileHeader, structOptions); err != nil {
		return nil, fmt.Errorf("pe: read file header: %w", err)
	}

	var magic [2]byte
	optOffset := int64(img.DosHeader.Lfanew) + PESignatureSize + FileHeaderSize
	if _, err := r.ReadAt(magic[:], optOffset); err != nil {
		return nil, fmt.Errorf("pe: read optional header: %w", err)
	}
	pointerSize := 4
	switch uint16(magic[0]) | uint16(magic[1])<<8 {
	case IMAGE_NT_OPTIONAL_HDR32_MAGIC:
		img.OptionalHeader32 = &OptionalHeader32{}
		if err := struc.UnpackWithOptions(sr, img.OptionalHeader32, structOptions); err != nil {
			return nil, fmt.Errorf("pe: read optional header: %w", err)
		}
	case IMAGE_NT_OPTIONAL_HDR64_MAGIC:
		pointerSize = 8
		img.OptionalHeader64 = &OptionalHeader64{}
		if err := struc.UnpackWithOptions(sr, img.OptionalHeader64, structOptions); err != nil {
			return nil, fmt.Errorf("pe: read optional header: %w", err)
		}
	default:
		return nil, fmt.Errorf("%w: optional header magic %#x", ErrInvalidImage, magic)
	}
	if int(img.FileHeader.SizeOfOptionalHeader) != OptionalHeaderSize(pointerSize) {
		return nil, fmt.Errorf("%w: optional header size %d", ErrInvalidImage, img.FileHeader.SizeOfOptionalHeader)
	}
	for i := range img.Directories {
		if err := struc.UnpackWithOptions(sr, &img.Directories[i], structOptions); err != nil {
			return nil, fmt.Errorf("pe: read data directories: %w", err)
		}
	}

	img.Sections = make([]SectionHeader32, img.FileHeader.NumberOfSections)
	for i := range img.Sections {
		if err := struc.UnpackWithOptions(sr, &img.Sections[i], structOptions); err != nil {
			return nil, fmt.Errorf("pe: read section header %d: %w", i, err)
		}
	}
	return img, nil
}

// SectionData returns the raw bytes of a section, SizeOfRawData long.
func SectionData(r io.ReaderAt, sh *SectionHeader32) ([]byte, error) {
	data := make([]byte, sh.SizeOfRawData)
	if _, err := r.ReadAt(data, int64(sh.PointerToRawData)); err != nil {
		return nil, fmt.Errorf("pe: read section %s: %w", sh.NameString(), err)
	}
	return data, nil
}
