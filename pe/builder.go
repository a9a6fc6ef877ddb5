package pe

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log"
	"time"

	"github.com/lunixbochs/struc"
)

// Location is where Builder proposes to put a section.
type Location struct {
	RVA              uint32
	PointerToRawData uint32
}

// Section names one section Builder is asked to emit.
type Section struct {
	Name            string
	Characteristics uint32
}

// SectionSerializer supplies section contents to Builder. SerializeSection is
// called once per section, in the order returned by Sections. Directories is
// called after every section has been serialized.
type SectionSerializer interface {
	Sections() []Section
	SerializeSection(name string, location Location) ([]byte, error)
	Directories() (*Directories, error)
}

// ContentID identifies the image contents. Stamp becomes the COFF
// TimeDateStamp.
type ContentID struct {
	Stamp uint32
}

// ContentIDProvider derives a ContentID from the serialized section blobs.
type ContentIDProvider func(blobs [][]byte) ContentID

// SHA256ContentID is a deterministic ContentIDProvider.
func SHA256ContentID(blobs [][]byte) ContentID {
	h := sha256.New()
	for _, b := range blobs {
		h.Write(b)
	}
	sum := h.Sum(nil)
	return ContentID{Stamp: binary.BigEndian.Uint32(sum[len(sum)-4:]) | 0x80000000}
}

// Builder lays out sections one by one and writes a PE/COFF image.
type Builder struct {
	Header     *Header
	IDProvider ContentIDProvider
	Logger     *log.Logger
}

func NewBuilder(header *Header, idProvider ContentIDProvider) *Builder {
	return &Builder{Header: header, IDProvider: idProvider}
}

type serializedSection struct {
	Section
	location Location
	blob     []byte
}

// Serialize lays out the sections of s and returns the image bytes.
func (b *Builder) Serialize(s SectionSerializer) ([]byte, error) {
	h := b.Header
	if h == nil {
		return nil, errors.New("pe: builder has no header")
	}
	if !IsPowerOfTwo(h.SectionAlignment) || !IsPowerOfTwo(h.FileAlignment) {
		return nil, fmt.Errorf("pe: bad alignment: section %#x file %#x", h.SectionAlignment, h.FileAlignment)
	}

	list := s.Sections()
	headersEnd := uint32(DosHeaderSize + PESignatureSize + FileHeaderSize + h.OptionalHeaderSize() + len(list)*SectionHeaderSize)
	sizeOfHeaders := AlignUp(headersEnd, h.FileAlignment)

	location := Location{
		RVA:              AlignUp(sizeOfHeaders, h.SectionAlignment),
		PointerToRawData: sizeOfHeaders,
	}
	serialized := make([]serializedSection, 0, len(list))
	for _, sec := range list {
		blob, err := s.SerializeSection(sec.Name, location)
		if err != nil {
			return nil, fmt.Errorf("pe: section %s: %w", sec.Name, err)
		}
		serialized = append(serialized, serializedSection{Section: sec, location: location, blob: blob})
		b.logf("section %-8s rva %#x file %#x size %#x", sec.Name, location.RVA, location.PointerToRawData, len(blob))

		size := uint32(len(blob))
		location = Location{
			RVA:              AlignUp(location.RVA+size, h.SectionAlignment),
			PointerToRawData: AlignUp(location.PointerToRawData+size, h.FileAlignment),
		}
	}

	dirs, err := s.Directories()
	if err != nil {
		return nil, err
	}
	if dirs == nil {
		dirs = &Directories{}
	}

	var id ContentID
	if b.IDProvider != nil {
		blobs := make([][]byte, len(serialized))
		for i, sec := range serialized {
			blobs[i] = sec.blob
		}
		id = b.IDProvider(blobs)
	} else {
		id.Stamp = uint32(time.Now().Unix())
	}

	buf := bytes.NewBuffer(make([]byte, 0, location.PointerToRawData))
	if err := b.writeHeaders(buf, serialized, dirs, sizeOfHeaders, id.Stamp); err != nil {
		return nil, err
	}
	buf.Write(make([]byte, int(sizeOfHeaders)-buf.Len()))

	for _, sec := range serialized {
		// pad section if there is a gap between PointerToRawData and end of last section
		if gap := int(sec.location.PointerToRawData) - buf.Len(); gap > 0 {
			buf.Write(make([]byte, gap))
		} else if gap < 0 {
			return nil, fmt.Errorf("pe: section %s overlaps previous section", sec.Name)
		}
		buf.Write(sec.blob)
		pad := AlignUp(len(sec.blob), int(h.FileAlignment)) - len(sec.blob)
		buf.Write(make([]byte, pad))
	}
	return buf.Bytes(), nil
}

func (b *Builder) writeHeaders(w io.Writer, sections []serializedSection, dirs *Directories, sizeOfHeaders uint32, stamp uint32) error {
	h := b.Header

	dos := DosHeader{
		Magic:    IMAGE_DOS_SIGNATURE,
		Cblp:     0x90,
		Cp:       3,
		Cparhdr:  4,
		Maxalloc: 0xffff,
		Sp:       0xb8,
		Lfarlc:   0x40,
		Lfanew:   DosHeaderSize,
	}
	if err := struc.PackWithOptions(w, &dos, structOptions); err != nil {
		return err
	}
	if _, err := w.Write(dosStub[:]); err != nil {
		return err
	}
	if _, err := w.Write(peSignature[:]); err != nil {
		return err
	}

	fh := FileHeader{
		Machine:              h.Machine,
		NumberOfSections:     uint16(len(sections)),
		TimeDateStamp:        stamp,
		SizeOfOptionalHeader: uint16(h.OptionalHeaderSize()),
		Characteristics:      h.Characteristics,
	}
	if err := struc.PackWithOptions(w, &fh, structOptions); err != nil {
		return err
	}

	var sizeOfCode, sizeOfInitData, sizeOfUninitData, baseOfCode, baseOfData, sizeOfImage uint32
	for _, sec := range sections {
		size := AlignUp(uint32(len(sec.blob)), h.FileAlignment)
		switch {
		case sec.Characteristics&IMAGE_SCN_CNT_CODE != 0:
			sizeOfCode += size
			if baseOfCode == 0 {
				baseOfCode = sec.location.RVA
			}
		case sec.Characteristics&IMAGE_SCN_CNT_UNINITIALIZED_DATA != 0:
			sizeOfUninitData += size
		default:
			sizeOfInitData += size
			if baseOfData == 0 {
				baseOfData = sec.location.RVA
			}
		}
	}
	if n := len(sections); n > 0 {
		last := sections[n-1]
		sizeOfImage = AlignUp(last.location.RVA+uint32(len(last.blob)), h.SectionAlignment)
	} else {
		sizeOfImage = AlignUp(sizeOfHeaders, h.SectionAlignment)
	}

	var opt interface{}
	if h.Is32Bit() {
		opt = &OptionalHeader32{
			Magic:                       IMAGE_NT_OPTIONAL_HDR32_MAGIC,
			MajorLinkerVersion:          h.MajorLinkerVersion,
			MinorLinkerVersion:          h.MinorLinkerVersion,
			SizeOfCode:                  sizeOfCode,
			SizeOfInitializedData:       sizeOfInitData,
			SizeOfUninitializedData:     sizeOfUninitData,
			BaseOfCode:                  baseOfCode,
			BaseOfData:                  baseOfData,
			ImageBase:                   uint32(h.ImageBase),
			SectionAlignment:            h.SectionAlignment,
			FileAlignment:               h.FileAlignment,
			MajorOperatingSystemVersion: h.MajorOperatingSystemVersion,
			MinorOperatingSystemVersion: h.MinorOperatingSystemVersion,
			MajorImageVersion:           h.MajorImageVersion,
			MinorImageVersion:           h.MinorImageVersion,
			MajorSubsystemVersion:       h.MajorSubsystemVersion,
			MinorSubsystemVersion:       h.MinorSubsystemVersion,
			SizeOfImage:                 sizeOfImage,
			SizeOfHeaders:               sizeOfHeaders,
			Subsystem:                   h.Subsystem,
			DllCharacteristics:          h.DllCharacteristics,
			SizeOfStackReserve:          uint32(h.SizeOfStackReserve),
			SizeOfStackCommit:           uint32(h.SizeOfStackCommit),
			SizeOfHeapReserve:           uint32(h.SizeOfHeapReserve),
			SizeOfHeapCommit:            uint32(h.SizeOfHeapCommit),
			NumberOfRvaAndSizes:         NumDirectoryEntries,
		}
	} else {
		opt = &OptionalHeader64{
			Magic:                       IMAGE_NT_OPTIONAL_HDR64_MAGIC,
			MajorLinkerVersion:          h.MajorLinkerVersion,
			MinorLinkerVersion:          h.MinorLinkerVersion,
			SizeOfCode:                  sizeOfCode,
			SizeOfInitializedData:       sizeOfInitData,
			SizeOfUninitializedData:     sizeOfUninitData,
			BaseOfCode:                  baseOfCode,
			ImageBase:                   h.ImageBase,
			SectionAlignment:            h.SectionAlignment,
			FileAlignment:               h.FileAlignment,
			MajorOperatingSystemVersion: h.MajorOperatingSystemVersion,
			MinorOperatingSystemVersion: h.MinorOperatingSystemVersion,
			MajorImageVersion:           h.MajorImageVersion,
			MinorImageVersion:           h.MinorImageVersion,
			MajorSubsystemVersion:       h.MajorSubsystemVersion,
			MinorSubsystemVersion:       h.MinorSubsystemVersion,
			SizeOfImage:                 sizeOfImage,
			SizeOfHeaders:               sizeOfHeaders,
			Subsystem:                   h.Subsystem,
			DllCharacteristics:          h.DllCharacteristics,
			SizeOfStackReserve:          h.SizeOfStackReserve,
			SizeOfStackCommit:           h.SizeOfStackCommit,
			SizeOfHeapReserve:           h.SizeOfHeapReserve,
			SizeOfHeapCommit:            h.SizeOfHeapCommit,
			NumberOfRvaAndSizes:         NumDirectoryEntries,
		}
	}
	if err := struc.PackWithOptions(w, opt, structOptions); err != nil {
		return err
	}
	for i := range dirs {
		if err := struc.PackWithOptions(w, &dirs[i], structOptions); err != nil {
			return err
		}
	}

	for _, sec := range sections {
		sh := SectionHeader32{
			Name:             sectionName(sec.Name),
			VirtualSize:      uint32(len(sec.blob)),
			VirtualAddress:   sec.location.RVA,
			SizeOfRawData:    AlignUp(uint32(len(sec.blob)), h.FileAlignment),
			PointerToRawData: sec.location.PointerToRawData,
			Characteristics:  sec.Characteristics,
		}
		if err := struc.PackWithOptions(w, &sh, structOptions); err != nil {
			return err
		}
	}
	return nil
}

func (b *Builder) logf(format string, args ...interface{}) {
	if b.Logger != nil {
		b.Logger.Printf(format, args...)
	}
}
