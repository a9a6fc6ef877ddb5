package pe

// Offsets of the header fields the Header Patcher rewrites. All of them are
// derived from the field sizes of the PE/COFF headers and the fixed
// DosHeaderSize written by Builder.

const (
	sizeofUint16 = 2
	sizeofUint32 = 4
	sizeofUint64 = 8
)

const (
	fileHeaderOffset     = DosHeaderSize + PESignatureSize
	optionalHeaderOffset = fileHeaderOffset + FileHeaderSize

	OffsetOfMachine = fileHeaderOffset

	OffsetOfTimeDateStamp = fileHeaderOffset +
		sizeofUint16 + // Machine
		sizeofUint16 // NumberOfSections

	offsetOfSectionAlignmentInOptional = sizeofUint16 + // Magic
		1 + // MajorLinkerVersion
		1 + // MinorLinkerVersion
		sizeofUint32 + // SizeOfCode
		sizeofUint32 + // SizeOfInitializedData
		sizeofUint32 + // SizeOfUninitializedData
		sizeofUint32 + // AddressOfEntryPoint
		sizeofUint32 + // BaseOfCode
		sizeofUint64 // PE32: BaseOfData, ImageBase; PE32+: ImageBase

	offsetOfChecksumInOptional = offsetOfSectionAlignmentInOptional +
		sizeofUint32 + // SectionAlignment
		sizeofUint32 + // FileAlignment
		6*sizeofUint16 + // OS, image and subsystem versions
		sizeofUint32 + // Win32VersionValue
		sizeofUint32 + // SizeOfImage
		sizeofUint32 // SizeOfHeaders

	OffsetOfSectionAlignment = optionalHeaderOffset + offsetOfSectionAlignmentInOptional
	OffsetOfFileAlignment    = OffsetOfSectionAlignment + sizeofUint32
	OffsetOfSizeOfImage      = optionalHeaderOffset + offsetOfChecksumInOptional - 2*sizeofUint32
	OffsetOfSizeOfHeaders    = OffsetOfSizeOfImage + sizeofUint32

	// field offsets inside a section header
	sectionHeaderNameSize         = 8
	sectionHeaderVirtualSize      = sectionHeaderNameSize
	sectionHeaderVirtualAddress   = sectionHeaderVirtualSize + sizeofUint32
	sectionHeaderSizeOfRawData    = sectionHeaderVirtualAddress + sizeofUint32
	sectionHeaderPointerToRawData = sectionHeaderSizeOfRawData + sizeofUint32
)

func offsetOfDirectories(pointerSize int) int {
	return offsetOfChecksumInOptional +
		sizeofUint32 + // CheckSum
		sizeofUint16 + // Subsystem
		sizeofUint16 + // DllCharacteristics
		4*pointerSize + // stack and heap reserve/commit
		sizeofUint32 + // LoaderFlags
		sizeofUint32 // NumberOfRvaAndSizes
}

// OptionalHeaderSize is the size of the optional header including all
// sixteen data directories.
func OptionalHeaderSize(pointerSize int) int {
	return offsetOfDirectories(pointerSize) + NumDirectoryEntries*DataDirectorySize
}

// SectionHeaderOffset returns the file offset of the index-th section header.
func SectionHeaderOffset(pointerSize int, index int) int64 {
	return int64(optionalHeaderOffset + OptionalHeaderSize(pointerSize) + index*SectionHeaderSize)
}
