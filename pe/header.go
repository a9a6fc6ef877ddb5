package pe

// Header holds the header fields Builder copies into the image. Fields that
// depend on the laid out sections (sizes, bases, SizeOfImage, directories)
// are computed by Builder.
type Header struct {
	Machine         uint16
	Characteristics uint16

	SectionAlignment uint32
	FileAlignment    uint32
	ImageBase        uint64

	MajorLinkerVersion          uint8
	MinorLinkerVersion          uint8
	MajorOperatingSystemVersion uint16
	MinorOperatingSystemVersion uint16
	MajorImageVersion           uint16
	MinorImageVersion           uint16
	MajorSubsystemVersion       uint16
	MinorSubsystemVersion       uint16

	Subsystem          uint16
	DllCharacteristics uint16

	SizeOfStackReserve uint64
	SizeOfStackCommit  uint64
	SizeOfHeapReserve  uint64
	SizeOfHeapCommit   uint64
}

// Is32Bit reports whether the header describes a PE32 image. The decision is
// made from the raw machine value only, which is why the OS override must be
// applied after serialization.
func (h *Header) Is32Bit() bool {
	switch h.Machine {
	case IMAGE_FILE_MACHINE_I386, IMAGE_FILE_MACHINE_ARMNT:
		return true
	}
	return false
}

// PointerSize is the size of the stack and heap fields of the optional header.
func (h *Header) PointerSize() int {
	if h.Is32Bit() {
		return 4
	}
	return 8
}

func (h *Header) OptionalHeaderSize() int {
	return OptionalHeaderSize(h.PointerSize())
}

const (
	DefaultImageBase32 = 0x10000000
	DefaultImageBase64 = 0x180000000

	linkerMajor    = 11
	linkerMinor    = 0
	osMajor        = 4
	osMinor        = 0
	subsystemMajor = 4
	subsystemMinor = 0
)

// DefaultHeader returns the header used for ahead-of-time compiled images of
// the given target. An imageBase of zero picks the default for the pointer
// size.
func DefaultHeader(subsystem uint16, target Target, imageBase uint64) (*Header, error) {
	machine, err := target.Machine()
	if err != nil {
		return nil, err
	}
	is64 := target.Is64Bit()

	characteristics := uint16(IMAGE_FILE_EXECUTABLE_IMAGE | IMAGE_FILE_DLL)
	if is64 {
		characteristics |= IMAGE_FILE_LARGE_ADDRESS_AWARE
	} else {
		characteristics |= IMAGE_FILE_32BIT_MACHINE
	}

	// Windows maps views at 4K file alignment, and 32-bit targets of any OS
	// use page sized file alignment to keep VA usage down. 64-bit Unix images
	// must keep the low bits of RVA and file offset equal, so both alignments
	// are the same there.
	fileAlignment := uint32(0x200)
	windowsOr32 := target.IsWindows() || !is64
	if windowsOr32 {
		fileAlignment = 0x1000
	}
	sectionAlignment := uint32(0x1000)
	if !windowsOr32 {
		sectionAlignment = fileAlignment
	}

	// NxCompatible is required on Windows ARM64.
	dll := uint16(IMAGE_DLLCHARACTERISTICS_DYNAMIC_BASE |
		IMAGE_DLLCHARACTERISTICS_NX_COMPAT |
		IMAGE_DLLCHARACTERISTICS_TERMINAL_SERVER_AWARE)
	if is64 {
		dll |= IMAGE_DLLCHARACTERISTICS_HIGH_ENTROPY_VA
	} else {
		dll |= IMAGE_DLLCHARACTERISTICS_NO_SEH
	}

	h := &Header{
		Machine:                     machine,
		Characteristics:             characteristics,
		SectionAlignment:            sectionAlignment,
		FileAlignment:               fileAlignment,
		ImageBase:                   imageBase,
		MajorLinkerVersion:          linkerMajor,
		MinorLinkerVersion:          linkerMinor,
		MajorOperatingSystemVersion: osMajor,
		MinorOperatingSystemVersion: osMinor,
		MajorSubsystemVersion:       subsystemMajor,
		MinorSubsystemVersion:       subsystemMinor,
		Subsystem:                   subsystem,
		DllCharacteristics:          dll,
	}
	if is64 {
		h.SizeOfStackReserve = 0x00400000
		h.SizeOfStackCommit = 0x4000
		h.SizeOfHeapReserve = 0x00100000
		h.SizeOfHeapCommit = 0x2000
		if h.ImageBase == 0 {
			h.ImageBase = DefaultImageBase64
		}
	} else {
		h.SizeOfStackReserve = 0x00100000
		h.SizeOfStackCommit = 0x1000
		h.SizeOfHeapReserve = 0x00100000
		h.SizeOfHeapCommit = 0x1000
		if h.ImageBase == 0 {
			h.ImageBase = DefaultImageBase32
		}
	}
	return h, nil
}
