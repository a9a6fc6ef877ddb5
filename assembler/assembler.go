// Package assembler lays out ahead-of-time compiled code and data as a PE
// image that loads on Windows and, through the runtime's own loader, on
// Unix-like systems.
package assembler

import (
	"errors"
	"fmt"
	"io"
	"log"

	"github.com/Binject/peasm/pe"
	"github.com/Binject/peasm/sections"
)

const (
	TextSectionName       = ".text"
	DataSectionName       = ".data"
	ExportDataSectionName = sections.ExportDataSectionName
	RelocSectionName      = sections.RelocSectionName

	// ExportName is the name under which Options.ExportSymbol is exported,
	// with ordinal ExportOrdinal.
	ExportName    = "RTR_HEADER"
	ExportOrdinal = 1

	contentSectionAlignment = 512
	relocSectionAlignment   = 0x1000
)

var (
	// ErrWritten is returned when object data is added to, or Write is called
	// on, an assembler that has already been written.
	ErrWritten            = errors.New("assembler: image already written")
	ErrUnknownSectionType = errors.New("assembler: unknown section type")
	ErrUnknownSection     = errors.New("assembler: unknown section")
	ErrBadAlignment       = errors.New("assembler: bad alignment")
)

// SectionType is the content category of object data.
type SectionType int

const (
	ReadOnly SectionType = iota
	Executable
	Writable
)

var sectionTypeNames = []string{
	ReadOnly:   "readonly",
	Executable: "executable",
	Writable:   "writable",
}

func (t SectionType) String() string {
	if t >= 0 && int(t) < len(sectionTypeNames) {
		return sectionTypeNames[t]
	}
	return fmt.Sprintf("SectionType(%d)", int(t))
}

func ParseSectionType(name string) (SectionType, error) {
	for t, s := range sectionTypeNames {
		if s == name {
			return SectionType(t), nil
		}
	}
	return 0, fmt.Errorf("%w: %q", ErrUnknownSectionType, name)
}

// RuntimeFunctionsTable is the node holding the exception unwind table.
type RuntimeFunctionsTable interface {
	Symbol() *sections.Symbol
	TableSizeExcludingSentinel() int
}

type Options struct {
	// ExportSymbol, when set, adds an export section exporting it.
	ExportSymbol *sections.Symbol
	// OutputFileSimpleName is the DLL name of the export directory.
	OutputFileSimpleName string

	// RuntimeFunctionsTable is called once all sections are placed.
	RuntimeFunctionsTable func() RuntimeFunctionsTable

	// CustomSectionAlignment, when nonzero, aligns RVA, file offset and size
	// of every section to it, so the image can be mapped with large pages.
	CustomSectionAlignment uint32

	// DeterministicIDProvider derives the image timestamp from its contents.
	// When nil, the wall clock is used.
	DeterministicIDProvider pe.ContentIDProvider

	// RVABitsToMatchFilePos defaults to DefaultRVABitsToMatchFilePos.
	RVABitsToMatchFilePos int

	Logger *log.Logger
}

// Placement is one entry of the section layout table.
type Placement struct {
	Name             string
	RVA              uint32
	PointerToRawData uint32
	RawSize          uint32
	Placed           bool

	headerIndex int
}

// Assembler builds one image. Object data is added first; Write then lays
// out and writes the image, after which the assembler is closed.
type Assembler struct {
	target   pe.Target
	header   *pe.Header
	override uint16
	opts     Options
	policy   policy

	sections  *sections.Builder
	builder   *pe.Builder
	textIndex int
	dataIndex int

	layout []Placement
	closed bool
}

// New creates an assembler for target. A nil header selects
// pe.DefaultHeader for a console subsystem DLL at the default image base.
func New(target pe.Target, header *pe.Header, opts Options) (*Assembler, error) {
	override, err := target.MachineOSOverride()
	if err != nil {
		return nil, err
	}
	if header == nil {
		header, err = pe.DefaultHeader(pe.IMAGE_SUBSYSTEM_WINDOWS_CUI, target, 0)
		if err != nil {
			return nil, err
		}
	}
	if a := opts.CustomSectionAlignment; a != 0 && !pe.IsPowerOfTwo(a) {
		return nil, fmt.Errorf("%w: custom section alignment %#x", ErrBadAlignment, a)
	}
	bits := opts.RVABitsToMatchFilePos
	if bits == 0 {
		bits = DefaultRVABitsToMatchFilePos
	}
	if bits < 1 || bits > 30 {
		return nil, fmt.Errorf("%w: %d RVA bits to match file position", ErrBadAlignment, bits)
	}

	a := &Assembler{
		target:   target,
		header:   header,
		override: override,
		opts:     opts,
		policy:   newPolicy(target, opts.CustomSectionAlignment, uint(bits)),
		sections: sections.NewBuilder(),
		builder:  pe.NewBuilder(header, opts.DeterministicIDProvider),
	}
	a.sections.Logger = opts.Logger
	a.builder.Logger = opts.Logger

	a.textIndex = a.sections.AddSection(TextSectionName,
		pe.IMAGE_SCN_CNT_CODE|pe.IMAGE_SCN_MEM_EXECUTE|pe.IMAGE_SCN_MEM_READ, contentSectionAlignment)
	a.dataIndex = a.sections.AddSection(DataSectionName,
		pe.IMAGE_SCN_CNT_INITIALIZED_DATA|pe.IMAGE_SCN_MEM_WRITE|pe.IMAGE_SCN_MEM_READ, contentSectionAlignment)
	if opts.ExportSymbol != nil {
		a.sections.AddSection(ExportDataSectionName,
			pe.IMAGE_SCN_CNT_INITIALIZED_DATA|pe.IMAGE_SCN_MEM_READ, contentSectionAlignment)
		a.sections.AddExportSymbol(ExportName, ExportOrdinal, opts.ExportSymbol)
		a.sections.SetDllNameForExportDirectoryTable(opts.OutputFileSimpleName)
	}
	// the relocation section always comes last
	a.sections.AddSection(RelocSectionName,
		pe.IMAGE_SCN_CNT_INITIALIZED_DATA|pe.IMAGE_SCN_MEM_READ|pe.IMAGE_SCN_MEM_DISCARDABLE, relocSectionAlignment)

	for _, s := range a.sections.Sections() {
		a.layout = append(a.layout, Placement{Name: s.Name})
	}
	a.logf("target %v, %s placement", target, a.policy)
	return a, nil
}

func (a *Assembler) Target() pe.Target { return a.target }

func (a *Assembler) Header() *pe.Header { return a.header }

// Layout returns a copy of the section layout table.
func (a *Assembler) Layout() []Placement {
	return append([]Placement(nil), a.layout...)
}

func (a *Assembler) SetCorHeader(symbol *sections.Symbol, size int) {
	a.sections.SetCorHeader(symbol, size)
}

func (a *Assembler) SetDebugDirectory(symbol *sections.Symbol, size int) {
	a.sections.SetDebugDirectory(symbol, size)
}

func (a *Assembler) SetWin32Resources(symbol *sections.Symbol, size int) {
	a.sections.SetWin32Resources(symbol, size)
}

// AddObjectData routes data to the text section (executable and read-only
// data) or the data section (writable data).
func (a *Assembler) AddObjectData(data sections.ObjectData, typ SectionType, name string, recorder sections.OutputRecorder) error {
	if a.closed {
		return ErrWritten
	}
	var index int
	switch typ {
	case ReadOnly, Executable:
		// read-only data shares the text section to keep the section count down
		index = a.textIndex
	case Writable:
		index = a.dataIndex
	default:
		return fmt.Errorf("%w: %v", ErrUnknownSectionType, typ)
	}
	return a.sections.AddObjectData(data, index, name, recorder)
}

// AddSymbolForRange defines symbol as the area between first and second,
// which must be in the same section, first emitted before second.
func (a *Assembler) AddSymbolForRange(symbol, first, second *sections.Symbol) error {
	return a.sections.AddSymbolForRange(symbol, first, second)
}

func (a *Assembler) SymbolFilePosition(symbol *sections.Symbol) (uint32, error) {
	return a.sections.SymbolFilePosition(symbol)
}

func (a *Assembler) SymbolRVA(symbol *sections.Symbol) (uint32, error) {
	return a.sections.SymbolRVA(symbol)
}

// AddSections reports the final section placement to recorder.
func (a *Assembler) AddSections(recorder sections.OutputRecorder) {
	a.sections.AddSections(recorder)
}

// Write lays out the image and writes it to w, which must be positioned at
// its start. A non-nil timestamp overrides the COFF TimeDateStamp. On error
// the contents of w are unusable.
func (a *Assembler) Write(w io.WriteSeeker, timestamp *uint32) error {
	if a.closed {
		return ErrWritten
	}
	image, err := a.builder.Serialize(imageSerializer{a})
	if err != nil {
		return err
	}
	if err := a.sections.RelocateOutputFile(image, a.header.ImageBase, w); err != nil {
		return err
	}

	patches, err := a.headerPatches(timestamp)
	if err != nil {
		return err
	}
	for _, p := range patches {
		a.logf("patch %v", p)
	}
	if err := pe.ApplyPatches(w, patches); err != nil {
		return err
	}
	a.closed = true
	return nil
}

// headerPatches returns the header fixups in the order they must be applied:
// section placement and SizeOfImage, section alignment, machine, timestamp.
func (a *Assembler) headerPatches(timestamp *uint32) ([]pe.Patch, error) {
	pointerSize := a.header.PointerSize()
	custom := a.opts.CustomSectionAlignment

	var patches []pe.Patch
	var last *Placement
	for i := range a.layout {
		p := &a.layout[i]
		if !p.Placed {
			continue
		}
		patches = append(patches, pe.SectionPatches(pointerSize, p.headerIndex, p.RVA, p.PointerToRawData, p.RawSize, custom != 0)...)
		last = p
	}
	if last == nil {
		return nil, errors.New("assembler: no section was placed")
	}
	patches = append(patches, pe.SizeOfImagePatch(pe.AlignUp(last.RVA+last.RawSize, a.header.SectionAlignment)))

	if custom != 0 {
		patches = append(patches, pe.SectionAlignmentPatch(custom))
	}
	patches = append(patches, pe.MachineOSOverridePatch(a.header.Machine, a.override))
	if timestamp != nil {
		patches = append(patches, pe.TimeDateStampPatch(*timestamp))
	}
	return patches, nil
}

// serializeSection places one section and returns its blob, including the
// padding that moves its contents to the placed file offset.
func (a *Assembler) serializeSection(name string, proposed pe.Location) ([]byte, error) {
	index := -1
	for i := range a.layout {
		if a.layout[i].Name == name {
			index = i
			break
		}
	}
	if index < 0 {
		return nil, fmt.Errorf("%w: %q", ErrUnknownSection, name)
	}

	var prev *Placement
	placed := 0
	for i := range a.layout[:index] {
		if a.layout[i].Placed {
			prev = &a.layout[i]
			placed++
		}
	}

	p := a.policy.place(placement{location: proposed}, prev)
	content, err := a.sections.SerializeSection(name, p.location)
	if err != nil {
		return nil, err
	}
	rawSize := uint32(len(content))
	if p.rawAlignment != 0 {
		rawSize = pe.AlignUp(rawSize, p.rawAlignment)
	}

	blob := make([]byte, p.padding, p.padding+rawSize)
	blob = append(blob, content...)
	blob = append(blob, make([]byte, rawSize-uint32(len(content)))...)

	a.layout[index] = Placement{
		Name:             name,
		RVA:              p.location.RVA,
		PointerToRawData: p.location.PointerToRawData,
		RawSize:          rawSize,
		Placed:           true,
		headerIndex:      placed,
	}
	a.logf("place %-8s proposed rva %#x file %#x -> rva %#x file %#x size %#x",
		name, proposed.RVA, proposed.PointerToRawData, p.location.RVA, p.location.PointerToRawData, rawSize)
	return blob, nil
}

func (a *Assembler) directories() (*pe.Directories, error) {
	dirs := &pe.Directories{}
	if err := a.sections.UpdateDirectories(dirs); err != nil {
		return nil, err
	}
	if a.opts.RuntimeFunctionsTable == nil {
		return dirs, nil
	}
	table := a.opts.RuntimeFunctionsTable()
	if table == nil || table.TableSizeExcludingSentinel() == 0 {
		return dirs, nil
	}
	rva, err := a.sections.SymbolRVA(table.Symbol())
	if err != nil {
		return nil, fmt.Errorf("runtime functions table: %w", err)
	}
	dirs.Set(pe.IMAGE_DIRECTORY_ENTRY_EXCEPTION, rva, uint32(table.TableSizeExcludingSentinel()))
	return dirs, nil
}

// imageSerializer feeds the assembler's sections to pe.Builder. Sections
// without content are left out of the image.
type imageSerializer struct {
	a *Assembler
}

func (s imageSerializer) Sections() []pe.Section {
	var out []pe.Section
	for _, sec := range s.a.sections.Sections() {
		if s.a.sections.HasContent(sec.Name) {
			out = append(out, sec)
		}
	}
	return out
}

func (s imageSerializer) SerializeSection(name string, location pe.Location) ([]byte, error) {
	return s.a.serializeSection(name, location)
}

func (s imageSerializer) Directories() (*pe.Directories, error) {
	return s.a.directories()
}

func (a *Assembler) logf(format string, args ...interface{}) {
	if a.opts.Logger != nil {
		a.opts.Logger.Printf(format, args...)
	}
}
