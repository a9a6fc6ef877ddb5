package sections

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log"
	"sort"

	"github.com/Binject/peasm/pe"
	"github.com/lunixbochs/struc"
)

// Names of the sections Builder generates itself.
const (
	ExportDataSectionName = ".edata"
	RelocSectionName      = ".reloc"
)

var (
	ErrUnknownSection  = errors.New("sections: unknown section")
	ErrUndefinedSymbol = errors.New("sections: undefined symbol")
	ErrDuplicateSymbol = errors.New("sections: duplicate symbol")
	ErrNotPlaced       = errors.New("sections: section not placed yet")
	ErrBadObjectData   = errors.New("sections: bad object data")
)

var leOptions = &struc.Options{Order: binary.LittleEndian}

type section struct {
	name            string
	characteristics uint32
	alignment       int
	data            []byte

	location pe.Location
	length   int
	placed   bool
}

type symbolTarget struct {
	section int
	offset  int
	length  int
}

type relocSite struct {
	section int
	Reloc
}

type exportSymbol struct {
	name    string
	ordinal uint32
	symbol  *Symbol
}

type directoryEntry struct {
	symbol *Symbol
	size   int
}

// Builder accumulates object data into sections, keeps track of where each
// symbol lands and applies relocations once every section is placed.
type Builder struct {
	Logger *log.Logger

	sections []*section
	symbols  map[*Symbol]symbolTarget
	relocs   []relocSite

	exports []exportSymbol
	dllName string

	corHeader      *directoryEntry
	debugDirectory *directoryEntry
	win32Resources *directoryEntry

	exportDirectory pe.DataDirectory
	relocDirectory  pe.DataDirectory
}

func NewBuilder() *Builder {
	return &Builder{symbols: make(map[*Symbol]symbolTarget)}
}

// AddSection appends a section and returns its index.
func (b *Builder) AddSection(name string, characteristics uint32, alignment int) int {
	b.sections = append(b.sections, &section{
		name:            name,
		characteristics: characteristics,
		alignment:       alignment,
	})
	return len(b.sections) - 1
}

// Sections lists every configured section in order, with or without content.
func (b *Builder) Sections() []pe.Section {
	out := make([]pe.Section, len(b.sections))
	for i, s := range b.sections {
		out[i] = pe.Section{Name: s.name, Characteristics: s.characteristics}
	}
	return out
}

func (b *Builder) sectionIndex(name string) int {
	for i, s := range b.sections {
		if s.name == name {
			return i
		}
	}
	return -1
}

// HasContent reports whether the named section would serialize to a
// non-empty blob. The relocation section always has content.
func (b *Builder) HasContent(name string) bool {
	i := b.sectionIndex(name)
	if i < 0 {
		return false
	}
	switch name {
	case RelocSectionName:
		return true
	case ExportDataSectionName:
		return len(b.exports) > 0
	}
	return len(b.sections[i].data) > 0
}

// AddObjectData appends data to the section at sectionIndex and records its
// symbols and relocations. Nothing is changed when data is rejected.
func (b *Builder) AddObjectData(data ObjectData, sectionIndex int, name string, recorder OutputRecorder) error {
	if sectionIndex < 0 || sectionIndex >= len(b.sections) {
		return fmt.Errorf("%w: index %d", ErrUnknownSection, sectionIndex)
	}
	seen := make(map[*Symbol]bool, len(data.DefinedSymbols))
	for _, def := range data.DefinedSymbols {
		if def.Symbol == nil || def.Offset < 0 || def.Offset > len(data.Data) {
			return fmt.Errorf("%w: %s: symbol %v at %d", ErrBadObjectData, name, def.Symbol, def.Offset)
		}
		if _, dup := b.symbols[def.Symbol]; dup || seen[def.Symbol] {
			return fmt.Errorf("%w: %v", ErrDuplicateSymbol, def.Symbol)
		}
		seen[def.Symbol] = true
	}
	for _, r := range data.Relocs {
		if _, ok := relocNames[r.Type]; !ok || r.Target == nil {
			return fmt.Errorf("%w: %s: relocation %v to %v", ErrBadObjectData, name, r.Type, r.Target)
		}
		if r.Offset < 0 || r.Offset+r.Type.Size() > len(data.Data) {
			return fmt.Errorf("%w: %s: relocation at %d outside %d bytes", ErrBadObjectData, name, r.Offset, len(data.Data))
		}
	}

	s := b.sections[sectionIndex]
	alignment := data.Alignment
	if alignment < 1 {
		alignment = 1
	}
	if pad := pe.AlignUp(len(s.data), alignment) - len(s.data); pad > 0 {
		s.data = append(s.data, make([]byte, pad)...)
	}
	start := len(s.data)
	s.data = append(s.data, data.Data...)

	for _, def := range data.DefinedSymbols {
		b.symbols[def.Symbol] = symbolTarget{section: sectionIndex, offset: start + def.Offset}
	}
	for _, r := range data.Relocs {
		r.Offset += start
		b.relocs = append(b.relocs, relocSite{section: sectionIndex, Reloc: r})
	}
	if recorder != nil {
		recorder.AddNode(NodeInfo{Name: name, SectionIndex: sectionIndex, Offset: start, Length: len(data.Data)})
	}
	return nil
}

// AddSymbolForRange defines symbol as the area [first, second). Both must
// already be defined in the same section, first not after second.
func (b *Builder) AddSymbolForRange(symbol, first, second *Symbol) error {
	t1, ok := b.symbols[first]
	if !ok {
		return fmt.Errorf("%w: %v", ErrUndefinedSymbol, first)
	}
	t2, ok := b.symbols[second]
	if !ok {
		return fmt.Errorf("%w: %v", ErrUndefinedSymbol, second)
	}
	if t1.section != t2.section || t1.offset > t2.offset {
		return fmt.Errorf("%w: range %v..%v", ErrBadObjectData, first, second)
	}
	if _, dup := b.symbols[symbol]; dup {
		return fmt.Errorf("%w: %v", ErrDuplicateSymbol, symbol)
	}
	b.symbols[symbol] = symbolTarget{section: t1.section, offset: t1.offset, length: t2.offset - t1.offset}
	return nil
}

func (b *Builder) AddExportSymbol(name string, ordinal int, symbol *Symbol) {
	b.exports = append(b.exports, exportSymbol{name: name, ordinal: uint32(ordinal), symbol: symbol})
}

func (b *Builder) SetDllNameForExportDirectoryTable(name string) {
	b.dllName = name
}

func (b *Builder) SetCorHeader(symbol *Symbol, size int) {
	b.corHeader = &directoryEntry{symbol: symbol, size: size}
}

func (b *Builder) SetDebugDirectory(symbol *Symbol, size int) {
	b.debugDirectory = &directoryEntry{symbol: symbol, size: size}
}

func (b *Builder) SetWin32Resources(symbol *Symbol, size int) {
	b.win32Resources = &directoryEntry{symbol: symbol, size: size}
}

// SymbolRVA resolves a symbol once its section is placed.
func (b *Builder) SymbolRVA(symbol *Symbol) (uint32, error) {
	t, s, err := b.resolve(symbol)
	if err != nil {
		return 0, err
	}
	return s.location.RVA + uint32(t.offset), nil
}

// SymbolFilePosition resolves a symbol to its offset in the image file.
func (b *Builder) SymbolFilePosition(symbol *Symbol) (uint32, error) {
	t, s, err := b.resolve(symbol)
	if err != nil {
		return 0, err
	}
	return s.location.PointerToRawData + uint32(t.offset), nil
}

func (b *Builder) resolve(symbol *Symbol) (symbolTarget, *section, error) {
	t, ok := b.symbols[symbol]
	if !ok {
		return t, nil, fmt.Errorf("%w: %v", ErrUndefinedSymbol, symbol)
	}
	s := b.sections[t.section]
	if !s.placed {
		return t, nil, fmt.Errorf("%w: %s (symbol %v)", ErrNotPlaced, s.name, symbol)
	}
	return t, s, nil
}

// SerializeSection records where the named section is placed and returns
// its final contents.
func (b *Builder) SerializeSection(name string, location pe.Location) ([]byte, error) {
	i := b.sectionIndex(name)
	if i < 0 {
		return nil, fmt.Errorf("%w: %q", ErrUnknownSection, name)
	}
	s := b.sections[i]
	s.location = location
	s.placed = true

	var data []byte
	var err error
	switch name {
	case RelocSectionName:
		data, err = b.serializeRelocations(location)
	case ExportDataSectionName:
		data, err = b.serializeExports(location)
	default:
		data = append([]byte(nil), s.data...)
	}
	if err != nil {
		return nil, err
	}
	s.length = len(data)
	return data, nil
}

func (b *Builder) serializeRelocations(location pe.Location) ([]byte, error) {
	var table pe.BaseRelocationTable
	for _, r := range b.relocs {
		if !r.Type.needsBaseReloc() {
			continue
		}
		s := b.sections[r.section]
		if !s.placed {
			return nil, fmt.Errorf("%w: %s", ErrNotPlaced, s.name)
		}
		typ := byte(pe.IMAGE_REL_BASED_DIR64)
		if r.Type == RelocHighLow {
			typ = pe.IMAGE_REL_BASED_HIGHLOW
		}
		table.AddBaseReloc(s.location.RVA+uint32(r.Offset), typ)
	}
	data, err := table.Bytes()
	if err != nil {
		return nil, err
	}
	if len(data) == 0 {
		// an empty block keeps the section and its directory entry present
		data = make([]byte, 8)
		binary.LittleEndian.PutUint32(data[4:], 8)
	}
	b.logf("%s: %d base relocations, %d bytes", RelocSectionName, table.Len(), len(data))
	b.relocDirectory = pe.DataDirectory{VirtualAddress: location.RVA, Size: uint32(len(data))}
	return data, nil
}

func (b *Builder) serializeExports(location pe.Location) ([]byte, error) {
	exports := append([]exportSymbol(nil), b.exports...)
	sort.Slice(exports, func(i, j int) bool { return exports[i].name < exports[j].name })

	minOrdinal, maxOrdinal := exports[0].ordinal, exports[0].ordinal
	for _, e := range exports {
		minOrdinal = min(minOrdinal, e.ordinal)
		maxOrdinal = max(maxOrdinal, e.ordinal)
	}
	numFunctions := maxOrdinal - minOrdinal + 1
	numNames := uint32(len(exports))

	functions := make([]uint32, numFunctions)
	for _, e := range exports {
		rva, err := b.SymbolRVA(e.symbol)
		if err != nil {
			return nil, fmt.Errorf("export %s: %w", e.name, err)
		}
		if functions[e.ordinal-minOrdinal] != 0 {
			return nil, fmt.Errorf("%w: export ordinal %d", ErrDuplicateSymbol, e.ordinal)
		}
		functions[e.ordinal-minOrdinal] = rva
	}

	addressOfFunctions := location.RVA + pe.ExportDirectorySize
	addressOfNames := addressOfFunctions + 4*numFunctions
	addressOfOrdinals := addressOfNames + 4*numNames
	stringsRVA := addressOfOrdinals + 2*numNames

	var stringTable bytes.Buffer
	dllNameRVA := stringsRVA
	stringTable.WriteString(b.dllName)
	stringTable.WriteByte(0)
	names := make([]uint32, len(exports))
	for i, e := range exports {
		names[i] = stringsRVA + uint32(stringTable.Len())
		stringTable.WriteString(e.name)
		stringTable.WriteByte(0)
	}

	dir := pe.ExportDirectory{
		Name:                  dllNameRVA,
		Base:                  minOrdinal,
		NumberOfFunctions:     numFunctions,
		NumberOfNames:         numNames,
		AddressOfFunctions:    addressOfFunctions,
		AddressOfNames:        addressOfNames,
		AddressOfNameOrdinals: addressOfOrdinals,
	}
	var buf bytes.Buffer
	if err := struc.PackWithOptions(&buf, &dir, leOptions); err != nil {
		return nil, err
	}
	for _, rva := range functions {
		binary.Write(&buf, binary.LittleEndian, rva)
	}
	binary.Write(&buf, binary.LittleEndian, names)
	for _, e := range exports {
		binary.Write(&buf, binary.LittleEndian, uint16(e.ordinal-minOrdinal))
	}
	buf.Write(stringTable.Bytes())

	b.exportDirectory = pe.DataDirectory{VirtualAddress: location.RVA, Size: uint32(buf.Len())}
	return buf.Bytes(), nil
}

// UpdateDirectories fills the directory entries Builder is responsible for.
func (b *Builder) UpdateDirectories(dirs *pe.Directories) error {
	dirs.Set(pe.IMAGE_DIRECTORY_ENTRY_EXPORT, b.exportDirectory.VirtualAddress, b.exportDirectory.Size)
	dirs.Set(pe.IMAGE_DIRECTORY_ENTRY_BASERELOC, b.relocDirectory.VirtualAddress, b.relocDirectory.Size)

	for _, e := range []struct {
		index int
		entry *directoryEntry
	}{
		{pe.IMAGE_DIRECTORY_ENTRY_COM_DESCRIPTOR, b.corHeader},
		{pe.IMAGE_DIRECTORY_ENTRY_DEBUG, b.debugDirectory},
		{pe.IMAGE_DIRECTORY_ENTRY_RESOURCE, b.win32Resources},
	} {
		if e.entry == nil {
			continue
		}
		rva, err := b.SymbolRVA(e.entry.symbol)
		if err != nil {
			return fmt.Errorf("directory %d: %w", e.index, err)
		}
		dirs.Set(e.index, rva, uint32(e.entry.size))
	}
	return nil
}

// RelocateOutputFile applies every recorded relocation to image, which must
// hold the serialized sections at the locations passed to SerializeSection,
// and writes the result to w.
func (b *Builder) RelocateOutputFile(image []byte, imageBase uint64, w io.Writer) error {
	for _, r := range b.relocs {
		s := b.sections[r.section]
		if !s.placed {
			return fmt.Errorf("%w: %s", ErrNotPlaced, s.name)
		}
		pos := int(s.location.PointerToRawData) + r.Offset
		if pos+r.Type.Size() > len(image) {
			return fmt.Errorf("%w: relocation at file offset %#x past end of image", ErrBadObjectData, pos)
		}
		site := image[pos:]
		siteRVA := int64(s.location.RVA) + int64(r.Offset)

		switch r.Type {
		case RelocFilePos32:
			filePos, err := b.SymbolFilePosition(r.Target)
			if err != nil {
				return err
			}
			binary.LittleEndian.PutUint32(site, uint32(int64(filePos)+r.Delta))
		case RelocSymbolSize:
			t, ok := b.symbols[r.Target]
			if !ok {
				return fmt.Errorf("%w: %v", ErrUndefinedSymbol, r.Target)
			}
			binary.LittleEndian.PutUint32(site, uint32(int64(t.length)+r.Delta))
		default:
			rva, err := b.SymbolRVA(r.Target)
			if err != nil {
				return err
			}
			target := int64(rva) + r.Delta
			switch r.Type {
			case RelocDir64:
				binary.LittleEndian.PutUint64(site, imageBase+uint64(target))
			case RelocHighLow:
				binary.LittleEndian.PutUint32(site, uint32(imageBase+uint64(target)))
			case RelocAddr32NB:
				binary.LittleEndian.PutUint32(site, uint32(target))
			case RelocRel32:
				binary.LittleEndian.PutUint32(site, uint32(target-(siteRVA+4)))
			}
		}
	}
	b.logf("applied %d relocations", len(b.relocs))

	_, err := w.Write(image)
	return err
}

// AddSections reports every placed section to recorder.
func (b *Builder) AddSections(recorder OutputRecorder) {
	for i, s := range b.sections {
		if !s.placed {
			continue
		}
		recorder.AddSection(SectionInfo{
			Index:           i,
			Name:            s.name,
			Characteristics: s.characteristics,
			Alignment:       s.alignment,
			RVA:             s.location.RVA,
			FilePosition:    s.location.PointerToRawData,
			Length:          s.length,
		})
	}
}

func (b *Builder) logf(format string, args ...interface{}) {
	if b.Logger != nil {
		b.Logger.Printf(format, args...)
	}
}
