package assembler

import (
	"bytes"
	dpe "debug/pe"
	"encoding/binary"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/Binject/peasm/pe"
	"github.com/Binject/peasm/sections"
)

var (
	linuxX64   = pe.Target{Arch: pe.ArchX64, OS: pe.OSLinux}
	windowsX64 = pe.Target{Arch: pe.ArchX64, OS: pe.OSWindows}
)

type runtimeFunctions struct {
	symbol *sections.Symbol
	size   int
}

func (r runtimeFunctions) Symbol() *sections.Symbol        { return r.symbol }
func (r runtimeFunctions) TableSizeExcludingSentinel() int { return r.size }

type testInput struct {
	code, counter *sections.Symbol
}

// addTestObjects adds a 16 byte code blob referencing an 8 byte writable
// blob.
func addTestObjects(t *testing.T, a *Assembler, withData bool) testInput {
	in := testInput{code: sections.NewSymbol("code"), counter: sections.NewSymbol("counter")}
	code := sections.ObjectData{
		Data:           bytes.Repeat([]byte{0x90}, 16),
		Alignment:      16,
		DefinedSymbols: []sections.SymbolDefinition{{Symbol: in.code}},
	}
	if withData {
		code.Relocs = []sections.Reloc{{Offset: 0, Type: sections.RelocDir64, Target: in.counter}}
	}
	if err := a.AddObjectData(code, Executable, "code", nil); err != nil {
		t.Fatalf("add code: %v", err)
	}
	if withData {
		data := sections.ObjectData{
			Data:           []byte{1, 2, 3, 4, 5, 6, 7, 8},
			Alignment:      8,
			DefinedSymbols: []sections.SymbolDefinition{{Symbol: in.counter}},
		}
		if err := a.AddObjectData(data, Writable, "counter", nil); err != nil {
			t.Fatalf("add data: %v", err)
		}
	}
	return in
}

// writeImage writes a to a temporary file and returns the file contents.
func writeImage(t *testing.T, a *Assembler, stamp *uint32) []byte {
	path := filepath.Join(t.TempDir(), "out.dll")
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := a.Write(f, stamp); err != nil {
		f.Close()
		t.Fatalf("write: %v", err)
	}
	if err := f.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read back: %v", err)
	}
	return data
}

func readImage(t *testing.T, data []byte) *pe.Image {
	img, err := pe.ReadImage(bytes.NewReader(data))
	if err != nil {
		t.Fatalf("reparse: %v", err)
	}
	return img
}

func placedSections(a *Assembler) []Placement {
	var out []Placement
	for _, p := range a.Layout() {
		if p.Placed {
			out = append(out, p)
		}
	}
	return out
}

func checkDisjoint(t *testing.T, placed []Placement) {
	for i := 1; i < len(placed); i++ {
		prev, cur := placed[i-1], placed[i]
		if cur.RVA < prev.RVA+prev.RawSize {
			t.Errorf("%s [%#x, %#x) overlaps %s at %#x", prev.Name, prev.RVA, prev.RVA+prev.RawSize, cur.Name, cur.RVA)
		}
	}
}

// checkHeaders compares every section header with the layout table.
func checkHeaders(t *testing.T, img *pe.Image, placed []Placement) {
	if len(img.Sections) != len(placed) {
		t.Fatalf("NumberOfSections = %d, want %d", len(img.Sections), len(placed))
	}
	for i, p := range placed {
		sh := img.Sections[i]
		if sh.NameString() != p.Name || sh.VirtualAddress != p.RVA || sh.PointerToRawData != p.PointerToRawData {
			t.Errorf("section header %d = %s rva %#x file %#x, want %s rva %#x file %#x",
				i, sh.NameString(), sh.VirtualAddress, sh.PointerToRawData, p.Name, p.RVA, p.PointerToRawData)
		}
	}
}

func TestLinuxLowBitLayout(t *testing.T) {
	a, err := New(linuxX64, nil, Options{})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	addTestObjects(t, a, true)
	data := writeImage(t, a, nil)
	img := readImage(t, data)

	placed := placedSections(a)
	want := []Placement{
		{Name: ".text", RVA: 0x10200, PointerToRawData: 0x200, RawSize: 16, Placed: true, headerIndex: 0},
		{Name: ".data", RVA: 0x30400, PointerToRawData: 0x400, RawSize: 8, Placed: true, headerIndex: 1},
		{Name: ".reloc", RVA: 0x50600, PointerToRawData: 0x600, RawSize: 12, Placed: true, headerIndex: 2},
	}
	if len(placed) != len(want) {
		t.Fatalf("placed %d sections, want %d", len(placed), len(want))
	}
	for i := range want {
		if placed[i] != want[i] {
			t.Errorf("placement %d = %+v, want %+v", i, placed[i], want[i])
		}
		if placed[i].RVA%0x10000 != placed[i].PointerToRawData%0x10000 {
			t.Errorf("%s: low bits of rva %#x and file offset %#x differ", placed[i].Name, placed[i].RVA, placed[i].PointerToRawData)
		}
	}
	checkDisjoint(t, placed)
	checkHeaders(t, img, placed)

	if got := img.SizeOfImage(); got != 0x50800 {
		t.Errorf("SizeOfImage = %#x, want 0x50800", got)
	}
	if got := img.FileHeader.Machine; got != 0x8664^0x7b79 {
		t.Errorf("Machine = %#x, want %#x", got, 0x8664^0x7b79)
	}
	if target, ok := pe.SplitMachine(img.FileHeader.Machine); !ok || target != linuxX64 {
		t.Errorf("SplitMachine = %v, %v", target, ok)
	}

	// the code blob holds the VA of the data blob at its placed RVA
	va := binary.LittleEndian.Uint64(data[0x200:])
	if va != pe.DefaultImageBase64+0x30400 {
		t.Errorf("relocated pointer = %#x", va)
	}
	reloc := img.Directories[pe.IMAGE_DIRECTORY_ENTRY_BASERELOC]
	if reloc.VirtualAddress != 0x50600 || reloc.Size != 12 {
		t.Errorf("basereloc directory = %+v", reloc)
	}
}

func TestCustomSectionAlignment(t *testing.T) {
	const alignment = 0x10000
	a, err := New(linuxX64, nil, Options{CustomSectionAlignment: alignment})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	addTestObjects(t, a, true)
	data := writeImage(t, a, nil)
	img := readImage(t, data)

	placed := placedSections(a)
	if len(placed) != 3 {
		t.Fatalf("placed %d sections, want 3", len(placed))
	}
	for i, p := range placed {
		if p.RVA%alignment != 0 || p.PointerToRawData%alignment != 0 || p.RawSize%alignment != 0 {
			t.Errorf("%s not aligned: %+v", p.Name, p)
		}
		if p.RVA != uint32(i+1)*alignment || p.PointerToRawData != p.RVA {
			t.Errorf("%s at rva %#x file %#x", p.Name, p.RVA, p.PointerToRawData)
		}
		sh := img.Sections[i]
		if sh.VirtualSize != p.RawSize || sh.SizeOfRawData != p.RawSize {
			t.Errorf("%s: VirtualSize %#x SizeOfRawData %#x, want %#x", p.Name, sh.VirtualSize, sh.SizeOfRawData, p.RawSize)
		}
	}
	checkDisjoint(t, placed)
	checkHeaders(t, img, placed)

	if got := img.SectionAlignment(); got != alignment {
		t.Errorf("SectionAlignment = %#x, want %#x", got, alignment)
	}
	if got := img.SizeOfImage(); got != 4*alignment {
		t.Errorf("SizeOfImage = %#x, want %#x", got, 4*alignment)
	}
	if len(data) != 4*alignment {
		t.Errorf("file size = %#x, want %#x", len(data), 4*alignment)
	}
	// the first 8 bytes are the relocated pointer to counter
	if got, want := binary.LittleEndian.Uint64(data[alignment:]), pe.DefaultImageBase64+uint64(placed[1].RVA); got != want {
		t.Errorf("code pointer at its aligned file offset = %#x, want %#x", got, want)
	}
	if !bytes.Equal(data[alignment+8:alignment+16], bytes.Repeat([]byte{0x90}, 8)) {
		t.Errorf("code not at its aligned file offset: % x", data[alignment:alignment+16])
	}
}

func TestCustomAlignmentBelowLowBitGranule(t *testing.T) {
	const alignment = 0x1000
	a, err := New(linuxX64, nil, Options{CustomSectionAlignment: alignment})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	addTestObjects(t, a, true)
	img := readImage(t, writeImage(t, a, nil))

	placed := placedSections(a)
	for _, p := range placed {
		if p.RVA%alignment != 0 || p.PointerToRawData%alignment != 0 || p.RawSize%alignment != 0 {
			t.Errorf("%s not aligned: %+v", p.Name, p)
		}
		if p.RVA%0x10000 != p.PointerToRawData%0x10000 {
			t.Errorf("%s: low bits of rva %#x and file offset %#x differ", p.Name, p.RVA, p.PointerToRawData)
		}
	}
	checkDisjoint(t, placed)
	checkHeaders(t, img, placed)
}

func TestWindowsLayout(t *testing.T) {
	a, err := New(windowsX64, nil, Options{})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	addTestObjects(t, a, true)
	data := writeImage(t, a, nil)

	f, err := dpe.NewFile(bytes.NewReader(data))
	if err != nil {
		t.Fatalf("debug/pe: %v", err)
	}
	if f.FileHeader.Machine != dpe.IMAGE_FILE_MACHINE_AMD64 {
		t.Errorf("Machine = %#x", f.FileHeader.Machine)
	}
	var names []string
	for i, s := range f.Sections {
		names = append(names, s.Name)
		if want := uint32(0x1000 * (i + 1)); s.VirtualAddress != want || s.Offset != want {
			t.Errorf("%s at rva %#x file %#x, want %#x", s.Name, s.VirtualAddress, s.Offset, want)
		}
	}
	if len(names) != 3 || names[0] != ".text" || names[1] != ".data" || names[2] != ".reloc" {
		t.Fatalf("sections = %v", names)
	}
	opt, ok := f.OptionalHeader.(*dpe.OptionalHeader64)
	if !ok {
		t.Fatalf("optional header is %T", f.OptionalHeader)
	}
	if opt.SizeOfImage != 0x4000 {
		t.Errorf("SizeOfImage = %#x, want 0x4000", opt.SizeOfImage)
	}
	if d := opt.DataDirectory[dpe.IMAGE_DIRECTORY_ENTRY_EXCEPTION]; d.Size != 0 {
		t.Errorf("unexpected exception directory %+v", d)
	}
	checkDisjoint(t, placedSections(a))
}

func TestEmptyDataSectionIsDropped(t *testing.T) {
	a, err := New(linuxX64, nil, Options{})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	addTestObjects(t, a, false)
	img := readImage(t, writeImage(t, a, nil))

	placed := placedSections(a)
	if len(placed) != 2 || placed[0].Name != ".text" || placed[1].Name != ".reloc" {
		t.Fatalf("placed = %+v", placed)
	}
	// .reloc is the second header even though it is the third layout entry
	checkHeaders(t, img, placed)
	if got, want := img.SizeOfImage(), pe.AlignUp(placed[1].RVA+placed[1].RawSize, 0x200); got != want {
		t.Errorf("SizeOfImage = %#x, want %#x", got, want)
	}
}

func TestExportSection(t *testing.T) {
	header := sections.NewSymbol("header")
	a, err := New(windowsX64, nil, Options{ExportSymbol: header, OutputFileSimpleName: "app.dll"})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	err = a.AddObjectData(sections.ObjectData{
		Data:           make([]byte, 32),
		DefinedSymbols: []sections.SymbolDefinition{{Symbol: header}},
	}, ReadOnly, "header", nil)
	if err != nil {
		t.Fatalf("add: %v", err)
	}
	img := readImage(t, writeImage(t, a, nil))

	placed := placedSections(a)
	if len(placed) != 3 || placed[1].Name != ExportDataSectionName {
		t.Fatalf("placed = %+v", placed)
	}
	d := img.Directories[pe.IMAGE_DIRECTORY_ENTRY_EXPORT]
	if d.VirtualAddress != placed[1].RVA || d.Size == 0 {
		t.Errorf("export directory = %+v", d)
	}
}

func TestExceptionDirectory(t *testing.T) {
	for _, size := range []int{0, 24} {
		table := sections.NewSymbol("runtime_functions")
		a, err := New(windowsX64, nil, Options{
			RuntimeFunctionsTable: func() RuntimeFunctionsTable { return runtimeFunctions{table, size} },
		})
		if err != nil {
			t.Fatalf("new: %v", err)
		}
		addTestObjects(t, a, true)
		err = a.AddObjectData(sections.ObjectData{
			Data:           make([]byte, 36),
			Alignment:      4,
			DefinedSymbols: []sections.SymbolDefinition{{Symbol: table}},
		}, ReadOnly, "runtime_functions", nil)
		if err != nil {
			t.Fatalf("add table: %v", err)
		}
		img := readImage(t, writeImage(t, a, nil))

		d := img.Directories[pe.IMAGE_DIRECTORY_ENTRY_EXCEPTION]
		if size == 0 {
			if d.Size != 0 || d.VirtualAddress != 0 {
				t.Errorf("empty table produced exception directory %+v", d)
			}
			continue
		}
		// 16 bytes of code, then the table at offset 16
		if d.VirtualAddress != 0x1010 || d.Size != 24 {
			t.Errorf("exception directory = %+v", d)
		}
	}
}

func TestWriteClosesAssembler(t *testing.T) {
	a, err := New(linuxX64, nil, Options{})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	addTestObjects(t, a, true)
	writeImage(t, a, nil)

	for _, typ := range []SectionType{ReadOnly, Executable, Writable, SectionType(7)} {
		err := a.AddObjectData(sections.ObjectData{Data: []byte{0}}, typ, "late", nil)
		if !errors.Is(err, ErrWritten) {
			t.Errorf("AddObjectData(%v) after Write = %v, want ErrWritten", typ, err)
		}
	}
	f, err := os.Create(filepath.Join(t.TempDir(), "again.dll"))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	defer f.Close()
	if err := a.Write(f, nil); !errors.Is(err, ErrWritten) {
		t.Errorf("second Write = %v, want ErrWritten", err)
	}
}

func TestUnknownSectionType(t *testing.T) {
	a, err := New(linuxX64, nil, Options{})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if err := a.AddObjectData(sections.ObjectData{Data: []byte{0}}, SectionType(42), "x", nil); !errors.Is(err, ErrUnknownSectionType) {
		t.Fatalf("got %v, want ErrUnknownSectionType", err)
	}
	if _, err := ParseSectionType("bss"); !errors.Is(err, ErrUnknownSectionType) {
		t.Fatalf("ParseSectionType: %v", err)
	}
	if typ, err := ParseSectionType("writable"); err != nil || typ != Writable {
		t.Fatalf("ParseSectionType(writable) = %v, %v", typ, err)
	}
}

func TestBadAlignment(t *testing.T) {
	if _, err := New(linuxX64, nil, Options{CustomSectionAlignment: 3000}); !errors.Is(err, ErrBadAlignment) {
		t.Fatalf("custom alignment 3000: %v", err)
	}
	if _, err := New(linuxX64, nil, Options{RVABitsToMatchFilePos: 40}); !errors.Is(err, ErrBadAlignment) {
		t.Fatalf("40 rva bits: %v", err)
	}
}

func TestDeterministicOutput(t *testing.T) {
	stamp := uint32(0x5f000000)
	build := func() []byte {
		a, err := New(linuxX64, nil, Options{DeterministicIDProvider: pe.SHA256ContentID})
		if err != nil {
			t.Fatalf("new: %v", err)
		}
		addTestObjects(t, a, true)
		return writeImage(t, a, &stamp)
	}
	first, second := build(), build()
	if !bytes.Equal(first, second) {
		t.Fatalf("two builds differ")
	}
	if got := readImage(t, first).FileHeader.TimeDateStamp; got != stamp {
		t.Fatalf("TimeDateStamp = %#x, want %#x", got, stamp)
	}
}

func TestPE32Linux(t *testing.T) {
	target := pe.Target{Arch: pe.ArchX86, OS: pe.OSLinux}
	a, err := New(target, nil, Options{})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	in := addTestObjects(t, a, false)
	err = a.AddObjectData(sections.ObjectData{
		Data:   make([]byte, 4),
		Relocs: []sections.Reloc{{Type: sections.RelocHighLow, Target: in.code}},
	}, Writable, "code_ptr", nil)
	if err != nil {
		t.Fatalf("add: %v", err)
	}
	img := readImage(t, writeImage(t, a, nil))
	if img.Is64Bit() {
		t.Fatalf("x86 image has a PE32+ header")
	}
	placed := placedSections(a)
	for _, p := range placed {
		if p.RVA%0x10000 != p.PointerToRawData%0x10000 {
			t.Errorf("%s: low bits of rva %#x and file offset %#x differ", p.Name, p.RVA, p.PointerToRawData)
		}
	}
	checkHeaders(t, img, placed)
	if target, ok := pe.SplitMachine(img.FileHeader.Machine); !ok || target.Arch != pe.ArchX86 || target.OS != pe.OSLinux {
		t.Errorf("SplitMachine = %v, %v", target, ok)
	}
}
