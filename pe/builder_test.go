package pe

import (
	"bytes"
	dpe "debug/pe"
	"testing"
)

type testSerializer struct {
	sections  []Section
	contents  map[string][]byte
	locations map[string]Location
	dirs      Directories
}

func (s *testSerializer) Sections() []Section { return s.sections }

func (s *testSerializer) SerializeSection(name string, location Location) ([]byte, error) {
	if s.locations == nil {
		s.locations = map[string]Location{}
	}
	s.locations[name] = location
	return s.contents[name], nil
}

func (s *testSerializer) Directories() (*Directories, error) { return &s.dirs, nil }

func newTestSerializer() *testSerializer {
	s := &testSerializer{
		sections: []Section{
			{Name: ".text", Characteristics: IMAGE_SCN_CNT_CODE | IMAGE_SCN_MEM_EXECUTE | IMAGE_SCN_MEM_READ},
			{Name: ".data", Characteristics: IMAGE_SCN_CNT_INITIALIZED_DATA | IMAGE_SCN_MEM_READ | IMAGE_SCN_MEM_WRITE},
		},
		contents: map[string][]byte{
			".text": bytes.Repeat([]byte{0xcc}, 0x300),
			".data": {1, 2, 3, 4, 5, 6, 7, 8},
		},
	}
	s.dirs.Set(IMAGE_DIRECTORY_ENTRY_EXCEPTION, 0x1234, 0x18)
	return s
}

func TestBuilderSerializePE32Plus(t *testing.T) {
	h, err := DefaultHeader(IMAGE_SUBSYSTEM_WINDOWS_CUI, Target{Arch: ArchX64, OS: OSWindows}, 0)
	if err != nil {
		t.Fatalf("header: %v", err)
	}
	s := newTestSerializer()
	out, err := NewBuilder(h, SHA256ContentID).Serialize(s)
	if err != nil {
		t.Fatalf("serialize: %v", err)
	}

	// headers fit in one 4K file alignment unit on Windows
	if got := s.locations[".text"]; got.PointerToRawData != 0x1000 || got.RVA != 0x1000 {
		t.Fatalf(".text proposed at %+v", got)
	}
	if got := s.locations[".data"]; got.PointerToRawData != 0x2000 || got.RVA != 0x2000 {
		t.Fatalf(".data proposed at %+v", got)
	}

	img, err := ReadImage(bytes.NewReader(out))
	if err != nil {
		t.Fatalf("read back: %v", err)
	}
	if !img.Is64Bit() || img.FileHeader.NumberOfSections != 2 {
		t.Fatalf("unexpected file header %+v", img.FileHeader)
	}
	if img.SizeOfImage() != 0x3000 {
		t.Fatalf("SizeOfImage = %#x, want 0x3000", img.SizeOfImage())
	}
	if d := img.Directories[IMAGE_DIRECTORY_ENTRY_EXCEPTION]; d.VirtualAddress != 0x1234 || d.Size != 0x18 {
		t.Fatalf("exception directory %+v", d)
	}
	text := img.Section(".text")
	if text == nil || text.VirtualSize != 0x300 || text.SizeOfRawData != 0x1000 {
		t.Fatalf(".text header %+v", text)
	}
	if img.OptionalHeader64.SizeOfCode != 0x1000 || img.OptionalHeader64.BaseOfCode != 0x1000 {
		t.Fatalf("code fields %+v", img.OptionalHeader64)
	}
	if len(out) != 0x3000 {
		t.Fatalf("image length %#x, want 0x3000", len(out))
	}

	// the standard library reader agrees on the layout
	f, err := dpe.NewFile(bytes.NewReader(out))
	if err != nil {
		t.Fatalf("debug/pe: %v", err)
	}
	data, err := f.Section(".data").Data()
	if err != nil {
		t.Fatalf("debug/pe data: %v", err)
	}
	if !bytes.Equal(data[:8], s.contents[".data"]) {
		t.Fatalf(".data contents % x", data[:8])
	}
}

func TestBuilderSerializePE32(t *testing.T) {
	h, err := DefaultHeader(IMAGE_SUBSYSTEM_WINDOWS_CUI, Target{Arch: ArchX86, OS: OSWindows}, 0)
	if err != nil {
		t.Fatalf("header: %v", err)
	}
	out, err := NewBuilder(h, SHA256ContentID).Serialize(newTestSerializer())
	if err != nil {
		t.Fatalf("serialize: %v", err)
	}
	img, err := ReadImage(bytes.NewReader(out))
	if err != nil {
		t.Fatalf("read back: %v", err)
	}
	if img.Is64Bit() || img.OptionalHeader32.BaseOfData != 0x2000 {
		t.Fatalf("unexpected PE32 header %+v", img.OptionalHeader32)
	}
	if img.FileHeader.SizeOfOptionalHeader != OptionalHeader32Size {
		t.Fatalf("SizeOfOptionalHeader = %d", img.FileHeader.SizeOfOptionalHeader)
	}
}

func TestBuilderDeterministicStamp(t *testing.T) {
	h, err := DefaultHeader(IMAGE_SUBSYSTEM_WINDOWS_CUI, Target{Arch: ArchARM64, OS: OSLinux}, 0)
	if err != nil {
		t.Fatalf("header: %v", err)
	}
	first, err := NewBuilder(h, SHA256ContentID).Serialize(newTestSerializer())
	if err != nil {
		t.Fatalf("serialize: %v", err)
	}
	second, err := NewBuilder(h, SHA256ContentID).Serialize(newTestSerializer())
	if err != nil {
		t.Fatalf("serialize: %v", err)
	}
	if !bytes.Equal(first, second) {
		t.Fatalf("deterministic builds differ")
	}

	s := newTestSerializer()
	s.contents[".data"] = []byte{8, 7, 6, 5, 4, 3, 2, 1}
	third, err := NewBuilder(h, SHA256ContentID).Serialize(s)
	if err != nil {
		t.Fatalf("serialize: %v", err)
	}
	img1, _ := ReadImage(bytes.NewReader(first))
	img3, _ := ReadImage(bytes.NewReader(third))
	if img1.FileHeader.TimeDateStamp == img3.FileHeader.TimeDateStamp {
		t.Fatalf("content change did not change the stamp")
	}
	if img1.FileHeader.TimeDateStamp&0x80000000 == 0 {
		t.Fatalf("stamp %#x missing high bit", img1.FileHeader.TimeDateStamp)
	}
}
