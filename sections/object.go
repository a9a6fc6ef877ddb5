package sections

import "fmt"

// Symbol is a handle for a location inside a section. Symbols are compared by
// identity; Name is only used in diagnostics and export tables.
type Symbol struct {
	Name string
}

func NewSymbol(name string) *Symbol {
	return &Symbol{Name: name}
}

func (s *Symbol) String() string {
	if s == nil {
		return "<nil>"
	}
	return s.Name
}

type RelocType uint8

const (
	// RelocDir64 is a 64-bit virtual address. It is rebased by the loader.
	RelocDir64 RelocType = iota + 1
	// RelocHighLow is a 32-bit virtual address. It is rebased by the loader.
	RelocHighLow
	// RelocAddr32NB is a 32-bit RVA.
	RelocAddr32NB
	// RelocRel32 is a 32-bit displacement from the end of the field.
	RelocRel32
	// RelocFilePos32 is the 32-bit file offset of the target.
	RelocFilePos32
	// RelocSymbolSize is the length of a range symbol.
	RelocSymbolSize
)

var relocNames = map[RelocType]string{
	RelocDir64:      "dir64",
	RelocHighLow:    "highlow",
	RelocAddr32NB:   "addr32nb",
	RelocRel32:      "rel32",
	RelocFilePos32:  "filepos32",
	RelocSymbolSize: "symbolsize",
}

func (t RelocType) String() string {
	if s, ok := relocNames[t]; ok {
		return s
	}
	return fmt.Sprintf("RelocType(%d)", uint8(t))
}

// ParseRelocType accepts the names printed by RelocType.String.
func ParseRelocType(name string) (RelocType, error) {
	for t, s := range relocNames {
		if s == name {
			return t, nil
		}
	}
	return 0, fmt.Errorf("sections: unknown relocation type %q", name)
}

// Size is the width of the relocated field in bytes.
func (t RelocType) Size() int {
	if t == RelocDir64 {
		return 8
	}
	return 4
}

func (t RelocType) needsBaseReloc() bool {
	return t == RelocDir64 || t == RelocHighLow
}

// Reloc is a reference from an object data blob to a symbol.
type Reloc struct {
	Offset int
	Type   RelocType
	Target *Symbol
	Delta  int64
}

// SymbolDefinition places a symbol at an offset inside its blob.
type SymbolDefinition struct {
	Symbol *Symbol
	Offset int
}

// ObjectData is one compiled blob ready to be placed in a section.
type ObjectData struct {
	Data           []byte
	Alignment      int
	Relocs         []Reloc
	DefinedSymbols []SymbolDefinition
}

// NodeInfo describes a placed blob.
type NodeInfo struct {
	Name         string
	SectionIndex int
	Offset       int
	Length       int
}

// SectionInfo describes a placed section.
type SectionInfo struct {
	Index           int
	Name            string
	Characteristics uint32
	Alignment       int
	RVA             uint32
	FilePosition    uint32
	Length          int
}

// OutputRecorder receives placement information, e.g. for a map file.
type OutputRecorder interface {
	AddNode(node NodeInfo)
	AddSection(section SectionInfo)
}
