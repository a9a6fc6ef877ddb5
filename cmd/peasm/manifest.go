package main

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/Binject/peasm/assembler"
	"github.com/Binject/peasm/pe"
	"github.com/Binject/peasm/sections"
)

// manifest describes the inputs of one image.
type manifest struct {
	OS        string `json:"os"`
	Arch      string `json:"arch"`
	Subsystem uint16 `json:"subsystem"`
	ImageBase uint64 `json:"imageBase"`

	ExportSymbol string `json:"exportSymbol"`
	OutputName   string `json:"outputName"`

	CustomSectionAlignment uint32 `json:"customSectionAlignment"`
	RVABitsToMatchFilePos  int    `json:"rvaBitsToMatchFilePos"`
	Deterministic          bool   `json:"deterministic"`

	Objects []object     `json:"objects"`
	Ranges  []rangeEntry `json:"ranges"`

	CorHeader        *directoryEntry `json:"corHeader"`
	DebugDirectory   *directoryEntry `json:"debugDirectory"`
	Win32Resources   *directoryEntry `json:"win32Resources"`
	RuntimeFunctions *directoryEntry `json:"runtimeFunctions"`
}

type object struct {
	Name      string `json:"name"`
	Type      string `json:"type"`
	File      string `json:"file"`
	Hex       string `json:"hex"`
	Size      int    `json:"size"`
	Alignment int    `json:"alignment"`

	Symbols []symbolEntry `json:"symbols"`
	Relocs  []relocEntry  `json:"relocs"`
}

type symbolEntry struct {
	Name   string `json:"name"`
	Offset int    `json:"offset"`
}

type relocEntry struct {
	Offset int    `json:"offset"`
	Type   string `json:"type"`
	Target string `json:"target"`
	Delta  int64  `json:"delta"`
}

type rangeEntry struct {
	Name   string `json:"name"`
	First  string `json:"first"`
	Second string `json:"second"`
}

type directoryEntry struct {
	Symbol string `json:"symbol"`
	Size   int    `json:"size"`
}

func readManifest(path string) (*manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	m := &manifest{}
	if err := json.Unmarshal(data, m); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return m, nil
}

// symbolTable hands out one sections.Symbol per name.
type symbolTable map[string]*sections.Symbol

func (t symbolTable) get(name string) *sections.Symbol {
	if name == "" {
		return nil
	}
	s, ok := t[name]
	if !ok {
		s = sections.NewSymbol(name)
		t[name] = s
	}
	return s
}

type runtimeFunctionsTable struct {
	symbol *sections.Symbol
	size   int
}

func (r runtimeFunctionsTable) Symbol() *sections.Symbol        { return r.symbol }
func (r runtimeFunctionsTable) TableSizeExcludingSentinel() int { return r.size }

// objectData loads the contents of o, relative to dir.
func (o *object) objectData(dir string, symbols symbolTable) (sections.ObjectData, error) {
	var data []byte
	var err error
	switch {
	case o.File != "":
		path := o.File
		if !filepath.IsAbs(path) {
			path = filepath.Join(dir, path)
		}
		data, err = os.ReadFile(path)
	case o.Hex != "":
		data, err = hex.DecodeString(o.Hex)
	default:
		data = make([]byte, o.Size)
	}
	if err != nil {
		return sections.ObjectData{}, fmt.Errorf("object %s: %w", o.Name, err)
	}

	od := sections.ObjectData{Data: data, Alignment: o.Alignment}
	for _, s := range o.Symbols {
		od.DefinedSymbols = append(od.DefinedSymbols, sections.SymbolDefinition{Symbol: symbols.get(s.Name), Offset: s.Offset})
	}
	for _, r := range o.Relocs {
		typ, err := sections.ParseRelocType(r.Type)
		if err != nil {
			return od, fmt.Errorf("object %s: %w", o.Name, err)
		}
		od.Relocs = append(od.Relocs, sections.Reloc{Offset: r.Offset, Type: typ, Target: symbols.get(r.Target), Delta: r.Delta})
	}
	return od, nil
}

// newAssembler creates the assembler described by m and feeds it every
// object. recorder may be nil.
func (m *manifest) newAssembler(dir string, cfg buildConfig, recorder sections.OutputRecorder) (*assembler.Assembler, error) {
	target, err := pe.ParseTarget(m.OS, m.Arch)
	if err != nil {
		return nil, err
	}
	subsystem := m.Subsystem
	if subsystem == 0 {
		subsystem = pe.IMAGE_SUBSYSTEM_WINDOWS_CUI
	}
	header, err := pe.DefaultHeader(subsystem, target, m.ImageBase)
	if err != nil {
		return nil, err
	}

	symbols := symbolTable{}
	opts := assembler.Options{
		ExportSymbol:           symbols.get(m.ExportSymbol),
		OutputFileSimpleName:   m.OutputName,
		CustomSectionAlignment: m.customSectionAlignment(cfg),
		RVABitsToMatchFilePos:  m.RVABitsToMatchFilePos,
		Logger:                 cfg.logger,
	}
	if m.Deterministic {
		opts.DeterministicIDProvider = pe.SHA256ContentID
	}
	if rf := m.RuntimeFunctions; rf != nil {
		table := runtimeFunctionsTable{symbol: symbols.get(rf.Symbol), size: rf.Size}
		opts.RuntimeFunctionsTable = func() assembler.RuntimeFunctionsTable { return table }
	}

	a, err := assembler.New(target, header, opts)
	if err != nil {
		return nil, err
	}
	for i := range m.Objects {
		o := &m.Objects[i]
		typ, err := assembler.ParseSectionType(o.Type)
		if err != nil {
			return nil, fmt.Errorf("object %s: %w", o.Name, err)
		}
		od, err := o.objectData(dir, symbols)
		if err != nil {
			return nil, err
		}
		if err := a.AddObjectData(od, typ, o.Name, recorder); err != nil {
			return nil, err
		}
	}
	for _, r := range m.Ranges {
		if err := a.AddSymbolForRange(symbols.get(r.Name), symbols.get(r.First), symbols.get(r.Second)); err != nil {
			return nil, fmt.Errorf("range %s: %w", r.Name, err)
		}
	}
	if d := m.CorHeader; d != nil {
		a.SetCorHeader(symbols.get(d.Symbol), d.Size)
	}
	if d := m.DebugDirectory; d != nil {
		a.SetDebugDirectory(symbols.get(d.Symbol), d.Size)
	}
	if d := m.Win32Resources; d != nil {
		a.SetWin32Resources(symbols.get(d.Symbol), d.Size)
	}
	return a, nil
}
