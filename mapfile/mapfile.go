// Package mapfile records where object data ended up in an image and prints
// it as a text map.
package mapfile

import (
	"fmt"
	"io"
	"sort"
	"text/tabwriter"

	"github.com/Binject/peasm/pe"
	"github.com/Binject/peasm/sections"
)

// Recorder implements sections.OutputRecorder.
type Recorder struct {
	Nodes    []sections.NodeInfo
	Sections []sections.SectionInfo
}

func (r *Recorder) AddNode(node sections.NodeInfo) {
	r.Nodes = append(r.Nodes, node)
}

func (r *Recorder) AddSection(section sections.SectionInfo) {
	r.Sections = append(r.Sections, section)
}

// Symbol is a node resolved against its placed section.
type Symbol struct {
	Name         string
	Section      string
	RVA          uint32
	FilePosition uint32
	Length       int
}

// Resolve returns the nodes in address order. Nodes whose section was never
// placed are skipped.
func (r *Recorder) Resolve() []Symbol {
	bySection := make(map[int]sections.SectionInfo, len(r.Sections))
	for _, s := range r.Sections {
		bySection[s.Index] = s
	}
	var out []Symbol
	for _, n := range r.Nodes {
		s, ok := bySection[n.SectionIndex]
		if !ok {
			continue
		}
		out = append(out, Symbol{
			Name:         n.Name,
			Section:      s.Name,
			RVA:          s.RVA + uint32(n.Offset),
			FilePosition: s.FilePosition + uint32(n.Offset),
			Length:       n.Length,
		})
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].RVA < out[j].RVA })
	return out
}

// WriteTo prints the section table followed by every node.
func (r *Recorder) WriteTo(w io.Writer) (int64, error) {
	cw := &countingWriter{w: w}
	tw := tabwriter.NewWriter(cw, 0, 8, 2, ' ', 0)

	fmt.Fprintln(tw, "SECTION\tRVA\tFILE\tLENGTH\tALIGN\tFLAGS")
	for _, s := range r.Sections {
		fmt.Fprintf(tw, "%s\t%#08x\t%#08x\t%#x\t%d\t%s\n",
			s.Name, s.RVA, s.FilePosition, s.Length, s.Alignment, characteristics(s.Characteristics))
	}
	fmt.Fprintln(tw)
	fmt.Fprintln(tw, "NODE\tSECTION\tRVA\tFILE\tLENGTH")
	for _, sym := range r.Resolve() {
		fmt.Fprintf(tw, "%s\t%s\t%#08x\t%#08x\t%#x\n", sym.Name, sym.Section, sym.RVA, sym.FilePosition, sym.Length)
	}
	if err := tw.Flush(); err != nil {
		return cw.n, err
	}
	return cw.n, cw.err
}

func characteristics(c uint32) string {
	flags := []byte("----")
	if c&pe.IMAGE_SCN_MEM_READ != 0 {
		flags[0] = 'r'
	}
	if c&pe.IMAGE_SCN_MEM_WRITE != 0 {
		flags[1] = 'w'
	}
	if c&pe.IMAGE_SCN_MEM_EXECUTE != 0 {
		flags[2] = 'x'
	}
	if c&pe.IMAGE_SCN_MEM_DISCARDABLE != 0 {
		flags[3] = 'd'
	}
	return string(flags)
}

type countingWriter struct {
	w   io.Writer
	n   int64
	err error
}

func (c *countingWriter) Write(p []byte) (int, error) {
	if c.err != nil {
		return 0, c.err
	}
	n, err := c.w.Write(p)
	c.n += int64(n)
	c.err = err
	return n, err
}
