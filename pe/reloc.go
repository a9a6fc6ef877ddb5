package pe

import (
	"bytes"
	"sort"

	"github.com/lunixbochs/struc"
)

// BaseRelocationTable collects base relocations grouped into 4K page blocks.
type BaseRelocationTable struct {
	entries []RelocationTableEntry
}

// AddBaseReloc adds a single base relocation to the block for the containing page.
func (t *BaseRelocationTable) AddBaseReloc(rva uint32, typ byte) {
	page := rva &^ 0x0fff
	item := BlockItem{Type: typ, Offset: uint16(rva & 0x0fff)}

	for i := range t.entries {
		if t.entries[i].VirtualAddress == page {
			t.entries[i].BlockItems = append(t.entries[i].BlockItems, item)
			return
		}
	}
	t.entries = append(t.entries, RelocationTableEntry{
		RelocationBlock: RelocationBlock{VirtualAddress: page},
		BlockItems:      []BlockItem{item},
	})
}

func (t *BaseRelocationTable) Len() int {
	n := 0
	for _, e := range t.entries {
		n += len(e.BlockItems)
	}
	return n
}

// Entries returns the blocks sorted by page, items sorted by offset.
func (t *BaseRelocationTable) Entries() []RelocationTableEntry {
	sort.Slice(t.entries, func(i, j int) bool {
		return t.entries[i].VirtualAddress < t.entries[j].VirtualAddress
	})
	for _, e := range t.entries {
		items := e.BlockItems
		sort.SliceStable(items, func(i, j int) bool { return items[i].Offset < items[j].Offset })
	}
	return t.entries
}

// Bytes encodes the table in the IMAGE_BASE_RELOCATION format. Blocks with
// an odd item count are padded with an ABSOLUTE entry to keep the next
// block 4-byte aligned.
func (t *BaseRelocationTable) Bytes() ([]byte, error) {
	var buf bytes.Buffer
	for _, entry := range t.Entries() {
		items := entry.BlockItems
		if len(items)%2 != 0 {
			items = append(items, BlockItem{Type: IMAGE_REL_BASED_ABSOLUTE})
		}
		block := RelocationBlock{
			VirtualAddress: entry.VirtualAddress,
			SizeOfBlock:    uint32(8 + len(items)*2),
		}
		if err := struc.PackWithOptions(&buf, &block, structOptions); err != nil {
			return nil, err
		}
		for _, item := range items {
			val := (uint16(item.Type) << 12) | (item.Offset & 0x0fff)
			buf.WriteByte(byte(val))
			buf.WriteByte(byte(val >> 8))
		}
	}
	return buf.Bytes(), nil
}

// ParseBaseRelocations decodes a base relocation table, dropping ABSOLUTE
// padding entries.
func ParseBaseRelocations(data []byte) ([]RelocationTableEntry, error) {
	var out []RelocationTableEntry
	r := bytes.NewReader(data)
	for r.Len() >= 8 {
		var block RelocationBlock
		if err := struc.UnpackWithOptions(r, &block, structOptions); err != nil {
			return nil, err
		}
		if block.SizeOfBlock < 8 || int(block.SizeOfBlock-8) > r.Len() {
			return nil, ErrInvalidImage
		}
		entry := RelocationTableEntry{RelocationBlock: block}
		for n := (block.SizeOfBlock - 8) / 2; n > 0; n-- {
			lo, _ := r.ReadByte()
			hi, _ := r.ReadByte()
			val := uint16(lo) | uint16(hi)<<8
			if val>>12 == IMAGE_REL_BASED_ABSOLUTE {
				continue
			}
			entry.BlockItems = append(entry.BlockItems, BlockItem{Type: byte(val >> 12), Offset: val & 0x0fff})
		}
		out = append(out, entry)
	}
	return out, nil
}
