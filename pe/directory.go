package pe

// Data directory indexes.
const (
	IMAGE_DIRECTORY_ENTRY_EXPORT         = 0
	IMAGE_DIRECTORY_ENTRY_IMPORT         = 1
	IMAGE_DIRECTORY_ENTRY_RESOURCE       = 2
	IMAGE_DIRECTORY_ENTRY_EXCEPTION      = 3
	IMAGE_DIRECTORY_ENTRY_SECURITY       = 4
	IMAGE_DIRECTORY_ENTRY_BASERELOC      = 5
	IMAGE_DIRECTORY_ENTRY_DEBUG          = 6
	IMAGE_DIRECTORY_ENTRY_ARCHITECTURE   = 7
	IMAGE_DIRECTORY_ENTRY_GLOBALPTR      = 8
	IMAGE_DIRECTORY_ENTRY_TLS            = 9
	IMAGE_DIRECTORY_ENTRY_LOAD_CONFIG    = 10
	IMAGE_DIRECTORY_ENTRY_BOUND_IMPORT   = 11
	IMAGE_DIRECTORY_ENTRY_IAT            = 12
	IMAGE_DIRECTORY_ENTRY_DELAY_IMPORT   = 13
	IMAGE_DIRECTORY_ENTRY_COM_DESCRIPTOR = 14
)

// Directories is the data directory array of the optional header.
type Directories [NumDirectoryEntries]DataDirectory

// Set fills the entry at index. A zero size leaves the entry empty.
func (d *Directories) Set(index int, rva uint32, size uint32) {
	if size == 0 {
		d[index] = DataDirectory{}
		return
	}
	d[index] = DataDirectory{VirtualAddress: rva, Size: size}
}

// DirectoryEntryOffset returns the file offset of the data directory entry
// at index for an image whose optional header has the given pointer size.
func DirectoryEntryOffset(pointerSize int, index int) int64 {
	return optionalHeaderOffset + int64(offsetOfDirectories(pointerSize)) + int64(index*DataDirectorySize)
}
