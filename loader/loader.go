// Package loader checks that an image can be mapped the way the Windows
// loader and the runtime's own Unix loader map it.
package loader

import (
	"bytes"
	"errors"
	"fmt"
	"os"

	"github.com/Binject/peasm/pe"
	"github.com/edsrzf/mmap-go"
)

var (
	ErrOverlap     = errors.New("loader: sections overlap")
	ErrMisaligned  = errors.New("loader: section misaligned")
	ErrSizeOfImage = errors.New("loader: wrong SizeOfImage")
	ErrTruncated   = errors.New("loader: section past end of file")
	ErrRelocation  = errors.New("loader: bad base relocation")
)

// File is a read-only mapping of an image.
type File struct {
	*pe.Image
	Path string

	data mmap.MMap
}

// Open maps the image at path and parses its headers.
func Open(path string) (*File, error) {
	handle, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = handle.Close()
	}()

	info, err := handle.Stat()
	if err != nil {
		return nil, err
	}
	if info.Size() == 0 {
		return nil, fmt.Errorf("%w: %s is empty", pe.ErrInvalidImage, path)
	}

	data, err := mmap.Map(handle, mmap.RDONLY, 0)
	if err != nil {
		return nil, err
	}
	img, err := pe.ReadImage(bytes.NewReader(data))
	if err != nil {
		data.Unmap()
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return &File{Image: img, Path: path, data: data}, nil
}

// Data returns the mapped file. It is only valid until Close.
func (f *File) Data() []byte {
	return f.data
}

func (f *File) Close() error {
	if f.data == nil {
		return nil
	}
	err := f.data.Unmap()
	f.data = nil
	return err
}

// Target returns the platform encoded in the machine field.
func (f *File) Target() (pe.Target, bool) {
	return pe.SplitMachine(f.FileHeader.Machine)
}
