//go:build !unix

package loader

import (
	"errors"

	"github.com/Binject/peasm/pe"
)

type ProbeResult struct {
	Section string
	Offset  int64
	Length  int
	Mapped  bool
	Err     error
}

// Probe is only implemented where the runtime maps images itself.
func Probe(path string, img *pe.Image) ([]ProbeResult, error) {
	return nil, errors.New("loader: probe is not supported on this platform")
}
