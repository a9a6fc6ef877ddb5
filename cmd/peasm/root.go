package main

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

var rootCmd = &cobra.Command{
	Use:   "peasm",
	Short: "Assemble ahead-of-time compiled code into a PE image",
	Long: `peasm lays out compiled code and data blobs as a PE/COFF image that
loads on Windows and, through the runtime loader, on Unix-like systems.

Example: peasm build app.json -o app.dll
This will assemble the objects listed in app.json into app.dll.`,
	SilenceUsage: true,
}

func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.AddCommand(buildCmd, inspectCmd)
}

// hexUint32 is a flag accepting decimal, 0x-prefixed hex or octal values.
type hexUint32 uint32

var _ pflag.Value = (*hexUint32)(nil)

func (h *hexUint32) String() string {
	return fmt.Sprintf("%#x", uint32(*h))
}

func (h *hexUint32) Set(s string) error {
	v, err := strconv.ParseUint(s, 0, 32)
	if err != nil {
		return err
	}
	*h = hexUint32(v)
	return nil
}

func (h *hexUint32) Type() string {
	return "uint32"
}
