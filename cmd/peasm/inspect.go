package main

import (
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/Binject/peasm/loader"
	"github.com/Binject/peasm/pe"
	"github.com/spf13/cobra"
)

var inspectFlags struct {
	verify          bool
	probe           bool
	customAlignment hexUint32
}

var inspectCmd = &cobra.Command{
	Use:   "inspect IMAGE",
	Short: "Print the headers and section table of an image",
	Args:  cobra.ExactArgs(1),
	RunE:  runInspect,
}

func init() {
	f := inspectCmd.Flags()
	f.BoolVar(&inspectFlags.verify, "verify", false, "check section placement rules")
	f.BoolVar(&inspectFlags.probe, "probe", false, "map every section from the file as the runtime loader does")
	f.Var(&inspectFlags.customAlignment, "section-alignment", "with --verify, require this alignment for every section")
}

func runInspect(cmd *cobra.Command, args []string) error {
	f, err := loader.Open(args[0])
	if err != nil {
		return err
	}
	defer f.Close()

	out := cmd.OutOrStdout()
	if err := printImage(out, f); err != nil {
		return err
	}
	if inspectFlags.verify {
		err := loader.Verify(f.Image, f.Data(), loader.Options{CustomSectionAlignment: uint32(inspectFlags.customAlignment)})
		if err != nil {
			return err
		}
		fmt.Fprintln(out, "verify: ok")
	}
	if inspectFlags.probe {
		results, err := loader.Probe(f.Path, f.Image)
		for _, r := range results {
			status := "mapped"
			if !r.Mapped {
				status = r.Err.Error()
			}
			fmt.Fprintf(out, "probe %-8s offset %#x length %#x: %s\n", r.Section, r.Offset, r.Length, status)
		}
		return err
	}
	return nil
}

func printImage(w io.Writer, f *loader.File) error {
	machine := fmt.Sprintf("%#x", f.FileHeader.Machine)
	if target, ok := f.Target(); ok {
		machine += " (" + target.String() + ")"
	}
	format := "PE32"
	if f.Is64Bit() {
		format = "PE32+"
	}
	fmt.Fprintf(w, "%s: %s machine %s\n", f.Path, format, machine)
	fmt.Fprintf(w, "timestamp %#x image base %#x\n", f.FileHeader.TimeDateStamp, f.ImageBase())
	fmt.Fprintf(w, "alignment section %#x file %#x, size of image %#x\n", f.SectionAlignment(), f.FileAlignment(), f.SizeOfImage())

	tw := tabwriter.NewWriter(w, 0, 8, 2, ' ', 0)
	fmt.Fprintln(tw, "#\tNAME\tRVA\tVSIZE\tFILE\tRAWSIZE\tFLAGS")
	for i, sh := range f.Sections {
		fmt.Fprintf(tw, "%d\t%s\t%#x\t%#x\t%#x\t%#x\t%#08x\n",
			i, sh.NameString(), sh.VirtualAddress, sh.VirtualSize, sh.PointerToRawData, sh.SizeOfRawData, sh.Characteristics)
	}
	fmt.Fprintln(tw)
	fmt.Fprintln(tw, "DIRECTORY\tRVA\tSIZE")
	for i, d := range f.Directories {
		if d.Size == 0 {
			continue
		}
		fmt.Fprintf(tw, "%s\t%#x\t%#x\n", directoryNames[i], d.VirtualAddress, d.Size)
	}
	return tw.Flush()
}

var directoryNames = [pe.NumDirectoryEntries]string{
	pe.IMAGE_DIRECTORY_ENTRY_EXPORT:         "export",
	pe.IMAGE_DIRECTORY_ENTRY_IMPORT:         "import",
	pe.IMAGE_DIRECTORY_ENTRY_RESOURCE:       "resource",
	pe.IMAGE_DIRECTORY_ENTRY_EXCEPTION:      "exception",
	pe.IMAGE_DIRECTORY_ENTRY_SECURITY:       "security",
	pe.IMAGE_DIRECTORY_ENTRY_BASERELOC:      "basereloc",
	pe.IMAGE_DIRECTORY_ENTRY_DEBUG:          "debug",
	pe.IMAGE_DIRECTORY_ENTRY_ARCHITECTURE:   "architecture",
	pe.IMAGE_DIRECTORY_ENTRY_GLOBALPTR:      "globalptr",
	pe.IMAGE_DIRECTORY_ENTRY_TLS:            "tls",
	pe.IMAGE_DIRECTORY_ENTRY_LOAD_CONFIG:    "loadconfig",
	pe.IMAGE_DIRECTORY_ENTRY_BOUND_IMPORT:   "boundimport",
	pe.IMAGE_DIRECTORY_ENTRY_IAT:            "iat",
	pe.IMAGE_DIRECTORY_ENTRY_DELAY_IMPORT:   "delayimport",
	pe.IMAGE_DIRECTORY_ENTRY_COM_DESCRIPTOR: "clr",
	15:                                      "reserved",
}
