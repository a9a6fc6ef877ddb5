package main

import (
	"fmt"
	"log"
	"math"
	"os"
	"path/filepath"

	"github.com/Binject/peasm/assembler"
	"github.com/Binject/peasm/loader"
	"github.com/Binject/peasm/mapfile"
	"github.com/Binject/peasm/sections"
	"github.com/spf13/cobra"
	"github.com/xyproto/env/v2"
)

// buildConfig carries the command line overrides into the manifest.
type buildConfig struct {
	sectionAlignment uint32
	logger           *log.Logger
}

var buildFlags struct {
	output           string
	mapFile          string
	timestamp        int
	sectionAlignment hexUint32
	verbose          bool
	verify           bool
}

var buildCmd = &cobra.Command{
	Use:   "build MANIFEST",
	Short: "Assemble the objects of a JSON manifest into an image",
	Long: `build reads a JSON manifest naming the target, the object blobs with
their symbols and relocations, and the directory entries, and writes the
assembled image.

The timestamp defaults to $SOURCE_DATE_EPOCH and the custom section
alignment to $PEASM_SECTION_ALIGNMENT when they are set.`,
	Args: cobra.ExactArgs(1),
	RunE: runBuild,
}

func init() {
	f := buildCmd.Flags()
	f.StringVarP(&buildFlags.output, "output", "o", "", "image to write")
	f.StringVar(&buildFlags.mapFile, "map", "", "write a map file of the placed objects")
	f.IntVar(&buildFlags.timestamp, "timestamp", env.Int("SOURCE_DATE_EPOCH", -1), "COFF TimeDateStamp; negative keeps the generated one")
	f.Var(&buildFlags.sectionAlignment, "section-alignment", "align every section to this value (large page layout)")
	f.BoolVarP(&buildFlags.verbose, "verbose", "v", env.Bool("PEASM_VERBOSE"), "log placement decisions to stderr")
	f.BoolVar(&buildFlags.verify, "verify", false, "verify the written image")
	cobra.CheckErr(buildCmd.MarkFlagRequired("output"))
}

func runBuild(cmd *cobra.Command, args []string) error {
	if !cmd.Flags().Changed("section-alignment") && env.Has("PEASM_SECTION_ALIGNMENT") {
		if err := buildFlags.sectionAlignment.Set(env.Str("PEASM_SECTION_ALIGNMENT")); err != nil {
			return fmt.Errorf("PEASM_SECTION_ALIGNMENT: %w", err)
		}
	}
	stamp, err := timestamp(buildFlags.timestamp)
	if err != nil {
		return err
	}
	m, err := readManifest(args[0])
	if err != nil {
		return err
	}

	cfg := buildConfig{sectionAlignment: uint32(buildFlags.sectionAlignment)}
	if buildFlags.verbose {
		cfg.logger = log.New(os.Stderr, "peasm: ", 0)
	}
	var rec *mapfile.Recorder
	var recorder sections.OutputRecorder
	if buildFlags.mapFile != "" {
		rec = &mapfile.Recorder{}
		recorder = rec
	}

	a, err := m.newAssembler(filepath.Dir(args[0]), cfg, recorder)
	if err != nil {
		return err
	}
	if err := writeImage(a, buildFlags.output, stamp); err != nil {
		return err
	}

	if rec != nil {
		a.AddSections(rec)
		if err := writeMapFile(rec, buildFlags.mapFile); err != nil {
			return err
		}
	}
	if buildFlags.verify {
		return verifyImage(buildFlags.output, loader.Options{
			RVABitsToMatchFilePos:  m.RVABitsToMatchFilePos,
			CustomSectionAlignment: m.customSectionAlignment(cfg),
		})
	}
	return nil
}

// timestamp converts the --timestamp value. Negative values keep the
// generated stamp.
func timestamp(v int) (*uint32, error) {
	if v < 0 {
		return nil, nil
	}
	if uint64(v) > math.MaxUint32 {
		return nil, fmt.Errorf("timestamp %d does not fit in 32 bits", v)
	}
	s := uint32(v)
	return &s, nil
}

func (m *manifest) customSectionAlignment(cfg buildConfig) uint32 {
	if cfg.sectionAlignment != 0 {
		return cfg.sectionAlignment
	}
	return m.CustomSectionAlignment
}

// writeImage writes the image to path, removing the file if writing fails.
func writeImage(a *assembler.Assembler, path string, stamp *uint32) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := a.Write(f, stamp); err != nil {
		f.Close()
		os.Remove(path)
		return fmt.Errorf("%s: %w", path, err)
	}
	return f.Close()
}

func writeMapFile(rec *mapfile.Recorder, path string) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if _, err := rec.WriteTo(f); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func verifyImage(path string, opts loader.Options) error {
	f, err := loader.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	if err := loader.Verify(f.Image, f.Data(), opts); err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}
	return nil
}
