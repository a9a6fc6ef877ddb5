package pe

import (
	"fmt"
	"strings"
)

type Arch int

const (
	ArchUnknown Arch = iota
	ArchX86
	ArchX64
	ArchARM
	ArchARM64
	ArchLoongArch64
	ArchRiscV64
)

var archNames = map[Arch]string{
	ArchX86:         "x86",
	ArchX64:         "x64",
	ArchARM:         "arm",
	ArchARM64:       "arm64",
	ArchLoongArch64: "loongarch64",
	ArchRiscV64:     "riscv64",
}

func (a Arch) String() string {
	if s, ok := archNames[a]; ok {
		return s
	}
	return fmt.Sprintf("Arch(%d)", int(a))
}

type OS int

const (
	OSUnknown OS = iota
	OSWindows
	OSLinux
	OSOSX
	OSFreeBSD
	OSNetBSD
	OSSunOS
)

var osNames = map[OS]string{
	OSWindows: "windows",
	OSLinux:   "linux",
	OSOSX:     "osx",
	OSFreeBSD: "freebsd",
	OSNetBSD:  "netbsd",
	OSSunOS:   "sunos",
}

func (o OS) String() string {
	if s, ok := osNames[o]; ok {
		return s
	}
	return fmt.Sprintf("OS(%d)", int(o))
}

// Values XORed into the COFF Machine field to tag the image with its
// target OS. Windows images carry the plain machine value.
var machineOSOverrides = map[OS]uint16{
	OSWindows: 0,
	OSLinux:   0x7B79,
	OSOSX:     0x4644,
	OSFreeBSD: 0xADC4,
	OSNetBSD:  0x1993,
	OSSunOS:   0x1992,
}

var archMachines = map[Arch]uint16{
	ArchX86:         IMAGE_FILE_MACHINE_I386,
	ArchX64:         IMAGE_FILE_MACHINE_AMD64,
	ArchARM:         IMAGE_FILE_MACHINE_ARMNT,
	ArchARM64:       IMAGE_FILE_MACHINE_ARM64,
	ArchLoongArch64: IMAGE_FILE_MACHINE_LOONGARCH64,
	ArchRiscV64:     IMAGE_FILE_MACHINE_RISCV64,
}

// Target describes the platform an image is built for.
type Target struct {
	Arch Arch
	OS   OS
}

func (t Target) String() string {
	return t.OS.String() + "-" + t.Arch.String()
}

// PointerSize is 4 or 8, or 0 for an unknown architecture.
func (t Target) PointerSize() int {
	switch t.Arch {
	case ArchX86, ArchARM:
		return 4
	case ArchX64, ArchARM64, ArchLoongArch64, ArchRiscV64:
		return 8
	}
	return 0
}

func (t Target) Is64Bit() bool {
	return t.PointerSize() == 8
}

func (t Target) IsWindows() bool {
	return t.OS == OSWindows
}

// Machine returns the raw COFF machine value, without the OS override.
func (t Target) Machine() (uint16, error) {
	m, ok := archMachines[t.Arch]
	if !ok {
		return 0, fmt.Errorf("%w: %v", ErrUnsupportedMachine, t.Arch)
	}
	return m, nil
}

// MachineOSOverride returns the value XORed into the machine field once the
// image is complete.
func (t Target) MachineOSOverride() (uint16, error) {
	v, ok := machineOSOverrides[t.OS]
	if !ok {
		return 0, fmt.Errorf("pe: unsupported os %v", t.OS)
	}
	return v, nil
}

// SplitMachine undoes the OS override of a machine field read back from an
// image.
func SplitMachine(field uint16) (Target, bool) {
	for os, override := range machineOSOverrides {
		raw := field ^ override
		for arch, m := range archMachines {
			if m == raw {
				return Target{Arch: arch, OS: os}, true
			}
		}
	}
	return Target{}, false
}

// ParseTarget accepts the names printed by Arch.String and OS.String.
func ParseTarget(osName, archName string) (Target, error) {
	var t Target
	for o, name := range osNames {
		if strings.EqualFold(name, osName) {
			t.OS = o
		}
	}
	for a, name := range archNames {
		if strings.EqualFold(name, archName) {
			t.Arch = a
		}
	}
	if t.OS == OSUnknown {
		return t, fmt.Errorf("pe: unknown os %q", osName)
	}
	if t.Arch == ArchUnknown {
		return t, fmt.Errorf("%w: %q", ErrUnsupportedMachine, archName)
	}
	return t, nil
}
