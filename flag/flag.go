package flag

import (
	"fmt"
	"strconv"
	"strings"
)

// ParseSize parses a size string as number[gGmMkK]. The multiplier is optional,
// and if not set, the unit passed in is used. The number can be any base and
// size.
func ParseSize(s, unit string) (int, error) {
	sz := strings.TrimRight(s, "gGmMkK")
	if len(sz) == 0 {
		return -1, fmt.Errorf("%q:can't parse as num[gGmMkK]:%w", s, strconv.ErrSyntax)
	}

	amt, err := strconv.ParseUint(sz, 0, 0)
	if err != nil {
		return -1, err
	}

	if len(s) > len(sz) {
		unit = s[len(sz):]
	}

	switch unit {
	case "G", "g":
		return int(amt) << 30, nil
	case "M", "m":
		return int(amt) << 20, nil
	case "K", "k":
		return int(amt) << 10, nil
	case "":
		return int(amt), nil
	}

	return -1, fmt.Errorf("can not parse %q as num[gGmMkK]:%w", s, strconv.ErrSyntax)
}

// CLI is the command line of kvmcore.
type CLI struct {
	Boot  BootCMD  `cmd:"" help:"Boot a kernel image."`
	Probe ProbeCMD `cmd:"" help:"Print KVM capabilities and supported CPUID features."`
}

type BootCMD struct {
	Dev        string `short:"D" default:"/dev/kvm" help:"Path of the KVM device."`
	Kernel     string `short:"k" default:"./kernel.bin" help:"Flat 32-bit protected mode image, loaded and entered at 1MiB. Linux bzImages are not supported."`
	Initrd     string `short:"i" help:"Initrd path."`
	Params     string `short:"p" help:"Command line passed to the image in RSI, NUL terminated."`
	NCPUs      int    `short:"c" name:"cpus" default:"0" help:"Number of vCPUs, 0 picks the host recommendation."`
	MemSize    string `short:"m" name:"mem" default:"0" help:"Memory size as number[gGmMkK], defaults to G. 0 picks a size from the vCPU count."`
	TraceCount string `short:"T" name:"trace" default:"0" help:"How many instructions to skip between trace prints. 0 disables tracing."`

	SingleStep  bool `help:"Start with single stepping enabled."`
	MMIODebug   bool `name:"debug-mmio" help:"Log MMIO accesses no device handles."`
	IOPortDebug bool `name:"debug-ioport" help:"Log port accesses no device handles."`

	Profile string `enum:"none,cpu,mem,block,mutex,trace" default:"none" help:"Profile the VMM while it runs (${enum})."`
}

type ProbeCMD struct {
	Dev string `short:"D" default:"/dev/kvm" help:"Path of the KVM device."`
}
