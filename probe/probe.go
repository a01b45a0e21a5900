// Package probe reports what the host and its KVM module support.
package probe

import (
	"fmt"
	"io"
	"os"

	"github.com/bobuhiro11/kvmcore/cpuid"
	"github.com/bobuhiro11/kvmcore/kvm"
	"golang.org/x/sys/cpu"
)

// Run prints the capabilities of the KVM device at dev, the host CPU
// features and the CPUID features KVM can expose to guests.
func Run(dev string, w io.Writer) error {
	kvmFile, err := os.Open(dev)
	if err != nil {
		return err
	}
	defer kvmFile.Close()

	kvmfd := kvmFile.Fd()

	if err := kvm.CheckAPIVersion(kvmfd); err != nil {
		return err
	}

	if err := Capabilities(w, kvmfd); err != nil {
		return err
	}

	fmt.Fprintf(w, "\nHost features.\n")
	PrintFlags(w, HostFeatures())

	return SupportedCPUID(w, kvmfd)
}

// Capabilities prints every known capability with its CheckExtension value.
func Capabilities(w io.Writer, kvmfd uintptr) error {
	fmt.Fprintf(w, "Capabilities.\n")

	for _, c := range kvm.Capabilities() {
		res, err := kvm.CheckExtension(kvmfd, c)
		if err != nil {
			return fmt.Errorf("%s: %w", c, err)
		}

		fmt.Fprintf(w, "%-30s: %t", c, res != 0)

		if res > 1 {
			fmt.Fprintf(w, " (%d)", res)
		}

		fmt.Fprintln(w)
	}

	return nil
}

// Flag is a named host feature.
type Flag struct {
	Name string
	On   bool
}

// HostFeatures returns the x86 features of the host CPU relevant to
// guests.
func HostFeatures() []Flag {
	return []Flag{
		{"SSE3", cpu.X86.HasSSE3},
		{"PCLMULQDQ", cpu.X86.HasPCLMULQDQ},
		{"SSSE3", cpu.X86.HasSSSE3},
		{"FMA", cpu.X86.HasFMA},
		{"CX16", cpu.X86.HasCX16},
		{"SSE41", cpu.X86.HasSSE41},
		{"SSE42", cpu.X86.HasSSE42},
		{"POPCNT", cpu.X86.HasPOPCNT},
		{"AES", cpu.X86.HasAES},
		{"OSXSAVE", cpu.X86.HasOSXSAVE},
		{"AVX", cpu.X86.HasAVX},
		{"RDRAND", cpu.X86.HasRDRAND},
		{"BMI1", cpu.X86.HasBMI1},
		{"AVX2", cpu.X86.HasAVX2},
		{"BMI2", cpu.X86.HasBMI2},
		{"ERMS", cpu.X86.HasERMS},
		{"AVX512F", cpu.X86.HasAVX512F},
		{"RDSEED", cpu.X86.HasRDSEED},
		{"ADX", cpu.X86.HasADX},
	}
}

// PrintFlags prints the enabled and the disabled flags on one line each.
func PrintFlags(w io.Writer, flags []Flag) {
	var enabled, disabled []string

	for _, f := range flags {
		if f.On {
			enabled = append(enabled, f.Name)
		} else {
			disabled = append(disabled, f.Name)
		}
	}

	printLists(w, enabled, disabled)
}

func printLists(w io.Writer, enabled, disabled []string) {
	fmt.Fprintf(w, "* Enabled:")

	for _, s := range enabled {
		fmt.Fprintf(w, " %s", s)
	}

	fmt.Fprintf(w, "\n* Disabled:")

	for _, s := range disabled {
		fmt.Fprintf(w, " %s", s)
	}

	fmt.Fprintf(w, "\n\n")
}

// SupportedCPUID calls 'KVM_GET_SUPPORTED_CPUID' and prints the result.
func SupportedCPUID(w io.Writer, kvmfd uintptr) error {
	ids := kvm.CPUID{}

	if err := kvm.GetSupportedCPUID(kvmfd, &ids); err != nil {
		return err
	}

	fmt.Fprintf(w, "Vendor %q, %d CPUID entries.\n\n", ids.Vendor(), ids.Nent)

	PrintCPUID(w, &ids)

	msrs, err := kvm.GetMSRIndexList(kvmfd)
	if err != nil {
		return err
	}

	fmt.Fprintf(w, "%d MSRs saved across migration.\n", len(msrs))

	return nil
}

// PrintCPUID prints the feature leaves of ids.
func PrintCPUID(w io.Writer, ids *kvm.CPUID) {
	if e, ok := cpuid.Lookup(ids, 1, 0); ok {
		fmt.Fprintf(w, "F_1_Ecx.\n")
		PrintFeatures(w, cpuid.AllF1Ecx, e.Ecx)
		fmt.Fprintf(w, "F_1_Edx.\n")
		PrintFeatures(w, cpuid.AllF1Edx, e.Edx)
	}

	if e, ok := cpuid.Lookup(ids, 7, 0); ok {
		fmt.Fprintf(w, "F_7_0_Edx.\n")
		PrintFeatures(w, cpuid.AllF7_0Edx, e.Edx)
	}
}

func PrintFeatures[T cpuid.Feature](w io.Writer, features []T, reg uint32) {
	enabled, disabled := cpuid.Split(features, reg)

	printLists(w, names(enabled), names(disabled))
}

func names[T cpuid.Feature](features []T) []string {
	s := make([]string, 0, len(features))
	for _, f := range features {
		s = append(s, f.String())
	}

	return s
}
