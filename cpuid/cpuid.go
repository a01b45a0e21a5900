// Package cpuid describes CPUID feature bits and patches the CPUID table a
// vCPU is configured with.
package cpuid

import (
	"errors"
	"fmt"

	"github.com/bobuhiro11/kvmcore/kvm"
)

// Reg selects one of the output registers of a CPUID leaf.
type Reg uint8

const (
	EAX Reg = iota
	EBX
	ECX
	EDX
)

func (r Reg) String() string {
	switch r {
	case EAX:
		return "eax"
	case EBX:
		return "ebx"
	case ECX:
		return "ecx"
	case EDX:
		return "edx"
	}

	return fmt.Sprintf("Reg(%d)", uint8(r))
}

var errInvalidPatch = errors.New("invalid cpuid patch")

// Patch sets or clears one bit of the leaf Function, subleaf Index.
type Patch struct {
	Function uint32
	Index    uint32
	Reg      Reg
	Bit      uint8
	Set      bool
}

func (p Patch) String() string {
	op := "clear"
	if p.Set {
		op = "set"
	}

	return fmt.Sprintf("%s %#x.%d %s[%d]", op, p.Function, p.Index, p.Reg, p.Bit)
}

func reg(e *kvm.CPUIDEntry2, r Reg) *uint32 {
	switch r {
	case EAX:
		return &e.Eax
	case EBX:
		return &e.Ebx
	case ECX:
		return &e.Ecx
	case EDX:
		return &e.Edx
	}

	return nil
}

// Apply applies patches to every matching entry of ids and returns how
// many entries were changed. A patch that matches no entry is not an error.
func Apply(ids *kvm.CPUID, patches []Patch) (int, error) {
	for _, p := range patches {
		if p.Bit > 31 || p.Reg > EDX {
			return 0, fmt.Errorf("%w: %s", errInvalidPatch, p)
		}
	}

	changed := 0

	for i := 0; i < int(ids.Nent); i++ {
		e := &ids.Entries[i]

		for _, p := range patches {
			if e.Function != p.Function || e.Index != p.Index {
				continue
			}

			r := reg(e, p.Reg)
			old := *r

			if p.Set {
				*r |= 1 << p.Bit
			} else {
				*r &^= 1 << p.Bit
			}

			if *r != old {
				changed++
			}
		}
	}

	return changed, nil
}

// Lookup returns the entry for leaf fn, subleaf index.
func Lookup(ids *kvm.CPUID, fn, index uint32) (*kvm.CPUIDEntry2, bool) {
	for i := 0; i < int(ids.Nent); i++ {
		if ids.Entries[i].Function == fn && ids.Entries[i].Index == index {
			return &ids.Entries[i], true
		}
	}

	return nil, false
}

// Split partitions features by whether their bit is set in r.
func Split[T Feature](features []T, r uint32) (enabled, disabled []T) {
	for _, f := range features {
		if r&(1<<uint32(f)) != 0 {
			enabled = append(enabled, f)
		} else {
			disabled = append(disabled, f)
		}
	}

	return enabled, disabled
}
