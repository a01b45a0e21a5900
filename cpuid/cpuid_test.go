package cpuid_test

import (
	"testing"

	"github.com/bobuhiro11/kvmcore/cpuid"
	"github.com/bobuhiro11/kvmcore/kvm"
)

func table() *kvm.CPUID {
	ids := &kvm.CPUID{Nent: 3}
	ids.Entries[0] = kvm.CPUIDEntry2{Function: 1, Ecx: 1 << 31}
	ids.Entries[1] = kvm.CPUIDEntry2{Function: 7, Index: 0, Edx: 1 << 4}
	ids.Entries[2] = kvm.CPUIDEntry2{Function: 7, Index: 1, Edx: 1 << 4}

	return ids
}

func TestApply(t *testing.T) {
	t.Parallel()

	for _, test := range []struct {
		name    string
		patches []cpuid.Patch
		changed int
		check   func(*kvm.CPUID) bool
	}{
		{
			name:    "SetTSCDeadline",
			patches: []cpuid.Patch{{Function: 1, Reg: cpuid.ECX, Bit: uint8(cpuid.TSC_DEADLINE), Set: true}},
			changed: 1,
			check: func(ids *kvm.CPUID) bool {
				return ids.Entries[0].Ecx == 1<<31|1<<24
			},
		},
		{
			name:    "ClearOnlyMatchingSubleaf",
			patches: []cpuid.Patch{{Function: 7, Index: 1, Reg: cpuid.EDX, Bit: uint8(cpuid.FSRM)}},
			changed: 1,
			check: func(ids *kvm.CPUID) bool {
				return ids.Entries[1].Edx == 1<<4 && ids.Entries[2].Edx == 0
			},
		},
		{
			name:    "AlreadySet",
			patches: []cpuid.Patch{{Function: 1, Reg: cpuid.ECX, Bit: uint8(cpuid.HYPERVISOR), Set: true}},
			changed: 0,
			check: func(ids *kvm.CPUID) bool {
				return ids.Entries[0].Ecx == 1<<31
			},
		},
		{
			name:    "NoSuchLeaf",
			patches: []cpuid.Patch{{Function: 0xd, Reg: cpuid.EAX, Bit: 0, Set: true}},
			changed: 0,
			check: func(ids *kvm.CPUID) bool {
				return *ids == *table()
			},
		},
	} {
		test := test
		t.Run(test.name, func(t *testing.T) {
			t.Parallel()

			ids := table()

			changed, err := cpuid.Apply(ids, test.patches)
			if err != nil {
				t.Fatal(err)
			}

			if changed != test.changed {
				t.Errorf("changed: got %d, want %d", changed, test.changed)
			}

			if !test.check(ids) {
				t.Errorf("unexpected table %+v", ids.Entries[:ids.Nent])
			}
		})
	}
}

func TestApplyInvalid(t *testing.T) {
	t.Parallel()

	ids := table()

	for _, p := range []cpuid.Patch{
		{Function: 1, Reg: cpuid.ECX, Bit: 32},
		{Function: 1, Reg: cpuid.Reg(4), Bit: 0},
	} {
		if _, err := cpuid.Apply(ids, []cpuid.Patch{p}); err == nil {
			t.Errorf("%s: got nil, want error", p)
		}
	}

	if *ids != *table() {
		t.Errorf("invalid patch modified the table")
	}
}

func TestLookup(t *testing.T) {
	t.Parallel()

	ids := table()

	e, ok := cpuid.Lookup(ids, 7, 1)
	if !ok || e != &ids.Entries[2] {
		t.Fatalf("Lookup(7, 1): got %v %v", e, ok)
	}

	if _, ok := cpuid.Lookup(ids, 7, 2); ok {
		t.Fatal("Lookup(7, 2): got ok")
	}
}

func TestSplit(t *testing.T) {
	t.Parallel()

	enabled, disabled := cpuid.Split(cpuid.AllF1Edx, 1<<uint32(cpuid.FPU)|1<<uint32(cpuid.APIC))

	if len(enabled) != 2 || enabled[0] != cpuid.FPU || enabled[1] != cpuid.APIC {
		t.Errorf("enabled: got %v", enabled)
	}

	if len(enabled)+len(disabled) != len(cpuid.AllF1Edx) {
		t.Errorf("lost features: %d + %d != %d", len(enabled), len(disabled), len(cpuid.AllF1Edx))
	}
}

func TestFeatureString(t *testing.T) {
	t.Parallel()

	for _, test := range []struct {
		got  string
		want string
	}{
		{cpuid.TSC_DEADLINE.String(), "TSC_DEADLINE"},
		{cpuid.XMM2.String(), "XMM2"},
		{cpuid.FSRM.String(), "FSRM"},
		{cpuid.F1Edx(10).String(), "F1Edx(10)"},
		{cpuid.ECX.String(), "ecx"},
	} {
		if test.got != test.want {
			t.Errorf("got %q, want %q", test.got, test.want)
		}
	}
}
