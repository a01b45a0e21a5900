package machine_test

import (
	"bytes"
	"context"
	"errors"
	"os"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/bobuhiro11/kvmcore/ebda"
	"github.com/bobuhiro11/kvmcore/iobus"
	"github.com/bobuhiro11/kvmcore/machine"
	"github.com/bobuhiro11/kvmcore/memory"
	"github.com/bobuhiro11/kvmcore/vcpu"
)

func newMachine(t *testing.T, ncpus int) *machine.Machine {
	t.Helper()

	if _, err := os.Stat(machine.DefaultDev); err != nil {
		t.Skipf("%s: %v", machine.DefaultDev, err)
	}

	m, err := machine.New(machine.Config{NCPUs: ncpus, MemSize: 1 << 29})
	if err != nil {
		t.Fatalf("New: got %v, want nil", err)
	}

	m.Fatal = func(err error) {
		t.Errorf("fatal vcpu error: %v", err)
	}

	t.Cleanup(func() {
		if err := m.Close(); err != nil {
			t.Errorf("Close: %v", err)
		}
	})

	return m
}

func TestNewInvalidConfig(t *testing.T) {
	t.Parallel()

	if _, err := os.Stat(machine.DefaultDev); err != nil {
		t.Skipf("%s: %v", machine.DefaultDev, err)
	}

	for _, cfg := range []machine.Config{
		{NCPUs: -1, MemSize: 1 << 29},
		{NCPUs: 1, MemSize: 1 << 20},
		{NCPUs: 1 << 20, MemSize: 1 << 29},
		{NCPUs: 1, MemSize: 1 << 29, TraceCount: -1},
	} {
		if _, err := machine.New(cfg); !errors.Is(err, machine.ErrConfig) {
			t.Errorf("New(%+v): got %v, want %v", cfg, err, machine.ErrConfig)
		}
	}
}

func TestNewMissingDevice(t *testing.T) {
	t.Parallel()

	if _, err := machine.New(machine.Config{Dev: "/nonexistent/kvm"}); err == nil {
		t.Fatal("New with a missing device: got nil, want err")
	}
}

func TestLedgerLayout(t *testing.T) {
	t.Parallel()

	m := newMachine(t, 1)

	banks := m.Banks()
	if len(banks) != 2 {
		t.Fatalf("Banks: got %d banks, want 2: %+v", len(banks), banks)
	}

	if b := banks[0]; b.GuestPhysAddr != 0 || b.Size != 1<<29 || b.Type != memory.RAM || b.HostAddr == 0 {
		t.Errorf("RAM bank: got %+v", b)
	}

	// The three reserved pieces of the 32-bit gap are merged into one bank.
	if b := banks[1]; b.GuestPhysAddr != 0xc0000000 || b.Size != 0x40000000 || b.Type != memory.Reserved {
		t.Errorf("reserved bank: got %+v", b)
	}

	host, ok := m.GuestToHost(0x1234)
	if !ok {
		t.Fatal("GuestToHost(0x1234): not mapped")
	}

	if gpa, ok := m.HostToGuest(host); !ok || gpa != 0x1234 {
		t.Errorf("HostToGuest(%#x): got (%#x, %v), want (0x1234, true)", host, gpa, ok)
	}

	if _, ok := m.GuestToHost(0xd0000000); ok {
		t.Error("GuestToHost in the reserved gap: got mapped, want not")
	}

	if err := m.DestroyMemory(0xc0000000, 0x40000000, 0); !errors.Is(err, memory.ErrProtected) {
		t.Errorf("DestroyMemory(reserved): got %v, want %v", err, memory.ErrProtected)
	}

	if err := m.RegisterMemory(0x1000, 0x1000, host, memory.RAM); !errors.Is(err, memory.ErrOverlap) {
		t.Errorf("RegisterMemory over RAM: got %v, want %v", err, memory.ErrOverlap)
	}
}

func TestDeviceTraps(t *testing.T) {
	t.Parallel()

	m := newMachine(t, 1)

	for _, port := range []uint64{0x3f8, 0x80, 0x600, 0x60, 0x70, 0xcf8, 0xcfc, 0x6200} {
		if _, ok := m.Trap(iobus.PIO, port); !ok {
			t.Errorf("Trap(PIO, %#x): not registered", port)
		}
	}

	if _, ok := m.Trap(iobus.PIO, 0xf0); ok {
		t.Error("Trap(PIO, 0xf0): registered, want free")
	}

	h := iobus.HandlerFunc(func(int, uint64, []byte, bool) error { return nil })

	if err := m.RegisterPIO(0x3fa, 1, h); !errors.Is(err, iobus.ErrOverlap) {
		t.Errorf("RegisterPIO over COM1: got %v, want %v", err, iobus.ErrOverlap)
	}

	if err := m.RegisterMMIO(0xd0000000, 0x1000, h, true); err != nil {
		t.Fatalf("RegisterMMIO: %v", err)
	}

	if tr, ok := m.Trap(iobus.MMIO, 0xd0000800); !ok || !tr.Coalesced {
		t.Errorf("Trap(MMIO, 0xd0000800): got (%+v, %v), want a coalesced trap", tr, ok)
	}

	if !m.DeregisterMMIO(0xd0000000) {
		t.Error("DeregisterMMIO: got false, want true")
	}

	if _, ok := m.Trap(iobus.MMIO, 0xd0000800); ok {
		t.Error("Trap after DeregisterMMIO: still registered")
	}
}

func TestLoadKernelTooBig(t *testing.T) {
	t.Parallel()

	m := newMachine(t, 1)

	if err := m.LoadKernel(bytes.NewReader(nil), nil, strings.Repeat("x", 0x1000)); !errors.Is(err, machine.ErrImageTooBig) {
		t.Errorf("LoadKernel with a long command line: got %v, want %v", err, machine.ErrImageTooBig)
	}
}

func TestLoadKernel(t *testing.T) {
	t.Parallel()

	m := newMachine(t, 1)

	initrd := []byte("initrd")
	if err := m.LoadKernel(bytes.NewReader([]byte{0xeb, 0xfe}), bytes.NewReader(initrd), "console=ttyS0"); err != nil {
		t.Fatalf("LoadKernel: %v", err)
	}

	r, err := m.GetRegs(0)
	if err != nil {
		t.Fatalf("GetRegs: %v", err)
	}

	if r.RIP != 0x100000 || r.RSI != 0x20000 || r.RCX != uint64(len(initrd)) {
		t.Errorf("boot regs: got RIP %#x RSI %#x RCX %#x", r.RIP, r.RSI, r.RCX)
	}

	got := make([]byte, len(initrd))
	if _, err := m.ReadAt(got, int64(r.RBX)); err != nil || !bytes.Equal(got, initrd) {
		t.Errorf("initrd at %#x: got (%q, %v), want %q", r.RBX, got, err, initrd)
	}

	cmdline := make([]byte, len("console=ttyS0")+1)
	if _, err := m.ReadAt(cmdline, 0x20000); err != nil || string(cmdline) != "console=ttyS0\x00" {
		t.Errorf("command line: got (%q, %v)", cmdline, err)
	}

	poison := make([]byte, len(machine.Poison))
	if _, err := m.ReadAt(poison, 0x100002); err != nil || string(poison) != machine.Poison {
		t.Errorf("after kernel: got (%#x, %v), want poison", poison, err)
	}
}

// A flat image that writes 0x42 to port 0xf0, then requests an ACPI
// shutdown and spins.
var outAndShutdown = []byte{
	0xb0, 0x42, // mov al, 0x42
	0xe6, 0xf0, // out 0xf0, al
	0x66, 0xba, 0x00, 0x06, // mov dx, 0x600
	0xb0, 0x34, // mov al, 0x34
	0xee,       // out dx, al
	0xeb, 0xfe, // jmp .
}

func TestRunToShutdown(t *testing.T) { // nolint:paralleltest
	m := newMachine(t, 2)

	var got atomic.Uint32

	if err := m.RegisterPIO(0xf0, 1, iobus.HandlerFunc(func(cpu int, _ uint64, data []byte, isWrite bool) error {
		if cpu == 0 && isWrite {
			got.Store(uint32(data[0]))
		}

		return nil
	})); err != nil {
		t.Fatalf("RegisterPIO: %v", err)
	}

	if err := m.LoadKernel(bytes.NewReader(outAndShutdown), nil, ""); err != nil {
		t.Fatalf("LoadKernel: %v", err)
	}

	done := make(chan error, 1)
	go func() { done <- m.Run() }()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
	case <-time.After(30 * time.Second):
		m.Stop()
		t.Fatal("Run did not return after the guest shut down")
	}

	if v := got.Load(); v != 0x42 {
		t.Errorf("port 0xf0: got %#x, want 0x42", v)
	}

	for i := 0; i < m.NCPU(); i++ {
		v, _ := m.VCPU(i)
		if v.State() != vcpu.Exited {
			t.Errorf("vcpu %d: got %s, want %s", i, v.State(), vcpu.Exited)
		}
	}
}

func TestPauseResume(t *testing.T) { // nolint:paralleltest
	m := newMachine(t, 2)

	if err := m.LoadKernel(bytes.NewReader([]byte{0xeb, 0xfe}), nil, ""); err != nil {
		t.Fatalf("LoadKernel: %v", err)
	}

	if m.State() != machine.VMRunning {
		t.Fatalf("State: got %s, want %s", m.State(), machine.VMRunning)
	}

	done := make(chan error, 1)
	go func() { done <- m.Run() }()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	v, _ := m.VCPU(0)
	for v.State() != vcpu.Running {
		time.Sleep(time.Millisecond)
	}

	if err := m.Pause(); err != nil {
		t.Fatalf("Pause: %v", err)
	}

	if m.State() != machine.VMPaused {
		t.Errorf("State: got %s, want %s", m.State(), machine.VMPaused)
	}

	if err := m.Pause(); !errors.Is(err, vcpu.ErrAlreadyPaused) {
		t.Errorf("second Pause: got %v, want %v", err, vcpu.ErrAlreadyPaused)
	}

	var b bytes.Buffer
	if err := m.DumpRegisters(ctx, 0, &b); err != nil {
		t.Fatalf("DumpRegisters while paused: %v", err)
	}

	if !strings.Contains(b.String(), "rip: 0000000000100000") {
		t.Errorf("dump of a vCPU spinning at 0x100000:\n%s", b.String())
	}

	if err := m.RequestNMI(7); !errors.Is(err, machine.ErrBadCPU) {
		t.Errorf("RequestNMI(7): got %v, want %v", err, machine.ErrBadCPU)
	}

	if err := m.Resume(); err != nil {
		t.Fatalf("Resume: %v", err)
	}

	if err := m.Resume(); !errors.Is(err, vcpu.ErrNotPaused) {
		t.Errorf("second Resume: got %v, want %v", err, vcpu.ErrNotPaused)
	}

	m.Stop()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
	case <-ctx.Done():
		t.Fatal("Run did not return after Stop")
	}
}

func TestDumpMemory(t *testing.T) {
	t.Parallel()

	m := newMachine(t, 1)

	if _, err := m.WriteAt([]byte("hello"), 0x5000); err != nil {
		t.Fatalf("WriteAt: %v", err)
	}

	var b bytes.Buffer
	if err := m.DumpMemory(&b, 0x5000, 16); err != nil {
		t.Fatalf("DumpMemory: %v", err)
	}

	if !strings.Contains(b.String(), "|hello") {
		t.Errorf("DumpMemory: got\n%s", b.String())
	}

	if err := m.DumpMemory(&b, 0xd0000000, 16); err == nil {
		t.Error("DumpMemory in the gap: got nil, want err")
	}
}

func TestDumpBeforeRun(t *testing.T) {
	t.Parallel()

	m := newMachine(t, 2)

	var b bytes.Buffer
	if err := m.DumpAll(context.Background(), &b); err != nil {
		t.Fatalf("DumpAll: %v", err)
	}

	if b.Len() == 0 {
		t.Error("DumpAll: empty dump")
	}
}

func TestMPTable(t *testing.T) {
	t.Parallel()

	m := newMachine(t, 2)

	b := make([]byte, 16)
	if _, err := m.ReadAt(b, ebda.FloatAddr); err != nil || string(b[:4]) != "_MP_" {
		t.Fatalf("floating pointer: got (%q, %v)", b, err)
	}

	if _, err := m.ReadAt(b[:4], ebda.TableAddr); err != nil || string(b[:4]) != "PCMP" {
		t.Errorf("configuration table: got (%q, %v)", b[:4], err)
	}

	if _, err := m.ReadAt(b[:2], ebda.BDAEBDASegment); err != nil || b[0] != 0xc0 || b[1] != 0x9f {
		t.Errorf("EBDA segment: got (% x, %v), want c0 9f", b[:2], err)
	}
}
