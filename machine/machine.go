// Package machine builds a KVM virtual machine: its memory ledger, trap
// registry, vCPUs and platform devices, and drives it from boot to
// teardown.
package machine

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log"
	"math"
	"os"
	"sync"
	"sync/atomic"

	"github.com/bobuhiro11/kvmcore/device"
	"github.com/bobuhiro11/kvmcore/iobus"
	"github.com/bobuhiro11/kvmcore/iodev"
	"github.com/bobuhiro11/kvmcore/kvm"
	"github.com/bobuhiro11/kvmcore/memory"
	"github.com/bobuhiro11/kvmcore/pci"
	"github.com/bobuhiro11/kvmcore/serial"
	"github.com/bobuhiro11/kvmcore/vcpu"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"
)

// VMState is the state of the machine as a whole.
type VMState int

const (
	VMRunning VMState = iota
	VMPaused
)

func (s VMState) String() string {
	switch s {
	case VMRunning:
		return "running"
	case VMPaused:
		return "paused"
	}

	return fmt.Sprintf("VMState(%d)", int(s))
}

// vmHandle installs memory slots and coalesced zones through the VM fd.
type vmHandle uintptr

func (h vmHandle) SetUserMemoryRegion(r *kvm.UserspaceMemoryRegion) error {
	return kvm.SetUserMemoryRegion(uintptr(h), r)
}

func (h vmHandle) RegisterCoalescedMMIO(addr, size uint64) error {
	if size > math.MaxUint32 {
		return fmt.Errorf("coalesced zone of %#x bytes: %w", size, iobus.ErrInvalidRange)
	}

	return kvm.RegisterCoalescedMMIO(uintptr(h), addr, uint32(size))
}

func (h vmHandle) UnregisterCoalescedMMIO(addr, size uint64) error {
	if size > math.MaxUint32 {
		return fmt.Errorf("coalesced zone of %#x bytes: %w", size, iobus.ErrInvalidRange)
	}

	return kvm.UnregisterCoalescedMMIO(uintptr(h), addr, uint32(size))
}

type Machine struct {
	Config

	kvmFile     *os.File
	kvmFd, vmFd uintptr
	runSize     int
	ringPage    int
	ringMu      sync.Mutex

	mem    []byte
	ledger *memory.Ledger
	bus    *iobus.Registry

	gate  *vcpu.Gate
	cpus  []*kvmCPU
	vcpus []*vcpu.VCPU

	Serial   *serial.Serial
	PCI      *pci.PCI
	PostCode *device.PostCodeDevice

	// Fatal is called with the error of a vCPU that stopped on an exit it
	// cannot recover from. It defaults to log.Fatalf.
	Fatal func(error)

	started   atomic.Bool
	stopOnce  sync.Once
	stopping  chan struct{}
	closeOnce sync.Once
	steps     atomic.Uint64
}

// New creates the VM described by cfg. The vCPUs are not started.
func New(cfg Config) (*Machine, error) {
	m := &Machine{
		Config:   cfg,
		stopping: make(chan struct{}),
		Fatal: func(err error) {
			log.Fatalf("%v", err)
		},
	}

	if m.Dev == "" {
		m.Dev = DefaultDev
	}

	if err := m.init(); err != nil {
		m.Close()

		return nil, err
	}

	return m, nil
}

func (m *Machine) init() error {
	f, err := os.OpenFile(m.Dev, os.O_RDWR, 0o644)
	if err != nil {
		return fmt.Errorf("%s: %w", m.Dev, err)
	}

	m.kvmFile, m.kvmFd = f, f.Fd()

	if err := kvm.CheckAPIVersion(m.kvmFd); err != nil {
		return err
	}

	if err := m.Config.resolve(m.kvmFd); err != nil {
		return err
	}

	if err := checkCaps(m.kvmFd); err != nil {
		return err
	}

	if m.vmFd, err = kvm.CreateVM(m.kvmFd); err != nil {
		return fmt.Errorf("CreateVM: %w", err)
	}

	slots, err := kvm.CheckExtension(m.kvmFd, kvm.CapNRMemSlots)
	if err != nil || slots < 0 {
		slots = 0
	}

	m.ledger = memory.New(vmHandle(m.vmFd), uint32(slots))
	m.bus = iobus.New(vmHandle(m.vmFd))
	m.bus.MMIODebug = m.MMIODebug
	m.bus.IOPortDebug = m.IOPortDebug

	if err := initVM(m.vmFd); err != nil {
		return err
	}

	if err := m.setupRAM(); err != nil {
		return err
	}

	if err := m.setupMPTable(); err != nil {
		return err
	}

	size, err := kvm.GetVCPUMMmapSize(m.kvmFd)
	if err != nil {
		return fmt.Errorf("GetVCPUMMmapSize: %w", err)
	}

	m.runSize = int(size)

	if n, err := kvm.CheckExtension(m.kvmFd, kvm.CapCoalescedMMIO); err == nil && n > 0 {
		m.ringPage = n
	}

	m.gate = vcpu.NewGate()

	for i := 0; i < m.NCPUs; i++ {
		if err := m.addCPU(i); err != nil {
			return err
		}
	}

	if err := m.setupDevices(); err != nil {
		return err
	}

	if m.SingleStep {
		if err := m.SetSingleStep(context.Background(), true); err != nil {
			return err
		}
	}

	return nil
}

func (m *Machine) addCPU(id int) error {
	c, err := m.newCPU(id)
	if err != nil {
		return err
	}

	vendor, err := m.initCPU(c)
	if err != nil {
		c.Close()

		return err
	}

	v := vcpu.New(id, c, m.gate, m.bus, vcpu.Hooks{
		OnShutdown: func(cpu int) {
			log.Printf("vcpu %d: shut down, stopping the machine", cpu)
			m.Stop()
		},
		OnDebug: m.trace,
	})
	v.Compatible = vendor

	m.cpus = append(m.cpus, c)
	m.vcpus = append(m.vcpus, v)

	return nil
}

func (m *Machine) irqLine(irq, level uint32) error {
	return kvm.IRQLine(m.vmFd, irq, level)
}

func (m *Machine) setupDevices() error {
	m.Serial = serial.New(os.Stdout, m.irqLine)
	m.PostCode = &device.PostCodeDevice{Out: os.Stdout}

	devs := []device.IODevice{
		m.Serial,
		m.PostCode,
		iodev.NewACPIShutDownDevice(m.Stop, m.Stop),
	}

	for _, d := range iodev.LegacyDevices() {
		devs = append(devs, d)
	}

	for _, d := range devs {
		if err := m.bus.RegisterDevice(iobus.PIO, d, 0); err != nil {
			return fmt.Errorf("port %#x: %w", d.IOPort(), err)
		}
	}

	p, err := pci.New(m.bus, pci.NewBridge(), pci.NewTestDevice(pciIOBase))
	if err != nil {
		return err
	}

	m.PCI = p

	return p.Register()
}

// trace runs on the vCPU thread after every single step.
func (m *Machine) trace(cpu int) error {
	n := m.steps.Add(1)
	if m.TraceCount == 0 || n%uint64(m.TraceCount) != 0 {
		return nil
	}

	_, r, s, err := m.Inst(cpu)
	if err != nil {
		fmt.Printf("disassembling after debug exit:%v\r\n", err)

		return nil
	}

	fmt.Printf("%#x:%s\r\n", r.RIP, s)

	return nil
}

// NCPU returns the number of vCPUs.
func (m *Machine) NCPU() int {
	return len(m.vcpus)
}

// VCPU returns vCPU i.
func (m *Machine) VCPU(i int) (*vcpu.VCPU, error) {
	if i < 0 || i >= len(m.vcpus) {
		return nil, fmt.Errorf("%w: %d", ErrBadCPU, i)
	}

	return m.vcpus[i], nil
}

// Run starts every vCPU and blocks until the boot vCPU exits or Stop is
// called. The other vCPUs are then stopped and joined.
func (m *Machine) Run() error {
	var g errgroup.Group

	m.started.Store(true)

	for _, v := range m.vcpus {
		v := v

		fmt.Printf("Start CPU %d of %d\r\n", v.ID, len(m.vcpus))

		if err := v.Start(); err != nil {
			m.Stop()

			return err
		}

		g.Go(func() error {
			err := v.Wait()
			if err != nil {
				m.Fatal(err)
				m.Stop()
			}

			return err
		})
	}

	select {
	case <-m.vcpus[0].Done():
	case <-m.stopping:
	}

	m.Stop()

	fmt.Printf("Waiting for CPUs to exit\r\n")

	err := g.Wait()

	fmt.Printf("All cpus done\n\r")

	return err
}

// Stop asks every vCPU to exit. It may be called from any goroutine,
// including device handlers on a vCPU thread.
func (m *Machine) Stop() {
	m.stopOnce.Do(func() {
		close(m.stopping)

		for _, v := range m.vcpus {
			v.Stop()
		}
	})
}

// Pause brings every running vCPU out of the guest and parks it.
func (m *Machine) Pause() error {
	if err := m.gate.Pause(); err != nil {
		return err
	}

	// Tell guests using kvmclock that they were stopped, so their
	// watchdogs do not fire after Resume.
	for _, c := range m.cpus {
		if err := kvm.KVMClockCtrl(c.fd); err != nil && !errors.Is(err, unix.EINVAL) {
			log.Printf("vcpu %d: KVMClockCtrl: %v", c.id, err)
		}
	}

	return nil
}

func (m *Machine) Resume() error {
	return m.gate.Resume()
}

func (m *Machine) State() VMState {
	if m.gate.Paused() {
		return VMPaused
	}

	return VMRunning
}

// RequestNMI injects an NMI into cpu at its next safe point.
func (m *Machine) RequestNMI(cpu int) error {
	v, err := m.VCPU(cpu)
	if err != nil {
		return err
	}

	v.RequestNMI()

	return nil
}

// onCPU runs fn on the thread of cpu if it runs, or directly when no
// thread owns the vCPU.
func (m *Machine) onCPU(ctx context.Context, cpu int, fn func(c *kvmCPU) error) error {
	v, err := m.VCPU(cpu)
	if err != nil {
		return err
	}

	c := m.cpus[cpu]

	if v.Started() && v.State() != vcpu.Exited {
		err := v.Do(ctx, func() error { return fn(c) })
		if !errors.Is(err, vcpu.ErrExited) {
			return err
		}
	}

	return fn(c)
}

// DumpRegisters writes the registers and code of cpu to w.
func (m *Machine) DumpRegisters(ctx context.Context, cpu int, w io.Writer) error {
	return m.onCPU(ctx, cpu, func(c *kvmCPU) error {
		return c.Dump(w)
	})
}

// DumpAll dumps every vCPU in order.
func (m *Machine) DumpAll(ctx context.Context, w io.Writer) error {
	for i := range m.vcpus {
		if err := m.DumpRegisters(ctx, i, w); err != nil {
			return err
		}
	}

	return nil
}

// SetSingleStep turns single stepping of every vCPU on or off.
func (m *Machine) SetSingleStep(ctx context.Context, on bool) error {
	for i := range m.vcpus {
		if err := m.onCPU(ctx, i, func(c *kvmCPU) error {
			return kvm.SingleStep(c.fd, on)
		}); err != nil {
			return fmt.Errorf("vcpu %d: single step %v: %w", i, on, err)
		}
	}

	return nil
}

// DumpMemory writes a hex dump of size bytes of guest memory at addr.
func (m *Machine) DumpMemory(w io.Writer, addr, size uint64) error {
	b, err := m.ledger.Slice(addr, int(size))
	if err != nil {
		return err
	}

	fmt.Fprintf(w, "guest memory %#x-%#x:\n", addr, addr+size)

	d := hex.Dumper(w)
	if _, err := d.Write(b); err != nil {
		return err
	}

	return d.Close()
}

// RegisterMMIO traps guest accesses to [addr, addr+length). With coalesce
// set, writes are batched by the backend and delivered at the next exit.
func (m *Machine) RegisterMMIO(addr, length uint64, h iobus.Handler, coalesce bool) error {
	var flags iobus.Flags
	if coalesce {
		flags |= iobus.Coalesce
	}

	return m.bus.Register(iobus.MMIO, addr, length, h, flags)
}

func (m *Machine) DeregisterMMIO(addr uint64) bool {
	return m.bus.Deregister(iobus.MMIO, addr)
}

// RegisterPIO traps the ports [port, port+length).
func (m *Machine) RegisterPIO(port, length uint64, h iobus.Handler) error {
	return m.bus.Register(iobus.PIO, port, length, h, 0)
}

func (m *Machine) DeregisterPIO(port uint64) bool {
	return m.bus.Deregister(iobus.PIO, port)
}

// RegisterMemory adds a memory bank backed by host memory at hostAddr, or
// none for reserved banks.
func (m *Machine) RegisterMemory(gpa, size uint64, hostAddr uintptr, typ memory.Type) error {
	return m.ledger.Register(gpa, size, hostAddr, typ)
}

func (m *Machine) DestroyMemory(gpa, size uint64, hostAddr uintptr) error {
	return m.ledger.Destroy(gpa, size, hostAddr)
}

// Banks returns a snapshot of the memory banks in slot order.
func (m *Machine) Banks() []memory.Bank {
	return m.ledger.Banks()
}

// Trap returns the trap covering addr on bus.
func (m *Machine) Trap(bus iobus.Bus, addr uint64) (iobus.Trap, bool) {
	return m.bus.Lookup(bus, addr)
}

func (m *Machine) GuestToHost(gpa uint64) (uintptr, bool) {
	return m.ledger.GuestToHost(gpa)
}

func (m *Machine) HostToGuest(ptr uintptr) (uint64, bool) {
	return m.ledger.HostToGuest(ptr)
}

// ReadAt reads guest physical memory.
func (m *Machine) ReadAt(b []byte, off int64) (int, error) {
	return m.ledger.ReadAt(b, off)
}

// WriteAt writes guest physical memory.
func (m *Machine) WriteAt(b []byte, off int64) (int, error) {
	return m.ledger.WriteAt(b, off)
}

// Close stops the vCPUs and releases every resource of the machine.
func (m *Machine) Close() error {
	var errs []error

	m.closeOnce.Do(func() {
		m.Stop()

		for i, v := range m.vcpus {
			if m.started.Load() {
				<-v.Done()
			}

			if err := v.Close(); err != nil {
				errs = append(errs, fmt.Errorf("vcpu %d: %w", i, err))
			}
		}

		if m.mem != nil {
			if err := unix.Munmap(m.mem); err != nil {
				errs = append(errs, fmt.Errorf("munmap guest RAM: %w", err))
			}

			m.mem = nil
		}

		if m.vmFd != 0 {
			if err := unix.Close(int(m.vmFd)); err != nil {
				errs = append(errs, fmt.Errorf("close vm: %w", err))
			}
		}

		if m.kvmFile != nil {
			if err := m.kvmFile.Close(); err != nil {
				errs = append(errs, err)
			}
		}
	})

	return errors.Join(errs...)
}
