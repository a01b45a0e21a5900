package machine

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log"
	"strings"
	"unsafe"

	"github.com/bobuhiro11/kvmcore/cpuid"
	"github.com/bobuhiro11/kvmcore/ebda"
	"github.com/bobuhiro11/kvmcore/kvm"
	"github.com/bobuhiro11/kvmcore/memory"
	"golang.org/x/sys/unix"
)

var (
	// ErrMissingCaps is returned when the host lacks a required capability.
	ErrMissingCaps = errors.New("required KVM extensions are not supported")
	// ErrImageTooBig is returned when an image does not fit guest RAM.
	ErrImageTooBig = errors.New("image does not fit guest memory")
)

//nolint:gochecknoglobals
var requiredCaps = []kvm.Capability{
	kvm.CapIRQChip,
	kvm.CapHLT,
	kvm.CapUserMemory,
	kvm.CapSetTSSAddr,
	kvm.CapPIT2,
	kvm.CapEXTCPUID,
	kvm.CapImmediateExit,
}

// checkCaps reports every missing required capability by name.
func checkCaps(kvmFd uintptr) error {
	var missing []string

	for _, c := range requiredCaps {
		if n, err := kvm.CheckExtension(kvmFd, c); err != nil || n <= 0 {
			missing = append(missing, c.String())
		}
	}

	if len(missing) > 0 {
		return fmt.Errorf("%w: %s", ErrMissingCaps, strings.Join(missing, ", "))
	}

	return nil
}

func initVM(vmFd uintptr) error {
	if err := kvm.SetTSSAddr(vmFd); err != nil {
		return fmt.Errorf("SetTSSAddr: %w", err)
	}

	if err := kvm.SetIdentityMapAddr(vmFd); err != nil {
		return fmt.Errorf("SetIdentityMapAddr: %w", err)
	}

	if err := kvm.CreateIRQChip(vmFd); err != nil {
		return fmt.Errorf("CreateIRQChip: %w", err)
	}

	if err := kvm.CreatePIT2(vmFd); err != nil {
		return fmt.Errorf("CreatePIT2: %w", err)
	}

	return nil
}

// setupRAM maps guest RAM and registers it, splitting it around the 32-bit
// gap below 4GiB. The gap is registered as three reserved pieces that the
// ledger merges into one bank.
func (m *Machine) setupRAM() error {
	var err error

	m.mem, err = unix.Mmap(-1, 0, m.MemSize,
		unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS|unix.MAP_NORESERVE)
	if err != nil {
		return fmt.Errorf("mmap %#x bytes of guest RAM: %w", m.MemSize, err)
	}

	base := uintptr(unsafe.Pointer(&m.mem[0]))
	size := uint64(m.MemSize)

	low := size
	if low > gapStart {
		low = gapStart
	}

	if err := m.ledger.Register(0, low, base, memory.RAM); err != nil {
		return err
	}

	if size > gapStart {
		if err := m.ledger.Register(highRAM, size-gapStart, base+gapStart, memory.RAM); err != nil {
			return err
		}
	}

	for _, r := range []memory.Region{
		{Start: gapStart, Size: ecamStart - gapStart},
		{Start: ecamStart, Size: mmioHigh - ecamStart},
		{Start: mmioHigh, Size: highRAM - mmioHigh},
	} {
		if err := m.ledger.Register(r.Start, r.Size, 0, memory.Reserved); err != nil {
			return err
		}
	}

	return nil
}

// setupMPTable writes the MultiProcessor tables listing every vCPU and
// points the BIOS Data Area at them.
func (m *Machine) setupMPTable() error {
	tb, err := ebda.New(m.NCPUs)
	if errors.Is(err, ebda.ErrCPUs) {
		log.Printf("machine: no MP table: %v", err)

		return nil
	}

	if err != nil {
		return err
	}

	if _, err := m.WriteAt(tb.Config, ebda.TableAddr); err != nil {
		return fmt.Errorf("MP configuration table: %w", err)
	}

	if _, err := m.WriteAt(tb.Float, ebda.FloatAddr); err != nil {
		return fmt.Errorf("MP floating pointer: %w", err)
	}

	seg := make([]byte, 2)
	binary.LittleEndian.PutUint16(seg, ebda.FloatAddr>>4)

	_, err = m.WriteAt(seg, ebda.BDAEBDASegment)

	return err
}

// negotiateCPUID configures the CPUID of c from what KVM supports and
// returns the vendor string the vCPU reports.
func (m *Machine) negotiateCPUID(c *kvmCPU) (string, error) {
	ids := &kvm.CPUID{}

	if err := kvm.GetSupportedCPUID(m.kvmFd, ids); err != nil {
		return "", fmt.Errorf("GetSupportedCPUID: %w", err)
	}

	patches := []cpuid.Patch{
		{Function: 1, Reg: cpuid.ECX, Bit: uint8(cpuid.HYPERVISOR), Set: true},
	}

	// KVM emulates the TSC deadline timer but does not report it.
	if n, err := kvm.CheckExtension(m.kvmFd, kvm.CapTSCDeadlineTimer); err == nil && n > 0 {
		patches = append(patches, cpuid.Patch{Function: 1, Reg: cpuid.ECX, Bit: uint8(cpuid.TSC_DEADLINE), Set: true})
	}

	if _, err := cpuid.Apply(ids, patches); err != nil {
		return "", err
	}

	// https://www.kernel.org/doc/html/latest/virt/kvm/cpuid.html
	for i := 0; i < int(ids.Nent); i++ {
		e := &ids.Entries[i]

		switch e.Function {
		case 1:
			// Initial APIC ID.
			e.Ebx = e.Ebx&0x00ffffff | uint32(c.id)<<24
		case 0xb:
			// x2APIC ID.
			e.Edx = uint32(c.id)
		case kvm.CPUIDFuncPerMon:
			e.Eax = 0 // disable
		case kvm.CPUIDSignature:
			e.Eax = kvm.CPUIDFeatures
			e.Ebx = 0x4b4d564b // KVMK
			e.Ecx = 0x564b4d56 // VMKV
			e.Edx = 0x4d       // M
		}
	}

	if err := kvm.SetCPUID2(c.fd, ids); err != nil {
		return "", fmt.Errorf("SetCPUID2: %w", err)
	}

	return ids.Vendor(), nil
}

// initCPU negotiates the target of c. Application processors stay powered
// off until the boot vCPU sends them INIT and SIPI.
func (m *Machine) initCPU(c *kvmCPU) (string, error) {
	vendor, err := m.negotiateCPUID(c)
	if err != nil {
		return "", fmt.Errorf("vcpu %d: %w", c.id, err)
	}

	if c.id != 0 {
		if err := kvm.SetMPState(c.fd, kvm.MPStateUninitialized); err != nil {
			return "", fmt.Errorf("vcpu %d: SetMPState: %w", c.id, err)
		}
	}

	return vendor, nil
}

// SetupRegs puts cpu 0 in flat 32-bit protected mode at rip, with rsi
// pointing to the boot arguments. Paging stays off.
func (m *Machine) SetupRegs(rip, rsi uint64, initrd memory.Region) error {
	c, err := m.cpu(0)
	if err != nil {
		return err
	}

	regs, err := kvm.GetRegs(c.fd)
	if err != nil {
		return err
	}

	regs.RFLAGS = 2
	regs.RIP = rip
	regs.RSI = rsi
	regs.RBX = initrd.Start
	regs.RCX = initrd.Size

	if err := kvm.SetRegs(c.fd, regs); err != nil {
		return err
	}

	sregs, err := kvm.GetSregs(c.fd)
	if err != nil {
		return err
	}

	// set all segment flat
	for _, s := range []*kvm.Segment{&sregs.CS, &sregs.DS, &sregs.ES, &sregs.FS, &sregs.GS, &sregs.SS} {
		s.Base, s.Limit, s.G = 0, 0xFFFFFFFF, 1
	}

	sregs.CS.DB, sregs.SS.DB = 1, 1
	sregs.CR0 |= CR0xPE

	return kvm.SetSregs(c.fd, sregs)
}

// lowRAMEnd returns the end of RAM below the 32-bit gap.
func (m *Machine) lowRAMEnd() uint64 {
	if uint64(m.MemSize) < gapStart {
		return uint64(m.MemSize)
	}

	return gapStart
}

// LoadKernel copies a flat kernel image to 1MiB, the optional initrd and
// the command line into guest RAM, and points the boot vCPU at the kernel.
func (m *Machine) LoadKernel(kernel, initrd io.Reader, params string) error {
	if len(params)+1 > cmdlineMax {
		return fmt.Errorf("command line of %d bytes: %w", len(params), ErrImageTooBig)
	}

	cmdline := append([]byte(params), 0)
	if _, err := m.WriteAt(cmdline, cmdlineAddr); err != nil {
		return fmt.Errorf("command line: %w", err)
	}

	image, err := io.ReadAll(kernel)
	if err != nil {
		return fmt.Errorf("reading kernel: %w", err)
	}

	end := uint64(kernelAddr + len(image))
	if end > m.lowRAMEnd() {
		return fmt.Errorf("kernel of %#x bytes: %w", len(image), ErrImageTooBig)
	}

	if _, err := m.WriteAt(image, kernelAddr); err != nil {
		return fmt.Errorf("kernel: %w", err)
	}

	if pad := m.lowRAMEnd() - end; pad > 0 {
		if pad > 0x1000 {
			pad = 0x1000
		}

		if err := m.FillPoison(end, pad); err != nil {
			return err
		}
	}

	rd := memory.Region{}

	if initrd != nil {
		b, err := io.ReadAll(initrd)
		if err != nil {
			return fmt.Errorf("reading initrd: %w", err)
		}

		if rd, err = m.placeInitrd(end, uint64(len(b))); err != nil {
			return err
		}

		if _, err := m.WriteAt(b, int64(rd.Start)); err != nil {
			return fmt.Errorf("initrd: %w", err)
		}
	}

	return m.SetupRegs(kernelAddr, cmdlineAddr, rd)
}

// placeInitrd returns where an initrd of size bytes goes: at initrdAddr if
// it fits, otherwise page aligned at the top of low RAM above the kernel.
func (m *Machine) placeInitrd(kernelEnd, size uint64) (memory.Region, error) {
	top := m.lowRAMEnd()

	if initrdAddr >= kernelEnd && initrdAddr+size <= top {
		return memory.Region{Start: initrdAddr, Size: size}, nil
	}

	if size > top {
		return memory.Region{}, fmt.Errorf("initrd of %#x bytes: %w", size, ErrImageTooBig)
	}

	start := (top - size) &^ 0xfff
	if start < kernelEnd+0x1000 {
		return memory.Region{}, fmt.Errorf("initrd of %#x bytes: %w", size, ErrImageTooBig)
	}

	return memory.Region{Start: start, Size: size}, nil
}

// FillPoison fills guest memory with Poison.
func (m *Machine) FillPoison(gpa, size uint64) error {
	b, err := m.ledger.Slice(gpa, int(size))
	if err != nil {
		return err
	}

	for i := 0; i < len(b); i += len(Poison) {
		copy(b[i:], Poison)
	}

	return nil
}
