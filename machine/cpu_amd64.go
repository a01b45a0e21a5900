package machine

import (
	"fmt"
	"io"
	"sync/atomic"
	"unsafe"

	"github.com/bobuhiro11/kvmcore/kvm"
	"github.com/bobuhiro11/kvmcore/vcpu"
	"golang.org/x/sys/unix"
)

// kickSignal interrupts a vCPU thread blocked in KVM_RUN. The Go runtime
// catches it without action when nothing is subscribed to it.
const kickSignal = unix.SIGUSR2

// kvmCPU is the KVM side of one vCPU. It implements vcpu.Backend.
type kvmCPU struct {
	id int
	fd uintptr
	m  *Machine

	mmap []byte
	run  *kvm.RunData
	// Coalesced MMIO ring shared by all vCPUs, nil if unsupported.
	ring *kvm.CoalescedRing

	// Thread id of the vCPU goroutine once bound, 0 before.
	tid  atomic.Int32
	exit vcpu.Exit
}

func (m *Machine) newCPU(id int) (*kvmCPU, error) {
	fd, err := kvm.CreateVCPU(m.vmFd, id)
	if err != nil {
		return nil, fmt.Errorf("CreateVCPU %d: %w", id, err)
	}

	c := &kvmCPU{id: id, fd: fd, m: m}

	c.mmap, err = unix.Mmap(int(fd), 0, m.runSize, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		unix.Close(int(fd))

		return nil, fmt.Errorf("mmap kvm_run of vcpu %d: %w", id, err)
	}

	c.run = (*kvm.RunData)(unsafe.Pointer(&c.mmap[0]))

	if off := m.ringPage * unix.Getpagesize(); m.ringPage > 0 && off+unix.Getpagesize() <= len(c.mmap) {
		c.ring = (*kvm.CoalescedRing)(unsafe.Pointer(&c.mmap[off]))
	}

	return c, nil
}

func (c *kvmCPU) Bind() error {
	c.tid.Store(int32(unix.Gettid()))

	return nil
}

func (c *kvmCPU) Run() (*vcpu.Exit, error) {
	if err := kvm.Run(c.fd); err != nil {
		return nil, err
	}

	e := &c.exit
	*e = vcpu.Exit{Reason: c.run.Reason()}

	switch e.Reason {
	case kvm.EXITIO:
		direction, size, port, count, offset := c.run.IO()
		if offset+size*count > uint64(len(c.mmap)) {
			return nil, fmt.Errorf("%w: io data at %#x+%d*%d outside kvm_run",
				kvm.ErrUnexpectedExitReason, offset, size, count)
		}

		e.Addr = port
		e.Size = int(size)
		e.Count = int(count)
		e.IsWrite = direction == kvm.EXITIOOUT
		e.Data = c.mmap[offset : offset+size*count]
	case kvm.EXITMMIO:
		e.Addr, e.Data, e.IsWrite = c.run.MMIO()
		e.Size, e.Count = len(e.Data), 1
	case kvm.EXITINTERNALERROR:
		e.Suberror, e.ErrorData = c.run.InternalError()
	case kvm.EXITFAILENTRY:
		e.HardwareReason, _ = c.run.FailEntry()
	case kvm.EXITSYSTEMEVENT:
		e.EventType = c.run.SystemEvent()
	}

	return e, nil
}

func (c *kvmCPU) Kick() error {
	c.run.ImmediateExit = 1

	tid := c.tid.Load()
	if tid == 0 {
		return nil
	}

	if err := unix.Tgkill(unix.Getpid(), int(tid), kickSignal); err != nil {
		return fmt.Errorf("kick vcpu %d: %w", c.id, err)
	}

	return nil
}

func (c *kvmCPU) ResetKick() {
	c.run.ImmediateExit = 0
}

func (c *kvmCPU) InjectNMI() error {
	return kvm.NMI(c.fd)
}

func (c *kvmCPU) Dump(w io.Writer) error {
	return c.m.dumpCPU(c, w)
}

// DrainCoalesced hands the writes batched in the VM wide ring to fn. Any
// vCPU may drain it.
func (c *kvmCPU) DrainCoalesced(fn func(addr uint64, data []byte, pio bool)) {
	ring := c.ring
	if ring == nil || atomic.LoadUint32(&ring.First) == atomic.LoadUint32(&ring.Last) {
		return
	}

	c.m.ringMu.Lock()
	defer c.m.ringMu.Unlock()

	max := kvm.CoalescedRingMax(unix.Getpagesize())

	for first := atomic.LoadUint32(&ring.First); first != atomic.LoadUint32(&ring.Last); {
		ent := ring.Entry(first)
		n := ent.Len
		if n > uint32(len(ent.Data)) {
			n = uint32(len(ent.Data))
		}

		fn(ent.PhysAddr, ent.Data[:n], ent.PIO != 0)

		first = (first + 1) % max
		atomic.StoreUint32(&ring.First, first)
	}
}

func (c *kvmCPU) Close() error {
	if err := unix.Munmap(c.mmap); err != nil {
		return fmt.Errorf("munmap kvm_run of vcpu %d: %w", c.id, err)
	}

	return unix.Close(int(c.fd))
}
