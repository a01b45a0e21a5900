package machine

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"reflect"

	"github.com/bobuhiro11/kvmcore/kvm"
	"github.com/davecgh/go-spew/spew"
	"golang.org/x/arch/x86/x86asm"
)

var (
	// ErrBadRegister indicates a bad register was used.
	ErrBadRegister = errors.New("bad register")
	// ErrBadVA is returned when a guest virtual address has no mapping.
	ErrBadVA = errors.New("bad virtual address")
	// ErrBadCPU is returned for a vCPU index out of range.
	ErrBadCPU = errors.New("no such vcpu")
	// ErrBadArg is returned for an argument index out of range.
	ErrBadArg = errors.New("bad argument index")
)

func (m *Machine) cpu(cpu int) (*kvmCPU, error) {
	if cpu < 0 || cpu >= len(m.cpus) {
		return nil, fmt.Errorf("%w: %d", ErrBadCPU, cpu)
	}

	return m.cpus[cpu], nil
}

// GetRegs returns the general purpose registers of cpu. Like every vCPU
// ioctl it blocks while the vCPU is inside the guest.
func (m *Machine) GetRegs(cpu int) (*kvm.Regs, error) {
	c, err := m.cpu(cpu)
	if err != nil {
		return nil, err
	}

	return kvm.GetRegs(c.fd)
}

// SetRegs sets the general purpose registers of cpu.
func (m *Machine) SetRegs(cpu int, r *kvm.Regs) error {
	c, err := m.cpu(cpu)
	if err != nil {
		return err
	}

	return kvm.SetRegs(c.fd, r)
}

// GetSregs returns the segment and control registers of cpu.
func (m *Machine) GetSregs(cpu int) (*kvm.Sregs, error) {
	c, err := m.cpu(cpu)
	if err != nil {
		return nil, err
	}

	return kvm.GetSregs(c.fd)
}

// VtoP translates a guest virtual address with the page tables of cpu.
func (m *Machine) VtoP(cpu int, vaddr uintptr) (int64, error) {
	c, err := m.cpu(cpu)
	if err != nil {
		return -1, err
	}

	t := &kvm.Translation{LinearAddress: uint64(vaddr)}
	if err := kvm.Translate(c.fd, t); err != nil {
		return -1, err
	}

	if t.Valid == 0 {
		return -1, fmt.Errorf("%#x: valid not set: %w", vaddr, ErrBadVA)
	}

	if _, ok := m.ledger.GuestToHost(t.PhysicalAddress); !ok {
		return -1, fmt.Errorf("%#x -> %#x is not RAM: %w", vaddr, t.PhysicalAddress, ErrBadVA)
	}

	return int64(t.PhysicalAddress), nil
}

// GetReg returns a pointer to the register of r named by reg.
func GetReg(r *kvm.Regs, reg x86asm.Reg) (*uint64, error) {
	switch reg {
	case x86asm.RAX:
		return &r.RAX, nil
	case x86asm.RCX:
		return &r.RCX, nil
	case x86asm.RDX:
		return &r.RDX, nil
	case x86asm.RBX:
		return &r.RBX, nil
	case x86asm.RSP:
		return &r.RSP, nil
	case x86asm.RBP:
		return &r.RBP, nil
	case x86asm.RSI:
		return &r.RSI, nil
	case x86asm.RDI:
		return &r.RDI, nil
	case x86asm.R8:
		return &r.R8, nil
	case x86asm.R9:
		return &r.R9, nil
	case x86asm.R10:
		return &r.R10, nil
	case x86asm.R11:
		return &r.R11, nil
	case x86asm.R12:
		return &r.R12, nil
	case x86asm.R13:
		return &r.R13, nil
	case x86asm.R14:
		return &r.R14, nil
	case x86asm.R15:
		return &r.R15, nil
	case x86asm.RIP:
		return &r.RIP, nil
	}

	return nil, fmt.Errorf("%s: %w", reg, ErrBadRegister)
}

// Args returns the top nargs args, going down the stack if needed. The max is 6.
// This is UEFI calling convention.
func (m *Machine) Args(cpu int, r *kvm.Regs, nargs int) ([]uintptr, error) {
	if _, err := m.cpu(cpu); err != nil {
		return nil, err
	}

	if nargs < 0 || nargs > 6 {
		return nil, fmt.Errorf("%d args: %w", nargs, ErrBadArg)
	}

	args := []uintptr{uintptr(r.RCX), uintptr(r.RDX), uintptr(r.R8), uintptr(r.R9)}

	sp := uintptr(r.RSP)
	for off := uintptr(0x28); len(args) < nargs; off += 8 {
		w, err := m.ReadWord(cpu, sp+off)
		if err != nil {
			return nil, err
		}

		args = append(args, uintptr(w))
	}

	return args[:nargs], nil
}

// Pointer returns the address referenced by the memory operand inst.Args[arg].
func (m *Machine) Pointer(inst *x86asm.Inst, r *kvm.Regs, arg int) (uintptr, error) {
	if arg < 0 || arg >= len(inst.Args) || inst.Args[arg] == nil {
		return 0, fmt.Errorf("arg %d of %v: %w", arg, inst, ErrBadArg)
	}

	// The general form is Segment:[Base+Scale*Index+Disp].
	mem, ok := inst.Args[arg].(x86asm.Mem)
	if !ok {
		return 0, fmt.Errorf("arg %d of %v is not memory: %w", arg, inst, ErrBadArg)
	}

	b, err := GetReg(r, mem.Base)
	if err != nil {
		return 0, fmt.Errorf("base reg %v in %v: %w", mem.Base, mem, err)
	}

	addr := *b + uint64(mem.Disp)

	if x, err := GetReg(r, mem.Index); err == nil {
		addr += uint64(mem.Scale) * (*x)
	}

	return uintptr(addr), nil
}

// Pop pops the stack and returns what was at TOS.
// It is most often used to get the caller PC (cpc).
func (m *Machine) Pop(cpu int, r *kvm.Regs) (uint64, error) {
	cpc, err := m.ReadWord(cpu, uintptr(r.RSP))
	if err != nil {
		return 0, err
	}

	r.RSP += 8

	return cpc, nil
}

// cpuMode returns the x86asm decoding mode of the vCPU.
func cpuMode(s *kvm.Sregs) int {
	switch {
	case s.EFER&EFERxLMA != 0 && s.CS.L != 0:
		return 64
	case s.CR0&CR0xPE != 0 && s.CS.DB != 0:
		return 32
	}

	return 16
}

// Inst retrieves an instruction from the guest, at RIP.
// It returns an x86asm.Inst, the registers, a string in GNU syntax, and
// an error.
func (m *Machine) Inst(cpu int) (*x86asm.Inst, *kvm.Regs, string, error) {
	r, err := m.GetRegs(cpu)
	if err != nil {
		return nil, nil, "", fmt.Errorf("Inst: GetRegs: %w", err)
	}

	s, err := m.GetSregs(cpu)
	if err != nil {
		return nil, nil, "", fmt.Errorf("Inst: GetSregs: %w", err)
	}

	pc := uintptr(s.CS.Base + r.RIP)

	// We know the PC; grab a bunch of bytes there, then decode and print
	insn := make([]byte, 16)
	if _, err := m.ReadBytes(cpu, insn, pc); err != nil {
		return nil, nil, "", fmt.Errorf("reading PC at %#x: %w", pc, err)
	}

	d, err := x86asm.Decode(insn, cpuMode(s))
	if err != nil {
		return nil, nil, "", fmt.Errorf("decoding %#02x: %w", insn, err)
	}

	return &d, r, x86asm.GNUSyntax(d, r.RIP, nil), nil
}

// Asm returns a string for the given instruction at the given pc.
func Asm(d *x86asm.Inst, pc uint64) string {
	return "\"" + x86asm.GNUSyntax(*d, pc, nil) + "\""
}

// CallInfo provides calling info for a function.
func CallInfo(inst *x86asm.Inst, r *kvm.Regs) string {
	l := fmt.Sprintf("%s[", show("", r))
	for _, a := range inst.Args {
		if a == nil {
			break
		}

		l += fmt.Sprintf("%v,", a)
	}

	l += fmt.Sprintf("(%#x, %#x, %#x, %#x)", r.RCX, r.RDX, r.R8, r.R9)

	return l
}

// WriteWord writes the given word into the guest's virtual address space.
func (m *Machine) WriteWord(cpu int, vaddr uintptr, word uint64) error {
	pa, err := m.VtoP(cpu, vaddr)
	if err != nil {
		return err
	}

	var b [8]byte

	binary.LittleEndian.PutUint64(b[:], word)
	_, err = m.WriteAt(b[:], pa)

	return err
}

// ReadBytes reads bytes from the CPUs virtual address space.
func (m *Machine) ReadBytes(cpu int, b []byte, vaddr uintptr) (int, error) {
	pa, err := m.VtoP(cpu, vaddr)
	if err != nil {
		return -1, err
	}

	return m.ReadAt(b, pa)
}

// ReadWord reads the given word from the cpu's virtual address space.
func (m *Machine) ReadWord(cpu int, vaddr uintptr) (uint64, error) {
	var b [8]byte
	if _, err := m.ReadBytes(cpu, b[:], vaddr); err != nil {
		return 0, err
	}

	return binary.LittleEndian.Uint64(b[:]), nil
}

func showOne(indent string, in interface{}) string {
	var ret string

	s := reflect.ValueOf(in).Elem()
	typeOfT := s.Type()

	for i := 0; i < s.NumField(); i++ {
		f := s.Field(i)
		if !f.CanInterface() {
			continue
		}

		ret += fmt.Sprintf(indent+"%s %s = %#x\n", typeOfT.Field(i).Name, f.Type(), f.Interface())
	}

	return ret
}

func show(indent string, l ...interface{}) string {
	var ret string
	for _, i := range l {
		ret += showOne(indent, i)
	}

	return ret
}

// dumpCPU writes registers and the instruction at RIP. It must run on the
// vCPU thread or while the vCPU is out of the guest.
func (m *Machine) dumpCPU(c *kvmCPU, w io.Writer) error {
	r, err := kvm.GetRegs(c.fd)
	if err != nil {
		return fmt.Errorf("vcpu %d: GetRegs: %w", c.id, err)
	}

	s, err := kvm.GetSregs(c.fd)
	if err != nil {
		return fmt.Errorf("vcpu %d: GetSregs: %w", c.id, err)
	}

	fmt.Fprintf(w, "\n Registers: vcpu %d\n ---------\n", c.id)
	fmt.Fprintf(w, " rip: %016x   rsp: %016x flags: %016x\n", r.RIP, r.RSP, r.RFLAGS)
	fmt.Fprintf(w, " rax: %016x   rbx: %016x   rcx: %016x\n", r.RAX, r.RBX, r.RCX)
	fmt.Fprintf(w, " rdx: %016x   rsi: %016x   rdi: %016x\n", r.RDX, r.RSI, r.RDI)
	fmt.Fprintf(w, " rbp: %016x    r8: %016x    r9: %016x\n", r.RBP, r.R8, r.R9)
	fmt.Fprintf(w, " r10: %016x   r11: %016x   r12: %016x\n", r.R10, r.R11, r.R12)
	fmt.Fprintf(w, " r13: %016x   r14: %016x   r15: %016x\n", r.R13, r.R14, r.R15)
	fmt.Fprintf(w, " cr0: %016x   cr2: %016x   cr3: %016x\n", s.CR0, s.CR2, s.CR3)
	fmt.Fprintf(w, " cr4: %016x   cr8: %016x  efer: %016x\n", s.CR4, s.CR8, s.EFER)
	fmt.Fprintf(w, " mode: %d-bit, paging: %v\n", cpuMode(s), s.CR0&CR0xPG != 0)

	fmt.Fprintf(w, "\n Segment registers:\n ------------------\n")
	spew.Fdump(w, s.CS, s.SS, s.DS, s.ES, s.FS, s.GS, s.TR, s.LDT, s.GDT, s.IDT)

	fmt.Fprintf(w, "\n Code:\n -----\n")

	t := &kvm.Translation{LinearAddress: s.CS.Base + r.RIP}
	if err := kvm.Translate(c.fd, t); err != nil || t.Valid == 0 {
		fmt.Fprintf(w, " rip %#x is not mapped\n", r.RIP)

		return nil
	}

	insn := make([]byte, 16)
	if _, err := m.ledger.ReadAt(insn, int64(t.PhysicalAddress)); err != nil {
		fmt.Fprintf(w, " %v\n", err)

		return nil
	}

	fmt.Fprintf(w, " %#x: % x\n", r.RIP, insn)

	if d, err := x86asm.Decode(insn, cpuMode(s)); err == nil {
		fmt.Fprintf(w, " %#x: %s\n", r.RIP, x86asm.GNUSyntax(d, r.RIP, nil))
	}

	return nil
}
