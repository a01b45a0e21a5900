// Package pci emulates PCI configuration mechanism #1 for a single bus
// and keeps the IO BAR of every function mapped on the I/O bus.
package pci

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"log"
	"sync"

	"github.com/bobuhiro11/kvmcore/iobus"
)

// Configuration Space Access Mechanism #1
//
// refs
// https://wiki.osdev.org/PCI
// http://www2.comp.ufscar.br/~helio/boot-int/pci.html
const (
	ConfAddrPort = 0xcf8
	ConfDataPort = 0xcfc

	confPortSize = 4

	offCommand = 0x04
	offBAR0    = 0x10
	offIntLine = 0x3c

	barIOSpace = 0x1
	cmdIO      = 0x1
)

var (
	ErrIONotPermit  = errors.New("IO is not permitted for this PCI function")
	ErrBARSize      = errors.New("IO BAR size must be a power of two of at least 4")
	ErrTooManySlots = errors.New("too many PCI functions")
)

type address uint32

func (a address) getRegisterOffset() uint32 {
	return uint32(a) & 0xfc
}

func (a address) getFunctionNumber() uint32 {
	return (uint32(a) >> 8) & 0x7
}

func (a address) getDeviceNumber() uint32 {
	return (uint32(a) >> 11) & 0x1f
}

func (a address) getBusNumber() uint32 {
	return (uint32(a) >> 16) & 0xff
}

func (a address) isEnable() bool {
	return uint32(a)>>31 == 0x1
}

// DeviceHeader is the type 0 configuration header.
type DeviceHeader struct {
	VendorID                uint16
	DeviceID                uint16
	Command                 uint16
	Status                  uint16
	RevisonID               uint8
	ClassCode               [3]uint8
	CacheLineSize           uint8
	LatencyTimer            uint8
	HeaderType              uint8
	BIST                    uint8
	BAR                     [6]uint32
	CardbusCISPointer       uint32
	SubsystemVendorID       uint16
	SubsystemID             uint16
	ExpansionROMBaseAddress uint32
	CapabilitiesPointer     uint8
	Reserved                [7]uint8
	InterruptLine           uint8
	InterruptPin            uint8
	MinGnt                  uint8
	MaxLat                  uint8
}

func (h *DeviceHeader) Bytes() ([]byte, error) {
	buf := new(bytes.Buffer)

	if err := binary.Write(buf, binary.LittleEndian, h); err != nil {
		return []byte{}, err
	}

	return buf.Bytes(), nil
}

// Device is a function on bus 0. IO handlers receive the offset into the
// IO BAR, which stays valid when the guest moves the BAR.
type Device interface {
	GetDeviceHeader() DeviceHeader
	// GetIORange returns the initial IO BAR window. An empty window means
	// the function has no IO BAR.
	GetIORange() (start, end uint64)
	IOInHandler(offset uint64, data []byte) error
	IOOutHandler(offset uint64, data []byte) error
}

type function struct {
	dev    Device
	hdr    DeviceHeader
	ioBase uint64
	ioSize uint64
	mapped bool
}

// PCI is the configuration space of bus 0.
type PCI struct {
	mu    sync.Mutex
	addr  address
	funcs []*function
	bus   *iobus.Registry
}

// New puts devices at 00:00.0, 00:01.0 and so on.
func New(bus *iobus.Registry, devices ...Device) (*PCI, error) {
	if len(devices) > 32 {
		return nil, ErrTooManySlots
	}

	p := &PCI{bus: bus}

	for _, d := range devices {
		f := &function{dev: d, hdr: d.GetDeviceHeader()}

		start, end := d.GetIORange()
		if end > start {
			f.ioBase, f.ioSize = start, end-start
			if f.ioSize < 4 || f.ioSize&(f.ioSize-1) != 0 || start&(f.ioSize-1) != 0 {
				return nil, fmt.Errorf("%04x:%04x: %w", f.hdr.VendorID, f.hdr.DeviceID, ErrBARSize)
			}

			f.hdr.BAR[0] = uint32(start) | barIOSpace
			f.hdr.Command |= cmdIO
		}

		p.funcs = append(p.funcs, f)
	}

	return p, nil
}

// Register traps the configuration ports and every IO BAR.
func (p *PCI) Register() error {
	if err := p.bus.Register(iobus.PIO, ConfAddrPort, confPortSize, iobus.HandlerFunc(p.confAddr), 0); err != nil {
		return err
	}

	if err := p.bus.Register(iobus.PIO, ConfDataPort, confPortSize, iobus.HandlerFunc(p.confData), 0); err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	for _, f := range p.funcs {
		if f.ioSize == 0 {
			continue
		}

		if err := p.mapIO(f); err != nil {
			return err
		}
	}

	return nil
}

// mapIO is called with p.mu held.
func (p *PCI) mapIO(f *function) error {
	base := f.ioBase
	h := iobus.HandlerFunc(func(_ int, port uint64, data []byte, isWrite bool) error {
		if isWrite {
			return f.dev.IOOutHandler(port-base, data)
		}

		return f.dev.IOInHandler(port-base, data)
	})

	if err := p.bus.Register(iobus.PIO, base, f.ioSize, h, 0); err != nil {
		return err
	}

	f.mapped = true

	return nil
}

// IOBase returns the current IO BAR base of the function in slot.
func (p *PCI) IOBase(slot int) (uint64, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if slot >= len(p.funcs) || !p.funcs[slot].mapped {
		return 0, false
	}

	return p.funcs[slot].ioBase, true
}

func (p *PCI) confAddr(_ int, port uint64, data []byte, isWrite bool) error {
	// Only dword accesses at 0xcf8 select a register. 0xcf9 is the reset
	// control register, not emulated.
	if port != ConfAddrPort || len(data) != 4 {
		if !isWrite {
			for i := range data {
				data[i] = 0
			}
		}

		return nil
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if isWrite {
		p.addr = address(binary.LittleEndian.Uint32(data))
	} else {
		binary.LittleEndian.PutUint32(data, uint32(p.addr))
	}

	return nil
}

// selected returns the function addressed by p.addr, if any. Called with
// p.mu held.
func (p *PCI) selected() *function {
	if !p.addr.isEnable() || p.addr.getBusNumber() != 0 || p.addr.getFunctionNumber() != 0 {
		return nil
	}

	slot := int(p.addr.getDeviceNumber())
	if slot >= len(p.funcs) {
		return nil
	}

	return p.funcs[slot]
}

func (p *PCI) confData(_ int, port uint64, data []byte, isWrite bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	// offset can be obtained from many source as below:
	//        (address from IO port 0xcf8) & 0xfc + (IO port address for Data) - 0xCFC
	// see pci_conf1_read in linux/arch/x86/pci/direct.c for more detail.
	offset := int(p.addr.getRegisterOffset() + uint32(port-ConfDataPort))
	f := p.selected()

	if isWrite {
		if f == nil {
			return nil
		}

		return p.writeConfig(f, offset, data)
	}

	for i := range data {
		data[i] = 0xff
	}

	if f == nil {
		return nil
	}

	b, err := f.hdr.Bytes()
	if err != nil {
		return err
	}

	for i := range data {
		if offset+i < len(b) {
			data[i] = b[offset+i]
		} else {
			data[i] = 0
		}
	}

	return nil
}

// writeConfig applies a guest write to the writable registers. Called with
// p.mu held.
func (p *PCI) writeConfig(f *function, offset int, data []byte) error {
	switch {
	case offset == offCommand && len(data) >= 2:
		f.hdr.Command = uint16(BytesToNum(data[:2]))
	case offset == offIntLine:
		f.hdr.InterruptLine = data[0]
	case offset == offBAR0 && len(data) == 4:
		return p.writeBAR0(f, uint32(BytesToNum(data)))
	}

	return nil
}

func (p *PCI) writeBAR0(f *function, v uint32) error {
	if f.ioSize == 0 {
		return nil
	}

	// Sizing: the guest writes all ones and reads back the size mask.
	if v == 0xffffffff {
		f.hdr.BAR[0] = SizeToBits(f.ioSize) | barIOSpace

		return nil
	}

	base := uint64(v &^ 0x3 & SizeToBits(f.ioSize))
	f.hdr.BAR[0] = uint32(base) | barIOSpace

	if f.mapped && base == f.ioBase {
		return nil
	}

	if f.mapped {
		p.bus.Deregister(iobus.PIO, f.ioBase)
		f.mapped = false
	}

	f.ioBase = base
	if base == 0 {
		return nil
	}

	if err := p.mapIO(f); err != nil {
		log.Printf("pci: %04x:%04x: move IO BAR to %#x: %v", f.hdr.VendorID, f.hdr.DeviceID, base, err)

		return err
	}

	return nil
}

// SizeToBits returns the BAR mask that tells the guest a BAR of size bytes.
func SizeToBits(size uint64) uint32 {
	return ^uint32(size - 1)
}

// BytesToNum decodes little endian bytes.
func BytesToNum(b []byte) uint64 {
	var n uint64

	for i := len(b) - 1; i >= 0; i-- {
		n = n<<8 | uint64(b[i])
	}

	return n
}

// NumToBytes encodes an unsigned integer in little endian. Other types
// yield an empty slice.
func NumToBytes(x interface{}) []byte {
	switch v := x.(type) {
	case uint8:
		return []byte{v}
	case uint16:
		return binary.LittleEndian.AppendUint16(nil, v)
	case uint32:
		return binary.LittleEndian.AppendUint32(nil, v)
	case uint64:
		return binary.LittleEndian.AppendUint64(nil, v)
	}

	return []byte{}
}
