// Package ebda builds the Intel MultiProcessor tables a guest scans the
// Extended BIOS Data Area for to find its processors and IO APIC.
package ebda

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
)

const (
	// FloatAddr is the start of the last KiB of base memory, one of the
	// places a guest scans for the floating pointer structure.
	FloatAddr = 0x9fc00
	// TableAddr holds the configuration table.
	TableAddr = 0x9d000
	// TableMax is the room for the configuration table below FloatAddr.
	TableMax = FloatAddr - TableAddr

	// BDAEBDASegment is the word of the BIOS Data Area pointing to the EBDA.
	BDAEBDASegment = 0x40e

	LAPICAddr  = 0xfee00000
	IOAPICAddr = 0xfec00000

	// ISAIRQs are routed to the IO APIC pins of the same number.
	ISAIRQs = 16

	specRev = 4
)

var ErrCPUs = errors.New("unsupported number of processors")

// Entry types of the configuration table.
const (
	entryProcessor = iota
	entryBus
	entryIOAPIC
	entryIOInterrupt
	entryLocalInterrupt
)

// Interrupt types of interrupt assignment entries.
const (
	intINT    = 0
	intNMI    = 1
	intExtINT = 3
)

// Intel MP Floating Pointer Structure
// ported from https://github.com/torvalds/linux/blob/5bfc75d92/arch/x86/include/asm/mpspec_def.h#L22-L33
type MPFIntel struct {
	Signature     uint32
	PhysPtr       uint32
	Length        uint8
	Specification uint8
	CheckSum      uint8
	Feature1      uint8
	Feature2      uint8
	Feature3      uint8
	Feature4      uint8
	Feature5      uint8
}

// MPCTable is the header of the configuration table.
type MPCTable struct {
	Signature uint32
	Length    uint16
	Spec      uint8
	CheckSum  uint8
	OEM       [8]byte
	ProductID [12]byte
	OEMPtr    uint32
	OEMSize   uint16
	OEMCount  uint16
	LAPIC     uint32
	Reserved  uint32
}

type mpcCPU struct {
	Type        uint8
	APICID      uint8
	APICVer     uint8
	CPUFlag     uint8
	CPUFeature  uint32
	FeatureFlag uint32
	Reserved    [2]uint32
}

type mpcBus struct {
	Type    uint8
	BusID   uint8
	BusType [6]byte
}

type mpcIOAPIC struct {
	Type     uint8
	APICID   uint8
	APICVer  uint8
	Flags    uint8
	APICAddr uint32
}

type mpcInt struct {
	Type      uint8
	IRQType   uint8
	IRQFlag   uint16
	SrcBus    uint8
	SrcBusIRQ uint8
	DstAPIC   uint8
	DstIRQ    uint8
}

const (
	cpuEnabled = 1 << 0
	cpuBoot    = 1 << 1

	// Family 6, the FPU and APIC feature bits.
	cpuSignature = 0x600
	cpuFeatures  = 0x201

	lapicVer  = 0x14
	ioapicVer = 0x11

	allAPICs = 0xff
)

func signature(s string) uint32 {
	return binary.LittleEndian.Uint32([]byte(s))
}

// checksum returns the byte making the sum of b and itself zero.
func checksum(b []byte) uint8 {
	var sum uint8
	for _, c := range b {
		sum += c
	}

	return -sum
}

// Tables holds the encoded floating pointer and configuration table.
type Tables struct {
	Float  []byte
	Config []byte
}

// New builds the tables for ncpus processors with APIC IDs 0 to ncpus-1,
// processor 0 booting. The IO APIC takes the next ID.
func New(ncpus int) (*Tables, error) {
	if ncpus < 1 || ncpus >= allAPICs {
		return nil, fmt.Errorf("%d: %w", ncpus, ErrCPUs)
	}

	ioapicID := uint8(ncpus)

	var entries []interface{}

	for i := 0; i < ncpus; i++ {
		flag := uint8(cpuEnabled)
		if i == 0 {
			flag |= cpuBoot
		}

		entries = append(entries, &mpcCPU{
			Type:        entryProcessor,
			APICID:      uint8(i),
			APICVer:     lapicVer,
			CPUFlag:     flag,
			CPUFeature:  cpuSignature,
			FeatureFlag: cpuFeatures,
		})
	}

	isa := &mpcBus{Type: entryBus}
	copy(isa.BusType[:], "ISA   ")

	entries = append(entries, isa, &mpcIOAPIC{
		Type:     entryIOAPIC,
		APICID:   ioapicID,
		APICVer:  ioapicVer,
		Flags:    cpuEnabled,
		APICAddr: IOAPICAddr,
	})

	for irq := uint8(0); irq < ISAIRQs; irq++ {
		entries = append(entries, &mpcInt{
			Type:      entryIOInterrupt,
			IRQType:   intINT,
			SrcBusIRQ: irq,
			DstAPIC:   ioapicID,
			DstIRQ:    irq,
		})
	}

	entries = append(entries,
		&mpcInt{Type: entryLocalInterrupt, IRQType: intExtINT, DstAPIC: allAPICs, DstIRQ: 0},
		&mpcInt{Type: entryLocalInterrupt, IRQType: intNMI, DstAPIC: allAPICs, DstIRQ: 1},
	)

	body := new(bytes.Buffer)
	for _, e := range entries {
		if err := binary.Write(body, binary.LittleEndian, e); err != nil {
			return nil, err
		}
	}

	hdr := MPCTable{
		Signature: signature("PCMP"),
		Length:    uint16(binary.Size(MPCTable{}) + body.Len()),
		Spec:      specRev,
		OEMCount:  uint16(len(entries)),
		LAPIC:     LAPICAddr,
	}
	copy(hdr.OEM[:], "KVMCORE ")
	copy(hdr.ProductID[:], "FLATBOOT    ")

	if int(hdr.Length) > TableMax {
		return nil, fmt.Errorf("%d processors need %#x bytes of table: %w", ncpus, hdr.Length, ErrCPUs)
	}

	config := new(bytes.Buffer)
	if err := binary.Write(config, binary.LittleEndian, &hdr); err != nil {
		return nil, err
	}

	config.Write(body.Bytes())

	cfg := config.Bytes()
	cfg[7] = checksum(cfg)

	mpf := MPFIntel{
		Signature:     signature("_MP_"),
		PhysPtr:       TableAddr,
		Length:        1,
		Specification: specRev,
	}

	float := new(bytes.Buffer)
	if err := binary.Write(float, binary.LittleEndian, &mpf); err != nil {
		return nil, err
	}

	fb := float.Bytes()
	fb[10] = checksum(fb)

	return &Tables{Float: fb, Config: cfg}, nil
}
