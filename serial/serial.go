// Package serial emulates the 8250 UART behind COM1.
package serial

import (
	"io"
	"log"
	"sync"
)

const (
	COM1Addr = 0x03f8
	COM1IRQ  = 4

	numPorts   = 8
	inputDepth = 10000
)

// Register offsets from COM1Addr.
const (
	rbr = 0 // receive buffer (read), transmit holding (write), DLL with DLAB
	ier = 1 // interrupt enable, DLM with DLAB
	iir = 2 // interrupt identification (read), FIFO control (write)
	lcr = 3
	mcr = 4
	lsr = 5
	msr = 6
	scr = 7
)

const (
	lcrDLAB = 0x80

	ierRDI  = 0x01 // received data available
	ierTHRI = 0x02 // transmit holding register empty

	iirNoInt = 0x01
	iirTHRI  = 0x02
	iirRDI   = 0x04

	lsrDR   = 0x01
	lsrTHRE = 0x20
	lsrTEMT = 0x40

	msrDCD = 0x80
	msrDSR = 0x20
	msrCTS = 0x10
)

// IRQFunc drives the level of the interrupt line of the UART.
type IRQFunc func(irq, level uint32) error

// Serial is the COM1 UART. The guest may access it from every vCPU.
type Serial struct {
	mu sync.Mutex

	ier, lcr, mcr, scr byte
	dll, dlm           byte
	// set after a write until IIR is read.
	thrPending bool

	out   io.Writer
	input chan byte
	irq   IRQFunc
}

// New returns a UART that writes guest output to out and raises irq.
func New(out io.Writer, irq IRQFunc) *Serial {
	return &Serial{
		dll:   0x0c, // 9600 baud
		out:   out,
		input: make(chan byte, inputDepth),
		irq:   irq,
	}
}

// Input returns the channel the host console feeds guest input into. Call
// Notify after sending.
func (s *Serial) Input() chan<- byte {
	return s.input
}

func (s *Serial) IOPort() uint64 {
	return COM1Addr
}

func (s *Serial) Size() uint64 {
	return numPorts
}

func (s *Serial) dlab() bool {
	return s.lcr&lcrDLAB != 0
}

// pending returns the highest priority interrupt. Called with s.mu held.
func (s *Serial) pending() byte {
	switch {
	case s.ier&ierRDI != 0 && len(s.input) > 0:
		return iirRDI
	case s.ier&ierTHRI != 0 && s.thrPending:
		return iirTHRI
	}

	return iirNoInt
}

// Notify pulses the interrupt line if an interrupt is pending.
func (s *Serial) Notify() error {
	s.mu.Lock()
	pending := s.pending() != iirNoInt
	s.mu.Unlock()

	if !pending {
		return nil
	}

	return s.pulse()
}

func (s *Serial) pulse() error {
	if s.irq == nil {
		return nil
	}

	if err := s.irq(COM1IRQ, 0); err != nil {
		return err
	}

	return s.irq(COM1IRQ, 1)
}

func (s *Serial) Read(port uint64, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	v := byte(0)

	switch port - COM1Addr {
	case rbr:
		if s.dlab() {
			v = s.dll
		} else {
			select {
			case v = <-s.input:
			default:
			}
		}
	case ier:
		if s.dlab() {
			v = s.dlm
		} else {
			v = s.ier
		}
	case iir:
		v = s.pending() | 0xc0 // FIFOs enabled
		if v&0x0f == iirTHRI {
			s.thrPending = false
		}
	case lcr:
		v = s.lcr
	case mcr:
		v = s.mcr
	case lsr:
		v = lsrTHRE | lsrTEMT
		if len(s.input) > 0 {
			v |= lsrDR
		}
	case msr:
		v = msrDCD | msrDSR | msrCTS
	case scr:
		v = s.scr
	}

	for i := range data {
		data[i] = 0
	}

	if len(data) > 0 {
		data[0] = v
	}

	return nil
}

func (s *Serial) Write(port uint64, data []byte) error {
	if len(data) == 0 {
		return nil
	}

	v := data[0]
	raise := false

	s.mu.Lock()

	switch port - COM1Addr {
	case rbr:
		if s.dlab() {
			s.dll = v

			break
		}

		if _, err := s.out.Write([]byte{v}); err != nil {
			log.Printf("serial: %v", err)
		}

		s.thrPending = true
		raise = s.ier&ierTHRI != 0
	case ier:
		if s.dlab() {
			s.dlm = v

			break
		}

		s.ier = v & 0x0f
		if s.ier&ierTHRI != 0 {
			s.thrPending = true
		}

		raise = s.pending() != iirNoInt
	case iir:
		// FCR. FIFOs are always on.
	case lcr:
		s.lcr = v
	case mcr:
		s.mcr = v
	case scr:
		s.scr = v
	}

	s.mu.Unlock()

	if raise {
		return s.pulse()
	}

	return nil
}
