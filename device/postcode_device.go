package device

import (
	"fmt"
	"io"
	"sync/atomic"
)

const PostCodePort = 0x80

// PostCodeDevice is the POST diagnostic port. Firmware writes progress
// codes, and some firmware debug output, one byte at a time.
type PostCodeDevice struct {
	// Out receives the written bytes as characters. Nil discards them.
	Out io.Writer

	last atomic.Uint32
}

// Read returns the last code written, like a POST card latch.
func (p *PostCodeDevice) Read(port uint64, data []byte) error {
	if len(data) != 1 {
		return errDataLenInvalid
	}

	data[0] = byte(p.last.Load())

	return nil
}

func (p *PostCodeDevice) Write(port uint64, data []byte) error {
	if len(data) != 1 {
		return errDataLenInvalid
	}

	p.last.Store(uint32(data[0]))

	if p.Out == nil {
		return nil
	}

	if data[0] == '\000' {
		fmt.Fprintf(p.Out, "\r\n")
	} else {
		fmt.Fprintf(p.Out, "%c", data[0])
	}

	return nil
}

// Last returns the last code written.
func (p *PostCodeDevice) Last() byte {
	return byte(p.last.Load())
}

func (p *PostCodeDevice) IOPort() uint64 {
	return PostCodePort
}

func (p *PostCodeDevice) Size() uint64 {
	return 0x1
}
