// Package device holds port I/O devices that sit behind a trap on the I/O
// bus.
package device

import "errors"

var errDataLenInvalid = errors.New("invalid data size on port")

// IODevice is a device decoding the ports [IOPort, IOPort+Size). Read and
// Write receive the absolute port.
type IODevice interface {
	Read(uint64, []byte) error
	Write(uint64, []byte) error
	IOPort() uint64
	Size() uint64
}
