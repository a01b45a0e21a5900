package pci

import (
	"sync"
	"sync/atomic"
)

const testDevSize = 0x100

// TestDevice is a scratch pad behind an IO BAR, using the IDs of the
// pci-testdev function. Reads return what was last written at the offset.
type TestDevice struct {
	base uint64

	mu      sync.Mutex
	scratch [testDevSize]byte

	accesses atomic.Uint64
}

func NewTestDevice(ioBase uint64) *TestDevice {
	return &TestDevice{base: ioBase}
}

func (d *TestDevice) GetDeviceHeader() DeviceHeader {
	return DeviceHeader{
		VendorID:  0x1b36,
		DeviceID:  0x0005,
		ClassCode: [3]uint8{0x00, 0x00, 0xff},
	}
}

func (d *TestDevice) GetIORange() (start, end uint64) {
	return d.base, d.base + testDevSize
}

func (d *TestDevice) IOInHandler(offset uint64, data []byte) error {
	d.accesses.Add(1)

	d.mu.Lock()
	defer d.mu.Unlock()

	for i := range data {
		data[i] = d.scratch[(offset+uint64(i))%testDevSize]
	}

	return nil
}

func (d *TestDevice) IOOutHandler(offset uint64, data []byte) error {
	d.accesses.Add(1)

	d.mu.Lock()
	defer d.mu.Unlock()

	for i, b := range data {
		d.scratch[(offset+uint64(i))%testDevSize] = b
	}

	return nil
}

// Accesses returns how many accesses reached the device.
func (d *TestDevice) Accesses() uint64 {
	return d.accesses.Load()
}
