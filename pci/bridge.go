package pci

type bridge struct{}

func (br bridge) GetDeviceHeader() DeviceHeader {
	return DeviceHeader{
		DeviceID: 0x0d57,
		VendorID: 0x8086,
		// host bridge
		ClassCode: [3]uint8{0x00, 0x00, 0x06},
	}
}

func (br bridge) IOInHandler(offset uint64, bytes []byte) error {
	return ErrIONotPermit
}

func (br bridge) IOOutHandler(offset uint64, bytes []byte) error {
	return ErrIONotPermit
}

func (br bridge) GetIORange() (start, end uint64) {
	return 0, 0
}

// NewBridge returns the host bridge, which goes in slot 0.
func NewBridge() Device {
	return &bridge{}
}
