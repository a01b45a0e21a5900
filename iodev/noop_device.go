package iodev

// NoopDevice swallows writes to a range of ports. Reads return Fill in
// every byte.
type NoopDevice struct {
	Name  string
	Port  uint64
	Psize uint64
	Fill  byte
}

func (n *NoopDevice) Read(port uint64, data []byte) error {
	for i := range data {
		data[i] = n.Fill
	}

	return nil
}

func (n *NoopDevice) Write(port uint64, data []byte) error {
	return nil
}

func (n *NoopDevice) IOPort() uint64 {
	return n.Port
}

func (n *NoopDevice) Size() uint64 {
	return n.Psize
}

// LegacyDevices returns the PC ports a Linux guest probes at boot that have
// no emulation behind them. The ranges do not overlap each other, COM1,
// the POST port or PCI configuration mechanism #1.
func LegacyDevices() []*NoopDevice {
	return []*NoopDevice{
		// In ubuntu 20.04 on wsl2, the output to IO port 0x64 continued
		// infinitely. To deal with this issue, refer to kvmtool and
		// configure the input to the Status Register of the PS2 controller.
		//
		// refs:
		// https://github.com/kvmtool/kvmtool/blob/0e1882a49f81cb15d328ef83a78849c0ea26eecc/hw/i8042.c#L312
		// https://wiki.osdev.org/%228042%22_PS/2_Controller
		{Name: "ps2", Port: 0x60, Psize: 0x10, Fill: 0x20},
		{Name: "cmos", Port: 0x70, Psize: 0x2},
		// DMA page registers, minus the POST port at 0x80.
		{Name: "dma-page", Port: 0x81, Psize: 0x1f},
		{Name: "com4", Port: 0x2e8, Psize: 0x8},
		{Name: "com2", Port: 0x2f8, Psize: 0x8},
		{Name: "vga-crtc", Port: 0x3b4, Psize: 0x2},
		{Name: "vga", Port: 0x3c0, Psize: 0x1b},
		{Name: "com3", Port: 0x3e8, Psize: 0x8},
		// PCI configuration space access mechanism #2.
		{Name: "pci-conf2", Port: 0xc000, Psize: 0x1000},
	}
}
