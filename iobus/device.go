package iobus

import "github.com/bobuhiro11/kvmcore/device"

type deviceHandler struct {
	dev device.IODevice
}

func (d deviceHandler) HandleIO(_ int, addr uint64, data []byte, isWrite bool) error {
	if isWrite {
		return d.dev.Write(addr, data)
	}

	return d.dev.Read(addr, data)
}

// RegisterDevice registers dev over [IOPort, IOPort+Size) on bus.
func (r *Registry) RegisterDevice(bus Bus, dev device.IODevice, flags Flags) error {
	return r.Register(bus, dev.IOPort(), dev.Size(), deviceHandler{dev}, flags)
}

// DeregisterDevice undoes RegisterDevice.
func (r *Registry) DeregisterDevice(bus Bus, dev device.IODevice) bool {
	return r.Deregister(bus, dev.IOPort())
}
