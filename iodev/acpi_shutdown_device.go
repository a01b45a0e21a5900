// Package iodev holds legacy platform ports that need little or no
// emulation.
package iodev

import "log"

// This device is used by EDK2/CloudHv to let the host know about a shutdown.
// See: https://github.com/cloud-hypervisor/edk2/blob/ch/OvmfPkg/Include/IndustryStandard/CloudHv.h

const (
	ACPIShutDownDevPort = uint64(0x600)

	// The ACPI DSDT table specifies the S5 sleep state (shutdown) as value 5.
	s5SleepVal       = uint8(5)
	sleepStatusENBit = uint8(5)
	sleepValBit      = uint8(2)

	rebootVal = 1
)

// ACPIShutDownDevice decodes sleep and reset requests of the guest.
type ACPIShutDownDevice struct {
	Port uint64

	OnShutdown func()
	OnReboot   func()
}

func NewACPIShutDownDevice(onShutdown, onReboot func()) *ACPIShutDownDevice {
	return &ACPIShutDownDevice{
		Port:       ACPIShutDownDevPort,
		OnShutdown: onShutdown,
		OnReboot:   onReboot,
	}
}

func (a *ACPIShutDownDevice) Read(base uint64, data []byte) error {
	for i := range data {
		data[i] = 0
	}

	return nil
}

func (a *ACPIShutDownDevice) Write(base uint64, data []byte) error {
	if len(data) == 0 {
		return nil
	}

	switch data[0] {
	case rebootVal:
		log.Println("ACPI Reboot signaled")

		if a.OnReboot != nil {
			a.OnReboot()
		}
	case (s5SleepVal << sleepValBit) | (1 << sleepStatusENBit):
		log.Println("ACPI Shutdown signalled")

		if a.OnShutdown != nil {
			a.OnShutdown()
		}
	}

	return nil
}

func (a *ACPIShutDownDevice) IOPort() uint64 {
	return a.Port
}

func (a *ACPIShutDownDevice) Size() uint64 {
	return 0x8
}
