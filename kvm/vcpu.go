package kvm

import "unsafe"

// MP states of a vCPU.
const (
	MPStateRunnable      = 0
	MPStateUninitialized = 1
	MPStateInitReceived  = 2
	MPStateHalted        = 3
	MPStateSIPIReceived  = 4
)

const (
	guestDebugEnable     = 1 << 0
	guestDebugSingleStep = 1 << 1
)

type mpState struct {
	State uint32
}

type guestDebug struct {
	Control  uint32
	_        uint32
	DebugReg [8]uint64
}

// GetMPState returns the multiprocessing state of a vCPU.
func GetMPState(vcpuFd uintptr) (uint32, error) {
	s := mpState{}
	_, err := Ioctl(vcpuFd, IIOR(kvmGetMPState, unsafe.Sizeof(s)), uintptr(unsafe.Pointer(&s)))

	return s.State, err
}

// SetMPState sets the multiprocessing state of a vCPU. Application
// processors are held in MPStateUninitialized until the boot CPU sends SIPI.
func SetMPState(vcpuFd uintptr, state uint32) error {
	s := mpState{State: state}
	_, err := Ioctl(vcpuFd, IIOW(kvmSetMPState, unsafe.Sizeof(s)), uintptr(unsafe.Pointer(&s)))

	return err
}

// NMI queues a non maskable interrupt for the vCPU.
func NMI(vcpuFd uintptr) error {
	_, err := Ioctl(vcpuFd, IIO(kvmNMI), 0)

	return err
}

// KVMClockCtrl tells the guest, through kvmclock, that it was paused by the
// host so its soft lockup watchdog does not fire. EINVAL means the guest
// does not use kvmclock.
func KVMClockCtrl(vcpuFd uintptr) error {
	_, err := Ioctl(vcpuFd, IIO(kvmKVMClockCtrl), 0)

	return err
}

// SingleStep enables or disables single stepping. Each step exits with
// EXITDEBUG.
func SingleStep(vcpuFd uintptr, onoff bool) error {
	dbg := guestDebug{}
	if onoff {
		dbg.Control = guestDebugEnable | guestDebugSingleStep
	}

	_, err := Ioctl(vcpuFd,
		IIOW(kvmSetGuestDebug, unsafe.Sizeof(guestDebug{})),
		uintptr(unsafe.Pointer(&dbg)))

	return err
}
