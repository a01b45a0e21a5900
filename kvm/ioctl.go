package kvm

import (
	"errors"

	"golang.org/x/sys/unix"
)

const (
	kvmio = 0xAE

	iocNone  = 0
	iocWrite = 1
	iocRead  = 2

	iocNRShift   = 0
	iocTypeShift = 8
	iocSizeShift = 16
	iocDirShift  = 30
)

// ioctl numbers, without direction and size. IIO* helpers encode them.
const (
	kvmGetAPIVersion       = 0x00
	kvmCreateVM            = 0x01
	kvmGetMSRIndexList     = 0x02
	kvmCheckExtension      = 0x03
	kvmGetVCPUMMapSize     = 0x04
	kvmGetSupportedCPUID   = 0x05
	kvmCreateVCPU          = 0x41
	kvmSetUserMemoryRegion = 0x46
	kvmSetTSSAddr          = 0x47
	kvmSetIdentityMapAddr  = 0x48
	kvmCreateIRQChip       = 0x60
	kvmIRQLine             = 0x61
	kvmRegisterCoalesced   = 0x67
	kvmUnregisterCoalesced = 0x68
	kvmCreatePIT2          = 0x77
	kvmRun                 = 0x80
	kvmGetRegs             = 0x81
	kvmSetRegs             = 0x82
	kvmGetSregs            = 0x83
	kvmSetSregs            = 0x84
	kvmTranslate           = 0x85
	kvmSetCPUID2           = 0x90
	kvmGetMPState          = 0x98
	kvmSetMPState          = 0x99
	kvmNMI                 = 0x9A
	kvmSetGuestDebug       = 0x9B
	kvmGetDebugRegs        = 0xA1
	kvmSetDebugRegs        = 0xA2
	kvmKVMClockCtrl        = 0xAD
)

// APIVersion is the only KVM API version ever shipped.
const APIVersion = 12

func ioc(dir, nr, size uintptr) uintptr {
	return dir<<iocDirShift | kvmio<<iocTypeShift | nr<<iocNRShift | size<<iocSizeShift
}

// IIO encodes an ioctl without payload.
func IIO(nr uintptr) uintptr {
	return ioc(iocNone, nr, 0)
}

// IIOR encodes an ioctl the kernel writes size bytes into.
func IIOR(nr, size uintptr) uintptr {
	return ioc(iocRead, nr, size)
}

// IIOW encodes an ioctl the kernel reads size bytes from.
func IIOW(nr, size uintptr) uintptr {
	return ioc(iocWrite, nr, size)
}

// IIOWR encodes an ioctl passing size bytes both ways.
func IIOWR(nr, size uintptr) uintptr {
	return ioc(iocRead|iocWrite, nr, size)
}

// Ioctl issues the ioctl and retries while it is interrupted by a signal.
// Run must not go through here: an interrupted KVM_RUN is how a vCPU is kicked.
func Ioctl(fd, op, arg uintptr) (uintptr, error) {
	for {
		res, err := ioctl(fd, op, arg)
		if errors.Is(err, unix.EINTR) {
			continue
		}

		return res, err
	}
}

func ioctl(fd, op, arg uintptr) (uintptr, error) {
	res, _, errno := unix.Syscall(unix.SYS_IOCTL, fd, op, arg)
	if errno != 0 {
		return res, errno
	}

	return res, nil
}
