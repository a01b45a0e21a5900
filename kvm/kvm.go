package kvm

import (
	"errors"
	"fmt"
	"unsafe"
)

const (
	tssAddr         = 0xFFFBD000
	identityMapAddr = 0xFFFBC000
)

// ErrAPIVersion is returned when /dev/kvm speaks another API version.
var ErrAPIVersion = errors.New("unsupported KVM API version")

// GetAPIVersion returns the KVM API version, which should always be 12.
func GetAPIVersion(kvmFd uintptr) (uintptr, error) {
	return Ioctl(kvmFd, IIO(kvmGetAPIVersion), 0)
}

// CheckAPIVersion fails unless the device implements APIVersion.
func CheckAPIVersion(kvmFd uintptr) error {
	v, err := GetAPIVersion(kvmFd)
	if err != nil {
		return err
	}

	if v != APIVersion {
		return fmt.Errorf("%w: got %d, want %d", ErrAPIVersion, v, APIVersion)
	}

	return nil
}

// CreateVM creates a VM and returns its file descriptor.
func CreateVM(kvmFd uintptr) (uintptr, error) {
	return Ioctl(kvmFd, IIO(kvmCreateVM), 0)
}

// CreateVCPU creates vCPU number id in the VM.
func CreateVCPU(vmFd uintptr, id int) (uintptr, error) {
	return Ioctl(vmFd, IIO(kvmCreateVCPU), uintptr(id))
}

// Run enters the guest once. It is not retried on EINTR.
func Run(vcpuFd uintptr) error {
	_, err := ioctl(vcpuFd, IIO(kvmRun), 0)

	return err
}

// GetVCPUMMmapSize returns the size of the shared kvm_run mapping.
func GetVCPUMMmapSize(kvmFd uintptr) (uintptr, error) {
	return Ioctl(kvmFd, IIO(kvmGetVCPUMMapSize), 0)
}

// SetTSSAddr places the three pages of the task state segment
// used by VMX real mode emulation.
func SetTSSAddr(vmFd uintptr) error {
	_, err := Ioctl(vmFd, IIO(kvmSetTSSAddr), tssAddr)

	return err
}

// SetIdentityMapAddr places the identity map page table just below the TSS.
func SetIdentityMapAddr(vmFd uintptr) error {
	addr := uint64(identityMapAddr)
	_, err := Ioctl(vmFd, IIOW(kvmSetIdentityMapAddr, 8), uintptr(unsafe.Pointer(&addr)))

	return err
}
