package machine

import (
	"errors"
	"fmt"
	"log"

	"github.com/bobuhiro11/kvmcore/kvm"
	"golang.org/x/sys/unix"
)

const (
	DefaultDev = "/dev/kvm"

	// MinMemSize is the smallest guest RAM accepted.
	MinMemSize = 64 << 20

	defaultCPUs = 4
	ramPerCPU   = 64 << 20
)

// ErrConfig is wrapped by every configuration validation error.
var ErrConfig = errors.New("invalid machine configuration")

// Config describes the machine to build. Zero values are replaced by
// defaults when the machine is created.
type Config struct {
	Dev    string
	Kernel string
	Initrd string
	Params string

	NCPUs   int
	MemSize int

	// TraceCount prints every TraceCount-th instruction while single
	// stepping. 0 disables tracing.
	TraceCount int
	SingleStep bool

	MMIODebug   bool
	IOPortDebug bool
}

// RecommendedCPUs returns the number of vCPUs the host recommends.
func RecommendedCPUs(kvmFd uintptr) int {
	n, err := kvm.CheckExtension(kvmFd, kvm.CapNRVCPUs)
	if err != nil || n <= 0 {
		// api.txt: if KVM_CAP_NR_VCPUS does not exist, assume 4.
		return defaultCPUs
	}

	return n
}

// MaxCPUs returns the maximum number of vCPUs a VM may have.
func MaxCPUs(kvmFd uintptr) int {
	n, err := kvm.CheckExtension(kvmFd, kvm.CapMaxVCPUs)
	if err != nil || n <= 0 {
		return RecommendedCPUs(kvmFd)
	}

	return n
}

// hostRAM returns the RAM of the host in bytes, or 0 if unknown.
func hostRAM() uint64 {
	var info unix.Sysinfo_t
	if err := unix.Sysinfo(&info); err != nil {
		log.Printf("machine: sysinfo: %v", err)

		return 0
	}

	return uint64(info.Totalram) * uint64(info.Unit)
}

// DefaultRAMSize returns 64MiB per vCPU plus 192MiB, at most 80% of the
// host RAM and at least MinMemSize.
func DefaultRAMSize(ncpus int) int {
	size := uint64(ramPerCPU) * uint64(ncpus+3)

	if host := hostRAM(); host > 0 && size > host/10*8 {
		size = host / 10 * 8
	}

	if size < MinMemSize {
		size = MinMemSize
	}

	return int(size)
}

// resolve fills in defaults that need the KVM device and validates c.
func (c *Config) resolve(kvmFd uintptr) error {
	if c.NCPUs == 0 {
		c.NCPUs = RecommendedCPUs(kvmFd)
	}

	if c.NCPUs < 1 {
		return fmt.Errorf("%w: %d vcpus", ErrConfig, c.NCPUs)
	}

	if max := MaxCPUs(kvmFd); c.NCPUs > max {
		return fmt.Errorf("%w: %d vcpus, the host supports at most %d", ErrConfig, c.NCPUs, max)
	}

	if rec := RecommendedCPUs(kvmFd); c.NCPUs > rec {
		log.Printf("machine: %d vcpus exceed the %d recommended by the host", c.NCPUs, rec)
	}

	if c.MemSize == 0 {
		c.MemSize = DefaultRAMSize(c.NCPUs)
	}

	if c.MemSize < MinMemSize {
		return fmt.Errorf("%w: memory size %#x is below the minimum %#x", ErrConfig, c.MemSize, MinMemSize)
	}

	if c.TraceCount < 0 {
		return fmt.Errorf("%w: trace count %d", ErrConfig, c.TraceCount)
	}

	return nil
}
