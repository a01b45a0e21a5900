// Package vcpu runs virtual CPUs, one locked OS thread each, and brings
// them to a safe point for pause, NMI injection and debug tasks.
package vcpu

import (
	"errors"
	"fmt"

	"github.com/bobuhiro11/kvmcore/kvm"
)

var (
	ErrAlreadyPaused = errors.New("vcpus are already paused")
	ErrNotPaused     = errors.New("vcpus are not paused")
	ErrExited        = errors.New("vcpu has exited")
	ErrStarted       = errors.New("vcpu already started")
	// ErrFatalExit is wrapped by *ExitError.
	ErrFatalExit = errors.New("fatal vcpu exit")
)

// State is the lifecycle state of a vCPU.
type State int32

const (
	Created State = iota
	Running
	Paused
	Exited
)

func (s State) String() string {
	switch s {
	case Created:
		return "created"
	case Running:
		return "running"
	case Paused:
		return "paused"
	case Exited:
		return "exited"
	}

	return fmt.Sprintf("State(%d)", int32(s))
}

// Exit is a decoded exit of the backend. Only the fields of Reason are set.
type Exit struct {
	Reason kvm.ExitType

	// IO and MMIO. Addr is the port for IO. Data aliases the backend's
	// buffer and is valid until the next Run.
	Addr    uint64
	Data    []byte
	Size    int
	Count   int
	IsWrite bool

	// INTERNAL_ERROR.
	Suberror  uint32
	ErrorData []uint64

	// FAIL_ENTRY.
	HardwareReason uint64

	// SYSTEM_EVENT.
	EventType uint32
}

func (e *Exit) String() string {
	switch e.Reason {
	case kvm.EXITIO:
		dir := "in"
		if e.IsWrite {
			dir = "out"
		}

		return fmt.Sprintf("%s %s port=%#x size=%d count=%d", e.Reason, dir, e.Addr, e.Size, e.Count)
	case kvm.EXITMMIO:
		return fmt.Sprintf("%s addr=%#x len=%d write=%v", e.Reason, e.Addr, len(e.Data), e.IsWrite)
	case kvm.EXITINTERNALERROR:
		return fmt.Sprintf("%s suberror=%d data=%#x", e.Reason, e.Suberror, e.ErrorData)
	case kvm.EXITFAILENTRY:
		return fmt.Sprintf("%s hardware_entry_failure_reason=%#x", e.Reason, e.HardwareReason)
	case kvm.EXITSYSTEMEVENT:
		return fmt.Sprintf("%s type=%d", e.Reason, e.EventType)
	}

	return e.Reason.String()
}

// ExitError is returned by Wait when the guest hit an exit with no safe
// way to continue.
type ExitError struct {
	CPU  int
	Exit Exit
}

func (e *ExitError) Error() string {
	return fmt.Sprintf("vcpu %d: %s: %v", e.CPU, &e.Exit, ErrFatalExit)
}

func (e *ExitError) Unwrap() error {
	return ErrFatalExit
}
