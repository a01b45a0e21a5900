package kvm

import (
	"errors"
	"fmt"
)

// ErrUnexpectedExitReason is any error that we do not understand.
var ErrUnexpectedExitReason = errors.New("unexpected kvm exit reason")

// ExitType is a virtual machine exit type.
type ExitType uint32

const (
	EXITUNKNOWN       ExitType = 0
	EXITEXCEPTION     ExitType = 1
	EXITIO            ExitType = 2
	EXITHYPERCALL     ExitType = 3
	EXITDEBUG         ExitType = 4
	EXITHLT           ExitType = 5
	EXITMMIO          ExitType = 6
	EXITIRQWINDOWOPEN ExitType = 7
	EXITSHUTDOWN      ExitType = 8
	EXITFAILENTRY     ExitType = 9
	EXITINTR          ExitType = 10
	EXITSETTPR        ExitType = 11
	EXITTPRACCESS     ExitType = 12
	EXITS390SIEIC     ExitType = 13
	EXITS390RESET     ExitType = 14
	EXITDCR           ExitType = 15
	EXITNMI           ExitType = 16
	EXITINTERNALERROR ExitType = 17
	EXITOSI           ExitType = 18
	EXITPAPRHCALL     ExitType = 19
	EXITWATCHDOG      ExitType = 21
	EXITEPR           ExitType = 23
	EXITSYSTEMEVENT   ExitType = 24
	EXITIOAPICEOI     ExitType = 26
	EXITHYPERV        ExitType = 27
)

const (
	EXITIOIN  = 0
	EXITIOOUT = 1
)

// System event types reported with EXITSYSTEMEVENT.
const (
	SystemEventShutdown = 1
	SystemEventReset    = 2
	SystemEventCrash    = 3
)

//nolint:gochecknoglobals
var exitNames = map[ExitType]string{
	EXITUNKNOWN:       "KVM_EXIT_UNKNOWN",
	EXITEXCEPTION:     "KVM_EXIT_EXCEPTION",
	EXITIO:            "KVM_EXIT_IO",
	EXITHYPERCALL:     "KVM_EXIT_HYPERCALL",
	EXITDEBUG:         "KVM_EXIT_DEBUG",
	EXITHLT:           "KVM_EXIT_HLT",
	EXITMMIO:          "KVM_EXIT_MMIO",
	EXITIRQWINDOWOPEN: "KVM_EXIT_IRQ_WINDOW_OPEN",
	EXITSHUTDOWN:      "KVM_EXIT_SHUTDOWN",
	EXITFAILENTRY:     "KVM_EXIT_FAIL_ENTRY",
	EXITINTR:          "KVM_EXIT_INTR",
	EXITSETTPR:        "KVM_EXIT_SET_TPR",
	EXITTPRACCESS:     "KVM_EXIT_TPR_ACCESS",
	EXITS390SIEIC:     "KVM_EXIT_S390_SIEIC",
	EXITS390RESET:     "KVM_EXIT_S390_RESET",
	EXITDCR:           "KVM_EXIT_DCR",
	EXITNMI:           "KVM_EXIT_NMI",
	EXITINTERNALERROR: "KVM_EXIT_INTERNAL_ERROR",
	EXITOSI:           "KVM_EXIT_OSI",
	EXITPAPRHCALL:     "KVM_EXIT_PAPR_HCALL",
	EXITWATCHDOG:      "KVM_EXIT_WATCHDOG",
	EXITEPR:           "KVM_EXIT_EPR",
	EXITSYSTEMEVENT:   "KVM_EXIT_SYSTEM_EVENT",
	EXITIOAPICEOI:     "KVM_EXIT_IOAPIC_EOI",
	EXITHYPERV:        "KVM_EXIT_HYPERV",
}

func (e ExitType) String() string {
	if s, ok := exitNames[e]; ok {
		return s
	}

	return fmt.Sprintf("ExitType(%d)", uint32(e))
}
