package kvm

import (
	"fmt"

	"golang.org/x/exp/slices"
)

// Capability is a KVM extension number as accepted by KVM_CHECK_EXTENSION.
type Capability uint

//nolint:revive,stylecheck
const (
	CapIRQChip                Capability = 0
	CapHLT                    Capability = 1
	CapMMUShadowCacheControl  Capability = 2
	CapUserMemory             Capability = 3
	CapSetTSSAddr             Capability = 4
	CapVAPIC                  Capability = 6
	CapEXTCPUID               Capability = 7
	CapClockSource            Capability = 8
	CapNRVCPUs                Capability = 9
	CapNRMemSlots             Capability = 10
	CapPIT                    Capability = 11
	CapNopIODelay             Capability = 12
	CapPVMMU                  Capability = 13
	CapMPState                Capability = 14
	CapCoalescedMMIO          Capability = 15
	CapSyncMMU                Capability = 16
	CapIOMMU                  Capability = 18
	CapDestroyMemoryRegion    Capability = 21
	CapUserNMI                Capability = 22
	CapSetGuestDebug          Capability = 23
	CapReinjectControl        Capability = 24
	CapIRQRouting             Capability = 25
	CapIRQInjectStatus        Capability = 26
	CapAssignDevIRQ           Capability = 29
	CapJoinMemoryRegions      Capability = 30
	CapMCE                    Capability = 31
	CapIRQFD                  Capability = 32
	CapPIT2                   Capability = 33
	CapSetBootCPUID           Capability = 34
	CapPITState2              Capability = 35
	CapIOEventFD              Capability = 36
	CapSetIdentityMapAddr     Capability = 37
	CapXenHVM                 Capability = 38
	CapAdjustClock            Capability = 39
	CapInternalErrorData      Capability = 40
	CapVCPUEvents             Capability = 41
	CapINTRShadow             Capability = 49
	CapDebugRegs              Capability = 50
	CapX86RobustSinglestep    Capability = 51
	CapEnableCap              Capability = 54
	CapXSave                  Capability = 55
	CapXCRS                   Capability = 56
	CapAsyncPF                Capability = 59
	CapTSCControl             Capability = 60
	CapGetTSCKHz              Capability = 61
	CapMaxVCPUs               Capability = 66
	CapONEREG                 Capability = 70
	CapTSCDeadlineTimer       Capability = 72
	CapSyncRegs               Capability = 74
	CapKVMClockCtrl           Capability = 76
	CapSignalMSI              Capability = 77
	CapReadonlyMem            Capability = 81
	CapIRQFDResample          Capability = 82
	CapDeviceCtrl             Capability = 89
	CapEXTEmulCPUID           Capability = 95
	CapHyperVTime             Capability = 96
	CapEnableCapVM            Capability = 98
	CapVMAttributes           Capability = 101
	CapCheckExtensionVM       Capability = 105
	CapX86SMM                 Capability = 117
	CapMultiAddressSpace      Capability = 118
	CapSplitIRQChip           Capability = 121
	CapMaxVCPUID              Capability = 128
	CapX2APICAPI              Capability = 129
	CapImmediateExit          Capability = 136
	CapX86DisableExits        Capability = 143
	CapGETMSRFeatures         Capability = 153
	CapNestedState            Capability = 157
	CapCoalescedPIO           Capability = 162
	CapExceptionPayload       Capability = 164
	CapManualDirtyLogProtect2 Capability = 168
	CapPMUEventFilter         Capability = 173
	CapHaltPoll               Capability = 182
	CapX86UserSpaceMSR        Capability = 188
	CapX86MSRFilter           Capability = 189
	CapDirtyLogRing           Capability = 192
	CapX86BusLockExit         Capability = 193
	CapSREGS2                 Capability = 200
	CapBinaryStatsFD          Capability = 203
	CapXSave2                 Capability = 208
	CapSysAttributes          Capability = 209
	CapVMTSCControl           Capability = 214
	CapSystemEventData        Capability = 215
	CapX86TripleFaultEvent    Capability = 218
	CapX86NotifyVMExit        Capability = 219
)

//nolint:gochecknoglobals
var capabilityNames = map[Capability]string{
	CapIRQChip:                "CapIRQChip",
	CapHLT:                    "CapHLT",
	CapMMUShadowCacheControl:  "CapMMUShadowCacheControl",
	CapUserMemory:             "CapUserMemory",
	CapSetTSSAddr:             "CapSetTSSAddr",
	CapVAPIC:                  "CapVAPIC",
	CapEXTCPUID:               "CapEXTCPUID",
	CapClockSource:            "CapClockSource",
	CapNRVCPUs:                "CapNRVCPUs",
	CapNRMemSlots:             "CapNRMemSlots",
	CapPIT:                    "CapPIT",
	CapNopIODelay:             "CapNopIODelay",
	CapPVMMU:                  "CapPVMMU",
	CapMPState:                "CapMPState",
	CapCoalescedMMIO:          "CapCoalescedMMIO",
	CapSyncMMU:                "CapSyncMMU",
	CapIOMMU:                  "CapIOMMU",
	CapDestroyMemoryRegion:    "CapDestroyMemoryRegion",
	CapUserNMI:                "CapUserNMI",
	CapSetGuestDebug:          "CapSetGuestDebug",
	CapReinjectControl:        "CapReinjectControl",
	CapIRQRouting:             "CapIRQRouting",
	CapIRQInjectStatus:        "CapIRQInjectStatus",
	CapAssignDevIRQ:           "CapAssignDevIRQ",
	CapJoinMemoryRegions:      "CapJoinMemoryRegions",
	CapMCE:                    "CapMCE",
	CapIRQFD:                  "CapIRQFD",
	CapPIT2:                   "CapPIT2",
	CapSetBootCPUID:           "CapSetBootCPUID",
	CapPITState2:              "CapPITState2",
	CapIOEventFD:              "CapIOEventFD",
	CapSetIdentityMapAddr:     "CapSetIdentityMapAddr",
	CapXenHVM:                 "CapXenHVM",
	CapAdjustClock:            "CapAdjustClock",
	CapInternalErrorData:      "CapInternalErrorData",
	CapVCPUEvents:             "CapVCPUEvents",
	CapINTRShadow:             "CapINTRShadow",
	CapDebugRegs:              "CapDebugRegs",
	CapX86RobustSinglestep:    "CapX86RobustSinglestep",
	CapEnableCap:              "CapEnableCap",
	CapXSave:                  "CapXSave",
	CapXCRS:                   "CapXCRS",
	CapAsyncPF:                "CapAsyncPF",
	CapTSCControl:             "CapTSCControl",
	CapGetTSCKHz:              "CapGetTSCKHz",
	CapMaxVCPUs:               "CapMaxVCPUs",
	CapONEREG:                 "CapONEREG",
	CapTSCDeadlineTimer:       "CapTSCDeadlineTimer",
	CapSyncRegs:               "CapSyncRegs",
	CapKVMClockCtrl:           "CapKVMClockCtrl",
	CapSignalMSI:              "CapSignalMSI",
	CapReadonlyMem:            "CapReadonlyMem",
	CapIRQFDResample:          "CapIRQFDResample",
	CapDeviceCtrl:             "CapDeviceCtrl",
	CapEXTEmulCPUID:           "CapEXTEmulCPUID",
	CapHyperVTime:             "CapHyperVTime",
	CapEnableCapVM:            "CapEnableCapVM",
	CapVMAttributes:           "CapVMAttributes",
	CapCheckExtensionVM:       "CapCheckExtensionVM",
	CapX86SMM:                 "CapX86SMM",
	CapMultiAddressSpace:      "CapMultiAddressSpace",
	CapSplitIRQChip:           "CapSplitIRQChip",
	CapMaxVCPUID:              "CapMaxVCPUID",
	CapX2APICAPI:              "CapX2APICAPI",
	CapImmediateExit:          "CapImmediateExit",
	CapX86DisableExits:        "CapX86DisableExits",
	CapGETMSRFeatures:         "CapGETMSRFeatures",
	CapNestedState:            "CapNestedState",
	CapCoalescedPIO:           "CapCoalescedPIO",
	CapExceptionPayload:       "CapExceptionPayload",
	CapManualDirtyLogProtect2: "CapManualDirtyLogProtect2",
	CapPMUEventFilter:         "CapPMUEventFilter",
	CapHaltPoll:               "CapHaltPoll",
	CapX86UserSpaceMSR:        "CapX86UserSpaceMSR",
	CapX86MSRFilter:           "CapX86MSRFilter",
	CapDirtyLogRing:           "CapDirtyLogRing",
	CapX86BusLockExit:         "CapX86BusLockExit",
	CapSREGS2:                 "CapSREGS2",
	CapBinaryStatsFD:          "CapBinaryStatsFD",
	CapXSave2:                 "CapXSave2",
	CapSysAttributes:          "CapSysAttributes",
	CapVMTSCControl:           "CapVMTSCControl",
	CapSystemEventData:        "CapSystemEventData",
	CapX86TripleFaultEvent:    "CapX86TripleFaultEvent",
	CapX86NotifyVMExit:        "CapX86NotifyVMExit",
}

func (c Capability) String() string {
	if s, ok := capabilityNames[c]; ok {
		return s
	}

	return fmt.Sprintf("Capability(%d)", uint(c))
}

// Capabilities returns every capability this package knows by name, in
// ascending order.
func Capabilities() []Capability {
	caps := make([]Capability, 0, len(capabilityNames))
	for c := range capabilityNames {
		caps = append(caps, c)
	}

	slices.Sort(caps)

	return caps
}

// CheckExtension asks fd (the kvm or a vm fd) about a capability.
// The result is 0 when unsupported; some capabilities report a count.
func CheckExtension(fd uintptr, c Capability) (int, error) {
	ret, err := Ioctl(fd, IIO(kvmCheckExtension), uintptr(c))

	return int(ret), err
}
