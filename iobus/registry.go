// Package iobus routes trapped MMIO and port IO accesses of every vCPU to
// the device handler registered for the accessed range.
package iobus

import (
	"errors"
	"fmt"
	"log"
	"sync"

	"github.com/google/btree"
)

var (
	// ErrInvalidRange is returned for empty or wrapping ranges.
	ErrInvalidRange = errors.New("invalid trap range")
	// ErrOverlap is wrapped by *OverlapError.
	ErrOverlap = errors.New("trap overlaps an existing trap")
	// ErrNilHandler is returned when registering without a handler.
	ErrNilHandler = errors.New("nil trap handler")
)

// Bus selects one of the two independent address spaces.
type Bus int

const (
	MMIO Bus = iota
	PIO

	numBus
)

func (b Bus) String() string {
	switch b {
	case MMIO:
		return "MMIO"
	case PIO:
		return "PIO"
	}

	return fmt.Sprintf("Bus(%d)", int(b))
}

// Flags modify a registration.
type Flags uint8

const (
	// Coalesce asks the backend to batch writes to the zone. MMIO only.
	Coalesce Flags = 1 << iota
)

// Handler emulates accesses to a registered range. data holds one access
// of len(data) bytes; reads fill it, writes consume it.
type Handler interface {
	HandleIO(cpu int, addr uint64, data []byte, isWrite bool) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(cpu int, addr uint64, data []byte, isWrite bool) error

func (f HandlerFunc) HandleIO(cpu int, addr uint64, data []byte, isWrite bool) error {
	return f(cpu, addr, data, isWrite)
}

// Coalescer enables and disables coalesced MMIO zones in the backend.
type Coalescer interface {
	RegisterCoalescedMMIO(addr, size uint64) error
	UnregisterCoalescedMMIO(addr, size uint64) error
}

// OverlapError reports a registration colliding with a live trap.
type OverlapError struct {
	Bus              Bus
	Addr, Len        uint64
	ExistingAddr     uint64
	ExistingLen      uint64
	ExistingRemoving bool
}

func (e *OverlapError) Error() string {
	return fmt.Sprintf("%s trap [%#x, %#x) overlaps [%#x, %#x): %v",
		e.Bus, e.Addr, e.Addr+e.Len, e.ExistingAddr, e.ExistingAddr+e.ExistingLen, ErrOverlap)
}

func (e *OverlapError) Unwrap() error {
	return ErrOverlap
}

type entry struct {
	start, end uint64
	handler    Handler
	coalesced  bool

	// Guarded by Registry.mu.
	refcount       uint32
	pendingRemoval bool
}

func lessEntry(a, b *entry) bool {
	return a.start < b.start
}

// Trap is a snapshot of a registered entry.
type Trap struct {
	Bus            Bus
	Addr, Len      uint64
	Coalesced      bool
	Refcount       uint32
	PendingRemoval bool
}

// Registry holds one interval index per bus. Lookups and mutations are
// serialized by one mutex; handlers run without it.
type Registry struct {
	// MMIODebug and IOPortDebug log accesses that hit no trap. Set them
	// before the first dispatch.
	MMIODebug   bool
	IOPortDebug bool

	mu        sync.Mutex
	trees     [numBus]*btree.BTreeG[*entry]
	coalescer Coalescer
}

// New returns an empty registry. c may be nil when no trap is registered
// with Coalesce.
func New(c Coalescer) *Registry {
	r := &Registry{coalescer: c}

	for i := range r.trees {
		r.trees[i] = btree.NewG(8, lessEntry)
	}

	return r
}

// search returns the entry overlapping [addr, addr+size). Entries never
// overlap, so only the last entry starting at or below the range end can.
// Called with r.mu held.
func (r *Registry) search(bus Bus, addr, size uint64) *entry {
	var found *entry

	r.trees[bus].DescendLessOrEqual(&entry{start: addr + size - 1}, func(e *entry) bool {
		found = e

		return false
	})

	if found == nil || found.end <= addr {
		return nil
	}

	return found
}

func (b Bus) valid() bool {
	return b >= 0 && b < numBus
}

// Register claims [addr, addr+length) on bus for h. The coalesced zone of
// a Coalesce registration is only created once the range is known to be
// free.
func (r *Registry) Register(bus Bus, addr, length uint64, h Handler, flags Flags) error {
	if !bus.valid() || length == 0 || addr+length <= addr {
		return fmt.Errorf("%s [%#x, +%#x): %w", bus, addr, length, ErrInvalidRange)
	}

	if h == nil {
		return ErrNilHandler
	}

	e := &entry{start: addr, end: addr + length, handler: h}

	r.mu.Lock()
	defer r.mu.Unlock()

	if old := r.search(bus, addr, length); old != nil {
		return &OverlapError{
			Bus:              bus,
			Addr:             addr,
			Len:              length,
			ExistingAddr:     old.start,
			ExistingLen:      old.end - old.start,
			ExistingRemoving: old.pendingRemoval,
		}
	}

	if bus == MMIO && flags&Coalesce != 0 && r.coalescer != nil {
		if err := r.coalescer.RegisterCoalescedMMIO(addr, length); err != nil {
			return fmt.Errorf("coalesce MMIO [%#x, +%#x): %w", addr, length, err)
		}

		e.coalesced = true
	}

	r.trees[bus].ReplaceOrInsert(e)

	return nil
}

// Deregister removes the trap containing addr. A trap that is being
// dispatched stays indexed until its last dispatch returns. It reports
// whether a trap was found.
func (r *Registry) Deregister(bus Bus, addr uint64) bool {
	if !bus.valid() {
		return false
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	e := r.search(bus, addr, 1)
	if e == nil {
		return false
	}

	if e.refcount == 0 {
		r.remove(bus, e)
	} else {
		e.pendingRemoval = true
	}

	return true
}

// remove drops e from the index. Called with r.mu held.
func (r *Registry) remove(bus Bus, e *entry) {
	r.trees[bus].Delete(e)

	if !e.coalesced {
		return
	}

	if err := r.coalescer.UnregisterCoalescedMMIO(e.start, e.end-e.start); err != nil {
		log.Printf("iobus: uncoalesce [%#x, %#x): %v", e.start, e.end, err)
	}
}

func (r *Registry) get(bus Bus, addr, size uint64) *entry {
	if !bus.valid() || size == 0 || addr+size <= addr {
		return nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	e := r.search(bus, addr, size)
	if e != nil {
		e.refcount++
	}

	return e
}

func (r *Registry) put(bus Bus, e *entry) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e.refcount--

	if e.refcount == 0 && e.pendingRemoval {
		r.remove(bus, e)
	}
}

// Dispatch runs the handler of the trap overlapping [addr, addr+size)
// count times, advancing through data by size bytes each time. A miss on
// MMIO is reported handled and the access is dropped; a miss on PIO is
// reported not handled.
func (r *Registry) Dispatch(bus Bus, cpu int, addr uint64, data []byte, size, count int, isWrite bool) bool {
	if size <= 0 {
		return bus == MMIO
	}

	e := r.get(bus, addr, uint64(size))
	if e == nil {
		r.warnMiss(bus, cpu, addr, size, count, isWrite)

		return bus == MMIO
	}

	defer r.put(bus, e)

	if n := len(data) / size; count > n {
		log.Printf("iobus: %s %#x: %d elements of %d bytes do not fit in %d bytes",
			bus, addr, count, size, len(data))

		count = n
	}

	for i := 0; i < count; i++ {
		if err := e.handler.HandleIO(cpu, addr, data[i*size:(i+1)*size], isWrite); err != nil {
			log.Printf("iobus: cpu %d: %s %s %#x: %v", cpu, bus, direction(isWrite), addr, err)
		}
	}

	return true
}

func (r *Registry) warnMiss(bus Bus, cpu int, addr uint64, size, count int, isWrite bool) {
	switch {
	case bus == MMIO && r.MMIODebug:
		log.Printf("iobus: cpu %d: ignoring MMIO %s at %#016x (length %d)", cpu, direction(isWrite), addr, size)
	case bus == PIO && r.IOPortDebug:
		log.Printf("iobus: cpu %d: IO error: %s port=%#x, size=%d, count=%d",
			cpu, direction(isWrite), addr, size, count)
	}
}

func direction(isWrite bool) string {
	if isWrite {
		return "write"
	}

	return "read"
}

// EmulateMMIO dispatches one MMIO access. It always reports handled.
func (r *Registry) EmulateMMIO(cpu int, addr uint64, data []byte, isWrite bool) bool {
	return r.Dispatch(MMIO, cpu, addr, data, len(data), 1, isWrite)
}

// EmulateIO dispatches a port access of count elements of size bytes.
func (r *Registry) EmulateIO(cpu int, port uint64, data []byte, size, count int, isWrite bool) bool {
	return r.Dispatch(PIO, cpu, port, data, size, count, isWrite)
}

// Lookup returns the trap containing addr.
func (r *Registry) Lookup(bus Bus, addr uint64) (Trap, bool) {
	if !bus.valid() {
		return Trap{}, false
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	e := r.search(bus, addr, 1)
	if e == nil {
		return Trap{}, false
	}

	return Trap{
		Bus:            bus,
		Addr:           e.start,
		Len:            e.end - e.start,
		Coalesced:      e.coalesced,
		Refcount:       e.refcount,
		PendingRemoval: e.pendingRemoval,
	}, true
}

// Len returns the number of traps indexed on bus, including those
// waiting for their last dispatch.
func (r *Registry) Len(bus Bus) int {
	if !bus.valid() {
		return 0
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	return r.trees[bus].Len()
}
