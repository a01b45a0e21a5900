package vcpu

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"runtime"
	"sync"
	"sync/atomic"

	"github.com/bobuhiro11/kvmcore/kvm"
	"golang.org/x/sys/unix"
)

// Backend is the native side of one vCPU.
type Backend interface {
	// Run enters the guest until the next exit.
	Run() (*Exit, error)
	// Kick makes a concurrent or upcoming Run return promptly. It may be
	// called from any goroutine.
	Kick() error
	// ResetKick clears a previous Kick. It is called on the vCPU thread
	// before the safe point checks.
	ResetKick()
	InjectNMI() error
	// Dump writes registers and code context of the vCPU to w.
	Dump(w io.Writer) error
	// DrainCoalesced hands every batched MMIO or PIO write to fn.
	DrainCoalesced(fn func(addr uint64, data []byte, pio bool))
	Close() error
}

// Binder is implemented by backends that must learn the OS thread the
// vCPU runs on. Bind is called on that thread before the first Run.
type Binder interface {
	Bind() error
}

// Dispatcher emulates trapped accesses.
type Dispatcher interface {
	EmulateMMIO(cpu int, addr uint64, data []byte, isWrite bool) bool
	EmulateIO(cpu int, port uint64, data []byte, size, count int, isWrite bool) bool
}

// Hooks let the owner of the vCPUs react to exits. Nil hooks are skipped.
type Hooks struct {
	// OnShutdown is called when a vCPU other than the boot vCPU stops
	// because the guest halted or shut down.
	OnShutdown func(cpu int)
	// OnUnhandledIO is called for port accesses no trap claimed. An error
	// is fatal for the vCPU.
	OnUnhandledIO func(cpu int, e *Exit) error
	// OnDebug is called on debug exits, such as single stepping.
	OnDebug func(cpu int) error
}

type task struct {
	fn   func() error
	done chan error
}

// VCPU is one virtual CPU. ID 0 is the boot vCPU.
type VCPU struct {
	ID int
	// Compatible names the CPU model the vCPU was configured as.
	Compatible string

	backend Backend
	gate    *Gate
	disp    Dispatcher
	hooks   Hooks

	state    atomic.Int32
	started  atomic.Bool
	stopping atomic.Bool
	needsNMI atomic.Bool
	hasTasks atomic.Bool

	// Guarded by gate.mu.
	parked bool
	tasks  []*task

	done     chan struct{}
	err      error
	stopOnce sync.Once
}

// New returns a vCPU in state Created. The backend must already be
// configured for the target CPU model.
func New(id int, b Backend, g *Gate, d Dispatcher, h Hooks) *VCPU {
	v := &VCPU{
		ID:      id,
		backend: b,
		gate:    g,
		disp:    d,
		hooks:   h,
		done:    make(chan struct{}),
	}

	g.add(v)

	return v
}

// State returns the lifecycle state.
func (v *VCPU) State() State {
	return State(v.state.Load())
}

// Started reports whether Start was called. A started vCPU owns its
// thread until it exits, even before it reaches Running.
func (v *VCPU) Started() bool {
	return v.started.Load()
}

// Start runs the vCPU on a new goroutine locked to its OS thread.
func (v *VCPU) Start() error {
	if v.started.Swap(true) {
		return ErrStarted
	}

	go func() {
		// https://www.kernel.org/doc/Documentation/virtual/kvm/api.txt
		// vcpu ioctls should be issued from the same thread that was used
		// to create the vcpu. The thread also stays the target of kicks.
		runtime.LockOSThread()
		defer runtime.UnlockOSThread()

		v.err = v.run()
		v.gate.exit(v)
		close(v.done)
	}()

	return nil
}

func (v *VCPU) run() error {
	if b, ok := v.backend.(Binder); ok {
		if err := b.Bind(); err != nil {
			return fmt.Errorf("vcpu %d: bind: %w", v.ID, err)
		}
	}

	v.state.Store(int32(Running))

	for {
		v.backend.ResetKick()

		if !v.checkpoint() {
			return nil
		}

		exit, err := v.backend.Run()
		v.backend.DrainCoalesced(v.coalesced)

		if err != nil {
			if errors.Is(err, unix.EINTR) || errors.Is(err, unix.EAGAIN) {
				continue
			}

			return fmt.Errorf("vcpu %d: run: %w", v.ID, err)
		}

		cont, err := v.handle(exit)
		if err != nil {
			return err
		}

		if !cont {
			return nil
		}
	}
}

// checkpoint is the safe point between two guest entries. It reports
// whether the vCPU should keep running.
func (v *VCPU) checkpoint() bool {
	if v.stopping.Load() {
		return false
	}

	if v.needsNMI.Swap(false) {
		if err := v.backend.InjectNMI(); err != nil {
			log.Printf("vcpu %d: inject NMI: %v", v.ID, err)
		}
	}

	if v.hasTasks.Load() || v.gate.requested.Load() {
		v.gate.park(v)
	}

	return !v.stopping.Load()
}

func (v *VCPU) coalesced(addr uint64, data []byte, pio bool) {
	if pio {
		v.disp.EmulateIO(v.ID, addr, data, len(data), 1, true)

		return
	}

	v.disp.EmulateMMIO(v.ID, addr, data, true)
}

func (v *VCPU) handle(e *Exit) (bool, error) {
	switch e.Reason {
	case kvm.EXITIO:
		if v.disp.EmulateIO(v.ID, e.Addr, e.Data, e.Size, e.Count, e.IsWrite) {
			break
		}

		if v.hooks.OnUnhandledIO != nil {
			if err := v.hooks.OnUnhandledIO(v.ID, e); err != nil {
				return false, fmt.Errorf("vcpu %d: %s: %w", v.ID, e, err)
			}
		}
	case kvm.EXITMMIO:
		v.disp.EmulateMMIO(v.ID, e.Addr, e.Data, e.IsWrite)
	case kvm.EXITHLT, kvm.EXITSHUTDOWN, kvm.EXITSYSTEMEVENT:
		if v.ID != 0 && v.hooks.OnShutdown != nil {
			v.hooks.OnShutdown(v.ID)
		}

		return false, nil
	case kvm.EXITINTERNALERROR, kvm.EXITFAILENTRY:
		fmt.Fprintf(os.Stderr, "vcpu %d: %s\n", v.ID, e)

		if err := v.backend.Dump(os.Stderr); err != nil {
			log.Printf("vcpu %d: dump: %v", v.ID, err)
		}

		return false, &ExitError{CPU: v.ID, Exit: *e}
	case kvm.EXITINTR, kvm.EXITUNKNOWN, kvm.EXITIRQWINDOWOPEN:
	case kvm.EXITDEBUG:
		if v.hooks.OnDebug != nil {
			if err := v.hooks.OnDebug(v.ID); err != nil {
				return false, fmt.Errorf("vcpu %d: debug: %w", v.ID, err)
			}
		}
	default:
		log.Printf("vcpu %d: unhandled exit %s", v.ID, e.Reason)
	}

	return true, nil
}

// kick gets v out of the guest if it is in or about to enter it.
func (v *VCPU) kick() {
	if v.State() != Running {
		return
	}

	if err := v.backend.Kick(); err != nil {
		log.Printf("vcpu %d: kick: %v", v.ID, err)
	}
}

// Stop asks the vCPU to exit at its next safe point.
func (v *VCPU) Stop() {
	v.stopOnce.Do(func() {
		v.stopping.Store(true)
		v.gate.wake()
		v.kick()
	})
}

// RequestNMI injects an NMI at the next safe point.
func (v *VCPU) RequestNMI() {
	v.needsNMI.Store(true)
	v.kick()
}

// Do runs fn on the vCPU thread at its next safe point, even while the
// vCPU is paused, and returns its result.
func (v *VCPU) Do(ctx context.Context, fn func() error) error {
	t := &task{fn: fn, done: make(chan error, 1)}

	v.gate.mu.Lock()

	if v.State() == Exited {
		v.gate.mu.Unlock()

		return ErrExited
	}

	v.tasks = append(v.tasks, t)
	v.hasTasks.Store(true)
	parked := v.parked
	v.gate.cond.Broadcast()
	v.gate.mu.Unlock()

	if !parked {
		v.kick()
	}

	select {
	case err := <-t.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Dump writes the register state of the vCPU to w from its own thread.
func (v *VCPU) Dump(ctx context.Context, w io.Writer) error {
	return v.Do(ctx, func() error {
		return v.backend.Dump(w)
	})
}

// Done is closed once the vCPU thread has returned.
func (v *VCPU) Done() <-chan struct{} {
	return v.done
}

// Wait blocks until the vCPU thread returns and reports why it did. It
// must only be called after Start.
func (v *VCPU) Wait() error {
	<-v.done

	return v.err
}

// Close releases the backend. The vCPU must not be running.
func (v *VCPU) Close() error {
	if v.started.Load() && v.State() != Exited {
		return fmt.Errorf("vcpu %d is %s", v.ID, v.State())
	}

	return v.backend.Close()
}
