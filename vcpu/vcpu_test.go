package vcpu_test

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/bobuhiro11/kvmcore/kvm"
	"github.com/bobuhiro11/kvmcore/vcpu"
	"golang.org/x/sys/unix"
)

type result struct {
	exit *vcpu.Exit
	err  error
}

// fakeBackend replays scripted exits, then behaves like a guest spinning
// until it is kicked. The buffered channel plays the immediate_exit flag.
type fakeBackend struct {
	mu        sync.Mutex
	script    []result
	coalesced [][]byte

	kick   chan struct{}
	nmis   atomic.Int32
	dumps  atomic.Int32
	closed atomic.Bool
}

func newFakeBackend(script ...result) *fakeBackend {
	return &fakeBackend{script: script, kick: make(chan struct{}, 1)}
}

func (f *fakeBackend) Run() (*vcpu.Exit, error) {
	f.mu.Lock()

	if len(f.script) > 0 {
		r := f.script[0]
		f.script = f.script[1:]
		f.mu.Unlock()

		return r.exit, r.err
	}

	f.mu.Unlock()

	<-f.kick

	return nil, unix.EINTR
}

func (f *fakeBackend) Kick() error {
	select {
	case f.kick <- struct{}{}:
	default:
	}

	return nil
}

func (f *fakeBackend) ResetKick() {
	select {
	case <-f.kick:
	default:
	}
}

func (f *fakeBackend) InjectNMI() error {
	f.nmis.Add(1)

	return nil
}

func (f *fakeBackend) Dump(w io.Writer) error {
	f.dumps.Add(1)
	_, err := fmt.Fprintln(w, "RIP=0x100000")

	return err
}

func (f *fakeBackend) DrainCoalesced(fn func(addr uint64, data []byte, pio bool)) {
	f.mu.Lock()
	pending := f.coalesced
	f.coalesced = nil
	f.mu.Unlock()

	for _, d := range pending {
		fn(0xd0000000, d, false)
	}
}

func (f *fakeBackend) Close() error {
	f.closed.Store(true)

	return nil
}

type fakeDispatcher struct {
	mu       sync.Mutex
	mmio     []uint64
	io       []uint64
	handleIO bool
}

func (d *fakeDispatcher) EmulateMMIO(cpu int, addr uint64, data []byte, isWrite bool) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.mmio = append(d.mmio, addr)

	return true
}

func (d *fakeDispatcher) EmulateIO(cpu int, port uint64, data []byte, size, count int, isWrite bool) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.io = append(d.io, port)

	return d.handleIO
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()

	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}

		time.Sleep(time.Millisecond)
	}
}

func startIdle(t *testing.T, n int) (*vcpu.Gate, []*vcpu.VCPU, []*fakeBackend) {
	t.Helper()

	g := vcpu.NewGate()
	vcpus := make([]*vcpu.VCPU, n)
	backends := make([]*fakeBackend, n)

	for i := range vcpus {
		backends[i] = newFakeBackend()
		vcpus[i] = vcpu.New(i, backends[i], g, &fakeDispatcher{}, vcpu.Hooks{})

		if err := vcpus[i].Start(); err != nil {
			t.Fatal(err)
		}
	}

	for _, v := range vcpus {
		v := v
		eventually(t, fmt.Sprintf("vcpu %d to run", v.ID), func() bool {
			return v.State() == vcpu.Running
		})
	}

	t.Cleanup(func() {
		for _, v := range vcpus {
			v.Stop()
		}

		for _, v := range vcpus {
			if err := v.Wait(); err != nil {
				t.Errorf("vcpu %d: %v", v.ID, err)
			}
		}
	})

	return g, vcpus, backends
}

func TestPauseResume(t *testing.T) {
	t.Parallel()

	g, vcpus, _ := startIdle(t, 4)

	for round := 0; round < 3; round++ {
		if err := g.Pause(); err != nil {
			t.Fatal(err)
		}

		for _, v := range vcpus {
			if s := v.State(); s != vcpu.Paused {
				t.Fatalf("round %d: vcpu %d is %s after Pause", round, v.ID, s)
			}
		}

		if err := g.Pause(); !errors.Is(err, vcpu.ErrAlreadyPaused) {
			t.Fatalf("second Pause: got %v", err)
		}

		if err := g.Resume(); err != nil {
			t.Fatal(err)
		}

		for _, v := range vcpus {
			v := v
			eventually(t, "resume", func() bool { return v.State() == vcpu.Running })
		}
	}

	if err := g.Resume(); !errors.Is(err, vcpu.ErrNotPaused) {
		t.Fatalf("Resume while running: got %v", err)
	}
}

// slowBinder takes a while to bind its thread, leaving the vCPU started
// but not yet running.
type slowBinder struct {
	*fakeBackend
}

func (s slowBinder) Bind() error {
	time.Sleep(50 * time.Millisecond)

	return nil
}

func TestPauseWhileStarting(t *testing.T) {
	t.Parallel()

	g := vcpu.NewGate()
	vcpus := make([]*vcpu.VCPU, 4)

	for i := range vcpus {
		vcpus[i] = vcpu.New(i, slowBinder{newFakeBackend()}, g, &fakeDispatcher{}, vcpu.Hooks{})

		if err := vcpus[i].Start(); err != nil {
			t.Fatal(err)
		}
	}

	if err := g.Pause(); err != nil {
		t.Fatal(err)
	}

	for _, v := range vcpus {
		if s := v.State(); s != vcpu.Paused {
			t.Errorf("vcpu %d is %s after Pause, want %s", v.ID, s, vcpu.Paused)
		}
	}

	if err := g.Resume(); err != nil {
		t.Fatal(err)
	}

	for _, v := range vcpus {
		v.Stop()
	}

	for _, v := range vcpus {
		if err := v.Wait(); err != nil {
			t.Errorf("vcpu %d: %v", v.ID, err)
		}
	}
}

func TestPauseBeforeStart(t *testing.T) {
	t.Parallel()

	g := vcpu.NewGate()
	v := vcpu.New(0, newFakeBackend(), g, &fakeDispatcher{}, vcpu.Hooks{})

	// Nothing is running, so Pause does not wait.
	if err := g.Pause(); err != nil {
		t.Fatal(err)
	}

	if err := v.Start(); err != nil {
		t.Fatal(err)
	}

	if err := v.Start(); !errors.Is(err, vcpu.ErrStarted) {
		t.Fatalf("second Start: got %v", err)
	}

	eventually(t, "park", func() bool { return v.State() == vcpu.Paused })

	if err := g.Resume(); err != nil {
		t.Fatal(err)
	}

	eventually(t, "run", func() bool { return v.State() == vcpu.Running })

	v.Stop()

	if err := v.Wait(); err != nil {
		t.Fatal(err)
	}

	if v.State() != vcpu.Exited {
		t.Fatalf("state %s after Wait", v.State())
	}
}

func TestStopWhilePaused(t *testing.T) {
	t.Parallel()

	g := vcpu.NewGate()
	v := vcpu.New(0, newFakeBackend(), g, &fakeDispatcher{}, vcpu.Hooks{})

	if err := v.Start(); err != nil {
		t.Fatal(err)
	}

	eventually(t, "run", func() bool { return v.State() == vcpu.Running })

	if err := g.Pause(); err != nil {
		t.Fatal(err)
	}

	v.Stop()

	select {
	case <-v.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("paused vcpu did not stop")
	}

	if err := v.Close(); err != nil {
		t.Fatal(err)
	}
}

func TestRequestNMI(t *testing.T) {
	t.Parallel()

	_, vcpus, backends := startIdle(t, 2)

	vcpus[1].RequestNMI()

	eventually(t, "NMI", func() bool { return backends[1].nmis.Load() == 1 })

	if n := backends[0].nmis.Load(); n != 0 {
		t.Errorf("vcpu 0 got %d NMIs", n)
	}
}

func TestDumpWhilePaused(t *testing.T) {
	t.Parallel()

	g, vcpus, backends := startIdle(t, 2)

	var buf bytes.Buffer
	if err := vcpus[0].Dump(context.Background(), &buf); err != nil {
		t.Fatal(err)
	}

	if err := g.Pause(); err != nil {
		t.Fatal(err)
	}

	if err := vcpus[1].Dump(context.Background(), &buf); err != nil {
		t.Fatal(err)
	}

	if vcpus[1].State() != vcpu.Paused {
		t.Errorf("dump resumed the vcpu")
	}

	if err := g.Resume(); err != nil {
		t.Fatal(err)
	}

	if backends[0].dumps.Load() != 1 || backends[1].dumps.Load() != 1 {
		t.Errorf("dumps: %d, %d", backends[0].dumps.Load(), backends[1].dumps.Load())
	}

	if got := bytes.Count(buf.Bytes(), []byte("RIP=")); got != 2 {
		t.Errorf("dump output %q", buf.String())
	}
}

func TestDoCanceled(t *testing.T) {
	t.Parallel()

	g := vcpu.NewGate()
	v := vcpu.New(0, newFakeBackend(), g, &fakeDispatcher{}, vcpu.Hooks{})

	// Never started, so the task cannot run.
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	if err := v.Do(ctx, func() error { return nil }); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("got %v, want deadline exceeded", err)
	}
}

func TestExitDispatch(t *testing.T) {
	t.Parallel()

	d := &fakeDispatcher{}
	unhandled := []uint64{}
	shutdown := -1

	b := newFakeBackend(
		result{exit: &vcpu.Exit{Reason: kvm.EXITIO, Addr: 0x3f8, Data: []byte{'a'}, Size: 1, Count: 1, IsWrite: true}},
		result{exit: &vcpu.Exit{Reason: kvm.EXITMMIO, Addr: 0xd0000000, Data: make([]byte, 4)}},
		result{err: unix.EINTR},
		result{err: unix.EAGAIN},
		result{exit: &vcpu.Exit{Reason: kvm.EXITINTR}},
		result{exit: &vcpu.Exit{Reason: kvm.EXITUNKNOWN}},
		result{exit: &vcpu.Exit{Reason: kvm.EXITHYPERCALL}},
		result{exit: &vcpu.Exit{Reason: kvm.ExitType(200)}},
		result{exit: &vcpu.Exit{Reason: kvm.EXITHLT}},
	)
	b.coalesced = [][]byte{{1, 2, 3, 4}}

	v := vcpu.New(1, b, vcpu.NewGate(), d, vcpu.Hooks{
		OnShutdown: func(cpu int) { shutdown = cpu },
		OnUnhandledIO: func(cpu int, e *vcpu.Exit) error {
			unhandled = append(unhandled, e.Addr)

			return nil
		},
	})

	if err := v.Start(); err != nil {
		t.Fatal(err)
	}

	if err := v.Wait(); err != nil {
		t.Fatal(err)
	}

	if len(d.io) != 1 || d.io[0] != 0x3f8 || len(unhandled) != 1 {
		t.Errorf("io %v unhandled %v", d.io, unhandled)
	}

	if len(d.mmio) != 2 || d.mmio[0] != 0xd0000000 {
		t.Errorf("mmio %#x, want the coalesced write and the exit", d.mmio)
	}

	if shutdown != 1 {
		t.Errorf("OnShutdown got %d, want 1", shutdown)
	}
}

func TestBootCPUHalt(t *testing.T) {
	t.Parallel()

	for _, reason := range []kvm.ExitType{kvm.EXITHLT, kvm.EXITSHUTDOWN, kvm.EXITSYSTEMEVENT} {
		called := false
		v := vcpu.New(0, newFakeBackend(result{exit: &vcpu.Exit{Reason: reason}}), vcpu.NewGate(),
			&fakeDispatcher{}, vcpu.Hooks{OnShutdown: func(int) { called = true }})

		if err := v.Start(); err != nil {
			t.Fatal(err)
		}

		if err := v.Wait(); err != nil {
			t.Fatalf("%s: %v", reason, err)
		}

		if called {
			t.Errorf("%s: boot vcpu reported OnShutdown", reason)
		}
	}
}

func TestFatalExits(t *testing.T) {
	t.Parallel()

	errDevice := errors.New("no such port")

	for _, test := range []struct {
		name  string
		exit  result
		hooks vcpu.Hooks
		want  error
		dumps int32
	}{
		{
			name:  "InternalError",
			exit:  result{exit: &vcpu.Exit{Reason: kvm.EXITINTERNALERROR, Suberror: 1}},
			want:  vcpu.ErrFatalExit,
			dumps: 1,
		},
		{
			name:  "FailEntry",
			exit:  result{exit: &vcpu.Exit{Reason: kvm.EXITFAILENTRY, HardwareReason: 0x80000021}},
			want:  vcpu.ErrFatalExit,
			dumps: 1,
		},
		{
			name: "RunErrno",
			exit: result{err: unix.EFAULT},
			want: unix.EFAULT,
		},
		{
			name: "UnhandledIOHook",
			exit: result{exit: &vcpu.Exit{Reason: kvm.EXITIO, Addr: 0x1234, Size: 1, Count: 1, Data: []byte{0}}},
			hooks: vcpu.Hooks{OnUnhandledIO: func(int, *vcpu.Exit) error {
				return errDevice
			}},
			want: errDevice,
		},
	} {
		test := test
		t.Run(test.name, func(t *testing.T) {
			t.Parallel()

			b := newFakeBackend(test.exit)
			v := vcpu.New(2, b, vcpu.NewGate(), &fakeDispatcher{}, test.hooks)

			if err := v.Start(); err != nil {
				t.Fatal(err)
			}

			err := v.Wait()
			if !errors.Is(err, test.want) {
				t.Fatalf("got %v, want %v", err, test.want)
			}

			var ee *vcpu.ExitError
			if errors.As(err, &ee) && ee.CPU != 2 {
				t.Errorf("ExitError names cpu %d", ee.CPU)
			}

			if n := b.dumps.Load(); n != test.dumps {
				t.Errorf("%d dumps, want %d", n, test.dumps)
			}

			if err := v.Do(context.Background(), func() error { return nil }); !errors.Is(err, vcpu.ErrExited) {
				t.Errorf("Do after exit: got %v", err)
			}

			if err := v.Close(); err != nil || !b.closed.Load() {
				t.Errorf("Close: %v", err)
			}
		})
	}
}

func TestStateString(t *testing.T) {
	t.Parallel()

	for s, want := range map[vcpu.State]string{
		vcpu.Created:  "created",
		vcpu.Running:  "running",
		vcpu.Paused:   "paused",
		vcpu.Exited:   "exited",
		vcpu.State(9): "State(9)",
	} {
		if s.String() != want {
			t.Errorf("%d: %s, want %s", s, s, want)
		}
	}
}
