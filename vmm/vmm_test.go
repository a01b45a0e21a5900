package vmm_test

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/bobuhiro11/kvmcore/machine"
	"github.com/bobuhiro11/kvmcore/vmm"
)

type console struct {
	in      chan byte
	notifys int
}

func (c *console) Input() chan<- byte { return c.in }

func (c *console) Notify() error {
	c.notifys++

	return nil
}

func TestForward(t *testing.T) {
	t.Parallel()

	for _, test := range []struct {
		name  string
		in    string
		want  string
		exits int
	}{
		{name: "plain", in: "ls\r", want: "ls\r"},
		{name: "escape", in: "ab\x01xcd", want: "ab\x01", exits: 1},
		{name: "ctrl-a alone", in: "\x01y", want: "\x01y"},
		{name: "empty", in: "", want: ""},
	} {
		test := test

		t.Run(test.name, func(t *testing.T) {
			t.Parallel()

			c := &console{in: make(chan byte, 64)}
			exits := 0

			if err := vmm.Forward(strings.NewReader(test.in), c, func() { exits++ }); err != nil {
				t.Fatalf("Forward: got %v, want nil", err)
			}

			close(c.in)

			var got []byte
			for b := range c.in {
				got = append(got, b)
			}

			if string(got) != test.want {
				t.Errorf("forwarded: got %q, want %q", got, test.want)
			}

			if c.notifys != len(test.want) {
				t.Errorf("notifications: got %d, want %d", c.notifys, len(test.want))
			}

			if exits != test.exits {
				t.Errorf("exits: got %d, want %d", exits, test.exits)
			}
		})
	}
}

func TestInitSetup(t *testing.T) { // nolint:paralleltest
	if _, err := os.Stat(machine.DefaultDev); err != nil {
		t.Skipf("%s: %v", machine.DefaultDev, err)
	}

	dir := t.TempDir()
	kernel := filepath.Join(dir, "kernel")

	if err := os.WriteFile(kernel, []byte{0xeb, 0xfe}, 0o600); err != nil {
		t.Fatal(err)
	}

	v := vmm.New(machine.Config{
		Kernel:  kernel,
		Params:  "console=ttyS0",
		NCPUs:   1,
		MemSize: 1 << 28,
	})

	if err := v.Init(); err != nil {
		t.Fatalf("Init: got %v, want nil", err)
	}
	defer v.Machine.Close()

	if err := v.Setup(); err != nil {
		t.Fatalf("Setup: got %v, want nil", err)
	}

	v.Config.Initrd = filepath.Join(dir, "missing")
	if err := v.Setup(); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("Setup with a missing initrd: got %v, want %v", err, os.ErrNotExist)
	}
}

func TestRestoreOnFatal(t *testing.T) {
	t.Parallel()

	var calls []string

	errGuest := errors.New("internal error")

	fatal := vmm.RestoreOnFatal(
		func() { calls = append(calls, "restore") },
		func(err error) { calls = append(calls, "fatal: "+err.Error()) },
	)
	fatal(errGuest)

	if got, want := strings.Join(calls, ", "), "restore, fatal: internal error"; got != want {
		t.Errorf("calls: got %q, want %q", got, want)
	}
}
