// Package vmm boots a machine from a kernel image and connects its serial
// console to the controlling terminal.
package vmm

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"log"
	"os"

	"github.com/bobuhiro11/kvmcore/machine"
	"github.com/bobuhiro11/kvmcore/term"
)

// ctrlA followed by 'x' ends the session.
const ctrlA = 0x1

type VMM struct {
	*machine.Machine
	machine.Config
}

func New(c machine.Config) *VMM {
	return &VMM{
		Machine: nil,
		Config:  c,
	}
}

// Init instantiates a machine.
func (v *VMM) Init() error {
	m, err := machine.New(v.Config)
	if err != nil {
		return err
	}

	v.Machine = m

	return nil
}

// Setup loads the kernel, the optional initrd and the command line.
func (v *VMM) Setup() error {
	kern, err := os.Open(v.Config.Kernel)
	if err != nil {
		return err
	}
	defer kern.Close()

	var initrd io.Reader

	if v.Config.Initrd != "" {
		f, err := os.Open(v.Config.Initrd)
		if err != nil {
			return err
		}
		defer f.Close()

		initrd = f
	}

	return v.Machine.LoadKernel(kern, initrd, v.Config.Params)
}

// Boot runs the machine until it stops. When stdin is a terminal it is put
// in raw mode and forwarded to the serial console; Ctrl-A x stops the
// machine.
func (v *VMM) Boot() error {
	defer v.Machine.Close()

	if !term.IsTerminal() {
		fmt.Fprintln(os.Stderr, "this is not terminal and does not accept input")

		return v.Machine.Run()
	}

	restoreMode, err := term.SetRawMode()
	if err != nil {
		return err
	}

	defer restoreMode()

	v.Machine.Fatal = RestoreOnFatal(restoreMode, v.Machine.Fatal)

	go func() {
		if err := Forward(os.Stdin, v.Machine.Serial, v.Machine.Stop); err != nil {
			log.Printf("console: %v", err)
		}
	}()

	return v.Machine.Run()
}

// RestoreOnFatal returns a fatal hook that runs restore before fatal.
// fatal usually exits the process, skipping deferred calls.
func RestoreOnFatal(restore func(), fatal func(error)) func(error) {
	return func(err error) {
		restore()
		fatal(err)
	}
}

// Console is the guest side of a serial line.
type Console interface {
	Input() chan<- byte
	Notify() error
}

// Forward copies in to c byte by byte, raising the console interrupt after
// each byte, until in is exhausted or the escape sequence Ctrl-A x is read.
// exit is called on the escape sequence.
func Forward(in io.Reader, c Console, exit func()) error {
	r := bufio.NewReader(in)

	var before byte

	for {
		b, err := r.ReadByte()
		if errors.Is(err, io.EOF) {
			return nil
		}

		if err != nil {
			return err
		}

		if before == ctrlA && b == 'x' {
			exit()

			return nil
		}

		c.Input() <- b

		if err := c.Notify(); err != nil {
			log.Printf("serial notify: %v", err)
		}

		before = b
	}
}
