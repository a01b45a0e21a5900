package flag

import (
	"os"

	"github.com/alecthomas/kong"
	"github.com/bobuhiro11/kvmcore/machine"
	"github.com/bobuhiro11/kvmcore/probe"
	"github.com/bobuhiro11/kvmcore/vmm"
	"github.com/pkg/profile"
)

// defparams is handed to the flat image in RSI. The image owns the serial
// console at COM1.
const defparams = `console=ttyS0`

func Parse() error {
	c := CLI{}

	programName := "kvmcore"
	programDesc := "kvmcore is a small Linux KVM virtual machine monitor which boots flat kernel images"

	ctx := kong.Parse(&c,
		kong.Name(programName),
		kong.Description(programDesc),
		kong.UsageOnError(),
		kong.ConfigureHelp(kong.HelpOptions{
			Compact: true,
			Summary: true,
		}))

	err := ctx.Run()

	return err
}

func (d *ProbeCMD) Run() error {
	return probe.Run(d.Dev, os.Stdout)
}

// Config turns the flags into a machine configuration.
func (s *BootCMD) Config() (machine.Config, error) {
	memSize, err := ParseSize(s.MemSize, "g")
	if err != nil {
		return machine.Config{}, err
	}

	traceC, err := ParseSize(s.TraceCount, "")
	if err != nil {
		return machine.Config{}, err
	}

	params := defparams
	if len(s.Params) > 0 {
		params = s.Params
	}

	return machine.Config{
		Dev:         s.Dev,
		Kernel:      s.Kernel,
		Initrd:      s.Initrd,
		Params:      params,
		NCPUs:       s.NCPUs,
		MemSize:     memSize,
		TraceCount:  traceC,
		SingleStep:  s.SingleStep || traceC > 0,
		MMIODebug:   s.MMIODebug,
		IOPortDebug: s.IOPortDebug,
	}, nil
}

// profileMode maps the --profile value to a profile.Start option.
func profileMode(name string) func(*profile.Profile) {
	switch name {
	case "cpu":
		return profile.CPUProfile
	case "mem":
		return profile.MemProfile
	case "block":
		return profile.BlockProfile
	case "mutex":
		return profile.MutexProfile
	case "trace":
		return profile.TraceProfile
	}

	return nil
}

func (s *BootCMD) Run() error {
	c, err := s.Config()
	if err != nil {
		return err
	}

	if mode := profileMode(s.Profile); mode != nil {
		defer profile.Start(mode, profile.ProfilePath("."), profile.NoShutdownHook).Stop()
	}

	vmm := vmm.New(c)

	if err := vmm.Init(); err != nil {
		return err
	}

	if err := vmm.Setup(); err != nil {
		vmm.Close()

		return err
	}

	return vmm.Boot()
}
