package machine

// Guest physical layout.
//
//	0x00000000  +------------------+
//	            |   BDA            | EBDA segment at 0x40e
//	0x00020000  +------------------+ <- RSI
//	            |   cmdline        |
//	0x0009d000  +------------------+
//	            |   MP table       |
//	0x0009fc00  +------------------+ MP floating pointer
//	0x00100000  +------------------+ <- RIP
//	            |   flat kernel    |
//	0x0f000000  +------------------+ <- RBX (initrd base), RCX (initrd size)
//	            |   initrd         |
//	            +------------------+
//	            |                  |
//	0xc0000000  +------------------+ reserved: PCI MMIO window
//	0xe0000000  +------------------+ reserved: PCIe ECAM
//	0xf0000000  +------------------+ reserved: IOAPIC, LAPIC, TSS, BIOS
//	0x100000000 +------------------+ RAM above 3GiB continues here
const (
	cmdlineAddr = 0x20000
	cmdlineMax  = 0x1000
	kernelAddr  = 0x100000
	initrdAddr  = 0xf000000

	gapStart  = 0xc0000000
	ecamStart = 0xe0000000
	mmioHigh  = 0xf0000000
	highRAM   = 1 << 32

	pciIOBase = 0x6200
)

const (
	// CR0 bits.
	CR0xPE = 1
	CR0xMP = (1 << 1)
	CR0xEM = (1 << 2)
	CR0xTS = (1 << 3)
	CR0xET = (1 << 4)
	CR0xNE = (1 << 5)
	CR0xWP = (1 << 16)
	CR0xAM = (1 << 18)
	CR0xNW = (1 << 29)
	CR0xCD = (1 << 30)
	CR0xPG = (1 << 31)

	// CR4 bits.
	CR4xVME        = 1
	CR4xPVI        = (1 << 1)
	CR4xTSD        = (1 << 2)
	CR4xDE         = (1 << 3)
	CR4xPSE        = (1 << 4)
	CR4xPAE        = (1 << 5)
	CR4xMCE        = (1 << 6)
	CR4xPGE        = (1 << 7)
	CR4xPCE        = (1 << 8)
	CR4xOSFXSR     = (1 << 9)
	CR4xOSXMMEXCPT = (1 << 10)
	CR4xUMIP       = (1 << 11)
	CR4xVMXE       = (1 << 13)
	CR4xSMXE       = (1 << 14)
	CR4xFSGSBASE   = (1 << 16)
	CR4xPCIDE      = (1 << 17)
	CR4xOSXSAVE    = (1 << 18)
	CR4xSMEP       = (1 << 20)
	CR4xSMAP       = (1 << 21)

	EFERxSCE = 1
	EFERxLME = (1 << 8)
	EFERxLMA = (1 << 10)
	EFERxNXE = (1 << 11)
)

// Poison decodes as "mov eax, 0xcafebabe; nop; ud2". Guest memory filled
// with it makes a stray jump stop on an invalid opcode.
const Poison = "\xB8\xBE\xBA\xFE\xCA\x90\x0F\x0B"
