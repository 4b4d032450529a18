package diagnostics

import (
	"encoding/binary"
	"os"
)

// Machine-type values for the binary formats we recognize.
const (
	peMachineI386  = 0x014c
	peMachineAMD64 = 0x8664
	peMachineARM64 = 0xaa64

	elfClass32 = 1
	elfClass64 = 2

	machoMagic32 = 0xfeedface
	machoMagic64 = 0xfeedfacf
	machoCigam32 = 0xcefaedfe
	machoCigam64 = 0xcffaedfe
)

// DetectArch reads the header of the executable or shared library at path
// and maps its machine-type field to a bitness. Unreadable or unrecognized
// files yield ArchUnknown; no error is ever returned.
func DetectArch(path string) Arch {
	f, err := os.Open(path)
	if err != nil {
		return ArchUnknown
	}
	defer func() { _ = f.Close() }()

	head := make([]byte, 64)
	n, err := f.Read(head)
	if err != nil || n < 8 {
		return ArchUnknown
	}
	head = head[:n]

	// ELF: class byte at offset 4.
	if head[0] == 0x7f && head[1] == 'E' && head[2] == 'L' && head[3] == 'F' {
		switch head[4] {
		case elfClass32:
			return Arch32
		case elfClass64:
			return Arch64
		}
		return ArchUnknown
	}

	// Mach-O: 32-bit magic in either byte order.
	magic := binary.LittleEndian.Uint32(head[:4])
	switch magic {
	case machoMagic64, machoCigam64:
		return Arch64
	case machoMagic32, machoCigam32:
		return Arch32
	}

	// PE: "MZ" stub, e_lfanew at 0x3c points at "PE\0\0" + COFF header.
	if head[0] == 'M' && head[1] == 'Z' {
		return detectPEArch(f, head)
	}
	return ArchUnknown
}

func detectPEArch(f *os.File, head []byte) Arch {
	if len(head) < 0x40 {
		return ArchUnknown
	}
	peOffset := int64(binary.LittleEndian.Uint32(head[0x3c:0x40]))
	sig := make([]byte, 6)
	if _, err := f.ReadAt(sig, peOffset); err != nil {
		return ArchUnknown
	}
	if sig[0] != 'P' || sig[1] != 'E' || sig[2] != 0 || sig[3] != 0 {
		return ArchUnknown
	}
	machine := binary.LittleEndian.Uint16(sig[4:6])
	switch machine {
	case peMachineI386:
		return Arch32
	case peMachineAMD64, peMachineARM64:
		return Arch64
	}
	return ArchUnknown
}
