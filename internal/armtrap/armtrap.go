// Package armtrap decodes the ARMv8-A exception-class field the trap
// dispatcher's vector-table entries branch on (spec.md §4.E) and maps
// faults onto the nearest POSIX signal for human-readable diagnostics,
// the way a user-mode hardware emulator reports a guest fault in
// terms a developer debugging on the host machine already recognizes.
package armtrap

import "golang.org/x/sys/unix"

// Class is the ESR_EL1 exception-class field (bits [31:26]) that a real
// trap-vector entry would decode from the saved exception syndrome
// register; named constants here mirror the subset spec.md §4.E's
// dispatch table actually branches on.
type Class uint8

const (
	ClassUnknown      Class = 0x00
	ClassWFIWFE       Class = 0x01
	ClassSVC64        Class = 0x15 // supervisor call from AArch64
	ClassInstrAbortLo Class = 0x20 // instruction abort, lower EL
	ClassInstrAbortEq Class = 0x21 // instruction abort, same EL
	ClassPCAlignment  Class = 0x22
	ClassDataAbortLo  Class = 0x24 // data abort, lower EL
	ClassDataAbortEq  Class = 0x25 // data abort, same EL
	ClassSError       Class = 0x2F
)

func (c Class) String() string {
	switch c {
	case ClassUnknown:
		return "unknown"
	case ClassWFIWFE:
		return "wfi-wfe"
	case ClassSVC64:
		return "svc64"
	case ClassInstrAbortLo:
		return "instr-abort-lower-el"
	case ClassInstrAbortEq:
		return "instr-abort-same-el"
	case ClassPCAlignment:
		return "pc-alignment"
	case ClassDataAbortLo:
		return "data-abort-lower-el"
	case ClassDataAbortEq:
		return "data-abort-same-el"
	case ClassSError:
		return "serror"
	default:
		return "reserved"
	}
}

// DecodeESR extracts the exception class from a raw ESR_EL1 value.
func DecodeESR(esr uint64) Class {
	return Class((esr >> 26) & 0x3f)
}

// IsAbort reports whether c is one of the instruction/data abort classes
// spec.md §4.E's "data/instruction abort" dispatch path handles.
func (c Class) IsAbort() bool {
	switch c {
	case ClassInstrAbortLo, ClassInstrAbortEq, ClassDataAbortLo, ClassDataAbortEq:
		return true
	default:
		return false
	}
}

// HostSignal names the POSIX signal a real OS would have raised for the
// nearest equivalent fault, for human-readable fault reports. Neither the
// kernel's own handling (sim.Kernel.HandleTrap) nor the CLI calls it.
func (c Class) HostSignal() (sig int, ok bool) {
	switch c {
	case ClassDataAbortLo, ClassDataAbortEq:
		return int(unix.SIGSEGV), true
	case ClassInstrAbortLo, ClassInstrAbortEq:
		return int(unix.SIGBUS), true
	case ClassUnknown:
		return int(unix.SIGILL), true
	case ClassPCAlignment:
		return int(unix.SIGBUS), true
	default:
		return 0, false
	}
}
