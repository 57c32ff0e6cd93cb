// Package trapframe defines the saved processor-state layout a trap
// entry stores before the kernel dispatcher runs, resolving an Open
// Question spec.md §4.E leaves latent: the exact field grouping of the
// saved processor-state word. Grounded on the Rust original's
// arch/aarch64/context.rs, which groups the saved state into exception
// level, interrupt-mask bits, and condition flags rather than exposing a
// single opaque word; this package keeps that grouping but not the
// original's register names.
package trapframe

// ExceptionLevel names an ARMv8-A privilege level.
type ExceptionLevel uint8

const (
	EL0 ExceptionLevel = iota
	EL1
)

// InterruptMask is the saved IRQ/FIQ/SError/Debug mask bits (the "DAIF"
// grouping in ARM terms, named generically here per SPEC_FULL.md's
// instruction not to carry over the original's register names).
type InterruptMask struct {
	Debug bool
	SError bool
	IRQ    bool
	FIQ    bool
}

// ConditionFlags is the saved NZCV condition-flag nibble.
type ConditionFlags struct {
	Negative bool
	Zero     bool
	Carry    bool
	Overflow bool
}

// SavedState is the full saved processor-state word, decomposed into its
// three logical groups rather than a single 64-bit bitfield, matching the
// original's context.rs grouping.
type SavedState struct {
	Level ExceptionLevel
	Mask  InterruptMask
	Flags ConditionFlags
}

// EL0Enabled returns the saved processor-state word do_exec must install
// before the very first exception return into a new thread: EL0, every
// interrupt source unmasked (spec.md §4.E's user-mode entry contract).
func EL0Enabled() SavedState {
	return SavedState{Level: EL0}
}

// Pack encodes the saved state into the single word the trap-vector
// assembly leaf actually reads and writes; the rest of the kernel only
// ever sees the decomposed SavedState.
func (s SavedState) Pack() uint64 {
	var w uint64
	if s.Level == EL1 {
		w |= 1 << 0
	}
	if s.Mask.Debug {
		w |= 1 << 9
	}
	if s.Mask.SError {
		w |= 1 << 8
	}
	if s.Mask.IRQ {
		w |= 1 << 7
	}
	if s.Mask.FIQ {
		w |= 1 << 6
	}
	if s.Flags.Negative {
		w |= 1 << 31
	}
	if s.Flags.Zero {
		w |= 1 << 30
	}
	if s.Flags.Carry {
		w |= 1 << 29
	}
	if s.Flags.Overflow {
		w |= 1 << 28
	}
	return w
}

// Unpack decodes a raw saved-state word into its logical groups.
func Unpack(w uint64) SavedState {
	return SavedState{
		Level: ExceptionLevel(w & 1),
		Mask: InterruptMask{
			Debug:  w&(1<<9) != 0,
			SError: w&(1<<8) != 0,
			IRQ:    w&(1<<7) != 0,
			FIQ:    w&(1<<6) != 0,
		},
		Flags: ConditionFlags{
			Negative: w&(1<<31) != 0,
			Zero:     w&(1<<30) != 0,
			Carry:    w&(1<<29) != 0,
			Overflow: w&(1<<28) != 0,
		},
	}
}
