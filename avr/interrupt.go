package avr

import "github.com/stenzek/teensylcd-simulator/regbit"

// vectorDispatchCycles is the fixed cost of taking an interrupt: pushing the
// two-byte return address and loading PC from the vector table.
const vectorDispatchCycles = 4

// Vector is one entry of the interrupt vector table. Peripherals register their
// vectors at board setup time, in ascending priority order (vector 0 is reset and is
// never registered here; vector 1 is the highest-priority registerable interrupt).
type Vector struct {
	Name    string
	PC      uint16
	Enable  regbit.Bits
	Pending regbit.Bits
	// Sticky vectors (e.g. a UART frame-received flag some peripherals clear by
	// writing 1) are left set across dispatch; the controller does not clear them.
	// Non-sticky vectors (the common case) are cleared by the controller itself as
	// part of taking the interrupt.
	Sticky bool
}

type interruptController struct {
	vectors []*Vector
}

func (ic *interruptController) reset() {
	// Vectors themselves live in peripheral-owned registers and are cleared by
	// PowerOn via the SRAM wipe; the registration list itself persists across resets.
}

// RegisterVector adds v to the vector table. Vectors must be registered in
// ascending priority order (lowest vector number first); ties are not possible
// since each vector corresponds to exactly one hardware source.
func (m *Machine) RegisterVector(v *Vector) {
	m.interrupts.vectors = append(m.interrupts.vectors, v)
}

// RaiseInterrupt sets a vector's pending flag. The interrupt is taken on a later
// Step once SREG.I is set and no higher-priority vector is also pending.
func (m *Machine) RaiseInterrupt(v *Vector) {
	v.Pending.Set(m, true)
}

// pendingVector returns the highest-priority vector that is both pending and
// individually enabled, or nil if none is.
func (ic *interruptController) pendingVector(m *Machine) *Vector {
	for _, v := range ic.vectors {
		if v.Pending.Bool(m) && v.Enable.Bool(m) {
			return v
		}
	}
	return nil
}

// tryInterrupt checks for a pending, enabled vector. If one exists and the global
// interrupt flag is set, it dispatches: push the return address, clear I, jump to
// the vector, and (for non-sticky vectors) clear the pending flag. It reports
// whether a dispatch occurred; a pending vector found while the CPU is sleeping
// always wakes the CPU even when I is clear and no dispatch happens.
func (m *Machine) tryInterrupt() bool {
	v := m.interrupts.pendingVector(m)
	if v == nil {
		return false
	}
	if m.State == Sleeping {
		m.State = Running
	}
	if !m.Flag(FlagI) {
		return false
	}
	m.pushPC()
	m.SetFlag(FlagI, false)
	m.PC = v.PC
	if !v.Sticky {
		v.Pending.Set(m, false)
	}
	m.trace(TracerInterrupt, v.Name)
	return true
}

func (m *Machine) pushPC() {
	m.Push(uint8(m.PC >> 8))
	m.Push(uint8(m.PC))
}

func (m *Machine) popPC() uint16 {
	lo := m.Pop()
	hi := m.Pop()
	return uint16(hi)<<8 | uint16(lo)
}
