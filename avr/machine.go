// Package avr implements the simulated machine state (§3 of the board's design
// document): the AVR instruction core (C5), the interrupt controller (C6), and the
// I/O dispatch tables peripherals register into (C4). It builds directly on
// package irqgraph (C2) and package cycletimer (C1) for the substrate those
// peripherals are wired through.
package avr

import (
	"fmt"

	"github.com/stenzek/teensylcd-simulator/cycletimer"
	"github.com/stenzek/teensylcd-simulator/irqgraph"
)

// State is one of the machine's coarse-grained run states.
type State int

const (
	Running State = iota
	Sleeping
	Stopped
	Done
	Crashed
)

func (s State) String() string {
	switch s {
	case Running:
		return "Running"
	case Sleeping:
		return "Sleeping"
	case Stopped:
		return "Stopped"
	case Done:
		return "Done"
	case Crashed:
		return "Crashed"
	default:
		return "Unknown"
	}
}

// Register addresses. These match the real ATmega32U4 SFR map so firmware built
// against the real datasheet addresses behaves identically under simulation.
const (
	RegFileSize = 32
	IOBase      = 0x0020
	IOEnd       = 0x0100 // exclusive; covers standard + extended I/O
	SRAMBase    = 0x0100

	SPLAddr  = 0x5D
	SPHAddr  = 0x5E
	SREGAddr = 0x5F
)

// SREG flag bits, per the AVR datasheet's bit numbering.
const (
	FlagC uint8 = 1 << 0
	FlagZ uint8 = 1 << 1
	FlagN uint8 = 1 << 2
	FlagV uint8 = 1 << 3
	FlagS uint8 = 1 << 4
	FlagH uint8 = 1 << 5
	FlagT uint8 = 1 << 6
	FlagI uint8 = 1 << 7
)

// Variant describes the sizing of one MCU family member.
type Variant struct {
	Name        string
	FlashWords  int
	SRAMBytes   int // pure data SRAM beyond the register file + I/O window
	EEPROMBytes int
}

// ATmega32U4 is the only MCU variant the board wires up.
var ATmega32U4 = Variant{Name: "atmega32u4", FlashWords: 16384, SRAMBytes: 2560, EEPROMBytes: 1024}

// LookupVariant resolves a name (case-sensitive, as firmware build systems spell it)
// to a known Variant.
func LookupVariant(name string) (Variant, bool) {
	if name == ATmega32U4.Name {
		return ATmega32U4, true
	}
	return Variant{}, false
}

// TracerKind identifies the category of a traced event.
type TracerKind int

const (
	TracerIOPortPin TracerKind = iota
	TracerDDR
	TracerInterrupt
)

// TracerEvent is delivered to a registered tracer callback. Payload is
// source-defined per Kind (e.g. a port/bit pair for TracerIOPortPin, a vector name
// for TracerInterrupt).
type TracerEvent struct {
	Kind    TracerKind
	Payload interface{}
}

// TracerFunc receives tracer events as they occur.
type TracerFunc func(TracerEvent)

// IOReadFunc may recompute the SRAM byte at addr in place before it is returned to
// the CPU load that triggered it.
type IOReadFunc func(m *Machine, addr uint16)

// IOWriteFunc observes a completed store of val to addr and may raise IRQ nodes,
// schedule cycle timers, or touch other registers.
type IOWriteFunc func(m *Machine, addr uint16, val uint8)

// Machine holds everything described by §3's "simulated machine state (M)", plus the
// I/O dispatch tables (C4) and owns the shared IRQ graph (C2) and cycle scheduler
// (C1) that every peripheral is wired through.
type Machine struct {
	Variant Variant

	SRAM    []uint8
	Flash   []uint16
	EEPROM  []uint8
	PC      uint16
	Cycle   uint64
	Frequency uint32
	// ClockDivisor is the currently active clock prescaler divisor (package clkpr
	// is the only writer); 1 until firmware unlocks and changes it.
	ClockDivisor uint32
	State   State

	// RunCycleLimit, if non-zero, bounds how many cycles Step's caller (the board
	// harness's run loop) will advance in one call; it does not stop Step itself,
	// which always executes exactly one instruction.
	RunCycleLimit uint64

	Irqs   *irqgraph.Graph
	Timers *cycletimer.Scheduler

	readCB  [IOEnd - IOBase]IOReadFunc
	writeCB [IOEnd - IOBase]IOWriteFunc
	writing [IOEnd - IOBase]bool

	interrupts interruptController

	Tracer TracerFunc
}

// New allocates a machine for the given variant and powers it on (see PowerOn), so
// it is ready to run once flash is loaded.
func New(variant Variant, frequency uint32) *Machine {
	m := &Machine{
		Variant:   variant,
		SRAM:      make([]uint8, SRAMBase+variant.SRAMBytes),
		Flash:     make([]uint16, variant.FlashWords),
		EEPROM:    make([]uint8, variant.EEPROMBytes),
		Frequency:    frequency,
		ClockDivisor: 1,
		Irqs:         irqgraph.New(),
		Timers:       cycletimer.New(),
	}
	m.PowerOn()
	return m
}

// PowerOn clears all architectural state (registers, SRAM, PC, cycle count) without
// touching flash or EEPROM contents. It does not call any peripheral's own reset
// hook; the board harness's Reset does that after PowerOn.
func (m *Machine) PowerOn() {
	for i := range m.SRAM {
		m.SRAM[i] = 0
	}
	m.PC = 0
	m.Cycle = 0
	m.State = Running
	m.ClockDivisor = 1
	m.SetSP(uint16(len(m.SRAM) - 1))
	m.interrupts.reset()
}

// EffectiveHz returns the CPU clock rate after the clkpr prescaler is applied.
func (m *Machine) EffectiveHz() uint32 {
	return m.Frequency / m.ClockDivisor
}

// Peek reads a raw SRAM byte, bypassing I/O dispatch. This is the path
// package regbit uses so peripheral-internal register manipulation does not
// re-trigger its own write callback.
func (m *Machine) Peek(addr uint16) uint8 {
	return m.SRAM[addr]
}

// Poke writes a raw SRAM byte, bypassing I/O dispatch.
func (m *Machine) Poke(addr uint16, val uint8) {
	m.SRAM[addr] = val
}

// RegisterIORead installs a read callback for addr (which must be in the I/O
// window). Only one callback may be registered per address.
func (m *Machine) RegisterIORead(addr uint16, cb IOReadFunc) {
	m.readCB[addr-IOBase] = cb
}

// RegisterIOWrite installs a write callback for addr (which must be in the I/O
// window). Only one callback may be registered per address.
func (m *Machine) RegisterIOWrite(addr uint16, cb IOWriteFunc) {
	m.writeCB[addr-IOBase] = cb
}

// LoadByte is the CPU's data-space load path: I/O-window addresses dispatch through
// the registered read callback (which may recompute the byte in place) before the
// (possibly updated) SRAM byte is returned; everything else is a plain SRAM read.
func (m *Machine) LoadByte(addr uint16) uint8 {
	if addr >= IOBase && addr < IOEnd {
		idx := addr - IOBase
		if cb := m.readCB[idx]; cb != nil {
			cb(m, addr)
		}
	}
	return m.SRAM[addr]
}

// StoreByte is the CPU's data-space store path. For an address with no registered
// write callback, val is stored to SRAM directly. For an I/O-window address with a
// callback, the raw SRAM byte is left untouched and the callback alone decides what
// (if anything) ends up there: most peripherals simply Poke val straight through,
// but a register with write-1-to-clear or other non-identity semantics (a TIFRn,
// say) needs to see the pre-write byte to do that correctly, which it could not if
// the core had already overwritten it. A callback that stores back into the same
// address it was invoked for is applied but does not recurse into the callback a
// second time, matching §4.4's "must not recurse into the same address within one
// store" contract.
func (m *Machine) StoreByte(addr uint16, val uint8) {
	if addr >= IOBase && addr < IOEnd {
		idx := addr - IOBase
		if m.writing[idx] {
			m.SRAM[addr] = val
			return
		}
		if cb := m.writeCB[idx]; cb != nil {
			m.writing[idx] = true
			cb(m, addr, val)
			m.writing[idx] = false
			return
		}
	}
	m.SRAM[addr] = val
}

// SREG returns the full status register byte.
func (m *Machine) SREG() uint8 { return m.SRAM[SREGAddr] }

// SetSREG overwrites the full status register byte.
func (m *Machine) SetSREG(v uint8) { m.SRAM[SREGAddr] = v }

// Flag reports whether the given SREG bit is set.
func (m *Machine) Flag(f uint8) bool { return m.SRAM[SREGAddr]&f != 0 }

// SetFlag sets or clears the given SREG bit.
func (m *Machine) SetFlag(f uint8, v bool) {
	if v {
		m.SRAM[SREGAddr] |= f
	} else {
		m.SRAM[SREGAddr] &^= f
	}
}

// SP returns the current stack pointer.
func (m *Machine) SP() uint16 {
	return uint16(m.SRAM[SPLAddr]) | uint16(m.SRAM[SPHAddr])<<8
}

// SetSP overwrites the stack pointer.
func (m *Machine) SetSP(v uint16) {
	m.SRAM[SPLAddr] = uint8(v)
	m.SRAM[SPHAddr] = uint8(v >> 8)
}

// Push stores b at the byte SP points at and then decrements SP.
func (m *Machine) Push(b uint8) {
	sp := m.SP()
	m.SRAM[sp] = b
	m.SetSP(sp - 1)
}

// Pop loads the byte above the current top of stack and increments SP.
func (m *Machine) Pop() uint8 {
	sp := m.SP() + 1
	m.SetSP(sp)
	return m.SRAM[sp]
}

// R returns general-purpose register i (0-31).
func (m *Machine) R(i uint8) uint8 { return m.SRAM[i] }

// SetR writes general-purpose register i (0-31).
func (m *Machine) SetR(i uint8, v uint8) { m.SRAM[i] = v }

// RPair returns the 16-bit little-endian value held in registers i and i+1
// (used for X=r26:r27, Y=r28:r29, Z=r30:r31 and MOVW/ADIW/SBIW pairs).
func (m *Machine) RPair(i uint8) uint16 {
	return uint16(m.SRAM[i]) | uint16(m.SRAM[i+1])<<8
}

// SetRPair writes a 16-bit little-endian value into registers i and i+1.
func (m *Machine) SetRPair(i uint8, v uint16) {
	m.SRAM[i] = uint8(v)
	m.SRAM[i+1] = uint8(v >> 8)
}

const (
	regX = 26
	regY = 28
	regZ = 30
)

// SetTracer installs cb to receive TracerEvents. A nil cb disables tracing.
func (m *Machine) SetTracer(cb TracerFunc) { m.Tracer = cb }

func (m *Machine) trace(kind TracerKind, payload interface{}) {
	if m.Tracer != nil {
		m.Tracer(TracerEvent{Kind: kind, Payload: payload})
	}
}

// InvalidState reports a configuration or runtime inconsistency severe enough to
// halt the CPU.
type InvalidState struct {
	Reason string
}

func (e InvalidState) Error() string {
	return fmt.Sprintf("avr: invalid machine state: %s", e.Reason)
}
