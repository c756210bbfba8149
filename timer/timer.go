// Package timer implements the 8-bit and 16-bit counter/timer peripherals: Normal
// and CTC counting, the clock-select prescaler table, overflow and compare-match
// interrupts, and COM-pin toggling on compare match. The count-down/reschedule
// pattern is grounded on pia6532's own interval timer, adapted here to AVR's
// count-up counter/compare semantics and rescheduled through package cycletimer
// instead of pia6532's ad hoc remaining-cycles field.
package timer

import (
	"github.com/stenzek/teensylcd-simulator/avr"
	"github.com/stenzek/teensylcd-simulator/cycletimer"
	"github.com/stenzek/teensylcd-simulator/ioport"
	"github.com/stenzek/teensylcd-simulator/regbit"
)

// Mode is the counter's waveform generation mode. Only the two most commonly used
// modes are implemented; any other WGM encoding falls back to Normal, which is
// always a safe (if not bit-exact) approximation for firmware that doesn't rely on
// the unimplemented mode's exact waveform.
type Mode uint8

const (
	Normal Mode = 0
	CTC    Mode = 1
)

// Prescale divisors selectable via the 3-bit clock-select field, in table order.
var prescaleDivisors = [8]uint32{0, 1, 8, 64, 256, 1024, 0, 0}

// Config locates one timer's registers and vectors in the machine's I/O and
// interrupt space.
type Config struct {
	Width int // 8 or 16

	TCCRA, TCCRB uint16
	CntLow, CntHigh uint16 // CntHigh is unused (0) for an 8-bit timer
	OCRALow, OCRAHigh uint16
	OCRBLow, OCRBHigh uint16
	TIMSK, TIFR uint16

	OverflowVectorPC    uint16
	CompareAVectorPC    uint16
	CompareBVectorPC    uint16
}

// Timer is one running counter/compare unit.
type Timer struct {
	cfg Config
	m   *avr.Machine

	cs   regbit.Bits // 3-bit clock select
	toie regbit.Bits
	ociea, ocieb regbit.Bits
	tov, ocfa, ocfb regbit.Bits

	comA, comB *pinToggle

	nativeMax uint32
	ticking   bool
}

type pinToggle struct {
	port *ioport.Port
	bit  uint8
}

// New wires up one timer unit against m using cfg, and returns it. comAPort/comBPort
// (either may be nil) are the GPIO port/bit a compare match on unit A/B toggles,
// mirroring the real COMnx=toggle waveform-output mode.
func New(m *avr.Machine, cfg Config, comAPort *ioport.Port, comABit uint8, comBPort *ioport.Port, comBBit uint8) *Timer {
	t := &Timer{cfg: cfg, m: m}
	if cfg.Width == 8 {
		t.nativeMax = 0xFF
	} else {
		t.nativeMax = 0xFFFF
	}
	t.cs = regbit.New(cfg.TCCRB, 0, 0x07)
	t.toie = regbit.Bit(cfg.TIMSK, 0)
	t.ociea = regbit.Bit(cfg.TIMSK, 1)
	t.ocieb = regbit.Bit(cfg.TIMSK, 2)
	t.tov = regbit.Bit(cfg.TIFR, 0)
	t.ocfa = regbit.Bit(cfg.TIFR, 1)
	t.ocfb = regbit.Bit(cfg.TIFR, 2)
	if comAPort != nil {
		t.comA = &pinToggle{port: comAPort, bit: comABit}
	}
	if comBPort != nil {
		t.comB = &pinToggle{port: comBPort, bit: comBBit}
	}

	m.RegisterIOWrite(cfg.TCCRA, t.onWriteTCCR)
	m.RegisterIOWrite(cfg.TCCRB, t.onWriteTCCR)
	m.RegisterIOWrite(cfg.TIFR, t.onWriteTIFR)
	return t
}

func (t *Timer) mode() Mode {
	a := t.m.Peek(t.cfg.TCCRA) & 0x03
	b := (t.m.Peek(t.cfg.TCCRB) >> 3) & 0x01
	wgm := a | b<<2
	// CTC's WGM encoding is 2 (WGM2:0 = 010) on the 8-bit timers; the 16-bit
	// timers' WGM3:0 table has three phase-correct PWM modes (1-3) ahead of it,
	// putting CTC at 4 (WGM3:0 = 0100) there instead.
	ctcEncoding := uint8(2)
	if t.cfg.Width == 16 {
		ctcEncoding = 4
	}
	if wgm == ctcEncoding {
		return CTC
	}
	return Normal
}

func (t *Timer) prescaleDivisor() uint32 {
	return prescaleDivisors[t.cs.Read(t.m)]
}

// onWriteTIFR handles the write-1-to-clear convention real AVR status flag
// registers use: a bit written 1 clears that flag, a bit written 0 is a no-op.
func (t *Timer) onWriteTIFR(m *avr.Machine, addr uint16, val uint8) {
	cur := m.Peek(addr)
	m.Poke(addr, cur&^val)
}

func (t *Timer) onWriteTCCR(m *avr.Machine, addr uint16, val uint8) {
	m.Poke(addr, val)
	t.reschedule()
}

func (t *Timer) count() uint32 {
	if t.cfg.Width == 8 {
		return uint32(t.m.Peek(t.cfg.CntLow))
	}
	return uint32(t.m.Peek(t.cfg.CntLow)) | uint32(t.m.Peek(t.cfg.CntHigh))<<8
}

func (t *Timer) setCount(v uint32) {
	t.m.Poke(t.cfg.CntLow, uint8(v))
	if t.cfg.Width == 16 {
		t.m.Poke(t.cfg.CntHigh, uint8(v>>8))
	}
}

func (t *Timer) ocrA() uint32 {
	if t.cfg.Width == 8 {
		return uint32(t.m.Peek(t.cfg.OCRALow))
	}
	return uint32(t.m.Peek(t.cfg.OCRALow)) | uint32(t.m.Peek(t.cfg.OCRAHigh))<<8
}

func (t *Timer) ocrB() uint32 {
	if t.cfg.Width == 8 {
		return uint32(t.m.Peek(t.cfg.OCRBLow))
	}
	return uint32(t.m.Peek(t.cfg.OCRBLow)) | uint32(t.m.Peek(t.cfg.OCRBHigh))<<8
}

// reschedule (re)arms the cycletimer tick that advances the counter, based on the
// current prescaler selection. A divisor of 0 (CS=0, or an unsupported external
// clock source) stops the timer.
func (t *Timer) reschedule() {
	t.m.Timers.Cancel(t.tick, t)
	div := t.prescaleDivisor()
	if div == 0 {
		t.ticking = false
		return
	}
	t.ticking = true
	t.m.Timers.RegisterInCycles(cycletimer.Cycle(t.m.Cycle), cycletimer.Cycle(div), t.tick, t)
}

func (t *Timer) tick(now cycletimer.Cycle, param interface{}) cycletimer.Cycle {
	if !t.ticking {
		return 0
	}
	cnt := t.count() + 1
	matchedA := cnt == t.ocrA()
	matchedB := cnt == t.ocrB()
	wrapped := cnt > t.nativeMax

	if wrapped {
		cnt = 0
	}

	// Setting the flag bits below is the complete act of raising these interrupts:
	// the controller's dispatch loop polls each registered vector's Pending/Enable
	// regbits directly (see RegisterVectors), so no separate notify call is needed.
	if matchedA {
		t.ocfa.Set(t.m, true)
		if t.comA != nil {
			t.comA.port.SetExternal(t.m, t.comA.bit, true, !t.comA.port.Pin(t.comA.bit))
		}
		if t.mode() == CTC {
			cnt = 0
		}
	}
	if matchedB {
		t.ocfb.Set(t.m, true)
		if t.comB != nil {
			t.comB.port.SetExternal(t.m, t.comB.bit, true, !t.comB.port.Pin(t.comB.bit))
		}
	}
	if wrapped {
		t.tov.Set(t.m, true)
	}

	t.setCount(cnt)
	return now + cycletimer.Cycle(t.prescaleDivisor())
}

// Reset stops the counter and cancels its pending reschedule, matching a
// power-on/MCU reset clearing TCCRx without going through onWriteTCCR.
func (t *Timer) Reset() {
	t.m.Timers.Cancel(t.tick, t)
	t.ticking = false
}

// RegisterVectors adds this timer's compare-A, compare-B and overflow vectors to
// m's interrupt controller, in that order (the real AVR priority within one timer).
// The order across timers is the order the caller calls RegisterVectors in.
func (t *Timer) RegisterVectors(m *avr.Machine, namePrefix string) {
	m.RegisterVector(&avr.Vector{Name: namePrefix + "_COMPA", PC: t.cfg.CompareAVectorPC, Enable: t.ociea, Pending: t.ocfa})
	m.RegisterVector(&avr.Vector{Name: namePrefix + "_COMPB", PC: t.cfg.CompareBVectorPC, Enable: t.ocieb, Pending: t.ocfb})
	m.RegisterVector(&avr.Vector{Name: namePrefix + "_OVF", PC: t.cfg.OverflowVectorPC, Enable: t.toie, Pending: t.tov})
}
