// Package board wires the AVR core and its peripherals into the one concrete
// board this simulator targets: an ATmega32U4 driving a PCD8544 LCD, two or
// three buttons, and two or three LEDs. The composition style — a single
// Init that allocates every chip and connects it to named port bits, plus a
// flag-driven host API — is grounded directly on atari2600.go's VCSDef/Init;
// the specific pin assignments and the button auto-release behavior are
// grounded on libteensylcd/teensylcd.c, which wires the same two chips this
// way in C.
package board

import (
	"log"

	"github.com/stenzek/teensylcd-simulator/avr"
	"github.com/stenzek/teensylcd-simulator/clkpr"
	"github.com/stenzek/teensylcd-simulator/cycletimer"
	"github.com/stenzek/teensylcd-simulator/firmware"
	"github.com/stenzek/teensylcd-simulator/ioport"
	"github.com/stenzek/teensylcd-simulator/irqgraph"
	"github.com/stenzek/teensylcd-simulator/lcd"
	"github.com/stenzek/teensylcd-simulator/timer"
)

// LED names one of the board's indicator LEDs.
type LED int

const (
	LED0 LED = iota
	LED1
	LED2
)

// Button names one of the board's push buttons.
type Button int

const (
	SW0 Button = iota
	SW1
	SW2
)

// Revision selects which physical pin layout Init wires up. WireRevB adds
// LED2 and SW2 on port C; WireLegacy leaves them unwired, matching the
// original two-button, two-LED board.
type Revision int

const (
	WireLegacy Revision = iota
	WireRevB
)

// LogLevel gates the board's own diagnostic logging (firmware load failures,
// button autorelease). It does not affect the peripheral packages' own
// log.Printf calls, which always log at their own discretion.
type LogLevel int

const (
	LogSilent LogLevel = iota
	LogWarn
	LogVerbose
)

// autoReleaseMicros is how long a PushButtonWithAutorelease press holds
// before releasing, matching button_auto_release's 200ms window.
const autoReleaseMicros = 200000

// pinWire names one GPIO pin a board signal is wired to.
type pinWire struct {
	port *ioport.Port
	bit  uint8
}

// Board is one fully wired simulator instance.
type Board struct {
	M *avr.Machine

	portB, portC, portD, portF *ioport.Port
	timer0, timer1             *timer.Timer
	clkpr                      *clkpr.Clkpr
	lcd                        *lcd.LCD

	logLevel LogLevel

	ledWires    map[LED]pinWire
	buttonWires map[Button]pinWire
	buttonState map[Button]bool

	ledCallback func(LED, bool)

	nextCyclesSub uint64
}

// ATmega32U4 SFR addresses used by this board. Ports E and the second half of
// the extended I/O space are unused here since nothing on the board is wired
// to them.
const (
	pinbAddr, ddrbAddr, portbAddr = 0x23, 0x24, 0x25
	pincAddr, ddrcAddr, portcAddr = 0x26, 0x27, 0x28
	pindAddr, ddrdAddr, portdAddr = 0x29, 0x2A, 0x2B
	pinfAddr, ddrfAddr, portfAddr = 0x2F, 0x30, 0x31

	clkprAddr = 0x61

	tccr0aAddr, tccr0bAddr, tcnt0Addr = 0x44, 0x45, 0x46
	ocr0aAddr, ocr0bAddr              = 0x47, 0x48
	timsk0Addr, tifr0Addr             = 0x6E, 0x35

	tccr1aAddr, tccr1bAddr = 0x80, 0x81
	tcnt1lAddr, tcnt1hAddr = 0x84, 0x85
	ocr1alAddr, ocr1ahAddr = 0x88, 0x89
	ocr1blAddr, ocr1bhAddr = 0x8A, 0x8B
	timsk1Addr, tifr1Addr  = 0x6F, 0x36

	// Interrupt vector word addresses, per the ATmega32U4 datasheet's vector
	// table (4-byte/2-word vectors, since its 16K-word flash needs JMP-sized
	// vector entries). Timer1 vectors precede Timer0's, matching real priority.
	timer1CaptVectorPC  = 0x0020
	timer1CompAVectorPC = 0x0022
	timer1CompBVectorPC = 0x0024
	timer1OvfVectorPC   = 0x0028
	timer0CompAVectorPC = 0x002A
	timer0CompBVectorPC = 0x002C
	timer0OvfVectorPC   = 0x002E
)

var _ = timer1CaptVectorPC // reserved: TIMER1 CAPT has no counterpart in this timer model (no input-capture unit)

// Init allocates a machine of the given variant, wires every peripheral, and
// returns a ready-to-load Board.
func Init(variant avr.Variant, baseFrequency uint32, revision Revision, logLevel LogLevel) (*Board, error) {
	m := avr.New(variant, baseFrequency)
	b := &Board{
		M:           m,
		logLevel:    logLevel,
		buttonState: map[Button]bool{},
	}

	b.portB = ioport.New(m, m.Irqs, 'B', pinbAddr, ddrbAddr, portbAddr)
	b.portC = ioport.New(m, m.Irqs, 'C', pincAddr, ddrcAddr, portcAddr)
	b.portD = ioport.New(m, m.Irqs, 'D', pindAddr, ddrdAddr, portdAddr)
	b.portF = ioport.New(m, m.Irqs, 'F', pinfAddr, ddrfAddr, portfAddr)

	b.clkpr = clkpr.New(m, clkprAddr)

	b.timer0 = timer.New(m, timer.Config{
		Width:            8,
		TCCRA:            tccr0aAddr,
		TCCRB:            tccr0bAddr,
		CntLow:           tcnt0Addr,
		OCRALow:          ocr0aAddr,
		OCRBLow:          ocr0bAddr,
		TIMSK:            timsk0Addr,
		TIFR:             tifr0Addr,
		OverflowVectorPC: timer0OvfVectorPC,
		CompareAVectorPC: timer0CompAVectorPC,
		CompareBVectorPC: timer0CompBVectorPC,
	}, nil, 0, nil, 0)
	b.timer1 = timer.New(m, timer.Config{
		Width:            16,
		TCCRA:            tccr1aAddr,
		TCCRB:            tccr1bAddr,
		CntLow:           tcnt1lAddr,
		CntHigh:          tcnt1hAddr,
		OCRALow:          ocr1alAddr,
		OCRAHigh:         ocr1ahAddr,
		OCRBLow:          ocr1blAddr,
		OCRBHigh:         ocr1bhAddr,
		TIMSK:            timsk1Addr,
		TIFR:             tifr1Addr,
		OverflowVectorPC: timer1OvfVectorPC,
		CompareAVectorPC: timer1CompAVectorPC,
		CompareBVectorPC: timer1CompBVectorPC,
	}, nil, 0, nil, 0)
	// Real AVR priority runs lowest-vector-number first; Timer1's vectors sit
	// earlier in the table than Timer0's.
	b.timer1.RegisterVectors(m, "TIMER1")
	b.timer0.RegisterVectors(m, "TIMER0")

	b.lcd = lcd.New(m.Irqs, b.portF.IRQ(7), b.portB.IRQ(6), b.portB.IRQ(5), b.portB.IRQ(4), b.portD.IRQ(7))

	b.ledWires = map[LED]pinWire{
		LED0: {b.portB, 2},
		LED1: {b.portB, 3},
	}
	b.buttonWires = map[Button]pinWire{
		SW0: {b.portB, 0},
		SW1: {b.portB, 1},
	}
	if revision == WireRevB {
		b.ledWires[LED2] = pinWire{b.portC, 6}
		b.buttonWires[SW2] = pinWire{b.portC, 7}
	}

	for _, w := range b.buttonWires {
		w.port.SetExternal(m, w.bit, true, false)
	}

	for led, w := range b.ledWires {
		led := led
		m.Irqs.RegisterNotify(w.port.IRQ(w.bit), func(g *irqgraph.Graph, h irqgraph.Handle, value uint32, param interface{}) {
			if b.ledCallback != nil {
				b.ledCallback(led, value != 0)
			}
		}, nil)
	}

	return b, nil
}

// LoadELF parses the ELF file at path and copies its .text/.eeprom sections
// into the board's flash and EEPROM. The machine's existing contents are left
// untouched if the load fails.
func (b *Board) LoadELF(path string) error {
	img, err := firmware.LoadELF(path, b.M.Variant)
	if err != nil {
		b.logf(LogWarn, "board: LoadELF %s failed: %v", path, err)
		return err
	}
	return img.LoadInto(b.M)
}

// LoadHEX parses the Intel HEX file at path and copies it into the board's
// flash and (if present) EEPROM.
func (b *Board) LoadHEX(path string) error {
	img, err := firmware.LoadHEX(path, b.M.Variant)
	if err != nil {
		b.logf(LogWarn, "board: LoadHEX %s failed: %v", path, err)
		return err
	}
	return img.LoadInto(b.M)
}

func (b *Board) logf(level LogLevel, format string, args ...interface{}) {
	if b.logLevel >= level {
		log.Printf(format, args...)
	}
}

// Reset restores the CPU and every peripheral's register-visible state to
// power-on defaults, leaving flash, EEPROM, and the LCD (which has its own
// RST line, not tied to the MCU's reset) untouched.
func (b *Board) Reset() {
	b.M.PowerOn()
	b.portB.Reset(b.M)
	b.portC.Reset(b.M)
	b.portD.Reset(b.M)
	b.portF.Reset(b.M)
	b.timer0.Reset()
	b.timer1.Reset()
	b.clkpr.Reset()
}

// RunSingle executes exactly one Step and reports whether the machine has
// halted (Done or Crashed) as a result.
func (b *Board) RunSingle() (bool, error) {
	if b.M.State == avr.Done || b.M.State == avr.Crashed {
		return true, nil
	}
	err := b.M.Step()
	halted := b.M.State == avr.Done || b.M.State == avr.Crashed
	return halted, err
}

// runCycles advances the machine by delta cycles, honoring RunCycleLimit by
// splitting the request into bounded chunks, and stops early if the machine
// halts or a step errors.
func (b *Board) runCycles(delta uint64) error {
	for delta > 0 {
		if b.M.State == avr.Done || b.M.State == avr.Crashed {
			return nil
		}
		chunk := delta
		if b.M.RunCycleLimit != 0 && chunk > b.M.RunCycleLimit {
			chunk = b.M.RunCycleLimit
		}
		if _, err := b.M.RunCycles(chunk); err != nil {
			return err
		}
		delta -= chunk
	}
	return nil
}

// RunMicroseconds advances simulated time by approximately us microseconds at
// the machine's current effective clock rate, carrying the fractional cycle
// remainder into the next call. The cycles by which the last instruction of a
// call runs past its target are not carried, so each call can run up to one
// instruction's cycles long and those overshoots add up over many calls. It
// returns false if the machine is Done or Crashed
// either on entry or as a result of running, or if a step errored.
func (b *Board) RunMicroseconds(us uint32) bool {
	if b.M.State == avr.Done || b.M.State == avr.Crashed {
		return false
	}
	total := uint64(b.M.EffectiveHz())*uint64(us) + b.nextCyclesSub
	whole := total / 1000000
	b.nextCyclesSub = total % 1000000
	if err := b.runCycles(whole); err != nil {
		b.logf(LogWarn, "board: run error: %v", err)
		return false
	}
	return b.M.State != avr.Done && b.M.State != avr.Crashed
}

// RunMilliseconds advances simulated time by approximately ms milliseconds.
func (b *Board) RunMilliseconds(ms uint32) bool {
	return b.RunMicroseconds(ms * 1000)
}

// RunFrame advances simulated time by one frame period at the given refresh
// rate.
func (b *Board) RunFrame(fps uint32) bool {
	if fps == 0 {
		fps = 60
	}
	return b.RunMicroseconds(1000000 / fps)
}

// RunUntilRefresh single-steps until the LCD's auto-increment write address
// returns to the position observed on entry after having moved at least
// once, i.e. one full pass over the framebuffer. Used by headless tests that
// want to observe one complete redraw without tying themselves to a fixed
// cycle count.
func (b *Board) RunUntilRefresh() bool {
	startX, startY := b.lcd.Position()
	moved := false
	for {
		halted, err := b.RunSingle()
		if err != nil || halted {
			return false
		}
		x, y := b.lcd.Position()
		if x != startX || y != startY {
			moved = true
			continue
		}
		if moved {
			return true
		}
	}
}

// LEDState reports whether led is currently lit.
func (b *Board) LEDState(led LED) bool {
	w, ok := b.ledWires[led]
	if !ok {
		return false
	}
	return w.port.Pin(w.bit)
}

// SetLEDChangeCallback installs cb to be called whenever any wired LED's
// state changes. A nil cb disables the callback.
func (b *Board) SetLEDChangeCallback(cb func(LED, bool)) {
	b.ledCallback = cb
}

// ButtonState reports whether btn is currently held pressed.
func (b *Board) ButtonState(btn Button) bool {
	return b.buttonState[btn]
}

// SetButtonState drives btn's pin to reflect pressed, exactly as the original
// button model does: always actively driven, never floating, so the pin
// reads 0 whenever no one is holding the button down.
func (b *Board) SetButtonState(btn Button, pressed bool) {
	w, ok := b.buttonWires[btn]
	if !ok {
		return
	}
	b.buttonState[btn] = pressed
	w.port.SetExternal(b.M, w.bit, true, pressed)
}

// PushButtonWithAutorelease presses btn immediately and schedules a release
// 200ms of simulated time later, canceling any release already scheduled for
// it (so a second press while the first is still pending simply restarts the
// window, matching teensylcd_push_button's avr_cycle_timer_cancel-then-
// register sequence).
func (b *Board) PushButtonWithAutorelease(btn Button) {
	b.SetButtonState(btn, true)
	b.M.Timers.Cancel(b.autoRelease, btn)
	b.M.Timers.RegisterInMicroseconds(cycletimer.Cycle(b.M.Cycle), b.M.EffectiveHz(), autoReleaseMicros, b.autoRelease, btn)
}

func (b *Board) autoRelease(now cycletimer.Cycle, param interface{}) cycletimer.Cycle {
	b.SetButtonState(param.(Button), false)
	return 0
}

// EEPROM returns a copy of the machine's EEPROM contents, for a host that
// wants to snapshot persistent state to a file between runs.
func (b *Board) EEPROM() []byte {
	out := make([]byte, len(b.M.EEPROM))
	copy(out, b.M.EEPROM)
	return out
}

// LCDFramebuffer returns a copy of the LCD's raw bit-packed display memory.
func (b *Board) LCDFramebuffer() []byte {
	return b.lcd.Framebuffer()
}

// RenderRGBA renders the LCD into pixels as RGBA32, pitch bytes per row.
func (b *Board) RenderRGBA(pixels []byte, pitch int) {
	b.lcd.RenderRGBA(pixels, pitch)
}

// RenderLuminance renders the LCD into pixels as one grayscale byte each.
func (b *Board) RenderLuminance(pixels []byte) {
	b.lcd.RenderLuminance(pixels)
}

// SetTracer installs cb to receive the machine's tracer events.
func (b *Board) SetTracer(cb avr.TracerFunc) {
	b.M.SetTracer(cb)
}
