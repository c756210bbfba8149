// Package ioport implements the digital I/O port peripheral (DDRx/PORTx/PINx
// register triplets) and the per-pin IRQ nodes other peripherals and the board
// harness observe pin-level changes through. The register triplet and the
// PINx-write-toggles-PORTx quirk are grounded on how pia6532 multiplexes its own
// port/DDR pair; the per-pin notification wiring is grounded directly on the
// original teensylcd board's avr_io_getirq(..., IOPORT_GETIRQ(port), pin) calls.
package ioport

import (
	"github.com/stenzek/teensylcd-simulator/avr"
	"github.com/stenzek/teensylcd-simulator/irqgraph"
)

// Port is one 8-bit GPIO port (B, C, D, F, ... on the ATmega32U4).
type Port struct {
	name byte

	pinAddr, ddrAddr, portAddr uint16

	ddr  uint8 // 1 = output
	port uint8 // output drive level, or pull-up enable when input

	externalMask  uint8 // bits currently forced by an external driver (button, peer chip)
	externalValue uint8

	pin uint8 // last computed composite pin state, for change detection

	irqs    *irqgraph.Graph
	pinIRQs [8]irqgraph.Handle
}

// New registers a port's three registers with m at the given base addresses
// (pin, ddr, port, in that address order as the real SFR map lays them out) and
// allocates one IRQ node per pin, named "<name>.<bit>".
func New(m *avr.Machine, irqs *irqgraph.Graph, name byte, pinAddr, ddrAddr, portAddr uint16) *Port {
	p := &Port{
		name:     name,
		pinAddr:  pinAddr,
		ddrAddr:  ddrAddr,
		portAddr: portAddr,
		irqs:     irqs,
	}
	for i := 0; i < 8; i++ {
		p.pinIRQs[i] = irqs.Alloc(portIRQName(name, i), 0)
	}
	m.RegisterIORead(pinAddr, p.onReadPin)
	m.RegisterIOWrite(pinAddr, p.onWritePin)
	m.RegisterIOWrite(ddrAddr, p.onWriteDDR)
	m.RegisterIOWrite(portAddr, p.onWritePort)
	return p
}

func portIRQName(name byte, bit int) string {
	return string([]byte{name}) + "." + string([]byte{'0' + byte(bit)})
}

// IRQ returns the IRQ node that fires whenever the computed level of pin bit
// changes, the node lcd and board use to observe firmware-driven pins and that
// board uses to publish externally-driven ones (buttons).
func (p *Port) IRQ(bit uint8) irqgraph.Handle { return p.pinIRQs[bit] }

// onWriteDDR applies the new data-direction register and recomputes every pin.
func (p *Port) onWriteDDR(m *avr.Machine, addr uint16, val uint8) {
	p.ddr = val
	m.Poke(addr, val)
	if m.Tracer != nil {
		m.Tracer(avr.TracerEvent{Kind: avr.TracerDDR, Payload: struct {
			Port byte
			DDR  uint8
		}{p.name, val}})
	}
	p.recompute(m)
}

// onWritePort applies the new PORTx contents (drive level for output bits, pull-up
// enable for input bits) and recomputes every pin.
func (p *Port) onWritePort(m *avr.Machine, addr uint16, val uint8) {
	p.port = val
	m.Poke(addr, val)
	p.recompute(m)
}

// onWritePin implements the classic AVR quirk where writing PINx toggles PORTx bits
// wherever the write supplied a 1, rather than storing into PINx at all.
func (p *Port) onWritePin(m *avr.Machine, addr uint16, val uint8) {
	p.port ^= val
	m.Poke(p.portAddr, p.port)
	p.recompute(m)
}

// onReadPin recomputes the composite pin byte in place before the CPU's load
// returns it, so a read always reflects the latest external drive state even if
// nothing has changed it since the last write.
func (p *Port) onReadPin(m *avr.Machine, addr uint16) {
	m.Poke(addr, p.composite())
}

func (p *Port) composite() uint8 {
	driven := p.ddr & p.port & ^p.externalMask
	pullup := ^p.ddr & p.port & ^p.externalMask
	external := p.externalMask & p.externalValue
	return driven | pullup | external
}

func (p *Port) recompute(m *avr.Machine) {
	val := p.composite()
	m.Poke(p.pinAddr, val)
	changed := val ^ p.pin
	p.pin = val
	for bit := uint8(0); bit < 8; bit++ {
		if changed&(1<<bit) == 0 {
			continue
		}
		bitVal := uint32(0)
		if val&(1<<bit) != 0 {
			bitVal = 1
		}
		p.irqs.Raise(p.pinIRQs[bit], bitVal)
		if m.Tracer != nil {
			m.Tracer(avr.TracerEvent{Kind: avr.TracerIOPortPin, Payload: struct {
				Port  byte
				Bit   uint8
				Value bool
			}{p.name, bit, val&(1<<bit) != 0}})
		}
	}
}

// SetExternal forces bit to the given logic level, overriding whatever PORTx and
// DDRx alone would produce. This covers two distinct real drivers: something
// outside the simulated firmware holding an input pin (a button, a peer chip),
// and a peripheral's own hardware taking over an output pin from PORTx (a
// timer's compare-output toggle in COM mode). Calling SetExternal(bit, false,
// ...) releases bit back to the plain PORTx/DDRx-driven level.
func (p *Port) SetExternal(m *avr.Machine, bit uint8, driven bool, value bool) {
	mask := uint8(1) << bit
	if driven {
		p.externalMask |= mask
		if value {
			p.externalValue |= mask
		} else {
			p.externalValue &^= mask
		}
	} else {
		p.externalMask &^= mask
	}
	p.recompute(m)
}

// Pin reports the current composite level of bit, regardless of direction.
func (p *Port) Pin(bit uint8) bool { return p.pin&(1<<bit) != 0 }

// DDR reports the current data-direction register.
func (p *Port) DDR() uint8 { return p.ddr }

// Reset clears the direction and drive registers the way a power-on or MCU
// reset does, and recomputes every pin. External forcing (a button held down,
// a peer chip driving a pin) is left alone: those reflect the outside world,
// which a reset of the MCU alone does not change.
func (p *Port) Reset(m *avr.Machine) {
	p.ddr = 0
	p.port = 0
	m.Poke(p.ddrAddr, 0)
	m.Poke(p.portAddr, 0)
	p.recompute(m)
}
