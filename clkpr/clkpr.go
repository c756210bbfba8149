// Package clkpr implements the clock prescaler change-protection register: a
// two-write unlock sequence (write CLKPCE set, then within four cycles of that
// write write the new prescaler select with CLKPCE clear) that firmware must
// follow to change the CPU's effective clock rate. Any write that doesn't follow
// the sequence is dropped, with a logged warning, leaving the prescaler unchanged.
// Grounded on the simulator's original avr_clkpr.c, whose write handler implements
// exactly this unlock-window logic.
package clkpr

import (
	"log"

	"github.com/stenzek/teensylcd-simulator/avr"
)

const (
	clkpceBit          = 0x80
	clkpsMask          = 0x0F
	unlockWindowCycles = 4
)

var divisorTable = [16]uint32{1, 2, 4, 8, 16, 32, 64, 128, 256, 256, 256, 256, 256, 256, 256, 256}

// Clkpr is the CLKPR register's state machine.
type Clkpr struct {
	m    *avr.Machine
	addr uint16

	unlocked       bool
	unlockDeadline uint64
}

// New wires CLKPR at addr into m.
func New(m *avr.Machine, addr uint16) *Clkpr {
	c := &Clkpr{m: m, addr: addr}
	m.RegisterIOWrite(addr, c.onWrite)
	return c
}

func (c *Clkpr) onWrite(m *avr.Machine, addr uint16, val uint8) {
	if !c.unlocked {
		if val&clkpceBit == 0 {
			log.Printf("clkpr: write %#02x ignored: CLKPCE must be set to begin the unlock sequence", val)
			return
		}
		c.unlocked = true
		c.unlockDeadline = m.Cycle + 1 + unlockWindowCycles
		m.Poke(addr, clkpceBit)
		return
	}

	c.unlocked = false
	if m.Cycle > c.unlockDeadline {
		log.Printf("clkpr: write %#02x ignored: unlock window expired", val)
		return
	}
	if val&clkpceBit != 0 {
		log.Printf("clkpr: write %#02x ignored: CLKPCE must be clear on the follow-up write", val)
		return
	}
	sel := val & clkpsMask
	if m.Frequency/divisorTable[sel] == 0 {
		log.Printf("clkpr: write %#02x ignored: prescaled frequency would be 0 Hz", val)
		return
	}
	m.Poke(addr, sel)
	m.ClockDivisor = divisorTable[sel]
}

// Reset drops a pending unlock, matching a power-on/MCU reset clearing CLKPCE
// without going through onWrite. The divisor itself is reset by
// Machine.PowerOn, not here.
func (c *Clkpr) Reset() {
	c.unlocked = false
}
