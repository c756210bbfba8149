package avr

import (
	"testing"

	"github.com/davecgh/go-spew/spew"
	"github.com/go-test/deep"

	"github.com/stenzek/teensylcd-simulator/regbit"
)

// regSnapshot captures the pieces of machine state instruction tests care
// about, so a mismatch can be reported as a single deep.Equal diff instead of
// a pile of individual field assertions.
type regSnapshot struct {
	PC   uint16
	SREG uint8
	R    [8]uint8 // r0-r7, enough to cover every register this test table touches
	R21  uint8    // r21, the LDI test's destination (outside the r0-r7 ALU range)
}

func snapshot(m *Machine) regSnapshot {
	var s regSnapshot
	s.PC = m.PC
	s.SREG = m.SREG()
	for i := range s.R {
		s.R[i] = m.R(uint8(i))
	}
	s.R21 = m.R(21)
	return s
}

func newTestMachine(t *testing.T) *Machine {
	t.Helper()
	return New(ATmega32U4, 16000000)
}

func stepN(t *testing.T, m *Machine, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		if err := m.Step(); err != nil {
			t.Fatalf("Step %d/%d: %v\nstate: %s", i+1, n, err, spew.Sdump(m))
		}
	}
}

func TestInstructionsUpdateRegistersAndFlags(t *testing.T) {
	tests := []struct {
		name  string
		flash []uint16
		setup func(m *Machine)
		want  regSnapshot
	}{
		{
			name:  "NOP leaves everything untouched",
			flash: []uint16{0x0000},
			want:  regSnapshot{PC: 1},
		},
		{
			name:  "LDI loads an immediate into r16-r31",
			flash: []uint16{0xE05A}, // LDI r21, 0x0A
			want:  regSnapshot{PC: 1, R21: 0x0A},
		},
		{
			name:  "ADD sets Rd and updates the zero flag",
			flash: []uint16{0x0C01}, // ADD r0, r1
			setup: func(m *Machine) {
				m.SetR(0, 0x01)
				m.SetR(1, 0xFF)
			},
			want: regSnapshot{PC: 1, SREG: FlagH | FlagC | FlagZ, R: [8]uint8{0x00, 0xFF}},
		},
		{
			name:  "SUB clears the zero flag when operands differ",
			flash: []uint16{0x1801}, // SUB r0, r1
			setup: func(m *Machine) {
				m.SetR(0, 0x05)
				m.SetR(1, 0x01)
			},
			want: regSnapshot{PC: 1, R: [8]uint8{0x04, 0x01}},
		},
		{
			name:  "AND clears V and updates N",
			flash: []uint16{0x2001}, // AND r0, r1
			setup: func(m *Machine) {
				m.SetR(0, 0x80)
				m.SetR(1, 0xFF)
			},
			want: regSnapshot{PC: 1, SREG: FlagN | FlagS, R: [8]uint8{0x80, 0xFF}},
		},
		{
			name:  "INC wraps and sets V at 0x7F",
			flash: []uint16{0x9403}, // INC r0
			setup: func(m *Machine) {
				m.SetR(0, 0x7F)
			},
			want: regSnapshot{PC: 1, SREG: FlagN | FlagV, R: [8]uint8{0x80}},
		},
		{
			name:  "MOV copies Rr into Rd",
			flash: []uint16{0x2C01}, // MOV r0, r1
			setup: func(m *Machine) {
				m.SetR(1, 0x42)
			},
			want: regSnapshot{PC: 1, R: [8]uint8{0x42, 0x42}},
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			m := newTestMachine(t)
			copy(m.Flash, tc.flash)
			if tc.setup != nil {
				tc.setup(m)
			}

			stepN(t, m, 1)

			got := snapshot(m)
			if diff := deep.Equal(tc.want, got); diff != nil {
				t.Fatalf("%s: state mismatch: %v\nfull state: %s", tc.name, diff, spew.Sdump(m))
			}
		})
	}
}

func TestIllegalOpcodeCrashesTheMachine(t *testing.T) {
	m := newTestMachine(t)
	m.Flash[0] = 0xFFFF // not a decodable opcode

	err := m.Step()
	if err == nil {
		t.Fatalf("Step with an illegal opcode returned nil error\nstate: %s", spew.Sdump(m))
	}
	if _, ok := err.(IllegalOpcode); !ok {
		t.Fatalf("Step error = %T, want IllegalOpcode\nstate: %s", err, spew.Sdump(m))
	}
	if m.State != Crashed {
		t.Fatalf("State = %v after illegal opcode, want Crashed\nstate: %s", m.State, spew.Sdump(m))
	}
}

func TestRjmpAndRcallAdjustPC(t *testing.T) {
	m := newTestMachine(t)
	// RJMP +2 from word 0 skips words 1 and 2 and lands on word 3, which holds
	// RCALL +1: that pushes the return address 4 and lands on word 5.
	m.Flash[0] = 0xC002
	m.Flash[3] = 0xD001

	stepN(t, m, 1)
	if m.PC != 3 {
		t.Fatalf("PC after RJMP = %#04x, want 0x0003\nstate: %s", m.PC, spew.Sdump(m))
	}
	stepN(t, m, 1)
	if m.PC != 5 {
		t.Fatalf("PC after RCALL = %#04x, want 0x0005\nstate: %s", m.PC, spew.Sdump(m))
	}
}

func TestCallAndRetRoundTrip(t *testing.T) {
	m := newTestMachine(t)
	m.Flash[0] = 0x940E // CALL 0x0010
	m.Flash[1] = 0x0010
	m.Flash[0x10] = 0x9508 // RET

	stepN(t, m, 1)
	if m.PC != 0x10 {
		t.Fatalf("PC after CALL = %#04x, want 0x0010\nstate: %s", m.PC, spew.Sdump(m))
	}
	stepN(t, m, 1)
	if m.PC != 2 {
		t.Fatalf("PC after RET = %#04x, want 0x0002 (return address)\nstate: %s", m.PC, spew.Sdump(m))
	}
}

func TestSleepWakesOnPendingInterruptEvenWithIClear(t *testing.T) {
	m := newTestMachine(t)
	m.Flash[0] = 0x9588 // SLEEP
	m.SetFlag(FlagI, false)

	// Scratch SRAM bytes, unused by anything else in this test, to back the
	// vector's Enable/Pending bits.
	v := &Vector{Name: "TEST", PC: 0x20, Enable: regbit.Bit(0x100, 0), Pending: regbit.Bit(0x101, 0)}
	v.Enable.Set(m, true)
	m.RegisterVector(v)

	stepN(t, m, 1)
	if m.State != Sleeping {
		t.Fatalf("State after SLEEP = %v, want Sleeping\nstate: %s", m.State, spew.Sdump(m))
	}

	v.Pending.Set(m, true)
	if err := m.Step(); err != nil {
		t.Fatalf("Step while asleep: %v\nstate: %s", err, spew.Sdump(m))
	}
	if m.State != Running {
		t.Fatalf("State after a pending interrupt = %v, want Running (wake without dispatch since I is clear)", m.State)
	}
	if m.PC != 2 {
		t.Fatalf("PC = %#04x after waking, want 0x0002 (no vector dispatch: execution just resumes past the SLEEP)\nstate: %s", m.PC, spew.Sdump(m))
	}
}
