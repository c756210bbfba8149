package timer

import (
	"testing"

	"github.com/stenzek/teensylcd-simulator/avr"
	"github.com/stenzek/teensylcd-simulator/cycletimer"
)

func newTestTimer(t *testing.T) (*avr.Machine, *Timer) {
	t.Helper()
	m := avr.New(avr.ATmega32U4, 16000000)
	tm := New(m, Config{
		Width:            8,
		TCCRA:            0x44,
		TCCRB:            0x45,
		CntLow:           0x46,
		OCRALow:          0x47,
		OCRBLow:          0x48,
		TIMSK:            0x6E,
		TIFR:             0x35,
		OverflowVectorPC: 0x0040,
		CompareAVectorPC: 0x0042,
		CompareBVectorPC: 0x0044,
	}, nil, 0, nil, 0)
	return m, tm
}

func TestCounterIncrementsAtPrescaledRate(t *testing.T) {
	m, tm := newTestTimer(t)
	m.StoreByte(0x45, 0x01) // CS=1 -> /1 prescaler
	for i := 0; i < 5; i++ {
		m.Timers.Drain(cycletimer.Cycle(m.Cycle + 1))
		m.Cycle++
	}
	if got := tm.count(); got != 5 {
		t.Fatalf("count = %d, want 5", got)
	}
}

func TestOverflowSetsTOVAndWraps(t *testing.T) {
	m, tm := newTestTimer(t)
	m.StoreByte(0x45, 0x01)
	tm.setCount(0xFE)
	for i := 0; i < 2; i++ {
		m.Timers.Drain(cycletimer.Cycle(m.Cycle + 1))
		m.Cycle++
	}
	if got := tm.count(); got != 0 {
		t.Fatalf("count after wrap = %d, want 0", got)
	}
	if !tm.tov.Bool(m) {
		t.Fatal("expected TOV flag set after overflow")
	}
}

func TestCTCModeResetsAtCompareMatch(t *testing.T) {
	m, tm := newTestTimer(t)
	m.StoreByte(0x44, 0x02) // WGM[1:0]=10 -> CTC (with WGM2=0)
	m.StoreByte(0x47, 0x04) // OCRA = 4
	m.StoreByte(0x45, 0x01) // CS=1
	for i := 0; i < 4; i++ {
		m.Timers.Drain(cycletimer.Cycle(m.Cycle + 1))
		m.Cycle++
	}
	if got := tm.count(); got != 0 {
		t.Fatalf("count after CTC match = %d, want 0", got)
	}
	if !tm.ocfa.Bool(m) {
		t.Fatal("expected OCFA set at compare match")
	}
}

func newTestTimer16(t *testing.T) (*avr.Machine, *Timer) {
	t.Helper()
	m := avr.New(avr.ATmega32U4, 16000000)
	tm := New(m, Config{
		Width:            16,
		TCCRA:            0x80,
		TCCRB:            0x81,
		CntLow:           0x84,
		CntHigh:          0x85,
		OCRALow:          0x88,
		OCRAHigh:         0x89,
		OCRBLow:          0x8A,
		OCRBHigh:         0x8B,
		TIMSK:            0x6F,
		TIFR:             0x36,
		OverflowVectorPC: 0x0026,
		CompareAVectorPC: 0x0020,
		CompareBVectorPC: 0x0022,
	}, nil, 0, nil, 0)
	return m, tm
}

// TestCTCModeResetsAtCompareMatch16Bit covers the 16-bit timers' different WGM
// encoding for CTC: WGM3:0 = 0100 (value 4), not the 8-bit timers' WGM2:0 = 010
// (value 2), since the 16-bit timers have an extra WGM bit ahead of every mode
// above Normal/PWM8.
func TestCTCModeResetsAtCompareMatch16Bit(t *testing.T) {
	m, tm := newTestTimer16(t)
	m.StoreByte(0x81, 0x08) // WGM3:2 bit (TCCRB bit 3) set -> WGM3:0 = 0100, CTC
	m.StoreByte(0x88, 0x04) // OCRA = 4
	m.StoreByte(0x81, 0x08|0x01) // CS=1, keep WGM12 set
	for i := 0; i < 4; i++ {
		m.Timers.Drain(cycletimer.Cycle(m.Cycle + 1))
		m.Cycle++
	}
	if got := tm.count(); got != 0 {
		t.Fatalf("count after CTC match = %d, want 0", got)
	}
	if !tm.ocfa.Bool(m) {
		t.Fatal("expected OCFA set at compare match")
	}
}

func TestWritingZeroToTIFRBitDoesNotClearIt(t *testing.T) {
	m, tm := newTestTimer(t)
	tm.tov.Set(m, true)
	m.StoreByte(0x35, 0x00)
	if !tm.tov.Bool(m) {
		t.Fatal("writing 0 to TIFR must not clear an already-set flag")
	}
	m.StoreByte(0x35, 0x01)
	if tm.tov.Bool(m) {
		t.Fatal("writing 1 to TIFR bit0 must clear TOV")
	}
}

func TestStoppedPrescalerDoesNotAdvanceCounter(t *testing.T) {
	m, tm := newTestTimer(t)
	m.Timers.Drain(cycletimer.Cycle(m.Cycle + 100))
	if got := tm.count(); got != 0 {
		t.Fatalf("count = %d, want 0 with no clock source selected", got)
	}
}
