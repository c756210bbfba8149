package lcd

import (
	"testing"

	"github.com/stenzek/teensylcd-simulator/irqgraph"
)

type harness struct {
	g                       *irqgraph.Graph
	sck, din, dc, rst, sce  irqgraph.Handle
	l                       *LCD
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	g := irqgraph.New()
	h := &harness{
		g:   g,
		sck: g.Alloc("sck", 0),
		din: g.Alloc("din", 0),
		dc:  g.Alloc("dc", 0),
		rst: g.Alloc("rst", 0),
		sce: g.Alloc("sce", 0),
	}
	h.l = New(g, h.sck, h.din, h.dc, h.rst, h.sce)
	h.g.Raise(h.sce, 0) // chip-enable is active low
	h.g.Raise(h.rst, 1) // not in reset
	return h
}

// sendByte clocks one byte in MSB-first, the way real SPI-style shift registers
// are driven, over the din/sck pins.
func (h *harness) sendByte(v uint8) {
	for i := 7; i >= 0; i-- {
		bit := uint32(0)
		if v&(1<<i) != 0 {
			bit = 1
		}
		h.g.Raise(h.din, bit)
		h.g.Raise(h.sck, 0)
		h.g.Raise(h.sck, 1)
	}
}

func (h *harness) sendControl(v uint8) {
	h.g.Raise(h.dc, 0)
	h.sendByte(v)
}

func (h *harness) sendData(v uint8) {
	h.g.Raise(h.dc, 1)
	h.sendByte(v)
}

func TestDataWriteSetsColumnPixels(t *testing.T) {
	h := newHarness(t)
	h.sendData(0x01) // bit0 set -> pixel (0,0) on
	if !h.l.Pixel(0, 0) {
		t.Fatal("expected pixel (0,0) lit")
	}
	if h.l.Pixel(0, 1) {
		t.Fatal("expected pixel (0,1) unlit")
	}
}

func TestXAddressWrapsIntoNextRow(t *testing.T) {
	h := newHarness(t)
	h.sendControl(0x80 | 0x3F) // set X = 63, the largest value the 6-bit X field holds
	h.sendControl(0x40 | 0)    // set Y = 0
	for x := 63; x < Width; x++ { // columns 63..83; the write to 83 wraps the address
		h.sendData(0xFF)
	}
	if h.l.positionX != 0 || h.l.positionY != 1 {
		t.Fatalf("position after wrap = (%d,%d), want (0,1)", h.l.positionX, h.l.positionY)
	}
}

func TestContrastCommandRequiresExtendedMode(t *testing.T) {
	h := newHarness(t)
	h.sendControl(0x21) // function set, extended=1
	h.sendControl(0x80 | 0x30)
	if got := h.l.Contrast(); got != 0x30 {
		t.Fatalf("contrast = %#02x, want 0x30", got)
	}
}

// TestDisplayControlSetsInvertWhenDAndEAreBothSet covers the display-control
// command's invert formula: bit 2 (D) and bit 0 (E) must both be set.
func TestDisplayControlSetsInvertWhenDAndEAreBothSet(t *testing.T) {
	h := newHarness(t)
	h.sendControl(0x20)        // basic mode
	h.sendControl(0x08 | 0x05) // display control, D=1 E=1
	if !h.l.invertDisplay {
		t.Fatal("invert_display should be set when D and E are both 1")
	}
}

func TestDisplayControlLeavesInvertClearWhenOnlyOneBitSet(t *testing.T) {
	h := newHarness(t)
	h.sendControl(0x20)        // basic mode
	h.sendControl(0x08 | 0x04) // display control, D=1 E=0
	if h.l.invertDisplay {
		t.Fatal("invert_display should stay clear when only D is set")
	}
	h.sendControl(0x08 | 0x01) // display control, D=0 E=1
	if h.l.invertDisplay {
		t.Fatal("invert_display should stay clear when only E is set")
	}
}

func TestResetClearsFramebuffer(t *testing.T) {
	h := newHarness(t)
	h.sendData(0xFF)
	h.g.Raise(h.rst, 0)
	if h.l.Pixel(0, 0) {
		t.Fatal("expected framebuffer cleared on reset")
	}
}

func TestSCKIgnoredWhileChipNotSelected(t *testing.T) {
	h := newHarness(t)
	h.g.Raise(h.sce, 1) // deselect
	h.sendData(0xFF)
	if h.l.Pixel(0, 0) {
		t.Fatal("expected no effect while chip not selected")
	}
}
