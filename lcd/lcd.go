// Package lcd implements the PCD8544 monochrome LCD controller: the SCK/DIN/DC/
// RST/SCE bit-serial receiver, the control/data command decoder, and the 84x48
// 1bpp framebuffer. Every behavior here (decode priority, contrast formula,
// addressing wraparound) is grounded directly on the original pcd8544.c this
// simulator's board peripheral set is based on; see the decode order comments
// below, which mirror that file's if-chain line for line.
package lcd

import (
	"log"

	"github.com/stenzek/teensylcd-simulator/irqgraph"
)

const (
	Width  = 84
	Height = 48

	framebufferBytes = Width * Height / 8
)

// LCD is one PCD8544 controller instance, wired to five GPIO pins via IRQ nodes.
type LCD struct {
	positionX, positionY uint8
	pixels               [framebufferBytes]uint8
	contrast             uint8
	extendedCommands     bool
	invertDisplay        bool

	reset      bool
	chipEnable bool

	dataFlag     bool
	dataPinValue bool

	shiftRegister uint8
	clockCount    uint8
}

// New allocates an LCD and registers its pin-change listeners against the given
// IRQ handles, exactly mirroring pcd8544_init's five avr_irq_register_notify
// calls (SCK, DIN, DC, RST, SCE in that order).
func New(irqs *irqgraph.Graph, sck, din, dc, rst, sce irqgraph.Handle) *LCD {
	l := &LCD{chipEnable: true}
	irqs.RegisterNotify(sck, func(g *irqgraph.Graph, h irqgraph.Handle, value uint32, param interface{}) {
		l.onSCK(value != 0)
	}, nil)
	irqs.RegisterNotify(din, func(g *irqgraph.Graph, h irqgraph.Handle, value uint32, param interface{}) {
		l.dataPinValue = value != 0
	}, nil)
	irqs.RegisterNotify(dc, func(g *irqgraph.Graph, h irqgraph.Handle, value uint32, param interface{}) {
		l.dataFlag = value != 0
	}, nil)
	irqs.RegisterNotify(rst, func(g *irqgraph.Graph, h irqgraph.Handle, value uint32, param interface{}) {
		l.onReset(value == 0)
	}, nil)
	irqs.RegisterNotify(sce, func(g *irqgraph.Graph, h irqgraph.Handle, value uint32, param interface{}) {
		l.chipEnable = value == 0
	}, nil)
	return l
}

func (l *LCD) onReset(active bool) {
	l.reset = active
	if active {
		for i := range l.pixels {
			l.pixels[i] = 0
		}
	}
}

// onSCK is called on every SCK transition. Per datasheet page 11, DIN is sampled
// only on the rising edge, and SCLK is ignored entirely while SCE is high (chip
// not selected).
func (l *LCD) onSCK(rising bool) {
	if !l.chipEnable || !rising {
		return
	}
	l.shiftRegister <<= 1
	if l.dataPinValue {
		l.shiftRegister |= 1
	}
	l.clockCount++
	if l.clockCount < 8 {
		return
	}
	if l.dataFlag {
		l.handleData(l.shiftRegister)
	} else {
		l.handleControl(l.shiftRegister)
	}
	l.shiftRegister = 0
	l.clockCount = 0
}

// handleData writes one column byte: bit i sets/clears the pixel at
// (positionX, positionY*8+i), then advances the address per the datasheet's
// auto-increment addressing (column wraps into the next row group at x==84).
func (l *LCD) handleData(value uint8) {
	if l.reset {
		return
	}
	// The Y command accepts 3 bits; a Y address of 6 or 7 wraps modulo 6 here.
	l.positionY %= Height / 8
	x := l.positionX
	y := int(l.positionY) * 8
	for i := 0; i < 8; i++ {
		on := value&(1<<i) != 0
		idx := uint32(y)*Width + uint32(x)
		byteIdx, bit := idx/8, idx%8
		if on {
			l.pixels[byteIdx] |= 1 << bit
		} else {
			l.pixels[byteIdx] &^= 1 << bit
		}
		y++
	}
	l.positionX++
	if l.positionX == Width {
		l.positionX = 0
		l.positionY = (l.positionY + 1) % (Height / 8)
	}
}

// handleControl decodes one command byte. The branch order below is load-bearing:
// several command families set overlapping bits, and the first matching branch
// wins, exactly as the original firmware-facing decoder required.
func (l *LCD) handleControl(value uint8) {
	if value == 0 { // NOP
		return
	}

	if value&0xF8 == 0x20 { // function set
		l.extendedCommands = value&0x01 != 0
		return
	}

	if l.extendedCommands {
		if value&0x80 != 0 { // set Vop (contrast)
			l.contrast = value & 0x7F
			log.Printf("lcd: contrast change %#02x", l.contrast)
			return
		}
		if value&0x40 != 0 { // reserved
			return
		}
		if value&0x10 != 0 { // bias system
			log.Printf("lcd: bias change %#02x", value&0x07)
			return
		}
		if value&0x08 != 0 { // reserved
			return
		}
		if value&0x04 != 0 { // temperature control
			log.Printf("lcd: temperature coefficient change %#02x", value&0x03)
			return
		}
		if value&0x02 != 0 { // reserved
			return
		}
		if value&0x01 != 0 { // reserved
			return
		}
	} else {
		if value&0x80 != 0 { // set X address
			l.positionX = value & 0x3F
			return
		}
		if value&0x40 != 0 { // set Y address
			l.positionY = value & 0x07
			return
		}
		if value&0x10 != 0 { // reserved
			return
		}
		if value&0x08 != 0 { // display control
			l.invertDisplay = value&0x05 == 0x05 // D (bit 2) and E (bit 0) both set
			return
		}
		if value&0x04 != 0 { // reserved
			return
		}
	}

	log.Printf("lcd: unhandled command %#02x (extended=%v)", value, l.extendedCommands)
}

// Pixel reports whether the pixel at (x, y) is lit.
func (l *LCD) Pixel(x, y uint8) bool {
	idx := uint32(y)*Width + uint32(x)
	return l.pixels[idx/8]&(1<<(idx%8)) != 0
}

// Contrast returns the last Vop value set by an extended-mode contrast command.
func (l *LCD) Contrast() uint8 { return l.contrast }

// Position returns the current auto-increment write address (positionX,
// positionY), used by callers that want to detect a full pass over the
// framebuffer without interpreting pixel contents.
func (l *LCD) Position() (uint8, uint8) { return l.positionX, l.positionY }

// Framebuffer returns a copy of the controller's 504-byte bit-packed display
// memory. The packing is row-major: pixel (x, y) is bit (y*Width+x)%8 of byte
// (y*Width+x)/8. It is not the controller's own layout of column-major 8-pixel
// vertical groups.
func (l *LCD) Framebuffer() []byte {
	out := make([]byte, len(l.pixels))
	copy(out, l.pixels[:])
	return out
}

// brightnesses returns (on, off) brightness bytes, swapped under inverse video,
// using the same 127-contrast / 230 formula as the original renderer.
func (l *LCD) brightnesses() (on, off uint8) {
	on, off = 127-l.contrast, 230
	if l.invertDisplay {
		on, off = off, on
	}
	return
}

// RenderRGBA writes Width*Height RGBA32 pixels into pixels starting at offset 0,
// pitch bytes per row, matching the direct-surface-poke pattern the host renderer
// uses for every other framebuffer in this simulator.
func (l *LCD) RenderRGBA(pixels []byte, pitch int) {
	on, off := l.brightnesses()
	for y := 0; y < Height; y++ {
		row := pixels[y*pitch:]
		for x := 0; x < Width; x++ {
			b := off
			if l.Pixel(uint8(x), uint8(y)) {
				b = on
			}
			o := x * 4
			row[o] = b
			row[o+1] = b
			row[o+2] = b
			row[o+3] = 255
		}
	}
}

// RenderLuminance writes one grayscale byte per pixel, row-major, Width*Height
// bytes total.
func (l *LCD) RenderLuminance(pixels []byte) {
	on, off := l.brightnesses()
	for y := 0; y < Height; y++ {
		for x := 0; x < Width; x++ {
			b := off
			if l.Pixel(uint8(x), uint8(y)) {
				b = on
			}
			pixels[y*Width+x] = b
		}
	}
}
