// Command teensylcd-run is the reference host for the board simulator: it
// loads a firmware image, runs it in real time, and shows the LCD in an SDL2
// window. Its flag set and direct-surface-poke renderer are grounded on the
// teacher's vcs/vcs_main.go, adapted from the TIA's fixed NTSC/PAL/SECAM
// raster to the LCD's fixed 84x48 panel.
package main

import (
	"flag"
	"fmt"
	"image"
	"image/color"
	"log"
	"time"

	"github.com/stenzek/teensylcd-simulator/avr"
	"github.com/stenzek/teensylcd-simulator/board"
	"github.com/veandco/go-sdl2/sdl"
)

var (
	freq            = flag.Uint64("freq", 16000000, "MCU base clock frequency in Hz")
	elfPath         = flag.String("elf", "", "Path to an ELF firmware image to load")
	hexPath         = flag.String("hex", "", "Path to an Intel HEX firmware image to load")
	gdbPort         = flag.Int("gdb_port", 0, "GDB remote-debug port (accepted for command-line compatibility; unimplemented)")
	verbose         = flag.Bool("verbose", false, "If true, log peripheral warnings at verbose level")
	traceInterrupts = flag.Bool("trace_interrupts", false, "If true, log every interrupt dispatch")
	scale           = flag.Int("scale", 4, "Scale factor to render the LCD window at")
	revB            = flag.Bool("revb", false, "If true, wire the board as the RevB revision (3 buttons, 3 LEDs)")
	fps             = flag.Uint("fps", 60, "Frames per second to pace real-time playback at")
)

type fastImage struct {
	surface *sdl.Surface
	data    []byte
}

// Set implements draw.Image by poking pixel bytes directly into the SDL
// surface's backing buffer, the same way vcs_main.go's fastImage avoids the
// GC churn of going through color.Color.Convert on every pixel.
func (f *fastImage) Set(x, y int, c color.Color) {
	i := int32(y)*f.surface.Pitch + int32(x)*int32(f.surface.Format.BytesPerPixel)
	rgba, ok := c.(color.RGBA)
	if !ok {
		return
	}
	f.data[i+0] = rgba.R
	f.data[i+1] = rgba.G
	f.data[i+2] = rgba.B
	f.data[i+3] = rgba.A
}

func (f *fastImage) ColorModel() color.Model { return f.surface.ColorModel() }
func (f *fastImage) Bounds() image.Rectangle { return f.surface.Bounds() }
func (f *fastImage) At(x, y int) color.Color { return f.surface.At(x, y) }

func main() {
	flag.Parse()

	if *elfPath == "" && *hexPath == "" {
		log.Fatal("one of -elf or -hex is required")
	}
	if *gdbPort != 0 {
		log.Printf("teensylcd-run: -gdb_port is accepted but not implemented; ignoring")
	}

	revision := board.WireLegacy
	if *revB {
		revision = board.WireRevB
	}
	logLevel := board.LogWarn
	if *verbose {
		logLevel = board.LogVerbose
	}

	b, err := board.Init(avr.ATmega32U4, uint32(*freq), revision, logLevel)
	if err != nil {
		log.Fatalf("can't init board: %v", err)
	}
	if *traceInterrupts {
		b.SetTracer(func(ev avr.TracerEvent) {
			if ev.Kind == avr.TracerInterrupt {
				log.Printf("interrupt: %v", ev.Payload)
			}
		})
	}

	if *elfPath != "" {
		if err := b.LoadELF(*elfPath); err != nil {
			log.Fatalf("can't load ELF %s: %v", *elfPath, err)
		}
	} else {
		if err := b.LoadHEX(*hexPath); err != nil {
			log.Fatalf("can't load HEX %s: %v", *hexPath, err)
		}
	}

	width, height := lcdWidth*(*scale), lcdHeight*(*scale)
	var window *sdl.Window
	fi := &fastImage{}

	if err := sdl.Init(sdl.INIT_EVERYTHING); err != nil {
		log.Fatalf("can't init SDL: %v", err)
	}
	defer sdl.Quit()

	window, err = sdl.CreateWindow("teensylcd-run", sdl.WINDOWPOS_UNDEFINED, sdl.WINDOWPOS_UNDEFINED,
		int32(width), int32(height), sdl.WINDOW_SHOWN)
	if err != nil {
		log.Fatalf("can't create window: %v", err)
	}
	defer window.Destroy()

	fi.surface, err = window.GetSurface()
	if err != nil {
		log.Fatalf("can't get window surface: %v", err)
	}
	fi.data = fi.surface.Pixels()

	frameInterval := time.Second / time.Duration(*fps)
	rgba := make([]byte, lcdWidth*lcdHeight*4)
	for {
		start := time.Now()

		if running := b.RunFrame(uint32(*fps)); !running {
			log.Fatal("machine halted")
		}

		b.RenderRGBA(rgba, lcdWidth*4)
		blitScaled(fi, rgba, *scale)
		if err := window.UpdateSurface(); err != nil {
			log.Fatalf("can't update window surface: %v", err)
		}

		if err := pumpEvents(); err != nil {
			fmt.Println(err)
			return
		}

		if elapsed := time.Since(start); elapsed < frameInterval {
			time.Sleep(frameInterval - elapsed)
		}
	}
}

const (
	lcdWidth  = 84
	lcdHeight = 48
)

// blitScaled nearest-neighbor upscales an 84x48 RGBA32 buffer into fi at the
// given integer scale factor.
func blitScaled(fi *fastImage, rgba []byte, scale int) {
	for y := 0; y < lcdHeight; y++ {
		for x := 0; x < lcdWidth; x++ {
			o := (y*lcdWidth + x) * 4
			c := color.RGBA{R: rgba[o], G: rgba[o+1], B: rgba[o+2], A: rgba[o+3]}
			for dy := 0; dy < scale; dy++ {
				for dx := 0; dx < scale; dx++ {
					fi.Set(x*scale+dx, y*scale+dy, c)
				}
			}
		}
	}
}

// pumpEvents drains the SDL event queue and reports a quit request as an
// error so main's loop can exit cleanly.
func pumpEvents() error {
	for {
		ev := sdl.PollEvent()
		if ev == nil {
			return nil
		}
		switch ev.(type) {
		case *sdl.QuitEvent:
			return fmt.Errorf("quit requested")
		}
	}
}
