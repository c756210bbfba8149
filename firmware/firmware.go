// Package firmware loads an ELF or Intel HEX program image into the shape the
// board harness needs: a flash word array plus an optional EEPROM byte array.
// Both formats are read without any third-party dependency — ELF via the
// standard library's debug/elf (the retrieved corpus carries no third-party ELF
// reader), Intel HEX via a hand-written line parser (likewise absent from the
// corpus) — and §4.12/§6 name no other format, so there is nothing else to
// wire a library against here.
package firmware

import (
	"bufio"
	"debug/elf"
	"encoding/hex"
	"fmt"
	"os"

	"github.com/stenzek/teensylcd-simulator/avr"
)

// eepromHexOffset is the address at which avr-objcopy's combined Intel HEX
// output places the EEPROM image, by the AVR toolchain's long-standing
// convention of relocating the .eeprom section to 0x810000 before flattening
// to one HEX file (so a single file's address space can hold both flash,
// which never reaches anywhere near that address, and EEPROM).
const eepromHexOffset = 0x810000

// Image is the result of a successful load: a flash word array and an
// optional EEPROM byte array, ready to be copied into a *avr.Machine.
type Image struct {
	Flash     []uint16
	EEPROM    []uint8
	HasEEPROM bool
}

// LoadInto copies the image into m's own flash and EEPROM arrays. The image's
// backing slices are never aliased into m — the copy here is what makes the
// transfer-of-ownership promised by the concurrency model concrete. Flash
// words beyond the image are zeroed; EEPROM is left untouched when the image
// carries none.
func (img *Image) LoadInto(m *avr.Machine) error {
	if len(img.Flash) > len(m.Flash) {
		return fmt.Errorf("firmware: image is %d flash words, exceeds %s's %d", len(img.Flash), m.Variant.Name, len(m.Flash))
	}
	copy(m.Flash, img.Flash)
	for i := len(img.Flash); i < len(m.Flash); i++ {
		m.Flash[i] = 0
	}
	if img.HasEEPROM {
		if len(img.EEPROM) > len(m.EEPROM) {
			return fmt.Errorf("firmware: image is %d EEPROM bytes, exceeds %s's %d", len(img.EEPROM), m.Variant.Name, len(m.EEPROM))
		}
		copy(m.EEPROM, img.EEPROM)
	}
	return nil
}

// LoadELF extracts .text (flash) and, if present, .eeprom from the ELF image
// at path.
func LoadELF(path string, variant avr.Variant) (*Image, error) {
	f, err := elf.Open(path)
	if err != nil {
		return nil, fmt.Errorf("firmware: open ELF %s: %w", path, err)
	}
	defer f.Close()

	text := f.Section(".text")
	if text == nil {
		return nil, fmt.Errorf("firmware: %s has no .text section", path)
	}
	textBytes, err := text.Data()
	if err != nil {
		return nil, fmt.Errorf("firmware: read %s's .text: %w", path, err)
	}

	img := &Image{Flash: bytesToWords(textBytes)}
	if len(img.Flash) > variant.FlashWords {
		return nil, fmt.Errorf("firmware: %s's .text is %d words, exceeds %s's %d-word flash", path, len(img.Flash), variant.Name, variant.FlashWords)
	}

	if eeprom := f.Section(".eeprom"); eeprom != nil {
		eepromBytes, err := eeprom.Data()
		if err != nil {
			return nil, fmt.Errorf("firmware: read %s's .eeprom: %w", path, err)
		}
		if len(eepromBytes) > variant.EEPROMBytes {
			return nil, fmt.Errorf("firmware: %s's .eeprom is %d bytes, exceeds %s's %d", path, len(eepromBytes), variant.Name, variant.EEPROMBytes)
		}
		img.EEPROM = eepromBytes
		img.HasEEPROM = true
	}
	return img, nil
}

// bytesToWords packs a byte slice into little-endian 16-bit flash words, the
// way avr-gcc lays out .text: low byte of each instruction word first.
func bytesToWords(b []byte) []uint16 {
	words := make([]uint16, (len(b)+1)/2)
	for i := range words {
		lo := uint16(b[2*i])
		var hi uint16
		if 2*i+1 < len(b) {
			hi = uint16(b[2*i+1])
		}
		words[i] = lo | hi<<8
	}
	return words
}

type hexRecord struct {
	typ  uint8
	addr uint16
	data []byte
}

// parseHexLine decodes one ":LLAAAATT...CC" line, verifying its checksum.
func parseHexLine(line string) (hexRecord, error) {
	if len(line) < 11 || line[0] != ':' {
		return hexRecord{}, fmt.Errorf("malformed record %q", line)
	}
	raw, err := hex.DecodeString(line[1:])
	if err != nil {
		return hexRecord{}, fmt.Errorf("malformed hex digits: %w", err)
	}
	if len(raw) < 5 {
		return hexRecord{}, fmt.Errorf("record too short")
	}
	length := int(raw[0])
	if len(raw) != length+5 {
		return hexRecord{}, fmt.Errorf("length field %d doesn't match record size %d", length, len(raw)-5)
	}
	var sum uint8
	for _, b := range raw {
		sum += b
	}
	if sum != 0 {
		return hexRecord{}, fmt.Errorf("checksum mismatch")
	}
	return hexRecord{
		typ:  raw[3],
		addr: uint16(raw[1])<<8 | uint16(raw[2]),
		data: raw[4 : 4+length],
	}, nil
}

// LoadHEX parses an Intel HEX file at path into flash and (if any record
// targets the EEPROM offset) EEPROM images. Extended segment/linear address
// records (types 02/04) relocate subsequent data records; an end-of-file
// record (type 01) is required and stops parsing.
func LoadHEX(path string, variant avr.Variant) (*Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("firmware: open HEX %s: %w", path, err)
	}
	defer f.Close()

	var flash, eeprom []byte
	grow := func(buf []byte, end int) []byte {
		for len(buf) < end {
			buf = append(buf, 0)
		}
		return buf
	}

	var base uint32
	sawEOF := false
	sc := bufio.NewScanner(f)
	lineNo := 0
	for sc.Scan() {
		lineNo++
		line := sc.Text()
		if line == "" {
			continue
		}
		rec, err := parseHexLine(line)
		if err != nil {
			return nil, fmt.Errorf("firmware: %s:%d: %w", path, lineNo, err)
		}
		switch rec.typ {
		case 0x00: // data
			addr := base + uint32(rec.addr)
			if addr >= eepromHexOffset {
				off := int(addr - eepromHexOffset)
				eeprom = grow(eeprom, off+len(rec.data))
				copy(eeprom[off:], rec.data)
			} else {
				off := int(addr)
				flash = grow(flash, off+len(rec.data))
				copy(flash[off:], rec.data)
			}
		case 0x01: // end of file
			sawEOF = true
		case 0x02: // extended segment address
			if len(rec.data) != 2 {
				return nil, fmt.Errorf("firmware: %s:%d: malformed extended segment address record", path, lineNo)
			}
			base = (uint32(rec.data[0])<<8 | uint32(rec.data[1])) << 4
		case 0x04: // extended linear address
			if len(rec.data) != 2 {
				return nil, fmt.Errorf("firmware: %s:%d: malformed extended linear address record", path, lineNo)
			}
			base = (uint32(rec.data[0])<<8 | uint32(rec.data[1])) << 16
		}
		if sawEOF {
			break
		}
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("firmware: read %s: %w", path, err)
	}
	if !sawEOF {
		return nil, fmt.Errorf("firmware: %s has no end-of-file record", path)
	}

	img := &Image{Flash: bytesToWords(flash)}
	if len(img.Flash) > variant.FlashWords {
		return nil, fmt.Errorf("firmware: %s's flash image is %d words, exceeds %s's %d-word flash", path, len(img.Flash), variant.Name, variant.FlashWords)
	}
	if eeprom != nil {
		if len(eeprom) > variant.EEPROMBytes {
			return nil, fmt.Errorf("firmware: %s's EEPROM image is %d bytes, exceeds %s's %d", path, len(eeprom), variant.Name, variant.EEPROMBytes)
		}
		img.EEPROM = eeprom
		img.HasEEPROM = true
	}
	return img, nil
}
