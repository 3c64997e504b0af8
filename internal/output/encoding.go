package output

import (
	"bytes"
	"unicode/utf8"

	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/unicode"
)

// Mode selects how UTF-16 input is converted
type Mode int

const (
	// ModeBasic converts the whole block as one unit.
	ModeBasic Mode = iota
	// ModeRepairByLine converts line by line and keeps the original bytes
	// of every line which cannot be decoded.
	ModeRepairByLine
)

var (
	bomLE = []byte{0xFF, 0xFE}
	bomBE = []byte{0xFE, 0xFF}
)

// IsUTF16 reports whether b starts with a UTF-16 byte order mark.
func IsUTF16(b []byte) bool {
	return bytes.HasPrefix(b, bomLE) || bytes.HasPrefix(b, bomBE)
}

// NormalizeEncoding converts UTF-16 input (recognized by its byte order mark)
// to UTF-8. Anything else is returned unchanged.
func NormalizeEncoding(b []byte, mode Mode) []byte {
	if !IsUTF16(b) {
		return b
	}
	order := unicode.LittleEndian
	if bytes.HasPrefix(b, bomBE) {
		order = unicode.BigEndian
	}
	enc := unicode.UTF16(order, unicode.IgnoreBOM)
	body := b[2:]

	if mode != ModeRepairByLine {
		out, _ := decode(enc, body)
		return out
	}

	var out bytes.Buffer
	out.Grow(len(body))
	for _, line := range splitUTF16Lines(body, order) {
		conv, ok := decode(enc, line)
		if !ok {
			out.Write(line)
			continue
		}
		out.Write(conv)
	}
	return out.Bytes()
}

// decode converts UTF-16 units without BOM. ok is false when the input has
// an odd length or an unpaired surrogate.
func decode(enc encoding.Encoding, b []byte) ([]byte, bool) {
	out, err := enc.NewDecoder().Bytes(b)
	if err != nil {
		return b, false
	}
	if len(b)%2 != 0 {
		return out, false
	}
	if bytes.ContainsRune(out, utf8.RuneError) && !containsReplacementUnit(b) {
		return out, false
	}
	return out, true
}

func containsReplacementUnit(b []byte) bool {
	for i := 0; i+1 < len(b); i += 2 {
		if (b[i] == 0xFF && b[i+1] == 0xFD) || (b[i] == 0xFD && b[i+1] == 0xFF) {
			return true
		}
	}
	return false
}

// splitUTF16Lines splits after every newline code unit, so each line keeps
// its CR/LF markers.
func splitUTF16Lines(b []byte, order unicode.Endianness) [][]byte {
	nl := []byte{'\n', 0}
	if order == unicode.BigEndian {
		nl = []byte{0, '\n'}
	}
	var lines [][]byte
	start := 0
	for i := 0; i+1 < len(b); i += 2 {
		if b[i] == nl[0] && b[i+1] == nl[1] {
			lines = append(lines, b[start:i+2])
			start = i + 2
		}
	}
	if start < len(b) {
		lines = append(lines, b[start:])
	}
	return lines
}

// StripTrailingNuls removes NUL bytes from the end of b.
func StripTrailingNuls(b []byte) []byte {
	return bytes.TrimRight(b, "\x00")
}
