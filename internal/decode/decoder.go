// Package decode converts raw child-process output chunks into UTF-8 text.
//
// The default decoder is a best-effort UTF-8 pass-through that holds back
// incomplete multi-byte sequences until the next chunk. PowerShell streams
// get an additional sniffing stage: a BOM or a zero-high-byte heuristic
// classifies the stream as UTF-16 for the rest of its lifetime, after which
// odd trailing bytes are carried between chunks and embedded NULs are
// stripped from the decoded text.
package decode

import (
	"bytes"
	"strings"
	"unicode/utf8"

	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/unicode"
)

type mode int

const (
	modeSniffing mode = iota // PowerShell stream, classification pending
	modeUTF8
	modeUTF16LE
	modeUTF16BE
)

// sniffThreshold is the minimum number of bytes buffered before the UTF-16
// heuristic is applied without a BOM.
const sniffThreshold = 16

// utf16Ratio is the fraction of zero high-bytes that classifies a BOM-less
// stream as UTF-16.
const utf16Ratio = 0.6

// Decoder is a per-stream stateful decoder. The concatenation of all values
// returned from Write plus the final Flush equals the full decoded text.
// Not safe for concurrent use; each child stream owns its own Decoder.
type Decoder struct {
	mode    mode
	pending []byte // held-over bytes from the previous chunk
}

// New returns a plain UTF-8 best-effort decoder.
func New() *Decoder {
	return &Decoder{mode: modeUTF8}
}

// NewPowershell returns a decoder that sniffs for UTF-16 output before
// falling back to UTF-8. Windows PowerShell writes UTF-16LE to redirected
// pipes unless the script forces otherwise.
func NewPowershell() *Decoder {
	return &Decoder{mode: modeSniffing}
}

// Write feeds one raw chunk and returns the text decoded so far.
func (d *Decoder) Write(chunk []byte) string {
	if len(chunk) == 0 {
		return ""
	}
	buf := append(d.pending, chunk...)
	d.pending = nil

	if d.mode == modeSniffing {
		if len(buf) < sniffThreshold {
			d.pending = buf
			return ""
		}
		d.mode = classify(buf)
		if d.mode == modeUTF16LE && bytes.HasPrefix(buf, []byte{0xFF, 0xFE}) {
			buf = buf[2:]
		}
		if d.mode == modeUTF16BE && bytes.HasPrefix(buf, []byte{0xFE, 0xFF}) {
			buf = buf[2:]
		}
	}

	switch d.mode {
	case modeUTF16LE, modeUTF16BE:
		return d.decodeUTF16(buf)
	default:
		return d.decodeUTF8(buf)
	}
}

// Flush decodes any held-over bytes. A stray odd byte at the end of a UTF-16
// stream decodes to the replacement character rather than being dropped.
func (d *Decoder) Flush() string {
	buf := d.pending
	d.pending = nil
	if len(buf) == 0 {
		return ""
	}
	if d.mode == modeSniffing {
		// Short streams never hit the sniff threshold; classify whatever
		// arrived so a BOM-prefixed one-liner still decodes.
		d.mode = classify(buf)
		if d.mode == modeUTF16LE && bytes.HasPrefix(buf, []byte{0xFF, 0xFE}) {
			buf = buf[2:]
		}
		if d.mode == modeUTF16BE && bytes.HasPrefix(buf, []byte{0xFE, 0xFF}) {
			buf = buf[2:]
		}
	}
	switch d.mode {
	case modeUTF16LE, modeUTF16BE:
		return stripNUL(utf16Decoder(d.mode == modeUTF16BE), buf)
	default:
		return string(buf)
	}
}

// decodeUTF8 emits everything up to the last complete rune and holds the
// remainder. Invalid sequences in the middle pass through unchanged; the
// display layer renders them as-is.
func (d *Decoder) decodeUTF8(buf []byte) string {
	keep := incompleteTail(buf)
	if keep > 0 {
		d.pending = append(d.pending, buf[len(buf)-keep:]...)
		buf = buf[:len(buf)-keep]
	}
	return string(buf)
}

// decodeUTF16 emits whole code units and carries an odd trailing byte into
// the next chunk.
func (d *Decoder) decodeUTF16(buf []byte) string {
	if len(buf)%2 != 0 {
		d.pending = append(d.pending, buf[len(buf)-1])
		buf = buf[:len(buf)-1]
	}
	if len(buf) == 0 {
		return ""
	}
	return stripNUL(utf16Decoder(d.mode == modeUTF16BE), buf)
}

func utf16Decoder(bigEndian bool) *encoding.Decoder {
	endian := unicode.LittleEndian
	if bigEndian {
		endian = unicode.BigEndian
	}
	return unicode.UTF16(endian, unicode.IgnoreBOM).NewDecoder()
}

func stripNUL(dec *encoding.Decoder, buf []byte) string {
	out, err := dec.Bytes(buf)
	if err != nil {
		// The x/text UTF-16 decoder substitutes replacement characters
		// rather than failing; treat any residual error as best effort.
		out = buf
	}
	return strings.ReplaceAll(string(out), "\x00", "")
}

// classify applies the BOM check and the zero-high-byte heuristic to the
// first buffered bytes of a PowerShell stream.
func classify(buf []byte) mode {
	if bytes.HasPrefix(buf, []byte{0xFF, 0xFE}) {
		return modeUTF16LE
	}
	if bytes.HasPrefix(buf, []byte{0xFE, 0xFF}) {
		return modeUTF16BE
	}
	pairs := len(buf) / 2
	if pairs == 0 {
		return modeUTF8
	}
	var zeroOdd, zeroEven int
	for i := 0; i < pairs; i++ {
		if buf[i*2+1] == 0 {
			zeroOdd++ // high byte of a little-endian unit
		}
		if buf[i*2] == 0 {
			zeroEven++ // high byte of a big-endian unit
		}
	}
	if float64(zeroOdd) >= utf16Ratio*float64(pairs) {
		return modeUTF16LE
	}
	if float64(zeroEven) >= utf16Ratio*float64(pairs) {
		return modeUTF16BE
	}
	return modeUTF8
}

// incompleteTail returns how many bytes at the end of buf form the start of
// a multi-byte UTF-8 sequence that has not fully arrived yet.
func incompleteTail(buf []byte) int {
	n := len(buf)
	for back := 1; back <= utf8.UTFMax-1 && back <= n; back++ {
		b := buf[n-back]
		if b < utf8.RuneSelf {
			return 0 // ASCII, sequence complete
		}
		if b&0xC0 == 0xC0 { // leading byte
			want := seqLen(b)
			if want > back {
				return back
			}
			return 0
		}
		// continuation byte, keep scanning backwards
	}
	return 0
}

func seqLen(b byte) int {
	switch {
	case b&0xF8 == 0xF0:
		return 4
	case b&0xF0 == 0xE0:
		return 3
	case b&0xE0 == 0xC0:
		return 2
	}
	return 1
}
