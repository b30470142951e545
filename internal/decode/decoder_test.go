package decode_test

import (
	"testing"

	"github.com/automn-run/automn/internal/decode"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// utf16le encodes an ASCII string as UTF-16LE without a BOM.
func utf16le(s string) []byte {
	out := make([]byte, 0, len(s)*2)
	for _, r := range s {
		out = append(out, byte(r), byte(r>>8))
	}
	return out
}

func TestWrite_PlainUTF8PassesThrough(t *testing.T) {
	d := decode.New()
	got := d.Write([]byte("hello\n")) + d.Flush()
	assert.Equal(t, "hello\n", got)
}

func TestWrite_UTF8MultibyteSplitAcrossChunks(t *testing.T) {
	d := decode.New()
	raw := []byte("héllo") // é is 2 bytes
	// Split in the middle of the é sequence.
	first := d.Write(raw[:2])
	second := d.Write(raw[2:])
	assert.Equal(t, "héllo", first+second+d.Flush())
}

func TestWrite_UTF16LEWithBOMSplitChunks(t *testing.T) {
	raw := append([]byte{0xFF, 0xFE}, utf16le("hello\n")...)

	// P8: any split point must reassemble to the same text.
	for split := 1; split < len(raw); split++ {
		d := decode.NewPowershell()
		got := d.Write(raw[:split]) + d.Write(raw[split:]) + d.Flush()
		require.Equal(t, "hello\n", got, "split at %d", split)
	}
}

func TestWrite_UTF16BEWithBOM(t *testing.T) {
	raw := []byte{0xFE, 0xFF}
	for _, r := range "hi\n" {
		raw = append(raw, byte(r>>8), byte(r))
	}
	d := decode.NewPowershell()
	assert.Equal(t, "hi\n", d.Write(raw)+d.Flush())
}

func TestWrite_UTF16HeuristicWithoutBOM(t *testing.T) {
	d := decode.NewPowershell()
	raw := utf16le("heuristic classification\n")
	got := d.Write(raw[:9]) + d.Write(raw[9:]) + d.Flush()
	assert.Equal(t, "heuristic classification\n", got)
}

func TestWrite_PowershellUTF8StaysUTF8(t *testing.T) {
	d := decode.NewPowershell()
	text := "plain utf-8 powershell output\n"
	got := d.Write([]byte(text)) + d.Flush()
	assert.Equal(t, text, got)
}

func TestWrite_ClassificationSticksForStreamLifetime(t *testing.T) {
	d := decode.NewPowershell()
	raw := append([]byte{0xFF, 0xFE}, utf16le("first line with mostly ascii\n")...)
	out := d.Write(raw)
	// Later chunks keep the UTF-16 classification even when they would not
	// pass the heuristic on their own.
	out += d.Write(utf16le("x\n"))
	out += d.Flush()
	assert.Equal(t, "first line with mostly ascii\nx\n", out)
}

func TestFlush_ShortBOMStream(t *testing.T) {
	// Below the sniff threshold: classification happens at flush.
	raw := append([]byte{0xFF, 0xFE}, utf16le("hi\n")...)
	d := decode.NewPowershell()
	got := d.Write(raw) + d.Flush()
	assert.Equal(t, "hi\n", got)
}

func TestWrite_StripsEmbeddedNULs(t *testing.T) {
	raw := append([]byte{0xFF, 0xFE}, utf16le("a\nb\n")...)
	d := decode.NewPowershell()
	got := d.Write(raw) + d.Flush()
	assert.NotContains(t, got, "\x00")
	assert.Equal(t, "a\nb\n", got)
}
