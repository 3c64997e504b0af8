package output_test

import (
	"testing"
	"unicode/utf16"

	"github.com/CZERTAINLY/Warden/internal/output"
	"github.com/stretchr/testify/require"
)

func utf16le(s string) []byte {
	ret := []byte{0xFF, 0xFE}
	for _, u := range utf16.Encode([]rune(s)) {
		ret = append(ret, byte(u), byte(u>>8))
	}
	return ret
}

func TestPatchString(t *testing.T) {
	t.Parallel()
	var testCases = []struct {
		scenario string
		epoch    int64
		age      int
		mode     output.AnnotateMode
		then     string
	}{
		{"header", 123, 456, output.AnnotateHeader, ":cached(123,456)"},
		{"line", 123, 456, output.AnnotateLine, "cached(123,456) "},
		{"zero epoch", 0, 456, output.AnnotateHeader, ""},
		{"zero age", 123, 0, output.AnnotateLine, ""},
	}
	for _, tt := range testCases {
		t.Run(tt.scenario, func(t *testing.T) {
			require.Equal(t, tt.then, output.PatchString(tt.epoch, tt.age, tt.mode))
		})
	}
}

func TestAnnotateWithCacheInfo(t *testing.T) {
	t.Parallel()
	const patch = ":cached(123,456)"
	var testCases = []struct {
		scenario string
		given    string
		patch    string
		mode     output.AnnotateMode
		then     string
	}{
		{
			scenario: "headers keep CR",
			given:    "<<<a>>>\r\n***\r\r\n<<<b>>>",
			patch:    patch,
			then:     "<<<a:cached(123,456)>>>\r\n***\r\r\n<<<b:cached(123,456)>>>",
		},
		{
			scenario: "empty patch",
			given:    "<<<a>>>\r\n***\r\r\n<<<b>>>",
			then:     "<<<a>>>\r\n***\r\r\n<<<b>>>",
		},
		{
			scenario: "trailing newline",
			given:    "<<<a>>>\ndata\n",
			patch:    patch,
			then:     "<<<a:cached(123,456)>>>\ndata\n",
		},
		{
			scenario: "piggyback",
			given:    "<<<a>>>\n<<<<host>>>>\n<<<b>>>\n<<<<>>>>\n<<<c>>>\n",
			patch:    patch,
			then:     "<<<a:cached(123,456)>>>\n<<<<host>>>>\n<<<b>>>\n<<<<>>>>\n<<<c:cached(123,456)>>>\n",
		},
		{
			scenario: "header not at line start",
			given:    " <<<a>>>\nx<<<b>>>",
			patch:    patch,
			then:     " <<<a>>>\nx<<<b>>>",
		},
		{
			scenario: "closing bracket too far",
			given:    "<<<" + string(make([]byte, 120)) + ">>>",
			patch:    patch,
			then:     "<<<" + string(make([]byte, 120)) + ">>>",
		},
		{
			scenario: "line mode",
			given:    "0 svc - ok\n1 other - warn",
			patch:    "cached(123,456) ",
			mode:     output.AnnotateLine,
			then:     "cached(123,456) 0 svc - ok\ncached(123,456) 1 other - warn",
		},
	}
	for _, tt := range testCases {
		t.Run(tt.scenario, func(t *testing.T) {
			got, ok := output.AnnotateWithCacheInfo([]byte(tt.given), tt.patch, tt.mode)
			require.True(t, ok)
			require.Equal(t, tt.then, string(got))
		})
	}

	t.Run("empty input", func(t *testing.T) {
		got, ok := output.AnnotateWithCacheInfo(nil, patch, output.AnnotateHeader)
		require.False(t, ok)
		require.Nil(t, got)
	})
}

func TestPiggybackNeverPatched(t *testing.T) {
	t.Parallel()
	for _, patch := range []string{":cached(1,2)", ">>>", "<<<<x>>>>"} {
		got, ok := output.AnnotateWithCacheInfo([]byte("<<<<a>>>>\n<<<<>>>>\n"), patch, output.AnnotateHeader)
		require.True(t, ok)
		require.Equal(t, "<<<<a>>>>\n<<<<>>>>\n", string(got))
	}
}

func TestNormalizeEncoding(t *testing.T) {
	t.Parallel()

	t.Run("not utf16", func(t *testing.T) {
		in := []byte("<<<a>>>\nřádek\n")
		require.Equal(t, in, output.NormalizeEncoding(in, output.ModeBasic))
		require.Equal(t, in, output.NormalizeEncoding(in, output.ModeRepairByLine))
	})

	t.Run("basic", func(t *testing.T) {
		got := output.NormalizeEncoding(utf16le("<<<a>>>\r\nřádek\r\n"), output.ModeBasic)
		require.Equal(t, "<<<a>>>\r\nřádek\r\n", string(got))
	})

	t.Run("big endian", func(t *testing.T) {
		in := []byte{0xFE, 0xFF, 0, 'o', 0, 'k'}
		require.Equal(t, "ok", string(output.NormalizeEncoding(in, output.ModeBasic)))
	})

	t.Run("repair by line", func(t *testing.T) {
		good := utf16le("<<<a>>>\r\n")
		// lone high surrogate
		bad := []byte{0x00, 0xD8, 'x', 0x00, '\r', 0x00, '\n', 0x00}
		tail := utf16le("end\r\n")[2:]

		in := append(append(append([]byte{}, good...), bad...), tail...)
		got := output.NormalizeEncoding(in, output.ModeRepairByLine)

		want := append(append([]byte("<<<a>>>\r\n"), bad...), "end\r\n"...)
		require.Equal(t, want, got)
	})
}

func TestStripTrailingNuls(t *testing.T) {
	t.Parallel()
	require.Equal(t, []byte("abc"), output.StripTrailingNuls([]byte("abc\x00\x00")))
	require.Equal(t, []byte("a\x00c"), output.StripTrailingNuls([]byte("a\x00c")))
	require.Empty(t, output.StripTrailingNuls([]byte("\x00")))
}
