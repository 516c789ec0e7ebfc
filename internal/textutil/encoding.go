// Package textutil provides charset repair and string trimming helpers
// for message text.
package textutil

import (
	"strings"
	"unicode/utf8"

	"github.com/gogs/chardet"
	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/charmap"
	"golang.org/x/text/encoding/htmlindex"
	"golang.org/x/text/encoding/japanese"
	"golang.org/x/text/encoding/korean"
	"golang.org/x/text/encoding/simplifiedchinese"
	"golang.org/x/text/encoding/traditionalchinese"
)

// fallbackEncodings are tried in order when detection fails. Single-byte
// Western encodings come first since they cover most mislabelled mail.
var fallbackEncodings = []encoding.Encoding{
	charmap.Windows1252,
	charmap.ISO8859_15,
	japanese.ShiftJIS,
	japanese.EUCJP,
	korean.EUCKR,
	simplifiedchinese.GBK,
	traditionalchinese.Big5,
}

// EnsureUTF8 returns data as a valid UTF-8 string. Valid input is returned
// unchanged; otherwise the charset is detected and converted, and as a last
// resort invalid bytes become U+FFFD.
func EnsureUTF8(data []byte) string {
	if utf8.Valid(data) {
		return string(data)
	}

	// Detection is unreliable on short samples, so accept lower confidence there.
	minConfidence := 30
	if len(data) > 50 {
		minConfidence = 50
	}
	if res, err := chardet.NewTextDetector().DetectBest(data); err == nil && res.Confidence >= minConfidence {
		if s, ok := decodeWith(LookupCharset(res.Charset), data); ok {
			return s
		}
	}

	for _, enc := range fallbackEncodings {
		if s, ok := decodeWith(enc, data); ok {
			return s
		}
	}
	return SanitizeUTF8(string(data))
}

// DecodeCharset converts data from the named charset to UTF-8. Unknown
// or empty charset names fall back to EnsureUTF8.
func DecodeCharset(data []byte, charset string) string {
	if charset == "" || strings.EqualFold(charset, "utf-8") || strings.EqualFold(charset, "us-ascii") {
		return EnsureUTF8(data)
	}
	if s, ok := decodeWith(LookupCharset(charset), data); ok {
		return s
	}
	return EnsureUTF8(data)
}

// LookupCharset returns the encoding for a MIME or IANA charset name,
// or nil when the name is unknown.
func LookupCharset(name string) encoding.Encoding {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil
	}
	if enc, err := htmlindex.Get(name); err == nil {
		return enc
	}
	// Names chardet reports that the WHATWG index does not know.
	switch strings.ToLower(name) {
	case "iso-2022-jp":
		return japanese.ISO2022JP
	case "latin9":
		return charmap.ISO8859_15
	}
	return nil
}

func decodeWith(enc encoding.Encoding, data []byte) (string, bool) {
	if enc == nil {
		return "", false
	}
	out, err := enc.NewDecoder().Bytes(data)
	if err != nil || !utf8.Valid(out) {
		return "", false
	}
	return string(out), true
}

// SanitizeUTF8 replaces invalid UTF-8 bytes with the replacement character.
func SanitizeUTF8(s string) string {
	return strings.ToValidUTF8(s, "�")
}

// Truncate returns at most n runes of s. The cut is a plain character
// slice: no ellipsis, no word boundary search. n <= 0 yields "".
func Truncate(s string, n int) string {
	if n <= 0 {
		return ""
	}
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	i := 0
	for pos := range s {
		if i == n {
			return s[:pos]
		}
		i++
	}
	return s
}

// FirstLine returns the first non-empty line of s.
// Leading newlines are trimmed before extracting the first line.
func FirstLine(s string) string {
	s = strings.TrimLeft(s, "\r\n")
	if idx := strings.IndexAny(s, "\r\n"); idx >= 0 {
		return s[:idx]
	}
	return s
}
