// Package wire implements the line protocol spoken with a worker over its
// standard streams. A worker announces itself with a single Ready line, then
// every request and every response is one base64 encoded line.
package wire

import (
	"bytes"
	"fmt"
	"unicode"
	"unicode/utf8"

	"github.com/cristalhq/base64"
)

const Ready = "READY"

// Encode returns payload as a base64 line terminated by a newline.
func Encode(payload []byte) []byte {
	return []byte(base64.StdEncoding.EncodeToString(payload) + "\n")
}

// Decode decodes one base64 line. Surrounding whitespace is ignored.
func Decode(line []byte) ([]byte, error) {
	trimmed := string(bytes.TrimSpace(line))
	if trimmed == "" {
		return []byte{}, nil
	}
	out, err := base64.StdEncoding.DecodeString(trimmed)
	if err != nil {
		return nil, fmt.Errorf("decoding %q: %w", Truncate(trimmed, 80), err)
	}
	return out, nil
}

// Complete reports whether buf ends with a full line.
func Complete(buf []byte) bool {
	return bytes.HasSuffix(buf, []byte("\n"))
}

// ParseReady checks the first output of a worker. Workers either print the
// Ready token as is or encode it like any other response. The returned text
// is what the worker sent, decoded when it decodes to printable text.
func ParseReady(raw []byte) (string, bool) {
	text := string(bytes.TrimSpace(raw))
	if text == Ready {
		return text, true
	}
	decoded, err := Decode(raw)
	if err != nil || len(decoded) == 0 || !printable(decoded) {
		return text, false
	}
	dtext := string(bytes.TrimSpace(decoded))
	return dtext, dtext == Ready
}

// Truncate returns the first n runes of s.
func Truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	return string([]rune(s)[:n])
}

func printable(b []byte) bool {
	if !utf8.Valid(b) {
		return false
	}
	for _, r := range string(b) {
		if !unicode.IsPrint(r) && !unicode.IsSpace(r) {
			return false
		}
	}
	return true
}
