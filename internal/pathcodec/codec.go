// Package pathcodec escapes characters that a target filesystem cannot
// store in a file name, so record paths can round-trip through it.
package pathcodec

import (
	"strconv"
	"strings"
	"unicode/utf8"
)

const (
	// TokenOpen and TokenClose delimit an escaped character. The content
	// between them is the uppercase hex code point of one rune.
	TokenOpen  = "$%"
	TokenClose = "%$"

	// DefaultForbidden are the characters Windows rejects in names. Control
	// characters below 0x20 are always forbidden in addition to these.
	DefaultForbidden = `<>:"|?*\`

	// maxTokenHex bounds the hex run decoded inside one token; the largest
	// code point, 0x10FFFF, needs six digits.
	maxTokenHex = 6
)

// Codec encodes and decodes relative paths. It is immutable and safe for
// concurrent use.
type Codec struct {
	forbidden map[rune]struct{}
}

// New creates a codec that escapes every rune in forbidden, plus control
// characters.
func New(forbidden string) *Codec {
	c := &Codec{forbidden: make(map[rune]struct{}, len(forbidden)+0x20)}
	for _, r := range forbidden {
		if r == '/' {
			// The separator is structure, not content.
			continue
		}

		c.forbidden[r] = struct{}{}
	}

	for r := rune(0); r < 0x20; r++ {
		c.forbidden[r] = struct{}{}
	}

	return c
}

// Default returns a codec for DefaultForbidden.
func Default() *Codec {
	return New(DefaultForbidden)
}

// Encode escapes forbidden characters and any space or dot that ends a
// path segment. Segments are separated by '/'.
func (c *Codec) Encode(path string) string {
	if !c.NeedsEncoding(path) {
		return path
	}

	var b strings.Builder
	b.Grow(len(path) + 8)

	for i, r := range path {
		if r == utf8.RuneError {
			// Keep invalid bytes verbatim so the inverse stays exact.
			_, size := utf8.DecodeRuneInString(path[i:])
			if size == 1 {
				b.WriteByte(path[i])
				continue
			}
		}

		if c.mustEscape(path, i, r) {
			writeToken(&b, r)
			continue
		}

		b.WriteRune(r)
	}

	return b.String()
}

// Decode reverses Encode. Text that looks like a token but is malformed is
// copied unchanged.
func (c *Codec) Decode(path string) string {
	if !strings.Contains(path, TokenOpen) {
		return path
	}

	var b strings.Builder
	b.Grow(len(path))

	rest := path
	for {
		idx := strings.Index(rest, TokenOpen)
		if idx < 0 {
			b.WriteString(rest)
			break
		}

		b.WriteString(rest[:idx])
		rest = rest[idx:]

		r, n, ok := parseToken(rest)
		if !ok {
			// Emit the first byte of the open delimiter and keep scanning
			// from the next one.
			b.WriteByte(rest[0])
			rest = rest[1:]

			continue
		}

		b.WriteRune(r)
		rest = rest[n:]
	}

	return b.String()
}

// NeedsEncoding reports whether Encode would change path.
func (c *Codec) NeedsEncoding(path string) bool {
	for i, r := range path {
		if c.mustEscape(path, i, r) {
			return true
		}
	}

	return false
}

func (c *Codec) mustEscape(path string, i int, r rune) bool {
	if _, bad := c.forbidden[r]; bad {
		return true
	}

	if r != ' ' && r != '.' {
		return false
	}

	// A trailing space or dot is trimmed by some filesystems, both at the
	// end of the path and right before a separator.
	next := i + 1
	return next == len(path) || path[next] == '/'
}

func writeToken(b *strings.Builder, r rune) {
	b.WriteString(TokenOpen)
	b.WriteString(strings.ToUpper(strconv.FormatInt(int64(r), 16)))
	b.WriteString(TokenClose)
}

// parseToken decodes a token at the start of s. It returns the rune, the
// number of bytes consumed and whether the token was well formed.
func parseToken(s string) (rune, int, bool) {
	body := s[len(TokenOpen):]

	end := 0
	for end < len(body) && end < maxTokenHex && isUpperHex(body[end]) {
		end++
	}

	if end == 0 || !strings.HasPrefix(body[end:], TokenClose) {
		return 0, 0, false
	}

	v, err := strconv.ParseInt(body[:end], 16, 32)
	if err != nil || v > utf8.MaxRune {
		return 0, 0, false
	}

	return rune(v), len(TokenOpen) + end + len(TokenClose), true
}

func isUpperHex(c byte) bool {
	return (c >= '0' && c <= '9') || (c >= 'A' && c <= 'F')
}
