// Package textfix repairs systematic misreads in OCR output of card name and
// series fields.
//
// The repair is a fixed, ordered chain of pure string transforms (Steps). Fix
// runs the chain until its output stops changing, so Fix is idempotent.
package textfix

import (
	"strings"
	"unicode/utf8"
)

// Step is one named transform of the repair chain.
type Step struct {
	Name string
	Fn   func(string) string
}

// maxPasses bounds Fix. Real input settles in two or three passes.
const maxPasses = 16

// Steps is the repair chain, in application order.
var Steps = []Step{
	{"trailing-break", TrailingBreak},
	{"dashes", Dashes},
	{"leading-corner", LeadingCorner},
	{"literal-fixes", LiteralFixes},
	{"line-breaks", LineBreaks},
	{"allow-list", AllowList},
	{"trailing-numerals", TrailingNumerals},
	{"whitespace", Whitespace},
}

// Fix repairs raw OCR text.
func Fix(raw string) string {
	cur := raw
	for i := 0; i < maxPasses; i++ {
		next := apply(cur)
		if next == cur {
			return next
		}
		cur = next
	}
	return cur
}

func apply(s string) string {
	for _, st := range Steps {
		s = st.Fn(s)
	}
	return s
}

// TrailingBreak strips one trailing line break, then a trailing "\nN" left by
// the card's bottom edge ("We Never Learn\nN").
func TrailingBreak(s string) string {
	s = strings.TrimSuffix(s, "\n")
	return strings.TrimSuffix(s, "\nN")
}

var dashReplacer = strings.NewReplacer("—", "-", "–", "-")

// Dashes maps em and en dashes to an ASCII hyphen.
func Dashes(s string) string {
	return dashReplacer.Replace(s)
}

// LeadingCorner drops the card corner read as "- " or "-." and then any
// leading rune that is not an ASCII letter or digit.
func LeadingCorner(s string) string {
	if strings.HasPrefix(s, "- ") || strings.HasPrefix(s, "-.") {
		s = s[2:]
	}
	if s == "" || isAlnum(s[0]) {
		return s
	}
	_, size := utf8.DecodeRuneInString(s)
	return s[size:]
}

// LiteralFixes applies font specific substring corrections.
func LiteralFixes(s string) string {
	// "IReda" -> "Ikeda"
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		if s[i] == 'I' && i+2 < len(s) && s[i+1] == 'R' && isLower(s[i+2]) {
			b.WriteString("Ik")
			i++
			continue
		}
		b.WriteByte(s[i])
	}
	s = b.String()

	// corner marker read as a lone "A" line
	s = strings.TrimPrefix(s, "A\n")
	for _, sep := range []string{"\nA\n", " A\n"} {
		s = strings.ReplaceAll(s, sep, sep[:1])
	}
	return strings.TrimSuffix(s, "“NO")
}

// LineBreaks repairs the characters around embedded line breaks and then
// turns every break into a space. A standalone "lo" or "ol" ending a line is
// the misread "yo!".
func LineBreaks(s string) string {
	if !strings.Contains(s, "\n") {
		return s
	}
	out := make([]byte, 0, len(s)+4)
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c != '\n' {
			out = append(out, c)
			continue
		}
		n := len(out)
		switch {
		case n > 0 && out[n-1] == '-':
			out = out[:n-1]
		case endsWithYo(out):
			// "Iku lo\nAsobi" -> "Iku yo! Asobi"
			out = append(out[:n-2], "yo!"...)
		}
		out = append(out, ' ')
		if i+1 < len(s) && s[i+1] == '.' {
			i++
		}
	}
	return string(out)
}

// endsWithYo reports whether b ends with the standalone word "lo" or "ol".
func endsWithYo(b []byte) bool {
	n := len(b)
	if n < 2 || (n > 2 && b[n-3] != ' ') {
		return false
	}
	w := string(b[n-2:])
	return w == "lo" || w == "ol"
}

// allowed punctuation besides ASCII letters and digits
const allowedPunct = " -.!:()'/@&_"

// AllowList keeps ASCII letters, digits and the allowed punctuation.
func AllowList(s string) string {
	return strings.Map(func(r rune) rune {
		if r < utf8.RuneSelf && (isAlnum(byte(r)) || strings.IndexByte(allowedPunct, byte(r)) >= 0) {
			return r
		}
		return -1
	}, s)
}

// TrailingNumerals repairs Roman numerals and exclamation runs garbled at the
// end of a title.
func TrailingNumerals(s string) string {
	switch {
	case s == "mn" || strings.HasSuffix(s, " mn"):
		return s[:len(s)-2] + "III"
	case strings.HasSuffix(s, "1ll"):
		return s[:len(s)-3] + "III"
	case strings.HasSuffix(s, "lll"):
		return s[:len(s)-3] + "!!!"
	case strings.HasSuffix(s, "Il"):
		return s[:len(s)-2] + "II"
	}
	return s
}

// Whitespace collapses space runs, drops a trailing hyphen and trims.
func Whitespace(s string) string {
	s = strings.Join(strings.Fields(s), " ")
	s = strings.TrimSuffix(s, "-")
	return strings.TrimSpace(s)
}

func isAlnum(c byte) bool {
	return c >= '0' && c <= '9' || c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z'
}

func isLower(c byte) bool { return c >= 'a' && c <= 'z' }
