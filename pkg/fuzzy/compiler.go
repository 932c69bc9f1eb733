// Package fuzzy compiles repaired OCR text into a case-insensitive regular
// expression that tolerates known character confusions and noise at word
// edges.
//
// Patterns use lookahead assertions, so they are evaluated with regexp2 in
// process and with the Postgres ARE engine in the database; Go's RE2 based
// regexp package cannot run them.
package fuzzy

import (
	"fmt"
	"strings"

	"github.com/dlclark/regexp2"
)

// AnchorMode tells how a Pattern matches its candidate.
type AnchorMode int

const (
	// FullyAnchored patterns (^...$) are built for short single-token text.
	FullyAnchored AnchorMode = iota
	// WordAssertion patterns are one lookahead per word followed by ".+".
	WordAssertion
)

func (m AnchorMode) String() string {
	switch m {
	case FullyAnchored:
		return "fully-anchored"
	case WordAssertion:
		return "word-assertion"
	}
	return fmt.Sprintf("AnchorMode(%d)", int(m))
}

// Pattern is a compiled fuzzy expression. Expr must be matched case-insensitively.
type Pattern struct {
	Expr string
	Mode AnchorMode
}

// Regexp compiles the pattern for in-process matching.
func (p Pattern) Regexp() (*regexp2.Regexp, error) {
	return regexp2.Compile(p.Expr, regexp2.IgnoreCase)
}

// Tuning holds the length thresholds of the compiler.
type Tuning struct {
	ShortLen   int // text shorter than this may compile fully anchored
	PartialLen int // text longer than this trims word edges
	TrimWidth  int // elements trimmed from each edge of a word
	MinTrimLen int // words must be longer than this to be trimmed
}

// DefaultTuning matches the card renderer's font and field width.
var DefaultTuning = Tuning{ShortLen: 6, PartialLen: 23, TrimWidth: 2, MinTrimLen: 4}

// Compiler turns repaired text into a Pattern.
type Compiler struct {
	classes map[byte]string
	tuning  Tuning
}

// NewCompiler validates table and returns a compiler using it.
func NewCompiler(table Table, tuning Tuning) (*Compiler, error) {
	if err := table.Validate(); err != nil {
		return nil, err
	}
	if tuning.TrimWidth < 0 || tuning.MinTrimLen < 2*tuning.TrimWidth {
		return nil, fmt.Errorf("invalid tuning: min trim length %d must be at least twice the trim width %d", tuning.MinTrimLen, tuning.TrimWidth)
	}
	return &Compiler{classes: table.index(), tuning: tuning}, nil
}

// Default returns a compiler with DefaultTable and DefaultTuning.
func Default() *Compiler {
	c, err := NewCompiler(DefaultTable, DefaultTuning)
	if err != nil {
		panic(err)
	}
	return c
}

type element struct {
	expr       string
	plain      bool
	start, end int // source byte span
}

type word struct {
	elems []element
}

func (w word) span() (int, int) { return w.elems[0].start, w.elems[len(w.elems)-1].end }

func (w word) allPlain() bool {
	for _, e := range w.elems {
		if !e.plain {
			return false
		}
	}
	return true
}

func join(elems []element) string {
	var b strings.Builder
	for _, e := range elems {
		b.WriteString(strings.ToLower(e.expr))
	}
	return b.String()
}

// split maps text to words of elements. It reports whether a trailing digit
// was dropped and whether any separator was seen.
func (c *Compiler) split(text string) (words []word, droppedDigit, separated bool) {
	var cur []element
	flush := func() {
		if len(cur) > 0 {
			words = append(words, word{elems: cur})
			cur = nil
		}
	}
	lastPlainDigit := false
	for i := 0; i < len(text); i++ {
		ch := text[i]
		lastPlainDigit = false
		switch {
		case c.classes[ch] != "":
			cur = append(cur, element{expr: c.classes[ch], start: i, end: i + 1})
		case ch == '.' && i >= 2 && isDigit(text[i-1]) && text[i-2] == ' ':
			// decimal point: "Vol 2.5"
			cur = append(cur, element{expr: `\.?`, start: i, end: i + 1})
		case isAlnum(ch):
			cur = append(cur, element{expr: string(ch), plain: true, start: i, end: i + 1})
			lastPlainDigit = isDigit(ch)
		default:
			separated = true
			flush()
		}
	}
	if lastPlainDigit {
		cur = cur[:len(cur)-1]
		droppedDigit = true
	}
	flush()
	return words, droppedDigit, separated
}

// Compile builds the pattern for text. The result always matches text itself
// when evaluated case-insensitively.
func (c *Compiler) Compile(text string) Pattern {
	words, dropped, separated := c.split(text)
	if len(text) < c.tuning.ShortLen && !separated {
		var elems []element
		if len(words) == 1 {
			elems = words[0].elems
		}
		return Pattern{Expr: anchored(elems, dropped), Mode: FullyAnchored}
	}

	partial := len(text) > c.tuning.PartialLen
	var b strings.Builder
	for i, w := range words {
		if len(w.elems) == 1 && w.elems[0].plain {
			if i > 0 && i < len(words)-1 {
				continue
			}
			if w.elems[0].expr == "x" || w.elems[0].expr == "X" {
				continue
			}
		}
		b.WriteString("(?=.*")
		b.WriteString(c.body(text, w, partial))
		b.WriteString(")")
	}
	b.WriteString(".+")
	return Pattern{Expr: b.String(), Mode: WordAssertion}
}

func anchored(elems []element, dropped bool) string {
	tail := "$"
	if dropped {
		tail = ".*$"
	}
	switch len(elems) {
	case 0:
		return "^.*$"
	case 1:
		return "^.*" + join(elems) + tail
	case 2:
		return "^" + join(elems[:1]) + ".*" + join(elems[1:]) + tail
	}
	n := len(elems)
	return "^" + join(elems[:1]) + ".*" + join(elems[1:n-1]) + ".*" + join(elems[n-1:]) + tail
}

func (c *Compiler) body(text string, w word, partial bool) string {
	tw := c.tuning.TrimWidth
	if partial && tw > 0 && len(w.elems) > c.tuning.MinTrimLen {
		head, tail := w.elems[:tw], w.elems[len(w.elems)-tw:]
		if (word{head}).allPlain() && (word{tail}).allPlain() {
			return join(w.elems[tw : len(w.elems)-tw])
		}
		return join(w.elems)
	}
	if w.allPlain() && c.boundaryAt(text, w) {
		return `\b` + join(w.elems) + `\b`
	}
	return join(w.elems)
}

// boundaryAt reports whether \b holds at both edges of w within text.
func (c *Compiler) boundaryAt(text string, w word) bool {
	start, end := w.span()
	if start > 0 && isWordChar(text[start-1]) {
		return false
	}
	return end >= len(text) || !isWordChar(text[end])
}

// Check reports whether p matches text case-insensitively.
func Check(p Pattern, text string) (bool, error) {
	re, err := p.Regexp()
	if err != nil {
		return false, err
	}
	return re.MatchString(text)
}

func isDigit(c byte) bool { return c >= '0' && c <= '9' }

func isAlnum(c byte) bool {
	return isDigit(c) || c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z'
}

func isWordChar(c byte) bool { return isAlnum(c) || c == '_' }
