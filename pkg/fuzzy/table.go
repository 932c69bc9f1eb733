package fuzzy

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"unicode"

	"github.com/dlclark/regexp2"
)

// ErrTable is returned for a confusable table that cannot be used by the compiler.
var ErrTable = errors.New("invalid confusable table")

// Class is a set of characters an OCR engine conflates, and the regex
// fragment that matches any of them.
type Class struct {
	Members string `json:"members"`
	Pattern string `json:"pattern"`
}

// Table maps single ASCII characters to their confusable class. Earlier
// classes win when a character is listed twice.
type Table []Class

// DefaultTable holds the confusions observed on the card font.
var DefaultTable = Table{
	{Members: "0O", Pattern: "[0O]"},
	{Members: "uvy", Pattern: "[uvy]"},
	{Members: "t", Pattern: "[ti]"},
	{Members: "Il!1", Pattern: "[Il!1i]"},
	{Members: "R", Pattern: "[Rk]"},
	{Members: "m", Pattern: "(m|ra)"},
	{Members: "a", Pattern: "[ao]"},
}

// LoadTable reads a JSON array of classes from path and validates it.
func LoadTable(path string) (Table, error) {
	b, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return nil, fmt.Errorf("read confusable table: %w", err)
	}
	var t Table
	if err := json.Unmarshal(b, &t); err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrTable, path, err)
	}
	if err := t.Validate(); err != nil {
		return nil, err
	}
	return t, nil
}

// Validate checks every class: members are printable ASCII other than space,
// and each member matches the lower-cased pattern case-insensitively.
func (t Table) Validate() error {
	if len(t) == 0 {
		return fmt.Errorf("%w: empty", ErrTable)
	}
	for i, c := range t {
		if c.Members == "" || c.Pattern == "" {
			return fmt.Errorf("%w: class %d: members and pattern are required", ErrTable, i)
		}
		if strings.IndexFunc(c.Pattern, unicode.IsSpace) >= 0 {
			return fmt.Errorf("%w: class %d: pattern %q contains whitespace", ErrTable, i, c.Pattern)
		}
		re, err := regexp2.Compile("^(?:"+strings.ToLower(c.Pattern)+")$", regexp2.IgnoreCase)
		if err != nil {
			return fmt.Errorf("%w: class %d: %w", ErrTable, i, err)
		}
		for j := 0; j < len(c.Members); j++ {
			m := c.Members[j]
			if m <= ' ' || m >= 0x7f {
				return fmt.Errorf("%w: class %d: member %q is not printable ascii", ErrTable, i, m)
			}
			ok, err := re.MatchString(string(m))
			if err != nil {
				return fmt.Errorf("%w: class %d: %w", ErrTable, i, err)
			}
			if !ok {
				return fmt.Errorf("%w: class %d: pattern %q does not match member %q", ErrTable, i, c.Pattern, m)
			}
		}
	}
	return nil
}

func (t Table) index() map[byte]string {
	idx := make(map[byte]string)
	for _, c := range t {
		for j := 0; j < len(c.Members); j++ {
			if _, seen := idx[c.Members[j]]; !seen {
				idx[c.Members[j]] = c.Pattern
			}
		}
	}
	return idx
}
