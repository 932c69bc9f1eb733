// Package extract parses the text replies of other card bots into character
// records with wishlist counts. Lines that do not have the expected shape are
// skipped.
package extract

import (
	"fmt"
	"strconv"
	"strings"
	"unicode"

	"dropscan/models"
)

// Format names a reply layout.
type Format string

const (
	FormatWishlistTop   Format = "wishlist-top"
	FormatCollection    Format = "collection"
	FormatLookupResults Format = "lookup-results"
	FormatLookup        Format = "lookup"
)

const sep = " · "

// Parse dispatches on format.
func Parse(format Format, text string) ([]models.Character, error) {
	switch format {
	case FormatWishlistTop:
		return WishlistTop(text), nil
	case FormatCollection:
		return Collection(text), nil
	case FormatLookupResults:
		return LookupResults(text), nil
	case FormatLookup:
		c, ok := Lookup(text)
		if !ok {
			return nil, nil
		}
		return []models.Character{c}, nil
	}
	return nil, fmt.Errorf("unknown extract format %q", format)
}

// WishlistTop parses a wishlist leaderboard:
//
//	#1 · `❤ 1,234` · Sousou no Frieren · **Frieren**
func WishlistTop(text string) []models.Character {
	var out []models.Character
	for _, line := range lines(text) {
		parts := strings.Split(line, sep)
		if len(parts) < 4 {
			continue
		}
		wl, ok := wishlist(parts[1])
		if !ok {
			continue
		}
		out = appendChar(out, parts[3], parts[2], wl)
	}
	return out
}

// Collection parses a collection listing sorted by wishlist. Parsing stops at
// the first line whose leading code block is not a wishlist count.
//
//	`♡12` · `abc1` · `#5` · `◈2` · Season 1 · Sousou no Frieren · **Frieren**
func Collection(text string) []models.Character {
	var out []models.Character
	for _, line := range lines(text) {
		if !strings.HasSuffix(line, "**") {
			continue
		}
		parts := strings.Split(line, sep)
		blocks := strings.Split(parts[0], "`")
		if len(blocks) < 2 || !strings.HasPrefix(blocks[1], "♡") {
			break
		}
		wl, ok := wishlist(blocks[1])
		if !ok || len(parts) < 7 {
			continue
		}
		out = appendChar(out, parts[6], parts[5], wl)
	}
	return out
}

// LookupResults parses a numbered character search result:
//
//	`1`. `♡448` · Sousou no Frieren · **Frieren**
func LookupResults(text string) []models.Character {
	var out []models.Character
	for _, line := range lines(text) {
		if !strings.HasSuffix(line, "**") {
			continue
		}
		blocks := strings.Split(line, "`")
		if len(blocks) < 5 {
			continue
		}
		wl, ok := wishlist(blocks[3])
		if !ok {
			continue
		}
		fields := strings.Split(blocks[4], sep)
		if len(fields) < 3 {
			continue
		}
		out = appendChar(out, fields[2], fields[1], wl)
	}
	return out
}

// Lookup parses a single character card: name on the first line, series on
// the second and the wishlist count on the fourth.
//
//	Character · **Frieren**
//	Series · **Sousou no Frieren**
//	Total Printed · **12**
//	Wishlisted · **448**
func Lookup(text string) (models.Character, bool) {
	ls := strings.Split(strings.ReplaceAll(text, "\r\n", "\n"), "\n")
	if len(ls) < 4 {
		return models.Character{}, false
	}
	name, ok := value(ls[0])
	if !ok {
		return models.Character{}, false
	}
	series, ok := value(ls[1])
	if !ok {
		return models.Character{}, false
	}
	raw, ok := value(ls[3])
	if !ok {
		return models.Character{}, false
	}
	wl, ok := wishlist(raw)
	if !ok {
		return models.Character{}, false
	}
	out := appendChar(nil, name, series, wl)
	if len(out) == 0 {
		return models.Character{}, false
	}
	return out[0], true
}

func value(line string) (string, bool) {
	parts := strings.Split(line, sep)
	if len(parts) < 2 {
		return "", false
	}
	return strings.ReplaceAll(parts[1], "**", ""), true
}

// wishlist reads a count such as "`❤ 1,234`" or "♡448".
func wishlist(s string) (int, bool) {
	s = strings.Map(func(r rune) rune {
		if unicode.IsDigit(r) {
			return r
		}
		return -1
	}, s)
	if s == "" {
		return 0, false
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, false
	}
	return n, true
}

func appendChar(out []models.Character, name, series string, wl int) []models.Character {
	name = strings.TrimSpace(strings.ReplaceAll(name, "**", ""))
	series = strings.TrimSpace(series)
	if name == "" || series == "" {
		return out
	}
	return append(out, models.Character{Name: name, Series: series, Wishlist: &wl})
}

func lines(text string) []string {
	return strings.Split(strings.ReplaceAll(text, "\r\n", "\n"), "\n")
}
