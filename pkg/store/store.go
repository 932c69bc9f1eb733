// Package store persists character records and answers exact, fuzzy and
// batched fuzzy lookups against them.
package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"dropscan/models"
	"dropscan/pkg/fuzzy"
)

// ErrStore wraps every query or write failure of a Store.
var ErrStore = errors.New("store error")

// ErrBatchSize is returned for a batched lookup outside MinBatch..MaxBatch.
var ErrBatchSize = errors.New("batch must hold 2 to 4 entries")

const (
	MinBatch = 2
	MaxBatch = 4
)

// Store is the persistence contract of the recognition pipeline.
//
// Lookups return (nil, nil) when nothing matches. Fuzzy patterns are matched
// case-insensitively against both fields.
type Store interface {
	FindExact(ctx context.Context, name, series string) (*models.Character, error)
	FindFuzzy(ctx context.Context, name, series fuzzy.Pattern) (*models.Character, error)
	// FindFuzzyBatch evaluates every branch independently within one query and
	// returns at most one record per branch, in branch order.
	FindFuzzyBatch(ctx context.Context, filter PrefixFilter, branches []Branch) ([]*models.Character, error)
	// Upsert replaces the record keyed by (name, series) or inserts it, and
	// stamps LastUpdate.
	Upsert(ctx context.Context, c *models.Character) error
	RecordScan(ctx context.Context, scan *models.DropScan) error
}

// Branch is one candidate of a batched lookup.
type Branch struct {
	Name   fuzzy.Pattern
	Series fuzzy.Pattern
}

// PrefixMode selects which field narrows a batched lookup.
type PrefixMode string

const (
	PrefixNone   PrefixMode = "none"
	PrefixName   PrefixMode = "name"
	PrefixSeries PrefixMode = "series"
	PrefixBoth   PrefixMode = "both"
)

func ParsePrefixMode(s string) (PrefixMode, error) {
	switch m := PrefixMode(strings.ToLower(strings.TrimSpace(s))); m {
	case PrefixNone, PrefixName, PrefixSeries, PrefixBoth:
		return m, nil
	case "":
		return PrefixName, nil
	}
	return "", fmt.Errorf("unknown prefix mode %q", s)
}

// PrefixFilter is a cheap, index-friendly pre-filter of a batched lookup. A
// record passes when its name starts with one of Names and its series with
// one of Series. An empty list does not constrain its field. Matching is case
// sensitive.
type PrefixFilter struct {
	Names  []string
	Series []string
}

// NewPrefixFilter collects the first letters of the selected fields. A field
// with an empty entry is left unconstrained.
func NewPrefixFilter(mode PrefixMode, names, series []string) PrefixFilter {
	var f PrefixFilter
	if mode == PrefixName || mode == PrefixBoth {
		f.Names = firstLetters(names)
	}
	if mode == PrefixSeries || mode == PrefixBoth {
		f.Series = firstLetters(series)
	}
	return f
}

func firstLetters(values []string) []string {
	seen := make(map[string]bool, len(values))
	out := make([]string, 0, len(values))
	for _, v := range values {
		if v == "" {
			return nil
		}
		_, n := utf8.DecodeRuneInString(v)
		p := v[:n]
		if !seen[p] {
			seen[p] = true
			out = append(out, p)
		}
	}
	return out
}

// Allows reports whether c passes the filter.
func (f PrefixFilter) Allows(c *models.Character) bool {
	return hasAnyPrefix(c.Name, f.Names) && hasAnyPrefix(c.Series, f.Series)
}

func hasAnyPrefix(s string, prefixes []string) bool {
	if len(prefixes) == 0 {
		return true
	}
	for _, p := range prefixes {
		if strings.HasPrefix(s, p) {
			return true
		}
	}
	return false
}

func checkBatch(branches []Branch) error {
	if len(branches) < MinBatch || len(branches) > MaxBatch {
		return fmt.Errorf("%w: got %d", ErrBatchSize, len(branches))
	}
	return nil
}
