// Package resolver turns repaired OCR text into canonical character records.
// Exact lookups run first; a fuzzy pattern is compiled only on a miss.
package resolver

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"dropscan/models"
	"dropscan/pkg/fuzzy"
	"dropscan/pkg/store"
)

// ErrBatchSize is returned by ResolveBatch for fewer than 2 or more than 4
// queries.
var ErrBatchSize = store.ErrBatchSize

// PatternCompiler turns repaired text into a fuzzy pattern.
type PatternCompiler interface {
	Compile(text string) fuzzy.Pattern
}

// Query is one (name, series) pair of a batched lookup.
type Query struct {
	Name   string `json:"name"`
	Series string `json:"series"`
}

type Resolver struct {
	store    store.Store
	compiler PatternCompiler
	logger   *zap.Logger
}

func New(s store.Store, c PatternCompiler, logger *zap.Logger) *Resolver {
	if c == nil {
		c = fuzzy.Default()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Resolver{store: s, compiler: c, logger: logger}
}

// Resolve returns the record for (name, series), or nil when neither the
// exact nor the fuzzy lookup finds one.
func (r *Resolver) Resolve(ctx context.Context, name, series string) (*models.Character, error) {
	c, err := r.Exact(ctx, name, series)
	if err != nil || c != nil {
		return c, err
	}
	np, sp := r.compiler.Compile(name), r.compiler.Compile(series)
	c, err = r.store.FindFuzzy(ctx, np, sp)
	if err != nil {
		return nil, err
	}
	r.logger.Debug("fuzzy lookup",
		zap.String("name", name), zap.String("name_re", np.Expr),
		zap.String("series", series), zap.String("series_re", sp.Expr),
		zap.Bool("found", c != nil))
	return c, nil
}

// Exact returns the record stored under exactly (name, series), or nil.
func (r *Resolver) Exact(ctx context.Context, name, series string) (*models.Character, error) {
	return r.store.FindExact(ctx, name, series)
}

// ResolveBatch fuzzily resolves 2 to 4 queries in one store round trip. The
// result has one entry per query in query order; unmatched entries are nil.
func (r *Resolver) ResolveBatch(ctx context.Context, mode store.PrefixMode, queries []Query) ([]*models.Character, error) {
	if len(queries) < store.MinBatch || len(queries) > store.MaxBatch {
		return nil, fmt.Errorf("%w: got %d", ErrBatchSize, len(queries))
	}
	names := make([]string, len(queries))
	series := make([]string, len(queries))
	branches := make([]store.Branch, len(queries))
	for i, q := range queries {
		names[i], series[i] = q.Name, q.Series
		branches[i] = store.Branch{Name: r.compiler.Compile(q.Name), Series: r.compiler.Compile(q.Series)}
	}
	filter := store.NewPrefixFilter(mode, names, series)
	out, err := r.store.FindFuzzyBatch(ctx, filter, branches)
	if err != nil {
		return nil, err
	}
	if len(out) != len(queries) {
		return nil, fmt.Errorf("%w: batch returned %d results for %d queries", store.ErrStore, len(out), len(queries))
	}
	return out, nil
}

// Record upserts one character.
func (r *Resolver) Record(ctx context.Context, c *models.Character) error {
	if c.Name == "" || c.Series == "" {
		return fmt.Errorf("record %q/%q: name and series are required", c.Name, c.Series)
	}
	return r.store.Upsert(ctx, c)
}

// RecordAll upserts every character, stopping at the first failure. It
// returns how many were written.
func (r *Resolver) RecordAll(ctx context.Context, chars []models.Character) (int, error) {
	for i := range chars {
		if err := r.Record(ctx, &chars[i]); err != nil {
			return i, err
		}
	}
	r.logger.Info("characters recorded", zap.Int("count", len(chars)))
	return len(chars), nil
}
