package store

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/dlclark/regexp2"

	"dropscan/models"
	"dropscan/pkg/fuzzy"
)

// Memory is an in-process Store. Lookups scan records in insertion order.
type Memory struct {
	mu     sync.RWMutex
	chars  []models.Character
	byKey  map[[2]string]int
	scans  []models.DropScan
	nextID uint
	now    func() time.Time
}

func NewMemory() *Memory {
	return &Memory{byKey: make(map[[2]string]int), now: time.Now}
}

func (m *Memory) FindExact(_ context.Context, name, series string) (*models.Character, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	i, ok := m.byKey[[2]string{name, series}]
	if !ok {
		return nil, nil
	}
	c := m.chars[i]
	return &c, nil
}

func (m *Memory) FindFuzzy(_ context.Context, name, series fuzzy.Pattern) (*models.Character, error) {
	b, err := compileBranch(Branch{Name: name, Series: series})
	if err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.first(PrefixFilter{}, b)
}

func (m *Memory) FindFuzzyBatch(_ context.Context, filter PrefixFilter, branches []Branch) ([]*models.Character, error) {
	if err := checkBatch(branches); err != nil {
		return nil, err
	}
	compiled := make([]compiledBranch, len(branches))
	for i, br := range branches {
		cb, err := compileBranch(br)
		if err != nil {
			return nil, fmt.Errorf("branch %d: %w", i, err)
		}
		compiled[i] = cb
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*models.Character, len(branches))
	for i, cb := range compiled {
		c, err := m.first(filter, cb)
		if err != nil {
			return nil, err
		}
		out[i] = c
	}
	return out, nil
}

func (m *Memory) Upsert(_ context.Context, c *models.Character) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	c.LastUpdate = now
	c.UpdatedAt = now
	key := [2]string{c.Name, c.Series}
	if i, ok := m.byKey[key]; ok {
		c.ID = m.chars[i].ID
		c.CreatedAt = m.chars[i].CreatedAt
		m.chars[i] = *c
		return nil
	}
	m.nextID++
	c.ID = m.nextID
	c.CreatedAt = now
	m.byKey[key] = len(m.chars)
	m.chars = append(m.chars, *c)
	return nil
}

func (m *Memory) RecordScan(_ context.Context, scan *models.DropScan) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	scan.ID = uint(len(m.scans) + 1)
	scan.CreatedAt = m.now()
	m.scans = append(m.scans, *scan)
	return nil
}

// Scans returns a copy of the recorded drop scans.
func (m *Memory) Scans() []models.DropScan {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]models.DropScan(nil), m.scans...)
}

type compiledBranch struct {
	name, series *regexp2.Regexp
}

func compileBranch(b Branch) (compiledBranch, error) {
	name, err := b.Name.Regexp()
	if err != nil {
		return compiledBranch{}, fmt.Errorf("%w: name pattern %q: %w", ErrStore, b.Name.Expr, err)
	}
	series, err := b.Series.Regexp()
	if err != nil {
		return compiledBranch{}, fmt.Errorf("%w: series pattern %q: %w", ErrStore, b.Series.Expr, err)
	}
	return compiledBranch{name: name, series: series}, nil
}

// first must be called with m.mu held.
func (m *Memory) first(filter PrefixFilter, b compiledBranch) (*models.Character, error) {
	for i := range m.chars {
		c := &m.chars[i]
		if !filter.Allows(c) {
			continue
		}
		ok, err := b.name.MatchString(c.Name)
		if err != nil {
			return nil, fmt.Errorf("%w: match name: %w", ErrStore, err)
		}
		if !ok {
			continue
		}
		ok, err = b.series.MatchString(c.Series)
		if err != nil {
			return nil, fmt.Errorf("%w: match series: %w", ErrStore, err)
		}
		if ok {
			found := *c
			return &found, nil
		}
	}
	return nil, nil
}
