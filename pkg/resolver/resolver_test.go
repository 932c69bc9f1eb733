package resolver

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"dropscan/models"
	"dropscan/pkg/fuzzy"
	"dropscan/pkg/store"
)

type countingCompiler struct {
	calls int
	inner *fuzzy.Compiler
}

func (c *countingCompiler) Compile(text string) fuzzy.Pattern {
	c.calls++
	return c.inner.Compile(text)
}

type failingStore struct {
	store.Store
}

func (failingStore) FindExact(context.Context, string, string) (*models.Character, error) {
	return nil, store.ErrStore
}

func seeded(t *testing.T, chars ...models.Character) *store.Memory {
	t.Helper()
	m := store.NewMemory()
	for i := range chars {
		require.NoError(t, m.Upsert(context.Background(), &chars[i]))
	}
	return m
}

func TestResolveExactHitSkipsCompiler(t *testing.T) {
	m := seeded(t, models.Character{Name: "Rem", Series: "Re:Zero"})
	cc := &countingCompiler{inner: fuzzy.Default()}
	r := New(m, cc, zap.NewNop())

	got, err := r.Resolve(context.Background(), "Rem", "Re:Zero")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "Rem", got.Name)
	assert.Zero(t, cc.calls)
}

func TestResolveFallsBackToFuzzy(t *testing.T) {
	m := seeded(t, models.Character{Name: "Emilia", Series: "Re:Zero kara Hajimeru Isekai Seikatsu"})
	cc := &countingCompiler{inner: fuzzy.Default()}
	r := New(m, cc, nil)

	got, err := r.Resolve(context.Background(), "Emi1ia", "Re:Zer0 kara Hajimeru")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "Emilia", got.Name)
	assert.Equal(t, 2, cc.calls)

	got, err = r.Resolve(context.Background(), "Nobody", "Nowhere")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestResolvePropagatesStoreError(t *testing.T) {
	r := New(failingStore{}, nil, nil)
	_, err := r.Resolve(context.Background(), "Rem", "Re:Zero")
	require.ErrorIs(t, err, store.ErrStore)
}

func TestResolveBatchKeepsQueryOrder(t *testing.T) {
	// inserted in the reverse of query order
	m := seeded(t,
		models.Character{Name: "Sakura", Series: "Naruto"},
		models.Character{Name: "Frieren", Series: "Sousou no Frieren"},
		models.Character{Name: "Rem", Series: "Re:Zero"},
	)
	r := New(m, nil, nil)

	got, err := r.ResolveBatch(context.Background(), store.PrefixName, []Query{
		{Name: "Rem", Series: "Re:Zero"},
		{Name: "Frieren", Series: "Sousou no Frieren"},
		{Name: "Sakura", Series: "Naruto"},
	})
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, "Rem", got[0].Name)
	assert.Equal(t, "Frieren", got[1].Name)
	assert.Equal(t, "Sakura", got[2].Name)
}

func TestResolveBatchSize(t *testing.T) {
	r := New(store.NewMemory(), nil, nil)
	_, err := r.ResolveBatch(context.Background(), store.PrefixNone, []Query{{Name: "a", Series: "b"}})
	require.ErrorIs(t, err, ErrBatchSize)
	_, err = r.ResolveBatch(context.Background(), store.PrefixNone, make([]Query, 5))
	require.True(t, errors.Is(err, ErrBatchSize))
}

func TestRecordAll(t *testing.T) {
	m := store.NewMemory()
	r := New(m, nil, nil)
	w := 12
	n, err := r.RecordAll(context.Background(), []models.Character{
		{Name: "Rem", Series: "Re:Zero", Wishlist: &w},
		{Name: "Ram", Series: "Re:Zero"},
	})
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	got, err := r.Resolve(context.Background(), "Rem", "Re:Zero")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, 12, *got.Wishlist)
	assert.False(t, got.LastUpdate.IsZero())

	n, err = r.RecordAll(context.Background(), []models.Character{{Name: "Emilia"}})
	require.Error(t, err)
	assert.Zero(t, n)
}
