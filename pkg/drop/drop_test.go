package drop

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"

	"github.com/disintegration/imaging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"dropscan/models"
	"dropscan/pkg/ocr"
	"dropscan/pkg/resolver"
	"dropscan/pkg/store"
)

// levelBackend "reads" a crop by sampling its centre gray level.
type levelBackend struct {
	texts map[uint8]string
	fail  map[uint8]bool
	calls atomic.Int32
}

func (b *levelBackend) ExtractText(_ context.Context, img image.Image) (string, error) {
	b.calls.Add(1)
	r := img.Bounds()
	c := color.GrayModel.Convert(img.At(r.Min.X+r.Dx()/2, r.Min.Y+r.Dy()/2)).(color.Gray)
	for level, text := range b.texts {
		if diff := int(c.Y) - int(level); diff >= -4 && diff <= 4 {
			if b.fail[level] {
				return "", fmt.Errorf("%w: engine crashed", ocr.ErrExecution)
			}
			return text + "\n", nil
		}
	}
	return "", nil
}

type fixture struct {
	name, series string
}

// drawDrop renders cards as flat gray fields and returns the PNG bytes and
// the backend that reads them back.
func drawDrop(t *testing.T, cards []fixture) ([]byte, *levelBackend) {
	t.Helper()
	g := DefaultGeometry
	img := image.NewNRGBA(image.Rect(0, 0, g.Pitch()*len(cards)+10, 400))
	draw.Draw(img, img.Bounds(), &image.Uniform{C: color.White}, image.Point{}, draw.Src)
	b := &levelBackend{texts: map[uint8]string{}, fail: map[uint8]bool{}}
	for i, c := range cards {
		origin := g.Origin.Add(image.Pt(i*g.Pitch(), 0))
		nameLevel, seriesLevel := uint8(20+40*i), uint8(40+40*i)
		draw.Draw(img, g.Name.Add(origin), &image.Uniform{C: color.Gray{Y: nameLevel}}, image.Point{}, draw.Src)
		draw.Draw(img, g.Series.Add(origin), &image.Uniform{C: color.Gray{Y: seriesLevel}}, image.Point{}, draw.Src)
		b.texts[nameLevel] = c.name
		b.texts[seriesLevel] = c.series
	}
	var buf bytes.Buffer
	require.NoError(t, imaging.Encode(&buf, img, imaging.PNG))
	return buf.Bytes(), b
}

func newAnalyzer(t *testing.T, backend ocr.Backend, chars ...models.Character) *Analyzer {
	t.Helper()
	m := store.NewMemory()
	for i := range chars {
		require.NoError(t, m.Upsert(context.Background(), &chars[i]))
	}
	return &Analyzer{
		Segmenter: Segmenter{Geometry: DefaultGeometry},
		Backend:   backend,
		Resolver:  resolver.New(m, nil, zap.NewNop()),
		Workers:   2,
		Logger:    zap.NewNop(),
	}
}

var threeCards = []fixture{
	{"Rem", "Re:Zero"},
	{"Fr1eren", "Sousou no Frieren"},
	{"Nobody", "Nowhere"},
}

var known = []models.Character{
	{Name: "Rem", Series: "Re:Zero"},
	{Name: "Frieren", Series: "Sousou no Frieren"},
}

func TestSlotCount(t *testing.T) {
	assert.Equal(t, 0, SlotCount(273, 274))
	assert.Equal(t, 1, SlotCount(274, 274))
	assert.Equal(t, 3, SlotCount(836, 274))
	assert.Equal(t, 4, SlotCount(1100, 274))
	assert.Equal(t, 0, SlotCount(500, 0))
	for w := 0; w < 2000; w += 37 {
		assert.Equal(t, w/274, SlotCount(w, 274))
	}
}

func TestSegmenterFieldsArePadded(t *testing.T) {
	img := imaging.New(600, 400, color.White)
	s := Segmenter{Geometry: DefaultGeometry}
	slots := s.Slots(img)
	require.Len(t, slots, 2)
	assert.Equal(t, image.Rect(303, 34, 531, 387), slots[1])

	crops := s.Fields(img, 0, slots[0])
	require.Len(t, crops, 2)
	g := DefaultGeometry
	wantW := g.Name.Dx() + 2*g.OverCrop + 2*g.Border
	assert.Equal(t, wantW, crops[0].Image.Bounds().Dx())
	assert.Equal(t, g.Series.Dy()+2*g.OverCrop+2*g.Border, crops[1].Image.Bounds().Dy())
}

func TestSegmenterFieldsCarrySlotAndKind(t *testing.T) {
	img := imaging.New(600, 400, color.White)
	s := Segmenter{Geometry: DefaultGeometry}
	slots := s.Slots(img)
	require.Len(t, slots, 2)

	crops := s.Fields(img, 1, slots[1])
	require.Len(t, crops, 2)
	assert.Equal(t, 1, crops[0].Slot)
	assert.Equal(t, FieldName, crops[0].Kind)
	assert.Equal(t, 1, crops[1].Slot)
	assert.Equal(t, FieldSeries, crops[1].Kind)
	assert.Equal(t, "name", FieldName.String())
	assert.Equal(t, "series", FieldSeries.String())
}

func TestDecodeRejectsGarbage(t *testing.T) {
	_, err := Decode([]byte("not an image"))
	require.ErrorIs(t, err, ErrDecode)
	_, err = Decode(nil)
	require.ErrorIs(t, err, ErrDecode)
}

func TestAnalyzeResolvesInSlotOrder(t *testing.T) {
	data, backend := drawDrop(t, threeCards)
	a := newAnalyzer(t, backend, known...)

	cards, err := a.Analyze(context.Background(), data)
	require.NoError(t, err)
	require.Len(t, cards, 3)
	assert.Equal(t, "Rem", cards[0].Character.Name)
	assert.True(t, cards[0].Resolved)
	assert.Equal(t, "Frieren", cards[1].Character.Name)
	assert.True(t, cards[1].Resolved)
	assert.Equal(t, "Nobody", cards[2].Character.Name)
	assert.Equal(t, "Nowhere", cards[2].Character.Series)
	assert.False(t, cards[2].Resolved)
	for _, c := range cards {
		assert.Zero(t, c.Print)
		assert.Zero(t, c.Edition)
	}
	assert.Equal(t, int32(6), backend.calls.Load())
}

func TestAnalyzeBatchResolve(t *testing.T) {
	data, backend := drawDrop(t, threeCards)
	a := newAnalyzer(t, backend, known...)
	a.BatchResolve = true
	a.PrefixMode = store.PrefixName

	res, err := a.AnalyzeDrop(context.Background(), data)
	require.NoError(t, err)
	assert.NotEmpty(t, res.DropID)
	assert.Equal(t, 3, res.Slots)
	assert.Equal(t, 2, res.Resolved())
	assert.Equal(t, "Frieren", res.Cards[1].Character.Name)
}

func TestAnalyzeSlotFailureDiscardsDrop(t *testing.T) {
	data, backend := drawDrop(t, threeCards)
	backend.fail[60] = true // name of the second slot
	a := newAnalyzer(t, backend, known...)

	cards, err := a.Analyze(context.Background(), data)
	require.Error(t, err)
	assert.Nil(t, cards)

	var be *BatchError
	require.True(t, errors.As(err, &be))
	require.Len(t, be.Slots, 1)
	assert.Equal(t, 1, be.Slots[0].Slot)
	assert.Equal(t, 3, be.Total)
	assert.ErrorIs(t, err, ocr.ErrExecution)
	// the other slots still ran
	assert.Equal(t, int32(6), backend.calls.Load())
}

func TestAnalyzeEmptyDrop(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, imaging.Encode(&buf, imaging.New(100, 100, color.White), imaging.PNG))
	a := newAnalyzer(t, &levelBackend{})
	cards, err := a.Analyze(context.Background(), buf.Bytes())
	require.NoError(t, err)
	assert.Empty(t, cards)
}

func TestAnalyzeFile(t *testing.T) {
	data, backend := drawDrop(t, threeCards[:1])
	path := filepath.Join(t.TempDir(), "drop.png")
	require.NoError(t, os.WriteFile(path, data, 0o644))
	a := newAnalyzer(t, backend, known...)

	res, err := a.AnalyzeFile(context.Background(), path)
	require.NoError(t, err)
	require.Len(t, res.Cards, 1)
	assert.Equal(t, "Rem", res.Cards[0].Character.Name)

	_, err = a.AnalyzeFile(context.Background(), filepath.Join(t.TempDir(), "missing.png"))
	require.ErrorIs(t, err, ErrAttachment)
}

func TestFetch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/drop.png" {
			http.NotFound(w, r)
			return
		}
		_, _ = w.Write([]byte("png-bytes"))
	}))
	defer srv.Close()

	data, err := Fetch(context.Background(), srv.Client(), srv.URL+"/drop.png")
	require.NoError(t, err)
	assert.Equal(t, "png-bytes", string(data))

	_, err = Fetch(context.Background(), srv.Client(), srv.URL+"/gone.png")
	require.ErrorIs(t, err, ErrAttachment)
	assert.True(t, IsClientError(err))

	_, err = Fetch(context.Background(), nil, "")
	require.ErrorIs(t, err, ErrAttachment)
}

func TestInspectSavesCrops(t *testing.T) {
	data, backend := drawDrop(t, threeCards[:2])
	a := newAnalyzer(t, backend)
	dir := filepath.Join(t.TempDir(), "dump")

	reports, err := a.Inspect(context.Background(), data, dir)
	require.NoError(t, err)
	require.Len(t, reports, 4)
	assert.Equal(t, "Fr1eren\n", reports[2].Raw)
	assert.Equal(t, "Fr1eren", reports[2].Repaired)
	assert.Equal(t, "series", reports[3].Field)
	assert.FileExists(t, filepath.Join(dir, "normalized.png"))
	assert.FileExists(t, filepath.Join(dir, "1-series.png"))
}
