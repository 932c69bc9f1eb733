// Package drop recognizes the cards of a composite drop image: it segments
// the image into fixed card slots, reads each slot's name and series through
// an OCR backend, repairs the text and resolves it to character records.
package drop

import (
	"context"
	"errors"
	"fmt"
	"image"
	"io"
	"net/http"
	"os"
	"runtime"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"dropscan/models"
	"dropscan/pkg/ocr"
	"dropscan/pkg/resolver"
	"dropscan/pkg/store"
	"dropscan/pkg/textfix"
)

// maxAttachmentBytes caps downloaded drop images.
const maxAttachmentBytes = 16 << 20

// Analyzer runs the recognition pipeline. Its fields must not change after
// the first call to Analyze.
type Analyzer struct {
	Segmenter Segmenter
	Backend   ocr.Backend
	Resolver  *resolver.Resolver
	// Workers bounds concurrent crop and OCR work; <=0 uses NumCPU.
	Workers int
	// BatchResolve resolves drops of 2 to 4 cards with one batched query.
	BatchResolve bool
	PrefixMode   store.PrefixMode
	Logger       *zap.Logger

	once sync.Once
	sem  *semaphore.Weighted
}

// Result is the outcome of one drop. DropID is set even when analysis fails.
type Result struct {
	DropID string
	Slots  int
	Cards  []models.DroppedCard
}

// Resolved counts the cards matched to a stored record.
func (r Result) Resolved() int {
	n := 0
	for _, c := range r.Cards {
		if c.Resolved {
			n++
		}
	}
	return n
}

type slotText struct {
	name, series string
}

func (a *Analyzer) init() {
	a.once.Do(func() {
		w := a.Workers
		if w <= 0 {
			w = runtime.NumCPU()
		}
		a.sem = semaphore.NewWeighted(int64(w))
		if a.Logger == nil {
			a.Logger = zap.NewNop()
		}
	})
}

// Analyze returns the drop's cards in slot order.
func (a *Analyzer) Analyze(ctx context.Context, data []byte) ([]models.DroppedCard, error) {
	res, err := a.AnalyzeDrop(ctx, data)
	if err != nil {
		return nil, err
	}
	return res.Cards, nil
}

// AnalyzeDrop is Analyze with the drop's identity and slot count. Any slot
// failure yields a *BatchError and no cards.
func (a *Analyzer) AnalyzeDrop(ctx context.Context, data []byte) (Result, error) {
	a.init()
	res := Result{DropID: uuid.NewString()}
	log := a.Logger.With(zap.String("drop_id", res.DropID))
	start := time.Now()

	raw, err := Decode(data)
	if err != nil {
		return res, err
	}
	img := a.Segmenter.Normalize(raw)
	slots := a.Segmenter.Slots(img)
	res.Slots = len(slots)
	log.Debug("drop segmented", zap.Int("slots", len(slots)), zap.Int("width", img.Bounds().Dx()))
	if len(slots) == 0 {
		return res, nil
	}

	batch := a.BatchResolve && len(slots) >= store.MinBatch && len(slots) <= store.MaxBatch
	texts := make([]slotText, len(slots))
	cards := make([]models.DroppedCard, len(slots))
	errs := make([]error, len(slots))

	var wg sync.WaitGroup
	for i, slot := range slots {
		wg.Add(1)
		go func(i int, slot image.Rectangle) {
			defer wg.Done()
			t, err := a.readSlot(ctx, a.Segmenter.Fields(img, i, slot))
			if err != nil {
				errs[i] = err
				return
			}
			texts[i] = t
			if batch {
				return
			}
			c, err := a.Resolver.Resolve(ctx, t.name, t.series)
			if err != nil {
				errs[i] = err
				return
			}
			cards[i] = card(t, c)
		}(i, slot)
	}
	wg.Wait()

	if err := collect(res.DropID, errs); err != nil {
		log.Warn("drop analysis failed", zap.Error(err))
		return res, err
	}
	if batch {
		if err := a.resolveBatch(ctx, texts, cards); err != nil {
			log.Warn("batched resolution failed", zap.Error(err))
			return res, err
		}
	}
	res.Cards = cards
	log.Info("drop analyzed",
		zap.Int("slots", len(slots)),
		zap.Int("resolved", res.Resolved()),
		zap.Bool("batched", batch),
		zap.Duration("took", time.Since(start)))
	return res, nil
}

// readSlot reads the field crops of one slot concurrently.
func (a *Analyzer) readSlot(ctx context.Context, crops []FieldCrop) (slotText, error) {
	var t slotText
	var g errgroup.Group
	for _, fc := range crops {
		g.Go(func() error {
			s, err := a.readField(ctx, fc.Image)
			if err != nil {
				return fmt.Errorf("%s: %w", fc.Kind, err)
			}
			if fc.Kind == FieldSeries {
				t.series = s
			} else {
				t.name = s
			}
			return nil
		})
	}
	return t, g.Wait()
}

func (a *Analyzer) readField(ctx context.Context, img image.Image) (string, error) {
	if err := a.sem.Acquire(ctx, 1); err != nil {
		return "", err
	}
	defer a.sem.Release(1)
	raw, err := a.Backend.ExtractText(ctx, img)
	if err != nil {
		return "", err
	}
	return textfix.Fix(raw), nil
}

// resolveBatch runs exact lookups first, then one batched fuzzy query for
// the misses.
func (a *Analyzer) resolveBatch(ctx context.Context, texts []slotText, cards []models.DroppedCard) error {
	var missed []int
	for i, t := range texts {
		c, err := a.Resolver.Exact(ctx, t.name, t.series)
		if err != nil {
			return err
		}
		if c == nil {
			missed = append(missed, i)
		}
		cards[i] = card(t, c)
	}
	switch len(missed) {
	case 0:
		return nil
	case 1:
		t := texts[missed[0]]
		c, err := a.Resolver.Resolve(ctx, t.name, t.series)
		if err != nil {
			return err
		}
		cards[missed[0]] = card(t, c)
		return nil
	}
	queries := make([]resolver.Query, len(missed))
	for j, i := range missed {
		queries[j] = resolver.Query{Name: texts[i].name, Series: texts[i].series}
	}
	found, err := a.Resolver.ResolveBatch(ctx, a.PrefixMode, queries)
	if err != nil {
		return err
	}
	for j, i := range missed {
		cards[i] = card(texts[i], found[j])
	}
	return nil
}

// card builds the output entry of one slot. An unresolved slot carries its
// repaired text.
func card(t slotText, c *models.Character) models.DroppedCard {
	if c == nil {
		return models.DroppedCard{Character: models.Character{Name: t.name, Series: t.series}}
	}
	return models.DroppedCard{Character: *c, Resolved: true}
}

func collect(dropID string, errs []error) error {
	var failed []SlotError
	for i, err := range errs {
		if err != nil {
			failed = append(failed, SlotError{Slot: i, Err: err})
		}
	}
	if len(failed) == 0 {
		return nil
	}
	return &BatchError{DropID: dropID, Total: len(errs), Slots: failed}
}

// AnalyzeFile analyzes a drop image on disk.
func (a *Analyzer) AnalyzeFile(ctx context.Context, path string) (Result, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Result{}, fmt.Errorf("%w: %w", ErrAttachment, err)
	}
	return a.AnalyzeDrop(ctx, data)
}

// Fetch downloads a drop attachment.
func Fetch(ctx context.Context, client *http.Client, url string) ([]byte, error) {
	if url == "" {
		return nil, fmt.Errorf("%w: no attachment url", ErrAttachment)
	}
	if client == nil {
		client = http.DefaultClient
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrAttachment, err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrAttachment, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: %s: status %d", ErrAttachment, url, resp.StatusCode)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxAttachmentBytes+1))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrAttachment, err)
	}
	if len(data) > maxAttachmentBytes {
		return nil, fmt.Errorf("%w: larger than %d bytes", ErrAttachment, maxAttachmentBytes)
	}
	return data, nil
}

// IsClientError reports whether err stems from the submitted attachment
// rather than from the pipeline.
func IsClientError(err error) bool {
	return errors.Is(err, ErrAttachment) || errors.Is(err, ErrDecode)
}
