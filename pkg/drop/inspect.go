package drop

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/disintegration/imaging"

	"dropscan/pkg/textfix"
)

// FieldReport is the OCR output of one field crop.
type FieldReport struct {
	Slot     int    `json:"slot"`
	Field    string `json:"field"`
	Raw      string `json:"raw"`
	Repaired string `json:"repaired"`
	Crop     string `json:"crop,omitempty"`
}

// Inspect reads every field of a drop sequentially without resolving it.
// When dir is set, the normalized image and each field crop are saved there
// as PNG files.
func (a *Analyzer) Inspect(ctx context.Context, data []byte, dir string) ([]FieldReport, error) {
	a.init()
	raw, err := Decode(data)
	if err != nil {
		return nil, err
	}
	img := a.Segmenter.Normalize(raw)
	if dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
		if err := imaging.Save(img, filepath.Join(dir, "normalized.png")); err != nil {
			return nil, fmt.Errorf("save normalized image: %w", err)
		}
	}
	var out []FieldReport
	for i, slot := range a.Segmenter.Slots(img) {
		for _, fc := range a.Segmenter.Fields(img, i, slot) {
			rep := FieldReport{Slot: fc.Slot, Field: fc.Kind.String()}
			if dir != "" {
				rep.Crop = filepath.Join(dir, fmt.Sprintf("%d-%s.png", fc.Slot, fc.Kind))
				if err := imaging.Save(fc.Image, rep.Crop); err != nil {
					return nil, fmt.Errorf("save crop: %w", err)
				}
			}
			text, err := a.Backend.ExtractText(ctx, fc.Image)
			if err != nil {
				return nil, SlotError{Slot: fc.Slot, Err: fmt.Errorf("%s: %w", fc.Kind, err)}
			}
			rep.Raw, rep.Repaired = text, textfix.Fix(text)
			out = append(out, rep)
		}
	}
	return out, nil
}
