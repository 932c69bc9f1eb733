// Package tesseract provides the in-process OCR engine backed by libtesseract
// through gosseract. It needs cgo and the tesseract/leptonica headers.
package tesseract

import (
	"fmt"
	"image/color"
	"strconv"

	"github.com/disintegration/imaging"
	"github.com/otiai10/gosseract/v2"

	"dropscan/pkg/ocr"
)

// Config holds the engine parameters applied at construction.
type Config struct {
	Lang string
	PSM  gosseract.PageSegMode
	OEM  int
	DPI  int
}

// DefaultConfig reads a single uniform block with the LSTM engine at the
// resolution of the card renderer.
var DefaultConfig = Config{Lang: "eng", PSM: gosseract.PSM_SINGLE_BLOCK, OEM: 1, DPI: 70}

// Engine wraps one gosseract client.
type Engine struct {
	client *gosseract.Client
}

// New constructs and warms up an engine so model loading happens here and
// not on the first real call.
func New(cfg Config) (*Engine, error) {
	client := gosseract.NewClient()
	fail := func(step string, err error) (*Engine, error) {
		_ = client.Close()
		return nil, fmt.Errorf("%w: %s: %w", ocr.ErrInit, step, err)
	}
	if err := client.SetLanguage(cfg.Lang); err != nil {
		return fail("set language", err)
	}
	if err := client.SetPageSegMode(cfg.PSM); err != nil {
		return fail("set page segmentation mode", err)
	}
	if err := client.SetVariable("tessedit_ocr_engine_mode", strconv.Itoa(cfg.OEM)); err != nil {
		return fail("set engine mode", err)
	}
	if cfg.DPI > 0 {
		if err := client.SetVariable("user_defined_dpi", strconv.Itoa(cfg.DPI)); err != nil {
			return fail("set dpi", err)
		}
	}
	blank, err := ocr.EncodePNG(imaging.New(16, 16, color.White))
	if err != nil {
		return fail("encode warmup image", err)
	}
	if err := client.SetImageFromBytes(blank); err != nil {
		return fail("warmup", err)
	}
	if _, err := client.Text(); err != nil {
		return fail("warmup", err)
	}
	return &Engine{client: client}, nil
}

// Factory returns an ocr.Factory building engines from cfg.
func Factory(cfg Config) ocr.Factory {
	return func() (ocr.Engine, error) {
		e, err := New(cfg)
		if err != nil {
			return nil, err
		}
		return e, nil
	}
}

func (e *Engine) Text(png []byte) (string, error) {
	if err := e.client.SetImageFromBytes(png); err != nil {
		return "", err
	}
	return e.client.Text()
}

func (e *Engine) Close() error {
	return e.client.Close()
}
