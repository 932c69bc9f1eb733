package ocr

import (
	"bytes"
	"image"

	"github.com/disintegration/imaging"
)

// EncodePNG serializes a crop for an engine or the tesseract binary.
func EncodePNG(img image.Image) ([]byte, error) {
	var buf bytes.Buffer
	if err := imaging.Encode(&buf, img, imaging.PNG); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
