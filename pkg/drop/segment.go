package drop

import (
	"bytes"
	"fmt"
	"image"
	"image/color"

	"github.com/disintegration/imaging"
	_ "golang.org/x/image/webp"
)

// Geometry is the fixed card layout of a drop image. Field rectangles are
// relative to the card origin.
type Geometry struct {
	Origin     image.Point
	CardWidth  int
	Gap        int
	CardHeight int
	Name       image.Rectangle
	Series     image.Rectangle
	// OverCrop widens each field crop on every side.
	OverCrop int
	// Border pads each field crop with its background colour.
	Border int
}

// DefaultGeometry matches the card renderer's drop layout.
var DefaultGeometry = Geometry{
	Origin:     image.Pt(29, 34),
	CardWidth:  228,
	Gap:        46,
	CardHeight: 353,
	Name:       image.Rect(22, 26, 204, 70),
	Series:     image.Rect(22, 276, 204, 330),
	OverCrop:   4,
	Border:     10,
}

// Pitch is the horizontal distance between the origins of adjacent cards.
func (g Geometry) Pitch() int { return g.CardWidth + g.Gap }

// SlotCount is the number of cards in an image of the given width.
func SlotCount(width, pitch int) int {
	if pitch <= 0 || width < pitch {
		return 0
	}
	return width / pitch
}

// Decode reads PNG, JPEG, GIF, BMP, TIFF or WebP bytes.
func Decode(data []byte) (image.Image, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: empty input", ErrDecode)
	}
	img, err := imaging.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrDecode, err)
	}
	return img, nil
}

// Segmenter cuts a drop image into per-card field crops.
type Segmenter struct {
	Geometry Geometry
	// Contrast is the imaging.AdjustContrast percentage applied after
	// grayscale conversion.
	Contrast float64
}

// Normalize converts img to high-contrast grayscale. The result has its
// origin at (0, 0).
func (s Segmenter) Normalize(img image.Image) *image.NRGBA {
	return imaging.AdjustContrast(imaging.Grayscale(img), s.Contrast)
}

// Slots returns the card rectangles of img, left to right.
func (s Segmenter) Slots(img image.Image) []image.Rectangle {
	b := img.Bounds()
	g := s.Geometry
	n := SlotCount(b.Dx(), g.Pitch())
	slots := make([]image.Rectangle, n)
	for i := range slots {
		origin := b.Min.Add(g.Origin).Add(image.Pt(i*g.Pitch(), 0))
		slots[i] = image.Rectangle{Min: origin, Max: origin.Add(image.Pt(g.CardWidth, g.CardHeight))}
	}
	return slots
}

// FieldKind names a text field on a card.
type FieldKind int

const (
	FieldName FieldKind = iota
	FieldSeries
)

func (k FieldKind) String() string {
	if k == FieldSeries {
		return "series"
	}
	return "name"
}

// FieldCrop is the padded crop of one field of one card slot.
type FieldCrop struct {
	Slot  int
	Kind  FieldKind
	Image image.Image
}

// Fields crops the name and series fields of the slot at index, in that
// order.
func (s Segmenter) Fields(img image.Image, index int, slot image.Rectangle) []FieldCrop {
	return []FieldCrop{
		{Slot: index, Kind: FieldName, Image: s.field(img, slot, s.Geometry.Name)},
		{Slot: index, Kind: FieldSeries, Image: s.field(img, slot, s.Geometry.Series)},
	}
}

func (s Segmenter) field(img image.Image, slot, rect image.Rectangle) image.Image {
	r := rect.Add(slot.Min).Inset(-s.Geometry.OverCrop).Intersect(img.Bounds())
	if r.Empty() {
		return imaging.New(1, 1, color.White)
	}
	crop := imaging.Crop(img, r)
	if s.Geometry.Border <= 0 {
		return crop
	}
	b := s.Geometry.Border
	w, h := crop.Bounds().Dx(), crop.Bounds().Dy()
	padded := imaging.New(w+2*b, h+2*b, background(crop))
	return imaging.Paste(padded, crop, image.Pt(b, b))
}

// background estimates the field's backdrop as the mean of its corners.
func background(img *image.NRGBA) color.NRGBA {
	b := img.Bounds()
	corners := []image.Point{
		b.Min,
		{X: b.Max.X - 1, Y: b.Min.Y},
		{X: b.Min.X, Y: b.Max.Y - 1},
		{X: b.Max.X - 1, Y: b.Max.Y - 1},
	}
	var r, g, bl, a int
	for _, p := range corners {
		c := img.NRGBAAt(p.X, p.Y)
		r += int(c.R)
		g += int(c.G)
		bl += int(c.B)
		a += int(c.A)
	}
	n := len(corners)
	return color.NRGBA{R: uint8(r / n), G: uint8(g / n), B: uint8(bl / n), A: uint8(a / n)}
}
