package ocr

import (
	"context"
	"fmt"
	"image"
)

// PooledBackend runs OCR on engines borrowed from a Pool.
type PooledBackend struct {
	pool *Pool
}

func NewPooledBackend(pool *Pool) *PooledBackend {
	return &PooledBackend{pool: pool}
}

func (b *PooledBackend) ExtractText(ctx context.Context, img image.Image) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	png, err := EncodePNG(img)
	if err != nil {
		return "", fmt.Errorf("%w: encode crop: %w", ErrExecution, err)
	}
	e, err := b.pool.Acquire()
	if err != nil {
		return "", err
	}
	text, err := e.Text(png)
	if err != nil {
		b.pool.Discard(e)
		return "", fmt.Errorf("%w: %w", ErrExecution, err)
	}
	b.pool.Release(e)
	return text, nil
}
