// Package ocr extracts raw text from card field crops.
//
// Two Backend implementations exist: PooledBackend reuses preconstructed
// in-process engines from a Pool, and SubprocessBackend runs the tesseract
// binary once per call. A process picks one at startup.
package ocr

import (
	"context"
	"fmt"
	"image"
	"strings"

	"go.uber.org/zap"
)

// Backend extracts text from one image region.
type Backend interface {
	ExtractText(ctx context.Context, img image.Image) (string, error)
}

// Kind names a Backend implementation.
type Kind string

const (
	KindPooled     Kind = "pooled"
	KindSubprocess Kind = "subprocess"
)

// ParseKind validates a configured backend name.
func ParseKind(s string) (Kind, error) {
	switch k := Kind(strings.ToLower(strings.TrimSpace(s))); k {
	case KindPooled, KindSubprocess:
		return k, nil
	}
	return "", fmt.Errorf("unknown ocr backend %q (want %q or %q)", s, KindPooled, KindSubprocess)
}

// Select builds the configured backend. For KindPooled it starts the pool's
// maintenance loop; the returned stop func ends the loop and closes the pool.
func Select(ctx context.Context, kind Kind, factory Factory, poolSize int, sub SubprocessConfig, logger *zap.Logger) (Backend, func(), error) {
	switch kind {
	case KindPooled:
		if factory == nil {
			return nil, nil, fmt.Errorf("%w: no engine factory", ErrInit)
		}
		pool := NewPool(factory, poolSize, logger)
		ctx, cancel := context.WithCancel(ctx)
		done := make(chan struct{})
		go func() {
			defer close(done)
			pool.Run(ctx)
		}()
		stop := func() {
			cancel()
			<-done
			pool.Close()
		}
		return NewPooledBackend(pool), stop, nil
	case KindSubprocess:
		return NewSubprocessBackend(sub, ExecRunner{Logger: logger}), func() {}, nil
	}
	return nil, nil, fmt.Errorf("unknown ocr backend %q", kind)
}
