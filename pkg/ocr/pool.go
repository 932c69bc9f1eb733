package ocr

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// Engine is a stateful in-process OCR engine. It is not safe for concurrent
// use; the Pool hands each engine to one caller at a time.
type Engine interface {
	Text(png []byte) (string, error)
	Close() error
}

// Factory constructs an Engine. Construction loads models and is slow.
type Factory func() (Engine, error)

const defaultRetryDelay = 2 * time.Second

// Pool is a bounded free list of preconstructed engines.
//
// Run keeps the free list topped up to the target size. Acquire pops an
// engine, or constructs one synchronously when the list is empty. Release
// returns it.
type Pool struct {
	factory Factory
	target  int
	free    chan Engine
	wake    chan struct{}
	retry   time.Duration
	logger  *zap.Logger
}

// NewPool returns an empty pool. Call Run to start filling it.
func NewPool(factory Factory, target int, logger *zap.Logger) *Pool {
	if target < 1 {
		target = 1
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pool{
		factory: factory,
		target:  target,
		free:    make(chan Engine, target),
		wake:    make(chan struct{}, 1),
		retry:   defaultRetryDelay,
		logger:  logger,
	}
}

// Run is the maintenance loop. It constructs engines until the free list
// holds the target count, then sleeps until an engine is taken. Construction
// failures are logged and retried. Run returns when ctx is done.
func (p *Pool) Run(ctx context.Context) {
	for {
		for len(p.free) < p.target {
			e, err := p.factory()
			if err != nil {
				p.logger.Warn("ocr engine construction failed; retrying",
					zap.Error(err), zap.Duration("retry_in", p.retry))
				select {
				case <-ctx.Done():
					return
				case <-time.After(p.retry):
				}
				continue
			}
			select {
			case p.free <- e:
				p.logger.Debug("ocr engine ready", zap.Int("free", len(p.free)), zap.Int("target", p.target))
			default:
				// filled by Release meanwhile
				_ = e.Close()
			}
			if ctx.Err() != nil {
				return
			}
		}
		select {
		case <-ctx.Done():
			return
		case <-p.wake:
		}
	}
}

// Acquire hands out an engine for exclusive use.
func (p *Pool) Acquire() (Engine, error) {
	defer p.signal()
	select {
	case e := <-p.free:
		return e, nil
	default:
	}
	p.logger.Debug("ocr pool empty; constructing engine inline")
	e, err := p.factory()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInit, err)
	}
	return e, nil
}

// Release returns an engine after a successful call.
func (p *Pool) Release(e Engine) {
	select {
	case p.free <- e:
	default:
		_ = e.Close()
	}
}

// Discard closes an engine whose last call failed.
func (p *Pool) Discard(e Engine) {
	if err := e.Close(); err != nil {
		p.logger.Warn("closing failed ocr engine", zap.Error(err))
	}
	p.signal()
}

// Free reports how many engines are idle.
func (p *Pool) Free() int { return len(p.free) }

// Close closes every idle engine. Stop Run before calling Close.
func (p *Pool) Close() {
	for {
		select {
		case e := <-p.free:
			_ = e.Close()
		default:
			return
		}
	}
}

func (p *Pool) signal() {
	select {
	case p.wake <- struct{}{}:
	default:
	}
}
