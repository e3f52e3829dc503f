package scheduler

import (
	"context"
	"time"
)

const (
	defaultBatchSize  = 25
	defaultBatchDelay = 500 * time.Millisecond
)

// Batcher spreads fan-out over broker accounts into fixed-size waves
// with a pause between them, keeping burst pressure under the
// governor's bucket size.
type Batcher struct {
	size  int
	delay time.Duration
}

func NewBatcher(size int, delay time.Duration) *Batcher {
	if size <= 0 {
		size = defaultBatchSize
	}
	if delay <= 0 {
		delay = defaultBatchDelay
	}
	return &Batcher{size: size, delay: delay}
}

// Run invokes each for indexes 0..total-1 in waves of the configured
// size, sleeping between waves. each is expected to hand its work to a
// pool and return quickly. Returns early if ctx ends.
func (b *Batcher) Run(ctx context.Context, total int, each func(i int)) error {
	for start := 0; start < total; start += b.size {
		if err := ctx.Err(); err != nil {
			return err
		}
		end := start + b.size
		if end > total {
			end = total
		}
		for i := start; i < end; i++ {
			each(i)
		}
		if end < total {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(b.delay):
			}
		}
	}
	return nil
}
