package data

import (
	"context"
	"errors"
	"fmt"
	"math/rand"

	"golang.org/x/sync/errgroup"
)

// LoaderConfig configures batching.
type LoaderConfig struct {
	BatchSize int
	Seed      int64
	Shuffle   bool // reshuffle every epoch from Seed + epoch
	DropLast  bool // skip a trailing partial batch
	Prefetch  int  // batches assembled ahead on a background goroutine; 0 disables
}

// Loader slices a Dataset into batches.
type Loader struct {
	ds  *Dataset
	cfg LoaderConfig
}

// NewLoader validates ds and returns a loader over it.
func NewLoader(ds *Dataset, cfg LoaderConfig) (*Loader, error) {
	if ds == nil {
		return nil, errors.New("loader: dataset is nil")
	}
	if err := ds.Validate(); err != nil {
		return nil, fmt.Errorf("loader: %w", err)
	}
	if cfg.BatchSize <= 0 {
		return nil, fmt.Errorf("loader: batch size must be positive, got %d", cfg.BatchSize)
	}
	if cfg.Prefetch < 0 {
		return nil, fmt.Errorf("loader: prefetch must not be negative, got %d", cfg.Prefetch)
	}
	return &Loader{ds: ds, cfg: cfg}, nil
}

// Dataset returns the underlying dataset.
func (l *Loader) Dataset() *Dataset { return l.ds }

// NumBatches returns the number of batches of one epoch.
func (l *Loader) NumBatches() int {
	n, bs := l.ds.Len(), l.cfg.BatchSize
	if l.cfg.DropLast {
		return n / bs
	}
	return (n + bs - 1) / bs
}

// Each calls fn for every batch of the given epoch, in order, one at a time.
// The context is checked between batches. The first error from fn stops the
// pass and is returned.
func (l *Loader) Each(ctx context.Context, epoch int, fn func(i int, b Batch) error) error {
	order := l.order(epoch)
	n := l.NumBatches()

	if l.cfg.Prefetch == 0 {
		for i := 0; i < n; i++ {
			if err := ctx.Err(); err != nil {
				return err
			}
			if err := fn(i, l.batch(order, i)); err != nil {
				return err
			}
		}
		return nil
	}

	g, gctx := errgroup.WithContext(ctx)
	ch := make(chan Batch, l.cfg.Prefetch)

	g.Go(func() error {
		defer close(ch)
		for i := 0; i < n; i++ {
			select {
			case ch <- l.batch(order, i):
			case <-gctx.Done():
				return gctx.Err()
			}
		}
		return nil
	})

	g.Go(func() error {
		i := 0
		for b := range ch {
			if err := gctx.Err(); err != nil {
				return err
			}
			if err := fn(i, b); err != nil {
				return err
			}
			i++
		}
		return nil
	})

	return g.Wait()
}

func (l *Loader) order(epoch int) []int {
	n := l.ds.Len()
	if l.cfg.Shuffle {
		rng := rand.New(rand.NewSource(l.cfg.Seed + int64(epoch)))
		return rng.Perm(n)
	}
	order := make([]int, n)
	for i := range order {
		order[i] = i
	}
	return order
}

func (l *Loader) batch(order []int, i int) Batch {
	start := i * l.cfg.BatchSize
	end := min(start+l.cfg.BatchSize, len(order))
	features := l.ds.Features()

	b := Batch{
		Input:    make([]float32, 0, (end-start)*features),
		Labels:   make([]int, 0, end-start),
		Size:     end - start,
		Features: features,
	}
	for _, idx := range order[start:end] {
		b.Input = append(b.Input, l.ds.Inputs[idx]...)
		b.Labels = append(b.Labels, l.ds.Labels[idx])
	}
	return b
}
