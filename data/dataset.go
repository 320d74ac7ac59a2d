// Package data provides in-memory classification datasets and a batching
// loader for the training core.
package data

import (
	"errors"
	"fmt"
	"math/rand"
)

// Dataset is an in-memory labelled dataset. Every input has the same width.
type Dataset struct {
	Inputs  [][]float32
	Labels  []int
	Classes int
}

// Batch is a contiguous block of samples. Input is row-major
// [Size * Features].
type Batch struct {
	Input    []float32
	Labels   []int
	Size     int
	Features int
}

// Len returns the number of samples.
func (d *Dataset) Len() int { return len(d.Labels) }

// Features returns the input width, or 0 for an empty dataset.
func (d *Dataset) Features() int {
	if len(d.Inputs) == 0 {
		return 0
	}
	return len(d.Inputs[0])
}

// Validate checks the dataset is rectangular and labels are in range.
func (d *Dataset) Validate() error {
	if len(d.Inputs) != len(d.Labels) {
		return fmt.Errorf("dataset has %d inputs but %d labels", len(d.Inputs), len(d.Labels))
	}
	if d.Classes <= 0 {
		return errors.New("dataset must have at least one class")
	}
	width := d.Features()
	for i, x := range d.Inputs {
		if len(x) != width {
			return fmt.Errorf("sample %d has %d features, want %d", i, len(x), width)
		}
		if y := d.Labels[i]; y < 0 || y >= d.Classes {
			return fmt.Errorf("sample %d: label %d out of range [0, %d)", i, y, d.Classes)
		}
	}
	return nil
}

// Split selects which sample stream of a synthetic dataset to draw.
type Split int

const (
	SplitTrain Split = iota
	SplitVal
)

// ParseSplit maps "train" and "val" to a Split.
func ParseSplit(s string) (Split, error) {
	switch s {
	case "train", "":
		return SplitTrain, nil
	case "val", "test":
		return SplitVal, nil
	default:
		return 0, fmt.Errorf("unknown split %q", s)
	}
}

// BlobsConfig describes a gaussian-cluster classification problem.
type BlobsConfig struct {
	Samples  int
	Features int
	Classes  int
	Spread   float64 // standard deviation around each class center
}

// Blobs draws Samples points around one random center per class.
//
// Centers depend only on seed, samples on seed and split, so the train and
// val splits of the same seed describe the same problem.
func Blobs(cfg BlobsConfig, seed int64, split Split) (*Dataset, error) {
	if cfg.Samples <= 0 || cfg.Features <= 0 || cfg.Classes <= 0 {
		return nil, fmt.Errorf("blobs: samples, features and classes must be positive, got %d/%d/%d",
			cfg.Samples, cfg.Features, cfg.Classes)
	}
	spread := cfg.Spread
	if spread <= 0 {
		spread = 1
	}

	centerRng := rand.New(rand.NewSource(seed))
	centers := make([][]float64, cfg.Classes)
	for c := range centers {
		centers[c] = make([]float64, cfg.Features)
		for f := range centers[c] {
			centers[c][f] = centerRng.Float64()*8 - 4
		}
	}

	rng := rand.New(rand.NewSource(seed + 1 + int64(split)*7919))
	ds := &Dataset{
		Inputs:  make([][]float32, cfg.Samples),
		Labels:  make([]int, cfg.Samples),
		Classes: cfg.Classes,
	}
	for i := 0; i < cfg.Samples; i++ {
		c := i % cfg.Classes
		x := make([]float32, cfg.Features)
		for f := range x {
			x[f] = float32(centers[c][f] + rng.NormFloat64()*spread)
		}
		ds.Inputs[i] = x
		ds.Labels[i] = c
	}
	return ds, nil
}
