package nn

import (
	"fmt"
	"math"
	"sort"
)

// LRScheduler interface defines learning rate scheduling strategies
type LRScheduler interface {
	// GetLR returns the learning rate for the given step (epoch)
	GetLR(step int) float32

	// Name returns the scheduler name
	Name() string
}

// ============================================================================
// Constant Scheduler - Fixed learning rate
// ============================================================================

type ConstantScheduler struct {
	baseLR float32
}

func NewConstantScheduler(baseLR float32) *ConstantScheduler {
	return &ConstantScheduler{baseLR: baseLR}
}

func (s *ConstantScheduler) GetLR(step int) float32 {
	return s.baseLR
}

func (s *ConstantScheduler) Name() string {
	return "Constant"
}

// ============================================================================
// Cosine Annealing Scheduler
// ============================================================================

type CosineAnnealingScheduler struct {
	initialLR  float32
	minLR      float32
	totalSteps int
}

func NewCosineAnnealingScheduler(initialLR, minLR float32, totalSteps int) *CosineAnnealingScheduler {
	return &CosineAnnealingScheduler{
		initialLR:  initialLR,
		minLR:      minLR,
		totalSteps: totalSteps,
	}
}

func (s *CosineAnnealingScheduler) GetLR(step int) float32 {
	if step >= s.totalSteps {
		return s.minLR
	}
	progress := float32(step) / float32(s.totalSteps)

	// lr = minLR + (initialLR - minLR) * (1 + cos(pi * progress)) / 2
	cosineDecay := (1.0 + float32(math.Cos(math.Pi*float64(progress)))) / 2.0
	return s.minLR + (s.initialLR-s.minLR)*cosineDecay
}

func (s *CosineAnnealingScheduler) Name() string {
	return "CosineAnnealing"
}

// ============================================================================
// Multi-Step Scheduler - Decay by gamma at each milestone
// ============================================================================

type MultiStepScheduler struct {
	initialLR  float32
	milestones []int
	gamma      float32
}

// NewMultiStepScheduler multiplies the learning rate by gamma once for every
// milestone that step has reached. Milestones are sorted on construction.
func NewMultiStepScheduler(initialLR float32, milestones []int, gamma float32) *MultiStepScheduler {
	ms := append([]int(nil), milestones...)
	sort.Ints(ms)
	return &MultiStepScheduler{
		initialLR:  initialLR,
		milestones: ms,
		gamma:      gamma,
	}
}

func (s *MultiStepScheduler) GetLR(step int) float32 {
	// number of milestones <= step
	passed := sort.SearchInts(s.milestones, step+1)
	return s.initialLR * float32(math.Pow(float64(s.gamma), float64(passed)))
}

func (s *MultiStepScheduler) Name() string {
	return fmt.Sprintf("MultiStep%v", s.milestones)
}

// ============================================================================
// Epoch Scheduler - drives an optimizer from an LRScheduler once per epoch
// ============================================================================

// EpochScheduler sets the optimizer learning rate from an LRScheduler keyed by
// epoch. Step ignores its metric argument.
type EpochScheduler struct {
	opt   Optimizer
	sched LRScheduler
	epoch int
}

// NewEpochScheduler applies the learning rate for startEpoch immediately, so a
// resumed run continues on the right part of the curve.
func NewEpochScheduler(opt Optimizer, sched LRScheduler, startEpoch int) *EpochScheduler {
	s := &EpochScheduler{opt: opt, sched: sched, epoch: startEpoch}
	opt.SetLearningRate(sched.GetLR(startEpoch))
	return s
}

// Step advances one epoch.
func (s *EpochScheduler) Step(float64) {
	s.epoch++
	s.opt.SetLearningRate(s.sched.GetLR(s.epoch))
}

// Epoch returns the number of epochs stepped so far.
func (s *EpochScheduler) Epoch() int { return s.epoch }

func (s *EpochScheduler) Name() string { return s.sched.Name() }

// ============================================================================
// Reduce-on-Plateau - decay when the monitored loss stops improving
// ============================================================================

type ReduceLROnPlateau struct {
	opt       Optimizer
	factor    float32
	patience  int
	threshold float64 // relative improvement required
	minLR     float32

	best     float64
	hasBest  bool
	badSteps int
}

func NewReduceLROnPlateau(opt Optimizer, factor float32, patience int, threshold float64, minLR float32) *ReduceLROnPlateau {
	return &ReduceLROnPlateau{
		opt:       opt,
		factor:    factor,
		patience:  patience,
		threshold: threshold,
		minLR:     minLR,
	}
}

// Step records one epoch's validation loss (lower is better).
func (s *ReduceLROnPlateau) Step(metric float64) {
	if math.IsNaN(metric) {
		return
	}
	if !s.hasBest || metric < s.best*(1-s.threshold) {
		s.best = metric
		s.hasBest = true
		s.badSteps = 0
		return
	}

	s.badSteps++
	if s.badSteps > s.patience {
		lr := s.opt.LearningRate() * s.factor
		if lr < s.minLR {
			lr = s.minLR
		}
		s.opt.SetLearningRate(lr)
		s.badSteps = 0
	}
}

func (s *ReduceLROnPlateau) Name() string { return "ReduceLROnPlateau" }
