package config

import (
	"fmt"
	"math/rand"

	"github.com/openfluke/multibit/data"
	"github.com/openfluke/multibit/nn"
	"github.com/openfluke/multibit/train"
)

// BuildSchedule parses the bit-width list.
func (c *Config) BuildSchedule() (train.Schedule, error) {
	return train.ParseSchedule(c.BitWidthList)
}

// BuildNetwork creates the model. Weights are drawn from rng.
func (c *Config) BuildNetwork(features, classes int, rng *rand.Rand) (*nn.Network, error) {
	if c.Model != "mlp" {
		return nil, &train.ConfigurationError{Field: "model", Reason: fmt.Sprintf("unknown model %q", c.Model)}
	}
	act, err := nn.ParseActivation(c.Activation)
	if err != nil {
		return nil, &train.ConfigurationError{Field: "activation", Reason: err.Error()}
	}
	return nn.NewNetwork(nn.NetworkConfig{
		InputSize:  features,
		Hidden:     c.Hidden,
		NumClasses: classes,
		Activation: act,
	}, rng)
}

// BuildOptimizer creates the optimizer over params. "adam" is AdamW with the
// configured weight decay.
func (c *Config) BuildOptimizer(params []*nn.Param) (nn.Optimizer, error) {
	lr := float32(c.LR)
	wd := float32(c.WeightDecay)
	switch c.Optimizer {
	case "sgd":
		return nn.NewSGDOptimizerWithMomentum(params, lr, float32(c.Momentum), 0, false, wd), nil
	case "adam", "adamw":
		return nn.NewAdamWOptimizer(params, lr, 0.9, 0.999, 1e-8, wd), nil
	case "rmsprop":
		return nn.NewRMSpropOptimizer(params, lr, 0.99, 1e-8, float32(c.Momentum), wd), nil
	default:
		return nil, &train.ConfigurationError{Field: "optimizer", Reason: fmt.Sprintf("unknown optimizer %q", c.Optimizer)}
	}
}

// BuildScheduler creates the learning-rate schedule positioned at startEpoch.
// It sets the optimizer learning rate for that epoch immediately.
func (c *Config) BuildScheduler(opt nn.Optimizer, startEpoch int) (train.Scheduler, error) {
	lr := float32(c.LR)
	switch c.LRScheduler {
	case "multistep":
		milestones, err := c.Milestones()
		if err != nil {
			return nil, err
		}
		return nn.NewEpochScheduler(opt, nn.NewMultiStepScheduler(lr, milestones, 0.1), startEpoch), nil
	case "cosine":
		return nn.NewEpochScheduler(opt, nn.NewCosineAnnealingScheduler(lr, 0, c.Epochs), startEpoch), nil
	case "constant":
		return nn.NewEpochScheduler(opt, nn.NewConstantScheduler(lr), startEpoch), nil
	case "plateau":
		return nn.NewReduceLROnPlateau(opt, 0.1, 10, 1e-4, 0), nil
	default:
		return nil, &train.ConfigurationError{Field: "lr_scheduler", Reason: fmt.Sprintf("unknown scheduler %q", c.LRScheduler)}
	}
}

// BuildDatasets returns the training and validation datasets. train_split
// "val" trains on the validation stream.
func (c *Config) BuildDatasets() (trainSet, valSet *data.Dataset, err error) {
	if c.Dataset != "blobs" {
		return nil, nil, &train.ConfigurationError{Field: "dataset", Reason: fmt.Sprintf("unknown dataset %q", c.Dataset)}
	}
	split, err := data.ParseSplit(c.TrainSplit)
	if err != nil {
		return nil, nil, &train.ConfigurationError{Field: "train_split", Reason: err.Error()}
	}

	blobs := data.BlobsConfig{
		Samples:  c.Data.Samples,
		Features: c.Data.Features,
		Classes:  c.Data.Classes,
		Spread:   c.Data.Spread,
	}
	trainSet, err = data.Blobs(blobs, c.Seed, split)
	if err != nil {
		return nil, nil, err
	}
	blobs.Samples = c.Data.ValSamples
	valSet, err = data.Blobs(blobs, c.Seed, data.SplitVal)
	if err != nil {
		return nil, nil, err
	}
	return trainSet, valSet, nil
}

// BuildLoaders wraps the datasets: a shuffled training loader, the training
// set in fixed order for evaluation, and the validation loader.
func (c *Config) BuildLoaders(trainSet, valSet *data.Dataset) (trainL, trainEval, val *data.Loader, err error) {
	trainL, err = data.NewLoader(trainSet, data.LoaderConfig{
		BatchSize: c.BatchSize,
		Seed:      c.Seed,
		Shuffle:   true,
		Prefetch:  c.Workers,
	})
	if err != nil {
		return nil, nil, nil, err
	}
	fixed := data.LoaderConfig{BatchSize: c.BatchSize, Prefetch: c.Workers}
	if trainEval, err = data.NewLoader(trainSet, fixed); err != nil {
		return nil, nil, nil, err
	}
	if val, err = data.NewLoader(valSet, fixed); err != nil {
		return nil, nil, nil, err
	}
	return trainL, trainEval, val, nil
}
