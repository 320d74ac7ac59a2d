// Package config loads and validates the training configuration and builds
// the collaborators a run needs from it.
package config

import (
	"errors"
	"fmt"
	"os"
	"reflect"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/openfluke/multibit/train"
)

// Config mirrors the command-line knobs of a training run.
type Config struct {
	ResultsDir string `yaml:"results_dir" validate:"required"`
	Dataset    string `yaml:"dataset" validate:"required,oneof=blobs"`
	TrainSplit string `yaml:"train_split" validate:"oneof=train val"`

	Model      string `yaml:"model" validate:"required"`
	Hidden     []int  `yaml:"hidden" validate:"dive,gt=0"`
	Activation string `yaml:"activation" validate:"oneof=relu sigmoid tanh softplus leaky_relu linear"`

	Workers    int `yaml:"workers" validate:"gte=0"`
	Epochs     int `yaml:"epochs" validate:"gt=0"`
	StartEpoch int `yaml:"start_epoch" validate:"gte=0"`
	BatchSize  int `yaml:"batch_size" validate:"gt=0"`

	Optimizer   string  `yaml:"optimizer" validate:"oneof=sgd adam adamw rmsprop"`
	LR          float64 `yaml:"lr" validate:"gt=0"`
	LRDecay     string  `yaml:"lr_decay"`
	LRScheduler string  `yaml:"lr_scheduler" validate:"oneof=multistep cosine plateau constant"`
	WeightDecay float64 `yaml:"weight_decay" validate:"gte=0"`
	Momentum    float64 `yaml:"momentum" validate:"gte=0,lt=1"`

	PrintFreq int    `yaml:"print_freq" validate:"gte=0"`
	Pretrain  string `yaml:"pretrain"`
	Resume    string `yaml:"resume"`

	BitWidthList   string `yaml:"bit_width_list" validate:"required"`
	EvalConstraint bool   `yaml:"eval_constraint"`
	EvalDistill    bool   `yaml:"eval_distill"`
	EpsilonPath    string `yaml:"epsilon_path"`

	Seed   int64  `yaml:"seed"`
	Device string `yaml:"device" validate:"oneof=cpu gpu"`

	Checkpoint CheckpointConfig `yaml:"checkpoint"`
	Data       DataConfig       `yaml:"data"`
	Tracking   TrackingConfig   `yaml:"tracking"`

	TraceExporter string `yaml:"trace_exporter" validate:"oneof=none stdout"`
}

// CheckpointConfig selects where per-epoch records go.
type CheckpointConfig struct {
	Backend string `yaml:"backend" validate:"oneof=file badger"`
}

// DataConfig sizes the synthetic blobs dataset.
type DataConfig struct {
	Samples    int     `yaml:"samples" validate:"gt=0"`
	ValSamples int     `yaml:"val_samples" validate:"gt=0"`
	Features   int     `yaml:"features" validate:"gt=0"`
	Classes    int     `yaml:"classes" validate:"gt=1"`
	Spread     float64 `yaml:"spread" validate:"gt=0"`
}

// TrackingConfig configures the experiment tracking sinks.
type TrackingConfig struct {
	Project        string       `yaml:"project"`
	Log            bool         `yaml:"log"`
	Influx         InfluxConfig `yaml:"influx"`
	PrometheusAddr string       `yaml:"prometheus_addr"`
}

// InfluxConfig enables the InfluxDB sink when URL is set.
type InfluxConfig struct {
	URL    string `yaml:"url" validate:"omitempty,url"`
	Token  string `yaml:"token"`
	Org    string `yaml:"org" validate:"required_with=URL"`
	Bucket string `yaml:"bucket" validate:"required_with=URL"`
}

// Default returns the configuration used when no file or flag overrides it.
func Default() Config {
	return Config{
		ResultsDir:   "./results",
		Dataset:      "blobs",
		TrainSplit:   "train",
		Model:        "mlp",
		Hidden:       []int{64, 64},
		Activation:   "relu",
		Workers:      0,
		Epochs:       200,
		StartEpoch:   0,
		BatchSize:    128,
		Optimizer:    "sgd",
		LR:           0.1,
		LRDecay:      "100,150,180",
		LRScheduler:  "multistep",
		WeightDecay:  3e-4,
		Momentum:     0.9,
		PrintFreq:    20,
		BitWidthList: "4",
		Seed:         42,
		Device:       "cpu",
		Checkpoint:   CheckpointConfig{Backend: "file"},
		Data: DataConfig{
			Samples:    2048,
			ValSamples: 512,
			Features:   16,
			Classes:    10,
			Spread:     1.0,
		},
		Tracking:      TrackingConfig{Project: "multibit", Log: true},
		TraceExporter: "none",
	}
}

var validate *validator.Validate

func init() {
	validate = validator.New()

	// report yaml names in errors
	validate.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("yaml"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
}

// Load reads a YAML file over Default. An empty path returns Default.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks struct tags and the cross-field rules. Failures are
// *train.ConfigurationError.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			e := verrs[0]
			field := strings.TrimPrefix(e.Namespace(), "Config.")
			reason := fmt.Sprintf("failed %q validation", e.Tag())
			if e.Param() != "" {
				reason = fmt.Sprintf("failed %q validation (%s)", e.Tag(), e.Param())
			}
			return &train.ConfigurationError{Field: field, Reason: reason}
		}
		return &train.ConfigurationError{Field: "config", Reason: err.Error()}
	}

	if _, err := train.ParseSchedule(c.BitWidthList); err != nil {
		return err
	}
	if c.LRScheduler == "multistep" {
		if _, err := c.Milestones(); err != nil {
			return err
		}
	}
	return nil
}

// Milestones parses LRDecay as strictly ascending positive epochs.
func (c *Config) Milestones() ([]int, error) {
	if strings.TrimSpace(c.LRDecay) == "" {
		return nil, nil
	}
	var out []int
	for _, p := range strings.Split(c.LRDecay, ",") {
		p = strings.TrimSpace(p)
		m, err := strconv.Atoi(p)
		if err != nil {
			return nil, &train.ConfigurationError{Field: "lr_decay", Reason: fmt.Sprintf("%q is not an integer", p)}
		}
		if m <= 0 || (len(out) > 0 && m <= out[len(out)-1]) {
			return nil, &train.ConfigurationError{Field: "lr_decay", Reason: "milestones must be positive and strictly ascending"}
		}
		out = append(out, m)
	}
	return out, nil
}

// ResumePath returns the resume path, treating "None" as unset.
func (c *Config) ResumePath() string { return optionalPath(c.Resume) }

// PretrainPath returns the pretrain path, treating "None" as unset.
func (c *Config) PretrainPath() string { return optionalPath(c.Pretrain) }

func optionalPath(p string) string {
	if p == "None" {
		return ""
	}
	return p
}

// LoadEpsilon reads a calibration table: a YAML map from bit-width to one
// threshold per layer.
func LoadEpsilon(path string) (train.Epsilon, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read epsilon table %s: %w", path, err)
	}
	var eps map[int][]float64
	if err := yaml.Unmarshal(b, &eps); err != nil {
		return nil, fmt.Errorf("parse epsilon table %s: %w", path, err)
	}
	return train.Epsilon(eps), nil
}

// SaveEpsilon writes eps in the format read by LoadEpsilon.
func SaveEpsilon(path string, eps train.Epsilon) error {
	b, err := yaml.Marshal(map[int][]float64(eps))
	if err != nil {
		return fmt.Errorf("encode epsilon table: %w", err)
	}
	if err := os.WriteFile(path, b, 0644); err != nil {
		return fmt.Errorf("write epsilon table %s: %w", path, err)
	}
	return nil
}
