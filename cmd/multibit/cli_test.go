package main

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openfluke/multibit/checkpoint"
	"github.com/openfluke/multibit/config"
)

func writeTinyConfig(t *testing.T, dir string) string {
	t.Helper()
	path := filepath.Join(dir, "tiny.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
results_dir: `+dir+`
hidden: [8]
batch_size: 8
print_freq: 0
lr_decay: "1"
data:
  samples: 32
  val_samples: 16
  features: 4
  classes: 3
tracking:
  log: false
`), 0644))
	return path
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs(args)
	err := rootCmd.Execute()
	return out.String(), err
}

func TestTrainCalibrateInspect(t *testing.T) {
	dir := t.TempDir()
	cfgPath := writeTinyConfig(t, dir)

	_, err := execute(t, "--config", cfgPath, "--log-level", "error",
		"train", "--epochs", "2", "--bit-width-list", "2,4", "--eval-constraint", "--eval-distill")
	require.NoError(t, err)

	latest := filepath.Join(dir, "ckpt", checkpoint.LatestFile)
	rec, err := checkpoint.Load(latest)
	require.NoError(t, err)
	assert.Equal(t, 2, rec.Epoch)
	assert.NotEmpty(t, rec.RunID)
	require.NotNil(t, rec.BestPrec1)
	assert.Equal(t, "sgd", rec.Optimizer.Type)

	best, err := checkpoint.Load(filepath.Join(dir, "ckpt"))
	require.NoError(t, err)
	assert.LessOrEqual(t, best.Epoch, 2)

	epsPath := filepath.Join(dir, "eps.yaml")
	_, err = execute(t, "--config", cfgPath, "--log-level", "error",
		"calibrate", "--bit-width-list", "2,4", "--resume", latest, "--scale", "2", "--out", epsPath)
	require.NoError(t, err)
	eps, err := config.LoadEpsilon(epsPath)
	require.NoError(t, err)
	assert.Len(t, eps, 3)
	assert.Len(t, eps[2], 2)

	out, err := execute(t, "inspect", latest)
	require.NoError(t, err)
	assert.Contains(t, out, "epoch")
	assert.Contains(t, out, "layers.0.weight")
	assert.Contains(t, out, "parameters")
}

func TestTrainRejectsBadConfig(t *testing.T) {
	dir := t.TempDir()
	cfgPath := writeTinyConfig(t, dir)
	_, err := execute(t, "--config", cfgPath, "--log-level", "error", "train", "--bit-width-list", "4,64")
	assert.Error(t, err)

	_, err = execute(t, "--config", cfgPath, "--log-level", "error", "train",
		"--bit-width-list", "4", "--resume", filepath.Join(dir, "missing"))
	assert.ErrorIs(t, err, checkpoint.ErrNotFound)
}
