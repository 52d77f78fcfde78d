package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"volreg/internal/models"
	"volreg/pkg/config"
	"volreg/pkg/imageio"
)

func writeVoxel(t *testing.T, path string, kind models.PixelKind, x int) string {
	t.Helper()
	v := models.NewVolume(models.NewGrid([3]int{10, 10, 10}, [3]float64{1, 1, 1}, [3]float64{}), kind)
	v.Set(x, 5, 5, 0, 100)
	require.NoError(t, imageio.Write(path, v, imageio.WriteOptions{}))
	return path
}

func TestRunUsage(t *testing.T) {
	var stdout, stderr bytes.Buffer
	assert.Equal(t, 1, run(context.Background(), []string{"a.mha", "b.mha"}, &stdout, &stderr))
	assert.Contains(t, stderr.String(), "usage: volreg")
}

func TestRunWriteConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "volreg.yaml")
	var stdout, stderr bytes.Buffer
	require.Equal(t, 0, run(context.Background(), []string{"-seed", "9", "-cores", "3", "-write-config", path}, &stdout, &stderr), stderr.String())

	cfg, err := config.LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, int64(9), cfg.Registration.Seed)
	assert.Equal(t, 3, cfg.Processing.NumCores)
}

func TestRunMissingInput(t *testing.T) {
	dir := t.TempDir()
	args := []string{"-seed", "1"}
	for _, name := range []string{"fg.mha", "mg.mha", "og.mha", "fs.mha", "ms.mha", "os.mha"} {
		args = append(args, filepath.Join(dir, name))
	}
	var stdout, stderr bytes.Buffer
	assert.Equal(t, 1, run(context.Background(), args, &stdout, &stderr))
	assert.NoFileExists(t, filepath.Join(dir, "og_REG.tfm"))
}

func TestRunRegistersAndWritesMetrics(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "volreg.yaml")
	require.NoError(t, os.WriteFile(cfgPath, []byte(
		"registration:\n  samplingPercentage: 1\n  maxIterations: 20\n  shrinkFactors: [1, 1]\n  smoothingSigmas: [1.5, 1.0]\n"), 0644))
	metricsPath := filepath.Join(dir, "volreg.prom")

	args := []string{
		"-config", cfgPath, "-seed", "1", "-cores", "2", "-metrics-file", metricsPath,
		writeVoxel(t, filepath.Join(dir, "fixed.mha"), models.Grayscale, 5),
		writeVoxel(t, filepath.Join(dir, "moving.mha"), models.Grayscale, 3),
		filepath.Join(dir, "out", "moving_REGISTERED.mha"),
		writeVoxel(t, filepath.Join(dir, "fixed_seg.mha"), models.Label, 5),
		writeVoxel(t, filepath.Join(dir, "moving_seg.mha"), models.Label, 3),
		filepath.Join(dir, "out", "moving_seg_REGISTERED.mha"),
	}
	var stdout, stderr bytes.Buffer
	require.Equal(t, 0, run(context.Background(), args, &stdout, &stderr), stderr.String())

	assert.FileExists(t, filepath.Join(dir, "out", "moving_REGISTERED_REG.tfm"))
	assert.FileExists(t, filepath.Join(dir, "out", "moving_REGISTERED.mha"))
	assert.FileExists(t, filepath.Join(dir, "out", "moving_seg_REGISTERED.mha"))
	assert.Contains(t, stdout.String(), "  0 = ")
	assert.Contains(t, stderr.String(), "run_id=")

	data, err := os.ReadFile(metricsPath)
	require.NoError(t, err)
	assert.Contains(t, string(data), `volreg_runs_total{flow="register",outcome="success"} 1`)
}
