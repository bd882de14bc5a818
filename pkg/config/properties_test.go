package config_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/downfa11-org/segclean/pkg/config"
	"github.com/downfa11-org/segclean/util"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeDefaults(t *testing.T) {
	cfg := &config.Config{}
	cfg.Normalize()

	assert.Equal(t, uint32(9), cfg.Geometry.LogBlocksPerSeg)
	assert.Equal(t, uint32(1), cfg.Geometry.SegsPerSec)
	assert.Equal(t, uint32(1024), cfg.Geometry.TotalSegments)
	assert.Equal(t, uint32(4096), cfg.MaxVictimSearch)
	assert.Equal(t, 500, cfg.BgGcIntervalMS)
	assert.Equal(t, 9100, cfg.ExporterPort)
	assert.Equal(t, "none", cfg.ImageCompression)
	assert.Equal(t, 1024*512*6/10, cfg.Workload.LiveBlocks)
	assert.Equal(t, 1000, cfg.Workload.CheckpointEvery)
	assert.NoError(t, cfg.Geometry.Validate())
}

func TestNormalizeClampsReserve(t *testing.T) {
	cfg := &config.Config{ReservedSections: 5000, ImageCompression: "brotli"}
	cfg.Workload.HotRatio = 3
	cfg.Normalize()

	assert.Equal(t, uint32(256), cfg.ReservedSections)
	assert.Equal(t, "none", cfg.ImageCompression)
	assert.Equal(t, 0.8, cfg.Workload.HotRatio)
}

func TestLoadConfigArgs_Defaults(t *testing.T) {
	cfg, err := config.LoadConfigArgs(nil)
	require.NoError(t, err)

	assert.Equal(t, util.LogLevelInfo, cfg.LogLevel)
	assert.Equal(t, uint32(8), cfg.ReservedSections)
	assert.Equal(t, "zstd", cfg.ImageCompression)
	assert.True(t, cfg.EnableExporter)
	assert.Equal(t, int64(1), cfg.Workload.Seed)
}

func TestLoadConfigArgs_FilePrecedence(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "segclean.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
log_level: debug
geometry:
  log_blocks_per_seg: 4
  segs_per_sec: 4
  total_segments: 256
max_victim_search: 64
image_compression: lz4
workload:
  seed: 7
  hot_ratio: 0.5
`), 0644))

	cfg, err := config.LoadConfigArgs([]string{"-config", path, "-max-victim-search", "32"})
	require.NoError(t, err)

	assert.Equal(t, util.LogLevelDebug, cfg.LogLevel)
	assert.Equal(t, uint32(4), cfg.Geometry.SegsPerSec)
	assert.Equal(t, uint32(256), cfg.Geometry.TotalSegments)
	assert.Equal(t, uint32(32), cfg.MaxVictimSearch, "explicit flag beats the file")
	assert.Equal(t, "lz4", cfg.ImageCompression)
	assert.Equal(t, int64(7), cfg.Workload.Seed)
	assert.Equal(t, 0.5, cfg.Workload.HotRatio)
	assert.Equal(t, 1000, cfg.Workload.CheckpointEvery, "unset keys keep flag defaults")
}

func TestLoadConfigArgs_JSONAndEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "segclean.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"log_level":"warn","history_keep":50,"exporter_port":9300}`), 0644))

	t.Setenv("CONFIG_PATH", path)
	t.Setenv("SEGCLEAN_EXPORTER_PORT", "9400")
	t.Setenv("SEGCLEAN_SEED", "99")

	cfg, err := config.LoadConfigArgs(nil)
	require.NoError(t, err)

	assert.Equal(t, util.LogLevelWarn, cfg.LogLevel)
	assert.Equal(t, 50, cfg.HistoryKeep)
	assert.Equal(t, 9400, cfg.ExporterPort, "environment beats the file")
	assert.Equal(t, int64(99), cfg.Workload.Seed)
}

func TestLoadConfigArgs_InvalidGeometry(t *testing.T) {
	_, err := config.LoadConfigArgs([]string{"-segs-per-sec", "3", "-total-segments", "100"})
	assert.Error(t, err)

	_, err = config.LoadConfigArgs([]string{"-not-a-flag"})
	assert.Error(t, err)
}
