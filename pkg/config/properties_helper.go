package config

import (
	"os"
	"strings"

	"github.com/downfa11-org/segclean/util"
)

func (cfg *Config) Normalize() {
	// device layout
	if cfg.Geometry.LogBlocksPerSeg == 0 {
		cfg.Geometry.LogBlocksPerSeg = 9
	}
	if cfg.Geometry.SegsPerSec == 0 {
		cfg.Geometry.SegsPerSec = 1
	}
	if cfg.Geometry.TotalSegments == 0 {
		cfg.Geometry.TotalSegments = 1024
	}

	// gc
	if cfg.MaxVictimSearch == 0 {
		cfg.MaxVictimSearch = 4096
	}
	if cfg.BgGcIntervalMS <= 0 {
		cfg.BgGcIntervalMS = 500
	}
	if sections := cfg.Geometry.TotalSections(); sections > 0 && cfg.ReservedSections >= sections {
		util.Warn("reserved_sections %d leaves no room on %d sections, using %d",
			cfg.ReservedSections, sections, sections/4)
		cfg.ReservedSections = sections / 4
	}

	if cfg.ExporterPort <= 0 {
		cfg.ExporterPort = 9100
	}

	// persistence
	if strings.TrimSpace(cfg.ImagePath) == "" {
		cfg.ImagePath = "segclean-data/sit.img"
	}
	if cfg.ImageCompression == "" {
		cfg.ImageCompression = "none"
	}
	if !util.ValidCompressionType(cfg.ImageCompression) {
		util.Warn("Invalid image_compression '%s', defaulting to 'none'", cfg.ImageCompression)
		cfg.ImageCompression = "none"
	}
	if strings.TrimSpace(cfg.HistoryDir) == "" {
		cfg.HistoryDir = "segclean-data"
	}
	if cfg.HistoryKeep <= 0 {
		cfg.HistoryKeep = 10000
	}

	// workload
	w := &cfg.Workload
	if w.Ops < 0 {
		w.Ops = 0
	}
	if w.LiveBlocks <= 0 {
		capacity := uint64(cfg.Geometry.TotalSegments) << cfg.Geometry.LogBlocksPerSeg
		w.LiveBlocks = int(capacity * 6 / 10)
	}
	if w.HotRatio < 0 || w.HotRatio > 1 {
		w.HotRatio = 0.8
	}
	if w.NodeRatio < 0 || w.NodeRatio > 1 {
		w.NodeRatio = 0.2
	}
	if w.CheckpointEvery <= 0 {
		w.CheckpointEvery = 1000
	}
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("SEGCLEAN_LOG_LEVEL"); v != "" {
		cfg.LogLevel = util.ParseLogLevel(v)
	}
	overrideEnvUint32(&cfg.Geometry.LogBlocksPerSeg, "SEGCLEAN_LOG_BLOCKS_PER_SEG")
	overrideEnvUint32(&cfg.Geometry.SegsPerSec, "SEGCLEAN_SEGS_PER_SEC")
	overrideEnvUint32(&cfg.Geometry.TotalSegments, "SEGCLEAN_TOTAL_SEGMENTS")
	overrideEnvUint32(&cfg.MaxVictimSearch, "SEGCLEAN_MAX_VICTIM_SEARCH")
	overrideEnvInt(&cfg.BgGcIntervalMS, "SEGCLEAN_BG_GC_INTERVAL_MS")
	overrideEnvUint32(&cfg.ReservedSections, "SEGCLEAN_RESERVED_SECTIONS")
	overrideEnvBool(&cfg.EnableExporter, "SEGCLEAN_ENABLE_EXPORTER")
	overrideEnvInt(&cfg.ExporterPort, "SEGCLEAN_EXPORTER_PORT")
	overrideEnvString(&cfg.ImagePath, "SEGCLEAN_IMAGE_PATH")
	overrideEnvString(&cfg.ImageCompression, "SEGCLEAN_IMAGE_COMPRESSION")
	overrideEnvString(&cfg.HistoryDir, "SEGCLEAN_HISTORY_DIR")
	overrideEnvInt(&cfg.HistoryKeep, "SEGCLEAN_HISTORY_KEEP")
	overrideEnvInt64(&cfg.Workload.Seed, "SEGCLEAN_SEED")
	overrideEnvInt(&cfg.Workload.Ops, "SEGCLEAN_OPS")
	overrideEnvFloat64(&cfg.Workload.HotRatio, "SEGCLEAN_HOT_RATIO")
}

func overrideEnvInt(target *int, key string) {
	if v := os.Getenv(key); v != "" {
		*target = util.ParseInt(v, *target)
	}
}

func overrideEnvInt64(target *int64, key string) {
	if v := os.Getenv(key); v != "" {
		*target = util.ParseInt64(v, *target)
	}
}

func overrideEnvUint32(target *uint32, key string) {
	if v := os.Getenv(key); v != "" {
		*target = util.ParseUint32(v, *target)
	}
}

func overrideEnvFloat64(target *float64, key string) {
	if v := os.Getenv(key); v != "" {
		*target = util.ParseFloat64(v, *target)
	}
}

func overrideEnvBool(target *bool, key string) {
	if v := os.Getenv(key); v != "" {
		*target = util.ParseBool(v, *target)
	}
}

func overrideEnvString(target *string, key string) {
	if v := os.Getenv(key); v != "" {
		*target = v
	}
}
