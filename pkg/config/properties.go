package config

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/downfa11-org/segclean/pkg/segment"
	"github.com/downfa11-org/segclean/util"
	"gopkg.in/yaml.v3"
)

// WorkloadConfig drives the synthetic writer of the simulator.
type WorkloadConfig struct {
	Seed            int64   `yaml:"seed" json:"seed"`
	Ops             int     `yaml:"ops" json:"ops"`
	LiveBlocks      int     `yaml:"live_blocks" json:"live_blocks"`
	HotRatio        float64 `yaml:"hot_ratio" json:"hot_ratio"`
	NodeRatio       float64 `yaml:"node_ratio" json:"node_ratio"`
	CheckpointEvery int     `yaml:"checkpoint_every" json:"checkpoint_every"`
}

// Config is the simulator configuration.
type Config struct {
	LogLevel util.LogLevel `yaml:"log_level" json:"log_level"`

	// device layout
	Geometry segment.Geometry `yaml:"geometry" json:"geometry"`

	// victim selection and GC
	MaxVictimSearch  uint32 `yaml:"max_victim_search" json:"max_victim_search"`
	BgGcIntervalMS   int    `yaml:"bg_gc_interval_ms" json:"bg_gc_interval_ms"`
	ReservedSections uint32 `yaml:"reserved_sections" json:"reserved_sections"`

	// metrics
	EnableExporter bool `yaml:"enable_exporter" json:"enable_exporter"`
	ExporterPort   int  `yaml:"exporter_port" json:"exporter_port"`

	// persistence
	ImagePath        string `yaml:"image_path" json:"image_path"`
	ImageCompression string `yaml:"image_compression" json:"image_compression"`
	HistoryDir       string `yaml:"history_dir" json:"history_dir"`
	HistoryKeep      int    `yaml:"history_keep" json:"history_keep"`

	Workload WorkloadConfig `yaml:"workload" json:"workload"`
}

// LoadConfig reads the process flags.
func LoadConfig() (*Config, error) {
	return LoadConfigArgs(os.Args[1:])
}

// LoadConfigArgs builds a Config from defaults, an optional YAML/JSON
// file, explicitly set flags and SEGCLEAN_* environment variables, in
// that order of precedence.
func LoadConfigArgs(args []string) (*Config, error) {
	cfg := &Config{}
	fs := flag.NewFlagSet("segclean", flag.ContinueOnError)

	configPath := fs.String("config", "", "Path to YAML/JSON config file")
	logLevelStr := fs.String("log-level", "info", "Log Level (debug, info, warn, error)")

	logBlocksStr := fs.String("log-blocks-per-seg", "9", "log2 of blocks per segment")
	segsPerSecStr := fs.String("segs-per-sec", "1", "Segments per section")
	totalSegsStr := fs.String("total-segments", "1024", "Segments on the device")

	maxSearchStr := fs.String("max-victim-search", "4096", "Candidates scored per victim selection")
	bgIntervalStr := fs.String("bg-gc-interval-ms", "500", "Background GC period (ms)")
	reservedStr := fs.String("reserved-sections", "8", "Free sections below which GC runs in the foreground")

	exporterStr := fs.String("exporter", "true", "Enable Prometheus exporter")
	exporterPortStr := fs.String("exporter-port", "9100", "Exporter port")

	imagePathStr := fs.String("image", "segclean-data/sit.img", "SIT image path")
	imageCompressionStr := fs.String("image-compression", "zstd", "SIT image compression (none, gzip, snappy, lz4, zstd)")
	historyDirStr := fs.String("history-dir", "segclean-data", "GC history database directory")
	historyKeepStr := fs.String("history-keep", "10000", "GC passes kept in the history")

	seedStr := fs.String("seed", "1", "Workload random seed")
	opsStr := fs.String("ops", "100000", "Workload operations")
	liveBlocksStr := fs.String("live-blocks", "0", "Logical blocks kept live (0 = 60% of capacity)")
	hotRatioStr := fs.String("hot-ratio", "0.8", "Share of overwrites hitting the hot tenth of blocks")
	nodeRatioStr := fs.String("node-ratio", "0.2", "Share of writes going to node logs")
	checkpointStr := fs.String("checkpoint-every", "1000", "Workload operations between checkpoints")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	if envPath := os.Getenv("CONFIG_PATH"); envPath != "" && *configPath == "" {
		*configPath = envPath
	}

	flagValues := map[string]*string{
		"log-level":          logLevelStr,
		"log-blocks-per-seg": logBlocksStr,
		"segs-per-sec":       segsPerSecStr,
		"total-segments":     totalSegsStr,
		"max-victim-search":  maxSearchStr,
		"bg-gc-interval-ms":  bgIntervalStr,
		"reserved-sections":  reservedStr,
		"exporter":           exporterStr,
		"exporter-port":      exporterPortStr,
		"image":              imagePathStr,
		"image-compression":  imageCompressionStr,
		"history-dir":        historyDirStr,
		"history-keep":       historyKeepStr,
		"seed":               seedStr,
		"ops":                opsStr,
		"live-blocks":        liveBlocksStr,
		"hot-ratio":          hotRatioStr,
		"node-ratio":         nodeRatioStr,
		"checkpoint-every":   checkpointStr,
	}
	for name, v := range flagValues {
		applyFlag(cfg, name, *v)
	}

	if *configPath != "" {
		data, err := os.ReadFile(*configPath)
		if err != nil {
			return nil, err
		}

		if strings.HasSuffix(*configPath, ".json") {
			if err := json.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parse %s: %w", *configPath, err)
			}
		} else {
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parse %s: %w", *configPath, err)
			}
		}
	}

	// flags given on the command line beat the file
	fs.Visit(func(f *flag.Flag) {
		if v, ok := flagValues[f.Name]; ok {
			applyFlag(cfg, f.Name, *v)
		}
	})

	applyEnvOverrides(cfg)
	cfg.Normalize()
	util.SetLevel(cfg.LogLevel)

	if err := cfg.Geometry.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyFlag(cfg *Config, name, v string) {
	switch name {
	case "log-level":
		cfg.LogLevel = util.ParseLogLevel(v)
	case "log-blocks-per-seg":
		cfg.Geometry.LogBlocksPerSeg = util.ParseUint32(v, cfg.Geometry.LogBlocksPerSeg)
	case "segs-per-sec":
		cfg.Geometry.SegsPerSec = util.ParseUint32(v, cfg.Geometry.SegsPerSec)
	case "total-segments":
		cfg.Geometry.TotalSegments = util.ParseUint32(v, cfg.Geometry.TotalSegments)
	case "max-victim-search":
		cfg.MaxVictimSearch = util.ParseUint32(v, cfg.MaxVictimSearch)
	case "bg-gc-interval-ms":
		cfg.BgGcIntervalMS = util.ParseInt(v, cfg.BgGcIntervalMS)
	case "reserved-sections":
		cfg.ReservedSections = util.ParseUint32(v, cfg.ReservedSections)
	case "exporter":
		cfg.EnableExporter = util.ParseBool(v, cfg.EnableExporter)
	case "exporter-port":
		cfg.ExporterPort = util.ParseInt(v, cfg.ExporterPort)
	case "image":
		cfg.ImagePath = v
	case "image-compression":
		cfg.ImageCompression = v
	case "history-dir":
		cfg.HistoryDir = v
	case "history-keep":
		cfg.HistoryKeep = util.ParseInt(v, cfg.HistoryKeep)
	case "seed":
		cfg.Workload.Seed = util.ParseInt64(v, cfg.Workload.Seed)
	case "ops":
		cfg.Workload.Ops = util.ParseInt(v, cfg.Workload.Ops)
	case "live-blocks":
		cfg.Workload.LiveBlocks = util.ParseInt(v, cfg.Workload.LiveBlocks)
	case "hot-ratio":
		cfg.Workload.HotRatio = util.ParseFloat64(v, cfg.Workload.HotRatio)
	case "node-ratio":
		cfg.Workload.NodeRatio = util.ParseFloat64(v, cfg.Workload.NodeRatio)
	case "checkpoint-every":
		cfg.Workload.CheckpointEvery = util.ParseInt(v, cfg.Workload.CheckpointEvery)
	}
}
