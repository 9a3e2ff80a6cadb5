package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// File is the on-disk configuration for cairnd. Every field has a
// working default; the file and all fields are optional. Environment
// variables override file values.
type File struct {
	// Role selects which services this process runs:
	// exposer, retriever, compacter, or all.
	Role string `yaml:"role"`

	// APIKey is the shared secret required on every public request.
	APIKey string `yaml:"api_key"`

	ExposerAddr   string `yaml:"exposer_addr"`
	RetrieverAddr string `yaml:"retriever_addr"`

	Storage struct {
		// Backend: "badger" or "memory".
		Backend     string `yaml:"backend"`
		DataDir     string `yaml:"data_dir"`
		MaxMemoryMB int64  `yaml:"max_memory_mb"`
	} `yaml:"storage"`

	Compaction struct {
		Interval       time.Duration `yaml:"interval"`
		BatchThreshold int           `yaml:"batch_threshold"`
		MaxDelay       time.Duration `yaml:"max_delay"`
		Workers        int           `yaml:"workers"`
		RetryBudget    int           `yaml:"retry_budget"`
		RetentionDelay time.Duration `yaml:"retention_delay"`
	} `yaml:"compaction"`

	Archive struct {
		// Sink: "store" (archive documents in the record store) or "s3".
		Sink      string `yaml:"sink"`
		BatchSize int    `yaml:"batch_size"`
		S3Bucket  string `yaml:"s3_bucket"`
		S3Prefix  string `yaml:"s3_prefix"`
	} `yaml:"archive"`

	Log struct {
		Debug bool `yaml:"debug"`
		Human bool `yaml:"human"`
	} `yaml:"log"`
}

// Load reads the config file if path is non-empty, applies defaults,
// then applies environment overrides.
func Load(path string) (*File, error) {
	cfg := &File{}
	cfg.defaults()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
		cfg.fillZero()
	}

	cfg.applyEnv()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *File) defaults() {
	c.Role = "all"
	c.ExposerAddr = ":" + DefaultExposerPort
	c.RetrieverAddr = ":" + DefaultRetrieverPort
	c.Storage.Backend = "badger"
	c.Storage.DataDir = DefaultDataDir
	c.Storage.MaxMemoryMB = DefaultMaxMemoryMB
	c.Compaction.Interval = CompactionInterval
	c.Compaction.BatchThreshold = BatchThreshold
	c.Compaction.MaxDelay = MaxPendingDelay
	c.Compaction.Workers = CompactionWorkers
	c.Compaction.RetryBudget = WriteRetryBudget
	c.Compaction.RetentionDelay = RetentionDelay
	c.Archive.Sink = "store"
	c.Archive.BatchSize = ArchiveBatchSize
}

// fillZero restores defaults for fields the file left zero, so a
// partial config file works.
func (c *File) fillZero() {
	d := &File{}
	d.defaults()
	if c.Role == "" {
		c.Role = d.Role
	}
	if c.ExposerAddr == "" {
		c.ExposerAddr = d.ExposerAddr
	}
	if c.RetrieverAddr == "" {
		c.RetrieverAddr = d.RetrieverAddr
	}
	if c.Storage.Backend == "" {
		c.Storage.Backend = d.Storage.Backend
	}
	if c.Storage.DataDir == "" {
		c.Storage.DataDir = d.Storage.DataDir
	}
	if c.Storage.MaxMemoryMB == 0 {
		c.Storage.MaxMemoryMB = d.Storage.MaxMemoryMB
	}
	if c.Compaction.Interval == 0 {
		c.Compaction.Interval = d.Compaction.Interval
	}
	if c.Compaction.BatchThreshold == 0 {
		c.Compaction.BatchThreshold = d.Compaction.BatchThreshold
	}
	if c.Compaction.MaxDelay == 0 {
		c.Compaction.MaxDelay = d.Compaction.MaxDelay
	}
	if c.Compaction.Workers == 0 {
		c.Compaction.Workers = d.Compaction.Workers
	}
	if c.Compaction.RetryBudget == 0 {
		c.Compaction.RetryBudget = d.Compaction.RetryBudget
	}
	if c.Compaction.RetentionDelay == 0 {
		c.Compaction.RetentionDelay = d.Compaction.RetentionDelay
	}
	if c.Archive.Sink == "" {
		c.Archive.Sink = d.Archive.Sink
	}
	if c.Archive.BatchSize == 0 {
		c.Archive.BatchSize = d.Archive.BatchSize
	}
}

func (c *File) applyEnv() {
	if v := os.Getenv("CAIRN_ROLE"); v != "" {
		c.Role = v
	}
	if v := os.Getenv("CAIRN_API_KEY"); v != "" {
		c.APIKey = v
	}
	if v := os.Getenv("CAIRN_EXPOSER_ADDR"); v != "" {
		c.ExposerAddr = v
	}
	if v := os.Getenv("CAIRN_RETRIEVER_ADDR"); v != "" {
		c.RetrieverAddr = v
	}
	if v := os.Getenv("CAIRN_STORAGE_BACKEND"); v != "" {
		c.Storage.Backend = v
	}
	if v := os.Getenv("CAIRN_DATA_DIR"); v != "" {
		c.Storage.DataDir = v
	}
	if v := envInt64("CAIRN_MAX_MEMORY_MB"); v > 0 {
		c.Storage.MaxMemoryMB = v
	}
	if v := os.Getenv("CAIRN_ARCHIVE_SINK"); v != "" {
		c.Archive.Sink = v
	}
	if v := os.Getenv("CAIRN_S3_BUCKET"); v != "" {
		c.Archive.S3Bucket = v
	}
}

func (c *File) validate() error {
	switch c.Role {
	case "exposer", "retriever", "compacter", "all":
	default:
		return fmt.Errorf("unknown role %q", c.Role)
	}
	switch c.Storage.Backend {
	case "badger", "memory":
	default:
		return fmt.Errorf("unknown storage backend %q", c.Storage.Backend)
	}
	switch c.Archive.Sink {
	case "store":
	case "s3":
		if c.Archive.S3Bucket == "" {
			return fmt.Errorf("archive sink s3 requires s3_bucket")
		}
	default:
		return fmt.Errorf("unknown archive sink %q", c.Archive.Sink)
	}
	return nil
}

func envInt64(key string) int64 {
	v := os.Getenv(key)
	if v == "" {
		return 0
	}
	parsed, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0
	}
	return parsed
}
