// Package config loads the engine configuration from YAML.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"

	"github.com/sushant-115/gojocore/core/storage_engine/smgr"
	"github.com/sushant-115/gojocore/core/write_engine/wal"
	"github.com/sushant-115/gojocore/pkg/logger"
	"github.com/sushant-115/gojocore/pkg/telemetry"
)

// Config is the full engine configuration.
type Config struct {
	DataDir string `yaml:"data_dir"`
	// ListenAddr is where the server accepts client connections.
	ListenAddr string `yaml:"listen_addr"`

	// SharedBuffers is the number of buffer pool frames.
	SharedBuffers int `yaml:"shared_buffers"`
	// WALBuffers is the number of WAL pages in the insertion ring.
	WALBuffers     int `yaml:"wal_buffers"`
	WALSegmentSize int `yaml:"wal_segment_size"`
	// RelSegSize is the number of blocks per relation segment file.
	RelSegSize     uint32 `yaml:"relseg_size"`
	FullPageWrites bool   `yaml:"full_page_writes"`
	WALCompression bool   `yaml:"wal_compression"`
	// WALConsistencyChecking names the resource managers whose records
	// carry page images for replay verification ("Btree", "XLOG", ...).
	WALConsistencyChecking []string `yaml:"wal_consistency_checking"`
	DataChecksums          bool     `yaml:"data_checksums"`

	// CheckpointSchedule is a cron expression (five fields or a
	// descriptor such as "@every 5m"). Empty disables timed checkpoints.
	CheckpointSchedule string `yaml:"checkpoint_schedule"`
	// CheckpointWriteRate throttles checkpoint writes in bytes per
	// second; 0 is unthrottled.
	CheckpointWriteRate float64 `yaml:"checkpoint_write_rate"`
	ArchiveDir          string  `yaml:"archive_dir"`
	// ArchiveRate throttles segment archiving in bytes per second.
	ArchiveRate int64 `yaml:"archive_rate"`

	BGWriterDelay    time.Duration `yaml:"bgwriter_delay"`
	BGWriterMaxPages int           `yaml:"bgwriter_lru_maxpages"`
	WALWriterDelay   time.Duration `yaml:"wal_writer_delay"`
	MaxOpenFiles     int           `yaml:"max_open_files"`

	LCCollate string `yaml:"lc_collate"`
	LCCtype   string `yaml:"lc_ctype"`

	Logger    logger.Config    `yaml:"logger"`
	Telemetry telemetry.Config `yaml:"telemetry"`
}

// Default returns the configuration used for keys a file leaves out.
func Default() Config {
	return Config{
		DataDir:            "data",
		ListenAddr:         "127.0.0.1:5444",
		SharedBuffers:      1024,
		WALBuffers:         512,
		WALSegmentSize:     wal.DefaultSegmentSize,
		RelSegSize:         smgr.DefaultRelSegSize,
		FullPageWrites:     true,
		CheckpointSchedule: "*/5 * * * *",
		BGWriterDelay:      200 * time.Millisecond,
		BGWriterMaxPages:   100,
		WALWriterDelay:     200 * time.Millisecond,
		MaxOpenFiles:       1000,
		LCCollate:          "C",
		LCCtype:            "C",
		Logger: logger.Config{
			Level:      "info",
			Format:     "json",
			OutputFile: "stdout",
			Service:    logger.DefaultService,
		},
		Telemetry: telemetry.Config{
			ServiceName:      logger.DefaultService,
			PrometheusPort:   9464,
			TraceSampleRatio: 1,
		},
	}
}

// Load reads path over Default and validates the result. Unknown keys
// are rejected.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("failed to read config %s: %w", path, err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return Config{}, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes YAML over Default and validates the result.
func Parse(data []byte) (Config, error) {
	cfg := Default()
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return Config{}, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks every setting and reports the first problem.
func (c Config) Validate() error {
	if c.DataDir == "" {
		return errors.New("data_dir must be set")
	}
	if c.SharedBuffers < 16 {
		return fmt.Errorf("shared_buffers %d is below the minimum of 16", c.SharedBuffers)
	}
	if c.WALBuffers < 0 {
		return fmt.Errorf("wal_buffers %d is negative", c.WALBuffers)
	}
	if !wal.IsValidSegmentSize(c.WALSegmentSize) {
		return fmt.Errorf("wal_segment_size %d must be a power of two between %d and %d",
			c.WALSegmentSize, wal.MinSegmentSize, wal.MaxSegmentSize)
	}
	if c.RelSegSize == 0 {
		return errors.New("relseg_size must be positive")
	}
	if _, err := c.ConsistencyRmgrs(); err != nil {
		return err
	}
	if c.CheckpointSchedule != "" {
		if _, err := cron.ParseStandard(c.CheckpointSchedule); err != nil {
			return fmt.Errorf("invalid checkpoint_schedule %q: %w", c.CheckpointSchedule, err)
		}
	}
	if c.CheckpointWriteRate < 0 || c.ArchiveRate < 0 {
		return errors.New("checkpoint_write_rate and archive_rate must not be negative")
	}
	if c.BGWriterDelay < 10*time.Millisecond || c.WALWriterDelay < time.Millisecond {
		return fmt.Errorf("bgwriter_delay %s or wal_writer_delay %s is too short", c.BGWriterDelay, c.WALWriterDelay)
	}
	if c.BGWriterMaxPages < 0 {
		return fmt.Errorf("bgwriter_lru_maxpages %d is negative", c.BGWriterMaxPages)
	}
	if c.MaxOpenFiles <= 0 {
		return fmt.Errorf("max_open_files %d must be positive", c.MaxOpenFiles)
	}
	for _, l := range []string{c.LCCollate, c.LCCtype} {
		if err := wal.ValidateLocale(l); err != nil {
			return err
		}
	}
	if err := c.Logger.Validate(); err != nil {
		return fmt.Errorf("logger: %w", err)
	}
	if err := c.Telemetry.Validate(); err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}
	return nil
}

// ConsistencyRmgrs resolves WALConsistencyChecking to resource manager
// ids. "all" selects every built-in manager that logs page images.
func (c Config) ConsistencyRmgrs() ([]wal.RmgrID, error) {
	var ids []wal.RmgrID
	for _, name := range c.WALConsistencyChecking {
		if name == "all" {
			return []wal.RmgrID{wal.RmgrXLOG, wal.RmgrBtree}, nil
		}
		id, ok := wal.ParseRmgrName(name)
		if !ok {
			return nil, fmt.Errorf("unknown resource manager %q in wal_consistency_checking", name)
		}
		ids = append(ids, id)
	}
	return ids, nil
}
