package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Source kinds accepted in DaemonConfig.Sources.
const (
	SourceSerial    = "serial"
	SourceUDP       = "udp"
	SourcePCAP      = "pcap"
	SourceSynthetic = "synthetic"
)

// Calibration variants accepted in VariantConfig.Kind.
const (
	VariantMono   = "mono"
	VariantStereo = "stereo"
)

// DaemonConfig is the top-level YAML configuration for the dvs-calibration
// daemon. Tuning of the detection pipeline lives in the separate JSON tuning
// file referenced by TuningFile; this file describes process wiring.
type DaemonConfig struct {
	Logging    LoggingConfig  `yaml:"logging"`
	TuningFile string         `yaml:"tuning_file,omitempty"`
	Variant    VariantConfig  `yaml:"variant"`
	Solver     SolverConfig   `yaml:"solver"`
	Sources    []SourceConfig `yaml:"sources"`
	HTTP       ListenConfig   `yaml:"http"`
	GRPC       ListenConfig   `yaml:"grpc"`
	Storage    StorageConfig  `yaml:"storage"`
	MQTT       MQTTConfig     `yaml:"mqtt"`
}

type LoggingConfig struct {
	Level string `yaml:"level"`
}

// VariantConfig selects mono or stereo calibration and names the cameras
// that must contribute observations before a save.
type VariantConfig struct {
	Kind    string   `yaml:"kind"`
	Cameras []string `yaml:"cameras,omitempty"`
}

// SolverConfig describes the external parameter-estimation command.
// An empty Command disables saving with a solver (save fails with a clear error).
type SolverConfig struct {
	Command []string `yaml:"command,omitempty"`
	Timeout string   `yaml:"timeout,omitempty"`
}

// SourceConfig describes one event source. Serial and synthetic sources
// belong to a single camera; UDP and pcap datagrams carry their camera id.
type SourceConfig struct {
	Kind   string `yaml:"kind"`
	Camera string `yaml:"camera,omitempty"`

	// serial
	Device     string `yaml:"device,omitempty"`
	Baud       int    `yaml:"baud,omitempty"`
	EDVSFormat int    `yaml:"edvs_format,omitempty"`

	// udp
	Listen string `yaml:"listen,omitempty"`

	// pcap
	Path     string `yaml:"path,omitempty"`
	UDPPort  int    `yaml:"udp_port,omitempty"`
	Realtime bool   `yaml:"realtime,omitempty"`
}

type ListenConfig struct {
	Listen string `yaml:"listen"`
}

type StorageConfig struct {
	Path string `yaml:"path"`
}

// MQTTConfig enables the diagnostics publisher when Broker is non-empty.
type MQTTConfig struct {
	Broker      string `yaml:"broker,omitempty"`
	TopicPrefix string `yaml:"topic_prefix,omitempty"`
	ClientID    string `yaml:"client_id,omitempty"`
}

// DefaultDaemonConfig returns the configuration used when no file is given:
// one synthetic mono camera, HTTP on :8080, gRPC on :9090.
func DefaultDaemonConfig() *DaemonConfig {
	cfg := &DaemonConfig{
		Sources: []SourceConfig{{Kind: SourceSynthetic, Camera: "cam0"}},
	}
	cfg.Normalize()
	return cfg
}

// LoadDaemonConfig reads, normalizes and validates a YAML daemon config.
// Unknown keys are rejected so typos surface at startup.
func LoadDaemonConfig(path string) (*DaemonConfig, error) {
	cleanPath := filepath.Clean(path)
	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read daemon config: %w", err)
	}

	cfg := &DaemonConfig{}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("failed to parse daemon config %s: %w", cleanPath, err)
	}

	cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid daemon config: %w", err)
	}
	return cfg, nil
}

// Normalize fills defaults for unset fields.
func (c *DaemonConfig) Normalize() {
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Variant.Kind == "" {
		c.Variant.Kind = VariantMono
	}
	if c.Solver.Timeout == "" {
		c.Solver.Timeout = "60s"
	}
	if c.HTTP.Listen == "" {
		c.HTTP.Listen = ":8080"
	}
	if c.GRPC.Listen == "" {
		c.GRPC.Listen = ":9090"
	}
	if c.Storage.Path == "" {
		c.Storage.Path = "dvs_calibration.db"
	}
	if c.MQTT.TopicPrefix == "" {
		c.MQTT.TopicPrefix = "dvs/calibration"
	}
	if c.MQTT.ClientID == "" {
		c.MQTT.ClientID = "dvs-calibration"
	}
	for i := range c.Sources {
		s := &c.Sources[i]
		switch s.Kind {
		case SourceSerial:
			if s.Baud == 0 {
				s.Baud = 4000000
			}
			if s.EDVSFormat == 0 {
				s.EDVSFormat = 2
			}
		case SourceUDP:
			if s.Listen == "" {
				s.Listen = ":5600"
			}
		case SourcePCAP:
			if s.UDPPort == 0 {
				s.UDPPort = 5600
			}
		}
	}
}

// Validate checks the normalized configuration.
func (c *DaemonConfig) Validate() error {
	if len(c.Sources) == 0 {
		return fmt.Errorf("at least one event source is required")
	}
	for i, s := range c.Sources {
		switch s.Kind {
		case SourceSerial:
			if s.Camera == "" || s.Device == "" {
				return fmt.Errorf("sources[%d]: serial source needs camera and device", i)
			}
			switch s.EDVSFormat {
			case 2, 3, 4:
			default:
				return fmt.Errorf("sources[%d]: edvs_format must be 2, 3 or 4, got %d", i, s.EDVSFormat)
			}
		case SourceSynthetic:
			if s.Camera == "" {
				return fmt.Errorf("sources[%d]: synthetic source needs camera", i)
			}
		case SourceUDP:
		case SourcePCAP:
			if s.Path == "" {
				return fmt.Errorf("sources[%d]: pcap source needs path", i)
			}
		default:
			return fmt.Errorf("sources[%d]: unknown source kind %q", i, s.Kind)
		}
	}

	switch c.Variant.Kind {
	case VariantMono:
		if len(c.Variant.Cameras) > 1 {
			return fmt.Errorf("mono variant takes at most one camera, got %d", len(c.Variant.Cameras))
		}
	case VariantStereo:
		if len(c.Variant.Cameras) != 2 {
			return fmt.Errorf("stereo variant needs exactly two cameras, got %d", len(c.Variant.Cameras))
		}
		if c.Variant.Cameras[0] == c.Variant.Cameras[1] {
			return fmt.Errorf("stereo cameras must differ, got %q twice", c.Variant.Cameras[0])
		}
	default:
		return fmt.Errorf("unknown variant %q", c.Variant.Kind)
	}

	if _, err := time.ParseDuration(c.Solver.Timeout); err != nil {
		return fmt.Errorf("invalid solver timeout %q: %w", c.Solver.Timeout, err)
	}
	return nil
}

// SolverTimeout returns the parsed solver timeout.
func (c *DaemonConfig) SolverTimeout() time.Duration {
	d, err := time.ParseDuration(c.Solver.Timeout)
	if err != nil {
		return 60 * time.Second
	}
	return d
}
