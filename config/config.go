// Package config loads the detector configuration.
package config

import (
	_ "embed"
	"os"
	"time"

	"github.com/a8m/envsubst"
	"github.com/docker/go-units"
	"github.com/pkg/errors"
	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v3"
)

//go:embed default.yaml
var template []byte

// Template returns the annotated default configuration file.
func Template() []byte {
	return append([]byte(nil), template...)
}

// Config is the complete detector configuration.
type Config struct {
	Model   ModelConfig   `yaml:"model"`
	Runtime RuntimeConfig `yaml:"runtime"`
	Arena   ArenaConfig   `yaml:"arena"`
	Camera  CameraConfig  `yaml:"camera"`
	Display DisplayConfig `yaml:"display"`
	Loop    LoopConfig    `yaml:"loop"`
	Policy  PolicyConfig  `yaml:"policy"`
	Server  ServerConfig  `yaml:"server"`
	History HistoryConfig `yaml:"history"`
	Log     LogConfig     `yaml:"log"`
}

type ModelConfig struct {
	Path          string       `yaml:"path"`
	SchemaVersion int64        `yaml:"schema_version"`
	Threads       int          `yaml:"threads"`
	Kernels       []string     `yaml:"kernels"`
	Input         InputConfig  `yaml:"input"`
	Output        OutputConfig `yaml:"output"`
}

type InputConfig struct {
	Name     string `yaml:"name"`
	Rows     int    `yaml:"rows"`
	Cols     int    `yaml:"cols"`
	Channels int    `yaml:"channels"`
}

type OutputConfig struct {
	Name      string  `yaml:"name"`
	Type      string  `yaml:"type"` // int8, uint8 or float32
	Scale     float64 `yaml:"scale"`
	ZeroPoint int64   `yaml:"zero_point"`
}

type RuntimeConfig struct {
	// Library is the path of the ONNX Runtime shared library. Empty uses the
	// platform default lookup.
	Library string `yaml:"library"`
}

type ArenaConfig struct {
	Size    ByteSize `yaml:"size"`
	Scratch ByteSize `yaml:"scratch"` // extra room for scratch tensors
	Pool    string   `yaml:"pool"`    // auto, mmap, heap
}

// Total returns the arena size including scratch space.
func (a ArenaConfig) Total() int {
	return int(a.Size + a.Scratch)
}

type CameraConfig struct {
	Source  string        `yaml:"source"` // dir or http
	Dir     string        `yaml:"dir"`
	Pattern string        `yaml:"pattern"`
	URL     string        `yaml:"url"`
	Timeout time.Duration `yaml:"timeout"`
}

type DisplayConfig struct {
	Enabled   bool          `yaml:"enabled"`
	Width     int           `yaml:"width"`
	Height    int           `yaml:"height"`
	Canvas    int           `yaml:"canvas"`
	MaxCanvas ByteSize      `yaml:"max_canvas"`
	Refresh   time.Duration `yaml:"refresh"`
	OutPath   string        `yaml:"out_path"`
}

type LoopConfig struct {
	Yield   time.Duration `yaml:"yield"`
	Stats   bool          `yaml:"stats"`
	CLIOnly bool          `yaml:"cli_only"`
}

type PolicyConfig struct {
	MinConfidence float64 `yaml:"min_confidence"`
}

type ServerConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
}

type HistoryConfig struct {
	Path string `yaml:"path"`
}

type LogConfig struct {
	Level       string `yaml:"level"`
	Development bool   `yaml:"development"`
	File        string `yaml:"file"`
	MaxSizeMB   int    `yaml:"max_size_mb"`
	MaxBackups  int    `yaml:"max_backups"`
}

// ByteSize is a size in bytes that accepts human-readable values such as
// "100KiB".
type ByteSize int64

func (b *ByteSize) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	n, err := units.RAMInBytes(s)
	if err != nil {
		return errors.Wrapf(err, "line %d", value.Line)
	}
	*b = ByteSize(n)
	return nil
}

func (b ByteSize) MarshalYAML() (interface{}, error) {
	return units.BytesSize(float64(b)), nil
}

// Default returns the configuration in the embedded template.
func Default() Config {
	var cfg Config
	if err := yaml.Unmarshal(template, &cfg); err != nil {
		panic(errors.Wrap(err, "embedded default config"))
	}
	return cfg
}

// Load reads the file at path over the defaults, expanding environment
// references first.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, errors.Wrap(err, "read config")
	}
	return Parse(data)
}

// Parse decodes data over the defaults and validates the result.
func Parse(data []byte) (Config, error) {
	expanded, err := envsubst.Bytes(data)
	if err != nil {
		return Config{}, errors.Wrap(err, "expand environment")
	}
	cfg := Default()
	if err := yaml.Unmarshal(expanded, &cfg); err != nil {
		return Config{}, errors.Wrap(err, "parse config")
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks the configuration for values the detector cannot run with.
func (c Config) Validate() error {
	switch {
	case c.Model.Path == "":
		return errors.New("model.path is required")
	case c.Model.Input.Rows <= 0 || c.Model.Input.Cols <= 0:
		return errors.Errorf("model.input must be at least 1x1, got %dx%d", c.Model.Input.Cols, c.Model.Input.Rows)
	case c.Model.Input.Channels != 1 && c.Model.Input.Channels != 3:
		return errors.Errorf("model.input.channels must be 1 or 3, got %d", c.Model.Input.Channels)
	}

	switch c.Model.Output.Type {
	case "int8", "uint8":
		if c.Model.Output.Scale <= 0 {
			return errors.New("model.output.scale must be positive for quantized outputs")
		}
	case "float32":
	default:
		return errors.Errorf("model.output.type %q is not supported", c.Model.Output.Type)
	}

	if c.Arena.Total() <= 0 {
		return errors.New("arena size must be positive")
	}
	switch c.Arena.Pool {
	case "", "auto", "mmap", "heap":
	default:
		return errors.Errorf("arena.pool %q is not supported", c.Arena.Pool)
	}

	if !c.Loop.CLIOnly {
		switch c.Camera.Source {
		case "dir":
			if c.Camera.Dir == "" {
				return errors.New("camera.dir is required for the dir source")
			}
		case "http":
			if c.Camera.URL == "" {
				return errors.New("camera.url is required for the http source")
			}
		default:
			return errors.Errorf("camera.source %q is not supported", c.Camera.Source)
		}
	}

	if c.Display.Enabled {
		if c.Display.Canvas <= 0 || c.Display.Canvas > c.Display.Width || c.Display.Canvas > c.Display.Height {
			return errors.Errorf("display.canvas %d does not fit a %dx%d panel",
				c.Display.Canvas, c.Display.Width, c.Display.Height)
		}
	}

	if c.Policy.MinConfidence < 0 || c.Policy.MinConfidence > 1 {
		return errors.Errorf("policy.min_confidence must be within [0, 1], got %v", c.Policy.MinConfidence)
	}
	if c.Server.Enabled && c.Server.Addr == "" {
		return errors.New("server.addr is required when the server is enabled")
	}
	if _, err := zapcore.ParseLevel(c.Log.Level); err != nil {
		return errors.Wrap(err, "log.level")
	}
	return nil
}
