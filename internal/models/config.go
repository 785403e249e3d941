package models

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v2"
)

// EnvPrefix prefixes every environment override, e.g. GARMENT_DATABASE_URL.
const EnvPrefix = "GARMENT"

const (
	DispatchInline = "inline"
	DispatchKafka  = "kafka"
)

type Config struct {
	ServerAddr    string `yaml:"server_addr" envconfig:"SERVER_ADDR"`
	DatabaseURL   string `yaml:"database_url" envconfig:"DATABASE_URL"`
	StoragePath   string `yaml:"storage_path" envconfig:"STORAGE_PATH"`
	PublicBaseURL string `yaml:"public_base_url" envconfig:"PUBLIC_BASE_URL"`
	Dispatch      string `yaml:"dispatch" envconfig:"DISPATCH"`

	Kafka    KafkaConfig    `yaml:"kafka" envconfig:"KAFKA"`
	Redis    RedisConfig    `yaml:"redis" envconfig:"REDIS"`
	Log      LogConfig      `yaml:"log" envconfig:"LOG"`
	Upload   UploadConfig   `yaml:"upload" envconfig:"UPLOAD"`
	Pipeline PipelineConfig `yaml:"pipeline" envconfig:"PIPELINE"`
}

type KafkaConfig struct {
	Brokers []string `yaml:"brokers" envconfig:"BROKERS"`
	Topic   string   `yaml:"topic" envconfig:"TOPIC"`
	GroupID string   `yaml:"group_id" envconfig:"GROUP_ID"`
}

// RedisConfig is optional; an empty Addr disables progress tracking.
type RedisConfig struct {
	Addr        string        `yaml:"addr" envconfig:"ADDR"`
	Password    string        `yaml:"password" envconfig:"PASSWORD"`
	DB          int           `yaml:"db" envconfig:"DB"`
	ProgressTTL time.Duration `yaml:"progress_ttl" envconfig:"PROGRESS_TTL"`
}

type LogConfig struct {
	Level  string `yaml:"level" envconfig:"LEVEL"`
	Format string `yaml:"format" envconfig:"FORMAT"`
}

type UploadConfig struct {
	MaxBytes     int64    `yaml:"max_bytes" envconfig:"MAX_BYTES"`
	AllowedTypes []string `yaml:"allowed_types" envconfig:"ALLOWED_TYPES"`
}

// PipelineConfig is handed by value to the coordinator and every stage.
type PipelineConfig struct {
	RemoverPath    string        `yaml:"remover_path" envconfig:"REMOVER_PATH"`
	RemoverArgs    []string      `yaml:"remover_args" envconfig:"REMOVER_ARGS"`
	RemoverTimeout time.Duration `yaml:"remover_timeout" envconfig:"REMOVER_TIMEOUT"`
	SuccessMarker  string        `yaml:"success_marker" envconfig:"SUCCESS_MARKER"`

	OptimizeMaxWidth  int    `yaml:"optimize_max_width" envconfig:"OPTIMIZE_MAX_WIDTH"`
	OptimizeMaxHeight int    `yaml:"optimize_max_height" envconfig:"OPTIMIZE_MAX_HEIGHT"`
	OptimizeFormat    string `yaml:"optimize_format" envconfig:"OPTIMIZE_FORMAT"`
	OptimizeQuality   int    `yaml:"optimize_quality" envconfig:"OPTIMIZE_QUALITY"`

	ThumbnailWidth   int    `yaml:"thumbnail_width" envconfig:"THUMBNAIL_WIDTH"`
	ThumbnailHeight  int    `yaml:"thumbnail_height" envconfig:"THUMBNAIL_HEIGHT"`
	ThumbnailFormat  string `yaml:"thumbnail_format" envconfig:"THUMBNAIL_FORMAT"`
	ThumbnailQuality int    `yaml:"thumbnail_quality" envconfig:"THUMBNAIL_QUALITY"`

	ColorSampleSize    int    `yaml:"color_sample_size" envconfig:"COLOR_SAMPLE_SIZE"`
	NearWhiteThreshold uint8  `yaml:"near_white_threshold" envconfig:"NEAR_WHITE_THRESHOLD"`
	MaxColors          int    `yaml:"max_colors" envconfig:"MAX_COLORS"`
	FallbackColor      string `yaml:"fallback_color" envconfig:"FALLBACK_COLOR"`

	MaxRetries    int           `yaml:"max_retries" envconfig:"MAX_RETRIES"`
	StallTimeout  time.Duration `yaml:"stall_timeout" envconfig:"STALL_TIMEOUT"`
	SweepInterval time.Duration `yaml:"sweep_interval" envconfig:"SWEEP_INTERVAL"`
}

// DefaultConfig returns the configuration used when neither the file nor the
// environment sets a value.
func DefaultConfig() Config {
	return Config{
		ServerAddr:    ":8080",
		StoragePath:   "uploads",
		PublicBaseURL: "/files",
		Dispatch:      DispatchInline,
		Kafka: KafkaConfig{
			Topic:   "garment-images",
			GroupID: "garment-processor",
		},
		Redis: RedisConfig{ProgressTTL: time.Hour},
		Log:   LogConfig{Level: "info", Format: "text"},
		Upload: UploadConfig{
			MaxBytes:     10 << 20,
			AllowedTypes: []string{"image/jpeg", "image/png", "image/webp"},
		},
		Pipeline: DefaultPipelineConfig(),
	}
}

func DefaultPipelineConfig() PipelineConfig {
	return PipelineConfig{
		RemoverPath:        "python3",
		RemoverArgs:        []string{"scripts/remove_bg.py"},
		RemoverTimeout:     30 * time.Second,
		SuccessMarker:      "SUCCESS",
		OptimizeMaxWidth:   1200,
		OptimizeMaxHeight:  1200,
		OptimizeFormat:     "webp",
		OptimizeQuality:    90,
		ThumbnailWidth:     300,
		ThumbnailHeight:    300,
		ThumbnailFormat:    "webp",
		ThumbnailQuality:   80,
		ColorSampleSize:    100,
		NearWhiteThreshold: 240,
		MaxColors:          5,
		FallbackColor:      "#808080",
		MaxRetries:         3,
		StallTimeout:       10 * time.Minute,
		SweepInterval:      time.Minute,
	}
}

// LoadConfig layers defaults, the YAML file at path (skipped when path is empty
// or missing) and GARMENT_* environment variables, then validates the result.
func LoadConfig(path string) (*Config, error) {
	const op = "models.LoadConfig"

	cfg := DefaultConfig()
	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return nil, fmt.Errorf("%s: parse %s: %w", op, path, err)
			}
		case errors.Is(err, os.ErrNotExist):
		default:
			return nil, fmt.Errorf("%s: %w", op, err)
		}
	}

	if err := envconfig.Process(EnvPrefix, &cfg); err != nil {
		return nil, fmt.Errorf("%s: env: %w", op, err)
	}

	cfg.normalize()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return &cfg, nil
}

func (c *Config) normalize() {
	c.Dispatch = strings.ToLower(strings.TrimSpace(c.Dispatch))
	c.PublicBaseURL = "/" + strings.Trim(strings.TrimSpace(c.PublicBaseURL), "/")
	c.Pipeline.OptimizeFormat = strings.ToLower(strings.TrimSpace(c.Pipeline.OptimizeFormat))
	c.Pipeline.ThumbnailFormat = strings.ToLower(strings.TrimSpace(c.Pipeline.ThumbnailFormat))
	c.Pipeline.FallbackColor = strings.ToLower(strings.TrimSpace(c.Pipeline.FallbackColor))
}

// Validate reports the first invalid setting.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.StoragePath) == "" {
		return errors.New("storage_path is required")
	}
	switch c.Dispatch {
	case DispatchInline:
	case DispatchKafka:
		if len(c.Kafka.Brokers) == 0 || c.Kafka.Topic == "" {
			return errors.New("kafka dispatch requires kafka.brokers and kafka.topic")
		}
	default:
		return fmt.Errorf("dispatch: unsupported value %q", c.Dispatch)
	}
	if c.Upload.MaxBytes <= 0 {
		return errors.New("upload.max_bytes must be positive")
	}
	return c.Pipeline.Validate()
}

func (p PipelineConfig) Validate() error {
	if strings.TrimSpace(p.RemoverPath) == "" {
		return errors.New("pipeline.remover_path is required")
	}
	if p.RemoverTimeout <= 0 {
		return errors.New("pipeline.remover_timeout must be positive")
	}
	if p.SuccessMarker == "" {
		return errors.New("pipeline.success_marker is required")
	}
	if p.OptimizeMaxWidth <= 0 || p.OptimizeMaxHeight <= 0 {
		return errors.New("pipeline.optimize_max_width/height must be positive")
	}
	if p.ThumbnailWidth <= 0 || p.ThumbnailHeight <= 0 {
		return errors.New("pipeline.thumbnail_width/height must be positive")
	}
	for name, format := range map[string]string{"optimize_format": p.OptimizeFormat, "thumbnail_format": p.ThumbnailFormat} {
		switch format {
		case "webp", "png", "jpeg":
		default:
			return fmt.Errorf("pipeline.%s: unsupported value %q", name, format)
		}
	}
	if p.ThumbnailFormat == "png" {
		return errors.New("pipeline.thumbnail_format must be a lossy format (webp or jpeg)")
	}
	if p.ColorSampleSize <= 0 {
		return errors.New("pipeline.color_sample_size must be positive")
	}
	if p.MaxColors < 1 || p.MaxColors > 5 {
		return errors.New("pipeline.max_colors must be between 1 and 5")
	}
	if !isHexColor(p.FallbackColor) {
		return fmt.Errorf("pipeline.fallback_color: %q is not a #rrggbb color", p.FallbackColor)
	}
	if p.MaxRetries < 0 {
		return errors.New("pipeline.max_retries must not be negative")
	}
	return nil
}

func isHexColor(s string) bool {
	if len(s) != 7 || s[0] != '#' {
		return false
	}
	for _, r := range s[1:] {
		if !strings.ContainsRune("0123456789abcdefABCDEF", r) {
			return false
		}
	}
	return true
}
