package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/telegrab/telegrab/internal/media"
)

// Defaults used when a field is missing in the config file and environment.
const (
	DefaultOutputRoot = "downloads"
	DefaultLedgerDSN  = "data/ledger.sqlite"
	DefaultLogLevel   = "info"
	DefaultLogDir     = "logs"
	DefaultTZ         = "UTC"
)

var ErrMissingToken = errors.New("TG_BOT_TOKEN must be set in the environment or .env file")

// Config is the application configuration. Precedence: defaults, then the
// config file, then environment variables; CLI flags override all of it in
// main. The bot token is never read from the config file.
type Config struct {
	BotToken    string   `yaml:"-" json:"-"`
	OutputRoot  string   `yaml:"output_root" json:"output_root"`
	LedgerDSN   string   `yaml:"ledger_dsn" json:"ledger_dsn"`
	MediaTypes  []string `yaml:"media_types" json:"media_types"`
	RecordSkips bool     `yaml:"record_skips" json:"record_skips"`
	LogLevel    string   `yaml:"log_level" json:"log_level"`
	LogDir      string   `yaml:"log_dir" json:"log_dir"`
	TZ          string   `yaml:"tz" json:"tz"`
}

// Load reads an optional YAML or JSON config file and applies environment
// overrides on top of the defaults.
func Load(path string) (*Config, error) {
	cfg := &Config{
		OutputRoot: DefaultOutputRoot,
		LedgerDSN:  DefaultLedgerDSN,
		LogLevel:   DefaultLogLevel,
		LogDir:     DefaultLogDir,
		TZ:         DefaultTZ,
	}
	if path = strings.TrimSpace(path); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		switch strings.ToLower(filepath.Ext(path)) {
		case ".yaml", ".yml":
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parse config file: %w", err)
			}
		case ".json":
			if err := json.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parse config file: %w", err)
			}
		default:
			return nil, fmt.Errorf("config file must be YAML or JSON: %s", path)
		}
	}

	cfg.BotToken = strings.TrimSpace(os.Getenv("TG_BOT_TOKEN"))
	if v := strings.TrimSpace(os.Getenv("OUTPUT_ROOT")); v != "" {
		cfg.OutputRoot = v
	}
	if v := strings.TrimSpace(os.Getenv("LEDGER_DSN")); v != "" {
		cfg.LedgerDSN = v
	}
	if v := strings.TrimSpace(os.Getenv("LOG_LEVEL")); v != "" {
		cfg.LogLevel = v
	}
	if v := strings.TrimSpace(os.Getenv("RECORD_SKIPS")); v != "" {
		if parsed, err := strconv.ParseBool(v); err == nil {
			cfg.RecordSkips = parsed
		}
	}
	if cfg.OutputRoot == "" {
		cfg.OutputRoot = DefaultOutputRoot
	}
	if cfg.LedgerDSN == "" {
		cfg.LedgerDSN = DefaultLedgerDSN
	}
	return cfg, nil
}

// Kinds resolves the configured media type names into the fixed enumeration.
// Unknown names are rejected rather than silently mapped to "other". An
// empty list means all kinds.
func (c *Config) Kinds() ([]media.Kind, error) {
	if len(c.MediaTypes) == 0 {
		return nil, nil
	}
	seen := map[media.Kind]struct{}{}
	var kinds []media.Kind
	for _, raw := range c.MediaTypes {
		for _, entry := range strings.Split(raw, ",") {
			entry = strings.TrimSpace(entry)
			if entry == "" {
				continue
			}
			kind, ok := media.ParseKind(entry)
			if !ok && entry != string(media.KindOther) {
				return nil, fmt.Errorf("unknown media type: %s", entry)
			}
			if _, dup := seen[kind]; dup {
				continue
			}
			seen[kind] = struct{}{}
			kinds = append(kinds, kind)
		}
	}
	return kinds, nil
}

// ParseDate parses a date-range bound: a bare date, an RFC 3339 timestamp,
// or a local timestamp interpreted in the configured timezone.
func ParseDate(value, tz string) (time.Time, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return time.Time{}, nil
	}
	loc, err := time.LoadLocation(strings.TrimSpace(tz))
	if err != nil {
		loc = time.UTC
	}
	for _, layout := range []string{time.RFC3339, "2006-01-02T15:04:05", "2006-01-02 15:04:05", "2006-01-02"} {
		if layout == time.RFC3339 {
			if t, err := time.Parse(layout, value); err == nil {
				return t.UTC(), nil
			}
			continue
		}
		if t, err := time.ParseInLocation(layout, value, loc); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized date: %s", value)
}
