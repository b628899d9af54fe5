package cli

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/ChuLiYu/era5grib/internal/archive"
	"github.com/ChuLiYu/era5grib/internal/cdo"
)

// defaultConfigPath may be absent; built-in defaults are used then.
const defaultConfigPath = "configs/default.yaml"

// Environment overrides, applied after the YAML file.
const (
	envArchiveRoot = "ERA5GRIB_ARCHIVE_ROOT"
	envCDO         = "ERA5GRIB_CDO"
	envStrict      = "ERA5GRIB_STRICT"
	envLogLevel    = "ERA5GRIB_LOG_LEVEL"
	envReport      = "ERA5GRIB_REPORT"
)

// Config mirrors configs/default.yaml.
type Config struct {
	Archive struct {
		Root   string `yaml:"root"`
		Policy string `yaml:"policy"`
	} `yaml:"archive"`

	Tool struct {
		Command string `yaml:"command"`
		Strict  bool   `yaml:"strict"`
	} `yaml:"tool"`

	Metrics struct {
		Enabled  bool   `yaml:"enabled"`
		Addr     string `yaml:"addr"`
		Textfile string `yaml:"textfile"`
	} `yaml:"metrics"`

	Report struct {
		Path string `yaml:"path"`
	} `yaml:"report"`

	Log struct {
		Level string `yaml:"level"`
	} `yaml:"log"`
}

func defaultConfig() *Config {
	cfg := &Config{}
	cfg.Archive.Root = archive.DefaultRoot
	cfg.Archive.Policy = string(archive.FirstMatch)
	cfg.Tool.Command = cdo.DefaultCommand
	cfg.Tool.Strict = true
	cfg.Metrics.Addr = ":9090"
	cfg.Log.Level = "info"
	return cfg
}

// loadConfig builds the configuration in three layers: built-in defaults,
// the YAML file at path, then .env and process environment overrides.
func loadConfig(path, envFile string) (*Config, error) {
	cfg := defaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("failed to parse config YAML: %w", err)
			}
		case errors.Is(err, os.ErrNotExist) && path == defaultConfigPath:
			log.Debug("Default config file not found, using built-in defaults", "path", path)
		default:
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil {
			return nil, fmt.Errorf("failed to load env file %s: %w", envFile, err)
		}
	} else if err := godotenv.Load(); err != nil {
		log.Debug(".env file not loaded", "error", err)
	}

	if err := applyEnv(cfg); err != nil {
		return nil, err
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) error {
	if v, ok := os.LookupEnv(envArchiveRoot); ok && v != "" {
		cfg.Archive.Root = v
	}
	if v, ok := os.LookupEnv(envCDO); ok && v != "" {
		cfg.Tool.Command = v
	}
	if v, ok := os.LookupEnv(envStrict); ok && v != "" {
		strict, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("invalid %s: %w", envStrict, err)
		}
		cfg.Tool.Strict = strict
	}
	if v, ok := os.LookupEnv(envLogLevel); ok && v != "" {
		cfg.Log.Level = v
	}
	if v, ok := os.LookupEnv(envReport); ok && v != "" {
		cfg.Report.Path = v
	}
	return nil
}

func (c *Config) validate() error {
	if strings.TrimSpace(c.Archive.Root) == "" {
		return errors.New("archive.root must not be empty")
	}
	if _, err := archive.ParsePolicy(c.Archive.Policy); err != nil {
		return err
	}
	if _, err := parseLevel(c.Log.Level); err != nil {
		return err
	}
	if c.Metrics.Enabled && c.Metrics.Addr == "" {
		return errors.New("metrics.addr is required when metrics are enabled")
	}
	return nil
}

func parseLevel(s string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.TrimSpace(s))); err != nil {
		return 0, fmt.Errorf("invalid log level %q: %w", s, err)
	}
	return level, nil
}
