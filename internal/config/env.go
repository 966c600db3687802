package config

import (
	"errors"
	"io/fs"
	"os"

	"github.com/joho/godotenv"
)

const (
	// EnvConfig selects the configuration file.
	EnvConfig = "VOICED_CONFIG"
	// EnvLogLevel overrides runtime.log_level.
	EnvLogLevel = "VOICED_LOG_LEVEL"
)

// LoadEnv reads KEY=VALUE files into the process environment. Variables that
// are already set win. Missing files are skipped.
func LoadEnv(files ...string) error {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, file := range files {
		if err := godotenv.Load(ExpandPath(file)); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return err
		}
	}
	return nil
}

// ResolvePath picks the configuration file: the explicit flag value, then
// $VOICED_CONFIG, then the default location.
func ResolvePath(flagValue string) string {
	if flagValue != "" {
		return ExpandPath(flagValue)
	}
	if env := os.Getenv(EnvConfig); env != "" {
		return ExpandPath(env)
	}
	return DefaultPaths().Config
}

// ApplyEnv applies environment overrides to c.
func (c *Config) ApplyEnv() {
	if level := os.Getenv(EnvLogLevel); level != "" {
		c.Runtime.LogLevel = level
	}
}

// LoadOrDefault loads path, falling back to the defaults when the file does
// not exist. Environment overrides are applied and the result revalidated.
func LoadOrDefault(path string) (Config, error) {
	cfg, err := Load(path)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			return Config{}, err
		}
		cfg = Default()
	}
	if err := cfg.finish(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) finish() error {
	c.ApplyEnv()
	c.ExpandPaths()
	return c.Validate()
}
