package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"reflect"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// DefaultMaxBodySize is used when server.max_body_size is empty.
const DefaultMaxBodySize = 1024 * 1024

var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// Load reads and parses configuration from a file.
// A directory is accepted if it contains config.yaml.
func Load(configPath string) (*Config, error) {
	absPath, err := filepath.Abs(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve config path %q: %w", configPath, err)
	}

	info, err := os.Stat(absPath)
	if err != nil {
		return nil, fmt.Errorf("config file not found: %s\n"+
			"Hint: Check the path or run with --config flag", absPath)
	}
	if info.IsDir() {
		absPath = filepath.Join(absPath, "config.yaml")
		if _, err := os.Stat(absPath); err != nil {
			return nil, fmt.Errorf("directory provided but config.yaml not found: %s", absPath)
		}
	}

	data, err := os.ReadFile(absPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read file: %w", err)
	}

	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", absPath, err)
	}
	cfg.SourcePath = absPath
	return cfg, nil
}

// Parse decodes YAML configuration, interpolates ${VAR} references, applies
// defaults and validates the result.
func Parse(data []byte) (*Config, error) {
	cfg := &Config{}
	if err := yaml.Unmarshal([]byte(interpolateEnv(string(data))), cfg); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	cfg = applyConfigDefaults(cfg)

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// Discover finds a config file by checking standard locations.
// Priority order: $LOOPBACK_CONFIG, ~/.config/loopback/config.yaml,
// /etc/loopback/config.yaml, ./config.yaml
func Discover() (string, error) {
	if path := os.Getenv("LOOPBACK_CONFIG"); path != "" {
		if _, err := os.Stat(path); err == nil {
			return path, nil
		}
	}

	if homeDir, err := os.UserHomeDir(); err == nil {
		userConfig := filepath.Join(homeDir, ".config", "loopback", "config.yaml")
		if _, err := os.Stat(userConfig); err == nil {
			return userConfig, nil
		}
	}

	systemConfig := "/etc/loopback/config.yaml"
	if _, err := os.Stat(systemConfig); err == nil {
		return systemConfig, nil
	}

	if _, err := os.Stat("config.yaml"); err == nil {
		return "config.yaml", nil
	}

	return "", errors.New("no config found (checked: $LOOPBACK_CONFIG, ~/.config/loopback, /etc/loopback, ./config.yaml)")
}

// MaxBodyBytes returns server.max_body_size in bytes.
func (c *Config) MaxBodyBytes() int64 {
	n, err := ParseSize(c.Server.MaxBodySize)
	if err != nil {
		return DefaultMaxBodySize
	}
	return n
}

// applyConfigDefaults fills zero values from Defaults.
func applyConfigDefaults(cfg *Config) *Config {
	def := Defaults()

	if cfg.Service.Name == "" {
		cfg.Service.Name = def.Service.Name
	}
	if cfg.Service.LogLevel == "" {
		cfg.Service.LogLevel = def.Service.LogLevel
	}
	if cfg.Service.LogFormat == "" {
		cfg.Service.LogFormat = def.Service.LogFormat
	}
	if cfg.Site.Provenance == "" {
		cfg.Site.Provenance = def.Site.Provenance
	}
	if cfg.Server.Listen == "" {
		cfg.Server.Listen = def.Server.Listen
	}
	if cfg.Server.EndpointPath == "" {
		cfg.Server.EndpointPath = def.Server.EndpointPath
	}
	if cfg.Server.MaxBodySize == "" {
		cfg.Server.MaxBodySize = def.Server.MaxBodySize
	}
	if cfg.Nonce.Lifetime == 0 {
		cfg.Nonce.Lifetime = def.Nonce.Lifetime
	}
	if cfg.Dispatch.AsyncTimeout == 0 {
		cfg.Dispatch.AsyncTimeout = def.Dispatch.AsyncTimeout
	}
	if cfg.Dispatch.BlockingTimeout == 0 {
		cfg.Dispatch.BlockingTimeout = def.Dispatch.BlockingTimeout
	}

	return cfg
}

// interpolateEnv replaces ${VAR} with environment variable values.
// Unknown variables are left in place and rejected by validate.
func interpolateEnv(input string) string {
	return envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		varName := envVarPattern.FindStringSubmatch(match)[1]
		if value, exists := os.LookupEnv(varName); exists {
			return value
		}
		return match
	})
}

var structValidator = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	// Report fields by their YAML names.
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("yaml"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// validate performs validation on the configuration.
func validate(cfg *Config) error {
	// Unresolved references would otherwise pass as literal values.
	for field, value := range map[string]string{
		"site.base_url":  cfg.Site.BaseURL,
		"server.api_key": cfg.Server.APIKey,
		"nonce.secret":   cfg.Nonce.Secret,
	} {
		if m := envVarPattern.FindStringSubmatch(value); m != nil {
			return fmt.Errorf("%s references unset environment variable %s", field, m[1])
		}
	}

	if err := structValidator.Struct(cfg); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			fe := verrs[0]
			field := strings.TrimPrefix(fe.Namespace(), "Config.")
			if fe.Param() != "" {
				return fmt.Errorf("%s failed %q check (%s)", field, fe.Tag(), fe.Param())
			}
			return fmt.Errorf("%s failed %q check", field, fe.Tag())
		}
		return err
	}

	base, err := url.Parse(cfg.Site.BaseURL)
	if err != nil || (base.Scheme != "http" && base.Scheme != "https") || base.Host == "" {
		return fmt.Errorf("site.base_url must be an absolute http(s) URL (got %q)", cfg.Site.BaseURL)
	}

	if _, err := ParseSize(cfg.Server.MaxBodySize); err != nil {
		return fmt.Errorf("server.max_body_size: %w", err)
	}

	if cfg.Nonce.Lifetime < 2*time.Second {
		return fmt.Errorf("nonce.lifetime must be at least 2s (got %s)", cfg.Nonce.Lifetime)
	}
	if cfg.Dispatch.AsyncTimeout < 0 {
		return errors.New("dispatch.async_timeout must be positive")
	}
	if cfg.Dispatch.BlockingTimeout < 0 {
		return errors.New("dispatch.blocking_timeout must be positive")
	}

	return nil
}

// ParseSize parses a size string like "1MB", "512KB" or "1024" into bytes.
// An empty string yields DefaultMaxBodySize.
func ParseSize(size string) (int64, error) {
	if size == "" {
		return DefaultMaxBodySize, nil
	}

	// Handle unit suffixes (KB, MB, GB)
	upper := strings.ToUpper(strings.TrimSpace(size))
	multiplier := int64(1)

	switch {
	case strings.HasSuffix(upper, "KB"):
		multiplier = 1024
		upper = strings.TrimSuffix(upper, "KB")
	case strings.HasSuffix(upper, "MB"):
		multiplier = 1024 * 1024
		upper = strings.TrimSuffix(upper, "MB")
	case strings.HasSuffix(upper, "GB"):
		multiplier = 1024 * 1024 * 1024
		upper = strings.TrimSuffix(upper, "GB")
	}

	value, err := strconv.ParseInt(strings.TrimSpace(upper), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid size value: %w", err)
	}
	if value <= 0 {
		return 0, errors.New("size must be positive")
	}

	return value * multiplier, nil
}
