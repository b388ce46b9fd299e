package config

import "time"

// Config represents the complete loopback configuration.
type Config struct {
	Service  ServiceConfig  `yaml:"service"`
	Site     SiteConfig     `yaml:"site"`
	Server   ServerConfig   `yaml:"server"`
	Nonce    NonceConfig    `yaml:"nonce"`
	Dispatch DispatchConfig `yaml:"dispatch"`

	// SourcePath is the absolute path the configuration was loaded from.
	SourcePath string `yaml:"-"`
}

// ServiceConfig defines core service settings.
type ServiceConfig struct {
	Name      string `yaml:"name"`
	LogLevel  string `yaml:"log_level" validate:"oneof=debug info warn error"`
	LogFormat string `yaml:"log_format" validate:"oneof=json text"`
}

// SiteConfig describes the application's own identity.
type SiteConfig struct {
	// BaseURL is where the application reaches itself. Dispatches are posted
	// here and the endpoint compares the Referer against it.
	BaseURL    string `yaml:"base_url" validate:"required,url"`
	Provenance string `yaml:"provenance" validate:"oneof=exact substring"`
}

// ServerConfig defines HTTP server settings.
type ServerConfig struct {
	Listen       string `yaml:"listen" validate:"required"`
	EndpointPath string `yaml:"endpoint_path" validate:"required,startswith=/"`
	MaxBodySize  string `yaml:"max_body_size"` // e.g. "1MB", "512KB"
	// APIKey protects /tasks and /events. Empty disables those routes.
	APIKey string `yaml:"api_key"`
}

// NonceConfig defines token signing settings.
type NonceConfig struct {
	Secret   string        `yaml:"secret" validate:"required,min=16"`
	Lifetime time.Duration `yaml:"lifetime"`
}

// DispatchConfig defines outbound dispatch settings.
type DispatchConfig struct {
	AsyncTimeout       time.Duration `yaml:"async_timeout"`
	BlockingTimeout    time.Duration `yaml:"blocking_timeout"`
	InsecureSkipVerify bool          `yaml:"insecure_skip_verify"`
}

// Defaults returns a Config with default values.
func Defaults() *Config {
	return &Config{
		Service: ServiceConfig{
			Name:      "loopback",
			LogLevel:  "info",
			LogFormat: "json",
		},
		Site: SiteConfig{
			BaseURL:    "http://127.0.0.1:8080",
			Provenance: "exact",
		},
		Server: ServerConfig{
			Listen:       "127.0.0.1:8080",
			EndpointPath: "/loopback/v1/run-task",
			MaxBodySize:  "1MB",
		},
		Nonce: NonceConfig{
			Lifetime: 24 * time.Hour,
		},
		Dispatch: DispatchConfig{
			AsyncTimeout:    10 * time.Millisecond,
			BlockingTimeout: 5 * time.Second,
		},
	}
}
