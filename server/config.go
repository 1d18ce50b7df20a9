package server

import "time"

type Config struct {
	// HTTPListenPort is the port the HTTP server binds on all interfaces.
	HTTPListenPort int `yaml:"http_listen_port"`

	// StaticDir is served at /; a request for a directory falls back to
	// its index.html. Empty disables static serving.
	StaticDir string `yaml:"static_dir"`

	// QueryTimeout bounds a single data request.
	QueryTimeout time.Duration `yaml:"query_timeout"`

	// MaxAttributeMatches caps the /attributes response when the request
	// carries no max parameter.
	MaxAttributeMatches int `yaml:"max_attribute_matches"`
}

func (cfg *Config) applyDefaults() {
	if cfg.HTTPListenPort == 0 {
		cfg.HTTPListenPort = 5005
	}
	if cfg.QueryTimeout == 0 {
		cfg.QueryTimeout = 30 * time.Second
	}
	if cfg.MaxAttributeMatches == 0 {
		cfg.MaxAttributeMatches = 100
	}
}
