package app

import (
	"io/ioutil"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v2"

	"github.com/maxiv-kitscontrols/hdbppgw/archive"
	"github.com/maxiv-kitscontrols/hdbppgw/pkg/pool"
	"github.com/maxiv-kitscontrols/hdbppgw/server"
)

type Config struct {
	LogLevel string `yaml:"log_level"`

	Server  server.Config  `yaml:"server"`
	Archive archive.Config `yaml:"archive"`
	Pool    pool.Config    `yaml:"pool"`
}

// LoadConfig reads the yaml config file. Unknown keys are rejected so a
// typoed setting fails loudly instead of silently using a default.
func LoadConfig(path string) (Config, error) {
	cfg := Config{
		LogLevel: "info",
	}

	buf, err := ioutil.ReadFile(path)
	if err != nil {
		return cfg, errors.Wrapf(err, "reading config file %s", path)
	}
	if err := yaml.UnmarshalStrict(buf, &cfg); err != nil {
		return cfg, errors.Wrapf(err, "parsing config file %s", path)
	}
	return cfg, nil
}
