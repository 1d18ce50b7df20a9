package archive

import (
	"time"

	"github.com/maxiv-kitscontrols/hdbppgw/archive/driver/cassandra"
)

type Config struct {
	Cassandra cassandra.Config `yaml:"cassandra"`

	// CacheSizeBytes is the budget of the per-day series cache.
	CacheSizeBytes int `yaml:"cache_size_bytes"`

	// ChunkSize bounds how many per-day fetches run concurrently for one
	// request.
	ChunkSize int `yaml:"chunk_size"`

	// QueryRetries is the number of attempts for transient driver
	// failures. 1 disables retrying.
	QueryRetries int `yaml:"query_retries"`

	// MetadataTTL bounds the age of the memoized name and config lists.
	MetadataTTL time.Duration `yaml:"metadata_ttl"`

	// Timezone decides the "today" partition and day bucketing:
	// "local", "UTC" or an IANA zone name.
	Timezone string `yaml:"timezone"`
}

func (cfg *Config) applyDefaults() {
	if cfg.CacheSizeBytes == 0 {
		cfg.CacheSizeBytes = 1e9
	}
	if cfg.ChunkSize == 0 {
		cfg.ChunkSize = 50
	}
	if cfg.QueryRetries == 0 {
		cfg.QueryRetries = 5
	}
	if cfg.MetadataTTL == 0 {
		cfg.MetadataTTL = 60 * time.Second
	}
	if cfg.Timezone == "" {
		cfg.Timezone = "local"
	}
}
