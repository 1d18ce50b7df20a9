package pool

type Config struct {
	MaxWorkers int `yaml:"max_workers"`
	QueueDepth int `yaml:"queue_depth"`
}

func defaultConfig() *Config {
	return &Config{
		MaxWorkers: 10,
		QueueDepth: 10000,
	}
}
