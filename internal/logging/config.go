package logging

// Config matches the `logging` section of the YAML config file.
type Config struct {
	Level    string        `yaml:"level"`    // debug|info|warn|error
	Encoding string        `yaml:"encoding"` // json|console
	Output   string        `yaml:"output_path"`
	Rotate   *RotateConfig `yaml:"rotate"`
}

type RotateConfig struct {
	Enabled    bool `yaml:"enabled"`
	MaxSizeMB  int  `yaml:"max_size_mb"`
	MaxAgeDays int  `yaml:"max_age_days"`
	MaxBackups int  `yaml:"max_backups"`
}

func DefaultConfig() *Config {
	return &Config{
		Level:    "info",
		Encoding: "console",
		Output:   "stdout",
	}
}
