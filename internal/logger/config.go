package logger

// LoggingConfig represents logging configuration
type LoggingConfig struct {
	DefaultLevel string            `yaml:"default_level" mapstructure:"default_level" json:"default_level"` // default log level for all modules
	Timezone     string            `yaml:"timezone" mapstructure:"timezone" json:"timezone"`                // "Local", "UTC", or IANA timezone name
	Console      *ConsoleOutput    `yaml:"console" mapstructure:"console" json:"console"`                   // console output configuration
	FileOutput   *FileOutput       `yaml:"file_output" mapstructure:"file_output" json:"file_output"`       // file output configuration
	ModuleLevels map[string]string `yaml:"module_levels" mapstructure:"module_levels" json:"module_levels"` // per-module log levels
}

// ConsoleOutput represents console logging configuration.
// Console output uses human-readable text format without timestamps.
type ConsoleOutput struct {
	Enabled bool   `yaml:"enabled" mapstructure:"enabled" json:"enabled"`
	Level   string `yaml:"level" mapstructure:"level" json:"level"`
}

// FileOutput represents file logging configuration.
// File output uses JSON format with RFC3339 timestamps.
type FileOutput struct {
	Enabled         bool   `yaml:"enabled" mapstructure:"enabled" json:"enabled"`
	Path            string `yaml:"path" mapstructure:"path" json:"path"`
	MaxSize         int    `yaml:"max_size" mapstructure:"max_size" json:"max_size"`                            // MB before rotation
	MaxAge          int    `yaml:"max_age" mapstructure:"max_age" json:"max_age"`                               // days to keep rotated logs (0 = no limit)
	MaxRotatedFiles int    `yaml:"max_rotated_files" mapstructure:"max_rotated_files" json:"max_rotated_files"` // rotated files to keep (0 = no limit)
	Compress        bool   `yaml:"compress" mapstructure:"compress" json:"compress"`                            // gzip rotated logs
	Level           string `yaml:"level" mapstructure:"level" json:"level"`
}

// Default values for logging configuration.
// These match the defaults in conf/defaults.go.
const (
	DefaultLogLevel        = "info"
	DefaultLogPath         = "logs/gadgetbridge.log"
	DefaultMaxSize         = 50
	DefaultMaxAge          = 14
	DefaultMaxRotatedFiles = 5
	DefaultCompressLogs    = false
	DefaultConsoleEnabled  = true
	DefaultFileEnabled     = false
)

// applyConfigDefaults fills nil sections so a partial config never silently
// disables console logging.
func applyConfigDefaults(cfg *LoggingConfig) {
	if cfg == nil {
		return
	}

	if cfg.DefaultLevel == "" {
		cfg.DefaultLevel = DefaultLogLevel
	}

	if cfg.Console == nil {
		cfg.Console = &ConsoleOutput{
			Enabled: DefaultConsoleEnabled,
			Level:   cfg.DefaultLevel,
		}
	}

	if cfg.FileOutput == nil {
		cfg.FileOutput = &FileOutput{
			Enabled:         DefaultFileEnabled,
			Path:            DefaultLogPath,
			Level:           cfg.DefaultLevel,
			MaxSize:         DefaultMaxSize,
			MaxAge:          DefaultMaxAge,
			MaxRotatedFiles: DefaultMaxRotatedFiles,
			Compress:        DefaultCompressLogs,
		}
	}

	if cfg.FileOutput.Path == "" {
		cfg.FileOutput.Path = DefaultLogPath
	}
}
