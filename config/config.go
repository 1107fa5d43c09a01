package config

// Config is the trellis host configuration.
type Config struct {
	Plugins  PluginsConfig  `mapstructure:"plugins"`
	Server   ServerConfig   `mapstructure:"server"`
	Database DatabaseConfig `mapstructure:"database"`
	Log      LogConfig      `mapstructure:"log"`
}

// PluginsConfig controls discovery and composition behavior
type PluginsConfig struct {
	Dir    string `mapstructure:"dir"`    // plugin directory scanned at startup
	Strict bool   `mapstructure:"strict"` // any plugin failure aborts startup
	Watch  bool   `mapstructure:"watch"`  // recompose on plugin directory changes
}

// ServerConfig configures the trellis web server
type ServerConfig struct {
	Port int    `mapstructure:"port"`
	Host string `mapstructure:"host"`
}

// DatabaseConfig configures the SQLite state store
type DatabaseConfig struct {
	Path string `mapstructure:"path"`
}

// LogConfig configures structured logging output
type LogConfig struct {
	JSON bool `mapstructure:"json"` // JSON encoder instead of console
}

// Server port constants
const (
	DefaultServerPort = 7870
)
