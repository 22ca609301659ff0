package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Databases    DatabasesConfig `mapstructure:"databases"`
	StateStorage StateStorage    `mapstructure:"state_storage"`
	Sync         SyncConfig      `mapstructure:"sync"`
	Retry        RetryConfig     `mapstructure:"retry"`
	Scheduler    SchedulerConfig `mapstructure:"scheduler"`
	POS          POSConfig       `mapstructure:"pos"`
	Server       ServerConfig    `mapstructure:"server"`
	Logging      LoggingConfig   `mapstructure:"logging"`
}

type DatabasesConfig struct {
	Source DatabaseConnection `mapstructure:"source"`
}

type DatabaseConnection struct {
	Host                string `mapstructure:"host"`
	Port                int    `mapstructure:"port"`
	User                string `mapstructure:"user"`
	Password            string `mapstructure:"password"`
	Database            string `mapstructure:"database"`
	ReplicationUser     string `mapstructure:"replication_user"`
	ReplicationPassword string `mapstructure:"replication_password"`
	ServerID            uint32 `mapstructure:"server_id"`
}

type StateStorage struct {
	Type     string `mapstructure:"type"` // mysql or sqlite
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	Database string `mapstructure:"database"`
	FilePath string `mapstructure:"file_path"` // For SQLite
}

type SyncConfig struct {
	Realtime         bool          `mapstructure:"realtime"`
	Workers          int           `mapstructure:"workers"`
	QueueSize        int           `mapstructure:"queue_size"`
	Debounce         time.Duration `mapstructure:"debounce"`
	ProviderTimeout  time.Duration `mapstructure:"provider_timeout"`
	Tables           []TableConfig `mapstructure:"tables"`
	DisabledOwners   []string      `mapstructure:"disabled_owners"`
	DisabledEntities []string      `mapstructure:"disabled_entities"`
}

// TableConfig maps one watched source table onto a syncable entity type.
type TableConfig struct {
	Name         string   `mapstructure:"name"`
	EntityType   string   `mapstructure:"entity_type"`
	PrimaryKey   string   `mapstructure:"primary_key"`
	OwnerColumn  string   `mapstructure:"owner_column"`
	WatchColumns []string `mapstructure:"watch_columns"`
}

type RetryConfig struct {
	MaxRetries  int           `mapstructure:"max_retries"`
	BaseDelay   time.Duration `mapstructure:"base_delay"`
	MaxDelay    time.Duration `mapstructure:"max_delay"`
	Multiplier  float64       `mapstructure:"multiplier"`
	JitterRatio float64       `mapstructure:"jitter_ratio"`
}

type SchedulerConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Interval string `mapstructure:"interval"`
}

type POSConfig struct {
	BaseURL string        `mapstructure:"base_url"`
	APIKey  string        `mapstructure:"api_key"`
	Timeout time.Duration `mapstructure:"timeout"`
}

type ServerConfig struct {
	Port         int      `mapstructure:"port"`
	Host         string   `mapstructure:"host"`
	AuthToken    string   `mapstructure:"auth_token"`
	ReadTimeout  string   `mapstructure:"read_timeout"`
	WriteTimeout string   `mapstructure:"write_timeout"`
	CorsOrigins  []string `mapstructure:"cors_origins"`
}

func (s ServerConfig) GetReadTimeout() time.Duration {
	d, _ := time.ParseDuration(s.ReadTimeout)
	return d
}

func (s ServerConfig) GetWriteTimeout() time.Duration {
	d, _ := time.ParseDuration(s.WriteTimeout)
	return d
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
	File   string `mapstructure:"file"`
}

// Table returns the watched table config by name.
func (s SyncConfig) Table(name string) (TableConfig, bool) {
	for _, t := range s.Tables {
		if t.Name == name {
			return t, true
		}
	}
	return TableConfig{}, false
}

// TableForEntity returns the watched table backing an entity type.
func (s SyncConfig) TableForEntity(entityType string) (TableConfig, bool) {
	for _, t := range s.Tables {
		if t.EntityType == entityType {
			return t, true
		}
	}
	return TableConfig{}, false
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("state_storage.type", "mysql")
	v.SetDefault("state_storage.port", 3306)
	v.SetDefault("databases.source.port", 3306)
	v.SetDefault("databases.source.server_id", 100)

	v.SetDefault("sync.realtime", true)
	v.SetDefault("sync.workers", 4)
	v.SetDefault("sync.queue_size", 10000)
	v.SetDefault("sync.debounce", 5*time.Second)
	v.SetDefault("sync.provider_timeout", 30*time.Second)

	v.SetDefault("retry.max_retries", 5)
	v.SetDefault("retry.base_delay", 30*time.Second)
	v.SetDefault("retry.max_delay", time.Hour)
	v.SetDefault("retry.multiplier", 2.0)
	v.SetDefault("retry.jitter_ratio", 0.1)

	v.SetDefault("scheduler.enabled", true)
	v.SetDefault("scheduler.interval", "@every 30s")

	v.SetDefault("pos.timeout", 15*time.Second)

	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", "15s")
	v.SetDefault("server.write_timeout", "45s")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
}

// LoadConfig reads the YAML file at path, applying defaults and POSSYNC_*
// environment overrides. A missing file is not an error when path is empty.
func LoadConfig(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("POSSYNC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the settings the sync engine cannot run without.
func (c *Config) Validate() error {
	if c.Retry.MaxRetries < 1 {
		return fmt.Errorf("retry.max_retries must be at least 1")
	}
	if c.Sync.Debounce < 0 {
		return fmt.Errorf("sync.debounce must not be negative")
	}
	switch c.StateStorage.Type {
	case "mysql", "sqlite":
	default:
		return fmt.Errorf("unsupported state_storage.type %q", c.StateStorage.Type)
	}
	seen := make(map[string]bool)
	for _, t := range c.Sync.Tables {
		if t.Name == "" || t.EntityType == "" || t.PrimaryKey == "" || t.OwnerColumn == "" {
			return fmt.Errorf("sync table entries need name, entity_type, primary_key and owner_column")
		}
		if seen[t.Name] {
			return fmt.Errorf("sync table %s listed twice", t.Name)
		}
		seen[t.Name] = true
	}
	// Immediate triggers answer only after the provider call.
	if wt := c.Server.GetWriteTimeout(); wt > 0 && c.Sync.ProviderTimeout >= wt {
		return fmt.Errorf("server.write_timeout (%s) must exceed sync.provider_timeout (%s)", wt, c.Sync.ProviderTimeout)
	}
	return nil
}
