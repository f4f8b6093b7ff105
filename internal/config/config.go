package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

type InstrumentationConfig struct {
	Enabled      bool    `mapstructure:"enabled"`
	SamplingRate float64 `mapstructure:"sampling_rate"`
}

type Config struct {
	Server             ServerConfig          `mapstructure:"server"`
	Log                LogConfig             `mapstructure:"log"`
	Auth               AuthConfig            `mapstructure:"auth"`
	Instrumentation    InstrumentationConfig `mapstructure:"instrumentation"`
	MaxRecordsReturned int                   `mapstructure:"max_records_returned"`
	Services           []ServiceConfig       `mapstructure:"services"`
	Permissions        []PermissionConfig    `mapstructure:"permissions"`
}

type ServerConfig struct {
	Port      int `mapstructure:"port"`
	BodyLimit int `mapstructure:"body_limit"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"` // "text" or "json"
}

type AuthConfig struct {
	JWTSecret  string   `mapstructure:"jwt_secret"`
	AllowGuest bool     `mapstructure:"allow_guest"`
	GuestRoles []string `mapstructure:"guest_roles"`
}

// ServiceConfig describes one named database service exposed under /api/:service.
type ServiceConfig struct {
	Name         string                            `mapstructure:"name"`
	Label        string                            `mapstructure:"label"`
	Database     DatabaseConfig                    `mapstructure:"database"`
	SchemaExtras map[string]map[string]FieldExtras `mapstructure:"schema_extras"`
}

// FieldExtras overlays introspected column metadata for one field.
type FieldExtras struct {
	Role       string `mapstructure:"role"`
	ReadOnly   bool   `mapstructure:"read_only"`
	Type       string `mapstructure:"type"`
	Validation string `mapstructure:"validation"`
	Message    string `mapstructure:"message"`
}

type PermissionConfig struct {
	Roles    []string           `mapstructure:"roles"`
	Service  string             `mapstructure:"service"`
	Table    string             `mapstructure:"table"`
	Actions  []string           `mapstructure:"actions"`
	Filters  []FilterRuleConfig `mapstructure:"filters"`
	FilterOp string             `mapstructure:"filter_op"`
}

type FilterRuleConfig struct {
	Field    string `mapstructure:"field"`
	Operator string `mapstructure:"operator"`
	Value    any    `mapstructure:"value"`
}

type DatabaseConfig struct {
	Driver       string        `mapstructure:"driver"`
	Host         string        `mapstructure:"host"`
	Port         int           `mapstructure:"port"`
	User         string        `mapstructure:"user"`
	Password     string        `mapstructure:"password"`
	Name         string        `mapstructure:"name"`
	PoolSize     int           `mapstructure:"pool_size"`
	Path         string        `mapstructure:"path"` // directory for SQLite database files
	QueryTimeout time.Duration `mapstructure:"query_timeout"`
}

// DSN returns the driver-specific data source name.
func (d DatabaseConfig) DSN() string {
	switch d.Driver {
	case "sqlite":
		if d.Name == ":memory:" {
			return d.Name
		}
		return d.Path + "/" + d.Name + ".db"
	case "sqlserver":
		u := &url.URL{
			Scheme:   "sqlserver",
			User:     url.UserPassword(d.User, d.Password),
			Host:     fmt.Sprintf("%s:%d", d.Host, d.Port),
			RawQuery: url.Values{"database": {d.Name}}.Encode(),
		}
		return u.String()
	default:
		return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=disable",
			url.QueryEscape(d.User), url.QueryEscape(d.Password), d.Host, d.Port, d.Name)
	}
}

// Flags registers the command line flags understood by Load.
func Flags(fs *pflag.FlagSet) {
	fs.String("config", "", "path to the configuration file")
	fs.Int("port", 0, "HTTP port, overrides server.port")
}

// Load reads app.yaml (or the file named by --config), environment variables
// prefixed with BAAS_, and the parsed flags.
func Load(fs *pflag.FlagSet) (*Config, error) {
	v := viper.New()
	v.SetConfigName("app")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")
	v.AddConfigPath("../..")

	setDefaults(v)

	v.SetEnvPrefix("baas")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if fs != nil {
		if f := fs.Lookup("config"); f != nil && f.Value.String() != "" {
			v.SetConfigFile(f.Value.String())
		}
		if f := fs.Lookup("port"); f != nil && f.Changed {
			if err := v.BindPFlag("server.port", f); err != nil {
				return nil, fmt.Errorf("bind port flag: %w", err)
			}
		}
	}

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.body_limit", 4*1024*1024)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
	v.SetDefault("max_records_returned", 1000)
	v.SetDefault("auth.jwt_secret", "changeme-secret")
	v.SetDefault("auth.allow_guest", false)
	v.SetDefault("auth.guest_roles", []string{"guest"})
	v.SetDefault("instrumentation.enabled", true)
	v.SetDefault("instrumentation.sampling_rate", 1.0)
}

// Validate checks the service list for missing names, duplicates and unknown drivers,
// and fills per-database defaults.
func (c *Config) Validate() error {
	seen := make(map[string]bool, len(c.Services))
	for i := range c.Services {
		svc := &c.Services[i]
		if svc.Name == "" {
			return fmt.Errorf("services[%d]: name is required", i)
		}
		if seen[svc.Name] {
			return fmt.Errorf("services[%d]: duplicate service name %q", i, svc.Name)
		}
		seen[svc.Name] = true

		db := &svc.Database
		switch db.Driver {
		case "":
			db.Driver = "postgres"
		case "postgres", "sqlite", "sqlserver":
		default:
			return fmt.Errorf("service %s: unsupported driver %q", svc.Name, db.Driver)
		}
		if db.Host == "" {
			db.Host = "localhost"
		}
		if db.Port == 0 {
			switch db.Driver {
			case "postgres":
				db.Port = 5432
			case "sqlserver":
				db.Port = 1433
			}
		}
		if db.Path == "" {
			db.Path = "./data"
		}
		if db.PoolSize == 0 {
			db.PoolSize = 10
		}
	}
	if c.MaxRecordsReturned <= 0 {
		c.MaxRecordsReturned = 1000
	}
	return nil
}
