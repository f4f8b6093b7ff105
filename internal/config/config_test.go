package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleYAML = `
server:
  port: 7000
log:
  level: debug
auth:
  jwt_secret: s3cret
  allow_guest: true
services:
  - name: library
    label: Library
    database:
      driver: sqlite
      name: library
    schema_extras:
      note:
        stamp:
          role: created_at
          read_only: true
  - name: billing
    database:
      host: db.internal
      user: app
      password: pw
      name: billing
      query_timeout: 5s
permissions:
  - roles: [reader]
    service: library
    actions: [read]
    filters:
      - field: owner
        operator: eq
        value: "{user_id}"
`

func writeConfig(t *testing.T, body string) *pflag.FlagSet {
	t.Helper()
	path := filepath.Join(t.TempDir(), "app.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))

	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	Flags(fs)
	require.NoError(t, fs.Parse([]string{"--config", path}))
	return fs
}

func TestLoad(t *testing.T) {
	cfg, err := Load(writeConfig(t, sampleYAML))
	require.NoError(t, err)

	assert.Equal(t, 7000, cfg.Server.Port)
	assert.Equal(t, 4*1024*1024, cfg.Server.BodyLimit)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "text", cfg.Log.Format)
	assert.Equal(t, 1000, cfg.MaxRecordsReturned)
	assert.True(t, cfg.Auth.AllowGuest)
	assert.Equal(t, []string{"guest"}, cfg.Auth.GuestRoles)

	require.Len(t, cfg.Services, 2)
	lib := cfg.Services[0]
	assert.Equal(t, "sqlite", lib.Database.Driver)
	assert.Equal(t, "./data", lib.Database.Path)
	assert.Equal(t, FieldExtras{Role: "created_at", ReadOnly: true}, lib.SchemaExtras["note"]["stamp"])

	billing := cfg.Services[1].Database
	assert.Equal(t, "postgres", billing.Driver)
	assert.Equal(t, 5432, billing.Port)
	assert.Equal(t, 10, billing.PoolSize)
	assert.Equal(t, "5s", billing.QueryTimeout.String())

	require.Len(t, cfg.Permissions, 1)
	assert.Equal(t, "{user_id}", cfg.Permissions[0].Filters[0].Value)
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("BAAS_LOG_LEVEL", "warn")
	fs := writeConfig(t, sampleYAML)
	require.NoError(t, fs.Parse([]string{"--port", "9999"}))

	cfg, err := Load(fs)
	require.NoError(t, err)
	assert.Equal(t, "warn", cfg.Log.Level)
	assert.Equal(t, 9999, cfg.Server.Port)
}

func TestLoadMissingFile(t *testing.T) {
	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	Flags(fs)
	require.NoError(t, fs.Parse([]string{"--config", filepath.Join(t.TempDir(), "absent.yaml")}))

	_, err := Load(fs)
	assert.ErrorContains(t, err, "read config")
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name     string
		services []ServiceConfig
		err      string
	}{
		{"missing name", []ServiceConfig{{}}, "name is required"},
		{"duplicate", []ServiceConfig{{Name: "a"}, {Name: "a"}}, `duplicate service name "a"`},
		{"bad driver", []ServiceConfig{{Name: "a", Database: DatabaseConfig{Driver: "oracle"}}}, `unsupported driver "oracle"`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := &Config{Services: tt.services}
			assert.ErrorContains(t, cfg.Validate(), tt.err)
		})
	}

	cfg := &Config{Services: []ServiceConfig{{Name: "mssql", Database: DatabaseConfig{Driver: "sqlserver"}}}}
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 1433, cfg.Services[0].Database.Port)
	assert.Equal(t, "localhost", cfg.Services[0].Database.Host)
}

func TestDSN(t *testing.T) {
	assert.Equal(t, "./data/lib.db", DatabaseConfig{Driver: "sqlite", Path: "./data", Name: "lib"}.DSN())
	assert.Equal(t, ":memory:", DatabaseConfig{Driver: "sqlite", Name: ":memory:"}.DSN())
	assert.Equal(t,
		"postgres://app:p%40ss@db:5432/lib?sslmode=disable",
		DatabaseConfig{Driver: "postgres", User: "app", Password: "p@ss", Host: "db", Port: 5432, Name: "lib"}.DSN())
	assert.Equal(t,
		"sqlserver://sa:pw@db:1433?database=lib",
		DatabaseConfig{Driver: "sqlserver", User: "sa", Password: "pw", Host: "db", Port: 1433, Name: "lib"}.DSN())
}
