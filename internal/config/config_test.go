package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port: "8080",
		},
		Database: DatabaseConfig{
			Driver: "mysql",
			Host:   "localhost",
			User:   "test",
			DBName: "test",
		},
		Secrets: SecretsConfig{
			Backend:       "memory",
			EncryptionKey: "0123456789abcdef0123456789abcdef",
		},
		Outlook: OutlookConfig{
			ClientID:     "client",
			ClientSecret: "secret",
			RedirectURI:  "http://localhost:8080/api/v1/email-connections/outlook/callback",
		},
		Classifier: ClassifierConfig{
			BaseURL: "http://localhost:9000",
		},
		Scheduler: SchedulerConfig{
			IntervalMinutes: 5,
		},
		Auth: AuthConfig{
			JWTSecret: "jwt-secret",
		},
	}
}

func TestConfigValidation(t *testing.T) {
	err := validConfig().Validate()
	assert.NoError(t, err)

	invalidConfig := &Config{
		Server: ServerConfig{
			Port: "",
		},
	}

	err = invalidConfig.Validate()
	assert.Error(t, err)
}

func TestConfigValidationRejects(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(c *Config)
	}{
		{"unknown driver", func(c *Config) { c.Database.Driver = "oracle" }},
		{"sqlite without path", func(c *Config) { c.Database = DatabaseConfig{Driver: "sqlite"} }},
		{"mongo without uri", func(c *Config) { c.Database = DatabaseConfig{Driver: "mongo"} }},
		{"unknown secrets backend", func(c *Config) { c.Secrets.Backend = "vault" }},
		{"short encryption key", func(c *Config) { c.Secrets.EncryptionKey = "short" }},
		{"no providers", func(c *Config) { c.Outlook = OutlookConfig{} }},
		{"outlook without redirect", func(c *Config) { c.Outlook.RedirectURI = "" }},
		{"gmail without secret", func(c *Config) { c.Gmail = GmailConfig{ClientID: "id"} }},
		{"missing classifier", func(c *Config) { c.Classifier.BaseURL = "" }},
		{"zero interval", func(c *Config) { c.Scheduler.IntervalMinutes = 0 }},
		{"missing jwt secret", func(c *Config) { c.Auth.JWTSecret = "" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := validConfig()
			tt.mutate(c)
			assert.Error(t, c.Validate())
		})
	}
}

func TestDatabaseDSN(t *testing.T) {
	config := DatabaseConfig{
		Driver:   "mysql",
		Host:     "localhost",
		Port:     3306,
		User:     "testuser",
		Password: "testpass",
		DBName:   "testdb",
	}

	dsn := config.GetDSN()
	expected := "testuser:testpass@tcp(localhost:3306)/testdb?charset=utf8mb4&parseTime=True&loc=Local"
	assert.Equal(t, expected, dsn)

	config.Driver = "postgres"
	config.Port = 5432
	config.SSLMode = "disable"
	assert.Equal(t, "host=localhost port=5432 user=testuser password=testpass dbname=testdb sslmode=disable", config.GetDSN())

	config.Driver = "sqlite"
	config.Path = "/tmp/test.db"
	assert.Equal(t, "/tmp/test.db", config.GetDSN())
}

func TestLoadConfigFromEnv(t *testing.T) {
	t.Setenv("SERVER_PORT", "9090")
	t.Setenv("DB_DRIVER", "sqlite")
	t.Setenv("OUTLOOK_CLIENT_ID", "client-from-env")
	t.Setenv("IA_BACKEND_URL", "http://classifier.local")
	t.Setenv("PIPELINE_REFRESH_LEAD", "2m")

	cfg, err := LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, "9090", cfg.Server.Port)
	assert.Equal(t, "sqlite", cfg.Database.Driver)
	assert.Equal(t, "client-from-env", cfg.Outlook.ClientID)
	assert.Equal(t, "common", cfg.Outlook.TenantID)
	assert.Equal(t, "http://classifier.local", cfg.Classifier.BaseURL)
	assert.Equal(t, "/api/agents/categorization/run", cfg.Classifier.Path)
	assert.Equal(t, 2*time.Minute, cfg.Pipeline.RefreshLead)
	assert.Equal(t, 30*time.Minute, cfg.Pipeline.StateMaxAge)
	assert.Equal(t, 168*time.Hour, cfg.Pipeline.Lookback)
	assert.Equal(t, 50, cfg.Pipeline.PageSize)
}
