package config

import (
	"fmt"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config holds all configuration for the application
type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Database   DatabaseConfig   `mapstructure:"database"`
	Mongo      MongoConfig      `mapstructure:"mongo"`
	Secrets    SecretsConfig    `mapstructure:"secrets"`
	Outlook    OutlookConfig    `mapstructure:"outlook"`
	Gmail      GmailConfig      `mapstructure:"gmail"`
	Yahoo      YahooConfig      `mapstructure:"yahoo"`
	Classifier ClassifierConfig `mapstructure:"classifier"`
	Pipeline   PipelineConfig   `mapstructure:"pipeline"`
	Scheduler  SchedulerConfig  `mapstructure:"scheduler"`
	Auth       AuthConfig       `mapstructure:"auth"`
	Log        LogConfig        `mapstructure:"log"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port         string        `mapstructure:"port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	// FrontendURL receives the browser after the OAuth callback, when set.
	FrontendURL string `mapstructure:"frontend_url"`
}

// DatabaseConfig holds database connection configuration
type DatabaseConfig struct {
	Driver   string `mapstructure:"driver"`
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	DBName   string `mapstructure:"dbname"`
	SSLMode  string `mapstructure:"sslmode"`
	Path     string `mapstructure:"path"`
}

// MongoConfig is used when database.driver is mongo
type MongoConfig struct {
	URI      string `mapstructure:"uri"`
	Database string `mapstructure:"database"`
}

// SecretsConfig selects and configures the token secret store
type SecretsConfig struct {
	Backend         string `mapstructure:"backend"`
	EncryptionKey   string `mapstructure:"encryption_key"`
	KeyringService  string `mapstructure:"keyring_service"`
	KeyringDir      string `mapstructure:"keyring_dir"`
	KeyringPassword string `mapstructure:"keyring_password"`
	RedisAddr       string `mapstructure:"redis_addr"`
	RedisPassword   string `mapstructure:"redis_password"`
	RedisDB         int    `mapstructure:"redis_db"`
	KeyPrefix       string `mapstructure:"key_prefix"`
}

// OutlookConfig holds Microsoft identity platform and Graph configuration
type OutlookConfig struct {
	ClientID     string `mapstructure:"client_id"`
	ClientSecret string `mapstructure:"client_secret"`
	TenantID     string `mapstructure:"tenant_id"`
	RedirectURI  string `mapstructure:"redirect_uri"`
	AuthBaseURL  string `mapstructure:"auth_base_url"`
	GraphBaseURL string `mapstructure:"graph_base_url"`
}

// Enabled reports whether Outlook credentials are configured
func (c OutlookConfig) Enabled() bool {
	return c.ClientID != ""
}

// GmailConfig holds Google OAuth configuration
type GmailConfig struct {
	ClientID     string `mapstructure:"client_id"`
	ClientSecret string `mapstructure:"client_secret"`
	RedirectURI  string `mapstructure:"redirect_uri"`
	// Endpoint overrides the Gmail API base path; empty uses the public API.
	Endpoint string `mapstructure:"endpoint"`
}

// Enabled reports whether Gmail credentials are configured
func (c GmailConfig) Enabled() bool {
	return c.ClientID != ""
}

// YahooConfig holds Yahoo OAuth and IMAP configuration
type YahooConfig struct {
	ClientID     string `mapstructure:"client_id"`
	ClientSecret string `mapstructure:"client_secret"`
	RedirectURI  string `mapstructure:"redirect_uri"`
	IMAPAddr     string `mapstructure:"imap_addr"`
}

// Enabled reports whether Yahoo credentials are configured
func (c YahooConfig) Enabled() bool {
	return c.ClientID != ""
}

// ClassifierConfig holds the categorization service configuration
type ClassifierConfig struct {
	BaseURL string        `mapstructure:"base_url"`
	APIKey  string        `mapstructure:"api_key"`
	Path    string        `mapstructure:"path"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// PipelineConfig tunes message fetching and token handling
type PipelineConfig struct {
	Lookback    time.Duration `mapstructure:"lookback"`
	PageSize    int           `mapstructure:"page_size"`
	RefreshLead time.Duration `mapstructure:"refresh_lead"`
	StateMaxAge time.Duration `mapstructure:"state_max_age"`
	HTTPTimeout time.Duration `mapstructure:"http_timeout"`
	ClaimTTL    time.Duration `mapstructure:"claim_ttl"`
}

// SchedulerConfig holds scheduler configuration
type SchedulerConfig struct {
	Enabled         bool `mapstructure:"enabled"`
	IntervalMinutes int  `mapstructure:"interval_minutes"`
}

// AuthConfig holds API authentication settings
type AuthConfig struct {
	JWTSecret   string `mapstructure:"jwt_secret"`
	AdminAPIKey string `mapstructure:"admin_api_key"`
}

// LogConfig holds logging configuration
type LogConfig struct {
	Level string `mapstructure:"level"`
}

// LoadConfig loads configuration from .env, an optional config file and environment variables
func LoadConfig() (*Config, error) {
	// .env is optional; real environment variables win over it
	_ = godotenv.Load()

	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	v.AutomaticEnv()
	bindEnvVars(v)

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	return &config, nil
}

// setDefaults sets default configuration values
func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", "8080")
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.write_timeout", "30s")

	v.SetDefault("database.driver", "mysql")
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 3306)
	v.SetDefault("database.sslmode", "disable")
	v.SetDefault("database.path", "smart-mail-sorter.db")

	v.SetDefault("mongo.uri", "mongodb://localhost:27017")
	v.SetDefault("mongo.database", "smart_mail_sorter")

	v.SetDefault("secrets.backend", "memory")
	v.SetDefault("secrets.keyring_service", "smart-mail-sorter")
	v.SetDefault("secrets.keyring_dir", "~/.config/smart-mail-sorter/secrets")
	v.SetDefault("secrets.redis_addr", "localhost:6379")
	v.SetDefault("secrets.key_prefix", "secret:")

	v.SetDefault("outlook.tenant_id", "common")
	v.SetDefault("outlook.auth_base_url", "https://login.microsoftonline.com")
	v.SetDefault("outlook.graph_base_url", "https://graph.microsoft.com/v1.0")

	v.SetDefault("yahoo.imap_addr", "imap.mail.yahoo.com:993")

	v.SetDefault("classifier.path", "/api/agents/categorization/run")
	v.SetDefault("classifier.timeout", "30s")

	v.SetDefault("pipeline.lookback", "168h")
	v.SetDefault("pipeline.page_size", 50)
	v.SetDefault("pipeline.refresh_lead", "5m")
	v.SetDefault("pipeline.state_max_age", "30m")
	v.SetDefault("pipeline.http_timeout", "30s")
	v.SetDefault("pipeline.claim_ttl", "15m")

	v.SetDefault("scheduler.enabled", true)
	v.SetDefault("scheduler.interval_minutes", 5)

	v.SetDefault("log.level", "info")
}

// bindEnvVars binds environment variables to configuration keys
func bindEnvVars(v *viper.Viper) {
	// Server
	v.BindEnv("server.port", "SERVER_PORT")
	v.BindEnv("server.read_timeout", "SERVER_READ_TIMEOUT")
	v.BindEnv("server.write_timeout", "SERVER_WRITE_TIMEOUT")
	v.BindEnv("server.frontend_url", "FRONTEND_URL")

	// Database
	v.BindEnv("database.driver", "DB_DRIVER")
	v.BindEnv("database.host", "DB_HOST")
	v.BindEnv("database.port", "DB_PORT")
	v.BindEnv("database.user", "DB_USER")
	v.BindEnv("database.password", "DB_PASSWORD")
	v.BindEnv("database.dbname", "DB_NAME")
	v.BindEnv("database.sslmode", "DB_SSLMODE")
	v.BindEnv("database.path", "DB_PATH")
	v.BindEnv("mongo.uri", "MONGO_URI")
	v.BindEnv("mongo.database", "MONGO_DATABASE")

	// Secrets
	v.BindEnv("secrets.backend", "SECRETS_BACKEND")
	v.BindEnv("secrets.encryption_key", "ENCRYPTION_KEY")
	v.BindEnv("secrets.keyring_service", "SECRETS_KEYRING_SERVICE")
	v.BindEnv("secrets.keyring_dir", "SECRETS_KEYRING_DIR")
	v.BindEnv("secrets.keyring_password", "SECRETS_KEYRING_PASSWORD")
	v.BindEnv("secrets.redis_addr", "REDIS_ADDR")
	v.BindEnv("secrets.redis_password", "REDIS_PASSWORD")
	v.BindEnv("secrets.redis_db", "REDIS_DB")
	v.BindEnv("secrets.key_prefix", "SECRETS_KEY_PREFIX")

	// Providers
	v.BindEnv("outlook.client_id", "OUTLOOK_CLIENT_ID")
	v.BindEnv("outlook.client_secret", "OUTLOOK_CLIENT_SECRET")
	v.BindEnv("outlook.tenant_id", "OUTLOOK_TENANT_ID")
	v.BindEnv("outlook.redirect_uri", "OUTLOOK_REDIRECT_URI")
	v.BindEnv("outlook.auth_base_url", "OUTLOOK_AUTH_BASE_URL")
	v.BindEnv("outlook.graph_base_url", "OUTLOOK_GRAPH_BASE_URL")
	v.BindEnv("gmail.client_id", "GMAIL_CLIENT_ID")
	v.BindEnv("gmail.client_secret", "GMAIL_CLIENT_SECRET")
	v.BindEnv("gmail.redirect_uri", "GMAIL_REDIRECT_URI")
	v.BindEnv("gmail.endpoint", "GMAIL_ENDPOINT")
	v.BindEnv("yahoo.client_id", "YAHOO_CLIENT_ID")
	v.BindEnv("yahoo.client_secret", "YAHOO_CLIENT_SECRET")
	v.BindEnv("yahoo.redirect_uri", "YAHOO_REDIRECT_URI")
	v.BindEnv("yahoo.imap_addr", "YAHOO_IMAP_ADDR")

	// Classifier
	v.BindEnv("classifier.base_url", "IA_BACKEND_URL")
	v.BindEnv("classifier.api_key", "IA_BACKEND_API_KEY")
	v.BindEnv("classifier.path", "CLASSIFIER_PATH")
	v.BindEnv("classifier.timeout", "CLASSIFIER_TIMEOUT")

	// Pipeline
	v.BindEnv("pipeline.lookback", "PIPELINE_LOOKBACK")
	v.BindEnv("pipeline.page_size", "PIPELINE_PAGE_SIZE")
	v.BindEnv("pipeline.refresh_lead", "PIPELINE_REFRESH_LEAD")
	v.BindEnv("pipeline.state_max_age", "PIPELINE_STATE_MAX_AGE")
	v.BindEnv("pipeline.http_timeout", "PIPELINE_HTTP_TIMEOUT")
	v.BindEnv("pipeline.claim_ttl", "PIPELINE_CLAIM_TTL")

	// Scheduler
	v.BindEnv("scheduler.enabled", "SCHEDULER_ENABLED")
	v.BindEnv("scheduler.interval_minutes", "SCHEDULER_INTERVAL_MINUTES")

	// Auth
	v.BindEnv("auth.jwt_secret", "JWT_SECRET")
	v.BindEnv("auth.admin_api_key", "ADMIN_API_KEY")

	v.BindEnv("log.level", "LOG_LEVEL")
}

// GetDSN returns the database connection string for the configured driver
func (c *DatabaseConfig) GetDSN() string {
	switch c.Driver {
	case "postgres":
		return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
			c.Host, c.Port, c.User, c.Password, c.DBName, c.SSLMode)
	case "sqlite":
		return c.Path
	default:
		return fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?charset=utf8mb4&parseTime=True&loc=Local",
			c.User, c.Password, c.Host, c.Port, c.DBName)
	}
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Server.Port == "" {
		return fmt.Errorf("server port is required")
	}

	switch c.Database.Driver {
	case "mysql", "postgres":
		if c.Database.Host == "" || c.Database.User == "" || c.Database.DBName == "" {
			return fmt.Errorf("database host, user, and dbname are required")
		}
	case "sqlite":
		if c.Database.Path == "" {
			return fmt.Errorf("database path is required for sqlite")
		}
	case "mongo":
		if c.Mongo.URI == "" || c.Mongo.Database == "" {
			return fmt.Errorf("mongo uri and database are required")
		}
	default:
		return fmt.Errorf("unsupported database driver: %s", c.Database.Driver)
	}

	switch c.Secrets.Backend {
	case "memory", "keyring", "redis":
	default:
		return fmt.Errorf("unsupported secrets backend: %s", c.Secrets.Backend)
	}
	if len(c.Secrets.EncryptionKey) < 16 {
		return fmt.Errorf("encryption key must be at least 16 characters")
	}

	if !c.Outlook.Enabled() && !c.Gmail.Enabled() && !c.Yahoo.Enabled() {
		return fmt.Errorf("at least one mail provider must be configured")
	}
	if c.Outlook.Enabled() && (c.Outlook.ClientSecret == "" || c.Outlook.RedirectURI == "") {
		return fmt.Errorf("outlook client secret and redirect uri are required")
	}
	if c.Gmail.Enabled() && (c.Gmail.ClientSecret == "" || c.Gmail.RedirectURI == "") {
		return fmt.Errorf("gmail client secret and redirect uri are required")
	}
	if c.Yahoo.Enabled() && (c.Yahoo.ClientSecret == "" || c.Yahoo.RedirectURI == "") {
		return fmt.Errorf("yahoo client secret and redirect uri are required")
	}

	if c.Classifier.BaseURL == "" {
		return fmt.Errorf("classifier base url is required")
	}

	if c.Scheduler.IntervalMinutes <= 0 {
		return fmt.Errorf("scheduler interval must be greater than 0")
	}

	if c.Auth.JWTSecret == "" {
		return fmt.Errorf("jwt secret is required")
	}

	return nil
}
