package config

import (
	"context"
	"fmt"

	"github.com/sethvargo/go-envconfig"
)

// Config holds all application configuration
type Config struct {
	// Server configuration
	Server ServerConfig `env:",prefix=SERVER_"`

	// Database configuration
	Database DatabaseConfig `env:",prefix=DB_"`

	// Mailer configuration
	Mailer MailerConfig `env:",prefix=MAIL_"`

	// Fulfillment workflow configuration
	Fulfillment FulfillmentConfig `env:",prefix=FULFILL_"`

	// Application configuration
	App AppConfig `env:",prefix=APP_"`
}

// ServerConfig holds server-related configuration
type ServerConfig struct {
	Port         string `env:"PORT,default=8080"`
	Host         string `env:"HOST,default=0.0.0.0"`
	ReadTimeout  int    `env:"READ_TIMEOUT,default=30"`  // seconds
	WriteTimeout int    `env:"WRITE_TIMEOUT,default=30"` // seconds
}

// DatabaseConfig holds database configuration. Driver selects between the
// production PostgreSQL store and an embedded SQLite store used for tests
// and local development.
type DatabaseConfig struct {
	Driver   string `env:"DRIVER,default=postgres"` // postgres or sqlite3
	Host     string `env:"HOST,default=localhost"`
	Port     string `env:"PORT,default=5432"`
	User     string `env:"USER,default=postgres"`
	Password string `env:"PASSWORD,default=postgres"`
	Name     string `env:"NAME,default=reward_fulfillment"`
	SSLMode  string `env:"SSL_MODE,default=disable"`
	Path     string `env:"PATH,default=./reward_fulfillment.db"` // sqlite3 only
	MaxConns int    `env:"MAX_CONNS,default=25"`
	MinConns int    `env:"MIN_CONNS,default=5"`
}

// MailerConfig holds SMTP configuration for the notification gateway
type MailerConfig struct {
	Host     string `env:"HOST,default=localhost"`
	Port     int    `env:"PORT,default=587"`
	Username string `env:"USERNAME"`
	Password string `env:"PASSWORD"`
	From     string `env:"FROM,default=ReviewZone <noreply@reviewzone.dev>"`
}

// FulfillmentConfig holds workflow tuning knobs
type FulfillmentConfig struct {
	// MaxReserveAttempts bounds how often the allocator re-runs selection
	// after losing a reservation race.
	MaxReserveAttempts int `env:"MAX_RESERVE_ATTEMPTS,default=3"`
	// SendTimeout bounds the notification gateway call, in seconds. A
	// timeout counts as a send failure.
	SendTimeout int `env:"SEND_TIMEOUT,default=10"`
	// CountdownSeconds is the waiting-UI hint exposed to clients. It is a
	// display affordance only; correctness never depends on it.
	CountdownSeconds int `env:"COUNTDOWN_SECONDS,default=30"`
}

// AppConfig holds application-specific configuration
type AppConfig struct {
	Environment string `env:"ENVIRONMENT,default=development"`
	LogLevel    string `env:"LOG_LEVEL,default=info"`
	Debug       bool   `env:"DEBUG,default=false"`
}

// Load loads configuration from environment variables
func Load(ctx context.Context) (*Config, error) {
	var cfg Config
	if err := envconfig.Process(ctx, &cfg); err != nil {
		return nil, fmt.Errorf("failed to process environment config: %w", err)
	}
	return &cfg, nil
}

// DSN returns the connection string for the configured driver
func (c *DatabaseConfig) DSN() string {
	if c.Driver == "sqlite3" {
		// busy_timeout keeps concurrent writers from failing fast with
		// SQLITE_BUSY while another reservation is in flight.
		return c.Path + "?_busy_timeout=5000&_foreign_keys=1"
	}
	return fmt.Sprintf("host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Name, c.SSLMode)
}

// GetServerAddr returns the server address
func (c *ServerConfig) GetServerAddr() string {
	return fmt.Sprintf("%s:%s", c.Host, c.Port)
}

// IsDevelopment returns true if running in development environment
func (c *AppConfig) IsDevelopment() bool {
	return c.Environment == "development"
}

// IsProduction returns true if running in production environment
func (c *AppConfig) IsProduction() bool {
	return c.Environment == "production"
}
