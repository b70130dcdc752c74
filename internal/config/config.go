// Package config defines the configuration for the WellPulse notification
// service. Configuration is loaded once at process initialization and is
// immutable thereafter, following 12-Factor principles: values come from
// the OS environment (highest priority) with a dotenv file as fallback.
//
// Any missing required value or invalid format fails startup immediately.
package config

import (
	"time"

	"wellpulse/internal/types"
)

// SecretString is an alias for types.SecretString, the redacted secret
// type used throughout configuration.
type SecretString = types.SecretString

// Config is the top-level configuration struct. Sub-components receive
// only the specific config subsets they require.
type Config struct {
	Environment string `envconfig:"APP_ENV" validate:"required,oneof=local dev staging prod"`
	Service     string `envconfig:"SERVICE_NAME" default:"wellpulse-notifications"`
	LogLevel    string `envconfig:"LOG_LEVEL" default:"info"`

	Server        ServerConfig
	Database      DatabaseConfig
	AWS           AWSConfig
	Notifications NotificationConfig
	Email         EmailConfig
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port            string        `envconfig:"PORT" default:"8080"`
	ReadTimeout     time.Duration `envconfig:"SERVER_READ_TIMEOUT" default:"10s"`
	WriteTimeout    time.Duration `envconfig:"SERVER_WRITE_TIMEOUT" default:"15s"`
	ShutdownTimeout time.Duration `envconfig:"SERVER_SHUTDOWN_TIMEOUT" default:"20s"`
}

// DatabaseConfig holds database connection and pool tuning parameters.
type DatabaseConfig struct {
	URL SecretString `envconfig:"DATABASE_URL" validate:"required,url"`

	MaxConns        int           `envconfig:"DB_MAX_CONNS" default:"10"`
	MinConns        int           `envconfig:"DB_MIN_CONNS" default:"2"`
	MaxConnLifetime time.Duration `envconfig:"DB_MAX_CONN_LIFETIME" default:"30m"`
	AcquireTimeout  time.Duration `envconfig:"DB_ACQUIRE_TIMEOUT" default:"2s"`
}

// AWSConfig holds AWS resource identifiers and regional configuration.
type AWSConfig struct {
	Region string `envconfig:"AWS_REGION" default:"us-east-1"`

	ReminderQueueURL string `envconfig:"SQS_REMINDERS"`
	MetricsEnabled   bool   `envconfig:"CLOUDWATCH_METRICS_ENABLED" default:"false"`

	// LocalStack support (empty in prod)
	EndpointURL string `envconfig:"AWS_ENDPOINT_URL"`
}

// NotificationConfig holds the dispatch policy knobs.
type NotificationConfig struct {
	// DefaultCooldown applies to users without a per-user override.
	DefaultCooldown time.Duration `envconfig:"REPLY_COOLDOWN" default:"30m"`
	// Channel selects the delivery channel: in_app or email.
	Channel string `envconfig:"DISPATCH_CHANNEL" default:"in_app" validate:"oneof=in_app email"`
	// WorkerBatchSize bounds how many due reminders one cycle picks up.
	WorkerBatchSize int `envconfig:"REMINDER_BATCH_SIZE" default:"200"`
	// ArchiveAfter is how old dispatch log entries must be before the
	// archiver exports and prunes them.
	ArchiveAfter time.Duration `envconfig:"DISPATCH_LOG_ARCHIVE_AFTER" default:"2160h"` // 90 days
}

// EmailConfig holds email delivery provider credentials.
type EmailConfig struct {
	ResendAPIKey SecretString `envconfig:"RESEND_API_KEY"`
	FromAddress  string       `envconfig:"EMAIL_FROM_ADDRESS" default:"notifications@wellpulse.app"`
	FromName     string       `envconfig:"EMAIL_FROM_NAME" default:"WellPulse"`
}

// From renders the RFC 5322 sender for outgoing mail.
func (c EmailConfig) From() string {
	return c.FromName + " <" + c.FromAddress + ">"
}
