package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Store drivers
const (
	StoreMemory   = "memory"
	StorePostgres = "postgres"
)

type Config struct {
	Port     int
	LogLevel string
	Env      string

	// StoreDriver selects postgres or the in-memory store (development only).
	StoreDriver string

	// Database
	DBHost     string
	DBPort     int
	DBUser     string
	DBPassword string
	DBName     string
	DBSSLMode  string
	DBMaxConns int

	// Redis config. An empty host disables rate limiting, idempotency and
	// synthetic webhook dedup.
	RedisHost     string
	RedisPort     int
	RedisPassword string
	RedisDB       int

	// API rate limit per client
	APIRateLimit  int
	APIRateWindow time.Duration

	// Per-recipient limit for marketing sends
	RecipientRateLimit  int
	RecipientRateWindow time.Duration

	// AWS Services
	AWSRegion      string
	AWSEndpoint    string // localstack and similar
	SESEnabled     bool
	SESFromEmail   string
	SESConfigSet   string
	SNSSMSEnabled  bool
	SNSSenderID    string
	SNSStatusTopic string // status change fan-out topic
	SQSNotifyQueue string // SES notifications delivered through SQS
	SQSWaitSeconds int
	SQSVisibility  int

	// Postal (transactional email relay)
	PostalBaseURL   string
	PostalAPIKey    string
	PostalFromEmail string

	// Twilio (SMS)
	TwilioAccountSID     string
	TwilioAuthToken      string
	TwilioFromNumber     string
	TwilioStatusCallback string

	// Firebase (push)
	FirebaseProjectID       string
	FirebaseCredentialsFile string

	// Dispatcher
	DispatchWorkers     int
	DispatchBatchSize   int
	DispatchPoll        time.Duration
	MaxAttempts         int
	SendTimeout         time.Duration
	BackoffCap          time.Duration
	DegradedConcurrency int
	ReapInterval        time.Duration
	StaleClaimAfter     time.Duration

	// Channel health thresholds
	HealthMinSamples          int
	HealthDegradedFailureRate float64
	HealthDownFailureRate     float64
	HealthDegradedBounceRate  float64
	HealthDownBounceRate      float64
	HealthMaxConsecutive      int
	HealthRecoveryTimeout     time.Duration
	HealthReconcileInterval   time.Duration

	// Suppression
	SoftBounceThreshold int
	WebhookDedupWindow  time.Duration
	MaxBulkRecipients   int
}

// Load reads configuration from environment variables with sensible
// defaults. A .env file in the working directory is applied first; real
// environment variables win over it.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	cfg := &Config{
		Port:        8080,
		LogLevel:    "info",
		Env:         "development",
		StoreDriver: StorePostgres,

		// Local postgres defaults
		DBHost:     "localhost",
		DBPort:     5432,
		DBUser:     "courier",
		DBName:     "courier",
		DBSSLMode:  "disable",
		DBMaxConns: 25,

		// Redis defaults
		RedisHost: "localhost",
		RedisPort: 6379,

		APIRateLimit:        100,
		APIRateWindow:       time.Minute,
		RecipientRateLimit:  10,
		RecipientRateWindow: time.Hour,

		AWSRegion:      "us-east-1",
		SESFromEmail:   "noreply@courier.local",
		SQSWaitSeconds: 20,
		SQSVisibility:  60,

		DispatchWorkers:     8,
		DispatchBatchSize:   50,
		DispatchPoll:        time.Second,
		MaxAttempts:         5,
		SendTimeout:         30 * time.Second,
		BackoffCap:          time.Hour,
		DegradedConcurrency: 1,
		ReapInterval:        time.Minute,
		StaleClaimAfter:     5 * time.Minute,

		HealthMinSamples:          20,
		HealthDegradedFailureRate: 0.10,
		HealthDownFailureRate:     0.50,
		HealthDegradedBounceRate:  0.05,
		HealthDownBounceRate:      0.15,
		HealthMaxConsecutive:      5,
		HealthRecoveryTimeout:     30 * time.Second,
		HealthReconcileInterval:   time.Minute,

		SoftBounceThreshold: 3,
		WebhookDedupWindow:  10 * time.Minute,
		MaxBulkRecipients:   1000,
	}

	l := &loader{}

	l.int("PORT", &cfg.Port)
	l.str("LOG_LEVEL", &cfg.LogLevel)
	l.str("ENV", &cfg.Env)
	l.str("STORE_DRIVER", &cfg.StoreDriver)

	// Database config
	l.str("DB_HOST", &cfg.DBHost)
	l.int("DB_PORT", &cfg.DBPort)
	l.str("DB_USER", &cfg.DBUser)
	l.str("DB_PASSWORD", &cfg.DBPassword)
	l.str("DB_NAME", &cfg.DBName)
	l.str("DB_SSLMODE", &cfg.DBSSLMode)
	l.int("DB_MAX_CONNS", &cfg.DBMaxConns)

	// Redis config
	l.str("REDIS_HOST", &cfg.RedisHost)
	l.int("REDIS_PORT", &cfg.RedisPort)
	l.str("REDIS_PASSWORD", &cfg.RedisPassword)
	l.int("REDIS_DB", &cfg.RedisDB)
	l.int("API_RATE_LIMIT", &cfg.APIRateLimit)
	l.duration("API_RATE_WINDOW", &cfg.APIRateWindow)
	l.int("RECIPIENT_RATE_LIMIT", &cfg.RecipientRateLimit)
	l.duration("RECIPIENT_RATE_WINDOW", &cfg.RecipientRateWindow)

	// AWS
	l.str("AWS_REGION", &cfg.AWSRegion)
	l.str("AWS_ENDPOINT_URL", &cfg.AWSEndpoint)
	l.bool("SES_ENABLED", &cfg.SESEnabled)
	l.str("SES_FROM_EMAIL", &cfg.SESFromEmail)
	l.str("SES_CONFIGURATION_SET", &cfg.SESConfigSet)
	l.bool("SNS_SMS_ENABLED", &cfg.SNSSMSEnabled)
	l.str("SNS_SENDER_ID", &cfg.SNSSenderID)
	l.str("SNS_STATUS_TOPIC_ARN", &cfg.SNSStatusTopic)
	l.str("SQS_NOTIFICATION_QUEUE_URL", &cfg.SQSNotifyQueue)
	l.int("SQS_WAIT_SECONDS", &cfg.SQSWaitSeconds)
	l.int("SQS_VISIBILITY_TIMEOUT", &cfg.SQSVisibility)

	// Providers
	l.str("POSTAL_BASE_URL", &cfg.PostalBaseURL)
	l.str("POSTAL_API_KEY", &cfg.PostalAPIKey)
	l.str("POSTAL_FROM_EMAIL", &cfg.PostalFromEmail)
	l.str("TWILIO_ACCOUNT_SID", &cfg.TwilioAccountSID)
	l.str("TWILIO_AUTH_TOKEN", &cfg.TwilioAuthToken)
	l.str("TWILIO_FROM_NUMBER", &cfg.TwilioFromNumber)
	l.str("TWILIO_STATUS_CALLBACK", &cfg.TwilioStatusCallback)
	l.str("FIREBASE_PROJECT_ID", &cfg.FirebaseProjectID)
	l.str("GOOGLE_APPLICATION_CREDENTIALS", &cfg.FirebaseCredentialsFile)

	// Dispatcher
	l.int("DISPATCH_WORKERS", &cfg.DispatchWorkers)
	l.int("DISPATCH_BATCH_SIZE", &cfg.DispatchBatchSize)
	l.duration("DISPATCH_POLL_INTERVAL", &cfg.DispatchPoll)
	l.int("DISPATCH_MAX_ATTEMPTS", &cfg.MaxAttempts)
	l.duration("DISPATCH_SEND_TIMEOUT", &cfg.SendTimeout)
	l.duration("DISPATCH_BACKOFF_CAP", &cfg.BackoffCap)
	l.int("DISPATCH_DEGRADED_CONCURRENCY", &cfg.DegradedConcurrency)
	l.duration("DISPATCH_REAP_INTERVAL", &cfg.ReapInterval)
	l.duration("DISPATCH_STALE_CLAIM_AFTER", &cfg.StaleClaimAfter)

	// Channel health
	l.int("HEALTH_MIN_SAMPLES", &cfg.HealthMinSamples)
	l.float("HEALTH_DEGRADED_FAILURE_RATE", &cfg.HealthDegradedFailureRate)
	l.float("HEALTH_DOWN_FAILURE_RATE", &cfg.HealthDownFailureRate)
	l.float("HEALTH_DEGRADED_BOUNCE_RATE", &cfg.HealthDegradedBounceRate)
	l.float("HEALTH_DOWN_BOUNCE_RATE", &cfg.HealthDownBounceRate)
	l.int("HEALTH_MAX_CONSECUTIVE_FAILURES", &cfg.HealthMaxConsecutive)
	l.duration("HEALTH_RECOVERY_TIMEOUT", &cfg.HealthRecoveryTimeout)
	l.duration("HEALTH_RECONCILE_INTERVAL", &cfg.HealthReconcileInterval)

	// Suppression
	l.int("SOFT_BOUNCE_THRESHOLD", &cfg.SoftBounceThreshold)
	l.duration("WEBHOOK_DEDUP_WINDOW", &cfg.WebhookDedupWindow)
	l.int("MAX_BULK_RECIPIENTS", &cfg.MaxBulkRecipients)

	if l.err != nil {
		return nil, l.err
	}

	if cfg.StoreDriver != StorePostgres && cfg.StoreDriver != StoreMemory {
		return nil, fmt.Errorf("invalid STORE_DRIVER %q: must be postgres or memory", cfg.StoreDriver)
	}
	if cfg.StaleClaimAfter <= cfg.SendTimeout {
		return nil, fmt.Errorf("DISPATCH_STALE_CLAIM_AFTER (%s) must exceed DISPATCH_SEND_TIMEOUT (%s)", cfg.StaleClaimAfter, cfg.SendTimeout)
	}

	return cfg, nil
}

// loader reads typed variables and keeps the first parse error.
type loader struct {
	err error
}

func (l *loader) str(key string, dst *string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func (l *loader) int(key string, dst *int) {
	v := os.Getenv(key)
	if v == "" || l.err != nil {
		return
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		l.err = fmt.Errorf("invalid %s: %w", key, err)
		return
	}
	*dst = n
}

func (l *loader) float(key string, dst *float64) {
	v := os.Getenv(key)
	if v == "" || l.err != nil {
		return
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		l.err = fmt.Errorf("invalid %s: %w", key, err)
		return
	}
	*dst = f
}

func (l *loader) bool(key string, dst *bool) {
	v := os.Getenv(key)
	if v == "" || l.err != nil {
		return
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		l.err = fmt.Errorf("invalid %s: %w", key, err)
		return
	}
	*dst = b
}

// duration accepts Go durations ("90s") or bare seconds ("90").
func (l *loader) duration(key string, dst *time.Duration) {
	v := os.Getenv(key)
	if v == "" || l.err != nil {
		return
	}
	if secs, err := strconv.Atoi(v); err == nil {
		*dst = time.Duration(secs) * time.Second
		return
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		l.err = fmt.Errorf("invalid %s: %w", key, err)
		return
	}
	*dst = d
}
