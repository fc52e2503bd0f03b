// Package config loads agent configuration from the environment. A .env
// file (if present) is loaded first, so secrets can live in .env locally
// and in real environment variables on the deployment host.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all configuration for the email agent.
type Config struct {
	AWS       AWSConfig
	Tables    TableConfig
	Queue     QueueConfig
	Push      PushConfig
	Templates TemplateConfig
	SMTP      SMTPConfig
	Agent     AgentConfig
	Ops       OpsConfig
}

// AWSConfig holds region and object-store settings.
type AWSConfig struct {
	Region   string
	Profile  string
	S3Bucket string
}

// TableConfig names the external DynamoDB tables.
type TableConfig struct {
	WorkOrders       string
	Connections      string
	Events           string
	Students         string
	Pools            string
	Prompts          string
	Stages           string
	Credentials      string
	DryrunRecipients string
	SendRecipients   string
}

// QueueConfig holds the command-queue settings.
type QueueConfig struct {
	URL             string
	WaitTimeSeconds int32
}

// PushConfig holds the UI push-channel settings.
type PushConfig struct {
	// WebSocketAPIURL is the wss:// or https:// URL of the management
	// endpoint, including the stage segment.
	WebSocketAPIURL string
	// HeartbeatInterval is how often dead subscriptions are probed.
	HeartbeatInterval time.Duration
}

// TemplateConfig holds the template-service settings.
type TemplateConfig struct {
	APIKey       string
	ServerPrefix string
	Audience     string
	ReplyTo      string
}

// SMTPConfig holds submission parameters and volume limits.
type SMTPConfig struct {
	Server           string
	Port             int
	DefaultPreview   string
	DefaultFromName  string
	SendLimit24Hours int
}

// AgentConfig holds main-loop and send-pacing knobs.
type AgentConfig struct {
	PollInterval             time.Duration
	StopCheckInterval        time.Duration
	EmailBurstSize           int
	EmailRecoverySleepSecs   int
	EmailContinuousSleepSecs int
	SleepQueueLimit          int
}

// OpsConfig holds the operational HTTP endpoint settings.
type OpsConfig struct {
	// Addr enables the health/stats endpoint when non-empty, e.g. ":8090".
	Addr string
}

// Load reads configuration from the environment, applying defaults for
// everything except the queue URL, which has no sensible default.
func Load() (*Config, error) {
	// Load .env file if it exists (no error if missing)
	_ = godotenv.Load()

	cfg := &Config{
		AWS: AWSConfig{
			Region:   getEnv("AWS_REGION", "us-east-1"),
			Profile:  getEnv("AWS_PROFILE", ""),
			S3Bucket: getEnv("S3_BUCKET", ""),
		},
		Tables: TableConfig{
			WorkOrders:       getEnv("WORK_ORDERS_TABLE", "WORK_ORDERS"),
			Connections:      getEnv("CONNECTIONS_TABLE", "CONNECTIONS"),
			Events:           getEnv("EVENTS_TABLE", "EVENTS"),
			Students:         getEnv("STUDENT_TABLE", "STUDENTS"),
			Pools:            getEnv("POOLS_TABLE", "POOLS"),
			Prompts:          getEnv("PROMPTS_TABLE", "PROMPTS"),
			Stages:           getEnv("STAGES_TABLE", "STAGES"),
			Credentials:      getEnv("EMAIL_ACCOUNT_CREDENTIALS_TABLE", "EMAIL_ACCOUNT_CREDENTIALS"),
			DryrunRecipients: getEnv("DRYRUN_RECIPIENTS_TABLE", "DRYRUN_RECIPIENTS"),
			SendRecipients:   getEnv("SEND_RECIPIENTS_TABLE", "SEND_RECIPIENTS"),
		},
		Queue: QueueConfig{
			URL:             getEnv("WORK_ORDER_QUEUE_URL", ""),
			WaitTimeSeconds: int32(getEnvInt("QUEUE_WAIT_SECONDS", 5)),
		},
		Push: PushConfig{
			WebSocketAPIURL:   getEnv("WEBSOCKET_API_URL", ""),
			HeartbeatInterval: time.Duration(getEnvInt("PUSH_HEARTBEAT_SECONDS", 60)) * time.Second,
		},
		Templates: TemplateConfig{
			APIKey:       getEnv("TEMPLATE_API_KEY", ""),
			ServerPrefix: getEnv("TEMPLATE_SERVER_PREFIX", ""),
			Audience:     getEnv("TEMPLATE_AUDIENCE", ""),
			ReplyTo:      getEnv("TEMPLATE_REPLY_TO", ""),
		},
		SMTP: SMTPConfig{
			Server:           getEnv("SMTP_SERVER", ""),
			Port:             getEnvInt("SMTP_PORT", 587),
			DefaultPreview:   getEnv("DEFAULT_PREVIEW", ""),
			DefaultFromName:  getEnv("DEFAULT_FROM_NAME", ""),
			SendLimit24Hours: getEnvInt("SMTP_24_HOUR_SEND_LIMIT", 1800),
		},
		Agent: AgentConfig{
			PollInterval:             time.Duration(getEnvInt("POLL_INTERVAL", 5)) * time.Second,
			StopCheckInterval:        time.Duration(getEnvInt("STOP_CHECK_INTERVAL", 1)) * time.Second,
			EmailBurstSize:           getEnvInt("EMAIL_BURST_SIZE", 25),
			EmailRecoverySleepSecs:   getEnvInt("EMAIL_RECOVERY_SLEEP_SECS", 60),
			EmailContinuousSleepSecs: getEnvInt("EMAIL_CONTINUOUS_SLEEP_SECS", 1800),
			SleepQueueLimit:          getEnvInt("SLEEP_QUEUE_LIMIT", 8),
		},
		Ops: OpsConfig{
			Addr: getEnv("OPS_ADDR", ""),
		},
	}

	if cfg.Queue.URL == "" {
		return nil, fmt.Errorf("WORK_ORDER_QUEUE_URL is required")
	}

	return cfg, nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}
