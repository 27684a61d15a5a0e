/*
Copyright 2024 Blnk Finance Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

	http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package config

import (
	"encoding/json"
	"errors"
	"log"
	"os"
	"strings"
	"sync/atomic"
	"time"

	"github.com/kelseyhightower/envconfig"
	"github.com/sirupsen/logrus"
)

const (
	DEFAULT_PORT = "5005"

	LedgerModeHTTP     = "http"
	LedgerModePostgres = "postgres"

	MarkerStoreRedis    = "redis"
	MarkerStorePostgres = "postgres"
)

var ConfigStore atomic.Value

type ServerConfig struct {
	Secure    bool   `json:"secure" envconfig:"SETTLEMENT_SERVER_SECURE"`
	SecretKey string `json:"secret_key" envconfig:"SETTLEMENT_SERVER_SECRET_KEY"`
	Port      string `json:"port" envconfig:"SETTLEMENT_SERVER_PORT"`
}

type DataSourceConfig struct {
	Dns string `json:"dns" envconfig:"SETTLEMENT_DATA_SOURCE_DNS"`
}

type RedisConfig struct {
	Dns           string `json:"dns" envconfig:"SETTLEMENT_REDIS_DNS"`
	SkipTLSVerify bool   `json:"skip_tls_verify" envconfig:"SETTLEMENT_REDIS_SKIP_TLS_VERIFY"`
}

// LedgerConfig selects how the ledger-of-record is reached.
type LedgerConfig struct {
	Mode           string `json:"mode" envconfig:"SETTLEMENT_LEDGER_MODE"`
	BaseUrl        string `json:"base_url" envconfig:"SETTLEMENT_LEDGER_BASE_URL"`
	ApiKey         string `json:"api_key" envconfig:"SETTLEMENT_LEDGER_API_KEY"`
	TimeoutSeconds int    `json:"timeout_seconds" envconfig:"SETTLEMENT_LEDGER_TIMEOUT_SECONDS"`
}

type TreasuryConfig struct {
	BaseUrl           string  `json:"base_url" envconfig:"SETTLEMENT_TREASURY_BASE_URL"`
	ApiKey            string  `json:"api_key" envconfig:"SETTLEMENT_TREASURY_API_KEY"`
	TimeoutSeconds    int     `json:"timeout_seconds" envconfig:"SETTLEMENT_TREASURY_TIMEOUT_SECONDS"`
	RequestsPerSecond float64 `json:"requests_per_second" envconfig:"SETTLEMENT_TREASURY_RPS"`
	Burst             int     `json:"burst" envconfig:"SETTLEMENT_TREASURY_BURST"`
}

type SettlementConfig struct {
	Concurrency             int    `json:"concurrency" envconfig:"SETTLEMENT_CONCURRENCY"`
	CloseTimeoutSeconds     int    `json:"close_timeout_seconds" envconfig:"SETTLEMENT_CLOSE_TIMEOUT_SECONDS"`
	MarkerStore             string `json:"marker_store" envconfig:"SETTLEMENT_MARKER_STORE"`
	MarkerTimeoutSeconds    int    `json:"marker_timeout_seconds" envconfig:"SETTLEMENT_MARKER_TIMEOUT_SECONDS"`
	ClaimLeaseSeconds       int    `json:"claim_lease_seconds" envconfig:"SETTLEMENT_CLAIM_LEASE_SECONDS"`
	AckRetentionHours       int    `json:"ack_retention_hours" envconfig:"SETTLEMENT_ACK_RETENTION_HOURS"`
	EstimatedEntryLatencyMs int    `json:"estimated_entry_latency_ms" envconfig:"SETTLEMENT_ESTIMATED_ENTRY_LATENCY_MS"`
	RecoveryIntervalSeconds int    `json:"recovery_interval_seconds" envconfig:"SETTLEMENT_RECOVERY_INTERVAL_SECONDS"`
	RecoveryThresholdSecond int    `json:"recovery_threshold_seconds" envconfig:"SETTLEMENT_RECOVERY_THRESHOLD_SECONDS"`
	RecoveryWorkers         int    `json:"recovery_workers" envconfig:"SETTLEMENT_RECOVERY_WORKERS"`
}

type QueueConfig struct {
	ClosePeriodQueue string   `json:"close_period_queue" envconfig:"SETTLEMENT_QUEUE_CLOSE_PERIOD"`
	WebhookQueue     string   `json:"webhook_queue" envconfig:"SETTLEMENT_QUEUE_WEBHOOK"`
	Concurrency      int      `json:"concurrency" envconfig:"SETTLEMENT_QUEUE_CONCURRENCY"`
	MonitoringPort   string   `json:"monitoring_port" envconfig:"SETTLEMENT_QUEUE_MONITORING_PORT"`
	ScheduleCron     string   `json:"schedule_cron" envconfig:"SETTLEMENT_QUEUE_SCHEDULE_CRON"`
	Merchants        []string `json:"merchants" envconfig:"SETTLEMENT_QUEUE_MERCHANTS"`
	MaxRetry         int      `json:"max_retry" envconfig:"SETTLEMENT_QUEUE_MAX_RETRY"`
}

// RateLimitConfig limits API requests per client. Rate limiting is off while both values are nil.
type RateLimitConfig struct {
	RequestsPerSecond  *float64 `json:"requests_per_second" envconfig:"SETTLEMENT_RATE_LIMIT_RPS"`
	Burst              *int     `json:"burst" envconfig:"SETTLEMENT_RATE_LIMIT_BURST"`
	CleanupIntervalSec *int     `json:"cleanup_interval_sec" envconfig:"SETTLEMENT_RATE_LIMIT_CLEANUP_INTERVAL_SEC"`
}

type SlackWebhook struct {
	WebhookUrl string `json:"webhook_url" envconfig:"SETTLEMENT_SLACK_WEBHOOK_URL"`
}

type WebhookConfig struct {
	Url     string            `json:"url" envconfig:"SETTLEMENT_WEBHOOK_URL"`
	Headers map[string]string `json:"headers"`
}

type Notification struct {
	Slack   SlackWebhook  `json:"slack"`
	Webhook WebhookConfig `json:"webhook"`
}

type Configuration struct {
	ProjectName  string           `json:"project_name" envconfig:"SETTLEMENT_PROJECT_NAME"`
	Server       ServerConfig     `json:"server"`
	DataSource   DataSourceConfig `json:"data_source"`
	Redis        RedisConfig      `json:"redis"`
	Ledger       LedgerConfig     `json:"ledger"`
	Treasury     TreasuryConfig   `json:"treasury"`
	Settlement   SettlementConfig `json:"settlement"`
	Queue        QueueConfig      `json:"queue"`
	Notification Notification     `json:"notification"`
	RateLimit    RateLimitConfig  `json:"rate_limit"`

	EnableTelemetry bool `json:"enable_telemetry" envconfig:"SETTLEMENT_ENABLE_TELEMETRY"`
}

func loadConfigFromFile(file string) error {
	var cnf Configuration
	_, err := os.Stat(file)
	if err == nil {
		f, err := os.Open(file)
		if err != nil {
			return err
		}
		defer f.Close()
		err = json.NewDecoder(f).Decode(&cnf)
		if err != nil {
			return err
		}
	} else if errors.Is(err, os.ErrNotExist) {
		log.Println("config json not passed, will use env variables")
	}

	// override config from environment variables
	err = envconfig.Process("settlement", &cnf)
	if err != nil {
		return err
	}

	err = cnf.validateAndAddDefaults()
	if err != nil {
		return err
	}

	ConfigStore.Store(&cnf)
	return nil
}

func InitConfig(configFile string) error {
	logger()
	return loadConfigFromFile(configFile)
}

func Fetch() (*Configuration, error) {
	config := ConfigStore.Load()
	c, ok := config.(*Configuration)
	if !ok {
		return nil, errors.New("config not loaded from file. Create a json file called settlement.json with your config ❌")
	}
	return c, nil
}

func (cnf *Configuration) validateAndAddDefaults() error {
	if cnf.ProjectName == "" {
		cnf.ProjectName = "Settlement Coordinator"
	}

	cnf.ProjectName = strings.TrimSpace(cnf.ProjectName)
	cnf.Server.Port = strings.TrimSpace(cnf.Server.Port)
	cnf.DataSource.Dns = strings.TrimSpace(cnf.DataSource.Dns)
	cnf.Redis.Dns = strings.TrimSpace(cnf.Redis.Dns)
	cnf.Ledger.Mode = strings.ToLower(strings.TrimSpace(cnf.Ledger.Mode))
	cnf.Settlement.MarkerStore = strings.ToLower(strings.TrimSpace(cnf.Settlement.MarkerStore))

	if cnf.Redis.Dns == "" {
		log.Println("Error: Redis DNS is empty. It's a required field.")
		return errors.New("redis DNS is required")
	}

	if cnf.Ledger.Mode == "" {
		cnf.Ledger.Mode = LedgerModePostgres
	}
	switch cnf.Ledger.Mode {
	case LedgerModePostgres:
		if cnf.DataSource.Dns == "" {
			return errors.New("data source DNS is required when the ledger mode is postgres")
		}
	case LedgerModeHTTP:
		if cnf.Ledger.BaseUrl == "" {
			return errors.New("ledger base url is required when the ledger mode is http")
		}
	default:
		return errors.New("ledger mode must be either http or postgres")
	}

	if cnf.Treasury.BaseUrl == "" {
		return errors.New("treasury base url is required")
	}

	if cnf.Settlement.MarkerStore == "" {
		cnf.Settlement.MarkerStore = MarkerStoreRedis
	}
	if cnf.Settlement.MarkerStore != MarkerStoreRedis && cnf.Settlement.MarkerStore != MarkerStorePostgres {
		return errors.New("marker store must be either redis or postgres")
	}
	if cnf.Settlement.MarkerStore == MarkerStorePostgres && cnf.DataSource.Dns == "" {
		return errors.New("data source DNS is required for the postgres marker store")
	}

	if cnf.Server.Port == "" {
		cnf.Server.Port = DEFAULT_PORT
		log.Printf("Warning: Port not specified in config. Setting default port: %s", DEFAULT_PORT)
	}

	cnf.Settlement.addDefaults()
	if cnf.Treasury.TimeoutSeconds == 0 {
		cnf.Treasury.TimeoutSeconds = 30
	}
	if cnf.Ledger.TimeoutSeconds == 0 {
		cnf.Ledger.TimeoutSeconds = 10
	}
	if cnf.Treasury.RequestsPerSecond > 0 && cnf.Treasury.Burst == 0 {
		cnf.Treasury.Burst = 1
	}

	// a lease must outlive the longest remote call and the marker writes around it, or a second
	// run could take the entry over mid-settlement
	minLease := max(cnf.Treasury.TimeoutSeconds, cnf.Ledger.TimeoutSeconds) + 2*cnf.Settlement.MarkerTimeoutSeconds + 5
	if cnf.Settlement.ClaimLeaseSeconds < minLease {
		log.Printf("Warning: claim lease raised to %d seconds to cover the remote call timeouts", minLease)
		cnf.Settlement.ClaimLeaseSeconds = minLease
	}

	if cnf.Queue.ClosePeriodQueue == "" {
		cnf.Queue.ClosePeriodQueue = "settlement:close_period"
	}
	if cnf.Queue.WebhookQueue == "" {
		cnf.Queue.WebhookQueue = "settlement:webhooks"
	}
	if cnf.Queue.Concurrency == 0 {
		cnf.Queue.Concurrency = 2
	}
	if cnf.Queue.MonitoringPort == "" {
		cnf.Queue.MonitoringPort = "5006"
	}
	if cnf.Queue.MaxRetry == 0 {
		cnf.Queue.MaxRetry = 3
	}

	// Rate limiting is disabled by default (when both RPS and Burst are nil)
	if cnf.RateLimit.RequestsPerSecond != nil && cnf.RateLimit.Burst == nil {
		defaultBurst := 2 * int(*cnf.RateLimit.RequestsPerSecond)
		cnf.RateLimit.Burst = &defaultBurst
		log.Printf("Warning: Rate limit burst not specified. Setting default value: %d", defaultBurst)
	}
	if cnf.RateLimit.RequestsPerSecond == nil && cnf.RateLimit.Burst != nil {
		defaultRPS := float64(*cnf.RateLimit.Burst) / 2
		cnf.RateLimit.RequestsPerSecond = &defaultRPS
		log.Printf("Warning: Rate limit RPS not specified. Setting default value: %.2f", defaultRPS)
	}
	if cnf.RateLimit.CleanupIntervalSec == nil {
		defaultCleanup := 10800
		cnf.RateLimit.CleanupIntervalSec = &defaultCleanup
	}

	return nil
}

func (s *SettlementConfig) addDefaults() {
	if s.Concurrency <= 0 {
		s.Concurrency = 3
	}
	if s.CloseTimeoutSeconds <= 0 {
		s.CloseTimeoutSeconds = 600
	}
	if s.MarkerTimeoutSeconds <= 0 {
		s.MarkerTimeoutSeconds = 5
	}
	if s.ClaimLeaseSeconds <= 0 {
		s.ClaimLeaseSeconds = 60
	}
	if s.AckRetentionHours <= 0 {
		s.AckRetentionHours = 72
	}
	if s.EstimatedEntryLatencyMs <= 0 {
		s.EstimatedEntryLatencyMs = 2000
	}
	if s.RecoveryIntervalSeconds <= 0 {
		s.RecoveryIntervalSeconds = 60
	}
	if s.RecoveryThresholdSecond <= 0 {
		s.RecoveryThresholdSecond = 300
	}
	if s.RecoveryWorkers <= 0 {
		s.RecoveryWorkers = 5
	}
}

func (s SettlementConfig) CloseTimeout() time.Duration {
	return time.Duration(s.CloseTimeoutSeconds) * time.Second
}

func (s SettlementConfig) MarkerTimeout() time.Duration {
	return time.Duration(s.MarkerTimeoutSeconds) * time.Second
}

func (s SettlementConfig) ClaimLease() time.Duration {
	return time.Duration(s.ClaimLeaseSeconds) * time.Second
}

func (s SettlementConfig) AckRetention() time.Duration {
	return time.Duration(s.AckRetentionHours) * time.Hour
}

func (s SettlementConfig) EstimatedEntryLatency() time.Duration {
	return time.Duration(s.EstimatedEntryLatencyMs) * time.Millisecond
}

func (s SettlementConfig) RecoveryInterval() time.Duration {
	return time.Duration(s.RecoveryIntervalSeconds) * time.Second
}

func (s SettlementConfig) RecoveryThreshold() time.Duration {
	return time.Duration(s.RecoveryThresholdSecond) * time.Second
}

func (l LedgerConfig) Timeout() time.Duration {
	return time.Duration(l.TimeoutSeconds) * time.Second
}

func (t TreasuryConfig) Timeout() time.Duration {
	return time.Duration(t.TimeoutSeconds) * time.Second
}

// MockConfig sets a mock configuration for testing purposes.
func MockConfig(mockConfig *Configuration) {
	ConfigStore.Store(mockConfig)
}

func logger() {
	logger := logrus.New()
	log.SetOutput(logger.Writer())
}
