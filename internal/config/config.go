// Package config provides configuration management for the position lifecycle manager.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/eddiefleurent/tomking_plm/internal/broker"
	"github.com/eddiefleurent/tomking_plm/internal/orders"
	"github.com/eddiefleurent/tomking_plm/internal/reconcile"
	"github.com/eddiefleurent/tomking_plm/internal/retry"
	"github.com/eddiefleurent/tomking_plm/internal/strategy"
	"github.com/joho/godotenv"
	"github.com/robfig/cron/v3"
	yaml "gopkg.in/yaml.v3"
)

// Defaults applied when a field is left unset.
const (
	defaultMaxSuspectPasses = 3
	defaultMaxSuspectAge    = "4h"
	defaultRecordCapacity   = 100
	defaultFetchTimeout     = "8s"
	defaultRetain           = 7
	defaultSnapshotSchedule = "@every 5m"
	defaultReconcileSched   = "@every 1m"
	defaultPurgeSchedule    = "0 5 * * *"
	defaultExitCheckSched   = "@every 1m"
	defaultFillsChannel     = "plm:fills"
	defaultOpensChannel     = "plm:opens"
	defaultPositionsKey     = "plm:broker:positions"
	defaultMarksKey         = "plm:marks"
	defaultOrdersKey        = "plm:orders"
	defaultDashboardListen  = "127.0.0.1:8080"
	defaultTimezone         = "America/New_York"
)

// Config represents the complete application configuration.
type Config struct {
	Environment EnvironmentConfig `yaml:"environment"`
	Broker      BrokerConfig      `yaml:"broker"`
	Orders      OrdersConfig      `yaml:"orders"`
	Reconcile   ReconcileConfig   `yaml:"reconcile"`
	Persistence PersistenceConfig `yaml:"persistence"`
	History     HistoryConfig     `yaml:"history"`
	Feed        FeedConfig        `yaml:"feed"`
	Dashboard   DashboardConfig   `yaml:"dashboard"`
	Schedule    ScheduleConfig    `yaml:"schedule"`
	Strategies  []StrategyConfig  `yaml:"strategies"`
}

// EnvironmentConfig defines the environment settings.
type EnvironmentConfig struct {
	Mode     string `yaml:"mode"`      // paper | live
	LogLevel string `yaml:"log_level"` // debug | info | warn | error
	LogJSON  bool   `yaml:"log_json"`
}

// BrokerConfig defines circuit breaker settings around the broker collaborators.
type BrokerConfig struct {
	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker"`
}

// CircuitBreakerConfig mirrors broker.CircuitBreakerSettings with string durations.
type CircuitBreakerConfig struct {
	Interval     string  `yaml:"interval"`
	Timeout      string  `yaml:"timeout"`
	FailureRatio float64 `yaml:"failure_ratio"`
	MaxRequests  uint32  `yaml:"max_requests"`
	MinRequests  uint32  `yaml:"min_requests"`
}

// OrdersConfig defines closing-order submission settings.
type OrdersConfig struct {
	Duration       string  `yaml:"duration"`
	InitialBackoff string  `yaml:"initial_backoff"`
	MaxBackoff     string  `yaml:"max_backoff"`
	Timeout        string  `yaml:"timeout"`
	TickSize       float64 `yaml:"tick_size"`
	MaxRetries     int     `yaml:"max_retries"`
	Concurrency    int     `yaml:"concurrency"`
}

// ReconcileConfig defines the broker reconciliation window.
type ReconcileConfig struct {
	MaxSuspectAge      string `yaml:"max_suspect_age"`
	FetchTimeout       string `yaml:"fetch_timeout"`
	Schedule           string `yaml:"schedule"`
	MaxSuspectPasses   int    `yaml:"max_suspect_passes"`
	RecordCapacity     int    `yaml:"record_capacity"`
	ReconcileAfterFill *bool  `yaml:"reconcile_after_fill"`
}

// PersistenceConfig selects and configures the snapshot backend.
type PersistenceConfig struct {
	Backend  string      `yaml:"backend"` // file | s3 | redis
	Schedule string      `yaml:"schedule"`
	File     FileConfig  `yaml:"file"`
	S3       S3Config    `yaml:"s3"`
	Redis    RedisConfig `yaml:"redis"`
	Retain   int         `yaml:"retain"`
}

// FileConfig configures the local snapshot directory.
type FileConfig struct {
	Path string `yaml:"path"`
}

// S3Config configures an S3-compatible snapshot bucket.
type S3Config struct {
	Endpoint       string `yaml:"endpoint"`
	Region         string `yaml:"region"`
	Bucket         string `yaml:"bucket"`
	AccessKey      string `yaml:"access_key"`
	SecretKey      string `yaml:"secret_key"`
	Prefix         string `yaml:"prefix"`
	UseSSL         bool   `yaml:"use_ssl"`
	ForcePathStyle bool   `yaml:"force_path_style"`
}

// RedisConfig configures a Redis connection.
type RedisConfig struct {
	Addr       string `yaml:"addr"`
	Password   string `yaml:"password"`
	Prefix     string `yaml:"prefix"`
	DB         int    `yaml:"db"`
	PoolSize   int    `yaml:"pool_size"`
	MaxRetries int    `yaml:"max_retries"`
	TLSEnabled bool   `yaml:"tls_enabled"`
}

// HistoryConfig configures the closed-trade archive.
type HistoryConfig struct {
	Path    string `yaml:"path"`
	Enabled bool   `yaml:"enabled"`
}

// FeedConfig configures the Redis event feed from the host platform.
type FeedConfig struct {
	Redis        RedisConfig `yaml:"redis"`
	FillsChannel string      `yaml:"fills_channel"`
	OpensChannel string      `yaml:"opens_channel"`
	PositionsKey string      `yaml:"positions_key"`
	MarksKey     string      `yaml:"marks_key"`
	OrdersKey    string      `yaml:"orders_key"`
	Enabled      bool        `yaml:"enabled"`
}

// DashboardConfig configures the read-only HTTP API.
type DashboardConfig struct {
	Listen    string `yaml:"listen"`
	AuthToken string `yaml:"auth_token"`
	Enabled   bool   `yaml:"enabled"`
}

// ScheduleConfig defines trading hours and the exit check cadence.
type ScheduleConfig struct {
	Timezone     string `yaml:"timezone"`      // e.g., "America/New_York"
	TradingStart string `yaml:"trading_start"` // "HH:MM"
	TradingEnd   string `yaml:"trading_end"`   // "HH:MM"
	ExitCheck    string `yaml:"exit_check"`    // cron spec
	Purge        string `yaml:"purge"`         // cron spec
}

// StrategyConfig holds per-component exit targets for one strategy.
type StrategyConfig struct {
	Components map[string]ComponentTargetConfig `yaml:"components"`
	Name       string                           `yaml:"name"`
}

// ComponentTargetConfig defines exit thresholds for one role ("*" for the default).
type ComponentTargetConfig struct {
	ProfitTarget float64 `yaml:"profit_target"`
	StopLossPct  float64 `yaml:"stop_loss_pct"`
	MaxDTE       int     `yaml:"max_dte"`
}

// Load reads .env (if present), then parses and validates the configuration file.
func Load(configPath string) (*Config, error) {
	if configPath == "" {
		configPath = "config.yaml"
	}
	_ = godotenv.Load()

	data, err := os.ReadFile(configPath) // #nosec G304 -- configPath is a user-provided config file path
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML with environment expansion and validates the result.
func Parse(data []byte) (*Config, error) {
	expanded := os.ExpandEnv(string(data))

	var config Config
	dec := yaml.NewDecoder(strings.NewReader(expanded))
	dec.KnownFields(true)
	if err := dec.Decode(&config); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	config.applyDefaults()
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &config, nil
}

// applyDefaults fills unset fields.
func (c *Config) applyDefaults() {
	if c.Environment.Mode == "" {
		c.Environment.Mode = "paper"
	}
	if c.Environment.LogLevel == "" {
		c.Environment.LogLevel = "info"
	}

	r := &c.Reconcile
	if r.MaxSuspectPasses == 0 && r.MaxSuspectAge == "" {
		r.MaxSuspectPasses = defaultMaxSuspectPasses
		r.MaxSuspectAge = defaultMaxSuspectAge
	}
	if r.RecordCapacity == 0 {
		r.RecordCapacity = defaultRecordCapacity
	}
	if r.FetchTimeout == "" {
		r.FetchTimeout = defaultFetchTimeout
	}
	if r.Schedule == "" {
		r.Schedule = defaultReconcileSched
	}
	if r.ReconcileAfterFill == nil {
		v := true
		r.ReconcileAfterFill = &v
	}

	p := &c.Persistence
	if p.Backend == "" {
		p.Backend = "file"
	}
	if p.Schedule == "" {
		p.Schedule = defaultSnapshotSchedule
	}
	if p.Retain == 0 {
		p.Retain = defaultRetain
	}
	if p.File.Path == "" {
		p.File.Path = "data"
	}

	if c.History.Enabled && c.History.Path == "" {
		c.History.Path = "data/history.db"
	}
	if c.Feed.FillsChannel == "" {
		c.Feed.FillsChannel = defaultFillsChannel
	}
	if c.Feed.OpensChannel == "" {
		c.Feed.OpensChannel = defaultOpensChannel
	}
	if c.Feed.PositionsKey == "" {
		c.Feed.PositionsKey = defaultPositionsKey
	}
	if c.Feed.MarksKey == "" {
		c.Feed.MarksKey = defaultMarksKey
	}
	if c.Feed.OrdersKey == "" {
		c.Feed.OrdersKey = defaultOrdersKey
	}
	if c.Dashboard.Listen == "" {
		c.Dashboard.Listen = defaultDashboardListen
	}

	s := &c.Schedule
	if s.Timezone == "" {
		s.Timezone = defaultTimezone
	}
	if s.TradingStart == "" {
		s.TradingStart = "09:30"
	}
	if s.TradingEnd == "" {
		s.TradingEnd = "16:00"
	}
	if s.ExitCheck == "" {
		s.ExitCheck = defaultExitCheckSched
	}
	if s.Purge == "" {
		s.Purge = defaultPurgeSchedule
	}
}

// Validate checks that all configuration values are valid and consistent.
func (c *Config) Validate() error {
	// Environment validation
	if c.Environment.Mode != "paper" && c.Environment.Mode != "live" {
		return fmt.Errorf("environment.mode must be 'paper' or 'live'")
	}
	switch c.Environment.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("environment.log_level must be one of debug, info, warn, error")
	}

	if err := c.validateReconcile(); err != nil {
		return err
	}
	if err := c.validatePersistence(); err != nil {
		return err
	}
	if err := c.validateOrders(); err != nil {
		return err
	}

	cb := c.Broker.CircuitBreaker
	for name, v := range map[string]string{"interval": cb.Interval, "timeout": cb.Timeout} {
		if v == "" {
			continue
		}
		if _, err := time.ParseDuration(v); err != nil {
			return fmt.Errorf("broker.circuit_breaker.%s invalid: %w", name, err)
		}
	}
	if cb.FailureRatio < 0 || cb.FailureRatio > 1 {
		return fmt.Errorf("broker.circuit_breaker.failure_ratio must be between 0 and 1")
	}

	if c.Environment.Mode == "live" && !c.Feed.Enabled {
		return fmt.Errorf("feed.enabled is required in live mode")
	}
	if c.Feed.Enabled && c.Feed.Redis.Addr == "" {
		return fmt.Errorf("feed.redis.addr is required when the feed is enabled")
	}
	if c.Dashboard.Enabled && c.Environment.Mode == "live" && c.Dashboard.AuthToken == "" {
		return fmt.Errorf("dashboard.auth_token is required in live mode")
	}

	// Schedule validation
	for name, spec := range map[string]string{"schedule.exit_check": c.Schedule.ExitCheck, "schedule.purge": c.Schedule.Purge} {
		if err := validateCron(spec); err != nil {
			return fmt.Errorf("%s invalid: %w", name, err)
		}
	}
	loc := c.location()
	s, err1 := time.ParseInLocation("15:04", c.Schedule.TradingStart, loc)
	e, err2 := time.ParseInLocation("15:04", c.Schedule.TradingEnd, loc)
	if err1 != nil || err2 != nil || (s.Hour() > e.Hour() || (s.Hour() == e.Hour() && s.Minute() >= e.Minute())) {
		return fmt.Errorf("schedule trading window invalid (start/end parse/order)")
	}

	return c.validateStrategies()
}

func (c *Config) validateReconcile() error {
	r := c.Reconcile
	if r.MaxSuspectPasses < 0 {
		return fmt.Errorf("reconcile.max_suspect_passes must be >= 0")
	}
	if r.MaxSuspectAge != "" {
		d, err := time.ParseDuration(r.MaxSuspectAge)
		if err != nil {
			return fmt.Errorf("reconcile.max_suspect_age invalid: %w", err)
		}
		if d < 0 {
			return fmt.Errorf("reconcile.max_suspect_age must be >= 0")
		}
	}
	if r.MaxSuspectPasses == 0 && r.MaxSuspectAge == "" {
		return fmt.Errorf("reconcile needs max_suspect_passes or max_suspect_age")
	}
	if r.RecordCapacity <= 0 {
		return fmt.Errorf("reconcile.record_capacity must be > 0")
	}
	if d, err := time.ParseDuration(r.FetchTimeout); err != nil || d <= 0 {
		return fmt.Errorf("reconcile.fetch_timeout must be a positive duration")
	}
	if err := validateCron(r.Schedule); err != nil {
		return fmt.Errorf("reconcile.schedule invalid: %w", err)
	}
	return nil
}

func (c *Config) validatePersistence() error {
	p := c.Persistence
	switch p.Backend {
	case "file":
		if strings.TrimSpace(p.File.Path) == "" {
			return fmt.Errorf("persistence.file.path is required")
		}
	case "s3":
		if p.S3.Bucket == "" || p.S3.Region == "" {
			return fmt.Errorf("persistence.s3.bucket and persistence.s3.region are required")
		}
	case "redis":
		if p.Redis.Addr == "" {
			return fmt.Errorf("persistence.redis.addr is required")
		}
	default:
		return fmt.Errorf("persistence.backend must be 'file', 's3' or 'redis'")
	}
	if p.Retain < 1 {
		return fmt.Errorf("persistence.retain must be >= 1")
	}
	if err := validateCron(p.Schedule); err != nil {
		return fmt.Errorf("persistence.schedule invalid: %w", err)
	}
	return nil
}

func (c *Config) validateOrders() error {
	o := c.Orders
	for name, v := range map[string]string{"initial_backoff": o.InitialBackoff, "max_backoff": o.MaxBackoff, "timeout": o.Timeout} {
		if v == "" {
			continue
		}
		if d, err := time.ParseDuration(v); err != nil || d <= 0 {
			return fmt.Errorf("orders.%s must be a positive duration", name)
		}
	}
	if o.TickSize < 0 {
		return fmt.Errorf("orders.tick_size must be >= 0")
	}
	if o.MaxRetries < 0 || o.Concurrency < 0 {
		return fmt.Errorf("orders.max_retries and orders.concurrency must be >= 0")
	}
	return nil
}

func (c *Config) validateStrategies() error {
	seen := make(map[string]bool, len(c.Strategies))
	for i, s := range c.Strategies {
		if strings.TrimSpace(s.Name) == "" {
			return fmt.Errorf("strategies[%d].name is required", i)
		}
		if seen[s.Name] {
			return fmt.Errorf("strategies[%d]: duplicate strategy %q", i, s.Name)
		}
		seen[s.Name] = true
		if len(s.Components) == 0 {
			return fmt.Errorf("strategies[%d] (%s): components are required", i, s.Name)
		}
		for role, t := range s.Components {
			target := strategy.ComponentTarget{ProfitTarget: t.ProfitTarget, StopLossPct: t.StopLossPct, MaxDTE: t.MaxDTE}
			if err := target.Validate(); err != nil {
				return fmt.Errorf("strategies.%s.%s: %w", s.Name, role, err)
			}
		}
	}
	return nil
}

func validateCron(spec string) error {
	if strings.TrimSpace(spec) == "" {
		return errors.New("empty schedule")
	}
	_, err := cron.ParseStandard(spec)
	return err
}

// IsPaperTrading returns true when no live orders should be sent.
func (c *Config) IsPaperTrading() bool {
	return c.Environment.Mode == "paper"
}

// Duration parses a configured duration, returning fallback when empty or invalid.
func Duration(value string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(value)
	if err != nil {
		return fallback
	}
	return d
}

// ExitTargets converts the strategies section into evaluator tables.
func (c *Config) ExitTargets() []strategy.Targets {
	tables := make([]strategy.Targets, 0, len(c.Strategies))
	for _, s := range c.Strategies {
		t := strategy.Targets{Strategy: s.Name, Components: make(map[string]strategy.ComponentTarget, len(s.Components))}
		for role, ct := range s.Components {
			t.Components[role] = strategy.ComponentTarget{
				ProfitTarget: ct.ProfitTarget,
				StopLossPct:  ct.StopLossPct,
				MaxDTE:       ct.MaxDTE,
			}
		}
		tables = append(tables, t)
	}
	return tables
}

// RetryConfig returns order retry settings, defaulting unset fields.
func (c *Config) RetryConfig() retry.Config {
	def := retry.DefaultConfig
	rc := retry.Config{
		MaxRetries:     def.MaxRetries,
		InitialBackoff: Duration(c.Orders.InitialBackoff, def.InitialBackoff),
		MaxBackoff:     Duration(c.Orders.MaxBackoff, def.MaxBackoff),
		Timeout:        Duration(c.Orders.Timeout, def.Timeout),
	}
	if c.Orders.MaxRetries > 0 {
		rc.MaxRetries = c.Orders.MaxRetries
	}
	return rc
}

// CloseManagerConfig returns closing-order settings, defaulting unset fields.
func (c *Config) CloseManagerConfig() orders.Config {
	oc := orders.DefaultConfig
	if c.Orders.Duration != "" {
		oc.Duration = c.Orders.Duration
	}
	oc.TickSize = c.Orders.TickSize
	if c.Orders.Concurrency > 0 {
		oc.Concurrency = c.Orders.Concurrency
	}
	oc.CallTimeout = Duration(c.Orders.Timeout, oc.CallTimeout)
	return oc
}

// ReconcileConfig returns the reconciliation bridge settings.
func (c *Config) ReconcileConfig() reconcile.Config {
	rc := reconcile.Config{
		MaxSuspectPasses: c.Reconcile.MaxSuspectPasses,
		MaxSuspectAge:    Duration(c.Reconcile.MaxSuspectAge, 0),
		RecordCapacity:   c.Reconcile.RecordCapacity,
		FetchTimeout:     Duration(c.Reconcile.FetchTimeout, 8*time.Second),
	}
	if c.Reconcile.ReconcileAfterFill != nil {
		rc.ReconcileAfterFill = *c.Reconcile.ReconcileAfterFill
	}
	return rc
}

// CircuitBreakerSettings returns breaker settings, defaulting unset fields.
func (c *Config) CircuitBreakerSettings() broker.CircuitBreakerSettings {
	s := broker.DefaultCircuitBreakerSettings()
	cb := c.Broker.CircuitBreaker
	s.Interval = Duration(cb.Interval, s.Interval)
	s.Timeout = Duration(cb.Timeout, s.Timeout)
	if cb.FailureRatio > 0 {
		s.FailureRatio = cb.FailureRatio
	}
	if cb.MaxRequests > 0 {
		s.MaxRequests = cb.MaxRequests
	}
	if cb.MinRequests > 0 {
		s.MinRequests = cb.MinRequests
	}
	return s
}

func (c *Config) location() *time.Location {
	loc, err := time.LoadLocation(c.Schedule.Timezone)
	if err != nil {
		// Try fallback to America/New_York
		if fallbackLoc, err2 := time.LoadLocation(defaultTimezone); err2 == nil {
			return fallbackLoc
		}
		// Final fallback to DST-agnostic FixedZone
		return time.FixedZone("ET", -5*60*60)
	}
	return loc
}

// Location returns the configured trading timezone.
func (c *Config) Location() *time.Location { return c.location() }

// IsWithinTradingHours checks if the given time falls within configured trading hours.
func (c *Config) IsWithinTradingHours(now time.Time) bool {
	loc := c.location()
	today := now.In(loc)

	// Only allow Monday–Friday trading
	if today.Weekday() == time.Saturday || today.Weekday() == time.Sunday {
		return false
	}

	startClock, err1 := time.ParseInLocation("15:04", c.Schedule.TradingStart, loc)
	endClock, err2 := time.ParseInLocation("15:04", c.Schedule.TradingEnd, loc)
	if err1 != nil || err2 != nil {
		// Safe defaults if misconfigured
		startClock = time.Date(0, 1, 1, 9, 30, 0, 0, loc)
		endClock = time.Date(0, 1, 1, 16, 0, 0, 0, loc)
	}
	start := time.Date(today.Year(), today.Month(), today.Day(),
		startClock.Hour(), startClock.Minute(), 0, 0, loc)
	end := time.Date(today.Year(), today.Month(), today.Day(),
		endClock.Hour(), endClock.Minute(), 0, 0, loc)

	// Inclusive start, exclusive end
	return !today.Before(start) && today.Before(end)
}
