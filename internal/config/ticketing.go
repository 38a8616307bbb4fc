package config

import (
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

const (
	EpochPolicyCalendarMonth = "calendar_month"
	EpochPolicySinceReset    = "since_reset"
)

// TicketingConfig tunes the ticket allocator. It can be hot reloaded from ticketing.yml.
type TicketingConfig struct {
	EpochPolicy    string
	Timezone       string
	LockTimeout    time.Duration
	ClearBatchSize int
}

// Location resolves the configured timezone, falling back to UTC.
func (c TicketingConfig) Location() *time.Location {
	name := strings.TrimSpace(c.Timezone)
	if name == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return time.UTC
	}
	return loc
}

func (c TicketingConfig) Validate() error {
	switch c.EpochPolicy {
	case EpochPolicyCalendarMonth, EpochPolicySinceReset:
	default:
		return fmt.Errorf("ticketing.epochPolicy %q is not supported", c.EpochPolicy)
	}
	if c.LockTimeout <= 0 {
		return errors.New("ticketing.lockTimeout must be positive")
	}
	if c.ClearBatchSize <= 0 {
		return errors.New("ticketing.clearBatchSize must be positive")
	}
	if _, err := time.LoadLocation(strings.TrimSpace(c.Timezone)); err != nil {
		return fmt.Errorf("ticketing.timezone: %w", err)
	}
	return nil
}

// TicketingConfigHolder serves the current ticketing config to concurrent readers.
type TicketingConfigHolder struct {
	current atomic.Value // holds TicketingConfig
}

// NewStaticTicketingConfig wraps a fixed config, mostly for tests and CLI tools.
func NewStaticTicketingConfig(cfg TicketingConfig) *TicketingConfigHolder {
	holder := &TicketingConfigHolder{}
	holder.current.Store(cfg)
	return holder
}

// NewTicketingConfigHolder reads ticketing.yml when present and watches it for changes.
// Environment values from Config act as defaults.
func NewTicketingConfigHolder(appCfg Config, log *zap.Logger) (*TicketingConfigHolder, error) {
	v := viper.New()

	if appCfg.TicketingConfigPath != "" {
		v.SetConfigFile(appCfg.TicketingConfigPath)
	} else {
		v.SetConfigName("ticketing")
		v.SetConfigType("yml")
		v.AddConfigPath("/etc/rastro")
		v.AddConfigPath(".")
	}

	v.SetEnvPrefix("RASTRO")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	defaults := appCfg.Ticketing
	v.SetDefault("ticketing.epochPolicy", defaults.EpochPolicy)
	v.SetDefault("ticketing.timezone", defaults.Timezone)
	v.SetDefault("ticketing.lockTimeout", defaults.LockTimeout)
	v.SetDefault("ticketing.clearBatchSize", defaults.ClearBatchSize)

	watch := true
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, err
		}
		watch = false
	}

	cfg, err := decodeTicketing(v)
	if err != nil {
		return nil, err
	}

	holder := NewStaticTicketingConfig(cfg)
	if !watch {
		return holder, nil
	}

	v.WatchConfig()
	v.OnConfigChange(func(e fsnotify.Event) {
		updated, err := decodeTicketing(v)
		if err != nil {
			log.Warn("config.ticketing.reload_failed", zap.String("file", e.Name), zap.Error(err))
			return
		}
		holder.current.Store(updated)
		log.Info("config.ticketing.reloaded",
			zap.String("file", e.Name),
			zap.String("epoch_policy", updated.EpochPolicy),
			zap.Duration("lock_timeout", updated.LockTimeout),
		)
	})

	return holder, nil
}

func decodeTicketing(v *viper.Viper) (TicketingConfig, error) {
	cfg := TicketingConfig{
		EpochPolicy:    strings.ToLower(strings.TrimSpace(v.GetString("ticketing.epochPolicy"))),
		Timezone:       strings.TrimSpace(v.GetString("ticketing.timezone")),
		LockTimeout:    v.GetDuration("ticketing.lockTimeout"),
		ClearBatchSize: v.GetInt("ticketing.clearBatchSize"),
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func (h *TicketingConfigHolder) Get() TicketingConfig {
	return h.current.Load().(TicketingConfig)
}
