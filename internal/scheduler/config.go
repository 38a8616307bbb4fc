package scheduler

import (
	"strings"
	"time"

	"github.com/smallbiznis/rastro/internal/config"
)

const (
	PeriodMonthly = "monthly"
	PeriodDaily   = "daily"
)

// Config controls scheduler intervals and job claiming.
type Config struct {
	RunInterval time.Duration
	JobTimeout  time.Duration
	// LockTTL bounds how long a crashed instance can hold the redis job lock.
	LockTTL time.Duration
	// StaleRunThreshold lets a new instance take over a run left in "running".
	StaleRunThreshold time.Duration
	Period            string
	EnabledJobs       []string
}

func DefaultConfig() Config {
	return Config{
		RunInterval:       time.Minute,
		JobTimeout:        5 * time.Minute,
		LockTTL:           10 * time.Minute,
		StaleRunThreshold: 30 * time.Minute,
		Period:            PeriodMonthly,
	}
}

func ProvideConfig(cfg config.Config) Config {
	return Config{
		RunInterval: cfg.SchedulerInterval,
		LockTTL:     cfg.SchedulerLockTTL,
		Period:      cfg.SchedulerPeriod,
		EnabledJobs: cfg.SchedulerJobs,
	}.withDefaults()
}

func (c Config) withDefaults() Config {
	defaults := DefaultConfig()
	if c.RunInterval <= 0 {
		c.RunInterval = defaults.RunInterval
	}
	if c.JobTimeout <= 0 {
		c.JobTimeout = defaults.JobTimeout
	}
	if c.LockTTL <= 0 {
		c.LockTTL = defaults.LockTTL
	}
	if c.StaleRunThreshold <= 0 {
		c.StaleRunThreshold = defaults.StaleRunThreshold
	}
	switch strings.ToLower(strings.TrimSpace(c.Period)) {
	case PeriodDaily:
		c.Period = PeriodDaily
	default:
		c.Period = PeriodMonthly
	}
	return c
}

// PeriodKey names the calendar period containing now in loc.
func PeriodKey(period string, now time.Time, loc *time.Location) string {
	if loc == nil {
		loc = time.UTC
	}
	local := now.In(loc)
	if period == PeriodDaily {
		return local.Format("2006-01-02")
	}
	return local.Format("2006-01")
}
