package domain

import (
	"time"

	"github.com/smallbiznis/rastro/internal/config"
)

// EpochPolicy decides where a counter starts and how far back allocations
// look into the ledger when healing drift.
type EpochPolicy struct {
	Kind     string
	Location *time.Location
}

func NewEpochPolicy(cfg config.TicketingConfig) EpochPolicy {
	kind := cfg.EpochPolicy
	if kind != config.EpochPolicySinceReset {
		kind = config.EpochPolicyCalendarMonth
	}
	return EpochPolicy{Kind: kind, Location: cfg.Location()}
}

// InitialEpoch is the epoch start stamped on a counter created at now.
func (p EpochPolicy) InitialEpoch(now time.Time) time.Time {
	if p.Kind == config.EpochPolicySinceReset {
		return time.Unix(0, 0).UTC()
	}
	return StartOfMonth(now, p.location())
}

// ReconcileSince is the lower bound of the ledger window for counter at now.
// Operator resets move the window forward under every policy.
func (p EpochPolicy) ReconcileSince(counter *LocationCounter, now time.Time) time.Time {
	var epoch time.Time
	if counter != nil {
		epoch = counter.EpochStartedAt.UTC()
	}
	if p.Kind == config.EpochPolicySinceReset {
		return epoch
	}
	month := StartOfMonth(now, p.location())
	if epoch.After(month) {
		return epoch
	}
	return month
}

func (p EpochPolicy) location() *time.Location {
	if p.Location == nil {
		return time.UTC
	}
	return p.Location
}

// StartOfMonth returns the first instant of t's month in loc, expressed in UTC.
func StartOfMonth(t time.Time, loc *time.Location) time.Time {
	if loc == nil {
		loc = time.UTC
	}
	local := t.In(loc)
	return time.Date(local.Year(), local.Month(), 1, 0, 0, 0, 0, loc).UTC()
}
