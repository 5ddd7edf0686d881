package store

import (
	"context"
	"log/slog"
	"time"
)

// Janitor runs the retention policy on a fixed interval.
type Janitor struct {
	Store    Store
	Policy   RetentionPolicy
	Interval time.Duration
	// Timeout bounds a single Prune call.
	Timeout time.Duration
	// Active returns the channels that currently have members; they are
	// never deleted for idleness.
	Active func(ctx context.Context) ([]string, error)
	Logger *slog.Logger
	Now    func() time.Time
}

// Run prunes once immediately and then on every tick until ctx is done.
func (j *Janitor) Run(ctx context.Context) {
	if j.Interval <= 0 {
		return
	}
	ticker := time.NewTicker(j.Interval)
	defer ticker.Stop()

	for {
		if _, err := j.RunOnce(ctx); err != nil && ctx.Err() == nil {
			j.logger().Error("retention: prune failed", "error", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// RunOnce applies the policy a single time.
func (j *Janitor) RunOnce(ctx context.Context) (PruneResult, error) {
	var keep []string
	if j.Active != nil {
		active, err := j.Active(ctx)
		if err != nil {
			return PruneResult{}, err
		}
		keep = active
	}

	if j.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, j.Timeout)
		defer cancel()
	}

	now := time.Now
	if j.Now != nil {
		now = j.Now
	}
	res, err := j.Store.Prune(ctx, j.Policy, now(), keep)
	if err != nil {
		return res, err
	}
	if res.Total() > 0 {
		j.logger().Info("retention: pruned",
			"over_cap", res.OverCap,
			"expired_messages", res.ExpiredMessages,
			"expired_alerts", res.ExpiredAlerts,
			"idle_channels", res.IdleChannels,
		)
	}
	return res, nil
}

func (j *Janitor) logger() *slog.Logger {
	if j.Logger != nil {
		return j.Logger
	}
	return slog.Default()
}
