package app

import (
	"context"
	"errors"
	"time"
)

// CheckAlerts runs one yield alert evaluation now. With dryRun the pending
// opportunities are printed instead of sent.
func (a *App) CheckAlerts(ctx context.Context, dryRun bool) error {
	c, err := a.build()
	if err != nil {
		return err
	}
	now := time.Now().UTC()

	if dryRun {
		pending, err := a.newWatcher(c.yield, nil).Pending(ctx, now)
		if err != nil {
			return err
		}
		printYield(a.Out, pending)
		return nil
	}

	notifier := a.newNotifier(c.metrics)
	if notifier == nil {
		return errors.New("未配置任何告警通道")
	}
	return a.newWatcher(c.yield, notifier).Check(ctx, now)
}
