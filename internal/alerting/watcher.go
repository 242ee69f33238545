package alerting

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"defi-aggregator/internal/model"
	"defi-aggregator/internal/yield"
)

// Ranker is satisfied by *yield.Service.
type Ranker interface {
	Top(ctx context.Context, q yield.Query) ([]model.YieldOpportunity, error)
}

// WatchOptions select the opportunities worth an alert.
type WatchOptions struct {
	MinAPY   float64
	Assets   []string
	Chains   []string
	Limit    int
	Cooldown time.Duration
}

// Watcher checks the yield ranking and notifies about opportunities above
// the threshold. An opportunity is announced again only after Cooldown.
type Watcher struct {
	opts     WatchOptions
	ranker   Ranker
	notifier Notifier
	logger   zerolog.Logger

	mu   sync.Mutex
	sent map[string]time.Time
}

// NewWatcher wires the watcher.
func NewWatcher(opts WatchOptions, ranker Ranker, notifier Notifier, logger zerolog.Logger) *Watcher {
	if opts.Limit <= 0 {
		opts.Limit = 10
	}
	return &Watcher{
		opts:     opts,
		ranker:   ranker,
		notifier: notifier,
		logger:   logger.With().Str("component", "yield_alert").Logger(),
		sent:     make(map[string]time.Time),
	}
}

// Pending returns the opportunities an alert at `at` would announce.
func (w *Watcher) Pending(ctx context.Context, at time.Time) ([]model.YieldOpportunity, error) {
	minAPY := w.opts.MinAPY
	all, err := w.ranker.Top(ctx, yield.Query{MinAPY: &minAPY})
	if err != nil {
		return nil, err
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]model.YieldOpportunity, 0, w.opts.Limit)
	for _, o := range all {
		if !matches(w.opts.Assets, o.AssetSymbol) || !matches(w.opts.Chains, o.Chain) {
			continue
		}
		if last, ok := w.sent[key(o)]; ok && at.Sub(last) < w.opts.Cooldown {
			continue
		}
		out = append(out, o)
		if len(out) == w.opts.Limit {
			break
		}
	}
	return out, nil
}

// Check is a scheduler tick: it notifies about pending opportunities.
func (w *Watcher) Check(ctx context.Context, at time.Time) error {
	pending, err := w.Pending(ctx, at)
	if err != nil {
		return err
	}
	if len(pending) == 0 {
		w.logger.Debug().Time("at", at).Msg("no yield above threshold")
		return nil
	}

	if err := w.notifier.Notify(ctx, Notification{At: at, MinAPY: w.opts.MinAPY, Opportunities: pending}); err != nil {
		return err
	}

	w.mu.Lock()
	for _, o := range pending {
		w.sent[key(o)] = at
	}
	w.mu.Unlock()
	return nil
}

func key(o model.YieldOpportunity) string {
	return strings.ToLower(strings.Join([]string{o.Protocol, o.Chain, o.AssetSymbol, o.Name, o.VaultAddress}, "|"))
}

func matches(allowed []string, v string) bool {
	if len(allowed) == 0 {
		return true
	}
	for _, a := range allowed {
		if strings.EqualFold(strings.TrimSpace(a), v) {
			return true
		}
	}
	return false
}
