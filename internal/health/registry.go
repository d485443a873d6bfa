package health

import (
	"context"
	"math"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/lalithlochan/courier/internal/clock"
	"github.com/lalithlochan/courier/internal/db"
	"github.com/lalithlochan/courier/internal/metrics"
)

// Status levels:
//
//	healthy  -> degraded: failure or bounce rate over the degraded threshold
//	degraded -> down:     rate over the down threshold, or MaxConsecutiveFailures in a row
//	down     -> degraded: RecoveryTimeout after the last failure (probe traffic allowed)
//	any      -> healthy:  rates fall back under thresholds (successes or decay)

// Config holds thresholds for the registry.
type Config struct {
	// MinSamples is the number of sends required before rates are trusted.
	MinSamples int64

	DegradedFailureRate float64
	DownFailureRate     float64
	DegradedBounceRate  float64
	DownBounceRate      float64

	// MaxConsecutiveFailures trips a provider down regardless of rate.
	MaxConsecutiveFailures int64

	// RecoveryTimeout is how long a down provider waits before probes resume.
	RecoveryTimeout time.Duration

	// ReconcileInterval controls snapshot persistence and counter decay.
	ReconcileInterval time.Duration

	// Decay multiplies all counters at each reconcile so old outcomes fade.
	Decay float64
}

// DefaultConfig returns the production thresholds.
func DefaultConfig() Config {
	return Config{
		MinSamples:             20,
		DegradedFailureRate:    0.10,
		DownFailureRate:        0.50,
		DegradedBounceRate:     0.05,
		DownBounceRate:         0.15,
		MaxConsecutiveFailures: 5,
		RecoveryTimeout:        30 * time.Second,
		ReconcileInterval:      time.Minute,
		Decay:                  0.5,
	}
}

// Store persists snapshots between restarts.
type Store interface {
	UpsertChannelHealth(ctx context.Context, snapshots []db.ChannelHealth) error
	ListChannelHealth(ctx context.Context) ([]db.ChannelHealth, error)
}

type key struct {
	channel  db.Channel
	provider string
}

// tracker holds lock-free counters for one channel/provider pair.
type tracker struct {
	sends       atomic.Int64
	failures    atomic.Int64
	bounces     atomic.Int64
	complaints  atomic.Int64
	delivered   atomic.Int64
	consecutive atomic.Int64
	lastFailure atomic.Int64 // unix nanos
	lastStatus  atomic.Value // db.HealthStatus
}

// Registry tracks operational health per channel and provider. Recording is
// a handful of atomic adds; the map lock is only taken for new pairs.
type Registry struct {
	mu       sync.RWMutex
	trackers map[key]*tracker
	config   Config
	store    Store
	clock    clock.Clock
	logger   *zap.Logger
}

// NewRegistry creates a registry. store may be nil.
func NewRegistry(cfg Config, store Store, clk clock.Clock, logger *zap.Logger) *Registry {
	def := DefaultConfig()
	if cfg.MinSamples <= 0 {
		cfg.MinSamples = def.MinSamples
	}
	if cfg.DegradedFailureRate <= 0 {
		cfg.DegradedFailureRate = def.DegradedFailureRate
	}
	if cfg.DownFailureRate <= 0 {
		cfg.DownFailureRate = def.DownFailureRate
	}
	if cfg.DegradedBounceRate <= 0 {
		cfg.DegradedBounceRate = def.DegradedBounceRate
	}
	if cfg.DownBounceRate <= 0 {
		cfg.DownBounceRate = def.DownBounceRate
	}
	if cfg.MaxConsecutiveFailures <= 0 {
		cfg.MaxConsecutiveFailures = def.MaxConsecutiveFailures
	}
	if cfg.RecoveryTimeout <= 0 {
		cfg.RecoveryTimeout = def.RecoveryTimeout
	}
	if cfg.ReconcileInterval <= 0 {
		cfg.ReconcileInterval = def.ReconcileInterval
	}
	if cfg.Decay <= 0 || cfg.Decay > 1 {
		cfg.Decay = def.Decay
	}
	if clk == nil {
		clk = clock.Real{}
	}

	return &Registry{
		trackers: make(map[key]*tracker),
		config:   cfg,
		store:    store,
		clock:    clk,
		logger:   logger,
	}
}

func (r *Registry) get(channel db.Channel, provider string) *tracker {
	k := key{channel, provider}

	r.mu.RLock()
	t, ok := r.trackers[k]
	r.mu.RUnlock()
	if ok {
		return t
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if t, ok = r.trackers[k]; ok {
		return t
	}
	t = &tracker{}
	t.lastStatus.Store(db.HealthHealthy)
	r.trackers[k] = t
	return t
}

// RecordSuccess records a send the provider accepted.
func (r *Registry) RecordSuccess(channel db.Channel, provider string) {
	t := r.get(channel, provider)
	t.sends.Add(1)
	t.consecutive.Store(0)
}

// RecordFailure records a failed send attempt.
func (r *Registry) RecordFailure(channel db.Channel, provider string) {
	t := r.get(channel, provider)
	t.sends.Add(1)
	t.failures.Add(1)
	t.consecutive.Add(1)
	t.lastFailure.Store(r.clock.Now().UnixNano())
}

// RecordRejected records a send the provider answered with a per-message
// rejection (bad number, unregistered token). The provider is reachable, so
// the failure counters are untouched and the consecutive run is broken.
func (r *Registry) RecordRejected(channel db.Channel, provider string) {
	t := r.get(channel, provider)
	t.sends.Add(1)
	t.consecutive.Store(0)
}

// RecordBounce records a bounce reported by the provider.
func (r *Registry) RecordBounce(channel db.Channel, provider string) {
	r.get(channel, provider).bounces.Add(1)
}

// RecordComplaint records a spam complaint.
func (r *Registry) RecordComplaint(channel db.Channel, provider string) {
	r.get(channel, provider).complaints.Add(1)
}

// RecordDelivered records a confirmed delivery.
func (r *Registry) RecordDelivered(channel db.Channel, provider string) {
	r.get(channel, provider).delivered.Add(1)
}

// Status returns the current health of a channel/provider pair. Pairs with
// no recorded traffic are healthy.
func (r *Registry) Status(channel db.Channel, provider string) db.HealthStatus {
	r.mu.RLock()
	t, ok := r.trackers[key{channel, provider}]
	r.mu.RUnlock()
	if !ok {
		return db.HealthHealthy
	}
	return r.evaluate(t, r.clock.Now())
}

func rate(n, total int64) float64 {
	if total <= 0 {
		return 0
	}
	return float64(n) / float64(total)
}

func (r *Registry) evaluate(t *tracker, now time.Time) db.HealthStatus {
	sends := t.sends.Load()
	failureRate := rate(t.failures.Load(), sends)
	bounceRate := rate(t.bounces.Load(), sends)
	trusted := sends >= r.config.MinSamples

	down := t.consecutive.Load() >= r.config.MaxConsecutiveFailures ||
		(trusted && (failureRate >= r.config.DownFailureRate || bounceRate >= r.config.DownBounceRate))
	if down {
		last := time.Unix(0, t.lastFailure.Load())
		if now.Sub(last) < r.config.RecoveryTimeout {
			return db.HealthDown
		}
		// recovery window elapsed: let probe traffic through at reduced concurrency
		return db.HealthDegraded
	}

	if trusted && (failureRate >= r.config.DegradedFailureRate || bounceRate >= r.config.DegradedBounceRate) {
		return db.HealthDegraded
	}
	return db.HealthHealthy
}

// Snapshot returns the current counters and status for every tracked pair.
func (r *Registry) Snapshot() []db.ChannelHealth {
	now := r.clock.Now()

	r.mu.RLock()
	out := make([]db.ChannelHealth, 0, len(r.trackers))
	for k, t := range r.trackers {
		sends := t.sends.Load()
		out = append(out, db.ChannelHealth{
			Channel:        k.channel,
			Provider:       k.provider,
			SendCount:      sends,
			FailureCount:   t.failures.Load(),
			BounceCount:    t.bounces.Load(),
			ComplaintCount: t.complaints.Load(),
			DeliveredCount: t.delivered.Load(),
			FailureRate:    rate(t.failures.Load(), sends),
			BounceRate:     rate(t.bounces.Load(), sends),
			Status:         r.evaluate(t, now),
			UpdatedAt:      now,
		})
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].Channel != out[j].Channel {
			return out[i].Channel < out[j].Channel
		}
		return out[i].Provider < out[j].Provider
	})
	return out
}

// Restore seeds counters from persisted snapshots, typically at startup.
func (r *Registry) Restore(ctx context.Context) error {
	if r.store == nil {
		return nil
	}
	snapshots, err := r.store.ListChannelHealth(ctx)
	if err != nil {
		return err
	}
	for _, h := range snapshots {
		t := r.get(h.Channel, h.Provider)
		t.sends.Store(h.SendCount)
		t.failures.Store(h.FailureCount)
		t.bounces.Store(h.BounceCount)
		t.complaints.Store(h.ComplaintCount)
		t.delivered.Store(h.DeliveredCount)
	}
	r.logger.Info("channel health restored", zap.Int("pairs", len(snapshots)))
	return nil
}

// Reconcile persists a snapshot, publishes metrics, logs status changes and
// decays the counters.
func (r *Registry) Reconcile(ctx context.Context) {
	snapshots := r.Snapshot()

	for _, h := range snapshots {
		metrics.SetChannelHealth(string(h.Channel), h.Provider, level(h.Status))

		t := r.get(h.Channel, h.Provider)
		if prev, _ := t.lastStatus.Load().(db.HealthStatus); prev != h.Status {
			r.logger.Warn("channel health changed",
				zap.String("channel", string(h.Channel)),
				zap.String("provider", h.Provider),
				zap.String("from", string(prev)),
				zap.String("to", string(h.Status)),
				zap.Float64("failure_rate", h.FailureRate),
				zap.Float64("bounce_rate", h.BounceRate),
			)
			t.lastStatus.Store(h.Status)
		}
	}

	if r.store != nil && len(snapshots) > 0 {
		if err := r.store.UpsertChannelHealth(ctx, snapshots); err != nil {
			r.logger.Error("failed to persist channel health", zap.Error(err))
		}
	}

	r.decay()
}

func (r *Registry) decay() {
	factor := r.config.Decay
	if factor >= 1 {
		return
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, t := range r.trackers {
		for _, c := range []*atomic.Int64{&t.sends, &t.failures, &t.bounces, &t.complaints, &t.delivered} {
			scale(c, factor)
		}
	}
}

// scale multiplies c by factor, retrying if a concurrent add lands first.
func scale(c *atomic.Int64, factor float64) {
	for {
		old := c.Load()
		next := int64(math.Floor(float64(old) * factor))
		if c.CompareAndSwap(old, next) {
			return
		}
	}
}

// Run reconciles on every tick until ctx is cancelled.
func (r *Registry) Run(ctx context.Context) {
	ticker := time.NewTicker(r.config.ReconcileInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.Reconcile(context.WithoutCancel(ctx))
			r.logger.Info("health reconciler stopping")
			return
		case <-ticker.C:
			r.Reconcile(ctx)
		}
	}
}

func level(s db.HealthStatus) int {
	switch s {
	case db.HealthDegraded:
		return 1
	case db.HealthDown:
		return 2
	}
	return 0
}
