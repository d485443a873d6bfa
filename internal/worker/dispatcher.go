package worker

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/lalithlochan/courier/internal/clock"
	"github.com/lalithlochan/courier/internal/db"
	"github.com/lalithlochan/courier/internal/metrics"
	"github.com/lalithlochan/courier/internal/suppression"
)

// Store is the slice of the message store the dispatcher drives.
type Store interface {
	ListDispatchable(ctx context.Context, now time.Time, limit int, skip []db.Channel) ([]*db.Message, error)
	Transition(ctx context.Context, t db.Transition) error
	RecoverStale(ctx context.Context, before, at time.Time) (int64, error)
}

// Router picks the sender for a channel. *MultiSender satisfies it.
type Router interface {
	Route(channel db.Channel) (Sender, bool)
}

// Health tracks provider outcomes. *health.Registry satisfies it.
type Health interface {
	Status(channel db.Channel, provider string) db.HealthStatus
	RecordSuccess(channel db.Channel, provider string)
	RecordFailure(channel db.Channel, provider string)
	RecordRejected(channel db.Channel, provider string)
}

// Suppressor re-checks durable suppression rules at dispatch time.
type Suppressor interface {
	Check(ctx context.Context, channel db.Channel, address string, msgType db.MessageType) (suppression.Decision, error)
}

type Config struct {
	PollInterval time.Duration
	BatchSize    int
	// Workers bounds concurrent provider calls across all channels.
	Workers int
	// DegradedConcurrency bounds concurrent sends on a degraded channel.
	DegradedConcurrency int
	MaxAttempts         int
	SendTimeout         time.Duration
	BackoffCap          time.Duration
	ReapInterval        time.Duration
	// StaleAfter is how long a claim may sit in sending before the reaper
	// returns it to the queue. Keep it well above SendTimeout.
	StaleAfter time.Duration
}

// Dispatcher moves queued messages to providers. Each message is claimed
// with a compare-and-set so concurrent dispatchers never send it twice.
type Dispatcher struct {
	store      Store
	router     Router
	health     Health
	suppressor Suppressor
	notifier   db.StatusNotifier
	clock      clock.Clock
	config     Config
	logger     *zap.Logger

	degraded map[db.Channel]*semaphore.Weighted
}

// New creates a dispatcher. suppressor and notifier may be nil.
func New(store Store, router Router, h Health, suppressor Suppressor, notifier db.StatusNotifier, clk clock.Clock, cfg Config, logger *zap.Logger) *Dispatcher {
	if cfg.PollInterval == 0 {
		cfg.PollInterval = time.Second
	}
	if cfg.BatchSize == 0 {
		cfg.BatchSize = 50
	}
	if cfg.Workers == 0 {
		cfg.Workers = 8
	}
	if cfg.DegradedConcurrency == 0 {
		cfg.DegradedConcurrency = 1
	}
	if cfg.MaxAttempts == 0 {
		cfg.MaxAttempts = 5
	}
	if cfg.SendTimeout == 0 {
		cfg.SendTimeout = 30 * time.Second
	}
	if cfg.BackoffCap == 0 {
		cfg.BackoffCap = time.Hour
	}
	if cfg.ReapInterval == 0 {
		cfg.ReapInterval = time.Minute
	}
	if cfg.StaleAfter == 0 {
		cfg.StaleAfter = 10 * cfg.SendTimeout
	}
	if clk == nil {
		clk = clock.Real{}
	}

	degraded := make(map[db.Channel]*semaphore.Weighted, len(db.Channels))
	for _, ch := range db.Channels {
		degraded[ch] = semaphore.NewWeighted(int64(cfg.DegradedConcurrency))
	}

	return &Dispatcher{
		store:      store,
		router:     router,
		health:     h,
		suppressor: suppressor,
		notifier:   notifier,
		clock:      clk,
		config:     cfg,
		logger:     logger,
		degraded:   degraded,
	}
}

// Start polls the queue and reaps stale claims until ctx is cancelled.
func (d *Dispatcher) Start(ctx context.Context) {
	ticker := time.NewTicker(d.config.PollInterval)
	defer ticker.Stop()
	reaper := time.NewTicker(d.config.ReapInterval)
	defer reaper.Stop()

	for {
		select {
		case <-ctx.Done():
			d.logger.Info("dispatcher stopping")
			return
		case <-reaper.C:
			d.Reap(ctx)
		case <-ticker.C:
			d.RunOnce(ctx)
		}
	}
}

// Reap returns abandoned claims to the queue.
func (d *Dispatcher) Reap(ctx context.Context) {
	now := d.clock.Now()
	n, err := d.store.RecoverStale(ctx, now.Add(-d.config.StaleAfter), now)
	if err != nil {
		d.logger.Error("failed to recover stale claims", zap.Error(err))
		return
	}
	if n > 0 {
		d.logger.Warn("recovered stale dispatch claims", zap.Int64("count", n))
	}
}

// downChannels lists channels whose routed provider is currently down.
func (d *Dispatcher) downChannels() []db.Channel {
	var down []db.Channel
	for _, ch := range db.Channels {
		sender, ok := d.router.Route(ch)
		if !ok {
			continue
		}
		if d.health.Status(ch, sender.Name()) == db.HealthDown {
			down = append(down, ch)
		}
	}
	return down
}

// RunOnce dispatches one batch and waits for its sends to finish. It returns
// the number of messages handed to a provider.
func (d *Dispatcher) RunOnce(ctx context.Context) int {
	skip := d.downChannels()
	msgs, err := d.store.ListDispatchable(ctx, d.clock.Now(), d.config.BatchSize, skip)
	if err != nil {
		d.logger.Error("failed to list dispatchable messages", zap.Error(err))
		return 0
	}
	if len(msgs) == 0 {
		return 0
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(d.config.Workers)

	dispatched := 0
	for _, m := range msgs {
		sender, ok := d.router.Route(m.Channel)
		if !ok {
			d.fail(ctx, m, "", fmt.Sprintf("no sender configured for channel %s", m.Channel))
			continue
		}

		status := d.health.Status(m.Channel, sender.Name())
		if status == db.HealthDown {
			metrics.RecordDispatch(string(m.Channel), sender.Name(), "deferred")
			continue
		}

		if d.suppressor != nil {
			decision, err := d.suppressor.Check(ctx, m.Channel, m.RecipientAddress, m.Type)
			if err != nil {
				d.logger.Error("suppression check failed, leaving message queued",
					zap.String("message_uuid", m.UUID.String()),
					zap.Error(err),
				)
				continue
			}
			if decision.Suppressed {
				metrics.RecordMessageSuppressed(string(m.Channel), decision.Reason)
				d.fail(ctx, m, sender.Name(), "suppressed: "+decision.Reason)
				continue
			}
		}

		claim := db.NewTransition(m, db.StatusSending, d.clock.Now())
		if err := d.store.Transition(ctx, claim); err != nil {
			if errors.Is(err, db.ErrConflict) {
				metrics.RecordClaimConflict("dispatcher")
				continue
			}
			d.logger.Error("failed to claim message",
				zap.String("message_uuid", m.UUID.String()),
				zap.Error(err),
			)
			continue
		}
		claim.Apply(m)
		dispatched++

		m, sender, limited := m, sender, status == db.HealthDegraded
		g.Go(func() error {
			if limited {
				sem := d.degraded[m.Channel]
				if err := sem.Acquire(gctx, 1); err != nil {
					// Shutdown; the reaper requeues the claim.
					return nil
				}
				defer sem.Release(1)
			}
			d.send(gctx, m, sender)
			return nil
		})
	}

	_ = g.Wait()
	return dispatched
}

func (d *Dispatcher) send(ctx context.Context, m *db.Message, sender Sender) {
	sendCtx, cancel := context.WithTimeout(ctx, d.config.SendTimeout)
	defer cancel()

	start := time.Now()
	res, err := sender.Send(sendCtx, m)
	metrics.RecordSendLatency(string(m.Channel), sender.Name(), time.Since(start))

	if err == nil && res.ExternalID == "" {
		err = Transient(errors.New("provider returned no message id"))
	}

	provider := res.Provider
	if provider == "" {
		provider = sender.Name()
	}
	attempts := m.Attempts + 1
	now := d.clock.Now()

	var t db.Transition
	switch {
	case err == nil:
		d.health.RecordSuccess(m.Channel, provider)
		t = db.NewTransition(m, db.StatusSent, now).WithAttempts(attempts)
		t.ExternalID = &res.ExternalID
		t.Provider = provider
		metrics.RecordDispatch(string(m.Channel), provider, "sent")

	case IsPermanent(err) || attempts >= d.config.MaxAttempts:
		if IsRejection(err) {
			d.health.RecordRejected(m.Channel, provider)
		} else {
			d.health.RecordFailure(m.Channel, provider)
		}
		t = db.NewTransition(m, db.StatusFailed, now).WithAttempts(attempts).WithError(err.Error())
		t.Provider = provider
		metrics.RecordDispatch(string(m.Channel), provider, "failed")
		d.logger.Warn("message failed",
			zap.String("message_uuid", m.UUID.String()),
			zap.String("provider", provider),
			zap.Int("attempts", attempts),
			zap.Error(err),
		)

	default:
		d.health.RecordFailure(m.Channel, provider)
		next := now.Add(d.backoff(attempts))
		t = db.NewTransition(m, db.StatusQueued, now).WithAttempts(attempts).WithError(err.Error())
		t.NextAttemptAt = &next
		metrics.RecordDispatch(string(m.Channel), provider, "retry")
		d.logger.Info("send failed, will retry",
			zap.String("message_uuid", m.UUID.String()),
			zap.String("provider", provider),
			zap.Int("attempts", attempts),
			zap.Time("next_attempt_at", next),
			zap.Error(err),
		)
	}

	d.commit(ctx, m, t)
}

// fail moves a queued message straight to failed without a send.
func (d *Dispatcher) fail(ctx context.Context, m *db.Message, provider, reason string) {
	t := db.NewTransition(m, db.StatusFailed, d.clock.Now()).WithError(reason)
	t.Provider = provider
	d.commit(ctx, m, t)
}

// commit persists t. A provider already accepted the message at this point,
// so the write outlives a cancelled ctx.
func (d *Dispatcher) commit(ctx context.Context, m *db.Message, t db.Transition) {
	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()

	if err := d.store.Transition(writeCtx, t); err != nil {
		if errors.Is(err, db.ErrConflict) {
			metrics.RecordClaimConflict("dispatcher")
			d.logger.Warn("message changed during dispatch",
				zap.String("message_uuid", m.UUID.String()),
				zap.String("to", string(t.To)),
			)
			return
		}
		d.logger.Error("failed to record dispatch outcome",
			zap.String("message_uuid", m.UUID.String()),
			zap.String("to", string(t.To)),
			zap.Error(err),
		)
		return
	}

	prev := m.Status
	t.Apply(m)
	if d.notifier != nil && t.To != db.StatusQueued {
		d.notifier.NotifyStatus(writeCtx, db.NewStatusChange(m, prev, t.At))
	}
}

// backoff is 2^attempts minutes, capped.
func (d *Dispatcher) backoff(attempts int) time.Duration {
	if attempts > 30 {
		return d.config.BackoffCap
	}
	delay := time.Duration(math.Pow(2, float64(attempts))) * time.Minute
	if delay > d.config.BackoffCap {
		return d.config.BackoffCap
	}
	return delay
}
