// Package suppression decides whether a recipient may be contacted on a
// channel and records the provider signals that block future sends.
package suppression

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/lalithlochan/courier/internal/clock"
	"github.com/lalithlochan/courier/internal/db"
	"github.com/lalithlochan/courier/internal/metrics"
	"github.com/lalithlochan/courier/internal/redis"
)

// ReasonRateLimited is reported when the per-recipient send limit is hit.
// It is never persisted.
const ReasonRateLimited = "rate_limited"

// Store is the subset of the message store the filter needs.
type Store interface {
	ListSuppressions(ctx context.Context, channel db.Channel, address string) ([]*db.Suppression, error)
	UpsertSuppression(ctx context.Context, s *db.Suppression) error
	RecordSoftBounce(ctx context.Context, channel db.Channel, address, source string, at time.Time) (int, error)
	DeleteSuppression(ctx context.Context, channel db.Channel, address string, reason db.SuppressionReason) error
}

// Limiter caps sends per recipient. *redis.RateLimiter satisfies it.
type Limiter interface {
	AllowRecipient(ctx context.Context, channel, address string) (*redis.RateLimitResult, error)
}

// Config holds suppression policy knobs.
type Config struct {
	// SoftBounceThreshold soft bounces suppress marketing traffic.
	SoftBounceThreshold int
}

// Decision is the outcome of a suppression check.
type Decision struct {
	Suppressed bool
	Reason     string
}

// Filter applies suppression rules. Emergency and transactional messages
// only honor hard bounces; everything else also honors complaints,
// opt-outs, repeated soft bounces and the rate limit.
type Filter struct {
	store   Store
	limiter Limiter
	config  Config
	clock   clock.Clock
	logger  *zap.Logger
}

// NewFilter creates a suppression filter. limiter may be nil.
func NewFilter(store Store, limiter Limiter, cfg Config, clk clock.Clock, logger *zap.Logger) *Filter {
	if cfg.SoftBounceThreshold <= 0 {
		cfg.SoftBounceThreshold = 3
	}
	if clk == nil {
		clk = clock.Real{}
	}
	return &Filter{
		store:   store,
		limiter: limiter,
		config:  cfg,
		clock:   clk,
		logger:  logger,
	}
}

// Check evaluates the durable rules only. The dispatcher uses it to catch
// suppressions recorded after a message was queued.
func (f *Filter) Check(ctx context.Context, channel db.Channel, address string, msgType db.MessageType) (Decision, error) {
	address = db.NormalizeAddress(channel, address)

	rules, err := f.store.ListSuppressions(ctx, channel, address)
	if err != nil {
		return Decision{}, fmt.Errorf("load suppressions: %w", err)
	}

	now := f.clock.Now()
	bypass := msgType.BypassesMarketingSuppression()

	for _, s := range rules {
		if !s.Active(now) {
			continue
		}
		if s.Reason == db.ReasonHardBounce {
			return Decision{Suppressed: true, Reason: string(s.Reason)}, nil
		}
	}
	if bypass {
		return Decision{}, nil
	}

	for _, s := range rules {
		if !s.Active(now) {
			continue
		}
		switch s.Reason {
		case db.ReasonComplaint, db.ReasonOptOut:
			return Decision{Suppressed: true, Reason: string(s.Reason)}, nil
		case db.ReasonSoftBounce:
			if s.Hits >= f.config.SoftBounceThreshold {
				return Decision{Suppressed: true, Reason: string(s.Reason)}, nil
			}
		}
	}
	return Decision{}, nil
}

// Allow runs Check and then, for marketing types, takes a rate limit slot.
// A Redis failure lets the send through.
func (f *Filter) Allow(ctx context.Context, channel db.Channel, address string, msgType db.MessageType) (Decision, error) {
	d, err := f.Check(ctx, channel, address, msgType)
	if err != nil || d.Suppressed {
		if d.Suppressed {
			metrics.RecordMessageSuppressed(string(channel), d.Reason)
		}
		return d, err
	}
	if f.limiter == nil || msgType.BypassesMarketingSuppression() {
		return d, nil
	}

	res, err := f.limiter.AllowRecipient(ctx, string(channel), db.NormalizeAddress(channel, address))
	if err != nil {
		f.logger.Warn("rate limiter unavailable, allowing send",
			zap.String("channel", string(channel)),
			zap.Error(err),
		)
		return d, nil
	}
	if !res.Allowed {
		metrics.RecordRateLimitRejection(string(channel))
		metrics.RecordMessageSuppressed(string(channel), ReasonRateLimited)
		return Decision{Suppressed: true, Reason: ReasonRateLimited}, nil
	}
	return d, nil
}

func (f *Filter) record(ctx context.Context, channel db.Channel, address string, reason db.SuppressionReason, source string, expiresAt *time.Time) error {
	now := f.clock.Now()
	s := &db.Suppression{
		Channel:   channel,
		Address:   db.NormalizeAddress(channel, address),
		Reason:    reason,
		Hits:      1,
		Source:    source,
		ExpiresAt: expiresAt,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := f.store.UpsertSuppression(ctx, s); err != nil {
		return fmt.Errorf("record %s: %w", reason, err)
	}
	return nil
}

// RecordHardBounce permanently suppresses the address on channel.
func (f *Filter) RecordHardBounce(ctx context.Context, channel db.Channel, address, source string) error {
	return f.record(ctx, channel, address, db.ReasonHardBounce, source, nil)
}

// RecordComplaint permanently suppresses the address on channel.
func (f *Filter) RecordComplaint(ctx context.Context, channel db.Channel, address, source string) error {
	return f.record(ctx, channel, address, db.ReasonComplaint, source, nil)
}

// RecordSoftBounce counts a soft bounce and reports whether the address
// has now crossed the suppression threshold.
func (f *Filter) RecordSoftBounce(ctx context.Context, channel db.Channel, address, source string) (bool, error) {
	hits, err := f.store.RecordSoftBounce(ctx, channel, db.NormalizeAddress(channel, address), source, f.clock.Now())
	if err != nil {
		return false, fmt.Errorf("record soft bounce: %w", err)
	}
	escalated := hits == f.config.SoftBounceThreshold
	if escalated {
		f.logger.Info("soft bounces escalated to suppression",
			zap.String("channel", string(channel)),
			zap.String("source", source),
			zap.Int("hits", hits),
		)
	}
	return hits >= f.config.SoftBounceThreshold, nil
}

// OptOut records a manual opt-out, optionally expiring.
func (f *Filter) OptOut(ctx context.Context, channel db.Channel, address, source string, expiresAt *time.Time) error {
	return f.record(ctx, channel, address, db.ReasonOptOut, source, expiresAt)
}

// Remove deletes a rule. It returns db.ErrNotFound when none existed.
func (f *Filter) Remove(ctx context.Context, channel db.Channel, address string, reason db.SuppressionReason) error {
	return f.store.DeleteSuppression(ctx, channel, db.NormalizeAddress(channel, address), reason)
}

// List returns every rule recorded for the address.
func (f *Filter) List(ctx context.Context, channel db.Channel, address string) ([]*db.Suppression, error) {
	return f.store.ListSuppressions(ctx, channel, db.NormalizeAddress(channel, address))
}
