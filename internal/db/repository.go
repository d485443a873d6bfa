package db

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"
)

const staleClaimError = "dispatch claim expired"

// Repository is the Postgres-backed message queue store.
type Repository struct {
	db     *DB
	logger *zap.Logger
}

// NewRepository creates a new message repository
func NewRepository(db *DB, logger *zap.Logger) *Repository {
	return &Repository{
		db:     db,
		logger: logger,
	}
}

const messageColumns = `
	id, uuid, channel, priority, message_type, recipient_address,
	recipient_kind, recipient_id, template, subject, body, data,
	source_kind, source_id, scheduled_for, ip_pool, status, external_id,
	provider, attempts, last_error, next_attempt_at, version,
	created_at, updated_at, sent_at, delivered_at`

func refParts(ref *Reference) (*string, *string) {
	if ref == nil {
		return nil, nil
	}
	kind := string(ref.Kind)
	id := ref.ID
	return &kind, &id
}

func scanMessage(row pgx.Row) (*Message, error) {
	var (
		m                    Message
		recipientKind, recID *string
		sourceKind, srcID    *string
	)
	err := row.Scan(
		&m.ID,
		&m.UUID,
		&m.Channel,
		&m.Priority,
		&m.Type,
		&m.RecipientAddress,
		&recipientKind,
		&recID,
		&m.Template,
		&m.Subject,
		&m.Body,
		&m.Data,
		&sourceKind,
		&srcID,
		&m.ScheduledFor,
		&m.IPPool,
		&m.Status,
		&m.ExternalID,
		&m.Provider,
		&m.Attempts,
		&m.LastError,
		&m.NextAttemptAt,
		&m.Version,
		&m.CreatedAt,
		&m.UpdatedAt,
		&m.SentAt,
		&m.DeliveredAt,
	)
	if err != nil {
		return nil, err
	}
	if recipientKind != nil && recID != nil {
		m.Recipient = &Reference{Kind: RefKind(*recipientKind), ID: *recID}
	}
	if sourceKind != nil && srcID != nil {
		m.Source = &Reference{Kind: RefKind(*sourceKind), ID: *srcID}
	}
	return &m, nil
}

const insertMessageQuery = `
	INSERT INTO messages (
		uuid, channel, priority, message_type, recipient_address,
		recipient_kind, recipient_id, template, subject, body, data,
		source_kind, source_id, scheduled_for, ip_pool, status,
		attempts, version, created_at, updated_at
	) VALUES (
		$1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11,
		$12, $13, $14, $15, $16, 0, 1, $17, $17
	)
	RETURNING id, version, updated_at
`

func insertMessageArgs(m *Message) []any {
	recKind, recID := refParts(m.Recipient)
	srcKind, srcID := refParts(m.Source)
	var data any
	if len(m.Data) > 0 {
		data = []byte(m.Data)
	}
	return []any{
		m.UUID,
		string(m.Channel),
		int(m.Priority),
		string(m.Type),
		m.RecipientAddress,
		recKind,
		recID,
		m.Template,
		m.Subject,
		m.Body,
		data,
		srcKind,
		srcID,
		m.ScheduledFor,
		m.IPPool,
		string(m.Status),
		m.CreatedAt,
	}
}

// CreateMessage inserts a new message into the database
func (r *Repository) CreateMessage(ctx context.Context, m *Message) error {
	err := r.db.Pool().QueryRow(ctx, insertMessageQuery, insertMessageArgs(m)...).
		Scan(&m.ID, &m.Version, &m.UpdatedAt)
	if err != nil {
		r.logger.Error("failed to create message",
			zap.Error(err),
			zap.String("message_uuid", m.UUID.String()),
		)
		return fmt.Errorf("insert message: %w", err)
	}

	r.logger.Debug("message created",
		zap.String("message_uuid", m.UUID.String()),
		zap.String("channel", string(m.Channel)),
		zap.String("priority", m.Priority.String()),
	)
	return nil
}

// CreateMessages inserts a batch in one transaction: all rows or none.
func (r *Repository) CreateMessages(ctx context.Context, msgs []*Message) error {
	tx, err := r.db.Pool().Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	batch := &pgx.Batch{}
	for _, m := range msgs {
		batch.Queue(insertMessageQuery, insertMessageArgs(m)...)
	}
	results := tx.SendBatch(ctx, batch)
	for _, m := range msgs {
		if err := results.QueryRow().Scan(&m.ID, &m.Version, &m.UpdatedAt); err != nil {
			_ = results.Close()
			return fmt.Errorf("insert message %s: %w", m.UUID, err)
		}
	}
	if err := results.Close(); err != nil {
		return fmt.Errorf("close batch: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}

	r.logger.Info("message batch created", zap.Int("count", len(msgs)))
	return nil
}

func (r *Repository) getOne(ctx context.Context, where string, arg any) (*Message, error) {
	query := `SELECT ` + messageColumns + ` FROM messages WHERE ` + where
	m, err := scanMessage(r.db.Pool().QueryRow(ctx, query, arg))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query message: %w", err)
	}
	return m, nil
}

// GetMessage retrieves a message by internal id
func (r *Repository) GetMessage(ctx context.Context, id int64) (*Message, error) {
	return r.getOne(ctx, `id = $1`, id)
}

// GetMessageByUUID retrieves a message by its public uuid
func (r *Repository) GetMessageByUUID(ctx context.Context, id uuid.UUID) (*Message, error) {
	return r.getOne(ctx, `uuid = $1`, id)
}

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

// FindByExternalID resolves a provider message id. An exact match always
// wins; with substring set, the oldest row whose stored id contains
// externalID is returned instead.
func (r *Repository) FindByExternalID(ctx context.Context, externalID string, substring bool) (*Message, error) {
	m, err := r.getOne(ctx, `external_id = $1 ORDER BY id LIMIT 1`, externalID)
	if err == nil || !errors.Is(err, ErrNotFound) || !substring {
		return m, err
	}
	pattern := "%" + likeEscaper.Replace(externalID) + "%"
	return r.getOne(ctx, `external_id LIKE $1 ESCAPE '\' ORDER BY id LIMIT 1`, pattern)
}

// ListDispatchable returns due queued messages, highest priority first and
// FIFO within a priority. Channels in skip are left in the queue.
func (r *Repository) ListDispatchable(ctx context.Context, now time.Time, limit int, skip []Channel) ([]*Message, error) {
	query := `SELECT ` + messageColumns + `
		FROM messages
		WHERE status = 'queued'
		  AND (scheduled_for IS NULL OR scheduled_for <= $1)
		  AND (next_attempt_at IS NULL OR next_attempt_at <= $1)
		  AND NOT (channel = ANY($3::text[]))
		ORDER BY priority ASC, created_at ASC, id ASC
		LIMIT $2
	`

	skipped := make([]string, len(skip))
	for i, c := range skip {
		skipped[i] = string(c)
	}

	rows, err := r.db.Pool().Query(ctx, query, now, limit, skipped)
	if err != nil {
		return nil, fmt.Errorf("query dispatchable messages: %w", err)
	}
	defer rows.Close()

	var out []*Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// Transition performs a compare-and-set status change. It returns
// ErrConflict when another writer moved the row first.
func (r *Repository) Transition(ctx context.Context, t Transition) error {
	if err := t.Validate(); err != nil {
		return err
	}

	query := `
		UPDATE messages SET
			status          = $1,
			version         = version + 1,
			updated_at      = $2,
			attempts        = GREATEST(attempts, COALESCE($3::int, attempts)),
			external_id     = COALESCE($4::text, external_id),
			provider        = COALESCE(NULLIF($5::text, ''), provider),
			last_error      = COALESCE($6::text, last_error),
			next_attempt_at = COALESCE($7::timestamptz, next_attempt_at),
			sent_at         = COALESCE(sent_at, $8::timestamptz),
			delivered_at    = COALESCE(delivered_at, $9::timestamptz)
		WHERE id = $10 AND status = $11 AND version = $12
	`

	result, err := r.db.Pool().Exec(ctx, query,
		string(t.To),
		t.At,
		t.Attempts,
		t.ExternalID,
		t.Provider,
		t.LastError,
		t.NextAttemptAt,
		t.SentAt,
		t.DeliveredAt,
		t.MessageID,
		string(t.From),
		t.Version,
	)
	if err != nil {
		r.logger.Error("failed to transition message",
			zap.Error(err),
			zap.Int64("message_id", t.MessageID),
			zap.String("from", string(t.From)),
			zap.String("to", string(t.To)),
		)
		return fmt.Errorf("update message status: %w", err)
	}

	if result.RowsAffected() == 0 {
		var exists bool
		if err := r.db.Pool().QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM messages WHERE id = $1)`, t.MessageID).Scan(&exists); err != nil {
			return fmt.Errorf("check message: %w", err)
		}
		if !exists {
			return ErrNotFound
		}
		return ErrConflict
	}
	return nil
}

// RecoverStale requeues messages stuck in sending since before, counting
// the abandoned claim as an attempt.
func (r *Repository) RecoverStale(ctx context.Context, before, at time.Time) (int64, error) {
	query := `
		UPDATE messages SET
			status     = 'queued',
			version    = version + 1,
			attempts   = attempts + 1,
			last_error = $3,
			updated_at = $2
		WHERE status = 'sending' AND updated_at < $1
	`
	result, err := r.db.Pool().Exec(ctx, query, before, at, staleClaimError)
	if err != nil {
		return 0, fmt.Errorf("recover stale claims: %w", err)
	}
	return result.RowsAffected(), nil
}

// InsertDeliveryEvent appends an event. A repeated (message, external event
// id) pair is still stored, flagged duplicate, and ev.Duplicate reports it.
// An event already marked duplicate by the caller is stored as such.
func (r *Repository) InsertDeliveryEvent(ctx context.Context, ev *DeliveryEvent) error {
	insert := func(duplicate bool, onConflict string) (int64, error) {
		query := `
			INSERT INTO delivery_events (
				message_id, event_type, provider_event, source,
				external_event_id, duplicate, bounce_type, event_data, received_at
			) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		` + onConflict + ` RETURNING id`

		var id int64
		err := r.db.Pool().QueryRow(ctx, query,
			ev.MessageID,
			string(ev.EventType),
			ev.ProviderEvent,
			ev.Source,
			ev.ExternalEventID,
			duplicate,
			string(ev.BounceType),
			[]byte(ev.EventData),
			ev.ReceivedAt,
		).Scan(&id)
		return id, err
	}

	var id int64
	var err error
	if ev.Duplicate {
		id, err = insert(true, "")
	} else {
		id, err = insert(false, `ON CONFLICT (message_id, external_event_id) WHERE NOT duplicate DO NOTHING`)
		if errors.Is(err, pgx.ErrNoRows) {
			ev.Duplicate = true
			id, err = insert(true, "")
		}
	}
	if err != nil {
		return fmt.Errorf("insert delivery event: %w", err)
	}
	ev.ID = id
	return nil
}

// ListDeliveryEvents returns a message's events in arrival order.
func (r *Repository) ListDeliveryEvents(ctx context.Context, messageID int64) ([]*DeliveryEvent, error) {
	query := `
		SELECT id, message_id, event_type, provider_event, source,
		       external_event_id, duplicate, bounce_type, event_data, received_at
		FROM delivery_events
		WHERE message_id = $1
		ORDER BY id ASC
	`
	rows, err := r.db.Pool().Query(ctx, query, messageID)
	if err != nil {
		return nil, fmt.Errorf("query delivery events: %w", err)
	}
	defer rows.Close()

	var out []*DeliveryEvent
	for rows.Next() {
		var (
			ev   DeliveryEvent
			data []byte
		)
		if err := rows.Scan(
			&ev.ID,
			&ev.MessageID,
			&ev.EventType,
			&ev.ProviderEvent,
			&ev.Source,
			&ev.ExternalEventID,
			&ev.Duplicate,
			&ev.BounceType,
			&data,
			&ev.ReceivedAt,
		); err != nil {
			return nil, fmt.Errorf("scan delivery event: %w", err)
		}
		ev.EventData = json.RawMessage(data)
		out = append(out, &ev)
	}
	return out, rows.Err()
}

// QueueStats counts messages per (priority, status).
func (r *Repository) QueueStats(ctx context.Context) ([]QueueStat, error) {
	rows, err := r.db.Pool().Query(ctx, `
		SELECT priority, status, COUNT(*)
		FROM messages
		GROUP BY priority, status
		ORDER BY priority, status
	`)
	if err != nil {
		return nil, fmt.Errorf("query queue stats: %w", err)
	}
	defer rows.Close()

	var out []QueueStat
	for rows.Next() {
		var s QueueStat
		if err := rows.Scan(&s.Priority, &s.Status, &s.Count); err != nil {
			return nil, fmt.Errorf("scan queue stat: %w", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// ChannelStats counts messages per (channel, status).
func (r *Repository) ChannelStats(ctx context.Context) ([]ChannelStat, error) {
	rows, err := r.db.Pool().Query(ctx, `
		SELECT channel, status, COUNT(*)
		FROM messages
		GROUP BY channel, status
		ORDER BY channel, status
	`)
	if err != nil {
		return nil, fmt.Errorf("query channel stats: %w", err)
	}
	defer rows.Close()

	var out []ChannelStat
	for rows.Next() {
		var s ChannelStat
		if err := rows.Scan(&s.Channel, &s.Status, &s.Count); err != nil {
			return nil, fmt.Errorf("scan channel stat: %w", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// ListSuppressions returns every rule for address on channel.
func (r *Repository) ListSuppressions(ctx context.Context, channel Channel, address string) ([]*Suppression, error) {
	rows, err := r.db.Pool().Query(ctx, `
		SELECT channel, address, reason, hits, source, expires_at, created_at, updated_at
		FROM suppressions
		WHERE channel = $1 AND address = $2
	`, string(channel), address)
	if err != nil {
		return nil, fmt.Errorf("query suppressions: %w", err)
	}
	defer rows.Close()

	var out []*Suppression
	for rows.Next() {
		var s Suppression
		if err := rows.Scan(&s.Channel, &s.Address, &s.Reason, &s.Hits, &s.Source, &s.ExpiresAt, &s.CreatedAt, &s.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan suppression: %w", err)
		}
		out = append(out, &s)
	}
	return out, rows.Err()
}

// UpsertSuppression records a rule, refreshing source and expiry if it exists.
func (r *Repository) UpsertSuppression(ctx context.Context, s *Suppression) error {
	hits := s.Hits
	if hits == 0 {
		hits = 1
	}
	_, err := r.db.Pool().Exec(ctx, `
		INSERT INTO suppressions (channel, address, reason, hits, source, expires_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $7)
		ON CONFLICT (channel, address, reason) DO UPDATE SET
			hits       = GREATEST(suppressions.hits, EXCLUDED.hits),
			source     = EXCLUDED.source,
			expires_at = EXCLUDED.expires_at,
			updated_at = EXCLUDED.updated_at
	`, string(s.Channel), s.Address, string(s.Reason), hits, s.Source, s.ExpiresAt, s.UpdatedAt)
	if err != nil {
		return fmt.Errorf("upsert suppression: %w", err)
	}

	r.logger.Info("suppression recorded",
		zap.String("channel", string(s.Channel)),
		zap.String("reason", string(s.Reason)),
		zap.String("source", s.Source),
	)
	return nil
}

// RecordSoftBounce bumps the soft-bounce counter and returns the new total.
func (r *Repository) RecordSoftBounce(ctx context.Context, channel Channel, address, source string, at time.Time) (int, error) {
	var hits int
	err := r.db.Pool().QueryRow(ctx, `
		INSERT INTO suppressions (channel, address, reason, hits, source, created_at, updated_at)
		VALUES ($1, $2, 'soft_bounce', 1, $3, $4, $4)
		ON CONFLICT (channel, address, reason) DO UPDATE SET
			hits       = suppressions.hits + 1,
			source     = EXCLUDED.source,
			updated_at = EXCLUDED.updated_at
		RETURNING hits
	`, string(channel), address, source, at).Scan(&hits)
	if err != nil {
		return 0, fmt.Errorf("record soft bounce: %w", err)
	}
	return hits, nil
}

// DeleteSuppression removes a rule.
func (r *Repository) DeleteSuppression(ctx context.Context, channel Channel, address string, reason SuppressionReason) error {
	result, err := r.db.Pool().Exec(ctx,
		`DELETE FROM suppressions WHERE channel = $1 AND address = $2 AND reason = $3`,
		string(channel), address, string(reason),
	)
	if err != nil {
		return fmt.Errorf("delete suppression: %w", err)
	}
	if result.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// UpsertChannelHealth persists health snapshots.
func (r *Repository) UpsertChannelHealth(ctx context.Context, snapshots []ChannelHealth) error {
	if len(snapshots) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, h := range snapshots {
		batch.Queue(`
			INSERT INTO channel_health (
				channel, provider, send_count, failure_count, bounce_count,
				complaint_count, delivered_count, failure_rate, bounce_rate, status, updated_at
			) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
			ON CONFLICT (channel, provider) DO UPDATE SET
				send_count      = EXCLUDED.send_count,
				failure_count   = EXCLUDED.failure_count,
				bounce_count    = EXCLUDED.bounce_count,
				complaint_count = EXCLUDED.complaint_count,
				delivered_count = EXCLUDED.delivered_count,
				failure_rate    = EXCLUDED.failure_rate,
				bounce_rate     = EXCLUDED.bounce_rate,
				status          = EXCLUDED.status,
				updated_at      = EXCLUDED.updated_at
		`, string(h.Channel), h.Provider, h.SendCount, h.FailureCount, h.BounceCount,
			h.ComplaintCount, h.DeliveredCount, h.FailureRate, h.BounceRate, string(h.Status), h.UpdatedAt)
	}
	if err := r.db.Pool().SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("upsert channel health: %w", err)
	}
	return nil
}

// ListChannelHealth returns the persisted health snapshots.
func (r *Repository) ListChannelHealth(ctx context.Context) ([]ChannelHealth, error) {
	rows, err := r.db.Pool().Query(ctx, `
		SELECT channel, provider, send_count, failure_count, bounce_count,
		       complaint_count, delivered_count, failure_rate, bounce_rate, status, updated_at
		FROM channel_health
		ORDER BY channel, provider
	`)
	if err != nil {
		return nil, fmt.Errorf("query channel health: %w", err)
	}
	defer rows.Close()

	var out []ChannelHealth
	for rows.Next() {
		var h ChannelHealth
		if err := rows.Scan(&h.Channel, &h.Provider, &h.SendCount, &h.FailureCount, &h.BounceCount,
			&h.ComplaintCount, &h.DeliveredCount, &h.FailureRate, &h.BounceRate, &h.Status, &h.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan channel health: %w", err)
		}
		out = append(out, h)
	}
	return out, rows.Err()
}

// Health checks the underlying pool.
func (r *Repository) Health(ctx context.Context) error {
	return r.db.Health(ctx)
}
