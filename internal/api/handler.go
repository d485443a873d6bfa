package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lalithlochan/courier/internal/db"
	"github.com/lalithlochan/courier/internal/redis"
	"github.com/lalithlochan/courier/internal/service"
	"github.com/lalithlochan/courier/internal/webhook"
)

// maxWebhookBody caps provider callback bodies.
const maxWebhookBody = 1 << 20

// MessageService is what the handlers need from the send façade.
// *service.Service satisfies it.
type MessageService interface {
	Send(ctx context.Context, req service.SendRequest) (*service.Result, error)
	SendBulk(ctx context.Context, req service.BulkRequest) (*service.BulkResult, error)
	GetStatus(ctx context.Context, id uuid.UUID) (*service.Snapshot, error)
	Cancel(ctx context.Context, id uuid.UUID) (bool, error)
	Events(ctx context.Context, id uuid.UUID) ([]*db.DeliveryEvent, error)
	QueueStats(ctx context.Context) ([]db.QueueStat, error)
	ChannelStats(ctx context.Context) ([]service.ChannelReport, error)
	Suppress(ctx context.Context, req service.SuppressRequest) error
	Unsuppress(ctx context.Context, req service.UnsuppressRequest) error
	Suppressions(ctx context.Context, channel db.Channel, address string) ([]*db.Suppression, error)
}

// WebhookProcessor ingests provider callbacks. *webhook.Normalizer
// satisfies it.
type WebhookProcessor interface {
	Process(ctx context.Context, provider string, payload []byte, contentType string) (*webhook.Outcome, error)
}

// Idempotency replays responses for repeated Idempotency-Key headers.
// *redis.IdempotencyService satisfies it.
type Idempotency interface {
	CheckOrReserve(ctx context.Context, scope, idempotencyKey string) (*redis.IdempotencyResult, error)
	Store(ctx context.Context, scope, idempotencyKey string, result *redis.IdempotencyResult, ttl time.Duration) error
	Release(ctx context.Context, scope, idempotencyKey string) error
}

// ErrorResponse represents an error in problem+json format
type ErrorResponse struct {
	Type   string `json:"type"`
	Title  string `json:"title"`
	Status int    `json:"status"`
	Detail string `json:"detail,omitempty"`
}

// Handler holds dependencies for API handlers
type Handler struct {
	logger      *zap.Logger
	svc         MessageService
	webhooks    WebhookProcessor
	idempotency Idempotency // nil if Redis not configured
	stream      http.Handler
}

// NewHandler creates a new API handler
func NewHandler(logger *zap.Logger, svc MessageService, webhooks WebhookProcessor) *Handler {
	return &Handler{
		logger:   logger,
		svc:      svc,
		webhooks: webhooks,
	}
}

// NewHandlerWithIdempotency creates a handler that honors Idempotency-Key
// on send endpoints.
func NewHandlerWithIdempotency(logger *zap.Logger, svc MessageService, webhooks WebhookProcessor, idempotency Idempotency) *Handler {
	h := NewHandler(logger, svc, webhooks)
	h.idempotency = idempotency
	return h
}

// WithStream serves the live status feed at GET /v1/stream.
func (h *Handler) WithStream(stream http.Handler) *Handler {
	h.stream = stream
	return h
}

// Mount registers the message, stats, suppression and webhook routes.
func (h *Handler) Mount(r chi.Router, v1 ...func(http.Handler) http.Handler) {
	r.Route("/v1", func(r chi.Router) {
		r.Use(v1...)

		r.Post("/messages", h.CreateMessage)
		r.Post("/messages/bulk", h.CreateBulk)
		r.Get("/messages/{uuid}", h.GetMessage)
		r.Get("/messages/{uuid}/events", h.ListEvents)
		r.Post("/messages/{uuid}/cancel", h.CancelMessage)

		r.Get("/stats/queue", h.QueueStats)
		r.Get("/stats/channels", h.ChannelStats)

		r.Get("/suppressions", h.ListSuppressions)
		r.Post("/suppressions", h.CreateSuppression)
		r.Delete("/suppressions", h.DeleteSuppression)

		if h.stream != nil {
			r.Method(http.MethodGet, "/stream", h.stream)
		}
	})

	r.Post("/webhooks/{provider}", h.HandleWebhook)
}

// CreateMessage handles POST /v1/messages
// Supports idempotency via the Idempotency-Key header.
func (h *Handler) CreateMessage(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req service.SendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeJSON(w, http.StatusBadRequest, service.Result{Error: "malformed JSON body: " + err.Error(), Reason: "invalid_request"})
		return
	}

	scope := idempotencyScope(r, "send")
	key, done := h.beginIdempotent(w, r, scope)
	if done {
		return
	}

	res, err := h.svc.Send(ctx, req)
	if err != nil {
		h.abortIdempotent(ctx, scope, key)
		h.sendError(w, err, "send", zap.String("channel", string(req.Channel)))
		return
	}

	status := http.StatusCreated
	if !res.Success {
		status = http.StatusBadRequest
	}
	h.finishIdempotent(ctx, scope, key, status, res)
	h.writeJSON(w, status, res)
}

// CreateBulk handles POST /v1/messages/bulk
func (h *Handler) CreateBulk(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req service.BulkRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeJSON(w, http.StatusBadRequest, service.Result{Error: "malformed JSON body: " + err.Error(), Reason: "invalid_request"})
		return
	}

	scope := idempotencyScope(r, "bulk")
	key, done := h.beginIdempotent(w, r, scope)
	if done {
		return
	}

	res, err := h.svc.SendBulk(ctx, req)
	if err != nil {
		h.abortIdempotent(ctx, scope, key)
		h.sendError(w, err, "bulk send",
			zap.String("channel", string(req.Channel)),
			zap.Int("recipients", len(req.Recipients)),
		)
		return
	}

	h.finishIdempotent(ctx, scope, key, http.StatusCreated, res)
	h.writeJSON(w, http.StatusCreated, res)
}

// GetMessage handles GET /v1/messages/{uuid}
func (h *Handler) GetMessage(w http.ResponseWriter, r *http.Request) {
	id, ok := h.messageID(w, r)
	if !ok {
		return
	}

	snap, err := h.svc.GetStatus(r.Context(), id)
	if errors.Is(err, db.ErrNotFound) {
		h.writeError(w, http.StatusNotFound, "not_found", "Message not found", "")
		return
	}
	if err != nil {
		h.logger.Error("failed to get message", zap.Error(err), zap.String("message_uuid", id.String()))
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to get message", "")
		return
	}

	h.writeJSON(w, http.StatusOK, snap)
}

// ListEvents handles GET /v1/messages/{uuid}/events
func (h *Handler) ListEvents(w http.ResponseWriter, r *http.Request) {
	id, ok := h.messageID(w, r)
	if !ok {
		return
	}

	events, err := h.svc.Events(r.Context(), id)
	if errors.Is(err, db.ErrNotFound) {
		h.writeError(w, http.StatusNotFound, "not_found", "Message not found", "")
		return
	}
	if err != nil {
		h.logger.Error("failed to list delivery events", zap.Error(err), zap.String("message_uuid", id.String()))
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to list delivery events", "")
		return
	}
	if events == nil {
		events = []*db.DeliveryEvent{}
	}

	h.writeJSON(w, http.StatusOK, map[string]any{
		"data":  events,
		"count": len(events),
	})
}

// CancelMessage handles POST /v1/messages/{uuid}/cancel
func (h *Handler) CancelMessage(w http.ResponseWriter, r *http.Request) {
	id, ok := h.messageID(w, r)
	if !ok {
		return
	}

	cancelled, err := h.svc.Cancel(r.Context(), id)
	if err != nil {
		h.logger.Error("failed to cancel message", zap.Error(err), zap.String("message_uuid", id.String()))
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to cancel message", "")
		return
	}
	if !cancelled {
		h.writeError(w, http.StatusNotFound, "not_found", "Message not found or cannot be cancelled", "")
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

// QueueStats handles GET /v1/stats/queue
func (h *Handler) QueueStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.svc.QueueStats(r.Context())
	if err != nil {
		h.logger.Error("failed to load queue stats", zap.Error(err))
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to load queue stats", "")
		return
	}
	if stats == nil {
		stats = []db.QueueStat{}
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"data": stats})
}

// ChannelStats handles GET /v1/stats/channels
func (h *Handler) ChannelStats(w http.ResponseWriter, r *http.Request) {
	reports, err := h.svc.ChannelStats(r.Context())
	if err != nil {
		h.logger.Error("failed to load channel stats", zap.Error(err))
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to load channel stats", "")
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"data": reports})
}

// ListSuppressions handles GET /v1/suppressions?channel=email&address=a@x.com
func (h *Handler) ListSuppressions(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	address := q.Get("address")
	if address == "" {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Missing address", "address query parameter is required")
		return
	}

	rules, err := h.svc.Suppressions(r.Context(), db.Channel(q.Get("channel")), address)
	var verr *service.ValidationError
	if errors.As(err, &verr) {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid suppression query", verr.Error())
		return
	}
	if err != nil {
		h.logger.Error("failed to list suppressions", zap.Error(err))
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to list suppressions", "")
		return
	}
	if rules == nil {
		rules = []*db.Suppression{}
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"data": rules, "count": len(rules)})
}

// CreateSuppression handles POST /v1/suppressions
func (h *Handler) CreateSuppression(w http.ResponseWriter, r *http.Request) {
	var req service.SuppressRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Malformed JSON body", err.Error())
		return
	}

	err := h.svc.Suppress(r.Context(), req)
	var verr *service.ValidationError
	if errors.As(err, &verr) {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid suppression", verr.Error())
		return
	}
	if err != nil {
		h.logger.Error("failed to record suppression", zap.Error(err), zap.String("channel", string(req.Channel)))
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to record suppression", "")
		return
	}

	h.writeJSON(w, http.StatusCreated, map[string]any{"success": true})
}

// DeleteSuppression handles DELETE /v1/suppressions?channel=email&address=a@x.com&reason=opt_out
func (h *Handler) DeleteSuppression(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	req := service.UnsuppressRequest{
		Channel: db.Channel(q.Get("channel")),
		Address: q.Get("address"),
		Reason:  db.SuppressionReason(q.Get("reason")),
	}

	err := h.svc.Unsuppress(r.Context(), req)
	var verr *service.ValidationError
	switch {
	case errors.As(err, &verr):
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid suppression", verr.Error())
		return
	case errors.Is(err, db.ErrNotFound):
		h.writeError(w, http.StatusNotFound, "not_found", "Suppression not found", "")
		return
	case err != nil:
		h.logger.Error("failed to remove suppression", zap.Error(err), zap.String("channel", string(req.Channel)))
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to remove suppression", "")
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

// HandleWebhook handles POST /webhooks/{provider}
func (h *Handler) HandleWebhook(w http.ResponseWriter, r *http.Request) {
	provider := chi.URLParam(r, "provider")

	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody+1))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Unreadable body", err.Error())
		return
	}
	if len(body) > maxWebhookBody {
		h.writeError(w, http.StatusRequestEntityTooLarge, "invalid_request", "Payload too large", "")
		return
	}

	out, err := h.webhooks.Process(r.Context(), provider, body, r.Header.Get("Content-Type"))
	switch {
	case errors.Is(err, webhook.ErrUnknownProvider):
		h.writeError(w, http.StatusNotFound, "unknown_provider", "Unknown webhook provider", provider)
		return
	case errors.Is(err, webhook.ErrMalformedPayload):
		h.writeError(w, http.StatusBadRequest, "invalid_payload", "Malformed webhook payload", err.Error())
		return
	case errors.Is(err, webhook.ErrMissingMessageID):
		h.writeError(w, http.StatusBadRequest, "missing_message_id", "Webhook has no message id", "")
		return
	case errors.Is(err, db.ErrNotFound):
		h.writeError(w, http.StatusNotFound, "not_found", "No message matches this webhook", "")
		return
	case err != nil:
		h.logger.Error("webhook processing failed",
			zap.Error(err),
			zap.String("provider", provider),
		)
		h.writeError(w, http.StatusInternalServerError, "processing_error", "Failed to process webhook", "")
		return
	}

	if out.MessageUUID != "" {
		h.logger.Info("webhook processed",
			zap.String("provider", provider),
			zap.String("message_uuid", out.MessageUUID),
			zap.String("event", string(out.Event)),
			zap.Bool("duplicate", out.Duplicate),
			zap.String("status", string(out.Status)),
		)
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

func (h *Handler) messageID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "uuid"))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid message ID", "ID must be a valid UUID")
		return uuid.Nil, false
	}
	return id, true
}

// sendError maps a send failure: validation problems use the send
// envelope, everything else is a server error.
func (h *Handler) sendError(w http.ResponseWriter, err error, op string, fields ...zap.Field) {
	var verr *service.ValidationError
	if errors.As(err, &verr) {
		h.writeJSON(w, http.StatusBadRequest, service.Result{Error: verr.Error(), Reason: "validation_error"})
		return
	}
	h.logger.Error("failed to "+op, append(fields, zap.Error(err))...)
	h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to queue message", "")
}

// beginIdempotent reserves the request's Idempotency-Key. It returns the
// key to finish with, and done when the response was already written.
// idempotencyScope namespaces Idempotency-Key values per calling system, so
// two clients that pick the same key never see each other's responses.
func idempotencyScope(r *http.Request, op string) string {
	return op + ":" + ClientKeyFunc(r)
}

func (h *Handler) beginIdempotent(w http.ResponseWriter, r *http.Request, scope string) (string, bool) {
	key := r.Header.Get("Idempotency-Key")
	if key == "" || h.idempotency == nil {
		return "", false
	}

	cached, err := h.idempotency.CheckOrReserve(r.Context(), scope, key)
	if err != nil {
		if errors.Is(err, redis.ErrDuplicateRequest) {
			h.writeError(w, http.StatusConflict, "duplicate_request",
				"Request is already being processed",
				"Another request with this idempotency key is in progress")
			return "", true
		}
		h.logger.Warn("idempotency check failed, proceeding",
			zap.Error(err),
			zap.String("idempotency_key", key),
		)
		return "", false
	}
	if cached != nil {
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("X-Idempotency-Replayed", "true")
		w.WriteHeader(cached.StatusCode)
		_, _ = w.Write(cached.Body)
		return "", true
	}
	return key, false
}

// finishIdempotent stores the response for replay.
func (h *Handler) finishIdempotent(ctx context.Context, scope, key string, status int, body any) {
	if key == "" {
		return
	}
	raw, err := json.Marshal(body)
	if err != nil {
		h.abortIdempotent(ctx, scope, key)
		return
	}
	result := &redis.IdempotencyResult{
		StatusCode: status,
		Body:       raw,
		CreatedAt:  time.Now().Unix(),
	}
	if err := h.idempotency.Store(ctx, scope, key, result, redis.IdempotencyTTL); err != nil {
		h.logger.Warn("failed to store idempotency result",
			zap.Error(err),
			zap.String("idempotency_key", key),
		)
	}
}

// abortIdempotent frees the key so a corrected retry can go through.
func (h *Handler) abortIdempotent(ctx context.Context, scope, key string) {
	if key == "" {
		return
	}
	if err := h.idempotency.Release(ctx, scope, key); err != nil {
		h.logger.Warn("failed to release idempotency key",
			zap.Error(err),
			zap.String("idempotency_key", key),
		)
	}
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func (h *Handler) writeError(w http.ResponseWriter, status int, errType, title, detail string) {
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(status)

	_ = json.NewEncoder(w).Encode(ErrorResponse{
		Type:   errType,
		Title:  title,
		Status: status,
		Detail: detail,
	})
}
