package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/lalithlochan/courier/internal/db"
)

// PostalSender sends email through a Postal mail relay's HTTP API.
type PostalSender struct {
	client  *http.Client
	baseURL string
	apiKey  string
	from    string
	logger  *zap.Logger
}

type PostalConfig struct {
	BaseURL   string
	APIKey    string
	FromEmail string
	Timeout   time.Duration
}

type postalRequest struct {
	To        []string        `json:"to"`
	From      string          `json:"from"`
	Subject   string          `json:"subject,omitempty"`
	PlainBody string          `json:"plain_body,omitempty"`
	Tag       string          `json:"tag,omitempty"`
	Headers   map[string]any  `json:"headers,omitempty"`
	Template  string          `json:"template,omitempty"`
	Variables json.RawMessage `json:"variables,omitempty"`
}

type postalResponse struct {
	Status string `json:"status"`
	Data   struct {
		MessageID string `json:"message_id"`
		Message   string `json:"message"`
		Code      string `json:"code"`
	} `json:"data"`
}

// NewPostalSender creates a new Postal sender
func NewPostalSender(logger *zap.Logger, cfg PostalConfig) *PostalSender {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}

	return &PostalSender{
		client: &http.Client{
			Timeout: timeout,
		},
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:  cfg.APIKey,
		from:    cfg.FromEmail,
		logger:  logger,
	}
}

// Send submits the message to Postal. The returned Message-ID header value
// becomes the external id webhooks are correlated against.
func (s *PostalSender) Send(ctx context.Context, m *db.Message) (SendResult, error) {
	if m.Channel != db.ChannelEmail {
		return SendResult{}, Misconfigured(fmt.Errorf("postal sender only supports email, got: %s", m.Channel))
	}
	if m.RecipientAddress == "" {
		return SendResult{}, Permanent(errors.New("email message missing recipient address"))
	}

	body := postalRequest{
		To:        []string{m.RecipientAddress},
		From:      s.from,
		Subject:   m.Subject,
		PlainBody: m.Body,
		Tag:       string(m.Type),
		Headers:   map[string]any{"X-Courier-Message-UUID": m.UUID.String()},
		Template:  m.Template,
		Variables: m.Data,
	}
	if m.IPPool != "" {
		body.Headers["X-Postal-IP-Pool"] = m.IPPool
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return SendResult{}, Permanent(fmt.Errorf("encode postal request: %w", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+"/api/v1/send/message", bytes.NewReader(payload))
	if err != nil {
		return SendResult{}, Permanent(fmt.Errorf("failed to create postal request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "Courier/1.0.0")
	req.Header.Set("X-Server-API-Key", s.apiKey)

	resp, err := s.client.Do(req)
	if err != nil {
		return SendResult{}, Transient(fmt.Errorf("postal request failed: %w", err))
	}
	defer resp.Body.Close()

	bodyBytes, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return SendResult{}, classifyHTTP(resp.StatusCode,
			fmt.Errorf("postal returned status %d: %s", resp.StatusCode, truncate(bodyBytes, 256)))
	}

	var out postalResponse
	if err := json.Unmarshal(bodyBytes, &out); err != nil {
		return SendResult{}, Transient(fmt.Errorf("decode postal response: %w", err))
	}
	if out.Status != "success" {
		// Postal reports validation problems with a 200 and status=error
		return SendResult{}, Permanent(fmt.Errorf("postal rejected message: %s %s", out.Data.Code, out.Data.Message))
	}
	if out.Data.MessageID == "" {
		return SendResult{}, Transient(errors.New("postal returned no message id"))
	}

	s.logger.Info("email sent via postal",
		zap.String("message_uuid", m.UUID.String()),
		zap.String("external_id", out.Data.MessageID),
		zap.Int("status_code", resp.StatusCode),
	)

	return SendResult{ExternalID: out.Data.MessageID, Provider: s.Name()}, nil
}

// SupportsChannel checks if this sender supports email
func (s *PostalSender) SupportsChannel(channel db.Channel) bool {
	return channel == db.ChannelEmail
}

func (s *PostalSender) Name() string {
	return "postal"
}

func truncate(b []byte, n int) string {
	if len(b) > n {
		return string(b[:n])
	}
	return string(b)
}
