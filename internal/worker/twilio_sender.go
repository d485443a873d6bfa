package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/lalithlochan/courier/internal/db"
)

// TwilioSender sends SMS through the Twilio Messages REST API.
type TwilioSender struct {
	accountSID     string
	authToken      string
	fromNumber     string
	statusCallback string
	baseURL        string
	httpClient     *http.Client
	logger         *zap.Logger
}

type TwilioConfig struct {
	AccountSID string
	AuthToken  string
	FromNumber string
	// StatusCallback is the public URL of the twilio webhook route.
	StatusCallback string
	// BaseURL overrides the API host, mainly for tests.
	BaseURL string
	Timeout time.Duration
}

func NewTwilioSender(cfg TwilioConfig, logger *zap.Logger) (*TwilioSender, error) {
	if cfg.AccountSID == "" {
		return nil, errors.New("twilio account sid not set")
	}
	if cfg.AuthToken == "" {
		return nil, errors.New("twilio auth token not set")
	}
	if cfg.FromNumber == "" {
		return nil, errors.New("twilio from number not set")
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.twilio.com"
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 10 * time.Second
	}

	return &TwilioSender{
		accountSID:     cfg.AccountSID,
		authToken:      cfg.AuthToken,
		fromNumber:     cfg.FromNumber,
		statusCallback: cfg.StatusCallback,
		baseURL:        strings.TrimRight(cfg.BaseURL, "/"),
		httpClient:     &http.Client{Timeout: cfg.Timeout},
		logger:         logger,
	}, nil
}

type twilioResponse struct {
	SID     string `json:"sid"`
	Status  string `json:"status"`
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// Send posts the SMS. Twilio's message SID is the external id.
func (t *TwilioSender) Send(ctx context.Context, m *db.Message) (SendResult, error) {
	if m.Channel != db.ChannelSMS {
		return SendResult{}, Misconfigured(fmt.Errorf("twilio sender only supports SMS, got: %s", m.Channel))
	}
	if m.Body == "" {
		return SendResult{}, Permanent(errors.New("sms message missing body"))
	}

	apiURL := fmt.Sprintf("%s/2010-04-01/Accounts/%s/Messages.json", t.baseURL, t.accountSID)

	formData := url.Values{}
	formData.Set("To", m.RecipientAddress)
	formData.Set("From", t.fromNumber)
	formData.Set("Body", m.Body)
	if t.statusCallback != "" {
		formData.Set("StatusCallback", t.statusCallback)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, apiURL, strings.NewReader(formData.Encode()))
	if err != nil {
		return SendResult{}, Permanent(fmt.Errorf("failed to create request: %w", err))
	}
	req.SetBasicAuth(t.accountSID, t.authToken)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := t.httpClient.Do(req)
	if err != nil {
		return SendResult{}, Transient(fmt.Errorf("twilio request failed: %w", err))
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	var out twilioResponse
	_ = json.Unmarshal(respBody, &out)

	if resp.StatusCode >= 300 {
		return SendResult{}, classifyHTTP(resp.StatusCode,
			fmt.Errorf("twilio error %s: code=%d %s", resp.Status, out.Code, out.Message))
	}
	if out.SID == "" {
		return SendResult{}, Transient(errors.New("twilio returned no message sid"))
	}

	t.logger.Info("SMS sent via twilio",
		zap.String("message_uuid", m.UUID.String()),
		zap.String("external_id", out.SID),
		zap.String("twilio_status", out.Status),
	)

	return SendResult{ExternalID: out.SID, Provider: t.Name()}, nil
}

func (t *TwilioSender) SupportsChannel(channel db.Channel) bool {
	return channel == db.ChannelSMS
}

func (t *TwilioSender) Name() string {
	return "twilio"
}
