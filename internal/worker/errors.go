package worker

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/aws/smithy-go"
)

// TransientError marks a failure worth retrying (network, throttling, 5xx).
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string { return "transient: " + e.Err.Error() }
func (e *TransientError) Unwrap() error { return e.Err }

// PermanentError marks a failure that will not succeed on retry. Most are
// scoped to one message (invalid recipient, rejected content); ProviderFault
// is set when the provider account itself is misconfigured and every send
// through it will fail the same way.
type PermanentError struct {
	Err           error
	ProviderFault bool
}

func (e *PermanentError) Error() string { return "permanent: " + e.Err.Error() }
func (e *PermanentError) Unwrap() error { return e.Err }

// Transient wraps err as retryable.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &TransientError{Err: err}
}

// Permanent wraps err as non-retryable.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

// Misconfigured wraps err as a non-retryable fault of the provider account
// (bad credentials, unverified sender).
func Misconfigured(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err, ProviderFault: true}
}

// IsPermanent reports whether err carries a *PermanentError. Unclassified
// errors and timeouts are transient.
func IsPermanent(err error) bool {
	var p *PermanentError
	return errors.As(err, &p)
}

// IsRejection reports whether err is a permanent failure scoped to a single
// message. The provider answered, so it says nothing about provider health.
func IsRejection(err error) bool {
	var p *PermanentError
	return errors.As(err, &p) && !p.ProviderFault
}

var misconfiguredAWSCodes = map[string]bool{
	"MailFromDomainNotVerifiedException": true,
	"ConfigurationSetDoesNotExist":       true,
}

var permanentAWSCodes = map[string]bool{
	"MessageRejected":                true,
	"TemplateDoesNotExist":           true,
	"InvalidParameter":               true,
	"InvalidParameterValue":          true,
	"InvalidParameterException":      true,
	"InvalidParameterValueException": true,
	"ValidationError":                true,
	"OptedOut":                       true,
	"EndpointDisabled":               true,
}

// classifyAWS maps SES/SNS API errors onto the retry taxonomy.
func classifyAWS(op string, err error) error {
	wrapped := fmt.Errorf("%s: %w", op, err)
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return Transient(wrapped)
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch code := apiErr.ErrorCode(); {
		case misconfiguredAWSCodes[code]:
			return Misconfigured(wrapped)
		case permanentAWSCodes[code]:
			return Permanent(wrapped)
		}
	}
	return Transient(wrapped)
}

// classifyHTTP maps a provider HTTP status onto the retry taxonomy.
// 408 and 429 are retried along with every 5xx; other 4xx are final, with
// 401 and 403 blamed on the provider account rather than the message.
func classifyHTTP(status int, err error) error {
	switch {
	case status == http.StatusRequestTimeout, status == http.StatusTooManyRequests, status >= 500:
		return Transient(err)
	case status == http.StatusUnauthorized, status == http.StatusForbidden:
		return Misconfigured(err)
	case status >= 400:
		return Permanent(err)
	}
	return Transient(err)
}
