package webhook

import (
	"context"
	"encoding/json"
	"fmt"
	"mime"
	"net/url"

	"github.com/lalithlochan/courier/internal/db"
)

// TwilioAdapter reads Twilio status callbacks. Twilio posts form-encoded
// bodies; JSON with the same field names is accepted too. Callbacks carry no
// event id.
type TwilioAdapter struct{}

var twilioEvents = map[string]db.EventType{
	"delivered":   db.EventDelivered,
	"read":        db.EventOpened,
	"undelivered": db.EventBounced,
	"failed":      db.EventBounced,
}

// twilioHardCodes are error codes that mean the number will never work.
var twilioHardCodes = map[string]bool{
	"21211": true, // invalid To number
	"21614": true, // not a mobile number
	"30005": true, // unknown destination
	"30006": true, // landline or unreachable carrier
}

func (TwilioAdapter) Normalize(ctx context.Context, payload []byte, contentType string) (*Event, error) {
	fields := map[string]string{}

	mediaType, _, _ := mime.ParseMediaType(contentType)
	if mediaType == "application/json" {
		var decoded map[string]any
		if err := json.Unmarshal(payload, &decoded); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
		}
		for k, v := range decoded {
			if v != nil {
				fields[k] = fmt.Sprint(v)
			}
		}
	} else {
		values, err := url.ParseQuery(string(payload))
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
		}
		for k := range values {
			fields[k] = values.Get(k)
		}
	}

	raw, err := json.Marshal(fields)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}

	id := fields["MessageSid"]
	if id == "" {
		id = fields["SmsSid"]
	}
	status := fields["MessageStatus"]
	if status == "" {
		status = fields["SmsStatus"]
	}

	ev := &Event{
		ExternalID:    id,
		ProviderEvent: status,
		Recipient:     fields["To"],
		Raw:           raw,
	}
	typ, ok := twilioEvents[status]
	if !ok {
		typ = db.EventUnrecognized
	}
	ev.Type = typ
	if typ == db.EventBounced {
		ev.BounceType = db.BounceSoft
		if twilioHardCodes[fields["ErrorCode"]] {
			ev.BounceType = db.BounceHard
		}
	}
	return ev, nil
}

func (TwilioAdapter) SubstringMatch() bool { return false }
