package messaging

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// InboundWebhook is the form Twilio posts for an inbound WhatsApp message.
type InboundWebhook struct {
	MessageSid    string
	AccountSid    string
	From          string
	WaID          string
	To            string
	Body          string
	ButtonText    string
	ButtonPayload string
	ProfileName   string
	MediaURL      string
}

// StatusWebhook is the form Twilio posts for a delivery status change.
type StatusWebhook struct {
	MessageSid    string
	MessageStatus string
	ErrorCode     string
}

// ParseInboundWebhook reads an inbound message form. A tapped quick-reply
// without a body uses the button text as the body.
func ParseInboundWebhook(r *http.Request) (InboundWebhook, error) {
	if err := r.ParseForm(); err != nil {
		return InboundWebhook{}, fmt.Errorf("parse inbound form: %w", err)
	}
	w := InboundWebhook{
		MessageSid:    strings.TrimSpace(r.PostFormValue("MessageSid")),
		AccountSid:    r.PostFormValue("AccountSid"),
		From:          strings.TrimSpace(r.PostFormValue("From")),
		WaID:          r.PostFormValue("WaId"),
		To:            strings.TrimSpace(r.PostFormValue("To")),
		Body:          r.PostFormValue("Body"),
		ButtonText:    r.PostFormValue("ButtonText"),
		ButtonPayload: r.PostFormValue("ButtonPayload"),
		ProfileName:   r.PostFormValue("ProfileName"),
		MediaURL:      r.PostFormValue("MediaUrl0"),
	}
	if w.Body == "" {
		w.Body = w.ButtonText
	}
	if w.MessageSid == "" || w.From == "" || w.To == "" {
		return w, errors.New("missing required twilio fields")
	}
	return w, nil
}

// ParseStatusWebhook reads a delivery status form.
func ParseStatusWebhook(r *http.Request) (StatusWebhook, error) {
	if err := r.ParseForm(); err != nil {
		return StatusWebhook{}, fmt.Errorf("parse status form: %w", err)
	}
	w := StatusWebhook{
		MessageSid:    strings.TrimSpace(r.PostFormValue("MessageSid")),
		MessageStatus: strings.ToLower(strings.TrimSpace(r.PostFormValue("MessageStatus"))),
		ErrorCode:     r.PostFormValue("ErrorCode"),
	}
	if w.MessageSid == "" || w.MessageStatus == "" {
		return w, errors.New("missing MessageSid or MessageStatus")
	}
	return w, nil
}

// FormParams flattens the posted form for signature validation. ParseForm must
// have been called.
func FormParams(r *http.Request) map[string]string {
	params := make(map[string]string, len(r.PostForm))
	for k, v := range r.PostForm {
		if len(v) > 0 {
			params[k] = v[0]
		}
	}
	return params
}
