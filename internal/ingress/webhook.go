package ingress

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/tidewater-ai/concierge/internal/bus"
)

// webhookPayload mirrors the Messenger-style delivery envelope: one POST can
// carry several entries, each with several messaging events.
type webhookPayload struct {
	Object string `json:"object"`
	Entry  []struct {
		ID        string `json:"id"` // page id, used as the tenant
		Messaging []struct {
			Sender struct {
				ID string `json:"id"`
			} `json:"sender"`
			Message *struct {
				MID         string `json:"mid"`
				Text        string `json:"text"`
				Attachments []struct {
					Type    string `json:"type"`
					Payload struct {
						URL string `json:"url"`
					} `json:"payload"`
				} `json:"attachments"`
			} `json:"message"`
			Postback *struct {
				MID     string `json:"mid"`
				Payload string `json:"payload"`
			} `json:"postback"`
		} `json:"messaging"`
	} `json:"entry"`
}

// Postback payloads the confirmation buttons send back.
const (
	payloadConfirmYes = "CONFIRM_YES"
	payloadConfirmNo  = "CONFIRM_NO"
)

// parseWebhook turns one delivery envelope into inbound events. Entries the
// parser cannot classify are skipped, never fatal: the provider redelivers
// the whole envelope on a non-200 response.
func parseWebhook(body []byte) ([]*bus.InboundEvent, error) {
	var payload webhookPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("decode webhook payload: %w", err)
	}
	if payload.Object != "page" {
		return nil, fmt.Errorf("unsupported webhook object %q", payload.Object)
	}

	var events []*bus.InboundEvent
	now := time.Now()
	for _, entry := range payload.Entry {
		for _, m := range entry.Messaging {
			ev := &bus.InboundEvent{
				TenantID:  entry.ID,
				SenderID:  m.Sender.ID,
				ArrivedAt: now,
			}

			switch {
			case m.Postback != nil:
				switch strings.ToUpper(m.Postback.Payload) {
				case payloadConfirmYes:
					ev.Kind = bus.EventConfirmation
					ev.Confirmed = true
				case payloadConfirmNo:
					ev.Kind = bus.EventConfirmation
					ev.Confirmed = false
				default:
					// Unknown postbacks carry their payload as text.
					ev.Kind = bus.EventText
					ev.Text = m.Postback.Payload
				}
				ev.ProviderEventID = m.Postback.MID
			case m.Message != nil:
				ev.Text = m.Message.Text
				ev.ProviderEventID = m.Message.MID
				for _, att := range m.Message.Attachments {
					ev.Attachments = append(ev.Attachments, bus.Attachment{
						Type: att.Type,
						URL:  att.Payload.URL,
					})
				}
				switch {
				case ev.Text != "" && len(ev.Attachments) > 0:
					ev.Kind = bus.EventCombined
				case len(ev.Attachments) > 0:
					ev.Kind = bus.EventAttachment
				default:
					ev.Kind = bus.EventText
				}
			default:
				continue
			}

			events = append(events, ev)
		}
	}
	return events, nil
}
