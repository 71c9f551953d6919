package ingest

import (
	"encoding/json"
	"strings"
)

// Evolution API event names.
const (
	EventMessagesUpsert   = "messages.upsert"
	EventMessagesUpdate   = "messages.update"
	EventConnectionUpdate = "connection.update"
	EventQRCodeUpdated    = "qrcode.updated"
)

// WhatsAppEvent is the envelope the bridge posts for every webhook.
type WhatsAppEvent struct {
	Event    string          `json:"event"`
	Instance string          `json:"instance"`
	Data     json.RawMessage `json:"data"`
	Sender   string          `json:"sender,omitempty"`
}

// MessageKey identifies a WhatsApp message.
type MessageKey struct {
	RemoteJID string `json:"remoteJid"`
	FromMe    bool   `json:"fromMe"`
	ID        string `json:"id"`
}

// MessageData is one entry of a messages.upsert event.
type MessageData struct {
	Key              MessageKey                 `json:"key"`
	PushName         string                     `json:"pushName"`
	Message          map[string]json.RawMessage `json:"message"`
	MessageType      string                     `json:"messageType"`
	MessageTimestamp int64                      `json:"messageTimestamp"`
}

// Text returns the readable body of the message, or a bracketed type for media.
func (m MessageData) Text() string {
	if raw, ok := m.Message["conversation"]; ok {
		var s string
		if json.Unmarshal(raw, &s) == nil && s != "" {
			return s
		}
	}
	for _, key := range []string{"extendedTextMessage", "imageMessage", "videoMessage", "documentMessage"} {
		raw, ok := m.Message[key]
		if !ok {
			continue
		}
		var inner struct {
			Text    string `json:"text"`
			Caption string `json:"caption"`
		}
		if json.Unmarshal(raw, &inner) == nil {
			if inner.Text != "" {
				return inner.Text
			}
			if inner.Caption != "" {
				return inner.Caption
			}
		}
	}
	if m.MessageType != "" {
		return "[" + m.MessageType + "]"
	}
	return ""
}

// Messages decodes the data of a messages.upsert event, which the bridge sends
// either as a single object or as an array.
func (e WhatsAppEvent) Messages() ([]MessageData, error) {
	data := strings.TrimSpace(string(e.Data))
	if data == "" || data == "null" {
		return nil, nil
	}
	if strings.HasPrefix(data, "[") {
		var list []MessageData
		if err := json.Unmarshal(e.Data, &list); err != nil {
			return nil, err
		}
		return list, nil
	}
	if strings.HasPrefix(data, `{"messages"`) {
		var wrapped struct {
			Messages []MessageData `json:"messages"`
		}
		if err := json.Unmarshal(e.Data, &wrapped); err != nil {
			return nil, err
		}
		return wrapped.Messages, nil
	}
	var single MessageData
	if err := json.Unmarshal(e.Data, &single); err != nil {
		return nil, err
	}
	return []MessageData{single}, nil
}

// StatusUpdate is the data of a messages.update event.
type StatusUpdate struct {
	KeyID     string     `json:"keyId"`
	MessageID string     `json:"messageId"`
	Key       MessageKey `json:"key"`
	RemoteJID string     `json:"remoteJid"`
	Status    string     `json:"status"`
}

// ExternalID returns whichever message id field the bridge version populated.
func (s StatusUpdate) ExternalID() string {
	for _, v := range []string{s.KeyID, s.Key.ID, s.MessageID} {
		if v != "" {
			return v
		}
	}
	return ""
}

// ConnectionUpdate is the data of a connection.update event.
type ConnectionUpdate struct {
	Instance     string `json:"instance"`
	State        string `json:"state"`
	StatusReason int    `json:"statusReason"`
	WUID         string `json:"wuid"`
}

// QRCodeUpdate is the data of a qrcode.updated event.
type QRCodeUpdate struct {
	QRCode struct {
		Instance    string `json:"instance"`
		PairingCode string `json:"pairingCode"`
		Code        string `json:"code"`
		Base64      string `json:"base64"`
	} `json:"qrcode"`
}

// Value returns the renderable QR payload, preferring the data URL.
func (q QRCodeUpdate) Value() string {
	if q.QRCode.Base64 != "" {
		return q.QRCode.Base64
	}
	return q.QRCode.Code
}

// FacebookWebhook is the Graph lead ads notification body.
type FacebookWebhook struct {
	Object string          `json:"object"`
	Entry  []FacebookEntry `json:"entry"`
}

// FacebookEntry groups the changes of one page.
type FacebookEntry struct {
	ID      string           `json:"id"`
	Time    int64            `json:"time"`
	Changes []FacebookChange `json:"changes"`
}

// FacebookChange is one subscribed field change.
type FacebookChange struct {
	Field string          `json:"field"`
	Value FacebookLeadgen `json:"value"`
}

// FacebookLeadgen references a new lead ads submission.
type FacebookLeadgen struct {
	LeadgenID   string `json:"leadgen_id"`
	PageID      string `json:"page_id"`
	FormID      string `json:"form_id"`
	AdID        string `json:"ad_id,omitempty"`
	CreatedTime int64  `json:"created_time,omitempty"`
}

// Leadgens flattens the leadgen changes of a notification.
func (w FacebookWebhook) Leadgens() []FacebookLeadgen {
	var out []FacebookLeadgen
	for _, entry := range w.Entry {
		for _, change := range entry.Changes {
			if change.Field != "leadgen" {
				continue
			}
			lg := change.Value
			if lg.PageID == "" {
				lg.PageID = entry.ID
			}
			out = append(out, lg)
		}
	}
	return out
}

// FormSubmission is a form webhook body normalized to string fields. Raw keeps
// the body as received for the audit row.
type FormSubmission struct {
	Token  string            `json:"token"`
	Fields map[string]string `json:"fields"`
	Raw    json.RawMessage   `json:"raw,omitempty"`
}
