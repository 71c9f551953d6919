package api

import (
	"encoding/json"
	"net/http"
	"strings"

	"leadhub/internal/apperr"
	"leadhub/internal/facebook"
	"leadhub/internal/ingest"
	"leadhub/internal/queue"
)

func (h *Handler) handleForm(w http.ResponseWriter, r *http.Request) {
	body, err := readBody(r)
	if err != nil {
		h.writeError(w, err)
		return
	}
	fields, err := ingest.ParseFormBody(r.Header.Get("Content-Type"), body)
	if err != nil {
		h.writeError(w, err)
		return
	}

	lead, err := h.deps.Ingest.SubmitForm(r.Context(), ingest.FormSubmission{
		Token:  r.PathValue("token"),
		Fields: fields,
		Raw:    ingest.RawFormPayload(r.Header.Get("Content-Type"), body),
	})
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "lead_id": lead.ID})
}

func (h *Handler) handleWhatsAppMessages(w http.ResponseWriter, r *http.Request) {
	var ev ingest.WhatsAppEvent
	if _, err := decodeJSON(r, &ev); err != nil {
		h.writeError(w, err)
		return
	}
	ev.Event = normalizeEvent(ev.Event)
	if ev.Event != ingest.EventMessagesUpsert {
		writeJSON(w, http.StatusOK, map[string]any{"success": true, "ignored": ev.Event})
		return
	}
	if h.cfg.DeferProcessing {
		h.deferEvent(w, r, queue.TypeWhatsApp, ev)
		return
	}

	res, err := h.deps.Ingest.HandleMessages(r.Context(), ev)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "result": res})
}

func (h *Handler) handleWhatsAppStatus(w http.ResponseWriter, r *http.Request) {
	if h.cfg.WebhookSharedSecret == "" || !secretEqual(r.Header.Get("x-api-key"), h.cfg.WebhookSharedSecret) {
		h.writeError(w, apperr.New(apperr.KindUnauthorized, "whatsapp status", "invalid api key"))
		return
	}
	var ev ingest.WhatsAppEvent
	if _, err := decodeJSON(r, &ev); err != nil {
		h.writeError(w, err)
		return
	}
	ev.Event = normalizeEvent(ev.Event)

	found, err := h.deps.Ingest.HandleStatus(r.Context(), ev)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "updated": found})
}

func (h *Handler) handleWhatsAppConnection(w http.ResponseWriter, r *http.Request) {
	var ev ingest.WhatsAppEvent
	if _, err := decodeJSON(r, &ev); err != nil {
		h.writeError(w, err)
		return
	}
	ev.Event = normalizeEvent(ev.Event)

	tr, err := h.deps.Ingest.HandleConnection(r.Context(), ev)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, transitionBody(tr))
}

func (h *Handler) handleWhatsAppQRCode(w http.ResponseWriter, r *http.Request) {
	var ev ingest.WhatsAppEvent
	if _, err := decodeJSON(r, &ev); err != nil {
		h.writeError(w, err)
		return
	}
	ev.Event = normalizeEvent(ev.Event)

	tr, err := h.deps.Ingest.HandleQRCode(r.Context(), ev)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, transitionBody(tr))
}

func (h *Handler) handleFacebookVerify(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	if q.Get("hub.mode") != "subscribe" || h.cfg.FacebookVerifyToken == "" ||
		!secretEqual(q.Get("hub.verify_token"), h.cfg.FacebookVerifyToken) {
		h.logger.Warn("facebook verification rejected", "mode", q.Get("hub.mode"))
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}
	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(q.Get("hub.challenge")))
}

func (h *Handler) handleFacebookLeads(w http.ResponseWriter, r *http.Request) {
	body, err := readBody(r)
	if err != nil {
		h.writeError(w, err)
		return
	}
	if h.cfg.FacebookAppSecret != "" && !facebook.VerifySignature(h.cfg.FacebookAppSecret, body, r.Header.Get(facebook.SignatureHeader)) {
		h.writeError(w, apperr.New(apperr.KindUnauthorized, "facebook webhook", "invalid signature"))
		return
	}

	var notification ingest.FacebookWebhook
	if err := json.Unmarshal(body, &notification); err != nil {
		h.writeError(w, apperr.Validation("facebook webhook", "body must be valid JSON"))
		return
	}

	if h.cfg.DeferProcessing {
		queued := 0
		for _, lg := range notification.Leadgens() {
			if _, err := h.deps.Queue.Enqueue(r.Context(), queue.TypeFacebook, lg); err != nil {
				h.writeError(w, err)
				return
			}
			queued++
		}
		writeJSON(w, http.StatusAccepted, map[string]any{"success": true, "queued": queued})
		return
	}

	res := h.deps.Ingest.HandleFacebookWebhook(r.Context(), notification)
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "result": res})
}

func (h *Handler) deferEvent(w http.ResponseWriter, r *http.Request, webhookType string, payload any) {
	item, err := h.deps.Queue.Enqueue(r.Context(), webhookType, payload)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"success": true, "queue_id": item.ID})
}

// normalizeEvent accepts both "messages.upsert" and "MESSAGES_UPSERT".
func normalizeEvent(event string) string {
	return strings.ReplaceAll(strings.ToLower(strings.TrimSpace(event)), "_", ".")
}

func transitionBody(tr *ingest.Transition) map[string]any {
	body := map[string]any{"success": true, "changed": tr.Changed, "from": tr.From}
	if tr.Instance != nil {
		body["instance"] = tr.Instance.InstanceName
		body["status"] = tr.Instance.Status
	}
	return body
}
