package api

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/LeventeLantos/whatsapp-delivery/internal/model"
	"github.com/LeventeLantos/whatsapp-delivery/internal/service"
)

// webhookPayload is the subset of the WhatsApp Cloud API notification we
// consume.
type webhookPayload struct {
	Object string `json:"object"`
	Entry  []struct {
		ID      string `json:"id"`
		Changes []struct {
			Field string       `json:"field"`
			Value webhookValue `json:"value"`
		} `json:"changes"`
	} `json:"entry"`
}

type webhookValue struct {
	Contacts []struct {
		WaID    string `json:"wa_id"`
		Profile struct {
			Name string `json:"name"`
		} `json:"profile"`
	} `json:"contacts"`
	Messages []webhookMessage  `json:"messages"`
	Statuses []json.RawMessage `json:"statuses"`
}

type webhookMessage struct {
	ID        string `json:"id"`
	From      string `json:"from"`
	Timestamp string `json:"timestamp"`
	Type      string `json:"type"`
	Text      *struct {
		Body string `json:"body"`
	} `json:"text"`
}

type webhookStatus struct {
	ID        string `json:"id"`
	Status    string `json:"status"`
	Timestamp string `json:"timestamp"`
	Errors    []struct {
		Code  int    `json:"code"`
		Title string `json:"title"`
	} `json:"errors"`
}

// unixTime parses the provider's seconds-since-epoch strings. Missing or
// malformed values fall back to now.
func unixTime(raw string, now time.Time) time.Time {
	sec, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || sec <= 0 {
		return now
	}
	return time.Unix(sec, 0).UTC()
}

// validSignature checks an "sha256=<hex>" HMAC of body keyed by the app
// secret.
func validSignature(secret, header string, body []byte) bool {
	got, ok := strings.CutPrefix(header, "sha256=")
	if !ok {
		return false
	}
	sig, err := hex.DecodeString(got)
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hmac.Equal(sig, mac.Sum(nil))
}

func (h *Handler) VerifyWebhook(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	if h.verifyToken == "" || q.Get("hub.mode") != "subscribe" || q.Get("hub.verify_token") != h.verifyToken {
		writeError(w, http.StatusForbidden, "verification failed")
		return
	}
	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(q.Get("hub.challenge")))
}

// ReceiveWebhook fans a notification out to the reconciler and the
// ingester. Once the body parses the provider always gets a 200; per-item
// failures are logged and counted in the response.
func (h *Handler) ReceiveWebhook(w http.ResponseWriter, r *http.Request) {
	channelID, err := strconv.ParseInt(r.PathValue("channelID"), 10, 64)
	if err != nil || channelID <= 0 {
		writeError(w, http.StatusBadRequest, "invalid channel id")
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, 4<<20))
	if err != nil {
		writeError(w, http.StatusBadRequest, "read body: "+err.Error())
		return
	}
	if h.appSecret != "" && !validSignature(h.appSecret, r.Header.Get("X-Hub-Signature-256"), body) {
		h.log.Warn("webhook signature mismatch", "channel_id", channelID, "remote", r.RemoteAddr)
		writeError(w, http.StatusUnauthorized, "invalid signature")
		return
	}

	var p webhookPayload
	if err := json.Unmarshal(body, &p); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json: "+err.Error())
		return
	}

	ctx := r.Context()
	now := time.Now().UTC()
	var statuses, messages, failures int

	for _, entry := range p.Entry {
		for _, change := range entry.Changes {
			v := change.Value

			for _, raw := range v.Statuses {
				statuses++
				if !h.reconcile(r, raw, now) {
					failures++
				}
			}

			names := make(map[string]string, len(v.Contacts))
			for _, c := range v.Contacts {
				names[c.WaID] = c.Profile.Name
			}
			for _, m := range v.Messages {
				messages++
				in := service.InboundMessage{
					ChannelID:         channelID,
					From:              m.From,
					ProviderMessageID: m.ID,
					Type:              m.Type,
					Timestamp:         unixTime(m.Timestamp, now),
				}
				if name := names[m.From]; name != "" {
					in.ProfileName = &name
				}
				if m.Text != nil {
					text := m.Text.Body
					in.Body = &text
				}
				if _, err := h.ingester.Ingest(ctx, in); err != nil {
					failures++
					h.log.Error("inbound message not stored", "channel_id", channelID, "provider_message_id", m.ID, "error", err)
				}
			}
		}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"ok":       true,
		"statuses": statuses,
		"messages": messages,
		"failures": failures,
	})
}

func (h *Handler) reconcile(r *http.Request, raw json.RawMessage, now time.Time) bool {
	var s webhookStatus
	if err := json.Unmarshal(raw, &s); err != nil || s.ID == "" {
		h.log.Warn("malformed status callback", "raw", string(raw))
		return false
	}

	cb := service.StatusCallback{
		ProviderMessageID: s.ID,
		Status:            s.Status,
		Timestamp:         unixTime(s.Timestamp, now),
		Raw:               raw,
	}
	if len(s.Errors) > 0 {
		code := strconv.Itoa(s.Errors[0].Code)
		title := s.Errors[0].Title
		cb.ErrorCode = &code
		cb.ErrorTitle = &title
	}

	_, err := h.reconciler.Apply(r.Context(), cb)
	switch {
	case errors.Is(err, model.ErrUnknownMessage):
		h.log.Warn("status for unknown message", "provider_message_id", s.ID, "status", s.Status)
		return true
	case err != nil:
		h.log.Error("status callback not applied", "provider_message_id", s.ID, "error", err)
		return false
	}
	return true
}
