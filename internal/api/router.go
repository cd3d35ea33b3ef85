package api

import "net/http"

func Router(h *Handler) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /v1/health", h.Health)

	mux.HandleFunc("GET /v1/scheduler/status", h.SchedulerStatus)
	mux.HandleFunc("POST /v1/scheduler/start", h.SchedulerStart)
	mux.HandleFunc("POST /v1/scheduler/stop", h.SchedulerStop)

	mux.HandleFunc("POST /v1/messages/template", h.SendTemplate)
	mux.HandleFunc("POST /v1/messages/{id}/read", h.MarkRead)
	mux.HandleFunc("DELETE /v1/messages/{id}", h.DeleteMessage)

	mux.HandleFunc("GET /v1/queue", h.ListQueue)
	mux.HandleFunc("GET /v1/queue/{id}", h.GetQueueEntry)

	mux.HandleFunc("GET /v1/contacts/{id}", h.GetContact)

	mux.HandleFunc("GET /v1/webhooks/whatsapp/{channelID}", h.VerifyWebhook)
	mux.HandleFunc("POST /v1/webhooks/whatsapp/{channelID}", h.ReceiveWebhook)

	if h.realtime != nil {
		mux.Handle("GET /ws", h.realtime)
	}
	if h.metrics != nil {
		mux.Handle("GET /metrics", h.metrics)
	}

	mux.HandleFunc("GET /{$}", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("whatsapp-delivery"))
	})

	return mux
}
