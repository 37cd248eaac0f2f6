package api

import "net/http"

func Router(h *Handler) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /v1/health", h.Health)

	mux.HandleFunc("POST /v1/messages", h.SendMessage)
	mux.HandleFunc("GET /v1/messages", h.ListMessages)
	mux.HandleFunc("GET /v1/messages/{id}", h.GetMessage)
	mux.HandleFunc("POST /v1/messages/{id}/retry", h.RetryMessage)
	mux.HandleFunc("GET /v1/sessions/{sessionId}/messages", h.ListSession)

	mux.HandleFunc("POST /v1/channel/status", h.ChannelStatus)
	mux.HandleFunc("POST /v1/channel/inbound", h.ChannelInbound)

	mux.HandleFunc("POST /v1/webhooks", h.RegisterWebhook)
	mux.HandleFunc("GET /v1/webhooks", h.ListWebhooks)
	mux.HandleFunc("GET /v1/webhooks/{id}", h.GetWebhook)
	mux.HandleFunc("POST /v1/webhooks/{id}/reactivate", h.ReactivateWebhook)
	mux.HandleFunc("DELETE /v1/webhooks/{id}", h.DeleteWebhook)

	mux.HandleFunc("GET /v1/queues/{name}/stats", h.QueueStats)

	if h.live != nil {
		mux.Handle("GET /v1/live", h.live)
	}
	if h.metrics != nil {
		mux.Handle("GET /metrics", h.metrics)
	}

	mux.HandleFunc("GET /", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/" {
			http.NotFound(w, r)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("messaging-pipeline"))
	})

	return mux
}
