package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/warp/leave-ledger/leave"
)

// keepAliveInterval keeps idle proxies from closing the stream.
const keepAliveInterval = 25 * time.Second

// Events streams notifications addressed to the caller as Server-Sent Events.
// Delivery is at-most-once: a client that reconnects does not get what it
// missed.
func (h *Handler) Events(w http.ResponseWriter, r *http.Request) {
	if h.Hub == nil {
		writeError(w, http.StatusNotImplemented, "event stream disabled", nil)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported", nil)
		return
	}

	c := caller(r)
	groups := []string{leave.GroupEveryone}
	if c.IsApprover() {
		groups = append(groups, leave.GroupApprovers)
	}
	sub := h.Hub.Subscribe(c.ID, groups...)
	defer h.Hub.Unsubscribe(sub)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, ": connected %s\n\n", sub.ID)
	flusher.Flush()

	ticker := time.NewTicker(keepAliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-ticker.C:
			fmt.Fprint(w, ": keep-alive\n\n")
			flusher.Flush()
		case n, open := <-sub.C():
			if !open {
				return
			}
			data, err := json.Marshal(n)
			if err != nil {
				h.logger.Warn("drop unencodable notification", zap.String("kind", n.Kind), zap.Error(err))
				continue
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", n.Kind, data)
			flusher.Flush()
		}
	}
}
