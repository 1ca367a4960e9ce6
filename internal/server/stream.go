package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/lucasnoah/stagegate/internal/ledger"
)

const (
	streamBuffer    = 256
	streamHeartbeat = 15 * time.Second
)

// handleEvents serves a Server-Sent Events stream of a work item's ledger.
// Existing entries are replayed first, then new entries follow as they are
// appended. Each event has id=seq and event=action. A client that falls
// more than streamBuffer entries behind gets a "done" event and is dropped.
func (h *handlers) handleEvents(w http.ResponseWriter, r *http.Request) {
	item, err := h.cfg.Items.Find(chi.URLParam(r, "id"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	// Subscribe before reading the backlog so nothing falls in between;
	// duplicates are skipped by seq.
	live := make(chan ledger.Entry, streamBuffer)
	overflow := make(chan struct{})
	var overflowed bool
	unsubscribe := h.cfg.Items.Ledger().Subscribe(func(e ledger.Entry) {
		if e.WorkItemID != item.ID || overflowed {
			return
		}
		select {
		case live <- e:
		default:
			overflowed = true
			close(overflow)
		}
	})
	defer unsubscribe()

	backlog, err := h.cfg.Items.Ledger().EntriesFor(r.Context(), item.ID)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	var last int64
	send := func(e ledger.Entry) bool {
		if e.Seq <= last {
			return true
		}
		last = e.Seq
		data, err := json.Marshal(e)
		if err != nil {
			return false
		}
		if _, err := fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", e.Seq, e.Action, data); err != nil {
			return false
		}
		flusher.Flush()
		return true
	}
	sendDone := func(reason string) {
		fmt.Fprintf(w, "event: done\ndata: %s\n\n", reason)
		flusher.Flush()
	}

	for _, e := range backlog {
		if !send(e) {
			return
		}
	}
	if len(backlog) == 0 {
		flusher.Flush()
	}

	tick := time.NewTicker(streamHeartbeat)
	defer tick.Stop()
	for {
		select {
		case <-r.Context().Done():
			return
		case <-overflow:
			sendDone("client too slow")
			return
		case e := <-live:
			if !send(e) {
				return
			}
		case <-tick.C:
			if _, err := fmt.Fprint(w, ": ping\n\n"); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}
