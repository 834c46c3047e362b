package httpapi

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/Kocoro-lab/Shannon/go/opshub/internal/auth"
	"github.com/Kocoro-lab/Shannon/go/opshub/internal/streaming"
)

// StreamingHandler serves the per-tenant lifecycle event stream over
// websocket and SSE.
type StreamingHandler struct {
	mgr    *streaming.Manager
	guard  *auth.Guard
	logger *zap.Logger
}

func NewStreamingHandler(mgr *streaming.Manager, guard *auth.Guard, logger *zap.Logger) *StreamingHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &StreamingHandler{mgr: mgr, guard: guard, logger: logger}
}

// RegisterRoutes registers the stream routes on mux.
func (h *StreamingHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /v1/operations/stream/sse", h.handleSSE)
	h.RegisterWebSocket(mux)
}

type streamParams struct {
	tenant string
	types  map[string]struct{}
	lastID uint64
}

func (p streamParams) wants(ev streaming.Event) bool {
	if len(p.types) == 0 {
		return true
	}
	_, ok := p.types[ev.Type]
	return ok
}

// parseStreamParams authorizes the caller and reads the types filter and
// replay position. Last-Event-ID wins over the last_event_id query param.
func (h *StreamingHandler) parseStreamParams(r *http.Request) (streamParams, error) {
	user, err := h.guard.Authorize(r.Context(), auth.OpRead)
	if err != nil {
		return streamParams{}, err
	}
	p := streamParams{tenant: user.TenantID.String(), types: map[string]struct{}{}}
	if s := r.URL.Query().Get("types"); s != "" {
		for _, t := range strings.Split(s, ",") {
			t = strings.TrimSpace(t)
			if t != "" {
				p.types[t] = struct{}{}
			}
		}
	}
	if lei := r.Header.Get("Last-Event-ID"); lei != "" {
		if n, err := strconv.ParseUint(lei, 10, 64); err == nil {
			p.lastID = n
		}
	}
	if q := r.URL.Query().Get("last_event_id"); q != "" && p.lastID == 0 {
		if n, err := strconv.ParseUint(q, 10, 64); err == nil {
			p.lastID = n
		}
	}
	return p, nil
}

// GET /v1/operations/stream/sse?types=A,B&last_event_id=N
func (h *StreamingHandler) handleSSE(w http.ResponseWriter, r *http.Request) {
	p, err := h.parseStreamParams(r)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	ch := h.mgr.Subscribe(p.tenant, 256)
	defer h.mgr.Unsubscribe(p.tenant, ch)

	fmt.Fprint(w, ": connected\n\n")
	flusher.Flush()

	var sent uint64
	if p.lastID > 0 {
		for _, ev := range h.mgr.ReplaySince(p.tenant, p.lastID) {
			if p.wants(ev) {
				writeSSE(w, ev)
			}
			sent = ev.Seq
		}
		flusher.Flush()
	}

	hb := time.NewTicker(15 * time.Second)
	defer hb.Stop()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			h.logger.Debug("SSE client disconnected", zap.String("tenant_id", p.tenant))
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			// Skip events already delivered by the replay.
			if ev.Seq <= sent || !p.wants(ev) {
				continue
			}
			writeSSE(w, ev)
			flusher.Flush()
		case <-hb.C:
			fmt.Fprint(w, ": ping\n\n")
			flusher.Flush()
		}
	}
}

func writeSSE(w http.ResponseWriter, ev streaming.Event) {
	if ev.Seq > 0 {
		fmt.Fprintf(w, "id: %d\n", ev.Seq)
	}
	if ev.Type != "" {
		fmt.Fprintf(w, "event: %s\n", ev.Type)
	}
	fmt.Fprintf(w, "data: %s\n\n", string(ev.Marshal()))
}
