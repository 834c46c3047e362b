package httpapi

import (
	"context"
	"net/http"
	"strconv"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/Kocoro-lab/Shannon/go/opshub/internal/auth"
	"github.com/Kocoro-lab/Shannon/go/opshub/internal/multimodal"
)

// MultimodalEngine is the engine surface the handlers need.
type MultimodalEngine interface {
	Submit(ctx context.Context, tenantID uuid.UUID, in multimodal.SubmitInput) (multimodal.Request, error)
	Get(ctx context.Context, id string, tenantID uuid.UUID) (multimodal.Request, error)
	List(ctx context.Context, tenantID uuid.UUID) ([]multimodal.Request, error)
	Result(ctx context.Context, id string, tenantID uuid.UUID) (multimodal.Request, error)
	Execute(ctx context.Context, id string, tenantID uuid.UUID) (multimodal.Request, error)
	ExecuteAsync(ctx context.Context, id string, tenantID uuid.UUID) (multimodal.Request, error)
	Cancel(ctx context.Context, id string, tenantID uuid.UUID) (multimodal.Request, error)
}

// MultimodalHandler serves the multimodal request lifecycle.
type MultimodalHandler struct {
	engine MultimodalEngine
	guard  *auth.Guard
	logger *zap.Logger
}

func NewMultimodalHandler(engine MultimodalEngine, guard *auth.Guard, logger *zap.Logger) *MultimodalHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &MultimodalHandler{engine: engine, guard: guard, logger: logger}
}

// RegisterRoutes registers the multimodal routes on mux.
func (h *MultimodalHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /v1/multimodal/requests", h.handleSubmit)
	mux.HandleFunc("GET /v1/multimodal/requests", h.handleList)
	mux.HandleFunc("GET /v1/multimodal/requests/{id}", h.handleGet)
	mux.HandleFunc("POST /v1/multimodal/requests/{id}/execute", h.handleExecute)
	mux.HandleFunc("GET /v1/multimodal/requests/{id}/result", h.handleResult)
	mux.HandleFunc("POST /v1/multimodal/requests/{id}/cancel", h.handleCancel)
}

func (h *MultimodalHandler) handleSubmit(w http.ResponseWriter, r *http.Request) {
	user, err := h.guard.Authorize(r.Context(), auth.OpMultimodalWrite)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	var in multimodal.SubmitInput
	if err := decodeJSON(w, r, &in, false); err != nil {
		writeError(w, h.logger, err)
		return
	}
	req, err := h.engine.Submit(r.Context(), user.TenantID, in)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	w.Header().Set("Location", "/v1/multimodal/requests/"+req.ID)
	writeJSON(w, http.StatusCreated, req)
}

func (h *MultimodalHandler) handleList(w http.ResponseWriter, r *http.Request) {
	user, err := h.guard.Authorize(r.Context(), auth.OpMultimodalRead)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	reqs, err := h.engine.List(r.Context(), user.TenantID)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	if reqs == nil {
		reqs = []multimodal.Request{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"requests": reqs,
		"count":    len(reqs),
	})
}

func (h *MultimodalHandler) handleGet(w http.ResponseWriter, r *http.Request) {
	h.read(w, r, h.engine.Get)
}

func (h *MultimodalHandler) handleResult(w http.ResponseWriter, r *http.Request) {
	h.read(w, r, h.engine.Result)
}

func (h *MultimodalHandler) read(w http.ResponseWriter, r *http.Request, get func(context.Context, string, uuid.UUID) (multimodal.Request, error)) {
	user, err := h.guard.Authorize(r.Context(), auth.OpMultimodalRead)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	id := r.PathValue("id")
	req, err := get(r.Context(), id, user.TenantID)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	if err := h.guard.CheckTenant(user, id, req.TenantID); err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, req)
}

// POST /v1/multimodal/requests/{id}/execute[?wait=false]
//
// By default the call blocks until the request is terminal. With
// wait=false it returns 202 and the processing snapshot.
func (h *MultimodalHandler) handleExecute(w http.ResponseWriter, r *http.Request) {
	user, err := h.guard.Authorize(r.Context(), auth.OpMultimodalExecute)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	id := r.PathValue("id")
	wait := true
	if s := r.URL.Query().Get("wait"); s != "" {
		if b, perr := strconv.ParseBool(s); perr == nil {
			wait = b
		}
	}

	if !wait {
		req, err := h.engine.ExecuteAsync(context.WithoutCancel(r.Context()), id, user.TenantID)
		if err != nil {
			writeError(w, h.logger, err)
			return
		}
		w.Header().Set("Location", "/v1/multimodal/requests/"+req.ID)
		writeJSON(w, http.StatusAccepted, req)
		return
	}

	// A disconnecting client does not abort the attempts; cancel does.
	req, err := h.engine.Execute(context.WithoutCancel(r.Context()), id, user.TenantID)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, req)
}

func (h *MultimodalHandler) handleCancel(w http.ResponseWriter, r *http.Request) {
	user, err := h.guard.Authorize(r.Context(), auth.OpMultimodalExecute)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	req, err := h.engine.Cancel(r.Context(), r.PathValue("id"), user.TenantID)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, req)
}
