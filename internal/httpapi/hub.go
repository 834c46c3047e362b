package httpapi

import (
	"context"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/Kocoro-lab/Shannon/go/opshub/internal/auth"
	"github.com/Kocoro-lab/Shannon/go/opshub/internal/process"
	"github.com/Kocoro-lab/Shannon/go/opshub/internal/registry"
)

// Lister is the registry surface the hub handlers need.
type Lister interface {
	ListAll(ctx context.Context, tenantID uuid.UUID, filter registry.Filter) (*registry.Listing, error)
	GetOne(ctx context.Context, id string, tenantID uuid.UUID) (process.Entry, error)
}

// Controller applies lifecycle verbs.
type Controller interface {
	Control(ctx context.Context, cmd process.Command) (process.Entry, error)
}

// HubHandler serves the aggregated process view and lifecycle control.
type HubHandler struct {
	registry Lister
	control  Controller
	guard    *auth.Guard
	logger   *zap.Logger
}

func NewHubHandler(reg Lister, control Controller, guard *auth.Guard, logger *zap.Logger) *HubHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HubHandler{registry: reg, control: control, guard: guard, logger: logger}
}

// RegisterRoutes registers the hub routes on mux.
func (h *HubHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /v1/operations/hub", h.handleHub)
	mux.HandleFunc("GET /v1/operations/processes/{id}", h.handleGet)
	mux.HandleFunc("POST /v1/operations/processes/{id}/control", h.handleControl)
}

type hubResponse struct {
	Entries       []process.Entry         `json:"entries"`
	Count         int                     `json:"count"`
	Summary       registry.Summary        `json:"summary"`
	Partial       bool                    `json:"partial"`
	PartialErrors map[process.Kind]string `json:"partial_errors,omitempty"`
}

// GET /v1/operations/hub?kind=<kind>&status=<status>
func (h *HubHandler) handleHub(w http.ResponseWriter, r *http.Request) {
	user, err := h.guard.Authorize(r.Context(), auth.OpRead)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}

	var filter registry.Filter
	q := r.URL.Query()
	if s := q.Get("kind"); s != "" {
		if filter.Kind, err = process.ParseKind(s); err != nil {
			writeError(w, h.logger, err)
			return
		}
	}
	if s := q.Get("status"); s != "" {
		if filter.Status, err = process.ParseStatus(s); err != nil {
			writeError(w, h.logger, err)
			return
		}
	}

	listing, err := h.registry.ListAll(r.Context(), user.TenantID, filter)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}

	resp := hubResponse{
		Entries: listing.Entries,
		Count:   len(listing.Entries),
		Summary: listing.Summary,
		Partial: listing.Partial(),
	}
	if resp.Entries == nil {
		resp.Entries = []process.Entry{}
	}
	if listing.Partial() {
		resp.PartialErrors = make(map[process.Kind]string, len(listing.PartialErrors))
		for kind, perr := range listing.PartialErrors {
			resp.PartialErrors[kind] = perr.Error()
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

// GET /v1/operations/processes/{id}
func (h *HubHandler) handleGet(w http.ResponseWriter, r *http.Request) {
	user, err := h.guard.Authorize(r.Context(), auth.OpRead)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	id := r.PathValue("id")
	entry, err := h.registry.GetOne(r.Context(), id, user.TenantID)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	if err := h.guard.CheckTenant(user, id, entry.TenantID); err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, entry)
}

type controlRequest struct {
	Action string `json:"action"`
	Reason string `json:"reason,omitempty"`
}

// POST /v1/operations/processes/{id}/control {"action":"pause","reason":"..."}
func (h *HubHandler) handleControl(w http.ResponseWriter, r *http.Request) {
	user, err := h.guard.Authorize(r.Context(), auth.OpControl)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	var req controlRequest
	if err := decodeJSON(w, r, &req, false); err != nil {
		writeError(w, h.logger, err)
		return
	}
	if strings.TrimSpace(req.Action) == "" {
		writeError(w, h.logger, &process.ValidationError{Field: "action", Message: "action is required"})
		return
	}

	requestedBy := user.Username
	if requestedBy == "" {
		requestedBy = user.UserID.String()
	}
	entry, err := h.control.Control(r.Context(), process.Command{
		ProcessID:         r.PathValue("id"),
		Verb:              process.Verb(req.Action),
		RequesterTenantID: user.TenantID,
		Reason:            req.Reason,
		RequestedBy:       requestedBy,
	})
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, entry)
}
