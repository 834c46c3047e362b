package httpapi

import (
	"context"
	"net/http"
	"strconv"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/Kocoro-lab/Shannon/go/opshub/internal/auth"
	"github.com/Kocoro-lab/Shannon/go/opshub/internal/db"
	"github.com/Kocoro-lab/Shannon/go/opshub/internal/process"
)

// AuditReader lists persisted control decisions.
type AuditReader interface {
	ListControlAudit(ctx context.Context, tenantID uuid.UUID, processID string, limit int) ([]db.ControlAudit, error)
}

// AuditHandler exposes the control audit trail. Only registered when a
// database is configured.
type AuditHandler struct {
	reader AuditReader
	guard  *auth.Guard
	logger *zap.Logger
}

func NewAuditHandler(reader AuditReader, guard *auth.Guard, logger *zap.Logger) *AuditHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &AuditHandler{reader: reader, guard: guard, logger: logger}
}

func (h *AuditHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /v1/operations/audit", h.handleList)
	mux.HandleFunc("GET /v1/operations/processes/{id}/audit", h.handleList)
}

func (h *AuditHandler) handleList(w http.ResponseWriter, r *http.Request) {
	user, err := h.guard.Authorize(r.Context(), auth.OpRead)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	limit := 0
	if s := r.URL.Query().Get("limit"); s != "" {
		n, perr := strconv.Atoi(s)
		if perr != nil || n < 1 || n > 500 {
			writeError(w, h.logger, &process.ValidationError{Field: "limit", Message: "limit must be between 1 and 500"})
			return
		}
		limit = n
	}
	records, err := h.reader.ListControlAudit(r.Context(), user.TenantID, r.PathValue("id"), limit)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	if records == nil {
		records = []db.ControlAudit{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"records": records,
		"count":   len(records),
	})
}
