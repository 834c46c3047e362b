package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"go.uber.org/zap"

	"github.com/Kocoro-lab/Shannon/go/opshub/internal/process"
)

// maxBodyBytes bounds JSON request bodies.
const maxBodyBytes = 8 << 20

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError maps typed hub errors onto HTTP statuses. Unknown errors are
// logged and reported as 500 without their message.
func writeError(w http.ResponseWriter, logger *zap.Logger, err error) {
	var (
		validation  *process.ValidationError
		notFound    *process.NotFoundError
		transition  *process.InvalidStateTransitionError
		denied      *process.ScopeDeniedError
		unavailable *process.SubsystemUnavailableError
	)
	switch {
	case errors.As(err, &validation):
		body := map[string]interface{}{"error": "invalid_request", "message": err.Error()}
		if validation.Field != "" {
			body["field"] = validation.Field
		}
		writeJSON(w, http.StatusBadRequest, body)
	case errors.As(err, &notFound):
		writeJSON(w, http.StatusNotFound, map[string]interface{}{
			"error":   "not_found",
			"message": err.Error(),
		})
	case errors.As(err, &transition):
		body := map[string]interface{}{
			"error":          "invalid_state_transition",
			"message":        err.Error(),
			"current_status": transition.Current,
			"action":         transition.Verb,
		}
		if transition.Native != "" {
			body["native_status"] = transition.Native
		}
		if errors.Is(err, process.ErrUnsupported) {
			body["reason"] = "unsupported"
		}
		writeJSON(w, http.StatusConflict, body)
	case errors.As(err, &denied):
		writeJSON(w, http.StatusForbidden, map[string]interface{}{
			"error":   "forbidden",
			"message": err.Error(),
		})
	case errors.As(err, &unavailable):
		writeJSON(w, http.StatusServiceUnavailable, map[string]interface{}{
			"error":   "subsystem_unavailable",
			"message": err.Error(),
			"kind":    unavailable.Kind,
		})
	default:
		logger.Error("Unhandled request error", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, map[string]interface{}{
			"error":   "internal_error",
			"message": "internal server error",
		})
	}
}

// decodeJSON reads a bounded JSON body into v. An empty body leaves v
// untouched when allowEmpty is set.
func decodeJSON(w http.ResponseWriter, r *http.Request, v interface{}, allowEmpty bool) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		if allowEmpty && errors.Is(err, io.EOF) {
			return nil
		}
		return &process.ValidationError{Field: "body", Message: "invalid JSON: " + err.Error()}
	}
	return nil
}
