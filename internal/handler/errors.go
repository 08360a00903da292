package handler

import (
	"net/http"

	"github.com/go-faster/jx"
	"github.com/go-faster/sdk/zctx"
	"go.uber.org/zap"

	"github.com/xenking/kart-checkout/internal/domain/apperr"
)

func statusOf(kind apperr.Kind) int {
	switch kind {
	case apperr.KindValidation:
		return http.StatusBadRequest
	case apperr.KindNotFound:
		return http.StatusNotFound
	case apperr.KindForbidden:
		return http.StatusForbidden
	case apperr.KindBusinessRule:
		return http.StatusUnprocessableEntity
	case apperr.KindExternalProvider:
		return http.StatusBadGateway
	case apperr.KindTransient:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// fail writes err as {code, reason, message}. Unclassified errors are logged
// and hidden from the client.
func fail(w http.ResponseWriter, r *http.Request, err error) {
	reason, message := "internal", "internal server error"
	status := http.StatusInternalServerError

	if e, ok := apperr.As(err); ok && e.Kind != apperr.KindUnknown {
		status = statusOf(e.Kind)
		reason, message = e.Reason, e.Message
		if message == "" {
			message = e.Kind.String()
		}
	}

	lg := zctx.From(r.Context())
	switch {
	case status >= http.StatusInternalServerError:
		lg.Error("Request failed", zap.Int("status", status), zap.Error(err))
	default:
		lg.Debug("Request rejected", zap.Int("status", status), zap.String("reason", reason), zap.Error(err))
	}
	writeError(w, status, reason, message)
}

func writeError(w http.ResponseWriter, status int, reason, message string) {
	writeJSON(w, status, func(e *jx.Encoder) {
		e.ObjStart()
		e.FieldStart("code")
		e.Int(status)
		e.FieldStart("reason")
		e.Str(reason)
		e.FieldStart("message")
		e.Str(message)
		e.ObjEnd()
	})
}
