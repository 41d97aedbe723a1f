package http

import (
	"encoding/json"
	"errors"
	"net/http"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/rs/zerolog"
	"github.com/wolfeidau/wadispatch/internal/codec"
	"github.com/wolfeidau/wadispatch/internal/whatsapp"
)

// JSON writes v as a JSON response with the given status.
func JSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"error": "failed to encode response"}`, http.StatusInternalServerError)
	}
}

// Error writes a JSON error response.
func Error(w http.ResponseWriter, status int, message string) {
	JSON(w, status, map[string]string{"error": message})
}

// StatusFor maps a service error onto an HTTP status code.
func StatusFor(err error) int {
	var verrs validation.Errors

	switch {
	case errors.Is(err, whatsapp.ErrSession):
		return http.StatusNotFound
	case errors.Is(err, whatsapp.ErrInvalidPage):
		return http.StatusBadGateway
	case errors.Is(err, whatsapp.ErrAuthentication), errors.Is(err, whatsapp.ErrSessionBusy), errors.Is(err, whatsapp.ErrQRScanned):
		return http.StatusConflict
	case errors.Is(err, whatsapp.ErrQRCodeRetrieval):
		return http.StatusServiceUnavailable
	case errors.Is(err, whatsapp.ErrTimeout):
		return http.StatusGatewayTimeout
	case errors.Is(err, codec.ErrDecode), errors.As(err, &verrs):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// publicErrors are the sentinels whose text may reach API clients. Wrapped
// detail stays in the logs since it can name the session id behind a handle.
var publicErrors = []error{
	whatsapp.ErrSession,
	whatsapp.ErrInvalidPage,
	whatsapp.ErrAuthentication,
	whatsapp.ErrSessionBusy,
	whatsapp.ErrQRScanned,
	whatsapp.ErrQRCodeRetrieval,
	whatsapp.ErrTimeout,
	codec.ErrDecode,
}

// PublicMessage returns the client-facing text for err.
func PublicMessage(err error) string {
	var verrs validation.Errors
	if errors.As(err, &verrs) {
		return verrs.Error()
	}
	for _, target := range publicErrors {
		if errors.Is(err, target) {
			return target.Error()
		}
	}
	return http.StatusText(http.StatusInternalServerError)
}

func writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := StatusFor(err)
	if status >= http.StatusInternalServerError {
		zerolog.Ctx(r.Context()).Error().Err(err).Int("status", status).Msg("Request failed")
	} else {
		zerolog.Ctx(r.Context()).Debug().Err(err).Int("status", status).Msg("Request rejected")
	}
	Error(w, status, PublicMessage(err))
}
