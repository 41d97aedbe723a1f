package http

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/rs/zerolog"
	"github.com/skip2/go-qrcode"
	"github.com/wolfeidau/wadispatch/internal/models"
	"github.com/wolfeidau/wadispatch/internal/queue"
	"github.com/wolfeidau/wadispatch/internal/schedule"
	"github.com/wolfeidau/wadispatch/internal/telemetry"
	"github.com/wolfeidau/wadispatch/internal/whatsapp"
)

const (
	qrImageSize   = 256
	maxBodyBytes  = 1 << 20
	scheduledResp = "Messages scheduled successfully"
)

// StartSession creates a session and returns its handle.
func (a *API) StartSession(w http.ResponseWriter, r *http.Request) {
	sess, err := a.sessions.StartSession(r.Context())
	if err != nil {
		zerolog.Ctx(r.Context()).Error().Err(err).Msg("Failed to start session")
		Error(w, http.StatusInternalServerError, "Failed to start WhatsApp session")
		return
	}

	JSON(w, http.StatusOK, map[string]string{"sessionId": sess.Handle})
}

// CheckAuth reports whether the session is logged in. Unknown sessions are
// reported as unauthenticated with a null session id.
func (a *API) CheckAuth(w http.ResponseWriter, r *http.Request) {
	id, handle := SessionFromContext(r.Context())

	if !a.sessions.Exists(id) {
		JSON(w, http.StatusOK, models.AuthStatus{})
		return
	}

	authenticated, err := a.sessions.CheckAuth(r.Context(), id)
	if err != nil {
		if errors.Is(err, whatsapp.ErrSession) {
			JSON(w, http.StatusOK, models.AuthStatus{})
			return
		}
		writeError(w, r, err)
		return
	}

	JSON(w, http.StatusOK, models.AuthStatus{SessionID: &handle, Authenticated: authenticated})
}

// GetQRCode returns the QR payload for an unauthenticated session.
func (a *API) GetQRCode(w http.ResponseWriter, r *http.Request) {
	id, _ := SessionFromContext(r.Context())

	code, err := a.sessions.GetQRCode(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}

	JSON(w, http.StatusOK, map[string]string{"qrcode": code})
}

// GetQRCodePNG renders the QR payload as a PNG image.
func (a *API) GetQRCodePNG(w http.ResponseWriter, r *http.Request) {
	id, _ := SessionFromContext(r.Context())

	code, err := a.sessions.GetQRCode(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}

	png, err := qrcode.Encode(code, qrcode.Medium, qrImageSize)
	if err != nil {
		zerolog.Ctx(r.Context()).Error().Err(err).Msg("Failed to render QR code")
		Error(w, http.StatusInternalServerError, "failed to render QR code")
		return
	}

	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(png)
}

// SendNow dispatches the posted batches immediately.
func (a *API) SendNow(w http.ResponseWriter, r *http.Request) {
	id, _ := SessionFromContext(r.Context())

	var batches []models.Batch
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&batches); err != nil {
		JSON(w, http.StatusBadRequest, map[string]string{"message": "Message and Phone Number are required."})
		return
	}

	report, err := a.sessions.SendNow(r.Context(), id, batches)
	if err != nil {
		writeError(w, r, err)
		return
	}

	if !report.OK() {
		JSON(w, http.StatusOK, map[string]string{"error": "failed"})
		return
	}

	JSON(w, http.StatusOK, map[string]string{"message": "done"})
}

// ScheduleMessages expands each posted request into daily records, stores
// them and enqueues a delayed job for every record due in the future.
func (a *API) ScheduleMessages(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	_, handle := SessionFromContext(ctx)

	var reqs []schedule.Request
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&reqs); err != nil || len(reqs) == 0 {
		Error(w, http.StatusBadRequest, "Invalid request format")
		return
	}

	var rows []models.ScheduledMessage
	for _, req := range reqs {
		msgs, err := req.Messages(handle, a.cfg.Location)
		if err != nil {
			writeError(w, r, err)
			return
		}
		rows = append(rows, msgs...)
	}

	rows, err := a.messages.InsertMessages(ctx, rows)
	if err != nil {
		zerolog.Ctx(ctx).Error().Err(err).Msg("Failed to save scheduled messages")
		Error(w, http.StatusInternalServerError, "Failed to schedule messages")
		return
	}

	telemetry.GetMetrics().MessagesScheduledTotal.Add(ctx, int64(len(rows)))

	results, err := a.producer.Schedule(ctx, rows)
	if err != nil {
		// the rows are stored, report which ones have no job so a retry does
		// not duplicate them blindly
		unscheduled := queue.Unscheduled(rows, results)
		zerolog.Ctx(ctx).Error().Err(err).
			Int("rows", len(rows)).
			Ints64("unscheduled_ids", unscheduled).
			Msg("Failed to enqueue scheduled messages")
		JSON(w, http.StatusInternalServerError, map[string]any{
			"error":       "Failed to schedule messages",
			"data":        rows,
			"unscheduled": unscheduled,
		})
		return
	}

	if rows == nil {
		rows = []models.ScheduledMessage{}
	}

	JSON(w, http.StatusCreated, map[string]any{"message": scheduledResp, "data": rows})
}

// ListScheduled returns the records scheduled under the request's handle.
func (a *API) ListScheduled(w http.ResponseWriter, r *http.Request) {
	_, handle := SessionFromContext(r.Context())

	rows, err := a.messages.ListMessages(r.Context(), handle)
	if err != nil {
		zerolog.Ctx(r.Context()).Error().Err(err).Msg("Failed to list scheduled messages")
		Error(w, http.StatusInternalServerError, "Failed to list scheduled messages")
		return
	}
	if rows == nil {
		rows = []models.ScheduledMessage{}
	}

	JSON(w, http.StatusOK, map[string]any{"data": rows})
}
