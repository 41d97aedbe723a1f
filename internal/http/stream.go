package http

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/coder/websocket"
	"github.com/minio/crc64nvme"
	"github.com/rs/zerolog"
)

const (
	eventTypeQRCode = "QRCODE"
	eventTypeQRScan = "QRSCAN"
)

type waitingEvent struct {
	Message string `json:"message"`
}

type codeEvent struct {
	Code *string `json:"code"`
	Type string  `json:"type"`
}

type scanEvent struct {
	Scan bool   `json:"scan"`
	Type string `json:"type"`
}

// streamQR emits the QR login progress for a session: a waiting notice, the
// QR payload (null when none could be read), then the scan outcome. Once the
// QR page is open the scan wait runs to completion even if emitting fails,
// so the browser is always closed by its own timeouts.
func (a *API) streamQR(ctx context.Context, id string, emit func(any) error) {
	log := zerolog.Ctx(ctx)

	if err := emit(waitingEvent{Message: "Waiting for user to scan QR"}); err != nil {
		log.Debug().Err(err).Msg("Client went away before QR was requested")
		return
	}

	qr, err := a.sessions.OpenQR(ctx, id)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to get QR code")
		_ = emit(codeEvent{Type: eventTypeQRCode})
		return
	}

	code := qr.Code
	if err := emit(codeEvent{Code: &code, Type: eventTypeQRCode}); err != nil {
		log.Debug().Err(err).Msg("Client went away, still waiting for scan")
	}

	err = qr.AwaitScan(context.WithoutCancel(ctx))

	_ = emit(scanEvent{Scan: err == nil, Type: eventTypeQRScan})
}

// StreamQRAndScan streams QR login progress as server-sent events.
func (a *API) StreamQRAndScan(w http.ResponseWriter, r *http.Request) {
	id, _ := SessionFromContext(r.Context())

	flusher, ok := w.(http.Flusher)
	if !ok {
		Error(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	a.streamQR(r.Context(), id, func(v any) error {
		if err := r.Context().Err(); err != nil {
			return err
		}
		if err := writeSSE(w, v); err != nil {
			return err
		}
		flusher.Flush()
		return nil
	})
}

// writeSSE writes v as a single data event. The event id is a checksum of
// the payload so a client can tell a repeated QR code from a fresh one.
func writeSSE(w http.ResponseWriter, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}

	h := crc64nvme.New()
	h.Write(data)

	_, err = fmt.Fprintf(w, "id: %016x\ndata: %s\n\n", h.Sum64(), data)
	return err
}

// QRWebsocket streams QR login progress as JSON text messages over a
// websocket, then closes it.
func (a *API) QRWebsocket(w http.ResponseWriter, r *http.Request) {
	id, _ := SessionFromContext(r.Context())
	log := zerolog.Ctx(r.Context())

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns:     a.cfg.OriginPatterns,
		InsecureSkipVerify: a.cfg.InsecureSkipVerify,
	})
	if err != nil {
		log.Error().Err(err).Msg("Failed to accept websocket")
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	// nothing is read from the client; this notices it closing
	connCtx := conn.CloseRead(r.Context())

	a.streamQR(r.Context(), id, func(v any) error {
		data, err := json.Marshal(v)
		if err != nil {
			return err
		}
		return conn.Write(connCtx, websocket.MessageText, data)
	})
}
