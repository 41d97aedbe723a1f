package http

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/klauspost/compress/gzhttp"
	"github.com/rs/zerolog"
	"github.com/wolfeidau/wadispatch/internal/logger"
	"github.com/wolfeidau/wadispatch/internal/queue"
	"github.com/wolfeidau/wadispatch/internal/store"
	"github.com/wolfeidau/wadispatch/internal/whatsapp"
)

// Config holds the API settings.
type Config struct {
	// Location interprets schedule dates and times. Defaults to UTC.
	Location *time.Location
	// OriginPatterns are the hosts allowed to open the QR websocket.
	OriginPatterns []string
	// InsecureSkipVerify disables the websocket origin check, for local development.
	InsecureSkipVerify bool
}

// API serves the session, QR and messaging endpoints.
type API struct {
	cfg      Config
	sessions *whatsapp.Service
	messages store.MessageStore
	producer *queue.Producer
}

// NewAPI creates an API.
func NewAPI(cfg Config, sessions *whatsapp.Service, messages store.MessageStore, producer *queue.Producer) *API {
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	return &API{
		cfg:      cfg,
		sessions: sessions,
		messages: messages,
		producer: producer,
	}
}

// Routes builds the router. Streaming routes are kept out of the gzip
// handler so events are flushed as they are written.
func (a *API) Routes(log zerolog.Logger) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(logger.NewRequestLogger(log))
	r.Use(middleware.Recoverer)
	r.Use(middleware.Heartbeat("/health"))

	r.Route("/api/v1", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			r.Use(compress)
			r.Get("/system/start-session", a.StartSession)
		})

		r.Group(func(r chi.Router) {
			r.Use(SessionMiddleware(a.sessions))

			r.Group(func(r chi.Router) {
				r.Use(compress)
				r.Get("/system/auth", a.CheckAuth)
				r.Get("/qr/code", a.GetQRCode)
				r.Get("/qr/code.png", a.GetQRCodePNG)
				r.Post("/messages", a.SendNow)
				r.Post("/messages/schedule", a.ScheduleMessages)
				r.Get("/messages/schedule", a.ListScheduled)
			})

			r.Get("/qr/scan", a.StreamQRAndScan)
			r.Get("/qr/ws", a.QRWebsocket)
		})
	})

	return r
}

func compress(next http.Handler) http.Handler {
	return gzhttp.GzipHandler(next)
}
