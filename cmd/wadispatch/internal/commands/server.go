package commands

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"sync"
	"time"

	"github.com/rs/cors"
	httpapi "github.com/wolfeidau/wadispatch/internal/http"
	"github.com/wolfeidau/wadispatch/internal/queue"
	"github.com/wolfeidau/wadispatch/internal/worker"
)

type ServerCmd struct {
	// Server configuration
	Listen string `help:"HTTP server listen address" default:"0.0.0.0:8080" env:"WADISPATCH_LISTEN"`
	Cert   string `help:"path to TLS cert file, serves plain HTTP when empty" default:"" env:"WADISPATCH_TLS_CERT"`
	Key    string `help:"path to TLS key file" default:"" env:"WADISPATCH_TLS_KEY"`

	// CORS configuration
	CORSOrigins []string `help:"allowed CORS origins, also allowed to open the QR websocket" default:"http://localhost:3000" env:"WADISPATCH_CORS_ORIGINS"`

	Timezone string `help:"timezone for schedule dates and times" default:"UTC" env:"WADISPATCH_TIMEZONE"`
	Tracing  bool   `help:"enable tracing" default:"false" env:"WADISPATCH_TRACING"`

	EmbeddedWorker bool `help:"run the dispatch worker in the server process" default:"true" negatable:"" env:"WADISPATCH_EMBEDDED_WORKER"`

	Session SessionFlags `embed:""`
	Browser BrowserFlags `embed:"" prefix:"browser-"`
	Store   StoreFlags   `embed:""`
	Worker  WorkerFlags  `embed:"" prefix:"worker-"`
}

func (c *ServerCmd) Run(ctx context.Context, globals *Globals) error {
	log := setupLogging(globals)

	log.Info().Str("version", globals.Version).Bool("debug", globals.Debug).Msg("Starting server")

	defer setupTracing(ctx, c.Tracing, "wadispatch-server", globals.Version)()

	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return fmt.Errorf("invalid timezone %q: %w", c.Timezone, err)
	}

	if (c.Cert == "") != (c.Key == "") {
		return errors.New("TLS needs both --cert and --key")
	}
	if c.Cert != "" {
		if _, err := os.Stat(c.Cert); err != nil {
			return fmt.Errorf("TLS certificate not found at %s: %w", c.Cert, err)
		}
		if _, err := os.Stat(c.Key); err != nil {
			return fmt.Errorf("TLS key not found at %s: %w", c.Key, err)
		}
	}

	st, closeStore, err := openStore(ctx, c.Store)
	if err != nil {
		return err
	}
	defer closeStore()

	svc, err := newService(c.Session, c.Browser)
	if err != nil {
		return err
	}

	api := httpapi.NewAPI(httpapi.Config{
		Location:       loc,
		OriginPatterns: originHosts(c.CORSOrigins),
	}, svc, st, queue.NewProducer(st, c.Worker.Queue))

	srv := configureHTTPServer(c.Listen, withCORS(c.CORSOrigins, api.Routes(log)))

	var wg sync.WaitGroup
	defer wg.Wait()

	// stops the embedded worker before wg.Wait when the server fails
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if c.EmbeddedWorker {
		w := worker.New(c.Worker.config(), st, st, svc)
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := w.Run(ctx); err != nil {
				log.Error().Err(err).Msg("Worker stopped")
			}
		}()
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", c.Listen).Bool("tls", c.Cert != "").Msg("Starting HTTP server")
		var err error
		if c.Cert != "" {
			err = srv.ListenAndServeTLS(c.Cert, c.Key)
		} else {
			err = srv.ListenAndServe()
		}
		errCh <- err
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	log.Info().Msg("Shutting down gracefully...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}

	log.Info().Msg("Server stopped")
	return nil
}

// withCORS adds CORS support to the API handler.
func withCORS(allowedOrigins []string, h http.Handler) http.Handler {
	middleware := cors.New(cors.Options{
		AllowedOrigins: allowedOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Content-Type", "Accept", "Last-Event-ID"},
		ExposedHeaders: []string{"X-Request-Id"},
	})
	return middleware.Handler(h)
}

// originHosts turns CORS origins into the host patterns the websocket origin
// check matches against.
func originHosts(origins []string) []string {
	hosts := make([]string, 0, len(origins))
	for _, o := range origins {
		u, err := url.Parse(o)
		if err != nil || u.Host == "" {
			hosts = append(hosts, o)
			continue
		}
		hosts = append(hosts, u.Host)
	}
	return hosts
}
