package commands

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog"
	zlog "github.com/rs/zerolog/log"
	"github.com/wolfeidau/wadispatch/internal/browser"
	"github.com/wolfeidau/wadispatch/internal/codec"
	"github.com/wolfeidau/wadispatch/internal/logger"
	"github.com/wolfeidau/wadispatch/internal/session"
	"github.com/wolfeidau/wadispatch/internal/store"
	memorystore "github.com/wolfeidau/wadispatch/internal/store/memory"
	postgresstore "github.com/wolfeidau/wadispatch/internal/store/postgres"
	sqlitestore "github.com/wolfeidau/wadispatch/internal/store/sqlite"
	"github.com/wolfeidau/wadispatch/internal/telemetry"
	"github.com/wolfeidau/wadispatch/internal/whatsapp"
	"github.com/wolfeidau/wadispatch/internal/worker"
)

type Globals struct {
	Debug   bool
	Version string
}

func configureHTTPServer(addr string, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: time.Second,
		ReadTimeout:       5 * time.Minute,
		WriteTimeout:      5 * time.Minute,
		IdleTimeout:       5 * time.Minute,
		MaxHeaderBytes:    8 * 1024, // 8KiB
	}
}

// setupLogging builds the process logger and installs it as the global one
// used by the internal packages.
func setupLogging(globals *Globals) zerolog.Logger {
	log := logger.Setup(globals.Debug)
	zlog.Logger = log
	zerolog.DefaultContextLogger = &log
	return log
}

// setupTracing starts the OTLP exporters when enabled. The returned func is
// always safe to call.
func setupTracing(ctx context.Context, enabled bool, service, version string) func() {
	if !enabled {
		return func() {}
	}

	zlog.Info().Msg("Tracing is enabled")
	shutdown, err := telemetry.InitTelemetry(ctx, telemetry.Config{ServiceName: service, Version: version})
	if err != nil {
		zlog.Warn().Err(err).Msg("Failed to initialize telemetry, continuing without metrics")
		return func() {}
	}

	return func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdown(shutdownCtx); err != nil {
			zlog.Error().Err(err).Msg("Failed to shutdown telemetry")
		}
	}
}

// SessionFlags locate session profiles and the key that seals their handles.
type SessionFlags struct {
	SessionPath   string `help:"directory holding one browser profile per session" default:"sessions" env:"SESSION_PATH"`
	SecretKey     string `help:"32 byte key used to encrypt session handles" env:"SECRET_KEY"`
	SecretKeyFile string `help:"file containing the secret key, takes precedence over --secret-key" env:"SECRET_KEY_FILE"`
}

// BrowserFlags configure chrome and the web client waits.
type BrowserFlags struct {
	ExecPath         string        `help:"chrome binary, discovered when empty" env:"WADISPATCH_BROWSER_EXEC_PATH"`
	Headless         bool          `help:"run chrome headless" default:"true" negatable:"" env:"WADISPATCH_BROWSER_HEADLESS"`
	UserAgent        string        `help:"user agent sent by the browser" env:"WADISPATCH_BROWSER_USER_AGENT"`
	BlockedResources []string      `help:"resource types failed before hitting the network" default:"image,font,media,xhr" env:"WADISPATCH_BROWSER_BLOCKED_RESOURCES"`
	Selectors        string        `help:"YAML file overriding the web client selectors" env:"WADISPATCH_BROWSER_SELECTORS"`
	PageTimeout      time.Duration `help:"launch and initial load timeout" default:"60s"`
	AuthTimeout      time.Duration `help:"authenticated-or-QR probe timeout" default:"60s"`
	QRTimeout        time.Duration `help:"wait for the QR element" default:"60s" name:"qr-timeout"`
	ScanTimeout      time.Duration `help:"wait for an issued QR code to be scanned" default:"30s"`
	LoadTimeout      time.Duration `help:"wait for a chat to finish loading" default:"60s"`
	SendTimeout      time.Duration `help:"wait for the send button" default:"10s"`
	Cooldown         time.Duration `help:"minimum spacing between two sends" default:"3s"`
}

func (f *BrowserFlags) timeouts() whatsapp.Timeouts {
	return whatsapp.Timeouts{
		AuthProbe:  f.AuthTimeout,
		QRWait:     f.QRTimeout,
		Scan:       f.ScanTimeout,
		Load:       f.LoadTimeout,
		SendButton: f.SendTimeout,
		Cooldown:   f.Cooldown,
	}
}

func (f *BrowserFlags) chromeConfig() browser.ChromeConfig {
	return browser.ChromeConfig{
		ExecPath:         f.ExecPath,
		Headless:         f.Headless,
		UserAgent:        f.UserAgent,
		PageTimeout:      f.PageTimeout,
		BlockedResources: f.BlockedResources,
	}
}

// newService wires the registry, codec, chrome driver and flows together.
func newService(sf SessionFlags, bf BrowserFlags) (*whatsapp.Service, error) {
	return newServiceWithDriver(sf, bf, browser.NewChromeDriver(bf.chromeConfig()))
}

func newServiceWithDriver(sf SessionFlags, bf BrowserFlags, driver browser.Driver) (*whatsapp.Service, error) {
	registry, err := session.NewRegistry(session.Config{Root: sf.SessionPath})
	if err != nil {
		return nil, err
	}

	key, err := codec.LoadKey(sf.SecretKey, sf.SecretKeyFile)
	if err != nil {
		return nil, err
	}
	c, err := codec.New(key)
	if err != nil {
		return nil, err
	}

	sel, err := whatsapp.LoadSelectors(bf.Selectors)
	if err != nil {
		return nil, err
	}

	to := bf.timeouts()

	return whatsapp.NewService(registry, c, driver,
		whatsapp.NewAuthenticator(sel, to),
		whatsapp.NewDispatcher(sel, to, ""),
		session.NewProcessLocker(registry.Root()),
	), nil
}

// StoreFlags select and configure the durable store.
type StoreFlags struct {
	StoreType     string             `help:"store type" default:"memory" env:"WADISPATCH_STORE_TYPE" enum:"memory,postgres,sqlite"`
	SQLitePath    string             `help:"SQLite database file" default:"data/wadispatch.db" env:"WADISPATCH_SQLITE_PATH" name:"sqlite-path"`
	PostgresStore PostgresStoreFlags `embed:"" prefix:"postgres-"`
}

type PostgresStoreFlags struct {
	// Connection Configuration
	ConnString string `help:"PostgreSQL connection string" env:"POSTGRES_CONNECTION_STRING"`

	// Store Configuration
	TokenSigningSecret string `help:"secret key for HMAC signing of task tokens" env:"WADISPATCH_POSTGRES_TOKEN_SECRET"`

	// Connection Pool Configuration
	MaxConns        int32         `help:"maximum number of connections in pool" default:"20"`
	MinConns        int32         `help:"minimum number of connections in pool" default:"2"`
	MaxConnLifetime time.Duration `help:"maximum connection lifetime" default:"1h"`
	MaxConnIdleTime time.Duration `help:"maximum connection idle time" default:"30m"`
	ConnectRetry    time.Duration `help:"keep retrying the first connection for this long" default:"30s" env:"WADISPATCH_POSTGRES_CONNECT_RETRY"`

	// Migration Configuration
	AutoMigrate bool `help:"run database migrations on startup" default:"false" env:"WADISPATCH_POSTGRES_AUTO_MIGRATE"`
}

func (s *PostgresStoreFlags) validate() error {
	if s.ConnString == "" {
		return errors.New("PostgreSQL connection string is required (--postgres-conn-string or POSTGRES_CONNECTION_STRING)")
	}
	if s.TokenSigningSecret == "" {
		return errors.New("token signing secret is required (--postgres-token-signing-secret or WADISPATCH_POSTGRES_TOKEN_SECRET)")
	}
	if len(s.TokenSigningSecret) < 32 {
		return errors.New("token signing secret must be at least 32 bytes (256 bits) for HMAC-SHA256")
	}
	return nil
}

func (s *PostgresStoreFlags) config() postgresstore.Config {
	return postgresstore.Config{
		Pool: postgresstore.PoolConfig{
			ConnString:      s.ConnString,
			MaxConns:        s.MaxConns,
			MinConns:        s.MinConns,
			MaxConnLifetime: s.MaxConnLifetime,
			MaxConnIdleTime: s.MaxConnIdleTime,
			ConnectRetry:    s.ConnectRetry,
		},
		Jobs: postgresstore.JobStoreConfig{
			TokenSigningSecret: []byte(s.TokenSigningSecret),
		},
		AutoMigrate: s.AutoMigrate,
	}
}

// openStore opens and starts the configured store. The returned func stops
// and closes it.
func openStore(ctx context.Context, f StoreFlags) (store.Store, func(), error) {
	var (
		st      store.Store
		closeFn func()
	)

	switch f.StoreType {
	case "postgres":
		if err := f.PostgresStore.validate(); err != nil {
			return nil, nil, err
		}
		pg, err := postgresstore.New(ctx, f.PostgresStore.config())
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open postgres store: %w", err)
		}
		st, closeFn = pg, pg.Close
		zlog.Info().Msg("Using PostgreSQL store")

	case "sqlite":
		lite, err := sqlitestore.Open(f.SQLitePath)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open sqlite store: %w", err)
		}
		st = lite
		closeFn = func() {
			if err := lite.Close(); err != nil {
				zlog.Error().Err(err).Msg("Failed to close sqlite store")
			}
		}
		zlog.Info().Str("path", f.SQLitePath).Msg("Using SQLite store")

	default:
		st, closeFn = memorystore.New(), func() {}
		zlog.Info().Msg("Using in-memory store")
	}

	if err := st.Start(); err != nil {
		closeFn()
		return nil, nil, err
	}

	return st, func() {
		if err := st.Stop(); err != nil {
			zlog.Error().Err(err).Msg("Failed to stop store")
		}
		closeFn()
	}, nil
}

// WorkerFlags configure the dispatch worker.
type WorkerFlags struct {
	Queue        string        `help:"queue holding delayed send jobs" default:"whatsapp-messages" env:"WADISPATCH_WORKER_QUEUE"`
	Concurrency  int           `help:"jobs processed at once" default:"1" env:"WADISPATCH_WORKER_CONCURRENCY"`
	Visibility   time.Duration `help:"how long a claimed job stays hidden from other workers" default:"5m"`
	PollInterval time.Duration `help:"wait between polls when the queue is empty" default:"1s"`
}

func (f *WorkerFlags) config() worker.Config {
	return worker.Config{
		Queue:        f.Queue,
		Concurrency:  f.Concurrency,
		Visibility:   f.Visibility,
		PollInterval: f.PollInterval,
	}
}
