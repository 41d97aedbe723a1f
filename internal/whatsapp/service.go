package whatsapp

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/wolfeidau/wadispatch/internal/browser"
	"github.com/wolfeidau/wadispatch/internal/codec"
	"github.com/wolfeidau/wadispatch/internal/models"
	"github.com/wolfeidau/wadispatch/internal/session"
	"github.com/wolfeidau/wadispatch/internal/telemetry"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Service ties sessions, handles and browser flows together. Every flow opens
// a fresh browser page for the session profile and closes it before returning,
// except OpenQR which hands the page to the caller.
type Service struct {
	registry   *session.Registry
	codec      *codec.Codec
	driver     browser.Driver
	auth       *Authenticator
	dispatcher *Dispatcher
	locks      *session.Locker
}

// NewService creates a Service.
func NewService(registry *session.Registry, c *codec.Codec, driver browser.Driver, auth *Authenticator, dispatcher *Dispatcher, locks *session.Locker) *Service {
	if locks == nil {
		locks = session.NewLocker()
	}
	return &Service{
		registry:   registry,
		codec:      c,
		driver:     driver,
		auth:       auth,
		dispatcher: dispatcher,
		locks:      locks,
	}
}

// Resolve decrypts an external handle into a session id.
func (s *Service) Resolve(handle string) (string, error) {
	id, err := s.codec.Decrypt(handle)
	if err != nil {
		return "", err
	}
	if err := s.registry.Validate(id); err != nil {
		log.Warn().Err(err).Msg("Handle decrypted to an unusable session id")
		return "", fmt.Errorf("%w: %w", codec.ErrDecode, session.ErrInvalidID)
	}
	return id, nil
}

// Handle encrypts a session id into its external handle.
func (s *Service) Handle(id string) (string, error) {
	return s.codec.Encrypt(id)
}

// Exists reports whether the session has a profile on disk.
func (s *Service) Exists(id string) bool {
	return s.registry.Exists(id)
}

// lockedPage is an open page holding the session lock.
type lockedPage struct {
	browser.Page
	id      string
	release func()
	once    sync.Once
}

func (p *lockedPage) Close() error {
	var err error
	p.once.Do(func() {
		err = p.Page.Close()
		p.release()
		telemetry.GetMetrics().ActiveBrowsers.Add(context.Background(), -1)
		log.Debug().Str("session_id", p.id).Msg("Closed browser")
	})
	return err
}

// open locks the session and opens a page on its profile. ctx bounds the
// wait for the lock only; browser work is bounded by its own timeouts.
func (s *Service) open(ctx context.Context, id string) (*lockedPage, error) {
	if !s.registry.Exists(id) {
		log.Debug().Str("session_id", id).Msg("Session profile not found")
		return nil, ErrSession
	}

	release, err := s.locks.Lock(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSessionBusy, err)
	}

	return s.openLocked(context.WithoutCancel(ctx), id, release)
}

func (s *Service) openLocked(ctx context.Context, id string, release func()) (*lockedPage, error) {
	started := time.Now()
	metrics := telemetry.GetMetrics()

	page, err := s.driver.Open(ctx, s.registry.ProfilePath(id))
	if err != nil {
		release()
		log.Error().Err(err).Str("session_id", id).Msg("Failed to open browser")
		return nil, ErrInvalidPage
	}
	if page == nil {
		release()
		log.Error().Str("session_id", id).Msg("Browser returned no page")
		return nil, ErrInvalidPage
	}

	metrics.BrowserOpenDuration.Record(ctx, float64(time.Since(started).Milliseconds()))
	metrics.ActiveBrowsers.Add(ctx, 1)

	return &lockedPage{Page: page, id: id, release: release}, nil
}

// StartSession creates a session, materialises its profile by opening the
// web client once, and returns it with its handle.
func (s *Service) StartSession(ctx context.Context) (models.Session, error) {
	id := s.registry.NewID()

	path, err := s.registry.Ensure(id)
	if err != nil {
		return models.Session{}, err
	}

	release, ok := s.locks.TryLock(id)
	if !ok {
		return models.Session{}, ErrSessionBusy
	}

	page, err := s.openLocked(context.WithoutCancel(ctx), id, release)
	if err != nil {
		return models.Session{}, err
	}
	if err := page.Close(); err != nil {
		log.Warn().Err(err).Str("session_id", id).Msg("Failed to close browser")
	}

	handle, err := s.codec.Encrypt(id)
	if err != nil {
		return models.Session{}, fmt.Errorf("failed to encrypt session id: %w", err)
	}

	telemetry.GetMetrics().SessionsStartedTotal.Add(ctx, 1)
	log.Info().Str("session_id", id).Msg("Started session")

	return models.Session{ID: id, ProfilePath: path, Handle: handle, CreatedAt: time.Now()}, nil
}

// CheckAuth reports whether the session's profile is logged in.
func (s *Service) CheckAuth(ctx context.Context, id string) (bool, error) {
	page, err := s.open(ctx, id)
	if err != nil {
		return false, err
	}
	defer page.Close()

	authenticated := s.auth.IsAuthenticated(context.WithoutCancel(ctx), page)

	telemetry.GetMetrics().AuthChecksTotal.Add(ctx, 1,
		metric.WithAttributes(attribute.Bool("authenticated", authenticated)))
	log.Info().Str("session_id", id).Bool("authenticated", authenticated).Msg("Checked authentication")

	return authenticated, nil
}

// GetQRCode returns the current QR payload for an unauthenticated session.
func (s *Service) GetQRCode(ctx context.Context, id string) (string, error) {
	qr, err := s.OpenQR(ctx, id)
	if err != nil {
		return "", err
	}
	defer qr.Close()

	return qr.Code, nil
}

// QRSession is an open page showing a QR code. The caller must either call
// AwaitScan or Close.
type QRSession struct {
	Code string

	id      string
	page    *lockedPage
	auth    *Authenticator
	awaited atomic.Bool
}

// OpenQR opens the session and extracts its QR payload, keeping the page open
// for a subsequent scan wait.
func (s *Service) OpenQR(ctx context.Context, id string) (*QRSession, error) {
	page, err := s.open(ctx, id)
	if err != nil {
		return nil, err
	}

	code, err := s.auth.QRCode(context.WithoutCancel(ctx), page)
	if err != nil {
		_ = page.Close()
		log.Warn().Err(err).Str("session_id", id).Msg("Failed to get QR code")
		return nil, err
	}

	telemetry.GetMetrics().QRCodesIssuedTotal.Add(ctx, 1)
	log.Info().Str("session_id", id).Msg("QR code issued, waiting for scan")

	return &QRSession{Code: code, id: id, page: page, auth: s.auth}, nil
}

// AwaitScan waits for the QR code to be scanned and closes the page whatever
// the outcome. A code can only be awaited once; later calls return
// ErrQRScanned.
func (q *QRSession) AwaitScan(ctx context.Context) error {
	if !q.awaited.CompareAndSwap(false, true) {
		return ErrQRScanned
	}
	defer q.Close()

	err := q.auth.AwaitScan(ctx, q.page)

	telemetry.GetMetrics().QRScansTotal.Add(ctx, 1,
		metric.WithAttributes(attribute.Bool("scanned", err == nil)))

	if err != nil {
		log.Warn().Err(err).Str("session_id", q.id).Msg("QR code scan failed")
		return err
	}

	log.Info().Str("session_id", q.id).Msg("QR code scanned")
	return nil
}

// Close releases the page and the session lock.
func (q *QRSession) Close() error {
	return q.page.Close()
}

// SendNow dispatches batches through the session, which must be authenticated.
// The returned error covers session and authentication failures only;
// per-recipient outcomes are in the report.
func (s *Service) SendNow(ctx context.Context, id string, batches []models.Batch) (Report, error) {
	page, err := s.open(ctx, id)
	if err != nil {
		return Report{}, err
	}
	defer page.Close()

	bctx := context.WithoutCancel(ctx)

	if !s.auth.IsAuthenticated(bctx, page) {
		log.Warn().Str("session_id", id).Msg("Send refused, session is not authenticated")
		return Report{}, fmt.Errorf("%w: session is not authenticated", ErrAuthentication)
	}

	report := s.dispatcher.Send(bctx, page, batches)

	ev := log.Info()
	if !report.OK() || len(report.Failed()) > 0 {
		ev = log.Warn().AnErr("batch_error", report.Err)
	}
	ev.Str("session_id", id).
		Int("sent", report.Sent()).
		Int("failed", len(report.Failed())).
		Msg("Dispatched messages")

	return report, nil
}
