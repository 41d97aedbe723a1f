package whatsapp

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"
	"github.com/wolfeidau/wadispatch/internal/browser"
)

// State is the authentication state of a live page.
type State int

const (
	StateUnknown State = iota
	StateAwaitingScan
	StateAuthenticated
)

func (s State) String() string {
	switch s {
	case StateAwaitingScan:
		return "awaiting_scan"
	case StateAuthenticated:
		return "authenticated"
	default:
		return "unknown"
	}
}

// Authenticator derives authentication state from a live page and drives the
// QR retrieval and scan-wait protocols. It holds no state between calls.
type Authenticator struct {
	sel      Selectors
	timeouts Timeouts
}

// NewAuthenticator creates an Authenticator.
func NewAuthenticator(sel Selectors, timeouts Timeouts) *Authenticator {
	timeouts.ApplyDefaults()
	return &Authenticator{sel: sel, timeouts: timeouts}
}

// IsAuthenticated races a QR probe against an inside-chat probe and takes
// whichever settles first. The QR probe settling means a scan is required.
// The inside-chat probe settling without error means the profile is logged in.
// The losing probe is cancelled and waited for before returning.
func (a *Authenticator) IsAuthenticated(ctx context.Context, page browser.Page) bool {
	ctx, cancel := context.WithTimeout(ctx, a.timeouts.AuthProbe)
	defer cancel()

	settled := make(chan bool, 2)

	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		err := page.WaitVisible(ctx, a.sel.QRCode)
		if err != nil {
			log.Debug().Err(err).Msg("QR probe settled with error")
		}
		settled <- false
	}()

	go func() {
		defer wg.Done()
		err := page.WaitFunction(ctx, a.sel.InsideChat)
		if err != nil {
			log.Debug().Err(err).Msg("Inside-chat probe settled with error")
		}
		settled <- err == nil
	}()

	authenticated := <-settled

	cancel()
	wg.Wait()

	return authenticated
}

// Determine returns the state of the page.
func (a *Authenticator) Determine(ctx context.Context, page browser.Page) State {
	if a.IsAuthenticated(ctx, page) {
		return StateAuthenticated
	}
	return StateAwaitingScan
}

// QRCode extracts the QR payload from an unauthenticated page. An already
// authenticated page yields ErrAuthentication rather than a stale code.
func (a *Authenticator) QRCode(ctx context.Context, page browser.Page) (string, error) {
	if a.IsAuthenticated(ctx, page) {
		return "", fmt.Errorf("%w: QR scan not required", ErrAuthentication)
	}

	waitCtx, cancel := context.WithTimeout(ctx, a.timeouts.QRWait)
	err := page.WaitVisible(waitCtx, a.sel.QRCode)
	cancel()
	if err != nil {
		log.Warn().Err(err).Msg("QR code element did not appear, attempting extraction anyway")
	}

	readCtx, cancel := context.WithTimeout(ctx, a.timeouts.Load)
	defer cancel()

	code, err := page.Attribute(readCtx, a.sel.QRCode, a.sel.QRCodeAttr)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrQRCodeRetrieval, err)
	}
	if code == "" {
		return "", ErrQRCodeRetrieval
	}

	return code, nil
}

// AwaitScan waits for the inside-chat marker that follows a successful scan.
func (a *Authenticator) AwaitScan(ctx context.Context, page browser.Page) error {
	ctx, cancel := context.WithTimeout(ctx, a.timeouts.Scan)
	defer cancel()

	if err := page.WaitFunction(ctx, a.sel.InsideChat); err != nil {
		return fmt.Errorf("%w: QR code was not scanned in %s: %v", ErrTimeout, a.timeouts.Scan, err)
	}
	return nil
}
