package whatsapp

import "errors"

// Sentinel errors for the session and authentication flows.
var (
	// ErrSession means the session id has no profile on disk.
	ErrSession = errors.New("session does not exist")
	// ErrInvalidPage means the browser could not produce a usable page.
	ErrInvalidPage = errors.New("invalid page instance")
	// ErrQRCodeRetrieval means the QR element or its payload was missing.
	ErrQRCodeRetrieval = errors.New("failed to retrieve QR code data")
	// ErrQRScanned means the QR code was already consumed by an earlier wait.
	ErrQRScanned = errors.New("QR code already scanned")
	// ErrAuthentication means the session is in the wrong auth state for the operation.
	ErrAuthentication = errors.New("invalid authentication state")
	// ErrTimeout means a bounded browser wait expired.
	ErrTimeout = errors.New("timed out")
	// ErrSessionBusy means another flow holds the session's browser profile.
	ErrSessionBusy = errors.New("session is busy")
)

// IsRetriable reports whether the caller may reasonably retry the operation.
func IsRetriable(err error) bool {
	return errors.Is(err, ErrQRCodeRetrieval) ||
		errors.Is(err, ErrTimeout) ||
		errors.Is(err, ErrSessionBusy)
}
