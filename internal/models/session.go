package models

import "time"

// Session is a browser profile plus the encrypted handle callers use to refer to it.
// The raw ID never leaves the process; only Handle is returned over the API.
type Session struct {
	ID          string // session_<unix ms>_<suffix>
	ProfilePath string // one browser profile directory per session
	Handle      string // ivHex:cipherHex of ID

	CreatedAt time.Time
}

// AuthStatus is the freshly derived authentication state of a session.
type AuthStatus struct {
	SessionID     *string `json:"sessionId"`
	Authenticated bool    `json:"authenticated"`
}
