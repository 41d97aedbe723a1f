package whatsapp

import (
	"time"

	"github.com/wolfeidau/wadispatch/internal/browser/browsertest"
)

var testSelectors = DefaultSelectors()

func testTimeouts() Timeouts {
	return Timeouts{
		AuthProbe:  200 * time.Millisecond,
		QRWait:     30 * time.Millisecond,
		Scan:       100 * time.Millisecond,
		Load:       100 * time.Millisecond,
		SendButton: 30 * time.Millisecond,
		Cooldown:   time.Millisecond,
	}
}

// unauthenticatedPage shows a QR code carrying code.
func unauthenticatedPage(p *browsertest.Page, code string) {
	p.Show(testSelectors.QRCode)
	p.SetAttribute(testSelectors.QRCode, testSelectors.QRCodeAttr, code)
}

// authenticatedPage shows the chat list and a usable compose view.
func authenticatedPage(p *browsertest.Page) {
	p.Show(testSelectors.InsideChat)
	p.Show(testSelectors.SendButton)
}
