package whatsapp

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultComposeURL opens a chat with a prefilled message.
const DefaultComposeURL = "https://web.whatsapp.com/send"

// Selectors locate elements in the web client. They are configuration rather
// than contract and can be overridden from a YAML file.
type Selectors struct {
	// Loading is shown while a chat is loading.
	Loading string `yaml:"loading"`
	// InsideChat is a JavaScript expression that is truthy once the chat list is rendered.
	InsideChat string `yaml:"inside_chat"`
	// QRCode matches the element carrying the QR payload.
	QRCode string `yaml:"qr_code"`
	// QRCodeAttr is the attribute of QRCode holding the payload.
	QRCodeAttr string `yaml:"qr_code_attr"`
	// SendButton matches the compose send control.
	SendButton string `yaml:"send_button"`
}

// DefaultSelectors returns the selectors for the current web client.
func DefaultSelectors() Selectors {
	return Selectors{
		Loading:    "progress",
		InsideChat: "document.getElementsByClassName('two')[0]",
		QRCode:     "div[data-ref]",
		QRCodeAttr: "data-ref",
		SendButton: `div:nth-child(2) > button > span[data-icon="send"]`,
	}
}

// LoadSelectors reads a YAML file and overlays it on the defaults.
// Fields missing from the file keep their default value.
func LoadSelectors(path string) (Selectors, error) {
	sel := DefaultSelectors()
	if path == "" {
		return sel, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return sel, fmt.Errorf("failed to read selectors file: %w", err)
	}

	var override Selectors
	if err := yaml.Unmarshal(data, &override); err != nil {
		return sel, fmt.Errorf("failed to parse selectors file %s: %w", path, err)
	}

	if override.Loading != "" {
		sel.Loading = override.Loading
	}
	if override.InsideChat != "" {
		sel.InsideChat = override.InsideChat
	}
	if override.QRCode != "" {
		sel.QRCode = override.QRCode
	}
	if override.QRCodeAttr != "" {
		sel.QRCodeAttr = override.QRCodeAttr
	}
	if override.SendButton != "" {
		sel.SendButton = override.SendButton
	}

	return sel, nil
}

// Timeouts bound every browser wait.
type Timeouts struct {
	// AuthProbe bounds the authenticated-or-QR race.
	AuthProbe time.Duration
	// QRWait is the soft wait for the QR element; expiry is logged, not fatal.
	QRWait time.Duration
	// Scan bounds the wait for the user to scan an issued QR code.
	Scan time.Duration
	// Load bounds navigation to a chat and the loading indicator clearing.
	Load time.Duration
	// SendButton bounds the wait for the send control.
	SendButton time.Duration
	// Cooldown is the minimum spacing between two sends on one page.
	Cooldown time.Duration
}

// ApplyDefaults applies default values to unset fields.
func (t *Timeouts) ApplyDefaults() {
	if t.AuthProbe == 0 {
		t.AuthProbe = 60 * time.Second
	}
	if t.QRWait == 0 {
		t.QRWait = 60 * time.Second
	}
	if t.Scan == 0 {
		t.Scan = 30 * time.Second
	}
	if t.Load == 0 {
		t.Load = 60 * time.Second
	}
	if t.SendButton == 0 {
		t.SendButton = 10 * time.Second
	}
	if t.Cooldown == 0 {
		t.Cooldown = 3 * time.Second
	}
}
