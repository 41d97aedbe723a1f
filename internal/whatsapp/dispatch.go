package whatsapp

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/wolfeidau/wadispatch/internal/browser"
	"github.com/wolfeidau/wadispatch/internal/models"
	"github.com/wolfeidau/wadispatch/internal/telemetry"
	"golang.org/x/time/rate"
)

var errNoPhone = errors.New("recipient has no phone number")

// Result is the outcome for one recipient.
type Result struct {
	Phone   string `json:"phone"`
	Message string `json:"message"`
	Error   string `json:"error,omitempty"`

	Err error `json:"-"`
}

// Report collects per-recipient outcomes of a dispatch batch.
type Report struct {
	Results []Result
	// Err is set when the batch stopped before visiting every recipient.
	Err error
}

// OK reports whether every recipient was visited. Individual failures do not
// make a batch fail.
func (r Report) OK() bool {
	return r.Err == nil
}

// Sent returns the number of recipients sent to successfully.
func (r Report) Sent() int {
	n := 0
	for _, res := range r.Results {
		if res.Err == nil {
			n++
		}
	}
	return n
}

// Failed returns the recipients whose send failed.
func (r Report) Failed() []Result {
	var out []Result
	for _, res := range r.Results {
		if res.Err != nil {
			out = append(out, res)
		}
	}
	return out
}

// Dispatcher sends messages through an authenticated page, one recipient at a time.
type Dispatcher struct {
	sel        Selectors
	timeouts   Timeouts
	composeURL string
}

// NewDispatcher creates a Dispatcher. An empty composeURL uses DefaultComposeURL.
func NewDispatcher(sel Selectors, timeouts Timeouts, composeURL string) *Dispatcher {
	timeouts.ApplyDefaults()
	if composeURL == "" {
		composeURL = DefaultComposeURL
	}
	return &Dispatcher{sel: sel, timeouts: timeouts, composeURL: composeURL}
}

// ComposeURL returns the URL that opens a chat with phone prefilled with text.
func (d *Dispatcher) ComposeURL(phone, text string) string {
	// encodeURIComponent style: spaces as %20, not +
	q := "phone=" + url.QueryEscape(phone) + "&text=" + strings.ReplaceAll(url.QueryEscape(text), "+", "%20")
	return d.composeURL + "?" + q
}

// Send delivers every batch in order, recipient by recipient, on page.
// A failing recipient is logged and recorded and the loop moves on.
// Only ctx ending stops the batch early.
func (d *Dispatcher) Send(ctx context.Context, page browser.Page, batches []models.Batch) Report {
	started := time.Now()
	metrics := telemetry.GetMetrics()

	// one send per cooldown, the first one immediately
	limiter := rate.NewLimiter(rate.Every(d.timeouts.Cooldown), 1)

	var report Report

	defer func() {
		metrics.DispatchDuration.Record(ctx, float64(time.Since(started).Milliseconds()))
	}()

	for _, batch := range batches {
		for _, recipient := range batch.Numbers {
			if err := limiter.Wait(ctx); err != nil {
				report.Err = fmt.Errorf("dispatch interrupted: %w", err)
				return report
			}

			text, err := d.sendTo(ctx, page, recipient, batch.Message)
			res := Result{Phone: recipient.Phone, Message: text, Err: err}
			if err != nil {
				res.Error = err.Error()
				metrics.MessagesFailedTotal.Add(ctx, 1)
				log.Error().Err(err).Str("phone", recipient.Phone).Msg("Failed to send message")
			} else {
				metrics.MessagesDispatchedTotal.Add(ctx, 1)
				log.Info().Str("phone", recipient.Phone).Msg("Message sent")
			}
			report.Results = append(report.Results, res)
		}
	}

	// let the last message leave before the caller closes the page
	if len(report.Results) > 0 {
		_ = limiter.Wait(ctx)
	}

	return report
}

func (d *Dispatcher) sendTo(ctx context.Context, page browser.Page, recipient models.Recipient, template string) (string, error) {
	text := template
	if recipient.IsContact() {
		text = RenderTemplate(template, recipient.Contact)
	}

	phone := strings.TrimSpace(recipient.Phone)
	if phone == "" {
		return text, errNoPhone
	}

	loadCtx, cancel := context.WithTimeout(ctx, d.timeouts.Load)
	defer cancel()

	if err := page.Navigate(loadCtx, d.ComposeURL(phone, text)); err != nil {
		return text, fmt.Errorf("failed to open chat: %w", err)
	}

	if err := page.WaitHidden(loadCtx, d.sel.Loading); err != nil {
		return text, fmt.Errorf("%w: chat did not finish loading: %v", ErrTimeout, err)
	}

	btnCtx, cancel := context.WithTimeout(ctx, d.timeouts.SendButton)
	defer cancel()

	if err := page.WaitVisible(btnCtx, d.sel.SendButton); err != nil {
		return text, fmt.Errorf("%w: send button not available: %v", ErrTimeout, err)
	}

	if err := page.PressEnter(ctx); err != nil {
		return text, fmt.Errorf("failed to press send: %w", err)
	}

	return text, nil
}
