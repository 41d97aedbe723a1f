package browser

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/fetch"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/chromedp"
	"github.com/chromedp/chromedp/kb"
	"github.com/rs/zerolog/log"
)

const (
	DefaultStartURL  = "https://web.whatsapp.com"
	DefaultUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/61.0.3163.100 Safari/537.36"
)

// ChromeConfig configures the chromedp driver.
type ChromeConfig struct {
	// ExecPath overrides the chrome binary. Empty uses chromedp discovery.
	ExecPath string
	Headless bool
	// UserAgent sent by every page.
	UserAgent string
	// StartURL is loaded when a page is opened.
	StartURL string
	// PageTimeout bounds launching the browser and loading StartURL.
	PageTimeout time.Duration
	// BlockedResources lists resource types (image, font, media, xhr, ...) that are failed
	// before they hit the network.
	BlockedResources []string
}

// ApplyDefaults applies default values to unset configuration fields.
func (c *ChromeConfig) ApplyDefaults() {
	if c.UserAgent == "" {
		c.UserAgent = DefaultUserAgent
	}
	if c.StartURL == "" {
		c.StartURL = DefaultStartURL
	}
	if c.PageTimeout == 0 {
		c.PageTimeout = 60 * time.Second
	}
	if c.BlockedResources == nil {
		c.BlockedResources = []string{"image", "font", "media", "xhr"}
	}
}

// ChromeDriver launches one chrome process per page using the session profile
// as the user data directory.
type ChromeDriver struct {
	cfg     ChromeConfig
	blocked map[network.ResourceType]bool
}

var _ Driver = (*ChromeDriver)(nil)

// NewChromeDriver creates a driver with the given configuration.
func NewChromeDriver(cfg ChromeConfig) *ChromeDriver {
	cfg.ApplyDefaults()

	blocked := make(map[network.ResourceType]bool, len(cfg.BlockedResources))
	for _, rt := range cfg.BlockedResources {
		blocked[resourceType(rt)] = true
	}

	return &ChromeDriver{cfg: cfg, blocked: blocked}
}

func (d *ChromeDriver) allocatorOptions(profilePath string) []chromedp.ExecAllocatorOption {
	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.UserDataDir(profilePath),
		chromedp.UserAgent(d.cfg.UserAgent),
		chromedp.Flag("headless", d.cfg.Headless),
		chromedp.NoSandbox,
		chromedp.DisableGPU,
		chromedp.Flag("disable-setuid-sandbox", true),
		chromedp.Flag("disable-dev-shm-usage", true),
		chromedp.Flag("disable-software-rasterizer", true),
		chromedp.Flag("no-zygote", true),
		chromedp.Flag("mute-audio", true),
		chromedp.Flag("disable-renderer-backgrounding", true),
		chromedp.Flag("disable-backgrounding-occluded-windows", true),
		chromedp.Flag("disable-background-timer-throttling", true),
		chromedp.Flag("disable-background-networking", true),
		chromedp.Flag("disable-extensions", true),
	)
	if d.cfg.ExecPath != "" {
		opts = append(opts, chromedp.ExecPath(d.cfg.ExecPath))
	}
	return opts
}

// Open launches chrome against profilePath and loads the start URL.
func (d *ChromeDriver) Open(ctx context.Context, profilePath string) (Page, error) {
	// The browser outlives the request that opened it, so it is rooted in a
	// background context and torn down by Close.
	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), d.allocatorOptions(profilePath)...)
	tabCtx, tabCancel := chromedp.NewContext(allocCtx)

	p := &chromePage{ctx: tabCtx, cancel: tabCancel, allocCancel: allocCancel}

	chromedp.ListenTarget(tabCtx, func(ev any) {
		switch ev := ev.(type) {
		case *fetch.EventRequestPaused:
			go d.handleRequest(tabCtx, ev)
		case *page.EventJavascriptDialogOpening:
			go func() {
				if err := chromedp.Run(tabCtx, page.HandleJavaScriptDialog(true)); err != nil {
					log.Debug().Err(err).Msg("Failed to accept dialog")
				}
			}()
		}
	})

	openCtx, cancel := context.WithTimeout(ctx, d.cfg.PageTimeout)
	defer cancel()

	if err := p.start(openCtx); err != nil {
		_ = p.Close()
		return nil, fmt.Errorf("failed to launch browser: %w", err)
	}

	err := p.run(openCtx,
		fetch.Enable(),
		chromedp.Navigate(d.cfg.StartURL),
	)
	if err != nil {
		_ = p.Close()
		return nil, fmt.Errorf("failed to open %s: %w", d.cfg.StartURL, err)
	}

	log.Debug().Str("profile", profilePath).Msg("Browser page opened")

	return p, nil
}

func (d *ChromeDriver) handleRequest(tabCtx context.Context, ev *fetch.EventRequestPaused) {
	c := chromedp.FromContext(tabCtx)
	if c == nil || c.Target == nil {
		return
	}
	ectx := cdp.WithExecutor(tabCtx, c.Target)

	var err error
	if d.blocked[ev.ResourceType] {
		err = fetch.FailRequest(ev.RequestID, network.ErrorReasonBlockedByClient).Do(ectx)
	} else {
		err = fetch.ContinueRequest(ev.RequestID).Do(ectx)
	}
	if err != nil {
		log.Debug().Err(err).Str("url", ev.Request.URL).Msg("Failed to resolve paused request")
	}
}

// chromedpRun is swapped in tests that have no chrome binary.
var chromedpRun = chromedp.Run

type chromePage struct {
	ctx         context.Context
	cancel      context.CancelFunc
	allocCancel context.CancelFunc

	closeOnce sync.Once
}

// start launches chrome and attaches the tab. chromedp ties the browser
// process and the tab to the context of the first Run, so it runs on the tab
// context itself; ctx only bounds the launch, and expiring it tears the tab
// down.
func (p *chromePage) start(ctx context.Context) error {
	stop := context.AfterFunc(ctx, p.cancel)
	err := chromedpRun(p.ctx)
	if !stop() {
		return fmt.Errorf("%w: %v", ctx.Err(), err)
	}
	return err
}

// run executes actions on the started tab, bounded by the caller's ctx as
// well as the tab lifetime.
func (p *chromePage) run(ctx context.Context, actions ...chromedp.Action) error {
	if p.ctx.Err() != nil {
		return ErrClosed
	}

	runCtx, cancel := context.WithCancel(p.ctx)
	defer cancel()

	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	err := chromedpRun(runCtx, actions...)
	if err != nil && ctx.Err() != nil {
		return fmt.Errorf("%w: %v", ctx.Err(), err)
	}
	return err
}

func (p *chromePage) Navigate(ctx context.Context, url string) error {
	return p.run(ctx, chromedp.Navigate(url))
}

func (p *chromePage) WaitVisible(ctx context.Context, selector string) error {
	return p.run(ctx, chromedp.WaitVisible(selector, chromedp.ByQuery))
}

func (p *chromePage) WaitHidden(ctx context.Context, selector string) error {
	expr := fmt.Sprintf(`(() => { const el = document.querySelector(%s); return !el || el.offsetParent === null; })()`, jsString(selector))
	var ok bool
	return p.run(ctx, chromedp.Poll(expr, &ok, chromedp.WithPollingInterval(250*time.Millisecond)))
}

func (p *chromePage) WaitFunction(ctx context.Context, expression string) error {
	var ok bool
	return p.run(ctx, chromedp.Poll("!!("+expression+")", &ok, chromedp.WithPollingInterval(250*time.Millisecond)))
}

func (p *chromePage) Attribute(ctx context.Context, selector, name string) (string, error) {
	expr := fmt.Sprintf(`(() => { const el = document.querySelector(%s); return el ? (el.getAttribute(%s) || "") : ""; })()`,
		jsString(selector), jsString(name))

	var value string
	if err := p.run(ctx, chromedp.Evaluate(expr, &value)); err != nil {
		return "", err
	}
	return value, nil
}

func (p *chromePage) PressEnter(ctx context.Context) error {
	return p.run(ctx, chromedp.KeyEvent(kb.Enter))
}

// Close shuts the browser down. It is safe to call more than once.
func (p *chromePage) Close() error {
	var err error
	p.closeOnce.Do(func() {
		err = chromedp.Cancel(p.ctx)
		p.cancel()
		p.allocCancel()
	})
	return err
}

func jsString(s string) string {
	b, _ := json.Marshal(s)
	return string(b)
}

func resourceType(s string) network.ResourceType {
	switch strings.ToLower(s) {
	case "xhr":
		return network.ResourceTypeXHR
	case "eventsource":
		return network.ResourceTypeEventSource
	case "websocket":
		return network.ResourceTypeWebSocket
	case "texttrack":
		return network.ResourceTypeTextTrack
	case "csp_violation_report", "cspviolationreport":
		return network.ResourceTypeCSPViolationReport
	default:
		// Image, Font, Media, Stylesheet, Script, Document, ...
		s = strings.ToLower(s)
		if s == "" {
			return ""
		}
		return network.ResourceType(strings.ToUpper(s[:1]) + s[1:])
	}
}
