// Package browsertest provides a scriptable in-memory browser for tests.
//
// A Page keeps a set of "present" selectors and expressions. Waits return as
// soon as their target is present (or hidden for WaitHidden) and otherwise
// block until the page changes or ctx is done. Hold pins a target so waits on
// it block even when present, which lets tests choose which of two racing
// waits settles first.
package browsertest

import (
	"context"
	"fmt"
	"sync"

	"github.com/wolfeidau/wadispatch/internal/browser"
)

// Driver hands out Pages keyed by profile path.
type Driver struct {
	mu sync.Mutex

	// OpenErr, when set, is returned by every Open call.
	OpenErr error
	// Setup is called on each newly created page.
	Setup func(profilePath string, p *Page)

	pages map[string][]*Page
}

var _ browser.Driver = (*Driver)(nil)

// NewDriver returns an empty fake driver.
func NewDriver() *Driver {
	return &Driver{pages: make(map[string][]*Page)}
}

func (d *Driver) Open(ctx context.Context, profilePath string) (browser.Page, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.OpenErr != nil {
		return nil, d.OpenErr
	}

	p := NewPage()
	if d.Setup != nil {
		d.Setup(profilePath, p)
	}
	d.pages[profilePath] = append(d.pages[profilePath], p)
	return p, nil
}

// Pages returns every page opened for the profile, oldest first.
func (d *Driver) Pages(profilePath string) []*Page {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]*Page(nil), d.pages[profilePath]...)
}

// Opens returns the number of pages opened across all profiles.
func (d *Driver) Opens() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := 0
	for _, ps := range d.pages {
		n += len(ps)
	}
	return n
}

// Page is a fake browser tab.
type Page struct {
	mu      sync.Mutex
	changed chan struct{}

	present map[string]bool
	held    map[string]bool
	failing map[string]error
	attrs   map[string]string

	// NavigateHook runs on every navigation; a non-nil error fails it.
	NavigateHook func(url string) error

	navigations []string
	enters      int
	closed      bool
}

var _ browser.Page = (*Page)(nil)

// NewPage returns an empty page.
func NewPage() *Page {
	return &Page{
		changed: make(chan struct{}),
		present: make(map[string]bool),
		held:    make(map[string]bool),
		failing: make(map[string]error),
		attrs:   make(map[string]string),
	}
}

// notify wakes all waiters; callers hold mu.
func (p *Page) notify() {
	close(p.changed)
	p.changed = make(chan struct{})
}

// Show marks a selector or expression as present.
func (p *Page) Show(target string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.present[target] = true
	p.notify()
}

// Hide marks a selector or expression as absent.
func (p *Page) Hide(target string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.present, target)
	p.notify()
}

// Hold makes waits on target block until the returned release func is called.
func (p *Page) Hold(target string) (release func()) {
	p.mu.Lock()
	p.held[target] = true
	p.mu.Unlock()

	return func() {
		p.mu.Lock()
		defer p.mu.Unlock()
		delete(p.held, target)
		p.notify()
	}
}

// Fail makes waits on target return err immediately.
func (p *Page) Fail(target string, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.failing[target] = err
	p.notify()
}

// SetAttribute sets the attribute value returned for selector.
func (p *Page) SetAttribute(selector, name, value string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.attrs[selector+"@"+name] = value
}

// Navigations returns the URLs navigated to, in order.
func (p *Page) Navigations() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.navigations...)
}

// Enters returns how many times Enter was pressed.
func (p *Page) Enters() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.enters
}

// Closed reports whether Close was called.
func (p *Page) Closed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

func (p *Page) wait(ctx context.Context, target string, wantPresent bool) error {
	for {
		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			return browser.ErrClosed
		}
		if err, ok := p.failing[target]; ok {
			p.mu.Unlock()
			return err
		}
		if !p.held[target] && p.present[target] == wantPresent {
			p.mu.Unlock()
			return nil
		}
		changed := p.changed
		p.mu.Unlock()

		select {
		case <-changed:
		case <-ctx.Done():
			return fmt.Errorf("waiting for %q: %w", target, ctx.Err())
		}
	}
}

func (p *Page) Navigate(ctx context.Context, url string) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return browser.ErrClosed
	}
	p.navigations = append(p.navigations, url)
	hook := p.NavigateHook
	p.mu.Unlock()

	if hook != nil {
		return hook(url)
	}
	return nil
}

func (p *Page) WaitVisible(ctx context.Context, selector string) error {
	return p.wait(ctx, selector, true)
}

func (p *Page) WaitHidden(ctx context.Context, selector string) error {
	return p.wait(ctx, selector, false)
}

func (p *Page) WaitFunction(ctx context.Context, expression string) error {
	return p.wait(ctx, expression, true)
}

func (p *Page) Attribute(ctx context.Context, selector, name string) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return "", browser.ErrClosed
	}
	if !p.present[selector] {
		return "", nil
	}
	return p.attrs[selector+"@"+name], nil
}

func (p *Page) PressEnter(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return browser.ErrClosed
	}
	p.enters++
	return nil
}

func (p *Page) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	p.notify()
	return nil
}
