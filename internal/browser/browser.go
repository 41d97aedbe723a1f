// Package browser defines the browser automation surface the rest of the
// service consumes, and a chromedp implementation of it.
package browser

import (
	"context"
	"errors"
)

// ErrClosed is returned for operations on a closed page.
var ErrClosed = errors.New("page is closed")

// Driver launches browser contexts bound to a profile directory.
type Driver interface {
	// Open starts a browser for the profile and loads the start page.
	Open(ctx context.Context, profilePath string) (Page, error)
}

// Page is a single live tab. Operations on one page must not run concurrently.
// Every blocking operation is bounded by ctx.
type Page interface {
	Navigate(ctx context.Context, url string) error
	// WaitVisible blocks until an element matching selector is visible.
	WaitVisible(ctx context.Context, selector string) error
	// WaitHidden blocks until no visible element matches selector.
	WaitHidden(ctx context.Context, selector string) error
	// WaitFunction blocks until expression evaluates truthy.
	WaitFunction(ctx context.Context, expression string) error
	// Attribute returns the attribute of the first element matching selector,
	// or "" when there is no such element or attribute.
	Attribute(ctx context.Context, selector, name string) (string, error)
	PressEnter(ctx context.Context) error
	Close() error
}
