package session

import (
	"crypto/rand"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/mr-tron/base58"
)

const (
	idPrefix     = "session_"
	suffixLength = 9
)

// ErrInvalidID is returned for identifiers that would escape the session root.
var ErrInvalidID = errors.New("invalid session id")

// Config holds the process-wide settings for the registry.
type Config struct {
	// Root is the directory holding one browser profile directory per session.
	Root string
}

// Validate checks that the configuration is usable.
func (c *Config) Validate() error {
	if c.Root == "" {
		return errors.New("session root is required")
	}
	return nil
}

// Registry maps session identifiers to browser profile directories on disk.
type Registry struct {
	root string
	now  func() time.Time
}

// NewRegistry creates the session root if needed and returns a registry over it.
func NewRegistry(cfg Config) (*Registry, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	root, err := filepath.Abs(cfg.Root)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve session root: %w", err)
	}

	if err := os.MkdirAll(root, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create session root: %w", err)
	}

	return &Registry{root: root, now: time.Now}, nil
}

// Root returns the absolute session root.
func (r *Registry) Root() string {
	return r.root
}

// NewID generates a fresh identifier from the current time and a random suffix.
// It is unique in practice but is not a security token.
func (r *Registry) NewID() string {
	return fmt.Sprintf("%s%d_%s", idPrefix, r.now().UnixMilli(), randomSuffix(suffixLength))
}

// Validate rejects identifiers that are empty or contain path elements.
func (r *Registry) Validate(id string) error {
	if id == "" || id == "." || id == ".." {
		return fmt.Errorf("%w: %q", ErrInvalidID, id)
	}
	if strings.ContainsAny(id, `/\`) || strings.Contains(id, "..") {
		return fmt.Errorf("%w: %q", ErrInvalidID, id)
	}
	return nil
}

// ProfilePath returns the profile directory for id.
func (r *Registry) ProfilePath(id string) string {
	return filepath.Join(r.root, id)
}

// Exists reports whether the profile directory for id is present.
func (r *Registry) Exists(id string) bool {
	if r.Validate(id) != nil {
		return false
	}
	info, err := os.Stat(r.ProfilePath(id))
	return err == nil && info.IsDir()
}

// Ensure creates the profile directory for id if it does not exist yet.
// Concurrent calls for the same id are safe.
func (r *Registry) Ensure(id string) (string, error) {
	if err := r.Validate(id); err != nil {
		return "", err
	}

	path := r.ProfilePath(id)
	if err := os.MkdirAll(path, 0o700); err != nil {
		return "", fmt.Errorf("failed to create profile directory for %s: %w", id, err)
	}
	return path, nil
}

func randomSuffix(n int) string {
	var s string
	for len(s) < n {
		b := make([]byte, n)
		_, _ = rand.Read(b) // crypto/rand never fails on supported platforms
		s += base58.Encode(b)
	}
	return s[:n]
}
