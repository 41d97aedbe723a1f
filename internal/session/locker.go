package session

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"time"
)

const (
	// LockFileName is created inside each profile directory by a process locker.
	LockFileName = ".wadispatch.lock"

	filePollInterval = 50 * time.Millisecond
)

// errLocked reports that another process holds the profile lock file.
var errLocked = errors.New("profile locked by another process")

// Locker serialises work per session. A browser profile may only be opened
// by one context at a time, so every flow that opens one holds the lock.
type Locker struct {
	locks sync.Map // session id -> chan struct{} (capacity 1)
	root  string   // when set, the lock also covers other processes
}

// NewLocker returns a Locker that serialises sessions within this process.
func NewLocker() *Locker {
	return &Locker{}
}

// NewProcessLocker returns a Locker that additionally holds an exclusive file
// lock inside the session's profile directory under root. A server with an
// embedded worker and a standalone worker sharing one session root then never
// drive the same profile at once.
func NewProcessLocker(root string) *Locker {
	return &Locker{root: root}
}

func (l *Locker) sem(id string) chan struct{} {
	ch, _ := l.locks.LoadOrStore(id, make(chan struct{}, 1))
	return ch.(chan struct{})
}

func (l *Locker) lockPath(id string) string {
	return filepath.Join(l.root, id, LockFileName)
}

// Lock waits until the session is free or ctx is done.
func (l *Locker) Lock(ctx context.Context, id string) (func(), error) {
	ch := l.sem(id)
	select {
	case ch <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	release := releaser(ch)

	if l.root == "" {
		return release, nil
	}

	ticker := time.NewTicker(filePollInterval)
	defer ticker.Stop()

	for {
		unlock, err := lockFile(l.lockPath(id))
		if err == nil {
			return chain(unlock, release), nil
		}
		if !errors.Is(err, errLocked) {
			release()
			return nil, err
		}

		select {
		case <-ticker.C:
		case <-ctx.Done():
			release()
			return nil, ctx.Err()
		}
	}
}

// TryLock acquires the session lock without blocking.
func (l *Locker) TryLock(id string) (func(), bool) {
	ch := l.sem(id)
	select {
	case ch <- struct{}{}:
	default:
		return nil, false
	}
	release := releaser(ch)

	if l.root == "" {
		return release, true
	}

	unlock, err := lockFile(l.lockPath(id))
	if err != nil {
		release()
		return nil, false
	}
	return chain(unlock, release), true
}

func releaser(ch chan struct{}) func() {
	var once sync.Once
	return func() {
		once.Do(func() { <-ch })
	}
}

// chain releases the file lock before the in-process semaphore.
func chain(unlock, release func()) func() {
	var once sync.Once
	return func() {
		once.Do(func() {
			unlock()
			release()
		})
	}
}
