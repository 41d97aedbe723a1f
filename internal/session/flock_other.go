//go:build !unix

package session

// lockFile is a no-op where flock is unavailable; only in-process locking applies.
func lockFile(string) (func(), error) {
	return func() {}, nil
}
