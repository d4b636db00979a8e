// Package kvstore provides the durable key/value byte stores the sync engine
// writes its state through to. Every backend offers last-write-wins per key
// and nothing more.
package kvstore

import (
	"errors"
	"strings"
)

var (
	ErrInvalidInput   = errors.New("invalid input")
	ErrNotImplemented = errors.New("not implemented")
	ErrClosed         = errors.New("store closed")
)

// Store is a get/set-by-key byte store.
type Store interface {
	// Get returns the value stored under key. ok is false when the key has
	// never been written.
	Get(key string) (value []byte, ok bool, err error)
	// Set replaces the value stored under key.
	Set(key string, value []byte) error
	Close() error
}

// ValidKey reports whether key is safe to use with every backend. Keys are
// limited to ASCII letters, digits, dot, dash and underscore so they can be
// used as file names as well as table keys.
func ValidKey(key string) bool {
	if key == "" || key == "." || key == ".." || strings.HasPrefix(key, ".") {
		return false
	}
	for _, r := range key {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		case r == '.', r == '-', r == '_':
		default:
			return false
		}
	}
	return true
}

func cloneBytes(in []byte) []byte {
	if in == nil {
		return nil
	}
	out := make([]byte, len(in))
	copy(out, in)
	return out
}
