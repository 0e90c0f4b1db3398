// Package idgen mints short, URL-safe identifiers for runs and messages.
package idgen

import (
	"fmt"

	nanoid "github.com/matoous/go-nanoid/v2"
)

// Prefixes identify what an ID refers to when it shows up in logs or URLs.
const (
	RunPrefix     = "run-"
	MessagePrefix = "msg-"
)

// Alphabet defines the character set used for the random portion of the ID.
const Alphabet = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

// Length is the number of random characters generated (excluding the prefix).
const Length = 16

// RunID returns a new run identifier.
func RunID() (string, error) {
	return WithPrefix(RunPrefix)
}

// MessageID returns a new message identifier.
func MessageID() (string, error) {
	return WithPrefix(MessagePrefix)
}

// WithPrefix returns a new unique ID with the given prefix.
func WithPrefix(prefix string) (string, error) {
	id, err := nanoid.Generate(Alphabet, Length)
	if err != nil {
		return "", fmt.Errorf("idgen: %w", err)
	}
	return prefix + id, nil
}

// Nonce returns n random characters with no prefix.
func Nonce(n int) (string, error) {
	s, err := nanoid.Generate(Alphabet, n)
	if err != nil {
		return "", fmt.Errorf("idgen: %w", err)
	}
	return s, nil
}
