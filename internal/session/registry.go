package session

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
)

// Code lengths for the two creation flows.
const (
	ShortCodeLength = 6
	LongCodeLength  = 8
)

const alphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

// maxDraws bounds re-draws against persisted codes; exhausting it means the code space is saturated.
const maxDraws = 100

// ErrCodeSpaceExhausted is returned when no free code was found within maxDraws.
var ErrCodeSpaceExhausted = errors.New("no free session code found")

// CodeChecker reports whether a code is already persisted.
type CodeChecker interface {
	CodeExists(ctx context.Context, code string) (bool, error)
}

// Registry generates session codes that are not yet persisted.
type Registry struct {
	codes  CodeChecker
	random io.Reader
}

// NewRegistry creates a registry drawing from crypto/rand.
func NewRegistry(codes CodeChecker) *Registry {
	return &Registry{codes: codes, random: rand.Reader}
}

// Generate draws uppercase alphanumeric codes of the given length until one is not persisted.
// The result is only a candidate: the insert still relies on the unique constraint.
func (r *Registry) Generate(ctx context.Context, length int) (string, error) {
	if length <= 0 {
		return "", fmt.Errorf("invalid code length %d", length)
	}
	for i := 0; i < maxDraws; i++ {
		code, err := r.draw(length)
		if err != nil {
			return "", err
		}
		exists, err := r.codes.CodeExists(ctx, code)
		if err != nil {
			return "", fmt.Errorf("check code: %w", err)
		}
		if !exists {
			return code, nil
		}
	}
	return "", ErrCodeSpaceExhausted
}

// draw picks characters uniformly by rejecting bytes at or above the largest multiple of 36.
func (r *Registry) draw(length int) (string, error) {
	const limit = 256 - 256%len(alphabet)
	out := make([]byte, 0, length)
	buf := make([]byte, length*2)
	for len(out) < length {
		if _, err := io.ReadFull(r.random, buf); err != nil {
			return "", fmt.Errorf("read random: %w", err)
		}
		for _, b := range buf {
			if int(b) >= limit {
				continue
			}
			out = append(out, alphabet[int(b)%len(alphabet)])
			if len(out) == length {
				break
			}
		}
	}
	return string(out), nil
}
