// Package yield provides a cooperative "please stop soon" signal for
// long-running tasks.
//
// A Source owns the flag; a Token is a cheap value handle that reads through to
// its Source. Tasks poll Token.IsYieldRequested during long batches and return
// early so that pause and dispose can settle.
package yield

import "sync/atomic"

// Source owns a yield-requested flag. The zero value is ready to use.
type Source struct {
	requested atomic.Bool
}

// NewSource returns a Source with no yield requested.
func NewSource() *Source { return &Source{} }

// Token returns a token bound to s.
func (s *Source) Token() Token { return Token{src: s} }

// RequestYield sets the flag.
func (s *Source) RequestYield() { s.requested.Store(true) }

// Reset clears the flag.
func (s *Source) Reset() { s.requested.Store(false) }

// IsYieldRequested reports the current flag value.
func (s *Source) IsYieldRequested() bool { return s.requested.Load() }

// Token is a read-only view of a Source. Tokens are comparable: two tokens are
// equal exactly when they refer to the same Source.
type Token struct {
	src *Source
}

// None is the token without a source. It never requests a yield and is not
// equal to any token obtained from a Source.
var None = Token{}

// IsYieldRequested reports whether the token's source requested a yield.
func (t Token) IsYieldRequested() bool {
	return t.src != nil && t.src.IsYieldRequested()
}
