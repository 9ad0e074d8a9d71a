// Package execid tags a context with a process-unique id. Workers tag each
// dispatch and the admin server tags each request, so event subscribers can
// pair Start and Finish events.
package execid

import (
	"context"
	"strconv"
	"sync/atomic"
)

// ID identifies one dispatch or request.
type ID uint64

func (id ID) String() string { return strconv.FormatUint(uint64(id), 10) }

type key struct{}

var seq atomic.Uint64

// Next returns a fresh id without touching a context.
func Next() ID { return ID(seq.Add(1)) }

// NewContext returns a copy of parent carrying a fresh id, and the id.
func NewContext(parent context.Context) (context.Context, ID) {
	id := Next()
	return context.WithValue(parent, key{}, id), id
}

// FromContext extracts the id from ctx.
func FromContext(ctx context.Context) (ID, bool) {
	id, ok := ctx.Value(key{}).(ID)
	return id, ok
}
