// Package correlation carries a batch correlation id through a context so the
// storage layer can tag logs and spans with the batch that issued them.
package correlation

import (
	"context"
	"strings"

	"pkt.systems/asyncstore/internal/uuidv7"
)

// MaxIDLength bounds accepted correlation identifiers.
const MaxIDLength = 128

type contextKey struct{}

// Set returns a context carrying id. Invalid ids leave ctx unchanged.
func Set(ctx context.Context, id string) context.Context {
	normalized, ok := Normalize(id)
	if !ok {
		return ctx
	}
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithValue(ctx, contextKey{}, normalized)
}

// ID returns the correlation id on ctx, if any.
func ID(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	id, _ := ctx.Value(contextKey{}).(string)
	return id
}

// Has reports whether ctx carries a correlation id.
func Has(ctx context.Context) bool {
	return ID(ctx) != ""
}

// Normalize trims id and rejects empty, overlong or non-printable values.
func Normalize(id string) (string, bool) {
	id = strings.TrimSpace(id)
	if id == "" || len(id) > MaxIDLength {
		return "", false
	}
	for _, r := range id {
		if r < 0x20 || r > 0x7e {
			return "", false
		}
	}
	return id, true
}

// Generate returns a new time-ordered correlation id.
func Generate() string {
	return uuidv7.NewString()
}
