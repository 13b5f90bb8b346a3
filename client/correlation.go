package client

import (
	"context"
	"net/http"

	"pkt.systems/rcswitch/internal/correlation"
)

// MaxCorrelationIDLength bounds the length of client-supplied correlation identifiers.
const MaxCorrelationIDLength = correlation.MaxIDLength

// NormalizeCorrelationID trims and validates an identifier.
func NormalizeCorrelationID(id string) (string, bool) {
	return correlation.Normalize(id)
}

// WithCorrelationID annotates ctx with a correlation identifier to be sent with subsequent requests.
func WithCorrelationID(ctx context.Context, id string) context.Context {
	return correlation.With(ctx, id)
}

// CorrelationIDFromContext extracts the correlation identifier carried by ctx, if present.
func CorrelationIDFromContext(ctx context.Context) string {
	return correlation.ID(ctx)
}

// GenerateCorrelationID creates a new random correlation identifier.
func GenerateCorrelationID() string {
	return correlation.Generate()
}

// CorrelationIDFromResponse reads the X-Correlation-Id header from resp.
func CorrelationIDFromResponse(resp *http.Response) string {
	if resp == nil {
		return ""
	}
	return resp.Header.Get(headerCorrelationID)
}
