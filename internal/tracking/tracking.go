// Package tracking carries correlation and transaction identifiers through
// command processing so that every log line, domain event, and error can be
// traced back to the request that caused it.
package tracking

import (
	"context"

	"github.com/google/uuid"
)

// IDs pairs the caller-supplied correlation ID with the per-command
// transaction ID.
type IDs struct {
	CorrelationID string `json:"correlation_id"`
	TransactionID string `json:"transaction_id"`
}

// New returns IDs with freshly generated UUIDs for both components.
func New() IDs {
	return IDs{
		CorrelationID: uuid.NewString(),
		TransactionID: uuid.NewString(),
	}
}

// Ensure fills any missing component with a generated UUID, leaving supplied
// values intact.
func (ids IDs) Ensure() IDs {
	if ids.CorrelationID == "" {
		ids.CorrelationID = uuid.NewString()
	}
	if ids.TransactionID == "" {
		ids.TransactionID = uuid.NewString()
	}
	return ids
}

type contextKey struct{}

// WithContext stores ids on the context.
func WithContext(ctx context.Context, ids IDs) context.Context {
	return context.WithValue(ctx, contextKey{}, ids)
}

// FromContext retrieves the IDs stored on the context, generating fresh ones
// if the context carries none.
func FromContext(ctx context.Context) IDs {
	if ids, ok := ctx.Value(contextKey{}).(IDs); ok {
		return ids.Ensure()
	}
	return New()
}
