// Package correlation tags inbound HTTP requests with a request ID so that
// webhook, API and media-stream log lines can be tied back to one request.
package correlation

import (
	"context"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

const (
	// Header carries the correlation ID on requests and responses
	Header = "X-Correlation-ID"

	// RequestIDHeader is accepted as an alternative inbound header
	RequestIDHeader = "X-Request-ID"

	// maxInboundLength bounds caller supplied IDs before they reach the logs
	maxInboundLength = 128
)

type contextKey struct{}

// ID is a request correlation ID
type ID string

func (id ID) String() string { return string(id) }

// IsEmpty reports whether no ID is set
func (id ID) IsEmpty() bool { return id == "" }

// New returns a fresh random ID
func New() ID {
	return ID(uuid.NewString())
}

// FromString keeps a caller supplied ID when it is usable, otherwise a new one is generated
func FromString(s string) ID {
	if s == "" || len(s) > maxInboundLength {
		return New()
	}
	for _, c := range s {
		if c < 0x21 || c > 0x7e {
			return New()
		}
	}
	return ID(s)
}

// WithID attaches id to ctx
func WithID(ctx context.Context, id ID) context.Context {
	return context.WithValue(ctx, contextKey{}, id)
}

// FromContext returns the ID attached to ctx, or an empty ID
func FromContext(ctx context.Context) ID {
	if ctx == nil {
		return ""
	}
	id, _ := ctx.Value(contextKey{}).(ID)
	return id
}

// Entry returns a log entry carrying the correlation ID from ctx, if any
func Entry(ctx context.Context, logger *logrus.Logger) *logrus.Entry {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	if id := FromContext(ctx); !id.IsEmpty() {
		return logger.WithField("correlation_id", id.String())
	}
	return logrus.NewEntry(logger)
}
