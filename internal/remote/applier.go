// Package remote abstracts the "apply this operation to the remote store"
// side of the mutation queue. The hosted document database sits behind a
// single Applier; the queue never sees a transport.
package remote

import (
	"context"
	"errors"
	"fmt"

	"github.com/sitewise/sitesync/internal/models"
)

//go:generate moq -out applier_mock.go . Applier

// Applier submits one queued operation to the remote store.
type Applier interface {
	// Apply performs the remote write for op. A returned *Error carries
	// the retryable/terminal classification; any other error is treated
	// as a transport failure and retried.
	Apply(ctx context.Context, op *models.QueuedOperation) error
}

// Error is a classified remote failure.
type Error struct {
	Message    string
	StatusCode int
	// Retryable is true for transient failures (network, 5xx) and false
	// for terminal rejections (authorization, validation, not-found).
	Retryable bool
}

func (e *Error) Error() string {
	return fmt.Sprintf("remote write failed (%d): %s", e.StatusCode, e.Message)
}

// IsRetryable reports whether the queue should retry after err.
// Unclassified errors (timeouts, connection resets) count as retryable.
func IsRetryable(err error) bool {
	var re *Error
	if errors.As(err, &re) {
		return re.Retryable
	}
	return true
}
