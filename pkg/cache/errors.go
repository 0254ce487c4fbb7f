package cache

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// ErrorKind classifies a durable-backend failure for the manager's
// tier-selection logic.
type ErrorKind string

const (
	// KindUnreachable marks connectivity failures: refused connections,
	// DNS errors, closed clients.
	KindUnreachable ErrorKind = "unreachable"
	// KindTimeout marks operations that exceeded their deadline.
	KindTimeout ErrorKind = "timeout"
)

// BackendError is returned by adapters for infrastructure failures. The
// manager consumes it to drive tier demotion; it is never surfaced to the
// manager's callers.
type BackendError struct {
	Backend string
	Kind    ErrorKind
	Err     error
}

func (e *BackendError) Error() string {
	return fmt.Sprintf("%s backend %s: %v", e.Backend, e.Kind, e.Err)
}

func (e *BackendError) Unwrap() error {
	return e.Err
}

// classifyBackendErr wraps an adapter failure as a BackendError, marking
// deadline and network timeouts as KindTimeout and everything else as
// KindUnreachable.
func classifyBackendErr(label string, err error) error {
	if err == nil {
		return nil
	}
	kind := KindUnreachable
	var netErr net.Error
	switch {
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		kind = KindTimeout
	case errors.As(err, &netErr) && netErr.Timeout():
		kind = KindTimeout
	}
	return &BackendError{Backend: label, Kind: kind, Err: err}
}

// NotFoundError is returned by Manager.RequireEmbedding when no embedding
// exists for the user in any tier. It is the only user-facing error the
// cache produces.
type NotFoundError struct {
	UserKey string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("speaker embedding not found for user %q: enroll the user's voice before requesting personalized audio", e.UserKey)
}
