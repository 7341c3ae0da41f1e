// Package transport provides the sinks that carry command frames to the
// actuator controller.
//
// A Sink receives strictly sequential writes from a single caller. Send blocks
// until the frame has been handed to the link (bounded by the link's native
// timeout) and Close releases the underlying handle. Close is idempotent.
//
// Errors:
//   - WriteError: one frame could not be written; the link may still be usable.
//   - ErrUnavailable: the link is gone (closed handle, device unplugged); every
//     later Send will fail the same way.
package transport

import (
	"context"
	"errors"
	"fmt"
)

//go:generate mockgen -destination=mocks/mock_sink.go -package=mocks github.com/mattjoyce/jogd/internal/transport Sink

// Sink is the sequential byte link to the controller.
type Sink interface {
	Send(ctx context.Context, frame []byte) error
	Close() error
}

// ErrUnavailable reports that the link is permanently gone.
var ErrUnavailable = errors.New("transport unavailable")

// WriteError reports a failed write of a single frame.
type WriteError struct {
	Frame []byte
	Err   error
}

func (e *WriteError) Error() string {
	return fmt.Sprintf("write %q: %v", e.Frame, e.Err)
}

func (e *WriteError) Unwrap() error { return e.Err }

// IsFatal reports whether err means the link can no longer be used.
func IsFatal(err error) bool {
	return errors.Is(err, ErrUnavailable)
}
