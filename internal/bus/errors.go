package bus

import (
	"errors"
	"fmt"
	"time"

	"github.com/contextmesh/crossbus/internal/locus"
)

// ErrDestroyed rejects every pending call when a bus is torn down.
var ErrDestroyed = errors.New("bus destroyed")

// TimeoutError rejects a call whose deadline elapsed with no reply, or
// for which no transport could reach a recipient at all.
type TimeoutError struct {
	Event   string
	Timeout time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("call %q timed out after %s", e.Event, e.Timeout)
}

// DeliveryError wraps a genuine transport I/O failure. "No recipient" is
// not a DeliveryError; it surfaces only when no transport delivered and
// at least one raised.
type DeliveryError struct {
	Transport locus.Kind
	Err       error
}

func (e *DeliveryError) Error() string {
	return fmt.Sprintf("delivery failed on %s transport: %v", e.Transport, e.Err)
}

func (e *DeliveryError) Unwrap() error { return e.Err }

// HandlerError records a handler that returned an error or panicked. It
// is logged and swallowed so sibling handlers still run; it never
// propagates past the dispatch loop.
type HandlerError struct {
	Event string
	Err   error
}

func (e *HandlerError) Error() string {
	return fmt.Sprintf("handler for %q failed: %v", e.Event, e.Err)
}

func (e *HandlerError) Unwrap() error { return e.Err }

// errNoAnswer settles a pending call when every transport reported "no
// reachable recipient". Internal only; callers see nil or TimeoutError.
var errNoAnswer = errors.New("no reachable recipient")
