package envelope

import "fmt"

// ValidationError rejects a payload the wire representation cannot carry:
// a function, a channel, or a cyclic structure that is not a detected
// blob or error.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("payload not representable: %s", e.Reason)
}

// RemoteError is an error value reconstructed from the wire. Only the
// message survives marshalling; the remote stack is lost.
type RemoteError struct {
	Message string
}

func (e *RemoteError) Error() string { return e.Message }
