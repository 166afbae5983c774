package envelope

import (
	"fmt"
	"regexp"
	"unicode/utf8"
)

// Wire size limits (in bytes)
const (
	MaxFrameSize = 1 * 1024 * 1024 // 1MB - maximum serialized frame size
)

// Event name limits
const (
	MaxEventNameLength = 256
)

// eventNamePattern matches dot-separated segments of alphanumerics,
// hyphens, and underscores ("blob.put", "rule.register").
var eventNamePattern = regexp.MustCompile(`^[a-zA-Z0-9_-]+(\.[a-zA-Z0-9_-]+)*$`)

// ValidateEventName rejects names the fabric cannot route: empty,
// oversized, non-UTF8, or outside the dotted-segment grammar.
func ValidateEventName(name string) error {
	if name == "" {
		return &ValidationError{Reason: "empty event name"}
	}
	if len(name) > MaxEventNameLength {
		return &ValidationError{Reason: fmt.Sprintf("event name exceeds %d bytes", MaxEventNameLength)}
	}
	if !utf8.ValidString(name) {
		return &ValidationError{Reason: "event name is not valid UTF-8"}
	}
	if !eventNamePattern.MatchString(name) {
		return &ValidationError{Reason: fmt.Sprintf("event name %q is not dotted segments", name)}
	}
	return nil
}

// CheckFrameSize bounds a serialized frame before it is parsed or sent.
func CheckFrameSize(data []byte) error {
	if len(data) > MaxFrameSize {
		return &ValidationError{Reason: fmt.Sprintf("frame of %d bytes exceeds %d", len(data), MaxFrameSize)}
	}
	return nil
}
