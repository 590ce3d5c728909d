// Package urerr defines the error taxonomy shared by all robot-facing
// components. Each category is a sentinel error; callers classify failures
// with errors.Is and attach context by wrapping:
//
//	return urerr.Wrap(urerr.ErrTimeout, "interpreter reply after %s", elapsed)
//	...
//	if errors.Is(err, urerr.ErrAborted) { ... }
package urerr

import (
	"errors"
	"fmt"
)

// Sentinel errors for each failure category. Callers should use errors.Is
// for comparison rather than string matching.
var (
	// ErrConnection covers dial failures, broken sockets, and writes or
	// reads against a connection that is not established.
	ErrConnection = errors.New("connection error")

	// ErrConfig is returned for invalid or missing configuration values.
	ErrConfig = errors.New("configuration error")

	// ErrProtocol is returned when a peer reply cannot be parsed or
	// violates the expected wire format (interpreter reply grammar, RTDE
	// framing, unsupported RTDE variable types).
	ErrProtocol = errors.New("protocol error")

	// ErrRobotState is the category for a robot state that forbids the
	// requested operation. No package in this module returns it; commands
	// after an emergency halt fail with ErrAborted.
	ErrRobotState = errors.New("robot state error")

	// ErrTimeout is returned when a socket read deadline or a bounded wait
	// expires before the robot answers.
	ErrTimeout = errors.New("timeout")

	// ErrAborted is returned when the emergency-abort flag interrupts an
	// in-flight interpreter read. The executor's cursor waits report the
	// same interruption as a failed result instead.
	ErrAborted = errors.New("aborted")

	// ErrRejected is returned when a submission contains nothing executable
	// or a verb lacks its @ prefix. A statement the interpreter discards is
	// reported as a failed result, not as this error.
	ErrRejected = errors.New("rejected")

	// ErrService is the category for failures internal to the daemon
	// itself. No package in this module returns it.
	ErrService = errors.New("service error")
)

// Wrap attaches formatted context to a sentinel so the category survives
// errors.Is while the message carries the detail.
func Wrap(kind error, format string, args ...any) error {
	return fmt.Errorf("%w: %s", kind, fmt.Sprintf(format, args...))
}
