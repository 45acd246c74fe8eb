// Package domain defines the core entities, ports, and error taxonomy
// shared by every gateway component.
package domain

import "errors"

// Error taxonomy (sentinels). Components return errors wrapping one of
// these via fmt.Errorf("op=...: %w", err) so callers can distinguish
// transient from terminal conditions with errors.Is.
var (
	// ErrInvalidArgument is returned when a caller passed a null/missing/
	// out-of-range field that admits no default correction.
	ErrInvalidArgument = errors.New("invalid argument")
	// ErrCapacity is returned when max_concurrent is exhausted or the task
	// queue is full.
	ErrCapacity = errors.New("capacity exceeded")
	// ErrModelLoadFailed is returned when the engine refused to load the
	// requested model.
	ErrModelLoadFailed = errors.New("model load failed")
	// ErrUnrecoverable is returned when both the new and backup model
	// loads failed during a swap; the backend must be deinitialized.
	ErrUnrecoverable = errors.New("backend unrecoverable")
	// ErrEngine wraps a decode/tokenize/sample failure surfaced by the
	// inference engine.
	ErrEngine = errors.New("engine error")
	// ErrPromptTooLarge is returned when the tokenized prompt exceeds
	// context capacity even after a permitted context-shift.
	ErrPromptTooLarge = errors.New("prompt too large")
	// ErrContextFull is returned when the decode loop could not make
	// progress; any partial output is still returned to the caller.
	ErrContextFull = errors.New("context full")
	// ErrTimeout is returned when a per-task or per-request deadline
	// elapsed; any partial output is still returned to the caller.
	ErrTimeout = errors.New("timeout")
	// ErrNotFound is returned when no session matches the supplied
	// exec-ctx.
	ErrNotFound = errors.New("not found")
	// ErrBusy is returned when a model swap is in progress.
	ErrBusy = errors.New("busy")
	// ErrConfiguration is returned when a configuration document could
	// not be parsed; defaults remain in effect.
	ErrConfiguration = errors.New("configuration error")
)
