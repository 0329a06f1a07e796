/*
 * Copyright 2025 CloudWeGo Authors
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

// Package errs defines the sentinel error kinds shared across the tracer's
// data-plane components. Producers never surface these past a boolean on
// the hot path (see ring, idxqueue); they exist for the controller-side
// APIs where callers can usefully branch on `errors.Is`.
package errs

import "errors"

// Kind classifies a sentinel error for metrics/logging purposes without
// requiring callers to string-match.
type Kind int

const (
	KindInvalidArgument Kind = iota
	KindState
	KindIoFailure
	KindTimeout
	KindResource
)

func (k Kind) String() string {
	switch k {
	case KindInvalidArgument:
		return "invalid_argument"
	case KindState:
		return "state"
	case KindIoFailure:
		return "io_failure"
	case KindTimeout:
		return "timeout"
	case KindResource:
		return "resource"
	default:
		return "unknown"
	}
}

var (
	// ErrInvalidArgument: null pointers, out-of-range slot indices, empty
	// session dir, bad CLI values.
	ErrInvalidArgument = errors.New("ada: invalid argument")
	// ErrWrongState: operation issued in a wrong phase (close-window
	// without mark, swap without mark-seen, request-shutdown after
	// complete).
	ErrWrongState = errors.New("ada: invalid state transition")
	// ErrIoFailure: fsync/write/mkdir failure. Recorded in counters and
	// last-error; callers should treat the operation as best-effort.
	ErrIoFailure = errors.New("ada: io failure")
	// ErrTimeout: startup deadline exceeded.
	ErrTimeout = errors.New("ada: timeout")
	// ErrResourceExhausted: registry full, pool exhausted.
	ErrResourceExhausted = errors.New("ada: resource exhausted")
)

// Wrap annotates err (normally one of the sentinels above) with context
// while remaining errors.Is-compatible with the sentinel.
func Wrap(sentinel error, context string) error {
	if sentinel == nil {
		return nil
	}
	return &wrapped{sentinel: sentinel, context: context}
}

type wrapped struct {
	sentinel error
	context  string
}

func (w *wrapped) Error() string { return w.context + ": " + w.sentinel.Error() }
func (w *wrapped) Unwrap() error { return w.sentinel }
