// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

// Package geoerr holds the error kinds shared by the location core.
// Components wrap these with fmt.Errorf("...: %w") so callers can classify
// failures with errors.Is.
package geoerr

import (
	"errors"
	"fmt"
)

var (
	// Device side. Delivered to consumers through onError, never returned
	// from a fix callback.
	ErrPermissionDenied    = errors.New("location permission denied")
	ErrPositionUnavailable = errors.New("position unavailable")
	ErrTimeout             = errors.New("position request timed out")

	// Write path.
	ErrCircuitOpen = errors.New("circuit open")
	ErrWriteFailed = errors.New("write failed")

	// Caller side.
	ErrNotAuthenticated     = errors.New("not authenticated")
	ErrConfigurationInvalid = errors.New("privacy configuration invalid")
)

// writeError keeps the backend cause reachable while still matching
// ErrWriteFailed.
type writeError struct {
	err error
}

func (e *writeError) Error() string {
	return fmt.Sprintf("%s: %v", ErrWriteFailed, e.err)
}

func (e *writeError) Unwrap() []error {
	return []error{ErrWriteFailed, e.err}
}

// WriteFailed marks err as a rejected write. A nil err stays nil.
func WriteFailed(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrWriteFailed) {
		return err
	}
	return &writeError{err: err}
}

// Kind returns a short, stable name for err's taxonomy entry, or "unknown".
func Kind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrPermissionDenied):
		return "permission_denied"
	case errors.Is(err, ErrPositionUnavailable):
		return "position_unavailable"
	case errors.Is(err, ErrTimeout):
		return "timeout"
	case errors.Is(err, ErrCircuitOpen):
		return "circuit_open"
	case errors.Is(err, ErrWriteFailed):
		return "write_failed"
	case errors.Is(err, ErrNotAuthenticated):
		return "not_authenticated"
	case errors.Is(err, ErrConfigurationInvalid):
		return "configuration_invalid"
	default:
		return "unknown"
	}
}

// IsDevice reports whether err originated from the positioning hardware.
func IsDevice(err error) bool {
	return errors.Is(err, ErrPermissionDenied) ||
		errors.Is(err, ErrPositionUnavailable) ||
		errors.Is(err, ErrTimeout)
}
