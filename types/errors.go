package types

import (
	"errors"
	"fmt"
)

// ErrInsufficientData is returned when there are not enough stored slots to calculate a participation rate
var ErrInsufficientData = errors.New("insufficient data to calculate participation rate")

// DecodeError is returned for a malformed aggregation bitfield
type DecodeError struct {
	Input string
	Err   error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("error decoding bitfield %q: %v", e.Input, e.Err)
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

// FetchError is returned when a request to the explorer api failed.
// StatusCode is 0 if no response was received.
type FetchError struct {
	Endpoint   string
	StatusCode int
	Err        error
}

func (e *FetchError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("error fetching %v: status %d: %v", e.Endpoint, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("error fetching %v: %v", e.Endpoint, e.Err)
}

func (e *FetchError) Unwrap() error {
	return e.Err
}

// StorageError wraps errors of the slot store
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage error during %v: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error {
	return e.Err
}
