package ble

import "errors"

var (
	// ErrAdapterUnavailable means no local adapter is present or it could not be enabled.
	ErrAdapterUnavailable = errors.New("bluetooth adapter unavailable")
	ErrConnectionFailed   = errors.New("connection failed")
	ErrTimeout            = errors.New("operation timed out")
	ErrNotConnected       = errors.New("not connected")
	ErrAlreadyConnected   = errors.New("already connected")

	ErrCharacteristicNotFound = errors.New("characteristic not found")
	ErrNotWritable            = errors.New("characteristic is not writable")
	ErrNotReadable            = errors.New("characteristic is not readable")
	ErrNotNotifiable          = errors.New("characteristic does not support notifications")
	// ErrWriteRejected wraps a write the peer refused.
	ErrWriteRejected = errors.New("write rejected by device")
)

// IsLinkError reports whether err ends the usefulness of the current link.
func IsLinkError(err error) bool {
	return errors.Is(err, ErrConnectionFailed) ||
		errors.Is(err, ErrTimeout) ||
		errors.Is(err, ErrWriteRejected) ||
		errors.Is(err, ErrNotConnected)
}
