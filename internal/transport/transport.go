// Package transport carries bytes to and from the two instruments: USB bulk
// endpoints for the line camera (subpackage usb) and a serial line for the
// focus stage. It guarantees exact framing: a write either moves every byte or
// fails, and a read either returns exactly the requested count or an explicit
// error.
package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"
)

var (
	// ErrDeviceNotFound is returned when enumeration or open finds no device.
	ErrDeviceNotFound = errors.New("device not found")
	// ErrTimeout is returned when a bounded read or write expires.
	ErrTimeout = errors.New("transport timeout")
	// ErrIO wraps any other failure of the underlying endpoint.
	ErrIO = errors.New("transport i/o failure")
	// ErrShortRead is matched by ShortReadError.
	ErrShortRead = errors.New("short read")
)

// ShortReadError reports a read that completed with fewer (or more) bytes than
// the caller framed for.
type ShortReadError struct {
	Want int
	Got  int
}

func (e *ShortReadError) Error() string {
	return fmt.Sprintf("short read: want %d bytes, got %d", e.Want, e.Got)
}

// Is lets errors.Is(err, ErrShortRead) match.
func (e *ShortReadError) Is(target error) bool { return target == ErrShortRead }

// Duplex is one logical channel to a device. Bulk devices expose one Duplex per
// endpoint pair; Write may be unsupported on read-only endpoints.
type Duplex interface {
	// Write transmits p in full or returns an error.
	Write(ctx context.Context, p []byte) error
	// ReadExact performs one read of n bytes. Any other count is a
	// *ShortReadError; the partial bytes are returned alongside it.
	ReadExact(ctx context.Context, n int) ([]byte, error)
}

// WithTimeout derives a context bounded by d. A zero d leaves ctx unbounded.
func WithTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}

// WriteAll writes p to w, converting a short write into ErrIO.
func WriteAll(w io.Writer, p []byte) error {
	n, err := w.Write(p)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrIO, err)
	}
	if n != len(p) {
		return fmt.Errorf("%w: wrote %d of %d bytes", ErrIO, n, len(p))
	}
	return nil
}

// Classify maps a context error onto the transport taxonomy, leaving other
// errors wrapped as ErrIO.
func Classify(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%s: %w", op, ErrTimeout)
	}
	if errors.Is(err, ErrTimeout) || errors.Is(err, ErrIO) || errors.Is(err, ErrDeviceNotFound) {
		return fmt.Errorf("%s: %w", op, err)
	}
	return fmt.Errorf("%s: %w: %v", op, ErrIO, err)
}
