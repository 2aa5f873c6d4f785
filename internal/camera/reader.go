package camera

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gonum.org/v1/gonum/stat"

	"github.com/banshee-data/autofocus/internal/monitoring"
	"github.com/banshee-data/autofocus/internal/transport"
)

// DefaultAttempts is the acquisition retry bound.
const DefaultAttempts = 5

// ErrAcquisitionExhausted is returned when every attempt to read a frame failed.
var ErrAcquisitionExhausted = errors.New("failed to acquire frame")

// errNoFrame marks an attempt that found nothing buffered.
var errNoFrame = errors.New("no frame buffered")

// FrameSource is the raw single-frame acquisition the Reader retries.
type FrameSource interface {
	Frame(ctx context.Context) (*Frame, error)
}

// Reader acquires frames reliably: it retries transient failures a bounded
// number of times and propagates everything else at once.
type Reader struct {
	src      FrameSource
	attempts int
	delay    time.Duration
	logf     func(string, ...interface{})
}

// NewReader wraps src with the default retry bound and a short pause between
// attempts so the sensor can finish an integration.
func NewReader(src FrameSource, attempts int, delay time.Duration) *Reader {
	if attempts < 1 {
		attempts = DefaultAttempts
	}
	return &Reader{src: src, attempts: attempts, delay: delay, logf: monitoring.Prefixed("camera")}
}

// retryable reports whether err is worth another attempt. Argument errors and
// device faults are not.
func retryable(err error) bool {
	return errors.Is(err, errNoFrame) ||
		errors.Is(err, transport.ErrTimeout) ||
		errors.Is(err, ErrFrameSize)
}

// ReadFrame returns one frame or ErrAcquisitionExhausted.
func (r *Reader) ReadFrame(ctx context.Context) (*Frame, error) {
	var last error
	for i := 0; i < r.attempts; i++ {
		if i > 0 && r.delay > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(r.delay):
			}
		}
		f, err := r.src.Frame(ctx)
		if err == nil && f == nil {
			err = errNoFrame
		}
		if err == nil {
			return f, nil
		}
		if !retryable(err) {
			return nil, err
		}
		last = err
		r.logf("frame attempt %d/%d failed: %v", i+1, r.attempts, err)
	}
	return nil, fmt.Errorf("%w after %d attempts: %w", ErrAcquisitionExhausted, r.attempts, last)
}

// ReadProfile acquires a frame and returns its image region with the dark
// reference level removed.
func (r *Reader) ReadProfile(ctx context.Context) ([]float64, error) {
	f, err := r.ReadFrame(ctx)
	if err != nil {
		return nil, err
	}
	return f.Profile(), nil
}

// Profile converts the image region to floats and subtracts the mean of the
// dark-reference region.
func (f *Frame) Profile() []float64 {
	dark := make([]float64, len(f.Dark))
	for i, v := range f.Dark {
		dark[i] = float64(v)
	}
	offset := 0.0
	if len(dark) > 0 {
		offset = stat.Mean(dark, nil)
	}
	out := make([]float64, len(f.Image))
	for i, v := range f.Image {
		out[i] = float64(v) - offset
	}
	return out
}
