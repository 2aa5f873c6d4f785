// Package profile turns raw line-sensor profiles into a tracked focus peak.
//
// Each update subtracts the background reference, optionally smooths with a
// Gaussian kernel, and averages the result with the previous oversampled
// profiles. The index of the averaged profile's maximum is the peak position.
package profile

import (
	"errors"
	"fmt"

	"gonum.org/v1/gonum/floats"
)

const (
	DefaultOversamples = 10
	DefaultHistoryCap  = 1000
)

var (
	ErrLength       = errors.New("profile length mismatch")
	ErrInvalidSigma = errors.New("invalid smoothing sigma")
)

// Processor holds the background reference, the oversample ring and the peak
// history. It is not safe for concurrent use; the autofocus loop serialises
// access and publishes Snapshots to readers.
type Processor struct {
	length      int
	background  []float64
	sigma       float64
	kernel      []float64
	oversamples int
	ring        [][]float64
	next        int
	current     []float64
	historyCap  int
	history     []int
}

type Option func(*Processor)

// WithOversamples sets how many processed profiles are averaged.
func WithOversamples(n int) Option {
	return func(p *Processor) { p.oversamples = n }
}

// WithHistoryCap bounds the peak history; older peaks are evicted.
func WithHistoryCap(n int) Option {
	return func(p *Processor) { p.historyCap = n }
}

// NewProcessor creates a processor for raw profiles of the given length with
// smoothing disabled and an all-zero background.
func NewProcessor(length int, opts ...Option) (*Processor, error) {
	p := &Processor{
		length:      length,
		oversamples: DefaultOversamples,
		historyCap:  DefaultHistoryCap,
	}
	for _, o := range opts {
		o(p)
	}
	if length <= 0 || p.oversamples <= 0 || p.historyCap <= 0 {
		return nil, fmt.Errorf("profile processor: length %d, oversamples %d and history cap %d must be positive",
			length, p.oversamples, p.historyCap)
	}
	p.background = make([]float64, length)
	p.resetRing()
	return p, nil
}

func (p *Processor) resetRing() {
	n := p.OutputLength()
	p.ring = make([][]float64, p.oversamples)
	for i := range p.ring {
		p.ring[i] = make([]float64, n)
	}
	p.next = 0
	p.current = make([]float64, n)
}

// Length is the raw profile length the processor accepts.
func (p *Processor) Length() int { return p.length }

// OutputLength is the length of processed profiles: the raw length reduced by
// len(kernel)-1 when smoothing is enabled.
func (p *Processor) OutputLength() int {
	if len(p.kernel) == 0 {
		return p.length
	}
	return p.length - len(p.kernel) + 1
}

func (p *Processor) Sigma() float64 { return p.sigma }

// SetSmoothing rebuilds the kernel for sigma (0 disables smoothing). The ring
// is resized to the new output length and cleared.
func (p *Processor) SetSmoothing(sigma float64) error {
	if sigma < 0 {
		return fmt.Errorf("%w: %v", ErrInvalidSigma, sigma)
	}
	k := Kernel(sigma)
	if len(k) >= p.length {
		return fmt.Errorf("%w: kernel of %d samples for %d sample profiles", ErrInvalidSigma, len(k), p.length)
	}
	p.sigma = sigma
	p.kernel = k
	p.resetRing()
	return nil
}

// SetBackground replaces the background reference.
func (p *Processor) SetBackground(bg []float64) error {
	if len(bg) != p.length {
		return fmt.Errorf("%w: background has %d samples, want %d", ErrLength, len(bg), p.length)
	}
	copy(p.background, bg)
	return nil
}

func (p *Processor) ClearBackground() {
	for i := range p.background {
		p.background[i] = 0
	}
}

// Background returns a copy of the background reference.
func (p *Processor) Background() []float64 {
	return append([]float64(nil), p.background...)
}

// Update folds one raw profile into the oversample ring and returns the mean
// of all ring rows. Rows not yet written are zero.
func (p *Processor) Update(raw []float64) ([]float64, error) {
	if len(raw) != p.length {
		return nil, fmt.Errorf("%w: got %d samples, want %d", ErrLength, len(raw), p.length)
	}
	data := make([]float64, p.length)
	floats.SubTo(data, raw, p.background)
	data = Convolve(data, p.kernel)

	copy(p.ring[p.next], data)
	p.next = (p.next + 1) % len(p.ring)

	mean := make([]float64, len(data))
	for _, row := range p.ring {
		floats.Add(mean, row)
	}
	floats.Scale(1/float64(len(p.ring)), mean)
	p.current = mean
	return append([]float64(nil), mean...), nil
}

// RecordPeak appends the index of profile's maximum to the history and
// returns it. The first maximum wins on ties. An empty profile records nothing
// and returns -1.
func (p *Processor) RecordPeak(profile []float64) int {
	if len(profile) == 0 {
		return -1
	}
	peak := floats.MaxIdx(profile)
	p.history = append(p.history, peak)
	if over := len(p.history) - p.historyCap; over > 0 {
		p.history = append(p.history[:0:0], p.history[over:]...)
	}
	return peak
}

// Process runs Update then RecordPeak.
func (p *Processor) Process(raw []float64) ([]float64, int, error) {
	prof, err := p.Update(raw)
	if err != nil {
		return nil, -1, err
	}
	return prof, p.RecordPeak(prof), nil
}

// CurrentProfile returns a copy of the latest averaged profile.
func (p *Processor) CurrentProfile() []float64 {
	return append([]float64(nil), p.current...)
}

// PeakHistory returns a copy of the recorded peaks, oldest first.
func (p *Processor) PeakHistory() []int {
	return append([]int(nil), p.history...)
}

// LastPeak returns the most recent peak, if any.
func (p *Processor) LastPeak() (int, bool) {
	if len(p.history) == 0 {
		return 0, false
	}
	return p.history[len(p.history)-1], true
}
