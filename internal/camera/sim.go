package camera

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"sync"

	"github.com/banshee-data/autofocus/internal/transport"
)

// Simulator stands in for the sensor in dev mode. It answers the command
// protocol and renders a Gaussian line whose centre is supplied by PeakAt,
// normally derived from the simulated stage position.
type Simulator struct {
	// PeakAt returns the image-region index of the simulated focus line.
	PeakAt func() float64
	// Width is the Gaussian sigma in samples.
	Width     float64
	Amplitude float64
	DarkLevel float64
	Noise     float64

	mu       sync.Mutex
	replies  [][]byte
	prepared int
	exposure uint16
	stamp    uint16
	rng      *rand.Rand
	wake     chan struct{}
}

// NewSimulator returns a simulator with a line centred on the middle pixel.
func NewSimulator() *Simulator {
	return &Simulator{
		PeakAt:    func() float64 { return ImageSamples / 2 },
		Width:     40,
		Amplitude: 30000,
		DarkLevel: 500,
		Noise:     150,
		rng:       rand.New(rand.NewSource(1)),
		wake:      make(chan struct{}, 1),
	}
}

// Command returns the simulated command channel.
func (s *Simulator) Command() transport.Duplex { return simCommand{s} }

// Data returns the simulated bulk data channel.
func (s *Simulator) Data() transport.Duplex { return simData{s} }

type simCommand struct{ s *Simulator }

func (c simCommand) Write(ctx context.Context, p []byte) error {
	if len(p) < 2 || int(p[1]) != len(p)-2 {
		return fmt.Errorf("%w: malformed command % x", transport.ErrIO, p)
	}
	s := c.s
	s.mu.Lock()
	defer s.mu.Unlock()

	args := p[2:]
	switch p[0] {
	case opFirmwareVersion:
		s.reply(1, 4, 2)
	case opDeviceInfo:
		payload := make([]byte, deviceInfoLen)
		payload[0] = 1
		copy(payload[1:], "SIMULATED")
		copy(payload[1+deviceStringLen:], "TCD1304-U")
		copy(payload[1+2*deviceStringLen:], "0000000001")
		s.reply(payload...)
	case opBufferedFrames:
		s.reply(1)
	case opExposureTime:
		s.exposure = uint16(args[0])<<8 | uint16(args[1])
	case opPrepareFrames:
		s.prepared = int(args[0])
	case opWorkMode, opGains:
	default:
		s.replies = append(s.replies, []byte{0x00, 0x00})
		s.notify()
	}
	return nil
}

func (s *Simulator) reply(payload ...byte) {
	msg := append([]byte{statusOK, byte(len(payload))}, payload...)
	s.replies = append(s.replies, msg)
	s.notify()
}

func (s *Simulator) notify() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (c simCommand) ReadExact(ctx context.Context, n int) ([]byte, error) {
	s := c.s
	for {
		s.mu.Lock()
		if len(s.replies) > 0 {
			msg := s.replies[0]
			s.replies = s.replies[1:]
			s.mu.Unlock()
			if len(msg) != n {
				return msg, &transport.ShortReadError{Want: n, Got: len(msg)}
			}
			return msg, nil
		}
		s.mu.Unlock()
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("sim read: %w", transport.ErrTimeout)
		case <-s.wake:
		}
	}
}

type simData struct{ s *Simulator }

func (simData) Write(context.Context, []byte) error {
	return fmt.Errorf("%w: data endpoint is read-only", transport.ErrIO)
}

func (d simData) ReadExact(ctx context.Context, n int) ([]byte, error) {
	s := d.s
	s.mu.Lock()
	count := s.prepared
	s.prepared = 0
	s.mu.Unlock()

	buf := make([]byte, 0, count*FrameBytes)
	for i := 0; i < count; i++ {
		buf = append(buf, EncodeFrame(s.render())...)
	}
	if len(buf) != n {
		return buf, &transport.ShortReadError{Want: n, Got: len(buf)}
	}
	return buf, nil
}

func (s *Simulator) render() Frame {
	centre := s.PeakAt()

	s.mu.Lock()
	defer s.mu.Unlock()
	s.stamp++

	clamp := func(v float64) uint16 {
		return uint16(math.Max(0, math.Min(0xFFFF, v)))
	}
	f := Frame{
		Dark:         make([]uint16, DarkSamples),
		Image:        make([]uint16, ImageSamples),
		Timestamp:    s.stamp,
		ExposureTime: s.exposure,
	}
	for i := range f.Dark {
		f.Dark[i] = clamp(s.DarkLevel + s.rng.NormFloat64()*s.Noise)
	}
	for i := range f.Image {
		d := (float64(i) - centre) / s.Width
		v := s.DarkLevel + s.Amplitude*math.Exp(-d*d/2) + s.rng.NormFloat64()*s.Noise
		f.Image[i] = clamp(v)
	}
	return f
}
