package camera

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/autofocus/internal/monitoring"
	"github.com/banshee-data/autofocus/internal/transport"
)

type scriptedSource struct {
	results []sourceResult
	calls   int
}

type sourceResult struct {
	frame *Frame
	err   error
}

func (s *scriptedSource) Frame(ctx context.Context) (*Frame, error) {
	s.calls++
	if len(s.results) == 0 {
		return nil, nil
	}
	r := s.results[0]
	s.results = s.results[1:]
	return r.frame, r.err
}

func init() { monitoring.SetLogger(nil) }

func TestReaderRetriesTransientFailures(t *testing.T) {
	want := &Frame{Timestamp: 3}
	src := &scriptedSource{results: []sourceResult{
		{err: transport.ErrTimeout},
		{err: ErrFrameSize},
		{frame: nil},
		{frame: want},
	}}
	r := NewReader(src, 5, 0)

	got, err := r.ReadFrame(context.Background())
	require.NoError(t, err)
	assert.Same(t, want, got)
	assert.Equal(t, 4, src.calls)
}

func TestReaderExhaustsAfterBound(t *testing.T) {
	src := &scriptedSource{}
	for i := 0; i < 10; i++ {
		src.results = append(src.results, sourceResult{err: transport.ErrTimeout})
	}
	r := NewReader(src, 0, 0)

	_, err := r.ReadFrame(context.Background())
	assert.ErrorIs(t, err, ErrAcquisitionExhausted)
	assert.ErrorIs(t, err, transport.ErrTimeout)
	assert.Equal(t, DefaultAttempts, src.calls)
}

func TestReaderDoesNotRetryPermanentErrors(t *testing.T) {
	for _, perm := range []error{
		ErrInvalidArgument,
		&StatusError{Opcode: opBufferedFrames, Status: 0x7f},
		transport.ErrIO,
	} {
		src := &scriptedSource{results: []sourceResult{{err: perm}, {frame: &Frame{}}}}
		_, err := NewReader(src, 5, 0).ReadFrame(context.Background())
		assert.True(t, errors.Is(err, perm) || errors.As(err, new(*StatusError)), "err=%v", err)
		assert.NotErrorIs(t, err, ErrAcquisitionExhausted)
		assert.Equal(t, 1, src.calls)
	}
}

func TestReaderHonoursCancellationBetweenAttempts(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	src := &scriptedSource{results: []sourceResult{{err: transport.ErrTimeout}}}
	_, err := NewReader(src, 5, time.Hour).ReadFrame(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestSimulatorRoundTrip(t *testing.T) {
	sim := NewSimulator()
	sim.PeakAt = func() float64 { return 1000 }
	sim.Noise = 0
	c := NewClient(sim.Command(), sim.Data())
	ctx := context.Background()

	v, err := c.FirmwareVersion(ctx)
	require.NoError(t, err)
	assert.Equal(t, "1.4.2", v.String())

	info, err := c.DeviceInfo(ctx)
	require.NoError(t, err)
	assert.Equal(t, "TCD1304-U", info.Product)

	require.NoError(t, c.SetExposureTime(ctx, 10))
	p, err := NewReader(c, 5, 0).ReadProfile(ctx)
	require.NoError(t, err)
	require.Len(t, p, ImageSamples)

	best := 0
	for i := range p {
		if p[i] > p[best] {
			best = i
		}
	}
	assert.Equal(t, 1000, best)
	assert.InDelta(t, 0, p[0], 1)
}
