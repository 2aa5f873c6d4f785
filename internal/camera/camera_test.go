package camera

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/autofocus/internal/transport"
)

// fakeEndpoint records writes and serves scripted reads in order.
type fakeEndpoint struct {
	mu       sync.Mutex
	writes   [][]byte
	reads    [][]byte
	readErrs []error
	writeErr error
}

func (f *fakeEndpoint) Write(ctx context.Context, p []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.writeErr != nil {
		return f.writeErr
	}
	f.writes = append(f.writes, append([]byte(nil), p...))
	return nil
}

func (f *fakeEndpoint) ReadExact(ctx context.Context, n int) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.readErrs) > 0 {
		err := f.readErrs[0]
		f.readErrs = f.readErrs[1:]
		if err != nil {
			return nil, err
		}
	}
	if len(f.reads) == 0 {
		return nil, transport.ErrTimeout
	}
	b := f.reads[0]
	f.reads = f.reads[1:]
	if len(b) != n {
		return b, &transport.ShortReadError{Want: n, Got: len(b)}
	}
	return b, nil
}

func (f *fakeEndpoint) queue(b ...[]byte) { f.reads = append(f.reads, b...) }

func (f *fakeEndpoint) written() [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.writes
}

func reply(payload ...byte) []byte {
	return append([]byte{statusOK, byte(len(payload))}, payload...)
}

func newTestClient() (*Client, *fakeEndpoint, *fakeEndpoint) {
	cmd, data := &fakeEndpoint{}, &fakeEndpoint{}
	return NewClient(cmd, data), cmd, data
}

func TestFirmwareVersion(t *testing.T) {
	c, cmd, _ := newTestClient()
	cmd.queue(reply(1, 4, 2))

	v, err := c.FirmwareVersion(context.Background())
	require.NoError(t, err)
	assert.Equal(t, FirmwareVersion{1, 4, 2}, v)
	assert.Equal(t, "1.4.2", v.String())
	assert.Equal(t, [][]byte{{0x01, 0x01, 0x02}}, cmd.written())
}

func TestDeviceInfo(t *testing.T) {
	c, cmd, _ := newTestClient()
	payload := make([]byte, deviceInfoLen)
	payload[0] = 3
	copy(payload[1:], "ACME")
	copy(payload[15:], "LINECAM")
	copy(payload[29:], "SN0042")
	cmd.queue(reply(payload...))

	info, err := c.DeviceInfo(context.Background())
	require.NoError(t, err)
	assert.Equal(t, DeviceInfo{Revision: 3, Manufacturer: "ACME", Product: "LINECAM", Serial: "SN0042"}, info)
	assert.Equal(t, []byte{0x21, 0x01, 0x00}, cmd.written()[0])
}

func TestStatusErrorIsNotTransportError(t *testing.T) {
	c, cmd, _ := newTestClient()
	cmd.queue([]byte{0x05, 0x03, 0, 0, 0})

	_, err := c.FirmwareVersion(context.Background())
	var se *StatusError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, byte(0x05), se.Status)
	assert.Equal(t, byte(opFirmwareVersion), se.Opcode)
	assert.False(t, errors.Is(err, transport.ErrIO))
}

func TestSetExposureTimeEncodesBigEndian(t *testing.T) {
	for _, ticks := range []int{0, 1, 0x00FF, 0x0100, 0x1234, 0xABCD, 0xFFFF} {
		c, cmd, _ := newTestClient()
		require.NoError(t, c.SetExposureTime(context.Background(), ticks))
		want := []byte{opExposureTime, 0x02, byte(ticks >> 8), byte(ticks & 0xff)}
		assert.Equal(t, [][]byte{want}, cmd.written(), "ticks=%#x", ticks)
	}
}

func TestSetExposureTimeRejectsOutOfRangeBeforeIO(t *testing.T) {
	for _, ticks := range []int{-1, 0x10000, 1 << 20} {
		c, cmd, _ := newTestClient()
		err := c.SetExposureTime(context.Background(), ticks)
		assert.ErrorIs(t, err, ErrInvalidArgument, "ticks=%d", ticks)
		assert.Empty(t, cmd.written(), "no bytes may be written for ticks=%d", ticks)
	}
}

func TestSetWorkModeAndGains(t *testing.T) {
	c, cmd, _ := newTestClient()
	require.NoError(t, c.SetWorkMode(context.Background(), WorkModeTrigger))
	require.NoError(t, c.SetGains(context.Background(), 1, 2, 3))
	assert.Equal(t, [][]byte{{0x30, 0x01, 0x01}, {0x39, 0x03, 1, 2, 3}}, cmd.written())

	assert.ErrorIs(t, c.SetWorkMode(context.Background(), WorkMode(7)), ErrInvalidArgument)
}

func TestFrameReturnsNilWhenNothingBuffered(t *testing.T) {
	c, cmd, data := newTestClient()
	cmd.queue(reply(0))

	f, err := c.Frame(context.Background())
	require.NoError(t, err)
	assert.Nil(t, f)
	assert.Len(t, cmd.written(), 1, "no prepare command when nothing is buffered")
	assert.Empty(t, data.written())
}

func TestFrameReadsOneFrame(t *testing.T) {
	c, cmd, data := newTestClient()
	cmd.queue(reply(2))
	data.queue(EncodeFrame(Frame{Image: []uint16{7, 8, 9}, Timestamp: 11, ExposureTime: 10}))

	f, err := c.Frame(context.Background())
	require.NoError(t, err)
	require.NotNil(t, f)
	assert.Equal(t, uint16(11), f.Timestamp)
	assert.Equal(t, []uint16{7, 8, 9}, f.Image[:3])
	assert.Equal(t, [][]byte{{0x33, 0x01, 0x00}, {0x34, 0x01, 0x01}}, cmd.written())
}

func TestFrameSizeMismatchIsHardFailure(t *testing.T) {
	c, cmd, data := newTestClient()
	cmd.queue(reply(1))
	data.queue(make([]byte, FrameBytes-2))

	_, err := c.Frame(context.Background())
	assert.ErrorIs(t, err, ErrFrameSize)
}

func TestFramesRequiresEnoughBuffered(t *testing.T) {
	c, cmd, _ := newTestClient()
	cmd.queue(reply(1))

	_, err := c.Frames(context.Background(), 2)
	assert.ErrorIs(t, err, ErrNotEnoughFrames)

	_, err = c.Frames(context.Background(), 0)
	assert.ErrorIs(t, err, ErrInvalidArgument)
	_, err = c.Frames(context.Background(), 256)
	assert.ErrorIs(t, err, ErrInvalidArgument)
}

func TestFramesReadsMultiple(t *testing.T) {
	c, cmd, data := newTestClient()
	cmd.queue(reply(3))
	buf := bytes.Join([][]byte{
		EncodeFrame(Frame{Timestamp: 1}),
		EncodeFrame(Frame{Timestamp: 2}),
	}, nil)
	data.queue(buf)

	frames, err := c.Frames(context.Background(), 2)
	require.NoError(t, err)
	require.Len(t, frames, 2)
	assert.Equal(t, uint16(1), frames[0].Timestamp)
	assert.Equal(t, uint16(2), frames[1].Timestamp)
	assert.Equal(t, []byte{0x34, 0x01, 0x02}, cmd.written()[1])
}

func TestTransportTimeoutPropagates(t *testing.T) {
	c, _, _ := newTestClient()
	_, err := c.BufferedFrameCount(context.Background())
	assert.ErrorIs(t, err, transport.ErrTimeout)
}
