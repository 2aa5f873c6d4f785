package camera

import (
	"encoding/binary"
	"fmt"
)

// Frame layout of the TCD1304 line sensor, in 16-bit little-endian samples.
// These are properties of the sensor firmware and must not be re-derived.
const (
	FrameBytes   = 7680
	FrameSamples = FrameBytes / 2

	DarkOffset  = 16
	DarkSamples = 13

	ImageOffset  = 32
	ImageSamples = 3648

	TimestampIndex       = 3832
	ExposureEchoIndex    = 3833
	TriggerOccurredIndex = 3834
	TriggerCountIndex    = 3835
)

// Frame is one decoded acquisition. The slices are owned by the Frame and must
// not be modified by consumers.
type Frame struct {
	Dark            []uint16
	Image           []uint16
	Timestamp       uint16
	ExposureTime    uint16
	TriggerOccurred uint16
	TriggerCount    uint16
}

// DecodeFrames splits a bulk buffer holding n frames. The buffer must be exactly
// n*FrameBytes long.
func DecodeFrames(buf []byte, n int) ([]Frame, error) {
	if len(buf) != n*FrameBytes {
		return nil, fmt.Errorf("%w: got %d bytes for %d frame(s), want %d",
			ErrFrameSize, len(buf), n, n*FrameBytes)
	}
	frames := make([]Frame, n)
	for i := range frames {
		frames[i] = decodeFrame(buf[i*FrameBytes : (i+1)*FrameBytes])
	}
	return frames, nil
}

func decodeFrame(b []byte) Frame {
	sample := func(i int) uint16 { return binary.LittleEndian.Uint16(b[2*i:]) }
	region := func(off, n int) []uint16 {
		out := make([]uint16, n)
		for i := range out {
			out[i] = sample(off + i)
		}
		return out
	}
	return Frame{
		Dark:            region(DarkOffset, DarkSamples),
		Image:           region(ImageOffset, ImageSamples),
		Timestamp:       sample(TimestampIndex),
		ExposureTime:    sample(ExposureEchoIndex),
		TriggerOccurred: sample(TriggerOccurredIndex),
		TriggerCount:    sample(TriggerCountIndex),
	}
}

// EncodeFrame is the inverse of DecodeFrames for one frame. The simulator and
// tests use it to build device buffers.
func EncodeFrame(f Frame) []byte {
	b := make([]byte, FrameBytes)
	put := func(i int, v uint16) { binary.LittleEndian.PutUint16(b[2*i:], v) }
	for i, v := range f.Dark {
		if i >= DarkSamples {
			break
		}
		put(DarkOffset+i, v)
	}
	for i, v := range f.Image {
		if i >= ImageSamples {
			break
		}
		put(ImageOffset+i, v)
	}
	put(TimestampIndex, f.Timestamp)
	put(ExposureEchoIndex, f.ExposureTime)
	put(TriggerOccurredIndex, f.TriggerOccurred)
	put(TriggerCountIndex, f.TriggerCount)
	return b
}
