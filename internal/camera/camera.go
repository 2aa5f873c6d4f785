// Package camera speaks the command/reply protocol of the USB line camera and
// decodes its bulk frame buffers.
//
// Commands are written to the command-out endpoint as [opcode][arg_len][args].
// Queries are answered on the command-in endpoint as [status][len][payload];
// any status other than statusOK is a device fault (StatusError), which is
// distinct from a transport failure.
package camera

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/banshee-data/autofocus/internal/transport"
)

// USB identity and endpoint addresses of the sensor.
const (
	VendorID   = 0x04B4
	ProductID  = 0x0328
	CommandOut = 0x01
	CommandIn  = 0x81
	DataIn     = 0x82
)

const (
	opFirmwareVersion = 0x01
	opDeviceInfo      = 0x21
	opWorkMode        = 0x30
	opExposureTime    = 0x31
	opBufferedFrames  = 0x33
	opPrepareFrames   = 0x34
	opGains           = 0x39

	statusOK = 0x01

	deviceInfoLen = 1 + 3*deviceStringLen
	// width of each identification string in the device-info reply
	deviceStringLen = 14

	MaxExposureTime = 0xFFFF
	MaxFrameCount   = 0xFF
)

var (
	ErrInvalidArgument = errors.New("invalid argument")
	ErrFrameSize       = errors.New("incorrect frame size")
	ErrNotEnoughFrames = errors.New("not enough buffered frames")
)

// StatusError is a fault reported by the device in a reply header.
type StatusError struct {
	Opcode byte
	Status byte
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("camera command %#02x: device status %#02x", e.Opcode, e.Status)
}

// WorkMode selects free-running or externally triggered acquisition.
type WorkMode byte

const (
	WorkModeNormal  WorkMode = 0x00
	WorkModeTrigger WorkMode = 0x01
)

// FirmwareVersion is the reply to the firmware query.
type FirmwareVersion struct {
	Major, Minor, Revision byte
}

func (v FirmwareVersion) String() string {
	return fmt.Sprintf("%d.%d.%d", v.Major, v.Minor, v.Revision)
}

// DeviceInfo holds the identification strings reported by the sensor.
type DeviceInfo struct {
	Revision     byte
	Manufacturer string
	Product      string
	Serial       string
}

// Client talks to one camera. Exchanges are serialised: a command and its
// reply are never interleaved with another command.
type Client struct {
	cmd     transport.Duplex
	data    transport.Duplex
	timeout time.Duration

	mu sync.Mutex
}

// Option configures a Client.
type Option func(*Client)

// WithTimeout bounds every endpoint transfer. Zero disables the bound.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.timeout = d }
}

// NewClient wraps the command and data channels of an opened device.
func NewClient(cmd, data transport.Duplex, opts ...Option) *Client {
	c := &Client{cmd: cmd, data: data, timeout: time.Second}
	for _, o := range opts {
		o(c)
	}
	return c
}

func (c *Client) writeCmd(ctx context.Context, op byte, args ...byte) error {
	msg := make([]byte, 0, 2+len(args))
	msg = append(msg, op, byte(len(args)))
	msg = append(msg, args...)

	tctx, cancel := transport.WithTimeout(ctx, c.timeout)
	defer cancel()
	if err := c.cmd.Write(tctx, msg); err != nil {
		return fmt.Errorf("camera command %#02x: %w", op, err)
	}
	return nil
}

func (c *Client) readReply(ctx context.Context, op byte, n int) ([]byte, error) {
	tctx, cancel := transport.WithTimeout(ctx, c.timeout)
	defer cancel()
	buf, err := c.cmd.ReadExact(tctx, n+2)
	if err != nil {
		return nil, fmt.Errorf("camera reply %#02x: %w", op, err)
	}
	status, length := buf[0], int(buf[1])
	if status != statusOK {
		return nil, &StatusError{Opcode: op, Status: status}
	}
	if length != n {
		return nil, fmt.Errorf("camera reply %#02x: %w: payload length %d, want %d",
			op, transport.ErrShortRead, length, n)
	}
	return buf[2:], nil
}

func (c *Client) query(ctx context.Context, op byte, n int, args ...byte) ([]byte, error) {
	if err := c.writeCmd(ctx, op, args...); err != nil {
		return nil, err
	}
	return c.readReply(ctx, op, n)
}

// FirmwareVersion queries the firmware release.
func (c *Client) FirmwareVersion(ctx context.Context) (FirmwareVersion, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	b, err := c.query(ctx, opFirmwareVersion, 3, 0x02)
	if err != nil {
		return FirmwareVersion{}, err
	}
	return FirmwareVersion{Major: b[0], Minor: b[1], Revision: b[2]}, nil
}

// DeviceInfo queries the identification block.
func (c *Client) DeviceInfo(ctx context.Context) (DeviceInfo, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	b, err := c.query(ctx, opDeviceInfo, deviceInfoLen, 0x00)
	if err != nil {
		return DeviceInfo{}, err
	}
	field := func(i int) string {
		s := b[1+i*deviceStringLen : 1+(i+1)*deviceStringLen]
		return string(bytes.TrimRight(s, "\x00 "))
	}
	return DeviceInfo{
		Revision:     b[0],
		Manufacturer: field(0),
		Product:      field(1),
		Serial:       field(2),
	}, nil
}

// SetWorkMode selects the acquisition mode.
func (c *Client) SetWorkMode(ctx context.Context, mode WorkMode) error {
	if mode != WorkModeNormal && mode != WorkModeTrigger {
		return fmt.Errorf("%w: work mode %d", ErrInvalidArgument, mode)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.writeCmd(ctx, opWorkMode, byte(mode))
}

// SetExposureTime sets the integration time in device ticks, sent big-endian.
func (c *Client) SetExposureTime(ctx context.Context, ticks int) error {
	if ticks < 0 || ticks > MaxExposureTime {
		return fmt.Errorf("%w: exposure time %d outside [0, %d]", ErrInvalidArgument, ticks, MaxExposureTime)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.writeCmd(ctx, opExposureTime, byte(ticks>>8), byte(ticks))
}

// SetGains sets the per-channel analogue gains.
func (c *Client) SetGains(ctx context.Context, red, green, blue byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.writeCmd(ctx, opGains, red, green, blue)
}

// BufferedFrameCount reports how many frames the device holds.
func (c *Client) BufferedFrameCount(ctx context.Context) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.bufferedFrameCount(ctx)
}

func (c *Client) bufferedFrameCount(ctx context.Context) (int, error) {
	b, err := c.query(ctx, opBufferedFrames, 1, 0x00)
	if err != nil {
		return 0, err
	}
	return int(b[0]), nil
}

// Frame fetches one buffered frame. It returns (nil, nil) when the device has
// nothing buffered yet.
func (c *Client) Frame(ctx context.Context) (*Frame, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	n, err := c.bufferedFrameCount(ctx)
	if err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, nil
	}
	frames, err := c.readFrames(ctx, 1)
	if err != nil {
		return nil, err
	}
	return &frames[0], nil
}

// Frames fetches exactly n buffered frames and fails if fewer are available.
func (c *Client) Frames(ctx context.Context, n int) ([]Frame, error) {
	if n < 1 || n > MaxFrameCount {
		return nil, fmt.Errorf("%w: frame count %d outside [1, %d]", ErrInvalidArgument, n, MaxFrameCount)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	avail, err := c.bufferedFrameCount(ctx)
	if err != nil {
		return nil, err
	}
	if avail < n {
		return nil, fmt.Errorf("%w: %d buffered, %d requested", ErrNotEnoughFrames, avail, n)
	}
	return c.readFrames(ctx, n)
}

func (c *Client) readFrames(ctx context.Context, n int) ([]Frame, error) {
	if err := c.writeCmd(ctx, opPrepareFrames, byte(n)); err != nil {
		return nil, err
	}
	tctx, cancel := transport.WithTimeout(ctx, c.timeout)
	defer cancel()
	buf, err := c.data.ReadExact(tctx, n*FrameBytes)
	if errors.Is(err, transport.ErrShortRead) {
		return nil, fmt.Errorf("%w: %v", ErrFrameSize, err)
	}
	if err != nil {
		return nil, fmt.Errorf("camera frame read: %w", err)
	}
	return DecodeFrames(buf, n)
}
