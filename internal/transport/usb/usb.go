// Package usb opens the camera's bulk endpoints through libusb. It is kept
// apart from package transport so that only the hardware binary links cgo.
package usb

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/gousb"

	"github.com/banshee-data/autofocus/internal/transport"
)

// Config identifies a bulk device and its three endpoints.
type Config struct {
	VendorID  uint16
	ProductID uint16
	// Endpoint addresses as they appear in the descriptor, e.g. 0x01, 0x81.
	CommandOut uint8
	CommandIn  uint8
	DataIn     uint8
}

// Device is an open bulk device with a command channel (out + in) and a
// read-only data channel.
type Device struct {
	ctx    *gousb.Context
	dev    *gousb.Device
	done   func()
	cmdOut *gousb.OutEndpoint
	cmdIn  *gousb.InEndpoint
	dataIn *gousb.InEndpoint
}

// Open finds the device by vendor/product id and claims its default
// interface.
func Open(cfg Config) (*Device, error) {
	uctx := gousb.NewContext()
	dev, err := uctx.OpenDeviceWithVIDPID(gousb.ID(cfg.VendorID), gousb.ID(cfg.ProductID))
	if err != nil {
		uctx.Close()
		return nil, fmt.Errorf("open usb %04x:%04x: %w: %v", cfg.VendorID, cfg.ProductID, transport.ErrIO, err)
	}
	if dev == nil {
		uctx.Close()
		return nil, fmt.Errorf("usb %04x:%04x: %w", cfg.VendorID, cfg.ProductID, transport.ErrDeviceNotFound)
	}
	if err := dev.SetAutoDetach(true); err != nil {
		dev.Close()
		uctx.Close()
		return nil, fmt.Errorf("detach kernel driver: %w: %v", transport.ErrIO, err)
	}
	intf, done, err := dev.DefaultInterface()
	if err != nil {
		dev.Close()
		uctx.Close()
		return nil, fmt.Errorf("claim interface: %w: %v", transport.ErrIO, err)
	}

	d := &Device{ctx: uctx, dev: dev, done: done}
	fail := func(err error) (*Device, error) {
		d.Close()
		return nil, err
	}
	if d.cmdOut, err = intf.OutEndpoint(endpointNumber(cfg.CommandOut)); err != nil {
		return fail(fmt.Errorf("command-out endpoint %#02x: %w: %v", cfg.CommandOut, transport.ErrIO, err))
	}
	if d.cmdIn, err = intf.InEndpoint(endpointNumber(cfg.CommandIn)); err != nil {
		return fail(fmt.Errorf("command-in endpoint %#02x: %w: %v", cfg.CommandIn, transport.ErrIO, err))
	}
	if d.dataIn, err = intf.InEndpoint(endpointNumber(cfg.DataIn)); err != nil {
		return fail(fmt.Errorf("data-in endpoint %#02x: %w: %v", cfg.DataIn, transport.ErrIO, err))
	}
	return d, nil
}

// endpointNumber strips the direction bit from a descriptor address.
func endpointNumber(addr uint8) int { return int(addr & 0x0f) }

// Command returns the command channel: writes go to the command-out endpoint
// and reads come from the command-in endpoint.
func (d *Device) Command() transport.Duplex {
	return &channel{out: d.cmdOut, in: d.cmdIn}
}

// Data returns the read-only bulk data channel.
func (d *Device) Data() transport.Duplex {
	return &channel{in: d.dataIn}
}

// Close releases the interface, the device and the libusb context.
func (d *Device) Close() error {
	if d.done != nil {
		d.done()
	}
	var err error
	if d.dev != nil {
		err = d.dev.Close()
	}
	if d.ctx != nil {
		if cerr := d.ctx.Close(); err == nil {
			err = cerr
		}
	}
	return err
}

type channel struct {
	out *gousb.OutEndpoint
	in  *gousb.InEndpoint
}

func (c *channel) Write(ctx context.Context, p []byte) error {
	if c.out == nil {
		return fmt.Errorf("write: %w: endpoint is read-only", transport.ErrIO)
	}
	n, err := c.out.WriteContext(ctx, p)
	if err != nil {
		return transport.Classify("usb write", mapErr(err))
	}
	if n != len(p) {
		return fmt.Errorf("usb write: %w: wrote %d of %d bytes", transport.ErrIO, n, len(p))
	}
	return nil
}

func (c *channel) ReadExact(ctx context.Context, n int) ([]byte, error) {
	if c.in == nil {
		return nil, fmt.Errorf("read: %w: endpoint is write-only", transport.ErrIO)
	}
	buf := make([]byte, n)
	got, err := c.in.ReadContext(ctx, buf)
	if err != nil {
		return nil, transport.Classify("usb read", mapErr(err))
	}
	if got != n {
		return buf[:got], &transport.ShortReadError{Want: n, Got: got}
	}
	return buf, nil
}

// mapErr folds libusb timeout and disconnect reports into the transport
// taxonomy.
func mapErr(err error) error {
	if errors.Is(err, gousb.ErrorTimeout) || errors.Is(err, gousb.TransferTimedOut) ||
		errors.Is(err, context.DeadlineExceeded) {
		return transport.ErrTimeout
	}
	if errors.Is(err, gousb.ErrorNoDevice) || errors.Is(err, gousb.TransferNoDevice) {
		return transport.ErrDeviceNotFound
	}
	return err
}
