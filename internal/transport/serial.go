package transport

import (
	"errors"
	"fmt"
	"io/fs"

	"go.bug.st/serial"
)

// OpenSerial opens the serial line at path. A missing or busy port maps to
// ErrDeviceNotFound so callers can tell "nothing plugged in" from line faults.
func OpenSerial(path string, mode *serial.Mode) (serial.Port, error) {
	port, err := serial.Open(path, mode)
	if err == nil {
		return port, nil
	}
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("open %s: %w: %v", path, ErrDeviceNotFound, err)
	}
	var perr *serial.PortError
	if errors.As(err, &perr) {
		switch perr.Code() {
		case serial.PortNotFound, serial.InvalidSerialPort, serial.PortBusy:
			return nil, fmt.Errorf("open %s: %w: %v", path, ErrDeviceNotFound, err)
		}
	}
	return nil, fmt.Errorf("open %s: %w: %v", path, ErrIO, err)
}

// ListSerialPorts returns the serial ports visible to the host.
func ListSerialPorts() ([]string, error) {
	ports, err := serial.GetPortsList()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrIO, err)
	}
	return ports, nil
}
