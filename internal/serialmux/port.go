package serialmux

import (
	"io"
)

// SerialPorter defines the minimal interface needed for a serial port.
// This abstraction enables unit testing without real eDVS hardware.
type SerialPorter interface {
	io.ReadWriter
	io.Closer
}

// SerialPortOpener opens a serial port at path using opts. Tests replace it
// to avoid touching /dev.
type SerialPortOpener func(path string, opts PortOptions) (SerialPorter, error)
