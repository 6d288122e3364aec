// Package serial opens and enumerates the serial ports programmable power
// supplies hang off of. The rest of the system only sees the returned
// io.ReadWriteCloser.
package serial

import (
	"io"
	"time"

	ser "go.bug.st/serial"
)

// Options to be passed to Open(), closely mirrors go.bug.st/serial Mode.
type Options struct {
	BaudRate    int
	DataBits    int
	StopBits    StopBits
	Parity      Parity
	ReadTimeout time.Duration
}

// Parity describes a serial port parity setting.
type Parity int

const (
	// NoParity disable parity control (default)
	NoParity Parity = iota
	// OddParity enable odd-parity check
	OddParity
	// EvenParity enable even-parity check
	EvenParity
)

// StopBits describe a serial port stop bits setting.
type StopBits int

const (
	// OneStopBit sets 1 stop bit (default)
	OneStopBit StopBits = iota
	// OnePointFiveStopBits sets 1.5 stop bits
	OnePointFiveStopBits
	// TwoStopBits sets 2 stop bits
	TwoStopBits
)

// DefaultOptions is the 9600 8N1 configuration the supported supplies ship
// with, with a read timeout matching one protocol exchange.
func DefaultOptions() Options {
	return Options{
		BaudRate:    9600,
		DataBits:    8,
		StopBits:    OneStopBit,
		Parity:      NoParity,
		ReadTimeout: time.Second,
	}
}

// Open attempts to open a serial device on the given path. It's a variable
// in case you need to override it during tests.
var Open = func(devicePath string, options Options) (io.ReadWriteCloser, error) {
	mode := &ser.Mode{
		BaudRate: options.BaudRate,
		Parity:   ser.Parity(options.Parity),
		DataBits: options.DataBits,
		StopBits: ser.StopBits(options.StopBits),
	}

	device, err := ser.Open(devicePath, mode)
	if err != nil {
		return nil, err
	}
	if err := device.SetReadTimeout(options.ReadTimeout); err != nil {
		return nil, err
	}

	return device, nil
}

// Search lists candidate serial port paths on this machine.
var Search = func() ([]string, error) {
	return ser.GetPortsList()
}
