// Package modbus implements the register half of a Modbus RTU master over an
// open serial byte stream. It frames read/write holding register exchanges,
// validates CRCs, and retries transport failures a bounded number of times. It has
// no knowledge of what any register means.
package modbus

import (
	"context"
	"io"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/edaniels/golog"
	"github.com/pkg/errors"
)

// ClientConfig configures a Client.
type ClientConfig struct {
	// SlaveAddress is the device address on the bus. Valid values are 1-247.
	SlaveAddress int `json:"slave_address"`

	// MaxRetries bounds the attempts for a single exchange.
	MaxRetries int `json:"max_retries,omitempty"`

	// RetryDelay is the pause between attempts.
	RetryDelay time.Duration `json:"retry_delay,omitempty"`
}

func (cfg *ClientConfig) populateDefaults() {
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = 3
	}
	if cfg.RetryDelay == 0 {
		cfg.RetryDelay = 50 * time.Millisecond
	}
}

func (cfg *ClientConfig) validate() error {
	if cfg.SlaveAddress < 1 || cfg.SlaveAddress > 247 {
		return errors.Errorf("invalid slave address %d, acceptable values are 1 thru 247", cfg.SlaveAddress)
	}
	if cfg.MaxRetries < 1 {
		return errors.New("max_retries must be at least 1")
	}
	return nil
}

// Client is a Modbus RTU master bound to a single serial port. All exchanges
// are serialized; concurrent callers queue on the internal mutex so at most
// one request is in flight on the half-duplex line.
type Client struct {
	mu     sync.Mutex
	port   io.ReadWriteCloser
	slave  byte
	cfg    ClientConfig
	clock  clock.Clock
	logger golog.Logger
}

// NewClient returns a client speaking to the given port. The port is expected
// to enforce a read deadline of its own; a zero-byte read is taken as a
// timeout, matching go.bug.st/serial semantics. clk paces the delay between
// retries; pass clock.New() outside of tests.
func NewClient(port io.ReadWriteCloser, cfg ClientConfig, clk clock.Clock, logger golog.Logger) (*Client, error) {
	cfg.populateDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &Client{
		port:   port,
		slave:  byte(cfg.SlaveAddress),
		cfg:    cfg,
		clock:  clk,
		logger: logger,
	}, nil
}

// ReadRegisters reads count holding registers starting at addr.
func (c *Client) ReadRegisters(ctx context.Context, addr, count uint16) ([]uint16, error) {
	resp, err := c.exchange(ctx, "read registers", readHoldingRequest(c.slave, addr, count))
	if err != nil {
		return nil, err
	}
	return decodeReadResponse(resp, count)
}

// ReadRegister reads a single holding register.
func (c *Client) ReadRegister(ctx context.Context, addr uint16) (uint16, error) {
	values, err := c.ReadRegisters(ctx, addr, 1)
	if err != nil {
		return 0, err
	}
	return values[0], nil
}

// WriteRegister writes a single holding register.
func (c *Client) WriteRegister(ctx context.Context, addr, value uint16) error {
	_, err := c.exchange(ctx, "write register", writeSingleRequest(c.slave, addr, value))
	return err
}

// WriteRegisters writes consecutive holding registers starting at addr.
func (c *Client) WriteRegisters(ctx context.Context, addr uint16, values []uint16) error {
	if len(values) == 0 {
		return errors.New("no values to write")
	}
	_, err := c.exchange(ctx, "write registers", writeMultipleRequest(c.slave, addr, values))
	return err
}

// Close closes the underlying port.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.port.Close()
}

// exchange performs one request/response round trip, retrying transport
// failures. It holds the port for the whole exchange so a retry never
// interleaves with another caller's traffic.
func (c *Client) exchange(ctx context.Context, op string, req []byte) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var last error
	for attempt := 1; attempt <= c.cfg.MaxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if attempt > 1 && !c.waitBetweenAttempts(ctx) {
			return nil, ctx.Err()
		}
		resp, err := c.roundTrip(req)
		if err == nil {
			return resp, nil
		}
		var exc *ExceptionError
		if errors.As(err, &exc) {
			// The device answered; retrying the same frame cannot help.
			return nil, err
		}
		last = err
		c.logger.Debugw("register exchange failed", "op", op, "attempt", attempt, "error", err)
	}
	return nil, &CommunicationError{Op: op, Attempts: c.cfg.MaxRetries, Cause: last}
}

func (c *Client) waitBetweenAttempts(ctx context.Context) bool {
	timer := c.clock.Timer(c.cfg.RetryDelay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

func (c *Client) roundTrip(req []byte) ([]byte, error) {
	if _, err := c.port.Write(req); err != nil {
		return nil, errors.Wrap(err, "write request")
	}

	header := make([]byte, 2)
	if err := c.readFull(header); err != nil {
		return nil, err
	}
	if header[0] != c.slave {
		return nil, ErrBadFrame
	}

	fn := header[1]
	if fn&exceptionBit != 0 {
		rest := make([]byte, 3)
		if err := c.readFull(rest); err != nil {
			return nil, err
		}
		frame := append(header, rest...)
		if !checkCRC(frame) {
			return nil, ErrBadCRC
		}
		return nil, &ExceptionError{Function: fn &^ exceptionBit, Code: rest[0]}
	}
	if fn != req[1] {
		return nil, ErrBadFrame
	}

	var rest []byte
	switch fn {
	case fnReadHolding:
		byteCount := make([]byte, 1)
		if err := c.readFull(byteCount); err != nil {
			return nil, err
		}
		rest = make([]byte, 1+int(byteCount[0])+2)
		rest[0] = byteCount[0]
		if err := c.readFull(rest[1:]); err != nil {
			return nil, err
		}
	case fnWriteSingle, fnWriteMultiple:
		rest = make([]byte, 6)
		if err := c.readFull(rest); err != nil {
			return nil, err
		}
	default:
		return nil, ErrBadFrame
	}

	frame := append(header, rest...)
	if !checkCRC(frame) {
		return nil, ErrBadCRC
	}
	// Write responses echo the address (and value or count); a mismatch means
	// the reply belongs to some other frame and is retried like corruption.
	if (fn == fnWriteSingle || fn == fnWriteMultiple) && len(frame) >= 6 {
		for i := 2; i < 6; i++ {
			if frame[i] != req[i] {
				return nil, ErrBadFrame
			}
		}
	}
	return frame, nil
}

// readFull fills buf from the port. A zero-byte read or EOF means the port's
// read deadline expired before the device answered.
func (c *Client) readFull(buf []byte) error {
	off := 0
	for off < len(buf) {
		n, err := c.port.Read(buf[off:])
		if n > 0 {
			off += n
			continue
		}
		if err != nil && !errors.Is(err, io.EOF) {
			return errors.Wrap(err, "read response")
		}
		return ErrTimeout
	}
	return nil
}
