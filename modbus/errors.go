package modbus

import (
	"fmt"

	"github.com/pkg/errors"
)

// Transport-level causes retried by the client before escalating.
var (
	// ErrTimeout indicates the device did not answer within the port's read deadline.
	ErrTimeout = errors.New("response timed out")
	// ErrBadCRC indicates a response arrived with a checksum mismatch.
	ErrBadCRC = errors.New("response crc mismatch")
	// ErrBadFrame indicates a response that does not match the request in shape.
	ErrBadFrame = errors.New("malformed response frame")
)

// CommunicationError is returned once the retries for a single register
// exchange are exhausted. Cause retains the last transport failure.
type CommunicationError struct {
	Op       string
	Attempts int
	Cause    error
}

func (e *CommunicationError) Error() string {
	return fmt.Sprintf("communication failed during %s after %d attempts: %v", e.Op, e.Attempts, e.Cause)
}

func (e *CommunicationError) Unwrap() error {
	return e.Cause
}

// IsCommunicationError reports whether err carries a CommunicationError
// anywhere in its chain.
func IsCommunicationError(err error) bool {
	var commErr *CommunicationError
	return errors.As(err, &commErr)
}

// ExceptionError is a device-reported protocol exception (illegal address,
// illegal value, ...). These are definitive answers, never retried.
type ExceptionError struct {
	Function byte
	Code     byte
}

func (e *ExceptionError) Error() string {
	return fmt.Sprintf("device exception 0x%02X for function 0x%02X", e.Code, e.Function)
}
