package types

import (
	"errors"
	"fmt"
)

// Closed error taxonomy. Everything the pipeline can fail with wraps one of
// these sentinels so callers can classify with errors.Is.
var (
	// ErrConfig is fatal at startup, exit code 1.
	ErrConfig = errors.New("config error")
	// ErrAttach means the kernel rejected the capture probe, exit code 2.
	ErrAttach = errors.New("attach error")
	// ErrRingOverflow marks lost ring records; desyncs one connection
	// direction, never fatal.
	ErrRingOverflow = errors.New("ring overflow")
	// ErrMissingRandomness means the ephemeral key for a handshake was not
	// captured; the connection degrades to opaque.
	ErrMissingRandomness = errors.New("handshake randomness not captured")
	// ErrDecrypt is an AEAD or cipher failure; the connection degrades to
	// failed_decrypt.
	ErrDecrypt = errors.New("decrypt error")
	// ErrParse yields an opaque frame, logged at debug.
	ErrParse = errors.New("parse error")
	// ErrStoreIO is retried with backoff and fatal after the retry budget,
	// exit code 3.
	ErrStoreIO = errors.New("store io error")
	// ErrAggregator is logged and retried on the next tick, never fatal.
	ErrAggregator = errors.New("aggregator error")
)

func ConfigError(format string, args ...interface{}) error {
	return fmt.Errorf("%w: "+format, append([]interface{}{ErrConfig}, args...)...)
}

func AttachError(err error) error {
	return fmt.Errorf("%w: %v", ErrAttach, err)
}

func ParseErrorf(format string, args ...interface{}) error {
	return fmt.Errorf("%w: "+format, append([]interface{}{ErrParse}, args...)...)
}

// ExitCode maps an error to the process exit code contract.
func ExitCode(err error) int {
	switch {
	case err == nil:
		return 0
	case errors.Is(err, ErrConfig):
		return 1
	case errors.Is(err, ErrAttach):
		return 2
	case errors.Is(err, ErrStoreIO):
		return 3
	}
	return 1
}
