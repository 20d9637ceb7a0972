package transport

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"net"
)

// ErrTimeout indicates a timeout while executing an exchange.
type ErrTimeout struct {
	Err error
}

func (e ErrTimeout) Error() string {
	return fmt.Errorf("timeout: %w", e.Err).Error()
}

func (e ErrTimeout) Unwrap() error {
	return e.Err
}

// ErrConnection indicates a network connectivity failure (dial, reset).
type ErrConnection struct {
	Err error
}

func (e ErrConnection) Error() string {
	return fmt.Errorf("connection: %w", e.Err).Error()
}

func (e ErrConnection) Unwrap() error {
	return e.Err
}

// ErrHandshake indicates a TLS handshake or certificate failure.
type ErrHandshake struct {
	Err error
}

func (e ErrHandshake) Error() string {
	return fmt.Errorf("handshake: %w", e.Err).Error()
}

func (e ErrHandshake) Unwrap() error {
	return e.Err
}

// ErrExchange wraps any other transport-level failure. The transport never
// converts a failure into an empty success.
type ErrExchange struct {
	Err error
}

func (e ErrExchange) Error() string {
	return fmt.Errorf("exchange: %w", e.Err).Error()
}

func (e ErrExchange) Unwrap() error {
	return e.Err
}

// Classify wraps a raw client error into the transport error taxonomy.
func Classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ErrTimeout{Err: err}
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return ErrTimeout{Err: err}
	}
	var recordErr tls.RecordHeaderError
	if errors.As(err, &recordErr) {
		return ErrHandshake{Err: err}
	}
	var certErr *tls.CertificateVerificationError
	if errors.As(err, &certErr) {
		return ErrHandshake{Err: err}
	}
	var unknownAuthority x509.UnknownAuthorityError
	if errors.As(err, &unknownAuthority) {
		return ErrHandshake{Err: err}
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return ErrConnection{Err: err}
	}
	return ErrExchange{Err: err}
}

// IsRetryable reports whether err belongs to the transport error taxonomy,
// all of which are retryable by contract.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var (
		timeout   ErrTimeout
		conn      ErrConnection
		handshake ErrHandshake
		exchange  ErrExchange
	)
	return errors.As(err, &timeout) || errors.As(err, &conn) ||
		errors.As(err, &handshake) || errors.As(err, &exchange)
}

// ErrorLabel returns a short stable label for metrics and logs.
func ErrorLabel(err error) string {
	if err == nil {
		return "none"
	}
	var timeout ErrTimeout
	if errors.As(err, &timeout) {
		return "timeout"
	}
	var conn ErrConnection
	if errors.As(err, &conn) {
		return "connection"
	}
	var handshake ErrHandshake
	if errors.As(err, &handshake) {
		return "handshake"
	}
	var exchange ErrExchange
	if errors.As(err, &exchange) {
		return "exchange"
	}
	return "other"
}
