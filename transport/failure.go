package transport

import (
	"context"
	"errors"
	"net"
	"syscall"
)

// Failure is the broker-agnostic category of a transport error.
type Failure string

const (
	FailureNone          Failure = ""
	FailureConnection    Failure = "connection"
	FailureAuth          Failure = "authentication"
	FailureSerialization Failure = "serialization"
	FailureTimeout       Failure = "timeout"
	FailureClosed        Failure = "closed"
	FailureUnknown       Failure = "unknown"
)

// ErrTransportClosed is returned by a guarded transport (see Guard) once it
// started closing. Registry.Build guards every transport it builds.
var ErrTransportClosed = errors.New("relayflow: transport closed")

// ClassifyCommon recognises errors that look the same on every broker:
// deadlines, refused or reset sockets, and closed transports.
func ClassifyCommon(err error) Failure {
	if err == nil {
		return FailureNone
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return FailureTimeout
	}
	if errors.Is(err, ErrTransportClosed) || errors.Is(err, net.ErrClosed) {
		return FailureClosed
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return FailureTimeout
	}
	if errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ECONNRESET) {
		return FailureConnection
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return FailureConnection
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return FailureConnection
	}
	return FailureUnknown
}
