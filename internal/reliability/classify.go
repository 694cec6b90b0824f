// Package reliability holds the failure-handling building blocks shared
// by every pipeline step: error classification, the action guard, the
// retry policy and the circuit breaker.
package reliability

import (
	"context"
	"errors"
	"net"
	"strings"
)

var networkMarkers = []string{
	"connection refused",
	"connection reset",
	"connection aborted",
	"broken pipe",
	"no such host",
	"network is unreachable",
	"host is unreachable",
	"dns",
	"timeout",
	"timed out",
	"tls handshake",
	"proxy",
	"socket",
}

// IsNetworkError reports whether err looks like an endpoint or transport
// problem rather than a page-level failure. Network failures get the
// exponential backoff schedule and feed the circuit breaker.
func IsNetworkError(err error) bool {
	if err == nil {
		return false
	}
	var openErr *OpenError
	if errors.As(err, &openErr) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return true
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, marker := range networkMarkers {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}

// Retryable reports whether another attempt could plausibly succeed.
// Guard trips and cancellation are final.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	var loopErr *RunawayLoopError
	if errors.As(err, &loopErr) {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	return true
}
