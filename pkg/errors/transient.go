package errors

import "strings"

// TransientErrorPatterns contains patterns that indicate transient errors worth retrying.
// These cover Docker daemon connectivity, network timeouts, and registry errors.
var TransientErrorPatterns = []string{
	"connection refused",
	"Connection reset by peer",
	"context deadline exceeded",
	"connection timed out",
	"i/o timeout",
	"TLS handshake timeout",
	"no such host",
	"network is unreachable",
	"Cannot connect to the Docker daemon",
	"error during connect",
	"received unexpected HTTP status: 5",
}

// IsTransientError checks if the error message or output contains a transient error pattern.
func IsTransientError(err error, output string) (bool, string) {
	if err != nil {
		msg := err.Error()
		for _, pattern := range TransientErrorPatterns {
			if strings.Contains(msg, pattern) {
				return true, pattern
			}
		}
	}
	for _, pattern := range TransientErrorPatterns {
		if strings.Contains(output, pattern) {
			return true, pattern
		}
	}
	return false, ""
}

// IsTransientErrorMsg checks if an error contains a transient error pattern.
func IsTransientErrorMsg(err error) (bool, string) {
	return IsTransientError(err, "")
}
