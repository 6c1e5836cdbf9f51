package resilience

import (
	"context"
	"errors"
	"net"
	"strings"
	"syscall"

	"github.com/sells-group/job-scorer/internal/extract"
	"github.com/sells-group/job-scorer/internal/model"
)

// TransientError wraps an error that is safe to retry (e.g., 429, 5xx, network timeout).
type TransientError struct {
	Err        error
	StatusCode int
}

func (e *TransientError) Error() string {
	return e.Err.Error()
}

func (e *TransientError) Unwrap() error {
	return e.Err
}

// NewTransientError wraps an error as transient with an optional HTTP status code.
func NewTransientError(err error, statusCode int) *TransientError {
	return &TransientError{Err: err, StatusCode: statusCode}
}

// statusCoder is implemented by transport errors that carry an HTTP status.
type statusCoder interface {
	HTTPStatus() int
}

var timeoutPatterns = []string{
	"i/o timeout",
	"tls handshake timeout",
	"deadline exceeded",
	"context canceled",
	"timeout awaiting response headers",
}

var connectionPatterns = []string{
	"connection reset by peer",
	"connection refused",
	"broken pipe",
	"temporary failure in name resolution",
	"no such host",
	"server closed idle connection",
	"transport connection broken",
	"unexpected eof",
}

// IsTransient returns true if the error (or any error in its chain) is a
// TransientError, or if it matches common transient error patterns (network
// timeouts, connection resets, DNS failures).
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	var te *TransientError
	if errors.As(err, &te) {
		return true
	}
	switch Classify(err) {
	case model.ErrorKindTimeout, model.ErrorKindConnection:
		return !errors.Is(err, context.Canceled) && !errors.Is(err, ErrCircuitOpen)
	}
	return false
}

// IsTransientHTTPStatus returns true if the HTTP status code indicates a
// transient server-side issue that is safe to retry.
func IsTransientHTTPStatus(statusCode int) bool {
	switch statusCode {
	case 408, // Request Timeout
		429, // Too Many Requests
		500, // Internal Server Error
		502, // Bad Gateway
		503, // Service Unavailable
		504: // Gateway Timeout
		return true
	default:
		return false
	}
}

// Classify maps an error chain onto the closed ErrorKind set. Local errors
// are checked first so a wrapped transport error never hides a build or
// validation failure.
func Classify(err error) model.ErrorKind {
	if err == nil {
		return ""
	}

	var be *model.BuildError
	if errors.As(err, &be) {
		return model.ErrorKindBuild
	}
	var ve *model.ValidationError
	if errors.As(err, &ve) {
		return model.ErrorKindValidation
	}
	var pe *extract.ParseError
	if errors.As(err, &pe) {
		return model.ErrorKindParse
	}

	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return model.ErrorKindTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return model.ErrorKindTimeout
	}

	if errors.Is(err, ErrCircuitOpen) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNABORTED) {
		return model.ErrorKindConnection
	}
	var sc statusCoder
	if errors.As(err, &sc) {
		if sc.HTTPStatus() == 408 || sc.HTTPStatus() == 504 {
			return model.ErrorKindTimeout
		}
		return model.ErrorKindConnection
	}
	var te *TransientError
	if errors.As(err, &te) {
		return model.ErrorKindConnection
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return model.ErrorKindConnection
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return model.ErrorKindConnection
	}

	msg := strings.ToLower(err.Error())
	for _, p := range timeoutPatterns {
		if strings.Contains(msg, p) {
			return model.ErrorKindTimeout
		}
	}
	for _, p := range connectionPatterns {
		if strings.Contains(msg, p) {
			return model.ErrorKindConnection
		}
	}
	return model.ErrorKindUnknown
}
