package scraper

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// CertStatus is the revocation or trust status observed for a target certificate.
type CertStatus string

// Certificate statuses reported by OCSP checks and TLS verification.
const (
	CertGood        CertStatus = "good"
	CertRevoked     CertStatus = "revoked"
	CertUnknown     CertStatus = "unknown"
	CertUnreachable CertStatus = "unreachable"

	// CertUntrusted means the chain itself failed verification before any
	// revocation check could run.
	CertUntrusted CertStatus = "untrusted"
)

// Error kinds returned by KindOf.
const (
	KindIPFilter    = "ip_filter"
	KindCertificate = "certificate"
	KindConnection  = "connection"
	KindDriver      = "driver"
	KindCapture     = "capture"
	KindOther       = "other"
)

// ErrBrowserClosed is wrapped into a DriverError when the driver failed after
// its browser handle had already been torn down.
var ErrBrowserClosed = errors.New("browser already closed")

// IPFilterViolation reports a target that resolved outside the allow-list,
// or could not be resolved at all.
type IPFilterViolation struct {
	Host      string
	Addr      string
	AllowList []string
	Err       error
}

func (e *IPFilterViolation) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("ip filter: resolve %s: %v", e.Host, e.Err)
	}
	return fmt.Sprintf("ip filter: %s resolved to %s, not in allow-list [%s]",
		e.Host, e.Addr, strings.Join(e.AllowList, ", "))
}

func (e *IPFilterViolation) Unwrap() error { return e.Err }

// CertificateError reports a target certificate that was rejected during the
// TLS handshake, carrying the specific status.
type CertificateError struct {
	Status CertStatus
	Host   string
	Serial string
	Err    error
}

func (e *CertificateError) Error() string {
	msg := fmt.Sprintf("OCSP status: %s", e.Status)
	if e.Status == CertUntrusted {
		msg = "certificate untrusted"
	}
	if e.Host != "" {
		msg += " (" + e.Host + ")"
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *CertificateError) Unwrap() error { return e.Err }

// ConnectionError is a proxy or transport failure not attributable to the
// target certificate.
type ConnectionError struct {
	Op  string
	URL string
	Err error
}

func (e *ConnectionError) Error() string {
	if e.URL != "" {
		return fmt.Sprintf("proxy %s %s: %v", e.Op, e.URL, e.Err)
	}
	return fmt.Sprintf("proxy %s: %v", e.Op, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// DriverError reports a failed or timed-out automation workload.
type DriverError struct {
	Op  string
	Err error
}

func (e *DriverError) Error() string {
	return fmt.Sprintf("driver %s: %v", e.Op, e.Err)
}

func (e *DriverError) Unwrap() error { return e.Err }

// Timeout reports whether the workload ran out of time.
func (e *DriverError) Timeout() bool {
	return errors.Is(e.Err, context.DeadlineExceeded)
}

// CaptureWriteError is a failure to persist one artifact. It is logged by the
// CaptureStore and never settles a session.
type CaptureWriteError struct {
	Record CaptureRecord
	Err    error
}

func (e *CaptureWriteError) Error() string {
	return fmt.Sprintf("capture %s: %v", e.Record.RelPath(), e.Err)
}

func (e *CaptureWriteError) Unwrap() error { return e.Err }

// KindOf returns the error kind for err, or "" for nil.
func KindOf(err error) string {
	if err == nil {
		return ""
	}
	var (
		ipErr   *IPFilterViolation
		certErr *CertificateError
		connErr *ConnectionError
		drvErr  *DriverError
		capErr  *CaptureWriteError
	)
	switch {
	case errors.As(err, &ipErr):
		return KindIPFilter
	case errors.As(err, &certErr):
		return KindCertificate
	case errors.As(err, &connErr):
		return KindConnection
	case errors.As(err, &drvErr):
		return KindDriver
	case errors.As(err, &capErr):
		return KindCapture
	default:
		return KindOther
	}
}

// ExitCode maps a settled session error to a process exit status.
func ExitCode(err error) int {
	switch KindOf(err) {
	case "":
		return 0
	case KindIPFilter:
		return 2
	case KindCertificate:
		return 3
	case KindConnection:
		return 4
	case KindDriver:
		return 5
	default:
		return 1
	}
}
