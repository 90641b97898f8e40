package scraper

import (
	"context"
	"log/slog"
	"time"
)

// AccessLogger writes one structured line for each proxied exchange.
// It uses slog.LogAttrs for low-allocation logging on the hot path.
type AccessLogger struct {
	logger *slog.Logger
}

// AccessLogEntry contains all fields for a single access log record.
type AccessLogEntry struct {
	// Timestamp when the request entered the proxy.
	Timestamp time.Time

	// ID is the exchange's correlation key.
	ID string

	// Method is the HTTP method.
	Method string

	// URL is the upstream URL the request was forwarded to.
	URL string

	// UpstreamAddr is the remote address of the target connection.
	UpstreamAddr string

	// TLSVersion is the negotiated TLS version, empty for plain HTTP.
	TLSVersion string

	// StatusCode is the upstream response status code. Zero if the
	// forward failed.
	StatusCode int

	// Duration is the time to process the exchange.
	Duration time.Duration

	// BytesWritten is the response body size relayed to the client.
	BytesWritten int64

	// ClientAddr is the client's remote address.
	ClientAddr string

	// OCSPCheck is true when the exchange used the revocation-checking agent.
	OCSPCheck bool

	// Error is a description of any error that occurred.
	Error string
}

// NewAccessLogger creates a new AccessLogger that writes to the given slog.Logger.
func NewAccessLogger(logger *slog.Logger) *AccessLogger {
	return &AccessLogger{logger: logger}
}

// Log writes an access log entry.
func (al *AccessLogger) Log(e AccessLogEntry) {
	attrs := make([]slog.Attr, 0, 12)

	attrs = append(attrs,
		slog.Time("timestamp", e.Timestamp),
		slog.String("id", e.ID),
		slog.String("method", e.Method),
		slog.String("url", e.URL),
		slog.String("client", e.ClientAddr),
		slog.Bool("ocsp", e.OCSPCheck),
	)

	if e.UpstreamAddr != "" {
		attrs = append(attrs, slog.String("upstream", e.UpstreamAddr))
	}
	if e.TLSVersion != "" {
		attrs = append(attrs, slog.String("tls", e.TLSVersion))
	}

	if e.Error != "" {
		attrs = append(attrs, slog.String("error", e.Error))
	} else {
		attrs = append(attrs,
			slog.Int("status", e.StatusCode),
			slog.Int64("bytes", e.BytesWritten),
		)
	}

	attrs = append(attrs, slog.Duration("duration", e.Duration))

	level := slog.LevelInfo
	if e.Error != "" {
		level = slog.LevelWarn
	}
	al.logger.LogAttrs(context.Background(), level, "access", attrs...)
}
