package scraper

import (
	"io"
	"net/http"
	"strings"

	"github.com/andybalholm/brotli"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
)

// Compression encoding constants.
const (
	EncodingGzip   = "gzip"
	EncodingZstd   = "zstd"
	EncodingBrotli = "br"
)

// CompressionConfig controls admin response compression.
type CompressionConfig struct {
	// MinSize is the minimum response size to compress (default: 256 bytes).
	MinSize int

	// Level is the compression level (1-9 for gzip, 1-11 for brotli, 1-4
	// for zstd). 0 uses each algorithm's default.
	Level int

	// ContentTypes is a list of content-type prefixes to compress.
	// Empty means common text types.
	ContentTypes []string

	// PreferOrder is the preferred encoding order when the client accepts
	// several. Default: br, zstd, gzip.
	PreferOrder []string
}

// DefaultCompressionConfig returns a CompressionConfig with sensible defaults.
func DefaultCompressionConfig() CompressionConfig {
	return CompressionConfig{
		MinSize:     256,
		PreferOrder: []string{EncodingBrotli, EncodingZstd, EncodingGzip},
	}
}

var defaultCompressibleTypes = []string{
	"text/",
	"application/json",
	"application/yaml",
	"application/xml",
	"application/openmetrics-text",
}

// CompressHandler wraps an http.Handler with response compression. Headers
// are held back until the handler has written MinSize bytes or finished, so
// Content-Encoding is only announced for bodies that are actually encoded.
type CompressHandler struct {
	Handler http.Handler
	Config  CompressionConfig
}

// NewCompressHandler creates a compression middleware with default config.
func NewCompressHandler(h http.Handler) *CompressHandler {
	return &CompressHandler{
		Handler: h,
		Config:  DefaultCompressionConfig(),
	}
}

// ServeHTTP implements http.Handler.
func (c *CompressHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	encoding := c.selectEncoding(r.Header.Get("Accept-Encoding"))
	if encoding == "" || r.Method == http.MethodHead {
		c.Handler.ServeHTTP(w, r)
		return
	}

	cw := &compressResponseWriter{
		ResponseWriter: w,
		encoding:       encoding,
		config:         c.Config,
		status:         http.StatusOK,
	}
	defer func() { _ = cw.Close() }()

	c.Handler.ServeHTTP(cw, r)
}

func (c *CompressHandler) selectEncoding(acceptEncoding string) string {
	if acceptEncoding == "" {
		return ""
	}
	accepted := parseAcceptEncoding(acceptEncoding)

	preferOrder := c.Config.PreferOrder
	if len(preferOrder) == 0 {
		preferOrder = []string{EncodingBrotli, EncodingZstd, EncodingGzip}
	}
	for _, enc := range preferOrder {
		if _, ok := accepted[enc]; ok {
			return enc
		}
	}
	return ""
}

// parseAcceptEncoding returns the accepted encodings, skipping identity and
// those with q=0.
func parseAcceptEncoding(header string) map[string]struct{} {
	result := make(map[string]struct{})
	for _, part := range strings.Split(header, ",") {
		name, params, _ := strings.Cut(strings.TrimSpace(part), ";")
		name = strings.ToLower(strings.TrimSpace(name))
		if q, ok := strings.CutPrefix(strings.TrimSpace(params), "q="); ok {
			if q = strings.TrimSpace(q); q == "0" || q == "0.0" || q == "0.00" || q == "0.000" {
				continue
			}
		}
		if name != "" && name != "identity" {
			result[name] = struct{}{}
		}
	}
	return result
}

type compressResponseWriter struct {
	http.ResponseWriter
	encoding string
	config   CompressionConfig

	status      int
	wroteHeader bool
	decided     bool
	writer      io.WriteCloser
	buffer      []byte
}

func (cw *compressResponseWriter) WriteHeader(statusCode int) {
	if cw.wroteHeader {
		return
	}
	cw.wroteHeader = true
	cw.status = statusCode

	if statusCode < http.StatusOK || statusCode == http.StatusNoContent ||
		statusCode == http.StatusNotModified || cw.Header().Get("Content-Encoding") != "" ||
		!cw.shouldCompress(cw.Header().Get("Content-Type")) {
		cw.passthrough()
	}
}

func (cw *compressResponseWriter) Write(b []byte) (int, error) {
	if !cw.wroteHeader {
		cw.WriteHeader(http.StatusOK)
	}
	if cw.decided {
		if cw.writer != nil {
			return cw.writer.Write(b)
		}
		return cw.ResponseWriter.Write(b)
	}

	cw.buffer = append(cw.buffer, b...)
	minSize := cw.config.MinSize
	if minSize == 0 {
		minSize = 256
	}
	if len(cw.buffer) < minSize {
		return len(b), nil
	}
	if err := cw.startCompression(); err != nil {
		return 0, err
	}
	return len(b), nil
}

// passthrough commits the headers unencoded and flushes any buffered bytes.
func (cw *compressResponseWriter) passthrough() {
	cw.decided = true
	cw.ResponseWriter.WriteHeader(cw.status)
	if len(cw.buffer) > 0 {
		_, _ = cw.ResponseWriter.Write(cw.buffer)
		cw.buffer = nil
	}
}

func (cw *compressResponseWriter) startCompression() error {
	cw.decided = true
	h := cw.Header()
	h.Del("Content-Length")
	h.Set("Content-Encoding", cw.encoding)
	h.Add("Vary", "Accept-Encoding")
	cw.ResponseWriter.WriteHeader(cw.status)

	var err error
	switch cw.encoding {
	case EncodingGzip:
		level := cw.config.Level
		if level == 0 {
			level = gzip.DefaultCompression
		}
		cw.writer, err = gzip.NewWriterLevel(cw.ResponseWriter, level)
	case EncodingZstd:
		level := zstd.SpeedDefault
		if cw.config.Level != 0 {
			level = zstd.EncoderLevelFromZstd(cw.config.Level)
		}
		cw.writer, err = zstd.NewWriter(cw.ResponseWriter, zstd.WithEncoderLevel(level))
	case EncodingBrotli:
		level := cw.config.Level
		if level == 0 {
			level = brotli.DefaultCompression
		}
		cw.writer = brotli.NewWriterLevel(cw.ResponseWriter, level)
	}
	if err != nil {
		return err
	}

	buf := cw.buffer
	cw.buffer = nil
	_, err = cw.writer.Write(buf)
	return err
}

// Close finishes the response. Bodies below MinSize are sent unencoded.
func (cw *compressResponseWriter) Close() error {
	if !cw.decided {
		cw.passthrough()
	}
	if cw.writer != nil {
		return cw.writer.Close()
	}
	return nil
}

func (cw *compressResponseWriter) shouldCompress(contentType string) bool {
	if contentType == "" {
		return false
	}
	types := cw.config.ContentTypes
	if len(types) == 0 {
		types = defaultCompressibleTypes
	}
	contentType = strings.ToLower(contentType)
	for _, t := range types {
		if strings.HasPrefix(contentType, strings.ToLower(t)) {
			return true
		}
	}
	return false
}

// Flush implements http.Flusher. Flushing before MinSize bytes commits the
// response unencoded.
func (cw *compressResponseWriter) Flush() {
	if !cw.wroteHeader {
		cw.WriteHeader(http.StatusOK)
	}
	if !cw.decided {
		cw.passthrough()
	}
	if f, ok := cw.writer.(interface{ Flush() error }); ok {
		_ = f.Flush()
	}
	if f, ok := cw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}
