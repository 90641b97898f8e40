package scraper

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"testing"
	"time"
)

func TestAccessLogger_Log(t *testing.T) {
	tests := []struct {
		name      string
		entry     AccessLogEntry
		wantLevel string
		want      map[string]any
		absent    []string
	}{
		{
			name: "relayed exchange",
			entry: AccessLogEntry{
				Timestamp:    time.Date(2024, 3, 5, 7, 8, 9, 0, time.UTC),
				ID:           "1",
				Method:       "GET",
				URL:          "https://www.example-test.org/get",
				StatusCode:   200,
				BytesWritten: 512,
				Duration:     20 * time.Millisecond,
				ClientAddr:   "127.0.0.1:50000",
				UpstreamAddr: "192.0.2.10:443",
				TLSVersion:   "TLS 1.3",
				OCSPCheck:    true,
			},
			wantLevel: "INFO",
			want: map[string]any{
				"id":       "1",
				"method":   "GET",
				"status":   float64(200),
				"bytes":    float64(512),
				"upstream": "192.0.2.10:443",
				"tls":      "TLS 1.3",
				"ocsp":     true,
			},
			absent: []string{"error"},
		},
		{
			name: "failed forward",
			entry: AccessLogEntry{
				ID:     "2",
				Method: "POST",
				URL:    "https://www.example-test.org/post",
				Error:  "OCSP status: revoked",
			},
			wantLevel: "WARN",
			want: map[string]any{
				"error": "OCSP status: revoked",
				"ocsp":  false,
			},
			absent: []string{"status", "bytes", "upstream", "tls"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			al := NewAccessLogger(slog.New(slog.NewJSONHandler(&buf, nil)))
			al.Log(tt.entry)

			var got map[string]any
			if err := json.Unmarshal(buf.Bytes(), &got); err != nil {
				t.Fatalf("unmarshal %q: %v", buf.String(), err)
			}
			if got["msg"] != "access" {
				t.Errorf("msg = %v", got["msg"])
			}
			if got["level"] != tt.wantLevel {
				t.Errorf("level = %v, want %s", got["level"], tt.wantLevel)
			}
			for k, v := range tt.want {
				if got[k] != v {
					t.Errorf("%s = %v (%T), want %v", k, got[k], got[k], v)
				}
			}
			for _, k := range tt.absent {
				if _, ok := got[k]; ok {
					t.Errorf("unexpected key %q", k)
				}
			}
		})
	}
}
