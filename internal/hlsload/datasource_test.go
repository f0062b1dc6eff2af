package hlsload

import (
	"bytes"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/jmylchreest/hlstrack/internal/hlsconfig"
	"github.com/jmylchreest/hlstrack/internal/observability"
)

func TestHTTPDataSource_FetchReturnsBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("#EXTM3U\n"))
	}))
	defer srv.Close()

	var buf bytes.Buffer
	logger := observability.NewLoggerWithWriter(hlsconfig.LoggingConfig{Level: "trace", Format: "json"}, &buf)

	src := NewHTTPDataSource(logger)
	body, err := src.Fetch(t.Context(), srv.URL, nil)
	if err != nil {
		t.Fatalf("Fetch() error = %v", err)
	}
	if string(body) != "#EXTM3U\n" {
		t.Errorf("Fetch() body = %q, want #EXTM3U", body)
	}

	output := buf.String()
	if !bytes.Contains(buf.Bytes(), []byte(`"component":"hlsload.http"`)) {
		t.Errorf("logger output missing component attribute, got: %s", output)
	}
	if !bytes.Contains(buf.Bytes(), []byte("operation completed")) {
		t.Errorf("logger output missing TimedOperation completion log, got: %s", output)
	}
}

func TestHTTPDataSource_FetchNonOKStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	src := NewHTTPDataSource(slog.Default())
	_, err := src.Fetch(t.Context(), srv.URL, nil)
	if err == nil {
		t.Fatal("Fetch() error = nil, want HTTPStatusError")
	}
	statusErr, ok := err.(*HTTPStatusError)
	if !ok {
		t.Fatalf("Fetch() error type = %T, want *HTTPStatusError", err)
	}
	if statusErr.StatusCode != http.StatusNotFound {
		t.Errorf("StatusCode = %d, want 404", statusErr.StatusCode)
	}
}
