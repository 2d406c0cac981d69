package middleware

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
)

// decodeLogLines parses one JSON object per line from the handler output.
func decodeLogLines(t *testing.T, buf *bytes.Buffer) []map[string]any {
	t.Helper()
	var lines []map[string]any
	sc := bufio.NewScanner(buf)
	for sc.Scan() {
		var m map[string]any
		if err := json.Unmarshal(sc.Bytes(), &m); err != nil {
			t.Fatalf("log line is not JSON: %v: %s", err, sc.Text())
		}
		lines = append(lines, m)
	}
	return lines
}

func serveLogged(t *testing.T, inner http.Handler, target string) (*httptest.ResponseRecorder, []map[string]any) {
	t.Helper()
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, target, nil)
	RequestLogging(logger)(inner).ServeHTTP(rec, req)
	return rec, decodeLogLines(t, &buf)
}

func TestRequestLoggingEmitsStartAndCompletion(t *testing.T) {
	var ctxID string
	var ctxLogger *slog.Logger
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctxID, _ = RequestIDFromContext(r.Context())
		ctxLogger = LoggerFromContext(r.Context())
		w.WriteHeader(http.StatusOK)
	})

	_, lines := serveLogged(t, inner, "/v1/flags")

	if len(ctxID) != 16 {
		t.Fatalf("request ID %q in context, want 16 hex chars", ctxID)
	}
	if ctxLogger == nil {
		t.Fatal("no logger in request context")
	}
	if len(lines) != 2 {
		t.Fatalf("got %d log lines, want 2", len(lines))
	}
	start, done := lines[0], lines[1]
	if start["msg"] != "request started" || done["msg"] != "request completed" {
		t.Fatalf("log msgs = %q, %q", start["msg"], done["msg"])
	}
	for _, line := range lines {
		if line["request_id"] != ctxID {
			t.Fatalf("log request_id = %v, context has %q", line["request_id"], ctxID)
		}
		if line["method"] != "GET" || line["path"] != "/v1/flags" {
			t.Fatalf("log line carries method=%v path=%v", line["method"], line["path"])
		}
	}
	if done["status_code"] != float64(http.StatusOK) {
		t.Fatalf("status_code = %v, want 200", done["status_code"])
	}
	if ms, ok := done["duration_ms"].(float64); !ok || ms < 0 {
		t.Fatalf("duration_ms = %v, want a non-negative number", done["duration_ms"])
	}
}

func TestRequestLoggingContextLoggerCarriesRequestID(t *testing.T) {
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		LoggerFromContext(r.Context()).InfoContext(r.Context(), "probe")
		w.WriteHeader(http.StatusOK)
	})

	_, lines := serveLogged(t, inner, "/")

	if len(lines) != 3 {
		t.Fatalf("got %d log lines, want 3", len(lines))
	}
	probe := lines[1]
	if probe["msg"] != "probe" {
		t.Fatalf("middle line msg = %v, want probe", probe["msg"])
	}
	if probe["request_id"] == nil || probe["request_id"] != lines[0]["request_id"] {
		t.Fatalf("probe request_id = %v, want %v", probe["request_id"], lines[0]["request_id"])
	}
}

func TestRequestLoggingStatusCapture(t *testing.T) {
	tests := []struct {
		name    string
		handler http.HandlerFunc
		want    int
	}{
		{
			name:    "explicit WriteHeader",
			handler: func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusNotFound) },
			want:    http.StatusNotFound,
		},
		{
			name:    "implicit 200 from Write",
			handler: func(w http.ResponseWriter, _ *http.Request) { _, _ = w.Write([]byte("ok")) },
			want:    http.StatusOK,
		},
		{
			name: "WriteHeader after Write is ignored",
			handler: func(w http.ResponseWriter, _ *http.Request) {
				_, _ = w.Write([]byte("ok"))
				w.WriteHeader(http.StatusInternalServerError)
			},
			want: http.StatusOK,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec, lines := serveLogged(t, tt.handler, "/")
			if rec.Code != tt.want {
				t.Fatalf("response code = %d, want %d", rec.Code, tt.want)
			}
			done := lines[len(lines)-1]
			if done["status_code"] != float64(tt.want) {
				t.Fatalf("logged status_code = %v, want %d", done["status_code"], tt.want)
			}
		})
	}
}

func TestRequestLoggingNilLoggerFallsBack(t *testing.T) {
	inner := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	rec := httptest.NewRecorder()
	RequestLogging(nil)(inner).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("response code = %d, want 200", rec.Code)
	}
}

func TestRequestIDFromContext(t *testing.T) {
	if _, ok := RequestIDFromContext(context.Background()); ok {
		t.Fatal("RequestIDFromContext reported a value on an empty context")
	}
	ctx := context.WithValue(context.Background(), requestIDKey, "abc123")
	id, ok := RequestIDFromContext(ctx)
	if !ok || id != "abc123" {
		t.Fatalf("RequestIDFromContext = %q, %v; want abc123, true", id, ok)
	}
}

func TestLoggerFromContext(t *testing.T) {
	if LoggerFromContext(context.Background()) == nil {
		t.Fatal("LoggerFromContext returned nil for an empty context")
	}
	custom := slog.New(slog.NewJSONHandler(&bytes.Buffer{}, nil))
	ctx := context.WithValue(context.Background(), requestLoggerKey, custom)
	if LoggerFromContext(ctx) != custom {
		t.Fatal("LoggerFromContext ignored the context logger")
	}
}

func TestStatusWriter(t *testing.T) {
	t.Run("second WriteHeader does not overwrite", func(t *testing.T) {
		rec := httptest.NewRecorder()
		sw := &statusWriter{ResponseWriter: rec, status: http.StatusOK}
		sw.WriteHeader(http.StatusCreated)
		sw.WriteHeader(http.StatusBadGateway)
		if sw.status != http.StatusCreated {
			t.Fatalf("status = %d, want 201", sw.status)
		}
	})

	t.Run("Flush reaches the underlying writer", func(t *testing.T) {
		rec := httptest.NewRecorder()
		sw := &statusWriter{ResponseWriter: rec, status: http.StatusOK}
		sw.Flush()
		if !rec.Flushed {
			t.Fatal("Flush did not propagate")
		}
	})

	t.Run("Unwrap exposes the underlying writer", func(t *testing.T) {
		rec := httptest.NewRecorder()
		sw := &statusWriter{ResponseWriter: rec, status: http.StatusOK}
		if sw.Unwrap() != rec {
			t.Fatal("Unwrap returned a different writer")
		}
	})
}
