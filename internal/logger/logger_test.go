package logger

import (
	"bytes"
	"context"
	"path/filepath"
	"strings"
	"testing"

	chiMiddleware "github.com/go-chi/chi/v5/middleware"
)

func TestSetupLevels(t *testing.T) {
	tests := []struct {
		level   string
		wantErr bool
	}{
		{level: "", wantErr: false},
		{level: "debug", wantErr: false},
		{level: "warn", wantErr: false},
		{level: "loud", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.level, func(t *testing.T) {
			err := Setup(Options{Level: tt.level, NoColors: true})
			if (err != nil) != tt.wantErr {
				t.Errorf("Setup(%q) error = %v, wantErr %v", tt.level, err, tt.wantErr)
			}
		})
	}
}

func TestHelpersWriteFields(t *testing.T) {
	if err := Setup(Options{Level: "debug", NoColors: true}); err != nil {
		t.Fatal(err)
	}
	var buf bytes.Buffer
	SetOutput(&buf)

	Info(Fields{"person": "alice"}, "enrolled")
	Debug(nil, "debug line")

	out := buf.String()
	if !strings.Contains(out, "enrolled") || !strings.Contains(out, "alice") {
		t.Errorf("output missing message or field: %q", out)
	}
	if !strings.Contains(out, "debug line") {
		t.Errorf("debug message not written at debug level: %q", out)
	}
}

func TestErrorWithTraceID(t *testing.T) {
	if err := Setup(Options{NoColors: true}); err != nil {
		t.Fatal(err)
	}
	var buf bytes.Buffer
	SetOutput(&buf)

	if got := ErrorWithTraceID(Fields{"request_id": "req-1"}, "boom"); got != "req-1" {
		t.Errorf("trace id = %q, want req-1", got)
	}
	if got := ErrorWithTraceID(nil, "boom"); len(got) != 36 {
		t.Errorf("generated trace id = %q, want uuid", got)
	}
}

func TestWithContext(t *testing.T) {
	ctx := context.WithValue(context.Background(), chiMiddleware.RequestIDKey, "abc")
	if got := WithContext(ctx).Data["request_id"]; got != "abc" {
		t.Errorf("request_id = %v, want abc", got)
	}
	if got := WithContext(context.Background()).Data["request_id"]; got != "unknown" {
		t.Errorf("request_id = %v, want unknown", got)
	}
}

func TestSetupFile(t *testing.T) {
	file := filepath.Join(t.TempDir(), "app.log")
	if err := Setup(Options{File: file, NoColors: true}); err != nil {
		t.Fatal(err)
	}
	Info(nil, "to file")
	if err := Setup(Options{NoColors: true}); err != nil {
		t.Fatal(err)
	}
}
