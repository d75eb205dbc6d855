package pkg

import (
	"bytes"
	"log/slog"
	"strings"
	"testing"
	"time"
)

func TestSetLogLevel(t *testing.T) {
	original := GetLogLevel()
	defer SetLogLevel(original)

	tests := []struct {
		name  string
		level slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"info", slog.LevelInfo},
		{"warn", slog.LevelWarn},
		{"error", slog.LevelError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			SetLogLevel(tt.level)
			if got := GetLogLevel(); got != tt.level {
				t.Errorf("GetLogLevel() = %v, want %v", got, tt.level)
			}
		})
	}
}

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(&buf, nil)
	if logger == nil {
		t.Fatal("NewLogger returned nil")
	}

	logger.Info("test message")
	if !strings.Contains(buf.String(), "test message") {
		t.Errorf("log output missing message: %s", buf.String())
	}
}

func TestNewJSONLogger(t *testing.T) {
	var buf bytes.Buffer
	logger := NewJSONLogger(&buf, nil)
	if logger == nil {
		t.Fatal("NewJSONLogger returned nil")
	}

	logger.Info("test message")
	output := buf.String()
	if !strings.Contains(output, `"msg":"test message"`) {
		t.Errorf("JSON log output missing message: %s", output)
	}
}

func TestLogDebug(t *testing.T) {
	var buf bytes.Buffer
	original := DefaultLogger
	defer func() { DefaultLogger = original }()

	SetLogLevel(slog.LevelDebug)
	SetLogger(NewLogger(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))

	LogDebug(ComponentDevice, "debug message", "key", "value")
	output := buf.String()
	if !strings.Contains(output, "debug message") {
		t.Errorf("debug log missing message: %s", output)
	}
	if !strings.Contains(output, "component=device") {
		t.Errorf("debug log missing component: %s", output)
	}
}

func TestLogInfo(t *testing.T) {
	var buf bytes.Buffer
	original := DefaultLogger
	defer func() { DefaultLogger = original }()

	SetLogger(NewLogger(&buf, nil))

	LogInfo(ComponentBus, "info message")
	output := buf.String()
	if !strings.Contains(output, "info message") {
		t.Errorf("info log missing message: %s", output)
	}
	if !strings.Contains(output, "component=bus") {
		t.Errorf("info log missing component: %s", output)
	}
}

func TestLogWarn(t *testing.T) {
	var buf bytes.Buffer
	original := DefaultLogger
	defer func() { DefaultLogger = original }()

	SetLogger(NewLogger(&buf, nil))

	LogWarn(ComponentNotify, "warn message")
	output := buf.String()
	if !strings.Contains(output, "warn message") {
		t.Errorf("warn log missing message: %s", output)
	}
}

func TestLogError(t *testing.T) {
	var buf bytes.Buffer
	original := DefaultLogger
	defer func() { DefaultLogger = original }()

	SetLogger(NewLogger(&buf, nil))

	LogError(ComponentDMA, "error message")
	output := buf.String()
	if !strings.Contains(output, "error message") {
		t.Errorf("error log missing message: %s", output)
	}
	if !strings.Contains(output, "component=dma") {
		t.Errorf("error log missing component: %s", output)
	}
}

func TestSetLogger(t *testing.T) {
	var buf bytes.Buffer
	original := DefaultLogger
	defer func() { DefaultLogger = original }()

	customLogger := NewLogger(&buf, nil)
	SetLogger(customLogger)

	LogInfo(ComponentDevice, "custom logger test")
	if !strings.Contains(buf.String(), "custom logger test") {
		t.Error("custom logger not used")
	}
}

func TestThrottleWarn(t *testing.T) {
	var buf bytes.Buffer
	original := DefaultLogger
	defer func() { DefaultLogger = original }()

	SetLogger(NewLogger(&buf, nil))

	th := NewThrottle(time.Hour, 1)
	if !th.Warn(ComponentNotify, "ring overflow") {
		t.Fatal("first warning should be emitted")
	}
	for i := 0; i < 3; i++ {
		if th.Warn(ComponentNotify, "ring overflow") {
			t.Fatalf("warning %d should be suppressed", i+2)
		}
	}
	if got := th.Suppressed(); got != 3 {
		t.Errorf("Suppressed() = %d, want 3", got)
	}
	if n := strings.Count(buf.String(), "ring overflow"); n != 1 {
		t.Errorf("emitted %d warnings, want 1", n)
	}
}

func TestThrottleReportsSuppressed(t *testing.T) {
	var buf bytes.Buffer
	original := DefaultLogger
	defer func() { DefaultLogger = original }()

	SetLogger(NewLogger(&buf, nil))

	th := NewThrottle(time.Millisecond, 1)
	th.Warn(ComponentNotify, "first")
	th.Warn(ComponentNotify, "dropped")
	time.Sleep(5 * time.Millisecond)
	th.Warn(ComponentNotify, "second")

	if !strings.Contains(buf.String(), "suppressed=1") {
		t.Errorf("missing suppressed count: %s", buf.String())
	}
	if th.Suppressed() != 0 {
		t.Errorf("Suppressed() = %d after emit, want 0", th.Suppressed())
	}
}
