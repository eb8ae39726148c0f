package logging

import (
	"bytes"
	"encoding/json"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

func levelOf(l Level) *atomic.Int32 {
	v := new(atomic.Int32)
	v.Store(int32(l))
	return v
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		input    string
		expected Level
	}{
		{"debug", LevelDebug},
		{"info", LevelInfo},
		{"warn", LevelWarn},
		{"error", LevelError},
		{"unknown", LevelInfo}, // default
		{"", LevelInfo},        // default
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			result := ParseLevel(tt.input)
			if result != tt.expected {
				t.Errorf("ParseLevel(%q) = %v, want %v", tt.input, result, tt.expected)
			}
		})
	}
}

func TestLevelString(t *testing.T) {
	tests := []struct {
		level    Level
		expected string
	}{
		{LevelDebug, "debug"},
		{LevelInfo, "info"},
		{LevelWarn, "warn"},
		{LevelError, "error"},
		{Level(99), "unknown"},
	}

	for _, tt := range tests {
		t.Run(tt.expected, func(t *testing.T) {
			result := tt.level.String()
			if result != tt.expected {
				t.Errorf("Level.String() = %q, want %q", result, tt.expected)
			}
		})
	}
}

func TestParseFormat(t *testing.T) {
	tests := []struct {
		input    string
		expected Format
	}{
		{"json", FormatJSON},
		{"text", FormatText},
		{"unknown", FormatText}, // default
		{"", FormatText},        // default
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			result := ParseFormat(tt.input)
			if result != tt.expected {
				t.Errorf("ParseFormat(%q) = %v, want %v", tt.input, result, tt.expected)
			}
		})
	}
}

func TestLoggerJSON(t *testing.T) {
	var buf bytes.Buffer
	l := &logger{
		level:  levelOf(LevelDebug),
		format: FormatJSON,
		output: &buf,
		fields: make(map[string]interface{}),
	}

	l.Info("test message", "key1", "value1", "key2", 42)

	output := buf.String()
	if output == "" {
		t.Fatal("Expected output, got empty string")
	}

	var entry map[string]interface{}
	if err := json.Unmarshal([]byte(output), &entry); err != nil {
		t.Fatalf("Failed to parse JSON output: %v", err)
	}

	if entry["level"] != "info" {
		t.Errorf("Expected level=info, got %v", entry["level"])
	}
	if entry["msg"] != "test message" {
		t.Errorf("Expected msg='test message', got %v", entry["msg"])
	}
	if entry["key1"] != "value1" {
		t.Errorf("Expected key1=value1, got %v", entry["key1"])
	}
	if entry["key2"] != float64(42) { // JSON numbers are float64
		t.Errorf("Expected key2=42, got %v", entry["key2"])
	}
}

func TestLoggerText(t *testing.T) {
	var buf bytes.Buffer
	l := &logger{
		level:  levelOf(LevelDebug),
		format: FormatText,
		output: &buf,
		fields: make(map[string]interface{}),
	}

	l.Info("test message", "key1", "value1")

	output := buf.String()
	if !strings.Contains(output, "[info]") {
		t.Errorf("Expected [info] in output, got: %s", output)
	}
	if !strings.Contains(output, "test message") {
		t.Errorf("Expected 'test message' in output, got: %s", output)
	}
	if !strings.Contains(output, "key1=value1") {
		t.Errorf("Expected 'key1=value1' in output, got: %s", output)
	}
}

func TestLoggerLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	l := &logger{
		level:  levelOf(LevelWarn),
		format: FormatText,
		output: &buf,
		fields: make(map[string]interface{}),
	}

	l.Debug("debug message")
	l.Info("info message")
	l.Warn("warn message")
	l.Error("error message")

	output := buf.String()
	if strings.Contains(output, "debug message") {
		t.Error("Debug message should be filtered")
	}
	if strings.Contains(output, "info message") {
		t.Error("Info message should be filtered")
	}
	if !strings.Contains(output, "warn message") {
		t.Error("Warn message should be present")
	}
	if !strings.Contains(output, "error message") {
		t.Error("Error message should be present")
	}
}

func TestLoggerWithRequestID(t *testing.T) {
	var buf bytes.Buffer
	l := &logger{
		level:  levelOf(LevelDebug),
		format: FormatJSON,
		output: &buf,
		fields: make(map[string]interface{}),
	}

	reqLogger := l.WithRequestID("req-123")
	reqLogger.Info("test message")

	var entry map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("Failed to parse JSON output: %v", err)
	}

	if entry["request_id"] != "req-123" {
		t.Errorf("Expected request_id=req-123, got %v", entry["request_id"])
	}
}

func TestLoggerWithFields(t *testing.T) {
	var buf bytes.Buffer
	l := &logger{
		level:  levelOf(LevelDebug),
		format: FormatJSON,
		output: &buf,
		fields: make(map[string]interface{}),
	}

	fieldLogger := l.WithFields("peer", "127.0.0.1:7002", "voter", true)
	fieldLogger.Info("test message")

	var entry map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("Failed to parse JSON output: %v", err)
	}

	if entry["peer"] != "127.0.0.1:7002" {
		t.Errorf("Expected peer=127.0.0.1:7002, got %v", entry["peer"])
	}
	if entry["voter"] != true {
		t.Errorf("Expected voter=true, got %v", entry["voter"])
	}
}

func TestLoggerCloneIsolation(t *testing.T) {
	var buf bytes.Buffer
	l := &logger{
		level:  levelOf(LevelDebug),
		format: FormatJSON,
		output: &buf,
		fields: make(map[string]interface{}),
	}

	// Create a child logger with fields
	child := l.WithFields("child_field", "value")

	// Original logger should not have the child's fields
	buf.Reset()
	l.Info("parent message")

	var parentEntry map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &parentEntry); err != nil {
		t.Fatalf("Failed to parse JSON output: %v", err)
	}

	if _, ok := parentEntry["child_field"]; ok {
		t.Error("Parent logger should not have child's fields")
	}

	// Child logger should have its fields
	buf.Reset()
	child.Info("child message")

	var childEntry map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &childEntry); err != nil {
		t.Fatalf("Failed to parse JSON output: %v", err)
	}

	if childEntry["child_field"] != "value" {
		t.Errorf("Child logger should have its fields, got %v", childEntry["child_field"])
	}
}

func TestNewLogger(t *testing.T) {
	cfg := Config{
		Level:  "debug",
		Format: "json",
		Output: "stdout",
	}

	l := New(cfg)
	if l == nil {
		t.Fatal("New returned nil")
	}
}

func TestNewDefault(t *testing.T) {
	l := NewDefault()
	if l == nil {
		t.Fatal("NewDefault returned nil")
	}
}

func TestNopLogger(t *testing.T) {
	l := NewNop()
	if l == nil {
		t.Fatal("NewNop returned nil")
	}

	// These should not panic
	l.Debug("test")
	l.Info("test")
	l.Warn("test")
	l.Error("test")

	// WithRequestID should return the same nop logger
	l2 := l.WithRequestID("req-123")
	if l2 == nil {
		t.Error("WithRequestID returned nil")
	}

	// WithFields should return the same nop logger
	l3 := l.WithFields("key", "value")
	if l3 == nil {
		t.Error("WithFields returned nil")
	}

	if l.Named("raft") == nil {
		t.Error("Named returned nil")
	}
}

func TestLoggerAllLevels(t *testing.T) {
	var buf bytes.Buffer
	l := &logger{
		level:  levelOf(LevelDebug),
		format: FormatJSON,
		output: &buf,
		fields: make(map[string]interface{}),
	}

	tests := []struct {
		logFunc func(string, ...interface{})
		level   string
	}{
		{l.Debug, "debug"},
		{l.Info, "info"},
		{l.Warn, "warn"},
		{l.Error, "error"},
	}

	for _, tt := range tests {
		t.Run(tt.level, func(t *testing.T) {
			buf.Reset()
			tt.logFunc("test message")

			var entry map[string]interface{}
			if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
				t.Fatalf("Failed to parse JSON output: %v", err)
			}

			if entry["level"] != tt.level {
				t.Errorf("Expected level=%s, got %v", tt.level, entry["level"])
			}
		})
	}
}

func TestLoggerNamed(t *testing.T) {
	var buf bytes.Buffer
	l := &logger{
		level:  levelOf(LevelDebug),
		format: FormatJSON,
		output: &buf,
		fields: make(map[string]interface{}),
	}

	l.Named("raft").Named("transport").Info("dial failed")

	var entry map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("Failed to parse JSON output: %v", err)
	}
	if entry["logger"] != "raft.transport" {
		t.Errorf("Expected logger=raft.transport, got %v", entry["logger"])
	}
}

func TestLoggerTextFieldOrder(t *testing.T) {
	var buf bytes.Buffer
	l := &logger{
		level:  levelOf(LevelDebug),
		format: FormatText,
		output: &buf,
		fields: map[string]interface{}{"node": 1},
	}

	l.Named("raft").Info("became leader", "term", 3, "commit", 7)

	line := strings.TrimSpace(buf.String())
	if !strings.Contains(line, "[info] raft: became leader commit=7 node=1 term=3") {
		t.Errorf("unexpected text line: %s", line)
	}
}

func TestLoggerValueFormatting(t *testing.T) {
	var buf bytes.Buffer
	l := &logger{
		level:  levelOf(LevelDebug),
		format: FormatJSON,
		output: &buf,
		fields: make(map[string]interface{}),
	}

	l.Warn("persist failed", "error", errors.New("disk full"), "elapsed", 1500*time.Millisecond)

	var entry map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("Failed to parse JSON output: %v", err)
	}
	if entry["error"] != "disk full" {
		t.Errorf("Expected error=disk full, got %v", entry["error"])
	}
	if entry["elapsed"] != "1.5s" {
		t.Errorf("Expected elapsed=1.5s, got %v", entry["elapsed"])
	}
}

func TestNewWithWriterSharedOutput(t *testing.T) {
	var buf bytes.Buffer
	l := NewWithWriter(LevelInfo, FormatText, &buf)
	child := l.WithFields("node", 2)

	l.Debug("hidden")
	l.Info("parent")
	child.Info("child")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 2 {
		t.Fatalf("Expected 2 lines, got %d: %q", len(lines), buf.String())
	}
	if !strings.HasSuffix(lines[1], "child node=2") {
		t.Errorf("unexpected child line: %s", lines[1])
	}
}

func TestLoggerSetLevel(t *testing.T) {
	var buf bytes.Buffer
	root := NewWithWriter(LevelInfo, FormatText, &buf)
	child := root.Named("raft").WithFields("node", 1)

	child.Debug("hidden")
	if buf.Len() != 0 {
		t.Fatalf("debug message written at info level: %q", buf.String())
	}

	root.SetLevel(LevelDebug)
	child.Debug("visible")
	if !strings.Contains(buf.String(), "visible") {
		t.Errorf("child should follow the root level, got %q", buf.String())
	}

	buf.Reset()
	child.SetLevel(LevelError)
	root.Warn("suppressed")
	if buf.Len() != 0 {
		t.Errorf("root should follow a level set through a child, got %q", buf.String())
	}

	NewNop().SetLevel(LevelDebug)
}
