// Structured logging tests
//
// Copyright (C) 2026  Go Migration Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package log

import (
	"bytes"
	"encoding/json"
	"errors"
	"strings"
	"testing"
)

func newTestLogger(prefix string) (*Logger, *bytes.Buffer) {
	var buf bytes.Buffer
	logger := New(prefix)
	logger.SetWriter(&buf)
	logger.SetLevel(DEBUG)
	return logger, &buf
}

func TestLoggerBasic(t *testing.T) {
	logger, buf := newTestLogger("change_nozzle")

	logger.Info("nozzle set to %.2f", 0.6)

	output := buf.String()
	if !strings.Contains(output, "[INFO ]") {
		t.Errorf("expected INFO level, got: %s", output)
	}
	if !strings.Contains(output, "change_nozzle: nozzle set to 0.60") {
		t.Errorf("expected prefixed message, got: %s", output)
	}
	if strings.Contains(output, "\x1b[") {
		t.Errorf("expected no color codes for non-terminal writer, got: %q", output)
	}
}

func TestLoggerLevels(t *testing.T) {
	logger, buf := newTestLogger("test")
	logger.SetLevel(WARN)

	logger.Debug("debug message")
	logger.Info("info message")
	if buf.Len() != 0 {
		t.Errorf("expected DEBUG and INFO to be filtered, got: %s", buf.String())
	}

	logger.Warn("warn message")
	logger.Error("error message")
	out := buf.String()
	if !strings.Contains(out, "warn message") || !strings.Contains(out, "error message") {
		t.Errorf("expected WARN and ERROR to pass, got: %s", out)
	}
}

func TestLoggerColorize(t *testing.T) {
	logger, buf := newTestLogger("test")
	logger.SetColorize(true)

	logger.Warn("hot")
	if !strings.Contains(buf.String(), "\x1b[") {
		t.Errorf("expected ANSI color codes, got: %q", buf.String())
	}
}

func TestLoggerJSON(t *testing.T) {
	logger, buf := newTestLogger("test")
	logger.SetFormat(FormatJSON)

	logger.With(Fields{"extruder": "extruder1"}).
		WithField("nozzle_diameter", 0.6).
		Info("nozzle changed")

	var entry JSONLogEntry
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("failed to parse JSON: %v, output: %s", err, buf.String())
	}
	if entry.Level != "INFO" || entry.Logger != "test" || entry.Message != "nozzle changed" {
		t.Errorf("unexpected entry: %+v", entry)
	}
	if entry.Fields["extruder"] != "extruder1" {
		t.Errorf("expected logger field to be merged, got: %v", entry.Fields)
	}
	if entry.Fields["nozzle_diameter"] != 0.6 {
		t.Errorf("expected entry field, got: %v", entry.Fields)
	}
}

func TestLoggerWithFieldsText(t *testing.T) {
	logger, buf := newTestLogger("test")

	logger.WithFields(Fields{"b": 2, "a": 1}).WithError(errors.New("boom")).Warn("failed")

	if !strings.Contains(buf.String(), "{a=1, b=2, error=boom}") {
		t.Errorf("expected sorted fields, got: %s", buf.String())
	}
}

func TestLoggerSharedOutput(t *testing.T) {
	root, buf := newTestLogger("klipper")
	child := root.WithPrefix("mqtt_status")

	root.SetLevel(ERROR)
	child.Info("filtered")
	if buf.Len() != 0 {
		t.Errorf("expected child to follow root level, got: %s", buf.String())
	}

	root.SetFormat(FormatJSON)
	child.Error("published")
	var entry JSONLogEntry
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("expected child to follow root format: %v", err)
	}
	if entry.Logger != "mqtt_status" {
		t.Errorf("expected logger 'mqtt_status', got %q", entry.Logger)
	}
}

func TestLoggerCaller(t *testing.T) {
	logger, buf := newTestLogger("test")
	logger.SetCaller(true)

	logger.Info("caller test")
	logger.WithField("k", "v").Info("entry caller test")

	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		if !strings.Contains(line, "logger_test.go:") {
			t.Errorf("expected caller info 'logger_test.go:', got: %s", line)
		}
	}
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		input    string
		expected LogLevel
	}{
		{"DEBUG", DEBUG},
		{"debug", DEBUG},
		{"info", INFO},
		{"WARNING", WARN},
		{"warn", WARN},
		{"error", ERROR},
		{"invalid", INFO},
		{"", INFO},
	}
	for _, tt := range tests {
		if got := ParseLevel(tt.input); got != tt.expected {
			t.Errorf("ParseLevel(%q) = %v, expected %v", tt.input, got, tt.expected)
		}
	}
}

func TestParseFormat(t *testing.T) {
	if ParseFormat("JSON") != FormatJSON {
		t.Error("expected JSON format")
	}
	if ParseFormat("pretty") != FormatText {
		t.Error("expected text format fallback")
	}
}

func TestLogLevelString(t *testing.T) {
	if LogLevel(99).String() != "UNKNOWN" {
		t.Errorf("expected UNKNOWN, got %s", LogLevel(99).String())
	}
	if WARN.String() != "WARN" {
		t.Errorf("expected WARN, got %s", WARN.String())
	}
}

func TestGetLogger(t *testing.T) {
	logger := GetLogger("toolhead")
	if logger.prefix != "toolhead" {
		t.Errorf("expected prefix 'toolhead', got %q", logger.prefix)
	}
	if logger.out != Default().out {
		t.Error("expected component logger to share the default output")
	}
}

func BenchmarkLoggerText(b *testing.B) {
	var buf bytes.Buffer
	logger := New("bench")
	logger.SetWriter(&buf)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		buf.Reset()
		logger.Info("benchmark message %d", i)
	}
}

func BenchmarkLoggerFiltered(b *testing.B) {
	var buf bytes.Buffer
	logger := New("bench")
	logger.SetWriter(&buf)
	logger.SetLevel(ERROR)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		logger.Info("this should be filtered")
	}
}
