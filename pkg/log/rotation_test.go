// Log rotation tests
//
// Copyright (C) 2026  Go Migration Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package log

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestRotatingFileWriter(t *testing.T) {
	logFile := filepath.Join(t.TempDir(), "logs", "klippy.log")

	writer, err := NewRotatingFileWriter(RotationConfig{Filename: logFile})
	if err != nil {
		t.Fatalf("failed to create rotating writer: %v", err)
	}
	defer writer.Close()

	msg := "nozzle changed\n"
	n, err := writer.Write([]byte(msg))
	if err != nil {
		t.Fatalf("write failed: %v", err)
	}
	if n != len(msg) {
		t.Errorf("expected %d bytes written, got %d", len(msg), n)
	}
	if writer.Size() != int64(len(msg)) {
		t.Errorf("expected size %d, got %d", len(msg), writer.Size())
	}
	if _, err := os.Stat(logFile); err != nil {
		t.Errorf("log file not created: %v", err)
	}
}

func TestRotatingFileWriterRotation(t *testing.T) {
	logFile := filepath.Join(t.TempDir(), "klippy.log")

	writer, err := NewRotatingFileWriter(RotationConfig{Filename: logFile, MaxSize: 1, MaxBackups: 2})
	if err != nil {
		t.Fatal(err)
	}
	defer writer.Close()

	chunk := bytes.Repeat([]byte("x"), 600*1024)
	for i := 0; i < 4; i++ {
		if _, err := writer.Write(chunk); err != nil {
			t.Fatalf("write %d failed: %v", i, err)
		}
	}

	for _, name := range []string{logFile, logFile + ".1", logFile + ".2"} {
		if _, err := os.Stat(name); err != nil {
			t.Errorf("expected %s to exist: %v", name, err)
		}
	}
	if _, err := os.Stat(logFile + ".3"); !os.IsNotExist(err) {
		t.Errorf("expected only 2 backups, found %s.3", logFile)
	}
	if writer.Size() != int64(len(chunk)) {
		t.Errorf("expected current size %d, got %d", len(chunk), writer.Size())
	}
}

func TestRotatingFileWriterRequiresFilename(t *testing.T) {
	if _, err := NewRotatingFileWriter(RotationConfig{}); err == nil {
		t.Error("expected error for empty filename")
	}
}

func TestNewFileLogger(t *testing.T) {
	logFile := filepath.Join(t.TempDir(), "klippy.log")
	var console bytes.Buffer

	logger := New("test")
	closer, err := NewFileLogger(logger, RotationConfig{Filename: logFile}, &console)
	if err != nil {
		t.Fatal(err)
	}
	logger.Info("tee %d", 1)
	closer.Close()

	data, err := os.ReadFile(logFile)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(data), "tee 1") {
		t.Errorf("expected message in file, got: %s", data)
	}
	if !strings.Contains(console.String(), "tee 1") {
		t.Errorf("expected message on console, got: %s", console.String())
	}
	if strings.Contains(string(data), "\x1b[") {
		t.Errorf("expected no color codes in file output")
	}
}
