// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

// =============================================================================
// Level Tests
// =============================================================================

func TestLevel_String(t *testing.T) {
	tests := []struct {
		level Level
		want  string
	}{
		{LevelDebug, "DEBUG"},
		{LevelInfo, "INFO"},
		{LevelWarn, "WARN"},
		{LevelError, "ERROR"},
		{Level(99), "UNKNOWN"},
	}

	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			if got := tt.level.String(); got != tt.want {
				t.Errorf("Level.String() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in      string
		want    Level
		wantErr bool
	}{
		{"debug", LevelDebug, false},
		{"INFO", LevelInfo, false},
		{"", LevelInfo, false},
		{" warning ", LevelWarn, false},
		{"error", LevelError, false},
		{"verbose", LevelInfo, true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseLevel(tt.in)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseLevel(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("ParseLevel(%q) = %v, want %v", tt.in, got, tt.want)
			}
		})
	}
}

func TestLevel_toSlogLevel(t *testing.T) {
	if LevelWarn.toSlogLevel() != slog.LevelWarn {
		t.Errorf("LevelWarn should map to slog.LevelWarn")
	}
	if Level(42).toSlogLevel() != slog.LevelInfo {
		t.Errorf("unknown level should map to slog.LevelInfo")
	}
}

// =============================================================================
// Logger Tests
// =============================================================================

func TestNew_ConsoleWriter(t *testing.T) {
	var buf bytes.Buffer
	logger := New(Config{Level: LevelInfo, Service: "patchfile", Console: &buf})
	defer logger.Close()

	logger.Debug("hidden")
	logger.Info("patch applied", "blocks", 2)

	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Errorf("debug message should be filtered at info level: %s", out)
	}
	if !strings.Contains(out, "patch applied") || !strings.Contains(out, "blocks=2") {
		t.Errorf("missing info message: %s", out)
	}
	if !strings.Contains(out, "service=patchfile") {
		t.Errorf("missing service attribute: %s", out)
	}
}

func TestNew_QuietWritesOnlyToFile(t *testing.T) {
	dir := t.TempDir()
	var console bytes.Buffer

	logger := New(Config{
		Level:   LevelInfo,
		LogDir:  dir,
		Service: "stdio",
		Quiet:   true,
		Console: &console,
	})

	logger.Info("request served", "request_id", "abc")
	if err := logger.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	if console.Len() != 0 {
		t.Errorf("quiet logger wrote to console: %q", console.String())
	}

	want := filepath.Join(dir, "stdio_"+time.Now().Format("2006-01-02")+".log")
	if logger.FilePath() != want {
		t.Errorf("FilePath() = %q, want %q", logger.FilePath(), want)
	}

	data, err := os.ReadFile(want)
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}

	var record map[string]any
	if err := json.Unmarshal(bytes.TrimSpace(data), &record); err != nil {
		t.Fatalf("log file line is not JSON: %v (%s)", err, data)
	}
	if record["msg"] != "request served" || record["request_id"] != "abc" {
		t.Errorf("unexpected record: %v", record)
	}
}

func TestNew_JSONConsole(t *testing.T) {
	var buf bytes.Buffer
	logger := New(Config{JSON: true, Console: &buf})
	logger.Warn("slow tool", "tool", "mypy")

	var record map[string]any
	if err := json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &record); err != nil {
		t.Fatalf("console output is not JSON: %v", err)
	}
	if record["level"] != "WARN" || record["tool"] != "mypy" {
		t.Errorf("unexpected record: %v", record)
	}
}

func TestLogger_With(t *testing.T) {
	var buf bytes.Buffer
	parent := New(Config{Console: &buf})
	child := parent.With("request_id", "r-1")

	child.Info("child")
	parent.Info("parent")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 2 {
		t.Fatalf("expected 2 lines, got %d: %q", len(lines), buf.String())
	}
	if !strings.Contains(lines[0], "request_id=r-1") {
		t.Errorf("child line missing attribute: %s", lines[0])
	}
	if strings.Contains(lines[1], "request_id") {
		t.Errorf("parent line should not carry child attribute: %s", lines[1])
	}
}

func TestLogger_Exporter(t *testing.T) {
	var exported bytes.Buffer
	exporter := slog.NewJSONHandler(&exported, &slog.HandlerOptions{Level: slog.LevelDebug})
	logger := New(Config{Level: LevelInfo, Quiet: true, Exporter: exporter, Service: "test"})

	logger.Debug("filtered")
	logger.Error("failed", "code", "patch.io")
	logger.Slog().Info("through slog", "tool", "ruff")

	lines := strings.Split(strings.TrimSpace(exported.String()), "\n")
	if len(lines) != 2 {
		t.Fatalf("expected 2 exported records, got %d: %q", len(lines), exported.String())
	}

	var first, second map[string]any
	if err := json.Unmarshal([]byte(lines[0]), &first); err != nil {
		t.Fatalf("exported record is not JSON: %v", err)
	}
	if err := json.Unmarshal([]byte(lines[1]), &second); err != nil {
		t.Fatalf("exported record is not JSON: %v", err)
	}
	if first["msg"] != "failed" || first["code"] != "patch.io" || first["service"] != "test" {
		t.Errorf("unexpected record: %v", first)
	}
	if second["msg"] != "through slog" || second["tool"] != "ruff" {
		t.Errorf("unexpected record: %v", second)
	}

	if err := logger.Close(); err != nil {
		t.Errorf("Close() error = %v", err)
	}
	logger.Info("after close")
	if got := strings.Count(exported.String(), "\n"); got != 3 {
		t.Errorf("exporter should keep receiving records synchronously, got %d lines", got)
	}
}

func TestNop(t *testing.T) {
	logger := Nop()
	logger.Info("ignored")
	if logger.Slog() == nil {
		t.Fatal("Nop logger should expose a slog.Logger")
	}
	if err := logger.Close(); err != nil {
		t.Errorf("Close() error = %v", err)
	}
}

func TestExpandPath(t *testing.T) {
	home, err := os.UserHomeDir()
	if err != nil {
		t.Skip("no home directory")
	}

	if got := expandPath("~/logs"); got != filepath.Join(home, "logs") {
		t.Errorf("expandPath(~/logs) = %q", got)
	}
	if got := expandPath("/var/log"); got != "/var/log" {
		t.Errorf("expandPath(/var/log) = %q", got)
	}
	if got := expandPath("~user/logs"); got != "~user/logs" {
		t.Errorf("expandPath(~user/logs) = %q", got)
	}
}
