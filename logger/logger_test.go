package logger

import (
	"bytes"
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus"
)

func TestWithComponent(t *testing.T) {
	log := Logger()
	entry := log.WithComponent("test")
	if v, ok := entry.Entry.Data["component"]; !ok || v != "test" {
		t.Fatalf("component field missing: %v", entry.Entry.Data)
	}
}

func TestConfigureInvalidLevel(t *testing.T) {
	// Ensure environment variables do not override the provided level
	t.Setenv("LOG_LEVEL", "")

	log := Logger()
	if err := log.Configure("invalid", "json", "stdout", 0); err == nil {
		t.Fatalf("expected error for invalid level")
	}
}

func TestConfigureInvalidFormat(t *testing.T) {
	t.Setenv("LOG_LEVEL", "")

	log := Logger()
	if err := log.Configure("info", "xml", "stdout", 0); err == nil {
		t.Fatalf("expected error for invalid format")
	}
}

func TestConfigureFileOutput(t *testing.T) {
	t.Setenv("LOG_LEVEL", "")

	log := Logger()
	path := filepath.Join(t.TempDir(), "gateway.log")
	if err := log.Configure("debug", "text", path, 7); err != nil {
		t.Fatalf("configure rotating file output: %v", err)
	}
	if !log.IsLevelEnabled(logrus.DebugLevel) {
		t.Fatalf("expected debug level to be enabled")
	}
}

func TestJSONOutputFields(t *testing.T) {
	t.Setenv("LOG_LEVEL", "")

	log := Logger()
	var buf bytes.Buffer
	log.SetOutput(&buf)

	log.WithComponent("registry").WithError(errors.New("boom")).Info("hello")

	var record map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &record); err != nil {
		t.Fatalf("decode log line %q: %v", buf.String(), err)
	}
	if record["message"] != "hello" || record["component"] != "registry" || record["error"] != "boom" {
		t.Fatalf("unexpected record: %v", record)
	}
	if _, ok := record["timestamp"]; !ok {
		t.Fatalf("timestamp key missing: %v", record)
	}
}

func TestCountsTrackWarnAndError(t *testing.T) {
	log := Logger()
	var buf bytes.Buffer
	log.SetOutput(&buf)

	entry := log.WithComponent("counts_test")
	entry.Warn("first")
	entry.Warn("second")
	entry.Error("third")

	got := Counts()["counts_test"]
	if got.Warns != 2 || got.Errors != 1 {
		t.Fatalf("unexpected counts: %+v", got)
	}
}
