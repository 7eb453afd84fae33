package logger

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in      string
		want    Level
		wantErr bool
	}{
		{"trace", LevelTrace, false},
		{"DEBUG", LevelDebug, false},
		{"info", LevelInfo, false},
		{"", LevelInfo, false},
		{"warning", LevelWarning, false},
		{"WARN", LevelWarning, false},
		{"error", LevelError, false},
		{"fatal", LevelFatal, false},
		{"verbose", LevelInfo, true},
	}
	for _, tt := range tests {
		got, err := ParseLevel(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseLevel(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
		}
		if got != tt.want {
			t.Errorf("ParseLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestSetup_JSONOutputAndLevel(t *testing.T) {
	var buf bytes.Buffer
	if err := Setup(context.Background(), Options{Level: "warn", Output: &buf, SampleRate: 1}); err != nil {
		t.Fatalf("Setup() failed: %v", err)
	}
	t.Cleanup(func() { SetLevel(LevelInfo) })

	Logger.Info("hidden")
	Logger.Warn("shown", "instance_id", "i1")

	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Errorf("info message should be filtered at warn level: %s", out)
	}

	var entry map[string]any
	if err := json.Unmarshal([]byte(strings.TrimSpace(out)), &entry); err != nil {
		t.Fatalf("expected one JSON line, got %q: %v", out, err)
	}
	if entry["msg"] != "shown" || entry["instance_id"] != "i1" {
		t.Errorf("unexpected entry %v", entry)
	}
	if GetLevel() != LevelWarning {
		t.Errorf("GetLevel() = %v, want %v", GetLevel(), LevelWarning)
	}
}

func TestCounters(t *testing.T) {
	before := Snapshot()

	WarnHttp4xx(404)
	WarnHttp4xx(400)
	ErrorHttp5xx()
	RecordDegraded("not_found")
	RecordDegraded("infrastructure")
	RecordDegraded("parse")
	RecordDegraded("data_assembly")

	after := Snapshot()
	if d := after.HTTP4xx - before.HTTP4xx; d != 2 {
		t.Errorf("HTTP4xx delta = %d, want 2", d)
	}
	if d := after.HTTP404 - before.HTTP404; d != 1 {
		t.Errorf("HTTP404 delta = %d, want 1", d)
	}
	if d := after.HTTP5xx - before.HTTP5xx; d != 1 {
		t.Errorf("HTTP5xx delta = %d, want 1", d)
	}
	if d := after.DegradedEvaluations - before.DegradedEvaluations; d != 3 {
		t.Errorf("DegradedEvaluations delta = %d, want 3", d)
	}
	if d := after.DegradedNotFound - before.DegradedNotFound; d != 1 {
		t.Errorf("DegradedNotFound delta = %d, want 1", d)
	}
	if d := after.DegradedInfra - before.DegradedInfra; d != 1 {
		t.Errorf("DegradedInfra delta = %d, want 1", d)
	}
	if d := after.DataFallbacks - before.DataFallbacks; d != 1 {
		t.Errorf("DataFallbacks delta = %d, want 1", d)
	}
}

func TestSampling(t *testing.T) {
	errorSampleRate.Store(1)
	for i := 0; i < 10; i++ {
		if !shouldSample() {
			t.Fatal("rate 1 should always sample")
		}
	}
}
