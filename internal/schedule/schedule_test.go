package schedule

import (
	"fmt"
	"testing"
	"time"
)

func TestParseCron(t *testing.T) {
	s, err := Parse(`{"kind":"cron","cron_expr":"0 3 * * *"}`)
	if err != nil {
		t.Fatalf("parse error: %v", err)
	}
	if s.Kind != KindCron {
		t.Errorf("expected kind 'cron', got %q", s.Kind)
	}
	if s.CronExpr != "0 3 * * *" {
		t.Errorf("expected cron expr '0 3 * * *', got %q", s.CronExpr)
	}
}

func TestParseInterval(t *testing.T) {
	s, err := Parse(`{"kind":"interval","interval_ms":60000}`)
	if err != nil {
		t.Fatalf("parse error: %v", err)
	}
	if s.Kind != KindInterval {
		t.Errorf("expected kind 'interval', got %q", s.Kind)
	}
	if s.IntervalMs != 60000 {
		t.Errorf("expected interval_ms 60000, got %d", s.IntervalMs)
	}
}

func TestNextRunCron(t *testing.T) {
	next := NextRun(`{"kind":"cron","cron_expr":"* * * * *"}`)
	if next == nil {
		t.Fatal("expected next run time, got nil")
	}
	if next.Before(time.Now()) {
		t.Error("expected next run in the future")
	}
}

func TestNextRunInterval(t *testing.T) {
	next := NextRun(`{"kind":"interval","interval_ms":60000}`)
	if next == nil {
		t.Fatal("expected next run time, got nil")
	}
	expected := time.Now().Add(60 * time.Second)
	diff := next.Sub(expected)
	if diff > time.Second || diff < -time.Second {
		t.Errorf("expected next run ~60s from now, got diff %v", diff)
	}
}

func TestNextRunOnce(t *testing.T) {
	future := time.Now().Add(1 * time.Hour).UnixMilli()
	next := NextRun(fmt.Sprintf(`{"kind":"once","at_ms":%d}`, future))
	if next == nil {
		t.Fatal("expected next run time, got nil")
	}

	past := time.Now().Add(-1 * time.Hour).UnixMilli()
	next = NextRun(fmt.Sprintf(`{"kind":"once","at_ms":%d}`, past))
	if next != nil {
		t.Error("expected nil for past once schedule")
	}
}

func TestNextRunInvalid(t *testing.T) {
	if next := NextRun(`invalid json`); next != nil {
		t.Error("expected nil for invalid schedule")
	}
	if next := NextRun(`{"kind":"unknown"}`); next != nil {
		t.Error("expected nil for unknown kind")
	}
}

func TestNormalizePlainCron(t *testing.T) {
	result, err := Normalize("0 3 * * *")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	s, err := Parse(result)
	if err != nil {
		t.Fatalf("result not valid JSON: %v", err)
	}
	if s.Kind != KindCron {
		t.Errorf("expected kind 'cron', got %q", s.Kind)
	}
	if s.CronExpr != "0 3 * * *" {
		t.Errorf("expected cron_expr '0 3 * * *', got %q", s.CronExpr)
	}
}

func TestNormalizePassthroughJSON(t *testing.T) {
	input := `{"kind":"cron","cron_expr":"0 3 * * *"}`
	result, err := Normalize(input)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result != input {
		t.Errorf("expected passthrough, got %q", result)
	}
}

func TestNormalizeIntervalJSON(t *testing.T) {
	input := `{"kind":"interval","interval_ms":300000}`
	result, err := Normalize(input)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result != input {
		t.Errorf("expected passthrough, got %q", result)
	}
}

func TestNormalizeInvalid(t *testing.T) {
	if _, err := Normalize("not a cron"); err == nil {
		t.Error("expected error for invalid input")
	}
	if _, err := Normalize(`{"kind":"cron","cron_expr":"bad"}`); err == nil {
		t.Error("expected error for invalid cron in JSON")
	}
	if _, err := Normalize(`{"kind":"bogus"}`); err == nil {
		t.Error("expected error for unknown kind")
	}
	if _, err := Normalize(`{"kind":"interval","interval_ms":0}`); err == nil {
		t.Error("expected error for non-positive interval")
	}
}

func TestNormalizeTrimsWhitespace(t *testing.T) {
	result, err := Normalize("  */5 * * * *  ")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	s, err := Parse(result)
	if err != nil {
		t.Fatalf("result not valid JSON: %v", err)
	}
	if s.CronExpr != "*/5 * * * *" {
		t.Errorf("expected trimmed cron, got %q", s.CronExpr)
	}
}

func TestDescribe(t *testing.T) {
	cases := []struct {
		raw  string
		want string
	}{
		{`{"kind":"cron","cron_expr":"0 3 * * *"}`, "0 3 * * *"},
		{`{"kind":"interval","interval_ms":3600000}`, "Every hour"},
		{`{"kind":"interval","interval_ms":7200000}`, "Every 2 hours"},
		{`{"kind":"interval","interval_ms":300000}`, "Every 5 minutes"},
		{`{"kind":"interval","interval_ms":45000}`, "Every 45 seconds"},
		{`not json`, "not json"},
	}
	for _, c := range cases {
		if got := Describe(c.raw); got != c.want {
			t.Errorf("Describe(%s) = %q, want %q", c.raw, got, c.want)
		}
	}
}
