package schedule

import (
	"fmt"
	"testing"
	"time"
)

func TestParseJSON(t *testing.T) {
	s, err := Parse(`{"kind":"interval","interval_ms":60000}`)
	if err != nil {
		t.Fatalf("parse error: %v", err)
	}
	if s.Kind != KindInterval || s.IntervalMs != 60000 {
		t.Errorf("unexpected schedule %+v", s)
	}
}

func TestParsePlainCron(t *testing.T) {
	s, err := Parse("  */5 * * * *  ")
	if err != nil {
		t.Fatalf("parse error: %v", err)
	}
	if s.Kind != KindCron || s.CronExpr != "*/5 * * * *" {
		t.Errorf("unexpected schedule %+v", s)
	}
	if s.String() != `{"kind":"cron","cron_expr":"*/5 * * * *"}` {
		t.Errorf("unexpected canonical form %s", s.String())
	}
}

func TestParseInvalid(t *testing.T) {
	for _, raw := range []string{
		"not a cron",
		`{"kind":"cron","cron_expr":"bad"}`,
		`{"kind":"bogus"}`,
		`{"kind":"interval","interval_ms":0}`,
		`{"kind":"once"}`,
	} {
		if _, err := Parse(raw); err == nil {
			t.Errorf("expected error for %q", raw)
		}
	}
}

func TestNextCron(t *testing.T) {
	s, _ := Parse("0 9 * * *")
	ref := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	next, ok := s.Next(ref)
	if !ok {
		t.Fatal("expected next run")
	}
	if !next.After(ref) || next.Hour() != 9 || next.Minute() != 0 {
		t.Errorf("expected next 09:00 after ref, got %s", next)
	}
	if next.Sub(ref) > 24*time.Hour {
		t.Errorf("expected next run within a day, got %s", next.Sub(ref))
	}
}

func TestNextInterval(t *testing.T) {
	s := Schedule{Kind: KindInterval, IntervalMs: 90000}
	ref := time.Now()
	next, ok := s.Next(ref)
	if !ok || next.Sub(ref) != 90*time.Second {
		t.Errorf("expected ref+90s, got %s (%v)", next, ok)
	}
}

func TestNextOnce(t *testing.T) {
	ref := time.Now()
	future := ref.Add(time.Hour).UnixMilli()
	if _, ok := (Schedule{Kind: KindOnce, AtMs: future}).Next(ref); !ok {
		t.Error("expected a future once schedule to run")
	}
	past := ref.Add(-time.Hour).UnixMilli()
	if _, ok := (Schedule{Kind: KindOnce, AtMs: past}).Next(ref); ok {
		t.Error("expected a past once schedule to be exhausted")
	}
}

func TestNextRun(t *testing.T) {
	ref := time.Now()
	if NextRun("invalid json", ref) != nil {
		t.Error("expected nil for invalid schedule")
	}
	raw := fmt.Sprintf(`{"kind":"once","at_ms":%d}`, ref.Add(-time.Minute).UnixMilli())
	if NextRun(raw, ref) != nil {
		t.Error("expected nil for exhausted schedule")
	}
	if NextRun("* * * * *", ref) == nil {
		t.Error("expected next run for every-minute cron")
	}
}

func TestDescribe(t *testing.T) {
	tests := []struct {
		s    Schedule
		want string
	}{
		{Schedule{Kind: KindCron, CronExpr: "0 9 * * *"}, "cron 0 9 * * *"},
		{Schedule{Kind: KindInterval, IntervalMs: 3600000}, "every hour"},
		{Schedule{Kind: KindInterval, IntervalMs: 7200000}, "every 2 hours"},
		{Schedule{Kind: KindInterval, IntervalMs: 300000}, "every 5 minutes"},
		{Schedule{Kind: KindInterval, IntervalMs: 45000}, "every 45s"},
	}
	for _, tt := range tests {
		if got := tt.s.Describe(); got != tt.want {
			t.Errorf("Describe(%+v) = %q, want %q", tt.s, got, tt.want)
		}
	}
}
