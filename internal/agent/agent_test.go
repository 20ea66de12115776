package agent

import (
	"testing"
	"time"
)

func TestDescriptorHasAll(t *testing.T) {
	d := Descriptor{ID: "a", Capabilities: []string{"code", "review", "test"}}

	if !d.HasAll([]string{"code", "test"}) {
		t.Error("expected agent to match subset")
	}
	if !d.HasAll(nil) {
		t.Error("empty requirement should match")
	}
	if d.HasAll([]string{"code", "deploy"}) {
		t.Error("expected missing deploy capability")
	}
}

func TestDescriptorScore(t *testing.T) {
	d := Descriptor{
		ID:           "a",
		Capabilities: []string{"code", "review"},
		Weights:      map[string]float64{"code": 2.5},
	}
	if got := d.Score([]string{"code", "review", "deploy"}); got != 3.5 {
		t.Errorf("expected score 3.5, got %v", got)
	}
}

func TestNormalizeCapabilities(t *testing.T) {
	got := NormalizeCapabilities([]string{"test", "code", "", "test"})
	if len(got) != 2 || got[0] != "code" || got[1] != "test" {
		t.Errorf("expected [code test], got %v", got)
	}

	got = NormalizeCapabilities([]string{" code", "test ", "code", "  ", "\treview\n"})
	if len(got) != 3 || got[0] != "code" || got[1] != "review" || got[2] != "test" {
		t.Errorf("expected whitespace trimmed to [code review test], got %q", got)
	}
}

func TestLivenessTracker(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	lt := NewLivenessTracker()
	lt.now = func() time.Time { return now }

	lt.Touch("a")
	now = now.Add(30 * time.Second)
	lt.Touch("b")
	now = now.Add(45 * time.Second)

	if lt.Alive("a", time.Minute) {
		t.Error("a was seen 75s ago and should not be alive with a 60s ttl")
	}
	if !lt.Alive("b", time.Minute) {
		t.Error("b was seen 45s ago and should be alive")
	}
	if lt.Alive("unknown", time.Hour) {
		t.Error("unknown agents are never alive")
	}

	stale := lt.ListStale(time.Minute)
	if len(stale) != 1 || stale[0] != "a" {
		t.Errorf("expected [a] stale, got %v", stale)
	}

	lt.Remove("a")
	if _, ok := lt.LastSeen("a"); ok {
		t.Error("expected a removed")
	}
}
