package main

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/ehr/epicbridge/internal/config"
	"github.com/ehr/epicbridge/internal/domain/epic"
	"github.com/ehr/epicbridge/internal/platform/db"
	"github.com/ehr/epicbridge/internal/platform/lock"
)

func TestRequestPolicy_FromConfig(t *testing.T) {
	cfg := &config.Config{
		EpicRequestTimeout:  3 * time.Second,
		EpicMaxRetries:      2,
		EpicBackoffBase:     500 * time.Millisecond,
		EpicRateLimitRPS:    2.5,
		EpicRateLimitBurst:  4,
		EpicBreakerFailures: 7,
		EpicBreakerCooldown: time.Minute,
	}
	p := requestPolicy(cfg)
	if p.Timeout != 3*time.Second || p.MaxRetries != 2 || p.BackoffBase != 500*time.Millisecond {
		t.Errorf("unexpected retry policy: %+v", p)
	}
	if p.RateLimit != rate.Limit(2.5) || p.RateBurst != 4 {
		t.Errorf("unexpected rate policy: %+v", p)
	}
	if p.BreakerFailures != 7 || p.BreakerCooldown != time.Minute {
		t.Errorf("unexpected breaker policy: %+v", p)
	}
}

func TestRequestPolicy_ZeroRateDisablesLimiter(t *testing.T) {
	p := requestPolicy(&config.Config{EpicRequestTimeout: time.Second})
	if p.RateLimit != rate.Inf {
		t.Errorf("expected unlimited rate, got %v", p.RateLimit)
	}
	if p.BackoffBase != epic.DefaultRequestPolicy().BackoffBase {
		t.Errorf("expected default backoff, got %s", p.BackoffBase)
	}
	if p.BreakerFailures != 0 {
		t.Errorf("expected breaker disabled, got %d", p.BreakerFailures)
	}
}

func TestParseMappingTypes(t *testing.T) {
	types, err := parseMappingTypes([]string{"surgeon", "room"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(types) != 2 || types[0] != epic.MappingSurgeon || types[1] != epic.MappingRoom {
		t.Errorf("unexpected types: %v", types)
	}
	if types, err := parseMappingTypes(nil); err != nil || len(types) != 0 {
		t.Errorf("expected no types, got %v %v", types, err)
	}
	if _, err := parseMappingTypes([]string{"anesthesiologist"}); err == nil {
		t.Error("expected error for unknown type")
	}
}

func TestPrintAutoMatch(t *testing.T) {
	name := "Sarah Jones"
	summaries := []*epic.AutoMatchSummary{{
		MappingType: epic.MappingSurgeon,
		AutoApplied: 1,
		Skipped:     1,
		Results: []epic.AutoMatchResult{
			{EpicDisplayName: "JONES, SARAH", MatchedLocalName: &name, Confidence: 1, Action: epic.ActionAutoApplied},
			{EpicDisplayName: "Unknown", Action: epic.ActionSkipped},
		},
	}}
	var buf bytes.Buffer
	printAutoMatch(&buf, summaries)
	out := buf.String()
	if !strings.Contains(out, `"JONES, SARAH"`) || !strings.Contains(out, "auto_applied") {
		t.Errorf("expected applied result in output:\n%s", out)
	}
	if strings.Contains(out, `"Unknown"`) {
		t.Errorf("skipped results should not be listed:\n%s", out)
	}
}

func TestPrintTokenStatus(t *testing.T) {
	exp := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)
	now := exp.Add(-45 * time.Minute)
	view := &epic.ConnectionView{
		Connection: &epic.Connection{
			FHIRBaseURL:    "https://fhir.example.org/api/FHIR/R4",
			Status:         epic.StatusConnected,
			TokenExpiresAt: &exp,
		},
		HasRefreshToken: true,
		Expiry:          epic.GetTokenExpiryInfo(&exp, now),
	}
	var buf bytes.Buffer
	printTokenStatus(&buf, view)
	out := buf.String()
	if !strings.Contains(out, "in 45 min") || !strings.Contains(out, "connected") {
		t.Errorf("unexpected output:\n%s", out)
	}

	view.Expiry = epic.GetTokenExpiryInfo(&exp, exp.Add(time.Minute))
	buf.Reset()
	printTokenStatus(&buf, view)
	if !strings.Contains(buf.String(), "expired at") {
		t.Errorf("expected expired output:\n%s", buf.String())
	}
}

func TestPrintMigrationStatus(t *testing.T) {
	at := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	var buf bytes.Buffer
	printMigrationStatus(&buf, []db.MigrationStatus{
		{Version: 1, Name: "facility", Applied: true, AppliedAt: &at},
		{Version: 2, Name: "epic"},
	})
	out := buf.String()
	if !strings.Contains(out, "2026-01-02 03:04:05") || !strings.Contains(out, "pending") {
		t.Errorf("unexpected output:\n%s", out)
	}
}

func TestNewLockers_SeparateTTLs(t *testing.T) {
	cfg := &config.Config{EpicRefreshLockTimeout: 30 * time.Second, EpicAutoMatchLockTimeout: 5 * time.Minute}
	client := redis.NewClient(&redis.Options{Addr: "127.0.0.1:0"})
	defer client.Close()

	refresh, match := newLockers(client, cfg, zerolog.Nop())
	rl, ok := refresh.(*lock.RedisLocker)
	if !ok || rl.TTL() != 30*time.Second {
		t.Errorf("expected refresh locker with 30s TTL, got %T", refresh)
	}
	ml, ok := match.(*lock.RedisLocker)
	if !ok || ml.TTL() != 5*time.Minute {
		t.Errorf("expected auto-match locker with 5m TTL, got %T", match)
	}
}

func TestNewLockers_LocalWithoutRedis(t *testing.T) {
	refresh, match := newLockers(nil, &config.Config{}, zerolog.Nop())
	if _, ok := refresh.(*lock.LocalLocker); !ok {
		t.Errorf("expected local locker, got %T", refresh)
	}
	if refresh != match {
		t.Error("expected one in-process locker shared by both")
	}
}
