package db

import (
	"context"
	"errors"
	"testing"
)

func TestRunChecks_AllPass(t *testing.T) {
	results, healthy := runChecks(context.Background(), map[string]Check{
		"redis": func(context.Context) error { return nil },
	})
	if !healthy {
		t.Fatal("expected healthy")
	}
	if results["redis"] != "ok" {
		t.Errorf("expected ok, got %q", results["redis"])
	}
}

func TestRunChecks_Failure(t *testing.T) {
	results, healthy := runChecks(context.Background(), map[string]Check{
		"redis": func(context.Context) error { return errors.New("connection refused") },
		"other": func(context.Context) error { return nil },
	})
	if healthy {
		t.Fatal("expected unhealthy")
	}
	if results["redis"] != "connection refused" {
		t.Errorf("unexpected result %q", results["redis"])
	}
	if results["other"] != "ok" {
		t.Errorf("unexpected result %q", results["other"])
	}
}

func TestRunChecks_None(t *testing.T) {
	results, healthy := runChecks(context.Background(), nil)
	if !healthy || len(results) != 0 {
		t.Errorf("expected healthy with no results, got %v %v", healthy, results)
	}
}

func TestPoolStats_UnhealthyState(t *testing.T) {
	stats := &PoolStats{MaxConns: 20, AcquireDuration: "0s"}
	if stats.Healthy {
		t.Error("expected Healthy to be false when TotalConns is 0")
	}
}
