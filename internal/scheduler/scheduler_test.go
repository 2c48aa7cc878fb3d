package scheduler

import (
	"errors"
	"testing"
	"time"

	"tradeloop/internal/models"
)

func TestAdmitIngestion_BusyWhenFull(t *testing.T) {
	limits := DefaultLimits()
	limits.QueueDepth = 1
	s := New(limits)

	release, err := s.AdmitIngestion()
	if err != nil {
		t.Fatalf("expected first admission to succeed, got %v", err)
	}
	if _, err := s.AdmitIngestion(); !models.IsCode(err, models.ErrBusy) {
		t.Fatalf("expected ErrBusy once queue full, got %v", err)
	}
	release()
	if _, err := s.AdmitIngestion(); err != nil {
		t.Fatalf("expected admission to succeed after release, got %v", err)
	}
}

func TestAdmitDiscovery_RespectsCap(t *testing.T) {
	limits := DefaultLimits()
	limits.MaxDiscoveriesInFlight = 2
	s := New(limits)

	r1, err := s.AdmitDiscovery()
	if err != nil {
		t.Fatal(err)
	}
	r2, err := s.AdmitDiscovery()
	if err != nil {
		t.Fatal(err)
	}
	if _, err := s.AdmitDiscovery(); !models.IsCode(err, models.ErrBusy) {
		t.Fatalf("expected ErrBusy at cap, got %v", err)
	}
	r1()
	r2()
}

func TestAdmitExpansion_RateLimited(t *testing.T) {
	limits := DefaultLimits()
	limits.ExpansionRatePerSec = 1
	limits.ExpansionBurst = 1
	limits.MaxExpansionsInFlight = 10
	s := New(limits)

	release, err := s.AdmitExpansion()
	if err != nil {
		t.Fatalf("expected first expansion admitted, got %v", err)
	}
	release()

	if _, err := s.AdmitExpansion(); !models.IsCode(err, models.ErrRateLimited) {
		t.Fatalf("expected ErrRateLimited once burst exhausted, got %v", err)
	}
}

func TestGuard_OpensAfterFailureStreak(t *testing.T) {
	limits := DefaultLimits()
	limits.BreakerFailureStreak = 2
	limits.BreakerCooldown = 50 * time.Millisecond
	s := New(limits)

	now := time.Now()
	boom := errors.New("dependency down")

	if err := s.Guard("collection_resolution", now, func() error { return boom }); err != boom {
		t.Fatalf("expected fn's own error on first failure, got %v", err)
	}
	if err := s.Guard("collection_resolution", now, func() error { return boom }); err != boom {
		t.Fatalf("expected fn's own error on second failure, got %v", err)
	}
	if s.BreakerState("collection_resolution") != "open" {
		t.Fatalf("expected breaker to be open after failure streak")
	}

	if err := s.Guard("collection_resolution", now, func() error { return nil }); !models.IsCode(err, models.ErrDependencyUnavailable) {
		t.Fatalf("expected ErrDependencyUnavailable while breaker open, got %v", err)
	}

	later := now.Add(100 * time.Millisecond)
	if err := s.Guard("collection_resolution", later, func() error { return nil }); err != nil {
		t.Fatalf("expected half-open probe to succeed after cooldown, got %v", err)
	}
	if s.BreakerState("collection_resolution") != "closed" {
		t.Fatalf("expected breaker to close after a successful probe")
	}
}

func TestGuard_HalfOpenFailureReopens(t *testing.T) {
	limits := DefaultLimits()
	limits.BreakerFailureStreak = 1
	limits.BreakerCooldown = 10 * time.Millisecond
	s := New(limits)

	now := time.Now()
	boom := errors.New("down")
	_ = s.Guard("op", now, func() error { return boom })
	if s.BreakerState("op") != "open" {
		t.Fatalf("expected breaker open")
	}

	later := now.Add(20 * time.Millisecond)
	_ = s.Guard("op", later, func() error { return boom })
	if s.BreakerState("op") != "open" {
		t.Fatalf("expected breaker to reopen after a failed half-open probe")
	}
}
