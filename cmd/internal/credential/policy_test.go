package credential

import (
	"testing"
	"time"
)

func TestPolicy_AfterFailure(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	p := Policy{MaxAttempts: 2, LockDuration: time.Minute}

	a := p.afterFailure(account{}, now)
	if a.FailedAttempts != 1 || a.LockedUntil != nil {
		t.Fatalf("first failure: %+v", a)
	}
	a = p.afterFailure(a, now)
	if a.LockedUntil == nil || !a.LockedUntil.Equal(now.Add(time.Minute)) {
		t.Fatalf("second failure should lock: %+v", a)
	}
	if !a.locked(now.Add(59 * time.Second)) {
		t.Fatal("expected locked inside window")
	}
	if a.locked(now.Add(time.Minute)) {
		t.Fatal("expected unlocked at window end")
	}

	a = p.afterFailure(a, now.Add(2*time.Minute))
	if a.FailedAttempts != 1 || a.LockedUntil != nil {
		t.Fatalf("expired lock should restart the count: %+v", a)
	}
}

func TestPolicy_Disabled(t *testing.T) {
	p := Policy{}
	a := account{}
	for i := 0; i < 100; i++ {
		a = p.afterFailure(a, time.Now())
	}
	if a.LockedUntil != nil {
		t.Fatal("disabled policy must never lock")
	}
}

func TestLoadPolicyFromEnv(t *testing.T) {
	t.Setenv("KEEPER_LOCKOUT_MAX_ATTEMPTS", "")
	t.Setenv("KEEPER_LOCKOUT_DURATION", "")
	p, err := LoadPolicyFromEnv()
	if err != nil || p != DefaultPolicy() {
		t.Fatalf("defaults: %+v %v", p, err)
	}

	t.Setenv("KEEPER_LOCKOUT_MAX_ATTEMPTS", "7")
	t.Setenv("KEEPER_LOCKOUT_DURATION", "1h")
	p, err = LoadPolicyFromEnv()
	if err != nil || p.MaxAttempts != 7 || p.LockDuration != time.Hour {
		t.Fatalf("override: %+v %v", p, err)
	}

	t.Setenv("KEEPER_LOCKOUT_DURATION", "-1s")
	if _, err := LoadPolicyFromEnv(); err == nil {
		t.Fatal("expected error for negative duration")
	}
}
