package credential

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Policy is the failed-attempt lockout rule.
type Policy struct {
	// MaxAttempts consecutive failures lock the account. Zero disables lockout.
	MaxAttempts  int
	LockDuration time.Duration
}

// DefaultPolicy locks an account for 15 minutes after 5 consecutive failures.
func DefaultPolicy() Policy {
	return Policy{MaxAttempts: 5, LockDuration: 15 * time.Minute}
}

// LoadPolicyFromEnv reads KEEPER_LOCKOUT_MAX_ATTEMPTS and KEEPER_LOCKOUT_DURATION.
func LoadPolicyFromEnv() (Policy, error) {
	p := DefaultPolicy()

	if v := strings.TrimSpace(os.Getenv("KEEPER_LOCKOUT_MAX_ATTEMPTS")); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return Policy{}, fmt.Errorf("credential: KEEPER_LOCKOUT_MAX_ATTEMPTS must be a non-negative integer")
		}
		p.MaxAttempts = n
	}
	if v := strings.TrimSpace(os.Getenv("KEEPER_LOCKOUT_DURATION")); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d <= 0 {
			return Policy{}, fmt.Errorf("credential: KEEPER_LOCKOUT_DURATION must be a positive duration")
		}
		p.LockDuration = d
	}
	return p, nil
}

// account is the lockout-relevant slice of a user row.
type account struct {
	FailedAttempts int
	LockedUntil    *time.Time
}

func (a account) locked(now time.Time) bool {
	return a.LockedUntil != nil && now.Before(*a.LockedUntil)
}

// afterFailure returns the account state after one more failure.
func (p Policy) afterFailure(a account, now time.Time) account {
	// A lock that has run out starts a fresh count.
	if a.LockedUntil != nil && !now.Before(*a.LockedUntil) {
		a = account{}
	}
	a.FailedAttempts++
	if p.MaxAttempts > 0 && a.FailedAttempts >= p.MaxAttempts {
		until := now.Add(p.LockDuration)
		a.LockedUntil = &until
	}
	return a
}
