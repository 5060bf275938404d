package credential

import (
	"crypto/subtle"
	"strings"
	"time"

	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"
)

var totpOpts = totp.ValidateOpts{
	Period:    30,
	Skew:      1,
	Digits:    otp.DigitsSix,
	Algorithm: otp.AlgorithmSHA1,
}

// GenerateTOTPSecret creates a new base32 TOTP secret and its otpauth:// URL
// for enrolment.
func GenerateTOTPSecret(issuer, account string) (secret, url string, err error) {
	key, err := totp.Generate(totp.GenerateOpts{
		Issuer:      issuer,
		AccountName: account,
	})
	if err != nil {
		return "", "", err
	}
	return key.Secret(), key.URL(), nil
}

// totpStep returns the time step code was generated for, searching the
// accepted skew around now.
func totpStep(secret, code string, now time.Time) (int64, bool) {
	period := int64(totpOpts.Period)
	cur := now.Unix() / period
	skew := int64(totpOpts.Skew)
	for step := cur - skew; step <= cur+skew; step++ {
		want, err := totp.GenerateCodeCustom(secret, time.Unix(step*period, 0).UTC(), totpOpts)
		if err != nil {
			return 0, false
		}
		if subtle.ConstantTimeCompare([]byte(want), []byte(code)) == 1 {
			return step, true
		}
	}
	return 0, false
}

// enrolmentStep checks code against a secret that is about to be enrolled
// and returns the step it matched.
func enrolmentStep(op, secret, code string, now time.Time) (int64, error) {
	secret = strings.TrimSpace(secret)
	code = strings.TrimSpace(code)
	if secret == "" || code == "" {
		return 0, invalid(op, "secret and code are required")
	}
	step, ok := totpStep(secret, code, now)
	if !ok {
		return 0, OpError{Op: op, Kind: ErrSecondFactorRejected}
	}
	return step, nil
}

// secondFactorVerdict is the outcome of one second-factor attempt. When
// write is set, acct and step replace the stored values.
type secondFactorVerdict struct {
	ok    bool
	write bool
	acct  account
	step  int64
}

// checkSecondFactor applies code to a user's TOTP state. An empty secret
// means no second factor is enrolled. An empty code is a prompt, not a
// failure. A wrong or already used code counts toward lockout.
func (b *base) checkSecondFactor(acct account, secret string, lastStep int64, code string, now time.Time) secondFactorVerdict {
	if secret == "" {
		return secondFactorVerdict{ok: true}
	}
	code = strings.TrimSpace(code)
	if code == "" || acct.locked(now) {
		return secondFactorVerdict{}
	}
	if step, ok := totpStep(secret, code, now); ok && step > lastStep {
		return secondFactorVerdict{ok: true, write: true, step: step}
	}
	next := b.policy.afterFailure(acct, now)
	if next.locked(now) {
		b.log.Info("credential.lockout", "reason", "second_factor", "until", *next.LockedUntil)
	}
	return secondFactorVerdict{write: true, acct: next, step: lastStep}
}
