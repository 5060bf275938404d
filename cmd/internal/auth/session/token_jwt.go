package session

import (
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"

	"keeper/cmd/security/token"
)

// TokenIssuer mints and verifies the two token kinds.
type TokenIssuer interface {
	// IssueAccessToken signs a new access token for userID with a fresh token id.
	IssueAccessToken(userID string, roles []string, now time.Time) (AccessToken, error)

	// VerifyAccessToken checks signature, issuer, audience and expiry.
	// Returns ErrTokenExpired for an expired but otherwise valid token,
	// ErrInvalidToken for everything else.
	VerifyAccessToken(raw string, now time.Time) (Claims, error)

	// ExtractExpiredClaims is VerifyAccessToken without the expiry check.
	ExtractExpiredClaims(raw string) (Claims, error)

	// PeekTokenID decodes the token id without verifying anything.
	PeekTokenID(raw string) (string, error)

	// IssueRefreshToken mints an opaque refresh token for userID.
	IssueRefreshToken(userID string, now time.Time) (RefreshToken, error)

	// HashRefreshToken returns the storage digest of a refresh token value.
	HashRefreshToken(value string) string
}

// MaxClockSkew is how far in the future an access token's iat may be when
// verified on another instance.
const MaxClockSkew = 30 * time.Second

type accessClaims struct {
	Roles []string `json:"roles,omitempty"`
	jwt.RegisteredClaims
}

// JWTIssuer issues HS256 access tokens and opaque refresh tokens.
type JWTIssuer struct {
	key          []byte
	issuer       string
	audience     string
	accessTTL    time.Duration
	refreshTTL   time.Duration
	refreshBytes int
	hasher       token.Hasher
}

var _ TokenIssuer = (*JWTIssuer)(nil)

// NewJWTIssuer builds an issuer from cfg. Returns ErrConfig if cfg is invalid.
func NewJWTIssuer(cfg Config) (*JWTIssuer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	key := make([]byte, len(cfg.SigningKey))
	copy(key, cfg.SigningKey)
	return &JWTIssuer{
		key:          key,
		issuer:       cfg.Issuer,
		audience:     cfg.Audience,
		accessTTL:    cfg.AccessTokenTTL,
		refreshTTL:   cfg.RefreshTokenTTL,
		refreshBytes: cfg.RefreshTokenBytes,
		hasher:       token.NewHasher(cfg.TokenHashKey),
	}, nil
}

func (j *JWTIssuer) IssueAccessToken(userID string, roles []string, now time.Time) (AccessToken, error) {
	if strings.TrimSpace(userID) == "" {
		return AccessToken{}, fmt.Errorf("issue access token: empty subject")
	}
	iat := jwt.NewNumericDate(now)
	exp := jwt.NewNumericDate(now.Add(j.accessTTL))
	jti := uuid.NewString()

	claims := accessClaims{
		Roles: slices.Clone(roles),
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        jti,
			Subject:   userID,
			Issuer:    j.issuer,
			Audience:  jwt.ClaimStrings{j.audience},
			IssuedAt:  iat,
			ExpiresAt: exp,
		},
	}
	raw, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(j.key)
	if err != nil {
		return AccessToken{}, fmt.Errorf("sign access token: %w", err)
	}
	return AccessToken{
		Raw:       raw,
		TokenID:   jti,
		Subject:   userID,
		IssuedAt:  iat.Time,
		ExpiresAt: exp.Time,
		Roles:     claims.Roles,
	}, nil
}

func (j *JWTIssuer) VerifyAccessToken(raw string, now time.Time) (Claims, error) {
	c := &accessClaims{}
	_, err := jwt.ParseWithClaims(raw, c, j.keyFunc,
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(j.issuer),
		jwt.WithAudience(j.audience),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(func() time.Time { return now }),
	)
	if err != nil {
		// Only a token that passed every other check reports expiry.
		if errors.Is(err, jwt.ErrTokenExpired) && !errors.Is(err, jwt.ErrTokenSignatureInvalid) {
			if _, xerr := j.ExtractExpiredClaims(raw); xerr == nil {
				return Claims{}, ErrTokenExpired
			}
		}
		return Claims{}, ErrInvalidToken
	}
	// iat is checked by hand so clock skew between instances is tolerated
	// without also stretching exp.
	if c.IssuedAt != nil && c.IssuedAt.After(now.Add(MaxClockSkew)) {
		return Claims{}, ErrInvalidToken
	}
	return toClaims(c)
}

func (j *JWTIssuer) ExtractExpiredClaims(raw string) (Claims, error) {
	c := &accessClaims{}
	_, err := jwt.ParseWithClaims(raw, c, j.keyFunc,
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithoutClaimsValidation(),
	)
	if err != nil {
		return Claims{}, ErrInvalidToken
	}
	// Claims validation is skipped wholesale above, so iss/aud are checked here.
	if c.Issuer != j.issuer || !slices.Contains(c.Audience, j.audience) {
		return Claims{}, ErrInvalidToken
	}
	if c.ExpiresAt == nil {
		return Claims{}, ErrInvalidToken
	}
	return toClaims(c)
}

func (j *JWTIssuer) PeekTokenID(raw string) (string, error) {
	c := &accessClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(raw, c); err != nil {
		return "", ErrInvalidToken
	}
	if c.ID == "" {
		return "", ErrInvalidToken
	}
	return c.ID, nil
}

func (j *JWTIssuer) IssueRefreshToken(userID string, now time.Time) (RefreshToken, error) {
	if strings.TrimSpace(userID) == "" {
		return RefreshToken{}, fmt.Errorf("issue refresh token: empty user id")
	}
	plain, err := newOpaqueRefreshToken(j.refreshBytes)
	if err != nil {
		return RefreshToken{}, fmt.Errorf("issue refresh token: %w", err)
	}
	created := now.UTC().Truncate(time.Second)
	return RefreshToken{
		ID:         ulid.Make().String(),
		TokenValue: plain,
		TokenHash:  j.hasher.Hex(plain),
		UserID:     userID,
		ExpiresAt:  created.Add(j.refreshTTL),
		CreatedAt:  created,
	}, nil
}

func (j *JWTIssuer) HashRefreshToken(value string) string {
	return j.hasher.Hex(value)
}

func (j *JWTIssuer) keyFunc(t *jwt.Token) (any, error) {
	if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
		return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
	}
	return j.key, nil
}

func toClaims(c *accessClaims) (Claims, error) {
	if c.Subject == "" || c.ID == "" || c.ExpiresAt == nil {
		return Claims{}, ErrInvalidToken
	}
	out := Claims{
		TokenID:   c.ID,
		Subject:   c.Subject,
		Issuer:    c.Issuer,
		Audience:  []string(c.Audience),
		ExpiresAt: c.ExpiresAt.Time,
		Roles:     c.Roles,
	}
	if c.IssuedAt != nil {
		out.IssuedAt = c.IssuedAt.Time
	}
	return out, nil
}
