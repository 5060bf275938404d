package credential

import (
	"context"
	"strings"
	"sync"

	"keeper/cmd/internal/auth/session"

	"github.com/oklog/ulid/v2"
)

// MemoryStore keeps users in process memory. Suitable for tests and
// single-node development.
type MemoryStore struct {
	base

	mu      sync.Mutex
	byIdent map[string]*memUser
	byID    map[string]*memUser
}

type memUser struct {
	user     User
	hash     string
	totp     string
	totpStep int64
	acct     account
}

func NewMemoryStore(opts ...Option) *MemoryStore {
	return &MemoryStore{
		base:    newBase(opts),
		byIdent: make(map[string]*memUser),
		byID:    make(map[string]*memUser),
	}
}

// CreateUser registers a user. Returns ErrConflict if the normalized
// identifier is taken.
func (s *MemoryStore) CreateUser(ctx context.Context, in CreateUserInput) (User, error) {
	const op = "credential.CreateUser"

	if err := ctx.Err(); err != nil {
		return User{}, err
	}
	ident, hash, err := s.prepare(op, in)
	if err != nil {
		return User{}, err
	}

	now := s.now()
	u := &memUser{
		user: User{
			ID:              ulid.Make().String(),
			Identifier:      ident,
			Roles:           copyRoles(in.Roles),
			HasSecondFactor: in.TOTPSecret != "",
			CreatedAt:       now,
		},
		hash: hash,
		totp: in.TOTPSecret,
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.byIdent[ident]; ok {
		return User{}, OpError{Op: op, Kind: ErrConflict}
	}
	s.byIdent[ident] = u
	s.byID[u.user.ID] = u
	return u.user, nil
}

func (s *MemoryStore) VerifyCredentials(ctx context.Context, identifier, secret string) (session.CredentialResult, error) {
	if err := ctx.Err(); err != nil {
		return session.CredentialResult{}, err
	}
	ident := NormalizeIdentifier(identifier)
	now := s.now()

	s.mu.Lock()
	u, ok := s.byIdent[ident]
	var id, hash string
	var acct account
	if ok {
		id, hash, acct = u.user.ID, u.hash, u.acct
	}
	s.mu.Unlock()

	if !ok {
		s.pw.DummyVerify(secret)
		return session.CredentialResult{}, nil
	}
	if acct.locked(now) {
		s.pw.DummyVerify(secret)
		return session.CredentialResult{Locked: true, UserID: id}, nil
	}

	valid, rehash := s.authenticate(id, hash, secret)

	s.mu.Lock()
	defer s.mu.Unlock()
	if !valid {
		u.acct = s.policy.afterFailure(u.acct, now)
		return session.CredentialResult{UserID: id}, nil
	}
	if u.totp == "" {
		u.acct = account{}
	}
	if rehash != "" {
		u.hash = rehash
	}
	return session.CredentialResult{OK: true, UserID: id, Roles: copyRoles(u.user.Roles)}, nil
}

// IsSecondFactorSatisfied checks code against userID's TOTP secret. A wrong
// code counts toward lockout, and a code is accepted at most once.
func (s *MemoryStore) IsSecondFactorSatisfied(ctx context.Context, userID, code string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.byID[userID]
	if !ok {
		return false, nil
	}
	v := s.checkSecondFactor(u.acct, u.totp, u.totpStep, code, s.now())
	if v.write {
		u.acct, u.totpStep = v.acct, v.step
	}
	return v.ok, nil
}

// UserRoles returns the user's current roles.
func (s *MemoryStore) UserRoles(ctx context.Context, userID string) ([]string, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.byID[userID]
	if !ok {
		return nil, false, nil
	}
	return copyRoles(u.user.Roles), true, nil
}

// EnrollSecondFactor stores secret for userID once code shows the
// authenticator holds it. Returns ErrConflict if a factor is already enrolled.
func (s *MemoryStore) EnrollSecondFactor(ctx context.Context, userID, secret, code string) error {
	const op = "credential.EnrollSecondFactor"

	if err := ctx.Err(); err != nil {
		return err
	}
	step, err := enrolmentStep(op, secret, code, s.now())
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.byID[userID]
	if !ok {
		return OpError{Op: op, Kind: ErrNotFound}
	}
	if u.totp != "" {
		return OpError{Op: op, Kind: ErrConflict, Msg: "second factor already enrolled"}
	}
	u.totp = strings.TrimSpace(secret)
	u.totpStep = step
	u.user.HasSecondFactor = true
	return nil
}

// RemoveSecondFactor drops userID's second factor after a current code.
// Wrong codes count toward lockout. Removing an absent factor is a no-op.
func (s *MemoryStore) RemoveSecondFactor(ctx context.Context, userID, code string) error {
	const op = "credential.RemoveSecondFactor"

	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.byID[userID]
	if !ok {
		return OpError{Op: op, Kind: ErrNotFound}
	}
	if u.totp == "" {
		return nil
	}
	v := s.checkSecondFactor(u.acct, u.totp, u.totpStep, code, s.now())
	if v.write {
		u.acct, u.totpStep = v.acct, v.step
	}
	if !v.ok {
		return OpError{Op: op, Kind: ErrSecondFactorRejected}
	}
	u.totp = ""
	u.totpStep = 0
	u.user.HasSecondFactor = false
	return nil
}

// DeleteUser removes a user.
func (s *MemoryStore) DeleteUser(ctx context.Context, userID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.byID[userID]
	if !ok {
		return OpError{Op: "credential.DeleteUser", Kind: ErrNotFound}
	}
	delete(s.byID, userID)
	delete(s.byIdent, u.user.Identifier)
	return nil
}
