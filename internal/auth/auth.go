// Package auth is the auth worker: it stores login credentials and checks
// them. Issuing tokens is left to the caller.
package auth

import (
	"context"
	"errors"
	"fmt"
	"net/mail"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	contract "github.com/next-trace/blossom/contract/auth"
	berr "github.com/next-trace/blossom/contract/errors"
	"github.com/next-trace/blossom/internal/password"
)

const minPasswordLen = 8

var (
	ErrNotFound = errors.New("credential not found")
	ErrConflict = errors.New("credential email already taken")
)

// Record is a stored credential.
type Record struct {
	Subject      string
	Email        string
	PasswordHash string
	CreatedAt    time.Time
}

func (r Record) credential() *contract.Credential {
	return &contract.Credential{Subject: r.Subject, Email: r.Email, CreatedAt: r.CreatedAt}
}

// Store persists credentials keyed by email.
type Store interface {
	Create(ctx context.Context, r Record) error
	FindByEmail(ctx context.Context, email string) (Record, error)
}

type Service struct {
	store  Store
	hasher password.Hasher
	now    func() time.Time
	newID  func() string
	logger *zap.Logger

	dummyOnce sync.Once
	dummy     string
}

type Option func(*Service)

func WithHasher(h password.Hasher) Option { return func(s *Service) { s.hasher = h } }

func WithClock(now func() time.Time) Option { return func(s *Service) { s.now = now } }

func WithLogger(l *zap.Logger) Option { return func(s *Service) { s.logger = l } }

// WithSubjectGenerator replaces the uuid subject generator.
func WithSubjectGenerator(fn func() string) Option { return func(s *Service) { s.newID = fn } }

func NewService(store Store, opts ...Option) *Service {
	s := &Service{store: store, hasher: password.NewBcrypt(), now: time.Now, newID: uuid.NewString}
	for _, opt := range opts {
		opt(s)
	}

	if s.logger == nil {
		s.logger = zap.NewNop()
	}

	return s
}

func invalid(format string, args ...any) error {
	return berr.NewCoded(contract.ErrCodeInvalidArgument, fmt.Sprintf(format, args...))
}

// Register stores a new credential under a fresh subject.
func (s *Service) Register(ctx context.Context, in contract.RegisterCredentials) (*contract.Credential, error) {
	if a, err := mail.ParseAddress(in.Email); err != nil || a.Address != in.Email {
		return nil, invalid("email %q is not valid", in.Email)
	}

	if len(in.Password) < minPasswordLen {
		return nil, invalid("password must be at least %d characters", minPasswordLen)
	}

	hash, err := s.hasher.Hash(in.Password)
	if err != nil {
		return nil, invalid("%v", err)
	}

	r := Record{Subject: s.newID(), Email: in.Email, PasswordHash: hash, CreatedAt: s.now().UTC()}

	if err := s.store.Create(ctx, r); err != nil {
		if errors.Is(err, ErrConflict) {
			return nil, berr.NewCoded(contract.ErrCodeConflict, "email already registered")
		}

		s.logger.Error("auth store failed", zap.String("op", "register"), zap.Error(err))

		return nil, fmt.Errorf("auth register: %w", err)
	}

	s.logger.Info("credential registered", zap.String("subject", r.Subject))

	return r.credential(), nil
}

// Verify checks a password. Unknown emails and wrong passwords give the same
// answer and cost the same bcrypt comparison.
func (s *Service) Verify(ctx context.Context, in contract.VerifyCredentials) (contract.VerifyResult, error) {
	r, err := s.store.FindByEmail(ctx, in.Email)
	if errors.Is(err, ErrNotFound) {
		_ = s.hasher.Compare(s.dummyHash(), in.Password)
		return contract.VerifyResult{}, nil
	}

	if err != nil {
		s.logger.Error("auth store failed", zap.String("op", "verify"), zap.Error(err))
		return contract.VerifyResult{}, fmt.Errorf("auth verify: %w", err)
	}

	switch err := s.hasher.Compare(r.PasswordHash, in.Password); {
	case errors.Is(err, password.ErrMismatch):
		return contract.VerifyResult{}, nil
	case err != nil:
		return contract.VerifyResult{}, fmt.Errorf("auth verify %s: %w", r.Subject, err)
	}

	return contract.VerifyResult{Valid: true, Subject: r.Subject}, nil
}

func (s *Service) dummyHash() string {
	s.dummyOnce.Do(func() {
		s.dummy, _ = s.hasher.Hash(uuid.NewString())
	})

	return s.dummy
}
