// Package users is the users worker: the service behind the users.* patterns
// and the storage it depends on.
package users

import (
	"context"
	"errors"
	"fmt"
	"net/mail"
	"strings"
	"time"

	"go.uber.org/zap"

	berr "github.com/next-trace/blossom/contract/errors"
	contract "github.com/next-trace/blossom/contract/users"
	"github.com/next-trace/blossom/internal/password"
)

const minPasswordLen = 8

// Store errors.
var (
	ErrNotFound = errors.New("user not found")
	ErrConflict = errors.New("user email already taken")
)

// Store persists users. Create assigns ID. FindByID, Save and Delete return
// ErrNotFound for a missing id; Create and Save return ErrConflict for a
// taken email.
type Store interface {
	Create(ctx context.Context, u *contract.User) error
	FindAll(ctx context.Context) ([]contract.User, error)
	FindByID(ctx context.Context, id int64) (contract.User, error)
	Save(ctx context.Context, u *contract.User) error
	Delete(ctx context.Context, id int64) (contract.User, error)
}

// Service implements the users patterns. Not-found answers are a nil user
// with a nil error; they travel as a null reply.
type Service struct {
	store  Store
	hasher password.Hasher
	now    func() time.Time
	logger *zap.Logger
}

// Option configures a Service.
type Option func(*Service)

// WithHasher replaces the bcrypt hasher.
func WithHasher(h password.Hasher) Option { return func(s *Service) { s.hasher = h } }

// WithClock replaces time.Now for created_at stamps.
func WithClock(now func() time.Time) Option { return func(s *Service) { s.now = now } }

// WithLogger sets the service logger.
func WithLogger(l *zap.Logger) Option { return func(s *Service) { s.logger = l } }

func NewService(store Store, opts ...Option) *Service {
	s := &Service{store: store, hasher: password.NewBcrypt(), now: time.Now}
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

func validEmail(email string) bool {
	a, err := mail.ParseAddress(email)
	return err == nil && a.Address == email
}

func (s *Service) storeErr(op string, err error) error {
	if errors.Is(err, ErrConflict) {
		return berr.NewCoded(contract.ErrCodeConflict, "email already registered")
	}

	s.logger.Error("users store failed", zap.String("op", op), zap.Error(err))

	return fmt.Errorf("users %s: %w", op, err)
}

// Create stores a new user with a hashed password and a UTC creation stamp.
func (s *Service) Create(ctx context.Context, in contract.CreateUser) (*contract.User, error) {
	if strings.TrimSpace(in.Name) == "" {
		return nil, invalid("name is required")
	}

	if !validEmail(in.Email) {
		return nil, invalid("email %q is not valid", in.Email)
	}

	if len(in.Password) < minPasswordLen {
		return nil, invalid("password must be at least %d characters", minPasswordLen)
	}

	hash, err := s.hasher.Hash(in.Password)
	if err != nil {
		return nil, invalid("%v", err)
	}

	u := &contract.User{
		Name:      in.Name,
		Email:     in.Email,
		Password:  hash,
		CreatedAt: s.now().UTC(),
	}

	if err := s.store.Create(ctx, u); err != nil {
		return nil, s.storeErr("create", err)
	}

	s.logger.Info("user created", zap.Int64("id", u.ID))

	return u, nil
}

func (s *Service) FindAll(ctx context.Context, _ contract.FindAllUsers) ([]contract.User, error) {
	all, err := s.store.FindAll(ctx)
	if err != nil {
		return nil, s.storeErr("find all", err)
	}

	if all == nil {
		all = []contract.User{}
	}

	return all, nil
}

func (s *Service) FindOne(ctx context.Context, in contract.FindOneUser) (*contract.User, error) {
	u, err := s.store.FindByID(ctx, in.ID)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}

	if err != nil {
		return nil, s.storeErr("find one", err)
	}

	return &u, nil
}

// Update applies the non-nil fields of in.Data. The password, when given, is
// hashed again.
func (s *Service) Update(ctx context.Context, in contract.UpdateUserRequest) (*contract.User, error) {
	patch := in.Data

	if patch.Name != nil && strings.TrimSpace(*patch.Name) == "" {
		return nil, invalid("name must not be empty")
	}

	if patch.Email != nil && !validEmail(*patch.Email) {
		return nil, invalid("email %q is not valid", *patch.Email)
	}

	if patch.Password != nil && len(*patch.Password) < minPasswordLen {
		return nil, invalid("password must be at least %d characters", minPasswordLen)
	}

	u, err := s.store.FindByID(ctx, in.ID)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}

	if err != nil {
		return nil, s.storeErr("update", err)
	}

	if patch.Name != nil {
		u.Name = *patch.Name
	}

	if patch.Email != nil {
		u.Email = *patch.Email
	}

	if patch.Password != nil {
		hash, err := s.hasher.Hash(*patch.Password)
		if err != nil {
			return nil, invalid("%v", err)
		}

		u.Password = hash
	}

	if err := s.store.Save(ctx, &u); err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, nil
		}

		return nil, s.storeErr("update", err)
	}

	return &u, nil
}

// Remove deletes the user and returns what was deleted.
func (s *Service) Remove(ctx context.Context, id int64) (*contract.User, error) {
	u, err := s.store.Delete(ctx, id)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}

	if err != nil {
		return nil, s.storeErr("remove", err)
	}

	s.logger.Info("user removed", zap.Int64("id", id))

	return &u, nil
}
