package auth_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/next-trace/blossom/adapters/inmemory"
	contract "github.com/next-trace/blossom/contract/auth"
	berr "github.com/next-trace/blossom/contract/errors"
	"github.com/next-trace/blossom/internal/auth"
	"github.com/next-trace/blossom/internal/password"
	"github.com/next-trace/blossom/servicebus"
)

// countingHasher records how many comparisons ran.
type countingHasher struct {
	password.Bcrypt
	compares int
}

func (h *countingHasher) Compare(hash, plain string) error {
	h.compares++
	return h.Bcrypt.Compare(hash, plain)
}

func newService(store auth.Store, h password.Hasher) *auth.Service {
	if h == nil {
		h = password.Bcrypt{Cost: bcrypt.MinCost}
	}

	return auth.NewService(store,
		auth.WithHasher(h),
		auth.WithSubjectGenerator(func() string { return "subj-1" }),
		auth.WithClock(func() time.Time { return time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC) }),
	)
}

func TestRegisterAndVerify(t *testing.T) {
	svc := newService(auth.NewMemStore(), nil)
	ctx := t.Context()

	cred, err := svc.Register(ctx, contract.RegisterCredentials{Email: "ada@example.com", Password: "correct-horse"})
	require.NoError(t, err)
	assert.Equal(t, "subj-1", cred.Subject)
	assert.Equal(t, "ada@example.com", cred.Email)

	res, err := svc.Verify(ctx, contract.VerifyCredentials{Email: "ada@example.com", Password: "correct-horse"})
	require.NoError(t, err)
	assert.Equal(t, contract.VerifyResult{Valid: true, Subject: "subj-1"}, res)

	res, err = svc.Verify(ctx, contract.VerifyCredentials{Email: "ada@example.com", Password: "wrong-horse"})
	require.NoError(t, err)
	assert.False(t, res.Valid)
	assert.Empty(t, res.Subject)

	_, err = svc.Register(ctx, contract.RegisterCredentials{Email: "ada@example.com", Password: "another-pass"})
	assert.ErrorIs(t, err, berr.Code(contract.ErrCodeConflict))
}

func TestRegister_Validation(t *testing.T) {
	svc := newService(auth.NewMemStore(), nil)

	_, err := svc.Register(t.Context(), contract.RegisterCredentials{Email: "nope", Password: "correct-horse"})
	assert.ErrorIs(t, err, berr.Code(contract.ErrCodeInvalidArgument))

	_, err = svc.Register(t.Context(), contract.RegisterCredentials{Email: "ada@example.com", Password: "short"})
	assert.ErrorIs(t, err, berr.Code(contract.ErrCodeInvalidArgument))
}

func TestVerify_UnknownEmailStillCompares(t *testing.T) {
	h := &countingHasher{Bcrypt: password.Bcrypt{Cost: bcrypt.MinCost}}
	svc := newService(auth.NewMemStore(), h)

	res, err := svc.Verify(t.Context(), contract.VerifyCredentials{Email: "ghost@example.com", Password: "whatever"})
	require.NoError(t, err)
	assert.False(t, res.Valid)
	assert.Equal(t, 1, h.compares)
}

type brokenStore struct{}

func (brokenStore) Create(context.Context, auth.Record) error { return errors.New("disk full") }

func (brokenStore) FindByEmail(context.Context, string) (auth.Record, error) {
	return auth.Record{}, errors.New("disk full")
}

func TestStoreErrors(t *testing.T) {
	svc := newService(brokenStore{}, nil)

	_, err := svc.Register(t.Context(), contract.RegisterCredentials{Email: "ada@example.com", Password: "correct-horse"})
	assert.ErrorContains(t, err, "disk full")

	_, err = svc.Verify(t.Context(), contract.VerifyCredentials{Email: "ada@example.com", Password: "correct-horse"})
	assert.ErrorContains(t, err, "disk full")
}

func TestOverBroker(t *testing.T) {
	tr := inmemory.NewBroker().Connect()

	d := servicebus.NewDispatcher(tr, contract.Service)
	require.NoError(t, auth.Register(d, newService(auth.NewMemStore(), nil)))
	assert.Equal(t, []string{contract.PatternRegister, contract.PatternVerify}, d.Patterns())

	ctx, cancel := context.WithCancel(context.Background())
	served := make(chan error, 1)

	go func() { served <- d.Serve(ctx) }()

	c, err := servicebus.NewClient(t.Context(), tr, contract.Service)
	require.NoError(t, err)

	defer func() {
		_ = c.Close()
		cancel()
		<-served
		_ = tr.Close()
	}()

	cred, err := servicebus.Call(t.Context(), c, contract.Register, contract.RegisterCredentials{Email: "ada@example.com", Password: "correct-horse"})
	require.NoError(t, err)
	require.NotNil(t, cred)

	res, err := servicebus.Call(t.Context(), c, contract.Verify, contract.VerifyCredentials{Email: "ada@example.com", Password: "correct-horse"})
	require.NoError(t, err)
	assert.True(t, res.Valid)
	assert.Equal(t, cred.Subject, res.Subject)
}
