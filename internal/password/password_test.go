package password_test

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/next-trace/blossom/internal/password"
)

func TestBcrypt(t *testing.T) {
	t.Parallel()

	h := password.Bcrypt{Cost: bcrypt.MinCost}

	hash, err := h.Hash("s3cret-pass")
	require.NoError(t, err)
	assert.NotEqual(t, "s3cret-pass", hash)
	assert.True(t, strings.HasPrefix(hash, "$2a$"))

	assert.NoError(t, h.Compare(hash, "s3cret-pass"))
	assert.ErrorIs(t, h.Compare(hash, "wrong"), password.ErrMismatch)

	err = h.Compare("not-a-hash", "s3cret-pass")
	require.Error(t, err)
	assert.NotErrorIs(t, err, password.ErrMismatch)
}

func TestNewBcrypt_DefaultCost(t *testing.T) {
	t.Parallel()

	hash, err := password.NewBcrypt().Hash("x")
	require.NoError(t, err)

	cost, err := bcrypt.Cost([]byte(hash))
	require.NoError(t, err)
	assert.Equal(t, password.DefaultCost, cost)
}

func TestBcrypt_TooLong(t *testing.T) {
	t.Parallel()

	_, err := password.Bcrypt{Cost: bcrypt.MinCost}.Hash(strings.Repeat("a", 100))
	assert.Error(t, err)
}
