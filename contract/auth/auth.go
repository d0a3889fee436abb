// Package auth is the shared contract of the auth service.
package auth

import (
	"time"

	"github.com/next-trace/blossom/contract/rpc"
)

// Service identifies the auth worker and its default queue.
const Service rpc.ServiceID = "auth"

const (
	PatternRegister = "auth.register"
	PatternVerify   = "auth.verify"
)

var (
	Register = rpc.NewPattern[RegisterCredentials, *Credential](Service, PatternRegister)
	Verify   = rpc.NewPattern[VerifyCredentials, VerifyResult](Service, PatternVerify)
)

// Patterns lists every auth pattern.
func Patterns() []rpc.PatternRef {
	return []rpc.PatternRef{Register, Verify}
}

type RegisterCredentials struct {
	Email    string `json:"email" binding:"required,email"`
	Password string `json:"password" binding:"required,min=8"`
}

type VerifyCredentials struct {
	Email    string `json:"email" binding:"required,email"`
	Password string `json:"password" binding:"required"`
}

// Credential is the stored login of a subject, without its hash.
type Credential struct {
	Subject   string    `json:"subject"`
	Email     string    `json:"email"`
	CreatedAt time.Time `json:"created_at"`
}

type VerifyResult struct {
	Valid   bool   `json:"valid"`
	Subject string `json:"subject,omitempty"`
}

const (
	ErrCodeInvalidArgument = "auth.invalid_argument"
	ErrCodeConflict        = "auth.conflict"
)
