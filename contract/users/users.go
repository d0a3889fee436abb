// Package users is the shared contract of the users service: its service
// identifier, message patterns and payload shapes.
package users

import (
	"time"

	"github.com/next-trace/blossom/contract/rpc"
)

// Service identifies the users worker and its default queue.
const Service rpc.ServiceID = "users"

// Pattern names.
const (
	PatternCreate  = "users.create"
	PatternFindAll = "users.findAll"
	PatternFindOne = "users.findOne"
	PatternUpdate  = "users.update"
	PatternRemove  = "users.remove"
)

var (
	Create  = rpc.NewPattern[CreateUser, *User](Service, PatternCreate)
	FindAll = rpc.NewPattern[FindAllUsers, []User](Service, PatternFindAll)
	FindOne = rpc.NewPattern[FindOneUser, *User](Service, PatternFindOne)
	Update  = rpc.NewPattern[UpdateUserRequest, *User](Service, PatternUpdate)
	Remove  = rpc.NewPattern[int64, *User](Service, PatternRemove)
)

// Patterns lists every users pattern.
func Patterns() []rpc.PatternRef {
	return []rpc.PatternRef{Create, FindAll, FindOne, Update, Remove}
}

// User is the persisted record as it travels between services. Password is
// always a hash, never the plaintext.
type User struct {
	ID        int64     `json:"id"`
	Name      string    `json:"name"`
	Email     string    `json:"email"`
	Password  string    `json:"password"`
	CreatedAt time.Time `json:"created_at"`
}

// View is what leaves the system over HTTP: a User without its password.
type View struct {
	ID        int64     `json:"id"`
	Name      string    `json:"name"`
	Email     string    `json:"email"`
	CreatedAt time.Time `json:"created_at"`
}

// View drops the password.
func (u User) View() View {
	return View{ID: u.ID, Name: u.Name, Email: u.Email, CreatedAt: u.CreatedAt}
}

// CreateUser is the payload of users.create.
type CreateUser struct {
	Name     string `json:"name" binding:"required"`
	Email    string `json:"email" binding:"required,email"`
	Password string `json:"password" binding:"required,min=8"`
}

// UpdateUser is a partial update; nil fields are left untouched.
type UpdateUser struct {
	Name     *string `json:"name,omitempty"`
	Email    *string `json:"email,omitempty" binding:"omitempty,email"`
	Password *string `json:"password,omitempty" binding:"omitempty,min=8"`
}

// UpdateUserRequest is the payload of users.update.
type UpdateUserRequest struct {
	ID   int64      `json:"id"`
	Data UpdateUser `json:"data"`
}

// FindOneUser is the payload of users.findOne.
type FindOneUser struct {
	ID int64 `json:"id"`
}

// FindAllUsers is the (empty) payload of users.findAll.
type FindAllUsers struct{}

// Error codes returned by the users worker.
const (
	ErrCodeInvalidArgument = "users.invalid_argument"
	ErrCodeConflict        = "users.conflict"
)
