// Package clients wraps service clients in typed per-service facades.
package clients

import (
	"context"
	"fmt"

	contractauth "github.com/next-trace/blossom/contract/auth"
	berr "github.com/next-trace/blossom/contract/errors"
	"github.com/next-trace/blossom/contract/rpc"
	contractusers "github.com/next-trace/blossom/contract/users"
	"github.com/next-trace/blossom/servicebus"
)

func check(c *servicebus.Client, want rpc.ServiceID) error {
	if c == nil {
		return fmt.Errorf("%s facade: nil client", want)
	}

	if c.Service() != want {
		return fmt.Errorf("%s facade over %s client: %w", want, c.Service(), berr.ErrServiceMismatch)
	}

	return nil
}

// Users calls the users worker. Lookups that find nothing return a nil user
// and a nil error.
type Users struct {
	c *servicebus.Client
}

func NewUsers(c *servicebus.Client) (*Users, error) {
	if err := check(c, contractusers.Service); err != nil {
		return nil, err
	}

	return &Users{c: c}, nil
}

func (u *Users) Create(ctx context.Context, in contractusers.CreateUser) (*contractusers.User, error) {
	return servicebus.Call(ctx, u.c, contractusers.Create, in)
}

func (u *Users) FindAll(ctx context.Context) ([]contractusers.User, error) {
	return servicebus.Call(ctx, u.c, contractusers.FindAll, contractusers.FindAllUsers{})
}

func (u *Users) FindOne(ctx context.Context, id int64) (*contractusers.User, error) {
	return servicebus.Call(ctx, u.c, contractusers.FindOne, contractusers.FindOneUser{ID: id})
}

func (u *Users) Update(ctx context.Context, id int64, data contractusers.UpdateUser) (*contractusers.User, error) {
	return servicebus.Call(ctx, u.c, contractusers.Update, contractusers.UpdateUserRequest{ID: id, Data: data})
}

func (u *Users) Remove(ctx context.Context, id int64) (*contractusers.User, error) {
	return servicebus.Call(ctx, u.c, contractusers.Remove, id)
}

func (u *Users) State() rpc.State { return u.c.State() }

// Auth calls the auth worker.
type Auth struct {
	c *servicebus.Client
}

func NewAuth(c *servicebus.Client) (*Auth, error) {
	if err := check(c, contractauth.Service); err != nil {
		return nil, err
	}

	return &Auth{c: c}, nil
}

func (a *Auth) Register(ctx context.Context, in contractauth.RegisterCredentials) (*contractauth.Credential, error) {
	return servicebus.Call(ctx, a.c, contractauth.Register, in)
}

func (a *Auth) Verify(ctx context.Context, in contractauth.VerifyCredentials) (contractauth.VerifyResult, error) {
	return servicebus.Call(ctx, a.c, contractauth.Verify, in)
}

func (a *Auth) State() rpc.State { return a.c.State() }
