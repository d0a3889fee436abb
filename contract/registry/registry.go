// Package registry assembles the contract registry every process shares.
package registry

import (
	"github.com/next-trace/blossom/contract/auth"
	"github.com/next-trace/blossom/contract/rpc"
	"github.com/next-trace/blossom/contract/users"
)

var def = rpc.MustRegistry(append(users.Patterns(), auth.Patterns()...)...)

// Default returns the registry of the users and auth services.
func Default() *rpc.Registry { return def }
