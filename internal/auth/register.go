package auth

import (
	"errors"

	contract "github.com/next-trace/blossom/contract/auth"
	"github.com/next-trace/blossom/servicebus"
)

// Register binds every auth pattern on d to s.
func Register(d *servicebus.Dispatcher, s *Service) error {
	return errors.Join(
		servicebus.Bind(d, contract.Register, s.Register),
		servicebus.Bind(d, contract.Verify, s.Verify),
	)
}
