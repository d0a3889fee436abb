package users

import (
	"errors"

	contract "github.com/next-trace/blossom/contract/users"
	"github.com/next-trace/blossom/servicebus"
)

// Register binds every users pattern on d to s.
func Register(d *servicebus.Dispatcher, s *Service) error {
	return errors.Join(
		servicebus.Bind(d, contract.Create, s.Create),
		servicebus.Bind(d, contract.FindAll, s.FindAll),
		servicebus.Bind(d, contract.FindOne, s.FindOne),
		servicebus.Bind(d, contract.Update, s.Update),
		servicebus.Bind(d, contract.Remove, s.Remove),
	)
}
