package rpc

// ServiceID names a backend service. It doubles as the default queue name.
type ServiceID string

func (s ServiceID) String() string { return string(s) }

// PatternRef is the untyped view of a pattern descriptor.
type PatternRef interface {
	Service() ServiceID
	Name() string
}

// Pattern describes one remote operation of a service together with its
// request and response shapes. Clients and dispatchers share the same value,
// so a shape mismatch between the two sides fails to compile.
type Pattern[Req, Res any] struct {
	service ServiceID
	name    string
}

// NewPattern declares a pattern of service svc.
func NewPattern[Req, Res any](svc ServiceID, name string) Pattern[Req, Res] {
	return Pattern[Req, Res]{service: svc, name: name}
}

func (p Pattern[Req, Res]) Service() ServiceID { return p.service }
func (p Pattern[Req, Res]) Name() string       { return p.name }
func (p Pattern[Req, Res]) String() string     { return p.name }

var _ PatternRef = Pattern[struct{}, struct{}]{}
