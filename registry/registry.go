package registry

import (
	"context"
	"time"
)

// ConnInstance describes one live connection.
type ConnInstance struct {
	Local    string
	Remote   string
	OpenedAt time.Time
}

// Key identifies the connection; it is unique while the connection lives.
func (i ConnInstance) Key() string {
	return i.Local + "/" + i.Remote
}

// Registry publishes the set of live connections.
type Registry interface {
	Register(ctx context.Context, inst ConnInstance, ttl int64) error
	Deregister(ctx context.Context, inst ConnInstance) error
	List(ctx context.Context) ([]ConnInstance, error)
	Watch(ctx context.Context) <-chan []ConnInstance
}
