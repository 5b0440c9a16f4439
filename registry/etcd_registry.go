// Package registry publishes connection lifecycle to etcd, so that other processes
// can see which peers are connected to which endpoints.
//
//	Key:   /muxrpc/conns/{Local}/{Remote}
//	Value: JSON-encoded ConnInstance
//
// Every key is attached to a TTL lease that is kept alive while the connection lives.
// If the process dies without deregistering, the lease expires and the key goes away.
package registry

import (
	"context"
	"encoding/json"
	"sync"

	clientv3 "go.etcd.io/etcd/client/v3"
)

const keyPrefix = "/muxrpc/conns/"

type lease struct {
	id   clientv3.LeaseID
	stop context.CancelFunc // ends the KeepAlive
}

// EtcdRegistry implements Registry with etcd v3.
type EtcdRegistry struct {
	client *clientv3.Client // thread-safe, shared across goroutines

	mu     sync.Mutex
	leases map[string]lease // by ConnInstance.Key
}

// NewEtcdRegistry creates a registry connected to the given etcd endpoints.
func NewEtcdRegistry(endpoints []string) (*EtcdRegistry, error) {
	c, err := clientv3.New(clientv3.Config{
		Endpoints: endpoints,
	})
	if err != nil {
		return nil, err
	}
	return &EtcdRegistry{client: c, leases: make(map[string]lease)}, nil
}

// Register stores inst under a lease of ttl seconds and keeps the lease alive until
// Deregister.
//
// Flow:
//  1. Create a lease with the given TTL
//  2. Put the key-value pair with the lease attached
//  3. Start KeepAlive to renew the lease in the background
func (r *EtcdRegistry) Register(ctx context.Context, inst ConnInstance, ttl int64) error {
	grant, err := r.client.Grant(ctx, ttl)
	if err != nil {
		return err
	}

	val, err := json.Marshal(inst)
	if err != nil {
		return err
	}
	if _, err := r.client.Put(ctx, keyPrefix+inst.Key(), string(val), clientv3.WithLease(grant.ID)); err != nil {
		return err
	}

	// KeepAlive must outlive ctx, which only bounds the registration itself
	kaCtx, stop := context.WithCancel(context.Background())
	ch, err := r.client.KeepAlive(kaCtx, grant.ID)
	if err != nil {
		stop()
		return err
	}
	// Consume KeepAlive responses so the channel never fills up
	go func() {
		for range ch {
		}
	}()

	r.mu.Lock()
	old, ok := r.leases[inst.Key()]
	r.leases[inst.Key()] = lease{id: grant.ID, stop: stop}
	r.mu.Unlock()
	if ok {
		old.stop()
	}
	return nil
}

// Deregister removes inst. Revoking the lease deletes the key with it.
func (r *EtcdRegistry) Deregister(ctx context.Context, inst ConnInstance) error {
	r.mu.Lock()
	l, ok := r.leases[inst.Key()]
	delete(r.leases, inst.Key())
	r.mu.Unlock()

	if ok {
		l.stop()
		if _, err := r.client.Revoke(ctx, l.id); err == nil {
			return nil
		}
	}
	_, err := r.client.Delete(ctx, keyPrefix+inst.Key())
	return err
}

// List returns every registered connection, including those of other processes.
func (r *EtcdRegistry) List(ctx context.Context) ([]ConnInstance, error) {
	resp, err := r.client.Get(ctx, keyPrefix, clientv3.WithPrefix())
	if err != nil {
		return nil, err
	}

	instances := make([]ConnInstance, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		var inst ConnInstance
		if err := json.Unmarshal(kv.Value, &inst); err != nil {
			continue // Skip malformed entries
		}
		instances = append(instances, inst)
	}
	return instances, nil
}

// Watch emits the full connection list after every change under the prefix
// (registrations, deregistrations, lease expirations). The channel is closed when
// ctx ends.
func (r *EtcdRegistry) Watch(ctx context.Context) <-chan []ConnInstance {
	ch := make(chan []ConnInstance, 1)

	go func() {
		defer close(ch)
		watchChan := r.client.Watch(ctx, keyPrefix, clientv3.WithPrefix())
		for range watchChan {
			// Re-fetch the full list rather than applying individual events
			instances, err := r.List(ctx)
			if err != nil {
				continue
			}
			select {
			case ch <- instances:
			case <-ctx.Done():
				return
			}
		}
	}()

	return ch
}

// Close stops every KeepAlive and closes the etcd client. Keys still registered
// disappear when their leases expire.
func (r *EtcdRegistry) Close() error {
	r.mu.Lock()
	for key, l := range r.leases {
		l.stop()
		delete(r.leases, key)
	}
	r.mu.Unlock()
	return r.client.Close()
}
