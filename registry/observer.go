package registry

import (
	"context"
	"sync"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"muxrpc/transport"
)

const (
	eventQueueSize = 256
	opTimeout      = 3 * time.Second
)

type connEvent struct {
	inst   ConnInstance
	opened bool
}

// ConnObserver publishes connections to a Registry as they open and close.
//
// Observer callbacks run on connection goroutines and must not block, so registry
// calls are made by a single worker in event order. When the queue is full events
// are dropped and logged; the lease TTL cleans up a missed deregistration.
type ConnObserver struct {
	transport.NopObserver

	reg    Registry
	ttl    int64
	logger *zap.Logger

	events chan connEvent
	stop   chan struct{}
	exited chan struct{}
	once   sync.Once

	mu   sync.Mutex
	live map[string]ConnInstance // registered and not yet deregistered
}

// NewObserver starts the worker publishing to reg with leases of ttl seconds.
// Close stops it.
func NewObserver(reg Registry, ttl int64, logger *zap.Logger) *ConnObserver {
	if logger == nil {
		logger = zap.NewNop()
	}
	o := &ConnObserver{
		reg:    reg,
		ttl:    ttl,
		logger: logger,
		events: make(chan connEvent, eventQueueSize),
		stop:   make(chan struct{}),
		exited: make(chan struct{}),
		live:   make(map[string]ConnInstance),
	}
	go o.run()
	return o
}

func (o *ConnObserver) ConnOpened(c *transport.Conn) {
	o.enqueue(connEvent{inst: instanceOf(c), opened: true})
}

func (o *ConnObserver) ConnClosed(c *transport.Conn, reason error) {
	o.enqueue(connEvent{inst: instanceOf(c)})
}

// Close stops the worker and deregisters every connection it still has registered.
func (o *ConnObserver) Close() error {
	o.once.Do(func() { close(o.stop) })
	<-o.exited

	o.mu.Lock()
	remaining := make([]ConnInstance, 0, len(o.live))
	for key, inst := range o.live {
		remaining = append(remaining, inst)
		delete(o.live, key)
	}
	o.mu.Unlock()

	var err error
	for _, inst := range remaining {
		ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
		err = multierr.Append(err, o.reg.Deregister(ctx, inst))
		cancel()
	}
	return err
}

func (o *ConnObserver) enqueue(ev connEvent) {
	select {
	case o.events <- ev:
	case <-o.stop:
	default:
		o.logger.Warn("connection registry queue full, dropping event",
			zap.String("conn", ev.inst.Key()), zap.Bool("opened", ev.opened))
	}
}

func (o *ConnObserver) run() {
	defer close(o.exited)
	for {
		select {
		case ev := <-o.events:
			o.apply(ev)
		case <-o.stop:
			return
		}
	}
}

func (o *ConnObserver) apply(ev connEvent) {
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	key := ev.inst.Key()
	if ev.opened {
		if err := o.reg.Register(ctx, ev.inst, o.ttl); err != nil {
			o.logger.Warn("registering connection", zap.String("conn", key), zap.Error(err))
			return
		}
		o.mu.Lock()
		o.live[key] = ev.inst
		o.mu.Unlock()
		return
	}

	o.mu.Lock()
	inst, ok := o.live[key]
	delete(o.live, key)
	o.mu.Unlock()
	if !ok {
		return
	}
	if err := o.reg.Deregister(ctx, inst); err != nil {
		o.logger.Warn("deregistering connection", zap.String("conn", key), zap.Error(err))
	}
}

func instanceOf(c *transport.Conn) ConnInstance {
	return ConnInstance{
		Local:    c.LocalAddr().String(),
		Remote:   c.RemoteAddr().String(),
		OpenedAt: time.Now(),
	}
}
