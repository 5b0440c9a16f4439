package registry

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const etcdEndpoint = "localhost:2379"

func newTestRegistry(t *testing.T) *EtcdRegistry {
	t.Helper()
	reg, err := NewEtcdRegistry([]string{etcdEndpoint})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if _, err := reg.client.Status(ctx, etcdEndpoint); err != nil {
		reg.Close()
		t.Skipf("etcd not reachable on %s: %v", etcdEndpoint, err)
	}
	t.Cleanup(func() { reg.Close() })
	return reg
}

func TestRegisterAndList(t *testing.T) {
	reg := newTestRegistry(t)
	ctx := context.Background()

	inst1 := ConnInstance{Local: "127.0.0.1:8001", Remote: "127.0.0.1:50001", OpenedAt: time.Now()}
	inst2 := ConnInstance{Local: "127.0.0.1:8001", Remote: "127.0.0.1:50002", OpenedAt: time.Now()}

	require.NoError(t, reg.Register(ctx, inst1, 10))
	require.NoError(t, reg.Register(ctx, inst2, 10))
	defer reg.Deregister(ctx, inst2)

	list, err := reg.List(ctx)
	require.NoError(t, err)
	assert.Contains(t, keys(list), inst1.Key())
	assert.Contains(t, keys(list), inst2.Key())

	require.NoError(t, reg.Deregister(ctx, inst1))

	list, err = reg.List(ctx)
	require.NoError(t, err)
	assert.NotContains(t, keys(list), inst1.Key())
	assert.Contains(t, keys(list), inst2.Key())
}

func TestWatch(t *testing.T) {
	reg := newTestRegistry(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	updates := reg.Watch(ctx)
	// give the watch time to be established
	time.Sleep(100 * time.Millisecond)

	inst := ConnInstance{Local: "127.0.0.1:8002", Remote: "127.0.0.1:50003", OpenedAt: time.Now()}
	require.NoError(t, reg.Register(context.Background(), inst, 10))
	defer reg.Deregister(context.Background(), inst)

	select {
	case list := <-updates:
		assert.Contains(t, keys(list), inst.Key())
	case <-time.After(3 * time.Second):
		t.Fatal("no watch update")
	}

	cancel()
	for range updates {
	}
}

func keys(list []ConnInstance) []string {
	out := make([]string, len(list))
	for i, inst := range list {
		out[i] = inst.Key()
	}
	return out
}
