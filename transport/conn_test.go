package transport

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"muxrpc/codec"
	"muxrpc/message"
	"muxrpc/middleware"
	"muxrpc/protocol"
)

type recorder struct {
	NopObserver
	dropped chan *protocol.Command
	failed  chan error
}

func newRecorder() *recorder {
	return &recorder{
		dropped: make(chan *protocol.Command, 16),
		failed:  make(chan error, 16),
	}
}

func (r *recorder) ResponseDropped(c *Conn, cmd *protocol.Command) { r.dropped <- cmd }

func (r *recorder) HandlerFailed(c *Conn, cmd *protocol.Command, err error) { r.failed <- err }

func envelope(t *testing.T, method string, body []byte) []byte {
	t.Helper()
	data, err := (&message.RPCMessage{ServiceMethod: method, Payload: body}).MarshalBinary()
	require.NoError(t, err)
	return data
}

func openEnvelope(t *testing.T, cmd *protocol.Command) *message.RPCMessage {
	t.Helper()
	var m message.RPCMessage
	require.NoError(t, m.UnmarshalBinary(cmd.Payload))
	return &m
}

func echo(ctx context.Context, req *message.RPCMessage) ([]byte, error) {
	return req.Payload, nil
}

func testOptions(t *testing.T) Options {
	return Options{
		RequestTimeout: 2 * time.Second,
		SweepInterval:  5 * time.Millisecond,
		FlushTimeout:   100 * time.Millisecond,
		Logger:         zap.NewNop(),
	}
}

// newPair connects two Conns over net.Pipe; the second one serves handler.
func newPair(t *testing.T, handler middleware.HandlerFunc, clientOpts, serverOpts Options) (*Conn, *Conn) {
	t.Helper()
	a, b := net.Pipe()
	server := NewConn(b, NewDispatcher(serverOpts.Codecs, handler, serverOpts.Logger), serverOpts)
	client := NewConn(a, nil, clientOpts)
	t.Cleanup(func() {
		client.Close(nil)
		server.Close(nil)
	})
	return client, server
}

// rawPeer is the far end of a pipe driven by hand with the blocking protocol helpers.
type rawPeer struct {
	conn net.Conn
	cmds chan *protocol.Command
}

func newRawPeer(t *testing.T, opts Options) (*Conn, *rawPeer) {
	t.Helper()
	a, b := net.Pipe()
	c := NewConn(a, nil, opts)
	p := &rawPeer{conn: b, cmds: make(chan *protocol.Command, 64)}
	go func() {
		defer close(p.cmds)
		for {
			cmd, err := protocol.Decode(b, 0)
			if err != nil {
				return
			}
			p.cmds <- cmd
		}
	}()
	t.Cleanup(func() {
		c.Close(nil)
		b.Close()
	})
	return c, p
}

func (p *rawPeer) next(t *testing.T) *protocol.Command {
	t.Helper()
	select {
	case cmd, ok := <-p.cmds:
		require.True(t, ok, "peer stream ended")
		return cmd
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for a frame")
		return nil
	}
}

func (p *rawPeer) reply(t *testing.T, req *protocol.Command, status protocol.Status, body []byte) {
	t.Helper()
	h, err := protocol.NewHeader(protocol.MsgTypeResponse, req.Header.CodecType, status, req.Header.Seq)
	require.NoError(t, err)
	cmd, err := protocol.NewCommand(h, body)
	require.NoError(t, err)
	require.NoError(t, protocol.Encode(p.conn, cmd))
}

func waitResult(t *testing.T, ch <-chan Result) Result {
	t.Helper()
	select {
	case res := <-ch:
		return res
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for a result")
		return Result{}
	}
}

func waitClosed(t *testing.T, c *Conn) {
	t.Helper()
	select {
	case <-c.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("connection was not closed")
	}
}

func TestSendReceive(t *testing.T) {
	client, _ := newPair(t, echo, testOptions(t), testOptions(t))

	resp, err := client.Send(context.Background(), codec.CodecTypeJSON, envelope(t, "Echo.Say", []byte(`"hi"`)))
	require.NoError(t, err)
	assert.Equal(t, protocol.MsgTypeResponse, resp.Header.MsgType)
	assert.Equal(t, protocol.StatusOK, resp.Header.Status)

	m := openEnvelope(t, resp)
	assert.Equal(t, "Echo.Say", m.ServiceMethod)
	assert.Equal(t, `"hi"`, string(m.Payload))
	assert.Zero(t, client.Pending())
}

func TestConcurrentSendsAreIndependent(t *testing.T) {
	const k = 200
	client, _ := newPair(t, echo, testOptions(t), testOptions(t))

	var (
		mu   sync.Mutex
		seqs = make(map[uint64]bool)
		wg   sync.WaitGroup
	)
	for i := 0; i < k; i++ {
		body := []byte(fmt.Sprintf(`{"n":%d}`, i))
		payload := envelope(t, "Echo.Say", body)
		wg.Add(1)
		go func() {
			defer wg.Done()
			seq, ch, err := client.SendAsync(codec.CodecTypeJSON, payload, 0)
			if !assert.NoError(t, err) {
				return
			}
			mu.Lock()
			seqs[seq] = true
			mu.Unlock()

			res := <-ch
			if !assert.NoError(t, res.Err) {
				return
			}
			assert.Equal(t, seq, res.Cmd.Header.Seq)
			var m message.RPCMessage
			if assert.NoError(t, m.UnmarshalBinary(res.Cmd.Payload)) {
				assert.Equal(t, string(body), string(m.Payload))
			}
		}()
	}
	wg.Wait()

	assert.Len(t, seqs, k)
	assert.Zero(t, client.Pending())
}

func TestTimeoutThenLateResponseIsDropped(t *testing.T) {
	rec := newRecorder()
	opts := testOptions(t)
	opts.Observer = rec
	client, peer := newRawPeer(t, opts)

	seq, ch, err := client.SendAsync(codec.CodecTypeJSON, envelope(t, "Slow.Op", nil), 30*time.Millisecond)
	require.NoError(t, err)
	req := peer.next(t)
	assert.Equal(t, seq, req.Header.Seq)

	res := waitResult(t, ch)
	assert.ErrorIs(t, res.Err, ErrTimeout)
	assert.Zero(t, client.Pending())

	peer.reply(t, req, protocol.StatusOK, envelope(t, "Slow.Op", []byte("late")))
	select {
	case dropped := <-rec.dropped:
		assert.Equal(t, seq, dropped.Header.Seq)
	case <-time.After(2 * time.Second):
		t.Fatal("late response was not reported")
	}

	// the connection survives a timeout
	select {
	case <-client.Done():
		t.Fatal("timeout must not close the connection")
	default:
	}
}

func TestSendHonorsContextDeadline(t *testing.T) {
	client, _ := newRawPeer(t, testOptions(t))

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	_, err := client.Send(ctx, codec.CodecTypeJSON, envelope(t, "Slow.Op", nil))
	assert.ErrorIs(t, err, ErrTimeout)
	assert.Zero(t, client.Pending())
}

func TestSendContextCancelRemovesEntry(t *testing.T) {
	client, peer := newRawPeer(t, testOptions(t))

	ctx, cancel := context.WithCancel(context.Background())
	payload := envelope(t, "Slow.Op", nil)
	errc := make(chan error, 1)
	go func() {
		_, err := client.Send(ctx, codec.CodecTypeJSON, payload)
		errc <- err
	}()
	peer.next(t)
	cancel()

	select {
	case err := <-errc:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("Send did not return after cancel")
	}
	assert.Zero(t, client.Pending())
}

func TestOutOfOrderResponses(t *testing.T) {
	client, peer := newRawPeer(t, testOptions(t))

	seqA, chA, err := client.SendAsync(codec.CodecTypeJSON, envelope(t, "A.Op", nil), 0)
	require.NoError(t, err)
	reqA := peer.next(t)
	seqB, chB, err := client.SendAsync(codec.CodecTypeJSON, envelope(t, "B.Op", nil), 0)
	require.NoError(t, err)
	reqB := peer.next(t)
	require.NotEqual(t, seqA, seqB)

	peer.reply(t, reqB, protocol.StatusOK, envelope(t, "B.Op", []byte("b")))
	resB := waitResult(t, chB)
	require.NoError(t, resB.Err)
	assert.Equal(t, "b", string(openEnvelope(t, resB.Cmd).Payload))

	assert.Equal(t, 1, client.Pending())
	select {
	case <-chA:
		t.Fatal("A must still be pending")
	default:
	}

	peer.reply(t, reqA, protocol.StatusOK, envelope(t, "A.Op", []byte("a")))
	resA := waitResult(t, chA)
	require.NoError(t, resA.Err)
	assert.Equal(t, "a", string(openEnvelope(t, resA.Cmd).Payload))
}

func TestCloseCancelsPending(t *testing.T) {
	client, peer := newRawPeer(t, testOptions(t))

	var chans []<-chan Result
	for i := 0; i < 3; i++ {
		_, ch, err := client.SendAsync(codec.CodecTypeJSON, envelope(t, "Never.Answered", nil), time.Minute)
		require.NoError(t, err)
		peer.next(t)
		chans = append(chans, ch)
	}
	require.Equal(t, 3, client.Pending())

	reason := errors.New("shutting down")
	require.NoError(t, client.Close(reason))
	for _, ch := range chans {
		res := waitResult(t, ch)
		assert.ErrorIs(t, res.Err, ErrConnectionClosed)
		assert.ErrorIs(t, res.Err, reason)
	}
	assert.Zero(t, client.Pending())
	assert.Equal(t, reason, client.Err())

	_, err := client.Send(context.Background(), codec.CodecTypeJSON, envelope(t, "After.Close", nil))
	assert.ErrorIs(t, err, ErrConnectionClosed)
	assert.NoError(t, client.Close(errors.New("second close is a no-op")))
	assert.Equal(t, reason, client.Err())
}

func TestPeerCloseFailsPending(t *testing.T) {
	client, peer := newRawPeer(t, testOptions(t))

	_, ch, err := client.SendAsync(codec.CodecTypeJSON, envelope(t, "Never.Answered", nil), time.Minute)
	require.NoError(t, err)
	peer.next(t)
	peer.conn.Close()

	res := waitResult(t, ch)
	assert.ErrorIs(t, res.Err, ErrConnectionClosed)
	waitClosed(t, client)
}

func TestOversizedFrameClosesConnection(t *testing.T) {
	opts := testOptions(t)
	opts.MaxFrameSize = 1024
	client, peer := newRawPeer(t, opts)

	_, ch, err := client.SendAsync(codec.CodecTypeJSON, envelope(t, "Big.Reply", nil), time.Minute)
	require.NoError(t, err)
	req := peer.next(t)

	header := make([]byte, protocol.HeaderSize)
	copy(header, "mrpc")
	header[4] = protocol.Version
	header[5] = byte(protocol.MsgTypeResponse)
	binary.BigEndian.PutUint64(header[8:16], req.Header.Seq)
	binary.BigEndian.PutUint32(header[16:20], 1<<30)
	_, err = peer.conn.Write(header)
	require.NoError(t, err)

	waitClosed(t, client)
	assert.ErrorIs(t, client.Err(), protocol.ErrFrameTooLarge)
	res := waitResult(t, ch)
	assert.ErrorIs(t, res.Err, ErrConnectionClosed)
	assert.ErrorIs(t, res.Err, protocol.ErrFrameTooLarge)
}

func TestForeignStreamClosesConnection(t *testing.T) {
	client, peer := newRawPeer(t, testOptions(t))

	_, err := peer.conn.Write([]byte("GET / HTTP/1.1\r\n\r\n"))
	require.NoError(t, err)

	waitClosed(t, client)
	assert.ErrorIs(t, client.Err(), protocol.ErrProtocolMismatch)
}

func TestUnknownCodecGetsErrorResponse(t *testing.T) {
	jsonOnly, err := codec.NewRegistry(&codec.JSONCodec{})
	require.NoError(t, err)
	opts := testOptions(t)
	opts.Codecs = jsonOnly

	a, b := net.Pipe()
	server := NewConn(b, NewDispatcher(jsonOnly, echo, opts.Logger), opts)
	t.Cleanup(func() { server.Close(nil); a.Close() })

	frames := make(chan *protocol.Command, 4)
	go func() {
		for {
			cmd, err := protocol.Decode(a, 0)
			if err != nil {
				close(frames)
				return
			}
			frames <- cmd
		}
	}()

	send := func(codecType byte, seq uint64) *protocol.Command {
		h, err := protocol.NewHeader(protocol.MsgTypeRequest, codecType, protocol.StatusOK, seq)
		require.NoError(t, err)
		cmd, err := protocol.NewCommand(h, envelope(t, "Echo.Say", []byte("x")))
		require.NoError(t, err)
		require.NoError(t, protocol.Encode(a, cmd))
		select {
		case resp := <-frames:
			return resp
		case <-time.After(2 * time.Second):
			t.Fatal("no response")
			return nil
		}
	}

	resp := send(protocol.CodecTypeProto, 77)
	assert.Equal(t, protocol.MsgTypeResponse, resp.Header.MsgType)
	assert.Equal(t, uint64(77), resp.Header.Seq)
	assert.Equal(t, protocol.StatusError, resp.Header.Status)
	assert.Contains(t, openEnvelope(t, resp).Error, "unknown serializer")

	// the connection survives
	resp = send(protocol.CodecTypeJSON, 78)
	assert.Equal(t, uint64(78), resp.Header.Seq)
	assert.Equal(t, protocol.StatusOK, resp.Header.Status)
	assert.Equal(t, "x", string(openEnvelope(t, resp).Payload))
}

func TestSendRejectsUnknownCodec(t *testing.T) {
	jsonOnly, err := codec.NewRegistry(&codec.JSONCodec{})
	require.NoError(t, err)
	opts := testOptions(t)
	opts.Codecs = jsonOnly
	client, _ := newRawPeer(t, opts)

	_, err = client.Send(context.Background(), codec.CodecTypeProto, nil)
	assert.ErrorIs(t, err, protocol.ErrMalformedHeader)
	assert.ErrorIs(t, err, codec.ErrUnknownCodec)
	assert.ErrorIs(t, client.SendOneway(context.Background(), codec.CodecType(99), nil), protocol.ErrMalformedHeader)
	assert.Zero(t, client.Pending())
}

func TestHandlerErrorStatus(t *testing.T) {
	handler := func(ctx context.Context, req *message.RPCMessage) ([]byte, error) {
		switch req.ServiceMethod {
		case "Slow.Op":
			return nil, middleware.ErrHandlerTimeout
		case "Panic.Op":
			panic("boom")
		}
		return nil, errors.New("divide by zero")
	}
	client, _ := newPair(t, handler, testOptions(t), testOptions(t))

	resp, err := client.Send(context.Background(), codec.CodecTypeJSON, envelope(t, "Arith.Div", nil))
	require.NoError(t, err)
	assert.Equal(t, protocol.StatusError, resp.Header.Status)
	assert.Equal(t, "divide by zero", openEnvelope(t, resp).Error)

	resp, err = client.Send(context.Background(), codec.CodecTypeJSON, envelope(t, "Slow.Op", nil))
	require.NoError(t, err)
	assert.Equal(t, protocol.StatusTimeout, resp.Header.Status)

	resp, err = client.Send(context.Background(), codec.CodecTypeJSON, envelope(t, "Panic.Op", nil))
	require.NoError(t, err)
	assert.Equal(t, protocol.StatusError, resp.Header.Status)
	assert.Contains(t, openEnvelope(t, resp).Error, "panic")
}

func TestNoHandlerRejectsRequests(t *testing.T) {
	client, _ := newPair(t, nil, testOptions(t), testOptions(t))

	resp, err := client.Send(context.Background(), codec.CodecTypeJSON, envelope(t, "Any.Op", nil))
	require.NoError(t, err)
	assert.Equal(t, protocol.StatusError, resp.Header.Status)
	assert.Equal(t, ErrNoHandler.Error(), openEnvelope(t, resp).Error)
}

func TestOneway(t *testing.T) {
	got := make(chan string, 1)
	handler := func(ctx context.Context, req *message.RPCMessage) ([]byte, error) {
		got <- req.ServiceMethod
		return nil, errors.New("ignored")
	}
	rec := newRecorder()
	serverOpts := testOptions(t)
	serverOpts.Observer = rec
	client, _ := newPair(t, handler, testOptions(t), serverOpts)

	require.NoError(t, client.SendOneway(context.Background(), codec.CodecTypeJSON, envelope(t, "Log.Write", nil)))
	select {
	case method := <-got:
		assert.Equal(t, "Log.Write", method)
	case <-time.After(2 * time.Second):
		t.Fatal("oneway handler was not called")
	}
	select {
	case err := <-rec.failed:
		assert.EqualError(t, err, "ignored")
	case <-time.After(2 * time.Second):
		t.Fatal("oneway failure was not reported")
	}
	assert.Zero(t, client.Pending())
}

func TestPing(t *testing.T) {
	client, server := newPair(t, nil, testOptions(t), testOptions(t))

	require.NoError(t, client.Ping(context.Background()))
	require.NoError(t, server.Ping(context.Background()))
	assert.Zero(t, client.Pending())
}

func TestHeartbeatTimeoutClosesConnection(t *testing.T) {
	opts := testOptions(t)
	opts.HeartbeatInterval = 10 * time.Millisecond
	opts.RequestTimeout = 30 * time.Millisecond
	client, peer := newRawPeer(t, opts)

	hb := peer.next(t)
	assert.Equal(t, protocol.MsgTypeHeartbeat, hb.Header.MsgType)

	waitClosed(t, client)
	assert.ErrorIs(t, client.Err(), ErrHeartbeatTimeout)
}

func TestHeartbeatTimeoutFailsCallersAsClosed(t *testing.T) {
	opts := testOptions(t)
	opts.HeartbeatInterval = 10 * time.Millisecond
	opts.RequestTimeout = 50 * time.Millisecond
	client, _ := newRawPeer(t, opts)

	// outlives the heartbeat deadline, so the close reaches it first
	_, ch, err := client.SendAsync(codec.CodecTypeJSON, envelope(t, "Echo.Say", nil), time.Minute)
	require.NoError(t, err)

	res := waitResult(t, ch)
	assert.ErrorIs(t, res.Err, ErrConnectionClosed)
	assert.ErrorIs(t, res.Err, ErrHeartbeatTimeout)
	assert.NotErrorIs(t, res.Err, ErrTimeout)
}

func TestBothEndsHeartbeat(t *testing.T) {
	opts := testOptions(t)
	opts.HeartbeatInterval = time.Millisecond
	opts.RequestTimeout = 300 * time.Millisecond
	client, server := newPair(t, echo, opts, opts)

	// pings cross on the unbuffered pipe all the time; acks must not stall the readers
	time.Sleep(time.Second)
	for _, c := range []*Conn{client, server} {
		select {
		case <-c.Done():
			t.Fatalf("connection closed: %v", c.Err())
		default:
		}
	}
	_, err := client.Send(context.Background(), codec.CodecTypeJSON, envelope(t, "Echo.Say", nil))
	assert.NoError(t, err)
}

func TestDuplicateSeqClosesConnection(t *testing.T) {
	client, _ := newRawPeer(t, testOptions(t))

	_, err := client.pending.Register(7, time.Now().Add(time.Minute))
	require.NoError(t, err)

	_, _, err = client.requestSeq(7, protocol.MsgTypeRequest, codec.CodecTypeJSON, envelope(t, "Echo.Say", nil), time.Now().Add(time.Second))
	assert.ErrorIs(t, err, ErrConnectionClosed)
	assert.ErrorIs(t, err, ErrDuplicateSeq)

	waitClosed(t, client)
	assert.ErrorIs(t, client.Err(), ErrDuplicateSeq)
}

func TestDispatcherCloseRejectsNewRequests(t *testing.T) {
	release := make(chan struct{})
	handler := func(ctx context.Context, req *message.RPCMessage) ([]byte, error) {
		if req.ServiceMethod == "Slow.Op" {
			<-release
		}
		return []byte("done"), nil
	}
	a, b := net.Pipe()
	d := NewDispatcher(nil, handler, nil)
	server := NewConn(b, d, testOptions(t))
	client := NewConn(a, nil, testOptions(t))
	t.Cleanup(func() {
		client.Close(nil)
		server.Close(nil)
	})

	_, slow, err := client.SendAsync(codec.CodecTypeJSON, envelope(t, "Slow.Op", nil), 0)
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		d.mu.Lock()
		defer d.mu.Unlock()
		return d.inflight == 1
	}, 2*time.Second, time.Millisecond)

	d.Close()
	d.Close()
	select {
	case <-d.Idle():
		t.Fatal("idle while a request is in flight")
	default:
	}

	resp, err := client.Send(context.Background(), codec.CodecTypeJSON, envelope(t, "Fast.Op", nil))
	require.NoError(t, err)
	assert.Equal(t, protocol.StatusError, resp.Header.Status)
	assert.Equal(t, ErrDispatcherClosed.Error(), openEnvelope(t, resp).Error)
	assert.Equal(t, "Fast.Op", openEnvelope(t, resp).ServiceMethod)

	close(release)
	res := waitResult(t, slow)
	require.NoError(t, res.Err)
	assert.Equal(t, "done", string(openEnvelope(t, res.Cmd).Payload))
	select {
	case <-d.Idle():
	case <-time.After(2 * time.Second):
		t.Fatal("dispatcher did not become idle")
	}
}

func TestDispatcherCloseUnderLoad(t *testing.T) {
	a, b := net.Pipe()
	d := NewDispatcher(nil, echo, nil)
	server := NewConn(b, d, testOptions(t))
	client := NewConn(a, nil, testOptions(t))
	t.Cleanup(func() {
		client.Close(nil)
		server.Close(nil)
	})
	body := envelope(t, "Echo.Say", []byte("hi"))

	stop := make(chan struct{})
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
				}
				resp, err := client.Send(context.Background(), codec.CodecTypeJSON, body)
				if !assert.NoError(t, err) {
					return
				}
				// accepted requests are answered, later ones rejected
				if resp.Header.Status != protocol.StatusOK {
					var m message.RPCMessage
					if assert.NoError(t, m.UnmarshalBinary(resp.Payload)) {
						assert.Equal(t, ErrDispatcherClosed.Error(), m.Error)
					}
				}
			}
		}()
	}

	time.Sleep(20 * time.Millisecond)
	d.Close()
	select {
	case <-d.Idle():
	case <-time.After(2 * time.Second):
		t.Fatal("dispatcher did not become idle under load")
	}
	close(stop)
	wg.Wait()
}

func TestHeartbeatKeepsConnectionAlive(t *testing.T) {
	opts := testOptions(t)
	opts.HeartbeatInterval = 10 * time.Millisecond
	opts.RequestTimeout = 200 * time.Millisecond
	client, _ := newPair(t, echo, opts, testOptions(t))

	time.Sleep(100 * time.Millisecond)
	select {
	case <-client.Done():
		t.Fatalf("connection closed: %v", client.Err())
	default:
	}
	_, err := client.Send(context.Background(), codec.CodecTypeJSON, envelope(t, "Echo.Say", nil))
	assert.NoError(t, err)
}
