package lnd

import (
	"bytes"
	"context"
	"slices"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/outofforest/lnd/fabric"
	"github.com/outofforest/lnd/fabric/memfabric"
	"github.com/outofforest/lnd/wire"
	"github.com/outofforest/parallel"
	"github.com/outofforest/qa"
)

const timeout = 5 * time.Second

func testConfig() Config {
	config := DefaultConfig()
	config.MaxMsgSize = 1024
	config.BufferSize = 16 * 1024
	config.BufferSpares = 16
	config.NTx = 64
	config.MaxFragments = 16
	config.ConcurrentPeers = 16
	config.PollTimeout = 10 * time.Millisecond
	config.ShutdownPoll = 10 * time.Millisecond
	return config
}

type finalization struct {
	Msg *Message
	Err error
}

type testRouter struct {
	deliver   func(ctx context.Context, in *Incoming) (*Message, error)
	delivered chan Incoming
	finalized chan finalization
}

func newTestRouter(deliver func(ctx context.Context, in *Incoming) (*Message, error)) *testRouter {
	return &testRouter{
		deliver:   deliver,
		delivered: make(chan Incoming, 1024),
		finalized: make(chan finalization, 1024),
	}
}

func (r *testRouter) Deliver(ctx context.Context, in *Incoming) (*Message, error) {
	cp := *in
	cp.Payload = bytes.Clone(in.Payload)
	cp.Fragments = slices.Clone(in.Fragments)
	r.delivered <- cp

	if r.deliver != nil {
		return r.deliver(ctx, in)
	}
	if in.Type == wire.MsgTypeGet {
		return nil, nil
	}
	return &Message{
		Kind:    KindPut,
		Target:  in.From,
		Payload: [][]byte{make([]byte, in.Length)},
	}, nil
}

func (r *testRouter) Finalize(msg *Message, err error) {
	r.finalized <- finalization{Msg: msg, Err: err}
}

func (r *testRouter) waitDelivered(ctx context.Context, requireT *require.Assertions) Incoming {
	select {
	case <-ctx.Done():
		requireT.FailNow("context canceled")
	case <-time.After(timeout):
		requireT.FailNow("timeout")
	case in := <-r.delivered:
		return in
	}
	return Incoming{}
}

func (r *testRouter) waitFinalized(ctx context.Context, requireT *require.Assertions) finalization {
	select {
	case <-ctx.Done():
		requireT.FailNow("context canceled")
	case <-time.After(timeout):
		requireT.FailNow("timeout")
	case f := <-r.finalized:
		return f
	}
	return finalization{}
}

func (r *testRouter) requireNotFinalized(requireT *require.Assertions) {
	select {
	case <-time.After(100 * time.Millisecond):
	case f := <-r.finalized:
		requireT.Failf("unexpected finalization", "message %v, error: %v", f.Msg, f.Err)
	}
}

func newTestTransport(
	requireT *require.Assertions,
	network *memfabric.Network,
	nid wire.NID,
	config Config,
	router Router,
) *Transport {
	node, err := network.Attach(nid)
	requireT.NoError(err)

	t, err := New(config, node, router)
	requireT.NoError(err)
	return t
}

func payload(size int, seed byte) []byte {
	b := make([]byte, size)
	for i := range b {
		b[i] = seed + byte(i)
	}
	return b
}

func TestHandshake(t *testing.T) {
	requireT := require.New(t)

	ctx := qa.NewContext(t)
	group := qa.NewGroup(ctx, t)

	defer func() {
		group.Exit(nil)
		requireT.NoError(group.Wait())
	}()

	configB := testConfig()
	configB.MaxMsgSize = 512

	network := memfabric.New()
	a := newTestTransport(requireT, network, 1, testConfig(), newTestRouter(nil))
	group.Spawn("transport-1", parallel.Fail, a.Run)
	b := newTestTransport(requireT, network, 2, configB, newTestRouter(nil))
	group.Spawn("transport-2", parallel.Fail, b.Run)

	requireT.NoError(a.Connect(ctx, 2))

	statsA, exists := a.PeerStats(2)
	requireT.True(exists)
	requireT.True(statsA.RecvdHello)
	requireT.Equal(512, statsA.MaxMsgSize)
	requireT.Equal(b.stamp, statsA.Stamp)
	requireT.Equal(testConfig().PeerCredits, statsA.MaxCredits)
	requireT.Equal(reservedMatchBits, statsA.Match)

	requireT.Eventually(func() bool {
		statsB, exists := b.PeerStats(1)
		return exists && statsB.RecvdHello
	}, timeout, 10*time.Millisecond)

	statsB, _ := b.PeerStats(1)
	requireT.Equal(512, statsB.MaxMsgSize)
	requireT.Equal(a.stamp, statsB.Stamp)

	requireT.Equal([]wire.NID{2}, a.Peers())
	requireT.Equal([]wire.NID{1}, b.Peers())
}

func TestImmediateMessage(t *testing.T) {
	requireT := require.New(t)

	ctx := qa.NewContext(t)
	group := qa.NewGroup(ctx, t)

	defer func() {
		group.Exit(nil)
		requireT.NoError(group.Wait())
	}()

	routerA := newTestRouter(nil)
	routerB := newTestRouter(nil)

	network := memfabric.New()
	a := newTestTransport(requireT, network, 1, testConfig(), routerA)
	group.Spawn("transport-1", parallel.Fail, a.Run)
	b := newTestTransport(requireT, network, 2, testConfig(), routerB)
	group.Spawn("transport-2", parallel.Fail, b.Run)

	requireT.NoError(a.Connect(ctx, 2))
	before, _ := a.PeerStats(2)

	data := payload(100, 1)
	msg := &Message{
		Kind:    KindPut,
		Target:  2,
		Header:  wire.UpperHeader{0x01, 0x02},
		Payload: [][]byte{data[:30], data[30:]},
	}
	requireT.NoError(a.Send(ctx, msg))

	f := routerA.waitFinalized(ctx, requireT)
	requireT.Same(msg, f.Msg)
	requireT.NoError(f.Err)
	requireT.Equal(len(data), msg.Length)

	after, _ := a.PeerStats(2)
	requireT.Equal(before.Credits-1, after.Credits)
	requireT.Equal(before.Seq+1, after.Seq)

	in := routerB.waitDelivered(ctx, requireT)
	requireT.Equal(wire.NID(1), in.From)
	requireT.Equal(wire.MsgTypeImmediate, in.Type)
	requireT.Equal(msg.Header, in.Header)
	requireT.Equal(data, in.Payload)

	f = routerB.waitFinalized(ctx, requireT)
	requireT.NoError(f.Err)
	requireT.Equal(len(data), f.Msg.Length)
	requireT.Equal(data, f.Msg.Payload[0])
}

func TestMessagesAreExchangedBothWays(t *testing.T) {
	requireT := require.New(t)

	ctx := qa.NewContext(t)
	group := qa.NewGroup(ctx, t)

	defer func() {
		group.Exit(nil)
		requireT.NoError(group.Wait())
	}()

	routerA := newTestRouter(nil)
	routerB := newTestRouter(nil)

	network := memfabric.New()
	a := newTestTransport(requireT, network, 1, testConfig(), routerA)
	group.Spawn("transport-1", parallel.Fail, a.Run)
	b := newTestTransport(requireT, network, 2, testConfig(), routerB)
	group.Spawn("transport-2", parallel.Fail, b.Run)

	requireT.NoError(a.Send(ctx, &Message{Kind: KindPut, Target: 2, Payload: [][]byte{payload(10, 1)}}))
	requireT.NoError(b.Send(ctx, &Message{Kind: KindPut, Target: 1, Payload: [][]byte{payload(10, 2)}}))

	requireT.Equal(payload(10, 2), routerA.waitDelivered(ctx, requireT).Payload)
	requireT.Equal(payload(10, 1), routerB.waitDelivered(ctx, requireT).Payload)
}

func TestAckIsSent(t *testing.T) {
	requireT := require.New(t)

	ctx := qa.NewContext(t)
	group := qa.NewGroup(ctx, t)

	defer func() {
		group.Exit(nil)
		requireT.NoError(group.Wait())
	}()

	routerA := newTestRouter(nil)
	routerB := newTestRouter(nil)

	network := memfabric.New()
	a := newTestTransport(requireT, network, 1, testConfig(), routerA)
	group.Spawn("transport-1", parallel.Fail, a.Run)
	b := newTestTransport(requireT, network, 2, testConfig(), routerB)
	group.Spawn("transport-2", parallel.Fail, b.Run)

	msg := &Message{Kind: KindAck, Target: 2, Header: wire.UpperHeader{0xaa}}
	requireT.NoError(a.Send(ctx, msg))

	f := routerA.waitFinalized(ctx, requireT)
	requireT.Same(msg, f.Msg)
	requireT.NoError(f.Err)

	in := routerB.waitDelivered(ctx, requireT)
	requireT.Equal(wire.MsgTypeImmediate, in.Type)
	requireT.Equal(msg.Header, in.Header)
	requireT.Zero(in.Length)
}

func TestSendValidation(t *testing.T) {
	requireT := require.New(t)

	network := memfabric.New()
	node, err := network.Attach(1)
	requireT.NoError(err)

	config := testConfig()
	tr, err := New(config, node, newTestRouter(nil))
	requireT.NoError(err)

	ctx := context.Background()
	requireT.Error(tr.Send(ctx, &Message{Kind: KindPut, Target: wire.NIDAny}))
	requireT.Error(tr.Send(ctx, &Message{Kind: KindPut, Target: 1}))
	requireT.Error(tr.Send(ctx, &Message{Kind: Kind(0), Target: 2}))
	requireT.Error(tr.Send(ctx, &Message{Kind: KindAck, Target: 2, Payload: [][]byte{{0x01}}}))
	requireT.Error(tr.Send(ctx, &Message{
		Kind:    KindPut,
		Target:  2,
		Payload: make([][]byte, config.MaxFragments+1),
	}))
	requireT.Empty(tr.Peers())

	tr.shuttingDown.Store(true)
	requireT.ErrorIs(tr.Send(ctx, &Message{Kind: KindPut, Target: 2}), ErrShutdown)
	requireT.ErrorIs(tr.Connect(ctx, 2), ErrShutdown)
}

func TestPeerLimit(t *testing.T) {
	requireT := require.New(t)

	ctx := qa.NewContext(t)
	group := qa.NewGroup(ctx, t)

	defer func() {
		group.Exit(nil)
		requireT.NoError(group.Wait())
	}()

	config := testConfig()
	config.ConcurrentPeers = 1

	network := memfabric.New()
	a := newTestTransport(requireT, network, 1, config, newTestRouter(nil))
	group.Spawn("transport-1", parallel.Fail, a.Run)
	b := newTestTransport(requireT, network, 2, testConfig(), newTestRouter(nil))
	group.Spawn("transport-2", parallel.Fail, b.Run)
	c := newTestTransport(requireT, network, 3, testConfig(), newTestRouter(nil))
	group.Spawn("transport-3", parallel.Fail, c.Run)

	requireT.NoError(a.Connect(ctx, 2))
	requireT.ErrorIs(a.Connect(ctx, 3), ErrResourceExhausted)

	a.ClosePeer(2)
	requireT.Eventually(func() bool {
		return a.Stats().Peers == 0
	}, timeout, 10*time.Millisecond)
	requireT.NoError(a.Connect(ctx, 3))
}

func TestReceiveBuffersGrowWithPeers(t *testing.T) {
	requireT := require.New(t)

	ctx := qa.NewContext(t)
	group := qa.NewGroup(ctx, t)

	defer func() {
		group.Exit(nil)
		requireT.NoError(group.Wait())
	}()

	config := testConfig()
	config.BufferSize = 2 * config.MaxMsgSize
	config.BufferSpares = 0

	network := memfabric.New()
	a := newTestTransport(requireT, network, 1, config, newTestRouter(nil))
	group.Spawn("transport-1", parallel.Fail, a.Run)
	b := newTestTransport(requireT, network, 2, testConfig(), newTestRouter(nil))
	group.Spawn("transport-2", parallel.Fail, b.Run)
	c := newTestTransport(requireT, network, 3, testConfig(), newTestRouter(nil))
	group.Spawn("transport-3", parallel.Fail, c.Run)

	requireT.Zero(a.Stats().Buffers)

	requireT.NoError(a.Connect(ctx, 2))
	requireT.Equal(config.PeerCredits/2, a.Stats().Buffers)

	requireT.NoError(a.Connect(ctx, 3))
	requireT.Equal(config.PeerCredits, a.Stats().Buffers)
}

func TestStats(t *testing.T) {
	requireT := require.New(t)

	ctx := qa.NewContext(t)
	group := qa.NewGroup(ctx, t)

	defer func() {
		group.Exit(nil)
		requireT.NoError(group.Wait())
	}()

	routerA := newTestRouter(nil)
	routerB := newTestRouter(nil)

	config := testConfig()
	network := memfabric.New()
	a := newTestTransport(requireT, network, 1, config, routerA)
	group.Spawn("transport-1", parallel.Fail, a.Run)
	b := newTestTransport(requireT, network, 2, config, routerB)
	group.Spawn("transport-2", parallel.Fail, b.Run)

	for i := range 3 {
		requireT.NoError(a.Send(ctx, &Message{Kind: KindPut, Target: 2, Payload: [][]byte{payload(10, byte(i))}}))
	}
	for range 3 {
		requireT.NoError(routerA.waitFinalized(ctx, requireT).Err)
		requireT.NoError(routerB.waitFinalized(ctx, requireT).Err)
	}

	requireT.Eventually(func() bool {
		return a.Stats().ActiveTxs == 0 && b.Stats().ActiveTxs == 0
	}, timeout, 10*time.Millisecond)

	statsA := a.Stats()
	requireT.Equal(1, statsA.Peers)
	requireT.Equal(config.NTx, statsA.IdleTxs)
	requireT.Equal(statsA.Buffers, statsA.PostedBuffers)
	requireT.GreaterOrEqual(statsA.Sent, uint64(4))
	requireT.GreaterOrEqual(statsA.Received, uint64(1))
	requireT.Equal(uint64(3), statsA.Finalized)

	statsB := b.Stats()
	requireT.GreaterOrEqual(statsB.Received, uint64(4))
	requireT.Equal(uint64(3), statsB.Finalized)
	requireT.Zero(statsB.Receiving)
}

func TestShutdownClosesPeers(t *testing.T) {
	requireT := require.New(t)

	ctx := qa.NewContext(t)
	group := qa.NewGroup(ctx, t)

	defer func() {
		group.Exit(nil)
		requireT.NoError(group.Wait())
	}()

	network := memfabric.New()
	b := newTestTransport(requireT, network, 2, testConfig(), newTestRouter(nil))
	group.Spawn("transport-2", parallel.Fail, b.Run)

	node, err := network.Attach(1)
	requireT.NoError(err)
	a, err := New(testConfig(), node, newTestRouter(nil))
	requireT.NoError(err)

	ctxA, cancelA := context.WithCancel(ctx)
	errCh := make(chan error, 1)
	go func() {
		errCh <- a.Run(ctxA)
	}()

	requireT.NoError(a.Connect(ctx, 2))
	requireT.Equal(1, a.Stats().Peers)

	cancelA()
	select {
	case <-time.After(timeout):
		requireT.FailNow("timeout")
	case err := <-errCh:
		requireT.ErrorIs(err, context.Canceled)
	}

	requireT.Zero(a.Stats().Peers)
	requireT.Zero(a.Stats().Buffers)
	requireT.Empty(a.Peers())
	requireT.ErrorIs(a.Send(ctx, &Message{Kind: KindPut, Target: 2}), ErrShutdown)

	_, err = node.Poll(ctx, time.Millisecond)
	requireT.ErrorIs(err, fabric.ErrClosed)
}
