package tcpfabric

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/outofforest/lnd/fabric"
	"github.com/outofforest/lnd/wire"
	"github.com/outofforest/parallel"
	"github.com/outofforest/qa"
)

const timeout = 5 * time.Second

type testNode struct {
	*Node

	ls net.Listener
}

func (n *testNode) run(ctx context.Context) error {
	return n.Run(ctx, n.ls)
}

func newPair(requireT *require.Assertions) (*testNode, *testNode) {
	ls1, err := net.Listen("tcp", "localhost:0")
	requireT.NoError(err)
	ls2, err := net.Listen("tcp", "localhost:0")
	requireT.NoError(err)

	peers := map[wire.NID]string{
		1: ls1.Addr().String(),
		2: ls2.Addr().String(),
	}

	n1, err := New(Config{NID: 1, Peers: peers, MaxMessageSize: 1 << 20, OutboxSize: 16})
	requireT.NoError(err)
	n2, err := New(Config{NID: 2, Peers: peers, MaxMessageSize: 1 << 20, OutboxSize: 16})
	requireT.NoError(err)

	return &testNode{Node: n1, ls: ls1}, &testNode{Node: n2, ls: ls2}
}

func waitConnected(requireT *require.Assertions, n *testNode, peer wire.NID) {
	requireT.Eventually(func() bool {
		n.conns.mu.RLock()
		defer n.conns.mu.RUnlock()

		_, exists := n.conns.conns[peer]
		return exists
	}, timeout, 10*time.Millisecond)
}

func poll(ctx context.Context, requireT *require.Assertions, n *testNode, count int) []fabric.Event {
	var events []fabric.Event
	deadline := time.Now().Add(timeout)
	for len(events) < count && time.Now().Before(deadline) {
		evs, err := n.Poll(ctx, 100*time.Millisecond)
		requireT.NoError(err)
		events = append(events, evs...)
	}
	requireT.Len(events, count)
	return events
}

func TestSend(t *testing.T) {
	requireT := require.New(t)

	ctx := qa.NewContext(t)
	group := qa.NewGroup(ctx, t)

	defer func() {
		group.Exit(nil)
		requireT.NoError(group.Wait())
	}()

	n1, n2 := newPair(requireT)
	group.Spawn("node-1", parallel.Fail, n1.run)
	group.Spawn("node-2", parallel.Fail, n2.run)
	waitConnected(requireT, n1, 2)
	waitConnected(requireT, n2, 1)

	buf := make([]byte, 64)
	hRx, err := n2.Register(fabric.Tag{Kind: fabric.TagRx, ID: 1}, [][]byte{buf})
	requireT.NoError(err)
	requireT.NoError(n2.PostReceive(hRx, 32))

	hTx, err := n1.Register(fabric.Tag{Kind: fabric.TagTx, ID: 5}, [][]byte{[]byte("hello "), []byte("world")})
	requireT.NoError(err)
	requireT.NoError(n1.Send(hTx, 2))

	events := poll(ctx, requireT, n1, 1)
	requireT.Equal(fabric.EventSendDone, events[0].Kind)
	requireT.Equal(fabric.Tag{Kind: fabric.TagTx, ID: 5}, events[0].Tag)
	requireT.Equal(11, events[0].Length)
	requireT.NoError(events[0].Err)

	events = poll(ctx, requireT, n2, 1)
	requireT.Equal(fabric.EventPutDone, events[0].Kind)
	requireT.Equal(wire.NID(1), events[0].Initiator)
	requireT.Equal([]byte("hello world"), buf[events[0].Offset:events[0].Offset+events[0].Length])
}

func TestRemoteWrite(t *testing.T) {
	requireT := require.New(t)

	ctx := qa.NewContext(t)
	group := qa.NewGroup(ctx, t)

	defer func() {
		group.Exit(nil)
		requireT.NoError(group.Wait())
	}()

	n1, n2 := newPair(requireT)
	group.Spawn("node-1", parallel.Fail, n1.run)
	group.Spawn("node-2", parallel.Fail, n2.run)
	waitConnected(requireT, n1, 2)
	waitConnected(requireT, n2, 1)

	sink := make([]byte, 4)
	hSink, err := n1.Register(fabric.Tag{Kind: fabric.TagTx, ID: 1}, [][]byte{sink})
	requireT.NoError(err)
	requireT.NoError(n1.Advertise(hSink, 2, 0x200, fabric.AccessPut))

	hSrc, err := n2.Register(fabric.Tag{Kind: fabric.TagTx, ID: 2}, [][]byte{{0x01, 0x02}, {0x03, 0x04}})
	requireT.NoError(err)
	requireT.NoError(n2.RemoteWrite(hSrc, 1, 0x200, fabric.RDMAOk))

	events := poll(ctx, requireT, n2, 1)
	requireT.Equal(fabric.EventSendDone, events[0].Kind)
	requireT.NoError(events[0].Err)

	events = poll(ctx, requireT, n1, 1)
	requireT.Equal(fabric.EventPutDone, events[0].Kind)
	requireT.Equal(fabric.RDMAOk, events[0].HdrData)
	requireT.Equal(4, events[0].Length)
	requireT.True(events[0].Unlinked)
	requireT.Equal([]byte{0x01, 0x02, 0x03, 0x04}, sink)
}

func TestRemoteRead(t *testing.T) {
	requireT := require.New(t)

	ctx := qa.NewContext(t)
	group := qa.NewGroup(ctx, t)

	defer func() {
		group.Exit(nil)
		requireT.NoError(group.Wait())
	}()

	n1, n2 := newPair(requireT)
	group.Spawn("node-1", parallel.Fail, n1.run)
	group.Spawn("node-2", parallel.Fail, n2.run)
	waitConnected(requireT, n1, 2)
	waitConnected(requireT, n2, 1)

	hSrc, err := n1.Register(fabric.Tag{Kind: fabric.TagTx, ID: 1}, [][]byte{[]byte("abcdef")})
	requireT.NoError(err)
	requireT.NoError(n1.Advertise(hSrc, 2, 0x300, fabric.AccessGet))

	dst := [][]byte{make([]byte, 2), make([]byte, 4)}
	hDst, err := n2.Register(fabric.Tag{Kind: fabric.TagTx, ID: 2}, dst)
	requireT.NoError(err)
	requireT.NoError(n2.RemoteRead(hDst, 1, 0x300))

	events := poll(ctx, requireT, n1, 1)
	requireT.Equal(fabric.EventGetDone, events[0].Kind)
	requireT.Equal(wire.NID(2), events[0].Initiator)
	requireT.Equal(6, events[0].Length)

	events = poll(ctx, requireT, n2, 1)
	requireT.Equal(fabric.EventReplyDone, events[0].Kind)
	requireT.NoError(events[0].Err)
	requireT.Equal(6, events[0].Length)
	requireT.Equal([][]byte{[]byte("ab"), []byte("cdef")}, dst)
}

func TestRemoteReadOfUnknownRegionFails(t *testing.T) {
	requireT := require.New(t)

	ctx := qa.NewContext(t)
	group := qa.NewGroup(ctx, t)

	defer func() {
		group.Exit(nil)
		requireT.NoError(group.Wait())
	}()

	n1, n2 := newPair(requireT)
	group.Spawn("node-1", parallel.Fail, n1.run)
	group.Spawn("node-2", parallel.Fail, n2.run)
	waitConnected(requireT, n1, 2)
	waitConnected(requireT, n2, 1)

	hDst, err := n2.Register(fabric.Tag{Kind: fabric.TagTx, ID: 2}, [][]byte{make([]byte, 8)})
	requireT.NoError(err)
	requireT.NoError(n2.RemoteRead(hDst, 1, 0x999))

	events := poll(ctx, requireT, n2, 1)
	requireT.Equal(fabric.EventReplyDone, events[0].Kind)
	requireT.ErrorIs(events[0].Err, ErrRemote)
}

func TestEmptyRemoteWrite(t *testing.T) {
	requireT := require.New(t)

	ctx := qa.NewContext(t)
	group := qa.NewGroup(ctx, t)

	defer func() {
		group.Exit(nil)
		requireT.NoError(group.Wait())
	}()

	n1, n2 := newPair(requireT)
	group.Spawn("node-1", parallel.Fail, n1.run)
	group.Spawn("node-2", parallel.Fail, n2.run)
	waitConnected(requireT, n1, 2)
	waitConnected(requireT, n2, 1)

	sink := make([]byte, 4)
	hSink, err := n1.Register(fabric.Tag{Kind: fabric.TagTx, ID: 1}, [][]byte{sink})
	requireT.NoError(err)
	requireT.NoError(n1.Advertise(hSink, 2, 0x200, fabric.AccessPut))

	hSrc, err := n2.Register(fabric.Tag{Kind: fabric.TagTx, ID: 2}, nil)
	requireT.NoError(err)
	requireT.NoError(n2.RemoteWrite(hSrc, 1, 0x200, fabric.RDMAFail))

	events := poll(ctx, requireT, n2, 1)
	requireT.Equal(fabric.EventSendDone, events[0].Kind)
	requireT.Zero(events[0].Length)
	requireT.NoError(events[0].Err)

	events = poll(ctx, requireT, n1, 1)
	requireT.Equal(fabric.EventPutDone, events[0].Kind)
	requireT.Equal(fabric.RDMAFail, events[0].HdrData)
	requireT.Zero(events[0].Length)
}

func TestFailedRemoteReadKeepsConnection(t *testing.T) {
	requireT := require.New(t)

	ctx := qa.NewContext(t)
	group := qa.NewGroup(ctx, t)

	defer func() {
		group.Exit(nil)
		requireT.NoError(group.Wait())
	}()

	n1, n2 := newPair(requireT)
	group.Spawn("node-1", parallel.Fail, n1.run)
	group.Spawn("node-2", parallel.Fail, n2.run)
	waitConnected(requireT, n1, 2)
	waitConnected(requireT, n2, 1)

	// Reading an empty region succeeds with no data.
	hEmpty, err := n1.Register(fabric.Tag{Kind: fabric.TagTx, ID: 1}, nil)
	requireT.NoError(err)
	requireT.NoError(n1.Advertise(hEmpty, 2, 0x400, fabric.AccessGet))

	hDst, err := n2.Register(fabric.Tag{Kind: fabric.TagTx, ID: 2}, [][]byte{make([]byte, 8)})
	requireT.NoError(err)
	requireT.NoError(n2.RemoteRead(hDst, 1, 0x400))

	events := poll(ctx, requireT, n2, 1)
	requireT.Equal(fabric.EventReplyDone, events[0].Kind)
	requireT.NoError(events[0].Err)
	requireT.Zero(events[0].Length)
	poll(ctx, requireT, n1, 1)

	// Region is consumed, so the second read is rejected by the owner.
	hDst2, err := n2.Register(fabric.Tag{Kind: fabric.TagTx, ID: 3}, [][]byte{make([]byte, 8)})
	requireT.NoError(err)
	requireT.NoError(n2.RemoteRead(hDst2, 1, 0x400))

	events = poll(ctx, requireT, n2, 1)
	requireT.Equal(fabric.EventReplyDone, events[0].Kind)
	requireT.ErrorIs(events[0].Err, ErrRemote)

	// Connection still carries traffic.
	buf := make([]byte, 64)
	hRx, err := n1.Register(fabric.Tag{Kind: fabric.TagRx, ID: 4}, [][]byte{buf})
	requireT.NoError(err)
	requireT.NoError(n1.PostReceive(hRx, 32))

	hTx, err := n2.Register(fabric.Tag{Kind: fabric.TagTx, ID: 5}, [][]byte{[]byte("still here")})
	requireT.NoError(err)
	requireT.NoError(n2.Send(hTx, 1))

	events = poll(ctx, requireT, n1, 1)
	requireT.Equal(fabric.EventPutDone, events[0].Kind)
	requireT.Equal([]byte("still here"), buf[events[0].Offset:events[0].Offset+events[0].Length])
}

func TestOversizedFrameFails(t *testing.T) {
	requireT := require.New(t)

	ctx := qa.NewContext(t)

	n, err := New(Config{NID: 1, MaxMessageSize: 64, OutboxSize: 1})
	requireT.NoError(err)

	h, err := n.Register(fabric.Tag{Kind: fabric.TagTx, ID: 1}, [][]byte{make([]byte, 100)})
	requireT.NoError(err)
	requireT.NoError(n.Send(h, 2))

	events := poll(ctx, requireT, &testNode{Node: n}, 1)
	requireT.Equal(fabric.EventError, events[0].Kind)
	requireT.ErrorIs(events[0].Err, fabric.ErrTooLarge)
}

func TestSendToUnknownNodeFails(t *testing.T) {
	requireT := require.New(t)

	ctx := qa.NewContext(t)
	group := qa.NewGroup(ctx, t)

	defer func() {
		group.Exit(nil)
		requireT.NoError(group.Wait())
	}()

	n1, n2 := newPair(requireT)
	group.Spawn("node-1", parallel.Fail, n1.run)
	group.Spawn("node-2", parallel.Fail, n2.run)
	waitConnected(requireT, n1, 2)
	waitConnected(requireT, n2, 1)

	h, err := n1.Register(fabric.Tag{Kind: fabric.TagTx, ID: 1}, [][]byte{[]byte("x")})
	requireT.NoError(err)
	requireT.NoError(n1.Send(h, 3))

	events := poll(ctx, requireT, n1, 1)
	requireT.Equal(fabric.EventError, events[0].Kind)
	requireT.ErrorIs(events[0].Err, fabric.ErrUnreachable)

	hDst, err := n1.Register(fabric.Tag{Kind: fabric.TagTx, ID: 2}, [][]byte{make([]byte, 8)})
	requireT.NoError(err)
	requireT.NoError(n1.RemoteRead(hDst, 3, 0x100))

	events = poll(ctx, requireT, n1, 1)
	requireT.Equal(fabric.EventReplyDone, events[0].Kind)
	requireT.ErrorIs(events[0].Err, fabric.ErrUnreachable)
}

func TestConfigValidation(t *testing.T) {
	requireT := require.New(t)

	_, err := New(Config{NID: wire.NIDAny, MaxMessageSize: 1, OutboxSize: 1})
	requireT.Error(err)
	_, err = New(Config{NID: 1, OutboxSize: 1})
	requireT.Error(err)
	_, err = New(Config{NID: 1, MaxMessageSize: 1})
	requireT.Error(err)
}
