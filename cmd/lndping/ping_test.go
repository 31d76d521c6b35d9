package main

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/outofforest/lnd"
	"github.com/outofforest/lnd/fabric/memfabric"
	"github.com/outofforest/lnd/wire"
	"github.com/outofforest/parallel"
	"github.com/outofforest/qa"
)

func TestPingPong(t *testing.T) {
	requireT := require.New(t)

	ctx := qa.NewContext(t)
	group := qa.NewGroup(ctx, t)

	defer func() {
		group.Exit(nil)
		requireT.NoError(group.Wait())
	}()

	network := memfabric.New()
	config := lnd.DefaultConfig()
	config.PollTimeout = 10 * time.Millisecond
	config.ShutdownPoll = 10 * time.Millisecond

	routers := map[wire.NID]*pingRouter{}
	transports := map[wire.NID]*lnd.Transport{}
	for _, nid := range []wire.NID{1, 2} {
		node, err := network.Attach(nid)
		requireT.NoError(err)

		router := newPingRouter()
		transport, err := lnd.New(config, node, router)
		requireT.NoError(err)
		router.Attach(ctx, transport)

		routers[nid] = router
		transports[nid] = transport
		group.Spawn("transport", parallel.Fail, transport.Run)
	}

	requireT.NoError(transports[1].Connect(ctx, 2))

	for _, size := range []int{0, 100, 100_000} {
		rtt, err := routers[1].Ping(ctx, 2, size)
		requireT.NoError(err)
		requireT.Positive(rtt)
	}

	_, err := routers[2].Ping(ctx, 1, 10)
	requireT.NoError(err)

	for _, router := range routers {
		router.mu.Lock()
		requireT.Empty(router.pending)
		router.mu.Unlock()
	}
}

func TestParsePeers(t *testing.T) {
	requireT := require.New(t)

	peers, err := parsePeers([]string{"2=localhost:7002", "3=10.0.0.3:7001"})
	requireT.NoError(err)
	requireT.Equal(map[wire.NID]string{
		2: "localhost:7002",
		3: "10.0.0.3:7001",
	}, peers)

	_, err = parsePeers([]string{"localhost:7002"})
	requireT.Error(err)
	_, err = parsePeers([]string{"x=localhost:7002"})
	requireT.Error(err)
}
