package lnd

import (
	"slices"
	"sync/atomic"

	"github.com/samber/lo"

	"github.com/outofforest/lnd/wire"
)

type counters struct {
	sent      atomic.Uint64
	received  atomic.Uint64
	finalized atomic.Uint64
}

// Stats are the counters of the transport.
type Stats struct {
	Peers         int
	ActiveTxs     int
	IdleTxs       int
	Buffers       int
	PostedBuffers int
	Receiving     int
	Sent          uint64
	Received      uint64
	Finalized     uint64
}

// PeerStats is the state of the peer.
type PeerStats struct {
	NID         wire.NID
	Stamp       wire.Stamp
	MaxMsgSize  int
	Credits     int
	MaxCredits  int
	Outstanding int
	Queued      int
	Seq         uint64
	Match       wire.MatchBits
	RecvdHello  bool
	Closing     bool
}

// Stats returns transport counters.
func (t *Transport) Stats() Stats {
	active, idle := t.txs.counts()
	return Stats{
		Peers:         int(t.npeers.Load()),
		ActiveTxs:     active,
		IdleTxs:       idle,
		Buffers:       t.rxs.size(),
		PostedBuffers: int(t.rxs.posted.Load()),
		Receiving:     int(t.rxs.active.Load()),
		Sent:          t.stats.sent.Load(),
		Received:      t.stats.received.Load(),
		Finalized:     t.stats.finalized.Load(),
	}
}

// Peers returns sorted IDs of open peers.
func (t *Transport) Peers() []wire.NID {
	t.peers.mu.RLock()
	nids := lo.Keys(t.peers.peers)
	t.peers.mu.RUnlock()

	slices.Sort(nids)
	return nids
}

// PeerStats returns the state of the open peer.
func (t *Transport) PeerStats(nid wire.NID) (PeerStats, bool) {
	p, _ := t.findPeer(nid, false)
	if p == nil {
		return PeerStats{}, false
	}
	defer t.decref(p)

	p.mu.Lock()
	defer p.mu.Unlock()

	return PeerStats{
		NID:         p.nid,
		Stamp:       p.stamp,
		MaxMsgSize:  p.maxMsgSize,
		Credits:     p.credits,
		MaxCredits:  p.maxCredits,
		Outstanding: p.outstanding,
		Queued:      len(p.queue),
		Seq:         p.seq,
		Match:       p.match,
		RecvdHello:  p.recvdHello,
		Closing:     p.closing,
	}, true
}
