package lnd

import (
	"math"
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/outofforest/lnd/fabric"
	"github.com/outofforest/lnd/wire"
)

// reservedMatchBits is the lowest match bits value used for RDMA regions. Lower values are reserved.
const reservedMatchBits wire.MatchBits = 0x100

type peer struct {
	nid  wire.NID
	refs atomic.Int32

	// hello is closed once the hello of the peer is received.
	hello chan struct{}

	// closed is closed once the peer starts closing.
	closed chan struct{}

	mu          sync.Mutex
	closing     bool
	stamp       wire.Stamp
	maxMsgSize  int
	credits     int
	maxCredits  int
	outstanding int
	recvdHello  bool
	seq         uint64
	match       wire.MatchBits
	queue       []*tx
}

func (p *peer) addRef() {
	p.refs.Add(1)
}

type peerTable struct {
	mu    sync.RWMutex
	peers map[wire.NID]*peer
}

// findPeer returns the referenced peer. Nil is returned if peer doesn't exist and create is false.
func (t *Transport) findPeer(nid wire.NID, create bool) (*peer, error) {
	t.peers.mu.RLock()
	p := t.peers.peers[nid]
	if p != nil {
		p.addRef()
	}
	t.peers.mu.RUnlock()

	if p != nil || !create {
		return p, nil
	}

	p, created, err := t.createPeer(nid)
	if err != nil {
		return nil, err
	}
	if created {
		t.logger().Debug("Peer created", zap.Stringer("peer", nid))
		t.checkSends(p)
	}
	return p, nil
}

// acceptPeer returns the referenced peer the hello is received from, creating it if needed.
// Hello of the created peer stays queued until the received hello sets the peer stamp.
func (t *Transport) acceptPeer(nid wire.NID) (*peer, error) {
	p, created, err := t.createPeer(nid)
	if err != nil {
		return nil, err
	}
	if created {
		t.logger().Debug("Peer created by hello", zap.Stringer("peer", nid))
	}
	return p, nil
}

func (t *Transport) createPeer(nid wire.NID) (*peer, bool, error) {
	t.peers.mu.Lock()
	defer t.peers.mu.Unlock()

	if p := t.peers.peers[nid]; p != nil {
		p.addRef()
		return p, false, nil
	}

	if nid == wire.NIDAny || nid == t.nid {
		return nil, false, errors.Errorf("invalid peer %s", nid)
	}
	if t.shuttingDown.Load() {
		return nil, false, errors.WithStack(ErrShutdown)
	}
	npeers := int(t.npeers.Load())
	if npeers >= t.config.ConcurrentPeers {
		return nil, false, errors.Wrapf(ErrResourceExhausted, "limit of %d peers reached", t.config.ConcurrentPeers)
	}
	if err := t.growBuffers(npeers + 1); err != nil {
		return nil, false, err
	}

	p := &peer{
		nid:         nid,
		hello:       make(chan struct{}),
		closed:      make(chan struct{}),
		maxMsgSize:  t.config.MaxMsgSize,
		credits:     1,
		maxCredits:  1,
		outstanding: t.config.PeerCredits - 1,
	}
	// Table reference and caller reference.
	p.refs.Store(2)

	hello, err := t.txs.get(txHello, p)
	if err != nil {
		return nil, false, err
	}
	hello.msg.Type = wire.MsgTypeHello
	hello.msg.Hello = wire.Hello{
		MatchBits:  reservedMatchBits,
		MaxMsgSize: uint32(t.config.MaxMsgSize),
	}
	p.queue = append(p.queue, hello)

	t.npeers.Add(1)
	t.peers.peers[nid] = p
	return p, true, nil
}

// closePeer removes the peer from the table and aborts its txs.
func (t *Transport) closePeer(p *peer) {
	t.peers.mu.Lock()
	if t.peers.peers[p.nid] == p {
		delete(t.peers.peers, p.nid)
	}
	t.peers.mu.Unlock()

	p.mu.Lock()
	if p.closing {
		p.mu.Unlock()
		return
	}
	p.closing = true
	queued := p.queue
	p.queue = nil
	close(p.closed)
	p.mu.Unlock()

	t.logger().Debug("Peer closed", zap.Stringer("peer", p.nid), zap.Int("queued", len(queued)))

	for _, tx := range queued {
		if tx.fail(errors.Wrapf(ErrShutdown, "peer %s closed", p.nid)) {
			t.txDone(tx)
		}
	}
	for _, tx := range t.txs.activeTxs() {
		if tx.abort(p, errors.Wrapf(ErrShutdown, "peer %s closed", p.nid)) {
			t.txDone(tx)
		}
	}
	t.decref(p)
}

func (t *Transport) decref(p *peer) {
	refs := p.refs.Add(-1)
	switch {
	case refs > 0:
		return
	case refs < 0:
		_ = t.invariant("peer %s released too many times", p.nid)
		return
	}

	p.mu.Lock()
	closing, queued := p.closing, len(p.queue)
	p.mu.Unlock()

	if !closing || queued > 0 {
		_ = t.invariant("peer %s destroyed while open with %d queued txs", p.nid, queued)
	}
	t.npeers.Add(-1)
	t.logger().Debug("Peer destroyed", zap.Stringer("peer", p.nid))
}

// post queues the tx for the peer.
func (t *Transport) post(p *peer, tx *tx) {
	p.mu.Lock()
	if p.closing {
		p.mu.Unlock()
		if tx.fail(errors.Wrapf(ErrShutdown, "peer %s closed", p.nid)) {
			t.txDone(tx)
		}
		return
	}
	p.queue = append(p.queue, tx)
	p.mu.Unlock()

	t.checkSends(p)
}

// checkSends launches queued txs the peer has credits for.
func (t *Transport) checkSends(p *peer) {
	highWater := t.config.highWater()

	var done []*tx
	p.mu.Lock()
	if len(p.queue) == 0 && p.outstanding >= highWater && !p.closing {
		tx, err := t.txs.get(txNoop, p)
		if err != nil {
			t.logger().Warn("Can't return credits", zap.Stringer("peer", p.nid), zap.Error(err))
		} else {
			tx.msg.Type = wire.MsgTypeNoop
			p.queue = append(p.queue, tx)
		}
	}

	for len(p.queue) > 0 {
		if p.credits == 0 {
			break
		}
		// The last credit is reserved for returning credits to the peer, otherwise both sides might starve.
		if p.credits == 1 && p.outstanding == 0 {
			break
		}

		tx := p.queue[0]
		if tx.typ.passive() && !p.recvdHello {
			break
		}
		p.queue[0] = nil
		p.queue = p.queue[1:]

		// Payload was sized before the peer told us its limit.
		if tx.typ == txImmediate && tx.msg.Size() > p.maxMsgSize {
			tx.toPassive()
		}

		if tx.typ == txNoop && (len(p.queue) > 0 || p.outstanding < highWater) {
			if tx.fail(nil) {
				done = append(done, tx)
			}
			continue
		}

		credits := min(p.outstanding, math.MaxUint8)
		p.outstanding -= credits
		p.credits--

		tx.msg.Credits = uint8(credits)
		tx.msg.Seq = p.seq
		p.seq++
		tx.msg.SrcNID = t.nid
		tx.msg.SrcStamp = t.stamp
		tx.msg.DstNID = p.nid
		tx.msg.DstStamp = p.stamp

		if tx.typ.passive() {
			if p.match < reservedMatchBits {
				p.match = reservedMatchBits
			}
			tx.msg.RDMA.MatchBits = p.match
			p.match++
		}

		if err := t.launch(tx); err != nil {
			if tx.fail(errors.Wrapf(ErrTransfer, "launching %s to %s: %s", tx.typ, p.nid, err)) {
				done = append(done, tx)
			}
		}
	}
	p.mu.Unlock()

	for _, tx := range done {
		t.txDone(tx)
	}
}

// launch registers the memory of the tx and starts the transfer.
func (t *Transport) launch(tx *tx) error {
	tx.mu.Lock()
	defer tx.mu.Unlock()

	tx.state = txSending

	if tx.typ.passive() || tx.typ.active() {
		h, err := t.fabric.Register(tx.tag(), tx.frags)
		if err != nil {
			return err
		}
		tx.handles = append(tx.handles, h)
		tx.bulk = h
	}

	switch tx.typ {
	case txPut:
		if err := t.fabric.Advertise(tx.bulk, tx.peer.nid, tx.msg.RDMA.MatchBits, fabric.AccessGet); err != nil {
			return err
		}
	case txGet:
		if err := t.fabric.Advertise(tx.bulk, tx.peer.nid, tx.msg.RDMA.MatchBits, fabric.AccessPut); err != nil {
			return err
		}
	}

	if !tx.typ.active() {
		b, err := t.codec.Append(tx.buf[:0], &tx.msg)
		if err != nil {
			return err
		}
		tx.buf = b

		h, err := t.fabric.Register(tx.tag(), [][]byte{tx.buf})
		if err != nil {
			return err
		}
		tx.handles = append(tx.handles, h)
		tx.req = h
	}

	err := t.issue(tx)
	if errors.Is(err, fabric.ErrNoResources) {
		t.delay(tx)
		return nil
	}
	if err == nil {
		t.stats.sent.Add(1)
	}
	return err
}

// issue starts the fabric operation of the tx.
func (t *Transport) issue(tx *tx) error {
	switch tx.typ {
	case txRead:
		return t.fabric.RemoteRead(tx.bulk, tx.peer.nid, tx.match)
	case txWrite:
		return t.fabric.RemoteWrite(tx.bulk, tx.peer.nid, tx.match, tx.hdrData)
	default:
		return t.fabric.Send(tx.req, tx.peer.nid)
	}
}
