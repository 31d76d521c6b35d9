package lnd

import (
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"
	"github.com/samber/lo"
	"go.uber.org/zap"

	"github.com/outofforest/lnd/fabric"
	"github.com/outofforest/lnd/wire"
)

type txType uint8

const (
	txHello txType = iota + 1
	txNoop
	txImmediate
	txPut
	txGet
	txRead
	txWrite
)

func (t txType) String() string {
	switch t {
	case txHello:
		return "HELLO"
	case txNoop:
		return "NOOP"
	case txImmediate:
		return "IMMEDIATE"
	case txPut:
		return "PUT"
	case txGet:
		return "GET"
	case txRead:
		return "RDMA_READ"
	case txWrite:
		return "RDMA_WRITE"
	default:
		return "UNKNOWN"
	}
}

// passive tells if the tx advertises memory for the peer.
func (t txType) passive() bool {
	return t == txPut || t == txGet
}

// active tells if the tx transfers data from or to memory advertised by the peer.
func (t txType) active() bool {
	return t == txRead || t == txWrite
}

type txState uint8

const (
	txIdle txState = iota
	txQueued
	txSending
	txDelayed
	txAwaitingBulk
	txFinalizing
)

type tx struct {
	id   uint64
	typ  txType
	peer *peer

	msg     wire.Message
	buf     []byte
	payload []byte

	frags   [][]byte
	nob     int
	match   wire.MatchBits
	hdrData uint64

	upper *Message
	reply *Message

	mu      sync.Mutex
	state   txState
	req     fabric.Handle
	bulk    fabric.Handle
	handles []fabric.Handle
	status  error

	completing atomic.Bool
	upperDone  atomic.Bool
}

func (tx *tx) tag() fabric.Tag {
	return fabric.Tag{Kind: fabric.TagTx, ID: tx.id}
}

// fail marks tx for finalization with the status. It returns false if tx is finalized already.
func (tx *tx) fail(err error) bool {
	tx.mu.Lock()
	defer tx.mu.Unlock()

	return tx.failLocked(err)
}

func (tx *tx) failLocked(err error) bool {
	if tx.state == txFinalizing || tx.state == txIdle {
		return false
	}
	tx.state = txFinalizing
	if tx.status == nil {
		tx.status = err
	}
	return true
}

// abort fails the launched tx. If p is not nil, only tx belonging to the peer is aborted.
func (tx *tx) abort(p *peer, err error) bool {
	tx.mu.Lock()
	defer tx.mu.Unlock()

	if tx.state == txQueued || (p != nil && tx.peer != p) {
		return false
	}
	return tx.failLocked(err)
}

// toPassive converts immediate PUT or REPLY into the passive PUT.
func (tx *tx) toPassive() {
	tx.typ = txPut
	tx.msg.Type = wire.MsgTypePut
	tx.msg.RDMA = wire.RDMA{
		Header:    tx.msg.Immediate.Header,
		Fragments: fragmentLengths(tx.upper.Payload),
	}
	tx.msg.Immediate = wire.Immediate{}
	tx.frags = tx.upper.Payload
	tx.nob = tx.upper.Length
}

// bulkEvent validates completion of the bulk transfer.
func (tx *tx) bulkEvent(ev fabric.Event) error {
	switch {
	case ev.Kind == fabric.EventUnlink:
		return errors.Wrap(ErrTransfer, "bulk memory unlinked")
	case tx.typ == txGet && ev.Kind == fabric.EventPutDone:
		tx.reply.Length = ev.Length
		if ev.HdrData != fabric.RDMAOk {
			return errors.Wrapf(ErrRejected, "GET to %s", tx.peer.nid)
		}
	case tx.typ == txPut && ev.Kind == fabric.EventGetDone:
		if ev.Length < tx.nob {
			return errors.Wrapf(ErrShortTransfer, "%d of %d bytes pulled by %s", ev.Length, tx.nob, tx.peer.nid)
		}
	case tx.typ == txRead && ev.Kind == fabric.EventReplyDone:
		if ev.Length < tx.nob {
			return errors.Wrapf(ErrShortTransfer, "%d of %d bytes read from %s", ev.Length, tx.nob, tx.peer.nid)
		}
		if tx.upper != nil {
			tx.upper.Length = ev.Length
		}
	}
	return nil
}

type txPool struct {
	msgSize int
	limit   int

	mu     sync.Mutex
	n      int
	lastID uint64
	free   []*tx
	active map[uint64]*tx
}

func newTxPool(limit, msgSize int) *txPool {
	return &txPool{
		msgSize: msgSize,
		limit:   limit,
		active:  map[uint64]*tx{},
	}
}

// get allocates tx. Tx takes a reference of the peer.
func (p *txPool) get(typ txType, peer *peer) (*tx, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	var tx *tx
	switch {
	case len(p.free) > 0:
		tx = p.free[len(p.free)-1]
		p.free = p.free[:len(p.free)-1]
	case p.n < p.limit:
		tx = newTx(p.msgSize)
		p.n++
	default:
		return nil, errors.Wrapf(ErrNoDescriptors, "all %d descriptors are in use", p.limit)
	}

	p.lastID++
	peer.addRef()

	tx.mu.Lock()
	tx.id = p.lastID
	tx.typ = typ
	tx.peer = peer
	tx.state = txQueued
	tx.msg = wire.Message{}
	tx.payload = tx.payload[:0]
	tx.frags = nil
	tx.nob = 0
	tx.match = 0
	tx.hdrData = 0
	tx.upper = nil
	tx.reply = nil
	tx.req = fabric.InvalidHandle
	tx.bulk = fabric.InvalidHandle
	tx.handles = tx.handles[:0]
	tx.status = nil
	tx.completing.Store(false)
	tx.upperDone.Store(false)
	tx.mu.Unlock()

	p.active[tx.id] = tx
	return tx, nil
}

func newTx(msgSize int) *tx {
	return &tx{
		buf: make([]byte, 0, msgSize),
	}
}

func (p *txPool) put(tx *tx) {
	tx.mu.Lock()
	tx.state = txIdle
	tx.peer = nil
	tx.upper = nil
	tx.reply = nil
	tx.frags = nil
	tx.mu.Unlock()

	p.mu.Lock()
	defer p.mu.Unlock()

	delete(p.active, tx.id)
	p.free = append(p.free, tx)
}

func (p *txPool) lookup(id uint64) *tx {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.active[id]
}

func (p *txPool) activeTxs() []*tx {
	p.mu.Lock()
	defer p.mu.Unlock()

	return lo.Values(p.active)
}

func (p *txPool) counts() (active, idle int) {
	p.mu.Lock()
	defer p.mu.Unlock()

	return len(p.active), len(p.free) + p.limit - p.n
}

// handleTxEvent drives the tx state machine.
func (t *Transport) handleTxEvent(ev fabric.Event) {
	tx := t.txs.lookup(ev.Tag.ID)
	if tx == nil {
		t.logger().Debug("Event of finished tx dropped", zap.Stringer("event", ev.Kind), zap.Uint64("tx", ev.Tag.ID))
		return
	}

	tx.mu.Lock()
	if tx.id != ev.Tag.ID || tx.state == txFinalizing || tx.state == txIdle {
		tx.mu.Unlock()
		return
	}

	isReq := tx.req != fabric.InvalidHandle && ev.Handle == tx.req
	isBulk := tx.bulk != fabric.InvalidHandle && ev.Handle == tx.bulk
	if !isReq && !isBulk {
		tx.mu.Unlock()
		t.logger().Warn("Event doesn't match tx memory", zap.Stringer("event", ev.Kind),
			zap.Uint64("tx", ev.Tag.ID), zap.Uint64("handle", uint64(ev.Handle)))
		return
	}

	var err error
	switch {
	case ev.Err != nil:
		err = errors.Wrapf(ErrTransfer, "%s of %s tx to %s: %s", ev.Kind, tx.typ, tx.peer.nid, ev.Err)
	case ev.Kind == fabric.EventError:
		err = errors.Wrapf(ErrTransfer, "%s tx to %s", tx.typ, tx.peer.nid)
	}

	var issued bool
	if isReq {
		if ev.Unlinked {
			tx.req = fabric.InvalidHandle
		}
		issued = err == nil && tx.typ == txGet && ev.Kind == fabric.EventSendDone
	}
	if isBulk {
		if err == nil {
			err = tx.bulkEvent(ev)
		}
		if ev.Unlinked {
			tx.bulk = fabric.InvalidHandle
		}
	}

	var finalize bool
	switch {
	case err != nil:
		tx.status = err
		finalize = true
	case tx.req == fabric.InvalidHandle && tx.bulk == fabric.InvalidHandle:
		finalize = true
	case tx.req == fabric.InvalidHandle:
		tx.state = txAwaitingBulk
	}
	if finalize {
		tx.state = txFinalizing
	}
	tx.mu.Unlock()

	if issued {
		// GET is reported complete once the request is out, the REPLY carries the real status.
		t.finalizeUpper(tx, nil)
	}
	if finalize {
		t.txDone(tx)
	}
}

// txDone finalizes the tx. It is the only place where tx and its peer reference are released.
func (t *Transport) txDone(tx *tx) {
	if !tx.completing.CompareAndSwap(false, true) {
		_ = t.invariant("tx %d finalized twice", tx.id)
		return
	}

	tx.mu.Lock()
	handles := tx.handles
	tx.handles = nil
	tx.req = fabric.InvalidHandle
	tx.bulk = fabric.InvalidHandle
	status := tx.status
	p := tx.peer
	tx.mu.Unlock()

	for _, h := range handles {
		if err := t.fabric.Unregister(h); err != nil && !errors.Is(err, fabric.ErrUnknownHandle) &&
			!errors.Is(err, fabric.ErrClosed) {
			t.logger().Error("Unregistering memory failed", zap.Error(err))
		}
	}

	if status != nil {
		if closesPeer(status) {
			t.logger().Error("Transmission failed", zap.Stringer("peer", p.nid), zap.Stringer("type", tx.typ),
				zap.Error(status))
			t.closePeer(p)
		} else {
			t.logger().Debug("Transmission aborted", zap.Stringer("peer", p.nid), zap.Stringer("type", tx.typ),
				zap.Error(status))
		}
	}

	if tx.typ == txGet && tx.reply != nil {
		t.finalizeUpper(tx, nil)
		t.finalize(tx.reply, status)
	} else {
		t.finalizeUpper(tx, status)
	}

	t.txs.put(tx)
	t.decref(p)
}

func (t *Transport) finalizeUpper(tx *tx, err error) {
	if tx.upper != nil && tx.upperDone.CompareAndSwap(false, true) {
		t.finalize(tx.upper, err)
	}
}

func (t *Transport) finalize(msg *Message, err error) {
	t.stats.finalized.Add(1)
	t.router.Finalize(msg, err)
}
