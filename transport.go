package lnd

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"github.com/samber/lo"
	"go.uber.org/zap"

	"github.com/outofforest/lnd/fabric"
	"github.com/outofforest/lnd/wire"
	"github.com/outofforest/logger"
	"github.com/outofforest/parallel"
)

// Transport is the credit-flow-controlled message transport running over the fabric.
type Transport struct {
	config Config
	fabric fabric.Fabric
	router Router
	nid    wire.NID
	stamp  wire.Stamp
	codec  wire.Codec

	log atomic.Pointer[zap.Logger]

	peers  peerTable
	npeers atomic.Int64
	txs    *txPool
	rxs    *rxPool

	rxEvents chan fabric.Event
	txEvents chan fabric.Event
	delayed  *delayQueue

	shuttingDown atomic.Bool
	stats        counters
}

// New creates transport.
func New(config Config, fab fabric.Fabric, router Router) (*Transport, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}

	t := &Transport{
		config: config,
		fabric: fab,
		router: router,
		nid:    fab.NID(),
		stamp:  newStamp(),
		codec:  wire.Codec{Checksum: config.Checksum},
		peers: peerTable{
			peers: map[wire.NID]*peer{},
		},
		txs: newTxPool(config.NTx, config.MaxMsgSize),
		rxs: &rxPool{
			buffers: map[uint64]*rxBuffer{},
		},
		rxEvents: make(chan fabric.Event, config.Schedulers),
		txEvents: make(chan fabric.Event, config.Schedulers),
		delayed:  newDelayQueue(),
	}
	t.log.Store(zap.NewNop())

	if err := t.growBuffers(0); err != nil {
		t.releaseBuffers()
		return nil, err
	}
	return t, nil
}

// NID returns the ID of the local endpoint.
func (t *Transport) NID() wire.NID {
	return t.nid
}

// Run runs the transport. When ctx is canceled, all the peers are closed and pending transfers are aborted
// before Run returns.
func (t *Transport) Run(ctx context.Context) error {
	t.log.Store(logger.Get(ctx))
	defer t.close()

	workCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	defer cancel()

	err := parallel.Run(workCtx, func(workCtx context.Context, spawn parallel.SpawnFn) error {
		spawn("poller", parallel.Fail, t.runPoller)
		for i := range t.config.Schedulers {
			spawn(fmt.Sprintf("scheduler-%d", i), parallel.Fail, t.runScheduler)
		}
		spawn("shutdown", parallel.Exit, func(workCtx context.Context) error {
			select {
			case <-workCtx.Done():
				return errors.WithStack(workCtx.Err())
			case <-ctx.Done():
			}
			t.shutdown(workCtx)
			return nil
		})
		return nil
	})
	if ctx.Err() != nil {
		return errors.WithStack(ctx.Err())
	}
	return err
}

func (t *Transport) shutdown(ctx context.Context) {
	log := t.logger()
	log.Info("Shutting down transport", zap.Int64("peers", t.npeers.Load()))

	t.shuttingDown.Store(true)
	t.ClosePeer(wire.NIDAny)

	for {
		t.abortTxs()

		n := t.npeers.Load()
		if n == 0 {
			return
		}
		log.Info("Waiting for peers to be released", zap.Int64("peers", n))

		select {
		case <-ctx.Done():
			return
		case <-time.After(t.config.ShutdownPoll):
		}
	}
}

// abortTxs finalizes all the txs waiting for the fabric.
func (t *Transport) abortTxs() {
	for _, tx := range t.txs.activeTxs() {
		if tx.abort(nil, errors.Wrap(ErrShutdown, "transport stopped")) {
			t.txDone(tx)
		}
	}
}

func (t *Transport) close() {
	t.delayed.close()
	t.releaseBuffers()
	if err := t.fabric.Close(); err != nil && !errors.Is(err, fabric.ErrClosed) {
		t.logger().Error("Closing fabric failed", zap.Error(err))
	}
}

// Send submits the message. Once accepted, the message is finalized exactly once.
func (t *Transport) Send(ctx context.Context, msg *Message) error {
	if t.shuttingDown.Load() {
		return errors.WithStack(ErrShutdown)
	}
	if msg.Target == wire.NIDAny || msg.Target == t.nid {
		return errors.Errorf("invalid target %s", msg.Target)
	}
	if len(msg.Payload) > t.config.MaxFragments {
		return errors.Errorf("%d fragments exceed the limit of %d", len(msg.Payload), t.config.MaxFragments)
	}

	length := payloadLength(msg.Payload)
	switch msg.Kind {
	case KindAck:
		if length > 0 {
			return errors.New("ACK can't carry payload")
		}
	case KindPut, KindGet, KindReply:
	default:
		return errors.Errorf("invalid message kind %d", msg.Kind)
	}

	p, err := t.findPeer(msg.Target, true)
	if err != nil {
		return err
	}
	defer t.decref(p)

	p.mu.Lock()
	maxMsgSize := p.maxMsgSize
	p.mu.Unlock()

	typ := txImmediate
	switch msg.Kind {
	case KindGet:
		if !msg.RouterTarget && wire.ImmediateSize(length) > t.config.MaxMsgSize {
			typ = txGet
		}
	case KindPut, KindReply:
		if wire.ImmediateSize(length) > maxMsgSize {
			typ = txPut
		}
	}

	tx, err := t.txs.get(typ, p)
	if err != nil {
		return err
	}

	msg.Length = length
	tx.upper = msg
	switch typ {
	case txImmediate:
		tx.msg.Type = wire.MsgTypeImmediate
		tx.msg.Immediate.Header = msg.Header
		if msg.Kind != KindGet {
			tx.payload = flatten(tx.payload[:0], msg.Payload)
			tx.msg.Immediate.Payload = tx.payload
		}
	case txPut, txGet:
		tx.msg.Type = wire.MsgTypePut
		if typ == txGet {
			tx.msg.Type = wire.MsgTypeGet
			tx.reply = &Message{
				Kind:    KindReply,
				Target:  msg.Target,
				Header:  msg.Header,
				Payload: msg.Payload,
				Request: msg,
			}
		}
		tx.msg.RDMA.Header = msg.Header
		tx.msg.RDMA.Fragments = fragmentLengths(msg.Payload)
		tx.frags = msg.Payload
		tx.nob = length
	}

	t.logger().Debug("Message submitted", zap.Stringer("peer", p.nid), zap.Stringer("kind", msg.Kind),
		zap.Stringer("type", typ), zap.Int("length", length))

	t.post(p, tx)
	return nil
}

// Connect creates the peer if needed and waits until the handshake is completed.
func (t *Transport) Connect(ctx context.Context, nid wire.NID) error {
	p, err := t.findPeer(nid, true)
	if err != nil {
		return err
	}
	defer t.decref(p)

	select {
	case <-p.hello:
		return nil
	default:
	}

	select {
	case <-ctx.Done():
		return errors.WithStack(ctx.Err())
	case <-p.hello:
		return nil
	case <-p.closed:
		return errors.Wrapf(ErrShutdown, "peer %s closed", nid)
	}
}

// ClosePeer closes the peer. All the peers are closed if nid is wire.NIDAny.
func (t *Transport) ClosePeer(nid wire.NID) {
	t.peers.mu.RLock()
	var peers []*peer
	if nid == wire.NIDAny {
		peers = lo.Values(t.peers.peers)
	} else if p := t.peers.peers[nid]; p != nil {
		peers = []*peer{p}
	}
	for _, p := range peers {
		p.addRef()
	}
	t.peers.mu.RUnlock()

	for _, p := range peers {
		t.closePeer(p)
		t.decref(p)
	}
}

func (t *Transport) logger() *zap.Logger {
	return t.log.Load()
}
