package lnd

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/outofforest/lnd/fabric"
	"github.com/outofforest/lnd/wire"
)

type rxBuffer struct {
	id     uint64
	data   []byte
	handle fabric.Handle

	mu     sync.Mutex
	refs   int
	posted bool
}

type rxPool struct {
	mu      sync.Mutex
	buffers map[uint64]*rxBuffer

	posted atomic.Int64
	active atomic.Int64
}

func (p *rxPool) lookup(id uint64) *rxBuffer {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.buffers[id]
}

func (p *rxPool) size() int {
	p.mu.Lock()
	defer p.mu.Unlock()

	return len(p.buffers)
}

// growBuffers posts receive buffers big enough to hold all the credits of npeers peers.
func (t *Transport) growBuffers(npeers int) error {
	msgs := npeers*t.config.PeerCredits + t.config.BufferSpares
	perBuffer := t.config.msgsPerBuffer()
	needed := (msgs + perBuffer - 1) / perBuffer

	t.rxs.mu.Lock()
	defer t.rxs.mu.Unlock()

	for len(t.rxs.buffers) < needed {
		buf := &rxBuffer{
			id:   uint64(len(t.rxs.buffers)) + 1,
			data: make([]byte, t.config.BufferSize),
		}
		h, err := t.fabric.Register(fabric.Tag{Kind: fabric.TagRx, ID: buf.id}, [][]byte{buf.data})
		if err != nil {
			return errors.Wrapf(ErrResourceExhausted, "registering receive buffer: %s", err)
		}
		if err := t.fabric.PostReceive(h, t.config.MaxMsgSize); err != nil {
			_ = t.fabric.Unregister(h)
			return errors.Wrapf(ErrResourceExhausted, "posting receive buffer: %s", err)
		}
		buf.handle = h
		buf.posted = true
		t.rxs.buffers[buf.id] = buf
		t.rxs.posted.Add(1)
	}
	return nil
}

func (t *Transport) releaseBuffers() {
	t.rxs.mu.Lock()
	defer t.rxs.mu.Unlock()

	for id, buf := range t.rxs.buffers {
		if err := t.fabric.Unregister(buf.handle); err != nil && !errors.Is(err, fabric.ErrClosed) {
			t.logger().Error("Unregistering receive buffer failed", zap.Error(err))
		}
		delete(t.rxs.buffers, id)
	}
	t.rxs.posted.Store(0)
}

func (t *Transport) handleRxEvent(ctx context.Context, ev fabric.Event) {
	buf := t.rxs.lookup(ev.Tag.ID)
	if buf == nil {
		t.logger().Warn("Event of unknown receive buffer dropped", zap.Uint64("buffer", ev.Tag.ID))
		return
	}

	switch {
	case ev.Err != nil:
		t.logger().Error("Receive failed", zap.Stringer("from", ev.Initiator), zap.Error(ev.Err))
	case ev.Kind == fabric.EventPutDone:
		if ev.Offset < 0 || ev.Length < 0 || ev.Offset+ev.Length > len(buf.data) {
			_ = t.invariant("message at %d of %d bytes outside receive buffer %d", ev.Offset, ev.Length, buf.id)
			break
		}

		buf.mu.Lock()
		buf.refs++
		buf.mu.Unlock()
		t.rxs.active.Add(1)

		t.handleMessage(ctx, ev.Initiator, buf.data[ev.Offset:ev.Offset+ev.Length])

		t.rxs.active.Add(-1)
		buf.mu.Lock()
		buf.refs--
		buf.mu.Unlock()
	}

	if ev.Unlinked {
		buf.mu.Lock()
		if buf.posted {
			buf.posted = false
			t.rxs.posted.Add(-1)
		}
		buf.mu.Unlock()
	}
	t.repost(buf)
}

// repost posts the buffer again once it is unlinked and no message stored in it is being processed.
func (t *Transport) repost(buf *rxBuffer) {
	buf.mu.Lock()
	defer buf.mu.Unlock()

	if buf.posted || buf.refs > 0 {
		return
	}
	if err := t.fabric.PostReceive(buf.handle, t.config.MaxMsgSize); err != nil {
		if !errors.Is(err, fabric.ErrClosed) {
			t.logger().Error("Reposting receive buffer failed", zap.Uint64("buffer", buf.id), zap.Error(err))
		}
		return
	}
	buf.posted = true
	t.rxs.posted.Add(1)
}

// handleMessage parses the message received from the fabric.
func (t *Transport) handleMessage(ctx context.Context, from wire.NID, b []byte) {
	log := t.logger()

	msg, err := wire.Decode(b)
	if err != nil {
		log.Error("Invalid message received", zap.Stringer("from", from), zap.Error(err))
		return
	}
	if msg.DstNID != t.nid {
		log.Error("Message sent to another endpoint", zap.Stringer("from", msg.SrcNID),
			zap.Stringer("dst", msg.DstNID))
		return
	}
	if msg.DstStamp != wire.StampNone && msg.DstStamp != t.stamp {
		log.Error("Message sent to previous incarnation", zap.Stringer("from", msg.SrcNID),
			zap.Uint64("stamp", uint64(msg.DstStamp)))
		return
	}

	var p *peer
	if msg.Type == wire.MsgTypeHello {
		p, err = t.acceptPeer(msg.SrcNID)
	} else {
		p, err = t.findPeer(msg.SrcNID, false)
	}
	if err != nil {
		log.Error("Can't create peer", zap.Stringer("peer", msg.SrcNID), zap.Error(err))
		return
	}
	if p == nil {
		log.Error("Message from unknown peer", zap.Stringer("peer", msg.SrcNID), zap.Stringer("type", msg.Type))
		return
	}
	defer t.decref(p)

	if err := t.acceptMessage(p, msg); err != nil {
		log.Error("Message rejected", zap.Stringer("peer", p.nid), zap.Stringer("type", msg.Type), zap.Error(err))
		if msg.Type == wire.MsgTypeHello {
			t.closePeer(p)
		}
		return
	}
	t.stats.received.Add(1)

	switch msg.Type {
	case wire.MsgTypeImmediate:
		t.receiveImmediate(ctx, p, msg)
	case wire.MsgTypePut, wire.MsgTypeGet:
		t.receiveRDMA(ctx, p, msg)
	}

	// Buffer space is free again, the credit may be returned.
	p.mu.Lock()
	p.outstanding++
	p.mu.Unlock()
	t.checkSends(p)
}

// acceptMessage runs the handshake and collects credits returned by the peer.
func (t *Transport) acceptMessage(p *peer, msg *wire.Message) error {
	p.mu.Lock()
	switch {
	case msg.Type == wire.MsgTypeHello:
		if p.recvdHello {
			p.mu.Unlock()
			return errors.Wrap(ErrProtocol, "unexpected hello")
		}
		p.maxMsgSize = min(t.config.MaxMsgSize, int(msg.Hello.MaxMsgSize))
		p.match = msg.Hello.MatchBits
		p.stamp = msg.SrcStamp
		p.maxCredits += int(msg.Credits)
		p.recvdHello = true
		close(p.hello)
	case !p.recvdHello:
		p.mu.Unlock()
		return errors.Wrapf(ErrProtocol, "hello expected, %s received", msg.Type)
	case msg.SrcStamp != p.stamp:
		p.mu.Unlock()
		return errors.Wrapf(ErrProtocol, "source stamp %d, %d expected", msg.SrcStamp, p.stamp)
	}

	credits := int(msg.Credits)
	if credits > 0 {
		if p.credits+credits > p.maxCredits {
			t.logger().Warn("Peer returned too many credits", zap.Stringer("peer", p.nid),
				zap.Int("credits", p.credits), zap.Int("returned", credits), zap.Int("max", p.maxCredits))
			p.credits = p.maxCredits
		} else {
			p.credits += credits
		}
	}
	p.mu.Unlock()

	if credits > 0 || msg.Type == wire.MsgTypeHello {
		t.checkSends(p)
	}
	return nil
}
