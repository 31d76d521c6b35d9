package lnd

import (
	"context"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/outofforest/lnd/fabric"
	"github.com/outofforest/lnd/wire"
)

func (t *Transport) receiveImmediate(ctx context.Context, p *peer, msg *wire.Message) {
	out, err := t.router.Deliver(ctx, &Incoming{
		From:    p.nid,
		Type:    msg.Type,
		Header:  msg.Immediate.Header,
		Payload: msg.Immediate.Payload,
		Length:  len(msg.Immediate.Payload),
	})
	if err != nil {
		t.logger().Error("Delivery failed", zap.Stringer("peer", p.nid), zap.Error(err))
		return
	}
	if out == nil {
		return
	}

	out.Length = copyToFragments(out.Payload, msg.Immediate.Payload)
	t.finalize(out, nil)
}

// receiveRDMA handles PUT and GET requests by transferring data from or to memory advertised by the peer.
func (t *Transport) receiveRDMA(ctx context.Context, p *peer, msg *wire.Message) {
	out, err := t.router.Deliver(ctx, &Incoming{
		From:      p.nid,
		Type:      msg.Type,
		Header:    msg.RDMA.Header,
		Length:    fragmentsLength(msg.RDMA.Fragments),
		Fragments: msg.RDMA.Fragments,
	})
	if err != nil {
		t.logger().Error("Delivery failed", zap.Stringer("peer", p.nid), zap.Error(err))
		out = nil
	}

	if out != nil {
		if err := t.checkFragments(msg.Type, out.Payload, msg.RDMA.Fragments); err != nil {
			t.logger().Error("RDMA rejected", zap.Stringer("peer", p.nid), zap.Stringer("type", msg.Type),
				zap.Error(err))
			t.finalize(out, err)
			out = nil
		}
	}

	// The peer waits for the transfer to release its memory, so it is executed even if nobody wants the data.
	typ := txRead
	if msg.Type == wire.MsgTypeGet {
		typ = txWrite
	}
	t.activeRDMA(p, typ, out, msg.RDMA.MatchBits)
}

func (t *Transport) checkFragments(typ wire.MsgType, local [][]byte, remote []uint32) error {
	if len(local) > t.config.MaxFragments || len(remote) > t.config.MaxFragments {
		return errors.Wrapf(ErrIncompatibleFragments, "%d local and %d remote fragments, limit is %d",
			len(local), len(remote), t.config.MaxFragments)
	}

	localLen := payloadLength(local)
	remoteLen := fragmentsLength(remote)
	switch typ {
	case wire.MsgTypePut:
		if localLen != remoteLen {
			return errors.Wrapf(ErrIncompatibleFragments, "%d bytes advertised, %d bytes expected", remoteLen,
				localLen)
		}
	case wire.MsgTypeGet:
		if localLen > remoteLen {
			return errors.Wrapf(ErrIncompatibleFragments, "%d bytes provided, sink has %d bytes", localLen,
				remoteLen)
		}
	}
	return nil
}

// activeRDMA reads or writes memory advertised by the peer. Nil out transfers no data.
func (t *Transport) activeRDMA(p *peer, typ txType, out *Message, match wire.MatchBits) {
	tx, err := t.txs.get(typ, p)
	if err != nil {
		t.logger().Error("Can't start RDMA", zap.Stringer("peer", p.nid), zap.Stringer("type", typ), zap.Error(err))
		if out != nil {
			t.finalize(out, err)
		}
		// Peer would wait forever for the transfer.
		t.closePeer(p)
		return
	}

	tx.upper = out
	tx.match = match
	tx.hdrData = fabric.RDMAFail
	if out != nil {
		tx.frags = out.Payload
		tx.nob = payloadLength(out.Payload)
		tx.hdrData = fabric.RDMAOk
		if typ == txWrite {
			out.Length = tx.nob
		}
	}

	if err := t.launch(tx); err != nil {
		if tx.fail(errors.Wrapf(ErrTransfer, "%s from %s: %s", typ, p.nid, err)) {
			t.txDone(tx)
		}
	}
}
