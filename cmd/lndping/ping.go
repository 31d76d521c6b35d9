package main

import (
	"bytes"
	"context"
	"encoding/binary"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/outofforest/lnd"
	"github.com/outofforest/lnd/wire"
	"github.com/outofforest/logger"
)

const (
	pingType byte = iota + 1
	pongType
)

type sender interface {
	Send(ctx context.Context, msg *lnd.Message) error
}

type delivered struct {
	From wire.NID
	Type byte
	Seq  uint64
}

type result struct {
	Data []byte
	Err  error
}

// pingRouter answers pings with pongs carrying the same payload and matches pongs with sent pings.
type pingRouter struct {
	ctx    context.Context
	sender sender

	mu       sync.Mutex
	lastSeq  uint64
	pending  map[uint64]chan<- result
	outbound map[*lnd.Message]uint64
	sinks    map[*lnd.Message]delivered
}

func newPingRouter() *pingRouter {
	return &pingRouter{
		pending:  map[uint64]chan<- result{},
		outbound: map[*lnd.Message]uint64{},
		sinks:    map[*lnd.Message]delivered{},
	}
}

// Attach sets the transport used to send pongs.
func (r *pingRouter) Attach(ctx context.Context, s sender) {
	r.ctx = ctx
	r.sender = s
}

// Deliver implements lnd.Router.
func (r *pingRouter) Deliver(_ context.Context, in *lnd.Incoming) (*lnd.Message, error) {
	if in.Type == wire.MsgTypeGet {
		return nil, nil
	}

	d := delivered{
		From: in.From,
		Type: in.Header[0],
		Seq:  binary.LittleEndian.Uint64(in.Header[1:9]),
	}
	if d.Type != pingType && d.Type != pongType {
		return nil, errors.Errorf("unknown ping message type %d", d.Type)
	}

	sink := &lnd.Message{
		Kind:    lnd.KindPut,
		Target:  in.From,
		Payload: [][]byte{make([]byte, in.Length)},
	}

	r.mu.Lock()
	r.sinks[sink] = d
	r.mu.Unlock()

	return sink, nil
}

// Finalize implements lnd.Router.
func (r *pingRouter) Finalize(msg *lnd.Message, err error) {
	r.mu.Lock()
	d, isSink := r.sinks[msg]
	delete(r.sinks, msg)
	seq, isPing := r.outbound[msg]
	delete(r.outbound, msg)
	r.mu.Unlock()

	switch {
	case isPing:
		if err != nil {
			r.complete(seq, result{Err: err})
		}
	case !isSink:
		if err != nil {
			logger.Get(r.ctx).Warn("Pong failed", zap.Stringer("peer", msg.Target), zap.Error(err))
		}
	case d.Type == pongType:
		r.complete(d.Seq, result{Data: msg.Payload[0][:msg.Length], Err: err})
	case err != nil:
		logger.Get(r.ctx).Warn("Ping not received", zap.Stringer("peer", d.From), zap.Error(err))
	default:
		pong := &lnd.Message{
			Kind:    lnd.KindPut,
			Target:  d.From,
			Header:  header(pongType, d.Seq),
			Payload: [][]byte{msg.Payload[0][:msg.Length]},
		}
		if err := r.sender.Send(r.ctx, pong); err != nil {
			logger.Get(r.ctx).Warn("Sending pong failed", zap.Stringer("peer", d.From), zap.Error(err))
		}
	}
}

// Ping sends size bytes to the target and waits until they are echoed back.
func (r *pingRouter) Ping(ctx context.Context, target wire.NID, size int) (time.Duration, error) {
	ch := make(chan result, 1)
	data := make([]byte, size)
	for i := range data {
		data[i] = byte(i)
	}

	r.mu.Lock()
	r.lastSeq++
	seq := r.lastSeq
	r.pending[seq] = ch
	msg := &lnd.Message{
		Kind:    lnd.KindPut,
		Target:  target,
		Header:  header(pingType, seq),
		Payload: [][]byte{data},
	}
	r.outbound[msg] = seq
	r.mu.Unlock()

	defer func() {
		r.mu.Lock()
		defer r.mu.Unlock()

		delete(r.pending, seq)
	}()

	start := time.Now()
	if err := r.sender.Send(ctx, msg); err != nil {
		r.mu.Lock()
		delete(r.outbound, msg)
		r.mu.Unlock()
		return 0, err
	}

	select {
	case <-ctx.Done():
		return 0, errors.WithStack(ctx.Err())
	case res := <-ch:
		if res.Err != nil {
			return 0, res.Err
		}
		if !bytes.Equal(data, res.Data) {
			return 0, errors.Errorf("pong of %d bytes doesn't match ping of %d bytes", len(res.Data), size)
		}
		return time.Since(start), nil
	}
}

func (r *pingRouter) complete(seq uint64, res result) {
	r.mu.Lock()
	defer r.mu.Unlock()

	ch, exists := r.pending[seq]
	if !exists {
		return
	}
	delete(r.pending, seq)

	select {
	case ch <- res:
	default:
	}
}

func header(typ byte, seq uint64) wire.UpperHeader {
	var h wire.UpperHeader
	h[0] = typ
	binary.LittleEndian.PutUint64(h[1:9], seq)
	return h
}
