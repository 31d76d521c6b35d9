package tcpfabric

import (
	"context"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/outofforest/lnd/fabric"
	tcpwire "github.com/outofforest/lnd/fabric/tcpfabric/wire"
	"github.com/outofforest/lnd/wire"
	"github.com/outofforest/logger"
	"github.com/outofforest/parallel"
	"github.com/outofforest/resonance"
)

var errSameNode = errors.New("connected to myself")

// ErrRemote is reported when the remote read failed on the destination.
var ErrRemote = errors.New("remote operation failed")

// Config is the configuration of the TCP fabric.
type Config struct {
	// NID is the ID of the local node.
	NID wire.NID

	// Peers maps IDs of other nodes to their addresses. Connection is dialed by the node with the lower ID.
	Peers map[wire.NID]string

	// MaxMessageSize is the largest frame accepted on connections.
	MaxMessageSize uint64

	// OutboxSize is the number of frames queued per connection before operations are rejected
	// with fabric.ErrNoResources.
	OutboxSize int
}

type frame struct {
	Header any
	Length int
	Handle fabric.Handle
	Cookie uint64
}

type pendingRead struct {
	Handle fabric.Handle
	Peer   wire.NID
	Outbox chan<- frame
}

type chans struct {
	Sender   chan<- frame
	Receiver <-chan frame
}

type conns struct {
	mu    sync.RWMutex
	conns map[wire.NID]chans
}

func (c *conns) Add(nid wire.NID, size int) chans {
	ch := make(chan frame, size)

	c.mu.Lock()
	defer c.mu.Unlock()

	if ch, ok := c.conns[nid]; ok {
		close(ch.Sender)
	}

	chs := chans{Sender: ch, Receiver: ch}
	c.conns[nid] = chs
	return chs
}

func (c *conns) Remove(nid wire.NID, ch <-chan frame) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if chs, exists := c.conns[nid]; exists && chs.Receiver == ch {
		delete(c.conns, nid)
		close(chs.Sender)
	}
}

// Push queues the frame on the connection if it is still the current connection to the node.
func (c *conns) Push(ctx context.Context, nid wire.NID, ch <-chan frame, f frame) error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	chs, exists := c.conns[nid]
	if !exists || chs.Receiver != ch {
		return errors.Errorf("connection to %s replaced", nid)
	}

	select {
	case <-ctx.Done():
		return errors.WithStack(ctx.Err())
	case chs.Sender <- f:
		return nil
	}
}

var _ fabric.Fabric = &Node{}

// Node is the fabric endpoint moving bytes between nodes over TCP connections.
type Node struct {
	*fabric.Local

	config Config
	conns  *conns

	lastCookie atomic.Uint64
	readsMu    sync.Mutex
	reads      map[uint64]pendingRead
}

// New creates TCP fabric node.
func New(config Config) (*Node, error) {
	switch {
	case config.NID == wire.NIDAny:
		return nil, errors.New("wildcard NID can't be used by node")
	case config.MaxMessageSize == 0:
		return nil, errors.New("max message size must be positive")
	case config.OutboxSize < 1:
		return nil, errors.Errorf("outbox size must be positive, %d given", config.OutboxSize)
	}

	return &Node{
		Local:  fabric.NewLocal(config.NID),
		config: config,
		conns: &conns{
			conns: map[wire.NID]chans{},
		},
		reads: map[uint64]pendingRead{},
	}, nil
}

// Run accepts connections on the listener and keeps connections to the peers open.
func (n *Node) Run(ctx context.Context, ls net.Listener) error {
	connConfig := resonance.Config{
		MaxMessageSize: n.config.MaxMessageSize,
	}

	return parallel.Run(ctx, func(ctx context.Context, spawn parallel.SpawnFn) error {
		spawn("server", parallel.Fail, func(ctx context.Context) error {
			return resonance.RunServer(ctx, ls, connConfig,
				func(ctx context.Context, c *resonance.Connection) error {
					return n.runConn(ctx, c, wire.NIDAny)
				})
		})

		for nid, addr := range n.config.Peers {
			if nid <= n.NID() {
				continue
			}
			spawn("client", parallel.Continue, func(ctx context.Context) error {
				log := logger.Get(ctx)

				for {
					err := resonance.RunClient(ctx, addr, connConfig,
						func(ctx context.Context, c *resonance.Connection) error {
							return n.runConn(ctx, c, nid)
						})

					if ctx.Err() != nil {
						return errors.WithStack(ctx.Err())
					}

					if errors.Is(err, errSameNode) {
						return nil
					}

					log.Error("Fabric connection failed", zap.Stringer("peer", nid), zap.String("address", addr),
						zap.Error(err))
					select {
					case <-ctx.Done():
						return errors.WithStack(ctx.Err())
					case <-time.After(time.Second):
					}
				}
			})
		}

		return nil
	})
}

// Send sends the content of the memory to the posted receive buffers of the destination.
func (n *Node) Send(h fabric.Handle, dest wire.NID) error {
	data, err := n.Gather(h)
	if err != nil {
		return err
	}

	return n.enqueue(dest, frame{
		Header: &tcpwire.Message{Data: data},
		Length: len(data),
		Handle: h,
	})
}

// RemoteRead requests memory advertised by the destination. Data is stored in the local memory once it arrives.
func (n *Node) RemoteRead(h fabric.Handle, dest wire.NID, match wire.MatchBits) error {
	size, err := n.Size(h)
	if err != nil {
		return err
	}

	cookie := n.lastCookie.Add(1)
	return n.enqueue(dest, frame{
		Header: &tcpwire.Get{
			Cookie: cookie,
			Match:  uint64(match),
			Length: uint64(size),
		},
		Handle: h,
		Cookie: cookie,
	})
}

// RemoteWrite writes the local memory into memory advertised by the destination.
func (n *Node) RemoteWrite(h fabric.Handle, dest wire.NID, match wire.MatchBits, hdrData uint64) error {
	data, err := n.Gather(h)
	if err != nil {
		return err
	}

	return n.enqueue(dest, frame{
		Header: &tcpwire.Put{
			Match:   uint64(match),
			HdrData: hdrData,
			Data:    data,
		},
		Length: len(data),
		Handle: h,
	})
}

func (n *Node) enqueue(dest wire.NID, f frame) error {
	size, err := tcpwire.NewMarshaller().Size(f.Header)
	if err != nil {
		return err
	}
	if size > n.config.MaxMessageSize {
		_ = n.Complete(f.Handle, fabric.EventError, 0, errors.Wrapf(fabric.ErrTooLarge,
			"frame of %d bytes, limit is %d", size, n.config.MaxMessageSize))
		return nil
	}

	n.conns.mu.RLock()
	defer n.conns.mu.RUnlock()

	chs, exists := n.conns.conns[dest]
	if !exists {
		err := errors.Wrapf(fabric.ErrUnreachable, "node %s", dest)
		if f.Cookie != 0 {
			_ = n.CompleteRead(f.Handle, dest, nil, err)
		} else {
			_ = n.Complete(f.Handle, fabric.EventError, 0, err)
		}
		return nil
	}

	if f.Cookie != 0 {
		n.readsMu.Lock()
		n.reads[f.Cookie] = pendingRead{Handle: f.Handle, Peer: dest, Outbox: chs.Sender}
		n.readsMu.Unlock()
	}

	select {
	case chs.Sender <- f:
		return nil
	default:
		if f.Cookie != 0 {
			n.takeRead(f.Cookie)
		}
		return errors.WithStack(fabric.ErrNoResources)
	}
}

func (n *Node) takeRead(cookie uint64) (pendingRead, bool) {
	n.readsMu.Lock()
	defer n.readsMu.Unlock()

	r, exists := n.reads[cookie]
	if exists {
		delete(n.reads, cookie)
	}
	return r, exists
}

// failReads fails the reads waiting for replies on the closed connection.
func (n *Node) failReads(outbox chan<- frame) {
	n.readsMu.Lock()
	var failed []pendingRead
	for cookie, r := range n.reads {
		if r.Outbox == outbox {
			failed = append(failed, r)
			delete(n.reads, cookie)
		}
	}
	n.readsMu.Unlock()

	for _, r := range failed {
		_ = n.CompleteRead(r.Handle, r.Peer, nil, errors.Wrapf(fabric.ErrUnreachable, "connection to %s closed", r.Peer))
	}
}

// fail reports the failure of the operation represented by the frame.
func (n *Node) fail(f frame, err error) {
	switch {
	case f.Cookie != 0:
		if r, exists := n.takeRead(f.Cookie); exists {
			_ = n.CompleteRead(r.Handle, r.Peer, nil, err)
		}
	case f.Handle != fabric.InvalidHandle:
		_ = n.Complete(f.Handle, fabric.EventError, 0, err)
	}
}

func (n *Node) runConn(ctx context.Context, c *resonance.Connection, expected wire.NID) error {
	m := tcpwire.NewMarshaller()

	if err := c.SendProton(&tcpwire.Hello{
		NID: uint64(n.NID()),
	}, m); err != nil {
		return err
	}

	msg, err := c.ReceiveProton(m)
	if err != nil {
		return err
	}

	helloMsg, ok := msg.(*tcpwire.Hello)
	if !ok {
		return errors.New("hello message expected")
	}

	peer := wire.NID(helloMsg.NID)
	switch {
	case peer == n.NID():
		return errSameNode
	case peer == wire.NIDAny:
		return errors.New("wildcard NID received")
	case expected != wire.NIDAny && peer != expected:
		return errors.Errorf("node %s expected, %s connected", expected, peer)
	}

	log := logger.Get(ctx).With(zap.Stringer("peer", peer))
	log.Info("Fabric connection established")

	chs := n.conns.Add(peer, n.config.OutboxSize)
	defer n.failReads(chs.Sender)

	return parallel.Run(ctx, func(ctx context.Context, spawn parallel.SpawnFn) error {
		spawn("receiver", parallel.Fail, func(ctx context.Context) error {
			defer n.conns.Remove(peer, chs.Receiver)

			for {
				msg, err := c.ReceiveProton(m)
				if err != nil {
					return err
				}

				switch frameMsg := msg.(type) {
				case *tcpwire.Message:
					if err := n.DeliverMessage(peer, frameMsg.Data); err != nil {
						log.Warn("Message dropped", zap.Int("length", len(frameMsg.Data)), zap.Error(err))
					}
				case *tcpwire.Put:
					_, err := n.DeliverPut(peer, wire.MatchBits(frameMsg.Match), frameMsg.HdrData, frameMsg.Data)
					if err != nil {
						log.Warn("Remote write dropped", zap.Uint64("match", frameMsg.Match), zap.Error(err))
					}
				case *tcpwire.Get:
					reply := &tcpwire.Reply{Cookie: frameMsg.Cookie}
					data, err := n.ServeGet(peer, wire.MatchBits(frameMsg.Match), int(frameMsg.Length))
					if err != nil {
						log.Warn("Remote read rejected", zap.Uint64("match", frameMsg.Match), zap.Error(err))
						reply.Error = err.Error()
					} else {
						reply.Data = data
					}

					f := frame{Header: reply, Length: len(reply.Data)}
					if err := n.conns.Push(ctx, peer, chs.Receiver, f); err != nil {
						return err
					}
				case *tcpwire.Reply:
					r, exists := n.takeRead(frameMsg.Cookie)
					if !exists {
						log.Warn("Reply to unknown read dropped", zap.Uint64("cookie", frameMsg.Cookie))
						continue
					}
					if r.Peer != peer {
						return errors.Errorf("reply to read from %s received from %s", r.Peer, peer)
					}

					var readErr error
					if frameMsg.Error != "" {
						readErr = errors.Wrap(ErrRemote, frameMsg.Error)
					}
					_ = n.CompleteRead(r.Handle, peer, frameMsg.Data, readErr)
				default:
					return errors.Errorf("unexpected frame %T", msg)
				}
			}
		})
		spawn("sender", parallel.Fail, func(ctx context.Context) error {
			defer func() {
				for f := range chs.Receiver {
					n.fail(f, errors.Wrapf(fabric.ErrUnreachable, "connection to %s closed", peer))
				}
			}()
			defer c.Close()

			for f := range chs.Receiver {
				if err := n.sendFrame(c, m, f); err != nil {
					n.fail(f, errors.Wrapf(fabric.ErrUnreachable, "sending to %s: %s", peer, err))
					return err
				}
			}

			return nil
		})

		return nil
	})
}

func (n *Node) sendFrame(c *resonance.Connection, m tcpwire.Marshaller, f frame) error {
	if err := c.SendProton(f.Header, m); err != nil {
		return err
	}
	switch f.Header.(type) {
	case *tcpwire.Message, *tcpwire.Put:
		_ = n.Complete(f.Handle, fabric.EventSendDone, f.Length, nil)
	}
	return nil
}
