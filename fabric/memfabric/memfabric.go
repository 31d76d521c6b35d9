package memfabric

import (
	"sync"

	"github.com/pkg/errors"

	"github.com/outofforest/lnd/fabric"
	"github.com/outofforest/lnd/wire"
)

// OpKind is the kind of fabric operation.
type OpKind uint8

// Operation kinds.
const (
	OpSend OpKind = iota + 1
	OpRead
	OpWrite
)

// Op describes the operation passed to the filter.
type Op struct {
	Kind  OpKind
	From  wire.NID
	To    wire.NID
	Match wire.MatchBits
	Data  []byte
}

// FilterFunc decides if the operation proceeds. Returning fabric.ErrNoResources rejects the operation synchronously,
// any other error fails it asynchronously through its completion event.
type FilterFunc func(op Op) error

// Network connects in-process nodes.
type Network struct {
	mu         sync.RWMutex
	nodes      map[wire.NID]*Node
	filter     FilterFunc
	duplicates bool
}

// New creates network.
func New() *Network {
	return &Network{
		nodes: map[wire.NID]*Node{},
	}
}

// Attach creates a node with the given ID.
func (n *Network) Attach(nid wire.NID) (*Node, error) {
	if nid == wire.NIDAny {
		return nil, errors.New("wildcard NID can't be attached")
	}

	n.mu.Lock()
	defer n.mu.Unlock()

	if _, exists := n.nodes[nid]; exists {
		return nil, errors.Errorf("node %s already attached", nid)
	}

	node := &Node{
		Local:   fabric.NewLocal(nid),
		network: n,
	}
	n.nodes[nid] = node
	return node, nil
}

// SetFilter installs the operation filter. Nil removes it.
func (n *Network) SetFilter(filter FilterFunc) {
	n.mu.Lock()
	defer n.mu.Unlock()

	n.filter = filter
}

// DuplicateEvents makes every completion of a locally initiated operation reported twice.
func (n *Network) DuplicateEvents(enabled bool) {
	n.mu.Lock()
	defer n.mu.Unlock()

	n.duplicates = enabled
}

func (n *Network) node(nid wire.NID) *Node {
	n.mu.RLock()
	defer n.mu.RUnlock()

	return n.nodes[nid]
}

func (n *Network) check(op Op) (bool, error) {
	n.mu.RLock()
	filter := n.filter
	duplicates := n.duplicates
	n.mu.RUnlock()

	if filter == nil {
		return duplicates, nil
	}
	return duplicates, filter(op)
}

func (n *Network) detach(node *Node) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.nodes[node.NID()] == node {
		delete(n.nodes, node.NID())
	}
}

var _ fabric.Fabric = &Node{}

// Node is the fabric endpoint attached to the network.
type Node struct {
	*fabric.Local

	network *Network
}

// Send copies the memory into the posted buffers of the destination.
func (n *Node) Send(h fabric.Handle, dest wire.NID) error {
	data, err := n.Gather(h)
	if err != nil {
		return err
	}

	dup, err := n.network.check(Op{Kind: OpSend, From: n.NID(), To: dest, Data: data})
	if err == nil {
		err = n.send(dest, data)
	}
	if errors.Is(err, fabric.ErrNoResources) {
		return err
	}
	n.complete(h, fabric.EventSendDone, len(data), err, dup)
	return nil
}

// RemoteRead copies the memory advertised by the destination into the local memory.
func (n *Node) RemoteRead(h fabric.Handle, dest wire.NID, match wire.MatchBits) error {
	size, err := n.Size(h)
	if err != nil {
		return err
	}

	dup, err := n.network.check(Op{Kind: OpRead, From: n.NID(), To: dest, Match: match})
	if errors.Is(err, fabric.ErrNoResources) {
		return err
	}

	var data []byte
	if err == nil {
		remote := n.network.node(dest)
		if remote == nil {
			err = errors.Wrapf(fabric.ErrUnreachable, "node %s", dest)
		} else {
			data, err = remote.ServeGet(n.NID(), match, size)
		}
	}

	_ = n.CompleteRead(h, dest, data, err)
	if dup {
		_ = n.CompleteRead(h, dest, data, err)
	}
	return nil
}

// RemoteWrite copies the local memory into the memory advertised by the destination.
func (n *Node) RemoteWrite(h fabric.Handle, dest wire.NID, match wire.MatchBits, hdrData uint64) error {
	data, err := n.Gather(h)
	if err != nil {
		return err
	}

	dup, err := n.network.check(Op{Kind: OpWrite, From: n.NID(), To: dest, Match: match, Data: data})
	if errors.Is(err, fabric.ErrNoResources) {
		return err
	}

	if err == nil {
		remote := n.network.node(dest)
		if remote == nil {
			err = errors.Wrapf(fabric.ErrUnreachable, "node %s", dest)
		} else {
			_, err = remote.DeliverPut(n.NID(), match, hdrData, data)
		}
	}

	n.complete(h, fabric.EventSendDone, len(data), err, dup)
	return nil
}

// Close detaches the node from the network.
func (n *Node) Close() error {
	n.network.detach(n)
	return n.Local.Close()
}

func (n *Node) send(dest wire.NID, data []byte) error {
	remote := n.network.node(dest)
	if remote == nil {
		return errors.Wrapf(fabric.ErrUnreachable, "node %s", dest)
	}
	err := remote.DeliverMessage(n.NID(), data)
	if errors.Is(err, fabric.ErrNoResources) {
		// Remote side has no buffers, this is not a transient local condition.
		return errors.Wrapf(fabric.ErrUnreachable, "node %s: %s", dest, err)
	}
	return err
}

func (n *Node) complete(h fabric.Handle, kind fabric.EventKind, length int, err error, dup bool) {
	if err != nil && errors.Is(err, fabric.ErrUnreachable) {
		kind = fabric.EventError
	}
	_ = n.Complete(h, kind, length, err)
	if dup {
		_ = n.Complete(h, kind, length, err)
	}
}
