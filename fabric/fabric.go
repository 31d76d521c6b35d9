package fabric

import (
	"context"
	"time"

	"github.com/pkg/errors"

	"github.com/outofforest/lnd/wire"
)

// Fabric errors.
var (
	// ErrNoResources is returned when the fabric temporarily lacks resources to start the operation.
	ErrNoResources = errors.New("no fabric resources")

	// ErrUnknownHandle is returned when the handle is not registered.
	ErrUnknownHandle = errors.New("unknown handle")

	// ErrClosed is returned when the fabric has been closed.
	ErrClosed = errors.New("fabric closed")

	// ErrUnreachable is returned when the destination cannot be reached.
	ErrUnreachable = errors.New("destination unreachable")

	// ErrNoMatch is reported when no region is advertised under the match bits.
	ErrNoMatch = errors.New("no matching region")

	// ErrTooLarge is reported when the message does not fit into the posted receive buffer.
	ErrTooLarge = errors.New("message too large")
)

// Handle identifies registered memory.
type Handle uint64

// InvalidHandle is the handle which is never returned by Register.
const InvalidHandle Handle = 0

// TagKind tells what kind of object the event belongs to.
type TagKind uint8

// Tag kinds.
const (
	TagTx TagKind = iota + 1
	TagRx
)

// Tag is the opaque correlation tag attached to registered memory and carried by every event generated for it.
type Tag struct {
	Kind TagKind
	ID   uint64
}

// EventKind is the kind of completion event.
type EventKind uint8

// Event kinds.
const (
	// EventSendDone is generated when a message or remote write has been sent.
	EventSendDone EventKind = iota + 1

	// EventPutDone is generated when a peer wrote into posted or advertised memory.
	EventPutDone

	// EventGetDone is generated when a peer read advertised memory.
	EventGetDone

	// EventReplyDone is generated when data requested by a remote read arrived.
	EventReplyDone

	// EventUnlink is generated when memory has been detached without a transfer.
	EventUnlink

	// EventError is generated when an operation failed before any transfer happened.
	EventError
)

func (k EventKind) String() string {
	switch k {
	case EventSendDone:
		return "SEND_DONE"
	case EventPutDone:
		return "PUT_DONE"
	case EventGetDone:
		return "GET_DONE"
	case EventReplyDone:
		return "REPLY_DONE"
	case EventUnlink:
		return "UNLINK"
	case EventError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// Event is the completion event.
type Event struct {
	Kind      EventKind
	Tag       Tag
	Handle    Handle
	Initiator wire.NID
	Offset    int
	Length    int
	HdrData   uint64
	Unlinked  bool
	Err       error
}

// Access defines operations peer may execute on advertised memory.
type Access uint8

// Access modes.
const (
	// AccessPut allows peer to write the memory.
	AccessPut Access = iota + 1

	// AccessGet allows peer to read the memory.
	AccessGet
)

const (
	// MsgMatch are the match bits used by ordinary messages landing in posted receive buffers.
	MsgMatch wire.MatchBits = 0

	// RDMAOk is the header data of remote write carrying requested data.
	RDMAOk uint64 = 0x52444d41000000f0

	// RDMAFail is the header data of remote write sent when requested data can't be provided.
	RDMAFail uint64 = 0x52444d41000000f1
)

// Fabric is the set of network primitives the transport is driven through.
type Fabric interface {
	// NID returns the local endpoint ID.
	NID() wire.NID

	// Register registers memory fragments. Events related to the memory carry the tag.
	Register(tag Tag, frags [][]byte) (Handle, error)

	// Unregister detaches the memory. No events for the handle are returned by Poll afterwards.
	Unregister(h Handle) error

	// PostReceive posts the memory for incoming messages of up to maxSize bytes each.
	// Memory is unlinked automatically when the space left is smaller than maxSize.
	PostReceive(h Handle, maxSize int) error

	// Advertise exposes the memory to the peer under the match bits for one remote operation.
	Advertise(h Handle, peer wire.NID, match wire.MatchBits, access Access) error

	// Send sends the content of the memory to the posted receive buffers of the destination.
	Send(h Handle, dest wire.NID) error

	// RemoteRead reads memory advertised by the destination into the local memory.
	RemoteRead(h Handle, dest wire.NID, match wire.MatchBits) error

	// RemoteWrite writes the local memory into memory advertised by the destination.
	RemoteWrite(h Handle, dest wire.NID, match wire.MatchBits, hdrData uint64) error

	// Poll returns pending events, waiting up to timeout for the first one.
	Poll(ctx context.Context, timeout time.Duration) ([]Event, error)

	// Close closes the fabric.
	Close() error
}
