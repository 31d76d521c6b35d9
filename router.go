package lnd

import (
	"context"

	"github.com/outofforest/lnd/wire"
)

// Kind is the kind of upper-layer message.
type Kind uint8

// Message kinds.
const (
	KindPut Kind = iota + 1
	KindGet
	KindAck
	KindReply
)

func (k Kind) String() string {
	switch k {
	case KindPut:
		return "PUT"
	case KindGet:
		return "GET"
	case KindAck:
		return "ACK"
	case KindReply:
		return "REPLY"
	default:
		return "UNKNOWN"
	}
}

// Message is the upper-layer message submitted to or delivered by the transport.
// Payload buffers must not be touched until the message is finalized.
type Message struct {
	// Kind is the kind of submitted message.
	Kind Kind

	// Target is the destination of submitted message.
	Target wire.NID

	// Header is the opaque header of the upper layer.
	Header wire.UpperHeader

	// Payload is the data sent by PUT, ACK and REPLY, the sink of GET, or the destination of delivered data.
	Payload [][]byte

	// RouterTarget is set when the target forwards the message, GETs to routers are always sent inline.
	RouterTarget bool

	// Length is the number of bytes transferred, set before the message is finalized.
	Length int

	// Request is the GET the REPLY created by the transport belongs to.
	Request *Message
}

// Incoming describes the received message offered to the router.
type Incoming struct {
	// From is the sender.
	From wire.NID

	// Type is the transport message type: wire.MsgTypeImmediate, wire.MsgTypePut or wire.MsgTypeGet.
	Type wire.MsgType

	// Header is the opaque header of the upper layer.
	Header wire.UpperHeader

	// Payload is the inline payload of immediate message, valid only during the Deliver call.
	Payload []byte

	// Length is the number of payload bytes. For GET it is the size of the sink advertised by the requester.
	Length int

	// Fragments are fragment lengths of the memory advertised by the sender of PUT or GET.
	Fragments []uint32
}

// Router is the upper-layer message router.
type Router interface {
	// Deliver is called for every received message. The returned message receives the immediate payload,
	// is the destination of data pulled for PUT, or the source of data pushed for GET.
	// Nil message drops the incoming one.
	Deliver(ctx context.Context, in *Incoming) (*Message, error)

	// Finalize reports the terminal status of the message. It is called exactly once for every message submitted to
	// the transport, every message returned by Deliver and every REPLY created for GET.
	Finalize(msg *Message, err error)
}
