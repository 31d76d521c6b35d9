package wire

import (
	"strconv"
)

type (
	// NID identifies a transport endpoint (node/process pair).
	NID uint64

	// Stamp is the incarnation stamp distinguishing successive lifetimes of an endpoint.
	Stamp uint64

	// MatchBits correlate an advertised RDMA region with the transfer targeting it.
	MatchBits uint64

	// MsgType is the type of the transport message.
	MsgType uint8

	// UpperHeader is the opaque header of the upper-layer message carried by the transport.
	UpperHeader [UpperHeaderSize]byte
)

// NIDAny is the wildcard endpoint. It is never a valid message source.
const NIDAny NID = ^NID(0)

// StampNone is the destination stamp sent before the peer's incarnation is known.
const StampNone Stamp = 0

// Message types.
const (
	MsgTypeInvalid MsgType = iota
	MsgTypePut
	MsgTypeGet
	MsgTypeImmediate
	MsgTypeHello
	MsgTypeNoop
)

const (
	// Magic identifies transport messages. Detected in both byte orders.
	Magic uint32 = 0x50746C4E

	// Version is the protocol version.
	Version uint16 = 1

	// HeaderSize is the size of the fixed message header.
	HeaderSize = 56

	// UpperHeaderSize is the size of the opaque upper-layer header.
	UpperHeaderSize = 72

	// HelloBodySize is the size of the hello body.
	HelloBodySize = 16

	// rdmaFixedSize is the size of the RDMA body without fragment lengths.
	rdmaFixedSize = UpperHeaderSize + 8 + 4

	// minSize is the number of bytes needed to read magic and version.
	minSize = 6
)

// Header field offsets.
const (
	offMagic    = 0
	offVersion  = 4
	offType     = 6
	offCredits  = 7
	offNob      = 8
	offChecksum = 12
	offSrcNID   = 16
	offSrcStamp = 24
	offDstNID   = 32
	offDstStamp = 40
	offSeq      = 48
)

func (n NID) String() string {
	if n == NIDAny {
		return "<any>"
	}
	return strconv.FormatUint(uint64(n), 10)
}

func (t MsgType) String() string {
	switch t {
	case MsgTypePut:
		return "PUT"
	case MsgTypeGet:
		return "GET"
	case MsgTypeImmediate:
		return "IMMEDIATE"
	case MsgTypeHello:
		return "HELLO"
	case MsgTypeNoop:
		return "NOOP"
	default:
		return "INVALID(" + strconv.Itoa(int(t)) + ")"
	}
}

// Header is the fixed header of every transport message.
type Header struct {
	Type     MsgType
	Credits  uint8
	Nob      uint32
	Checksum uint32
	SrcNID   NID
	SrcStamp Stamp
	DstNID   NID
	DstStamp Stamp
	Seq      uint64
}

// Hello is exchanged once per peer incarnation to negotiate message size and the match bits space.
type Hello struct {
	MatchBits  MatchBits
	MaxMsgSize uint32
}

// Immediate carries the upper-layer header and the inline payload.
type Immediate struct {
	Header  UpperHeader
	Payload []byte
}

// RDMA announces memory advertised by the sender under the match bits.
type RDMA struct {
	Header    UpperHeader
	MatchBits MatchBits
	Fragments []uint32
}

// Message is the decoded transport message. Only the body matching Header.Type is meaningful.
type Message struct {
	Header

	Hello     Hello
	Immediate Immediate
	RDMA      RDMA
}

// ImmediateSize returns the size of an immediate message carrying payload bytes.
func ImmediateSize(payload int) int {
	return HeaderSize + UpperHeaderSize + payload
}

// RDMASize returns the size of a PUT/GET request describing nFrags fragments.
func RDMASize(nFrags int) int {
	return HeaderSize + rdmaFixedSize + 4*nFrags
}

// HelloSize returns the size of a hello message.
func HelloSize() int {
	return HeaderSize + HelloBodySize
}

// NoopSize returns the size of a credit-only message.
func NoopSize() int {
	return HeaderSize
}

// Size returns the encoded size of the message.
func (m *Message) Size() int {
	switch m.Type {
	case MsgTypeImmediate:
		return ImmediateSize(len(m.Immediate.Payload))
	case MsgTypePut, MsgTypeGet:
		return RDMASize(len(m.RDMA.Fragments))
	case MsgTypeHello:
		return HelloSize()
	default:
		return NoopSize()
	}
}
