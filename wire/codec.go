package wire

import (
	"encoding/binary"
	"math"
	"math/bits"
	"slices"

	"github.com/pkg/errors"
)

// Protocol errors returned by Decode.
var (
	ErrShortMessage   = errors.New("short message")
	ErrBadMagic       = errors.New("bad magic")
	ErrBadVersion     = errors.New("bad version")
	ErrLengthMismatch = errors.New("length mismatch")
	ErrBadChecksum    = errors.New("bad checksum")
	ErrBadType        = errors.New("bad message type")
	ErrBadSource      = errors.New("bad source NID")
)

// Codec encodes transport messages.
type Codec struct {
	// Checksum enables computing the message checksum.
	Checksum bool

	// Order is the byte order of encoded multi-byte fields. Little endian is used if nil.
	Order binary.ByteOrder
}

// Encode encodes message into a new buffer.
func (c Codec) Encode(m *Message) ([]byte, error) {
	return c.Append(make([]byte, 0, m.Size()), m)
}

// Append appends encoded message to dst. Nob and Checksum of the message are computed, not taken from m.
func (c Codec) Append(dst []byte, m *Message) ([]byte, error) {
	size := m.Size()
	if size > math.MaxUint32 {
		return dst, errors.Errorf("message of %d bytes is too large", size)
	}

	order := c.Order
	if order == nil {
		order = binary.LittleEndian
	}

	off := len(dst)
	dst = slices.Grow(dst, size)[:off+size]
	b := dst[off:]

	order.PutUint32(b[offMagic:], Magic)
	order.PutUint16(b[offVersion:], Version)
	b[offType] = byte(m.Type)
	b[offCredits] = m.Credits
	order.PutUint32(b[offNob:], uint32(size))
	order.PutUint32(b[offChecksum:], 0)
	order.PutUint64(b[offSrcNID:], uint64(m.SrcNID))
	order.PutUint64(b[offSrcStamp:], uint64(m.SrcStamp))
	order.PutUint64(b[offDstNID:], uint64(m.DstNID))
	order.PutUint64(b[offDstStamp:], uint64(m.DstStamp))
	order.PutUint64(b[offSeq:], m.Seq)

	body := b[HeaderSize:]
	switch m.Type {
	case MsgTypeImmediate:
		copy(body, m.Immediate.Header[:])
		copy(body[UpperHeaderSize:], m.Immediate.Payload)
	case MsgTypePut, MsgTypeGet:
		copy(body, m.RDMA.Header[:])
		order.PutUint64(body[UpperHeaderSize:], uint64(m.RDMA.MatchBits))
		order.PutUint32(body[UpperHeaderSize+8:], uint32(len(m.RDMA.Fragments)))
		for i, f := range m.RDMA.Fragments {
			order.PutUint32(body[rdmaFixedSize+4*i:], f)
		}
	case MsgTypeHello:
		order.PutUint64(body, uint64(m.Hello.MatchBits))
		order.PutUint32(body[8:], m.Hello.MaxMsgSize)
		order.PutUint32(body[12:], 0)
	case MsgTypeNoop:
	default:
		return dst[:off], errors.Wrapf(ErrBadType, "type %d", m.Type)
	}

	if c.Checksum {
		order.PutUint32(b[offChecksum:], Checksum(b))
	}

	return dst, nil
}

// Checksum computes the checksum of the encoded message, reading its checksum field as zero.
// Zero means "no checksum" on the wire, so it is never returned.
func Checksum(b []byte) uint32 {
	var sum uint32
	for i, c := range b {
		if i >= offChecksum && i < offChecksum+4 {
			c = 0
		}
		sum = bits.RotateLeft32(sum, 1) + uint32(c)
	}
	if sum == 0 {
		return 1
	}
	return sum
}

// Decode validates the message received in b and returns it in host representation.
// Decode never modifies b. Immediate payload of the returned message aliases b.
func Decode(b []byte) (*Message, error) {
	if len(b) < minSize {
		return nil, errors.Wrapf(ErrShortMessage, "%d bytes received", len(b))
	}

	var order binary.ByteOrder
	switch {
	case binary.LittleEndian.Uint32(b[offMagic:]) == Magic:
		order = binary.LittleEndian
	case binary.BigEndian.Uint32(b[offMagic:]) == Magic:
		order = binary.BigEndian
	default:
		return nil, errors.Wrapf(ErrBadMagic, "%08x", binary.LittleEndian.Uint32(b[offMagic:]))
	}

	if v := order.Uint16(b[offVersion:]); v != Version {
		return nil, errors.Wrapf(ErrBadVersion, "got %d, expected %d", v, Version)
	}

	if len(b) < HeaderSize {
		return nil, errors.Wrapf(ErrShortMessage, "got %d bytes, header needs %d", len(b), HeaderSize)
	}

	nob := order.Uint32(b[offNob:])
	if int64(nob) != int64(len(b)) {
		return nil, errors.Wrapf(ErrLengthMismatch, "got %d bytes, header declares %d", len(b), nob)
	}

	if cksum := order.Uint32(b[offChecksum:]); cksum != 0 && cksum != Checksum(b) {
		return nil, errors.WithStack(ErrBadChecksum)
	}

	m := &Message{
		Header: Header{
			Type:     MsgType(b[offType]),
			Credits:  b[offCredits],
			Nob:      nob,
			Checksum: order.Uint32(b[offChecksum:]),
			SrcNID:   NID(order.Uint64(b[offSrcNID:])),
			SrcStamp: Stamp(order.Uint64(b[offSrcStamp:])),
			DstNID:   NID(order.Uint64(b[offDstNID:])),
			DstStamp: Stamp(order.Uint64(b[offDstStamp:])),
			Seq:      order.Uint64(b[offSeq:]),
		},
	}

	body := b[HeaderSize:]
	switch m.Type {
	case MsgTypeImmediate:
		if len(body) < UpperHeaderSize {
			return nil, errors.Wrapf(ErrShortMessage, "immediate body of %d bytes", len(body))
		}
		copy(m.Immediate.Header[:], body)
		m.Immediate.Payload = body[UpperHeaderSize:]
	case MsgTypePut, MsgTypeGet:
		if len(body) < rdmaFixedSize {
			return nil, errors.Wrapf(ErrShortMessage, "rdma body of %d bytes", len(body))
		}
		copy(m.RDMA.Header[:], body)
		m.RDMA.MatchBits = MatchBits(order.Uint64(body[UpperHeaderSize:]))
		nFrags := int64(order.Uint32(body[UpperHeaderSize+8:]))
		if int64(len(body)) != rdmaFixedSize+4*nFrags {
			return nil, errors.Wrapf(ErrLengthMismatch, "rdma body of %d bytes for %d fragments", len(body), nFrags)
		}
		m.RDMA.Fragments = make([]uint32, nFrags)
		for i := range m.RDMA.Fragments {
			m.RDMA.Fragments[i] = order.Uint32(body[rdmaFixedSize+4*i:])
		}
	case MsgTypeHello:
		if len(body) != HelloBodySize {
			return nil, errors.Wrapf(ErrShortMessage, "hello body of %d bytes", len(body))
		}
		m.Hello.MatchBits = MatchBits(order.Uint64(body))
		m.Hello.MaxMsgSize = order.Uint32(body[8:])
	case MsgTypeNoop:
		if len(body) != 0 {
			return nil, errors.Wrapf(ErrLengthMismatch, "noop body of %d bytes", len(body))
		}
	default:
		return nil, errors.Wrapf(ErrBadType, "type %d", m.Type)
	}

	if m.SrcNID == NIDAny {
		return nil, errors.WithStack(ErrBadSource)
	}

	return m, nil
}
