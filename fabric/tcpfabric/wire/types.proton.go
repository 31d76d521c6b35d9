package wire

import (
	"reflect"
	"unsafe"

	"github.com/outofforest/proton"
	"github.com/outofforest/proton/helpers"
	"github.com/pkg/errors"
)

const (
	id4 uint64 = iota + 1
	id3
	id2
	id1
	id0
)

var _ proton.Marshaller = Marshaller{}

// NewMarshaller creates marshaller.
func NewMarshaller() Marshaller {
	return Marshaller{}
}

// Marshaller marshals and unmarshals messages.
type Marshaller struct {
}

// Messages returns list of the message types supported by marshaller.
func (m Marshaller) Messages() []any {
	return []any {
		Hello{},
		Message{},
		Put{},
		Get{},
		Reply{},
	}
}

// ID returns ID of message type.
func (m Marshaller) ID(msg any) (uint64, error) {
	switch msg.(type) {
	case *Hello:
		return id4, nil
	case *Message:
		return id3, nil
	case *Put:
		return id2, nil
	case *Get:
		return id1, nil
	case *Reply:
		return id0, nil
	default:
		return 0, errors.Errorf("unknown message type %T", msg)
	}
}

// Size computes the size of marshalled message.
func (m Marshaller) Size(msg any) (uint64, error) {
	switch msg2 := msg.(type) {
	case *Hello:
		return size4(msg2), nil
	case *Message:
		return size3(msg2), nil
	case *Put:
		return size2(msg2), nil
	case *Get:
		return size1(msg2), nil
	case *Reply:
		return size0(msg2), nil
	default:
		return 0, errors.Errorf("unknown message type %T", msg)
	}
}

// Marshal marshals message.
func (m Marshaller) Marshal(msg any, buf []byte) (retID, retSize uint64, retErr error) {
	defer helpers.RecoverMarshal(&retErr)

	switch msg2 := msg.(type) {
	case *Hello:
		return id4, marshal4(msg2, buf), nil
	case *Message:
		return id3, marshal3(msg2, buf), nil
	case *Put:
		return id2, marshal2(msg2, buf), nil
	case *Get:
		return id1, marshal1(msg2, buf), nil
	case *Reply:
		return id0, marshal0(msg2, buf), nil
	default:
		return 0, 0, errors.Errorf("unknown message type %T", msg)
	}
}

// Unmarshal unmarshals message.
func (m Marshaller) Unmarshal(id uint64, buf []byte) (retMsg any, retSize uint64, retErr error) {
	defer helpers.RecoverUnmarshal(&retErr)

	switch id {
	case id4:
		msg := &Hello{}
		return msg, unmarshal4(msg, buf), nil
	case id3:
		msg := &Message{}
		return msg, unmarshal3(msg, buf), nil
	case id2:
		msg := &Put{}
		return msg, unmarshal2(msg, buf), nil
	case id1:
		msg := &Get{}
		return msg, unmarshal1(msg, buf), nil
	case id0:
		msg := &Reply{}
		return msg, unmarshal0(msg, buf), nil
	default:
		return nil, 0, errors.Errorf("unknown ID %d", id)
	}
}

// MakePatch creates a patch.
func (m Marshaller) MakePatch(msgDst, msgSrc any, buf []byte) (retID, retSize uint64, retErr error) {
	defer helpers.RecoverMakePatch(&retErr)

	switch msg2 := msgDst.(type) {
	case *Hello:
		return id4, makePatch4(msg2, msgSrc.(*Hello), buf), nil
	case *Message:
		return id3, makePatch3(msg2, msgSrc.(*Message), buf), nil
	case *Put:
		return id2, makePatch2(msg2, msgSrc.(*Put), buf), nil
	case *Get:
		return id1, makePatch1(msg2, msgSrc.(*Get), buf), nil
	case *Reply:
		return id0, makePatch0(msg2, msgSrc.(*Reply), buf), nil
	default:
		return 0, 0, errors.Errorf("unknown message type %T", msgDst)
	}
}

// ApplyPatch applies patch.
func (m Marshaller) ApplyPatch(msg any, buf []byte) (retSize uint64, retErr error) {
	defer helpers.RecoverApplyPatch(&retErr)

	switch msg2 := msg.(type) {
	case *Hello:
		return applyPatch4(msg2, buf), nil
	case *Message:
		return applyPatch3(msg2, buf), nil
	case *Put:
		return applyPatch2(msg2, buf), nil
	case *Get:
		return applyPatch1(msg2, buf), nil
	case *Reply:
		return applyPatch0(msg2, buf), nil
	default:
		return 0, errors.Errorf("unknown message type %T", msg)
	}
}

func size0(m *Reply) uint64 {
	var n uint64 = 3
	{
		// Cookie

		helpers.UInt64Size(m.Cookie, &n)
	}
	{
		// Error

		{
			l := uint64(len(m.Error))
			helpers.UInt64Size(l, &n)
			n += l
		}
	}
	{
		// Data

		l := uint64(len(m.Data))
		helpers.UInt64Size(l, &n)
		n += l
	}
	return n
}

func marshal0(m *Reply, b []byte) uint64 {
	var o uint64
	{
		// Cookie

		helpers.UInt64Marshal(m.Cookie, b, &o)
	}
	{
		// Error

		{
			l := uint64(len(m.Error))
			helpers.UInt64Marshal(l, b, &o)
			copy(b[o:o+l], m.Error)
			o += l
		}
	}
	{
		// Data

		l := uint64(len(m.Data))
		helpers.UInt64Marshal(l, b, &o)
		if l > 0 {
			copy(b[o:o+l], unsafe.Slice(&m.Data[0], l))
			o += l
		}
	}

	return o
}

func unmarshal0(m *Reply, b []byte) uint64 {
	var o uint64
	{
		// Cookie

		helpers.UInt64Unmarshal(&m.Cookie, b, &o)
	}
	{
		// Error

		{
			var l uint64
			helpers.UInt64Unmarshal(&l, b, &o)
			if l > 0 {
				m.Error = string(b[o:o+l])
				o += l
			}
		}
	}
	{
		// Data

		var l uint64
		helpers.UInt64Unmarshal(&l, b, &o)
		if l > 0 {
			m.Data = make([]uint8, l)
			copy(m.Data, b[o:o+l])
			o += l
		}
	}

	return o
}

func makePatch0(m, mSrc *Reply, b []byte) uint64 {
	var o uint64 = 1
	{
		// Cookie

		if reflect.DeepEqual(m.Cookie, mSrc.Cookie) {
			b[0] &= 0xFE
		} else {
			b[0] |= 0x01
			helpers.UInt64Marshal(m.Cookie, b, &o)
		}
	}
	{
		// Error

		if reflect.DeepEqual(m.Error, mSrc.Error) {
			b[0] &= 0xFD
		} else {
			b[0] |= 0x02
			{
				l := uint64(len(m.Error))
				helpers.UInt64Marshal(l, b, &o)
				copy(b[o:o+l], m.Error)
				o += l
			}
		}
	}
	{
		// Data

		if reflect.DeepEqual(m.Data, mSrc.Data) {
			b[0] &= 0xFB
		} else {
			b[0] |= 0x04
			l := uint64(len(m.Data))
			helpers.UInt64Marshal(l, b, &o)
			if l > 0 {
				copy(b[o:o+l], unsafe.Slice(&m.Data[0], l))
				o += l
			}
		}
	}

	return o
}

func applyPatch0(m *Reply, b []byte) uint64 {
	var o uint64 = 1
	{
		// Cookie

		if b[0]&0x01 != 0 {
			helpers.UInt64Unmarshal(&m.Cookie, b, &o)
		}
	}
	{
		// Error

		if b[0]&0x02 != 0 {
			{
				var l uint64
				helpers.UInt64Unmarshal(&l, b, &o)
				if l > 0 {
					m.Error = string(b[o:o+l])
					o += l
				}
			}
		}
	}
	{
		// Data

		if b[0]&0x04 != 0 {
			var l uint64
			helpers.UInt64Unmarshal(&l, b, &o)
			if l > 0 {
				m.Data = make([]uint8, l)
				copy(m.Data, b[o:o+l])
				o += l
			}
		}
	}

	return o
}

func size1(m *Get) uint64 {
	var n uint64 = 3
	{
		// Cookie

		helpers.UInt64Size(m.Cookie, &n)
	}
	{
		// Match

		helpers.UInt64Size(m.Match, &n)
	}
	{
		// Length

		helpers.UInt64Size(m.Length, &n)
	}
	return n
}

func marshal1(m *Get, b []byte) uint64 {
	var o uint64
	{
		// Cookie

		helpers.UInt64Marshal(m.Cookie, b, &o)
	}
	{
		// Match

		helpers.UInt64Marshal(m.Match, b, &o)
	}
	{
		// Length

		helpers.UInt64Marshal(m.Length, b, &o)
	}

	return o
}

func unmarshal1(m *Get, b []byte) uint64 {
	var o uint64
	{
		// Cookie

		helpers.UInt64Unmarshal(&m.Cookie, b, &o)
	}
	{
		// Match

		helpers.UInt64Unmarshal(&m.Match, b, &o)
	}
	{
		// Length

		helpers.UInt64Unmarshal(&m.Length, b, &o)
	}

	return o
}

func makePatch1(m, mSrc *Get, b []byte) uint64 {
	var o uint64 = 1
	{
		// Cookie

		if reflect.DeepEqual(m.Cookie, mSrc.Cookie) {
			b[0] &= 0xFE
		} else {
			b[0] |= 0x01
			helpers.UInt64Marshal(m.Cookie, b, &o)
		}
	}
	{
		// Match

		if reflect.DeepEqual(m.Match, mSrc.Match) {
			b[0] &= 0xFD
		} else {
			b[0] |= 0x02
			helpers.UInt64Marshal(m.Match, b, &o)
		}
	}
	{
		// Length

		if reflect.DeepEqual(m.Length, mSrc.Length) {
			b[0] &= 0xFB
		} else {
			b[0] |= 0x04
			helpers.UInt64Marshal(m.Length, b, &o)
		}
	}

	return o
}

func applyPatch1(m *Get, b []byte) uint64 {
	var o uint64 = 1
	{
		// Cookie

		if b[0]&0x01 != 0 {
			helpers.UInt64Unmarshal(&m.Cookie, b, &o)
		}
	}
	{
		// Match

		if b[0]&0x02 != 0 {
			helpers.UInt64Unmarshal(&m.Match, b, &o)
		}
	}
	{
		// Length

		if b[0]&0x04 != 0 {
			helpers.UInt64Unmarshal(&m.Length, b, &o)
		}
	}

	return o
}

func size2(m *Put) uint64 {
	var n uint64 = 3
	{
		// Match

		helpers.UInt64Size(m.Match, &n)
	}
	{
		// HdrData

		helpers.UInt64Size(m.HdrData, &n)
	}
	{
		// Data

		l := uint64(len(m.Data))
		helpers.UInt64Size(l, &n)
		n += l
	}
	return n
}

func marshal2(m *Put, b []byte) uint64 {
	var o uint64
	{
		// Match

		helpers.UInt64Marshal(m.Match, b, &o)
	}
	{
		// HdrData

		helpers.UInt64Marshal(m.HdrData, b, &o)
	}
	{
		// Data

		l := uint64(len(m.Data))
		helpers.UInt64Marshal(l, b, &o)
		if l > 0 {
			copy(b[o:o+l], unsafe.Slice(&m.Data[0], l))
			o += l
		}
	}

	return o
}

func unmarshal2(m *Put, b []byte) uint64 {
	var o uint64
	{
		// Match

		helpers.UInt64Unmarshal(&m.Match, b, &o)
	}
	{
		// HdrData

		helpers.UInt64Unmarshal(&m.HdrData, b, &o)
	}
	{
		// Data

		var l uint64
		helpers.UInt64Unmarshal(&l, b, &o)
		if l > 0 {
			m.Data = make([]uint8, l)
			copy(m.Data, b[o:o+l])
			o += l
		}
	}

	return o
}

func makePatch2(m, mSrc *Put, b []byte) uint64 {
	var o uint64 = 1
	{
		// Match

		if reflect.DeepEqual(m.Match, mSrc.Match) {
			b[0] &= 0xFE
		} else {
			b[0] |= 0x01
			helpers.UInt64Marshal(m.Match, b, &o)
		}
	}
	{
		// HdrData

		if reflect.DeepEqual(m.HdrData, mSrc.HdrData) {
			b[0] &= 0xFD
		} else {
			b[0] |= 0x02
			helpers.UInt64Marshal(m.HdrData, b, &o)
		}
	}
	{
		// Data

		if reflect.DeepEqual(m.Data, mSrc.Data) {
			b[0] &= 0xFB
		} else {
			b[0] |= 0x04
			l := uint64(len(m.Data))
			helpers.UInt64Marshal(l, b, &o)
			if l > 0 {
				copy(b[o:o+l], unsafe.Slice(&m.Data[0], l))
				o += l
			}
		}
	}

	return o
}

func applyPatch2(m *Put, b []byte) uint64 {
	var o uint64 = 1
	{
		// Match

		if b[0]&0x01 != 0 {
			helpers.UInt64Unmarshal(&m.Match, b, &o)
		}
	}
	{
		// HdrData

		if b[0]&0x02 != 0 {
			helpers.UInt64Unmarshal(&m.HdrData, b, &o)
		}
	}
	{
		// Data

		if b[0]&0x04 != 0 {
			var l uint64
			helpers.UInt64Unmarshal(&l, b, &o)
			if l > 0 {
				m.Data = make([]uint8, l)
				copy(m.Data, b[o:o+l])
				o += l
			}
		}
	}

	return o
}

func size3(m *Message) uint64 {
	var n uint64 = 1
	{
		// Data

		l := uint64(len(m.Data))
		helpers.UInt64Size(l, &n)
		n += l
	}
	return n
}

func marshal3(m *Message, b []byte) uint64 {
	var o uint64
	{
		// Data

		l := uint64(len(m.Data))
		helpers.UInt64Marshal(l, b, &o)
		if l > 0 {
			copy(b[o:o+l], unsafe.Slice(&m.Data[0], l))
			o += l
		}
	}

	return o
}

func unmarshal3(m *Message, b []byte) uint64 {
	var o uint64
	{
		// Data

		var l uint64
		helpers.UInt64Unmarshal(&l, b, &o)
		if l > 0 {
			m.Data = make([]uint8, l)
			copy(m.Data, b[o:o+l])
			o += l
		}
	}

	return o
}

func makePatch3(m, mSrc *Message, b []byte) uint64 {
	var o uint64 = 1
	{
		// Data

		if reflect.DeepEqual(m.Data, mSrc.Data) {
			b[0] &= 0xFE
		} else {
			b[0] |= 0x01
			l := uint64(len(m.Data))
			helpers.UInt64Marshal(l, b, &o)
			if l > 0 {
				copy(b[o:o+l], unsafe.Slice(&m.Data[0], l))
				o += l
			}
		}
	}

	return o
}

func applyPatch3(m *Message, b []byte) uint64 {
	var o uint64 = 1
	{
		// Data

		if b[0]&0x01 != 0 {
			var l uint64
			helpers.UInt64Unmarshal(&l, b, &o)
			if l > 0 {
				m.Data = make([]uint8, l)
				copy(m.Data, b[o:o+l])
				o += l
			}
		}
	}

	return o
}

func size4(m *Hello) uint64 {
	var n uint64 = 1
	{
		// NID

		helpers.UInt64Size(m.NID, &n)
	}
	return n
}

func marshal4(m *Hello, b []byte) uint64 {
	var o uint64
	{
		// NID

		helpers.UInt64Marshal(m.NID, b, &o)
	}

	return o
}

func unmarshal4(m *Hello, b []byte) uint64 {
	var o uint64
	{
		// NID

		helpers.UInt64Unmarshal(&m.NID, b, &o)
	}

	return o
}

func makePatch4(m, mSrc *Hello, b []byte) uint64 {
	var o uint64 = 1
	{
		// NID

		if reflect.DeepEqual(m.NID, mSrc.NID) {
			b[0] &= 0xFE
		} else {
			b[0] |= 0x01
			helpers.UInt64Marshal(m.NID, b, &o)
		}
	}

	return o
}

func applyPatch4(m *Hello, b []byte) uint64 {
	var o uint64 = 1
	{
		// NID

		if b[0]&0x01 != 0 {
			helpers.UInt64Unmarshal(&m.NID, b, &o)
		}
	}

	return o
}
