package lnd

import (
	"time"

	"github.com/samber/lo"

	"github.com/outofforest/lnd/wire"
)

// newStamp returns the incarnation stamp of this transport instance.
func newStamp() wire.Stamp {
	return wire.Stamp(time.Now().UnixMicro())
}

func payloadLength(frags [][]byte) int {
	return lo.SumBy(frags, func(f []byte) int { return len(f) })
}

func fragmentLengths(frags [][]byte) []uint32 {
	return lo.Map(frags, func(f []byte, _ int) uint32 { return uint32(len(f)) })
}

func fragmentsLength(frags []uint32) int {
	return lo.SumBy(frags, func(f uint32) int { return int(f) })
}

// copyToFragments copies data into fragments and returns the number of bytes copied.
func copyToFragments(frags [][]byte, data []byte) int {
	var n int
	for _, f := range frags {
		if n == len(data) {
			break
		}
		n += copy(f, data[n:])
	}
	return n
}

// flatten appends all the fragments to dst.
func flatten(dst []byte, frags [][]byte) []byte {
	for _, f := range frags {
		dst = append(dst, f...)
	}
	return dst
}
