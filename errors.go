package lnd

import (
	"testing"

	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// Transport errors.
var (
	// ErrProtocol is reported for messages violating the transport protocol.
	ErrProtocol = errors.New("protocol error")

	// ErrResourceExhausted is returned when no more peers can be provisioned.
	ErrResourceExhausted = errors.New("resources exhausted")

	// ErrNoDescriptors is returned when all transmit descriptors are in use.
	ErrNoDescriptors = errors.New("no free descriptors")

	// ErrTransfer is reported when the fabric failed the transfer.
	ErrTransfer = errors.New("transfer failed")

	// ErrIncompatibleFragments is reported when local and remote fragments of RDMA transfer don't match.
	ErrIncompatibleFragments = errors.New("incompatible fragments")

	// ErrShortTransfer is reported when remote side transferred less data than advertised.
	ErrShortTransfer = errors.New("short transfer")

	// ErrRejected is reported when the peer couldn't provide data requested by GET.
	ErrRejected = errors.New("transfer rejected by peer")

	// ErrShutdown is reported for messages of closed peers and stopped transport.
	ErrShutdown = errors.New("shutdown")

	// ErrInvariant is reported when internal bookkeeping is broken.
	ErrInvariant = errors.New("invariant violated")
)

// closesPeer tells if the final status of the tx makes the peer unusable.
func closesPeer(err error) bool {
	switch {
	case err == nil,
		errors.Is(err, ErrShutdown),
		errors.Is(err, ErrIncompatibleFragments),
		errors.Is(err, ErrShortTransfer),
		errors.Is(err, ErrRejected):
		return false
	default:
		return true
	}
}

// invariant reports broken bookkeeping. Tests stop immediately, otherwise only the affected operation is aborted.
func (t *Transport) invariant(format string, args ...any) error {
	err := errors.Wrapf(ErrInvariant, format, args...)
	if testing.Testing() {
		panic(err)
	}
	t.logger().Error("Invariant violated", zap.Error(err))
	return err
}
