package lnd

import (
	"math"
	"time"

	"github.com/pkg/errors"

	"github.com/outofforest/lnd/wire"
)

// Config is the configuration of the transport.
type Config struct {
	// MaxMsgSize is the largest message accepted by posted receive buffers.
	MaxMsgSize int

	// PeerCredits is the number of messages the peer may have in flight towards us.
	PeerCredits int

	// CreditHighWater is the number of owed credits causing an explicit credit return. PeerCredits-1 if zero.
	CreditHighWater int

	// NTx is the number of transmit descriptors.
	NTx int

	// MaxFragments is the maximum number of payload fragments of the message.
	MaxFragments int

	// ConcurrentPeers is the maximum number of peers receive buffers are provisioned for.
	ConcurrentPeers int

	// BufferSize is the size of each posted receive buffer.
	BufferSize int

	// BufferSpares is the number of additional message slots provisioned in receive buffers.
	BufferSpares int

	// Checksum enables message checksums.
	Checksum bool

	// Schedulers is the number of scheduler workers.
	Schedulers int

	// Resched is the number of work items processed by the worker before it yields.
	Resched int

	// PollTimeout is the time the poller waits for fabric events.
	PollTimeout time.Duration

	// ShutdownPoll is the interval of checking if all the peers are gone during shutdown.
	ShutdownPoll time.Duration
}

// DefaultConfig returns default configuration.
func DefaultConfig() Config {
	return Config{
		MaxMsgSize:      4096,
		PeerCredits:     8,
		NTx:             256,
		MaxFragments:    256,
		ConcurrentPeers: 1152,
		BufferSize:      64 * 1024,
		BufferSpares:    256,
		Schedulers:      2,
		Resched:         100,
		PollTimeout:     100 * time.Millisecond,
		ShutdownPoll:    time.Second,
	}
}

// Validate verifies the configuration.
func (c Config) Validate() error {
	switch {
	case c.PeerCredits < 2 || c.PeerCredits > math.MaxUint8:
		return errors.Errorf("peer credits must be in range [2, %d], %d given", math.MaxUint8, c.PeerCredits)
	case c.CreditHighWater < 0 || c.CreditHighWater > c.PeerCredits:
		return errors.Errorf("credit high water mark must be in range [0, %d], %d given", c.PeerCredits,
			c.CreditHighWater)
	case c.MaxFragments < 1:
		return errors.Errorf("max fragments must be positive, %d given", c.MaxFragments)
	case c.MaxMsgSize < wire.RDMASize(c.MaxFragments) || c.MaxMsgSize > math.MaxUint32:
		return errors.Errorf("max message size must be in range [%d, %d], %d given", wire.RDMASize(c.MaxFragments),
			uint32(math.MaxUint32), c.MaxMsgSize)
	case c.BufferSize < c.MaxMsgSize:
		return errors.Errorf("buffer of %d bytes can't hold message of %d bytes", c.BufferSize, c.MaxMsgSize)
	case c.BufferSpares < 0:
		return errors.Errorf("buffer spares can't be negative, %d given", c.BufferSpares)
	case c.NTx < 1:
		return errors.Errorf("number of transmit descriptors must be positive, %d given", c.NTx)
	case c.ConcurrentPeers < 1:
		return errors.Errorf("number of concurrent peers must be positive, %d given", c.ConcurrentPeers)
	case c.Schedulers < 1:
		return errors.Errorf("number of schedulers must be positive, %d given", c.Schedulers)
	case c.Resched < 1:
		return errors.Errorf("resched must be positive, %d given", c.Resched)
	case c.PollTimeout <= 0:
		return errors.Errorf("poll timeout must be positive, %s given", c.PollTimeout)
	case c.ShutdownPoll <= 0:
		return errors.Errorf("shutdown poll must be positive, %s given", c.ShutdownPoll)
	}
	return nil
}

func (c Config) highWater() int {
	if c.CreditHighWater == 0 {
		return max(c.PeerCredits-1, 1)
	}
	return c.CreditHighWater
}

// msgsPerBuffer returns the number of max-size messages every posted buffer holds.
func (c Config) msgsPerBuffer() int {
	return c.BufferSize / c.MaxMsgSize
}
