package fabric

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/samber/lo"

	"github.com/outofforest/lnd/wire"
)

type regionKey struct {
	Peer  wire.NID
	Match wire.MatchBits
}

type memory struct {
	tag     Tag
	frags   [][]byte
	size    int
	maxSize int
	offset  int
	posted  bool
	region  *regionKey
	access  Access
}

// Local keeps the state of the local network interface: registered memory, posted receive buffers,
// advertised regions and the event queue. Backends embed it and move bytes between Locals of different nodes.
type Local struct {
	nid wire.NID

	mu         sync.Mutex
	lastHandle Handle
	memory     map[Handle]*memory
	posted     []Handle
	regions    map[regionKey]Handle
	events     []Event
	signal     chan struct{}
	closed     bool
}

// NewLocal creates local interface state.
func NewLocal(nid wire.NID) *Local {
	return &Local{
		nid:     nid,
		memory:  map[Handle]*memory{},
		regions: map[regionKey]Handle{},
		signal:  make(chan struct{}, 1),
	}
}

// NID returns the local endpoint ID.
func (l *Local) NID() wire.NID {
	return l.nid
}

// Register registers memory fragments.
func (l *Local) Register(tag Tag, frags [][]byte) (Handle, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return InvalidHandle, errors.WithStack(ErrClosed)
	}

	l.lastHandle++
	l.memory[l.lastHandle] = &memory{
		tag:   tag,
		frags: slices.Clone(frags),
		size:  lo.SumBy(frags, func(f []byte) int { return len(f) }),
	}
	return l.lastHandle, nil
}

// Unregister detaches the memory and drops its queued events.
func (l *Local) Unregister(h Handle) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	m, exists := l.memory[h]
	if !exists {
		return errors.Wrapf(ErrUnknownHandle, "handle %d", h)
	}
	delete(l.memory, h)

	if m.posted {
		l.posted = slices.DeleteFunc(l.posted, func(h2 Handle) bool { return h2 == h })
	}
	if m.region != nil {
		delete(l.regions, *m.region)
	}
	l.events = slices.DeleteFunc(l.events, func(ev Event) bool { return ev.Handle == h })

	return nil
}

// PostReceive posts contiguous memory for incoming messages.
func (l *Local) PostReceive(h Handle, maxSize int) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	m, err := l.get(h)
	if err != nil {
		return err
	}
	if len(m.frags) != 1 {
		return errors.Errorf("posted memory must be contiguous, %d fragments given", len(m.frags))
	}
	if maxSize <= 0 || maxSize > m.size {
		return errors.Errorf("invalid max message size %d for buffer of %d bytes", maxSize, m.size)
	}

	m.maxSize = maxSize
	m.offset = 0
	if !m.posted {
		m.posted = true
		l.posted = append(l.posted, h)
	}
	return nil
}

// Advertise exposes the memory to the peer under the match bits.
func (l *Local) Advertise(h Handle, peer wire.NID, match wire.MatchBits, access Access) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	m, err := l.get(h)
	if err != nil {
		return err
	}

	key := regionKey{Peer: peer, Match: match}
	if _, exists := l.regions[key]; exists {
		return errors.Errorf("match bits %x already advertised to %s", match, peer)
	}
	if m.region != nil {
		delete(l.regions, *m.region)
	}
	l.regions[key] = h
	m.region = &key
	m.access = access
	return nil
}

// Size returns the size of the registered memory.
func (l *Local) Size(h Handle) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	m, err := l.get(h)
	if err != nil {
		return 0, err
	}
	return m.size, nil
}

// Gather returns a copy of the registered memory.
func (l *Local) Gather(h Handle) ([]byte, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	m, err := l.get(h)
	if err != nil {
		return nil, err
	}
	return gather(m.frags, m.size), nil
}

// DeliverMessage stores the incoming message in the first posted receive buffer.
func (l *Local) DeliverMessage(from wire.NID, data []byte) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return errors.WithStack(ErrClosed)
	}
	if len(l.posted) == 0 {
		return errors.Wrap(ErrNoResources, "no posted buffers")
	}

	h := l.posted[0]
	m := l.memory[h]
	if len(data) > m.maxSize {
		return errors.Wrapf(ErrTooLarge, "message of %d bytes, limit is %d", len(data), m.maxSize)
	}

	copy(m.frags[0][m.offset:], data)
	ev := Event{
		Kind:      EventPutDone,
		Tag:       m.tag,
		Handle:    h,
		Initiator: from,
		Offset:    m.offset,
		Length:    len(data),
	}
	m.offset += len(data)
	if m.size-m.offset < m.maxSize {
		m.posted = false
		l.posted = l.posted[1:]
		ev.Unlinked = true
	}
	l.push(ev)

	return nil
}

// DeliverPut writes data into the memory advertised to the initiator for remote writes.
func (l *Local) DeliverPut(from wire.NID, match wire.MatchBits, hdrData uint64, data []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	h, m, err := l.takeRegion(from, match, AccessPut)
	if err != nil {
		return 0, err
	}

	n := scatter(m.frags, data)
	l.push(Event{
		Kind:      EventPutDone,
		Tag:       m.tag,
		Handle:    h,
		Initiator: from,
		Length:    n,
		HdrData:   hdrData,
		Unlinked:  true,
	})
	return n, nil
}

// ServeGet returns up to maxLen bytes of the memory advertised to the initiator for remote reads.
func (l *Local) ServeGet(from wire.NID, match wire.MatchBits, maxLen int) ([]byte, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	h, m, err := l.takeRegion(from, match, AccessGet)
	if err != nil {
		return nil, err
	}

	data := gather(m.frags, maxLen)
	l.push(Event{
		Kind:      EventGetDone,
		Tag:       m.tag,
		Handle:    h,
		Initiator: from,
		Length:    len(data),
		Unlinked:  true,
	})
	return data, nil
}

// CompleteRead stores data received by the remote read and reports its completion.
func (l *Local) CompleteRead(h Handle, from wire.NID, data []byte, err error) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	m, err2 := l.get(h)
	if err2 != nil {
		return err2
	}

	ev := Event{
		Kind:      EventReplyDone,
		Tag:       m.tag,
		Handle:    h,
		Initiator: from,
		Unlinked:  true,
		Err:       err,
	}
	if err == nil {
		ev.Length = scatter(m.frags, data)
	}
	l.push(ev)
	return nil
}

// Complete reports completion of the operation executed on the memory.
func (l *Local) Complete(h Handle, kind EventKind, length int, err error) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	m, err2 := l.get(h)
	if err2 != nil {
		return err2
	}

	l.push(Event{
		Kind:      kind,
		Tag:       m.tag,
		Handle:    h,
		Initiator: l.nid,
		Length:    length,
		Unlinked:  true,
		Err:       err,
	})
	return nil
}

// Push queues the event as is.
func (l *Local) Push(ev Event) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.push(ev)
}

// Poll returns queued events, waiting up to timeout for the first one.
func (l *Local) Poll(ctx context.Context, timeout time.Duration) ([]Event, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		l.mu.Lock()
		if len(l.events) > 0 {
			events := l.events
			l.events = nil
			l.mu.Unlock()
			return events, nil
		}
		closed := l.closed
		l.mu.Unlock()

		if closed {
			return nil, errors.WithStack(ErrClosed)
		}

		select {
		case <-ctx.Done():
			return nil, errors.WithStack(ctx.Err())
		case <-timer.C:
			return nil, nil
		case <-l.signal:
		}
	}
}

// Close releases all the memory and wakes up the poller.
func (l *Local) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.closed = true
	clear(l.memory)
	clear(l.regions)
	l.posted = nil
	l.events = nil
	l.wake()
	return nil
}

func (l *Local) get(h Handle) (*memory, error) {
	m, exists := l.memory[h]
	if !exists {
		return nil, errors.Wrapf(ErrUnknownHandle, "handle %d", h)
	}
	return m, nil
}

func (l *Local) takeRegion(from wire.NID, match wire.MatchBits, access Access) (Handle, *memory, error) {
	key := regionKey{Peer: from, Match: match}
	h, exists := l.regions[key]
	if !exists {
		return InvalidHandle, nil, errors.Wrapf(ErrNoMatch, "match bits %x from %s", match, from)
	}
	m := l.memory[h]
	if m.access != access {
		return InvalidHandle, nil, errors.Wrapf(ErrNoMatch, "match bits %x from %s: access denied", match, from)
	}

	delete(l.regions, key)
	m.region = nil
	return h, m, nil
}

func (l *Local) push(ev Event) {
	l.events = append(l.events, ev)
	l.wake()
}

func (l *Local) wake() {
	select {
	case l.signal <- struct{}{}:
	default:
	}
}

func gather(frags [][]byte, maxLen int) []byte {
	data := make([]byte, 0, maxLen)
	for _, f := range frags {
		if len(data)+len(f) > maxLen {
			f = f[:maxLen-len(data)]
		}
		data = append(data, f...)
		if len(data) == maxLen {
			break
		}
	}
	return data
}

func scatter(frags [][]byte, data []byte) int {
	var n int
	for _, f := range frags {
		if n == len(data) {
			break
		}
		n += copy(f, data[n:])
	}
	return n
}
