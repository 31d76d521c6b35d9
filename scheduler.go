package lnd

import (
	"context"
	"runtime"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/outofforest/lnd/fabric"
)

type delayedTx struct {
	tx *tx
	id uint64
}

// delayQueue keeps the txs waiting for fabric resources. Pushing never blocks.
type delayQueue struct {
	signal chan struct{}

	mu     sync.Mutex
	closed bool
	queue  []delayedTx
	timers map[*time.Timer]struct{}
}

func newDelayQueue() *delayQueue {
	return &delayQueue{
		signal: make(chan struct{}, 1),
		timers: map[*time.Timer]struct{}{},
	}
}

func (q *delayQueue) push(d delayedTx) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return
	}
	q.queue = append(q.queue, d)
	select {
	case q.signal <- struct{}{}:
	default:
	}
}

// pushAfter pushes the tx once the timeout elapses.
func (q *delayQueue) pushAfter(d delayedTx, timeout time.Duration) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return
	}
	var timer *time.Timer
	timer = time.AfterFunc(timeout, func() {
		q.mu.Lock()
		delete(q.timers, timer)
		q.mu.Unlock()

		q.push(d)
	})
	q.timers[timer] = struct{}{}
}

func (q *delayQueue) take() []delayedTx {
	q.mu.Lock()
	defer q.mu.Unlock()

	queue := q.queue
	q.queue = nil
	return queue
}

// close stops pending timers and drops all the txs. Txs left delayed are aborted by the shutdown.
func (q *delayQueue) close() {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.closed = true
	for timer := range q.timers {
		timer.Stop()
	}
	q.timers = nil
	q.queue = nil
}

// delay queues the tx to be launched again when the fabric has resources. Tx must be locked.
func (t *Transport) delay(tx *tx) {
	tx.state = txDelayed
	t.delayed.push(delayedTx{tx: tx, id: tx.id})
}

func (t *Transport) relaunch(d delayedTx) {
	tx := d.tx

	tx.mu.Lock()
	if tx.id != d.id || tx.state != txDelayed {
		tx.mu.Unlock()
		return
	}
	tx.state = txSending
	err := t.issue(tx)
	switch {
	case err == nil:
		t.stats.sent.Add(1)
	case errors.Is(err, fabric.ErrNoResources):
		tx.state = txDelayed
	default:
		tx.state = txFinalizing
		tx.status = errors.Wrapf(ErrTransfer, "launching %s to %s: %s", tx.typ, tx.peer.nid, err)
	}
	tx.mu.Unlock()

	switch {
	case err == nil:
	case errors.Is(err, fabric.ErrNoResources):
		t.delayed.pushAfter(d, t.config.PollTimeout)
	default:
		t.txDone(tx)
	}
}

func (t *Transport) runPoller(ctx context.Context) error {
	for {
		events, err := t.fabric.Poll(ctx, t.config.PollTimeout)
		if err != nil {
			if ctx.Err() != nil {
				return errors.WithStack(ctx.Err())
			}
			return err
		}

		for _, ev := range events {
			var ch chan<- fabric.Event
			switch ev.Tag.Kind {
			case fabric.TagTx:
				ch = t.txEvents
			case fabric.TagRx:
				ch = t.rxEvents
			default:
				t.logger().Warn("Event with unknown tag dropped", zap.Stringer("event", ev.Kind))
				continue
			}

			select {
			case <-ctx.Done():
				return errors.WithStack(ctx.Err())
			case ch <- ev:
			}
		}
	}
}

func (t *Transport) runScheduler(ctx context.Context) error {
	var n int
	for {
		select {
		case <-ctx.Done():
			return errors.WithStack(ctx.Err())
		case ev := <-t.rxEvents:
			t.handleRxEvent(ctx, ev)
		case ev := <-t.txEvents:
			t.handleTxEvent(ev)
		case <-t.delayed.signal:
			for _, d := range t.delayed.take() {
				t.relaunch(d)
			}
		}

		n++
		if n >= t.config.Resched {
			n = 0
			runtime.Gosched()
		}
	}
}
