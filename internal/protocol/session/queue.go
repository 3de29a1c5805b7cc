package session

import (
	"container/heap"
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/danmuck/torctl/internal/protocol"
	"github.com/danmuck/torctl/internal/protocol/frame"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

type writeDeadliner interface {
	SetWriteDeadline(t time.Time) error
}

type entry struct {
	id         string
	seq        uint64
	cmd        Command
	data       []byte
	epoch      uint64
	onComplete func(Result)
	reply      chan []protocol.Response
	fail       chan error
	dropped    chan struct{}
	dropOnce   sync.Once
	index      int
}

func (e *entry) drop() {
	e.dropOnce.Do(func() { close(e.dropped) })
}

// entryHeap orders by priority, then by submission order.
type entryHeap []*entry

func (h entryHeap) Len() int { return len(h) }

func (h entryHeap) Less(i, j int) bool {
	if h[i].cmd.Priority != h[j].cmd.Priority {
		return h[i].cmd.Priority > h[j].cmd.Priority
	}
	return h[i].seq < h[j].seq
}

func (h entryHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *entryHeap) Push(x any) {
	e := x.(*entry)
	e.index = len(*h)
	*h = append(*h, e)
}

func (h *entryHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.index = -1
	*h = old[:n-1]
	return e
}

// Call is a handle on one submitted command.
type Call struct {
	ID      string
	done    chan Result
	dropped <-chan struct{}
}

// Wait blocks until the command completes, is dropped, or ctx ends.
// A drop (cancellation, or a timeout under SilentTimeouts) yields ErrCommandDropped.
func (c *Call) Wait(ctx context.Context) ([]protocol.Response, error) {
	select {
	case r := <-c.done:
		return r.Responses, r.Err
	case <-c.dropped:
		select {
		case r := <-c.done:
			return r.Responses, r.Err
		default:
		}
		return nil, ErrCommandDropped
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Queue admits commands into a single in-flight slot. Admission, cancellation
// and suspension are safe from any goroutine; one Run loop owns writes.
type Queue struct {
	cfg Config
	log zerolog.Logger
	obs Observer

	mu        sync.Mutex
	pending   entryHeap
	seq       uint64
	suspended bool
	w         io.Writer
	inflight  *entry
	abort     chan struct{}
	// owed counts replies still due for commands that timed out or were
	// cancelled after their request was written.
	owed int
	// epoch advances whenever the transport is detached.
	epoch uint64

	wake chan struct{}
}

func NewQueue(cfg Config, logger zerolog.Logger, obs Observer) *Queue {
	if obs == nil {
		obs = nopObserver{}
	}
	return &Queue{
		cfg:   cfg.WithDefaults(),
		log:   logger,
		obs:   obs,
		abort: make(chan struct{}),
		wake:  make(chan struct{}, 1),
	}
}

// Submit enqueues cmd. onComplete runs on the queue goroutine at most once and
// must not block on other commands; it never runs for dropped commands. A
// command that cannot be encoded completes with frame.ErrEncoding on the
// calling goroutine before Submit returns.
func (q *Queue) Submit(cmd Command, onComplete func(Result)) string {
	return q.enqueue(cmd, onComplete).id
}

// Go enqueues cmd and returns a handle to wait on.
func (q *Queue) Go(cmd Command) *Call {
	done := make(chan Result, 1)
	e := q.enqueue(cmd, func(r Result) { done <- r })
	return &Call{ID: e.id, done: done, dropped: e.dropped}
}

// Do submits cmd and waits for its replies.
func (q *Queue) Do(ctx context.Context, cmd Command) ([]protocol.Response, error) {
	return q.Go(cmd).Wait(ctx)
}

func (q *Queue) enqueue(cmd Command, onComplete func(Result)) *entry {
	e := &entry{
		id:         uuid.NewString(),
		cmd:        cmd.clone(),
		onComplete: onComplete,
		reply:      make(chan []protocol.Response, 1),
		fail:       make(chan error, 1),
		dropped:    make(chan struct{}),
	}
	data, err := frame.EncodeCommand(e.cmd.Name, e.cmd.Args, e.cmd.Payload)
	if err != nil {
		q.log.Warn().Err(err).Str("id", e.id).Str("command", e.cmd.Name).Msg("command not encodable")
		q.complete(e, Result{Err: err}, OutcomeEncoding, time.Now())
		return e
	}
	e.data = data

	q.mu.Lock()
	q.seq++
	e.seq = q.seq
	heap.Push(&q.pending, e)
	depth := q.pending.Len()
	q.mu.Unlock()

	q.log.Debug().
		Str("id", e.id).
		Str("command", e.cmd.Name).
		Str("priority", e.cmd.Priority.String()).
		Int("depth", depth).
		Msg("command queued")
	q.signal()
	return e
}

// Deliver hands a reply to the command holding the slot. Replies still owed to
// abandoned commands are consumed first, in order. It reports false when the
// reply was discarded.
func (q *Queue) Deliver(lines []protocol.Response) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.owed > 0 {
		q.owed--
		q.log.Debug().Int("lines", len(lines)).Int("owed", q.owed).Msg("late reply discarded")
		return false
	}
	e := q.inflight
	if e == nil {
		return false
	}
	select {
	case e.reply <- lines:
		return true
	default:
		return false
	}
}

// CancelAll discards every queued command and drops the in-flight wait.
// No completion runs for the discarded commands.
func (q *Queue) CancelAll() int {
	q.mu.Lock()
	discarded := q.pending
	q.pending = nil
	close(q.abort)
	q.abort = make(chan struct{})
	q.mu.Unlock()

	for _, e := range discarded {
		e.drop()
	}
	if len(discarded) > 0 {
		q.log.Debug().Int("count", len(discarded)).Msg("queued commands cancelled")
	}
	return len(discarded)
}

// Suspend stops admission without discarding queued commands.
func (q *Queue) Suspend() {
	q.mu.Lock()
	q.suspended = true
	q.mu.Unlock()
}

// Resume restarts admission.
func (q *Queue) Resume() {
	q.mu.Lock()
	q.suspended = false
	q.mu.Unlock()
	q.signal()
}

// Attach sets the transport that admitted commands are written to.
func (q *Queue) Attach(w io.Writer) {
	q.mu.Lock()
	q.w = w
	q.mu.Unlock()
	q.signal()
}

// Detach removes the transport and fails the in-flight command with err.
func (q *Queue) Detach(err error) {
	q.mu.Lock()
	q.w = nil
	q.owed = 0
	q.epoch++
	e := q.inflight
	q.mu.Unlock()
	if e != nil && err != nil {
		select {
		case e.fail <- err:
		default:
		}
	}
}

// Len reports the number of queued (not in-flight) commands.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.pending.Len()
}

// Busy reports whether a command holds the slot.
func (q *Queue) Busy() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.inflight != nil
}

// Run executes admitted commands one at a time until ctx ends.
func (q *Queue) Run(ctx context.Context) {
	for {
		e, w, abort, ok := q.next(ctx)
		if !ok {
			return
		}
		q.execute(ctx, e, w, abort)
		q.release(e)
	}
}

func (q *Queue) next(ctx context.Context) (*entry, io.Writer, chan struct{}, bool) {
	for {
		q.mu.Lock()
		if !q.suspended && q.w != nil && q.inflight == nil && q.pending.Len() > 0 {
			e := heap.Pop(&q.pending).(*entry)
			q.inflight = e
			e.epoch = q.epoch
			w, abort := q.w, q.abort
			q.mu.Unlock()
			return e, w, abort, true
		}
		q.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, nil, nil, false
		case <-q.wake:
		}
	}
}

func (q *Queue) execute(ctx context.Context, e *entry, w io.Writer, abort chan struct{}) {
	start := time.Now()
	logger := q.log.With().Str("id", e.id).Str("command", e.cmd.Name).Logger()

	if d, ok := w.(writeDeadliner); ok && q.cfg.WriteTimeout > 0 {
		_ = d.SetWriteDeadline(time.Now().Add(q.cfg.WriteTimeout))
	}
	if _, err := w.Write(e.data); err != nil {
		logger.Warn().Err(err).Msg("command write failed")
		q.complete(e, Result{Err: fmt.Errorf("%w: write: %v", ErrTransport, err)}, OutcomeWrite, start)
		return
	}

	timeout := e.cmd.Timeout
	if timeout <= 0 {
		timeout = q.cfg.CommandTimeout
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case lines := <-e.reply:
		q.complete(e, Result{Responses: lines}, OutcomeReplied, start)
	case err := <-e.fail:
		q.complete(e, Result{Err: err}, OutcomeTransport, start)
	case <-timer.C:
		if lines, ok := q.abandon(e); ok {
			q.complete(e, Result{Responses: lines}, OutcomeReplied, start)
			return
		}
		logger.Warn().Dur("timeout", timeout).Bool("silent", q.cfg.SilentTimeouts).Msg("command timed out")
		if q.cfg.SilentTimeouts {
			q.discard(e, OutcomeTimeout, start)
			return
		}
		q.complete(e, Result{Err: fmt.Errorf("%w: %s after %s", ErrCommandTimeout, e.cmd.Name, timeout)}, OutcomeTimeout, start)
	case <-abort:
		q.abandon(e)
		q.discard(e, OutcomeCancelled, start)
	case <-ctx.Done():
		q.abandon(e)
		q.discard(e, OutcomeCancelled, start)
	}
}

// abandon frees the slot of a written command that will not wait for its
// reply. A reply that already arrived is returned; otherwise one reply is owed
// and the next batch read from this transport is discarded.
func (q *Queue) abandon(e *entry) ([]protocol.Response, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.inflight == e {
		q.inflight = nil
	}
	select {
	case lines := <-e.reply:
		return lines, true
	default:
	}
	if q.w != nil && q.epoch == e.epoch {
		q.owed++
	}
	return nil, false
}

func (q *Queue) complete(e *entry, r Result, outcome Outcome, start time.Time) {
	q.obs.CommandFinished(e.cmd.Name, outcome, time.Since(start))
	if e.onComplete != nil {
		e.onComplete(r)
	}
}

func (q *Queue) discard(e *entry, outcome Outcome, start time.Time) {
	q.obs.CommandFinished(e.cmd.Name, outcome, time.Since(start))
	e.drop()
}

func (q *Queue) release(e *entry) {
	q.mu.Lock()
	if q.inflight == e {
		q.inflight = nil
	}
	q.mu.Unlock()
	q.signal()
}

func (q *Queue) signal() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}
