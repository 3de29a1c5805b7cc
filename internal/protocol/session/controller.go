package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"sync"
	"time"

	"github.com/danmuck/torctl/internal/auth"
	"github.com/danmuck/torctl/internal/protocol"
	"github.com/danmuck/torctl/internal/protocol/frame"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// State is the connection lifecycle state of a Controller.
type State int

const (
	StateDisconnected State = iota
	StatePolling
	StateAuthenticating
	StateReady
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StatePolling:
		return "polling"
	case StateAuthenticating:
		return "authenticating"
	case StateReady:
		return "ready"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// priorityAuth keeps AUTHENTICATE ahead of any queued work, including
// very-high SETEVENTS submitted before the connection came up.
const priorityAuth = PriorityVeryHigh + 1

// Target names the backend endpoint and the credential presented to it.
type Target struct {
	Address    string
	Credential auth.Credential
}

type Option func(*Controller)

func WithDialer(dial DialFunc) Option {
	return func(c *Controller) {
		if dial != nil {
			c.dial = dial
		}
	}
}

func WithLogger(logger zerolog.Logger) Option {
	return func(c *Controller) {
		c.log = logger
	}
}

func WithObserver(obs Observer) Option {
	return func(c *Controller) {
		if obs != nil {
			c.obs = obs
		}
	}
}

// Controller owns one control connection: dial polling, authentication,
// command execution and event delivery.
type Controller struct {
	cfg  Config
	dial DialFunc
	log  zerolog.Logger
	obs  Observer
	rng  *rand.Rand

	queue  *Queue
	events *Dispatcher

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.Mutex
	state  State
	conn   io.ReadWriteCloser
	gen    uint64
	addr   Address
	closed bool
}

// New builds a controller and starts its queue and delivery loops.
// Callers own the handle and must Close it.
func New(cfg Config, opts ...Option) *Controller {
	cfg = cfg.WithDefaults()
	c := &Controller{
		cfg: cfg,
		log: log.Logger.With().Str("component", "session").Logger(),
		obs: nopObserver{},
		rng: rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	c.dial = NetDialer(cfg.DialTimeout)
	for _, opt := range opts {
		opt(c)
	}
	c.queue = NewQueue(cfg, c.log, c.obs)
	c.queue.Suspend()
	c.events = NewDispatcher(c.queue, cfg.EventRouting, c.log, c.obs)
	c.ctx, c.cancel = context.WithCancel(context.Background())

	c.wg.Add(2)
	go func() {
		defer c.wg.Done()
		c.queue.Run(c.ctx)
	}()
	go func() {
		defer c.wg.Done()
		c.events.Run(c.ctx)
	}()
	return c
}

// State returns the current lifecycle state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Address returns the endpoint of the last configure request.
func (c *Controller) Address() Address {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.addr
}

// Configure brings the session to Ready. When already Ready it reloads the
// backend configuration instead and leaves the state unchanged.
func (c *Controller) Configure(ctx context.Context, target Target) error {
	addr, err := ParseAddress(target.Address)
	if err != nil {
		return err
	}
	cred := target.Credential
	if cred == nil {
		cred = auth.Null{}
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	switch c.state {
	case StateReady:
		c.mu.Unlock()
		return c.Reload(ctx)
	case StatePolling, StateAuthenticating:
		c.mu.Unlock()
		return ErrConfigureInProgress
	}
	c.addr = addr
	c.setStateLocked(StatePolling)
	c.mu.Unlock()
	c.queue.Suspend()

	conn, err := c.poll(ctx, addr)
	if err != nil {
		if errors.Is(err, ErrStartTimeout) {
			c.setState(StateFailed)
		} else {
			c.setState(StateDisconnected)
		}
		return err
	}
	return c.authenticate(ctx, conn, cred)
}

func (c *Controller) poll(ctx context.Context, addr Address) (io.ReadWriteCloser, error) {
	startCtx, cancel := context.WithTimeout(ctx, c.cfg.StartTimeout)
	defer cancel()

	for attempt := 1; ; attempt++ {
		conn, err := c.dial(startCtx, addr)
		if err == nil {
			c.log.Info().Str("addr", addr.String()).Int("attempt", attempt).Msg("control connection opened")
			return conn, nil
		}
		c.log.Debug().Err(err).Str("addr", addr.String()).Int("attempt", attempt).Msg("dial retry")

		timer := time.NewTimer(NextBackoffDelay(c.cfg.Poll, attempt, c.rng))
		select {
		case <-startCtx.Done():
			timer.Stop()
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, fmt.Errorf("%w: %s after %s", ErrStartTimeout, addr, c.cfg.StartTimeout)
		case <-timer.C:
		}
	}
}

func (c *Controller) authenticate(ctx context.Context, conn io.ReadWriteCloser, cred auth.Credential) error {
	args, err := cred.Arguments()
	if err != nil {
		_ = conn.Close()
		c.setState(StateFailed)
		return fmt.Errorf("%w: %w", ErrAuthentication, err)
	}

	gen, ok := c.attach(conn)
	if !ok {
		_ = conn.Close()
		return ErrClosed
	}
	call := c.queue.Go(NewCommand("AUTHENTICATE", args...).WithPriority(priorityAuth))
	c.queue.Resume()

	lines, err := call.Wait(ctx)
	if err == nil && !anyOK(lines) {
		err = protocol.CheckOK(lines)
		if err == nil {
			err = protocol.ErrEmptyReply
		}
	}
	if err != nil {
		c.fail(gen)
		c.log.Warn().Err(err).Msg("authentication failed")
		return fmt.Errorf("%w: %w", ErrAuthentication, err)
	}

	c.mu.Lock()
	if c.gen != gen || c.closed {
		c.mu.Unlock()
		return fmt.Errorf("%w: connection lost", ErrAuthentication)
	}
	c.setStateLocked(StateReady)
	c.mu.Unlock()

	if err := c.events.Resubscribe(ctx); err != nil {
		c.log.Warn().Err(err).Strs("categories", c.events.Categories()).Msg("resubscribe failed")
	}
	return nil
}

func anyOK(lines []protocol.Response) bool {
	for _, l := range lines {
		if l.IsOK() {
			return true
		}
	}
	return false
}

func (c *Controller) attach(conn io.ReadWriteCloser) (uint64, bool) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return 0, false
	}
	c.gen++
	gen := c.gen
	c.conn = conn
	c.setStateLocked(StateAuthenticating)
	c.mu.Unlock()

	c.queue.Attach(conn)
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.readLoop(conn, gen)
	}()
	return gen, true
}

// fail tears down connection gen and parks the session in Failed.
func (c *Controller) fail(gen uint64) {
	c.mu.Lock()
	conn := c.conn
	if c.gen != gen {
		conn = nil
	} else {
		c.conn = nil
		c.gen++
	}
	if !c.closed {
		c.setStateLocked(StateFailed)
	}
	c.mu.Unlock()

	if conn != nil {
		c.queue.Suspend()
		c.queue.Detach(ErrAuthentication)
		_ = conn.Close()
	}
}

func (c *Controller) readLoop(conn io.ReadWriteCloser, gen uint64) {
	parser := frame.NewParser(c.cfg.Limits)
	buf := make([]byte, c.cfg.ReadBufferSize)
	for {
		n, err := conn.Read(buf)
		if n > 0 {
			for _, batch := range parser.Feed(buf[:n]) {
				c.route(protocol.FromBatch(batch))
			}
			if dropped := parser.Dropped(); dropped > 0 {
				c.log.Debug().Int("count", dropped).Msg("malformed reply lines dropped")
				c.obs.LinesDropped(dropped)
			}
		}
		if err != nil {
			c.lost(gen, err)
			return
		}
	}
}

// route splits one batch between the dispatcher and the in-flight command.
func (c *Controller) route(batch []protocol.Response) {
	events, results := protocol.Partition(batch)
	if len(events) > 0 {
		c.events.Dispatch(events)
	}
	if len(results) > 0 && !c.queue.Deliver(results) {
		c.log.Debug().Int("lines", len(results)).Msg("reply without waiting command discarded")
	}
}

func (c *Controller) lost(gen uint64, cause error) {
	c.mu.Lock()
	if c.gen != gen || c.conn == nil {
		c.mu.Unlock()
		return
	}
	conn := c.conn
	c.conn = nil
	c.gen++
	if !c.closed {
		c.setStateLocked(StateDisconnected)
	}
	c.mu.Unlock()

	if !errors.Is(cause, io.EOF) {
		c.log.Warn().Err(cause).Msg("control connection lost")
	} else {
		c.log.Info().Msg("control connection closed by backend")
	}
	c.queue.Suspend()
	c.queue.Detach(fmt.Errorf("%w: read: %v", ErrTransport, cause))
	_ = conn.Close()
}

func (c *Controller) setState(next State) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.setStateLocked(next)
}

func (c *Controller) setStateLocked(next State) {
	prev := c.state
	if prev == next {
		return
	}
	c.state = next
	c.log.Info().Str("from", prev.String()).Str("state", next.String()).Msg("session state")
	c.obs.StateChanged(prev, next)
}

// Reload asks the backend to reread its configuration.
func (c *Controller) Reload(ctx context.Context) error {
	return c.Signal(ctx, "RELOAD")
}

// Signal sends SIGNAL name at very-high priority. The session must be Ready.
func (c *Controller) Signal(ctx context.Context, name string) error {
	if c.State() != StateReady {
		return ErrNotReady
	}
	lines, err := c.queue.Do(ctx, NewCommand("SIGNAL", name).WithPriority(PriorityVeryHigh))
	if err != nil {
		return err
	}
	return protocol.CheckOK(lines)
}

// Submit enqueues cmd; see Queue.Submit.
func (c *Controller) Submit(cmd Command, onComplete func(Result)) (string, error) {
	if c.isClosed() {
		return "", ErrClosed
	}
	return c.queue.Submit(cmd, onComplete), nil
}

// Go enqueues cmd and returns a handle to wait on.
func (c *Controller) Go(cmd Command) (*Call, error) {
	if c.isClosed() {
		return nil, ErrClosed
	}
	return c.queue.Go(cmd), nil
}

// Do submits cmd and waits for its replies. Work submitted while the session
// is not Ready waits in the queue until the connection is authenticated.
func (c *Controller) Do(ctx context.Context, cmd Command) ([]protocol.Response, error) {
	if c.isClosed() {
		return nil, ErrClosed
	}
	return c.queue.Do(ctx, cmd)
}

// Subscribe registers fn for notifications of category.
func (c *Controller) Subscribe(ctx context.Context, category string, fn Listener) error {
	if c.isClosed() {
		return ErrClosed
	}
	return c.events.Subscribe(ctx, category, fn)
}

// Categories returns the enabled notification categories.
func (c *Controller) Categories() []string {
	return c.events.Categories()
}

// CancelAll drops queued and in-flight commands without completing them.
func (c *Controller) CancelAll() int {
	return c.queue.CancelAll()
}

func (c *Controller) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Close drops outstanding work, closes the connection and stops the loops.
func (c *Controller) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	conn := c.conn
	c.conn = nil
	c.gen++
	c.setStateLocked(StateDisconnected)
	c.mu.Unlock()

	c.queue.Suspend()
	c.queue.CancelAll()
	var err error
	if conn != nil {
		err = conn.Close()
	}
	c.cancel()
	c.wg.Wait()
	return err
}
