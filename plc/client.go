package plc

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"
)

type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateReconnecting
	StateError
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateError:
		return "error"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// EventEmitter is the interface the PLC package uses to emit events.
// The engine package implements this via an adapter to avoid import cycles.
type EventEmitter interface {
	EmitPLCState(state State, err error)
}

type Options struct {
	Timeout      time.Duration
	MaxRetries   int
	RetryDelay   time.Duration
	VerifyWrites bool
	PollInterval time.Duration
}

type Stats struct {
	State              State  `json:"state"`
	ConnectionAttempts int64  `json:"connection_attempts"`
	Successful         int64  `json:"successful"`
	Failed             int64  `json:"failed"`
	Reads              int64  `json:"reads"`
	Writes             int64  `json:"writes"`
	LastError          string `json:"last_error,omitempty"`
}

// callAttempts bounds local retries of one wire call.
const callAttempts = 2

type job struct {
	fn   func(Driver) error
	raw  bool // skip the state gate and retry loop
	done chan error
}

// Client owns the PLC connection. A single worker goroutine runs every wire
// call, so at most one request is on the wire at a time.
type Client struct {
	drv     Driver
	opts    Options
	emitter EventEmitter

	jobs     chan job
	stopChan chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	mu    sync.Mutex
	state State
	stats Stats
}

func NewClient(drv Driver, opts Options, emitter EventEmitter) *Client {
	if opts.Timeout <= 0 {
		opts.Timeout = 3 * time.Second
	}
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = 3
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 100 * time.Millisecond
	}
	c := &Client{
		drv:      drv,
		opts:     opts,
		emitter:  emitter,
		jobs:     make(chan job),
		stopChan: make(chan struct{}),
	}
	c.wg.Add(1)
	go c.worker()
	return c
}

func (c *Client) worker() {
	defer c.wg.Done()
	for {
		select {
		case <-c.stopChan:
			return
		case j := <-c.jobs:
			if j.raw {
				j.done <- j.fn(c.drv)
			} else {
				j.done <- c.exec(j.fn)
			}
		}
	}
}

// submit hands fn to the worker and waits for it or ctx.
func (c *Client) submit(ctx context.Context, raw bool, fn func(Driver) error) error {
	j := job{fn: fn, raw: raw, done: make(chan error, 1)}
	select {
	case c.jobs <- j:
	case <-c.stopChan:
		return ErrNotConnected
	case <-ctx.Done():
		return waitErr(ctx)
	}
	select {
	case err := <-j.done:
		return err
	case <-ctx.Done():
		return waitErr(ctx)
	}
}

func waitErr(ctx context.Context) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return ErrReadTimeout
	}
	if cause := context.Cause(ctx); cause != nil {
		return cause
	}
	return ctx.Err()
}

// exec runs fn with the state gate, local retries and reconnect.
func (c *Client) exec(fn func(Driver) error) error {
	switch c.State() {
	case StateError:
		return ErrReconnectExhausted
	case StateConnected:
	default:
		return ErrNotConnected
	}
	var err error
	for attempt := 1; attempt <= callAttempts; attempt++ {
		if err = fn(c.drv); err == nil {
			return nil
		}
		if !transient(err) {
			c.noteError(err)
			return err
		}
		c.noteError(err)
		if perr := c.drv.Ping(); perr != nil {
			log.Printf("plc: ping failed after %v: %v", err, perr)
			if rerr := c.reconnect(perr); rerr != nil {
				return rerr
			}
		}
	}
	return err
}

func transient(err error) bool {
	return !errors.Is(err, ErrWriteVerifyFailed) && !errors.Is(err, ErrOutOfRange) &&
		!errors.Is(err, ErrInvalidBitAddress)
}

// reconnect runs on the worker and reopens the driver up to MaxRetries times.
func (c *Client) reconnect(cause error) error {
	c.setState(StateReconnecting, cause)
	for i := 1; i <= c.opts.MaxRetries; i++ {
		select {
		case <-c.stopChan:
			return ErrNotConnected
		default:
		}
		c.drv.Close()
		err := c.connect()
		if err == nil {
			log.Printf("plc: reconnected after %d attempt(s)", i)
			c.setState(StateConnected, nil)
			return nil
		}
		log.Printf("plc: reconnect attempt %d/%d: %v", i, c.opts.MaxRetries, err)
		if i < c.opts.MaxRetries && c.opts.RetryDelay > 0 {
			select {
			case <-c.stopChan:
				return ErrNotConnected
			case <-time.After(c.opts.RetryDelay):
			}
		}
	}
	c.setState(StateError, ErrReconnectExhausted)
	return ErrReconnectExhausted
}

// connect dials once and validates the link with a CPU info read.
func (c *Client) connect() error {
	c.mu.Lock()
	c.stats.ConnectionAttempts++
	c.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), c.opts.Timeout)
	defer cancel()
	err := c.drv.Connect(ctx)
	if err == nil {
		var info string
		if info, err = c.drv.CPUInfo(); err == nil {
			log.Printf("plc: connected (%s)", info)
		}
	}
	c.mu.Lock()
	if err != nil {
		c.stats.Failed++
		c.stats.LastError = err.Error()
	} else {
		c.stats.Successful++
	}
	c.mu.Unlock()
	return err
}

// Open connects the driver. It also resets the Error state after reconnect
// attempts ran out.
func (c *Client) Open(ctx context.Context) error {
	return c.submit(ctx, true, func(d Driver) error {
		c.setState(StateConnecting, nil)
		d.Close()
		if err := c.connect(); err != nil {
			c.setState(StateDisconnected, err)
			return fmt.Errorf("%w: %v", ErrNotConnected, err)
		}
		c.setState(StateConnected, nil)
		return nil
	})
}

// Close stops the worker and closes the driver.
func (c *Client) Close() {
	c.stopOnce.Do(func() {
		close(c.stopChan)
		c.wg.Wait()
		c.drv.Close()
		c.setState(StateDisconnected, nil)
	})
}

func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Client) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	st := c.stats
	st.State = c.state
	return st
}

func (c *Client) setState(s State, err error) {
	c.mu.Lock()
	changed := c.state != s
	c.state = s
	if err != nil {
		c.stats.LastError = err.Error()
	}
	c.mu.Unlock()
	if changed {
		log.Printf("plc: state %s", s)
		if c.emitter != nil {
			c.emitter.EmitPLCState(s, err)
		}
	}
}

func (c *Client) noteError(err error) {
	c.mu.Lock()
	c.stats.LastError = err.Error()
	c.mu.Unlock()
}

func (c *Client) ReadDB(ctx context.Context, db, start, size int) ([]byte, error) {
	var out []byte
	err := c.submit(ctx, false, func(d Driver) error {
		b, err := d.ReadDB(db, start, size)
		if err != nil {
			return err
		}
		out = b
		c.mu.Lock()
		c.stats.Reads++
		c.mu.Unlock()
		return nil
	})
	return out, err
}

// WriteDB writes data and, with VerifyWrites, reads it back in the same
// wire slot.
func (c *Client) WriteDB(ctx context.Context, db, start int, data []byte) error {
	return c.submit(ctx, false, func(d Driver) error {
		return c.writeJob(d, db, start, data)
	})
}

// writeJob runs on the worker goroutine.
func (c *Client) writeJob(d Driver, db, start int, data []byte) error {
	if err := d.WriteDB(db, start, data); err != nil {
		return err
	}
	c.mu.Lock()
	c.stats.Writes++
	c.mu.Unlock()
	if !c.opts.VerifyWrites {
		return nil
	}
	got, err := d.ReadDB(db, start, len(data))
	if err != nil {
		return err
	}
	for i := range data {
		if got[i] != data[i] {
			return fmt.Errorf("%w: DB%d.%d wrote % X read % X", ErrWriteVerifyFailed, db, start, data, got)
		}
	}
	return nil
}
