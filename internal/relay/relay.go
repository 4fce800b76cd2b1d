// Package relay polls one channel on a fixed schedule and forwards every
// message newer than the persisted cursor to the sink set, oldest first.
//
// One iteration runs to completion before the next tick is computed:
//
//	IDLE -> FETCHING -> FILTERING -> DELIVERING -> ADVANCING_CURSOR -> IDLE
//
// Any failure moves to FAILED, is logged and returns to IDLE without
// advancing the cursor. Cancelling the context stops the loop (STOPPED).
//
// Delivery is at-least-once. The cursor only moves after the store write
// succeeds, so a crash or a failed write re-delivers the batch later;
// sinks should deduplicate on message_id.
package relay

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync/atomic"
	"time"

	"github.com/ppiankov/chanrelay/internal/cursor"
	"github.com/ppiankov/chanrelay/internal/logging"
	"github.com/ppiankov/chanrelay/internal/metrics"
	"github.com/ppiankov/chanrelay/internal/sink"
	"github.com/ppiankov/chanrelay/internal/source"
)

var (
	// ErrFetch wraps every source failure. The cursor is left untouched.
	ErrFetch = errors.New("fetch failed")

	// ErrUnexpected wraps panics recovered from an iteration.
	ErrUnexpected = errors.New("unexpected failure")
)

// PersistError reports a batch that was delivered but whose cursor could
// not be written. The in-memory cursor is left behind so the batch is
// delivered again on the next tick.
type PersistError struct {
	Cursor cursor.Cursor
	Err    error
}

func (e *PersistError) Error() string {
	return fmt.Sprintf("delivered but cursor not advanced to %s: %v", e.Cursor, e.Err)
}

func (e *PersistError) Unwrap() error {
	return e.Err
}

// State is the poll loop state.
type State int32

const (
	StateIdle State = iota
	StateFetching
	StateFiltering
	StateDelivering
	StateAdvancing
	StateFailed
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StateFetching:
		return "FETCHING"
	case StateFiltering:
		return "FILTERING"
	case StateDelivering:
		return "DELIVERING"
	case StateAdvancing:
		return "ADVANCING_CURSOR"
	case StateFailed:
		return "FAILED"
	case StateStopped:
		return "STOPPED"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// Options wires the relay's collaborators.
type Options struct {
	Source   source.Source
	Sinks    *sink.Set
	Store    cursor.Store
	Schedule Schedule
	Limit    int
	Clock    Clock
}

// Result summarises one iteration.
type Result struct {
	Fetched      int
	New          int
	Delivered    int // messages attempted against every sink
	SinkFailures int
	Cursor       cursor.Cursor
	Advanced     bool
}

// Relay is the poll loop. It owns the cursor; nothing else reads or
// writes it.
type Relay struct {
	source   source.Source
	sinks    *sink.Set
	store    cursor.Store
	schedule Schedule
	limit    int
	clock    Clock

	cursor cursor.Cursor
	state  atomic.Int32
}

// New validates opts and restores the cursor from the store. A store that
// cannot be read starts the relay without a cursor.
func New(ctx context.Context, opts Options) (*Relay, error) {
	if opts.Source == nil {
		return nil, errors.New("relay: source is required")
	}
	if opts.Sinks == nil || opts.Sinks.Len() == 0 {
		return nil, errors.New("relay: at least one sink is required")
	}
	if opts.Store == nil {
		return nil, errors.New("relay: cursor store is required")
	}
	if err := opts.Schedule.Validate(); err != nil {
		return nil, fmt.Errorf("relay: %w", err)
	}
	if opts.Limit <= 0 {
		opts.Limit = source.DefaultLimit
	}
	if opts.Clock == nil {
		opts.Clock = SystemClock{}
	}

	c, err := opts.Store.Load(ctx)
	if err != nil {
		logging.Warn().Err(err).Msg("cursor load failed, starting without cursor")
		c = cursor.None()
	}
	if c.Set {
		metrics.CursorID.Set(float64(c.LastID))
	}

	return &Relay{
		source:   opts.Source,
		sinks:    opts.Sinks,
		store:    opts.Store,
		schedule: opts.Schedule,
		limit:    opts.Limit,
		clock:    opts.Clock,
		cursor:   c,
	}, nil
}

// Cursor returns the id of the last durably delivered message.
func (r *Relay) Cursor() cursor.Cursor {
	return r.cursor
}

// State returns the current loop state.
func (r *Relay) State() State {
	return State(r.state.Load())
}

func (r *Relay) setState(s State) {
	r.state.Store(int32(s))
}

// Run aligns to the schedule grid, then polls once per tick until ctx is
// cancelled. Iteration failures are logged and never end the loop.
func (r *Relay) Run(ctx context.Context) error {
	logging.Info().
		Str("source", r.source.Name()).
		Dur("period", r.schedule.Period).
		Dur("offset", r.schedule.Offset).
		Int("sinks", r.sinks.Len()).
		Str("cursor", r.cursor.String()).
		Msg("relay started")

	var last time.Time
	for {
		tick, err := r.schedule.Wait(ctx, r.clock, last)
		if err != nil {
			r.setState(StateStopped)
			logging.Info().Str("cursor", r.cursor.String()).Msg("relay stopped")
			return nil
		}
		last = tick
		logging.Debug().Time("tick", tick).Msg("tick")

		r.iterate(ctx)
	}
}

func (r *Relay) iterate(ctx context.Context) {
	res, err := r.RunOnce(ctx)

	var persistErr *PersistError
	switch {
	case err == nil && res.New == 0:
		logging.Info().Int("fetched", res.Fetched).Msg("no new messages")
	case err == nil:
		logging.Info().
			Int("new", res.New).
			Int("sink_failures", res.SinkFailures).
			Str("cursor", res.Cursor.String()).
			Msg("new messages processed")
	case ctx.Err() != nil:
		logging.Info().Err(err).Int("delivered", res.Delivered).Msg("iteration interrupted")
	case errors.As(err, &persistErr):
		logging.Error().
			Err(persistErr.Err).
			Str("cursor", persistErr.Cursor.String()).
			Int("delivered", res.Delivered).
			Msg("delivered but cursor not advanced, batch will be re-delivered")
	case errors.Is(err, ErrFetch):
		logging.Error().Err(err).Msg("fetch failed, cursor unchanged")
	default:
		logging.Error().Err(err).Msg("iteration failed")
	}
}

// RunOnce performs a single fetch, filter, deliver and advance cycle.
func (r *Relay) RunOnce(ctx context.Context) (res Result, err error) {
	started := time.Now()
	res.Cursor = r.cursor

	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("%w: %v", ErrUnexpected, rec)
			logging.Error().Str("stack", string(debug.Stack())).Msg("recovered panic in poll iteration")
		}
		if err != nil {
			r.setState(StateFailed)
		}
		r.record(err)
		metrics.PollDuration.Observe(time.Since(started).Seconds())
		r.setState(StateIdle)
	}()

	r.setState(StateFetching)
	batch, err := r.source.Fetch(ctx, r.limit)
	if err != nil {
		return res, fmt.Errorf("%w: %s: %w", ErrFetch, r.source.Name(), err)
	}
	res.Fetched = len(batch)

	r.setState(StateFiltering)
	fresh := Novel(batch, r.cursor)
	res.New = len(fresh)

	r.setState(StateDelivering)
	var last cursor.Cursor
	for _, msg := range fresh {
		if ctx.Err() != nil {
			break
		}
		outcomes := r.sinks.Deliver(ctx, msg)
		if ctx.Err() != nil {
			// Interrupted mid-message: not every sink got a real attempt.
			break
		}
		res.Delivered++
		res.SinkFailures += sink.Failed(outcomes)
		metrics.MessagesForwarded.Inc()
		for _, o := range outcomes {
			result := metrics.ResultOK
			if !o.OK() {
				result = metrics.ResultError
			}
			metrics.SinkDeliveries.WithLabelValues(o.Sink, result).Inc()
		}
		last = cursor.At(msg.ID)
	}

	if !last.Set {
		return res, ctx.Err()
	}

	r.setState(StateAdvancing)
	// The write must not be abandoned half way when the loop is stopping.
	if err := r.store.Save(context.WithoutCancel(ctx), last); err != nil {
		metrics.CursorSaves.WithLabelValues(metrics.ResultError).Inc()
		return res, &PersistError{Cursor: last, Err: err}
	}
	metrics.CursorSaves.WithLabelValues(metrics.ResultOK).Inc()
	metrics.CursorID.Set(float64(last.LastID))

	r.cursor = last
	res.Cursor = last
	res.Advanced = true

	return res, ctx.Err()
}

func (r *Relay) record(err error) {
	var persistErr *PersistError
	result := metrics.ResultError
	switch {
	case err == nil:
		result = metrics.ResultOK
	case errors.As(err, &persistErr):
		result = metrics.ResultPersist
	case errors.Is(err, ErrFetch):
		result = metrics.ResultFetchFail
	}
	metrics.Polls.WithLabelValues(result).Inc()
}
